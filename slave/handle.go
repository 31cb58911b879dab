package slave

import (
	"runtime"
	"sync"

	log "github.com/sirupsen/logrus"
)

// noCopy causes `go vet`'s copylocks check to flag accidental copies of a
// Handle, approximating the move-only semantics spec.md §4.5 requires.
// Copying a Handle would let two owners race to terminate the same
// Machine, undermining the single-owner termination guarantee.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Handle is the movable façade over a shared Machine described in spec.md
// §4.5. Construct with NewHandle; call Release exactly once when the
// caller is done with the Slave. As a backstop for callers that forget
// (Go has no deterministic destructors), a finalizer also releases the
// Handle, but code should not rely on finalizer timing for anything
// latency-sensitive.
type Handle struct {
	_ noCopy

	m      *Machine
	reason string

	mu       sync.Mutex
	released bool
}

// NewHandle wraps m, recording reason as the termination reason to use
// when the Handle is released (the "shutdown" default unless overridden
// via SetReason before Release).
func NewHandle(m *Machine) *Handle {
	var h = &Handle{m: m, reason: "shutdown"}
	runtime.SetFinalizer(h, func(h *Handle) {
		if h.release() {
			log.WithField("uuid", m.UUID()).Warn("slave handle garbage collected without Release")
		}
	})
	return h
}

// SetReason overrides the termination reason used by Release.
func (h *Handle) SetReason(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reason = reason
}

// Machine returns the underlying Machine. Callers use it both for
// inspection (Stats, State) and for operations such as Inject, AttachData
// and Seal; releasing the Slave goes through Handle.Release.
func (h *Handle) Machine() *Machine { return h.m }

// Release terminates the Machine with the recorded reason. Safe to call
// more than once; only the first call has effect.
func (h *Handle) Release() {
	h.release()
	runtime.SetFinalizer(h, nil)
}

func (h *Handle) release() bool {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return false
	}
	h.released = true
	var reason = h.reason
	h.mu.Unlock()

	h.m.Terminate(reason)
	return true
}
