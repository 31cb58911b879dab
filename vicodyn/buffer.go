package vicodyn

import (
	"sync"
	"time"

	"go.vicodyn.dev/core/protocol"
)

// forwardBuffer is the Forward Buffer of spec.md §4.9: it records the
// enqueue frame and every forward chunk with its headers in arrival
// order, plus the final choke if one arrives, so that a recoverable
// backward error can be retried against a new Peer by replaying the
// buffer from the start. Buffering is enabled only until the first
// non-error frame flows back from the worker, per spec.md §4.9's
// invariant; once disabled the retained memory is released and the
// retry path is no longer available.
//
// The client reader records forwarded frames from its own goroutine,
// independent of (and outliving) any single backend session's lifetime,
// while a session's backward loop may concurrently disable buffering --
// hence the mutex.
type forwardBuffer struct {
	enqueueFrame protocol.DataFrame

	mu        sync.Mutex
	chunks    []protocol.StampedChunk
	choke     *protocol.DataFrame
	buffering bool
}

// newForwardBuffer starts a buffer for a session opened with enqueue,
// with buffering enabled as spec.md §4.9 requires.
func newForwardBuffer(enqueue protocol.DataFrame) *forwardBuffer {
	return &forwardBuffer{enqueueFrame: enqueue, buffering: true}
}

// RecordForward appends a forward-direction frame to the buffer, in
// arrival order. A no-op once buffering has been disabled.
func (b *forwardBuffer) RecordForward(frame protocol.DataFrame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.buffering {
		return
	}
	if frame.Choke != nil {
		var f = frame
		b.choke = &f
		return
	}
	b.chunks = append(b.chunks, protocol.StampedChunk{Frame: frame, At: time.Now()})
}

// Disable clears the retained frames and forbids further retries, either
// because a non-error backward frame arrived or the client itself sent
// an error (spec.md §4.9).
func (b *forwardBuffer) Disable() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buffering = false
	b.chunks = nil
	b.choke = nil
}

// Buffering reports whether a retry replay is still possible.
func (b *forwardBuffer) Buffering() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffering
}

// Replay returns the recorded frames in the order they must be resent to
// a newly chosen Peer to reconstruct the session: the enqueue frame,
// every buffered chunk, then the choke if the client had already sent
// one.
func (b *forwardBuffer) Replay() []protocol.DataFrame {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out = make([]protocol.DataFrame, 0, len(b.chunks)+2)
	out = append(out, b.enqueueFrame)
	for _, c := range b.chunks {
		out = append(out, c.Frame)
	}
	if b.choke != nil {
		out = append(out, *b.choke)
	}
	return out
}
