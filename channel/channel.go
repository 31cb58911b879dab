// Package channel models a single client invocation (spec.md §3's Channel):
// a pair of streams (forward client->worker, backward worker->client), an
// application event name, and an assignment that -- once made -- never
// migrates. It is the shared, dependency-free type imported by queue,
// slave, engine, and vicodyn so those packages can exchange channels
// without an import cycle.
package channel

import (
	"context"
	"sync"
	"time"

	"go.vicodyn.dev/core/protocol"
)

// Forward is the client->runtime half of a Channel: successive calls to
// Recv return the chunks and terminal choke/error the client sent, in
// order, until io.EOF.
type Forward interface {
	Recv() (*protocol.DataFrame, error)
}

// Backward is the runtime->client half of a Channel.
type Backward interface {
	Send(*protocol.DataFrame) error
}

// Channel is a single enqueue()'d invocation, from client arrival through
// assignment to a Slave and on to completion or cancellation.
type Channel struct {
	Event   string
	Headers map[string]string
	Forward Forward
	Backward Backward

	// Context carries the originating tracing context (spec.md §3's Pending
	// Queue entry) and is cancelled when the client session goes away.
	Context context.Context

	EnqueuedAt time.Time

	// WantedSlave, if non-empty, is the UUID an enqueue() call pinned this
	// Channel to (spec.md §4.7).
	WantedSlave string

	mu         sync.Mutex
	assignedTo string // slave UUID, "" if unassigned
	delivered  bool   // true once the first chunk frame was sent to the worker
	cancelled  bool
	num        uint64 // channel number, assigned by the Slave on Inject
}

// New returns a Channel ready for the Pending Queue or direct assignment.
func New(ctx context.Context, event string, headers map[string]string, fwd Forward, bwd Backward) *Channel {
	return &Channel{
		Event:      event,
		Headers:    headers,
		Forward:    fwd,
		Backward:   bwd,
		Context:    ctx,
		EnqueuedAt: time.Now(),
	}
}

// Assign records the Slave UUID this Channel has been bound to. It returns
// false if the Channel was already assigned (the "never migrates"
// invariant of spec.md §3) -- callers must treat a false return as a bug,
// not retry with a different UUID.
func (c *Channel) Assign(uuid string, num uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.assignedTo != "" {
		return false
	}
	c.assignedTo = uuid
	c.num = num
	return true
}

// AssignedTo returns the bound Slave UUID, or "" if unassigned.
func (c *Channel) AssignedTo() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.assignedTo
}

// Number returns the per-Slave channel number assigned at Assign time.
func (c *Channel) Number() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.num
}

// MarkDelivered records that at least one chunk of this Channel's request
// body has reached the worker -- not merely that the invoke was forwarded.
// A crash before the first chunk leaves delivered false, so the channel can
// still be silently reassigned to another Slave with the client none the
// wiser; a crash after marks it delivered, so on_slave_death must instead
// surface a transport error rather than risk re-invoking a handler that may
// have already observed a partial request.
func (c *Channel) MarkDelivered() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delivered = true
}

// Delivered reports whether MarkDelivered has been called.
func (c *Channel) Delivered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delivered
}

// Cancel marks the Channel as cancelled -- the client session went away.
// It is idempotent.
func (c *Channel) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = true
}

// Cancelled reports whether Cancel has been called.
func (c *Channel) Cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}
