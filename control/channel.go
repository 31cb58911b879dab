// Package control implements C3: a duplex control RPC with a single worker,
// carrying heartbeat, terminate, and terminated frames (spec.md §6). It is
// deliberately independent of the worker's data channel, so it can be torn
// down on its own timeline (heartbeat loss, terminate grace) without
// affecting in-flight data channels.
//
// Grounded on the timer-driven, single-purpose pump goroutine of
// dwarri-gazette's broker/append_fsm.go (the `ticker`/`chunkCh` select loop
// in appendFSM.run), generalized from one timeout to the heartbeat+grace and
// terminate+kill timers this component needs.
package control

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"go.vicodyn.dev/core/protocol"
)

// Stream is the subset of protocol.NodeService_HandshakeServer/Client the
// Channel needs; satisfied by both the server and client stream stubs.
type Stream interface {
	Send(*protocol.ControlFrame) error
	Recv() (*protocol.ControlFrame, error)
}

// Config carries the timeouts named in spec.md §5.
type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatGrace    time.Duration
	TerminateGrace    time.Duration
}

// Channel drives one worker's control RPC.
type Channel struct {
	stream Stream
	cfg    Config

	// OnHeartbeatTimeout is invoked at most once if no heartbeat arrives
	// within HeartbeatInterval+HeartbeatGrace.
	OnHeartbeatTimeout func()
	// OnTerminated is invoked when the worker's final `terminated` frame
	// arrives.
	OnTerminated func(code int32)
	// OnKillTimeout is invoked if TerminateGrace elapses after Terminate()
	// without a `terminated` frame -- the caller should force-kill via the
	// spawner.
	OnKillTimeout func()
	// OnFirstHeartbeat is invoked once, the first time any heartbeat frame
	// is received -- the Slave Machine's Handshaking -> Active trigger.
	OnFirstHeartbeat func()

	mu         sync.Mutex
	closed     bool
	cancel     context.CancelFunc
	lastBeatAt time.Time
	sawBeat    bool
}

// New returns a Channel that has not yet started its pump; call Run in a
// goroutine to begin processing.
func New(stream Stream, cfg Config) *Channel {
	return &Channel{stream: stream, cfg: cfg, lastBeatAt: time.Now()}
}

// Run drives the receive loop and heartbeat/timeout timers until ctx is
// cancelled or the stream errors. It is meant to be called from its own
// goroutine and returns when the channel should be considered dead.
func (c *Channel) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	var recvCh = make(chan *protocol.ControlFrame, 1)
	var recvErrCh = make(chan error, 1)

	go func() {
		for {
			frame, err := c.stream.Recv()
			if err != nil {
				recvErrCh <- err
				return
			}
			select {
			case recvCh <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()

	var sendTicker = time.NewTicker(c.cfg.HeartbeatInterval)
	defer sendTicker.Stop()

	var checkTicker = time.NewTicker(c.cfg.HeartbeatGrace / 2)
	if c.cfg.HeartbeatGrace <= 0 {
		checkTicker = time.NewTicker(c.cfg.HeartbeatInterval)
	}
	defer checkTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-recvErrCh:
			return errors.Wrap(err, "control channel recv")

		case frame := <-recvCh:
			c.onFrame(frame)

		case <-sendTicker.C:
			if err := c.stream.Send(&protocol.ControlFrame{Heartbeat: &protocol.Heartbeat{}}); err != nil {
				return errors.Wrap(err, "sending heartbeat")
			}

		case <-checkTicker.C:
			c.mu.Lock()
			var stale = time.Since(c.lastBeatAt) > c.cfg.HeartbeatInterval+c.cfg.HeartbeatGrace
			c.mu.Unlock()
			if stale {
				log.Warn("control channel: heartbeat timeout")
				if c.OnHeartbeatTimeout != nil {
					c.OnHeartbeatTimeout()
				}
				return errTimeout
			}
		}
	}
}

func (c *Channel) onFrame(frame *protocol.ControlFrame) {
	switch {
	case frame.Heartbeat != nil:
		c.mu.Lock()
		c.lastBeatAt = time.Now()
		var first = !c.sawBeat
		c.sawBeat = true
		c.mu.Unlock()
		if first && c.OnFirstHeartbeat != nil {
			c.OnFirstHeartbeat()
		}
	case frame.Terminated != nil:
		if c.OnTerminated != nil {
			c.OnTerminated(frame.Terminated.Code)
		}
	}
}

// Terminate sends a `terminate` frame and arms the kill timer: if no
// `terminated` response arrives within TerminateGrace, OnKillTimeout fires.
func (c *Channel) Terminate(reason string) {
	if err := c.stream.Send(&protocol.ControlFrame{Terminate: &protocol.Terminate{Reason: reason}}); err != nil {
		log.WithField("err", err).Warn("control channel: failed to send terminate")
	}
	if c.cfg.TerminateGrace <= 0 {
		return
	}
	time.AfterFunc(c.cfg.TerminateGrace, func() {
		c.mu.Lock()
		var dead = c.closed
		c.mu.Unlock()
		if !dead && c.OnKillTimeout != nil {
			c.OnKillTimeout()
		}
	})
}

// Close tears down the Channel independent of any data channel state.
// Callers that have sent a Terminate must not call Close until the
// `terminated` ack arrives (OnTerminated) or the kill timer fires
// (OnKillTimeout): closing earlier would mark the channel closed while the
// kill timer is still pending, and its dead check above would then see a
// worker that's actually still running as already handled.
func (c *Channel) Close() {
	c.mu.Lock()
	c.closed = true
	var cancel = c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

var errTimeout = errors.New("heartbeat timeout")
