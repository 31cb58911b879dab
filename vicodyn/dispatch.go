// Package vicodyn implements the forwarding proxy named in spec.md's data
// flow overview: an alternative front door that forwards a client's
// enqueue to a backend Peer serving the vicodyn.Vicodyn Invoke RPC (the
// Node Service does not serve that RPC), replaying via the Forward
// Buffer (C9) when a backend fails recoverably (C10 Proxy Dispatch).
package vicodyn

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/metadata"

	"go.vicodyn.dev/core/app"
	"go.vicodyn.dev/core/authz"
	"go.vicodyn.dev/core/internal/task"
	"go.vicodyn.dev/core/protocol"
	"go.vicodyn.dev/core/vicodyn/peer"
)

// Dispatch is the Proxy Dispatch of spec.md §4.10, implementing
// protocol.VicodynServer. One Dispatch fronts a Peer Pool shared across
// every client session it serves.
type Dispatch struct {
	pool    *peer.Pool
	profile app.VicodynProfile
	authz   authz.Authorizer
}

// New returns a Dispatch that selects backends from pool according to
// profile's retry_limit, authorizing each session through az.
func New(pool *peer.Pool, profile app.VicodynProfile, az authz.Authorizer) *Dispatch {
	if az == nil {
		az = authz.AllowAll{}
	}
	return &Dispatch{pool: pool, profile: profile, authz: az}
}

// clientDisconnectedMessage is the message of the synthetic Transport
// error sent to the Peer session when the client goes away
// mid-invocation, so the worker can abort
// cleanly (spec.md §4.10's discard handling).
const clientDisconnectedMessage = "client disconnected"

// Invoke implements protocol.VicodynServer. Each call corresponds to one
// client-opened channel forwarded to exactly one backend Peer at a time,
// retried across Peers on recoverable backward errors per spec.md §4.10.
func (d *Dispatch) Invoke(stream protocol.Vicodyn_InvokeServer) error {
	var ctx = stream.Context()

	first, err := stream.Recv()
	if err != nil {
		return err
	}
	if first.Invoke == nil {
		return errors.New("first frame must be an invoke")
	}

	var service = routedService(ctx)
	if err := d.authz.Authorize(ctx, service, first.Invoke.Event, first.Headers); err != nil {
		return err
	}

	var buf = newForwardBuffer(*first)
	var excluded = make(map[string]bool)
	var retries uint

	// One reader pumps client.Recv() for the whole call, independent of
	// which backend session is currently live: a gRPC stream's Recv can
	// only be unblocked by its own RPC ending, never by cancelling some
	// other derived context, so retrying to a new peer must hand the
	// already-open client stream off to the next session rather than
	// try to interrupt and re-open a read on it.
	var reader = newClientReader(stream, buf)
	go reader.run()
	defer reader.stop()

	for {
		p, err := d.pool.ChooseExcluding(service, first.Headers, excluded)
		if err != nil {
			return d.sendTerminalError(stream, protocol.KindNotFound, err.Error())
		}

		recoverable, sessionErr := d.runSession(ctx, stream, p, buf, reader)
		if sessionErr == nil {
			return nil
		}
		if !recoverable || !buf.Buffering() {
			return sessionErr
		}

		retries++
		if retries > d.profile.RetryLimit {
			return d.sendTerminalError(stream, protocol.KindTransport, sessionErr.Error())
		}
		excluded[p.UUID()] = true
		log.WithFields(log.Fields{"peer": p.UUID(), "retry": retries, "err": sessionErr}).
			Warn("retrying vicodyn invocation against a new peer")
	}
}

// clientReader pumps client.Recv() for the entire lifetime of one Invoke
// call. It is started once and handed to each successive runSession
// attempt, so a retry never needs to interrupt an in-flight Recv -- it
// just stops consuming frames and lets the next session pick up where it
// left off.
type clientReader struct {
	stream protocol.Vicodyn_InvokeServer
	buf    *forwardBuffer

	frames   chan *protocol.DataFrame
	done     chan struct{}
	stopOnce sync.Once

	mu  sync.Mutex
	err error
}

func newClientReader(stream protocol.Vicodyn_InvokeServer, buf *forwardBuffer) *clientReader {
	return &clientReader{
		stream: stream,
		buf:    buf,
		frames: make(chan *protocol.DataFrame),
		done:   make(chan struct{}),
	}
}

// run reads client frames until the client stream ends or stop is called.
// It records every forwarded frame into buf itself, so replay sees frames
// even from the gap between one session ending and the next starting to
// consume them.
func (r *clientReader) run() {
	defer close(r.frames)
	for {
		frame, err := r.stream.Recv()
		if err != nil {
			if err != io.EOF {
				r.mu.Lock()
				r.err = err
				r.mu.Unlock()
			}
			return
		}
		r.buf.RecordForward(*frame)
		select {
		case r.frames <- frame:
		case <-r.done:
			return
		}
		if frame.Error != nil {
			r.buf.Disable()
		}
	}
}

// stop releases the reader; safe to call more than once. It only
// unblocks a pending send to frames -- if the reader is parked inside
// stream.Recv() itself it keeps waiting for the RPC to end, which happens
// shortly after Invoke returns.
func (r *clientReader) stop() {
	r.stopOnce.Do(func() { close(r.done) })
}

func (r *clientReader) disconnectErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// backendPeer is the slice of *peer.Peer's surface runSession depends on,
// factored out so tests can substitute a fake backend without dialing a
// real connection.
type backendPeer interface {
	Client(ctx context.Context) (protocol.VicodynClient, error)
	UUID() string
}

// runSession opens one backend session against p, replays any buffered
// frames, and pumps client<->backend frames until the channel closes or
// errors. The returned bool reports whether the error (if any) is the
// kind spec.md §4.10 classifies as recoverable (a Transport-kind
// backward error arriving before buffering was disabled). Forward frames
// come from reader, which is shared across every session attempted for
// this call -- runSession only ever consumes it, never reads client
// directly.
func (d *Dispatch) runSession(ctx context.Context, client protocol.Vicodyn_InvokeServer, p backendPeer, buf *forwardBuffer, reader *clientReader) (recoverable bool, err error) {
	backend, err := p.Client(ctx)
	if err != nil {
		return true, err
	}
	session, err := backend.Invoke(ctx)
	if err != nil {
		return true, err
	}

	for _, frame := range buf.Replay() {
		var f = frame
		if err := session.Send(&f); err != nil {
			return true, err
		}
	}

	var grp = task.NewGroup(ctx)
	var forwardDone = make(chan error, 1)

	grp.Queue("forward", func() error {
		defer close(forwardDone)
		for {
			select {
			case frame, ok := <-reader.frames:
				if !ok {
					if err := reader.disconnectErr(); err != nil {
						_ = session.Send(&protocol.DataFrame{
							ChannelID: buf.enqueueFrame.ChannelID,
							Error:     &protocol.ErrorFrame{Kind: protocol.KindTransport, Message: clientDisconnectedMessage},
						})
						forwardDone <- err
						return err
					}
					return nil
				}
				if err := session.Send(frame); err != nil {
					forwardDone <- err
					return err
				}
			case <-grp.Context().Done():
				return nil
			}
		}
	})

	var backwardErr error
	var backwardRecoverable bool
	for {
		frame, recvErr := session.Recv()
		if recvErr == io.EOF {
			break
		} else if recvErr != nil {
			backwardErr, backwardRecoverable = recvErr, true
			break
		}
		if frame.Error == nil {
			buf.Disable()
		} else if frame.Error.Kind.Recoverable() && buf.Buffering() {
			backwardErr, backwardRecoverable = errors.New(frame.Error.Message), true
			break
		} else {
			buf.Disable()
		}
		if err := client.Send(frame); err != nil {
			backwardErr = err
			break
		}
		if frame.Choke != nil || frame.Error != nil {
			break
		}
	}

	grp.Cancel()
	<-forwardDone
	if backwardErr != nil {
		return backwardRecoverable, backwardErr
	}
	return false, nil
}

// sendTerminalError sends a non-recoverable ErrorFrame to the client and
// returns the result of that send, nil on success: from gRPC's
// perspective the RPC then ends cleanly, with the
// failure carried in-band on the data channel, matching how the Node
// Service surfaces channel-level failures.
func (d *Dispatch) sendTerminalError(stream protocol.Vicodyn_InvokeServer, kind protocol.Kind, message string) error {
	return stream.Send(&protocol.DataFrame{Error: &protocol.ErrorFrame{Kind: kind, Message: message}})
}

// routedService extracts the target app/service name from incoming gRPC
// metadata, mirroring the Node Service's own metadata-based routing
// (wire frames carry no app-name field).
func routedService(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if vs := md.Get("app"); len(vs) > 0 {
		return vs[0]
	}
	return ""
}
