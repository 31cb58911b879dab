// Package engine implements C7: the per-app controller that owns a pool
// of Slaves and a Pending Queue, rebalances both on every state change,
// and arbitrates worker handshakes (spec.md §4.7).
//
// Grounded on dwarri-gazette/consumer/resolver.go's pattern of a mutex-
// guarded map plus a coalesced, idempotent "updateResolutions" pass
// triggered after every mutation -- generalized here into two routines
// (rebalance_slaves, rebalance_events) run back-to-back under one
// dirty-bit coalescing loop, since spec.md names them as always invoked
// together.
package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"go.vicodyn.dev/core/channel"
	"go.vicodyn.dev/core/control"
	"go.vicodyn.dev/core/metrics"
	"go.vicodyn.dev/core/protocol"
	"go.vicodyn.dev/core/queue"
	"go.vicodyn.dev/core/slave"
	"go.vicodyn.dev/core/spawner"
)

// Config is the per-app profile named in spec.md §6: concurrency,
// queue_limit, pool target, and the slave.Config timeouts.
type Config struct {
	Concurrency int
	QueueLimit  int
	PoolTarget  int
	Slave       slave.Config
}

// Manifest is the immutable, app-identifying half of the profile: the
// worker executable and its fixed arguments/environment.
type Manifest struct {
	Path string
	Args []string
	Env  map[string]string
}

// Engine is a single app's controller: pool, queue, rebalancer, stats.
type Engine struct {
	name     string
	manifest Manifest
	spw      spawner.Spawner
	metrics  *metrics.AppMetrics

	mu       sync.Mutex
	cfg      Config
	pool     map[string]*slave.Handle
	queue    *queue.Queue
	accepted uint64
	running  bool
	dirty    bool
	closed   bool
}

// New returns an Engine with an empty pool; callers must call Failover
// (or rely on the initial cfg.PoolTarget) to start spawning workers.
func New(name string, manifest Manifest, cfg Config, spw spawner.Spawner, m *metrics.AppMetrics) *Engine {
	var e = &Engine{
		name:     name,
		manifest: manifest,
		spw:      spw,
		metrics:  m,
		cfg:      cfg,
		pool:     make(map[string]*slave.Handle),
		queue: queue.New(cfg.QueueLimit, queue.Metrics{
			Depth:    m.QueueDepth,
			Rejected: m.Rejected,
		}),
	}
	e.triggerRebalance()
	return e
}

// Enqueue implements spec.md §4.7's enqueue(stream, event, wanted_slave?).
// If wantedSlave is non-empty, it bypasses the queue and injects directly,
// failing with "slave not found" if that Slave isn't Active. Otherwise it
// attempts direct assignment to any Active Slave with load < concurrency;
// failing that, it pushes onto the Pending Queue (which may itself reject
// with "queue is full").
func (e *Engine) Enqueue(ctx context.Context, event string, headers map[string]string, fwd channel.Forward, bwd channel.Backward, wantedSlave string) (*channel.Channel, error) {
	var ch = channel.New(ctx, event, headers, fwd, bwd)
	ch.WantedSlave = wantedSlave

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, errors.New("app is paused")
	}

	if wantedSlave != "" {
		var h, ok = e.pool[wantedSlave]
		e.mu.Unlock()
		if !ok || h.Machine().State() != slave.Active {
			return nil, errors.New("slave not found")
		}
		var m = h.Machine()
		if err := m.Inject(ch, e.onChannelComplete(m.UUID())); err != nil {
			return nil, err
		}
		e.observeAccept()
		return ch, nil
	}

	var target = e.leastLoadedLocked()
	if target != nil {
		e.mu.Unlock()
		if err := target.Inject(ch, e.onChannelComplete(target.UUID())); err == nil {
			e.observeAccept()
			return ch, nil
		}
		// Lost a race (e.g. the slave sealed between selection and
		// inject); fall through to the queue.
	} else {
		e.mu.Unlock()
	}

	if err := e.queue.Push(ch); err != nil {
		return nil, err
	}
	e.observeAccept()
	e.triggerRebalance()
	return ch, nil
}

// observeAccept records one accepted channel, exactly once, regardless of
// which of Enqueue's three paths (wanted-slave direct inject, least-loaded
// direct inject, or pending queue) took it. Both the Engine's own Stats()
// counter and the Prometheus series are updated here and only here.
func (e *Engine) observeAccept() {
	e.mu.Lock()
	e.accepted++
	e.mu.Unlock()
	e.metrics.ObserveAccept()
}

// leastLoadedLocked returns the Active slave with the lowest load that is
// still under concurrency, or nil. Must be called with e.mu held.
func (e *Engine) leastLoadedLocked() *slave.Machine {
	var best *slave.Machine
	var bestLoad = -1
	for _, h := range e.pool {
		var m = h.Machine()
		if m.State() != slave.Active {
			continue
		}
		var load = m.Stats().Load
		if load >= e.cfg.Concurrency {
			continue
		}
		if best == nil || load < bestLoad {
			best, bestLoad = m, load
		}
	}
	return best
}

func (e *Engine) onChannelComplete(slaveUUID string) func(uint64) {
	return func(count uint64) {
		e.triggerRebalance()
	}
}

// Failover sets the pool target size and triggers a rebalance.
func (e *Engine) Failover(n int) {
	e.mu.Lock()
	e.cfg.PoolTarget = n
	e.mu.Unlock()
	e.triggerRebalance()
}

// Prototype returns the handshake dispatch bound to the Node Service's
// Handshake RPC: the worker's first frame must be a Handshake declaring
// its UUID; this matches it to a Spawning Machine, activates it, and
// blocks running the control channel until it ends.
func (e *Engine) Prototype() func(stream control.Stream) error {
	return func(stream control.Stream) error {
		frame, err := stream.Recv()
		if err != nil {
			return errors.Wrap(err, "handshake: recv")
		}
		if frame.Handshake == nil {
			return errors.New("handshake: first frame was not a handshake")
		}

		e.mu.Lock()
		var h, ok = e.pool[frame.Handshake.UUID]
		e.mu.Unlock()
		if !ok {
			return errors.Errorf("handshake: unknown uuid %q", frame.Handshake.UUID)
		}
		return h.Machine().HandleHandshake(stream)
	}
}

// OnSlaveDeath implements spec.md §4.7's on_slave_death(ec, uuid): removes
// the slave from the pool, reassigns its never-delivered channels back
// onto the queue, surfaces an error to the rest, and always rebalances.
// This is the pool's one and only removal point, so it's also the one
// place a Handle is released: Release is idempotent (the Machine has
// already self-terminated by the time OnTerminated fires this), but
// routing the removal through it keeps "the pool owns Slaves through
// Handles, and dropping a Handle is what schedules termination" true even
// if a future removal path forgets the Machine already died on its own.
func (e *Engine) OnSlaveDeath(uuid string, crashed bool) {
	e.mu.Lock()
	var h, ok = e.pool[uuid]
	if ok {
		delete(e.pool, uuid)
		e.metrics.PoolSize.Set(float64(len(e.pool)))
	}
	if crashed {
		e.metrics.Crashed.Inc()
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	h.Release()

	for _, ch := range h.Machine().UnfinishedChannels() {
		if ch.Delivered() {
			_ = ch.Backward.Send(&protocol.DataFrame{Error: &protocol.ErrorFrame{
				Kind:    protocol.KindTransport,
				Message: "slave died mid-channel",
			}})
			continue
		}
		if err := e.queue.Push(ch); err != nil {
			_ = ch.Backward.Send(&protocol.DataFrame{Error: &protocol.ErrorFrame{
				Kind:    protocol.KindCapacity,
				Message: err.Error(),
			}})
		}
	}
	e.triggerRebalance()
}

// MachineByUUID returns the Machine with the given UUID, used by the
// Node Service to route a worker's Attach data-session RPC to the right
// Slave once its control handshake has already matched it by UUID.
func (e *Engine) MachineByUUID(uuid string) (*slave.Machine, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var h, ok = e.pool[uuid]
	if !ok {
		return nil, false
	}
	return h.Machine(), true
}

// Pause stops accepting new channels and seals every live slave,
// draining the pool (used by the Node Service's pause_app).
func (e *Engine) Pause() {
	e.mu.Lock()
	e.closed = true
	e.cfg.PoolTarget = 0
	var machines = make([]*slave.Machine, 0, len(e.pool))
	for _, h := range e.pool {
		machines = append(machines, h.Machine())
	}
	e.mu.Unlock()

	for _, m := range machines {
		m.Seal()
	}
}

// Stats is a read-only snapshot of the Engine's pool and queue state.
type Stats struct {
	PoolSize   int
	PoolTarget int
	QueueDepth int
	Accepted   uint64
	Rejected   uint64
	Rate       float64
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	var qs = e.queue.Stats()
	return Stats{
		PoolSize:   len(e.pool),
		PoolTarget: e.cfg.PoolTarget,
		QueueDepth: qs.Depth,
		Accepted:   e.accepted,
		Rejected:   qs.Rejected,
		Rate:       e.metrics.Rate(),
	}
}

// triggerRebalance arms the coalesced rebalance runner: if one is already
// in flight, it marks dirty and returns; the in-flight runner notices
// dirty and repeats instead of a second goroutine starting.
func (e *Engine) triggerRebalance() {
	e.mu.Lock()
	if e.running {
		e.dirty = true
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()

	go e.runRebalance()
}

func (e *Engine) runRebalance() {
	for {
		e.rebalanceSlaves()
		e.rebalanceEvents()

		e.mu.Lock()
		if e.dirty {
			e.dirty = false
			e.mu.Unlock()
			continue
		}
		e.running = false
		e.mu.Unlock()
		return
	}
}

// rebalanceSlaves implements spec.md §4.7: while |pool| < target, spawn;
// while |pool| > target, seal the least-loaded slave.
func (e *Engine) rebalanceSlaves() {
	e.mu.Lock()
	var target = e.cfg.PoolTarget
	var size = len(e.pool)
	e.mu.Unlock()

	for size < target {
		e.spawnOne()
		size++
	}

	for size > target {
		e.mu.Lock()
		var victim *slave.Machine
		var victimLoad = -1
		for _, h := range e.pool {
			var m = h.Machine()
			var load = m.Stats().Load
			if victim == nil || load < victimLoad {
				victim, victimLoad = m, load
			}
		}
		e.mu.Unlock()
		if victim == nil {
			return
		}
		victim.Seal()
		size--
	}
}

func (e *Engine) spawnOne() {
	var id = uuid.NewString()
	var m = slave.New(id, e.cfg.Slave, e.spw, e.manifest.Path, e.manifest.Args, e.manifest.Env)
	m.OnTerminated = func(mm *slave.Machine, crashed bool) {
		e.OnSlaveDeath(mm.UUID(), crashed)
	}

	e.mu.Lock()
	e.pool[id] = slave.NewHandle(m)
	e.metrics.PoolSize.Set(float64(len(e.pool)))
	e.mu.Unlock()

	e.metrics.Spawned.Inc()
	m.Start(context.Background())
}

// rebalanceEvents implements spec.md §4.7: for each queued channel in
// FIFO order, find the least-loaded Active Slave under concurrency and
// assign it; stop at the first channel that cannot be placed.
func (e *Engine) rebalanceEvents() {
	for {
		e.mu.Lock()
		var target = e.leastLoadedLocked()
		e.mu.Unlock()
		if target == nil {
			return
		}

		var ch = e.queue.Pop()
		if ch == nil {
			return
		}
		if err := target.Inject(ch, e.onChannelComplete(target.UUID())); err != nil {
			// Target sealed between selection and inject; put the
			// channel back at the front and let the next pass retry.
			log.WithFields(log.Fields{"app": e.name, "err": err}).Debug("engine: inject race during rebalance, requeueing")
			if pushErr := e.queue.Push(ch); pushErr != nil {
				_ = ch.Backward.Send(&protocol.DataFrame{Error: &protocol.ErrorFrame{
					Kind: protocol.KindCapacity, Message: pushErr.Error(),
				}})
			}
			return
		}
	}
}

// poolSnapshot returns machines sorted by UUID, used by Node Service's
// info() for a stable listing.
func (e *Engine) poolSnapshot() []*slave.Machine {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out = make([]*slave.Machine, 0, len(e.pool))
	for _, h := range e.pool {
		out = append(out, h.Machine())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID() < out[j].UUID() })
	return out
}

// SlaveInfos returns per-slave stats for Node Service's info(verbose).
func (e *Engine) SlaveInfos() []slave.Stats {
	var ms = e.poolSnapshot()
	var out = make([]slave.Stats, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.Stats())
	}
	return out
}

// waitQuiescent blocks until no rebalance pass is in flight; used only by
// tests to avoid sleeping on the coalescing loop.
func (e *Engine) waitQuiescent(timeout time.Duration) bool {
	var deadline = time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		e.mu.Lock()
		var idle = !e.running
		e.mu.Unlock()
		if idle {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}
