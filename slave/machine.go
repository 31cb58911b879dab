// Package slave implements C4 (the Slave Machine) and C5 (the Slave
// Handle): the per-worker state machine of spec.md §4.4, and the move-only
// façade over it.
//
// Grounded on dwarri-gazette/broker/append_fsm.go's appendFSM: a struct
// holding an explicit state tag, serialized single-goroutine-at-a-time
// transitions, and a run loop that selects between a command channel and
// timers. The five states here (Spawning, Handshaking, Active, Sealing,
// Terminating) replace appendFSM's eleven; the "runTo" technique is
// replaced by direct transition methods invoked from callbacks, since
// Machine's triggers are genuinely asynchronous externally-driven events
// (spawn completion, handshake, heartbeat loss, worker exit) rather than a
// single synchronous pipeline.
package slave

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"go.vicodyn.dev/core/channel"
	"go.vicodyn.dev/core/control"
	"go.vicodyn.dev/core/fetcher"
	"go.vicodyn.dev/core/protocol"
	"go.vicodyn.dev/core/spawner"
)

// State is one of the five states of spec.md §4.4.
type State string

const (
	Spawning    State = "spawning"
	Handshaking State = "handshaking"
	Active      State = "active"
	Sealing     State = "sealing"
	Terminating State = "terminating"
)

// Config carries the per-app profile parameters the Machine needs (a subset
// of spec.md §6's Profile).
type Config struct {
	SpawnTimeout       time.Duration
	HeartbeatInterval  time.Duration
	HeartbeatGrace     time.Duration
	SealTimeout        time.Duration
	TerminateGrace     time.Duration
	OutputRingCapacity int
	MaxLineLength      int
}

// DataStream is the worker's multiplexed data connection (protocol.NodeService_AttachServer
// on the engine side, or the corresponding client stream in tests).
type DataStream interface {
	Send(*protocol.DataFrame) error
	Recv() (*protocol.DataFrame, error)
}

// Stats is the read-only snapshot returned by stats() in spec.md §4.4.
type Stats struct {
	UUID          string
	State         State
	Tx, Rx        uint64
	Load          int
	LifetimeTotal uint64
	Age           time.Duration
}

type chanEntry struct {
	ch         *channel.Channel
	onComplete func(count uint64)
	sentChunks uint64
}

// Machine is a single worker's state machine. All exported methods are
// safe for concurrent use; transitions are serialized by mu per spec.md §5.
type Machine struct {
	uuid string
	cfg  Config
	spw  spawner.Spawner
	path string
	args []string
	env  map[string]string

	// OnTerminated is invoked exactly once, without mu held, when the
	// Machine enters Terminating, right after the terminate frame is sent
	// (or the spawner is asked to stop the process); it does not wait for
	// the worker process to exit. crashed follows the failure semantics of
	// spec.md §4.4.
	OnTerminated func(m *Machine, crashed bool)

	mu         sync.Mutex
	state      State
	handle     spawner.Handle
	fetch      *fetcher.Fetcher
	ctrl       *control.Channel
	data       DataStream
	channels   map[uint64]*chanEntry
	nextNum    uint64
	birthstamp time.Time
	reason     string
	crashed    bool
	tx, rx     uint64
	lifetime   uint64
	terminated bool

	spawnTimer *time.Timer
	sealTimer  *time.Timer
}

// New returns a Machine in the Spawning state. Call Start to begin spawning.
func New(uuid string, cfg Config, spw spawner.Spawner, path string, args []string, env map[string]string) *Machine {
	return &Machine{
		uuid:       uuid,
		cfg:        cfg,
		spw:        spw,
		path:       path,
		args:       args,
		env:        env,
		state:      Spawning,
		channels:   make(map[uint64]*chanEntry),
		birthstamp: time.Now(),
		reason:     "shutdown",
	}
}

// UUID returns the Machine's stable identity.
func (m *Machine) UUID() string { return m.uuid }

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start asks the Spawner for a process and arms the spawn timeout. It does
// not block on spawn completion: per spec.md §5, spawning is fire-and-
// forget with a completion callback.
func (m *Machine) Start(ctx context.Context) {
	m.mu.Lock()
	m.spawnTimer = time.AfterFunc(m.cfg.SpawnTimeout, func() { m.onSpawnTimeout() })
	m.mu.Unlock()

	go func() {
		handle, stdout, err := m.spw.Spawn(ctx, m.path, m.args, m.env)
		if err != nil {
			m.onSpawnError(err)
			return
		}

		m.mu.Lock()
		if m.state != Spawning {
			// Timed out or was terminated while the spawn call was in
			// flight; tear the process back down immediately.
			m.mu.Unlock()
			_ = m.spw.Terminate(context.Background(), handle)
			return
		}
		m.handle = handle
		m.fetch = fetcher.New(stdout, m.cfg.OutputRingCapacity, m.cfg.MaxLineLength, m.onStdoutDone)
		m.mu.Unlock()

		m.fetch.Start(ctx)
	}()
}

func (m *Machine) onSpawnError(err error) {
	log.WithFields(log.Fields{"uuid": m.uuid, "err": err}).Warn("slave: spawn failed")
	m.doTerminate("spawn error", true)
}

func (m *Machine) onSpawnTimeout() {
	m.mu.Lock()
	var stillSpawning = m.state == Spawning
	m.mu.Unlock()
	if stillSpawning {
		m.doTerminate("spawn timeout", true)
	}
}

func (m *Machine) onStdoutDone(err error) {
	m.mu.Lock()
	var state = m.state
	m.mu.Unlock()

	if state == Active || state == Handshaking {
		log.WithFields(log.Fields{"uuid": m.uuid, "err": err}).Warn("slave: worker exited unexpectedly")
		m.doTerminate("worker exited", true)
	}
	// In Sealing/Terminating, an exiting process is expected; doTerminate
	// has already run or will run via the control channel / timers.
}

// HandleHandshake binds the worker's control stream once its declared UUID
// has been matched to this (Spawning) Machine by the caller. It starts the
// heartbeat timer; the Handshaking -> Active transition happens on the
// first heartbeat frame received.
func (m *Machine) HandleHandshake(ctrlStream control.Stream) error {
	m.mu.Lock()
	if m.state != Spawning {
		m.mu.Unlock()
		return errors.New("slave: not awaiting handshake")
	}
	if m.spawnTimer != nil {
		m.spawnTimer.Stop()
	}
	m.state = Handshaking

	var ctrl = control.New(ctrlStream, control.Config{
		HeartbeatInterval: m.cfg.HeartbeatInterval,
		HeartbeatGrace:    m.cfg.HeartbeatGrace,
		TerminateGrace:    m.cfg.TerminateGrace,
	})
	m.ctrl = ctrl
	m.mu.Unlock()

	ctrl.OnFirstHeartbeat = func() { m.activate() }
	ctrl.OnHeartbeatTimeout = func() { m.doTerminate("heartbeat timeout", true) }
	ctrl.OnTerminated = func(code int32) { m.onWorkerTerminated(code) }
	ctrl.OnKillTimeout = func() { m.forceKill() }

	go func() {
		if err := ctrl.Run(context.Background()); err != nil {
			log.WithFields(log.Fields{"uuid": m.uuid, "err": err}).Debug("slave: control channel closed")
		}
	}()
	return nil
}

func (m *Machine) activate() {
	m.mu.Lock()
	if m.state != Handshaking {
		m.mu.Unlock()
		return
	}
	m.state = Active
	m.mu.Unlock()
	log.WithField("uuid", m.uuid).Info("slave: active")
}

// AttachData binds the worker's multiplexed data connection and starts
// pumping backward frames to their Channel's Backward stream. Valid once
// handshaking has begun (Handshaking or Active); the worker may race the
// control and data connections.
func (m *Machine) AttachData(stream DataStream) error {
	m.mu.Lock()
	if m.state != Handshaking && m.state != Active {
		m.mu.Unlock()
		return errors.New("slave: not accepting a data session")
	}
	m.data = stream
	m.mu.Unlock()

	go m.pumpBackward(stream)
	return nil
}

func (m *Machine) pumpBackward(stream DataStream) {
	for {
		frame, err := stream.Recv()
		if err != nil {
			return
		}
		m.mu.Lock()
		entry, ok := m.channels[frame.ChannelID]
		m.mu.Unlock()
		if !ok {
			continue // stale frame for an already-completed/reassigned channel
		}

		switch {
		case frame.Chunk != nil:
			m.mu.Lock()
			m.rx++
			m.mu.Unlock()
			_ = entry.ch.Backward.Send(frame)
		case frame.Choke != nil, frame.Error != nil:
			_ = entry.ch.Backward.Send(frame)
			m.completeChannel(frame.ChannelID)
		}
	}
}

func (m *Machine) completeChannel(id uint64) {
	m.mu.Lock()
	entry, ok := m.channels[id]
	if ok {
		delete(m.channels, id)
	}
	var sealing = m.state == Sealing
	var empty = len(m.channels) == 0
	m.mu.Unlock()

	if ok && entry.onComplete != nil {
		entry.onComplete(entry.sentChunks)
	}
	if sealing && empty {
		m.doTerminate("sealed", false)
	}
}

// Inject assigns a fresh channel number, registers ch, and forwards its
// event to the worker over the data session. onComplete fires when the
// worker closes the channel (Choke or Error). Fails with "slave not active"
// unless the Machine is Active.
func (m *Machine) Inject(ch *channel.Channel, onComplete func(count uint64)) error {
	m.mu.Lock()
	if m.state != Active {
		m.mu.Unlock()
		return errors.New("slave not active")
	}
	if m.data == nil {
		m.mu.Unlock()
		return errors.New("slave: no data session")
	}
	m.nextNum++
	var num = m.nextNum
	m.lifetime++
	m.mu.Unlock()

	if !ch.Assign(m.uuid, num) {
		return errors.New("slave: channel already assigned")
	}

	var entry = &chanEntry{ch: ch, onComplete: onComplete}
	m.mu.Lock()
	m.channels[num] = entry
	m.mu.Unlock()

	if err := m.data.Send(&protocol.DataFrame{
		ChannelID: num,
		Invoke:    &protocol.InvokeFrame{Event: ch.Event},
		Headers:   ch.Headers,
	}); err != nil {
		m.mu.Lock()
		delete(m.channels, num)
		m.mu.Unlock()
		return errors.Wrap(err, "slave: forwarding invoke")
	}
	m.mu.Lock()
	m.tx++
	m.mu.Unlock()

	go m.pumpForward(num, ch, entry)
	return nil
}

func (m *Machine) pumpForward(num uint64, ch *channel.Channel, entry *chanEntry) {
	for {
		frame, err := ch.Forward.Recv()
		if err != nil {
			return // client stream ended; worker will see it via Choke/Error already sent, or session teardown
		}
		frame.ChannelID = num

		m.mu.Lock()
		var active = m.state != Terminating
		m.mu.Unlock()
		if !active {
			return
		}

		if err := m.data.Send(frame); err != nil {
			return
		}
		if frame.Chunk != nil {
			entry.sentChunks++
			ch.MarkDelivered()
			m.mu.Lock()
			m.tx++
			m.mu.Unlock()
		}
		if frame.Choke != nil || frame.Error != nil {
			return
		}
	}
}

// Revoke removes an assigned-but-undelivered channel from this Machine.
// The Engine does not call it: OnSlaveDeath reads UnfinishedChannels from
// the dead Machine instead.
func (m *Machine) Revoke(num uint64) {
	m.mu.Lock()
	delete(m.channels, num)
	m.mu.Unlock()
}

// UnfinishedChannels returns every channel still registered with this
// Machine, used by the Engine on worker death to decide reassignment vs.
// surfacing a client error.
func (m *Machine) UnfinishedChannels() []*channel.Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out = make([]*channel.Channel, 0, len(m.channels))
	for _, e := range m.channels {
		out = append(out, e.ch)
	}
	return out
}

// Seal transitions Active -> Sealing: refuses new channels (Inject already
// requires Active) and lets existing ones run to completion. Idempotent.
func (m *Machine) Seal() {
	m.mu.Lock()
	if m.state != Active {
		m.mu.Unlock()
		return
	}
	m.state = Sealing
	var empty = len(m.channels) == 0
	m.sealTimer = time.AfterFunc(m.cfg.SealTimeout, func() { m.onSealTimeout() })
	m.mu.Unlock()

	if empty {
		m.doTerminate("sealed", false)
	}
}

func (m *Machine) onSealTimeout() {
	m.mu.Lock()
	var sealing = m.state == Sealing
	m.mu.Unlock()
	if sealing {
		m.doTerminate("seal timeout", false)
	}
}

// Terminate records reason and transitions to Terminating.
func (m *Machine) Terminate(reason string) {
	m.doTerminate(reason, false)
}

func (m *Machine) onWorkerTerminated(code int32) {
	log.WithFields(log.Fields{"uuid": m.uuid, "code": code}).Debug("slave: worker reported terminated")
	// The graceful ack arrived before the kill timer fired: the control
	// channel has nothing left to wait for, so tear it down now. This is
	// what lets the kill timer's own check of c.closed (control/channel.go)
	// observe "already handled" and skip a redundant force-kill.
	m.mu.Lock()
	var ctrl = m.ctrl
	m.mu.Unlock()
	if ctrl != nil {
		ctrl.Close()
	}
}

func (m *Machine) forceKill() {
	m.mu.Lock()
	var handle = m.handle
	var ctrl = m.ctrl
	m.mu.Unlock()
	if handle != nil {
		log.WithField("uuid", m.uuid).Warn("slave: terminate grace elapsed, force killing")
		_ = m.spw.Terminate(context.Background(), handle)
	}
	if ctrl != nil {
		ctrl.Close()
	}
}

func (m *Machine) doTerminate(reason string, crashed bool) {
	m.mu.Lock()
	if m.terminated {
		m.mu.Unlock()
		return
	}
	if m.state == Terminating {
		// A second trigger raced in (e.g. seal timeout after heartbeat
		// loss); keep the first reason.
		m.mu.Unlock()
		return
	}
	m.state = Terminating
	m.reason = reason
	m.crashed = crashed
	var ctrl = m.ctrl
	var handle = m.handle
	var sealTimer = m.sealTimer
	var spawnTimer = m.spawnTimer
	m.mu.Unlock()

	if sealTimer != nil {
		sealTimer.Stop()
	}
	if spawnTimer != nil {
		spawnTimer.Stop()
	}

	if ctrl != nil {
		// Send the terminate frame and arm the kill timer, but leave the
		// control channel open: it's onWorkerTerminated (the ack) or
		// forceKill (the kill timer) that closes it, whichever comes
		// first. Closing here unconditionally used to mark the channel
		// closed before the kill timer could ever observe it as still
		// alive, so a worker that ignored the terminate frame never got
		// force-killed.
		ctrl.Terminate(reason)
	} else if handle != nil {
		_ = m.spw.Terminate(context.Background(), handle)
	}

	m.mu.Lock()
	m.terminated = true
	var snap = m.statsLocked()
	var wasCrash = m.crashed
	m.mu.Unlock()

	log.WithFields(log.Fields{"uuid": m.uuid, "reason": reason, "crashed": wasCrash}).Info("slave: terminated")
	if m.OnTerminated != nil {
		m.OnTerminated(m, wasCrash)
	}
	_ = snap
}

// Stats returns a read-only snapshot.
func (m *Machine) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statsLocked()
}

func (m *Machine) statsLocked() Stats {
	return Stats{
		UUID:          m.uuid,
		State:         m.state,
		Tx:            m.tx,
		Rx:            m.rx,
		Load:          len(m.channels),
		LifetimeTotal: m.lifetime,
		Age:           time.Since(m.birthstamp),
	}
}

// Reason returns the recorded termination reason (valid once Terminating).
func (m *Machine) Reason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reason
}
