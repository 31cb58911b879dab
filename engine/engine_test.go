package engine

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.vicodyn.dev/core/control"
	"go.vicodyn.dev/core/metrics"
	"go.vicodyn.dev/core/protocol"
	"go.vicodyn.dev/core/slave"
	"go.vicodyn.dev/core/spawner"
)

// fakeSpawner hands back an open stdout pipe whose writer is discarded; the
// Machines it spawns never produce output, which is fine for these tests
// since they drive handshake/inject directly.
type fakeSpawner struct{}

func (fakeSpawner) Spawn(ctx context.Context, path string, args []string, env map[string]string) (spawner.Handle, spawner.ReadCloser, error) {
	r, _ := io.Pipe()
	return "handle", r, nil
}
func (fakeSpawner) Terminate(ctx context.Context, handle spawner.Handle) error { return nil }

func testCfg(poolTarget int) Config {
	return Config{
		Concurrency: 2,
		QueueLimit:  4,
		PoolTarget:  poolTarget,
		Slave: slave.Config{
			SpawnTimeout:       time.Second,
			HeartbeatInterval:  10 * time.Millisecond,
			HeartbeatGrace:     50 * time.Millisecond,
			SealTimeout:        time.Second,
			TerminateGrace:     time.Second,
			OutputRingCapacity: 4,
		},
	}
}

func newTestEngine(t *testing.T, poolTarget int) *Engine {
	var reg = metrics.NewRegistry()
	var e = New("echo", Manifest{Path: "/bin/true"}, testCfg(poolTarget), fakeSpawner{}, reg.ForApp(t.Name()))
	require.True(t, e.waitQuiescent(time.Second))
	return e
}

type pipeStream struct {
	in  chan *protocol.ControlFrame
	out chan *protocol.ControlFrame
}

func newPipeStream() *pipeStream {
	return &pipeStream{in: make(chan *protocol.ControlFrame, 8), out: make(chan *protocol.ControlFrame, 8)}
}
func (p *pipeStream) Send(f *protocol.ControlFrame) error { p.out <- f; return nil }
func (p *pipeStream) Recv() (*protocol.ControlFrame, error) {
	f, ok := <-p.in
	if !ok {
		return nil, io.EOF
	}
	return f, nil
}

type fakeData struct {
	in  chan *protocol.DataFrame
	out chan *protocol.DataFrame
}

func newFakeData() *fakeData {
	return &fakeData{in: make(chan *protocol.DataFrame, 8), out: make(chan *protocol.DataFrame, 8)}
}
func (f *fakeData) Send(d *protocol.DataFrame) error { f.out <- d; return nil }
func (f *fakeData) Recv() (*protocol.DataFrame, error) {
	d, ok := <-f.in
	if !ok {
		return nil, io.EOF
	}
	return d, nil
}

// activateOne hands an Engine's single spawned slave a handshake and a
// data session, driving it into Active via Prototype, and returns its UUID.
func activateOne(t *testing.T, e *Engine) string {
	var infos = e.SlaveInfos()
	require.Len(t, infos, 1)
	var id = infos[0].UUID

	var ctrl = newPipeStream()
	ctrl.in <- &protocol.ControlFrame{Handshake: &protocol.Handshake{UUID: id}}
	ctrl.in <- &protocol.ControlFrame{Heartbeat: &protocol.Heartbeat{}}

	go func() { _ = e.Prototype()(ctrl) }()

	e.mu.Lock()
	m := e.pool[id].Machine()
	e.mu.Unlock()
	for i := 0; i < 500 && m.State() == slave.Spawning; i++ {
		time.Sleep(time.Millisecond)
	}
	require.NoError(t, m.AttachData(newFakeData()))

	for i := 0; i < 500; i++ {
		if m.State() == slave.Active {
			return id
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("slave never reached active")
	return ""
}

func TestRebalanceSpawnsToTarget(t *testing.T) {
	var e = newTestEngine(t, 3)
	var infos = e.SlaveInfos()
	assert.Len(t, infos, 3)
}

func TestEnqueueDirectAssignWhenSlaveActive(t *testing.T) {
	var e = newTestEngine(t, 1)
	var id = activateOne(t, e)

	var fwd = make(chan *protocol.DataFrame, 1)
	var bwd = make(chan *protocol.DataFrame, 1)
	ch, err := e.Enqueue(context.Background(), "ping", nil, chanRecv{fwd}, chanSend{bwd}, "")
	require.NoError(t, err)
	assert.Equal(t, id, ch.AssignedTo())
}

func TestEnqueueWithWantedSlaveNotFound(t *testing.T) {
	var e = newTestEngine(t, 0)
	_, err := e.Enqueue(context.Background(), "ping", nil, nil, nil, "nonexistent")
	require.Error(t, err)
	assert.Equal(t, "slave not found", err.Error())
}

func TestEnqueueQueuesWhenNoActiveSlave(t *testing.T) {
	var e = newTestEngine(t, 0)
	ch, err := e.Enqueue(context.Background(), "ping", nil, chanRecv{make(chan *protocol.DataFrame, 1)}, chanSend{make(chan *protocol.DataFrame, 1)}, "")
	require.NoError(t, err)
	assert.Equal(t, "", ch.AssignedTo())
	assert.Equal(t, 1, e.Stats().QueueDepth)
}

func TestQueueFullReturnsCapacityError(t *testing.T) {
	var e = newTestEngine(t, 0)
	for i := 0; i < 4; i++ {
		_, err := e.Enqueue(context.Background(), "ping", nil, chanRecv{make(chan *protocol.DataFrame, 1)}, chanSend{make(chan *protocol.DataFrame, 1)}, "")
		require.NoError(t, err)
	}
	_, err := e.Enqueue(context.Background(), "ping", nil, nil, nil, "")
	require.Error(t, err)
}

func TestOnSlaveDeathRemovesFromPoolAndRebalances(t *testing.T) {
	var e = newTestEngine(t, 1)
	var id = activateOne(t, e)

	e.OnSlaveDeath(id, true)
	require.True(t, e.waitQuiescent(time.Second))

	// The pool target is still 1, so the rebalancer should have spawned
	// a replacement with a fresh UUID.
	var infos = e.SlaveInfos()
	require.Len(t, infos, 1)
	assert.NotEqual(t, id, infos[0].UUID)
}

// TestOnSlaveDeathReassignsUndeliveredChannelSilently covers S4: a channel
// whose invoke was forwarded but never reached a chunk gets pushed back
// onto the queue with no error sent to the client.
func TestOnSlaveDeathReassignsUndeliveredChannelSilently(t *testing.T) {
	var e = newTestEngine(t, 1)
	var id = activateOne(t, e)

	var fwd = make(chan *protocol.DataFrame, 4)
	var bwd = make(chan *protocol.DataFrame, 4)
	ch, err := e.Enqueue(context.Background(), "ping", nil, chanRecv{fwd}, chanSend{bwd}, id)
	require.NoError(t, err)
	assert.False(t, ch.Delivered())

	e.OnSlaveDeath(id, true)

	select {
	case f := <-bwd:
		t.Fatalf("undelivered channel should not surface an error, got %+v", f)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, e.Stats().QueueDepth)
}

// TestOnSlaveDeathSurfacesErrorForDeliveredChannel covers S5: once a chunk
// has actually reached the worker, a mid-channel death must surface a
// transport error rather than risk a silent re-invoke.
func TestOnSlaveDeathSurfacesErrorForDeliveredChannel(t *testing.T) {
	var e = newTestEngine(t, 1)
	var id = activateOne(t, e)

	var fwd = make(chan *protocol.DataFrame, 4)
	var bwd = make(chan *protocol.DataFrame, 4)
	ch, err := e.Enqueue(context.Background(), "ping", nil, chanRecv{fwd}, chanSend{bwd}, id)
	require.NoError(t, err)

	fwd <- &protocol.DataFrame{Chunk: &protocol.ChunkFrame{Bytes: []byte("hi")}}
	for i := 0; i < 500 && !ch.Delivered(); i++ {
		time.Sleep(time.Millisecond)
	}
	require.True(t, ch.Delivered())

	e.OnSlaveDeath(id, true)

	select {
	case f := <-bwd:
		require.NotNil(t, f.Error)
		assert.Equal(t, protocol.KindTransport, f.Error.Kind)
	case <-time.After(time.Second):
		t.Fatal("delivered channel death never surfaced a transport error")
	}
	assert.Equal(t, 0, e.Stats().QueueDepth)
}

var _ control.Stream = (*pipeStream)(nil)

type chanRecv struct{ ch chan *protocol.DataFrame }

func (r chanRecv) Recv() (*protocol.DataFrame, error) {
	f, ok := <-r.ch
	if !ok {
		return nil, io.EOF
	}
	return f, nil
}

type chanSend struct{ ch chan *protocol.DataFrame }

func (s chanSend) Send(f *protocol.DataFrame) error { s.ch <- f; return nil }
