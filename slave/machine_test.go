package slave

import (
	"context"
	"io"
	"testing"
	"time"

	gc "github.com/go-check/check"
	"github.com/stretchr/testify/require"

	"go.vicodyn.dev/core/channel"
	"go.vicodyn.dev/core/control"
	"go.vicodyn.dev/core/protocol"
	"go.vicodyn.dev/core/spawner"
)

func TestSlave(t *testing.T) { gc.TestingT(t) }

type SlaveSuite struct{}

var _ = gc.Suite(&SlaveSuite{})

// fakeSpawner never actually execs; it hands back a closable pipe as
// "stdout" and records Terminate calls.
type fakeSpawner struct {
	terminated chan struct{}
	stdoutW    *io.PipeWriter
}

func newFakeSpawner() (*fakeSpawner, *io.PipeWriter) {
	r, w := io.Pipe()
	var fs = &fakeSpawner{terminated: make(chan struct{}, 1), stdoutW: w}
	_ = r
	return fs, w
}

func (f *fakeSpawner) Spawn(ctx context.Context, path string, args []string, env map[string]string) (spawner.Handle, spawner.ReadCloser, error) {
	r, _ := io.Pipe()
	return "handle", r, nil
}

func (f *fakeSpawner) Terminate(ctx context.Context, handle spawner.Handle) error {
	select {
	case f.terminated <- struct{}{}:
	default:
	}
	return nil
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

func testConfig() Config {
	return Config{
		SpawnTimeout:       time.Second,
		HeartbeatInterval:  15 * time.Millisecond,
		HeartbeatGrace:     15 * time.Millisecond,
		SealTimeout:        time.Second,
		TerminateGrace:     time.Second,
		OutputRingCapacity: 8,
	}
}

func activateMachine(c *gc.C, m *Machine) (*pipeStream, *fakeData) {
	var ctrl = newPipeStream()
	require.NoError(testingT{c}, m.HandleHandshake(ctrl))

	var data = newFakeData()
	require.NoError(testingT{c}, m.AttachData(data))

	ctrl.in <- &protocol.ControlFrame{Heartbeat: &protocol.Heartbeat{}}

	for i := 0; i < 200; i++ {
		if m.State() == Active {
			break
		}
		time.Sleep(time.Millisecond)
	}
	c.Assert(m.State(), gc.Equals, Active)
	return ctrl, data
}

// testingT adapts gc.C to testify's require.TestingT.
type testingT struct{ c *gc.C }

func (t testingT) Errorf(format string, args ...interface{}) { t.c.Errorf(format, args...) }
func (t testingT) FailNow()                                  { t.c.FailNow() }

func (s *SlaveSuite) TestSpawningToActive(c *gc.C) {
	fs, _ := newFakeSpawner()
	var m = New("uuid-1", testConfig(), fs, "/bin/true", nil, nil)
	m.Start(context.Background())
	activateMachine(c, m)
}

func (s *SlaveSuite) TestInjectRequiresActive(c *gc.C) {
	fs, _ := newFakeSpawner()
	var m = New("uuid-2", testConfig(), fs, "/bin/true", nil, nil)
	m.Start(context.Background())

	var ch = channel.New(context.Background(), "ev", nil, nil, nil)
	err := m.Inject(ch, nil)
	c.Assert(err, gc.ErrorMatches, "slave not active")
}

func (s *SlaveSuite) TestInjectForwardsInvokeAndCompletes(c *gc.C) {
	fs, _ := newFakeSpawner()
	var m = New("uuid-3", testConfig(), fs, "/bin/true", nil, nil)
	m.Start(context.Background())
	_, data := activateMachine(c, m)

	var fwd = make(chan *protocol.DataFrame, 4)
	var bwd = make(chan *protocol.DataFrame, 4)
	var ch = channel.New(context.Background(), "my-event", nil, chanRecv{fwd}, chanSend{bwd})

	var completed = make(chan uint64, 1)
	c.Assert(m.Inject(ch, func(n uint64) { completed <- n }), gc.IsNil)

	invoke := <-data.out
	c.Assert(invoke.Invoke, gc.NotNil)
	c.Assert(invoke.Invoke.Event, gc.Equals, "my-event")
	c.Assert(ch.Delivered(), gc.Equals, false)

	fwd <- &protocol.DataFrame{Chunk: &protocol.ChunkFrame{Bytes: []byte("hi")}}
	forwarded := <-data.out
	c.Assert(forwarded.Chunk.Bytes, gc.DeepEquals, []byte("hi"))
	c.Assert(ch.Delivered(), gc.Equals, true)

	data.in <- &protocol.DataFrame{ChannelID: ch.Number(), Chunk: &protocol.ChunkFrame{Bytes: []byte("hi")}}
	echoed := <-bwd
	c.Assert(echoed.Chunk.Bytes, gc.DeepEquals, []byte("hi"))

	fwd <- &protocol.DataFrame{Choke: &protocol.ChokeFrame{}}
	<-data.out
	close(fwd)

	data.in <- &protocol.DataFrame{ChannelID: ch.Number(), Choke: &protocol.ChokeFrame{}}
	select {
	case n := <-completed:
		c.Assert(n, gc.Equals, uint64(1))
	case <-time.After(time.Second):
		c.Fatal("onComplete never fired")
	}
}

func (s *SlaveSuite) TestSealWithNoChannelsTerminatesImmediately(c *gc.C) {
	fs, _ := newFakeSpawner()
	var m = New("uuid-4", testConfig(), fs, "/bin/true", nil, nil)
	m.Start(context.Background())
	activateMachine(c, m)

	var terminated = make(chan bool, 1)
	m.OnTerminated = func(mm *Machine, crashed bool) { terminated <- crashed }

	m.Seal()
	c.Assert(m.State(), gc.Equals, Terminating)
	c.Assert(m.Reason(), gc.Equals, "sealed")

	select {
	case crashed := <-terminated:
		c.Assert(crashed, gc.Equals, false)
	case <-time.After(time.Second):
		c.Fatal("doTerminate never fired")
	}
}

func (s *SlaveSuite) TestSealTimesOutWithUnfinishedChannel(c *gc.C) {
	fs, _ := newFakeSpawner()
	var cfg = testConfig()
	cfg.SealTimeout = 20 * time.Millisecond
	var m = New("uuid-4b", cfg, fs, "/bin/true", nil, nil)
	m.Start(context.Background())
	_, data := activateMachine(c, m)

	var fwd = make(chan *protocol.DataFrame, 1)
	var bwd = make(chan *protocol.DataFrame, 1)
	var ch = channel.New(context.Background(), "lingering", nil, chanRecv{fwd}, chanSend{bwd})
	c.Assert(m.Inject(ch, nil), gc.IsNil)
	<-data.out // the forwarded invoke frame

	var terminated = make(chan bool, 1)
	m.OnTerminated = func(mm *Machine, crashed bool) { terminated <- crashed }

	m.Seal()
	c.Assert(m.State(), gc.Equals, Sealing)

	select {
	case crashed := <-terminated:
		c.Assert(crashed, gc.Equals, false)
		c.Assert(m.Reason(), gc.Equals, "seal timeout")
	case <-time.After(time.Second):
		c.Fatal("seal timeout never fired")
	}
}

func (s *SlaveSuite) TestHeartbeatTimeoutIsACrash(c *gc.C) {
	fs, _ := newFakeSpawner()
	var cfg = testConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.HeartbeatGrace = 10 * time.Millisecond
	var m = New("uuid-5", cfg, fs, "/bin/true", nil, nil)
	m.Start(context.Background())

	var ctrl = newPipeStream()
	c.Assert(m.HandleHandshake(ctrl), gc.IsNil)
	ctrl.in <- &protocol.ControlFrame{Heartbeat: &protocol.Heartbeat{}}

	var terminated = make(chan bool, 1)
	m.OnTerminated = func(mm *Machine, crashed bool) { terminated <- crashed }

	select {
	case crashed := <-terminated:
		c.Assert(crashed, gc.Equals, true)
		c.Assert(m.Reason(), gc.Equals, "heartbeat timeout")
	case <-time.After(2 * time.Second):
		c.Fatal("heartbeat timeout never fired")
	}
}

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

var _ control.Stream = (*pipeStream)(nil)
