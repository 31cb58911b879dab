package slave

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// waitForHandle polls until the Machine has picked up a spawner handle
// (Start's spawn goroutine runs asynchronously), so Release has something
// to terminate.
func waitForHandle(t *testing.T, m *Machine) {
	t.Helper()
	for i := 0; i < 200; i++ {
		m.mu.Lock()
		var got = m.handle != nil
		m.mu.Unlock()
		if got {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("machine never picked up a spawner handle")
}

func TestHandleReleaseTerminatesTheMachine(t *testing.T) {
	fs, _ := newFakeSpawner()
	var m = New("uuid-h1", testConfig(), fs, "/bin/true", nil, nil)
	m.Start(context.Background())
	waitForHandle(t, m)

	var h = NewHandle(m)
	h.Release()

	select {
	case <-fs.terminated:
	case <-time.After(time.Second):
		t.Fatal("Release did not terminate the underlying Machine")
	}
	assert.Equal(t, Terminating, m.State())
	assert.Equal(t, "shutdown", m.Reason())
}

func TestHandleReleaseIsIdempotent(t *testing.T) {
	fs, _ := newFakeSpawner()
	var m = New("uuid-h2", testConfig(), fs, "/bin/true", nil, nil)
	m.Start(context.Background())
	waitForHandle(t, m)

	var h = NewHandle(m)
	h.Release()
	<-fs.terminated
	h.Release() // must not panic or re-terminate

	select {
	case <-fs.terminated:
		t.Fatal("second Release re-triggered termination")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandleSetReasonOverridesDefault(t *testing.T) {
	fs, _ := newFakeSpawner()
	var m = New("uuid-h3", testConfig(), fs, "/bin/true", nil, nil)
	m.Start(context.Background())
	waitForHandle(t, m)

	var h = NewHandle(m)
	h.SetReason("pool rebalance")
	h.Release()
	<-fs.terminated

	require.Equal(t, "pool rebalance", m.Reason())
}

func TestHandleMachineReturnsUnderlying(t *testing.T) {
	fs, _ := newFakeSpawner()
	var m = New("uuid-h4", testConfig(), fs, "/bin/true", nil, nil)
	var h = NewHandle(m)
	assert.Same(t, m, h.Machine())
	h.Release()
}
