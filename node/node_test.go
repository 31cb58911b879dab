package node

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.vicodyn.dev/core/authz"
	"go.vicodyn.dev/core/metrics"
	"go.vicodyn.dev/core/protocol"
	"go.vicodyn.dev/core/spawner"
	"go.vicodyn.dev/core/storage"
)

type fakeSpawner struct{}

func (fakeSpawner) Spawn(ctx context.Context, path string, args []string, env map[string]string) (spawner.Handle, spawner.ReadCloser, error) {
	r, _ := io.Pipe()
	return "handle", r, nil
}
func (fakeSpawner) Terminate(ctx context.Context, handle spawner.Handle) error { return nil }

const smallProfile = `
concurrency: 2
queue_limit: 8
pool: 0
spawn_timeout: 1
heartbeat_interval: 0.01
heartbeat_grace: 0.01
seal_timeout: 1
terminate_grace: 1
output_ring_capacity: 8
`

const echoManifest = `
path: /bin/echo
args: ["hi"]
`

func newTestService(t *testing.T) (*Service, *storage.Memory) {
	var store = storage.NewMemory()
	store.PutProfile("small", []byte(smallProfile))
	store.PutManifest("echo", []byte(echoManifest))
	var svc = New(fakeSpawner{}, store, metrics.NewRegistry(), authz.AllowAll{})
	return svc, store
}

func TestStartAppWithZeroPoolReturnsImmediately(t *testing.T) {
	var svc, _ = newTestService(t)
	eng, err := svc.StartApp(context.Background(), "echo", "small")
	require.NoError(t, err)
	assert.NotNil(t, eng)
	assert.Equal(t, []string{"echo"}, svc.List())
}

func TestStartAppTwiceFails(t *testing.T) {
	var svc, _ = newTestService(t)
	_, err := svc.StartApp(context.Background(), "echo", "small")
	require.NoError(t, err)
	_, err = svc.StartApp(context.Background(), "echo", "small")
	require.Error(t, err)
}

func TestStartAppMissingManifestFails(t *testing.T) {
	var svc, _ = newTestService(t)
	_, err := svc.StartApp(context.Background(), "nonexistent", "small")
	require.Error(t, err)
}

func TestPauseAppRemovesFromDirectory(t *testing.T) {
	var svc, _ = newTestService(t)
	_, err := svc.StartApp(context.Background(), "echo", "small")
	require.NoError(t, err)

	require.NoError(t, svc.PauseApp("echo"))
	assert.Empty(t, svc.List())

	assert.Error(t, svc.PauseApp("echo"))
}

func TestBootStartsEveryRunlistEntry(t *testing.T) {
	var svc, store = newTestService(t)
	store.PutManifest("echo2", []byte(echoManifest))
	store.PutRunlist("default", []storage.RunlistEntry{
		{App: "echo", Profile: "small"},
		{App: "echo2", Profile: "small"},
	})

	require.NoError(t, svc.Boot(context.Background(), "default"))
	assert.ElementsMatch(t, []string{"echo", "echo2"}, svc.List())
}

func TestBootCollectsFailuresWithoutAborting(t *testing.T) {
	var svc, store = newTestService(t)
	store.PutRunlist("default", []storage.RunlistEntry{
		{App: "echo", Profile: "small"},
		{App: "missing-manifest", Profile: "small"},
	})

	require.NoError(t, svc.Boot(context.Background(), "default"))
	assert.Equal(t, []string{"echo"}, svc.List())
}

func TestInfoRPCReportsPoolAndQueue(t *testing.T) {
	var svc, _ = newTestService(t)
	_, err := svc.StartApp(context.Background(), "echo", "small")
	require.NoError(t, err)

	resp, err := svc.AsGRPCServer().Info(context.Background(), &protocol.InfoRequest{Name: "echo"})
	require.NoError(t, err)
	assert.Equal(t, "echo", resp.Name)
}
