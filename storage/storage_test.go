package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRoundTrip(t *testing.T) {
	var m = NewMemory()
	m.PutRunlist("default", []RunlistEntry{{App: "echo", Profile: "small"}})
	m.PutProfile("small", []byte("concurrency: 1\n"))
	m.PutManifest("echo", []byte("path: /bin/echo\n"))

	entries, err := m.Runlist(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, []RunlistEntry{{App: "echo", Profile: "small"}}, entries)

	doc, err := m.Profile(context.Background(), "small")
	require.NoError(t, err)
	assert.Contains(t, string(doc), "concurrency")

	_, err = m.Manifest(context.Background(), "missing")
	assert.ErrorAs(t, err, &ErrNotFound{})
}

func TestYAMLFileReadsFromDisk(t *testing.T) {
	var dir = t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "runlists"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "profiles"), 0o755))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "runlists", "default.yaml"),
		[]byte("- app: echo\n  profile: small\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "profiles", "small.yaml"),
		[]byte("concurrency: 1\n"), 0o644))

	var y = NewYAMLFile(dir)

	entries, err := y.Runlist(context.Background(), "default")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "echo", entries[0].App)

	doc, err := y.Profile(context.Background(), "small")
	require.NoError(t, err)
	assert.Contains(t, string(doc), "concurrency")

	_, err = y.Runlist(context.Background(), "nonexistent")
	assert.ErrorAs(t, err, &ErrNotFound{})
}
