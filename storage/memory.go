package storage

import (
	"context"
	"sync"
)

// Memory is an in-process Store, useful for tests and for nodes that
// don't need their runlist to survive a restart at all.
type Memory struct {
	mu        sync.RWMutex
	runlists  map[string][]RunlistEntry
	profiles  map[string][]byte
	manifests map[string][]byte
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		runlists:  make(map[string][]RunlistEntry),
		profiles:  make(map[string][]byte),
		manifests: make(map[string][]byte),
	}
}

// PutRunlist installs (overwriting) the named runlist.
func (m *Memory) PutRunlist(name string, entries []RunlistEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runlists[name] = entries
}

// PutProfile installs the named profile document.
func (m *Memory) PutProfile(name string, doc []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[name] = doc
}

// PutManifest installs the named manifest document.
func (m *Memory) PutManifest(name string, doc []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.manifests[name] = doc
}

func (m *Memory) Runlist(ctx context.Context, name string) ([]RunlistEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var entries, ok = m.runlists[name]
	if !ok {
		return nil, ErrNotFound{Kind: "runlist", Name: name}
	}
	return entries, nil
}

func (m *Memory) Profile(ctx context.Context, name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var doc, ok = m.profiles[name]
	if !ok {
		return nil, ErrNotFound{Kind: "profile", Name: name}
	}
	return doc, nil
}

func (m *Memory) Manifest(ctx context.Context, name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var doc, ok = m.manifests[name]
	if !ok {
		return nil, ErrNotFound{Kind: "manifest", Name: name}
	}
	return doc, nil
}

var _ Store = (*Memory)(nil)
