// Package storage is the runlist storage collaborator named in spec.md
// §6: a mapping of app name -> profile name, read once at Node Service
// boot. It is deliberately the only persistent state the runtime keeps
// (spec.md §1's Non-goal excludes durable queueing/state beyond this).
//
// Grounded on dwarri-gazette's own storage-backend plurality (the teacher
// ships both an in-memory `mvcc` test fixture and a real `store-rocksdb`
// backend behind one interface); here the same shape backs memory, a
// YAML file, and Postgres instead.
package storage

import (
	"context"
)

// RunlistEntry is one named app's boot-time configuration: which
// manifest and profile to start it with.
type RunlistEntry struct {
	App     string `yaml:"app"`
	Profile string `yaml:"profile"`
}

// Store is the runlist storage collaborator. Implementations need not be
// safe for concurrent writes from multiple processes; the Node Service
// only reads at boot and writes through operator-driven admin calls.
type Store interface {
	// Runlist returns every entry in the named runlist.
	Runlist(ctx context.Context, name string) ([]RunlistEntry, error)
	// Profile returns the named profile document as raw YAML bytes, left
	// for the caller to unmarshal into app.Profile (storage doesn't
	// import app, to keep the dependency direction one way).
	Profile(ctx context.Context, name string) ([]byte, error)
	// Manifest returns the named manifest document as raw YAML bytes.
	Manifest(ctx context.Context, name string) ([]byte, error)
}

// ErrNotFound is returned by Store implementations when an entry,
// profile, or manifest name is unknown.
type ErrNotFound struct{ Kind, Name string }

func (e ErrNotFound) Error() string { return e.Kind + " not found: " + e.Name }
