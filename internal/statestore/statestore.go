// Package statestore defines the persisted state store of §3/§6: a durable
// mapping task-name -> {per-dependency witness map, saved-values map,
// last-success-timestamp}. The core treats the store as opaque; any backend
// supporting atomic per-task upsert and point lookup is acceptable — the
// interface below is deliberately narrow so new backends (memory, sqlite,
// file) can be registered the way the teacher registers storage backends in
// internal/storage/factory.
package statestore

import (
	"context"
	"time"

	"github.com/taskcore/taskcore/internal/coretypes"
)

// Record is a task's persisted state-store entry.
type Record struct {
	// Witnesses maps a dependency key to the witness recorded on the most
	// recent successful execution of the task. The store never retains
	// witnesses for dependencies that were not present on that run (§3
	// invariant) — callers must pass a full replacement map on Upsert,
	// never a partial merge.
	Witnesses map[string]coretypes.Witness
	// SavedValues is the task's saved-values record (§6).
	SavedValues coretypes.SavedValues
	// LastSuccess is when the task most recently committed successfully.
	LastSuccess time.Time
}

// Clone returns a deep-enough copy safe to hand to readers.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := &Record{
		Witnesses:   make(map[string]coretypes.Witness, len(r.Witnesses)),
		SavedValues: r.SavedValues.Clone(),
		LastSuccess: r.LastSuccess,
	}
	for k, v := range r.Witnesses {
		out.Witnesses[k] = v
	}
	return out
}

// Store is the persisted state store contract. Implementations must
// serialize reads and writes through a single-writer discipline per §5: two
// concurrent Upsert calls for different tasks may proceed independently, but
// an Upsert and a Get for the *same* task must not interleave inconsistently.
type Store interface {
	// Get returns the stored record for a task, or ok=false if none exists
	// (a task that has never successfully completed in any prior session).
	Get(ctx context.Context, taskName string) (rec *Record, ok bool, err error)
	// Upsert atomically replaces the stored record for a task.
	Upsert(ctx context.Context, taskName string, rec *Record) error
	// Close releases any resources (file handles, db connections). It is
	// called on every exit path of the owning session.
	Close() error
}

// Factory constructs a Store from a backend-specific path/DSN.
type Factory func(ctx context.Context, path string) (Store, error)

var registry = map[string]Factory{}

// Register adds a named backend factory, mirroring
// internal/storage/factory.RegisterBackend in the teacher repo. Backend
// packages call this from an init() so that selecting a backend by name
// (from internal/config) does not require the session package to import
// every backend directly.
func Register(name string, f Factory) {
	registry[name] = f
}

// Open constructs a Store for the named backend at path. Returns an error
// if the backend was never registered (the caller forgot to blank-import
// its package, or the config named an unknown backend).
func Open(ctx context.Context, backend, path string) (Store, error) {
	f, ok := registry[backend]
	if !ok {
		return nil, &UnknownBackendError{Backend: backend}
	}
	return f(ctx, path)
}

// UnknownBackendError is returned by Open for an unregistered backend name.
type UnknownBackendError struct{ Backend string }

func (e *UnknownBackendError) Error() string {
	return "statestore: unknown backend " + e.Backend
}
