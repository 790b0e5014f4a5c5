// Package memory provides an in-process statestore.Store backend, grounded
// on the teacher's internal/storage/memory package: a mutex-guarded map
// standing in for a real database, used for tests and ephemeral sessions
// that never need state to outlive the process.
package memory

import (
	"context"
	"sync"

	"github.com/taskcore/taskcore/internal/statestore"
)

// Store is a goroutine-safe, process-local statestore.Store.
type Store struct {
	mu      sync.RWMutex
	records map[string]*statestore.Record
	closed  bool
}

// New creates an empty memory store.
func New() *Store {
	return &Store{records: make(map[string]*statestore.Record)}
}

func init() {
	statestore.Register("memory", func(_ context.Context, _ string) (statestore.Store, error) {
		return New(), nil
	})
}

func (s *Store) Get(_ context.Context, taskName string) (*statestore.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[taskName]
	if !ok {
		return nil, false, nil
	}
	return rec.Clone(), true, nil
}

func (s *Store) Upsert(_ context.Context, taskName string, rec *statestore.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[taskName] = rec.Clone()
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.records = nil
	return nil
}
