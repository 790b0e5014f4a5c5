// Package filestore provides the default persisted statestore.Store
// backend ("file", config.LoadBootstrap's default): a single YAML file in
// the working directory, matching §6's
// "File location is configurable; default is a single file in the working
// directory." The whole-file read-modify-write discipline follows the
// teacher's internal/jsonl package, which rewrites its whole file on every
// clean rather than patching individual lines in place.
package filestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/taskcore/taskcore/internal/statestore"
)

// DefaultPath is used when no path is configured.
const DefaultPath = ".taskcore-state.yaml"

// onDisk is the YAML-serializable shape of the whole file.
type onDisk struct {
	Tasks map[string]*statestore.Record `yaml:"tasks"`
}

// Store is a YAML-file-backed statestore.Store. All reads and writes are
// serialized through mu, giving the single-writer discipline §5 requires
// without needing cross-process file locking (out of scope: distributed
// execution is a non-goal per spec.md §1).
type Store struct {
	mu   sync.Mutex
	path string
}

func init() {
	statestore.Register("file", func(_ context.Context, path string) (statestore.Store, error) {
		if path == "" {
			path = DefaultPath
		}
		return New(path), nil
	})
}

// New opens (lazily — the file need not exist yet) a YAML-file store at path.
func New(path string) *Store {
	return &Store{path: path}
}

func (s *Store) load() (*onDisk, error) {
	data, err := os.ReadFile(s.path) // #nosec G304 - path supplied by session config
	if os.IsNotExist(err) {
		return &onDisk{Tasks: map[string]*statestore.Record{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("filestore: read %s: %w", s.path, err)
	}
	var doc onDisk
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("filestore: parse %s: %w", s.path, err)
	}
	if doc.Tasks == nil {
		doc.Tasks = map[string]*statestore.Record{}
	}
	return &doc, nil
}

func (s *Store) save(doc *onDisk) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("filestore: marshal: %w", err)
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".taskcore-state-*.tmp")
	if err != nil {
		return fmt.Errorf("filestore: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("filestore: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("filestore: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("filestore: rename into place: %w", err)
	}
	return nil
}

func (s *Store) Get(_ context.Context, taskName string) (*statestore.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return nil, false, err
	}
	rec, ok := doc.Tasks[taskName]
	if !ok {
		return nil, false, nil
	}
	return rec.Clone(), true, nil
}

func (s *Store) Upsert(_ context.Context, taskName string, rec *statestore.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return err
	}
	doc.Tasks[taskName] = rec.Clone()
	return s.save(doc)
}

func (s *Store) Close() error { return nil }
