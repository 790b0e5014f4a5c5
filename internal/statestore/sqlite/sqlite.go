// Package sqlite provides a persisted statestore.Store backend over SQLite,
// grounded on the teacher's internal/storage/sqlite package: database/sql
// plus the mattn/go-sqlite3 driver, a single schema migration run on open,
// and explicit transaction scoping around every mutating statement.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/taskcore/taskcore/internal/statestore"
)

const schema = `
CREATE TABLE IF NOT EXISTS task_state (
	task_name    TEXT PRIMARY KEY,
	witnesses    TEXT NOT NULL,
	saved_values TEXT NOT NULL,
	last_success INTEGER NOT NULL
);
`

// Store is a SQLite-backed statestore.Store.
type Store struct {
	db *sql.DB
}

func init() {
	statestore.Register("sqlite", func(ctx context.Context, path string) (statestore.Store, error) {
		return Open(ctx, path)
	})
}

// Open opens (creating if necessary) a SQLite state store at path.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite statestore: open %s: %w", path, err)
	}
	// The store is the single process-wide mutable resource (§5); one
	// connection keeps SQLite's own locking out of the picture and lets
	// the Go-level mutex-free single-writer discipline fall out of
	// database/sql's connection pool naturally.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite statestore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Get(ctx context.Context, taskName string) (*statestore.Record, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT witnesses, saved_values, last_success FROM task_state WHERE task_name = ?`, taskName)

	var witnessJSON, valuesJSON string
	var lastSuccess int64
	if err := row.Scan(&witnessJSON, &valuesJSON, &lastSuccess); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("sqlite statestore: get %s: %w", taskName, err)
	}

	rec, err := decodeRecord(witnessJSON, valuesJSON, lastSuccess)
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

func (s *Store) Upsert(ctx context.Context, taskName string, rec *statestore.Record) error {
	witnessJSON, valuesJSON, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite statestore: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO task_state (task_name, witnesses, saved_values, last_success)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(task_name) DO UPDATE SET
			witnesses = excluded.witnesses,
			saved_values = excluded.saved_values,
			last_success = excluded.last_success
	`, taskName, witnessJSON, valuesJSON, rec.LastSuccess.UTC().Unix())
	if err != nil {
		return fmt.Errorf("sqlite statestore: upsert %s: %w", taskName, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite statestore: commit %s: %w", taskName, err)
	}
	return nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("sqlite statestore: close: %w", err)
	}
	return nil
}

func encodeRecord(rec *statestore.Record) (witnessJSON, valuesJSON string, err error) {
	wb, err := json.Marshal(rec.Witnesses)
	if err != nil {
		return "", "", fmt.Errorf("sqlite statestore: marshal witnesses: %w", err)
	}
	vb, err := json.Marshal(rec.SavedValues)
	if err != nil {
		return "", "", fmt.Errorf("sqlite statestore: marshal saved values: %w", err)
	}
	return string(wb), string(vb), nil
}

func decodeRecord(witnessJSON, valuesJSON string, lastSuccess int64) (*statestore.Record, error) {
	rec := &statestore.Record{LastSuccess: time.Unix(lastSuccess, 0).UTC()}
	if err := json.Unmarshal([]byte(witnessJSON), &rec.Witnesses); err != nil {
		return nil, fmt.Errorf("sqlite statestore: unmarshal witnesses: %w", err)
	}
	if err := json.Unmarshal([]byte(valuesJSON), &rec.SavedValues); err != nil {
		return nil, fmt.Errorf("sqlite statestore: unmarshal saved values: %w", err)
	}
	return rec, nil
}
