// Package store persists workflows, subscribers, templates, and the
// append-only event log in Postgres. The one multi-statement transaction in
// the engine, CommitTransition, lives here so every step completion is
// atomic with its successor enqueue.
package store

import (
	"context"
	"database/sql"
	"errors"
)

// Common sentinel errors.
var (
	ErrNotFound    = errors.New("not found")
	ErrNotEditable = errors.New("workflow is not editable in its current status")
	ErrLeaseLost   = errors.New("queue item lease lost")
)

// Store wraps the database handle for all engine persistence.
type Store struct {
	db *sql.DB
}

// New creates a store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for callers that need their own
// statements (admin tooling).
func (s *Store) DB() *sql.DB { return s.db }

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}
