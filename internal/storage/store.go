// Package storage defines the execution history store. Two backends are
// provided: SQLite (default, zero-config) and PostgreSQL. History is
// observational: it records what ran and how it ended, never guest output.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when no record matches.
var ErrNotFound = errors.New("execution record not found")

// Status is the outcome of a run.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
)

// Record is one finished run.
type Record struct {
	ID          string    `json:"id"`
	ContextID   string    `json:"context_id"`
	ExecutionID string    `json:"execution_id"`
	Language    string    `json:"language"`
	Backend     string    `json:"backend"`
	Status      Status    `json:"status"`
	Error       string    `json:"error,omitempty"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	DurationMS  int64     `json:"duration_ms"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Store persists execution records. Both backends implement it.
type Store interface {
	Save(ctx context.Context, rec *Record) error
	// Get looks a record up by execution id.
	Get(ctx context.Context, executionID string) (*Record, error)
	// List returns the newest records first. An empty contextID lists all
	// contexts; limit <= 0 means DefaultListLimit.
	List(ctx context.Context, contextID string, limit int) ([]*Record, error)
	// Prune deletes records that started before the cutoff.
	Prune(ctx context.Context, before time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// DefaultListLimit bounds List when no limit is given.
const DefaultListLimit = 50

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"

// DriverNone disables history.
const DriverNone = "none"
