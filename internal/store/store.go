// Package store persists deployments and their logs.
package store

import (
	"context"
	"errors"
	"strings"

	"pushdeploy/internal/domain"
)

// ErrNotFound is returned when a deployment id is unknown to the store
var ErrNotFound = errors.New("deployment not found")

// Store is the persistence interface used by the orchestrator and the API.
// Implementations must be safe for concurrent use.
type Store interface {
	Create(ctx context.Context, d *domain.Deployment) error
	UpdateStatus(ctx context.Context, id string, u domain.StatusUpdate) error
	AppendLog(ctx context.Context, id string, entry domain.LogEntry) error
	// Get returns the deployment including its full log.
	Get(ctx context.Context, id string) (*domain.Deployment, error)
	// List returns deployments newest first, without logs.
	List(ctx context.Context, f domain.Filter) ([]*domain.Deployment, error)
	// DeleteFinished removes terminal deployments and returns how many were removed.
	DeleteFinished(ctx context.Context) (int64, error)
	Close() error
}

// Open picks an implementation from a DSN: "memory" or ":memory:" selects
// the in-memory store, anything else is a SQLite file path.
func Open(dsn string) (Store, error) {
	switch strings.TrimSpace(dsn) {
	case "", "memory", ":memory:":
		return NewMemory(), nil
	}
	return NewSQLite(dsn)
}
