// Package storage defines the persistence interfaces for the policy catalog
// and the security-event audit trail.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL.
package storage

import (
	"context"
	"time"

	"github.com/jkaninda/plugbox/internal/security"
)

// PolicyStore persists named security policies. Saving a name that exists
// replaces it.
type PolicyStore interface {
	SavePolicy(ctx context.Context, p security.SecurityPolicy) error
	GetPolicy(ctx context.Context, name string) (security.SecurityPolicy, error)
	ListPolicies(ctx context.Context) ([]security.SecurityPolicy, error)
	DeletePolicy(ctx context.Context, name string) error
}

// EventQuery filters ListEvents. Zero fields match everything.
type EventQuery struct {
	SandboxID string
	Topic     string
	Since     time.Time
	Limit     int // Default: 100
}

// EventStore is the append-only security-event trail. Only retention
// removes rows.
type EventStore interface {
	AppendEvent(ctx context.Context, rec security.AuditRecord) error
	ListEvents(ctx context.Context, q EventQuery) ([]security.AuditRecord, error)
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store bundles both repositories over one connection.
type Store interface {
	Policies() PolicyStore
	Events() EventStore

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// DefaultDriver is the default storage driver.
const DefaultDriver = DriverSQLite

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"

// DefaultListLimit caps ListEvents when the query sets no limit.
const DefaultListLimit = 100
