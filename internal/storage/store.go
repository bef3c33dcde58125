// Package storage opens the persistence backend for audit records.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL.
package storage

import (
	"context"

	"github.com/jkaninda/safeshell/internal/audit"
)

// Store is the persistence handle shared by the service.
// Both SQLite and PostgreSQL backends implement it.
type Store interface {
	// Audit returns the append-only invocation log.
	Audit() audit.Store

	// Ping checks the connection for readiness probes.
	Ping(ctx context.Context) error

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"

// DriverNone disables persistence; audit records are discarded.
const DriverNone = "none"
