// Package executor re-exports the store executor abstractions and wraps the
// infra-backed implementations behind an environment-driven factory.
package executor

import (
	"sessioncore/pkg/persist"
)

type (
	// Executor is the interface query and statement descriptors run against.
	Executor = persist.Executor
	// Conn is an opaque handle for an acquired store connection.
	Conn = persist.Conn
	// Query is a read descriptor.
	Query = persist.Query
	// Statement is a write descriptor.
	Statement = persist.Statement
	// Row is one result row with optional joined children.
	Row = persist.Row
)

// Driver identifies a concrete executor implementation.
type Driver string

const (
	DriverMemory   Driver = "memory"   // in-memory only (tests / ephemeral)
	DriverSQLite   Driver = "sqlite"   // embedded sqlite file
	DriverPostgres Driver = "postgres" // PostgreSQL server
)
