package persist

import "context"

// Query describes one read issued by the engine. At most one access shape is
// populated: Keys for primary-key loads, In for a batched secondary fetch,
// neither for a full scan of the type. Joins fold associations into the same
// row set; to-many joins fan out one row per (root, child) pair and are
// de-duplicated by the caller.
type Query struct {
	Type  EntityType
	Keys  []string
	In    *InPredicate
	Joins []JoinSpec
}

// InPredicate is the single-secondary-query predicate used to batch an
// association fetch across a full root key set.
type InPredicate struct {
	Field  string
	Values []string
}

// JoinSpec requests an inline join of one association into the root query.
// For to-one joins the foreign key lives on the root row; for to-many joins
// it lives on the target rows.
type JoinSpec struct {
	Assoc      string
	Target     EntityType
	ForeignKey string
	ToMany     bool
}

// Row is one materialized store row. Joined carries child rows folded in by
// inline joins; a root row repeated by fan-out appears once per child.
type Row struct {
	ID      string
	Version VersionStamp
	Fields  map[string]any
	Joined  []JoinedRow
}

// JoinedRow carries the child side of an inline join.
type JoinedRow struct {
	Assoc string
	Type  EntityType
	Row   Row
}

// StatementKind discriminates write statements.
type StatementKind string

const (
	StatementInsert StatementKind = "insert"
	StatementUpdate StatementKind = "update"
	StatementDelete StatementKind = "delete"
)

// Statement describes one write issued at flush time. Fields holds the full
// value set for inserts and the dirty delta for updates. Version, when set,
// makes the write conditional on the stored version stamp; the check and the
// increment ride in the same statement so the store's single-statement
// atomicity covers both.
type Statement struct {
	Kind    StatementKind
	Type    EntityType
	Key     string
	Fields  map[string]any
	Version *VersionPredicate
}

// VersionPredicate is the read-then-conditional-write clause of an update:
// the statement applies only where the stored stamp equals Expected, writing
// Next in the same statement.
type VersionPredicate struct {
	Field    string
	Expected VersionStamp
	Next     VersionStamp
}

// Conn is an opaque handle for a store connection. Handles are produced by
// Acquire and must be returned through Release exactly once.
type Conn interface{}

// Executor is the minimal synchronous query execution contract the engine
// consumes. Implementations translate descriptors to their dialect; rows are
// mapped by the engine, not by the executor.
type Executor interface {
	Execute(ctx context.Context, q Query) ([]Row, error)
	ExecuteWrite(ctx context.Context, stmt Statement) (int64, error)
	Acquire(ctx context.Context) (Conn, error)
	Release(conn Conn) error
}
