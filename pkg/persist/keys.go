// Package persist defines the public value types, schema descriptions, error
// taxonomy, and the external query-executor contract consumed by the
// sessioncore engine.
package persist

import "fmt"

// EntityType identifies the kind of record managed by a scope.
type EntityType string

// EntityKey is the immutable (type, primary key) pair used as the identity-map
// lookup key. The zero value is not a valid key.
type EntityKey struct {
	Type EntityType
	ID   string
}

// IsZero reports whether the key carries no identity.
func (k EntityKey) IsZero() bool {
	return k.Type == "" && k.ID == ""
}

func (k EntityKey) String() string {
	return fmt.Sprintf("%s/%s", k.Type, k.ID)
}

// VersionStamp is the monotonically increasing optimistic-lock stamp attached
// to a managed record. It is compared at flush time against the value read at
// load time.
type VersionStamp int64

// EntityStatus tracks the lifecycle of an entry within one scope.
type EntityStatus string

// Entry statuses. Entries never survive the owning scope; Detached marks
// entries surfaced after the scope closed.
const (
	StatusManaged  EntityStatus = "managed"
	StatusRemoved  EntityStatus = "removed"
	StatusDetached EntityStatus = "detached"
)
