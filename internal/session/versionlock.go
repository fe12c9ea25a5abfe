package session

import (
	"context"

	"sessioncore/pkg/persist"
)

// VersionLockManager enforces optimistic concurrency at flush time. The
// version comparison and the increment ride in a single conditional update
// statement, relying on the store's own single-statement atomicity; no
// client-side locking is attempted.
type VersionLockManager struct {
	exec Executor
}

// NewVersionLockManager constructs a manager over the given executor.
func NewVersionLockManager(exec Executor) *VersionLockManager {
	return &VersionLockManager{exec: exec}
}

// CheckAndBump issues the conditional update carrying the entry's dirty
// delta, predicated on the version stamp read at load time. Zero affected
// rows means the in-memory state is stale and the call fails with an
// OptimisticLockError, which is surfaced to the caller and never retried
// here: retry correctness depends on business semantics this component does
// not know. On success the new stamp (loaded version + 1) is returned; the
// version increments once per entity per flush regardless of how many fields
// changed.
func (m *VersionLockManager) CheckAndBump(ctx context.Context, schema Schema, entry *EntityEntry, delta []FieldChange) (VersionStamp, error) {
	key := entry.Record().Key()
	next := entry.Version() + 1
	fields := make(map[string]any, len(delta))
	for _, change := range delta {
		fields[change.Field] = change.Value
	}
	stmt := persist.Statement{
		Kind:   persist.StatementUpdate,
		Type:   key.Type,
		Key:    key.ID,
		Fields: fields,
		Version: &persist.VersionPredicate{
			Field:    schema.VersionField,
			Expected: entry.Version(),
			Next:     next,
		},
	}
	affected, err := m.exec.ExecuteWrite(ctx, stmt)
	if err != nil {
		return 0, persist.StoreError{Op: "conditional update", Err: err}
	}
	if affected == 0 {
		return 0, persist.OptimisticLockError{Key: key, Expected: entry.Version()}
	}
	return next, nil
}
