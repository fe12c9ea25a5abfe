package session

// EntityEntry is the per-key record owned by one scope's identity map: the
// live record instance, the snapshot of its persisted field values, its
// version stamp, and its status. Entries never cross scope boundaries.
type EntityEntry struct {
	record   *Record
	snapshot map[string]any
	version  VersionStamp
	status   EntityStatus
}

// newLoadedEntry builds a managed entry for a record materialized from the
// store, capturing the load-time snapshot and version stamp.
func newLoadedEntry(record *Record, version VersionStamp) *EntityEntry {
	return &EntityEntry{
		record:   record,
		snapshot: record.Fields(),
		version:  version,
		status:   StatusManaged,
	}
}

// newPendingEntry builds a managed entry for a record saved but not yet
// persisted. The nil snapshot marks it as an insert candidate at flush.
func newPendingEntry(record *Record) *EntityEntry {
	return &EntityEntry{
		record: record,
		status: StatusManaged,
	}
}

// Record returns the live instance. All loads of the same key within a scope
// observe this one instance.
func (e *EntityEntry) Record() *Record { return e.record }

// Version returns the stamp read at load time, or the bumped stamp after the
// last flush.
func (e *EntityEntry) Version() VersionStamp { return e.version }

// Status returns the entry's lifecycle status.
func (e *EntityEntry) Status() EntityStatus { return e.status }

// persisted reports whether the entry has a store-side row (loaded or
// previously flushed), distinguishing updates from inserts.
func (e *EntityEntry) persisted() bool { return e.snapshot != nil }

// markRemoved queues the entry for deletion at flush.
func (e *EntityEntry) markRemoved() { e.status = StatusRemoved }

// markDetached severs the entry from its closed scope.
func (e *EntityEntry) markDetached() { e.status = StatusDetached }

// refreshSnapshot re-captures the snapshot from the live record and records
// the new version stamp. Called exactly at load and flush, never elsewhere,
// so dirty deltas stay well-defined.
func (e *EntityEntry) refreshSnapshot(version VersionStamp) {
	e.snapshot = e.record.Fields()
	e.version = version
}

// snapshotValue returns the snapshot value for one field.
func (e *EntityEntry) snapshotValue(field string) any {
	if e.snapshot == nil {
		return nil
	}
	return e.snapshot[field]
}
