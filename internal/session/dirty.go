package session

import "sessioncore/pkg/persist"

// FieldChange is one element of a dirty-check delta.
type FieldChange struct {
	Field string
	Value any
}

// DirtyChecker computes the field-level delta between an entry's load-time
// snapshot and its current state. Comparison is purely in-memory: value
// equality for value fields, target-key equality for association fields.
// Unresolved proxies are never dirty and comparing them never triggers a
// load, since I/O as a side effect of change detection would defeat lazy
// loading.
type DirtyChecker struct{}

// ComputeDelta returns the changed fields of a managed entry per the
// schema's tracking mode. Removed entries yield an empty delta; they become
// delete operations instead. Entries without a snapshot (pending inserts)
// also yield an empty delta.
func (DirtyChecker) ComputeDelta(schema Schema, entry *EntityEntry) []FieldChange {
	if entry.Status() != StatusManaged || !entry.persisted() {
		return nil
	}

	changed := make([]FieldChange, 0, 4)
	record := entry.Record()
	for _, name := range trackedFields(schema) {
		current := record.Get(name)
		if !persist.ValuesEqual(current, entry.snapshotValue(name)) {
			changed = append(changed, FieldChange{Field: name, Value: current})
		}
	}
	if len(changed) == 0 {
		return nil
	}

	if schema.Tracking == persist.TrackAll {
		full := make([]FieldChange, 0, len(schema.Fields)+len(schema.Associations))
		for _, name := range trackedFields(schema) {
			full = append(full, FieldChange{Field: name, Value: record.Get(name)})
		}
		return full
	}
	return changed
}

// trackedFields lists every comparable field of a schema: declared value
// fields plus to-one association fields. To-many collections live on the
// target side's foreign key and carry no delta of their own.
func trackedFields(schema Schema) []string {
	out := make([]string, 0, len(schema.Fields)+len(schema.Associations))
	for _, f := range schema.Fields {
		out = append(out, f.Name)
	}
	for _, assoc := range schema.Associations {
		if assoc.Cardinality == ToOne {
			out = append(out, assoc.Name)
		}
	}
	return out
}
