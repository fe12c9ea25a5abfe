package session

import (
	"context"

	"sessioncore/pkg/persist"
)

// Flush writes all pending changes to the store: inserts in dependency order
// (the referenced side of a not-yet-persisted foreign key first), then
// version-checked updates for dirty entries, then deletes. A flush with no
// pending work touches neither the store nor the connection. Any store
// failure transitions the scope to rolling back and is returned unchanged;
// it is never masked as "no changes".
func (c *Context) Flush(ctx context.Context) (err error) {
	done := c.observe(ctx, "flush")
	defer func() { done(err) }()

	if err = c.scope.ensureUsable("flush"); err != nil {
		return err
	}

	inserts := c.pendingInserts()
	updates, deletes := c.pendingUpdatesAndDeletes()
	if len(inserts) == 0 && len(updates) == 0 && len(deletes) == 0 {
		return nil
	}
	if err = c.scope.acquire(ctx, c.factory.exec); err != nil {
		c.scope.state = StateRollingBack
		return err
	}

	for _, entry := range inserts {
		if err = c.flushInsert(ctx, entry); err != nil {
			c.scope.state = StateRollingBack
			return err
		}
	}
	for _, pending := range updates {
		if err = c.flushUpdate(ctx, pending); err != nil {
			c.scope.state = StateRollingBack
			return err
		}
	}
	for _, entry := range deletes {
		if err = c.flushDelete(ctx, entry); err != nil {
			c.scope.state = StateRollingBack
			return err
		}
	}
	c.insertOrder = nil
	return nil
}

type pendingUpdate struct {
	entry *EntityEntry
	delta []FieldChange
}

// pendingInserts returns unsaved entries in save order, adjusted so that a
// pending record referenced by another pending record is inserted first.
func (c *Context) pendingInserts() []*EntityEntry {
	pending := make(map[EntityKey]*EntityEntry, len(c.insertOrder))
	for _, key := range c.insertOrder {
		entry, ok := c.scope.entries.Get(key)
		if !ok || entry.Status() != StatusManaged || entry.persisted() {
			continue
		}
		pending[key] = entry
	}

	ordered := make([]*EntityEntry, 0, len(pending))
	visiting := make(map[EntityKey]bool, len(pending))
	placed := make(map[EntityKey]bool, len(pending))

	var visit func(key EntityKey)
	visit = func(key EntityKey) {
		entry, ok := pending[key]
		if !ok || placed[key] || visiting[key] {
			return
		}
		visiting[key] = true
		schema, _ := c.factory.schemas.Lookup(key.Type)
		for _, assoc := range schema.Associations {
			if assoc.Cardinality != ToOne {
				continue
			}
			if ref, ok := entry.Record().Get(assoc.Name).(Reference); ok && ref != nil {
				visit(ref.TargetKey())
			}
		}
		visiting[key] = false
		placed[key] = true
		ordered = append(ordered, entry)
	}
	for _, key := range c.insertOrder {
		visit(key)
	}
	return ordered
}

func (c *Context) pendingUpdatesAndDeletes() ([]pendingUpdate, []*EntityEntry) {
	var updates []pendingUpdate
	var deletes []*EntityEntry
	c.scope.entries.each(func(key EntityKey, entry *EntityEntry) {
		switch {
		case entry.Status() == StatusRemoved:
			if entry.persisted() {
				deletes = append(deletes, entry)
			} else {
				// Saved and removed within one scope: nothing ever
				// reached the store.
				c.scope.entries.Remove(key)
			}
		case entry.Status() == StatusManaged && entry.persisted():
			schema, ok := c.factory.schemas.Lookup(key.Type)
			if !ok {
				return
			}
			if delta := c.dirty.ComputeDelta(schema, entry); len(delta) > 0 {
				updates = append(updates, pendingUpdate{entry: entry, delta: delta})
			}
		}
	})
	return updates, deletes
}

func (c *Context) flushInsert(ctx context.Context, entry *EntityEntry) error {
	key := entry.Record().Key()
	schema, err := c.schemaFor(key.Type)
	if err != nil {
		return err
	}
	stmt := persist.Statement{
		Kind:    persist.StatementInsert,
		Type:    key.Type,
		Key:     key.ID,
		Fields:  encodeWriteFields(schema, entry.Record().Fields()),
		Version: &persist.VersionPredicate{Field: schema.VersionField, Next: 1},
	}
	if _, err := c.factory.exec.ExecuteWrite(ctx, stmt); err != nil {
		return persist.StoreError{Op: "insert", Err: err}
	}
	c.stats.StoreWrites++
	c.stats.FlushInserts++
	entry.refreshSnapshot(1)
	return nil
}

func (c *Context) flushUpdate(ctx context.Context, pending pendingUpdate) error {
	key := pending.entry.Record().Key()
	schema, err := c.schemaFor(key.Type)
	if err != nil {
		return err
	}
	next, err := c.versions.CheckAndBump(ctx, schema, pending.entry, encodeChanges(schema, pending.delta))
	if err != nil {
		return err
	}
	c.stats.StoreWrites++
	c.stats.FlushUpdates++
	pending.entry.refreshSnapshot(next)
	return nil
}

func (c *Context) flushDelete(ctx context.Context, entry *EntityEntry) error {
	key := entry.Record().Key()
	stmt := persist.Statement{
		Kind: persist.StatementDelete,
		Type: key.Type,
		Key:  key.ID,
	}
	if _, err := c.factory.exec.ExecuteWrite(ctx, stmt); err != nil {
		return persist.StoreError{Op: "delete", Err: err}
	}
	c.stats.StoreWrites++
	c.stats.FlushDeletes++
	c.scope.entries.Remove(key)
	return nil
}

// encodeWriteFields maps record fields to store columns: to-one references
// collapse to their foreign-key column, to-many collections live on the
// target side and are dropped, the version field rides separately.
func encodeWriteFields(schema Schema, fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	delete(out, schema.VersionField)
	for _, assoc := range schema.Associations {
		raw, present := out[assoc.Name]
		if !present {
			continue
		}
		delete(out, assoc.Name)
		if assoc.Cardinality != ToOne {
			continue
		}
		if ref, ok := raw.(Reference); ok && ref != nil {
			out[assoc.ForeignKey] = ref.TargetKey().ID
		} else {
			out[assoc.ForeignKey] = nil
		}
	}
	return out
}

// encodeChanges applies the same column mapping to a dirty delta.
func encodeChanges(schema Schema, delta []FieldChange) []FieldChange {
	out := make([]FieldChange, 0, len(delta))
	for _, change := range delta {
		if assoc, ok := schema.Association(change.Field); ok {
			if assoc.Cardinality != ToOne {
				continue
			}
			var fk any
			if ref, ok := change.Value.(Reference); ok && ref != nil {
				fk = ref.TargetKey().ID
			}
			out = append(out, FieldChange{Field: assoc.ForeignKey, Value: fk})
			continue
		}
		out = append(out, change)
	}
	return out
}
