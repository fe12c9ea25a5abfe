package session

import (
	"sort"

	"sessioncore/pkg/persist"
)

// IdentityMap guarantees exactly one in-memory entry per entity key within
// one scope. It performs no I/O; all methods are pure map mutation.
type IdentityMap struct {
	entries map[EntityKey]*EntityEntry
}

// NewIdentityMap constructs an empty identity map.
func NewIdentityMap() *IdentityMap {
	return &IdentityMap{entries: make(map[EntityKey]*EntityEntry)}
}

// Get returns the entry registered for the key.
func (m *IdentityMap) Get(key EntityKey) (*EntityEntry, bool) {
	entry, ok := m.entries[key]
	return entry, ok
}

// Put registers an entry. Registering a key twice is a caller bug and fails
// with a DuplicateLoadError.
func (m *IdentityMap) Put(key EntityKey, entry *EntityEntry) error {
	if _, exists := m.entries[key]; exists {
		return persist.DuplicateLoadError{Key: key}
	}
	m.entries[key] = entry
	return nil
}

// Remove drops the entry for the key, if any.
func (m *IdentityMap) Remove(key EntityKey) {
	delete(m.entries, key)
}

// Len returns the number of registered entries.
func (m *IdentityMap) Len() int { return len(m.entries) }

// each invokes fn for every entry in key order (type, then id), so flush
// statement order is stable across runs. fn may remove the current entry.
func (m *IdentityMap) each(fn func(EntityKey, *EntityEntry)) {
	keys := make([]EntityKey, 0, len(m.entries))
	for key := range m.entries {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Type != keys[j].Type {
			return keys[i].Type < keys[j].Type
		}
		return keys[i].ID < keys[j].ID
	})
	for _, key := range keys {
		if entry, ok := m.entries[key]; ok {
			fn(key, entry)
		}
	}
}
