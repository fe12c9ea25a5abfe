package persist

import "time"

// Reference is the value held by an association field: either a resolved
// entity key or a lazy proxy handle issued by the engine. Comparing two
// references never triggers resolution; identity is carried by the target key.
type Reference interface {
	// TargetKey returns the key the reference points at. The key never
	// changes after construction.
	TargetKey() EntityKey
	// IsResolved reports whether the referenced record has been loaded.
	IsResolved() bool
}

// KeyRef is a plain resolved-by-key reference with no attached proxy state.
type KeyRef EntityKey

// TargetKey returns the referenced key.
func (r KeyRef) TargetKey() EntityKey { return EntityKey(r) }

// IsResolved always reports true; a KeyRef carries identity only and needs no
// deferred load of its own.
func (r KeyRef) IsResolved() bool { return true }

// Record is a live in-memory entity instance: an entity key plus named field
// values. Field shape is dictated by the Schema registered for the record's
// type; association fields hold Reference values.
type Record struct {
	key    EntityKey
	fields map[string]any
}

// NewRecord constructs a record for the given key. The field map is cloned so
// callers cannot mutate shared state afterwards.
func NewRecord(key EntityKey, fields map[string]any) *Record {
	return &Record{key: key, fields: CloneFields(fields)}
}

// Key returns the record's entity key.
func (r *Record) Key() EntityKey { return r.key }

// Get returns the named field value, or nil when unset.
func (r *Record) Get(field string) any {
	if r.fields == nil {
		return nil
	}
	return r.fields[field]
}

// Set assigns the named field value.
func (r *Record) Set(field string, value any) {
	if r.fields == nil {
		r.fields = make(map[string]any)
	}
	r.fields[field] = value
}

// Fields returns a cloned copy of all field values.
func (r *Record) Fields() map[string]any {
	return CloneFields(r.fields)
}

// CloneFields deep-copies a field map. Nested JSON-shaped containers are
// cloned; Reference values are shared, which is safe because references are
// immutable with respect to their target key.
func CloneFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return CloneFields(tv)
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), tv...)
	case []byte:
		return append([]byte(nil), tv...)
	default:
		return v
	}
}

// ValuesEqual compares two field values by value equality. Association fields
// holding Reference values compare by target entity key, never by resolving
// the reference. Field values are JSON-shaped (strings, bools, numbers,
// times, byte/string slices, nested arrays and objects) per the schema layer.
func ValuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if ra, ok := a.(Reference); ok {
		rb, ok := b.(Reference)
		return ok && ra.TargetKey() == rb.TargetKey()
	}
	switch ta := a.(type) {
	case time.Time:
		tb, ok := b.(time.Time)
		return ok && ta.Equal(tb)
	case []byte:
		tb, ok := b.([]byte)
		if !ok || len(ta) != len(tb) {
			return false
		}
		for i := range ta {
			if ta[i] != tb[i] {
				return false
			}
		}
		return true
	case []string:
		tb, ok := b.([]string)
		if !ok || len(ta) != len(tb) {
			return false
		}
		for i := range ta {
			if ta[i] != tb[i] {
				return false
			}
		}
		return true
	case []any:
		tb, ok := b.([]any)
		if !ok || len(ta) != len(tb) {
			return false
		}
		for i := range ta {
			if !ValuesEqual(ta[i], tb[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		tb, ok := b.(map[string]any)
		if !ok || len(ta) != len(tb) {
			return false
		}
		for k, v := range ta {
			ov, present := tb[k]
			if !present || !ValuesEqual(v, ov) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}
