package persist

import (
	"testing"
	"time"
)

func TestNewRecordClonesFields(t *testing.T) {
	source := map[string]any{"name": "ada", "tags": []any{"a", "b"}}
	record := NewRecord(EntityKey{Type: "customer", ID: "c1"}, source)

	source["name"] = "mutated"
	source["tags"].([]any)[0] = "mutated"

	if record.Get("name") != "ada" {
		t.Fatalf("record shares the caller's map: %v", record.Get("name"))
	}
	if record.Get("tags").([]any)[0] != "a" {
		t.Fatalf("record shares nested slices: %v", record.Get("tags"))
	}
}

func TestRecordFieldsReturnsCopy(t *testing.T) {
	record := NewRecord(EntityKey{Type: "customer", ID: "c1"}, map[string]any{"name": "ada"})
	fields := record.Fields()
	fields["name"] = "mutated"
	if record.Get("name") != "ada" {
		t.Fatalf("Fields must not alias internal state: %v", record.Get("name"))
	}
}

func TestRecordGetUnsetField(t *testing.T) {
	record := NewRecord(EntityKey{Type: "customer", ID: "c1"}, nil)
	if got := record.Get("missing"); got != nil {
		t.Fatalf("unset field must read as nil, got %v", got)
	}
	record.Set("missing", 1)
	if got := record.Get("missing"); got != 1 {
		t.Fatalf("set field lost: %v", got)
	}
}

func TestCloneFieldsDeepCopiesNestedContainers(t *testing.T) {
	original := map[string]any{
		"nested": map[string]any{"k": "v"},
		"list":   []any{map[string]any{"x": 1}},
		"raw":    []byte{1, 2},
	}
	clone := CloneFields(original)
	clone["nested"].(map[string]any)["k"] = "changed"
	clone["list"].([]any)[0].(map[string]any)["x"] = 2
	clone["raw"].([]byte)[0] = 9

	if original["nested"].(map[string]any)["k"] != "v" {
		t.Fatalf("nested map aliased")
	}
	if original["list"].([]any)[0].(map[string]any)["x"] != 1 {
		t.Fatalf("nested list aliased")
	}
	if original["raw"].([]byte)[0] != 1 {
		t.Fatalf("byte slice aliased")
	}
}

func TestValuesEqual(t *testing.T) {
	now := time.Now()
	keyA := EntityKey{Type: "customer", ID: "c1"}
	keyB := EntityKey{Type: "customer", ID: "c2"}

	cases := []struct {
		name string
		a, b any
		want bool
	}{
		{"nils", nil, nil, true},
		{"nil vs value", nil, "x", false},
		{"strings", "a", "a", true},
		{"numbers", float64(1), float64(1), true},
		{"times equal", now, now.UTC(), true},
		{"times differ", now, now.Add(time.Second), false},
		{"byte slices", []byte{1, 2}, []byte{1, 2}, true},
		{"byte slices differ", []byte{1, 2}, []byte{1, 3}, false},
		{"string slices", []string{"a"}, []string{"a"}, true},
		{"any slices", []any{"a", float64(2)}, []any{"a", float64(2)}, true},
		{"any slices length", []any{"a"}, []any{"a", "b"}, false},
		{"maps", map[string]any{"k": "v"}, map[string]any{"k": "v"}, true},
		{"maps differ", map[string]any{"k": "v"}, map[string]any{"k": "w"}, false},
		{"refs same target", KeyRef(keyA), KeyRef(keyA), true},
		{"refs differ", KeyRef(keyA), KeyRef(keyB), false},
		{"ref vs nil", KeyRef(keyA), nil, false},
	}
	for _, tc := range cases {
		if got := ValuesEqual(tc.a, tc.b); got != tc.want {
			t.Fatalf("%s: ValuesEqual=%v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestKeyRefResolvedSemantics(t *testing.T) {
	key := EntityKey{Type: "customer", ID: "c1"}
	var ref Reference = KeyRef(key)
	if !ref.IsResolved() {
		t.Fatalf("key refs are always resolved")
	}
	if ref.TargetKey() != key {
		t.Fatalf("target key %+v", ref.TargetKey())
	}
}

func TestEntityKeyHelpers(t *testing.T) {
	if !(EntityKey{}).IsZero() {
		t.Fatalf("zero key must report zero")
	}
	key := EntityKey{Type: "order", ID: "7"}
	if key.IsZero() {
		t.Fatalf("populated key reported zero")
	}
	if key.String() == "" {
		t.Fatalf("expected printable key")
	}
}
