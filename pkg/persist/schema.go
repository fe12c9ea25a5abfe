package persist

import "fmt"

// TrackingMode selects how dirty-check deltas are assembled for one entity
// type. The mode is a per-schema property, not a global switch.
type TrackingMode string

const (
	// TrackChanged emits exactly the modified field subset. Preferred for
	// wide entities with narrow updates.
	TrackChanged TrackingMode = "changed"
	// TrackAll emits every declared field whenever any field changed,
	// keeping update statement shapes stable.
	TrackAll TrackingMode = "all"
)

// Cardinality classifies an association path.
type Cardinality string

const (
	ToOne  Cardinality = "to_one"
	ToMany Cardinality = "to_many"
)

// FieldSpec declares a value field on an entity schema.
type FieldSpec struct {
	Name string
}

// AssociationSpec declares a relation from the owning entity to a target
// type. ForeignKey names the column on the owning side for to-one paths and
// on the target side for to-many paths. ForceJoin requests an inline join
// even where the planner would otherwise batch.
type AssociationSpec struct {
	Name        string
	Target      EntityType
	Cardinality Cardinality
	ForeignKey  string
	ForceJoin   bool
}

// Schema describes one entity type to the engine: its table, value fields,
// associations, dirty-tracking mode, and version field. Schemas are supplied
// by the surrounding metadata layer; the engine performs no introspection.
type Schema struct {
	Type         EntityType
	Table        string
	Fields       []FieldSpec
	Associations []AssociationSpec
	Tracking     TrackingMode
	VersionField string
}

// Association returns the named association spec.
func (s Schema) Association(name string) (AssociationSpec, bool) {
	for _, assoc := range s.Associations {
		if assoc.Name == name {
			return assoc, true
		}
	}
	return AssociationSpec{}, false
}

// FieldNames returns the declared value field names in declaration order.
func (s Schema) FieldNames() []string {
	out := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		out = append(out, f.Name)
	}
	return out
}

// SchemaSet is a registry of entity schemas keyed by type.
type SchemaSet struct {
	schemas map[EntityType]Schema
}

// NewSchemaSet constructs an empty schema registry.
func NewSchemaSet() *SchemaSet {
	return &SchemaSet{schemas: make(map[EntityType]Schema)}
}

// Register adds a schema. Registering the same entity type twice is an error.
func (set *SchemaSet) Register(schema Schema) error {
	if schema.Type == "" {
		return fmt.Errorf("schema missing entity type")
	}
	if schema.Table == "" {
		return fmt.Errorf("schema %s missing table", schema.Type)
	}
	if schema.Tracking == "" {
		schema.Tracking = TrackChanged
	}
	if _, exists := set.schemas[schema.Type]; exists {
		return fmt.Errorf("schema %s already registered", schema.Type)
	}
	set.schemas[schema.Type] = schema
	return nil
}

// MustRegister registers a schema and panics on error. Intended for static
// schema declarations at startup.
func (set *SchemaSet) MustRegister(schema Schema) {
	if err := set.Register(schema); err != nil {
		panic(err)
	}
}

// Lookup returns the schema registered for the given type.
func (set *SchemaSet) Lookup(t EntityType) (Schema, bool) {
	s, ok := set.schemas[t]
	return s, ok
}

// Types returns all registered entity types.
func (set *SchemaSet) Types() []EntityType {
	out := make([]EntityType, 0, len(set.schemas))
	for t := range set.schemas {
		out = append(out, t)
	}
	return out
}
