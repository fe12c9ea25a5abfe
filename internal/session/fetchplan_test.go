package session

import (
	"testing"

	"sessioncore/pkg/persist"
)

func TestFetchGraphNormalizesPaths(t *testing.T) {
	g := NewFetchGraph("items", "customer", "items", "")
	paths := g.Paths()
	if len(paths) != 2 || paths[0] != "customer" || paths[1] != "items" {
		t.Fatalf("normalized paths %v", paths)
	}
	if !g.Requested("items") || g.Requested("warehouse") {
		t.Fatalf("membership checks failed")
	}
}

func TestPlannerModeSelection(t *testing.T) {
	planner := NewFetchPlanner(testSchemas(t))

	cases := []struct {
		name  string
		graph FetchGraph
		hints CardinalityHints
		path  string
		want  FetchMode
	}{
		{name: "unrequested stays lazy", graph: NewFetchGraph(), path: "customer", want: FetchOnAccess},
		{name: "to-one joins inline", graph: NewFetchGraph("customer"), path: "customer", want: FetchInlineJoin},
		{name: "to-many batches", graph: NewFetchGraph("items"), path: "items", want: FetchBatched},
		{name: "bounded to-many joins inline", graph: NewFetchGraph("items"),
			hints: CardinalityHints{"items": {Bounded: true}}, path: "items", want: FetchInlineJoin},
	}
	for _, tc := range cases {
		strategy, err := planner.Plan(typeOrder, tc.graph, tc.hints)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		plan, ok := strategy.Plan(tc.path)
		if !ok {
			t.Fatalf("%s: path %s missing from strategy", tc.name, tc.path)
		}
		if plan.Mode != tc.want {
			t.Fatalf("%s: mode %s, want %s", tc.name, plan.Mode, tc.want)
		}
	}
}

func TestPlannerForceJoinWinsOverBatching(t *testing.T) {
	set := persist.NewSchemaSet()
	set.MustRegister(Schema{
		Type:   typeOrder,
		Table:  "orders",
		Fields: []persist.FieldSpec{{Name: "total"}},
		Associations: []persist.AssociationSpec{
			{Name: "items", Target: typeItem, Cardinality: ToMany, ForeignKey: "order_id", ForceJoin: true},
		},
	})
	set.MustRegister(Schema{Type: typeItem, Table: "items", Fields: []persist.FieldSpec{{Name: "sku"}}})

	strategy, err := NewFetchPlanner(set).Plan(typeOrder, NewFetchGraph("items"), nil)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	plan, _ := strategy.Plan("items")
	if plan.Mode != FetchInlineJoin {
		t.Fatalf("forced join got mode %s", plan.Mode)
	}
}

func TestPlannerEveryAssociationGetsAMode(t *testing.T) {
	strategy, err := NewFetchPlanner(testSchemas(t)).Plan(typeOrder, NewFetchGraph(), nil)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(strategy.Paths) != 2 {
		t.Fatalf("strategy covers %d paths, want 2", len(strategy.Paths))
	}
	for _, plan := range strategy.Paths {
		if plan.Mode != FetchOnAccess {
			t.Fatalf("unrequested path %s has mode %s", plan.Path, plan.Mode)
		}
	}
}

func TestPlannerUnknownRootOrPath(t *testing.T) {
	planner := NewFetchPlanner(testSchemas(t))
	if _, err := planner.Plan(EntityType("ghost"), NewFetchGraph(), nil); err == nil {
		t.Fatalf("expected error for unregistered root")
	}
	if _, err := planner.Plan(typeOrder, NewFetchGraph("warehouse"), nil); err == nil {
		t.Fatalf("expected error for unknown path")
	}
}

func TestDetectorCountsPerPath(t *testing.T) {
	var flagged []string
	d := newNPlusOneDetector(2, noopLogger{}, func(path string, count int) {
		flagged = append(flagged, path)
	})

	d.recordResolution("customer")
	if len(flagged) != 0 {
		t.Fatalf("flagged below threshold: %v", flagged)
	}
	d.recordResolution("customer")
	d.recordResolution("customer")
	if len(flagged) != 2 {
		t.Fatalf("expected a flag per resolution at or past the threshold, got %v", flagged)
	}
	d.recordResolution("")
	counts := d.Counts()
	if counts["customer"] != 3 || len(counts) != 1 {
		t.Fatalf("counts %v", counts)
	}
}
