package session

import (
	"context"
	"testing"
)

func seedOrderWithItems(exec *fakeExecutor, orderID string, itemIDs ...string) {
	seedOrder(exec, orderID, "c1", 10)
	for _, itemID := range itemIDs {
		exec.seed(typeItem, itemID, 1, map[string]any{"sku": "sku-" + itemID, "order_id": orderID})
	}
}

func TestQueryKeysBatchedToManyCostsTwoReads(t *testing.T) {
	exec := newFakeExecutor()
	exec.seed(typeCustomer, "c1", 1, map[string]any{"name": "ada"})
	seedOrderWithItems(exec, "7", "7a", "7b")
	seedOrderWithItems(exec, "8", "8a")
	seedOrderWithItems(exec, "9", "9a", "9b", "9c")
	f := newTestFactory(t, exec)
	ctx := context.Background()

	sc := f.Begin(ctx)
	defer func() { _ = sc.Rollback(ctx) }()

	orders, err := sc.QueryKeys(ctx, typeOrder, []string{"7", "8", "9"}, NewFetchGraph("items"), nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(orders) != 3 {
		t.Fatalf("got %d orders, want 3", len(orders))
	}
	if exec.reads != 2 {
		t.Fatalf("roots plus one eager to-many path must cost exactly 2 reads, got %d", exec.reads)
	}

	// Walking every order's items must not touch the store again.
	wantCounts := map[string]int{"7": 2, "8": 1, "9": 3}
	for _, order := range orders {
		items, err := sc.ResolveCollection(ctx, order, "items")
		if err != nil {
			t.Fatalf("resolve items of %s: %v", order.Key().ID, err)
		}
		if len(items) != wantCounts[order.Key().ID] {
			t.Fatalf("order %s has %d items, want %d", order.Key().ID, len(items), wantCounts[order.Key().ID])
		}
	}
	if exec.reads != 2 {
		t.Fatalf("resolved associations must be served in-memory, got %d reads", exec.reads)
	}
}

func TestQueryBatchedPathEmptyCollection(t *testing.T) {
	exec := newFakeExecutor()
	seedOrder(exec, "7", "c1", 10)
	f := newTestFactory(t, exec)
	ctx := context.Background()

	sc := f.Begin(ctx)
	defer func() { _ = sc.Rollback(ctx) }()

	orders, err := sc.Query(ctx, typeOrder, NewFetchGraph("items"), nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	items, err := sc.ResolveCollection(ctx, orders[0], "items")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected empty collection, got %d items", len(items))
	}
	if exec.reads != 2 {
		t.Fatalf("empty result must still come from the batched read, got %d reads", exec.reads)
	}
}

func TestQueryInlineJoinForToOne(t *testing.T) {
	exec := newFakeExecutor()
	exec.seed(typeCustomer, "c1", 1, map[string]any{"name": "ada"})
	seedOrder(exec, "7", "c1", 10)
	seedOrder(exec, "8", "c1", 20)
	f := newTestFactory(t, exec)
	ctx := context.Background()

	sc := f.Begin(ctx)
	defer func() { _ = sc.Rollback(ctx) }()

	orders, err := sc.Query(ctx, typeOrder, NewFetchGraph("customer"), nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if exec.reads != 1 {
		t.Fatalf("an inline-joined to-one path must cost a single read, got %d", exec.reads)
	}
	if len(exec.queries[0].Joins) != 1 || exec.queries[0].Joins[0].Assoc != "customer" {
		t.Fatalf("expected a customer join in the root query, got %+v", exec.queries[0].Joins)
	}

	for _, order := range orders {
		customer, err := sc.Resolve(ctx, order.Get("customer").(Reference))
		if err != nil {
			t.Fatalf("resolve customer: %v", err)
		}
		if customer.Get("name") != "ada" {
			t.Fatalf("unexpected customer payload: %v", customer.Get("name"))
		}
	}
	if exec.reads != 1 {
		t.Fatalf("joined association must resolve in-memory, got %d reads", exec.reads)
	}

	first, _ := sc.Resolve(ctx, orders[0].Get("customer").(Reference))
	second, _ := sc.Resolve(ctx, orders[1].Get("customer").(Reference))
	if first != second {
		t.Fatalf("shared to-one target must be one identity-map instance")
	}
}

func TestQueryBoundedHintForcesJoinAndDeduplicatesFanOut(t *testing.T) {
	exec := newFakeExecutor()
	seedOrderWithItems(exec, "7", "7a", "7b", "7c")
	f := newTestFactory(t, exec)
	ctx := context.Background()

	sc := f.Begin(ctx)
	defer func() { _ = sc.Rollback(ctx) }()

	hints := CardinalityHints{"items": {Bounded: true}}
	orders, err := sc.Query(ctx, typeOrder, NewFetchGraph("items"), hints)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if exec.reads != 1 {
		t.Fatalf("bounded to-many path must fold into the root query, got %d reads", exec.reads)
	}
	if len(orders) != 1 {
		t.Fatalf("fanned-out join rows must collapse to one root, got %d", len(orders))
	}
	items, err := sc.ResolveCollection(ctx, orders[0], "items")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("got %d items, want 3", len(items))
	}
	if exec.reads != 1 {
		t.Fatalf("joined collection must resolve in-memory, got %d reads", exec.reads)
	}
}

func TestQueryUnknownPathFails(t *testing.T) {
	exec := newFakeExecutor()
	f := newTestFactory(t, exec)
	ctx := context.Background()

	sc := f.Begin(ctx)
	defer func() { _ = sc.Rollback(ctx) }()

	if _, err := sc.Query(ctx, typeOrder, NewFetchGraph("warehouse"), nil); err == nil {
		t.Fatalf("expected error for unknown association path")
	}
	if exec.reads != 0 {
		t.Fatalf("planning failures must not reach the store, got %d reads", exec.reads)
	}
}

func TestQueryResultsAreIdentityMapped(t *testing.T) {
	exec := newFakeExecutor()
	seedOrder(exec, "7", "c1", 10)
	f := newTestFactory(t, exec)
	ctx := context.Background()

	sc := f.Begin(ctx)
	defer func() { _ = sc.Rollback(ctx) }()

	loaded, err := sc.Load(ctx, EntityKey{Type: typeOrder, ID: "7"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	loaded.Set("status", "reviewing")

	orders, err := sc.Query(ctx, typeOrder, FetchGraph{}, nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(orders) != 1 || orders[0] != loaded {
		t.Fatalf("query must surface the managed instance, not a fresh copy")
	}
	if orders[0].Get("status") != "reviewing" {
		t.Fatalf("in-scope modification lost: %v", orders[0].Get("status"))
	}
}

func TestNPlusOneDetectorFlagsRepeatedLazyResolution(t *testing.T) {
	exec := newFakeExecutor()
	for i := 0; i < 4; i++ {
		id := string(rune('1' + i))
		exec.seed(typeCustomer, "c"+id, 1, map[string]any{"name": "n" + id})
		seedOrder(exec, id, "c"+id, 10)
	}

	var flaggedPath string
	var flaggedCount int
	f := newTestFactory(t, exec,
		WithNPlusOneThreshold(3),
		WithNPlusOneHook(func(path string, count int) {
			flaggedPath = path
			flaggedCount = count
		}))
	ctx := context.Background()

	sc := f.Begin(ctx)
	defer func() { _ = sc.Rollback(ctx) }()

	orders, err := sc.Query(ctx, typeOrder, FetchGraph{}, nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	for _, order := range orders {
		if _, err := sc.Resolve(ctx, order.Get("customer").(Reference)); err != nil {
			t.Fatalf("resolve: %v", err)
		}
	}

	if flaggedPath != "customer" {
		t.Fatalf("expected customer path to be flagged, got %q", flaggedPath)
	}
	if flaggedCount < 3 {
		t.Fatalf("flagged at count %d, want >= 3", flaggedCount)
	}
	if got := sc.ResolutionCounts()["customer"]; got != 4 {
		t.Fatalf("resolution counter %d, want 4", got)
	}
	// Detection never rewrites access: each lazy resolution still cost a read.
	if exec.reads != 5 {
		t.Fatalf("got %d reads, want 5 (roots + 4 lazy loads)", exec.reads)
	}
}
