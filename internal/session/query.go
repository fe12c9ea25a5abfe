package session

import (
	"context"

	"sessioncore/pkg/persist"
)

// Query loads all roots of a type with the requested association paths
// fetched per the planner's strategy. Eager to-many paths cost exactly one
// secondary query across the whole root batch, independent of the number of
// roots.
func (c *Context) Query(ctx context.Context, root EntityType, graph FetchGraph, hints CardinalityHints) ([]*Record, error) {
	return c.query(ctx, root, nil, graph, hints)
}

// QueryKeys is Query restricted to an explicit root key set.
func (c *Context) QueryKeys(ctx context.Context, root EntityType, ids []string, graph FetchGraph, hints CardinalityHints) ([]*Record, error) {
	return c.query(ctx, root, ids, graph, hints)
}

func (c *Context) query(ctx context.Context, root EntityType, ids []string, graph FetchGraph, hints CardinalityHints) (records []*Record, err error) {
	done := c.observe(ctx, "query")
	defer func() { done(err) }()

	if err = c.scope.ensureUsable("query"); err != nil {
		return nil, err
	}
	schema, err := c.schemaFor(root)
	if err != nil {
		return nil, err
	}
	strategy, err := c.planner.Plan(root, graph, hints)
	if err != nil {
		return nil, err
	}

	q := persist.Query{Type: root, Keys: ids}
	for _, plan := range strategy.Paths {
		if plan.Mode != FetchInlineJoin {
			continue
		}
		q.Joins = append(q.Joins, persist.JoinSpec{
			Assoc:      plan.Path,
			Target:     plan.Assoc.Target,
			ForeignKey: plan.Assoc.ForeignKey,
			ToMany:     plan.Assoc.Cardinality == ToMany,
		})
	}

	rows, err := c.execute(ctx, q)
	if err != nil {
		return nil, err
	}

	// Fan-out de-duplication: joined row sets repeat the root row once per
	// child, so roots are collapsed by entity key after materialization.
	roots := make([]*EntityEntry, 0, len(rows))
	seen := make(map[EntityKey]int, len(rows))
	joinChildren := make(map[EntityKey]map[string][]EntityKey)
	for _, row := range rows {
		for _, joined := range row.Joined {
			childSchema, sErr := c.schemaFor(joined.Type)
			if sErr != nil {
				return nil, sErr
			}
			if _, aErr := c.adoptRow(childSchema, joined.Row); aErr != nil {
				return nil, aErr
			}
		}
		rootKey := EntityKey{Type: root, ID: row.ID}
		idx, dup := seen[rootKey]
		if !dup {
			entry, aErr := c.adoptRow(schema, row)
			if aErr != nil {
				return nil, aErr
			}
			idx = len(roots)
			seen[rootKey] = idx
			roots = append(roots, entry)
		}
		for _, joined := range row.Joined {
			perPath := joinChildren[rootKey]
			if perPath == nil {
				perPath = make(map[string][]EntityKey)
				joinChildren[rootKey] = perPath
			}
			childKey := EntityKey{Type: joined.Type, ID: joined.Row.ID}
			perPath[joined.Assoc] = append(perPath[joined.Assoc], childKey)
		}
	}

	// Joined to-many paths become resolved reference collections.
	for _, plan := range strategy.Paths {
		if plan.Mode != FetchInlineJoin || plan.Assoc.Cardinality != ToMany {
			continue
		}
		for key, idx := range seen {
			refs := make([]any, 0)
			for _, childKey := range joinChildren[key][plan.Path] {
				refs = append(refs, KeyRef(childKey))
			}
			roots[idx].Record().Set(plan.Path, refs)
		}
	}

	if err = c.fetchBatchedPaths(ctx, strategy, roots); err != nil {
		return nil, err
	}

	records = make([]*Record, 0, len(roots))
	for _, entry := range roots {
		records = append(records, entry.Record())
	}
	c.stats.Queries++
	return records, nil
}

// fetchBatchedPaths issues exactly one secondary query per batched path,
// passing the full root key set as an IN predicate. This is the device that
// collapses N per-root association loads into one.
func (c *Context) fetchBatchedPaths(ctx context.Context, strategy FetchStrategy, roots []*EntityEntry) error {
	if len(roots) == 0 {
		return nil
	}
	rootIDs := make([]string, 0, len(roots))
	byID := make(map[string]*EntityEntry, len(roots))
	for _, entry := range roots {
		id := entry.Record().Key().ID
		rootIDs = append(rootIDs, id)
		byID[id] = entry
	}

	for _, plan := range strategy.Paths {
		if plan.Mode != FetchBatched {
			continue
		}
		childSchema, err := c.schemaFor(plan.Assoc.Target)
		if err != nil {
			return err
		}
		rows, err := c.execute(ctx, persist.Query{
			Type: plan.Assoc.Target,
			In:   &persist.InPredicate{Field: plan.Assoc.ForeignKey, Values: rootIDs},
		})
		if err != nil {
			return err
		}

		grouped := make(map[string][]any, len(roots))
		for _, row := range rows {
			owner, _ := row.Fields[plan.Assoc.ForeignKey].(string)
			entry, err := c.adoptRow(childSchema, row)
			if err != nil {
				return err
			}
			grouped[owner] = append(grouped[owner], KeyRef(entry.Record().Key()))
		}
		for id, entry := range byID {
			refs := grouped[id]
			if refs == nil {
				refs = []any{}
			}
			entry.Record().Set(plan.Path, refs)
		}
	}
	return nil
}
