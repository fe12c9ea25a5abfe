package session

import (
	"context"
	"fmt"
	"time"

	"sessioncore/pkg/persist"
)

// ScopeState tracks the transaction scope's lifecycle.
type ScopeState string

const (
	StateNotStarted  ScopeState = "not_started"
	StateActive      ScopeState = "active"
	StateCommitting  ScopeState = "committing"
	StateRollingBack ScopeState = "rolling_back"
	StateClosed      ScopeState = "closed"
)

// Scope owns the lifetime of one identity map and the point at which a store
// connection is acquired and released. A scope and everything it owns are
// single-flow: no internal locking guards concurrent use of one scope.
type Scope struct {
	id      string
	state   ScopeState
	entries *IdentityMap
	conn    persist.Conn
	hasConn bool
}

func newScope(id string) *Scope {
	return &Scope{
		id:      id,
		state:   StateActive,
		entries: NewIdentityMap(),
	}
}

// ID returns the scope identifier used in logs and traces.
func (s *Scope) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Scope) State() ScopeState { return s.state }

// Entries exposes the scope-owned identity map.
func (s *Scope) Entries() *IdentityMap { return s.entries }

// ConnectionAcquired reports whether a store connection is currently held.
func (s *Scope) ConnectionAcquired() bool { return s.hasConn }

func (s *Scope) ensureUsable(op string) error {
	switch s.state {
	case StateActive, StateCommitting:
		return nil
	default:
		return persist.ScopeClosedError{Op: op}
	}
}

// acquire obtains the store connection lazily: not at scope entry, but at the
// first operation that actually touches the store.
func (s *Scope) acquire(ctx context.Context, exec Executor) error {
	if s.hasConn {
		return nil
	}
	conn, err := exec.Acquire(ctx)
	if err != nil {
		return persist.StoreError{Op: "acquire connection", Err: err}
	}
	s.conn = conn
	s.hasConn = true
	return nil
}

// release returns the connection exactly once.
func (s *Scope) release(exec Executor) error {
	if !s.hasConn {
		return nil
	}
	s.hasConn = false
	conn := s.conn
	s.conn = nil
	if err := exec.Release(conn); err != nil {
		return persist.StoreError{Op: "release connection", Err: err}
	}
	return nil
}

// ScopeStats aggregates per-scope counters feeding observability and the
// N+1 detector.
type ScopeStats struct {
	Loads        int
	Queries      int
	StoreReads   int
	StoreWrites  int
	FlushInserts int
	FlushUpdates int
	FlushDeletes int
}

// Context is the persistence context: it routes load, save, and delete
// requests, applies identity-map deduplication, resolves proxies, and drives
// the dirty-check flush through the external executor.
type Context struct {
	factory  *Factory
	scope    *Scope
	proxies  *ProxyManager
	planner  *FetchPlanner
	dirty    DirtyChecker
	versions *VersionLockManager
	detector *NPlusOneDetector

	insertOrder []EntityKey
	stats       ScopeStats
}

func newContext(f *Factory, scopeID string) *Context {
	c := &Context{
		factory:  f,
		scope:    newScope(scopeID),
		planner:  NewFetchPlanner(f.schemas),
		versions: NewVersionLockManager(f.exec),
	}
	c.detector = newNPlusOneDetector(f.nPlusOneThreshold, f.logger, f.suspectHook)
	c.proxies = newProxyManager(c, c.detector.recordResolution)
	return c
}

// Scope returns the owning transaction scope.
func (c *Context) Scope() *Scope { return c.scope }

// Stats returns a copy of the per-scope counters.
func (c *Context) Stats() ScopeStats { return c.stats }

// ResolutionCounts returns the detector's per-path proxy resolution counters.
func (c *Context) ResolutionCounts() map[string]int { return c.detector.Counts() }

func (c *Context) observe(ctx context.Context, op string) func(error) {
	start := time.Now()
	_, span := c.factory.tracer.Start(ctx, op)
	return func(err error) {
		span.End(err)
		c.factory.metrics.Observe(ctx, op, err == nil, time.Since(start))
	}
}

func (c *Context) schemaFor(t EntityType) (Schema, error) {
	schema, ok := c.factory.schemas.Lookup(t)
	if !ok {
		return Schema{}, fmt.Errorf("entity type %s: schema not registered", t)
	}
	return schema, nil
}

// Load returns the record for the key, reusing the in-scope instance when the
// key was already loaded. A store query is issued only on first load.
func (c *Context) Load(ctx context.Context, key EntityKey) (record *Record, err error) {
	done := c.observe(ctx, "load")
	defer func() { done(err) }()

	if err = c.scope.ensureUsable("load"); err != nil {
		return nil, err
	}
	if entry, ok := c.scope.entries.Get(key); ok {
		if entry.Status() == StatusRemoved {
			return nil, persist.NotFoundError{Key: key}
		}
		return entry.Record(), nil
	}
	entry, err := c.fetchOne(ctx, key)
	if err != nil {
		return nil, err
	}
	c.stats.Loads++
	return entry.Record(), nil
}

// LoadBatch loads several keys of one type in a single store query,
// returning records in key order. Keys already managed in-scope are served
// from the identity map.
func (c *Context) LoadBatch(ctx context.Context, t EntityType, ids []string) (records []*Record, err error) {
	done := c.observe(ctx, "load_batch")
	defer func() { done(err) }()

	if err = c.scope.ensureUsable("load_batch"); err != nil {
		return nil, err
	}
	schema, err := c.schemaFor(t)
	if err != nil {
		return nil, err
	}

	missing := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := c.scope.entries.Get(EntityKey{Type: t, ID: id}); !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		rows, qErr := c.execute(ctx, persist.Query{Type: t, Keys: missing})
		if qErr != nil {
			return nil, qErr
		}
		for _, row := range rows {
			if _, aErr := c.adoptRow(schema, row); aErr != nil {
				return nil, aErr
			}
		}
	}

	records = make([]*Record, 0, len(ids))
	for _, id := range ids {
		entry, ok := c.scope.entries.Get(EntityKey{Type: t, ID: id})
		if !ok {
			return nil, persist.NotFoundError{Key: EntityKey{Type: t, ID: id}}
		}
		records = append(records, entry.Record())
		c.stats.Loads++
	}
	return records, nil
}

// Save registers a new record for insertion at flush. The entry joins the
// identity map immediately; saving a key already managed in this scope is a
// duplicate-load bug.
func (c *Context) Save(ctx context.Context, record *Record) (err error) {
	done := c.observe(ctx, "save")
	defer func() { done(err) }()

	if err = c.scope.ensureUsable("save"); err != nil {
		return err
	}
	key := record.Key()
	if key.IsZero() {
		return fmt.Errorf("save: record carries no entity key")
	}
	if _, err = c.schemaFor(key.Type); err != nil {
		return err
	}
	if err = c.scope.entries.Put(key, newPendingEntry(record)); err != nil {
		return err
	}
	c.insertOrder = append(c.insertOrder, key)
	return nil
}

// Delete marks the managed entry for deletion at flush. The record must be
// managed in this scope.
func (c *Context) Delete(ctx context.Context, key EntityKey) (err error) {
	done := c.observe(ctx, "delete")
	defer func() { done(err) }()

	if err = c.scope.ensureUsable("delete"); err != nil {
		return err
	}
	entry, ok := c.scope.entries.Get(key)
	if !ok {
		return persist.NotFoundError{Key: key}
	}
	entry.markRemoved()
	return nil
}

// Resolve loads the referenced record, deferring to the proxy manager for
// lazy handles. Resolved references are served from the identity map with no
// store call.
func (c *Context) Resolve(ctx context.Context, ref Reference) (*Record, error) {
	switch h := ref.(type) {
	case *ProxyHandle:
		return c.proxies.Resolve(ctx, h)
	case nil:
		return nil, fmt.Errorf("resolve: nil reference")
	default:
		return c.Load(ctx, ref.TargetKey())
	}
}

// ResolveCollection returns the records of a to-many association, resolving
// a lazy collection handle on first access.
func (c *Context) ResolveCollection(ctx context.Context, record *Record, path string) ([]*Record, error) {
	schema, err := c.schemaFor(record.Key().Type)
	if err != nil {
		return nil, err
	}
	assoc, ok := schema.Association(path)
	if !ok || assoc.Cardinality != ToMany {
		return nil, fmt.Errorf("resolve collection: %s has no to-many association %q", record.Key().Type, path)
	}
	switch v := record.Get(path).(type) {
	case *CollectionHandle:
		return c.proxies.ResolveCollection(ctx, v)
	case []any:
		out := make([]*Record, 0, len(v))
		for _, item := range v {
			ref, ok := item.(Reference)
			if !ok {
				return nil, fmt.Errorf("resolve collection: %s.%s holds a non-reference element", record.Key().Type, path)
			}
			rec, err := c.Resolve(ctx, ref)
			if err != nil {
				return nil, err
			}
			out = append(out, rec)
		}
		return out, nil
	case nil:
		handle := c.proxies.CreateCollection(record.Key(), assoc)
		record.Set(path, handle)
		return c.proxies.ResolveCollection(ctx, handle)
	default:
		return nil, fmt.Errorf("resolve collection: %s.%s holds an unexpected value", record.Key().Type, path)
	}
}

// execute is the single read funnel: it acquires the connection lazily and
// wraps executor failures. A store failure here leaves the scope
// rollback-only: the identity map can no longer be trusted to reflect the
// store, so every later operation is refused until Rollback.
func (c *Context) execute(ctx context.Context, q persist.Query) ([]persist.Row, error) {
	if err := c.scope.acquire(ctx, c.factory.exec); err != nil {
		c.scope.state = StateRollingBack
		return nil, err
	}
	rows, err := c.factory.exec.Execute(ctx, q)
	if err != nil {
		c.scope.state = StateRollingBack
		return nil, persist.StoreError{Op: "execute", Err: err}
	}
	c.stats.StoreReads++
	return rows, nil
}

func (c *Context) fetchOne(ctx context.Context, key EntityKey) (*EntityEntry, error) {
	schema, err := c.schemaFor(key.Type)
	if err != nil {
		return nil, err
	}
	rows, err := c.execute(ctx, persist.Query{Type: key.Type, Keys: []string{key.ID}})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, persist.NotFoundError{Key: key}
	}
	return c.adoptRow(schema, rows[0])
}

// adoptRow materializes a row into the identity map, honoring the identity
// invariant: if the key is already managed, the existing entry wins and the
// row is discarded.
func (c *Context) adoptRow(schema Schema, row persist.Row) (*EntityEntry, error) {
	key := EntityKey{Type: schema.Type, ID: row.ID}
	if entry, ok := c.scope.entries.Get(key); ok {
		return entry, nil
	}
	record := c.materialize(schema, key, row)
	entry := newLoadedEntry(record, row.Version)
	if err := c.scope.entries.Put(key, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// materialize maps a store row to a record: value fields pass through,
// to-one foreign keys become references (proxies when the target is not yet
// managed), and to-many paths start as lazy collection handles.
func (c *Context) materialize(schema Schema, key EntityKey, row persist.Row) *Record {
	fields := persist.CloneFields(row.Fields)
	if fields == nil {
		fields = make(map[string]any)
	}
	delete(fields, schema.VersionField)
	for _, assoc := range schema.Associations {
		switch assoc.Cardinality {
		case ToOne:
			raw, ok := fields[assoc.ForeignKey]
			delete(fields, assoc.ForeignKey)
			id, isString := raw.(string)
			if !ok || !isString || id == "" {
				fields[assoc.Name] = nil
				continue
			}
			target := EntityKey{Type: assoc.Target, ID: id}
			if _, managed := c.scope.entries.Get(target); managed {
				fields[assoc.Name] = KeyRef(target)
			} else {
				fields[assoc.Name] = c.proxies.CreateProxy(target, assoc.Name)
			}
		case ToMany:
			fields[assoc.Name] = c.proxies.CreateCollection(key, assoc)
		}
	}
	return persist.NewRecord(key, fields)
}

// loadForProxy implements recordLoader: one store call on first access,
// served from the identity map when the target is already managed.
func (c *Context) loadForProxy(ctx context.Context, key EntityKey) (*Record, error) {
	if err := c.scope.ensureUsable("resolve"); err != nil {
		return nil, err
	}
	if entry, ok := c.scope.entries.Get(key); ok {
		return entry.Record(), nil
	}
	entry, err := c.fetchOne(ctx, key)
	if err != nil {
		return nil, err
	}
	return entry.Record(), nil
}

// loadCollection implements recordLoader for to-many paths: one query over
// the owning key's foreign-key column.
func (c *Context) loadCollection(ctx context.Context, owner EntityKey, assoc persist.AssociationSpec) ([]*Record, error) {
	if err := c.scope.ensureUsable("resolve"); err != nil {
		return nil, err
	}
	schema, err := c.schemaFor(assoc.Target)
	if err != nil {
		return nil, err
	}
	rows, err := c.execute(ctx, persist.Query{
		Type: assoc.Target,
		In:   &persist.InPredicate{Field: assoc.ForeignKey, Values: []string{owner.ID}},
	})
	if err != nil {
		return nil, err
	}
	out := make([]*Record, 0, len(rows))
	for _, row := range rows {
		entry, err := c.adoptRow(schema, row)
		if err != nil {
			return nil, err
		}
		out = append(out, entry.Record())
	}
	return out, nil
}
