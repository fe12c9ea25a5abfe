// Package memory provides an in-memory implementation of the query-executor
// contract used for tests and ephemeral environments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"sessioncore/pkg/persist"
)

// Compile-time contract assertion ensuring the memory store satisfies the
// executor interface.
var _ persist.Executor = (*Store)(nil)

type row struct {
	version persist.VersionStamp
	fields  map[string]any
}

// Stats counts executor activity, mostly for tests asserting exact store
// call counts.
type Stats struct {
	Reads    int
	Writes   int
	Acquires int
	Releases int
	Open     int
}

// Store keeps one table of rows per entity type. Conditional updates are
// atomic under the store mutex, matching the single-statement atomicity a
// real store provides.
type Store struct {
	mu     sync.Mutex
	tables map[persist.EntityType]map[string]row
	conns  map[*conn]struct{}
	stats  Stats
}

type conn struct {
	id int
}

// NewStore constructs an empty in-memory executor.
func NewStore() *Store {
	return &Store{
		tables: make(map[persist.EntityType]map[string]row),
		conns:  make(map[*conn]struct{}),
	}
}

// Seed inserts a row directly, bypassing statement accounting. Intended for
// test fixtures and ephemeral bootstrap data.
func (s *Store) Seed(t persist.EntityType, id string, version persist.VersionStamp, fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table(t)[id] = row{version: version, fields: persist.CloneFields(fields)}
}

// Stats returns a copy of the activity counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Store) table(t persist.EntityType) map[string]row {
	tbl, ok := s.tables[t]
	if !ok {
		tbl = make(map[string]row)
		s.tables[t] = tbl
	}
	return tbl
}

// Acquire hands out a connection token.
func (s *Store) Acquire(_ context.Context) (persist.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &conn{id: s.stats.Acquires + 1}
	s.conns[c] = struct{}{}
	s.stats.Acquires++
	s.stats.Open++
	return c, nil
}

// Release returns a connection token. Releasing an unknown or already
// released token is an error.
func (s *Store) Release(handle persist.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := handle.(*conn)
	if !ok {
		return fmt.Errorf("release: foreign connection handle")
	}
	if _, open := s.conns[c]; !open {
		return fmt.Errorf("release: connection already released")
	}
	delete(s.conns, c)
	s.stats.Releases++
	s.stats.Open--
	return nil
}

// Execute serves reads: primary-key sets, IN predicates, full scans, and
// inline joins with fan-out for to-many paths.
func (s *Store) Execute(_ context.Context, q persist.Query) ([]persist.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Reads++

	tbl := s.table(q.Type)
	ids := make([]string, 0, len(tbl))
	switch {
	case q.Keys != nil:
		for _, id := range q.Keys {
			if _, ok := tbl[id]; ok {
				ids = append(ids, id)
			}
		}
	case q.In != nil:
		wanted := make(map[any]struct{}, len(q.In.Values))
		for _, v := range q.In.Values {
			wanted[v] = struct{}{}
		}
		for id, r := range tbl {
			if _, match := wanted[r.fields[q.In.Field]]; match {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)
	default:
		for id := range tbl {
			ids = append(ids, id)
		}
		sort.Strings(ids)
	}

	out := make([]persist.Row, 0, len(ids))
	for _, id := range ids {
		base := persist.Row{ID: id, Version: tbl[id].version, Fields: persist.CloneFields(tbl[id].fields)}
		out = append(out, s.fanOut(base, q.Joins)...)
	}
	return out, nil
}

// fanOut attaches joined child rows. To-one joins fold into every emitted
// row; to-many joins replicate the root row once per child.
func (s *Store) fanOut(base persist.Row, joins []persist.JoinSpec) []persist.Row {
	rows := []persist.Row{base}
	for _, join := range joins {
		children := s.joinChildren(base, join)
		if join.ToMany {
			if len(children) == 0 {
				continue
			}
			fanned := make([]persist.Row, 0, len(rows)*len(children))
			for _, r := range rows {
				for _, child := range children {
					expanded := r
					expanded.Joined = append(append([]persist.JoinedRow(nil), r.Joined...), child)
					fanned = append(fanned, expanded)
				}
			}
			rows = fanned
			continue
		}
		if len(children) == 1 {
			for i := range rows {
				rows[i].Joined = append(rows[i].Joined, children[0])
			}
		}
	}
	return rows
}

func (s *Store) joinChildren(base persist.Row, join persist.JoinSpec) []persist.JoinedRow {
	target := s.table(join.Target)
	if !join.ToMany {
		id, ok := base.Fields[join.ForeignKey].(string)
		if !ok || id == "" {
			return nil
		}
		child, ok := target[id]
		if !ok {
			return nil
		}
		return []persist.JoinedRow{{
			Assoc: join.Assoc,
			Type:  join.Target,
			Row:   persist.Row{ID: id, Version: child.version, Fields: persist.CloneFields(child.fields)},
		}}
	}

	ids := make([]string, 0)
	for id, child := range target {
		if child.fields[join.ForeignKey] == base.ID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := make([]persist.JoinedRow, 0, len(ids))
	for _, id := range ids {
		child := target[id]
		out = append(out, persist.JoinedRow{
			Assoc: join.Assoc,
			Type:  join.Target,
			Row:   persist.Row{ID: id, Version: child.version, Fields: persist.CloneFields(child.fields)},
		})
	}
	return out
}

// ExecuteWrite serves inserts, updates, and deletes. A version predicate and
// its increment apply atomically under the store mutex.
func (s *Store) ExecuteWrite(_ context.Context, stmt persist.Statement) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Writes++

	tbl := s.table(stmt.Type)
	switch stmt.Kind {
	case persist.StatementInsert:
		if _, exists := tbl[stmt.Key]; exists {
			return 0, fmt.Errorf("insert %s/%s: row already exists", stmt.Type, stmt.Key)
		}
		version := persist.VersionStamp(1)
		if stmt.Version != nil && stmt.Version.Next > 0 {
			version = stmt.Version.Next
		}
		tbl[stmt.Key] = row{version: version, fields: persist.CloneFields(stmt.Fields)}
		return 1, nil

	case persist.StatementUpdate:
		current, exists := tbl[stmt.Key]
		if !exists {
			return 0, nil
		}
		version := current.version
		if stmt.Version != nil {
			if current.version != stmt.Version.Expected {
				return 0, nil
			}
			version = stmt.Version.Next
		}
		merged := persist.CloneFields(current.fields)
		if merged == nil {
			merged = make(map[string]any)
		}
		for k, v := range stmt.Fields {
			merged[k] = v
		}
		tbl[stmt.Key] = row{version: version, fields: merged}
		return 1, nil

	case persist.StatementDelete:
		current, exists := tbl[stmt.Key]
		if !exists {
			return 0, nil
		}
		if stmt.Version != nil && current.version != stmt.Version.Expected {
			return 0, nil
		}
		delete(tbl, stmt.Key)
		return 1, nil
	}
	return 0, fmt.Errorf("unknown statement kind %q", stmt.Kind)
}

// Row returns a stored row's version and fields for assertions.
func (s *Store) Row(t persist.EntityType, id string) (persist.VersionStamp, map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.table(t)[id]
	if !ok {
		return 0, nil, false
	}
	return r.version, persist.CloneFields(r.fields), true
}
