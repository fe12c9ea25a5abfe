package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"

	"sessioncore/pkg/persist"
)

var stubSeq uint64

// stubConn records statements and serves programmed query results, so store
// behavior is testable without a running Postgres.
type stubConn struct {
	execs    []string
	args     [][]driver.NamedValue
	failPing bool
	failExec bool

	queryCols []string
	queryRows [][]driver.Value
}

func newStubDB(t *testing.T) (*sql.DB, *stubConn) {
	t.Helper()
	conn := &stubConn{}
	name := fmt.Sprintf("stubpg%d", atomic.AddUint64(&stubSeq, 1))
	sql.Register(name, &stubDriver{conn: conn})
	db, err := sql.Open(name, "stub")
	if err != nil {
		t.Fatalf("open stub: %v", err)
	}
	return db, conn
}

type stubDriver struct {
	conn *stubConn
}

func (d *stubDriver) Open(string) (driver.Conn, error) { return d.conn, nil }

func (c *stubConn) Prepare(string) (driver.Stmt, error) { return nil, fmt.Errorf("not implemented") }
func (c *stubConn) Close() error                        { return nil }
func (c *stubConn) Begin() (driver.Tx, error)           { return nil, fmt.Errorf("not implemented") }

func (c *stubConn) Ping(context.Context) error {
	if c.failPing {
		return fmt.Errorf("ping fail")
	}
	return nil
}

func (c *stubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.execs = append(c.execs, query)
	c.args = append(c.args, args)
	if c.failExec {
		return nil, fmt.Errorf("exec fail")
	}
	return driver.RowsAffected(1), nil
}

func (c *stubConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.execs = append(c.execs, query)
	c.args = append(c.args, args)
	return &stubRows{cols: c.queryCols, rows: c.queryRows}, nil
}

type stubRows struct {
	cols []string
	rows [][]driver.Value
	pos  int
}

func (r *stubRows) Columns() []string { return r.cols }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.pos >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.pos])
	r.pos++
	return nil
}

func testSchemas(t *testing.T) *persist.SchemaSet {
	t.Helper()
	set := persist.NewSchemaSet()
	set.MustRegister(persist.Schema{Type: "order", Table: "orders", Fields: []persist.FieldSpec{{Name: "total"}, {Name: "customer_id"}}})
	set.MustRegister(persist.Schema{Type: "customer", Table: "customers", Fields: []persist.FieldSpec{{Name: "name"}}})
	return set
}

func newStubStore(t *testing.T) (*Store, *stubConn) {
	t.Helper()
	db, conn := newStubDB(t)
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	t.Cleanup(restore)
	store, err := NewStore("", testSchemas(t))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store, conn
}

func TestNewStoreAppliesDDL(t *testing.T) {
	_, conn := newStubStore(t)
	var created int
	for _, q := range conn.execs {
		if strings.HasPrefix(strings.TrimSpace(q), "CREATE TABLE IF NOT EXISTS") {
			created++
		}
	}
	if created != 2 {
		t.Fatalf("expected one DDL statement per schema, got %d: %v", created, conn.execs)
	}
}

func TestNewStoreOpenError(t *testing.T) {
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) {
		return nil, fmt.Errorf("open fail")
	})
	defer restore()
	if _, err := NewStore("", testSchemas(t)); err == nil || !strings.Contains(err.Error(), "open fail") {
		t.Fatalf("expected open error, got %v", err)
	}
}

func TestNewStorePingError(t *testing.T) {
	db, conn := newStubDB(t)
	conn.failPing = true
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	defer restore()
	if _, err := NewStore("ignored", testSchemas(t)); err == nil || !strings.Contains(err.Error(), "ping") {
		t.Fatalf("expected ping error, got %v", err)
	}
}

func TestExecuteWriteStatementShapes(t *testing.T) {
	store, conn := newStubStore(t)
	ctx := context.Background()
	ddlStatements := len(conn.execs)

	if _, err := store.ExecuteWrite(ctx, persist.Statement{
		Kind:    persist.StatementInsert,
		Type:    "order",
		Key:     "7",
		Fields:  map[string]any{"total": 10.0},
		Version: &persist.VersionPredicate{Next: 1},
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	insert := conn.execs[ddlStatements]
	if !strings.HasPrefix(insert, "INSERT INTO orders") {
		t.Fatalf("insert SQL %q", insert)
	}

	if _, err := store.ExecuteWrite(ctx, persist.Statement{
		Kind:    persist.StatementUpdate,
		Type:    "order",
		Key:     "7",
		Fields:  map[string]any{"total": 12.5},
		Version: &persist.VersionPredicate{Expected: 1, Next: 2},
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	update := conn.execs[ddlStatements+1]
	if !strings.Contains(update, "payload = payload || $1::jsonb") {
		t.Fatalf("update must merge via jsonb concatenation: %q", update)
	}
	if !strings.Contains(update, "AND version=$4") {
		t.Fatalf("update must carry the version predicate: %q", update)
	}
	updateArgs := conn.args[ddlStatements+1]
	if len(updateArgs) != 4 || updateArgs[3].Value != int64(1) {
		t.Fatalf("update args %+v", updateArgs)
	}

	if _, err := store.ExecuteWrite(ctx, persist.Statement{
		Kind:    persist.StatementDelete,
		Type:    "order",
		Key:     "7",
		Version: &persist.VersionPredicate{Expected: 2},
	}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	del := conn.execs[ddlStatements+2]
	if !strings.Contains(del, "DELETE FROM orders WHERE id=$1 AND version=$2") {
		t.Fatalf("delete SQL %q", del)
	}
}

func TestExecuteDecodesRows(t *testing.T) {
	store, conn := newStubStore(t)
	conn.queryCols = []string{"id", "version", "payload"}
	conn.queryRows = [][]driver.Value{
		{"7", int64(3), []byte(`{"total":10.5,"customer_id":"c1"}`)},
	}

	rows, err := store.Execute(context.Background(), persist.Query{Type: "order", Keys: []string{"7"}})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows", len(rows))
	}
	if rows[0].ID != "7" || rows[0].Version != 3 {
		t.Fatalf("row header %+v", rows[0])
	}
	if rows[0].Fields["total"] != 10.5 || rows[0].Fields["customer_id"] != "c1" {
		t.Fatalf("row payload %v", rows[0].Fields)
	}

	selects := conn.execs[len(conn.execs)-1]
	if !strings.Contains(selects, "WHERE r.id IN ($1)") {
		t.Fatalf("select SQL %q", selects)
	}
}

func TestExecuteEmptyPredicateSetsSkipSQL(t *testing.T) {
	store, conn := newStubStore(t)
	statements := len(conn.execs)

	rows, err := store.Execute(context.Background(), persist.Query{Type: "order", Keys: []string{}})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if rows != nil {
		t.Fatalf("empty key set must match nothing, got %v", rows)
	}

	rows, err = store.Execute(context.Background(), persist.Query{
		Type: "order",
		In:   &persist.InPredicate{Field: "customer_id"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if rows != nil {
		t.Fatalf("empty IN predicate must match nothing, got %v", rows)
	}
	if len(conn.execs) != statements {
		t.Fatalf("no SQL may be issued for empty predicate sets, got %v", conn.execs[statements:])
	}
}

func TestExecuteJoinSQLUsesPayloadOperators(t *testing.T) {
	store, conn := newStubStore(t)
	conn.queryCols = []string{"id", "version", "payload", "id", "version", "payload"}

	_, err := store.Execute(context.Background(), persist.Query{
		Type: "order",
		Joins: []persist.JoinSpec{
			{Assoc: "customer", Target: "customer", ForeignKey: "customer_id"},
		},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	query := conn.execs[len(conn.execs)-1]
	if !strings.Contains(query, "LEFT JOIN customers j0 ON j0.id = r.payload->>'customer_id'") {
		t.Fatalf("join SQL %q", query)
	}
}

func TestUnknownEntityType(t *testing.T) {
	store, _ := newStubStore(t)
	if _, err := store.Execute(context.Background(), persist.Query{Type: "ghost"}); err == nil {
		t.Fatalf("expected schema error")
	}
}

func TestStoreDBExposesHandle(t *testing.T) {
	store, _ := newStubStore(t)
	if store.DB() == nil {
		t.Fatalf("expected database handle")
	}
}
