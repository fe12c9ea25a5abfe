// Package sqlite provides a SQLite-backed query executor. Each entity type
// maps to one table of JSON payload rows with a separate version column, so
// version-conditional updates ride a single statement.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"sessioncore/pkg/persist"
)

// Compile-time contract assertion.
var _ persist.Executor = (*Store)(nil)

// Store executes descriptors against a SQLite database file.
type Store struct {
	db      *sql.DB
	schemas *persist.SchemaSet
	path    string
}

// NewStore opens (creating when absent) the database file and ensures one
// table per registered schema.
func NewStore(path string, schemas *persist.SchemaSet) (*Store, error) {
	if path == "" {
		path = "sessioncore.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	s := &Store{db: db, schemas: schemas, path: path}
	for _, t := range schemas.Types() {
		schema, _ := schemas.Lookup(t)
		ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			version INTEGER NOT NULL,
			payload BLOB NOT NULL
		)`, schema.Table)
		if _, err := db.Exec(ddl); err != nil {
			return nil, fmt.Errorf("create table %s: %w", schema.Table, err)
		}
	}
	return s, nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Acquire checks a dedicated connection out of the pool.
func (s *Store) Acquire(ctx context.Context) (persist.Conn, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire sqlite conn: %w", err)
	}
	return conn, nil
}

// Release returns a connection to the pool.
func (s *Store) Release(handle persist.Conn) error {
	conn, ok := handle.(*sql.Conn)
	if !ok {
		return fmt.Errorf("release: foreign connection handle")
	}
	return conn.Close()
}

func (s *Store) tableFor(t persist.EntityType) (string, error) {
	schema, ok := s.schemas.Lookup(t)
	if !ok {
		return "", fmt.Errorf("no schema registered for %s", t)
	}
	return schema.Table, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// Execute translates a query descriptor to SQL. Association predicates and
// join conditions address payload fields through json_extract.
func (s *Store) Execute(ctx context.Context, q persist.Query) ([]persist.Row, error) {
	table, err := s.tableFor(q.Type)
	if err != nil {
		return nil, err
	}
	// An empty predicate set matches nothing; emitting "IN ()" would not parse.
	if (q.Keys != nil && len(q.Keys) == 0) || (q.In != nil && len(q.In.Values) == 0) {
		return nil, nil
	}

	cols := []string{"r.id", "r.version", "r.payload"}
	joinSQL := make([]string, 0, len(q.Joins))
	joinTables := make([]string, 0, len(q.Joins))
	for i, join := range q.Joins {
		target, err := s.tableFor(join.Target)
		if err != nil {
			return nil, err
		}
		alias := fmt.Sprintf("j%d", i)
		joinTables = append(joinTables, target)
		cols = append(cols, alias+".id", alias+".version", alias+".payload")
		if join.ToMany {
			joinSQL = append(joinSQL, fmt.Sprintf(
				"LEFT JOIN %s %s ON json_extract(%s.payload,'$.%s') = r.id",
				target, alias, alias, join.ForeignKey))
		} else {
			joinSQL = append(joinSQL, fmt.Sprintf(
				"LEFT JOIN %s %s ON %s.id = json_extract(r.payload,'$.%s')",
				target, alias, alias, join.ForeignKey))
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %s r", strings.Join(cols, ", "), table)
	for _, j := range joinSQL {
		sb.WriteString(" ")
		sb.WriteString(j)
	}
	args := make([]any, 0)
	switch {
	case q.Keys != nil:
		fmt.Fprintf(&sb, " WHERE r.id IN (%s)", placeholders(len(q.Keys)))
		for _, id := range q.Keys {
			args = append(args, id)
		}
	case q.In != nil:
		fmt.Fprintf(&sb, " WHERE json_extract(r.payload,'$.%s') IN (%s)", q.In.Field, placeholders(len(q.In.Values)))
		for _, v := range q.In.Values {
			args = append(args, v)
		}
	}
	sb.WriteString(" ORDER BY r.id")

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	var out []persist.Row
	for rows.Next() {
		dest := make([]any, 0, len(cols))
		var id string
		var version int64
		var payload []byte
		dest = append(dest, &id, &version, &payload)
		childIDs := make([]sql.NullString, len(q.Joins))
		childVersions := make([]sql.NullInt64, len(q.Joins))
		childPayloads := make([][]byte, len(q.Joins))
		for i := range q.Joins {
			dest = append(dest, &childIDs[i], &childVersions[i], &childPayloads[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		row, err := decodeRow(id, version, payload)
		if err != nil {
			return nil, fmt.Errorf("decode %s row %s: %w", table, id, err)
		}
		for i, join := range q.Joins {
			if !childIDs[i].Valid {
				continue
			}
			child, err := decodeRow(childIDs[i].String, childVersions[i].Int64, childPayloads[i])
			if err != nil {
				return nil, fmt.Errorf("decode %s join row %s: %w", joinTables[i], childIDs[i].String, err)
			}
			row.Joined = append(row.Joined, persist.JoinedRow{Assoc: join.Assoc, Type: join.Target, Row: child})
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", table, err)
	}
	return out, nil
}

func decodeRow(id string, version int64, payload []byte) (persist.Row, error) {
	fields := make(map[string]any)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &fields); err != nil {
			return persist.Row{}, err
		}
	}
	return persist.Row{ID: id, Version: persist.VersionStamp(version), Fields: fields}, nil
}

// ExecuteWrite translates a statement descriptor to a single SQL statement.
// Updates merge the delta into the stored payload via json_patch, and the
// version predicate plus its increment ride in the same statement.
func (s *Store) ExecuteWrite(ctx context.Context, stmt persist.Statement) (int64, error) {
	table, err := s.tableFor(stmt.Type)
	if err != nil {
		return 0, err
	}

	switch stmt.Kind {
	case persist.StatementInsert:
		payload, err := json.Marshal(stmt.Fields)
		if err != nil {
			return 0, fmt.Errorf("encode %s payload: %w", table, err)
		}
		version := persist.VersionStamp(1)
		if stmt.Version != nil && stmt.Version.Next > 0 {
			version = stmt.Version.Next
		}
		res, err := s.db.ExecContext(ctx,
			fmt.Sprintf("INSERT INTO %s(id,version,payload) VALUES(?,?,?)", table),
			stmt.Key, int64(version), payload)
		if err != nil {
			return 0, fmt.Errorf("insert %s: %w", table, err)
		}
		return res.RowsAffected()

	case persist.StatementUpdate:
		patch, err := json.Marshal(stmt.Fields)
		if err != nil {
			return 0, fmt.Errorf("encode %s patch: %w", table, err)
		}
		query := fmt.Sprintf("UPDATE %s SET payload=json_patch(payload,?)", table)
		args := []any{patch}
		if stmt.Version != nil {
			query += ", version=? WHERE id=? AND version=?"
			args = append(args, int64(stmt.Version.Next), stmt.Key, int64(stmt.Version.Expected))
		} else {
			query += " WHERE id=?"
			args = append(args, stmt.Key)
		}
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, fmt.Errorf("update %s: %w", table, err)
		}
		return res.RowsAffected()

	case persist.StatementDelete:
		query := fmt.Sprintf("DELETE FROM %s WHERE id=?", table)
		args := []any{stmt.Key}
		if stmt.Version != nil {
			query += " AND version=?"
			args = append(args, int64(stmt.Version.Expected))
		}
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, fmt.Errorf("delete %s: %w", table, err)
		}
		return res.RowsAffected()
	}
	return 0, fmt.Errorf("unknown statement kind %q", stmt.Kind)
}
