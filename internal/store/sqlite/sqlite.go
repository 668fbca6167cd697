// Package sqlite implements store.Transactor on SQLite via mattn/go-sqlite3.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/roach88/rowhooks/internal/querysql"
	"github.com/roach88/rowhooks/internal/record"
	"github.com/roach88/rowhooks/internal/schema"
	"github.com/roach88/rowhooks/internal/selector"
	"github.com/roach88/rowhooks/internal/store"
)

// Store is a SQLite-backed record store with real transactions.
type Store struct {
	db       *sql.DB
	compiler *querysql.Compiler
	exec     *executor
}

var (
	_ store.Transactor = (*Store)(nil)
	_ store.Store      = (*executor)(nil)
)

// Open creates or opens a SQLite database at the given path.
// Use ":memory:" for a private in-memory database.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time. A single connection also
	// keeps ":memory:" databases alive across calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	c := querysql.NewCompiler(querysql.SQLite)
	return &Store{db: db, compiler: c, exec: &executor{q: db, c: c}}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// EnsureTable creates the table described by t if it does not exist.
// Existing tables are never altered.
func (s *Store) EnsureTable(ctx context.Context, t *schema.Table) error {
	ddl, err := s.compiler.CreateTable(t)
	if err != nil {
		return fmt.Errorf("ensure table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure table %s: %w", t.QualifiedName(), err)
	}
	return nil
}

func (s *Store) InsertRows(ctx context.Context, t *schema.Table, rows ...record.Row) ([]record.Row, error) {
	return s.exec.InsertRows(ctx, t, rows...)
}

func (s *Store) UpdateRows(ctx context.Context, t *schema.Table, sel selector.Predicate, patch record.Row) ([]record.Row, error) {
	return s.exec.UpdateRows(ctx, t, sel, patch)
}

func (s *Store) DeleteRows(ctx context.Context, t *schema.Table, sel selector.Predicate) error {
	return s.exec.DeleteRows(ctx, t, sel)
}

func (s *Store) SelectOne(ctx context.Context, t *schema.Table, sel selector.Predicate) (record.Row, bool, error) {
	return s.exec.SelectOne(ctx, t, sel)
}

func (s *Store) SelectRows(ctx context.Context, t *schema.Table, sel selector.Predicate) ([]record.Row, error) {
	return s.exec.SelectRows(ctx, t, sel)
}

// RunInTransaction runs fn inside a transaction. fn's error is returned
// unchanged after the rollback.
func (s *Store) RunInTransaction(ctx context.Context, fn store.TxFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if err := fn(ctx, &executor{q: tx, c: s.compiler}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// executor runs compiled statements against a connection or transaction.
type executor struct {
	q queryer
	c *querysql.Compiler
}

func (e *executor) InsertRows(ctx context.Context, t *schema.Table, rows ...record.Row) ([]record.Row, error) {
	stmt, err := e.c.Insert(t, rows...)
	if err != nil {
		return nil, err
	}
	out, err := e.query(ctx, t, stmt)
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", t.QualifiedName(), mapError(err))
	}
	return out, nil
}

func (e *executor) UpdateRows(ctx context.Context, t *schema.Table, sel selector.Predicate, patch record.Row) ([]record.Row, error) {
	stmt, err := e.c.Update(t, sel, patch)
	if err != nil {
		return nil, err
	}
	out, err := e.query(ctx, t, stmt)
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", t.QualifiedName(), mapError(err))
	}
	return out, nil
}

func (e *executor) DeleteRows(ctx context.Context, t *schema.Table, sel selector.Predicate) error {
	stmt, err := e.c.Delete(t, sel)
	if err != nil {
		return err
	}
	if _, err := e.q.ExecContext(ctx, stmt.SQL, stmt.Params...); err != nil {
		return fmt.Errorf("delete %s: %w", t.QualifiedName(), mapError(err))
	}
	return nil
}

func (e *executor) SelectOne(ctx context.Context, t *schema.Table, sel selector.Predicate) (record.Row, bool, error) {
	stmt, err := e.c.SelectOne(t, sel)
	if err != nil {
		return nil, false, err
	}
	rows, err := e.query(ctx, t, stmt)
	if err != nil {
		return nil, false, fmt.Errorf("select %s: %w", t.QualifiedName(), err)
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return rows[0], true, nil
}

func (e *executor) SelectRows(ctx context.Context, t *schema.Table, sel selector.Predicate) ([]record.Row, error) {
	stmt, err := e.c.Select(t, sel)
	if err != nil {
		return nil, err
	}
	rows, err := e.query(ctx, t, stmt)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", t.QualifiedName(), err)
	}
	return rows, nil
}

func (e *executor) query(ctx context.Context, t *schema.Table, stmt querysql.Statement) ([]record.Row, error) {
	rows, err := e.q.QueryContext(ctx, stmt.SQL, stmt.Params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []record.Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		row, err := e.c.DecodeRow(t, cols, values)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// mapError wraps primary-key and unique violations with store.ErrDuplicateKey.
func mapError(err error) error {
	var serr sqlite3.Error
	if errors.As(err, &serr) &&
		(serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || serr.ExtendedCode == sqlite3.ErrConstraintUnique) {
		return fmt.Errorf("%w: %v", store.ErrDuplicateKey, err)
	}
	return err
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
