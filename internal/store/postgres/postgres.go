// Package postgres implements store.Transactor on PostgreSQL via a
// jackc/pgx/v5 connection pool.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roach88/rowhooks/internal/querysql"
	"github.com/roach88/rowhooks/internal/record"
	"github.com/roach88/rowhooks/internal/schema"
	"github.com/roach88/rowhooks/internal/selector"
	"github.com/roach88/rowhooks/internal/store"
)

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// Store is a PostgreSQL-backed record store.
type Store struct {
	pool     *pgxpool.Pool
	compiler *querysql.Compiler
	exec     *executor
}

var (
	_ store.Transactor = (*Store)(nil)
	_ store.Store      = (*executor)(nil)
)

// Open connects a pool using a pgx connection string and pings it.
func Open(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return New(pool), nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store {
	c := querysql.NewCompiler(querysql.Postgres)
	return &Store{pool: pool, compiler: c, exec: &executor{q: pool, c: c}}
}

// Close closes the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Pool returns the underlying pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// EnsureTable creates the table described by t if it does not exist.
func (s *Store) EnsureTable(ctx context.Context, t *schema.Table) error {
	ddl, err := s.compiler.CreateTable(t)
	if err != nil {
		return fmt.Errorf("ensure table: %w", err)
	}
	if t.Namespace != "" {
		if _, err := s.pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+querysql.QuoteIdent(t.Namespace)); err != nil {
			return fmt.Errorf("ensure schema %s: %w", t.Namespace, err)
		}
	}
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
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

// RunInTransaction runs fn inside a pgx transaction. fn's error is returned
// unchanged after the rollback.
func (s *Store) RunInTransaction(ctx context.Context, fn store.TxFunc) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // No-op if committed

	if err := fn(ctx, &executor{q: tx, c: s.compiler}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// queryer is satisfied by *pgxpool.Pool and pgx.Tx.
type queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

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
	if _, err := e.q.Exec(ctx, stmt.SQL, stmt.Params...); err != nil {
		return fmt.Errorf("delete %s: %w", t.QualifiedName(), err)
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
	rows, err := e.q.Query(ctx, stmt.SQL, stmt.Params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = f.Name
	}

	var out []record.Row
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
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

// mapError wraps unique violations with store.ErrDuplicateKey.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %v", store.ErrDuplicateKey, err)
	}
	return err
}
