package testutil

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/rowhooks/internal/schema"
	"github.com/roach88/rowhooks/internal/store/sqlite"
)

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OpenSQLite opens a SQLite store in a temp dir, creates tables, and closes
// the store when the test ends.
func OpenSQLite(t testing.TB, tables ...*schema.Table) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "rows.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	for _, tbl := range tables {
		require.NoError(t, s.EnsureTable(context.Background(), tbl))
	}
	return s
}

// UsersTable is a single-key table with a JSON column.
func UsersTable() *schema.Table {
	return &schema.Table{
		Name: "users",
		Columns: []schema.Column{
			{Name: "id", Type: schema.TypeText},
			{Name: "name", Type: schema.TypeText},
			{Name: "age", Type: schema.TypeInteger},
			{Name: "meta", Type: schema.TypeJSON},
		},
		PrimaryKey: []string{"id"},
	}
}

// MembershipsTable has the composite key (org, user).
func MembershipsTable() *schema.Table {
	return &schema.Table{
		Name: "memberships",
		Columns: []schema.Column{
			{Name: "org", Type: schema.TypeText},
			{Name: "user", Type: schema.TypeText},
			{Name: "role", Type: schema.TypeText},
		},
		PrimaryKey: []string{"org", "user"},
	}
}

// LogTable declares no primary key.
func LogTable() *schema.Table {
	return &schema.Table{
		Name: "log",
		Columns: []schema.Column{
			{Name: "line", Type: schema.TypeText},
			{Name: "level", Type: schema.TypeText},
		},
	}
}
