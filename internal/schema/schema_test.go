package schema

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/sqltrainer/internal/sqlengine"
	"github.com/leapstack-labs/sqltrainer/internal/testutil"
	"github.com/leapstack-labs/sqltrainer/pkg/core"
)

func setupDB(t *testing.T, script string) *sqlengine.SQLite {
	t.Helper()
	db, err := sqlengine.Open(context.Background(), nil, testutil.NewTestLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Exec(context.Background(), script)
	require.NoError(t, err)
	return db
}

func findColumn(t *testing.T, table Table, name string) Column {
	t.Helper()
	for _, c := range table.Columns {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("column %s not found in %s", name, table.Name)
	return Column{}
}

func TestLoad_ShopSchema(t *testing.T) {
	db := setupDB(t, testutil.ShopSchema)

	tables, err := Load(context.Background(), db)
	require.NoError(t, err)
	assert.Equal(t, []string{"big_orders", "customers", "orders"}, Names(tables))

	view := tables[0]
	assert.Equal(t, KindView, view.Kind)
	assert.True(t, strings.HasPrefix(view.Definition, "CREATE VIEW"))
	assert.Len(t, view.Columns, 3)

	customers := tables[1]
	assert.Equal(t, KindTable, customers.Kind)

	tests := []struct {
		table     Table
		column    string
		allowNull bool
		isPK      bool
		fk        string
		def       *string
	}{
		{customers, "id", true, true, "", nil},
		{customers, "name", false, false, "", nil},
		{customers, "email", true, false, "", ptr("'n/a'")},
		{tables[2], "customer_id", false, false, "customers.id", nil},
		{tables[2], "total", true, false, "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.table.Name+"."+tt.column, func(t *testing.T) {
			col := findColumn(t, tt.table, tt.column)
			assert.Equal(t, tt.allowNull, col.AllowNull)
			assert.Equal(t, tt.isPK, col.IsPK)
			assert.Equal(t, tt.fk, col.ForeignKey)
			assert.Equal(t, tt.def, col.Default)
		})
	}
}

func TestLoad_CompositePrimaryKey(t *testing.T) {
	db := setupDB(t, "CREATE TABLE pairs (a INTEGER NOT NULL, b TEXT, c, PRIMARY KEY (a, b));")

	tables, err := Load(context.Background(), db)
	require.NoError(t, err)
	require.Len(t, tables, 1)

	a := findColumn(t, tables[0], "a")
	b := findColumn(t, tables[0], "b")
	c := findColumn(t, tables[0], "c")
	assert.True(t, a.IsPK)
	assert.True(t, b.IsPK)
	assert.False(t, c.IsPK)
	assert.False(t, a.AllowNull)
	assert.True(t, b.AllowNull)
	assert.Equal(t, int64(0), a.ID)
	assert.Equal(t, int64(2), c.ID)
}

func TestLoad_QuotedNames(t *testing.T) {
	db := setupDB(t, `CREATE TABLE "odd ""name""" (x);`)

	tables, err := Load(context.Background(), db)
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, `odd "name"`, tables[0].Name)
	require.Len(t, tables[0].Columns, 1)
	assert.Equal(t, "x", tables[0].Columns[0].Name)
}

func TestLoad_Empty(t *testing.T) {
	db := setupDB(t, "")
	tables, err := Load(context.Background(), db)
	require.NoError(t, err)
	assert.Empty(t, tables)
}

// scriptedExec answers catalog queries from a fixed script.
type scriptedExec struct {
	details []core.StatementResult
	err     error
}

func (s scriptedExec) Exec(_ context.Context, sql string) ([]core.StatementResult, error) {
	switch {
	case strings.Contains(sql, "sqlite_master"):
		return s.details, s.err
	case strings.HasPrefix(sql, "PRAGMA table_info"):
		return nil, &core.StatementError{Err: errors.New("no such table")}
	default:
		return nil, nil
	}
}

func TestLoad_ColumnFailureYieldsPlaceholder(t *testing.T) {
	exec := scriptedExec{details: []core.StatementResult{{
		Columns: []string{"name", "type", "sql"},
		Values:  [][]any{{"ghost", "table", "CREATE TABLE ghost(x)"}},
	}}}

	tables, err := Load(context.Background(), exec)
	require.NoError(t, err)
	require.Len(t, tables, 1)
	require.Len(t, tables[0].Columns, 1)
	assert.Equal(t, ErrorColumnName, tables[0].Columns[0].Name)
	assert.Equal(t, "no such table", tables[0].Columns[0].Type)
}

func TestLoad_DetailsFailure(t *testing.T) {
	_, err := Load(context.Background(), scriptedExec{err: errors.New("closed")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load table details")
}

func ptr(s string) *string { return &s }
