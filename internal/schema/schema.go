// Package schema derives the table, column and foreign-key view of a
// database from its catalog.
package schema

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/leapstack-labs/sqltrainer/pkg/core"
)

// ErrorColumnName names the placeholder column reported for a table whose
// columns could not be read.
const ErrorColumnName = "Error Loading Data"

// Executor runs SQL and returns the results of row-producing statements.
type Executor interface {
	Exec(ctx context.Context, sql string) ([]core.StatementResult, error)
}

// Kind classifies a catalog entry.
type Kind string

// Catalog entry kinds.
const (
	KindTable Kind = "table"
	KindView  Kind = "view"
)

// Column describes one column of a table or view.
type Column struct {
	ID        int64   `json:"id"`
	Name      string  `json:"name"`
	Type      string  `json:"type"`
	AllowNull bool    `json:"allowNull"`
	Default   *string `json:"default"`
	IsPK      bool    `json:"isPK"`
	// ForeignKey is the referenced "table.column", empty when none.
	ForeignKey string `json:"fk,omitempty"`
}

// Table is a table or view with its columns.
type Table struct {
	Name       string   `json:"name"`
	Kind       Kind     `json:"type"`
	Definition string   `json:"definition"`
	Columns    []Column `json:"columns"`
}

type foreignKey struct {
	local   string
	foreign string
}

// Load reads every table and view, sorted by name.
func Load(ctx context.Context, exec Executor) ([]Table, error) {
	results, err := exec.Exec(ctx, `
		SELECT name, type, sql
		FROM sqlite_master
		WHERE type IN ('table','view')
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load table details: %w", err)
	}

	tables := []Table{}
	if len(results) == 0 {
		return tables, nil
	}
	for _, row := range results[0].Values {
		if len(row) < 3 {
			continue
		}
		t := Table{
			Name:       asString(row[0]),
			Kind:       Kind(asString(row[1])),
			Definition: asString(row[2]),
		}
		t.Columns = loadColumns(ctx, exec, t.Name)
		tables = append(tables, t)
	}

	sort.SliceStable(tables, func(i, j int) bool {
		return tables[i].Name < tables[j].Name
	})
	return tables, nil
}

// Names returns the table names in order.
func Names(tables []Table) []string {
	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = t.Name
	}
	return names
}

func loadColumns(ctx context.Context, exec Executor, table string) []Column {
	var fks []foreignKey
	if results, err := exec.Exec(ctx, "PRAGMA foreign_key_list("+quoteIdent(table)+")"); err == nil && len(results) > 0 {
		for _, row := range results[0].Values {
			if len(row) < 5 {
				continue
			}
			fks = append(fks, foreignKey{
				local:   asString(row[3]),
				foreign: asString(row[2]) + "." + asString(row[4]),
			})
		}
	}

	results, err := exec.Exec(ctx, "PRAGMA table_info("+quoteIdent(table)+")")
	if err == nil && len(results) == 0 {
		err = fmt.Errorf("no column information for %s", table)
	}
	if err != nil {
		return []Column{{ID: 1, Name: ErrorColumnName, Type: core.ErrorMessage(err)}}
	}

	columns := make([]Column, 0, len(results[0].Values))
	for _, row := range results[0].Values {
		if len(row) < 6 {
			continue
		}
		col := Column{
			ID:        asInt64(row[0]),
			Name:      asString(row[1]),
			Type:      asString(row[2]),
			AllowNull: asInt64(row[3]) == 0,
			IsPK:      asInt64(row[5]) != 0,
		}
		if row[4] != nil {
			def := asString(row[4])
			col.Default = &def
		}
		for _, fk := range fks {
			if fk.local == col.Name {
				col.ForeignKey = fk.foreign
				break
			}
		}
		columns = append(columns, col)
	}
	return columns
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func asString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}

func asInt64(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	case float64:
		return int64(x)
	case string:
		var n int64
		_, _ = fmt.Sscan(x, &n)
		return n
	}
	return 0
}
