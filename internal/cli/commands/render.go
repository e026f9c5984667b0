package commands

import (
	"fmt"
	"strings"

	"github.com/leapstack-labs/sqltrainer/internal/cli/output"
	"github.com/leapstack-labs/sqltrainer/internal/schema"
	"github.com/leapstack-labs/sqltrainer/internal/workspace"
	"github.com/leapstack-labs/sqltrainer/pkg/core"
)

// queryOutput is the document form of a query for json and yaml output.
type queryOutput struct {
	Index   int                    `json:"index" yaml:"index"`
	Active  bool                   `json:"active" yaml:"active"`
	Text    string                 `json:"text" yaml:"text"`
	Error   string                 `json:"error,omitempty" yaml:"error,omitempty"`
	Results []core.StatementResult `json:"results" yaml:"results"`
}

// renderQuery writes the results of q. Its error is left to the caller.
func renderQuery(r *output.Renderer, index int, q workspace.Query) error {
	results := q.Results
	if results == nil {
		results = []core.StatementResult{}
	}
	done, err := r.Document(queryOutput{Index: index, Active: true, Text: q.Text, Error: q.Error, Results: results})
	if done || err != nil {
		return err
	}

	return renderResults(r, results)
}

// renderResults writes each statement result in turn. Column-less results
// become a rows-modified line.
func renderResults(r *output.Renderer, results []core.StatementResult) error {
	for i, res := range results {
		if i > 0 && r.Mode() == output.ModeTable {
			r.Println()
		}
		if n, ok := res.RowsModified(); ok {
			if n != core.NotApplicable {
				r.Printf("%d rows modified\n", n)
			}
			continue
		}
		if err := r.Table(res.Columns, res.Values); err != nil {
			return err
		}
	}
	return nil
}

// renderTables writes the tables and views of a database, optionally with
// their columns.
func renderTables(r *output.Renderer, tables []schema.Table, columns bool) error {
	if done, err := r.Document(tables); done || err != nil {
		return err
	}

	if !columns {
		rows := make([][]any, len(tables))
		for i, t := range tables {
			rows[i] = []any{t.Name, string(t.Kind), len(t.Columns)}
		}
		return r.Table([]string{"name", "type", "columns"}, rows)
	}

	for i, t := range tables {
		if i > 0 {
			r.Println()
		}
		r.Header(2, fmt.Sprintf("%s (%s)", t.Name, t.Kind))
		rows := make([][]any, len(t.Columns))
		for j, c := range t.Columns {
			rows[j] = []any{c.Name, c.Type, flag(c.IsPK), flag(!c.AllowNull), nullable(c.Default), c.ForeignKey}
		}
		if err := r.Table([]string{"column", "type", "pk", "not null", "default", "references"}, rows); err != nil {
			return err
		}
	}
	return nil
}

// renderQueries lists the queries of d with the active one marked.
func renderQueries(r *output.Renderer, d *workspace.Database) error {
	queries := d.Queries()
	active := d.ActiveQueryIndex()

	docs := make([]queryOutput, len(queries))
	for i, q := range queries {
		docs[i] = queryOutput{Index: i, Active: i == active, Text: q.Text, Error: q.Error, Results: q.Results}
	}
	if done, err := r.Document(docs); done || err != nil {
		return err
	}

	rows := make([][]any, len(queries))
	for i, q := range queries {
		marker := ""
		if i == active {
			marker = "*"
		}
		status := fmt.Sprintf("%d results", len(q.Results))
		if q.Error != "" {
			status = "error"
		}
		rows[i] = []any{marker, i, summarize(q.Text), status}
	}
	return r.Table([]string{"", "index", "sql", "status"}, rows)
}

// summarize shortens sql to its first line.
func summarize(sql string) string {
	const maxLen = 60
	line := strings.TrimSpace(sql)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i]) + " ..."
	}
	if len(line) > maxLen {
		line = line[:maxLen-3] + "..."
	}
	return line
}

func flag(b bool) string {
	if b {
		return "yes"
	}
	return ""
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
