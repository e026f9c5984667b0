// Package sqlengine wraps the embedded SQL engine that holds a logical
// database's working copy and runs statement sequences against it.
package sqlengine

import (
	"context"

	"github.com/leapstack-labs/sqltrainer/pkg/core"
)

// Database is an open embedded database.
type Database interface {
	// Exec runs every statement of sql and returns the results of the
	// statements that produced at least one row.
	Exec(ctx context.Context, sql string) ([]core.StatementResult, error)

	// IterateStatements prepares the statements of sql one at a time.
	IterateStatements(sql string) Statements

	// RowsModified returns the rows changed by the most recent
	// INSERT, UPDATE or DELETE.
	RowsModified(ctx context.Context) (int64, error)

	// Export serializes the whole database into a definition image.
	Export(ctx context.Context) ([]byte, error)

	// Close releases the database. Calling Close twice is a no-op.
	Close() error
}

// Statements is a lazy sequence of prepared statements.
type Statements interface {
	// Next prepares and starts the next statement. It returns io.EOF when
	// the sequence is exhausted and a *core.StatementError when the
	// statement cannot be prepared or its first step fails.
	Next(ctx context.Context) (Statement, error)

	// Remaining returns the unconsumed part of the script.
	Remaining() string
}

// Statement is one prepared statement.
type Statement interface {
	// SQL returns the raw text attributed to the statement.
	SQL() string
	// ModifiesRows reports whether the normalized statement starts with
	// INSERT, UPDATE or DELETE.
	ModifiesRows() bool
	Columns() []string
	// Step advances to the next row.
	Step() (bool, error)
	Row() ([]any, error)
	// Close releases the statement handle.
	Close() error
}

// Opener creates a Database from a definition image. A nil or empty
// definition yields an empty database.
type Opener func(ctx context.Context, definition []byte) (Database, error)
