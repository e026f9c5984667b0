package sqlengine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"modernc.org/sqlite"

	"github.com/leapstack-labs/sqltrainer/internal/sqlscript"
	"github.com/leapstack-labs/sqltrainer/pkg/core"
)

// serializer and restorer are implemented by the modernc sqlite driver
// connection.
type serializer interface {
	Serialize() ([]byte, error)
}

type restorer interface {
	NewRestore(srcURI string) (*sqlite.Backup, error)
}

// SQLite is an in-memory sqlite database pinned to a single connection.
type SQLite struct {
	db     *sql.DB
	conn   *sql.Conn
	logger *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// NewOpener returns an Opener producing SQLite databases.
func NewOpener(logger *slog.Logger) Opener {
	return func(ctx context.Context, definition []byte) (Database, error) {
		return Open(ctx, definition, logger)
	}
}

// Open creates an in-memory database and loads definition into it.
func Open(ctx context.Context, definition []byte, logger *slog.Logger) (*SQLite, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// Every pooled connection would get its own private memory database.
	db.SetMaxOpenConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to acquire sqlite connection: %w", err)
	}

	s := &SQLite{db: db, conn: conn, logger: logger}

	if len(definition) > 0 {
		err := conn.Raw(func(driverConn any) error {
			return restore(driverConn, definition)
		})
		if err == nil {
			// Reads the schema of the restored image.
			var n int
			err = conn.QueryRowContext(ctx, "SELECT count(*) FROM sqlite_master").Scan(&n)
		}
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to load definition: %w", err)
		}
	}

	logger.Debug("opened sqlite database", slog.Int("definition_bytes", len(definition)))
	return s, nil
}

// restore copies an image into the connection's main database through a
// temporary file. The driver's Deserialize must not be used: sqlite frees
// its buffer on close with the wrong allocator.
func restore(driverConn any, image []byte) (err error) {
	r, ok := driverConn.(restorer)
	if !ok {
		return fmt.Errorf("sqlite driver does not support restore")
	}

	f, err := os.CreateTemp("", "sqltrainer-*.db")
	if err != nil {
		return fmt.Errorf("failed to create image file: %w", err)
	}
	path := f.Name()
	defer func() { _ = os.Remove(path) }()

	_, err = f.Write(image)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write image file: %w", err)
	}

	backup, err := r.NewRestore(path)
	if err != nil {
		return fmt.Errorf("failed to start restore: %w", err)
	}
	_, err = backup.Step(-1)
	if ferr := backup.Finish(); err == nil {
		err = ferr
	}
	return err
}

// Exec runs every statement of sqlText and keeps the results of the
// statements that returned rows.
func (s *SQLite) Exec(ctx context.Context, sqlText string) ([]core.StatementResult, error) {
	results := []core.StatementResult{}
	stmts := s.IterateStatements(sqlText)
	for index := 0; ; index++ {
		stmt, err := stmts.Next(ctx)
		if errors.Is(err, io.EOF) {
			return results, nil
		}
		if err != nil {
			return results, withIndex(err, index, results)
		}

		result, err := collectRows(stmt)
		_ = stmt.Close()
		if err != nil {
			return results, &core.StatementError{Index: index, Statement: stmt.SQL(), Err: err, Results: results}
		}
		if len(result.Values) > 0 {
			results = append(results, result)
		}
	}
}

// IterateStatements prepares the statements of sqlText lazily.
func (s *SQLite) IterateStatements(sqlText string) Statements {
	return &sqliteStatements{conn: s.conn, it: sqlscript.Iterate(sqlText)}
}

// RowsModified returns the sqlite changes() counter.
func (s *SQLite) RowsModified(ctx context.Context) (int64, error) {
	var n int64
	if err := s.conn.QueryRowContext(ctx, "SELECT changes()").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to read rows modified: %w", err)
	}
	return n, nil
}

// Export serializes the database image.
func (s *SQLite) Export(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var image []byte
	err := s.conn.Raw(func(driverConn any) error {
		ser, ok := driverConn.(serializer)
		if !ok {
			return fmt.Errorf("sqlite driver does not support serialize")
		}
		var err error
		image, err = ser.Serialize()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to export database: %w", err)
	}
	return image, nil
}

// Close releases the connection and the database.
func (s *SQLite) Close() error {
	s.closeOnce.Do(func() {
		s.logger.Debug("closing sqlite database")
		s.closeErr = errors.Join(s.conn.Close(), s.db.Close())
	})
	return s.closeErr
}

type sqliteStatements struct {
	conn *sql.Conn
	it   *sqlscript.Iterator
}

func (ss *sqliteStatements) Next(ctx context.Context) (Statement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ss.it.Next() {
		return nil, io.EOF
	}
	stmt := ss.it.Statement()

	//nolint:rowserrcheck // rows.Err() is checked in Step
	rows, err := ss.conn.QueryContext(ctx, stmt.SQL())
	if err != nil {
		return nil, &core.StatementError{Statement: stmt.SQL(), Err: err}
	}
	columns, err := rows.Columns()
	if err != nil {
		_ = rows.Close()
		return nil, &core.StatementError{Statement: stmt.SQL(), Err: err}
	}

	return &sqliteStatement{stmt: stmt, rows: rows, columns: columns}, nil
}

func (ss *sqliteStatements) Remaining() string {
	return ss.it.Remaining()
}

type sqliteStatement struct {
	stmt    sqlscript.Statement
	rows    *sql.Rows
	columns []string
}

func (st *sqliteStatement) SQL() string        { return st.stmt.Raw }
func (st *sqliteStatement) ModifiesRows() bool { return st.stmt.ModifiesRows() }
func (st *sqliteStatement) Columns() []string  { return st.columns }

func (st *sqliteStatement) Step() (bool, error) {
	if st.rows.Next() {
		return true, nil
	}
	return false, st.rows.Err()
}

func (st *sqliteStatement) Row() ([]any, error) {
	values := make([]any, len(st.columns))
	dest := make([]any, len(st.columns))
	for i := range values {
		dest[i] = &values[i]
	}
	if err := st.rows.Scan(dest...); err != nil {
		return nil, fmt.Errorf("failed to scan row: %w", err)
	}
	return values, nil
}

func (st *sqliteStatement) Close() error {
	return st.rows.Close()
}

// collectRows steps stmt to completion.
func collectRows(stmt Statement) (core.StatementResult, error) {
	result := core.StatementResult{Columns: stmt.Columns(), Values: [][]any{}}
	if result.Columns == nil {
		result.Columns = []string{}
	}
	for {
		ok, err := stmt.Step()
		if err != nil {
			return result, err
		}
		if !ok {
			return result, nil
		}
		row, err := stmt.Row()
		if err != nil {
			return result, err
		}
		result.Values = append(result.Values, row)
	}
}

// withIndex stamps the statement position and partial results on a
// *core.StatementError returned by Statements.Next.
func withIndex(err error, index int, results []core.StatementResult) error {
	var stmtErr *core.StatementError
	if errors.As(err, &stmtErr) {
		stmtErr.Index = index
		stmtErr.Results = results
		return stmtErr
	}
	return err
}
