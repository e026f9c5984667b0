package sqlengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"

	"github.com/leapstack-labs/sqltrainer/pkg/core"
)

// RunStatements executes the statements of sqlText in order, reporting
// progress after each one.
//
// Row-producing statements yield their columns and rows. Other statements
// yield a single one-cell row with the rows-modified count for INSERT,
// UPDATE and DELETE, and core.NotApplicable otherwise. Progress is the
// share of script bytes consumed so far and reaches exactly 100 on success.
//
// When a statement fails, execution stops and the results of the statements
// that completed are returned together with a *core.StatementError carrying
// the same results. Cancellation of ctx is checked between statements and
// returns ctx's error with the partial results.
func RunStatements(ctx context.Context, db Database, sqlText string, onProgress core.ProgressFunc) ([]core.StatementResult, error) {
	stmts := db.IterateStatements(sqlText)
	totalBytes := len(stmts.Remaining())
	bytesProcessed := 0
	results := []core.StatementResult{}

	for index := 0; ; index++ {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		stmt, err := stmts.Next(ctx)
		if errors.Is(err, io.EOF) {
			return results, nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return results, ctxErr
			}
			return results, withIndex(err, index, results)
		}

		result, err := runOne(ctx, db, stmt)
		_ = stmt.Close()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return results, ctxErr
			}
			return results, &core.StatementError{
				Index:     index,
				Statement: stmt.SQL(),
				Err:       err,
				Results:   results,
			}
		}
		results = append(results, result)

		bytesProcessed += len(stmt.SQL())
		if onProgress != nil {
			onProgress(core.Progress{
				Percent: 100.0 * float64(bytesProcessed) / float64(totalBytes),
				Result:  result,
			})
		}

		// Give other goroutines a turn between statements.
		runtime.Gosched()
	}
}

func runOne(ctx context.Context, db Database, stmt Statement) (core.StatementResult, error) {
	result, err := collectRows(stmt)
	if err != nil {
		return result, err
	}
	if len(result.Columns) > 0 {
		return result, nil
	}

	// The engine's counter is not reset by other statements, so it is
	// only read for statements that update it.
	n := core.NotApplicable
	if stmt.ModifiesRows() {
		n, err = db.RowsModified(ctx)
		if err != nil {
			return result, fmt.Errorf("failed to read rows modified: %w", err)
		}
	}
	return core.RowsModifiedResult(n), nil
}
