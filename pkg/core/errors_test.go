package core_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/sqltrainer/pkg/core"
)

func TestPartialResults(t *testing.T) {
	partial := []core.StatementResult{core.RowsModifiedResult(1)}

	tests := []struct {
		name string
		err  error
		want []core.StatementResult
	}{
		{"statement error", &core.StatementError{Index: 1, Err: errors.New("boom"), Results: partial}, partial},
		{"wrapped statement error", fmt.Errorf("run: %w", &core.StatementError{Results: partial}), partial},
		{"transport error", &core.TransportError{Op: "runStatements", Err: core.ErrResourceClosed, Results: partial}, partial},
		{"plain error", errors.New("plain"), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, core.PartialResults(tt.err))
		})
	}
}

func TestErrorMatching(t *testing.T) {
	err := fmt.Errorf("save: %w", &core.NotFoundError{Kind: "database", ID: 7})
	assert.True(t, errors.Is(err, core.ErrNotFound))
	assert.Equal(t, "save: database 7 not found", err.Error())

	closed := &core.TransportError{Op: "exec", Err: core.ErrResourceClosed}
	assert.True(t, errors.Is(closed, core.ErrResourceClosed))

	pre := &core.PreconditionError{Op: "run", Reason: "workspace not initialized", Err: core.ErrNotInitialized}
	assert.True(t, errors.Is(pre, core.ErrNotInitialized))
	assert.Equal(t, "cannot run: workspace not initialized", pre.Error())
}

func TestErrorMessage(t *testing.T) {
	err := &core.StatementError{Index: 0, Err: errors.New(`near "BAD": syntax error`)}
	assert.Equal(t, `near "BAD": syntax error`, core.ErrorMessage(err))
	assert.Equal(t, "statement 1 failed: near \"BAD\": syntax error", err.Error())
	assert.Equal(t, "other", core.ErrorMessage(errors.New("other")))
}

func TestRowsModified(t *testing.T) {
	n, ok := core.RowsModifiedResult(3).RowsModified()
	require.True(t, ok)
	assert.Equal(t, int64(3), n)

	_, ok = core.StatementResult{Columns: []string{"a"}, Values: [][]any{{int64(1)}}}.RowsModified()
	assert.False(t, ok)
}

func TestParseFacet(t *testing.T) {
	for _, f := range core.AllFacets() {
		got, err := core.ParseFacet(string(f))
		require.NoError(t, err)
		assert.Equal(t, f, got)
	}

	_, err := core.ParseFacet("tables")
	var unknown *core.UnknownFacetError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "tables", unknown.Name)
}
