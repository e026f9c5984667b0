package workspace

import (
	"context"
	"slices"
	"sync"

	"github.com/leapstack-labs/sqltrainer/internal/coordinator"
	"github.com/leapstack-labs/sqltrainer/internal/reconciler"
	"github.com/leapstack-labs/sqltrainer/internal/schema"
	"github.com/leapstack-labs/sqltrainer/pkg/core"
)

// ResultHeight is the display height recorded for every query result.
const ResultHeight = 300

// Query is one editable SQL text of a database and the outcome of its
// last run.
type Query struct {
	Text          string
	Results       []core.StatementResult
	ResultHeights []int
	Error         string
	IsRunning     bool
	IsStopping    bool
	Progress      float64
}

func (q *Query) clone() Query {
	c := *q
	c.Results = slices.Clone(q.Results)
	c.ResultHeights = slices.Clone(q.ResultHeights)
	return c
}

func (q *Query) appendResult(r core.StatementResult) {
	q.Results = append(q.Results, r)
	q.ResultHeights = append(q.ResultHeights, ResultHeight)
}

// Database is an open logical database. Its mutable state is guarded by
// the owning workspace.
type Database struct {
	ID   int64
	Name string

	mu    *sync.Mutex
	coord *coordinator.Coordinator
	ws    *Workspace

	queries  []*Query
	active   int
	tables   []schema.Table
	baseline reconciler.Baseline

	// runDone is closed when the current Run returns.
	runDone chan struct{}
}

// Coordinator returns the gateway to the database's execution resource.
func (d *Database) Coordinator() *coordinator.Coordinator {
	return d.coord
}

// Queries returns a copy of the queries.
func (d *Database) Queries() []Query {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Query, len(d.queries))
	for i, q := range d.queries {
		out[i] = q.clone()
	}
	return out
}

// ActiveQueryIndex returns the index of the selected query.
func (d *Database) ActiveQueryIndex() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// ActiveQuery returns a copy of the selected query.
func (d *Database) ActiveQuery() Query {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queries[d.active].clone()
}

// Tables returns the cached schema.
func (d *Database) Tables() []schema.Table {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.tables)
}

// ExportToHash returns the digest of the current definition.
func (d *Database) ExportToHash(ctx context.Context) (string, error) {
	return d.coord.ExportToHash(ctx)
}

// Export returns the current definition.
func (d *Database) Export(ctx context.Context) ([]byte, error) {
	return d.coord.Export(ctx)
}

// RefreshTables reloads the cached schema.
func (d *Database) RefreshTables(ctx context.Context) error {
	return d.ws.loadTables(ctx, d)
}

// QueryState returns the texts, results and result heights of every query.
func (d *Database) QueryState() ([]string, [][]core.StatementResult, [][]int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	texts := make([]string, len(d.queries))
	results := make([][]core.StatementResult, len(d.queries))
	heights := make([][]int, len(d.queries))
	for i, q := range d.queries {
		texts[i] = q.Text
		results[i] = slices.Clone(q.Results)
		heights[i] = slices.Clone(q.ResultHeights)
	}
	return texts, results, heights
}

// Baseline returns the last persisted state.
func (d *Database) Baseline() reconciler.Baseline {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.baseline
}

// SetBaseline records a newly persisted state.
func (d *Database) SetBaseline(b reconciler.Baseline) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.baseline = b
}

// running returns the query currently executing, if any. The caller holds mu.
func (d *Database) running() *Query {
	for _, q := range d.queries {
		if q.IsRunning {
			return q
		}
	}
	return nil
}

func (d *Database) checkIndex(op string, index int) error {
	if index < 0 || index >= len(d.queries) {
		return &core.PreconditionError{Op: op, Reason: "query index out of range"}
	}
	return nil
}
