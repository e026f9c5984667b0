package workspace

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/sqltrainer/internal/notifier"
	"github.com/leapstack-labs/sqltrainer/internal/recordstore"
	"github.com/leapstack-labs/sqltrainer/internal/schema"
	"github.com/leapstack-labs/sqltrainer/internal/testutil"
	"github.com/leapstack-labs/sqltrainer/pkg/core"
)

func openRecords(t *testing.T, path string) *recordstore.Store {
	t.Helper()
	records := recordstore.NewStore(testutil.NewTestLogger(t))
	require.NoError(t, records.Open(path))
	t.Cleanup(func() { _ = records.Close() })
	return records
}

func newWorkspace(t *testing.T, records *recordstore.Store, saveDelay time.Duration) *Workspace {
	t.Helper()
	w := New(records, Config{
		IdleTimeout: -1,
		SaveDelay:   saveDelay,
		Logger:      testutil.NewTestLogger(t),
	})
	require.NoError(t, w.Init(context.Background()))
	t.Cleanup(func() { _ = w.Close(context.Background()) })
	return w
}

func createShop(t *testing.T, w *Workspace) *Database {
	t.Helper()
	d, err := w.Create(context.Background(), "shop", []string{testutil.ShopSchema, testutil.ShopData}, nil)
	require.NoError(t, err)
	return d
}

func TestWorkspace_RequiresInit(t *testing.T) {
	w := New(openRecords(t, ":memory:"), Config{})

	_, err := w.Create(context.Background(), "x", nil, nil)
	assert.ErrorIs(t, err, core.ErrNotInitialized)
	_, err = w.Get(1)
	assert.ErrorIs(t, err, core.ErrNotInitialized)
	_, err = w.SaveChanges(context.Background(), 1)
	assert.ErrorIs(t, err, core.ErrNotInitialized)
}

func TestWorkspace_CreateReportsProgress(t *testing.T) {
	w := newWorkspace(t, openRecords(t, ":memory:"), time.Hour)

	var (
		mu       sync.Mutex
		progress []CreateProgress
	)
	d, err := w.Create(context.Background(), "shop", []string{testutil.ShopSchema, testutil.ShopData},
		func(p CreateProgress) {
			mu.Lock()
			progress = append(progress, p)
			mu.Unlock()
		})
	require.NoError(t, err)

	require.NotEmpty(t, progress)
	assert.Equal(t, CreateProgress{}, progress[len(progress)-1], "progress is reset when done")
	exporting := progress[len(progress)-2]
	assert.True(t, exporting.Exporting)
	assert.Equal(t, 100.0, exporting.Scripts)

	scripts := 0.0
	for _, p := range progress[:len(progress)-1] {
		assert.GreaterOrEqual(t, p.Scripts, scripts, "script progress never goes back")
		scripts = p.Scripts
	}

	assert.Equal(t, int64(1), d.ID)
	assert.Equal(t, d.ID, w.ActiveID(), "the only database becomes active")
	assert.Equal(t, []string{"big_orders", "customers", "orders"}, schema.Names(d.Tables()))

	queries := d.Queries()
	require.Len(t, queries, 1)
	assert.Equal(t, Query{}, queries[0])
}

func TestWorkspace_CreateFailureLeavesNothing(t *testing.T) {
	w := newWorkspace(t, openRecords(t, ":memory:"), time.Hour)

	_, err := w.Create(context.Background(), "broken", []string{"CREATE TABLE t (a); NOT SQL;"}, nil)
	var stmtErr *core.StatementError
	require.ErrorAs(t, err, &stmtErr)
	assert.Equal(t, 1, stmtErr.Index)
	assert.Empty(t, w.Databases())
	assert.Equal(t, NoDatabase, w.ActiveID())
}

func TestWorkspace_RunInsertThenSelect(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "records.db")
	records := openRecords(t, path)
	w := newWorkspace(t, records, time.Hour)
	d := createShop(t, w)

	require.NoError(t, w.SetQueryText(d.ID, 0,
		"INSERT INTO customers (id, name) VALUES (3, 'Carol'); SELECT name FROM customers ORDER BY id;"))
	require.NoError(t, w.Run(ctx, d.ID))

	q := d.ActiveQuery()
	assert.Empty(t, q.Error)
	assert.False(t, q.IsRunning)
	assert.Zero(t, q.Progress)
	require.Len(t, q.Results, 2)
	n, ok := q.Results[0].RowsModified()
	require.True(t, ok)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, [][]any{{"Alice"}, {"Bob"}, {"Carol"}}, q.Results[1].Values)
	assert.Equal(t, []int{ResultHeight, ResultHeight}, q.ResultHeights)

	// Close flushes the scheduled save; a fresh workspace sees every facet.
	require.NoError(t, w.Close(ctx))

	w2 := newWorkspace(t, records, time.Hour)
	reopened, err := w2.Get(d.ID)
	require.NoError(t, err)
	rq := reopened.ActiveQuery()
	assert.Equal(t, q.Text, rq.Text)
	require.Len(t, rq.Results, 2)
	assert.Equal(t, []int{ResultHeight, ResultHeight}, rq.ResultHeights)

	results, err := reopened.Coordinator().Exec(ctx, "SELECT count(*) FROM customers")
	require.NoError(t, err)
	assert.Equal(t, int64(3), results[0].Values[0][0])

	pending := w2.reconciler.Schedule(d.ID)
	require.NoError(t, w2.reconciler.Flush(ctx))
	changed, err := pending.Wait(ctx)
	require.NoError(t, err)
	assert.False(t, changed, "a reopened database matches what was persisted")
}

func TestWorkspace_RunKeepsPartialResults(t *testing.T) {
	w := newWorkspace(t, openRecords(t, ":memory:"), time.Hour)
	d := createShop(t, w)

	require.NoError(t, w.SetQueryText(d.ID, 0, "SELECT 1; BAD SQL;"))
	err := w.Run(context.Background(), d.ID)
	var stmtErr *core.StatementError
	require.ErrorAs(t, err, &stmtErr)

	q := d.ActiveQuery()
	assert.NotEmpty(t, q.Error)
	require.Len(t, q.Results, 1)
	assert.Equal(t, [][]any{{int64(1)}}, q.Results[0].Values)
	assert.Equal(t, []int{ResultHeight}, q.ResultHeights)

	// A rerun clears the previous error.
	require.NoError(t, w.SetQueryText(d.ID, 0, "SELECT 2;"))
	require.NoError(t, w.Run(context.Background(), d.ID))
	assert.Empty(t, d.ActiveQuery().Error)
}

func TestWorkspace_QueryEditing(t *testing.T) {
	w := newWorkspace(t, openRecords(t, ":memory:"), time.Hour)
	d := createShop(t, w)

	i, err := w.AddQuery(d.ID, "SELECT 2;")
	require.NoError(t, err)
	assert.Equal(t, 1, i)
	_, err = w.AddQuery(d.ID, "SELECT 3;")
	require.NoError(t, err)
	assert.Equal(t, 2, d.ActiveQueryIndex())

	require.NoError(t, w.SetActiveQuery(d.ID, 1))
	require.NoError(t, w.RemoveQuery(d.ID, 0))
	assert.Equal(t, 0, d.ActiveQueryIndex(), "active index follows its query")
	assert.Equal(t, "SELECT 2;", d.ActiveQuery().Text)

	require.NoError(t, w.RemoveQuery(d.ID, 1))
	require.Len(t, d.Queries(), 1)

	require.NoError(t, w.SetQueryText(d.ID, 0, "SELECT 9;"))
	require.NoError(t, w.RemoveQuery(d.ID, 0))
	queries := d.Queries()
	require.Len(t, queries, 1, "the last query is reset, not removed")
	assert.Equal(t, Query{}, queries[0])

	var pe *core.PreconditionError
	assert.ErrorAs(t, w.SetActiveQuery(d.ID, 5), &pe)
	assert.ErrorAs(t, w.RemoveQuery(d.ID, -1), &pe)
	_, err = w.AddQuery(99, "x")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestWorkspace_DeleteWhileSaveDebounced(t *testing.T) {
	ctx := context.Background()
	records := openRecords(t, ":memory:")
	w := newWorkspace(t, records, 50*time.Millisecond)
	first := createShop(t, w)
	second := createShop(t, w)
	require.NoError(t, w.SetActive(second.ID))

	require.NoError(t, w.SetQueryText(second.ID, 0, "SELECT 42;"))
	require.NoError(t, w.Delete(ctx, second.ID))

	assert.Equal(t, first.ID, w.ActiveID(), "the first database becomes active")
	_, err := w.Get(second.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)

	time.Sleep(100 * time.Millisecond)
	_, err = records.Collection("queries").Get(ctx, second.ID)
	assert.ErrorIs(t, err, core.ErrNotFound, "a cancelled save must not resurrect the record")

	_, err = w.SaveChanges(ctx, second.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestWorkspace_RestoreOriginal(t *testing.T) {
	ctx := context.Background()
	w := newWorkspace(t, openRecords(t, ":memory:"), 10*time.Millisecond)
	d := createShop(t, w)

	_, err := d.Coordinator().Exec(ctx, "DELETE FROM orders; DROP VIEW big_orders;")
	require.NoError(t, err)
	require.NoError(t, d.RefreshTables(ctx))
	assert.Equal(t, []string{"customers", "orders"}, schema.Names(d.Tables()))

	require.NoError(t, w.RestoreOriginal(ctx, d.ID))

	assert.Equal(t, []string{"big_orders", "customers", "orders"}, schema.Names(d.Tables()))
	results, err := d.Coordinator().Exec(ctx, "SELECT count(*) FROM orders")
	require.NoError(t, err)
	assert.Equal(t, int64(3), results[0].Values[0][0])

	hash, err := d.ExportToHash(ctx)
	require.NoError(t, err)
	assert.Equal(t, hash, d.Baseline().DefinitionHash)
}

func TestWorkspace_Stop(t *testing.T) {
	ctx := context.Background()
	w := newWorkspace(t, openRecords(t, ":memory:"), time.Hour)
	d := createShop(t, w)

	require.NoError(t, w.Stop(ctx, d.ID), "stopping an idle database is a no-op")

	require.NoError(t, w.SetQueryText(d.ID, 0, `
		WITH RECURSIVE c(x) AS (SELECT 1 UNION ALL SELECT x + 1 FROM c WHERE x < 10000000)
		SELECT count(*) FROM c;`))

	runErr := make(chan error, 1)
	go func() { runErr <- w.Run(ctx, d.ID) }()

	require.Eventually(t, func() bool { return d.ActiveQuery().IsRunning }, time.Second, time.Millisecond)
	err := w.Run(ctx, d.ID)
	var pe *core.PreconditionError
	require.ErrorAs(t, err, &pe, "only one query runs at a time")

	require.NoError(t, w.Stop(ctx, d.ID))

	// Stop returns only once the interrupted run has recorded its outcome.
	q := d.ActiveQuery()
	assert.False(t, q.IsRunning)
	assert.False(t, q.IsStopping)
	assert.NotEmpty(t, q.Error)

	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, core.ErrResourceClosed)
	default:
		t.Fatal("run had not returned when stop did")
	}

	// The database is usable again.
	require.NoError(t, w.SetQueryText(d.ID, 0, "SELECT count(*) FROM customers;"))
	require.NoError(t, w.Run(ctx, d.ID))
	assert.Equal(t, [][]any{{int64(2)}}, d.ActiveQuery().Results[0].Values)
}

func TestWorkspace_InitRehydratesAndClear(t *testing.T) {
	ctx := context.Background()
	records := openRecords(t, ":memory:")
	w := newWorkspace(t, records, time.Hour)
	createShop(t, w)
	_, err := w.Create(ctx, "empty", nil, nil)
	require.NoError(t, err)
	require.NoError(t, w.Close(ctx))

	w2 := newWorkspace(t, records, time.Hour)
	dbs := w2.Databases()
	require.Len(t, dbs, 2)
	assert.Equal(t, "shop", dbs[0].Name)
	assert.Equal(t, "empty", dbs[1].Name)
	assert.Equal(t, dbs[1].ID, w2.ActiveID(), "the last database becomes active")
	assert.Equal(t, []string{"big_orders", "customers", "orders"}, schema.Names(dbs[0].Tables()))

	q, ok := w2.ActiveQuery()
	require.True(t, ok)
	assert.Equal(t, Query{}, q)

	require.NoError(t, w2.Clear(ctx))
	assert.Empty(t, w2.Databases())
	assert.Equal(t, NoDatabase, w2.ActiveID())
	_, ok = w2.Active()
	assert.False(t, ok)

	d, err := w2.Create(ctx, "fresh", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), d.ID)
}

func TestWorkspace_ReopenRunAndClose(t *testing.T) {
	ctx := context.Background()
	records := openRecords(t, ":memory:")

	w := newWorkspace(t, records, time.Hour)
	d := createShop(t, w)
	id := d.ID
	require.NoError(t, w.Close(ctx))

	for round := 1; round <= 2; round++ {
		w := New(records, Config{IdleTimeout: -1, SaveDelay: time.Hour, Logger: testutil.NewTestLogger(t)})
		require.NoError(t, w.Init(ctx))

		require.NoError(t, w.SetQueryText(id, 0, "INSERT INTO customers(name) VALUES ('c'); SELECT count(*) FROM customers;"))
		require.NoError(t, w.Run(ctx, id))

		d, err := w.Get(id)
		require.NoError(t, err)
		q := d.ActiveQuery()
		require.Len(t, q.Results, 2)
		assert.Equal(t, [][]any{{int64(2 + round)}}, q.Results[1].Values)

		require.NoError(t, w.Close(ctx))
	}
}

func TestWorkspace_Import(t *testing.T) {
	ctx := context.Background()
	w := newWorkspace(t, openRecords(t, ":memory:"), time.Hour)
	shop := createShop(t, w)

	image, err := shop.Export(ctx)
	require.NoError(t, err)

	copied, err := w.Import(ctx, "copy", image)
	require.NoError(t, err)
	assert.Equal(t, schema.Names(shop.Tables()), schema.Names(copied.Tables()))
	assert.Equal(t, shop.ID, w.ActiveID(), "importing does not change the active database")

	_, err = w.Import(ctx, "junk", []byte("definitely not a database"))
	require.Error(t, err)
	assert.Len(t, w.Databases(), 2)
}

func TestWorkspace_Events(t *testing.T) {
	w := newWorkspace(t, openRecords(t, ":memory:"), time.Hour)
	events := w.Subscribe()
	defer w.Unsubscribe(events)

	d := createShop(t, w)

	seen := map[notifier.Kind]bool{}
	timeout := time.After(time.Second)
	for !seen[notifier.ActiveChanged] {
		select {
		case ev := <-events:
			seen[ev.Kind] = true
			if ev.Kind == notifier.DatabaseAdded || ev.Kind == notifier.ActiveChanged {
				assert.Equal(t, d.ID, ev.DatabaseID)
			}
		case <-timeout:
			t.Fatalf("missing events, saw %v", seen)
		}
	}
	assert.True(t, seen[notifier.CreateProgress])
	assert.True(t, seen[notifier.TablesChanged])
	assert.True(t, seen[notifier.DatabaseAdded])
}
