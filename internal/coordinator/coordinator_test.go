package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/sqltrainer/internal/metrics"
	tu "github.com/leapstack-labs/sqltrainer/internal/testutil"
	"github.com/leapstack-labs/sqltrainer/pkg/core"
)

var modes = []Mode{ModeWorker, ModeDirect}

func forEachMode(t *testing.T, fn func(t *testing.T, mode Mode)) {
	for _, mode := range modes {
		t.Run(string(mode), func(t *testing.T) { fn(t, mode) })
	}
}

func newSQLiteCoordinator(t *testing.T, mode Mode, idle time.Duration) *Coordinator {
	t.Helper()
	c := New(nil, Config{Mode: mode, IdleTimeout: idle, Logger: tu.NewTestLogger(t)})
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func newFakeCoordinator(t *testing.T, mode Mode, e *fakeEngine, m *metrics.Metrics) *Coordinator {
	t.Helper()
	c := New([]byte("seed:"), Config{
		Mode:        mode,
		IdleTimeout: -1,
		Opener:      e.opener,
		Logger:      tu.NewTestLogger(t),
		Metrics:     m,
	})
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func TestCoordinator_LazyInitAndReuse(t *testing.T) {
	forEachMode(t, func(t *testing.T, mode Mode) {
		e := newFakeEngine()
		m := metrics.New(nil)
		c := newFakeCoordinator(t, mode, e, m)
		ctx := context.Background()

		assert.Equal(t, StateUninitialized, c.State())
		assert.Equal(t, int32(0), e.opened.Load())

		_, err := c.Exec(ctx, "a")
		require.NoError(t, err)
		_, err = c.Exec(ctx, "b")
		require.NoError(t, err)

		assert.Equal(t, int32(1), e.opened.Load())
		assert.Equal(t, StateIdle, c.State())
		assert.Equal(t, 1.0, testutil.ToFloat64(m.ResourcesStarted))
		assert.Equal(t, 2.0, testutil.ToFloat64(m.Operations.WithLabelValues("exec", metrics.Ok)))

		image, err := c.Export(ctx)
		require.NoError(t, err)
		assert.Equal(t, "seed:ab", string(image))
	})
}

func TestCoordinator_RunStatements(t *testing.T) {
	forEachMode(t, func(t *testing.T, mode Mode) {
		c := newSQLiteCoordinator(t, mode, -1)
		ctx := context.Background()

		var progress []core.Progress
		results, err := c.RunStatements(ctx,
			"CREATE TABLE t(x); INSERT INTO t VALUES (1),(2); SELECT x FROM t;",
			func(p core.Progress) { progress = append(progress, p) })
		require.NoError(t, err)

		require.Len(t, results, 3)
		n, ok := results[1].RowsModified()
		require.True(t, ok)
		assert.Equal(t, int64(2), n)
		assert.Equal(t, [][]any{{int64(1)}, {int64(2)}}, results[2].Values)

		require.Len(t, progress, 3)
		assert.Equal(t, 100.0, progress[2].Percent)
		assert.Equal(t, StateIdle, c.State())
	})
}

func TestCoordinator_StatementErrorKeepsPartialResults(t *testing.T) {
	forEachMode(t, func(t *testing.T, mode Mode) {
		c := newSQLiteCoordinator(t, mode, -1)

		results, err := c.RunStatements(context.Background(), "SELECT 1; BAD SQL;", nil)
		var stmtErr *core.StatementError
		require.ErrorAs(t, err, &stmtErr)
		require.Len(t, results, 1)
		assert.Equal(t, [][]any{{int64(1)}}, results[0].Values)
		assert.Equal(t, results, stmtErr.Results)

		// The resource is still usable after a statement error.
		out, err := c.Exec(context.Background(), "SELECT 2")
		require.NoError(t, err)
		assert.Equal(t, [][]any{{int64(2)}}, out[0].Values)
	})
}

func TestCoordinator_Exports(t *testing.T) {
	forEachMode(t, func(t *testing.T, mode Mode) {
		c := newSQLiteCoordinator(t, mode, -1)
		ctx := context.Background()

		_, err := c.Exec(ctx, "CREATE TABLE t(x)")
		require.NoError(t, err)

		image, err := c.Export(ctx)
		require.NoError(t, err)
		hash, err := c.ExportToHash(ctx)
		require.NoError(t, err)
		text, err := c.ExportToJSON(ctx)
		require.NoError(t, err)

		assert.Len(t, hash, 32)
		assert.Equal(t, byte('['), text[0])

		// Unchanged content keeps its hash.
		_, err = c.Exec(ctx, "SELECT * FROM t")
		require.NoError(t, err)
		again, err := c.ExportToHash(ctx)
		require.NoError(t, err)
		assert.Equal(t, hash, again)

		assert.NotEmpty(t, image)
	})
}

func TestCoordinator_SerializesAccess(t *testing.T) {
	forEachMode(t, func(t *testing.T, mode Mode) {
		e := newFakeEngine()
		c := newFakeCoordinator(t, mode, e, nil)

		var wg sync.WaitGroup
		for i := range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := c.Exec(context.Background(), fmt.Sprintf("op%d", i))
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), e.maxActive.Load())
		assert.Len(t, e.executed(), 20)
	})
}

func TestCoordinator_FIFOOrder(t *testing.T) {
	forEachMode(t, func(t *testing.T, mode Mode) {
		e := newFakeEngine()
		e.gate = make(chan struct{})
		c := newFakeCoordinator(t, mode, e, nil)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Exec(context.Background(), "block")
			assert.NoError(t, err)
		}()
		require.Equal(t, "block", <-e.started)

		for i := range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := c.Exec(context.Background(), fmt.Sprintf("q%d", i))
				assert.NoError(t, err)
			}()
			waitQueued(t, &c.lock, i+1)
		}

		close(e.gate)
		wg.Wait()
		assert.Equal(t, []string{"block", "q0", "q1", "q2", "q3"}, e.executed())
	})
}

func TestCoordinator_CloseAbandonsAdmittedRequests(t *testing.T) {
	forEachMode(t, func(t *testing.T, mode Mode) {
		e := newFakeEngine()
		e.gate = make(chan struct{})
		m := metrics.New(nil)
		c := newFakeCoordinator(t, mode, e, m)
		ctx := context.Background()

		running := make(chan error, 1)
		go func() {
			_, err := c.Exec(ctx, "block")
			running <- err
		}()
		require.Equal(t, "block", <-e.started)

		queued := make(chan error, 1)
		go func() {
			_, err := c.Exec(ctx, "queued")
			queued <- err
		}()
		waitQueued(t, &c.lock, 1)

		require.NoError(t, c.Close(ctx))

		for _, err := range []error{<-running, <-queued} {
			var transportErr *core.TransportError
			require.ErrorAs(t, err, &transportErr)
			assert.ErrorIs(t, err, core.ErrResourceClosed)
		}
		assert.Equal(t, StateDisposed, c.State())
		assert.Equal(t, []string{"block"}, e.executed())
		assert.Equal(t, "seed:", string(c.Snapshot()))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.ResourcesDisposed.WithLabelValues("close")))

		// A later request lazily recreates the resource.
		_, err := c.Exec(ctx, "after")
		require.NoError(t, err)
		assert.Equal(t, int32(2), e.opened.Load())
		assert.Equal(t, StateIdle, c.State())
	})
}

func TestCoordinator_CloseSnapshotsDefinition(t *testing.T) {
	forEachMode(t, func(t *testing.T, mode Mode) {
		e := newFakeEngine()
		c := newFakeCoordinator(t, mode, e, nil)
		ctx := context.Background()

		_, err := c.Exec(ctx, "x")
		require.NoError(t, err)
		require.NoError(t, c.Close(ctx))
		assert.Equal(t, "seed:x", string(c.Snapshot()))

		// Idempotent.
		require.NoError(t, c.Close(ctx))
		assert.Equal(t, "seed:x", string(c.Snapshot()))
		assert.Equal(t, StateDisposed, c.State())
	})
}

func TestCoordinator_Reset(t *testing.T) {
	forEachMode(t, func(t *testing.T, mode Mode) {
		e := newFakeEngine()
		c := newFakeCoordinator(t, mode, e, nil)
		ctx := context.Background()

		_, err := c.Exec(ctx, "x")
		require.NoError(t, err)
		require.NoError(t, c.Reset(ctx, []byte("original:")))
		assert.Equal(t, "original:", string(c.Snapshot()))

		image, err := c.Export(ctx)
		require.NoError(t, err)
		assert.Equal(t, "original:", string(image))
	})
}

func TestCoordinator_IdleDisposal(t *testing.T) {
	forEachMode(t, func(t *testing.T, mode Mode) {
		c := newSQLiteCoordinator(t, mode, 20*time.Millisecond)
		ctx := context.Background()

		_, err := c.Exec(ctx, "CREATE TABLE t(x); INSERT INTO t VALUES (42);")
		require.NoError(t, err)

		require.Eventually(t, func() bool { return c.State() == StateDisposed }, 2*time.Second, 5*time.Millisecond)
		assert.NotEmpty(t, c.Snapshot())

		results, err := c.Exec(ctx, "SELECT x FROM t")
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, [][]any{{int64(42)}}, results[0].Values)
	})
}

func TestCoordinator_DisposeAndRecreateSQLite(t *testing.T) {
	forEachMode(t, func(t *testing.T, mode Mode) {
		c := newSQLiteCoordinator(t, mode, -1)
		ctx := context.Background()

		_, err := c.Exec(ctx, "CREATE TABLE t(x); INSERT INTO t VALUES (1);")
		require.NoError(t, err)
		require.NoError(t, c.Close(ctx))
		assert.Equal(t, StateDisposed, c.State())

		for want := int64(2); want <= 3; want++ {
			_, err = c.Exec(ctx, fmt.Sprintf("INSERT INTO t VALUES (%d);", want))
			require.NoError(t, err)
			results, err := c.Exec(ctx, "SELECT count(*) FROM t")
			require.NoError(t, err)
			require.Len(t, results, 1)
			assert.Equal(t, [][]any{{want}}, results[0].Values)

			require.NoError(t, c.Close(ctx))
			assert.Equal(t, StateDisposed, c.State())
		}
	})
}

func TestCoordinator_InitFailure(t *testing.T) {
	forEachMode(t, func(t *testing.T, mode Mode) {
		e := newFakeEngine()
		e.openErr = errors.New("cannot open")
		c := newFakeCoordinator(t, mode, e, nil)

		_, err := c.Exec(context.Background(), "a")
		var transportErr *core.TransportError
		require.ErrorAs(t, err, &transportErr)
		assert.Equal(t, "init", transportErr.Op)
		assert.Equal(t, StateUninitialized, c.State())

		// No retry happened behind the caller's back; the next call tries again.
		e.openErr = nil
		_, err = c.Exec(context.Background(), "a")
		require.NoError(t, err)
		assert.Equal(t, int32(1), e.opened.Load())
	})
}

func TestCoordinator_WorkerCrashIsTransportError(t *testing.T) {
	e := newFakeEngine()
	c := newFakeCoordinator(t, ModeWorker, e, nil)
	ctx := context.Background()

	_, err := c.Exec(ctx, "panic")
	var transportErr *core.TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, StateDisposed, c.State())

	_, err = c.Exec(ctx, "ok")
	require.NoError(t, err)
	assert.Equal(t, int32(2), e.opened.Load())
}

func TestCoordinator_CallerCancellation(t *testing.T) {
	forEachMode(t, func(t *testing.T, mode Mode) {
		e := newFakeEngine()
		e.gate = make(chan struct{})
		c := newFakeCoordinator(t, mode, e, nil)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			_, err := c.Exec(ctx, "block")
			done <- err
		}()
		require.Equal(t, "block", <-e.started)
		cancel()

		err := <-done
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, StateIdle, c.State())
	})
}

func TestParseMode(t *testing.T) {
	m, ok := ParseMode("direct")
	require.True(t, ok)
	assert.Equal(t, ModeDirect, m)

	_, ok = ParseMode("threads")
	assert.False(t, ok)
	assert.Equal(t, "disposing", StateDisposing.String())
}
