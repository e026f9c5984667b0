package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/leapstack-labs/sqltrainer/internal/notifier"
	"github.com/leapstack-labs/sqltrainer/pkg/core"
)

// AddQuery appends a query with text sql, selects it and returns its index.
func (w *Workspace) AddQuery(id int64, sql string) (int, error) {
	d, err := w.Get(id)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	d.queries = append(d.queries, &Query{Text: sql})
	d.active = len(d.queries) - 1
	index := d.active
	d.mu.Unlock()

	w.publish(notifier.QueriesChanged, id, index, 0)
	w.scheduleSave(id, core.FacetQuery, core.FacetQueryResults)
	return index, nil
}

// RemoveQuery removes the query at index. The last remaining query is
// reset to blank instead.
func (w *Workspace) RemoveQuery(id int64, index int) error {
	d, err := w.Get(id)
	if err != nil {
		return err
	}
	d.mu.Lock()
	if err := d.checkIndex("remove query", index); err != nil {
		d.mu.Unlock()
		return err
	}
	if d.queries[index].IsRunning {
		d.mu.Unlock()
		return &core.PreconditionError{Op: "remove query", Reason: "query is running"}
	}
	if len(d.queries) == 1 {
		d.queries[0] = &Query{}
	} else {
		d.queries = slices.Delete(d.queries, index, index+1)
		if index < d.active || d.active >= len(d.queries) {
			d.active--
		}
	}
	active := d.active
	d.mu.Unlock()

	w.publish(notifier.QueriesChanged, id, active, 0)
	w.scheduleSave(id, core.FacetQuery, core.FacetQueryResults)
	return nil
}

// SetQueryText replaces the text of the query at index.
func (w *Workspace) SetQueryText(id int64, index int, sql string) error {
	d, err := w.Get(id)
	if err != nil {
		return err
	}
	d.mu.Lock()
	if err := d.checkIndex("edit query", index); err != nil {
		d.mu.Unlock()
		return err
	}
	d.queries[index].Text = sql
	d.mu.Unlock()

	w.publish(notifier.QueriesChanged, id, index, 0)
	w.scheduleSave(id, core.FacetQuery)
	return nil
}

// SetActiveQuery selects the query at index.
func (w *Workspace) SetActiveQuery(id int64, index int) error {
	d, err := w.Get(id)
	if err != nil {
		return err
	}
	d.mu.Lock()
	if err := d.checkIndex("select query", index); err != nil {
		d.mu.Unlock()
		return err
	}
	d.active = index
	d.mu.Unlock()

	w.publish(notifier.QueriesChanged, id, index, 0)
	return nil
}

// Run executes the selected query of id. Results stream into the query as
// each statement finishes. A failure is recorded on the query and also
// returned; the results completed before it are kept.
func (w *Workspace) Run(ctx context.Context, id int64) error {
	d, err := w.Get(id)
	if err != nil {
		return err
	}

	d.mu.Lock()
	if d.running() != nil {
		d.mu.Unlock()
		return &core.PreconditionError{Op: "run query", Reason: "a query is already running"}
	}
	index := d.active
	q := d.queries[index]
	q.Results, q.ResultHeights, q.Error = nil, nil, ""
	q.IsRunning, q.Progress = true, 0
	sql := q.Text
	done := make(chan struct{})
	d.runDone = done
	d.mu.Unlock()
	defer close(done)

	w.logger.Debug("running query", slog.Int64("id", id), slog.Int("query", index))
	w.publish(notifier.QueryProgress, id, index, 0)

	results, runErr := d.coord.RunStatements(ctx, sql, func(p core.Progress) {
		d.mu.Lock()
		q.Progress = p.Percent
		q.appendResult(p.Result)
		d.mu.Unlock()
		w.publish(notifier.QueryResult, id, index, p.Percent)
	})

	d.mu.Lock()
	if runErr != nil {
		q.Error = core.ErrorMessage(runErr)
		q.Results, q.ResultHeights = nil, nil
		for _, r := range results {
			q.appendResult(r)
		}
	}
	q.IsRunning, q.IsStopping, q.Progress = false, false, 0
	d.mu.Unlock()

	if err := w.loadTables(ctx, d); err != nil {
		w.logger.Warn("failed to reload tables", slog.Int64("id", id), slog.String("error", err.Error()))
	}
	w.publish(notifier.QueryFinished, id, index, 0)
	w.scheduleSave(id)

	if runErr != nil {
		return fmt.Errorf("query failed: %w", runErr)
	}
	return nil
}

// Stop interrupts the running query of id by force-closing its resource
// and waits for the interrupted Run to record its outcome. It is a no-op
// when nothing is running.
func (w *Workspace) Stop(ctx context.Context, id int64) error {
	d, err := w.Get(id)
	if err != nil {
		return err
	}

	d.mu.Lock()
	q := d.running()
	if q == nil {
		d.mu.Unlock()
		return nil
	}
	done := d.runDone
	alreadyStopping := q.IsStopping
	q.IsStopping = true
	d.mu.Unlock()

	var closeErr error
	if !alreadyStopping {
		w.logger.Info("stopping query", slog.Int64("id", id))
		closeErr = d.coord.Close(ctx)
	}

	select {
	case <-done:
		return closeErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RestoreOriginal replaces the definition of id with the one it was
// created with and persists it.
func (w *Workspace) RestoreOriginal(ctx context.Context, id int64) error {
	d, err := w.Get(id)
	if err != nil {
		return err
	}
	original, err := w.facets.Original(ctx, id)
	if err != nil {
		return err
	}
	if err := d.coord.Reset(ctx, original); err != nil {
		return fmt.Errorf("failed to restore database %d: %w", id, err)
	}
	if _, err := w.reconciler.Save(ctx, id, core.FacetDefinition); err != nil {
		return err
	}
	return w.loadTables(ctx, d)
}
