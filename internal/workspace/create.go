package workspace

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/leapstack-labs/sqltrainer/internal/coordinator"
	"github.com/leapstack-labs/sqltrainer/internal/facets"
	"github.com/leapstack-labs/sqltrainer/internal/notifier"
	"github.com/leapstack-labs/sqltrainer/pkg/core"
)

// CreateProgress reports database creation. Scripts is the share of seed
// scripts finished, Statements the progress within the current script.
// Exporting is set while the new definition is being persisted, a phase
// with no measurable progress.
type CreateProgress struct {
	Scripts    float64
	Statements float64
	Exporting  bool
}

// CreateProgressFunc receives creation progress.
type CreateProgressFunc func(CreateProgress)

// Create builds a new database by running scripts in order against an
// empty one, then persists it.
func (w *Workspace) Create(ctx context.Context, name string, scripts []string, onProgress CreateProgressFunc) (*Database, error) {
	if err := w.ready("create database"); err != nil {
		return nil, err
	}
	if onProgress == nil {
		onProgress = func(CreateProgress) {}
	}

	coord := w.newCoordinator(nil)
	var p CreateProgress
	for i, script := range scripts {
		_, err := coord.RunStatements(ctx, script, func(sp core.Progress) {
			p.Statements = sp.Percent
			onProgress(p)
			w.publish(notifier.CreateProgress, NoDatabase, i, p.Scripts)
		})
		if err != nil {
			_ = coord.Close(ctx)
			return nil, fmt.Errorf("failed to run script %d of %q: %w", i+1, name, err)
		}
		p.Scripts = 100 * float64(i+1) / float64(len(scripts))
		p.Statements = 0
		onProgress(p)
	}

	p.Exporting = true
	onProgress(p)
	d, err := w.persist(ctx, name, coord)
	onProgress(CreateProgress{})
	return d, err
}

// Import creates a database from an existing SQLite database image.
func (w *Workspace) Import(ctx context.Context, name string, image []byte) (*Database, error) {
	if err := w.ready("import database"); err != nil {
		return nil, err
	}
	return w.persist(ctx, name, w.newCoordinator(image))
}

// persist writes a new database whose state lives in coord and opens it.
func (w *Workspace) persist(ctx context.Context, name string, coord *coordinator.Coordinator) (*Database, error) {
	fail := func(err error) (*Database, error) {
		_ = coord.Close(ctx)
		return nil, err
	}

	definitionHash, err := coord.ExportToHash(ctx)
	if err != nil {
		return fail(fmt.Errorf("failed to hash definition: %w", err))
	}
	definition, err := coord.Export(ctx)
	if err != nil {
		return fail(fmt.Errorf("failed to export definition: %w", err))
	}

	resultsHash := facets.EmptyResultsHash(w.cfg.Hasher)
	meta, err := w.facets.Create(ctx, name, definition, definitionHash, resultsHash)
	if err != nil {
		return fail(err)
	}

	d := w.newDatabase(meta.ID, name, coord, nil)
	d.baseline.DefinitionHash = definitionHash
	d.baseline.QueryTexts = "[]"
	d.baseline.QueryResultsHash = resultsHash
	if err := w.loadTables(ctx, d); err != nil {
		return fail(err)
	}

	w.attach(d)
	w.logger.Info("database created", slog.Int64("id", d.ID), slog.String("name", name))
	return d, nil
}
