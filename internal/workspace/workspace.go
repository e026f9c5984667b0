// Package workspace holds the open logical databases and the actions a
// user performs on them: creating and deleting databases, editing and
// running queries, and keeping the record store in sync.
package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/leapstack-labs/sqltrainer/internal/coordinator"
	"github.com/leapstack-labs/sqltrainer/internal/digest"
	"github.com/leapstack-labs/sqltrainer/internal/facets"
	"github.com/leapstack-labs/sqltrainer/internal/metrics"
	"github.com/leapstack-labs/sqltrainer/internal/notifier"
	"github.com/leapstack-labs/sqltrainer/internal/reconciler"
	"github.com/leapstack-labs/sqltrainer/internal/recordstore"
	"github.com/leapstack-labs/sqltrainer/internal/schema"
	"github.com/leapstack-labs/sqltrainer/internal/sqlengine"
	"github.com/leapstack-labs/sqltrainer/pkg/core"
)

// NoDatabase is the active id when no database is open.
const NoDatabase int64 = -1

// rehydrateLimit bounds concurrent database loads during Init.
const rehydrateLimit = 4

// Config configures a Workspace.
type Config struct {
	Mode        coordinator.Mode
	IdleTimeout time.Duration
	SaveDelay   time.Duration
	Opener      sqlengine.Opener
	Hasher      digest.Func
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// Workspace is the set of open logical databases.
type Workspace struct {
	cfg        Config
	logger     *slog.Logger
	facets     *facets.Store
	reconciler *reconciler.Reconciler
	notifier   *notifier.Notifier

	mu          sync.Mutex
	initialized bool
	databases   []*Database
	activeID    int64
}

// New creates a Workspace persisting to records. Call Init before use.
func New(records *recordstore.Store, cfg Config) *Workspace {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Hasher == nil {
		cfg.Hasher = digest.Sum
	}
	if cfg.Opener == nil {
		cfg.Opener = sqlengine.NewOpener(cfg.Logger)
	}

	w := &Workspace{
		cfg:      cfg,
		logger:   cfg.Logger,
		facets:   facets.New(records, cfg.Logger),
		notifier: notifier.New(),
		activeID: NoDatabase,
	}
	w.reconciler = reconciler.New(reconciler.Config{
		Delay:   cfg.SaveDelay,
		Lookup:  w.lookup,
		Writer:  w.facets,
		Hasher:  cfg.Hasher,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
	})
	return w
}

// Init opens every persisted database. The last one becomes active.
func (w *Workspace) Init(ctx context.Context) error {
	w.mu.Lock()
	done := w.initialized
	w.mu.Unlock()
	if done {
		return nil
	}

	metas, err := w.facets.ListMeta(ctx)
	if err != nil {
		return err
	}

	loaded := make([]*Database, len(metas))
	eg, egctx := errgroup.WithContext(ctx)
	eg.SetLimit(rehydrateLimit)
	for i, meta := range metas {
		eg.Go(func() error {
			d, err := w.open(egctx, meta)
			if err != nil {
				return fmt.Errorf("failed to open database %q: %w", meta.Name, err)
			}
			loaded[i] = d
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		for _, d := range loaded {
			if d != nil {
				_ = d.coord.Close(ctx)
			}
		}
		return err
	}

	w.mu.Lock()
	w.databases = loaded
	w.activeID = NoDatabase
	if len(loaded) > 0 {
		w.activeID = loaded[len(loaded)-1].ID
	}
	w.initialized = true
	w.mu.Unlock()

	w.logger.Info("workspace initialized", slog.Int("databases", len(loaded)))
	w.publish(notifier.ActiveChanged, w.ActiveID(), 0, 0)
	return nil
}

// Add opens a persisted database and appends it to the workspace.
func (w *Workspace) Add(ctx context.Context, meta facets.Meta) (*Database, error) {
	if err := w.ready("add database"); err != nil {
		return nil, err
	}
	d, err := w.open(ctx, meta)
	if err != nil {
		return nil, err
	}
	w.attach(d)
	return d, nil
}

// open builds a Database from its persisted facets.
func (w *Workspace) open(ctx context.Context, meta facets.Meta) (*Database, error) {
	b, err := w.facets.Load(ctx, meta)
	if err != nil {
		return nil, err
	}

	queries := make([]*Query, len(b.Texts))
	for i, text := range b.Texts {
		q := &Query{Text: text}
		if i < len(b.Results) {
			q.Results = b.Results[i]
		}
		if i < len(b.ResultHeights) {
			q.ResultHeights = b.ResultHeights[i]
		}
		queries[i] = q
	}
	texts, err := json.Marshal(b.Texts)
	if err != nil {
		return nil, fmt.Errorf("failed to encode query texts: %w", err)
	}

	d := w.newDatabase(meta.ID, meta.Name, w.newCoordinator(b.Definition), queries)
	d.baseline = reconciler.Baseline{
		DefinitionHash:   meta.DefinitionHash,
		QueryTexts:       string(texts),
		QueryResultsHash: meta.QueryResultsHash,
	}
	if err := w.loadTables(ctx, d); err != nil {
		_ = d.coord.Close(ctx)
		return nil, err
	}
	return d, nil
}

func (w *Workspace) newCoordinator(definition []byte) *coordinator.Coordinator {
	return coordinator.New(definition, coordinator.Config{
		Mode:        w.cfg.Mode,
		IdleTimeout: w.cfg.IdleTimeout,
		Opener:      w.cfg.Opener,
		Hasher:      w.cfg.Hasher,
		Logger:      w.logger,
		Metrics:     w.cfg.Metrics,
	})
}

func (w *Workspace) newDatabase(id int64, name string, coord *coordinator.Coordinator, queries []*Query) *Database {
	if len(queries) == 0 {
		queries = []*Query{{}}
	}
	return &Database{
		ID:      id,
		Name:    name,
		mu:      &w.mu,
		coord:   coord,
		ws:      w,
		queries: queries,
	}
}

// attach appends d; the first database becomes active.
func (w *Workspace) attach(d *Database) {
	w.mu.Lock()
	w.databases = append(w.databases, d)
	becameActive := len(w.databases) == 1
	if becameActive {
		w.activeID = d.ID
	}
	w.mu.Unlock()

	w.publish(notifier.DatabaseAdded, d.ID, 0, 0)
	if becameActive {
		w.publish(notifier.ActiveChanged, d.ID, 0, 0)
	}
}

// Delete closes and forgets the database with id.
func (w *Workspace) Delete(ctx context.Context, id int64) error {
	d, err := w.Get(id)
	if err != nil {
		return err
	}

	w.reconciler.Cancel(id)
	if err := w.facets.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete database %d: %w", id, err)
	}
	if err := d.coord.Close(ctx); err != nil {
		w.logger.Warn("failed to close database", slog.Int64("id", id), slog.String("error", err.Error()))
	}

	w.mu.Lock()
	w.databases = slices.DeleteFunc(w.databases, func(x *Database) bool { return x == d })
	activeChanged := w.activeID == id
	if activeChanged {
		w.activeID = NoDatabase
		if len(w.databases) > 0 {
			w.activeID = w.databases[0].ID
		}
	}
	active := w.activeID
	w.mu.Unlock()

	w.logger.Info("database deleted", slog.Int64("id", id), slog.String("name", d.Name))
	w.publish(notifier.DatabaseRemoved, id, 0, 0)
	if activeChanged {
		w.publish(notifier.ActiveChanged, active, 0, 0)
	}
	return nil
}

// Get returns the open database with id.
func (w *Workspace) Get(id int64) (*Database, error) {
	if err := w.ready("get database"); err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if d := w.findLocked(id); d != nil {
		return d, nil
	}
	return nil, &core.NotFoundError{Kind: "database", ID: id}
}

// Databases returns the open databases in creation order.
func (w *Workspace) Databases() []*Database {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.databases)
}

// ActiveID returns the id of the active database or NoDatabase.
func (w *Workspace) ActiveID() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.activeID
}

// Active returns the active database.
func (w *Workspace) Active() (*Database, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	d := w.findLocked(w.activeID)
	return d, d != nil
}

// SetActive selects the active database.
func (w *Workspace) SetActive(id int64) error {
	if _, err := w.Get(id); err != nil {
		return err
	}
	w.mu.Lock()
	w.activeID = id
	w.mu.Unlock()
	w.publish(notifier.ActiveChanged, id, 0, 0)
	return nil
}

// ActiveQuery returns the selected query of the active database.
func (w *Workspace) ActiveQuery() (Query, bool) {
	d, ok := w.Active()
	if !ok {
		return Query{}, false
	}
	return d.ActiveQuery(), true
}

// SaveChanges persists the given facets of id once the save delay has
// passed without a newer request, and reports whether anything was written.
func (w *Workspace) SaveChanges(ctx context.Context, id int64, fs ...core.Facet) (bool, error) {
	if err := w.ready("save changes"); err != nil {
		return false, err
	}
	return w.reconciler.Save(ctx, id, fs...)
}

// Subscribe returns a channel of change events.
func (w *Workspace) Subscribe() chan notifier.Event {
	return w.notifier.Subscribe()
}

// Unsubscribe stops delivery to ch and closes it.
func (w *Workspace) Unsubscribe(ch chan notifier.Event) {
	w.notifier.Unsubscribe(ch)
}

// Close writes pending saves and disposes every resource.
func (w *Workspace) Close(ctx context.Context) error {
	errs := []error{w.reconciler.Flush(ctx)}
	for _, d := range w.Databases() {
		errs = append(errs, d.coord.Close(ctx))
	}
	return errors.Join(errs...)
}

// Clear deletes every persisted database and starts over empty.
func (w *Workspace) Clear(ctx context.Context) error {
	w.mu.Lock()
	dbs := w.databases
	w.databases = nil
	w.activeID = NoDatabase
	w.initialized = false
	w.mu.Unlock()

	for _, d := range dbs {
		w.reconciler.Cancel(d.ID)
		if err := d.coord.Close(ctx); err != nil {
			w.logger.Warn("failed to close database", slog.Int64("id", d.ID), slog.String("error", err.Error()))
		}
		w.publish(notifier.DatabaseRemoved, d.ID, 0, 0)
	}
	if err := w.facets.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear record store: %w", err)
	}
	return w.Init(ctx)
}

func (w *Workspace) lookup(id int64) (reconciler.Target, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	d := w.findLocked(id)
	if d == nil {
		return nil, false
	}
	return d, true
}

func (w *Workspace) findLocked(id int64) *Database {
	for _, d := range w.databases {
		if d.ID == id {
			return d
		}
	}
	return nil
}

func (w *Workspace) ready(op string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.initialized {
		return &core.PreconditionError{Op: op, Reason: "workspace not initialized", Err: core.ErrNotInitialized}
	}
	return nil
}

// loadTables refreshes the cached schema of d.
func (w *Workspace) loadTables(ctx context.Context, d *Database) error {
	tables, err := schema.Load(ctx, d.coord)
	if err != nil {
		return fmt.Errorf("failed to load tables: %w", err)
	}
	d.mu.Lock()
	d.tables = tables
	d.mu.Unlock()
	w.publish(notifier.TablesChanged, d.ID, 0, 0)
	return nil
}

// scheduleSave requests a debounced save without waiting for it.
func (w *Workspace) scheduleSave(id int64, fs ...core.Facet) {
	p := w.reconciler.Schedule(id, fs...)
	go func() {
		if _, err := p.Wait(context.Background()); err != nil && !errors.Is(err, core.ErrNotFound) {
			w.logger.Warn("failed to save changes", slog.Int64("id", id), slog.String("error", err.Error()))
		}
	}()
}

func (w *Workspace) publish(kind notifier.Kind, id int64, index int, progress float64) {
	w.notifier.Publish(notifier.Event{Kind: kind, DatabaseID: id, QueryIndex: index, Progress: progress})
}
