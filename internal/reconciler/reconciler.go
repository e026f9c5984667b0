// Package reconciler decides when and what to persist for each open
// database. Saves are debounced per database, compared facet by facet
// against the last persisted state, and written by a single pass at a time.
package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/leapstack-labs/sqltrainer/internal/digest"
	"github.com/leapstack-labs/sqltrainer/internal/facets"
	"github.com/leapstack-labs/sqltrainer/internal/metrics"
	"github.com/leapstack-labs/sqltrainer/pkg/core"
)

// DefaultDelay is the debounce window applied when Config.Delay is zero.
const DefaultDelay = time.Second

// Baseline is the last persisted state of a database, one entry per facet.
type Baseline struct {
	DefinitionHash   string
	QueryTexts       string
	QueryResultsHash string
}

// Target is the live side of one database.
type Target interface {
	ExportToHash(ctx context.Context) (string, error)
	Export(ctx context.Context) ([]byte, error)
	RefreshTables(ctx context.Context) error
	QueryState() (texts []string, results [][]core.StatementResult, heights [][]int)
	Baseline() Baseline
	SetBaseline(Baseline)
}

// Lookup finds the live database for id.
type Lookup func(id int64) (Target, bool)

// Writer persists facets.
type Writer interface {
	UpdateDefinition(ctx context.Context, id int64, definition []byte, hash string) error
	UpdateQueries(ctx context.Context, id int64, texts []string) error
	UpdateQueryResults(ctx context.Context, id int64, results [][]core.StatementResult, heights [][]int, hash string) error
}

// Config configures a Reconciler.
type Config struct {
	Delay   time.Duration
	Lookup  Lookup
	Writer  Writer
	Hasher  digest.Func
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Reconciler schedules and runs save passes.
type Reconciler struct {
	delay   time.Duration
	lookup  Lookup
	writer  Writer
	hasher  digest.Func
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	pending map[int64]*Pending
	busy    int

	write sync.Mutex
}

// New creates a Reconciler.
func New(cfg Config) *Reconciler {
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultDelay
	}
	if cfg.Hasher == nil {
		cfg.Hasher = digest.Sum
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Reconciler{
		delay:   cfg.Delay,
		lookup:  cfg.Lookup,
		writer:  cfg.Writer,
		hasher:  cfg.Hasher,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		pending: make(map[int64]*Pending),
	}
}

// Pending is a scheduled save.
type Pending struct {
	id     int64
	facets []core.Facet
	timer  *time.Timer

	once    sync.Once
	done    chan struct{}
	changed bool
	err     error
}

func newPending(id int64, fs []core.Facet) *Pending {
	return &Pending{id: id, facets: fs, done: make(chan struct{})}
}

func resolved(changed bool, err error) *Pending {
	p := newPending(0, nil)
	p.resolve(changed, err)
	return p
}

func (p *Pending) resolve(changed bool, err error) {
	p.once.Do(func() {
		p.changed, p.err = changed, err
		close(p.done)
	})
}

// Done is closed once the save has resolved.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the save resolves and reports whether anything was
// written. A save displaced by a newer one, or dropped because another
// pass was writing, resolves to false.
func (p *Pending) Wait(ctx context.Context) (bool, error) {
	select {
	case <-p.done:
		return p.changed, p.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Save schedules a save of id and waits for it.
func (r *Reconciler) Save(ctx context.Context, id int64, fs ...core.Facet) (bool, error) {
	return r.Schedule(id, fs...).Wait(ctx)
}

// Schedule debounces a save of the given facets of id. No facets means all.
func (r *Reconciler) Schedule(id int64, fs ...core.Facet) *Pending {
	if _, ok := r.lookup(id); !ok {
		r.metrics.SaveOutcome(metrics.SaveFailed)
		return resolved(false, &core.NotFoundError{Kind: "database", ID: id})
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.busy > 0 {
		r.logger.Debug("save dropped while another save is writing", slog.Int64("id", id))
		r.metrics.SaveOutcome(metrics.SaveDropped)
		return resolved(false, nil)
	}

	if old := r.pending[id]; old != nil {
		old.timer.Stop()
		old.resolve(false, nil)
		r.metrics.SaveOutcome(metrics.SaveSuperseded)
	}

	p := newPending(id, normalize(fs))
	r.pending[id] = p
	p.timer = time.AfterFunc(r.delay, func() { r.fire(p) })
	return p
}

// Cancel resolves a pending save of id with false without writing.
func (r *Reconciler) Cancel(id int64) {
	r.mu.Lock()
	p := r.pending[id]
	if p != nil {
		delete(r.pending, id)
		p.timer.Stop()
	}
	r.mu.Unlock()

	if p != nil {
		r.logger.Debug("pending save cancelled", slog.Int64("id", id))
		p.resolve(false, nil)
	}
}

// Flush fires every pending save now and waits for all of them.
func (r *Reconciler) Flush(ctx context.Context) error {
	r.mu.Lock()
	ps := make([]*Pending, 0, len(r.pending))
	for _, p := range r.pending {
		ps = append(ps, p)
	}
	r.mu.Unlock()

	for _, p := range ps {
		if p.timer.Stop() {
			go r.fire(p)
		}
	}

	var errs []error
	for _, p := range ps {
		if _, err := p.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			errs = append(errs, fmt.Errorf("failed to save database %d: %w", p.id, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Reconciler) fire(p *Pending) {
	r.mu.Lock()
	if r.pending[p.id] != p {
		r.mu.Unlock()
		return
	}
	delete(r.pending, p.id)
	r.busy++
	r.mu.Unlock()

	r.write.Lock()
	changed, err := r.reconcile(context.Background(), p.id, p.facets)
	r.write.Unlock()

	r.mu.Lock()
	r.busy--
	r.mu.Unlock()

	switch {
	case err != nil:
		r.logger.Warn("save failed", slog.Int64("id", p.id), slog.String("error", err.Error()))
		r.metrics.SaveOutcome(metrics.SaveFailed)
	case changed:
		r.metrics.SaveOutcome(metrics.SaveWritten)
	default:
		r.metrics.SaveOutcome(metrics.SaveUnchanged)
	}
	p.resolve(changed, err)
}

func (r *Reconciler) reconcile(ctx context.Context, id int64, fs []core.Facet) (bool, error) {
	target, ok := r.lookup(id)
	if !ok {
		return false, &core.NotFoundError{Kind: "database", ID: id}
	}

	changed := false
	for _, f := range fs {
		wrote, err := r.reconcileFacet(ctx, id, target, f)
		if wrote {
			changed = true
			r.metrics.FacetWritten(string(f))
		}
		if err != nil {
			return changed, err
		}
	}

	r.logger.Debug("save pass finished", slog.Int64("id", id), slog.Bool("changed", changed))
	return changed, nil
}

func (r *Reconciler) reconcileFacet(ctx context.Context, id int64, target Target, f core.Facet) (bool, error) {
	base := target.Baseline()

	switch f {
	case core.FacetDefinition:
		hash, err := target.ExportToHash(ctx)
		if err != nil {
			return false, fmt.Errorf("failed to hash definition: %w", err)
		}
		if hash == base.DefinitionHash {
			return false, nil
		}
		if err := target.RefreshTables(ctx); err != nil {
			return false, fmt.Errorf("failed to refresh tables: %w", err)
		}
		definition, err := target.Export(ctx)
		if err != nil {
			return false, fmt.Errorf("failed to export definition: %w", err)
		}
		if err := r.writer.UpdateDefinition(ctx, id, definition, hash); err != nil {
			return false, err
		}
		base.DefinitionHash = hash

	case core.FacetQuery:
		texts, _, _ := target.QueryState()
		if texts == nil {
			texts = []string{}
		}
		raw, err := json.Marshal(texts)
		if err != nil {
			return false, fmt.Errorf("failed to encode query texts: %w", err)
		}
		if string(raw) == base.QueryTexts {
			return false, nil
		}
		if err := r.writer.UpdateQueries(ctx, id, texts); err != nil {
			return false, err
		}
		base.QueryTexts = string(raw)

	case core.FacetQueryResults:
		_, results, heights := target.QueryState()
		hash, err := facets.ResultsHash(r.hasher, results, heights)
		if err != nil {
			return false, err
		}
		if hash == base.QueryResultsHash {
			return false, nil
		}
		if err := r.writer.UpdateQueryResults(ctx, id, results, heights, hash); err != nil {
			return false, err
		}
		base.QueryResultsHash = hash

	default:
		return false, &core.UnknownFacetError{Name: string(f)}
	}

	target.SetBaseline(base)
	return true, nil
}

// normalize orders and deduplicates facets; none means all.
func normalize(fs []core.Facet) []core.Facet {
	all := core.AllFacets()
	if len(fs) == 0 {
		return all
	}
	out := make([]core.Facet, 0, len(fs))
	for _, f := range all {
		if slices.Contains(fs, f) {
			out = append(out, f)
		}
	}
	for _, f := range fs {
		if !slices.Contains(all, f) && !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	return out
}
