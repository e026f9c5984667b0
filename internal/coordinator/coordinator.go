// Package coordinator serializes all access to the execution resource of a
// logical database.
//
// A Coordinator owns at most one live resource at a time. The resource is
// created lazily from the current definition snapshot on the first request,
// serves requests one at a time in arrival order, and is disposed either when
// it has been idle for the configured timeout or when Close forces it down.
// Disposal snapshots the resource's database back into the definition, so a
// later request recreates an equivalent resource.
package coordinator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/leapstack-labs/sqltrainer/internal/digest"
	"github.com/leapstack-labs/sqltrainer/internal/metrics"
	"github.com/leapstack-labs/sqltrainer/internal/sqlengine"
	"github.com/leapstack-labs/sqltrainer/pkg/core"
)

// DefaultIdleTimeout is how long a live resource may sit unused before it
// is disposed.
const DefaultIdleTimeout = 5 * time.Second

// Config configures a Coordinator.
type Config struct {
	Mode Mode
	// IdleTimeout defaults to DefaultIdleTimeout. A negative value
	// disables idle disposal.
	IdleTimeout time.Duration
	Opener      sqlengine.Opener
	Hasher      digest.Func
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// Coordinator is the single-flight gateway to one execution resource.
type Coordinator struct {
	mode        Mode
	idleTimeout time.Duration
	opener      sqlengine.Opener
	hasher      digest.Func
	logger      *slog.Logger
	metrics     *metrics.Metrics

	lock fifoLock

	mu         sync.Mutex
	state      State
	definition []byte
	res        resource
	epoch      uint64
	pending    int
	idle       *time.Timer
}

// New creates a Coordinator whose resource starts from definition.
// No resource is created until the first request.
func New(definition []byte, cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	opener := cfg.Opener
	if opener == nil {
		opener = sqlengine.NewOpener(logger)
	}
	hasher := cfg.Hasher
	if hasher == nil {
		hasher = digest.Sum
	}
	mode := cfg.Mode
	if mode == "" {
		mode = ModeWorker
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout == 0 {
		idleTimeout = DefaultIdleTimeout
	}

	return &Coordinator{
		mode:        mode,
		idleTimeout: idleTimeout,
		opener:      opener,
		hasher:      hasher,
		logger:      logger,
		metrics:     cfg.Metrics,
		definition:  bytes.Clone(definition),
	}
}

// Export returns the serialized database image.
func (c *Coordinator) Export(ctx context.Context) ([]byte, error) {
	v, err := c.call(ctx, exportRequest{}, nil)
	if err != nil {
		return nil, err
	}
	image, _ := v.([]byte)
	return image, nil
}

// ExportToJSON returns the database image as a JSON array of byte values.
func (c *Coordinator) ExportToJSON(ctx context.Context) (string, error) {
	v, err := c.call(ctx, exportJSONRequest{}, nil)
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// ExportToHash returns the digest of the database image.
func (c *Coordinator) ExportToHash(ctx context.Context) (string, error) {
	v, err := c.call(ctx, exportHashRequest{}, nil)
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Exec runs sql and returns the results of statements that produced rows.
func (c *Coordinator) Exec(ctx context.Context, sql string) ([]core.StatementResult, error) {
	v, err := c.call(ctx, execRequest{sql: sql}, nil)
	if err != nil {
		return core.PartialResults(err), err
	}
	return v.([]core.StatementResult), nil
}

// RunStatements runs the statements of sql in order, calling onProgress
// after each one. On failure the results completed so far are returned
// along with the error.
func (c *Coordinator) RunStatements(ctx context.Context, sql string, onProgress core.ProgressFunc) ([]core.StatementResult, error) {
	v, err := c.call(ctx, runStatementsRequest{sql: sql}, onProgress)
	if err != nil {
		return core.PartialResults(err), err
	}
	return v.([]core.StatementResult), nil
}

// Close force-disposes the resource without waiting for queued requests.
// The request in flight is interrupted, the database is snapshotted into
// the definition, and every request admitted before Close fails with
// core.ErrResourceClosed. Close is idempotent.
func (c *Coordinator) Close(ctx context.Context) error {
	return c.terminate(ctx, "close", true, nil)
}

// Reset force-disposes the resource like Close but replaces the definition
// instead of snapshotting it.
func (c *Coordinator) Reset(ctx context.Context, definition []byte) error {
	return c.terminate(ctx, "reset", false, bytes.Clone(definition))
}

// State returns the lifecycle state of the resource.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns a copy of the definition as of the last disposal.
func (c *Coordinator) Snapshot() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Clone(c.definition)
}

// Mode returns the execution mode.
func (c *Coordinator) Mode() Mode {
	return c.mode
}

func (c *Coordinator) call(ctx context.Context, req request, onProgress core.ProgressFunc) (any, error) {
	op := req.op()
	id := uuid.NewString()
	ctx = withRequestID(ctx, id)
	start := time.Now()

	c.mu.Lock()
	epoch := c.epoch
	c.pending++
	c.stopIdleLocked()
	c.mu.Unlock()

	c.logger.Debug("request admitted",
		slog.String("request_id", id),
		slog.String("op", op),
		slog.Int("queued", c.lock.queued()))

	value, err := c.serve(ctx, epoch, req, onProgress)

	c.mu.Lock()
	c.pending--
	if c.pending == 0 && c.res != nil {
		c.armIdleLocked()
	}
	c.mu.Unlock()

	c.metrics.ObserveOperation(op, time.Since(start), err)
	if err != nil {
		c.logger.Debug("request failed",
			slog.String("request_id", id),
			slog.String("op", op),
			slog.String("error", err.Error()))
	}
	return value, err
}

func (c *Coordinator) serve(ctx context.Context, epoch uint64, req request, onProgress core.ProgressFunc) (any, error) {
	if err := c.lock.Lock(ctx); err != nil {
		return nil, err
	}
	defer c.lock.Unlock()

	res, err := c.acquire(ctx, epoch, req.op())
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.epoch == epoch {
		c.state = StateBusy
	}
	c.mu.Unlock()

	value, err := res.do(ctx, req, onProgress)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return nil, &core.TransportError{Op: req.op(), Err: core.ErrResourceClosed, Results: core.PartialResults(err)}
	}
	if errors.Is(err, errTerminated) {
		if c.res == res {
			c.res = nil
			c.state = StateDisposed
		}
		return nil, err
	}
	c.state = StateIdle
	return value, err
}

// acquire returns the live resource, creating it from the definition when
// there is none. The caller holds the lock.
func (c *Coordinator) acquire(ctx context.Context, epoch uint64, op string) (resource, error) {
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return nil, &core.TransportError{Op: op, Err: core.ErrResourceClosed}
	}
	if c.res != nil {
		res := c.res
		c.mu.Unlock()
		return res, nil
	}
	c.state = StateInitializing
	definition := c.definition
	c.mu.Unlock()

	h := &handler{opener: c.opener, hasher: c.hasher}
	var res resource
	switch c.mode {
	case ModeDirect:
		res = &directResource{h: h}
	default:
		res = startWorker(h, c.logger)
	}

	if _, err := res.do(ctx, initRequest{definition: definition}, nil); err != nil {
		res.shutdown()
		c.mu.Lock()
		if c.epoch == epoch {
			c.state = StateUninitialized
		}
		c.mu.Unlock()

		var transportErr *core.TransportError
		if !errors.As(err, &transportErr) {
			err = &core.TransportError{Op: "init", Err: err}
		}
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		res.shutdown()
		return nil, &core.TransportError{Op: op, Err: core.ErrResourceClosed}
	}
	c.res = res
	c.metrics.ResourceStarted()
	c.logger.Debug("execution resource started",
		slog.String("mode", string(c.mode)),
		slog.Int("definition_bytes", len(definition)))
	return res, nil
}

func (c *Coordinator) terminate(ctx context.Context, reason string, snapshot bool, definition []byte) error {
	c.mu.Lock()
	c.epoch++
	c.stopIdleLocked()
	res := c.res
	if res != nil {
		c.state = StateDisposing
	}
	c.mu.Unlock()

	if res != nil {
		res.interrupt()
	}

	c.lock.LockPriority()
	defer c.lock.Unlock()

	c.mu.Lock()
	res = c.res
	c.res = nil
	if !snapshot {
		c.definition = definition
	}
	if res == nil {
		if c.state != StateUninitialized {
			c.state = StateDisposed
		}
		c.mu.Unlock()
		return nil
	}
	c.state = StateDisposing
	c.mu.Unlock()

	return c.dispose(ctx, res, reason, snapshot)
}

// dispose optionally snapshots the database into the definition, then
// shuts the resource down. The caller holds the lock and has detached res.
func (c *Coordinator) dispose(ctx context.Context, res resource, reason string, snapshot bool) error {
	var err error
	if snapshot {
		var v any
		v, err = res.do(ctx, exportRequest{}, nil)
		if err == nil {
			image, _ := v.([]byte)
			c.mu.Lock()
			c.definition = image
			c.mu.Unlock()
		} else {
			c.logger.Warn("failed to snapshot definition before dispose", slog.String("error", err.Error()))
		}
	}

	res.shutdown()

	c.mu.Lock()
	c.state = StateDisposed
	c.mu.Unlock()

	c.metrics.ResourceDisposed(reason)
	c.logger.Debug("execution resource disposed", slog.String("reason", reason))

	if err != nil {
		return fmt.Errorf("failed to snapshot definition: %w", err)
	}
	return nil
}

// reap gracefully disposes an idle resource.
func (c *Coordinator) reap() {
	c.mu.Lock()
	if c.pending > 0 || c.res == nil {
		c.mu.Unlock()
		return
	}
	epoch := c.epoch
	c.mu.Unlock()

	if err := c.lock.Lock(context.Background()); err != nil {
		return
	}
	defer c.lock.Unlock()

	c.mu.Lock()
	if c.epoch != epoch || c.pending > 0 || c.res == nil {
		c.mu.Unlock()
		return
	}
	res := c.res
	c.res = nil
	c.state = StateDisposing
	c.mu.Unlock()

	if err := c.dispose(context.Background(), res, "idle", true); err != nil {
		c.logger.Warn("idle dispose failed", slog.String("error", err.Error()))
	}
}

func (c *Coordinator) armIdleLocked() {
	if c.idleTimeout <= 0 {
		return
	}
	c.stopIdleLocked()
	c.idle = time.AfterFunc(c.idleTimeout, c.reap)
}

func (c *Coordinator) stopIdleLocked() {
	if c.idle != nil {
		c.idle.Stop()
		c.idle = nil
	}
}
