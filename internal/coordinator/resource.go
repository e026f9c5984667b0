package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/leapstack-labs/sqltrainer/pkg/core"
)

// resource is a live execution resource.
type resource interface {
	// do sends one request and waits for its final reply, forwarding
	// progress along the way.
	do(ctx context.Context, req request, onProgress core.ProgressFunc) (any, error)
	// interrupt cancels the request currently being served, if any.
	interrupt()
	// shutdown releases the database and stops the resource.
	shutdown()
}

var errTerminated = errors.New("resource terminated")

type requestIDKey struct{}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// cancelSlot holds the cancel function of the request in flight.
type cancelSlot struct {
	mu     sync.Mutex
	cancel context.CancelFunc
}

func (s *cancelSlot) begin(ctx context.Context) (context.Context, func()) {
	opCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	return opCtx, func() {
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
		cancel()
	}
}

func (s *cancelSlot) interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// envelope carries a request to the worker goroutine.
type envelope struct {
	id      string
	ctx     context.Context
	req     request
	replies chan message
}

// workerResource serves requests on a dedicated goroutine.
type workerResource struct {
	requests chan envelope
	done     chan struct{}
	slot     cancelSlot
	logger   *slog.Logger
}

func startWorker(h *handler, logger *slog.Logger) *workerResource {
	w := &workerResource{
		requests: make(chan envelope),
		done:     make(chan struct{}),
		logger:   logger,
	}
	go w.loop(h)
	return w
}

func (w *workerResource) loop(h *handler) {
	defer close(w.done)
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("execution resource crashed", slog.Any("panic", r))
		}
		_ = h.close()
	}()

	for env := range w.requests {
		if w.serve(h, env) {
			return
		}
	}
}

// serve answers one request. It reports whether the worker should exit.
func (w *workerResource) serve(h *handler, env envelope) bool {
	emit := func(p core.Progress) {
		select {
		case env.replies <- progressMessage{progress: p}:
		case <-env.ctx.Done():
		}
	}

	w.logger.Debug("serving request", slog.String("request_id", env.id), slog.String("op", env.req.op()))
	value, err := h.handle(env.ctx, env.req, emit)
	var reply message = resultMessage{value: value}
	if err != nil {
		reply = errorMessage{err: err}
	}
	env.replies <- reply

	_, stop := env.req.(closeRequest)
	return stop
}

func (w *workerResource) do(ctx context.Context, req request, onProgress core.ProgressFunc) (any, error) {
	opCtx, end := w.slot.begin(ctx)
	defer end()

	env := envelope{id: requestID(ctx), ctx: opCtx, req: req, replies: make(chan message)}
	select {
	case w.requests <- env:
	case <-w.done:
		return nil, &core.TransportError{Op: req.op(), Err: errTerminated}
	}

	for {
		select {
		case msg := <-env.replies:
			switch m := msg.(type) {
			case progressMessage:
				if onProgress != nil {
					onProgress(m.progress)
				}
			case resultMessage:
				return m.value, nil
			case errorMessage:
				return nil, m.err
			default:
				return nil, fmt.Errorf("unexpected reply %T", msg)
			}
		case <-w.done:
			return nil, &core.TransportError{Op: req.op(), Err: errTerminated}
		}
	}
}

func (w *workerResource) interrupt() {
	w.slot.interrupt()
}

func (w *workerResource) shutdown() {
	select {
	case <-w.done:
		return
	default:
	}
	_, err := w.do(context.Background(), closeRequest{}, nil)
	if err != nil {
		w.logger.Debug("close request failed", slog.String("error", err.Error()))
	}
	<-w.done
}

// directResource serves requests synchronously on the caller's goroutine.
type directResource struct {
	mu   sync.Mutex
	h    *handler
	slot cancelSlot
}

func (d *directResource) do(ctx context.Context, req request, onProgress core.ProgressFunc) (any, error) {
	opCtx, end := d.slot.begin(ctx)
	defer end()

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.h.handle(opCtx, req, onProgress)
}

func (d *directResource) interrupt() {
	d.slot.interrupt()
}

func (d *directResource) shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	_ = d.h.close()
}
