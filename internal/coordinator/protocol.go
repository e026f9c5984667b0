package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/leapstack-labs/sqltrainer/internal/digest"
	"github.com/leapstack-labs/sqltrainer/internal/sqlengine"
	"github.com/leapstack-labs/sqltrainer/pkg/core"
)

// request is a message sent to an execution resource.
type request interface {
	op() string
}

type (
	initRequest struct {
		definition []byte
	}
	exportRequest        struct{}
	exportJSONRequest    struct{}
	exportHashRequest    struct{}
	execRequest          struct{ sql string }
	runStatementsRequest struct{ sql string }
	closeRequest         struct{}
)

func (initRequest) op() string          { return "init" }
func (exportRequest) op() string        { return "export" }
func (exportJSONRequest) op() string    { return "exportToJSON" }
func (exportHashRequest) op() string    { return "exportToHash" }
func (execRequest) op() string          { return "exec" }
func (runStatementsRequest) op() string { return "runStatements" }
func (closeRequest) op() string         { return "close" }

// message is a reply from an execution resource.
type message interface {
	isMessage()
}

type (
	resultMessage   struct{ value any }
	errorMessage    struct{ err error }
	progressMessage struct{ progress core.Progress }
)

func (resultMessage) isMessage()   {}
func (errorMessage) isMessage()    {}
func (progressMessage) isMessage() {}

var errNotStarted = errors.New("resource not started")

// handler owns an open database and answers requests against it.
// It is used by exactly one goroutine at a time.
type handler struct {
	opener sqlengine.Opener
	hasher digest.Func
	db     sqlengine.Database
}

func (h *handler) handle(ctx context.Context, req request, emit core.ProgressFunc) (any, error) {
	switch req.(type) {
	case initRequest, closeRequest:
	default:
		if h.db == nil {
			return nil, &core.TransportError{Op: req.op(), Err: errNotStarted}
		}
	}

	switch r := req.(type) {
	case initRequest:
		db, err := h.opener(ctx, r.definition)
		if err != nil {
			return nil, &core.TransportError{Op: r.op(), Err: err}
		}
		h.db = db
		return nil, nil

	case exportRequest:
		return h.db.Export(ctx)

	case exportJSONRequest:
		image, err := h.db.Export(ctx)
		if err != nil {
			return nil, err
		}
		return sqlengine.EncodeDefinitionJSON(image), nil

	case exportHashRequest:
		image, err := h.db.Export(ctx)
		if err != nil {
			return nil, err
		}
		return h.hasher(image), nil

	case execRequest:
		results, err := h.db.Exec(ctx, r.sql)
		if err != nil {
			return nil, interrupted(ctx, r.op(), err, results)
		}
		return results, nil

	case runStatementsRequest:
		results, err := sqlengine.RunStatements(ctx, h.db, r.sql, emit)
		if err != nil {
			return nil, interrupted(ctx, r.op(), err, results)
		}
		return results, nil

	case closeRequest:
		return nil, h.close()

	default:
		return nil, fmt.Errorf("unknown request %T", req)
	}
}

func (h *handler) close() error {
	if h.db == nil {
		return nil
	}
	err := h.db.Close()
	h.db = nil
	return err
}

// interrupted turns a cancellation into a transport failure that keeps the
// statements completed before it. Other errors pass through.
func interrupted(ctx context.Context, op string, err error, results []core.StatementResult) error {
	if ctx.Err() == nil {
		return err
	}
	return &core.TransportError{Op: op, Err: ctx.Err(), Results: results}
}
