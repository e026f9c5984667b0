package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/leapstack-labs/sqltrainer/internal/sqlengine"
	"github.com/leapstack-labs/sqltrainer/pkg/core"
)

// fakeEngine hands out fakeDBs and tracks how they are used.
type fakeEngine struct {
	opened    atomic.Int32
	active    atomic.Int32
	maxActive atomic.Int32
	openErr   error

	mu      sync.Mutex
	order   []string
	started chan string
	gate    chan struct{}
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{started: make(chan string, 64)}
}

func (e *fakeEngine) opener(_ context.Context, definition []byte) (sqlengine.Database, error) {
	if e.openErr != nil {
		return nil, e.openErr
	}
	e.opened.Add(1)
	return &fakeDB{engine: e, image: append([]byte(nil), definition...)}, nil
}

func (e *fakeEngine) executed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.order...)
}

type fakeDB struct {
	engine *fakeEngine
	image  []byte
	closed bool
}

func (d *fakeDB) Exec(ctx context.Context, sql string) ([]core.StatementResult, error) {
	e := d.engine
	n := e.active.Add(1)
	defer e.active.Add(-1)
	for {
		m := e.maxActive.Load()
		if n <= m || e.maxActive.CompareAndSwap(m, n) {
			break
		}
	}

	e.mu.Lock()
	e.order = append(e.order, sql)
	e.mu.Unlock()
	e.started <- sql

	if e.gate != nil && sql == "block" {
		select {
		case <-e.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if sql == "fail" {
		return nil, &core.StatementError{Statement: sql, Err: errors.New("bad statement")}
	}
	if sql == "panic" {
		panic("engine crashed")
	}
	d.image = append(d.image, sql...)
	return []core.StatementResult{}, nil
}

func (d *fakeDB) IterateStatements(string) sqlengine.Statements { return nil }

func (d *fakeDB) RowsModified(context.Context) (int64, error) { return 0, nil }

func (d *fakeDB) Export(context.Context) ([]byte, error) {
	return append([]byte(nil), d.image...), nil
}

func (d *fakeDB) Close() error {
	d.closed = true
	return nil
}
