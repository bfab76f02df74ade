package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/panjf2000/ants/v2"

	"github.com/ent0n29/scenecast/internal/observability"
	"github.com/ent0n29/scenecast/internal/reliability"
)

// submitBackoff paces resubmission while every worker of a pool is busy.
var submitBackoff = reliability.Backoff{Initial: 10 * time.Millisecond, Max: 500 * time.Millisecond, Factor: 2}

// Pool runs submitted tasks on a bounded set of workers. *ants.Pool satisfies it.
type Pool interface {
	Submit(task func()) error
}

// NewWorkerPool builds a nonblocking ants pool; size <= 0 means no worker limit.
// A full pool refuses Submit with ants.ErrPoolOverload.
func NewWorkerPool(size int, logger *log.Logger) (*ants.Pool, error) {
	if logger == nil {
		logger = log.Default()
	}
	pool, err := ants.NewPool(size,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p any) {
			logger.Error("worker panic", "panic", p)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	return pool, nil
}

// taskGroup tracks one session's background work so teardown can cancel and await it.
type taskGroup struct {
	ctx     context.Context
	wg      sync.WaitGroup
	logger  *log.Logger
	metrics *observability.Metrics
}

func newTaskGroup(ctx context.Context, logger *log.Logger, metrics *observability.Metrics) *taskGroup {
	return &taskGroup{ctx: ctx, logger: logger, metrics: metrics}
}

// Go runs fn in the background, on pool when one is given. The caller never
// blocks waiting for a worker. onReject runs if the pool refuses the task.
func (g *taskGroup) Go(kind string, pool Pool, fn func(ctx context.Context), onReject func(error)) {
	g.wg.Add(1)
	run := func() {
		defer g.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				g.metrics.ObserveBackgroundTask(kind, "panic")
				g.logger.Error("background task panic", "kind", kind, "panic", r, "stack", string(debug.Stack()))
			}
		}()
		if g.ctx.Err() != nil {
			g.metrics.ObserveBackgroundTask(kind, "cancelled")
			return
		}
		fn(g.ctx)
		g.metrics.ObserveBackgroundTask(kind, "done")
	}
	if pool == nil {
		go run()
		return
	}
	go func() {
		err := g.submit(pool, run)
		if err == nil {
			return
		}
		defer g.wg.Done()
		if g.ctx.Err() != nil {
			g.metrics.ObserveBackgroundTask(kind, "cancelled")
			return
		}
		g.metrics.ObserveBackgroundTask(kind, "rejected")
		g.logger.Warn("background task rejected", "kind", kind, "err", err)
		if onReject != nil {
			onReject(err)
		}
	}()
}

// submit hands run to pool, waiting for a free worker until the group is cancelled.
func (g *taskGroup) submit(pool Pool, run func()) error {
	for attempt := 0; ; attempt++ {
		err := pool.Submit(run)
		if !errors.Is(err, ants.ErrPoolOverload) {
			return err
		}
		if err := reliability.Sleep(g.ctx, submitBackoff.Delay(attempt)); err != nil {
			return err
		}
	}
}

func (g *taskGroup) Wait() {
	g.wg.Wait()
}
