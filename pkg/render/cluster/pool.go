package cluster

import (
	"context"
	"time"

	"github.com/charmbracelet/log"

	"github.com/postalworks/batchpress/pkg/errors"
	"github.com/postalworks/batchpress/pkg/observability"
	"github.com/postalworks/batchpress/pkg/render/engine"
	"github.com/postalworks/batchpress/pkg/template"
)

// acquireBackoff is the fixed poll interval while waiting for an idle
// worker.
const acquireBackoff = 50 * time.Millisecond

// worker is one persistent rendering context. It loads the template scene
// exactly once; recipients are applied by in-place mutation, which is the
// dominant throughput optimization over reloading the scene per recipient.
type worker struct {
	id   int
	page engine.Page
}

// pool is the bounded set of persistent workers for one batch.
type pool struct {
	idle           chan *worker
	acquireTimeout time.Duration
	logger         *log.Logger
}

// newPool brings up n workers, each with the template scene loaded. A
// worker that fails to initialize reduces pool capacity instead of
// aborting; only zero started workers is a hard error, since a batch with
// no rendering capacity cannot make progress at all.
func newPool(ctx context.Context, factory engine.Factory, tpl *template.Template, n int, acquireTimeout time.Duration, logger *log.Logger) (*pool, error) {
	p := &pool{
		idle:           make(chan *worker, n),
		acquireTimeout: acquireTimeout,
		logger:         logger,
	}

	started := 0
	for i := range n {
		page, err := factory.NewPage(ctx, int(tpl.Width), int(tpl.Height))
		if err != nil {
			observability.Render().OnWorkerFailed(ctx, i, err)
			logger.Warn("render worker failed to start; continuing with reduced capacity",
				"worker", i, "err", err)
			continue
		}
		if err := page.LoadScene(ctx, tpl.Scene); err != nil {
			_ = page.Close()
			observability.Render().OnWorkerFailed(ctx, i, err)
			logger.Warn("render worker failed to load template; continuing with reduced capacity",
				"worker", i, "err", err)
			continue
		}
		p.idle <- &worker{id: i, page: page}
		started++
		observability.Render().OnWorkerStart(ctx, i)
	}

	if started == 0 {
		return nil, errors.New(errors.ErrCodeEngineStart, "no render workers started")
	}
	logger.Debug("render pool ready", "requested", n, "started", started)
	return p, nil
}

// acquire blocks until a worker is idle, polling with a fixed backoff.
// When the overall wait exceeds the acquire timeout the task fails rather
// than deadlocking the batch.
func (p *pool) acquire(ctx context.Context) (*worker, error) {
	deadline := time.Now().Add(p.acquireTimeout)
	for {
		select {
		case w := <-p.idle:
			return w, nil
		default:
		}
		if time.Now().After(deadline) {
			return nil, errors.New(errors.ErrCodeWorkerUnavailable,
				"no render worker became available within %s", p.acquireTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(acquireBackoff):
		}
	}
}

// release returns a healthy worker to the pool.
func (p *pool) release(w *worker) {
	p.idle <- w
}

// recover tries to restore a worker whose last task failed: the scene may
// be half-mutated, so the template is reloaded before the worker goes back
// into rotation. A worker that cannot reload is discarded, shrinking
// capacity.
func (p *pool) recover(ctx context.Context, w *worker, tpl *template.Template) {
	if err := w.page.LoadScene(ctx, tpl.Scene); err != nil {
		p.logger.Warn("discarding render worker after failed recovery", "worker", w.id, "err", err)
		_ = w.page.Close()
		return
	}
	p.idle <- w
}

// close tears down every idle worker. In-flight workers are the callers'
// responsibility; Render drains all tasks before closing the pool.
func (p *pool) close() {
	for {
		select {
		case w := <-p.idle:
			_ = w.page.Close()
		default:
			return
		}
	}
}
