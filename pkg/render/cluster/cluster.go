// Package cluster renders batches on a pool of persistent browser pages.
// Each worker loads the template scene once and personalizes it in place
// per recipient, so the per-task cost is a handful of mutations plus a
// screenshot instead of a full scene load.
package cluster

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/postalworks/batchpress/pkg/errors"
	"github.com/postalworks/batchpress/pkg/observability"
	"github.com/postalworks/batchpress/pkg/render"
	"github.com/postalworks/batchpress/pkg/render/engine"
	"github.com/postalworks/batchpress/pkg/template"
)

// Renderer implements render.BatchRenderer with a persistent worker pool.
type Renderer struct {
	factory engine.Factory
	opts    render.Options
}

var _ render.BatchRenderer = (*Renderer)(nil)

// New creates a cluster renderer. The pool itself is created per batch in
// Render, sized to the options' concurrency; the factory is what persists
// across batches.
func New(factory engine.Factory, opts render.Options) (*Renderer, error) {
	if err := opts.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	return &Renderer{factory: factory, opts: opts}, nil
}

// Render personalizes every recipient against the template. Tasks are
// dispatched in chunks of twice the concurrency so the scheduler always
// has work queued without materializing goroutines for the whole batch,
// and each chunk fully drains before the next starts. A failed recipient
// is recorded and skipped; only an all-failed batch escalates to an error.
func (c *Renderer) Render(ctx context.Context, tpl *template.Template, recipients []template.Recipient, progress render.ProgressFunc) (*render.Result, error) {
	total := len(recipients)
	res := render.NewResult()
	if total == 0 {
		return res, nil
	}

	p, err := newPool(ctx, c.factory, tpl, c.opts.Concurrency, c.opts.AcquireTimeout, c.opts.Logger)
	if err != nil {
		return nil, err
	}
	defer p.close()

	var mu sync.Mutex
	processed := 0

	chunkSize := 2 * c.opts.Concurrency
	for start := 0; start < total; start += chunkSize {
		// Cancellation is honored between chunks: in-flight tasks run to
		// completion so their results are never lost.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, errors.Wrap(errors.ErrCodeCancelled, ctxErr, "batch render interrupted")
		}

		end := min(start+chunkSize, total)
		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				taskStart := time.Now()
				img, taskErr := c.renderOne(ctx, p, tpl, &recipients[i])

				mu.Lock()
				processed++
				if taskErr != nil {
					res.Errors[i] = taskErr
				} else {
					res.Images[i] = img
				}
				done, succeeded, failed := processed, res.Success(), res.Failed()
				mu.Unlock()

				observability.Render().OnTaskComplete(ctx, i, time.Since(taskStart), taskErr)
				if progress != nil {
					progress(render.Progress{
						Index:     i,
						UnitOK:    taskErr == nil,
						Processed: done,
						Total:     total,
						Success:   succeeded,
						Failed:    failed,
					})
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	if err := res.ErrAllFailed(total); err != nil {
		return res, err
	}
	return res, nil
}

// renderOne runs a single recipient on a pooled worker under the task
// timeout. The worker only returns to rotation directly on success; after
// a failure it goes through recovery so a half-mutated scene never leaks
// into the next task.
func (c *Renderer) renderOne(ctx context.Context, p *pool, tpl *template.Template, r *template.Recipient) ([]byte, error) {
	w, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}

	taskCtx, cancel := context.WithTimeout(ctx, c.opts.TaskTimeout)
	defer cancel()

	if err := render.ApplyRecipient(taskCtx, w.page, tpl, *r); err != nil {
		p.recover(ctx, w, tpl)
		return nil, err
	}
	img, err := w.page.Screenshot(taskCtx)
	if err != nil {
		p.recover(ctx, w, tpl)
		return nil, err
	}

	p.release(w)
	return img, nil
}

// Close releases the factory-level resources.
func (c *Renderer) Close() error {
	return c.factory.Close()
}
