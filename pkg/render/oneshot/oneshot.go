// Package oneshot renders each recipient on a fresh browser page. Every
// task loads a fully pre-substituted scene into a new page, screenshots
// it, and tears the page down. Slowest of the strategies, but each task
// is hermetic, which makes it the safest baseline when debugging template
// or engine problems.
package oneshot

import (
	"context"
	"time"

	"github.com/postalworks/batchpress/pkg/observability"
	"github.com/postalworks/batchpress/pkg/render"
	"github.com/postalworks/batchpress/pkg/render/engine"
	"github.com/postalworks/batchpress/pkg/template"
)

// Renderer implements render.BatchRenderer with page-per-recipient
// isolation. Tasks run sequentially; isolation, not throughput, is the
// point of this strategy.
type Renderer struct {
	factory engine.Factory
	opts    render.Options
}

var _ render.BatchRenderer = (*Renderer)(nil)

// New creates a oneshot renderer.
func New(factory engine.Factory, opts render.Options) (*Renderer, error) {
	if err := opts.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	return &Renderer{factory: factory, opts: opts}, nil
}

// Render processes recipients one at a time. Failures are contained per
// recipient; cancellation is honored between tasks.
func (o *Renderer) Render(ctx context.Context, tpl *template.Template, recipients []template.Recipient, progress render.ProgressFunc) (*render.Result, error) {
	total := len(recipients)
	res := render.NewResult()

	for i := range recipients {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}

		taskStart := time.Now()
		img, err := o.renderOne(ctx, tpl, &recipients[i])
		if err != nil {
			o.opts.Logger.Warn("recipient render failed", "index", i, "err", err)
			res.Errors[i] = err
		} else {
			res.Images[i] = img
		}

		observability.Render().OnTaskComplete(ctx, i, time.Since(taskStart), err)
		if progress != nil {
			progress(render.Progress{
				Index:     i,
				UnitOK:    err == nil,
				Processed: i + 1,
				Total:     total,
				Success:   res.Success(),
				Failed:    res.Failed(),
			})
		}
	}

	if err := res.ErrAllFailed(total); err != nil {
		return res, err
	}
	return res, nil
}

// renderOne builds the recipient's scene up front, so the page only ever
// sees final content and no mutation step is needed.
func (o *Renderer) renderOne(ctx context.Context, tpl *template.Template, r *template.Recipient) ([]byte, error) {
	taskCtx, cancel := context.WithTimeout(ctx, o.opts.TaskTimeout)
	defer cancel()

	scene, err := render.SubstituteScene(tpl, *r)
	if err != nil {
		return nil, err
	}

	page, err := o.factory.NewPage(taskCtx, int(tpl.Width), int(tpl.Height))
	if err != nil {
		return nil, err
	}
	defer page.Close()

	if err := page.LoadScene(taskCtx, scene); err != nil {
		return nil, err
	}
	return page.Screenshot(taskCtx)
}

// Close releases the factory-level resources.
func (o *Renderer) Close() error {
	return o.factory.Close()
}
