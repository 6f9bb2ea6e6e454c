package overlay

import (
	"bytes"
	"context"
	"image"
	"image/png"

	"github.com/postalworks/batchpress/pkg/cache"
	"github.com/postalworks/batchpress/pkg/errors"
	"github.com/postalworks/batchpress/pkg/observability"
	"github.com/postalworks/batchpress/pkg/template"
)

// baseDocument returns the template's static raster: the scene with every
// variable slot stripped, rendered once and cached. The cache key is
// derived from the stripped scene's content hash, so recipient data can
// never produce a distinct base document.
func (r *Renderer) baseDocument(ctx context.Context, tpl *template.Template) (image.Image, error) {
	key := r.keyer.BaseDocumentKey(tpl.ID, r.opts.Surface, cache.TemplateContentHash(tpl))

	if data, hit, err := r.cache.Get(ctx, key); err != nil {
		r.opts.Logger.Warn("base-document cache read failed; re-rendering", "key", key, "err", err)
	} else if hit {
		observability.Cache().OnCacheHit(ctx, "base_document")
		img, err := png.Decode(bytes.NewReader(data))
		if err == nil {
			return img, nil
		}
		r.opts.Logger.Warn("cached base document is corrupt; re-rendering", "key", key, "err", err)
	} else {
		observability.Cache().OnCacheMiss(ctx, "base_document")
	}

	data, err := r.renderBase(ctx, tpl)
	if err != nil {
		return nil, err
	}
	if err := r.cache.Set(ctx, key, data, cache.TTLBaseDocument); err != nil {
		r.opts.Logger.Warn("base-document cache write failed", "key", key, "err", err)
	} else {
		observability.Cache().OnCacheSet(ctx, "base_document", len(data))
	}

	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeRenderScript, err, "decode base document")
	}
	return img, nil
}

// renderBase screenshots the variable-stripped scene on a short-lived
// page. Stripping happens in the harness so the base document goes through
// the same load path as a full render.
func (r *Renderer) renderBase(ctx context.Context, tpl *template.Template) ([]byte, error) {
	taskCtx, cancel := context.WithTimeout(ctx, r.opts.TaskTimeout)
	defer cancel()

	page, err := r.factory.NewPage(taskCtx, int(tpl.Width), int(tpl.Height))
	if err != nil {
		return nil, err
	}
	defer page.Close()

	if err := page.LoadScene(taskCtx, tpl.Scene); err != nil {
		return nil, err
	}
	if err := page.StripVariables(taskCtx, tpl.VariableIndices()); err != nil {
		return nil, err
	}
	if err := page.Settle(taskCtx); err != nil {
		return nil, err
	}
	return page.Screenshot(taskCtx)
}
