// Package overlay renders recipients without a browser: the template's
// static content is rendered once into a cached base document, and each
// recipient's variable content is drawn directly onto a copy of that
// raster. Amortizing the expensive scene render across the whole batch
// makes this the fastest strategy for large runs, at the cost of font
// fidelity (system fonts approximate the canvas engine's text layout).
package overlay

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/png"
	"math"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"golang.org/x/sync/errgroup"

	"github.com/postalworks/batchpress/pkg/cache"
	"github.com/postalworks/batchpress/pkg/errors"
	"github.com/postalworks/batchpress/pkg/httputil"
	"github.com/postalworks/batchpress/pkg/observability"
	"github.com/postalworks/batchpress/pkg/position"
	"github.com/postalworks/batchpress/pkg/render"
	"github.com/postalworks/batchpress/pkg/render/engine"
	"github.com/postalworks/batchpress/pkg/template"
)

// Renderer implements render.BatchRenderer by compositing onto a cached
// base document.
type Renderer struct {
	factory engine.Factory
	cache   cache.Cache
	keyer   cache.Keyer
	opts    render.Options
	fonts   *fontCache
}

var _ render.BatchRenderer = (*Renderer)(nil)

// New creates an overlay renderer. The factory is only used for the single
// base-document render per template; recipients never touch the engine.
func New(factory engine.Factory, c cache.Cache, keyer cache.Keyer, opts render.Options) (*Renderer, error) {
	if err := opts.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	if c == nil {
		c = cache.NewNullCache()
	}
	if keyer == nil {
		keyer = cache.DefaultKeyer{}
	}
	return &Renderer{
		factory: factory,
		cache:   c,
		keyer:   keyer,
		opts:    opts,
		fonts:   newFontCache(),
	}, nil
}

// Render composites every recipient onto the template's base document.
// Drawing is CPU-bound, so recipients run on an errgroup limited to the
// configured concurrency rather than a worker pool.
func (r *Renderer) Render(ctx context.Context, tpl *template.Template, recipients []template.Recipient, progress render.ProgressFunc) (*render.Result, error) {
	total := len(recipients)
	res := render.NewResult()
	if total == 0 {
		return res, nil
	}

	base, err := r.baseDocument(ctx, tpl)
	if err != nil {
		return nil, err
	}
	manifest := position.Extract(tpl, position.FormatFor(tpl, r.opts.DPI), r.opts.Logger)
	logos, err := r.logoAssets(ctx, tpl, manifest)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	processed := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)
	for i := range recipients {
		g.Go(func() error {
			img, taskErr := r.compose(gctx, base, tpl, manifest, logos, &recipients[i])

			mu.Lock()
			processed++
			if taskErr != nil {
				res.Errors[i] = taskErr
			} else {
				res.Images[i] = img
			}
			done, succeeded, failed := processed, res.Success(), res.Failed()
			mu.Unlock()

			observability.Render().OnTaskComplete(gctx, i, 0, taskErr)
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

	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, errors.Wrap(errors.ErrCodeCancelled, ctxErr, "batch render interrupted")
	}
	if err := res.ErrAllFailed(total); err != nil {
		return res, err
	}
	return res, nil
}

// compose draws one recipient's variable content onto a copy of the base
// document and encodes the result as PNG.
func (r *Renderer) compose(ctx context.Context, base image.Image, tpl *template.Template, m position.Manifest, logos map[int]image.Image, rcpt *template.Recipient) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	w, h := int(tpl.Width), int(tpl.Height)
	dc := gg.NewContext(w, h)
	dc.DrawImage(base, 0, 0)

	for _, e := range m.Entries {
		if e.Reusable {
			continue
		}
		var err error
		switch e.Type {
		case template.VarQRCode:
			err = r.drawQR(dc, m.Format, e, rcpt.QRPayload)
		case template.VarLogo:
			// Reusable brand slots are part of the base document; a
			// non-reusable slot was stripped from it and gets the
			// template's authored image drawn back.
			if img, ok := logos[e.Index]; ok {
				drawInSlot(dc, m.Format, e, img)
			}
		default:
			err = r.drawText(dc, tpl, m.Format, e, rcpt)
		}
		if err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, dc.Image()); err != nil {
		return nil, errors.Wrap(errors.ErrCodeRenderScript, err, "encode recipient raster")
	}
	return buf.Bytes(), nil
}

// drawText renders a text slot. Slots the recipient declines (an absent
// phone number) fall back to the template's authored text, because the base
// document was rendered with every variable slot stripped.
func (r *Renderer) drawText(dc *gg.Context, tpl *template.Template, f position.Format, e position.Entry, rcpt *template.Recipient) error {
	value, replace, err := render.ResolveText(e.Type, *rcpt)
	if err != nil {
		return err
	}
	if !replace {
		value = tpl.Scene.Objects[e.Index].Text
	}
	if value == "" {
		return nil
	}

	style := e.Text
	if style == nil {
		style = &position.TextStyle{}
	}
	sizePx := f.ToPixels(style.FontSizePt)
	if sizePx <= 0 {
		sizePx = f.ToPixels(12)
	}
	face, err := r.fonts.face(style.Family, style.Weight, sizePx)
	if err != nil {
		return err
	}
	dc.SetFontFace(face)

	if style.Fill != "" {
		dc.SetHexColor(style.Fill)
	} else {
		dc.SetRGB(0, 0, 0)
	}

	// Manifest geometry is bottom-left points; gg draws top-left pixels.
	xPx := f.ToPixels(e.X)
	topPx := float64(dc.Height()) - f.ToPixels(e.Y+e.Height)
	widthPx := f.ToPixels(e.Width)

	align := gg.AlignLeft
	switch style.Align {
	case "center":
		align = gg.AlignCenter
	case "right":
		align = gg.AlignRight
	}

	dc.DrawStringWrapped(value, xPx, topPx, 0, 0, widthPx, 1.3, align)
	return nil
}

// drawQR generates and places the recipient's QR code. Recipients without
// a payload keep the slot empty.
func (r *Renderer) drawQR(dc *gg.Context, f position.Format, e position.Entry, payload string) error {
	if payload == "" {
		return nil
	}

	wPx := int(math.Round(f.ToPixels(e.Width)))
	data, err := render.QRPNG(payload, wPx)
	if err != nil {
		return err
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(errors.ErrCodeRenderScript, err, "decode qr raster")
	}

	drawInSlot(dc, f, e, img)
	return nil
}

// drawInSlot places an image into a manifest slot, resizing to the slot's
// pixel dimensions. Manifest geometry is bottom-left points; gg draws
// top-left pixels.
func drawInSlot(dc *gg.Context, f position.Format, e position.Entry, img image.Image) {
	wPx := int(math.Round(f.ToPixels(e.Width)))
	hPx := int(math.Round(f.ToPixels(e.Height)))
	b := img.Bounds()
	if b.Dx() != wPx || b.Dy() != hPx {
		img = imaging.Resize(img, wPx, hPx, imaging.Lanczos)
	}

	xPx := int(math.Round(f.ToPixels(e.X)))
	topPx := dc.Height() - int(math.Round(f.ToPixels(e.Y+e.Height)))
	dc.DrawImage(img, xPx, topPx)
}

// logoAssets loads the authored image for every non-reusable logo slot,
// once per batch. The asset is template content, so a failure here is
// systemic and aborts the batch before any recipient renders.
func (r *Renderer) logoAssets(ctx context.Context, tpl *template.Template, m position.Manifest) (map[int]image.Image, error) {
	var logos map[int]image.Image
	for _, e := range m.Entries {
		if e.Reusable || e.Type != template.VarLogo {
			continue
		}
		src := tpl.Scene.Objects[e.Index].Src
		if src == "" {
			continue
		}
		data, err := loadAsset(ctx, src)
		if err != nil {
			return nil, err
		}
		img, err := imaging.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeInvalidTemplate, err, "decode logo asset for element %d", e.Index)
		}
		if logos == nil {
			logos = make(map[int]image.Image)
		}
		logos[e.Index] = img
	}
	return logos, nil
}

// loadAsset resolves an element source, which is either an inline data URL
// or a remote asset URL.
func loadAsset(ctx context.Context, src string) ([]byte, error) {
	if strings.HasPrefix(src, "data:") {
		comma := strings.Index(src, ",")
		if comma < 0 || !strings.Contains(src[:comma], ";base64") {
			return nil, errors.New(errors.ErrCodeInvalidTemplate, "unsupported data URL encoding")
		}
		data, err := base64.StdEncoding.DecodeString(src[comma+1:])
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeInvalidTemplate, err, "decode data URL")
		}
		return data, nil
	}
	return httputil.FetchAsset(ctx, src)
}

// Close releases the engine used for base-document renders.
func (r *Renderer) Close() error {
	return r.factory.Close()
}
