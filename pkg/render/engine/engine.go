// Package engine drives the off-process rendering surface: a headless
// Chrome instance whose pages embed a fabric.js canvas harness.
//
// One Engine owns one browser process. Pages are isolated rendering
// contexts sized to a template's pixel dimensions; the pooled (cluster)
// strategy holds one page per worker for the pool's lifetime, while the
// one-shot strategy creates and tears down a page per recipient. The two
// usage patterns never mix within a batch.
//
// All scene manipulation goes through the harness bridge
// (window.__harness): load a scene graph, strip variable content, mutate
// text in place, swap QR images with footprint-preserving scale, join
// pending image loads, screenshot.
package engine

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/postalworks/batchpress/pkg/errors"
	"github.com/postalworks/batchpress/pkg/template"
)

//go:embed harness.html
var harnessHTML []byte

// Page is one isolated rendering context. Implementations are not safe for
// concurrent use; a page belongs to exactly one worker at a time.
type Page interface {
	// LoadScene loads a scene graph into the harness and waits for every
	// image it references.
	LoadScene(ctx context.Context, scene template.SceneGraph) error

	// StripVariables clears variable text and hides variable images, for
	// base-document rendering.
	StripVariables(ctx context.Context, indices []int) error

	// SetText replaces the text content of the object at index.
	SetText(ctx context.Context, index int, text string) error

	// SwapImage replaces the image at index with src (usually a data:
	// URL), preserving the old object's rendered footprint. The load is
	// asynchronous; call Settle before screenshotting.
	SwapImage(ctx context.Context, index int, src string) error

	// Settle joins all pending image loads and re-renders. The scene is
	// not stable for screenshots until Settle returns.
	Settle(ctx context.Context) error

	// Screenshot captures the canvas as PNG.
	Screenshot(ctx context.Context) ([]byte, error)

	// Close tears the context down.
	Close() error
}

// Factory creates pages. *Engine is the production implementation; tests
// substitute fakes.
type Factory interface {
	NewPage(ctx context.Context, widthPx, heightPx int) (Page, error)

	// Close shuts the underlying engine down, closing any pages that are
	// still open.
	Close() error
}

// Config holds engine settings.
type Config struct {
	// HarnessURL overrides the embedded harness location (useful for a
	// harness with locally vendored fabric.js). Empty uses the embedded
	// harness written to a temp file.
	HarnessURL string

	// ExecPath overrides the Chrome binary location.
	ExecPath string

	// Logger receives engine lifecycle output.
	Logger *log.Logger
}

// Engine owns one headless browser process and hands out pages.
type Engine struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	harnessURL  string
	harnessDir  string
	logger      *log.Logger
}

// New starts the browser allocator and stages the harness document.
// The browser process itself launches lazily with the first page; worker
// initialization failures therefore surface per page, where the pool can
// degrade capacity instead of aborting the batch.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}

	e := &Engine{
		harnessURL: cfg.HarnessURL,
		logger:     logger,
	}

	if e.harnessURL == "" {
		dir, err := os.MkdirTemp("", "batchpress-harness-*")
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeEngineStart, err, "stage harness")
		}
		path := filepath.Join(dir, "harness.html")
		if err := os.WriteFile(path, harnessHTML, 0644); err != nil {
			_ = os.RemoveAll(dir)
			return nil, errors.Wrap(errors.ErrCodeEngineStart, err, "stage harness")
		}
		e.harnessDir = dir
		e.harnessURL = "file://" + path
	}

	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("force-device-scale-factor", "1"),
		chromedp.Flag("hide-scrollbars", true),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	e.allocCtx, e.allocCancel = chromedp.NewExecAllocator(ctx, opts...)

	logger.Debug("render engine ready", "harness", e.harnessURL)
	return e, nil
}

// NewPage creates a rendering context sized to the template's pixel
// dimensions and waits for the harness to initialize.
func (e *Engine) NewPage(ctx context.Context, widthPx, heightPx int) (Page, error) {
	pageCtx, cancel := chromedp.NewContext(e.allocCtx)

	err := chromedp.Run(pageCtx,
		chromedp.EmulateViewport(int64(widthPx), int64(heightPx)),
		chromedp.Navigate(e.harnessURL),
		chromedp.WaitReady("#stage", chromedp.ByID),
		chromedp.Evaluate(fmt.Sprintf("window.__harness.init(%d, %d)", widthPx, heightPx), nil),
	)
	if err != nil {
		cancel()
		return nil, errors.Wrap(errors.ErrCodeEngineStart, err, "start rendering context")
	}

	return &chromePage{ctx: pageCtx, cancel: cancel}, nil
}

// Close shuts the browser process down. Pages created from this engine
// become unusable.
func (e *Engine) Close() error {
	e.allocCancel()
	if e.harnessDir != "" {
		_ = os.RemoveAll(e.harnessDir)
	}
	return nil
}

// Ensure Engine implements Factory.
var _ Factory = (*Engine)(nil)

// chromePage drives one chromedp browser tab through the harness bridge.
type chromePage struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func (p *chromePage) LoadScene(ctx context.Context, scene template.SceneGraph) error {
	sceneJSON, err := json.Marshal(scene)
	if err != nil {
		return errors.Wrap(errors.ErrCodeRenderScript, err, "marshal scene")
	}
	return p.await(ctx, fmt.Sprintf("window.__harness.loadScene(%s)", sceneJSON))
}

func (p *chromePage) StripVariables(ctx context.Context, indices []int) error {
	if len(indices) == 0 {
		return nil
	}
	idx, err := json.Marshal(indices)
	if err != nil {
		return errors.Wrap(errors.ErrCodeRenderScript, err, "marshal indices")
	}
	return p.eval(ctx, fmt.Sprintf("window.__harness.stripVariables(%s)", idx))
}

func (p *chromePage) SetText(ctx context.Context, index int, text string) error {
	quoted, err := json.Marshal(text)
	if err != nil {
		return errors.Wrap(errors.ErrCodeRenderScript, err, "marshal text")
	}
	return p.eval(ctx, fmt.Sprintf("window.__harness.setText(%d, %s)", index, quoted))
}

func (p *chromePage) SwapImage(ctx context.Context, index int, src string) error {
	quoted, err := json.Marshal(src)
	if err != nil {
		return errors.Wrap(errors.ErrCodeRenderScript, err, "marshal image source")
	}
	return p.eval(ctx, fmt.Sprintf("window.__harness.swapImage(%d, %s)", index, quoted))
}

func (p *chromePage) Settle(ctx context.Context) error {
	return p.await(ctx, "window.__harness.whenSettled()")
}

func (p *chromePage) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := p.run(ctx, chromedp.Screenshot("#stage", &buf, chromedp.ByID))
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeRenderScript, err, "screenshot")
	}
	return buf, nil
}

func (p *chromePage) Close() error {
	p.cancel()
	return nil
}

// eval runs a synchronous harness expression.
func (p *chromePage) eval(ctx context.Context, expr string) error {
	err := p.run(ctx, chromedp.Evaluate(expr, nil))
	if err != nil {
		return errors.Wrap(errors.ErrCodeRenderScript, err, "evaluate")
	}
	return nil
}

// await runs a harness expression that returns a Promise and waits for it
// to resolve.
func (p *chromePage) await(ctx context.Context, expr string) error {
	action := chromedp.Evaluate(expr, nil, func(ep *runtime.EvaluateParams) *runtime.EvaluateParams {
		return ep.WithAwaitPromise(true)
	})
	if err := p.run(ctx, action); err != nil {
		return errors.Wrap(errors.ErrCodeRenderScript, err, "evaluate")
	}
	return nil
}

// run executes actions on the page while honoring the caller's deadline.
// The page context survives the call; only the work is bounded.
func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	done := make(chan error, 1)
	go func() {
		done <- chromedp.Run(p.ctx, actions...)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return errors.Wrap(errors.ErrCodeRenderTimeout, ctx.Err(), "render context deadline")
	}
}
