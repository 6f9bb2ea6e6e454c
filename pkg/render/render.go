// Package render defines the batch-rendering contract shared by the three
// rendering strategies:
//
//   - oneshot: a fresh rendering context per recipient (simple, expensive)
//   - cluster: a pool of persistent contexts with in-place scene mutation
//   - overlay: direct drawing onto a cached base document, no browser at all
//
// All strategies implement [BatchRenderer], selected by configuration, so
// the orchestrator never branches on strategy. The shared invariant: a
// recipient changes element content only, never position or size, which
// is what makes one template render reusable across a whole batch.
package render

import (
	"context"
	"io"
	"time"

	"github.com/charmbracelet/log"

	"github.com/postalworks/batchpress/pkg/errors"
	"github.com/postalworks/batchpress/pkg/template"
)

// Default tunables. Timeouts are generous because CI and shared-host
// environments render slowly; a wedged page is caught per task without
// stalling siblings.
const (
	DefaultConcurrency    = 4
	DefaultTaskTimeout    = 3 * time.Minute
	DefaultAcquireTimeout = 2 * time.Minute
	DefaultDPI            = 300.0
	DefaultSurface        = "front"
)

// Strategy names accepted by configuration.
const (
	StrategyOneShot = "oneshot"
	StrategyCluster = "cluster"
	StrategyOverlay = "overlay"
)

// ValidStrategies is the set of supported rendering strategies.
var ValidStrategies = map[string]bool{
	StrategyOneShot: true,
	StrategyCluster: true,
	StrategyOverlay: true,
}

// ValidateStrategy checks that a strategy name is valid.
func ValidateStrategy(s string) error {
	if !ValidStrategies[s] {
		return errors.New(errors.ErrCodeInvalidInput,
			"invalid render strategy: %q (must be one of: oneshot, cluster, overlay)", s)
	}
	return nil
}

// Progress reports one completed unit of work. The cumulative counts are a
// consistent snapshot taken under the renderer's lock, but calls for
// different units can reach the consumer out of order; UnitOK carries the
// outcome of the unit this call reports, so consumers never derive it from
// deltas between snapshots.
type Progress struct {
	// Index is the recipient index of the unit that completed.
	Index int

	// UnitOK is the outcome of that unit.
	UnitOK bool

	// Cumulative counts for the batch.
	Processed int
	Total     int
	Success   int
	Failed    int
}

// ProgressFunc is invoked after every completed unit of work, successful or
// not.
type ProgressFunc func(p Progress)

// Options contains configuration shared by all rendering strategies.
type Options struct {
	// Concurrency is the worker-pool size for the cluster and overlay
	// strategies. The oneshot strategy ignores it.
	Concurrency int

	// TaskTimeout bounds a single recipient's render.
	TaskTimeout time.Duration

	// AcquireTimeout bounds how long a task waits for a free worker.
	AcquireTimeout time.Duration

	// DPI is the template's design density, used to derive the physical
	// output format.
	DPI float64

	// Surface names the template side being rendered (front/back); it is
	// part of the base-document cache key.
	Surface string

	// Logger receives progress and warning output.
	Logger *log.Logger

	validated bool
}

// ValidateAndSetDefaults checks fields and applies defaults.
// This method is idempotent - calling it multiple times has the same effect
// as calling it once.
func (o *Options) ValidateAndSetDefaults() error {
	if o.validated {
		return nil
	}
	if o.Concurrency < 0 {
		return errors.New(errors.ErrCodeInvalidInput, "concurrency must be positive")
	}
	if o.Concurrency == 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.TaskTimeout == 0 {
		o.TaskTimeout = DefaultTaskTimeout
	}
	if o.AcquireTimeout == 0 {
		o.AcquireTimeout = DefaultAcquireTimeout
	}
	if o.DPI <= 0 {
		o.DPI = DefaultDPI
	}
	if o.Surface == "" {
		o.Surface = DefaultSurface
	}
	if o.Logger == nil {
		o.Logger = log.New(io.Discard)
	}
	o.validated = true
	return nil
}

// BatchRenderer renders one design template against a list of recipients,
// producing one raster per recipient. Implementations must:
//
//   - key results by the recipient's original index (completion order is
//     not deterministic, output order must be)
//   - contain per-recipient failures instead of propagating them
//   - escalate only when every recipient failed
//   - invoke progress after every completion
type BatchRenderer interface {
	Render(ctx context.Context, tpl *template.Template, recipients []template.Recipient, progress ProgressFunc) (*Result, error)
	Close() error
}

// Result accumulates per-recipient outcomes, keyed by original index.
type Result struct {
	// Images maps recipient index to the rendered PNG.
	Images map[int][]byte

	// Errors maps recipient index to that recipient's failure.
	Errors map[int]error
}

// NewResult creates an empty result.
func NewResult() *Result {
	return &Result{
		Images: make(map[int][]byte),
		Errors: make(map[int]error),
	}
}

// Success returns the number of successfully rendered recipients.
func (r *Result) Success() int { return len(r.Images) }

// Failed returns the number of failed recipients.
func (r *Result) Failed() int { return len(r.Errors) }

// ErrAllFailed converts a fully failed batch into a batch-level error.
// A batch where every single recipient failed signals systemic breakage
// (missing template, dead engine) rather than per-recipient bad luck, and
// is escalated instead of completing with success=0. Empty batches complete
// trivially.
func (r *Result) ErrAllFailed(total int) error {
	if total == 0 || r.Failed() < total {
		return nil
	}
	var sample error
	for _, err := range r.Errors {
		sample = err
		break
	}
	return errors.Wrap(errors.ErrCodeAllFailed, sample, "all %d recipients failed", total)
}
