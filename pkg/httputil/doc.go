// Package httputil provides shared HTTP client utilities for the rendering
// core: bounded retry with exponential backoff, and a small fetch helper for
// remote assets (recipient QR images, template image sources) that
// classifies transient failures as retryable.
//
// The webhook notifier and the render engine's asset loader both build on
// [Retry]; per-recipient asset failures surface as coded errors so the
// worker pool can record them without aborting sibling tasks.
package httputil
