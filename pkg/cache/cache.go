// Package cache provides the base-document and manifest cache for the
// rendering core.
//
// The expensive artifact in a batch is the base document: a rendering of a
// template with all variable content stripped. It depends only on the
// template's reusable content, so one base document serves every recipient
// in a batch (and every later batch against the unchanged template). Cache
// keys are therefore derived from a content hash of the variable-stripped
// scene: recipient data can never perturb them, and any edit to reusable
// content produces a new key.
//
// Backends: file (CLI and single-node workers), Redis (multi-instance
// deployments), and a null cache for tests and disabled caching.
package cache

import (
	"context"
	"time"
)

// TTLs per key type. Base documents are invalidated by content hash, so the
// TTL is only a bound on storage growth, not a correctness mechanism.
const (
	TTLBaseDocument = 7 * 24 * time.Hour
	TTLManifest     = 7 * 24 * time.Hour
)

// Cache is the interface for cache backends.
type Cache interface {
	// Get retrieves a value. The second return reports whether the key
	// was present and fresh.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores a value with a TTL. A TTL of 0 means no expiration.
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error

	// Delete removes a value. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases backend resources.
	Close() error
}

// Keyer builds cache keys for the core's derived artifacts.
type Keyer interface {
	// BaseDocumentKey identifies a rendered base document by template,
	// render surface, and reusable-content hash.
	BaseDocumentKey(templateID, surface, contentHash string) string

	// ManifestKey identifies a position manifest by template,
	// content hash, and DPI.
	ManifestKey(templateID, contentHash string, dpi float64) string
}

// DefaultKeyer is the standard key scheme.
type DefaultKeyer struct{}

// NewDefaultKeyer creates the standard keyer.
func NewDefaultKeyer() Keyer { return DefaultKeyer{} }

// BaseDocumentKey generates a key for base-document caching.
func (DefaultKeyer) BaseDocumentKey(templateID, surface, contentHash string) string {
	return hashKey("base", templateID, surface, contentHash)
}

// ManifestKey generates a key for position-manifest caching.
func (DefaultKeyer) ManifestKey(templateID, contentHash string, dpi float64) string {
	return hashKey("manifest", templateID, contentHash, dpi)
}
