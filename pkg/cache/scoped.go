package cache

// ScopedKeyer wraps a Keyer with a prefix for multi-tenant isolation.
// Different companies sharing one Redis deployment get separate cache
// namespaces so a template id collision can never cross tenants.
//
// Example usage:
//
//	keyer := NewScopedKeyer(NewDefaultKeyer(), "company:ac-v2:")
type ScopedKeyer struct {
	inner  Keyer
	prefix string
}

// NewScopedKeyer creates a keyer with a prefix.
// The prefix is prepended to all generated keys.
func NewScopedKeyer(inner Keyer, prefix string) Keyer {
	if inner == nil {
		inner = NewDefaultKeyer()
	}
	return &ScopedKeyer{
		inner:  inner,
		prefix: prefix,
	}
}

// BaseDocumentKey generates a prefixed key for base-document caching.
func (k *ScopedKeyer) BaseDocumentKey(templateID, surface, contentHash string) string {
	return k.prefix + k.inner.BaseDocumentKey(templateID, surface, contentHash)
}

// ManifestKey generates a prefixed key for position-manifest caching.
func (k *ScopedKeyer) ManifestKey(templateID, contentHash string, dpi float64) string {
	return k.prefix + k.inner.ManifestKey(templateID, contentHash, dpi)
}
