package cache

import (
	"context"
	"time"
)

// NullCache misses every read and discards every write, so each batch
// renders its base document from scratch. It backs --no-cache runs and is
// the fallback when no cache backend is available.
type NullCache struct{}

var _ Cache = (*NullCache)(nil)

// NewNullCache creates a cache that never stores anything.
func NewNullCache() Cache {
	return &NullCache{}
}

// Get always reports a miss.
func (c *NullCache) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, nil
}

// Set discards the entry.
func (c *NullCache) Set(context.Context, string, []byte, time.Duration) error {
	return nil
}

// Delete is a no-op.
func (c *NullCache) Delete(context.Context, string) error {
	return nil
}

// Close is a no-op.
func (c *NullCache) Close() error {
	return nil
}
