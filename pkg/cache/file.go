package cache

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"time"
)

// FileCache implements a file-based cache for CLI and single-node workers.
//
// Entries are mostly multi-megabyte PNG base documents, so payloads are
// stored as raw bytes prefixed with a fixed-width expiry header rather than
// JSON-wrapped (which would base64-inflate every raster by a third).
type FileCache struct {
	dir string
}

// entryHeaderSize is the fixed prefix: expiry as big-endian unix nanos.
// A zero expiry means the entry never expires.
const entryHeaderSize = 8

// NewFileCache creates a file-based cache in the given directory.
// The directory will be created if it doesn't exist.
func NewFileCache(dir string) (Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &FileCache{dir: dir}, nil
}

// Get retrieves a value from the cache.
func (c *FileCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	path := c.path(key)

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if len(raw) < entryHeaderSize {
		// Truncated entry - treat as miss
		_ = os.Remove(path)
		return nil, false, nil
	}

	expiry := int64(binary.BigEndian.Uint64(raw[:entryHeaderSize]))
	if expiry > 0 && time.Now().UnixNano() > expiry {
		_ = os.Remove(path)
		return nil, false, nil
	}

	return raw[entryHeaderSize:], true, nil
}

// Set stores a value in the cache.
func (c *FileCache) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	var expiry int64
	if ttl > 0 {
		expiry = time.Now().Add(ttl).UnixNano()
	}

	raw := make([]byte, entryHeaderSize+len(data))
	binary.BigEndian.PutUint64(raw[:entryHeaderSize], uint64(expiry))
	copy(raw[entryHeaderSize:], data)

	path := c.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	// Write-then-rename so concurrent readers never observe a torn entry.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Delete removes a value from the cache.
func (c *FileCache) Delete(ctx context.Context, key string) error {
	err := os.Remove(c.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Close does nothing for file cache.
func (c *FileCache) Close() error {
	return nil
}

// path converts a cache key to a file path.
// Uses a hash-based directory split to avoid too many files in one dir.
func (c *FileCache) path(key string) string {
	hash := Hash([]byte(key))
	return filepath.Join(c.dir, hash[:2], hash[2:]+".bin")
}

// Ensure FileCache implements Cache.
var _ Cache = (*FileCache)(nil)
