package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/postalworks/batchpress/pkg/template"
)

// hashKey generates a cache key by hashing the components.
// The key format is: prefix:hash(parts...)
func hashKey(prefix string, parts ...interface{}) string {
	data, _ := json.Marshal(parts)
	hash := sha256.Sum256(data)
	// Use full SHA-256 hash (64 hex chars / 256 bits) to prevent collisions
	return fmt.Sprintf("%s:%s", prefix, hex.EncodeToString(hash[:]))
}

// Hash computes a SHA-256 hash of the input data.
// Returns the full 64-character hex string.
func Hash(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// TemplateContentHash hashes the recipient-independent content of a
// template: the variable-stripped scene graph plus the canvas dimensions.
// The hash changes whenever reusable content, geometry, or styling changes,
// and never changes when only recipient data does, so one cached base
// document can serve thousands of recipients.
func TemplateContentHash(tpl *template.Template) string {
	payload := struct {
		Width  float64             `json:"width"`
		Height float64             `json:"height"`
		Scene  template.SceneGraph `json:"scene"`
	}{tpl.Width, tpl.Height, tpl.StrippedScene()}

	data, _ := json.Marshal(payload)
	return Hash(data)
}
