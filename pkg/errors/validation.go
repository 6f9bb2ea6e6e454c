package errors

import (
	"strings"
	"unicode"
)

// ValidateJobID validates an externally supplied job identifier before it is
// used in storage keys and filesystem paths. The rules are intentionally
// conservative:
//   - No empty identifiers
//   - No control characters
//   - No path traversal sequences (.., //, backslash)
//   - Maximum length of 128 characters
func ValidateJobID(id string) error {
	if id == "" {
		return New(ErrCodeInvalidTask, "job id cannot be empty")
	}
	if len(id) > 128 {
		return New(ErrCodeInvalidTask, "job id too long (max 128 characters)")
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return New(ErrCodeInvalidTask, "job id contains control characters")
		}
	}
	for _, pattern := range []string{"..", "//", "\\", "\x00"} {
		if strings.Contains(id, pattern) {
			return New(ErrCodeInvalidTask, "job id contains invalid sequence %q", pattern)
		}
	}
	return nil
}

// SanitizeFilename reduces an arbitrary string (recipient names, tracking
// ids) to a safe archive-member or filesystem component. Runs of disallowed
// characters collapse to a single underscore; the result is lowercased and
// trimmed. Returns "unnamed" when nothing survives.
func SanitizeFilename(s string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "_.")
	if out == "" {
		return "unnamed"
	}
	return out
}
