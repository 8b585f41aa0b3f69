package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Fingerprint derives the deterministic cache key for a render request.
//
// The key is a SHA-256 hex digest over a canonical serialization of the
// trimmed content, the format identifier, and the option set sorted by key.
// Leading/trailing whitespace in content is insignificant; two requests that
// differ only in surrounding whitespace share a fingerprint. Fields are
// separated by NUL bytes so no crafted content/option combination can
// collide with a different logical request.
func Fingerprint(content, format string, options map[string]string) string {
	h := sha256.New()
	h.Write([]byte(strings.TrimSpace(content)))
	h.Write([]byte{0})
	h.Write([]byte(format))

	if len(options) > 0 {
		keys := make([]string, 0, len(options))
		for k := range options {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			h.Write([]byte{0})
			h.Write([]byte(k))
			h.Write([]byte{'='})
			h.Write([]byte(options[k]))
		}
	}

	return hex.EncodeToString(h.Sum(nil))
}
