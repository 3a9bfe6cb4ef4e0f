// internal/utils/utils.go
package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
)

// ContentHash returns a hex-encoded SHA-256 digest of the payload.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DomainOf extracts the lowercased host portion of a URL, stripping any
// leading "www." so that rate limiting and timeout learning treat the
// bare and www forms as one domain.
func DomainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	host := strings.ToLower(u.Hostname())
	return strings.TrimPrefix(host, "www.")
}

// TruncateString shortens s to max runes, appending an ellipsis marker.
func TruncateString(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
