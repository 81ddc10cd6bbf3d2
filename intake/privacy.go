package intake

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
)

// HashIP computes the salted one-way hash stored in place of a client IP.
// The delimiter keeps the salt/ip boundary unambiguous. Returns "" when
// either input is missing, in which case nothing is stored.
func HashIP(salt, ip string) string {
	if salt == "" || ip == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(salt + ":" + ip))
	return hex.EncodeToString(sum[:])
}

// ClampBytes truncates s to at most max bytes.
func ClampBytes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// SanitizeReferrer strips the query string and fragment from a referrer and
// clamps the result. Referrers that do not parse as URLs are truncated at the
// first '?' or '#' instead.
func SanitizeReferrer(ref string) string {
	if ref == "" {
		return ""
	}
	if u, err := url.Parse(ref); err == nil {
		u.RawQuery = ""
		u.Fragment = ""
		u.RawFragment = ""
		ref = u.String()
	} else {
		if i := strings.IndexAny(ref, "?#"); i >= 0 {
			ref = ref[:i]
		}
	}
	return ClampBytes(ref, MaxReferrerBytes)
}
