package intake

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashIP(t *testing.T) {
	sum := sha256.Sum256([]byte("salt:192.0.2.1"))
	assert.Equal(t, hex.EncodeToString(sum[:]), HashIP("salt", "192.0.2.1"))

	// Missing salt or IP stores nothing.
	assert.Equal(t, "", HashIP("", "192.0.2.1"))
	assert.Equal(t, "", HashIP("salt", ""))

	// The delimiter keeps adjacent salt/ip boundaries distinct.
	assert.NotEqual(t, HashIP("ab", "c"), HashIP("a", "bc"))
}

func TestClampBytes(t *testing.T) {
	assert.Equal(t, "short", ClampBytes("short", 10))
	assert.Equal(t, strings.Repeat("a", 8), ClampBytes(strings.Repeat("a", 20), 8))
	assert.Equal(t, "", ClampBytes("", 8))
}

func TestSanitizeReferrer(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"plain", "https://example.com/page", "https://example.com/page"},
		{"query stripped", "https://example.com/page?token=secret", "https://example.com/page"},
		{"fragment stripped", "https://example.com/page#section", "https://example.com/page"},
		{"query and fragment", "https://example.com/p?a=1#b", "https://example.com/p"},
		{"unparsable falls back to cut", "http://exa mple.com/x?leak=1", "http://exa mple.com/x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeReferrer(tt.in))
		})
	}
}

func TestSanitizeReferrer_Clamped(t *testing.T) {
	long := "https://example.com/" + strings.Repeat("a", 2*MaxReferrerBytes)
	assert.Len(t, SanitizeReferrer(long), MaxReferrerBytes)
}
