package intake

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testID = "a3f1c2d4e5b6a7f8091a2b3c4d5e6f70a1b2c3d4e5f60718293a4b5c6d7e8f90"

func testVersions() VersionSet {
	return NewVersionSet([]string{"1"})
}

func TestParseEnvelope_Valid(t *testing.T) {
	body := []byte(`{"v":"1","id":"` + testID + `","encrypted":"ciphertext-blob"}`)

	env, err := ParseEnvelope(body, testVersions(), DefaultMaxBodyBytes)
	require.NoError(t, err)

	assert.Equal(t, "1", env.Version)
	assert.Equal(t, testID, env.ID)
	assert.Equal(t, PayloadString, env.Encrypted.Kind)
	assert.Equal(t, "ciphertext-blob", env.Encrypted.Canonical)
}

func TestParseEnvelope_NormalizesIDCase(t *testing.T) {
	body := []byte(`{"v":"1","id":"` + strings.ToUpper(testID) + `","encrypted":"x"}`)

	env, err := ParseEnvelope(body, testVersions(), DefaultMaxBodyBytes)
	require.NoError(t, err)
	assert.Equal(t, testID, env.ID)
}

func TestParseEnvelope_ObjectPayloadCanonicalized(t *testing.T) {
	body := []byte(`{"v":"1","id":"` + testID + `","encrypted":{"iv":"abc","ct":"def"}}`)

	env, err := ParseEnvelope(body, testVersions(), DefaultMaxBodyBytes)
	require.NoError(t, err)

	assert.Equal(t, PayloadObject, env.Encrypted.Kind)
	// Go marshals map keys sorted, so re-serialization is deterministic.
	assert.Equal(t, `{"ct":"def","iv":"abc"}`, env.Encrypted.Canonical)
}

func TestParseEnvelope_Failures(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"not json", `not json at all`, http.StatusBadRequest},
		{"json array", `[1,2,3]`, http.StatusBadRequest},
		{"missing v", `{"id":"` + testID + `","encrypted":"x"}`, http.StatusBadRequest},
		{"empty v", `{"v":"","id":"` + testID + `","encrypted":"x"}`, http.StatusBadRequest},
		{"v not string", `{"v":2,"id":"` + testID + `","encrypted":"x"}`, http.StatusBadRequest},
		{"unknown version", `{"v":"99","id":"` + testID + `","encrypted":"x"}`, http.StatusBadRequest},
		{"missing id", `{"v":"1","encrypted":"x"}`, http.StatusBadRequest},
		{"short id", `{"v":"1","id":"abc123","encrypted":"x"}`, http.StatusBadRequest},
		{"non-hex id", `{"v":"1","id":"` + strings.Repeat("z", 64) + `","encrypted":"x"}`, http.StatusBadRequest},
		{"missing encrypted", `{"v":"1","id":"` + testID + `"}`, http.StatusBadRequest},
		{"empty encrypted", `{"v":"1","id":"` + testID + `","encrypted":""}`, http.StatusBadRequest},
		{"encrypted number", `{"v":"1","id":"` + testID + `","encrypted":42}`, http.StatusBadRequest},
		{"encrypted array", `{"v":"1","id":"` + testID + `","encrypted":[1]}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseEnvelope([]byte(tt.body), testVersions(), DefaultMaxBodyBytes)
			require.Error(t, err)

			envErr, ok := err.(*EnvelopeError)
			require.True(t, ok)
			assert.Equal(t, tt.status, envErr.Status)
		})
	}
}

func TestParseEnvelope_PayloadSizeRecheck(t *testing.T) {
	// An object payload can expand past the cap when re-serialized; the
	// canonical form is what counts.
	payload := strings.Repeat("a", 100)
	body := []byte(`{"v":"1","id":"` + testID + `","encrypted":"` + payload + `"}`)

	_, err := ParseEnvelope(body, testVersions(), 99)
	require.Error(t, err)
	envErr, ok := err.(*EnvelopeError)
	require.True(t, ok)
	assert.Equal(t, http.StatusRequestEntityTooLarge, envErr.Status)

	// Exactly at the cap is accepted.
	_, err = ParseEnvelope(body, testVersions(), 100)
	require.NoError(t, err)
}
