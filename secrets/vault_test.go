package secrets

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVaultSource_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/secret/data/intake", r.URL.Path)
		assert.Equal(t, "test-token", r.Header.Get("X-Vault-Token"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"data":{"hmac_secret":"s3cret","ip_hash_salt":"pepper"},"metadata":{"version":1}}}`))
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	source, err := NewVaultSource(srv.URL, "test-token", "secret", "intake", logger)
	require.NoError(t, err)

	m, err := source.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "s3cret", m.HMACSecret)
	assert.Equal(t, "pepper", m.IPHashSalt)
}

func TestVaultSource_MissingFieldsAreEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"data":{"hmac_secret":"only-this"},"metadata":{"version":1}}}`))
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	source, err := NewVaultSource(srv.URL, "t", "secret", "intake", logger)
	require.NoError(t, err)

	m, err := source.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "only-this", m.HMACSecret)
	assert.Equal(t, "", m.IPHashSalt)
}

func TestVaultSource_MissingSecretIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"errors":[]}`, http.StatusNotFound)
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	source, err := NewVaultSource(srv.URL, "t", "secret", "intake", logger)
	require.NoError(t, err)

	_, err = source.Fetch(context.Background())
	assert.Error(t, err)
}
