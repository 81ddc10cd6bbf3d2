// Package secrets loads operator-supplied secret material (HMAC shared
// secret, IP-hash salt) from HashiCorp Vault. The service itself never holds
// payload key material; these are the only secrets it consumes.
package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
)

// KV v2 field names expected at the configured path.
const (
	FieldHMACSecret = "hmac_secret"
	FieldIPHashSalt = "ip_hash_salt"
)

// Material is the secret material consumed by the ingestion pipeline. Either
// field may be empty, which disables the corresponding feature.
type Material struct {
	HMACSecret string
	IPHashSalt string
}

// VaultSource reads Material from a KV v2 secret.
type VaultSource struct {
	client    *api.Client
	mountPath string
	dataPath  string
	log       *slog.Logger
}

// NewVaultSource creates a Vault client with token authentication.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - token: Vault token with read access to the secret
//   - mountPath: KV v2 mount path (e.g. "secret")
//   - dataPath: Path within the mount (e.g. "intake")
//   - log: Structured logger
func NewVaultSource(address, token, mountPath, dataPath string, log *slog.Logger) (*VaultSource, error) {
	config := api.DefaultConfig()
	config.Address = address

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	client.SetToken(token)

	mountPath = strings.TrimSuffix(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")

	return &VaultSource{
		client:    client,
		mountPath: mountPath,
		dataPath:  dataPath,
		log:       log,
	}, nil
}

// Fetch reads the secret once at startup. Missing fields are returned empty
// rather than treated as errors; a missing secret is an error.
func (s *VaultSource) Fetch(ctx context.Context) (Material, error) {
	start := time.Now()

	secret, err := s.client.KVv2(s.mountPath).Get(ctx, s.dataPath)
	if err != nil {
		return Material{}, fmt.Errorf("failed to read secret from Vault: %w", err)
	}

	m := Material{
		HMACSecret: stringField(secret.Data, FieldHMACSecret),
		IPHashSalt: stringField(secret.Data, FieldIPHashSalt),
	}

	s.log.Debug("Loaded secret material from Vault",
		"path", s.mountPath+"/"+s.dataPath,
		"hmacConfigured", m.HMACSecret != "",
		"saltConfigured", m.IPHashSalt != "",
		"duration", time.Since(start))

	return m, nil
}

func stringField(data map[string]interface{}, key string) string {
	v, ok := data[key]
	if !ok {
		return ""
	}
	str, ok := v.(string)
	if !ok {
		return ""
	}
	return str
}
