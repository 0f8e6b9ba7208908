package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "escrowd.toml")
	content := `
listen = ":9000"
environment = "staging"
database_path = "/var/lib/escrowd/escrowd.db"
ledger_path = "/var/lib/escrowd/ledger"
timestamp_skew = "90s"
nonce_ttl = "5m"
rate_per_second = 10.0
rate_burst = 20

[[api_keys]]
key = "partner"
secret = "super-secret"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.ListenAddress)
	require.Equal(t, "staging", cfg.Environment)
	require.Equal(t, "/var/lib/escrowd/ledger", cfg.LedgerPath)
	require.Equal(t, 90*time.Second, cfg.TimestampSkew.Duration)
	require.Equal(t, 5*time.Minute, cfg.NonceTTL.Duration)
	require.Equal(t, map[string]string{"partner": "super-secret"}, cfg.Secrets())
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("ESCROWD_LISTEN", ":7777")
	t.Setenv("ESCROWD_API_KEYS", `[{"key":"ops","secret":"s3cret"}]`)
	t.Setenv("ESCROWD_TIMESTAMP_SKEW", "30s")
	t.Setenv("ESCROWD_NONCE_TTL", "2m")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.Equal(t, ":7777", cfg.ListenAddress)
	require.Equal(t, 30*time.Second, cfg.TimestampSkew.Duration)
	require.Equal(t, map[string]string{"ops": "s3cret"}, cfg.Secrets())
}

func TestLoadConfigValidation(t *testing.T) {
	// No API keys configured anywhere.
	cfg, err := LoadConfig("")
	require.Error(t, err)
	require.Zero(t, cfg)

	t.Setenv("ESCROWD_API_KEYS", `[{"key":"ops","secret":""}]`)
	_, err = LoadConfig("")
	require.Error(t, err)

	t.Setenv("ESCROWD_API_KEYS", `[{"key":"ops","secret":"s3cret"}]`)
	t.Setenv("ESCROWD_NONCE_TTL", "1s")
	_, err = LoadConfig("")
	require.Error(t, err, "nonce ttl below timestamp skew must be rejected")
}
