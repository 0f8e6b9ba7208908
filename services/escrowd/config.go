package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// APIKeyConfig describes a single API key + secret pair accepted by the service.
type APIKeyConfig struct {
	Key    string `toml:"key" json:"key"`
	Secret string `toml:"secret" json:"secret"`
}

// Config captures runtime configuration for escrowd. Values load from an
// optional TOML file and may be overridden per-field through ESCROWD_*
// environment variables.
type Config struct {
	ListenAddress string `toml:"listen"`
	Environment   string `toml:"environment"`

	// DatabasePath is the sqlite file backing idempotency keys, audit logs,
	// the event journal and webhook subscriptions.
	DatabasePath string `toml:"database_path"`
	// LedgerPath is the leveldb directory for escrow records and balances.
	// Empty keeps the ledger in memory.
	LedgerPath string `toml:"ledger_path"`

	LogFile       string `toml:"log_file"`
	LogMaxSizeMB  int    `toml:"log_max_size_mb"`
	LogMaxBackups int    `toml:"log_max_backups"`

	TimestampSkew duration `toml:"timestamp_skew"`
	NonceTTL      duration `toml:"nonce_ttl"`
	NonceCapacity int      `toml:"nonce_capacity"`

	RatePerSecond float64 `toml:"rate_per_second"`
	RateBurst     int     `toml:"rate_burst"`

	WebhookQueueCapacity int      `toml:"webhook_queue_capacity"`
	WebhookHistorySize   int      `toml:"webhook_history_size"`
	WebhookQueueTTL      duration `toml:"webhook_queue_ttl"`

	APIKeys []APIKeyConfig `toml:"api_keys"`
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func defaultConfig() Config {
	return Config{
		ListenAddress:        ":8090",
		Environment:          "dev",
		DatabasePath:         "escrowd.db",
		TimestampSkew:        duration{2 * time.Minute},
		NonceTTL:             duration{4 * time.Minute},
		NonceCapacity:        4096,
		RatePerSecond:        25,
		RateBurst:            50,
		WebhookQueueCapacity: 1024,
		WebhookHistorySize:   256,
		WebhookQueueTTL:      duration{15 * time.Minute},
	}
}

// LoadConfig reads the TOML file at path (skipped when empty) and applies
// environment overrides on top of the built-in defaults.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if strings.TrimSpace(path) != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config %s: %w", path, err)
		}
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := getenv("ESCROWD_LISTEN"); v != "" {
		cfg.ListenAddress = v
	}
	if v := getenv("ESCROWD_ENV"); v != "" {
		cfg.Environment = v
	}
	if v := getenv("ESCROWD_DB_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := getenv("ESCROWD_LEDGER_PATH"); v != "" {
		cfg.LedgerPath = v
	}
	if v := getenv("ESCROWD_LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	if v := getenv("ESCROWD_TIMESTAMP_SKEW"); v != "" {
		dur, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse ESCROWD_TIMESTAMP_SKEW: %w", err)
		}
		cfg.TimestampSkew = duration{dur}
	}
	if v := getenv("ESCROWD_NONCE_TTL"); v != "" {
		dur, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse ESCROWD_NONCE_TTL: %w", err)
		}
		cfg.NonceTTL = duration{dur}
	}
	if v := getenv("ESCROWD_NONCE_CAP"); v != "" {
		val, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse ESCROWD_NONCE_CAP: %w", err)
		}
		cfg.NonceCapacity = val
	}
	if v := getenv("ESCROWD_RATE_PER_SECOND"); v != "" {
		val, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("parse ESCROWD_RATE_PER_SECOND: %w", err)
		}
		cfg.RatePerSecond = val
	}
	if v := getenv("ESCROWD_RATE_BURST"); v != "" {
		val, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse ESCROWD_RATE_BURST: %w", err)
		}
		cfg.RateBurst = val
	}
	if v := getenv("ESCROWD_QUEUE_CAP"); v != "" {
		val, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse ESCROWD_QUEUE_CAP: %w", err)
		}
		cfg.WebhookQueueCapacity = val
	}
	if v := getenv("ESCROWD_QUEUE_TTL"); v != "" {
		dur, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse ESCROWD_QUEUE_TTL: %w", err)
		}
		cfg.WebhookQueueTTL = duration{dur}
	}
	// JSON array of {"key":"...","secret":"..."} entries.
	if v := getenv("ESCROWD_API_KEYS"); v != "" {
		var entries []APIKeyConfig
		if err := json.Unmarshal([]byte(v), &entries); err != nil {
			return fmt.Errorf("parse ESCROWD_API_KEYS: %w", err)
		}
		cfg.APIKeys = entries
	}
	return nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return errors.New("listen address required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return errors.New("database path required")
	}
	if c.TimestampSkew.Duration <= 0 {
		return errors.New("timestamp skew must be positive")
	}
	if c.NonceTTL.Duration < c.TimestampSkew.Duration {
		return errors.New("nonce ttl must cover the timestamp skew")
	}
	if c.RatePerSecond <= 0 || c.RateBurst <= 0 {
		return errors.New("rate limit parameters must be positive")
	}
	if len(c.APIKeys) == 0 {
		return errors.New("at least one api key required")
	}
	for _, entry := range c.APIKeys {
		if strings.TrimSpace(entry.Key) == "" || strings.TrimSpace(entry.Secret) == "" {
			return errors.New("api key entries must include key and secret")
		}
	}
	return nil
}

// Secrets flattens the configured API keys into the map consumed by the
// authenticator.
func (c Config) Secrets() map[string]string {
	out := make(map[string]string, len(c.APIKeys))
	for _, entry := range c.APIKeys {
		out[strings.TrimSpace(entry.Key)] = strings.TrimSpace(entry.Secret)
	}
	return out
}

func getenv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}
