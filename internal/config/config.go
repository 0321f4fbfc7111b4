// SPDX-License-Identifier: GPL-3.0-or-later

// Package config loads the worker's environment-variable driven
// configuration, the env-var analogue of the teacher's TOML
// config.ReadConfig + validate(), per spec §6's process surface.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every environment-derived setting the worker needs.
type Config struct {
	// Queue (C1)
	QueueURL        string
	QueueRegion     string
	QueueAccessKey  string
	QueueSecretKey  string

	// Cooldown / bucket store (C2)
	RedisURL string

	// Relational store (credentials, logs, issues)
	DatabaseURL     string
	DatabaseTLSPath string

	// Encryption at rest (C3)
	EncryptionSecretHex string

	// OAuth client settings. Only OAuthRedirectURI is passed to the
	// VendorAPI path (C4/C5); it takes the client id/secret from each
	// sender's own credentials, not from these two fields.
	OAuthClientID     string
	OAuthClientSecret string
	OAuthRedirectURI  string

	// Tick cadence
	IngestInterval time.Duration
	BatchInterval  time.Duration

	// Bounded fan-out
	IngestConcurrency int
	SenderConcurrency int

	LogLevel string
}

// Load reads configuration from the environment (with WARMUP_ prefix) and
// validates required fields, mirroring the teacher's ReadConfig+validate
// two-step shape.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("WARMUP")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("ingest_interval_seconds", 120)
	v.SetDefault("batch_interval_seconds", 3600)
	v.SetDefault("ingest_concurrency", 16)
	v.SetDefault("sender_concurrency", 8)
	v.SetDefault("log_level", "info")

	cfg := &Config{
		QueueURL:             v.GetString("queue_url"),
		QueueRegion:          v.GetString("queue_region"),
		QueueAccessKey:       v.GetString("queue_access_key"),
		QueueSecretKey:       v.GetString("queue_secret_key"),
		RedisURL:             v.GetString("redis_url"),
		DatabaseURL:          v.GetString("database_url"),
		DatabaseTLSPath:      v.GetString("database_tls_bundle_path"),
		EncryptionSecretHex:  v.GetString("encryption_secret"),
		OAuthClientID:        v.GetString("oauth_client_id"),
		OAuthClientSecret:    v.GetString("oauth_client_secret"),
		OAuthRedirectURI:     v.GetString("oauth_redirect_uri"),
		IngestInterval:       time.Duration(v.GetInt("ingest_interval_seconds")) * time.Second,
		BatchInterval:        time.Duration(v.GetInt("batch_interval_seconds")) * time.Second,
		IngestConcurrency:    v.GetInt("ingest_concurrency"),
		SenderConcurrency:    v.GetInt("sender_concurrency"),
		LogLevel:             v.GetString("log_level"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	required := map[string]string{
		"WARMUP_QUEUE_URL":       c.QueueURL,
		"WARMUP_REDIS_URL":       c.RedisURL,
		"WARMUP_DATABASE_URL":    c.DatabaseURL,
		"WARMUP_ENCRYPTION_SECRET": c.EncryptionSecretHex,
	}
	var missing []string
	for name, val := range required {
		if strings.TrimSpace(val) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if len(c.EncryptionSecretHex) != 64 {
		return fmt.Errorf("WARMUP_ENCRYPTION_SECRET must be a 32-byte hex string (64 hex chars), got %d chars", len(c.EncryptionSecretHex))
	}

	if c.IngestConcurrency <= 0 {
		return fmt.Errorf("WARMUP_INGEST_CONCURRENCY must be positive")
	}
	if c.SenderConcurrency <= 0 {
		return fmt.Errorf("WARMUP_SENDER_CONCURRENCY must be positive")
	}

	return nil
}
