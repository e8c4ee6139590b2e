// Package config loads the server configuration from a YAML file with
// environment-variable overrides. Secrets (database URL, provider keys,
// cookie signing key) come from the environment only and never live in the
// YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Encryption EncryptionConfig `yaml:"encryption"`
	Auth       AuthConfig       `yaml:"auth"`
	AI         AIConfig         `yaml:"ai"`
	Payments   PaymentsConfig   `yaml:"payments"`
	Purge      PurgeConfig      `yaml:"purge"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`

	// BaseURL is the externally visible origin, used for magic links and
	// CSRF origin checks.
	BaseURL string `yaml:"base_url"`
}

type DatabaseConfig struct {
	URL string `yaml:"-"` // DATABASE_URL only
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"-"` // REDIS_PASSWORD only
	DB       int    `yaml:"db"`
}

type EncryptionConfig struct {
	// ActiveKeyVersion selects the write key; old versions stay readable.
	ActiveKeyVersion int `yaml:"active_key_version"`

	// KeyEnvPrefix names the env variables holding base64 keys, e.g.
	// "PHI_DEK_" resolves v2 from PHI_DEK_V2.
	KeyEnvPrefix string `yaml:"key_env_prefix"`

	// SecretStoreURL, when set, fetches keys over HTTP instead of the
	// environment. ReplicaURLs are tried in order on transient failures.
	SecretStoreURL   string   `yaml:"secret_store_url"`
	ReplicaStoreURLs []string `yaml:"replica_store_urls"`
	SecretStoreToken string   `yaml:"-"` // SECRET_STORE_TOKEN only
}

type AuthConfig struct {
	// SessionKey signs session cookies and CSRF tokens (HMAC-SHA256).
	SessionKey string `yaml:"-"` // SESSION_SECRET_KEY only

	SessionTTL   time.Duration `yaml:"session_ttl"`
	MagicLinkTTL time.Duration `yaml:"magic_link_ttl"`
}

type AIConfig struct {
	// Cohere credentials and model names for embedding and chat.
	APIKey          string `yaml:"-"` // COHERE_API_KEY only
	BaseURL         string `yaml:"base_url"`
	EmbedModel      string `yaml:"embed_model"`
	ChatModel       string `yaml:"chat_model"`
	MaxOutputTokens int    `yaml:"max_output_tokens"`

	// MinSimilarity is the default retrieval floor; short generic queries
	// may be relaxed down to AdaptiveFloor.
	MinSimilarity float64 `yaml:"min_similarity"`
	AdaptiveFloor float64 `yaml:"adaptive_floor"`
}

type PaymentsConfig struct {
	// WebhookBaseURL is where providers deliver webhooks, usually
	// BaseURL + "/api/v1/payments/webhook".
	WebhookBaseURL string `yaml:"webhook_base_url"`
}

type PurgeConfig struct {
	// Interval between purge sweeps for sessions past their grace period.
	Interval time.Duration `yaml:"interval"`

	// BatchSize caps deletions per workspace per sweep.
	BatchSize int `yaml:"batch_size"`
}

// Load reads the YAML file (optional) and applies environment overrides.
// An empty path skips the file and uses defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("open config: %w", err)
			}
		} else {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:    "8000",
			Env:     "development",
			BaseURL: "http://localhost:8000",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Encryption: EncryptionConfig{
			ActiveKeyVersion: 1,
			KeyEnvPrefix:     "PHI_DEK_",
		},
		Auth: AuthConfig{
			SessionTTL:   7 * 24 * time.Hour,
			MagicLinkTTL: 15 * time.Minute,
		},
		AI: AIConfig{
			BaseURL:         "https://api.cohere.com",
			EmbedModel:      "embed-v4.0",
			ChatModel:       "command-r7b-12-2024",
			MaxOutputTokens: 500,
			MinSimilarity:   0.4,
			AdaptiveFloor:   0.25,
		},
		Purge: PurgeConfig{
			Interval:  time.Hour,
			BatchSize: 100,
		},
	}
}

// applyEnv lets deployment environments override the file without editing it.
func (c *Config) applyEnv() {
	setString(&c.Server.Port, "PORT")
	setString(&c.Server.Env, "APP_ENV")
	setString(&c.Server.BaseURL, "BASE_URL")

	setString(&c.Database.URL, "DATABASE_URL")

	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setInt(&c.Redis.DB, "REDIS_DB")

	setInt(&c.Encryption.ActiveKeyVersion, "PHI_ACTIVE_KEY_VERSION")
	setString(&c.Encryption.KeyEnvPrefix, "PHI_KEY_ENV_PREFIX")
	setString(&c.Encryption.SecretStoreURL, "SECRET_STORE_URL")
	setString(&c.Encryption.SecretStoreToken, "SECRET_STORE_TOKEN")

	setString(&c.Auth.SessionKey, "SESSION_SECRET_KEY")

	setString(&c.AI.APIKey, "COHERE_API_KEY")
	setString(&c.AI.BaseURL, "COHERE_BASE_URL")
	setString(&c.AI.EmbedModel, "COHERE_EMBED_MODEL")
	setString(&c.AI.ChatModel, "COHERE_CHAT_MODEL")

	setString(&c.Payments.WebhookBaseURL, "PAYMENTS_WEBHOOK_BASE_URL")
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Auth.SessionKey == "" {
		return fmt.Errorf("SESSION_SECRET_KEY is required")
	}
	if len(c.Auth.SessionKey) < 32 {
		return fmt.Errorf("SESSION_SECRET_KEY must be at least 32 bytes, got %d", len(c.Auth.SessionKey))
	}
	if c.Encryption.ActiveKeyVersion < 1 {
		return fmt.Errorf("active key version must be >= 1, got %d", c.Encryption.ActiveKeyVersion)
	}
	return nil
}

// IsProduction reports whether the server runs with production hardening
// (secure cookies, strict origins).
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func setInt(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
