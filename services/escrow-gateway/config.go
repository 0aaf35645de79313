package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML configs can use human readable
// strings like "90s" or "5m".
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a string")
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// APIKeyConfig is a single API key + shared secret accepted by the gateway.
type APIKeyConfig struct {
	Key    string `yaml:"key" json:"key"`
	Secret string `yaml:"secret" json:"secret"`
}

// WebhookConfig tunes the delivery queue.
type WebhookConfig struct {
	QueueCapacity int      `yaml:"queue_capacity"`
	HistorySize   int      `yaml:"history_size"`
	QueueTTL      Duration `yaml:"queue_ttl"`
	MaxAttempts   int      `yaml:"max_attempts"`
}

// Config captures the runtime configuration for the trade gateway sidecar.
type Config struct {
	ListenAddress string         `yaml:"listen"`
	NodeURL       string         `yaml:"node_url"`
	NodeAuthToken string         `yaml:"node_token"`
	DatabasePath  string         `yaml:"database"`
	TimestampSkew Duration       `yaml:"timestamp_skew"`
	NonceTTL      Duration       `yaml:"nonce_ttl"`
	NonceCapacity int            `yaml:"nonce_capacity"`
	PollInterval  Duration       `yaml:"poll_interval"`
	APIKeys       []APIKeyConfig `yaml:"api_keys"`
	Webhook       WebhookConfig  `yaml:"webhook"`
}

// LoadConfig reads the YAML file when a path is given and then applies
// environment overrides, so containerised deployments can run without a
// config file at all.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	if strings.TrimSpace(path) != "" {
		file, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Secrets returns the API key to secret map consumed by the authenticator.
func (c Config) Secrets() map[string]string {
	secrets := make(map[string]string, len(c.APIKeys))
	for _, entry := range c.APIKeys {
		secrets[entry.Key] = entry.Secret
	}
	return secrets
}

func applyEnvOverrides(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv("ESCROW_GATEWAY_LISTEN")); v != "" {
		cfg.ListenAddress = v
	}
	if v := strings.TrimSpace(os.Getenv("ESCROW_GATEWAY_NODE_URL")); v != "" {
		cfg.NodeURL = v
	}
	if v := strings.TrimSpace(os.Getenv("ESCROW_GATEWAY_NODE_TOKEN")); v != "" {
		cfg.NodeAuthToken = v
	}
	if v := strings.TrimSpace(os.Getenv("ESCROW_GATEWAY_DB_PATH")); v != "" {
		cfg.DatabasePath = v
	}
	if v := strings.TrimSpace(os.Getenv("ESCROW_GATEWAY_TIMESTAMP_SKEW")); v != "" {
		dur, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse ESCROW_GATEWAY_TIMESTAMP_SKEW: %w", err)
		}
		cfg.TimestampSkew = Duration{dur}
	}
	if v := strings.TrimSpace(os.Getenv("ESCROW_GATEWAY_NONCE_TTL")); v != "" {
		dur, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse ESCROW_GATEWAY_NONCE_TTL: %w", err)
		}
		cfg.NonceTTL = Duration{dur}
	}
	if v := strings.TrimSpace(os.Getenv("ESCROW_GATEWAY_NONCE_CAP")); v != "" {
		val, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse ESCROW_GATEWAY_NONCE_CAP: %w", err)
		}
		cfg.NonceCapacity = val
	}
	if v := strings.TrimSpace(os.Getenv("ESCROW_GATEWAY_POLL_INTERVAL")); v != "" {
		dur, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse ESCROW_GATEWAY_POLL_INTERVAL: %w", err)
		}
		cfg.PollInterval = Duration{dur}
	}
	if v := strings.TrimSpace(os.Getenv("ESCROW_GATEWAY_QUEUE_CAP")); v != "" {
		val, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse ESCROW_GATEWAY_QUEUE_CAP: %w", err)
		}
		cfg.Webhook.QueueCapacity = val
	}
	if v := strings.TrimSpace(os.Getenv("ESCROW_GATEWAY_QUEUE_HISTORY")); v != "" {
		val, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse ESCROW_GATEWAY_QUEUE_HISTORY: %w", err)
		}
		cfg.Webhook.HistorySize = val
	}
	if v := strings.TrimSpace(os.Getenv("ESCROW_GATEWAY_QUEUE_TTL")); v != "" {
		dur, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse ESCROW_GATEWAY_QUEUE_TTL: %w", err)
		}
		cfg.Webhook.QueueTTL = Duration{dur}
	}
	// API keys come as a JSON array so a single env var can carry the list:
	// [{"key":"...","secret":"..."}, ...]
	if v := strings.TrimSpace(os.Getenv("ESCROW_GATEWAY_API_KEYS")); v != "" {
		var entries []APIKeyConfig
		if err := json.Unmarshal([]byte(v), &entries); err != nil {
			return fmt.Errorf("parse ESCROW_GATEWAY_API_KEYS: %w", err)
		}
		cfg.APIKeys = entries
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8081"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "escrow-gateway.db"
	}
	if cfg.TimestampSkew.Duration <= 0 {
		cfg.TimestampSkew.Duration = 2 * time.Minute
	}
	if cfg.NonceTTL.Duration <= 0 {
		cfg.NonceTTL.Duration = 2 * cfg.TimestampSkew.Duration
	}
	if cfg.NonceTTL.Duration < cfg.TimestampSkew.Duration {
		cfg.NonceTTL.Duration = cfg.TimestampSkew.Duration
	}
	if cfg.NonceCapacity <= 0 {
		cfg.NonceCapacity = 1024
	}
	if cfg.PollInterval.Duration <= 0 {
		cfg.PollInterval.Duration = 5 * time.Second
	}
	if cfg.Webhook.QueueCapacity <= 0 {
		cfg.Webhook.QueueCapacity = defaultTaskCapacity
	}
	if cfg.Webhook.HistorySize <= 0 {
		cfg.Webhook.HistorySize = defaultHistoryCapacity
	}
	if cfg.Webhook.QueueTTL.Duration <= 0 {
		cfg.Webhook.QueueTTL.Duration = defaultQueueTTL
	}
	if cfg.Webhook.MaxAttempts <= 0 {
		cfg.Webhook.MaxAttempts = defaultMaxAttempts
	}
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.NodeURL) == "" {
		return errors.New("node_url must be configured")
	}
	if len(cfg.APIKeys) == 0 {
		return errors.New("at least one API key must be configured")
	}
	for i, entry := range cfg.APIKeys {
		if strings.TrimSpace(entry.Key) == "" || strings.TrimSpace(entry.Secret) == "" {
			return fmt.Errorf("api key entry %d must include key and secret", i)
		}
	}
	return nil
}
