// Package config loads and manages relay configuration.
// Configuration source priority (highest to lowest):
// 1. Environment variables (RELAY_API_KEY, UPSTREAM_API_KEY, SUMMARY_API_KEY, REDIS_URL)
// 2. Config file path specified via --config flag
// 3. ~/.config/relay/config.yaml
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/apexion-ai/relay/internal/history"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	// Listen is the bind address, e.g. ":8080".
	Listen string `yaml:"listen"`
	// APIKey authenticates inbound requests (x-api-key header).
	APIKey string `yaml:"api_key"`
}

// UpstreamConfig points at the model API requests are forwarded to.
type UpstreamConfig struct {
	// BaseURL of an Anthropic-compatible endpoint.
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// SummaryConfig selects the summary-generation backend.
type SummaryConfig struct {
	// Provider: "anthropic" (default) | "openai"
	Provider string `yaml:"provider"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	Model    string `yaml:"model"`
}

// HistoryStoreConfig selects and configures transcript persistence.
type HistoryStoreConfig struct {
	// Enabled toggles persistence entirely.
	Enabled bool `yaml:"enabled"`
	// Backend: "file" (default) | "sqlite"
	Backend string `yaml:"backend"`
	// Dir holds per-session JSON files for the file backend.
	Dir string `yaml:"dir"`
	// DBPath is the database location for the sqlite backend.
	DBPath string `yaml:"db_path"`
	// ExpireSecs purges sessions not updated for this many seconds.
	ExpireSecs int `yaml:"expire_seconds"`
	// CleanupIntervalSecs drives the periodic purge in serve mode.
	CleanupIntervalSecs int `yaml:"cleanup_interval_seconds"`
}

// Expiry returns the session expiry as a duration.
func (c *HistoryStoreConfig) Expiry() time.Duration {
	return time.Duration(c.ExpireSecs) * time.Second
}

// CleanupInterval returns the purge interval as a duration.
func (c *HistoryStoreConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalSecs) * time.Second
}

// PromptCacheConfig configures the shared prompt cache store.
type PromptCacheConfig struct {
	// RedisURL like "redis://localhost:6379/0"; empty disables caching.
	RedisURL string `yaml:"redis_url"`
	// Namespace scopes cache keys, typically per deployment.
	Namespace string `yaml:"namespace"`
}

// SessionConfig configures the per-session token tracker.
type SessionConfig struct {
	// DropThreshold: a usage reading below this fraction of the current
	// counter is treated as a context reset.
	DropThreshold float64 `yaml:"drop_threshold"`
}

// Config is the root configuration.
type Config struct {
	Server      ServerConfig       `yaml:"server"`
	Upstream    UpstreamConfig     `yaml:"upstream"`
	Summary     SummaryConfig      `yaml:"summary"`
	History     history.Config     `yaml:"history"`
	Store       HistoryStoreConfig `yaml:"store"`
	PromptCache PromptCacheConfig  `yaml:"prompt_cache"`
	Session     SessionConfig      `yaml:"session"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen: ":8080",
		},
		Upstream: UpstreamConfig{
			BaseURL: "https://api.anthropic.com",
		},
		Summary: SummaryConfig{
			Provider: "anthropic",
		},
		History: history.DefaultConfig(),
		Store: HistoryStoreConfig{
			Enabled:             true,
			Backend:             "file",
			Dir:                 "history",
			ExpireSecs:          int(history.DefaultExpiry / time.Second),
			CleanupIntervalSecs: 3600,
		},
		PromptCache: PromptCacheConfig{
			Namespace: "relay",
		},
		Session: SessionConfig{
			DropThreshold: 0.8,
		},
	}
}

// Load reads configuration from path (or the default location when empty),
// fills defaults, and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			candidate := filepath.Join(home, ".config", "relay", "config.yaml")
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
			}
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)

	if len(cfg.History.Strategies) == 0 {
		cfg.History.Strategies = history.DefaultConfig().Strategies
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("RELAY_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
	if v := os.Getenv("RELAY_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("UPSTREAM_API_KEY"); v != "" {
		cfg.Upstream.APIKey = v
	}
	if v := os.Getenv("UPSTREAM_BASE_URL"); v != "" {
		cfg.Upstream.BaseURL = v
	}
	if v := os.Getenv("SUMMARY_API_KEY"); v != "" {
		cfg.Summary.APIKey = v
	}
	if v := os.Getenv("SUMMARY_BASE_URL"); v != "" {
		cfg.Summary.BaseURL = v
	}
	if v := os.Getenv("SUMMARY_MODEL"); v != "" {
		cfg.Summary.Model = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.PromptCache.RedisURL = v
	}
}
