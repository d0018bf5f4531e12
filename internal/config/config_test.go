package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/apexion-ai/relay/internal/history"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.Listen != ":8080" {
		t.Errorf("listen = %q", cfg.Server.Listen)
	}
	if cfg.Upstream.BaseURL != "https://api.anthropic.com" {
		t.Errorf("upstream = %q", cfg.Upstream.BaseURL)
	}
	if !cfg.History.HasStrategy(history.StrategyErrorRetry) {
		t.Error("error_retry should be enabled by default")
	}
	if !cfg.History.HasStrategy(history.StrategySmartSummary) {
		t.Error("smart_summary should be enabled by default")
	}
	if cfg.History.MaxMessages != 30 || cfg.History.RetryMaxMessages != 20 {
		t.Errorf("history defaults wrong: %+v", cfg.History)
	}
	if cfg.Store.Backend != "file" || !cfg.Store.Enabled {
		t.Errorf("store defaults wrong: %+v", cfg.Store)
	}
	if cfg.Session.DropThreshold != 0.8 {
		t.Errorf("drop threshold = %v", cfg.Session.DropThreshold)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  listen: ":9999"
  api_key: "inbound"
upstream:
  base_url: "https://example.com"
history:
  strategies: [auto_truncate]
  max_messages: 12
  retry_shrink_factor: 0.5
store:
  backend: sqlite
  db_path: relay.db
  expire_seconds: 60
prompt_cache:
  redis_url: "redis://localhost:6379/0"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Listen != ":9999" || cfg.Server.APIKey != "inbound" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Upstream.BaseURL != "https://example.com" {
		t.Errorf("upstream = %q", cfg.Upstream.BaseURL)
	}
	if !cfg.History.HasStrategy(history.StrategyAutoTruncate) || cfg.History.HasStrategy(history.StrategyErrorRetry) {
		t.Errorf("strategies = %v", cfg.History.Strategies)
	}
	if cfg.History.MaxMessages != 12 {
		t.Errorf("max_messages = %d", cfg.History.MaxMessages)
	}
	if cfg.History.RetryShrinkFactor != 0.5 {
		t.Errorf("retry_shrink_factor = %v", cfg.History.RetryShrinkFactor)
	}
	if cfg.Store.Backend != "sqlite" {
		t.Errorf("backend = %q", cfg.Store.Backend)
	}
	if cfg.Store.Expiry().Seconds() != 60 {
		t.Errorf("expiry = %v", cfg.Store.Expiry())
	}
	if cfg.PromptCache.RedisURL == "" {
		t.Error("redis url missing")
	}
	// Unset fields keep their defaults.
	if cfg.History.SummaryThreshold != 100_000 {
		t.Errorf("summary_threshold = %d", cfg.History.SummaryThreshold)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected an error for a missing explicit config path")
	}
}

func TestLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("server: [not a map"), 0o644)
	if _, err := Load(path); err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RELAY_API_KEY", "env-inbound")
	t.Setenv("RELAY_LISTEN", ":7777")
	t.Setenv("UPSTREAM_API_KEY", "env-upstream")
	t.Setenv("SUMMARY_MODEL", "env-model")
	t.Setenv("REDIS_URL", "redis://env:6379")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.APIKey != "env-inbound" {
		t.Errorf("api key = %q", cfg.Server.APIKey)
	}
	if cfg.Server.Listen != ":7777" {
		t.Errorf("listen = %q", cfg.Server.Listen)
	}
	if cfg.Upstream.APIKey != "env-upstream" {
		t.Errorf("upstream key = %q", cfg.Upstream.APIKey)
	}
	if cfg.Summary.Model != "env-model" {
		t.Errorf("summary model = %q", cfg.Summary.Model)
	}
	if cfg.PromptCache.RedisURL != "redis://env:6379" {
		t.Errorf("redis url = %q", cfg.PromptCache.RedisURL)
	}
}

func TestEmptyStrategiesFallBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("history:\n  max_messages: 5\n"), 0o644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.History.Strategies) == 0 {
		t.Error("strategies should fall back to the defaults")
	}
}
