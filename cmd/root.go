// Package cmd implements the relay CLI.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/apexion-ai/relay/internal/config"
	"github.com/apexion-ai/relay/internal/gateway"
	"github.com/apexion-ai/relay/internal/history"
	"github.com/apexion-ai/relay/internal/promptcache"
	"github.com/apexion-ai/relay/internal/provider"
	"github.com/apexion-ai/relay/internal/session"
)

var (
	cfgFile    string
	listenFlag string
	verbose    bool

	// Package-level version info, set by Execute().
	appVersion string
	appCommit  string
	appDate    string
)

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date

	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "Anthropic-compatible gateway with context budget management",
		Long: "relay proxies the Anthropic Messages API, keeping each session's\n" +
			"transcript within the upstream context budget via truncation,\n" +
			"LLM summarization, and progressive retry shrinking.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default ~/.config/relay/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&listenFlag, "listen", "l", "", "override listen address")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	// Subcommands
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newCleanupCmd())
	rootCmd.AddCommand(newVersionCmd(version, commit, date))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// initConfig loads configuration, applying CLI flag overrides.
func initConfig() *config.Config {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if listenFlag != "" {
		cfg.Server.Listen = listenFlag
	}
	return cfg
}

// buildStore creates the configured transcript store, or nil when
// persistence is disabled.
func buildStore(cfg *config.Config) (history.Store, error) {
	if !cfg.Store.Enabled {
		return nil, nil
	}
	switch cfg.Store.Backend {
	case "", "file":
		return history.NewFileStore(cfg.Store.Dir, cfg.Store.Expiry())
	case "sqlite":
		path := cfg.Store.DBPath
		if path == "" {
			path = "relay.db"
		}
		return history.NewSQLiteStore(path, cfg.Store.Expiry())
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// buildGenerator creates the summary generator, or nil when no summary API
// key is configured. Summarization degrades to plain truncation without one.
func buildGenerator(cfg *config.Config) history.Generator {
	apiKey := cfg.Summary.APIKey
	if apiKey == "" {
		apiKey = cfg.Upstream.APIKey
	}
	if apiKey == "" {
		return nil
	}
	switch cfg.Summary.Provider {
	case "openai":
		return provider.NewOpenAIGenerator(apiKey, cfg.Summary.BaseURL, cfg.Summary.Model)
	default:
		return provider.NewAnthropicGenerator(apiKey, cfg.Summary.BaseURL, cfg.Summary.Model)
	}
}

// buildPipeline assembles the full request pipeline from configuration.
func buildPipeline(cfg *config.Config) (*gateway.Pipeline, history.Store, *session.TokenTracker, error) {
	store, err := buildStore(cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init history store: %w", err)
	}

	var engine *promptcache.Engine
	if cfg.PromptCache.RedisURL != "" {
		redisStore, err := promptcache.NewRedisStore(context.Background(), cfg.PromptCache.RedisURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("init prompt cache: %w", err)
		}
		engine = promptcache.NewEngine(redisStore, nil)
	}

	tracker := session.NewTokenTracker(cfg.Session.DropThreshold)
	pipeline := gateway.NewPipeline(gateway.PipelineOptions{
		Config:    cfg.History,
		Store:     store,
		Cache:     history.NewSummaryCache(history.DefaultSummaryCacheSize),
		Engine:    engine,
		Generator: buildGenerator(cfg),
		Transport: gateway.NewHTTPTransport(cfg.Upstream.BaseURL, cfg.Upstream.APIKey),
		Tracker:   tracker,
		Namespace: cfg.PromptCache.Namespace,
	})
	return pipeline, store, tracker, nil
}
