package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/apexion-ai/relay/internal/gateway"
	"github.com/apexion-ai/relay/internal/history"
	"github.com/apexion-ai/relay/internal/session"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg := initConfig()
	setupLogging()

	pipeline, store, tracker, err := buildPipeline(cfg)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	server := gateway.NewServer(pipeline, cfg.Server.APIKey)
	httpServer := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: server.Handler(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Store.CleanupInterval() > 0 {
		go cleanupLoop(ctx, store, tracker, cfg.Store.CleanupInterval(), cfg.Store.Expiry())
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("relay listening", "addr", cfg.Server.Listen, "version", appVersion)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	return nil
}

// cleanupLoop purges expired session transcripts and stale token counters on
// a fixed interval until the context is cancelled.
func cleanupLoop(ctx context.Context, store history.Store, tracker *session.TokenTracker, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if store != nil {
				purged, err := store.CleanupExpired()
				if err != nil {
					slog.Warn("session cleanup failed", "error", err)
				} else if purged > 0 {
					slog.Info("expired sessions purged", "count", purged)
				}
			}
			if pruned := tracker.Prune(maxAge); pruned > 0 {
				slog.Info("stale token counters pruned", "count", pruned)
			}
		}
	}
}

func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}
