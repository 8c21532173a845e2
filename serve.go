package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/restic115/internal/config"
	"github.com/tonimelisma/restic115/internal/metadata"
	"github.com/tonimelisma/restic115/internal/open115"
	"github.com/tonimelisma/restic115/internal/resticapi"
)

// httpClientTimeout bounds every outbound provider call. Prevents hung
// connections from wedging the request pipeline indefinitely.
const httpClientTimeout = 30 * time.Second

// shutdownGrace is how long in-flight REST requests get to drain after the
// first termination signal.
const shutdownGrace = 30 * time.Second

// defaultHTTPClient returns an HTTP client with a sensible timeout.
func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: httpClientTimeout}
}

// runServe wires the full stack and serves the REST protocol until the
// process receives a termination signal.
func runServe(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := buildLogger(cfg)
	ctx := shutdownContext(cmd.Context(), logger)

	store, err := metadata.Open(cfg.DBPath, logger)
	if err != nil {
		return fmt.Errorf("opening metadata store: %w", err)
	}
	defer store.Close()

	httpClient := defaultHTTPClient()

	tokens, err := open115.NewTokenManager(ctx, httpClient, store, cfg.AccessToken, cfg.RefreshToken, logger)
	if err != nil {
		return fmt.Errorf("initializing token manager: %w", err)
	}

	if !tokens.HasTokens() {
		return fmt.Errorf("no 115 credentials: set access_token and refresh_token in the config file or %s/%s (obtain them via %s)",
			config.EnvAccessToken, config.EnvRefreshToken, cfg.CallbackServer)
	}

	client := open115.NewClient(open115.Options{
		APIBase:   cfg.APIBase,
		RepoPath:  cfg.RepoPath,
		UserAgent: cfg.UserAgent,
	}, httpClient, tokens, store, logger)

	logger.Info("warming metadata cache",
		slog.String("repo_path", cfg.RepoPath),
		slog.Bool("force_rebuild", cfg.ForceCacheRebuild),
	)

	if err := client.WarmCache(ctx, cfg.ForceCacheRebuild); err != nil {
		return fmt.Errorf("warming metadata cache: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           resticapi.NewServer(client, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		logger.Info("REST server listening", slog.String("addr", cfg.ListenAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("REST server: %w", err)
	case <-ctx.Done():
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := srv.Shutdown(drainCtx); err != nil {
		return fmt.Errorf("shutting down REST server: %w", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("REST server: %w", err)
	}

	logger.Info("shutdown complete")

	return nil
}
