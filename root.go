package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/restic115/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Flags bound in newRootCmd().
var (
	flagConfigPath   string
	flagListenAddr   string
	flagRepoPath     string
	flagDBPath       string
	flagVerbose      bool
	flagQuiet        bool
	flagRebuildCache bool
)

// newRootCmd builds and returns the root command. Called once from main().
// The root command runs the REST server directly; there are no subcommands
// beyond cobra's built-in version and help.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "restic115",
		Short:   "restic REST server backed by 115 cloud storage",
		Long:    "Serves the restic REST backend protocol on localhost, storing repository objects in a 115 Open Platform account.",
		Version: version,
		// Silence Cobra's default error/usage printing; we handle it ourselves.
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd)
		},
	}

	cmd.Flags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.Flags().StringVar(&flagListenAddr, "listen", "", "REST bind address (host:port)")
	cmd.Flags().StringVar(&flagRepoPath, "repo", "", "repository root path on the remote tree")
	cmd.Flags().StringVar(&flagDBPath, "db", "", "metadata database file path")
	cmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.Flags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")
	cmd.Flags().BoolVar(&flagRebuildCache, "rebuild-cache", false, "replace the cached directory listings during warm-up")

	return cmd
}

// loadConfig resolves the effective configuration and applies CLI flag
// overrides, which always win over file and environment values.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return config.Config{}, err
	}

	if cmd.Flags().Changed("listen") {
		cfg.ListenAddr = flagListenAddr
	}

	if cmd.Flags().Changed("repo") {
		cfg.RepoPath = flagRepoPath
	}

	if cmd.Flags().Changed("db") {
		cfg.DBPath = flagDBPath
	}

	if flagRebuildCache {
		cfg.ForceCacheRebuild = true
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}

	return cfg, nil
}

// buildLogger creates an slog.Logger from the resolved config and CLI flags.
// Config-file log level provides the baseline; --verbose and --quiet override
// it because CLI flags always win. Text output on a terminal, JSON otherwise
// so service managers capture structured lines.
func buildLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo

	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if isatty.IsTerminal(os.Stderr.Fd()) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
