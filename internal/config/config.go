// Package config implements configuration loading for restic115 with a
// four-layer override chain: built-in defaults, an optional TOML config
// file, OPEN115_* environment variables, then CLI flags applied by the
// command layer.
package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the effective configuration of the adapter.
type Config struct {
	// AccessToken seeds the 115 access token.
	AccessToken string `toml:"access_token"`

	// RefreshToken seeds the 115 refresh token.
	RefreshToken string `toml:"refresh_token"`

	// RepoPath is the repository root on the remote tree.
	RepoPath string `toml:"repo_path"`

	// ListenAddr is the REST bind address.
	ListenAddr string `toml:"listen_addr"`

	// LogLevel is the minimum log severity (debug, info, warn, error).
	LogLevel string `toml:"log_level"`

	// APIBase is the provider API origin for file operations.
	APIBase string `toml:"api_base"`

	// UserAgent is sent on every outbound provider call and download.
	UserAgent string `toml:"user_agent"`

	// CallbackServer documents where seed tokens come from. Never called
	// by the adapter, only printed in guidance when tokens are missing.
	CallbackServer string `toml:"callback_server"`

	// DBPath is the embedded database file holding tokens and the
	// metadata cache.
	DBPath string `toml:"db_path"`

	// ForceCacheRebuild makes warm-up replace cached subtrees even when
	// rows already exist.
	ForceCacheRebuild bool `toml:"force_cache_rebuild"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		RepoPath:       "/restic-backup",
		ListenAddr:     "127.0.0.1:8000",
		LogLevel:       "info",
		APIBase:        "https://proapi.115.com",
		UserAgent:      "restic115",
		CallbackServer: "https://api.oplist.org/115cloud/callback",
		DBPath:         "restic115.db",
	}
}

// Load builds the effective configuration: defaults, then the TOML file at
// path (skipped when path is empty), then environment variables.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	ReadEnvOverrides().Apply(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the fields a misconfiguration would otherwise make fail
// late, after the server is already up.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("config: invalid listen_addr %q: %w", c.ListenAddr, err)
	}

	if !strings.HasPrefix(c.APIBase, "http://") && !strings.HasPrefix(c.APIBase, "https://") {
		return fmt.Errorf("config: api_base %q must include a scheme", c.APIBase)
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log_level %q", c.LogLevel)
	}

	if c.RepoPath == "" || c.RepoPath == "/" {
		return fmt.Errorf("config: repo_path must name a directory below the remote root")
	}

	if c.DBPath == "" {
		return fmt.Errorf("config: db_path must not be empty")
	}

	return nil
}
