package config

import "os"

// Environment variable names recognized by restic115. Each overrides the
// matching config file field when set and non-empty.
const (
	EnvAccessToken  = "OPEN115_ACCESS_TOKEN"
	EnvRefreshToken = "OPEN115_REFRESH_TOKEN"
	EnvRepoPath     = "OPEN115_REPO_PATH"
	EnvListenAddr   = "OPEN115_LISTEN_ADDR"
	EnvLogLevel     = "OPEN115_LOG_LEVEL"
	EnvAPIBase      = "OPEN115_API_BASE"
	EnvUserAgent    = "OPEN115_USER_AGENT"
	EnvDBPath       = "OPEN115_DB_PATH"
)

// EnvOverrides holds configuration values read from the environment.
type EnvOverrides struct {
	AccessToken  string
	RefreshToken string
	RepoPath     string
	ListenAddr   string
	LogLevel     string
	APIBase      string
	UserAgent    string
	DBPath       string
}

// ReadEnvOverrides reads environment variables and returns any overrides
// found. This does not modify a Config; callers apply the fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		AccessToken:  os.Getenv(EnvAccessToken),
		RefreshToken: os.Getenv(EnvRefreshToken),
		RepoPath:     os.Getenv(EnvRepoPath),
		ListenAddr:   os.Getenv(EnvListenAddr),
		LogLevel:     os.Getenv(EnvLogLevel),
		APIBase:      os.Getenv(EnvAPIBase),
		UserAgent:    os.Getenv(EnvUserAgent),
		DBPath:       os.Getenv(EnvDBPath),
	}
}

// Apply copies every non-empty override onto cfg.
func (e EnvOverrides) Apply(cfg *Config) {
	if e.AccessToken != "" {
		cfg.AccessToken = e.AccessToken
	}
	if e.RefreshToken != "" {
		cfg.RefreshToken = e.RefreshToken
	}
	if e.RepoPath != "" {
		cfg.RepoPath = e.RepoPath
	}
	if e.ListenAddr != "" {
		cfg.ListenAddr = e.ListenAddr
	}
	if e.LogLevel != "" {
		cfg.LogLevel = e.LogLevel
	}
	if e.APIBase != "" {
		cfg.APIBase = e.APIBase
	}
	if e.UserAgent != "" {
		cfg.UserAgent = e.UserAgent
	}
	if e.DBPath != "" {
		cfg.DBPath = e.DBPath
	}
}
