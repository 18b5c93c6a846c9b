// Package config loads stocksync settings from a config file, STOCKSYNC_*
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend names accepted by remote.backend.
const (
	BackendFile   = "file"
	BackendGitHub = "github"
	BackendS3     = "s3"
	BackendMemory = "memory"
)

// EnvPrefix is the prefix of environment overrides: remote.s3.bucket is
// read from STOCKSYNC_REMOTE_S3_BUCKET.
const EnvPrefix = "STOCKSYNC"

// Config is the resolved configuration.
type Config struct {
	Identity string
	DataDir  string
	Remote   RemoteConfig
	Sync     SyncConfig
	Daemon   DaemonConfig
	Log      LogConfig

	// File is the config file that was read, if any.
	File string
}

// RemoteConfig selects and addresses the remote blob store.
type RemoteConfig struct {
	Backend string
	// Path is the key template; "{identity}" is replaced per identity.
	Path   string
	GitHub GitHubConfig
	S3     S3Config
	File   FileConfig
}

// GitHubConfig addresses a repository through the contents API.
type GitHubConfig struct {
	APIURL string
	Owner  string
	Repo   string
	Branch string
	Token  string
}

// S3Config addresses an S3-compatible bucket.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// FileConfig addresses a directory used as the remote.
type FileConfig struct {
	Dir string
}

// SyncConfig tunes the orchestrator and the remote retry policy.
type SyncConfig struct {
	PushInterval       time.Duration
	MaxAttempts        int
	InitialBackoff     time.Duration
	MaxBackoff         time.Duration
	TombstoneRetention time.Duration
}

// DaemonConfig configures the long-running daemon.
type DaemonConfig struct {
	StatusAddr    string
	InboxDir      string
	ProbeInterval time.Duration
	ProbeAddress  string
}

// LogConfig configures log output and rotation.
type LogConfig struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	Verbose    bool
}

// SetDefaults registers every key with its default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("identity", "")
	v.SetDefault("data_dir", ".stocksync")

	v.SetDefault("remote.backend", BackendFile)
	v.SetDefault("remote.path", "inventory/{identity}.json")
	v.SetDefault("remote.github.api_url", "https://api.github.com")
	v.SetDefault("remote.github.owner", "")
	v.SetDefault("remote.github.repo", "")
	v.SetDefault("remote.github.branch", "main")
	v.SetDefault("remote.github.token", "")
	v.SetDefault("remote.s3.bucket", "")
	v.SetDefault("remote.s3.region", "us-east-1")
	v.SetDefault("remote.s3.endpoint", "")
	v.SetDefault("remote.s3.prefix", "")
	v.SetDefault("remote.s3.access_key_id", "")
	v.SetDefault("remote.s3.secret_access_key", "")
	v.SetDefault("remote.s3.use_path_style", false)
	v.SetDefault("remote.file.dir", "")

	v.SetDefault("sync.push_interval", 3*time.Second)
	v.SetDefault("sync.max_attempts", 5)
	v.SetDefault("sync.initial_backoff", time.Second)
	v.SetDefault("sync.max_backoff", 60*time.Second)
	v.SetDefault("sync.tombstone_retention", 720*time.Hour)

	v.SetDefault("daemon.status_addr", "127.0.0.1:8765")
	v.SetDefault("daemon.inbox_dir", "")
	v.SetDefault("daemon.probe_interval", 15*time.Second)
	v.SetDefault("daemon.probe_address", "")

	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", false)
	v.SetDefault("log.verbose", false)
}

// Load resolves the configuration from v. configFile, if set, must exist;
// otherwise config.{yaml,json,toml} under the data dir is read when present.
// Flags should already be bound to v.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(v.GetString("data_dir"))
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	c := &Config{
		Identity: strings.TrimSpace(v.GetString("identity")),
		DataDir:  v.GetString("data_dir"),
		File:     v.ConfigFileUsed(),
		Remote: RemoteConfig{
			Backend: strings.ToLower(v.GetString("remote.backend")),
			Path:    v.GetString("remote.path"),
			GitHub: GitHubConfig{
				APIURL: v.GetString("remote.github.api_url"),
				Owner:  v.GetString("remote.github.owner"),
				Repo:   v.GetString("remote.github.repo"),
				Branch: v.GetString("remote.github.branch"),
				Token:  v.GetString("remote.github.token"),
			},
			S3: S3Config{
				Bucket:          v.GetString("remote.s3.bucket"),
				Region:          v.GetString("remote.s3.region"),
				Endpoint:        v.GetString("remote.s3.endpoint"),
				Prefix:          v.GetString("remote.s3.prefix"),
				AccessKeyID:     v.GetString("remote.s3.access_key_id"),
				SecretAccessKey: v.GetString("remote.s3.secret_access_key"),
				UsePathStyle:    v.GetBool("remote.s3.use_path_style"),
			},
			File: FileConfig{Dir: v.GetString("remote.file.dir")},
		},
		Sync: SyncConfig{
			PushInterval:       v.GetDuration("sync.push_interval"),
			MaxAttempts:        v.GetInt("sync.max_attempts"),
			InitialBackoff:     v.GetDuration("sync.initial_backoff"),
			MaxBackoff:         v.GetDuration("sync.max_backoff"),
			TombstoneRetention: v.GetDuration("sync.tombstone_retention"),
		},
		Daemon: DaemonConfig{
			StatusAddr:    v.GetString("daemon.status_addr"),
			InboxDir:      v.GetString("daemon.inbox_dir"),
			ProbeInterval: v.GetDuration("daemon.probe_interval"),
			ProbeAddress:  v.GetString("daemon.probe_address"),
		},
		Log: LogConfig{
			File:       v.GetString("log.file"),
			MaxSizeMB:  v.GetInt("log.max_size_mb"),
			MaxBackups: v.GetInt("log.max_backups"),
			MaxAgeDays: v.GetInt("log.max_age_days"),
			Compress:   v.GetBool("log.compress"),
			Verbose:    v.GetBool("log.verbose"),
		},
	}

	if c.Remote.File.Dir == "" {
		c.Remote.File.Dir = filepath.Join(c.DataDir, "remote")
	}
	if c.Daemon.InboxDir == "" {
		c.Daemon.InboxDir = filepath.Join(c.DataDir, "inbox")
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the backend selection and the sync tuning.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir cannot be empty")
	}
	if !strings.Contains(c.Remote.Path, "{identity}") {
		return fmt.Errorf("remote.path must contain {identity} (got %q)", c.Remote.Path)
	}

	switch c.Remote.Backend {
	case BackendFile, BackendMemory:
	case BackendGitHub:
		if c.Remote.GitHub.Owner == "" || c.Remote.GitHub.Repo == "" {
			return fmt.Errorf("remote.github.owner and remote.github.repo are required")
		}
		if _, err := url.Parse(c.Remote.GitHub.APIURL); err != nil {
			return fmt.Errorf("invalid remote.github.api_url: %w", err)
		}
	case BackendS3:
		if c.Remote.S3.Bucket == "" {
			return fmt.Errorf("remote.s3.bucket is required")
		}
	default:
		return fmt.Errorf("unknown remote.backend %q (want file, github, s3 or memory)", c.Remote.Backend)
	}

	if c.Sync.PushInterval <= 0 {
		return fmt.Errorf("sync.push_interval must be positive")
	}
	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("sync.max_attempts must be >= 1 (got %d)", c.Sync.MaxAttempts)
	}
	if c.Sync.InitialBackoff <= 0 || c.Sync.MaxBackoff < c.Sync.InitialBackoff {
		return fmt.Errorf("sync.initial_backoff must be positive and <= sync.max_backoff")
	}
	if c.Sync.TombstoneRetention < 0 {
		return fmt.Errorf("sync.tombstone_retention cannot be negative")
	}
	return nil
}

// RequireIdentity returns the configured identity or an error naming how to
// set it.
func (c *Config) RequireIdentity() (string, error) {
	if c.Identity == "" {
		return "", fmt.Errorf("no identity configured (use --identity or %s_IDENTITY)", EnvPrefix)
	}
	return c.Identity, nil
}

// KVPath is the local database file.
func (c *Config) KVPath() string {
	return filepath.Join(c.DataDir, "stocksync.db")
}

// ProbeAddress is the host:port dialed to decide connectivity. Empty means
// the remote is local and always reachable.
func (c *Config) ProbeAddress() string {
	if c.Daemon.ProbeAddress != "" {
		return c.Daemon.ProbeAddress
	}
	switch c.Remote.Backend {
	case BackendGitHub:
		return hostPort(c.Remote.GitHub.APIURL)
	case BackendS3:
		if c.Remote.S3.Endpoint != "" {
			return hostPort(c.Remote.S3.Endpoint)
		}
		return net.JoinHostPort(fmt.Sprintf("s3.%s.amazonaws.com", c.Remote.S3.Region), "443")
	}
	return ""
}

func hostPort(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	if port := u.Port(); port != "" {
		return net.JoinHostPort(u.Hostname(), port)
	}
	if u.Scheme == "http" {
		return net.JoinHostPort(u.Hostname(), "80")
	}
	return net.JoinHostPort(u.Hostname(), "443")
}
