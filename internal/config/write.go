package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Formats accepted by Encode and WriteFile.
const (
	FormatYAML = "yaml"
	FormatTOML = "toml"
	FormatJSON = "json"
)

const redacted = "********"

// Settings returns c as nested maps keyed like the config file, so that the
// encoded result loads back into the same Config. Durations are rendered as
// strings. With redact set, credentials are masked.
func (c *Config) Settings(redact bool) map[string]any {
	secret := func(s string) string {
		if redact && s != "" {
			return redacted
		}
		return s
	}

	return map[string]any{
		"identity": c.Identity,
		"data_dir": c.DataDir,
		"remote": map[string]any{
			"backend": c.Remote.Backend,
			"path":    c.Remote.Path,
			"github": map[string]any{
				"api_url": c.Remote.GitHub.APIURL,
				"owner":   c.Remote.GitHub.Owner,
				"repo":    c.Remote.GitHub.Repo,
				"branch":  c.Remote.GitHub.Branch,
				"token":   secret(c.Remote.GitHub.Token),
			},
			"s3": map[string]any{
				"bucket":            c.Remote.S3.Bucket,
				"region":            c.Remote.S3.Region,
				"endpoint":          c.Remote.S3.Endpoint,
				"prefix":            c.Remote.S3.Prefix,
				"access_key_id":     secret(c.Remote.S3.AccessKeyID),
				"secret_access_key": secret(c.Remote.S3.SecretAccessKey),
				"use_path_style":    c.Remote.S3.UsePathStyle,
			},
			"file": map[string]any{
				"dir": c.Remote.File.Dir,
			},
		},
		"sync": map[string]any{
			"push_interval":       c.Sync.PushInterval.String(),
			"max_attempts":        c.Sync.MaxAttempts,
			"initial_backoff":     c.Sync.InitialBackoff.String(),
			"max_backoff":         c.Sync.MaxBackoff.String(),
			"tombstone_retention": c.Sync.TombstoneRetention.String(),
		},
		"daemon": map[string]any{
			"status_addr":    c.Daemon.StatusAddr,
			"inbox_dir":      c.Daemon.InboxDir,
			"probe_interval": c.Daemon.ProbeInterval.String(),
			"probe_address":  c.Daemon.ProbeAddress,
		},
		"log": map[string]any{
			"file":         c.Log.File,
			"max_size_mb":  c.Log.MaxSizeMB,
			"max_backups":  c.Log.MaxBackups,
			"max_age_days": c.Log.MaxAgeDays,
			"compress":     c.Log.Compress,
			"verbose":      c.Log.Verbose,
		},
	}
}

// Encode writes c to w in format.
func (c *Config) Encode(w io.Writer, format string, redact bool) error {
	settings := c.Settings(redact)
	switch format {
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(settings); err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		return enc.Close()
	case FormatTOML:
		if err := toml.NewEncoder(w).Encode(settings); err != nil {
			return fmt.Errorf("failed to encode toml: %w", err)
		}
		return nil
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(settings)
	}
	return fmt.Errorf("unknown format %q (want yaml, toml or json)", format)
}

// FormatOf returns the format implied by a file extension.
func FormatOf(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	case ".json":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("cannot infer config format from %q", path)
}

// WriteFile writes c to path, in the format implied by its extension.
// Credentials are written in clear; the file is created 0600.
func (c *Config) WriteFile(path string) error {
	format, err := FormatOf(path)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := c.Encode(&buf, format, false); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
