// Package config is the on-disk configuration for patchdeck-agent.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Config is the agent's JSON config file.
type Config struct {
	// ListenAddr is the local HTTP/WebSocket bind address.
	ListenAddr string `json:"listen_addr"`

	// RepoDir is the working-copy root that hunks are applied against and
	// that git commands run in.
	RepoDir string `json:"repo_dir"`

	// StateDir holds the feedback log and the review history DB.
	// If empty, DefaultStateDir is used.
	StateDir string `json:"state_dir,omitempty"`

	// AgentNotifyURL receives fire-and-forget resolution summaries for the
	// agent runtime. Empty disables notification.
	AgentNotifyURL string `json:"agent_notify_url,omitempty"`

	// PolicyPath points at an optional review policy YAML file.
	PolicyPath string `json:"policy_path,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty"`
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		return errors.New("missing listen_addr")
	}
	if strings.TrimSpace(c.RepoDir) == "" {
		return errors.New("missing repo_dir")
	}
	return nil
}

// DefaultConfigPath returns the default config path:
//
//	~/.patchdeck-agent/config.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "patchdeck-agent.config.json"
	}
	return filepath.Join(home, ".patchdeck-agent", "config.json")
}

// DefaultStateDir returns ~/.patchdeck-agent.
func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return ".patchdeck-agent"
	}
	return filepath.Join(home, ".patchdeck-agent")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func Save(path string, c *Config) error {
	if c == nil {
		return errors.New("nil config")
	}
	if err := c.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o600)
}

// ResolvedStateDir returns the configured state dir or the default.
func (c *Config) ResolvedStateDir() string {
	if c != nil {
		if dir := strings.TrimSpace(c.StateDir); dir != "" {
			return dir
		}
	}
	return DefaultStateDir()
}

// BuildLogger constructs the root slog.Logger from config.
func (c *Config) BuildLogger() *slog.Logger {
	level := slog.LevelInfo
	format := "json"
	if c != nil {
		switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
		if strings.ToLower(strings.TrimSpace(c.LogFormat)) == "text" {
			format = "text"
		}
	}
	opts := &slog.HandlerOptions{Level: level}
	if format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
