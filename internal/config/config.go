// Package config handles mcphost configuration loading.
//
// Two files are involved at runtime. This package owns the host's own
// YAML settings (listen address, log level, where things live on disk).
// The MCP server launch specs live in a separate JSON file shared with
// desktop clients; see package mcpconfig.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultRequestTimeout bounds how long a single JSON-RPC request to an
// MCP subprocess may wait for its reply.
const DefaultRequestTimeout = 30 * time.Second

// ErrNoConfig is returned by [FindConfig] when no explicit path was given
// and none of the default locations contain a config file.
var ErrNoConfig = errors.New("no config file found")

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./mcphost.yaml, ~/.config/mcphost/mcphost.yaml, /etc/mcphost/mcphost.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"mcphost.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mcphost", "mcphost.yaml"))
	}

	paths = append(paths, "/etc/mcphost/mcphost.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists,
// or an error wrapping [ErrNoConfig].
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%w (searched: %v)", ErrNoConfig, DefaultSearchPaths())
}

// Config holds all mcphost configuration.
type Config struct {
	Listen ListenConfig `yaml:"listen"`

	// ServersFile is the JSON file holding the mcpServers map. It is
	// shared with desktop MCP clients, so the default matches theirs.
	ServersFile string `yaml:"servers_file"`

	// ExtensionsDir holds one unpacked extension per subdirectory, each
	// with a manifest.json at its root.
	ExtensionsDir string `yaml:"extensions_dir"`

	// ExtensionSettingsDir holds <extension-id>.json settings files.
	ExtensionSettingsDir string `yaml:"extension_settings_dir"`

	// DataDir holds the call log database.
	DataDir string `yaml:"data_dir"`

	// RequestTimeout is the per-request reply deadline (default 30s).
	RequestTimeout time.Duration `yaml:"request_timeout"`

	Health    HealthConfig `yaml:"health"`
	CORS      CORSConfig   `yaml:"cors"`
	LogLevel  string       `yaml:"log_level"`
	LogFormat string       `yaml:"log_format"`
}

// ListenConfig defines the local API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: 127.0.0.1)
	Port    int    `yaml:"port"`    // 0 disables the API server
}

// HealthConfig controls periodic ping probes of running MCP servers.
type HealthConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// CORSConfig lists browser origins allowed to call the local API. The
// desktop shell's webview is the usual entry.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Default returns a default configuration. Paths follow the desktop
// client layout under ~/.config/Claude so existing installs are picked
// up without any configuration.
func Default() *Config {
	claudeDir := "~/.config/Claude"
	if dir, err := os.UserConfigDir(); err == nil {
		claudeDir = filepath.Join(dir, "Claude")
	}
	return &Config{
		Listen:               ListenConfig{Address: "127.0.0.1", Port: 8765},
		ServersFile:          filepath.Join(claudeDir, "claude_desktop_config.json"),
		ExtensionsDir:        "~/.config/Claude/extensions",
		ExtensionSettingsDir: "~/.config/Claude/extension-settings",
		DataDir:              "~/.config/mcphost",
		RequestTimeout:       DefaultRequestTimeout,
		Health:               HealthConfig{Enabled: true, Interval: 60 * time.Second},
	}
}

// Load reads configuration from a YAML file. Values not present in the
// file keep their [Default] values. Environment variables are expanded
// before parsing and a leading ~ in path fields is expanded afterward.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.expandPaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Resolved returns a copy of the default config with paths expanded.
// Used when no config file exists.
func Resolved() *Config {
	cfg := Default()
	cfg.expandPaths()
	return cfg
}

// Validate checks field values that cannot be corrected silently.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if _, err := ParseLogFormat(c.LogFormat); err != nil {
		return err
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("request_timeout must not be negative (got %s)", c.RequestTimeout)
	}
	if c.Health.Interval < 0 {
		return fmt.Errorf("health.interval must not be negative (got %s)", c.Health.Interval)
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port out of range: %d", c.Listen.Port)
	}
	if c.ServersFile == "" {
		return fmt.Errorf("servers_file must not be empty")
	}
	return nil
}

// Timeout returns the effective per-request timeout.
func (c *Config) Timeout() time.Duration {
	if c.RequestTimeout <= 0 {
		return DefaultRequestTimeout
	}
	return c.RequestTimeout
}

func (c *Config) expandPaths() {
	c.ServersFile = ExpandHome(c.ServersFile)
	c.ExtensionsDir = ExpandHome(c.ExtensionsDir)
	c.ExtensionSettingsDir = ExpandHome(c.ExtensionSettingsDir)
	c.DataDir = ExpandHome(c.DataDir)
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}
