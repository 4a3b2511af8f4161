// Package mcpconfig reads and writes the MCP server launch file, the
// JSON document that maps server names to the command that starts each
// one. The format is the one desktop MCP hosts share:
//
//	{"mcpServers": {"files": {"command": "npx", "args": ["-y", "server-fs"], "env": {}}}}
//
// The legacy key "mcp_servers" is accepted on read. Writes always use
// "mcpServers" and keep any other top-level keys the file carries.
package mcpconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	serversKey       = "mcpServers"
	legacyServersKey = "mcp_servers"
)

// ServerConfig is how to launch one MCP server.
type ServerConfig struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env"`
}

// EnvList renders Env as sorted KEY=VALUE entries.
func (sc ServerConfig) EnvList() []string {
	out := make([]string, 0, len(sc.Env))
	for k, v := range sc.Env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Config is the parsed launch file.
type Config struct {
	Servers map[string]ServerConfig

	// extra holds unrelated top-level keys so Save does not drop them.
	extra map[string]json.RawMessage
}

// Names returns the configured server names in sorted order.
func (c *Config) Names() []string {
	names := make([]string, 0, len(c.Servers))
	for name := range c.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks that every server has a name and a command.
func (c *Config) Validate() error {
	for _, name := range c.Names() {
		if strings.TrimSpace(name) == "" {
			return errors.New("server with empty name")
		}
		if strings.TrimSpace(c.Servers[name].Command) == "" {
			return fmt.Errorf("server %s: command is required", name)
		}
	}
	return nil
}

// UnmarshalJSON reads "mcpServers", falling back to "mcp_servers".
func (c *Config) UnmarshalJSON(data []byte) error {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return err
	}

	raw, ok := top[serversKey]
	if !ok {
		raw, ok = top[legacyServersKey]
	}
	delete(top, serversKey)
	delete(top, legacyServersKey)

	servers := make(map[string]ServerConfig)
	if ok && string(raw) != "null" {
		if err := json.Unmarshal(raw, &servers); err != nil {
			return fmt.Errorf("parse server map: %w", err)
		}
	}
	for name, sc := range servers {
		servers[name] = normalize(sc)
	}

	c.Servers = servers
	c.extra = top
	return nil
}

// MarshalJSON writes servers under "mcpServers" alongside the
// preserved keys.
func (c Config) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(c.extra)+1)
	for k, v := range c.extra {
		out[k] = v
	}
	servers := make(map[string]ServerConfig, len(c.Servers))
	for name, sc := range c.Servers {
		servers[name] = normalize(sc)
	}
	out[serversKey] = servers
	return json.Marshal(out)
}

// normalize fills in the defaults so absent args and env round-trip as
// [] and {}.
func normalize(sc ServerConfig) ServerConfig {
	if sc.Args == nil {
		sc.Args = []string{}
	}
	if sc.Env == nil {
		sc.Env = map[string]string{}
	}
	return sc
}

// Store loads and saves the launch file at a fixed path.
type Store struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewStore returns a store for the file at path.
func NewStore(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{path: path, logger: logger}
}

// Path returns the file location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the file. A missing or unreadable file is an empty
// configuration. A file that is not valid JSON is an error.
func (s *Store) Load() (*Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() (*Config, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("MCP server config unreadable, treating as empty",
				"path", s.path,
				"error", err,
			)
		}
		return &Config{Servers: map[string]ServerConfig{}}, nil
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse MCP server config %s: %w", s.path, err)
	}

	s.logger.Debug("loaded MCP server config", "path", s.path, "servers", len(cfg.Servers))
	return &cfg, nil
}

// Save writes cfg as indented JSON, creating the parent directory. The
// write goes through a temp file and a rename so readers never see a
// partial file.
func (s *Store) Save(cfg *Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(cfg)
}

// SaveServers replaces the server map and keeps the rest of the file.
// The read and the write happen under one lock.
func (s *Store) SaveServers(servers map[string]ServerConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.load()
	if err != nil {
		return err
	}
	cfg.Servers = servers
	return s.save(cfg)
}

func (s *Store) save(cfg *Config) error {
	if cfg == nil {
		cfg = &Config{}
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid MCP server config: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal MCP server config: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp config file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename config file: %w", err)
	}

	s.logger.Info("saved MCP server config", "path", s.path, "servers", len(cfg.Servers))
	return nil
}
