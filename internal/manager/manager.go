// Package manager owns the set of running MCP servers. It merges the
// statically configured launch specs with the ones installed extensions
// contribute, starts and initializes a client for each, and routes tool
// calls and resource reads to them by server name.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/mcphost/internal/calllog"
	"github.com/nugget/mcphost/internal/connwatch"
	"github.com/nugget/mcphost/internal/events"
	"github.com/nugget/mcphost/internal/extensions"
	"github.com/nugget/mcphost/internal/mcp"
	"github.com/nugget/mcphost/internal/mcpconfig"
)

// ErrServerNotFound is returned for operations addressed to a server
// name that is not running.
var ErrServerNotFound = errors.New("mcp server not found")

// ErrToolNotFound is returned when a qualified tool name matches no
// tool of any running server.
var ErrToolNotFound = errors.New("mcp tool not found")

// ConfigStore reads and writes the server launch file.
// [mcpconfig.Store] is the production implementation.
type ConfigStore interface {
	Path() string
	Load() (*mcpconfig.Config, error)
	Save(cfg *mcpconfig.Config) error
	SaveServers(servers map[string]mcpconfig.ServerConfig) error
}

// ExtensionSource supplies launch specs resolved from installed
// extensions. [extensions.Resolver] is the production implementation.
type ExtensionSource interface {
	Servers(ctx context.Context) ([]extensions.Server, error)
}

// Recorder receives one record per routed call.
type Recorder interface {
	Record(ctx context.Context, rec calllog.Record) error
}

// SpawnFunc starts a server process and returns its uninitialized client.
type SpawnFunc func(name string, cfg mcp.StdioConfig) (*mcp.Client, error)

// Config wires a Manager to its collaborators. Only Store is required.
type Config struct {
	Store      ConfigStore
	Extensions ExtensionSource
	Recorder   Recorder
	Health     *connwatch.Manager
	Events     *events.Bus

	// RequestTimeout is passed to each spawned transport.
	RequestTimeout time.Duration

	// Spawn defaults to [mcp.Spawn].
	Spawn SpawnFunc

	Logger *slog.Logger
}

// ServerStatus describes one running server.
type ServerStatus struct {
	Name      string         `json:"name"`
	Info      mcp.ServerInfo `json:"server_info"`
	Tools     []mcp.Tool     `json:"tools"`
	Resources []mcp.Resource `json:"resources"`
	Healthy   bool           `json:"healthy"`
	LastError string         `json:"last_error,omitempty"`
}

// launchSpec is a merged entry from either source.
type launchSpec struct {
	name    string
	source  string
	command string
	args    []string
	env     []string
}

// Manager is safe for concurrent use.
type Manager struct {
	store      ConfigStore
	extensions ExtensionSource
	recorder   Recorder
	health     *connwatch.Manager
	events     *events.Bus
	timeout    time.Duration
	spawn      SpawnFunc
	logger     *slog.Logger

	loading atomic.Bool

	mu      sync.RWMutex
	clients map[string]*mcp.Client
	catalog *mcp.Catalog
	// epoch advances on StopAll. A load started in an earlier epoch
	// must not index its clients.
	epoch uint64
}

// New creates a manager with no running servers.
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	spawn := cfg.Spawn
	if spawn == nil {
		spawn = mcp.Spawn
	}
	return &Manager{
		store:      cfg.Store,
		extensions: cfg.Extensions,
		recorder:   cfg.Recorder,
		health:     cfg.Health,
		events:     cfg.Events,
		timeout:    cfg.RequestTimeout,
		spawn:      spawn,
		logger:     logger,
		clients:    make(map[string]*mcp.Client),
		catalog:    mcp.NewCatalog(nil),
	}
}

// LoadServers starts every configured or extension-provided server
// that is not already running and returns the sorted names of all
// running servers. Servers that fail to start or initialize are logged
// and left out. Clients whose process has exited are dropped first, so
// a reload restarts them.
//
// Only one load runs at a time. A call that arrives during a load
// returns the currently running names without waiting.
func (m *Manager) LoadServers(ctx context.Context) ([]string, error) {
	if !m.loading.CompareAndSwap(false, true) {
		m.logger.Debug("MCP server load already in progress")
		return m.Names(), nil
	}
	defer m.loading.Store(false)

	m.prune()

	m.mu.RLock()
	epoch := m.epoch
	m.mu.RUnlock()

	specs, err := m.specs(ctx)
	if err != nil {
		return m.Names(), err
	}

	var (
		wg      sync.WaitGroup
		started atomic.Int32
	)
	for _, spec := range specs {
		if m.running(spec.name) {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			client, err := m.start(ctx, spec)
			if err != nil {
				m.logger.Error("MCP server failed to start",
					"mcp_server", spec.name,
					"source", spec.source,
					"error", err,
				)
				m.events.Emit(events.SourceManager, events.KindServerFailed, map[string]any{
					"mcp_server": spec.name,
					"source":     spec.source,
					"error":      err.Error(),
				})
				return
			}
			m.mu.Lock()
			if m.epoch != epoch {
				m.mu.Unlock()
				m.logger.Info("MCP servers stopped during startup, discarding",
					"mcp_server", spec.name,
				)
				client.Close()
				return
			}
			m.clients[spec.name] = client
			m.watch(client)
			m.mu.Unlock()
			started.Add(1)
			m.events.Emit(events.SourceManager, events.KindServerStarted, map[string]any{
				"mcp_server": spec.name,
				"source":     spec.source,
				"tools":      len(client.Tools()),
				"resources":  len(client.Resources()),
			})
		}()
	}
	wg.Wait()

	m.rebuildCatalog()
	names := m.Names()
	m.logger.Info("MCP servers loaded",
		"started", started.Load(),
		"running", len(names),
	)
	m.events.Emit(events.SourceManager, events.KindLoadComplete, map[string]any{
		"started": int(started.Load()),
		"running": len(names),
	})
	return names, nil
}

// specs merges the launch file with extension servers. A configured
// name wins over an extension server of the same name.
func (m *Manager) specs(ctx context.Context) ([]launchSpec, error) {
	cfg, err := m.store.Load()
	if err != nil {
		return nil, fmt.Errorf("load server config: %w", err)
	}

	var specs []launchSpec
	seen := make(map[string]bool)
	for _, name := range cfg.Names() {
		sc := cfg.Servers[name]
		specs = append(specs, launchSpec{
			name:    name,
			source:  "config",
			command: sc.Command,
			args:    sc.Args,
			env:     sc.EnvList(),
		})
		seen[name] = true
	}

	if m.extensions == nil {
		return specs, nil
	}
	extServers, err := m.extensions.Servers(ctx)
	if err != nil {
		m.logger.Error("failed to resolve extension servers", "error", err)
		return specs, nil
	}
	for _, srv := range extServers {
		name := srv.Name()
		if seen[name] {
			m.logger.Warn("extension server name already configured, skipping",
				"mcp_server", name,
				"extension", srv.ExtensionID,
			)
			continue
		}
		seen[name] = true
		env := make([]string, 0, len(srv.Env))
		for k, v := range srv.Env {
			env = append(env, k+"="+v)
		}
		sort.Strings(env)
		specs = append(specs, launchSpec{
			name:    name,
			source:  "extension",
			command: srv.Command,
			args:    srv.Args,
			env:     env,
		})
	}
	return specs, nil
}

// start spawns and initializes one server. The client is never returned
// unless it reached the ready state.
func (m *Manager) start(ctx context.Context, spec launchSpec) (*mcp.Client, error) {
	m.logger.Debug("starting MCP server",
		"mcp_server", spec.name,
		"command", spec.command,
		"args", spec.args,
	)
	client, err := m.spawn(spec.name, mcp.StdioConfig{
		Command:        spec.command,
		Args:           spec.args,
		Env:            spec.env,
		RequestTimeout: m.timeout,
		Logger:         m.logger,
	})
	if err != nil {
		return nil, err
	}
	if err := client.Initialize(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// prune drops clients that are no longer usable.
func (m *Manager) prune() {
	m.mu.Lock()
	var dead []*mcp.Client
	for name, c := range m.clients {
		if c.State() == mcp.StateStopped {
			dead = append(dead, c)
			delete(m.clients, name)
		}
	}
	m.mu.Unlock()

	for _, c := range dead {
		m.logger.Info("dropping exited MCP server", "mcp_server", c.Name())
		m.unwatch(c.Name())
		c.Close()
		m.events.Emit(events.SourceManager, events.KindServerExited, map[string]any{"mcp_server": c.Name()})
	}
}

func (m *Manager) running(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.clients[name]
	return ok
}

func (m *Manager) client(name string) (*mcp.Client, error) {
	m.mu.RLock()
	c, ok := m.clients[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServerNotFound, name)
	}
	return c, nil
}

// Names returns the sorted names of the running servers.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListServers returns every ready server with its cached tools and
// resources, sorted by name.
func (m *Manager) ListServers() []ServerStatus {
	m.mu.RLock()
	clients := make([]*mcp.Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.RUnlock()

	out := make([]ServerStatus, 0, len(clients))
	for _, c := range clients {
		if c.State() != mcp.StateReady {
			continue
		}
		s := ServerStatus{
			Name:      c.Name(),
			Info:      c.ServerInfo(),
			Tools:     c.Tools(),
			Resources: c.Resources(),
			Healthy:   true,
		}
		if m.health != nil {
			if hs, ok := m.health.Lookup(c.Name()); ok {
				s.Healthy = hs.Healthy
				s.LastError = hs.LastError
			}
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CallTool invokes a tool on the named server and returns the result
// document unmodified.
func (m *Manager) CallTool(ctx context.Context, server, tool string, args json.RawMessage) (json.RawMessage, error) {
	c, err := m.client(server)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	result, err := c.CallTool(ctx, tool, args)
	m.record(ctx, server, calllog.KindTool, tool, start, result, err)
	return result, err
}

// ReadResource reads a resource from the named server and returns the
// result document unmodified.
func (m *Manager) ReadResource(ctx context.Context, server, uri string) (json.RawMessage, error) {
	c, err := m.client(server)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	result, err := c.ReadResource(ctx, uri)
	m.record(ctx, server, calllog.KindResource, uri, start, nil, err)
	return result, err
}

// Catalog returns every running tool under its qualified name.
func (m *Manager) Catalog() []mcp.CatalogEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.catalog.Entries()
}

// CallQualified invokes a tool by its catalog name.
func (m *Manager) CallQualified(ctx context.Context, qualified string, args json.RawMessage) (json.RawMessage, error) {
	m.mu.RLock()
	entry, ok := m.catalog.Lookup(qualified)
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, qualified)
	}
	return m.CallTool(ctx, entry.Server, entry.Tool.Name, args)
}

// StopServer terminates the named server and forgets it.
func (m *Manager) StopServer(name string) error {
	m.mu.Lock()
	c, ok := m.clients[name]
	delete(m.clients, name)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrServerNotFound, name)
	}

	m.unwatch(name)
	err := c.Close()
	m.rebuildCatalog()
	m.logger.Info("MCP server stopped", "mcp_server", name)
	m.events.Emit(events.SourceManager, events.KindServerStopped, map[string]any{"mcp_server": name})
	return err
}

// StopAll terminates every running server. Servers still starting in
// an in-flight load are closed instead of indexed.
func (m *Manager) StopAll() {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[string]*mcp.Client)
	m.catalog = mcp.NewCatalog(nil)
	m.epoch++
	m.mu.Unlock()

	for name, c := range clients {
		m.unwatch(name)
		if err := c.Close(); err != nil {
			m.logger.Debug("MCP server close error", "mcp_server", name, "error", err)
		}
	}
	if len(clients) > 0 {
		m.logger.Info("all MCP servers stopped", "count", len(clients))
	}
}

// Config returns the current contents of the launch file.
func (m *Manager) Config() (*mcpconfig.Config, error) {
	return m.store.Load()
}

// SaveConfig replaces the configured servers in the launch file. Running
// servers are not restarted; the change applies on the next load for
// names that are not running.
func (m *Manager) SaveConfig(servers map[string]mcpconfig.ServerConfig) error {
	return m.store.SaveServers(servers)
}

// ConfigPath returns the launch file location.
func (m *Manager) ConfigPath() string {
	return m.store.Path()
}

func (m *Manager) rebuildCatalog() {
	m.mu.Lock()
	defer m.mu.Unlock()
	tools := make(map[string][]mcp.Tool, len(m.clients))
	for name, c := range m.clients {
		if c.State() == mcp.StateReady {
			tools[name] = c.Tools()
		}
	}
	m.catalog = mcp.NewCatalog(tools)
}

func (m *Manager) watch(c *mcp.Client) {
	if m.health == nil {
		return
	}
	name := c.Name()
	m.health.Watch(context.Background(), connwatch.WatcherConfig{
		Name:  name,
		Probe: c.Ping,
		OnDown: func(err error) {
			m.events.Emit(events.SourceHealth, events.KindServerDown, map[string]any{
				"mcp_server": name,
				"error":      err.Error(),
			})
		},
		OnRecover: func() {
			m.events.Emit(events.SourceHealth, events.KindServerRecovered, map[string]any{"mcp_server": name})
		},
	})
}

func (m *Manager) unwatch(name string) {
	if m.health != nil {
		m.health.Unwatch(name)
	}
}

// record appends a call to the recorder and announces it on the event
// bus. A tool result flagged isError counts as a tool error, not a
// success.
func (m *Manager) record(ctx context.Context, server string, kind calllog.Kind, target string, start time.Time, result json.RawMessage, err error) {
	if m.recorder == nil && m.events == nil {
		return
	}
	rec := calllog.Record{
		Time:     start,
		Server:   server,
		Kind:     kind,
		Target:   target,
		Duration: time.Since(start),
		Outcome:  calllog.OutcomeOK,
	}
	switch {
	case errors.Is(err, mcp.ErrTimeout):
		rec.Outcome = calllog.OutcomeTimeout
		rec.Error = err.Error()
	case err != nil:
		rec.Outcome = calllog.OutcomeError
		rec.Error = err.Error()
	case result != nil:
		if tr, derr := mcp.DecodeToolResult(result); derr == nil && tr.IsError {
			rec.Outcome = calllog.OutcomeToolError
			rec.Error = tr.Text()
		}
	}

	m.events.Emit(events.SourceManager, events.KindCallDone, map[string]any{
		"mcp_server":  server,
		"kind":        string(rec.Kind),
		"target":      target,
		"outcome":     string(rec.Outcome),
		"duration_ms": rec.Duration.Milliseconds(),
	})

	if m.recorder == nil {
		return
	}
	if rerr := m.recorder.Record(context.WithoutCancel(ctx), rec); rerr != nil {
		m.logger.Warn("failed to record MCP call",
			"mcp_server", server,
			"target", target,
			"error", rerr,
		)
	}
}
