package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nugget/mcphost/internal/calllog"
	"github.com/nugget/mcphost/internal/config"
	"github.com/nugget/mcphost/internal/connwatch"
	"github.com/nugget/mcphost/internal/events"
	"github.com/nugget/mcphost/internal/extensions"
	"github.com/nugget/mcphost/internal/manager"
	"github.com/nugget/mcphost/internal/mcpconfig"
)

// callLogFile is the call log database name inside the data directory.
const callLogFile = "calls.db"

// host bundles the manager with the resources it owns.
type host struct {
	manager *manager.Manager
	calls   *calllog.Store
	health  *connwatch.Manager
	events  *events.Bus
	logger  *slog.Logger
}

// newHost opens the call log and builds a manager over the launch file
// and the extensions directory. Health probes run only when withHealth
// is set and the config enables them.
func newHost(cfg *config.Config, logger *slog.Logger, withHealth bool) (*host, error) {
	calls, err := openCallLog(cfg)
	if err != nil {
		return nil, err
	}

	h := &host{calls: calls, events: events.New(), logger: logger}
	if withHealth && cfg.Health.Enabled {
		sched := connwatch.DefaultSchedule()
		if cfg.Health.Interval > 0 {
			sched.Interval = cfg.Health.Interval
		}
		h.health = connwatch.NewManager(sched, logger)
		logger.Debug("health probes enabled", "interval", sched.Interval)
	}

	resolver := extensions.NewResolver(
		extensions.NewDir(cfg.ExtensionsDir, cfg.ExtensionSettingsDir, logger),
		nil,
		logger,
	)

	h.manager = manager.New(manager.Config{
		Store:          mcpconfig.NewStore(cfg.ServersFile, logger),
		Extensions:     resolver,
		Recorder:       calls,
		Health:         h.health,
		Events:         h.events,
		RequestTimeout: cfg.Timeout(),
		Logger:         logger,
	})
	return h, nil
}

// startHost loads configuration, builds a host without health probes,
// and starts every server. It is the common prologue of the one-shot
// commands.
func startHost(ctx context.Context, stderr io.Writer, configPath string) (*host, error) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger := configuredLogger(stderr, cfg)

	h, err := newHost(cfg, logger, false)
	if err != nil {
		return nil, err
	}
	names, err := h.manager.LoadServers(ctx)
	if err != nil {
		h.Close()
		return nil, err
	}
	logger.Debug("MCP servers started", "servers", names)
	return h, nil
}

// Close stops health probes and servers, then closes the call log.
func (h *host) Close() {
	if h.health != nil {
		h.health.Stop()
	}
	h.manager.StopAll()
	if err := h.calls.Close(); err != nil {
		h.logger.Warn("failed to close call log", "error", err)
	}
}

// openCallLog opens the call log database, creating the data directory
// if needed.
func openCallLog(cfg *config.Config) (*calllog.Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	store, err := calllog.NewStore(filepath.Join(cfg.DataDir, callLogFile))
	if err != nil {
		return nil, fmt.Errorf("open call log: %w", err)
	}
	return store, nil
}
