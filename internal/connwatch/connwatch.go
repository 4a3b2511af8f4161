// Package connwatch probes running MCP servers on an interval and tracks
// whether each one still answers.
//
// A server is watched once its handshake completes, so a watcher starts
// healthy. It turns unhealthy after FailureThreshold consecutive probe
// failures and healthy again on the next success. While a server is
// failing, probes back off from RetryDelay toward Interval instead of
// waiting a full interval between attempts.
//
// Probe failures never stop a server. Removing a server from the host is
// the owner's decision; connwatch only reports.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether a server answers. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Schedule controls probe timing.
type Schedule struct {
	// Interval is the delay between probes of a healthy server (default: 60s).
	Interval time.Duration

	// RetryDelay is the first delay after a failed probe (default: 2s).
	// It doubles after each further failure, capped at Interval.
	RetryDelay time.Duration

	// FailureThreshold is how many consecutive failures mark the server
	// unhealthy (default: 2).
	FailureThreshold int

	// ProbeTimeout limits each probe call (default: 10s).
	ProbeTimeout time.Duration
}

// DefaultSchedule returns the production probe schedule.
func DefaultSchedule() Schedule {
	return Schedule{
		Interval:         60 * time.Second,
		RetryDelay:       2 * time.Second,
		FailureThreshold: 2,
		ProbeTimeout:     10 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultSchedule.
func (s Schedule) withDefaults() Schedule {
	d := DefaultSchedule()
	if s.Interval <= 0 {
		s.Interval = d.Interval
	}
	if s.RetryDelay <= 0 {
		s.RetryDelay = d.RetryDelay
	}
	if s.RetryDelay > s.Interval {
		s.RetryDelay = s.Interval
	}
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = d.FailureThreshold
	}
	if s.ProbeTimeout <= 0 {
		s.ProbeTimeout = d.ProbeTimeout
	}
	return s
}

// WatcherConfig configures a single server watcher.
type WatcherConfig struct {
	// Name identifies the server in logs and status maps.
	Name string

	// Probe checks server health. Must be safe for concurrent use.
	Probe ProbeFunc

	// Schedule controls probe timing. Zero fields take defaults.
	Schedule Schedule

	// OnDown is called when the server turns unhealthy. Called in a
	// separate goroutine. Optional.
	OnDown func(err error)

	// OnRecover is called when an unhealthy server answers again. Called
	// in a separate goroutine. Optional.
	OnRecover func()

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Status is the health of a watched server, suitable for JSON output.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Failures  int       `json:"consecutive_failures"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors one server.
type Watcher struct {
	config  WatcherConfig
	healthy atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	mu        sync.Mutex
	failures  int
	lastErr   error
	lastCheck time.Time
}

// IsHealthy reports whether the server passed its recent probes.
func (w *Watcher) IsHealthy() bool {
	return w.healthy.Load()
}

// LastError returns the most recent probe error, or nil after a success.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health snapshot.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Status{
		Name:      w.config.Name,
		Healthy:   w.healthy.Load(),
		Failures:  w.failures,
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	sched := w.config.Schedule
	logger := w.config.Logger
	delay := sched.Interval

	for {
		if !sleepCtx(ctx, delay) {
			return
		}

		err := w.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		failures := w.record(err)

		switch {
		case err == nil:
			delay = sched.Interval
			if !w.healthy.Swap(true) {
				logger.Info("mcp server recovered", "mcp_server", w.config.Name)
				if w.config.OnRecover != nil {
					go w.config.OnRecover()
				}
			}

		case failures >= sched.FailureThreshold && w.healthy.Swap(false):
			logger.Warn("mcp server stopped answering",
				"mcp_server", w.config.Name,
				"failures", failures,
				"error", err,
			)
			if w.config.OnDown != nil {
				go w.config.OnDown(err)
			}
			delay = nextDelay(delay, failures, sched)

		default:
			logger.Debug("mcp server probe failed",
				"mcp_server", w.config.Name,
				"failures", failures,
				"error", err,
			)
			delay = nextDelay(delay, failures, sched)
		}
	}
}

// nextDelay returns the wait after the given number of consecutive
// failures: RetryDelay, then doubling, capped at Interval.
func nextDelay(prev time.Duration, failures int, sched Schedule) time.Duration {
	if failures <= 1 {
		return sched.RetryDelay
	}
	next := prev * 2
	if next > sched.Interval || next <= 0 {
		next = sched.Interval
	}
	return next
}

func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Schedule.ProbeTimeout)
	defer cancel()
	return w.config.Probe(probeCtx)
}

// record stores a probe outcome and returns the consecutive failure count.
func (w *Watcher) record(err error) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastErr = err
	w.lastCheck = time.Now()
	if err == nil {
		w.failures = 0
	} else {
		w.failures++
	}
	return w.failures
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager holds one watcher per server name.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	schedule Schedule
	logger   *slog.Logger
}

// NewManager creates a watch manager whose watchers use schedule unless
// their config sets one.
func NewManager(schedule Schedule, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		schedule: schedule,
		logger:   logger,
	}
}

// Watch starts a watcher for cfg.Name, replacing any existing watcher of
// the same name. The watcher runs until ctx is cancelled, Unwatch, or Stop.
//
// Panics if Name is empty or Probe is nil.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	if cfg.Schedule == (Schedule{}) {
		cfg.Schedule = m.schedule
	}
	cfg.Schedule = cfg.Schedule.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	w.healthy.Store(true)

	m.mu.Lock()
	old := m.watchers[cfg.Name]
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	go w.run(watchCtx)
	return w
}

// Unwatch stops and forgets the watcher for name, if any.
func (m *Manager) Unwatch(name string) {
	m.mu.Lock()
	w := m.watchers[name]
	delete(m.watchers, name)
	m.mu.Unlock()

	if w != nil {
		w.Stop()
	}
}

// Lookup returns the status for name and whether it is watched.
func (m *Manager) Lookup(name string) (Status, bool) {
	m.mu.RLock()
	w, ok := m.watchers[name]
	m.mu.RUnlock()
	if !ok {
		return Status{}, false
	}
	return w.Status(), true
}

// Status returns the health of every watched server.
func (m *Manager) Status() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]Status, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Stop shuts down all watchers and waits for their goroutines to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.watchers = make(map[string]*Watcher)
	m.mu.Unlock()

	for _, w := range watchers {
		w.Stop()
	}
}
