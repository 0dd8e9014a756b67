// Package connwatch respawns MCP servers whose process went away after
// they became ready.
//
// Each Watcher owns one server name and retries a reconnect function
// with exponential backoff (1s, 2s, 4s, ... capped at MaxDelay) until it
// succeeds, the retry budget is spent, or it is stopped. A Watcher is
// single-use: once it finishes, a later outage gets a fresh Watcher from
// Manager.Watch.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ReconnectFunc tries once to bring a server back. Return nil when the
// server is ready again.
type ReconnectFunc func(ctx context.Context) error

// BackoffConfig controls the exponential backoff behavior.
type BackoffConfig struct {
	// InitialDelay is the delay before the first attempt (default: 1s).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 30s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each attempt (default: 2.0).
	Multiplier float64

	// MaxRetries is the number of attempts before giving up. Zero or
	// negative means no limit.
	MaxRetries int

	// AttemptTimeout limits each reconnect call (default: 45s, which
	// covers a spawn plus a full handshake).
	AttemptTimeout time.Duration
}

// DefaultBackoffConfig returns 1s, 2s, 4s, ... capped at 30s, with five
// attempts.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay:   time.Second,
		MaxDelay:       30 * time.Second,
		Multiplier:     2.0,
		MaxRetries:     5,
		AttemptTimeout: 45 * time.Second,
	}
}

// WatcherConfig configures a single reconnect watcher.
type WatcherConfig struct {
	// Name is the MCP server name.
	Name string

	// Reconnect performs one attempt. Must be safe to call repeatedly.
	Reconnect ReconnectFunc

	// Backoff controls retry timing. Use DefaultBackoffConfig() as a starting point.
	Backoff BackoffConfig

	// OnReady is called after a successful attempt, in its own goroutine.
	// Optional.
	OnReady func()

	// OnGiveUp is called with the last error once MaxRetries attempts
	// have failed, in its own goroutine. Optional.
	OnGiveUp func(err error)

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Phase is where a watcher is in its life.
type Phase string

// Watcher phases.
const (
	PhaseWaiting   Phase = "waiting"
	PhaseRecovered Phase = "recovered"
	PhaseGaveUp    Phase = "gave_up"
	PhaseStopped   Phase = "stopped"
)

// Status is a watcher's state, suitable for JSON serialization in
// status endpoints.
type Status struct {
	Name        string    `json:"name"`
	Phase       Phase     `json:"phase"`
	Attempts    int       `json:"attempts"`
	LastAttempt time.Time `json:"last_attempt,omitzero"`
	NextAttempt time.Time `json:"next_attempt,omitzero"`
	LastError   string    `json:"last_error,omitempty"`
}

// Watcher retries one server's reconnect.
type Watcher struct {
	config WatcherConfig
	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	phase       Phase
	attempts    int
	lastErr     error
	lastAttempt time.Time
	nextAttempt time.Time
}

// LastError returns the most recent attempt error, or nil.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current status.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Status{
		Name:        w.config.Name,
		Phase:       w.phase,
		Attempts:    w.attempts,
		LastAttempt: w.lastAttempt,
	}
	if w.phase == PhaseWaiting {
		s.NextAttempt = w.nextAttempt
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Done is closed when the watcher goroutine exits.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

// Wait blocks until the watcher goroutine exits.
func (w *Watcher) Wait() {
	<-w.done
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) setPhase(p Phase) {
	w.mu.Lock()
	w.phase = p
	w.mu.Unlock()
}

// run sleeps, attempts, and grows the delay until an attempt succeeds,
// the budget is spent, or ctx is cancelled.
func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	cfg := w.config.Backoff
	logger := w.config.Logger

	delay := cfg.InitialDelay
	for attempt := 1; ; attempt++ {
		w.mu.Lock()
		w.nextAttempt = time.Now().Add(delay)
		w.mu.Unlock()

		if !sleepCtx(ctx, delay) {
			w.setPhase(PhaseStopped)
			return
		}

		err := w.attempt(ctx)
		w.recordResult(attempt, err)

		if err == nil {
			w.setPhase(PhaseRecovered)
			logger.Info("MCP server reconnected",
				"mcp_server", w.config.Name,
				"after_attempts", attempt,
			)
			if w.config.OnReady != nil {
				go w.config.OnReady()
			}
			return
		}

		if ctx.Err() != nil {
			w.setPhase(PhaseStopped)
			return
		}

		if cfg.MaxRetries > 0 && attempt >= cfg.MaxRetries {
			w.setPhase(PhaseGaveUp)
			logger.Warn("MCP server reconnect failed, giving up",
				"mcp_server", w.config.Name,
				"attempts", attempt,
				"error", err,
			)
			if w.config.OnGiveUp != nil {
				go w.config.OnGiveUp(err)
			}
			return
		}

		// Grow delay with ceiling.
		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}

		logger.Debug("MCP server reconnect failed, retrying",
			"mcp_server", w.config.Name,
			"attempt", attempt,
			"max_retries", cfg.MaxRetries,
			"next_delay", delay.String(),
			"error", err,
		)
	}
}

// attempt calls the configured ReconnectFunc with a timeout.
func (w *Watcher) attempt(ctx context.Context) error {
	attemptCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.AttemptTimeout)
	defer cancel()

	return w.config.Reconnect(attemptCtx)
}

// recordResult stores the attempt outcome under the mutex.
func (w *Watcher) recordResult(attempt int, err error) {
	w.mu.Lock()
	w.attempts = attempt
	w.lastErr = err
	w.lastAttempt = time.Now()
	w.mu.Unlock()
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

// Manager coordinates the reconnect watchers of all servers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a reconnect manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch starts a reconnect watcher for cfg.Name, stopping any watcher
// already running for that name. The watcher runs in a background
// goroutine until it finishes, ctx is cancelled, or Stop is called.
//
// Panics if Name is empty or Reconnect is nil; both are programming
// errors. Zero-value BackoffConfig fields are replaced with defaults,
// except MaxRetries, where zero means unlimited.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Reconnect == nil {
		panic("connwatch: WatcherConfig.Reconnect must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}

	// Apply defaults for zero-value backoff fields.
	defaults := DefaultBackoffConfig()
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff.InitialDelay = defaults.InitialDelay
	}
	if cfg.Backoff.MaxDelay <= 0 {
		cfg.Backoff.MaxDelay = defaults.MaxDelay
	}
	if cfg.Backoff.MaxDelay < cfg.Backoff.InitialDelay {
		cfg.Backoff.MaxDelay = cfg.Backoff.InitialDelay
	}
	if cfg.Backoff.Multiplier <= 0 {
		cfg.Backoff.Multiplier = defaults.Multiplier
	}
	if cfg.Backoff.AttemptTimeout <= 0 {
		cfg.Backoff.AttemptTimeout = defaults.AttemptTimeout
	}

	m.mu.Lock()
	prev := m.watchers[cfg.Name]
	m.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
		phase:  PhaseWaiting,
	}

	m.mu.Lock()
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	go w.run(watchCtx)
	return w
}

// Watcher returns the most recent watcher for name, or nil.
func (m *Manager) Watcher(name string) *Watcher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.watchers[name]
}

// Status returns the status of every watcher started so far, keyed by
// server name.
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
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
