// Package connwatch tracks the health of the bridge's external
// dependencies, the MQTT broker and the one-wire bus, for the health
// endpoint.
//
// Each Watcher probes one dependency in two phases:
//  1. Startup: exponential backoff (1s, 2s, 4s, ... capped at 30s)
//  2. Background: periodic polling with state-transition callbacks
//
// Watchers only report. They never reconnect anything themselves: the
// MQTT transport reconnects on its own and the bus is owned by the
// kernel driver.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
)

// ProbeFunc checks whether a dependency is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Schedule controls startup retries and background polling.
type Schedule struct {
	// InitialDelay is the delay before the first startup retry (default: 1s).
	InitialDelay time.Duration

	// MaxDelay caps backoff growth (default: 30s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry (default: 2.0).
	Multiplier float64

	// MaxRetries bounds startup probe attempts (default: 5).
	MaxRetries int

	// PollInterval is the background check interval (default: 30s).
	PollInterval time.Duration

	// ProbeTimeout limits each probe call (default: 5s).
	ProbeTimeout time.Duration
}

// DefaultSchedule returns the schedule used for both bridge dependencies.
func DefaultSchedule() Schedule {
	return Schedule{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   5,
		PollInterval: 30 * time.Second,
		ProbeTimeout: 5 * time.Second,
	}
}

// withDefaults fills zero-value fields from DefaultSchedule.
func (s Schedule) withDefaults() Schedule {
	d := DefaultSchedule()
	if s.InitialDelay <= 0 {
		s.InitialDelay = d.InitialDelay
	}
	if s.MaxDelay <= 0 {
		s.MaxDelay = d.MaxDelay
	}
	if s.Multiplier <= 0 {
		s.Multiplier = d.Multiplier
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = d.MaxRetries
	}
	if s.PollInterval <= 0 {
		s.PollInterval = d.PollInterval
	}
	if s.ProbeTimeout <= 0 {
		s.ProbeTimeout = d.ProbeTimeout
	}
	return s
}

// backOff builds the startup retry policy.
func (s Schedule) backOff(ctx context.Context) backoff.BackOff {
	exp := &backoff.ExponentialBackOff{
		InitialInterval:     s.InitialDelay,
		RandomizationFactor: 0,
		Multiplier:          s.Multiplier,
		MaxInterval:         s.MaxDelay,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(s.MaxRetries-1)), ctx)
}

// WatcherConfig configures a single dependency watcher.
type WatcherConfig struct {
	// Name identifies the dependency in logs and /healthz ("mqtt", "w1").
	Name string

	// Probe checks health. Must be safe for concurrent use.
	Probe ProbeFunc

	// Schedule controls retry timing. Zero fields take defaults.
	Schedule Schedule

	// OnReady is called on a not-ready to ready transition, in its own
	// goroutine. Optional.
	OnReady func()

	// OnDown is called on a ready to not-ready transition, in its own
	// goroutine. Optional.
	OnDown func(err error)

	// Logger uses the manager's logger if nil.
	Logger *slog.Logger
}

// ServiceStatus is the JSON shape reported by /healthz.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors a single dependency.
type Watcher struct {
	config WatcherConfig
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the dependency is currently reachable.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// lastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) lastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
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

	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		return w.check(ctx)
	}, sched.backOff(ctx), func(err error, next time.Duration) {
		logger.Debug("startup probe failed, retrying",
			"dependency", w.config.Name,
			"attempt", attempts,
			"max_retries", sched.MaxRetries,
			"next_delay", next.String(),
			"error", err,
		)
	})
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		logger.Warn("dependency unreachable at startup, entering background polling",
			"dependency", w.config.Name,
			"attempts", attempts,
			"error", err,
		)
	}

	ticker := time.NewTicker(sched.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = w.check(ctx)
		}
	}
}

// check probes once, records the result and fires transition callbacks.
func (w *Watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Schedule.ProbeTimeout)
	err := w.config.Probe(probeCtx)
	cancel()

	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()

	wasReady := w.ready.Load()
	switch {
	case !wasReady && err == nil:
		w.ready.Store(true)
		w.config.Logger.Info("dependency ready", "dependency", w.config.Name)
		if w.config.OnReady != nil {
			go w.config.OnReady()
		}
	case wasReady && err != nil:
		w.ready.Store(false)
		w.config.Logger.Warn("dependency became unreachable",
			"dependency", w.config.Name,
			"error", err,
		)
		if w.config.OnDown != nil {
			go w.config.OnDown(err)
		}
	}
	return err
}

// Manager coordinates the dependency watchers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch registers and starts a watcher. It runs until ctx is cancelled
// or Stop is called.
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
	cfg.Schedule = cfg.Schedule.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go w.run(watchCtx)

	m.mu.Lock()
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	return w
}

// Status returns the health of every watched dependency.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Healthy reports whether every watched dependency is ready.
func (m *Manager) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, w := range m.watchers {
		if !w.IsReady() {
			return false
		}
	}
	return true
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
