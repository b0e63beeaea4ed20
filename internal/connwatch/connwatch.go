// Package connwatch tracks the reachability of Kindred's collaborators:
// the completion provider and, for Signal, the signal-cli subprocess.
//
// Each Watcher probes one service. Until the first success it retries
// with exponential backoff (2s, 4s, 8s, ... capped at 60s); after that,
// or once the startup retries run out, it polls at a fixed interval and
// logs every up/down transition. Results feed the /health endpoint and
// the status sensors; nothing blocks on them.
package connwatch

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Backoff controls probe timing. Zero fields take the defaults of
// [DefaultBackoff].
type Backoff struct {
	Initial    time.Duration // first retry delay
	Max        time.Duration // retry delay ceiling
	Multiplier float64
	Retries    int           // startup attempts before settling into polling
	Poll       time.Duration // steady-state interval
	Timeout    time.Duration // per-probe limit
}

// DefaultBackoff returns 2s doubling to 60s, ten startup attempts,
// one-minute polling and a ten-second probe timeout.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    2 * time.Second,
		Max:        60 * time.Second,
		Multiplier: 2.0,
		Retries:    10,
		Poll:       60 * time.Second,
		Timeout:    10 * time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Multiplier <= 1 {
		b.Multiplier = d.Multiplier
	}
	if b.Retries <= 0 {
		b.Retries = d.Retries
	}
	if b.Poll <= 0 {
		b.Poll = d.Poll
	}
	if b.Timeout <= 0 {
		b.Timeout = d.Timeout
	}
	return b
}

// Status is the health of one service, shaped for JSON.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Checks    int       `json:"checks"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher probes a single service in the background.
type Watcher struct {
	name    string
	probe   ProbeFunc
	backoff Backoff
	logger  *slog.Logger
	cancel  context.CancelFunc
	done    chan struct{}

	mu        sync.Mutex
	ready     bool
	checks    int
	lastErr   error
	lastCheck time.Time
}

// Ready reports whether the last probe succeeded.
func (w *Watcher) Ready() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready
}

// Status returns the current health status.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Status{
		Name:      w.name,
		Ready:     w.ready,
		Checks:    w.checks,
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

	delay := w.backoff.Initial
	settled := false
	for attempt := 1; ; attempt++ {
		err := w.check(ctx)
		if ctx.Err() != nil {
			return
		}
		w.record(err)

		wait := w.backoff.Poll
		switch {
		case settled:
		case err == nil:
			settled = true
		case attempt >= w.backoff.Retries:
			settled = true
			w.logger.Warn("service unreachable after startup retries, polling",
				"service", w.name, "attempts", attempt, "error", err)
		default:
			w.logger.Debug("service probe failed, retrying",
				"service", w.name, "attempt", attempt, "next_delay", delay.String(), "error", err)
			wait = delay
			delay = min(time.Duration(float64(delay)*w.backoff.Multiplier), w.backoff.Max)
		}

		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

func (w *Watcher) check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, w.backoff.Timeout)
	defer cancel()
	return w.probe(ctx)
}

// record stores a probe outcome and logs state transitions.
func (w *Watcher) record(err error) {
	w.mu.Lock()
	was, first := w.ready, w.checks == 0
	w.ready = err == nil
	w.checks++
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()

	switch {
	case err == nil && first:
		w.logger.Info("service connected", "service", w.name)
	case err == nil && !was:
		w.logger.Info("service recovered", "service", w.name)
	case err != nil && was:
		w.logger.Warn("service became unreachable", "service", w.name, "error", err)
	}
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

// Manager owns the watchers for every collaborator.
type Manager struct {
	logger *slog.Logger

	mu       sync.RWMutex
	watchers map[string]*Watcher
}

// NewManager creates a manager. A nil logger uses slog.Default().
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:   logger,
		watchers: make(map[string]*Watcher),
	}
}

// Watch starts probing a service until ctx is cancelled or Stop is
// called. It panics on an empty name or nil probe.
func (m *Manager) Watch(ctx context.Context, name string, probe ProbeFunc, b Backoff) *Watcher {
	if name == "" {
		panic("connwatch: service name must not be empty")
	}
	if probe == nil {
		panic("connwatch: probe must not be nil")
	}

	ctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		name:    name,
		probe:   probe,
		backoff: b.withDefaults(),
		logger:  m.logger,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	if old, ok := m.watchers[name]; ok {
		old.cancel()
	}
	m.watchers[name] = w
	m.mu.Unlock()

	go w.run(ctx)
	return w
}

// Status returns the health of every watched service.
func (m *Manager) Status() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]Status, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Healthy reports whether every watched service answered its last
// probe. A manager with no watchers is healthy.
func (m *Manager) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.watchers {
		if !w.Ready() {
			return false
		}
	}
	return true
}

// Names returns the watched service names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.watchers))
}

// Stop shuts down all watchers and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := slices.Collect(maps.Values(m.watchers))
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
