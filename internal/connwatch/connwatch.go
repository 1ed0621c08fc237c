// Package connwatch checks upstream services, such as the classifier's
// LLM providers, in the background and tracks whether they are
// reachable.
//
// A watcher retries with exponential backoff at startup, then settles
// into periodic polling. Transitions between ready and down are
// reported to an optional callback.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Check reports nil when the service is reachable.
type Check func(ctx context.Context) error

// Schedule controls check timing. Zero fields take the defaults from
// [DefaultSchedule].
type Schedule struct {
	// Initial is the delay after the first failed startup check.
	Initial time.Duration
	// Max caps the startup backoff.
	Max time.Duration
	// Attempts bounds the startup phase.
	Attempts int
	// Interval is the steady-state polling period.
	Interval time.Duration
	// Timeout bounds a single check.
	Timeout time.Duration
}

// DefaultSchedule backs off 2s, 4s, 8s ... up to 60s for ten attempts,
// then polls every minute.
func DefaultSchedule() Schedule {
	return Schedule{
		Initial:  2 * time.Second,
		Max:      time.Minute,
		Attempts: 10,
		Interval: time.Minute,
		Timeout:  10 * time.Second,
	}
}

func (s Schedule) withDefaults() Schedule {
	d := DefaultSchedule()
	if s.Initial <= 0 {
		s.Initial = d.Initial
	}
	if s.Max <= 0 {
		s.Max = d.Max
	}
	if s.Attempts <= 0 {
		s.Attempts = d.Attempts
	}
	if s.Interval <= 0 {
		s.Interval = d.Interval
	}
	if s.Timeout <= 0 {
		s.Timeout = d.Timeout
	}
	return s
}

// Target describes one watched service.
type Target struct {
	Name     string
	Check    Check
	Schedule Schedule
	// OnChange is called from the watcher goroutine after every
	// ready/down transition. It must not block.
	OnChange func(Status)
}

// Status is the last known health of a service.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher polls a single service.
type Watcher struct {
	target Target
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status Status
}

// Status returns the last check outcome.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Ready reports whether the last check succeeded.
func (w *Watcher) Ready() bool { return w.Status().Ready }

// Stop cancels the watcher and waits for it to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	sched := w.target.Schedule

	delay := sched.Initial
	for attempt := 1; attempt <= sched.Attempts; attempt++ {
		if w.check(ctx) {
			w.logger.Info("service connected", "service", w.target.Name, "after_attempts", attempt)
			break
		}
		if attempt == sched.Attempts {
			w.logger.Warn("service unreachable at startup, polling in background",
				"service", w.target.Name, "attempts", attempt)
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > sched.Max {
			delay = sched.Max
		}
	}

	ticker := time.NewTicker(sched.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

// check runs one check, records the outcome and reports transitions.
func (w *Watcher) check(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, w.target.Schedule.Timeout)
	err := w.target.Check(pctx)
	cancel()
	if ctx.Err() != nil {
		return false
	}

	w.mu.Lock()
	was := w.status.Ready
	checked := w.status.LastCheck
	w.status.Ready = err == nil
	w.status.LastCheck = time.Now()
	w.status.LastError = ""
	if err != nil {
		w.status.LastError = err.Error()
	}
	st := w.status
	w.mu.Unlock()

	first := checked.IsZero()
	switch {
	case was && err != nil:
		w.logger.Warn("service became unreachable", "service", w.target.Name, "error", err)
	case !was && err == nil && !first:
		w.logger.Info("service recovered", "service", w.target.Name)
	case err != nil:
		w.logger.Debug("service check failed", "service", w.target.Name, "error", err)
	}
	if w.target.OnChange != nil && (was != st.Ready || (first && st.Ready)) {
		w.target.OnChange(st)
	}
	return err == nil
}

// Manager owns a set of watchers.
type Manager struct {
	logger *slog.Logger

	mu       sync.Mutex
	watchers map[string]*Watcher
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:   logger.With("component", "connwatch"),
		watchers: make(map[string]*Watcher),
	}
}

// Watch starts a watcher for t. It runs until ctx is cancelled or
// [Manager.Stop] is called. Name and Check are required.
func (m *Manager) Watch(ctx context.Context, t Target) *Watcher {
	if t.Name == "" || t.Check == nil {
		panic("connwatch: target needs a name and a check func")
	}
	t.Schedule = t.Schedule.withDefaults()

	wctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		target: t,
		logger: m.logger,
		cancel: cancel,
		done:   make(chan struct{}),
		status: Status{Name: t.Name},
	}

	m.mu.Lock()
	if old, ok := m.watchers[t.Name]; ok {
		defer old.Stop()
	}
	m.watchers[t.Name] = w
	m.mu.Unlock()

	go w.run(wctx)
	return w
}

// Status returns every watched service sorted by name.
func (m *Manager) Status() []Status {
	m.mu.Lock()
	out := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stop shuts every watcher down and waits for them.
func (m *Manager) Stop() {
	m.mu.Lock()
	list := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		list = append(list, w)
	}
	m.mu.Unlock()
	for _, w := range list {
		w.Stop()
	}
}
