// Package liveness infers when a remote session has finished from a quiet
// output stream plus a confirming status read.
package liveness

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"opsconsole/internal/clock"
	"opsconsole/internal/logging"
)

type State string

const (
	StateIdle      State = "idle"
	StateActive    State = "active"
	StateCompleted State = "completed"
)

// ConfirmFunc reports whether the remote session still claims to be running.
type ConfirmFunc func(ctx context.Context) (bool, error)

type Options struct {
	Threshold time.Duration
	Interval  time.Duration
	Clock     clock.Clock
	Logger    *slog.Logger
}

type Monitor struct {
	confirm    ConfirmFunc
	threshold  time.Duration
	interval   time.Duration
	clock      clock.Clock
	logger     *slog.Logger
	onComplete atomic.Pointer[func()]

	mu           sync.Mutex
	state        State
	epoch        uint64
	lastActivity time.Time
	lastCheckAt  *time.Time
}

func NewMonitor(confirm ConfirmFunc, opts Options) *Monitor {
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = 30 * time.Second
	}
	interval := opts.Interval
	if interval <= 0 || interval >= threshold {
		interval = threshold / 6
	}
	return &Monitor{
		confirm:   confirm,
		threshold: threshold,
		interval:  interval,
		clock:     clock.OrReal(opts.Clock),
		logger:    logging.OrDefault(opts.Logger).With("component", "liveness"),
		state:     StateIdle,
	}
}

// QuietExceeded reports whether more than threshold has passed since last.
func QuietExceeded(last time.Time, now time.Time, threshold time.Duration) bool {
	return now.Sub(last) > threshold
}

// OnComplete sets the callback fired once per armed session on completion.
func (m *Monitor) OnComplete(fn func()) {
	if fn == nil {
		m.onComplete.Store(nil)
		return
	}
	m.onComplete.Store(&fn)
}

// Arm starts watching a new session.
func (m *Monitor) Arm() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.epoch++
	m.state = StateActive
	m.lastActivity = m.clock.Now()
}

// Disarm stops watching without reporting completion.
func (m *Monitor) Disarm() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.epoch++
	m.state = StateIdle
}

func (m *Monitor) Touch() {
	m.TouchAt(m.clock.Now())
}

func (m *Monitor) TouchAt(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if at.After(m.lastActivity) {
		m.lastActivity = at
	}
}

func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) Active() bool {
	return m.State() == StateActive
}

func (m *Monitor) LastActivity() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActivity
}

// Check runs one quiet-period evaluation. The confirm call is made only when
// the stream has been quiet for longer than the threshold, and completion
// happens only when that call says the session is no longer running.
func (m *Monitor) Check(ctx context.Context) State {
	now := m.clock.Now()
	m.mu.Lock()
	if m.state != StateActive || !QuietExceeded(m.lastActivity, now, m.threshold) {
		state := m.state
		m.mu.Unlock()
		return state
	}
	epoch := m.epoch
	m.lastCheckAt = &now
	m.mu.Unlock()

	if m.confirm == nil {
		return StateActive
	}
	running, err := m.confirm(ctx)
	if err != nil {
		m.logger.Debug("liveness confirm failed", "error", err)
		return m.State()
	}
	if running {
		return m.State()
	}

	m.mu.Lock()
	if m.epoch != epoch || m.state != StateActive || !QuietExceeded(m.lastActivity, m.clock.Now(), m.threshold) {
		state := m.state
		m.mu.Unlock()
		return state
	}
	m.state = StateCompleted
	m.mu.Unlock()

	m.logger.Info("session completed", "quiet_for", now.Sub(m.LastActivity()))
	if fn := m.onComplete.Load(); fn != nil {
		(*fn)()
	}
	return StateCompleted
}

// Run checks every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			m.Check(ctx)
		}
	}
}
