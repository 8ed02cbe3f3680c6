package console

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"opsconsole/internal/clock"
	"opsconsole/internal/model"
)

type PollerSnapshot struct {
	Domain            model.Domain  `json:"domain"`
	Running           bool          `json:"running"`
	Interval          time.Duration `json:"interval"`
	StartedAt         *time.Time    `json:"started_at,omitempty"`
	LastTickAt        *time.Time    `json:"last_tick_at,omitempty"`
	LastSuccessAt     *time.Time    `json:"last_success_at,omitempty"`
	LastErrorAt       *time.Time    `json:"last_error_at,omitempty"`
	LastError         string        `json:"last_error,omitempty"`
	ConsecutiveErrors int           `json:"consecutive_errors"`
	TotalPolls        int64         `json:"total_polls"`
	TotalFailures     int64         `json:"total_failures"`
}

// pollFunc fetches and applies one domain read.
type pollFunc func(ctx context.Context) error

// Poller refreshes one domain on a fixed interval and keeps counters about
// how that is going.
type Poller struct {
	domain      model.Domain
	poll        pollFunc
	interval    time.Duration
	logInterval time.Duration
	clock       clock.Clock
	logger      *slog.Logger

	mu       sync.RWMutex
	running  bool
	doneChan chan struct{}
	snapshot PollerSnapshot
}

func newPoller(domain model.Domain, poll pollFunc, interval time.Duration, logInterval time.Duration, c clock.Clock, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if logInterval <= 0 {
		logInterval = time.Minute
	}
	return &Poller{
		domain:      domain,
		poll:        poll,
		interval:    interval,
		logInterval: logInterval,
		clock:       clock.OrReal(c),
		logger:      logger,
		snapshot:    PollerSnapshot{Domain: domain, Interval: interval},
	}
}

func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.snapshot.Running = true
	p.snapshot.StartedAt = timePtr(p.clock.Now().UTC())
	p.doneChan = make(chan struct{})
	done := p.doneChan
	p.mu.Unlock()

	go func() {
		defer close(done)
		p.loop(ctx)
		p.mu.Lock()
		p.running = false
		p.snapshot.Running = false
		p.mu.Unlock()
	}()
}

func (p *Poller) Wait(timeout time.Duration) bool {
	p.mu.RLock()
	done := p.doneChan
	p.mu.RUnlock()
	if done == nil {
		return true
	}
	if timeout <= 0 {
		<-done
		return true
	}
	select {
	case <-done:
		return true
	case <-p.clock.After(timeout):
		return false
	}
}

func (p *Poller) Snapshot() PollerSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := p.snapshot
	out.StartedAt = cloneTimePtr(p.snapshot.StartedAt)
	out.LastTickAt = cloneTimePtr(p.snapshot.LastTickAt)
	out.LastSuccessAt = cloneTimePtr(p.snapshot.LastSuccessAt)
	out.LastErrorAt = cloneTimePtr(p.snapshot.LastErrorAt)
	return out
}

func (p *Poller) loop(ctx context.Context) {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()
	logTicker := p.clock.NewTicker(p.logInterval)
	defer logTicker.Stop()

	p.runIteration(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			p.runIteration(ctx)
		case <-logTicker.C():
			p.logSnapshot()
		}
	}
}

// runIteration performs one poll. It is also the refresh path used after an
// action settles.
func (p *Poller) runIteration(ctx context.Context) error {
	if p.poll == nil {
		return nil
	}
	err := p.poll(ctx)
	if err != nil && ctx.Err() != nil {
		return err
	}
	now := p.clock.Now().UTC()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshot.LastTickAt = timePtr(now)
	p.snapshot.TotalPolls++
	if err != nil {
		p.snapshot.ConsecutiveErrors++
		p.snapshot.TotalFailures++
		p.snapshot.LastErrorAt = timePtr(now)
		p.snapshot.LastError = strings.TrimSpace(err.Error())
		return err
	}
	p.snapshot.ConsecutiveErrors = 0
	p.snapshot.LastSuccessAt = timePtr(now)
	return nil
}

func (p *Poller) logSnapshot() {
	if p.logger == nil {
		return
	}
	snapshot := p.Snapshot()
	lastError := snapshot.LastError
	if snapshot.ConsecutiveErrors == 0 {
		lastError = ""
	}
	p.logger.Info("poller",
		"domain", snapshot.Domain,
		"polls", snapshot.TotalPolls,
		"failures", snapshot.TotalFailures,
		"consecutive_errors", snapshot.ConsecutiveErrors,
		"last_error", lastError,
	)
}

func timePtr(value time.Time) *time.Time {
	clone := value
	return &clone
}

func cloneTimePtr(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	clone := *value
	return &clone
}
