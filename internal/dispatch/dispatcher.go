// Package dispatch runs operator actions one at a time, with confirmation for
// destructive keys, per-target error tracking and a follow-up refresh.
package dispatch

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid"

	"opsconsole/internal/clock"
	"opsconsole/internal/logging"
	"opsconsole/internal/model"
)

var (
	ErrBusy      = errors.New("another action is already in flight")
	ErrCancelled = errors.New("action cancelled")
	ErrClosed    = errors.New("dispatcher closed")
)

const DefaultRefreshDelay = 1500 * time.Millisecond

type Confirmer interface {
	Confirm(ctx context.Context, title string, message string) (bool, error)
}

type ErrorSink interface {
	SetServiceError(model.ServiceError)
	ClearServiceError(model.Target) bool
}

type Notifier interface {
	Notify(level model.NotificationLevel, title string, message string) model.Notification
}

type Refresher interface {
	Refresh(ctx context.Context, domain model.Domain) error
}

// Operation performs the remote call. A non-nil error means no usable
// response was obtained.
type Operation func(ctx context.Context) (model.Outcome, error)

type Request struct {
	Key     string
	Label   string
	Target  model.Target
	Domain  model.Domain
	Confirm string
	Run     Operation
}

type Result struct {
	ID           string             `json:"id"`
	Key          string             `json:"key"`
	Target       model.Target       `json:"target"`
	Outcome      model.Outcome      `json:"outcome"`
	StartedAt    time.Time          `json:"started_at"`
	FinishedAt   time.Time          `json:"finished_at"`
	Notification model.Notification `json:"notification"`
}

type Options struct {
	// Destructive reports whether a key needs confirmation first.
	Destructive  func(key string) bool
	RefreshDelay time.Duration
	Clock        clock.Clock
	Logger       *slog.Logger
}

type Dispatcher struct {
	confirmer    Confirmer
	sink         ErrorSink
	notifier     Notifier
	refresher    Refresher
	destructive  func(string) bool
	refreshDelay time.Duration
	clock        clock.Clock
	logger       *slog.Logger

	inFlight atomic.Bool
	current  atomic.Pointer[string]

	mu      sync.Mutex
	closed  bool
	nextID  int
	timers  map[int]clock.Timer
	entropy io.Reader
}

func New(confirmer Confirmer, sink ErrorSink, notifier Notifier, refresher Refresher, opts Options) *Dispatcher {
	destructive := opts.Destructive
	if destructive == nil {
		destructive = func(string) bool { return false }
	}
	delay := opts.RefreshDelay
	if delay < 0 {
		delay = 0
	}
	return &Dispatcher{
		confirmer:    confirmer,
		sink:         sink,
		notifier:     notifier,
		refresher:    refresher,
		destructive:  destructive,
		refreshDelay: delay,
		clock:        clock.OrReal(opts.Clock),
		logger:       logging.OrDefault(opts.Logger).With("component", "dispatch"),
		timers:       make(map[int]clock.Timer),
		entropy:      ulid.Monotonic(rand.Reader, 0),
	}
}

// Dispatch runs req if nothing else is in flight. It returns ErrBusy without
// queueing when another dispatch holds the guard, and ErrCancelled when a
// destructive key is not confirmed. Soft and hard failures are reported in
// Result.Outcome with a nil error.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Result, error) {
	if req.Run == nil {
		return Result{}, fmt.Errorf("action %q has no operation", req.Key)
	}
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return Result{}, ErrClosed
	}
	if !d.inFlight.CompareAndSwap(false, true) {
		return Result{}, ErrBusy
	}
	key := req.Key
	d.current.Store(&key)
	defer func() {
		d.current.Store(nil)
		d.inFlight.Store(false)
	}()

	if d.destructive(req.Key) {
		ok, err := d.confirm(ctx, req)
		if err != nil || !ok {
			d.logger.Info("action not confirmed", "key", req.Key, "error", err)
			return Result{Key: req.Key, Target: req.Target}, ErrCancelled
		}
	}

	result := Result{
		ID:        d.newID(),
		Key:       req.Key,
		Target:    req.Target,
		StartedAt: d.clock.Now().UTC(),
	}
	outcome, err := invoke(ctx, req.Run)
	if err != nil {
		outcome = model.Outcome{
			Kind:    model.OutcomeHardFailure,
			Message: err.Error(),
			Stderr:  err.Error(),
		}
	}
	result.Outcome = outcome
	result.FinishedAt = d.clock.Now().UTC()

	d.record(req, outcome)
	result.Notification = d.announce(req, outcome)
	d.scheduleRefresh(req.Domain)

	d.logger.Info("action settled",
		"id", result.ID,
		"key", req.Key,
		"target", req.Target,
		"outcome", outcome.Kind,
		"elapsed", result.FinishedAt.Sub(result.StartedAt),
	)
	return result, nil
}

// InFlight returns the key of the running dispatch, if any.
func (d *Dispatcher) InFlight() (string, bool) {
	if key := d.current.Load(); key != nil {
		return *key, true
	}
	return "", false
}

// Close cancels pending refreshes. Later dispatches fail with ErrClosed.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for id, timer := range d.timers {
		if timer != nil {
			timer.Stop()
		}
		delete(d.timers, id)
	}
}

func (d *Dispatcher) confirm(ctx context.Context, req Request) (bool, error) {
	if d.confirmer == nil {
		return false, nil
	}
	title := req.Label
	if strings.TrimSpace(title) == "" {
		title = req.Key
	}
	message := req.Confirm
	if strings.TrimSpace(message) == "" {
		message = fmt.Sprintf("Run %s against %s?", req.Key, req.Target)
	}
	return d.confirmer.Confirm(ctx, title, message)
}

func invoke(ctx context.Context, op Operation) (outcome model.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome = model.Outcome{}
			err = fmt.Errorf("action panicked: %v", r)
		}
	}()
	return op(ctx)
}

func (d *Dispatcher) record(req Request, outcome model.Outcome) {
	if d.sink == nil || req.Target == "" {
		return
	}
	if !outcome.Failed() {
		d.sink.ClearServiceError(req.Target)
		return
	}
	d.sink.SetServiceError(model.ServiceError{
		Target:    req.Target,
		Stdout:    outcome.Stdout,
		Stderr:    outcome.Stderr,
		ActionKey: req.Key,
		Origin:    model.ErrorOriginAction,
		CreatedAt: d.clock.Now().UTC(),
	})
}

func (d *Dispatcher) announce(req Request, outcome model.Outcome) model.Notification {
	if d.notifier == nil {
		return model.Notification{}
	}
	label := req.Label
	if strings.TrimSpace(label) == "" {
		label = req.Key
	}
	switch outcome.Kind {
	case model.OutcomeOK:
		return d.notifier.Notify(model.NotificationSuccess, label+" succeeded", outcome.Message)
	case model.OutcomeSoftFailure:
		return d.notifier.Notify(model.NotificationError, label+" failed", firstNonEmpty(outcome.Message, outcome.Stderr))
	default:
		return d.notifier.Notify(model.NotificationError, label+" failed: supervisor unreachable", outcome.Message)
	}
}

func (d *Dispatcher) scheduleRefresh(domain model.Domain) {
	if d.refresher == nil || domain == "" {
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.nextID++
	id := d.nextID
	d.timers[id] = nil
	d.mu.Unlock()

	timer := d.clock.AfterFunc(d.refreshDelay, func() {
		d.mu.Lock()
		_, live := d.timers[id]
		delete(d.timers, id)
		closed := d.closed
		d.mu.Unlock()
		if !live || closed {
			return
		}
		if err := d.refresher.Refresh(context.Background(), domain); err != nil {
			d.logger.Debug("post-action refresh failed", "domain", domain, "error", err)
		}
	})

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, pending := d.timers[id]; pending && !d.closed {
		d.timers[id] = timer
		return
	}
	timer.Stop()
}

func (d *Dispatcher) newID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(d.clock.Now()), d.entropy).String()
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
