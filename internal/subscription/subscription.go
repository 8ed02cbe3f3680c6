// Package subscription keeps one server-push channel open per consumer,
// reconnecting with capped exponential backoff.
package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Rican7/retry/backoff"

	"opsconsole/internal/clock"
	"opsconsole/internal/logging"
)

const (
	DefaultFloor = time.Second
	DefaultCap   = 30 * time.Second
)

type Options struct {
	Floor         time.Duration
	Cap           time.Duration
	StartDisabled bool
	Clock         clock.Clock
	Logger        *slog.Logger
	// OnActivity is called for every frame received, whatever its name.
	OnActivity func(time.Time)
}

type State struct {
	Endpoint     string        `json:"endpoint"`
	EventName    string        `json:"event_name"`
	Enabled      bool          `json:"enabled"`
	Connected    bool          `json:"connected"`
	Failures     int           `json:"failures"`
	RetryDelay   time.Duration `json:"retry_delay"`
	LastActivity *time.Time    `json:"last_activity,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
}

// Subscription delivers decoded events with the current event name to the
// current handler. Handlers run on the subscription goroutine and must not
// call SetEnabled, Retarget or Close synchronously.
type Subscription[T any] struct {
	dialer    Dialer
	floor     time.Duration
	cap       time.Duration
	growth    backoff.Algorithm
	clock     clock.Clock
	logger    *slog.Logger
	activity  func(time.Time)

	handler atomic.Pointer[func(T)]

	// deliverMu is held across the generation check and the handler call so
	// teardown can wait out an in-flight delivery.
	deliverMu sync.Mutex

	mu           sync.Mutex
	endpoint     string
	eventName    string
	lastEventID  string
	enabled      bool
	closed       bool
	generation   uint64
	cancel       context.CancelFunc
	done         chan struct{}
	stream       Stream
	connected    bool
	failures     int
	lastActivity time.Time
	lastError    string
}

func New[T any](dialer Dialer, endpoint string, eventName string, opts Options) *Subscription[T] {
	floor := opts.Floor
	if floor <= 0 {
		floor = DefaultFloor
	}
	ceiling := opts.Cap
	if ceiling <= 0 {
		ceiling = DefaultCap
	}
	if ceiling < floor {
		ceiling = floor
	}
	s := &Subscription[T]{
		dialer:    dialer,
		floor:     floor,
		cap:       ceiling,
		growth:    backoff.BinaryExponential(floor),
		clock:     clock.OrReal(opts.Clock),
		logger:    logging.OrDefault(opts.Logger).With("component", "subscription"),
		activity:  opts.OnActivity,
		endpoint:  endpoint,
		eventName: eventName,
	}
	if !opts.StartDisabled {
		s.SetEnabled(true)
	}
	return s
}

// Subscribe opens a subscription and returns its teardown.
func Subscribe[T any](dialer Dialer, endpoint string, eventName string, onEvent func(T), opts Options) func() {
	opts.StartDisabled = true
	s := New[T](dialer, endpoint, eventName, opts)
	s.SetHandler(onEvent)
	s.SetEnabled(true)
	return s.Close
}

// SetHandler replaces the consumer. The next delivered event goes to fn.
func (s *Subscription[T]) SetHandler(fn func(T)) {
	if fn == nil {
		s.handler.Store(nil)
		return
	}
	s.handler.Store(&fn)
}

func (s *Subscription[T]) SetEnabled(enabled bool) {
	s.mu.Lock()
	if s.closed || s.enabled == enabled {
		s.mu.Unlock()
		return
	}
	s.enabled = enabled
	if enabled {
		s.startLocked()
		s.mu.Unlock()
		return
	}
	s.stopLocked()
	s.mu.Unlock()
	s.barrier()
}

// Retarget points the subscription at a new endpoint and event name. The
// old channel is closed before the new one is opened.
func (s *Subscription[T]) Retarget(endpoint string, eventName string) {
	s.mu.Lock()
	if s.closed || (s.endpoint == endpoint && s.eventName == eventName) {
		s.mu.Unlock()
		return
	}
	wasEnabled := s.enabled
	if wasEnabled {
		s.stopLocked()
	}
	if s.endpoint != endpoint {
		s.lastEventID = ""
	}
	s.endpoint = endpoint
	s.eventName = eventName
	s.failures = 0
	s.mu.Unlock()
	s.barrier()

	if wasEnabled {
		s.mu.Lock()
		if !s.closed && s.enabled {
			s.startLocked()
		}
		s.mu.Unlock()
	}
}

// Close tears the subscription down for good and waits for its goroutine.
func (s *Subscription[T]) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.enabled = false
	s.stopLocked()
	done := s.done
	s.mu.Unlock()
	s.barrier()
	if done != nil {
		<-done
	}
}

// RetryDelay is min(floor*2^failures, cap) for the current failure streak.
func (s *Subscription[T]) RetryDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delayFor(s.failures)
}

func (s *Subscription[T]) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Subscription[T]) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := State{
		Endpoint:   s.endpoint,
		EventName:  s.eventName,
		Enabled:    s.enabled,
		Connected:  s.connected,
		Failures:   s.failures,
		RetryDelay: s.delayFor(s.failures),
		LastError:  s.lastError,
	}
	if !s.lastActivity.IsZero() {
		at := s.lastActivity
		state.LastActivity = &at
	}
	return state
}

func (s *Subscription[T]) delayFor(failures int) time.Duration {
	if failures <= 0 {
		return s.floor
	}
	n := uint(failures)
	if n >= 62 || s.floor > s.cap>>n {
		return s.cap
	}
	delay := s.growth(n)
	if delay <= 0 || delay > s.cap {
		return s.cap
	}
	return delay
}

func (s *Subscription[T]) startLocked() {
	s.generation++
	gen := s.generation
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	done := make(chan struct{})
	s.done = done
	go s.run(ctx, gen, s.endpoint, s.eventName, done)
}

func (s *Subscription[T]) stopLocked() {
	s.generation++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.stream != nil {
		_ = s.stream.Close()
		s.stream = nil
	}
	s.connected = false
}

func (s *Subscription[T]) barrier() {
	s.deliverMu.Lock()
	s.deliverMu.Unlock()
}

func (s *Subscription[T]) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation == gen
}

func (s *Subscription[T]) run(ctx context.Context, gen uint64, endpoint string, eventName string, done chan struct{}) {
	defer close(done)
	for ctx.Err() == nil {
		s.mu.Lock()
		lastEventID := s.lastEventID
		s.mu.Unlock()
		stream, err := s.dialer.Dial(ctx, endpoint, lastEventID)
		if err != nil {
			if !s.waitRetry(ctx, gen, err) {
				return
			}
			continue
		}
		if !s.attach(gen, stream) {
			_ = stream.Close()
			return
		}
		err = s.consume(ctx, gen, eventName, stream)
		s.detach(gen, stream)
		if ctx.Err() != nil {
			return
		}
		if !s.waitRetry(ctx, gen, err) {
			return
		}
	}
}

func (s *Subscription[T]) attach(gen uint64, stream Stream) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen {
		return false
	}
	s.stream = stream
	s.connected = true
	s.failures = 0
	s.lastError = ""
	s.logger.Debug("stream opened", "endpoint", s.endpoint, "event", s.eventName)
	return true
}

func (s *Subscription[T]) detach(gen uint64, stream Stream) {
	_ = stream.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen {
		return
	}
	s.stream = nil
	s.connected = false
}

func (s *Subscription[T]) waitRetry(ctx context.Context, gen uint64, cause error) bool {
	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return false
	}
	if cause == nil {
		cause = io.EOF
	}
	wait := s.delayFor(s.failures)
	s.failures++
	s.lastError = cause.Error()
	failures := s.failures
	endpoint := s.endpoint
	s.mu.Unlock()

	s.logger.Warn("stream failed, reconnecting", "endpoint", endpoint, "error", cause, "retry_in", wait, "failures", failures)
	select {
	case <-ctx.Done():
		return false
	case <-s.clock.After(wait):
		return s.current(gen)
	}
}

func (s *Subscription[T]) consume(ctx context.Context, gen uint64, eventName string, stream Stream) error {
	for {
		event, err := stream.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		now := s.clock.Now()
		s.mu.Lock()
		s.lastActivity = now
		if event.ID != "" && s.generation == gen {
			s.lastEventID = event.ID
		}
		s.mu.Unlock()
		if s.activity != nil {
			s.activity(now)
		}
		if event.Name != eventName {
			continue
		}
		var value T
		if err := json.Unmarshal([]byte(event.Data), &value); err != nil {
			s.logger.Debug("dropping malformed event", "error", err)
			continue
		}
		s.deliver(gen, value)
	}
}

func (s *Subscription[T]) deliver(gen uint64, value T) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if !s.current(gen) {
		return
	}
	if fn := s.handler.Load(); fn != nil {
		(*fn)(value)
	}
}
