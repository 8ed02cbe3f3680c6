// Package confirm serializes operator confirmations: at most one request is
// outstanding at a time and answers are matched to requests by id.
package confirm

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/lithammer/shortuuid/v3"

	"opsconsole/internal/model"
)

var (
	ErrPending = errors.New("another confirmation is already pending")
	ErrUnknown = errors.New("confirmation request not found")
)

// PromptFunc is told about a new request. The answer arrives later through
// Broker.Resolve.
type PromptFunc func(model.ConfirmationRequest)

type pending struct {
	request model.ConfirmationRequest
	answer  chan bool
}

type Broker struct {
	prompt atomic.Pointer[PromptFunc]

	mu      sync.Mutex
	current *pending
}

func NewBroker() *Broker {
	return &Broker{}
}

func (b *Broker) SetPrompt(fn PromptFunc) {
	if fn == nil {
		b.prompt.Store(nil)
		return
	}
	b.prompt.Store(&fn)
}

// Confirm raises a request and blocks until it is resolved or ctx ends.
// A second call while one is outstanding fails with ErrPending.
func (b *Broker) Confirm(ctx context.Context, title string, message string) (bool, error) {
	b.mu.Lock()
	if b.current != nil {
		b.mu.Unlock()
		return false, ErrPending
	}
	p := &pending{
		request: model.ConfirmationRequest{
			ID:      shortuuid.New(),
			Title:   title,
			Message: message,
		},
		answer: make(chan bool, 1),
	}
	b.current = p
	b.mu.Unlock()

	defer b.release(p)
	if fn := b.prompt.Load(); fn != nil {
		(*fn)(p.request)
	}
	select {
	case ok := <-p.answer:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Resolve answers the outstanding request with the given id.
func (b *Broker) Resolve(id string, ok bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil || b.current.request.ID != id {
		return ErrUnknown
	}
	select {
	case b.current.answer <- ok:
	default:
	}
	return nil
}

// Cancel declines the outstanding request with the given id.
func (b *Broker) Cancel(id string) error {
	return b.Resolve(id, false)
}

func (b *Broker) Pending() (model.ConfirmationRequest, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return model.ConfirmationRequest{}, false
	}
	return b.current.request, true
}

func (b *Broker) release(p *pending) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == p {
		b.current = nil
	}
}

// AutoAnswer returns a prompt that resolves every request on b with ok.
func AutoAnswer(b *Broker, ok bool) PromptFunc {
	return func(request model.ConfirmationRequest) {
		_ = b.Resolve(request.ID, ok)
	}
}
