package confirm

import (
	"context"
	"errors"
	"testing"
	"time"

	"opsconsole/internal/model"
)

func TestConfirmResolvesByID(t *testing.T) {
	broker := NewBroker()
	prompted := make(chan model.ConfirmationRequest, 1)
	broker.SetPrompt(func(request model.ConfirmationRequest) { prompted <- request })

	result := make(chan bool, 1)
	go func() {
		ok, err := broker.Confirm(context.Background(), "Restart supervisor", "The runner will stop.")
		if err != nil {
			t.Errorf("confirm: %v", err)
		}
		result <- ok
	}()

	request := <-prompted
	if request.ID == "" || request.Title != "Restart supervisor" {
		t.Fatalf("unexpected request %+v", request)
	}
	if err := broker.Resolve("someone-else", true); !errors.Is(err, ErrUnknown) {
		t.Fatalf("expected unknown id to be rejected, got %v", err)
	}
	if err := broker.Resolve(request.ID, true); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ok := <-result; !ok {
		t.Fatalf("expected confirmation to be accepted")
	}
	if _, pending := broker.Pending(); pending {
		t.Fatalf("expected no pending request after resolution")
	}
}

func TestSecondConfirmIsRejectedWhilePending(t *testing.T) {
	broker := NewBroker()
	prompted := make(chan model.ConfirmationRequest, 1)
	broker.SetPrompt(func(request model.ConfirmationRequest) { prompted <- request })

	done := make(chan struct{})
	go func() {
		defer close(done)
		ok, _ := broker.Confirm(context.Background(), "first", "")
		if ok {
			t.Errorf("expected first request to be cancelled")
		}
	}()
	request := <-prompted

	if _, err := broker.Confirm(context.Background(), "second", ""); !errors.Is(err, ErrPending) {
		t.Fatalf("expected ErrPending, got %v", err)
	}
	if err := broker.Cancel(request.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	<-done
}

func TestConfirmHonoursContext(t *testing.T) {
	broker := NewBroker()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := broker.Confirm(ctx, "t", "m"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if _, pending := broker.Pending(); pending {
		t.Fatalf("expected expired request to be released")
	}
}

func TestAutoAnswerResolvesInline(t *testing.T) {
	broker := NewBroker()
	broker.SetPrompt(AutoAnswer(broker, true))
	ok, err := broker.Confirm(context.Background(), "Fresh start", "Everything restarts.")
	if err != nil || !ok {
		t.Fatalf("expected auto yes, got %v %v", ok, err)
	}

	broker.SetPrompt(AutoAnswer(broker, false))
	if ok, err := broker.Confirm(context.Background(), "Fresh start", ""); err != nil || ok {
		t.Fatalf("expected auto no, got %v %v", ok, err)
	}
	if _, pending := broker.Pending(); pending {
		t.Fatalf("expected answered request to be released")
	}
}
