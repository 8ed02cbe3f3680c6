package clock

import (
	"testing"
	"time"
)

func TestFakeAfterFuncFiresOnlyWhenDue(t *testing.T) {
	fake := NewFake(time.Unix(0, 0))
	fired := 0
	fake.AfterFunc(time.Second, func() { fired++ })

	fake.Advance(999 * time.Millisecond)
	if fired != 0 {
		t.Fatalf("expected callback to wait for deadline, fired=%d", fired)
	}
	fake.Advance(time.Millisecond)
	if fired != 1 {
		t.Fatalf("expected callback at deadline, fired=%d", fired)
	}
	fake.Advance(time.Hour)
	if fired != 1 {
		t.Fatalf("expected one-shot callback, fired=%d", fired)
	}
}

func TestFakeTimerStop(t *testing.T) {
	fake := NewFake(time.Unix(0, 0))
	fired := false
	timer := fake.AfterFunc(time.Second, func() { fired = true })
	if !timer.Stop() {
		t.Fatalf("expected first stop to report an active timer")
	}
	if timer.Stop() {
		t.Fatalf("expected second stop to report inactive timer")
	}
	fake.Advance(2 * time.Second)
	if fired {
		t.Fatalf("expected stopped timer not to fire")
	}
	if fake.Pending() != 0 {
		t.Fatalf("expected no pending waiters, got %d", fake.Pending())
	}
}

func TestFakeTickerAndAfter(t *testing.T) {
	fake := NewFake(time.Unix(0, 0))
	ticker := fake.NewTicker(time.Second)
	defer ticker.Stop()
	after := fake.After(1500 * time.Millisecond)

	fake.Advance(time.Second)
	select {
	case <-ticker.C():
	default:
		t.Fatalf("expected tick after one interval")
	}
	select {
	case <-after:
		t.Fatalf("expected After channel to wait")
	default:
	}
	fake.Advance(time.Second)
	select {
	case <-after:
	default:
		t.Fatalf("expected After channel to fire")
	}
}

func TestFakeBlockUntil(t *testing.T) {
	fake := NewFake(time.Unix(0, 0))
	done := make(chan struct{})
	go func() {
		<-fake.After(time.Second)
		close(done)
	}()
	fake.BlockUntil(1)
	fake.Advance(time.Second)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected waiter goroutine to resume")
	}
}
