package notify

import (
	"testing"
	"time"

	"opsconsole/internal/clock"
	"opsconsole/internal/model"
)

func TestNotificationsExpireAfterTTL(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	center := NewCenter(fake, 5*time.Second)
	defer center.Close()

	first := center.Notify(model.NotificationSuccess, "Runner stopped", "")
	fake.Advance(2 * time.Second)
	center.Notify(model.NotificationError, "Migrate failed", "exit 1")

	if got := len(center.Active()); got != 2 {
		t.Fatalf("expected two active notifications, got %d", got)
	}
	fake.Advance(3 * time.Second)
	active := center.Active()
	if len(active) != 1 || active[0].Title != "Migrate failed" {
		t.Fatalf("expected only the newer notification to remain, got %+v", active)
	}
	if center.Dismiss(first.ID) {
		t.Fatalf("expected expired notification to be gone already")
	}
	fake.Advance(2 * time.Second)
	if got := len(center.Active()); got != 0 {
		t.Fatalf("expected all notifications expired, got %d", got)
	}
}

func TestDismissIsIndividual(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	center := NewCenter(fake, time.Minute)
	defer center.Close()

	a := center.Notify(model.NotificationWarning, "a", "")
	center.Notify(model.NotificationWarning, "b", "")
	if !center.Dismiss(a.ID) {
		t.Fatalf("expected dismissal to succeed")
	}
	active := center.Active()
	if len(active) != 1 || active[0].Title != "b" {
		t.Fatalf("expected b to remain, got %+v", active)
	}
	if fake.Pending() != 1 {
		t.Fatalf("expected dismissed notification timer to be stopped, pending=%d", fake.Pending())
	}
}

func TestListenerSeesEveryNotification(t *testing.T) {
	center := NewCenter(clock.NewFake(time.Unix(0, 0)), time.Second)
	defer center.Close()
	var seen []string
	center.SetListener(func(n model.Notification) { seen = append(seen, n.Title) })
	center.Notify(model.NotificationSuccess, "one", "")
	center.Notify(model.NotificationSuccess, "two", "")
	if len(seen) != 2 || seen[1] != "two" {
		t.Fatalf("unexpected listener calls %v", seen)
	}
}

func TestCloseStopsTimers(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	center := NewCenter(fake, time.Second)
	center.Notify(model.NotificationSuccess, "x", "")
	center.Close()
	if fake.Pending() != 0 {
		t.Fatalf("expected close to stop expiry timers, pending=%d", fake.Pending())
	}
	fake.Advance(time.Minute)
	if len(center.Active()) != 0 {
		t.Fatalf("expected no notifications after close")
	}
}
