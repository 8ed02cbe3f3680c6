// Package notify keeps short-lived operator notifications.
package notify

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"opsconsole/internal/clock"
	"opsconsole/internal/model"
)

const DefaultTTL = 5 * time.Second

type Center struct {
	clock    clock.Clock
	ttl      time.Duration
	listener atomic.Pointer[func(model.Notification)]

	mu     sync.Mutex
	closed bool
	items  []model.Notification
	timers map[string]clock.Timer
}

func NewCenter(c clock.Clock, ttl time.Duration) *Center {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Center{
		clock:  clock.OrReal(c),
		ttl:    ttl,
		timers: make(map[string]clock.Timer),
	}
}

// SetListener registers a callback for every new notification.
func (c *Center) SetListener(fn func(model.Notification)) {
	if fn == nil {
		c.listener.Store(nil)
		return
	}
	c.listener.Store(&fn)
}

// Notify records a notification and schedules its removal after the TTL.
func (c *Center) Notify(level model.NotificationLevel, title string, message string) model.Notification {
	now := c.clock.Now().UTC()
	n := model.Notification{
		ID:        uuid.NewString(),
		Level:     level,
		Title:     title,
		Message:   message,
		CreatedAt: now,
		ExpiresAt: now.Add(c.ttl),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return n
	}
	c.items = append(c.items, n)
	c.mu.Unlock()

	timer := c.clock.AfterFunc(c.ttl, func() { c.Dismiss(n.ID) })
	c.mu.Lock()
	if _, still := c.indexOf(n.ID); still && !c.closed {
		c.timers[n.ID] = timer
	} else {
		timer.Stop()
	}
	c.mu.Unlock()

	if fn := c.listener.Load(); fn != nil {
		(*fn)(n)
	}
	return n
}

func (c *Center) Dismiss(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, ok := c.indexOf(id)
	if !ok {
		return false
	}
	c.items = append(c.items[:idx], c.items[idx+1:]...)
	if timer, ok := c.timers[id]; ok {
		timer.Stop()
		delete(c.timers, id)
	}
	return true
}

// Active returns the notifications that have not expired or been dismissed,
// oldest first.
func (c *Center) Active() []model.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Notification, len(c.items))
	copy(out, c.items)
	return out
}

func (c *Center) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, timer := range c.timers {
		timer.Stop()
		delete(c.timers, id)
	}
	c.items = nil
}

func (c *Center) indexOf(id string) (int, bool) {
	for i, n := range c.items {
		if n.ID == id {
			return i, true
		}
	}
	return 0, false
}
