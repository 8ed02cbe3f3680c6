package snapshot

import (
	"sync"

	"opsconsole/internal/model"
)

type ChangeKind string

const (
	ChangeSnapshot     ChangeKind = "snapshot"
	ChangeFetchFailed  ChangeKind = "fetch_failed"
	ChangeServiceError ChangeKind = "service_error"
)

type Change struct {
	Kind     ChangeKind   `json:"kind"`
	Domain   model.Domain `json:"domain,omitempty"`
	Target   model.Target `json:"target,omitempty"`
	Revision uint64       `json:"revision,omitempty"`
	Source   Source       `json:"source,omitempty"`
}

type watcher struct {
	id      int64
	domains map[model.Domain]bool
	ch      chan Change
}

type changeBroker struct {
	mu         sync.RWMutex
	closed     bool
	nextID     int64
	bufferSize int
	watchers   map[int64]watcher
}

func newChangeBroker(bufferSize int) *changeBroker {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &changeBroker{
		bufferSize: bufferSize,
		watchers:   make(map[int64]watcher),
	}
}

func (b *changeBroker) subscribe(domains []model.Domain) (<-chan Change, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Change, b.bufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.nextID++
	w := watcher{id: b.nextID, ch: ch}
	if len(domains) > 0 {
		w.domains = make(map[model.Domain]bool, len(domains))
		for _, domain := range domains {
			w.domains[domain] = true
		}
	}
	b.watchers[w.id] = w
	return ch, func() {
		b.unsubscribe(w.id)
	}
}

func (b *changeBroker) publish(change Change) {
	// Sends never block, so holding the read lock keeps unsubscribe from
	// closing a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, w := range b.watchers {
		// Service error changes have no domain and reach every watcher.
		if w.domains != nil && change.Domain != "" && !w.domains[change.Domain] {
			continue
		}
		tryPublish(w.ch, change)
	}
}

func (b *changeBroker) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, w := range b.watchers {
		close(w.ch)
		delete(b.watchers, id)
	}
}

func (b *changeBroker) unsubscribe(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.watchers[id]
	if !ok {
		return
	}
	delete(b.watchers, id)
	close(w.ch)
}

func tryPublish(ch chan Change, change Change) bool {
	select {
	case ch <- change:
		return true
	default:
		// Full: drop the oldest pending change so writers never block.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- change:
			return true
		default:
			return false
		}
	}
}
