// Package snapshot holds the console's last-known state per domain and the
// per-target service errors shown alongside it.
package snapshot

import (
	"sort"
	"sync"
	"time"

	"opsconsole/internal/clock"
	"opsconsole/internal/model"
)

type Source string

const (
	SourcePoll  Source = "poll"
	SourcePush  Source = "push"
	SourceLocal Source = "local"
)

type Snapshot struct {
	Domain        model.Domain `json:"domain"`
	Payload       any          `json:"payload,omitempty"`
	UpdatedAt     time.Time    `json:"updated_at"`
	Source        Source       `json:"source"`
	Revision      uint64       `json:"revision"`
	FetchFailed   bool         `json:"fetch_failed"`
	FetchError    string       `json:"fetch_error,omitempty"`
	FetchFailedAt *time.Time   `json:"fetch_failed_at,omitempty"`
}

// Store keeps one snapshot per domain. Writes are last-write-wins in the
// order they complete, whichever source they come from.
type Store struct {
	clock  clock.Clock
	broker *changeBroker

	mu        sync.RWMutex
	revision  uint64
	snapshots map[model.Domain]Snapshot
	errors    map[model.Target]model.ServiceError
}

func NewStore(c clock.Clock) *Store {
	return &Store{
		clock:     clock.OrReal(c),
		broker:    newChangeBroker(64),
		snapshots: make(map[model.Domain]Snapshot),
		errors:    make(map[model.Target]model.ServiceError),
	}
}

func (s *Store) Update(domain model.Domain, payload any, source Source) Snapshot {
	s.mu.Lock()
	s.revision++
	next := Snapshot{
		Domain:    domain,
		Payload:   payload,
		UpdatedAt: s.clock.Now().UTC(),
		Source:    source,
		Revision:  s.revision,
	}
	if prev, ok := s.snapshots[domain]; ok && source != SourcePoll {
		next.FetchFailed = prev.FetchFailed
		next.FetchError = prev.FetchError
		next.FetchFailedAt = prev.FetchFailedAt
	}
	s.snapshots[domain] = next
	s.mu.Unlock()

	s.broker.publish(Change{Kind: ChangeSnapshot, Domain: domain, Revision: next.Revision, Source: source})
	return next
}

// MarkFetchFailed records a failed poll. The previous payload is kept.
func (s *Store) MarkFetchFailed(domain model.Domain, err error) {
	now := s.clock.Now().UTC()
	s.mu.Lock()
	snap := s.snapshots[domain]
	snap.Domain = domain
	snap.FetchFailed = true
	snap.FetchFailedAt = &now
	if err != nil {
		snap.FetchError = err.Error()
	}
	s.snapshots[domain] = snap
	revision := snap.Revision
	s.mu.Unlock()

	s.broker.publish(Change{Kind: ChangeFetchFailed, Domain: domain, Revision: revision})
}

func (s *Store) Get(domain model.Domain) (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[domain]
	return snap, ok
}

func (s *Store) All() map[model.Domain]Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[model.Domain]Snapshot, len(s.snapshots))
	for domain, snap := range s.snapshots {
		out[domain] = snap
	}
	return out
}

// Payload returns the typed payload for a domain. ok is false when the
// domain has never been written or holds a different type.
func Payload[T any](s *Store, domain model.Domain) (T, Snapshot, bool) {
	var zero T
	snap, ok := s.Get(domain)
	if !ok || snap.Payload == nil {
		return zero, snap, false
	}
	value, ok := snap.Payload.(T)
	if !ok {
		return zero, snap, false
	}
	return value, snap, true
}

// SetServiceError replaces any error already held for the same target.
func (s *Store) SetServiceError(serviceErr model.ServiceError) {
	if serviceErr.CreatedAt.IsZero() {
		serviceErr.CreatedAt = s.clock.Now().UTC()
	}
	if serviceErr.Origin == "" {
		serviceErr.Origin = model.ErrorOriginAction
	}
	s.mu.Lock()
	s.errors[serviceErr.Target] = serviceErr
	s.mu.Unlock()
	s.broker.publish(Change{Kind: ChangeServiceError, Target: serviceErr.Target})
}

func (s *Store) ClearServiceError(target model.Target) bool {
	s.mu.Lock()
	_, ok := s.errors[target]
	delete(s.errors, target)
	s.mu.Unlock()
	if ok {
		s.broker.publish(Change{Kind: ChangeServiceError, Target: target})
	}
	return ok
}

// ClearExternalServiceError clears the target's error only when it was
// inferred from observed state rather than raised by an action.
func (s *Store) ClearExternalServiceError(target model.Target) bool {
	s.mu.Lock()
	existing, ok := s.errors[target]
	if !ok || existing.Origin != model.ErrorOriginExternal {
		s.mu.Unlock()
		return false
	}
	delete(s.errors, target)
	s.mu.Unlock()
	s.broker.publish(Change{Kind: ChangeServiceError, Target: target})
	return true
}

func (s *Store) DismissServiceError(target model.Target) bool {
	return s.ClearServiceError(target)
}

func (s *Store) ServiceError(target model.Target) (model.ServiceError, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	serviceErr, ok := s.errors[target]
	return serviceErr, ok
}

func (s *Store) ServiceErrors() []model.ServiceError {
	s.mu.RLock()
	out := make([]model.ServiceError, 0, len(s.errors))
	for _, serviceErr := range s.errors {
		out = append(out, serviceErr)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Target < out[j].Target
	})
	return out
}

// Watch streams change notifications for the given domains, or for every
// domain when none are given. Slow watchers lose their oldest changes.
func (s *Store) Watch(domains ...model.Domain) (<-chan Change, func()) {
	return s.broker.subscribe(domains)
}

func (s *Store) Close() {
	s.broker.close()
}
