// Package memory provides an in-memory audit store for tests and
// single-process deployments.
package memory

import (
	"context"
	"sync"

	audit "reconcile/pkg/platform/audit"
)

// InMemoryStore keeps audit events in memory, in append order.
type InMemoryStore struct {
	mu     sync.RWMutex
	events []audit.Event
}

// NewInMemoryStore creates an empty in-memory audit store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

// Append records one event.
func (s *InMemoryStore) Append(_ context.Context, event audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// ListByPrimary returns events for one cluster root, in append order.
func (s *InMemoryStore) ListByPrimary(_ context.Context, primaryID int64) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []audit.Event
	for _, e := range s.events {
		if e.PrimaryID == primaryID {
			out = append(out, e)
		}
	}
	return out, nil
}

// All returns every recorded event, in append order.
func (s *InMemoryStore) All(_ context.Context) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]audit.Event(nil), s.events...), nil
}

var _ audit.Store = (*InMemoryStore)(nil)
