package store

import (
	"context"
	"fmt"
	"sync"

	"reconcile/internal/identity"
	"reconcile/pkg/platform/sentinel"
	"reconcile/pkg/requestcontext"
)

// InMemory is a map-backed contact store for tests and single-process
// deployments. Ids are a process-local sequence, so creation order and id
// order agree the same way they do under a database sequence.
type InMemory struct {
	mu       sync.RWMutex
	contacts map[int64]*identity.Contact
	nextID   int64
}

// NewInMemory creates an empty in-memory contact store.
func NewInMemory() *InMemory {
	return &InMemory{contacts: make(map[int64]*identity.Contact)}
}

func (s *InMemory) FindByEmailOrPhone(_ context.Context, email, phone string) ([]*identity.Contact, error) {
	email = NormalizeEmail(email)
	phone = NormalizePhone(phone)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*identity.Contact
	for _, c := range s.contacts {
		if c.DeletedAt != nil {
			continue
		}
		if (email != "" && c.Email == email) || (phone != "" && c.Phone == phone) {
			matched = append(matched, copyContact(c))
		}
	}
	return matched, nil
}

func (s *InMemory) FindByID(_ context.Context, id int64) (*identity.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contacts[id]
	if !ok || c.DeletedAt != nil {
		return nil, sentinel.ErrNotFound
	}
	return copyContact(c), nil
}

func (s *InMemory) FindSecondariesOf(_ context.Context, primaryID int64) ([]*identity.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var linked []*identity.Contact
	for _, c := range s.contacts {
		if c.DeletedAt != nil || c.LinkedID == nil || *c.LinkedID != primaryID {
			continue
		}
		linked = append(linked, copyContact(c))
	}
	return linked, nil
}

func (s *InMemory) CreateContact(ctx context.Context, email, phone string, linkedID *int64, precedence identity.LinkPrecedence) (*identity.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLink(precedence, linkedID); err != nil {
		return nil, err
	}

	now := requestcontext.Now(ctx)
	s.nextID++
	c := &identity.Contact{
		ID:             s.nextID,
		Email:          NormalizeEmail(email),
		Phone:          NormalizePhone(phone),
		LinkPrecedence: precedence,
		LinkedID:       copyID(linkedID),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.contacts[c.ID] = c
	return copyContact(c), nil
}

func (s *InMemory) UpdateContact(ctx context.Context, id int64, precedence identity.LinkPrecedence, linkedID *int64) (*identity.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contacts[id]
	if !ok || c.DeletedAt != nil {
		return nil, sentinel.ErrNotFound
	}
	if err := s.checkLink(precedence, linkedID); err != nil {
		return nil, err
	}

	c.LinkPrecedence = precedence
	c.LinkedID = copyID(linkedID)
	c.UpdatedAt = requestcontext.Now(ctx)
	return copyContact(c), nil
}

// checkLink rejects writes that would break the depth-1 forest: a primary
// must carry no link, a secondary must link directly to a live primary.
// Callers hold s.mu.
func (s *InMemory) checkLink(precedence identity.LinkPrecedence, linkedID *int64) error {
	switch precedence {
	case identity.LinkPrimary:
		if linkedID != nil {
			return fmt.Errorf("primary contact cannot carry a link: %w", sentinel.ErrInvalidState)
		}
	case identity.LinkSecondary:
		if linkedID == nil {
			return fmt.Errorf("secondary contact requires a link: %w", sentinel.ErrInvalidState)
		}
		target, ok := s.contacts[*linkedID]
		if !ok || target.DeletedAt != nil {
			return fmt.Errorf("link target %d does not exist: %w", *linkedID, sentinel.ErrInvalidState)
		}
		if !target.IsPrimary() {
			return fmt.Errorf("link target %d is not a primary: %w", *linkedID, sentinel.ErrInvalidState)
		}
	default:
		return fmt.Errorf("unknown link precedence %q: %w", precedence, sentinel.ErrInvalidState)
	}
	return nil
}

// SoftDelete tombstones a contact, excluding it from matching and
// consolidation. The engine never deletes; this exists for operational
// cleanup and tests.
func (s *InMemory) SoftDelete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contacts[id]
	if !ok || c.DeletedAt != nil {
		return sentinel.ErrNotFound
	}
	now := requestcontext.Now(ctx)
	c.DeletedAt = &now
	c.UpdatedAt = now
	return nil
}

type memorySnapshot struct {
	contacts map[int64]*identity.Contact
	nextID   int64
}

func (s *InMemory) snapshot() memorySnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dup := make(map[int64]*identity.Contact, len(s.contacts))
	for id, c := range s.contacts {
		dup[id] = copyContact(c)
	}
	return memorySnapshot{contacts: dup, nextID: s.nextID}
}

func (s *InMemory) restore(snap memorySnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.contacts = snap.contacts
	s.nextID = snap.nextID
}

func copyContact(c *identity.Contact) *identity.Contact {
	dup := *c
	dup.LinkedID = copyID(c.LinkedID)
	if c.DeletedAt != nil {
		t := *c.DeletedAt
		dup.DeletedAt = &t
	}
	return &dup
}

func copyID(id *int64) *int64 {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

var _ Store = (*InMemory)(nil)
