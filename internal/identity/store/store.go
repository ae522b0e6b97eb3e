// Package store persists contacts. Stores are interface-driven to keep the
// resolution engine testable and to allow swapping in-memory and PostgreSQL
// persistence without rewiring business code.
package store

import (
	"context"

	"reconcile/internal/identity"
)

// Store is the contact persistence contract consumed by the resolution
// engine. All read methods exclude soft-deleted contacts.
type Store interface {
	// FindByEmailOrPhone returns contacts matching either field exactly.
	// An empty input field never matches. Order is unspecified; callers
	// re-derive ordering as needed.
	FindByEmailOrPhone(ctx context.Context, email, phone string) ([]*identity.Contact, error)

	// FindByID returns a single contact, or sentinel.ErrNotFound.
	FindByID(ctx context.Context, id int64) (*identity.Contact, error)

	// FindSecondariesOf returns every contact linked to the given primary.
	FindSecondariesOf(ctx context.Context, primaryID int64) ([]*identity.Contact, error)

	// CreateContact persists a new contact, assigning its id and timestamps.
	// Creating a secondary whose link target is not a primary fails with
	// sentinel.ErrInvalidState.
	CreateContact(ctx context.Context, email, phone string, linkedID *int64, precedence identity.LinkPrecedence) (*identity.Contact, error)

	// UpdateContact rewrites a contact's precedence and link, refreshing
	// UpdatedAt. A write that would produce a secondary pointing at another
	// secondary fails with sentinel.ErrInvalidState.
	UpdateContact(ctx context.Context, id int64, precedence identity.LinkPrecedence, linkedID *int64) (*identity.Contact, error)
}

// Tx runs a unit of work with serializable semantics: the reads and writes of
// fn must not interleave with those of a concurrent unit touching the same
// contacts. On a detected conflict the implementation returns
// sentinel.ErrConflict (optionally wrapped) after rolling back, and the caller
// replays the whole unit.
type Tx interface {
	RunInTx(ctx context.Context, fn func(store Store) error) error
}
