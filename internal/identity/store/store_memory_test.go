package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"reconcile/internal/identity"
	"reconcile/pkg/platform/sentinel"
	"reconcile/pkg/requestcontext"
)

type MemoryStoreSuite struct {
	suite.Suite
	store *InMemory
	ctx   context.Context
}

func TestMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(MemoryStoreSuite))
}

func (s *MemoryStoreSuite) SetupTest() {
	s.store = NewInMemory()
	s.ctx = context.Background()
}

func (s *MemoryStoreSuite) TestCreationAndLookups() {
	s.Run("assigns sequential ids and timestamps", func() {
		now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		ctx := requestcontext.WithTime(s.ctx, now)

		first, err := s.store.CreateContact(ctx, "a@example.com", "111", nil, identity.LinkPrimary)
		s.Require().NoError(err)
		second, err := s.store.CreateContact(ctx, "b@example.com", "222", nil, identity.LinkPrimary)
		s.Require().NoError(err)

		s.Equal(int64(1), first.ID)
		s.Equal(int64(2), second.ID)
		s.Equal(now, first.CreatedAt)
		s.Equal(now, first.UpdatedAt)
	})

	s.Run("finds by either field", func() {
		byEmail, err := s.store.FindByEmailOrPhone(s.ctx, "a@example.com", "")
		s.Require().NoError(err)
		s.Require().Len(byEmail, 1)
		s.Equal(int64(1), byEmail[0].ID)

		byPhone, err := s.store.FindByEmailOrPhone(s.ctx, "", "222")
		s.Require().NoError(err)
		s.Require().Len(byPhone, 1)
		s.Equal(int64(2), byPhone[0].ID)

		both, err := s.store.FindByEmailOrPhone(s.ctx, "a@example.com", "222")
		s.Require().NoError(err)
		s.Len(both, 2)
	})

	s.Run("empty input fields never match", func() {
		none, err := s.store.FindByEmailOrPhone(s.ctx, "", "")
		s.Require().NoError(err)
		s.Empty(none)
	})

	s.Run("returns ErrNotFound for unknown id", func() {
		_, err := s.store.FindByID(s.ctx, 99)
		s.Require().ErrorIs(err, sentinel.ErrNotFound)
	})
}

func (s *MemoryStoreSuite) TestPhoneNormalizationOnWriteAndRead() {
	created, err := s.store.CreateContact(s.ctx, "", " 042 ", nil, identity.LinkPrimary)
	s.Require().NoError(err)
	s.Equal("42", created.Phone)

	found, err := s.store.FindByEmailOrPhone(s.ctx, "", "42")
	s.Require().NoError(err)
	s.Require().Len(found, 1)
	s.Equal(created.ID, found[0].ID)
}

func (s *MemoryStoreSuite) TestLinkGuards() {
	primary, err := s.store.CreateContact(s.ctx, "p@example.com", "", nil, identity.LinkPrimary)
	s.Require().NoError(err)
	secondary, err := s.store.CreateContact(s.ctx, "s@example.com", "", &primary.ID, identity.LinkSecondary)
	s.Require().NoError(err)

	s.Run("rejects secondary pointing at a secondary", func() {
		_, err := s.store.CreateContact(s.ctx, "x@example.com", "", &secondary.ID, identity.LinkSecondary)
		s.Require().ErrorIs(err, sentinel.ErrInvalidState)
	})

	s.Run("rejects secondary without a link", func() {
		_, err := s.store.CreateContact(s.ctx, "x@example.com", "", nil, identity.LinkSecondary)
		s.Require().ErrorIs(err, sentinel.ErrInvalidState)
	})

	s.Run("rejects primary carrying a link", func() {
		_, err := s.store.CreateContact(s.ctx, "x@example.com", "", &primary.ID, identity.LinkPrimary)
		s.Require().ErrorIs(err, sentinel.ErrInvalidState)
	})

	s.Run("rejects dangling link target", func() {
		missing := int64(404)
		_, err := s.store.UpdateContact(s.ctx, secondary.ID, identity.LinkSecondary, &missing)
		s.Require().ErrorIs(err, sentinel.ErrInvalidState)
	})
}

func (s *MemoryStoreSuite) TestUpdateRefreshesUpdatedAtOnly() {
	created, err := s.store.CreateContact(
		requestcontext.WithTime(s.ctx, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)),
		"p@example.com", "", nil, identity.LinkPrimary)
	s.Require().NoError(err)
	target, err := s.store.CreateContact(s.ctx, "q@example.com", "", nil, identity.LinkPrimary)
	s.Require().NoError(err)

	later := time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)
	updated, err := s.store.UpdateContact(
		requestcontext.WithTime(s.ctx, later),
		created.ID, identity.LinkSecondary, &target.ID)
	s.Require().NoError(err)

	s.Equal(created.CreatedAt, updated.CreatedAt, "createdAt is immutable")
	s.Equal(later, updated.UpdatedAt)
	s.Equal(identity.LinkSecondary, updated.LinkPrecedence)
}

func (s *MemoryStoreSuite) TestSoftDeletedContactsAreInvisible() {
	created, err := s.store.CreateContact(s.ctx, "gone@example.com", "777", nil, identity.LinkPrimary)
	s.Require().NoError(err)
	s.Require().NoError(s.store.SoftDelete(s.ctx, created.ID))

	found, err := s.store.FindByEmailOrPhone(s.ctx, "gone@example.com", "777")
	s.Require().NoError(err)
	s.Empty(found)

	_, err = s.store.FindByID(s.ctx, created.ID)
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
}

func (s *MemoryStoreSuite) TestResultsAreCopies() {
	created, err := s.store.CreateContact(s.ctx, "a@example.com", "", nil, identity.LinkPrimary)
	s.Require().NoError(err)

	created.Email = "mutated@example.com"
	reread, err := s.store.FindByID(s.ctx, created.ID)
	s.Require().NoError(err)
	s.Equal("a@example.com", reread.Email)
}

func TestMemoryTxRollsBackOnError(t *testing.T) {
	contacts := NewInMemory()
	tx := NewMemoryTx(contacts)
	ctx := context.Background()

	boom := errors.New("boom")
	err := tx.RunInTx(ctx, func(st Store) error {
		if _, err := st.CreateContact(ctx, "a@example.com", "", nil, identity.LinkPrimary); err != nil {
			return err
		}
		if _, err := st.CreateContact(ctx, "b@example.com", "", nil, identity.LinkPrimary); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the unit of work error, got %v", err)
	}

	found, err := contacts.FindByEmailOrPhone(ctx, "a@example.com", "")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(found) != 0 {
		t.Fatalf("expected rollback to discard writes, found %d contacts", len(found))
	}

	// Ids are not burned by rolled-back work.
	created, err := contacts.CreateContact(ctx, "c@example.com", "", nil, identity.LinkPrimary)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID != 1 {
		t.Fatalf("expected id 1 after rollback, got %d", created.ID)
	}
}

func TestMemoryTxRejectsCancelledContext(t *testing.T) {
	tx := NewMemoryTx(NewInMemory())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := tx.RunInTx(ctx, func(Store) error { return nil })
	if err == nil {
		t.Fatal("expected an error for a cancelled context")
	}
}
