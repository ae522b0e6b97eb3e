package service

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"reconcile/internal/identity"
	"reconcile/internal/identity/store"
	dErrors "reconcile/pkg/domain-errors"
	"reconcile/pkg/platform/audit"
	"reconcile/pkg/platform/audit/publisher"
	auditmemory "reconcile/pkg/platform/audit/store/memory"
	"reconcile/pkg/platform/sentinel"
	"reconcile/pkg/requestcontext"
)

type ResolveSuite struct {
	suite.Suite
	contacts *store.InMemory
	audits   *auditmemory.InMemoryStore
	service  *Service
	base     time.Time
	step     int
}

func TestResolveSuite(t *testing.T) {
	suite.Run(t, new(ResolveSuite))
}

func (s *ResolveSuite) SetupTest() {
	s.contacts = store.NewInMemory()
	s.audits = auditmemory.NewInMemoryStore()
	s.service = New(
		store.NewMemoryTx(s.contacts),
		WithAuditPublisher(publisher.NewPublisher(s.audits)),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	s.base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.step = 0
}

// ctx returns a context pinned to a strictly increasing clock so creation
// order is deterministic.
func (s *ResolveSuite) ctx() context.Context {
	s.step++
	return requestcontext.WithTime(context.Background(), s.base.Add(time.Duration(s.step)*time.Minute))
}

func (s *ResolveSuite) resolve(email, phone string) *identity.ConsolidatedContact {
	view, err := s.service.Resolve(s.ctx(), email, phone)
	s.Require().NoError(err)
	return view
}

func (s *ResolveSuite) auditEvents() []audit.Event {
	events, err := s.audits.All(context.Background())
	s.Require().NoError(err)
	return events
}

func (s *ResolveSuite) TestRejectsEmptyObservation() {
	_, err := s.service.Resolve(context.Background(), "", "")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))

	_, err = s.service.Resolve(context.Background(), "   ", "")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
}

func (s *ResolveSuite) TestNewCustomerCreatesSingletonCluster() {
	view := s.resolve("lorraine@hillvalley.edu", "123456")

	s.Equal(int64(1), view.PrimaryContactID)
	s.Equal([]string{"lorraine@hillvalley.edu"}, view.Emails)
	s.Equal([]string{"123456"}, view.PhoneNumbers)
	s.Empty(view.SecondaryContactIDs)

	events := s.auditEvents()
	s.Require().Len(events, 1)
	s.Equal(audit.ActionContactCreated, events[0].Action)
	s.Equal(int64(1), events[0].PrimaryID)
}

func (s *ResolveSuite) TestPartialObservationCreatesPartialContact() {
	view := s.resolve("doc@hillvalley.edu", "")

	s.Equal(int64(1), view.PrimaryContactID)
	s.Equal([]string{"doc@hillvalley.edu"}, view.Emails)
	s.Empty(view.PhoneNumbers)
}

func (s *ResolveSuite) TestAppendsSecondaryForNewInformation() {
	s.resolve("lorraine@hillvalley.edu", "123456")
	view := s.resolve("mcfly@hillvalley.edu", "123456")

	s.Equal(int64(1), view.PrimaryContactID)
	s.Equal([]string{"lorraine@hillvalley.edu", "mcfly@hillvalley.edu"}, view.Emails)
	s.Equal([]string{"123456"}, view.PhoneNumbers)
	s.Equal([]int64{2}, view.SecondaryContactIDs)

	// The primary is untouched by the append.
	primary, err := s.contacts.FindByID(context.Background(), 1)
	s.Require().NoError(err)
	s.True(primary.IsPrimary())
	s.Nil(primary.LinkedID)
}

func (s *ResolveSuite) TestPureReadPerformsNoWrites() {
	s.resolve("lorraine@hillvalley.edu", "123456")
	s.resolve("mcfly@hillvalley.edu", "123456")
	before := s.auditEvents()

	// Phone-only observation: both fields derivable from the cluster.
	view := s.resolve("", "123456")

	s.Equal(int64(1), view.PrimaryContactID)
	s.Equal([]string{"lorraine@hillvalley.edu", "mcfly@hillvalley.edu"}, view.Emails)
	s.Equal([]string{"123456"}, view.PhoneNumbers)
	s.Equal([]int64{2}, view.SecondaryContactIDs)
	s.Len(s.auditEvents(), len(before), "pure read must not emit audit events")

	// Exact replay of a known pair is also a pure read.
	replay := s.resolve("mcfly@hillvalley.edu", "123456")
	s.Equal(view, replay)
	s.Len(s.auditEvents(), len(before))
}

func (s *ResolveSuite) TestIdempotentReplayReturnsIdenticalView() {
	first := s.resolve("lorraine@hillvalley.edu", "123456")
	second := s.resolve("lorraine@hillvalley.edu", "123456")
	s.Equal(first, second)
	s.Len(s.auditEvents(), 1)
}

func (s *ResolveSuite) TestMergeDemotesYoungerPrimary() {
	s.resolve("george@hillvalley.edu", "919191")    // id=1, older cluster
	s.resolve("biffsucks@hillvalley.edu", "717171") // id=2, younger cluster

	view := s.resolve("george@hillvalley.edu", "717171")

	s.Equal(int64(1), view.PrimaryContactID)
	s.Equal([]string{"george@hillvalley.edu", "biffsucks@hillvalley.edu"}, view.Emails)
	s.Equal([]string{"919191", "717171"}, view.PhoneNumbers)
	s.Equal([]int64{2}, view.SecondaryContactIDs)

	demoted, err := s.contacts.FindByID(context.Background(), 2)
	s.Require().NoError(err)
	s.Equal(identity.LinkSecondary, demoted.LinkPrecedence)
	s.Require().NotNil(demoted.LinkedID)
	s.Equal(int64(1), *demoted.LinkedID)

	events := s.auditEvents()
	s.Require().Len(events, 3)
	s.Equal(audit.ActionClustersMerged, events[2].Action)
	s.Equal([]int64{2}, events[2].MergedIDs)
}

func (s *ResolveSuite) TestMergeRepointsExistingSecondaries() {
	s.resolve("a@example.com", "111") // cluster A: id=1
	s.resolve("b@example.com", "222") // cluster B: id=2
	s.resolve("b2@example.com", "222") // id=3, secondary under B

	view := s.resolve("a@example.com", "222")

	s.Equal(int64(1), view.PrimaryContactID)
	s.ElementsMatch([]int64{2, 3}, view.SecondaryContactIDs)

	// B's old secondary now points directly at A: depth stays one hop.
	repointed, err := s.contacts.FindByID(context.Background(), 3)
	s.Require().NoError(err)
	s.Require().NotNil(repointed.LinkedID)
	s.Equal(int64(1), *repointed.LinkedID)

	s.assertForestInvariants(view)
}

func (s *ResolveSuite) TestNWayMergeKeepsOldestRoot() {
	// Three independent primaries seeded directly; a single observation can
	// bridge more than two clusters when storage predates the engine.
	ctx := s.ctx()
	a, err := s.contacts.CreateContact(ctx, "a@example.com", "111", nil, identity.LinkPrimary)
	s.Require().NoError(err)
	_, err = s.contacts.CreateContact(s.ctx(), "a@example.com", "222", nil, identity.LinkPrimary)
	s.Require().NoError(err)
	_, err = s.contacts.CreateContact(s.ctx(), "c@example.com", "222", nil, identity.LinkPrimary)
	s.Require().NoError(err)

	view := s.resolve("a@example.com", "222")

	s.Equal(a.ID, view.PrimaryContactID)
	s.ElementsMatch([]int64{2, 3}, view.SecondaryContactIDs)
	s.assertForestInvariants(view)

	// All demotions land in one merge event.
	events := s.auditEvents()
	s.Require().Len(events, 1)
	s.Equal(audit.ActionClustersMerged, events[0].Action)
	s.ElementsMatch([]int64{2, 3}, events[0].MergedIDs)
}

func (s *ResolveSuite) TestSameRootViaTwoRowsIsNotAMerge() {
	s.resolve("jennifer@hillvalley.edu", "555000")
	s.resolve("jen@hillvalley.edu", "555000") // secondary, same cluster
	before := s.auditEvents()

	// Email matches the secondary, phone matches the primary: two rows, one
	// root. No merge, no new contact.
	view := s.resolve("jen@hillvalley.edu", "555000")

	s.Equal(int64(1), view.PrimaryContactID)
	s.Equal([]int64{2}, view.SecondaryContactIDs)
	s.Len(s.auditEvents(), len(before))
}

func (s *ResolveSuite) TestConsolidationOrdersPrimaryFirst() {
	s.resolve("first@example.com", "100")
	s.resolve("second@example.com", "100")
	s.resolve("third@example.com", "100")

	view := s.resolve("", "100")

	s.Equal([]string{"first@example.com", "second@example.com", "third@example.com"}, view.Emails)
	s.Equal([]string{"100"}, view.PhoneNumbers)
	s.Equal([]int64{2, 3}, view.SecondaryContactIDs)
}

func (s *ResolveSuite) TestSeniorityInvariant() {
	s.resolve("old@example.com", "1")
	s.resolve("new@example.com", "2")
	view := s.resolve("old@example.com", "2")

	primary, err := s.contacts.FindByID(context.Background(), view.PrimaryContactID)
	s.Require().NoError(err)
	for _, id := range view.SecondaryContactIDs {
		sec, err := s.contacts.FindByID(context.Background(), id)
		s.Require().NoError(err)
		s.False(sec.OlderThan(primary), "no secondary may predate its primary")
	}
}

// assertForestInvariants checks the depth-1 forest over the view's cluster.
func (s *ResolveSuite) assertForestInvariants(view *identity.ConsolidatedContact) {
	s.T().Helper()
	ctx := context.Background()

	primary, err := s.contacts.FindByID(ctx, view.PrimaryContactID)
	s.Require().NoError(err)
	s.True(primary.IsPrimary())
	s.Nil(primary.LinkedID)

	for _, id := range view.SecondaryContactIDs {
		sec, err := s.contacts.FindByID(ctx, id)
		s.Require().NoError(err)
		s.Equal(identity.LinkSecondary, sec.LinkPrecedence)
		s.Require().NotNil(sec.LinkedID)
		s.Equal(primary.ID, *sec.LinkedID, "secondary must point at the cluster root")
	}
}

// ---------------------------------------------------------------------------
// Conflict retry and failure translation
// ---------------------------------------------------------------------------

// flakyTx fails the first n units of work with a conflict, then delegates.
type flakyTx struct {
	inner     store.Tx
	conflicts int
}

func (t *flakyTx) RunInTx(ctx context.Context, fn func(store store.Store) error) error {
	if t.conflicts > 0 {
		t.conflicts--
		return sentinel.ErrConflict
	}
	return t.inner.RunInTx(ctx, fn)
}

func TestResolveRetriesConflicts(t *testing.T) {
	contacts := store.NewInMemory()
	svc := New(
		&flakyTx{inner: store.NewMemoryTx(contacts), conflicts: 2},
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)

	view, err := svc.Resolve(context.Background(), "marty@hillvalley.edu", "")
	if err != nil {
		t.Fatalf("expected retries to recover, got %v", err)
	}
	if view.PrimaryContactID != 1 {
		t.Fatalf("expected primary id 1, got %d", view.PrimaryContactID)
	}
}

func TestResolveSurfacesExhaustedConflicts(t *testing.T) {
	contacts := store.NewInMemory()
	svc := New(
		&flakyTx{inner: store.NewMemoryTx(contacts), conflicts: 10},
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMaxAttempts(3),
	)

	_, err := svc.Resolve(context.Background(), "marty@hillvalley.edu", "")
	if err == nil {
		t.Fatal("expected an error after exhausting retries")
	}
	if !dErrors.HasCode(err, dErrors.CodeUnavailable) {
		t.Fatalf("expected unavailable code, got %v", err)
	}
}

// corruptStore serves a secondary whose link target is another secondary, the
// state the engine must refuse to repair.
type corruptStore struct {
	store.Store
}

func (c *corruptStore) FindByEmailOrPhone(context.Context, string, string) ([]*identity.Contact, error) {
	linked := int64(7)
	return []*identity.Contact{{
		ID:             9,
		Email:          "broken@example.com",
		LinkPrecedence: identity.LinkSecondary,
		LinkedID:       &linked,
	}}, nil
}

func (c *corruptStore) FindByID(context.Context, int64) (*identity.Contact, error) {
	other := int64(3)
	return &identity.Contact{
		ID:             7,
		LinkPrecedence: identity.LinkSecondary,
		LinkedID:       &other,
	}, nil
}

type passthroughTx struct {
	store store.Store
}

func (t *passthroughTx) RunInTx(_ context.Context, fn func(store store.Store) error) error {
	return fn(t.store)
}

func TestResolveAbortsOnSecondaryChain(t *testing.T) {
	svc := New(
		&passthroughTx{store: &corruptStore{}},
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)

	_, err := svc.Resolve(context.Background(), "broken@example.com", "")
	if err == nil {
		t.Fatal("expected an invariant violation")
	}
	if !dErrors.HasCode(err, dErrors.CodeInvariantViolation) {
		t.Fatalf("expected invariant violation code, got %v", err)
	}
}
