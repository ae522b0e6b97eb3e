// Package service implements the identity resolution engine: given an
// observation of (email?, phone?), it locates every contact transitively
// connected to it, merges previously separate clusters when the observation
// bridges them, appends genuinely new information as a secondary contact, and
// returns the consolidated cluster view.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"reconcile/internal/identity"
	"reconcile/internal/identity/cache"
	"reconcile/internal/identity/metrics"
	"reconcile/internal/identity/store"
	dErrors "reconcile/pkg/domain-errors"
	"reconcile/pkg/platform/audit"
	"reconcile/pkg/platform/audit/publisher"
	"reconcile/pkg/platform/sentinel"
	"reconcile/pkg/requestcontext"
)

const (
	defaultMaxAttempts = 3
	retryBackoffBase   = 10 * time.Millisecond
)

// Service resolves observations against the contact store. It holds no
// cross-request state; multiple instances may run against the same store.
type Service struct {
	tx          store.Tx
	views       *cache.ViewCache
	audit       *publisher.Publisher
	metrics     *metrics.Metrics
	logger      *slog.Logger
	tracer      trace.Tracer
	maxAttempts int
}

// Option configures the Service.
type Option func(*Service)

// WithViewCache enables the consolidated-view read cache.
func WithViewCache(views *cache.ViewCache) Option {
	return func(s *Service) {
		s.views = views
	}
}

// WithAuditPublisher enables audit event emission after commits.
func WithAuditPublisher(pub *publisher.Publisher) Option {
	return func(s *Service) {
		s.audit = pub
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithMaxAttempts bounds conflict replays per resolution.
func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// New creates the resolution engine over a transactional store boundary.
func New(tx store.Tx, opts ...Option) *Service {
	s := &Service{
		tx:          tx,
		logger:      slog.Default(),
		tracer:      otel.Tracer("reconcile/internal/identity/service"),
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Resolve consolidates one observation. At least one of email and phone must
// be non-empty; phone is normalized before matching so read and write paths
// compare identically.
func (s *Service) Resolve(ctx context.Context, email, phone string) (*identity.ConsolidatedContact, error) {
	obs := identity.Observation{
		Email: store.NormalizeEmail(email),
		Phone: store.NormalizePhone(phone),
	}
	if obs.IsEmpty() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "at least one of email and phoneNumber is required")
	}

	ctx, span := s.tracer.Start(ctx, "identity.resolve")
	defer span.End()
	start := time.Now()

	if view := s.views.Get(ctx, obs); view != nil {
		// The cached view already contains every provided field, so the
		// resolution is a pure read by the new-information rule.
		s.metrics.RecordViewCacheHit()
		s.metrics.RecordResolution(metrics.OutcomeNoop)
		span.SetAttributes(attribute.String("resolve.outcome", metrics.OutcomeNoop), attribute.Bool("resolve.cached", true))
		return view, nil
	}
	s.metrics.RecordViewCacheMiss()

	res, attempts, err := s.resolveWithRetry(ctx, obs)
	if err != nil {
		return nil, err
	}

	if res.changed() {
		s.views.Invalidate(ctx, res.view)
	}
	s.views.Put(ctx, res.view)
	s.emitAudit(ctx, res)

	s.metrics.RecordResolution(res.outcome)
	s.metrics.RecordMerges(len(res.demoted))
	s.metrics.ObserveResolveDuration(time.Since(start).Seconds())
	span.SetAttributes(
		attribute.String("resolve.outcome", res.outcome),
		attribute.Int("resolve.attempts", attempts),
		attribute.Int64("resolve.primary_id", res.view.PrimaryContactID),
	)
	return res.view, nil
}

// resolveWithRetry replays the whole unit of work on serialization conflicts.
// Partial state is never patched: every attempt starts again from the match
// step against current storage.
func (s *Service) resolveWithRetry(ctx context.Context, obs identity.Observation) (*resolution, int, error) {
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		var res *resolution
		err := s.tx.RunInTx(ctx, func(st store.Store) error {
			r, err := s.resolveOnce(ctx, st, obs)
			if err != nil {
				return err
			}
			res = r
			return nil
		})
		if err == nil {
			return res, attempt, nil
		}
		if !errors.Is(err, sentinel.ErrConflict) {
			return nil, attempt, s.translate(err)
		}

		lastErr = err
		s.metrics.RecordConflictRetry()
		s.logger.WarnContext(ctx, "resolution conflict, replaying",
			"request_id", requestcontext.RequestID(ctx),
			"attempt", attempt,
		)
		if attempt < s.maxAttempts {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return nil, attempt, dErrors.Wrap(err, dErrors.CodeTimeout, "resolution aborted: context cancelled")
			}
		}
	}
	return nil, s.maxAttempts, dErrors.Wrap(lastErr, dErrors.CodeUnavailable, "resolution conflict retries exhausted")
}

// resolution is the outcome of one committed unit of work.
type resolution struct {
	view    *identity.ConsolidatedContact
	outcome string
	demoted []int64
	events  []audit.Event
}

func (r *resolution) changed() bool {
	return r.outcome != metrics.OutcomeNoop
}

// resolveOnce executes the match, cluster-discovery, merge, append, and
// consolidation steps inside one unit of work.
func (s *Service) resolveOnce(ctx context.Context, st store.Store, obs identity.Observation) (*resolution, error) {
	requestID := requestcontext.RequestID(ctx)

	matches, err := st.FindByEmailOrPhone(ctx, obs.Email, obs.Phone)
	if err != nil {
		return nil, err
	}

	// No existing contact shares either field: a customer seen for the
	// first time becomes a new singleton cluster.
	if len(matches) == 0 {
		created, err := st.CreateContact(ctx, obs.Email, obs.Phone, nil, identity.LinkPrimary)
		if err != nil {
			return nil, err
		}
		return &resolution{
			view:    buildView(created, nil),
			outcome: metrics.OutcomeCreatedPrimary,
			events: []audit.Event{{
				Action:    audit.ActionContactCreated,
				PrimaryID: created.ID,
				ContactID: created.ID,
				RequestID: requestID,
			}},
		}, nil
	}

	roots, err := discoverRoots(ctx, st, matches)
	if err != nil {
		return nil, err
	}
	survivor := roots[0]

	res := &resolution{}

	// Two or more distinct roots means the observation bridges previously
	// independent identities. The oldest root survives; every other root and
	// its secondaries are re-linked so depth never exceeds one hop. The
	// secondaries move first, so no secondary ever points at a contact that
	// is itself being demoted.
	for _, loser := range roots[1:] {
		orphans, err := st.FindSecondariesOf(ctx, loser.ID)
		if err != nil {
			return nil, err
		}
		for _, orphan := range orphans {
			if _, err := st.UpdateContact(ctx, orphan.ID, identity.LinkSecondary, &survivor.ID); err != nil {
				return nil, err
			}
		}
		if _, err := st.UpdateContact(ctx, loser.ID, identity.LinkSecondary, &survivor.ID); err != nil {
			return nil, err
		}
		res.demoted = append(res.demoted, loser.ID)
	}
	if len(res.demoted) > 0 {
		res.events = append(res.events, audit.Event{
			Action:    audit.ActionClustersMerged,
			PrimaryID: survivor.ID,
			MergedIDs: res.demoted,
			RequestID: requestID,
		})
	}

	secondaries, err := st.FindSecondariesOf(ctx, survivor.ID)
	if err != nil {
		return nil, err
	}

	// Append a secondary only when the observation carries a value the
	// cluster has never seen. An exact replay of known information performs
	// no writes.
	if newInformation(obs, survivor, secondaries) {
		created, err := st.CreateContact(ctx, obs.Email, obs.Phone, &survivor.ID, identity.LinkSecondary)
		if err != nil {
			return nil, err
		}
		secondaries = append(secondaries, created)
		res.events = append(res.events, audit.Event{
			Action:    audit.ActionContactLinked,
			PrimaryID: survivor.ID,
			ContactID: created.ID,
			RequestID: requestID,
		})
		res.outcome = metrics.OutcomeAppendedSecondary
	}

	switch {
	case len(res.demoted) > 0:
		res.outcome = metrics.OutcomeMerged
	case res.outcome == "":
		res.outcome = metrics.OutcomeNoop
	}

	res.view = buildView(survivor, secondaries)
	return res, nil
}

// discoverRoots resolves every matched contact to its cluster root and
// returns the distinct roots ordered oldest first. A secondary that does not
// point directly at a live primary is an internal-consistency fault; the unit
// of work aborts rather than guessing a correction.
func discoverRoots(ctx context.Context, st store.Store, matches []*identity.Contact) ([]*identity.Contact, error) {
	byID := make(map[int64]*identity.Contact)
	for _, m := range matches {
		if m.IsPrimary() {
			byID[m.ID] = m
			continue
		}
		if m.LinkedID == nil {
			return nil, dErrors.New(dErrors.CodeInvariantViolation,
				fmt.Sprintf("secondary contact %d carries no link", m.ID))
		}
		if _, seen := byID[*m.LinkedID]; seen {
			continue
		}
		root, err := st.FindByID(ctx, *m.LinkedID)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return nil, dErrors.New(dErrors.CodeInvariantViolation,
					fmt.Sprintf("secondary contact %d links to missing contact %d", m.ID, *m.LinkedID))
			}
			return nil, err
		}
		if !root.IsPrimary() {
			return nil, dErrors.New(dErrors.CodeInvariantViolation,
				fmt.Sprintf("secondary contact %d links to non-primary contact %d", m.ID, root.ID))
		}
		byID[root.ID] = root
	}

	roots := make([]*identity.Contact, 0, len(byID))
	for _, root := range byID {
		roots = append(roots, root)
	}
	sort.Slice(roots, func(i, j int) bool {
		return roots[i].OlderThan(roots[j])
	})
	return roots, nil
}

// newInformation reports whether the observation carries an email or phone
// absent from the cluster.
func newInformation(obs identity.Observation, primary *identity.Contact, secondaries []*identity.Contact) bool {
	emailKnown := obs.Email == "" || primary.Email == obs.Email
	phoneKnown := obs.Phone == "" || primary.Phone == obs.Phone
	for _, c := range secondaries {
		if emailKnown && phoneKnown {
			break
		}
		if obs.Email != "" && c.Email == obs.Email {
			emailKnown = true
		}
		if obs.Phone != "" && c.Phone == obs.Phone {
			phoneKnown = true
		}
	}
	return !emailKnown || !phoneKnown
}

// buildView consolidates the final cluster state: the primary's own values
// first, then secondaries in ascending creation order, deduplicated.
func buildView(primary *identity.Contact, secondaries []*identity.Contact) *identity.ConsolidatedContact {
	sorted := append([]*identity.Contact(nil), secondaries...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].OlderThan(sorted[j])
	})

	view := &identity.ConsolidatedContact{
		PrimaryContactID:    primary.ID,
		Emails:              []string{},
		PhoneNumbers:        []string{},
		SecondaryContactIDs: []int64{},
	}

	seenEmails := make(map[string]struct{})
	seenPhones := make(map[string]struct{})
	appendEmail := func(email string) {
		if email == "" {
			return
		}
		if _, ok := seenEmails[email]; ok {
			return
		}
		seenEmails[email] = struct{}{}
		view.Emails = append(view.Emails, email)
	}
	appendPhone := func(phone string) {
		if phone == "" {
			return
		}
		if _, ok := seenPhones[phone]; ok {
			return
		}
		seenPhones[phone] = struct{}{}
		view.PhoneNumbers = append(view.PhoneNumbers, phone)
	}

	appendEmail(primary.Email)
	appendPhone(primary.Phone)
	for _, c := range sorted {
		appendEmail(c.Email)
		appendPhone(c.Phone)
		view.SecondaryContactIDs = append(view.SecondaryContactIDs, c.ID)
	}
	return view
}

// translate maps infrastructure failures onto the domain taxonomy. Coded
// errors (invalid input, invariant violations) pass through untouched.
func (s *Service) translate(err error) error {
	var de *dErrors.Error
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, sentinel.ErrUnavailable) {
		return dErrors.Wrap(err, dErrors.CodeInternal, "contact store unavailable")
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, "contact store failure")
}

func (s *Service) emitAudit(ctx context.Context, res *resolution) {
	if s.audit == nil {
		return
	}
	for _, event := range res.events {
		if err := s.audit.Emit(ctx, event); err != nil {
			s.logger.WarnContext(ctx, "audit emit failed",
				"request_id", requestcontext.RequestID(ctx),
				"action", string(event.Action),
				"error", err.Error(),
			)
		}
	}
}

// sleepBackoff waits before a replay, with jitter so two conflicting callers
// do not collide again in lockstep.
func sleepBackoff(ctx context.Context, attempt int) error {
	delay := retryBackoffBase*time.Duration(attempt) + rand.N(retryBackoffBase)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
