// Package services – IdentityService
//
// This file implements IdentityService, which reconciles partial identity
// facts (an email, a phone number, or both) into clusters of contacts that
// share a single primary record.
//
// A request runs one sequential pipeline while holding the per-key locks of
// its normalized email and phone plus every email and phone already in the
// cluster those reach:
//
//	discover -> resolve -> discover (until resolve writes nothing)
//	         -> verify -> insertIfNovel -> discover -> assemble
//
// The store offers single-statement atomicity only, so every step is written
// to be safely re-run from scratch. An insert rejected by the store's
// (email, phone) unique index restarts the pipeline, which then sees the
// concurrent row as part of the cluster.
//
// Observability: Identify and View are OpenTelemetry-instrumented; merges and
// invariant failures are logged with the request-scoped zerolog logger,
// using contact ids only.
package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/identity-reconciler/internal/domain"
	"github.com/tbourn/identity-reconciler/internal/keylock"
	"github.com/tbourn/identity-reconciler/internal/repo"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// maxLockPasses bounds how often the lock set is widened to cover a cluster
// that kept growing between acquisition and discovery.
const maxLockPasses = 3

// maxResolvePasses bounds the discover/resolve loop. A consistent store
// converges on the second pass; anything beyond that means writes are not
// sticking.
const maxResolvePasses = 4

// ContactRepo defines the store contract required by IdentityService.
type ContactRepo interface {
	// FindMatching returns contacts whose email or phone equals the given
	// non-empty values, oldest first.
	FindMatching(ctx context.Context, db *gorm.DB, email, phone string) ([]domain.Contact, error)

	// FindByID fetches one contact or returns repo.ErrNotFound.
	FindByID(ctx context.Context, db *gorm.DB, id int64) (*domain.Contact, error)

	// FindRelated returns the contact itself, its children, and contacts
	// sharing the given non-empty email or phone.
	FindRelated(ctx context.Context, db *gorm.DB, id int64, email, phone string) ([]domain.Contact, error)

	// InsertContact stores a new contact and returns it with its id. A live
	// row with the same (email, phone) pair yields repo.ErrDuplicate.
	InsertContact(ctx context.Context, db *gorm.DB, email, phone *string, linkedID *int64, precedence domain.Precedence) (*domain.Contact, error)

	// UpdateLink repoints and redesignates a contact.
	UpdateLink(ctx context.Context, db *gorm.DB, id int64, linkedID *int64, precedence domain.Precedence) error
}

// Identity is the consolidated view of one cluster.
type Identity struct {
	PrimaryContactID    int64    `json:"primaryContactId"`
	Emails              []string `json:"emails"`
	PhoneNumbers        []string `json:"phoneNumbers"`
	SecondaryContactIDs []int64  `json:"secondaryContactIds"`

	// Version changes whenever membership or any link in the cluster changes.
	Version string `json:"-"`
}

// IdentityService reconciles identify requests against the contact store.
type IdentityService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Repo is the contact store.
	Repo ContactRepo
	// Locker serializes pipelines on overlapping keys. Nil disables locking,
	// leaving only the unique index as protection.
	Locker keylock.Locker

	// MaxClusterSize caps visited contacts per discovery.
	MaxClusterSize int
	// MaxDiscoveryQueries caps store queries per discovery.
	MaxDiscoveryQueries int
	// ConflictRetries is how many times the pipeline re-runs after an
	// insert loses a race against a concurrent duplicate.
	ConflictRetries int
}

// NewIdentityService constructs an IdentityService with default limits.
func NewIdentityService(db *gorm.DB, r ContactRepo, l keylock.Locker) *IdentityService {
	return &IdentityService{
		DB:                  db,
		Repo:                r,
		Locker:              l,
		MaxClusterSize:      1000,
		MaxDiscoveryQueries: 5000,
		ConflictRetries:     3,
	}
}

// Identify reconciles the given facts and returns the consolidated identity
// of the cluster they belong to, creating or merging contacts as needed.
func (s *IdentityService) Identify(ctx context.Context, email, phone string) (*Identity, error) {
	tr := otel.Tracer("services/IdentityService")
	ctx, span := tr.Start(ctx, "Identify")
	defer span.End()

	email, phone = NormalizeEmail(email), NormalizePhone(phone)
	span.SetAttributes(
		attribute.Bool("identity.has_email", email != ""),
		attribute.Bool("identity.has_phone", phone != ""),
	)
	if email == "" && phone == "" {
		identifyTotal.WithLabelValues(outcomeInvalid).Inc()
		return nil, ErrInvalidIdentity
	}

	if s.Locker != nil {
		unlock, err := s.lockCluster(ctx, email, phone)
		if err != nil {
			identifyTotal.WithLabelValues(outcomeError).Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, "lock")
			return nil, err
		}
		defer unlock()
	}

	for attempt := 0; attempt <= s.ConflictRetries; attempt++ {
		id, outcome, err := s.reconcile(ctx, email, phone)
		if errors.Is(err, repo.ErrDuplicate) {
			insertConflictsTotal.Inc()
			log.Ctx(ctx).Debug().Int("attempt", attempt+1).Msg("insert conflict, re-running reconciliation")
			continue
		}
		if err != nil {
			identifyTotal.WithLabelValues(outcomeError).Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, "reconcile")
			return nil, err
		}
		identifyTotal.WithLabelValues(outcome).Inc()
		span.SetAttributes(attribute.Int64("identity.primary_id", id.PrimaryContactID))
		return id, nil
	}

	identifyTotal.WithLabelValues(outcomeConflicts).Inc()
	span.SetStatus(codes.Error, "conflicts")
	return nil, ErrConflictRetriesExhausted
}

// lockCluster locks the request keys together with every key of the
// cluster they currently reach, so two requests that touch one cluster
// through disjoint facts still serialize. Each attempt locks a sorted key set
// while holding nothing; when discovery under that set finds keys outside it,
// the set is released and widened. The last pass keeps what it holds and
// relies on the unique index for anything that slipped in.
func (s *IdentityService) lockCluster(ctx context.Context, email, phone string) (func(), error) {
	keys := lockKeys(nil, email, phone)
	for pass := 1; ; pass++ {
		unlock, err := s.Locker.Lock(ctx, keys...)
		if err != nil {
			return nil, err
		}
		cluster, err := s.discover(ctx, email, phone)
		if err != nil {
			unlock()
			return nil, err
		}
		need := lockKeys(cluster, email, phone)
		if covers(keys, need) {
			return unlock, nil
		}
		if pass == maxLockPasses {
			log.Ctx(ctx).Debug().Int("keys", len(need)).Msg("cluster grew while locking, proceeding with partial lock")
			return unlock, nil
		}
		unlock()
		keys = need
	}
}

// lockKeys returns the sorted lock keys for the request facts and every
// contact in cluster.
func lockKeys(cluster []domain.Contact, email, phone string) []string {
	seen := make(map[string]struct{}, 2*len(cluster)+2)
	add := func(email, phone string) {
		if email != "" {
			seen[keylock.EmailKey(email)] = struct{}{}
		}
		if phone != "" {
			seen[keylock.PhoneKey(phone)] = struct{}{}
		}
	}
	add(email, phone)
	for i := range cluster {
		add(cluster[i].EmailValue(), cluster[i].PhoneValue())
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// covers reports whether every key in need is in held.
func covers(held, need []string) bool {
	set := make(map[string]struct{}, len(held))
	for _, k := range held {
		set[k] = struct{}{}
	}
	for _, k := range need {
		if _, ok := set[k]; !ok {
			return false
		}
	}
	return true
}

// View returns the consolidated identity of the cluster containing contact
// id without mutating the store.
func (s *IdentityService) View(ctx context.Context, id int64) (*Identity, error) {
	tr := otel.Tracer("services/IdentityService")
	ctx, span := tr.Start(ctx, "View", trace.WithAttributes(attribute.Int64("contact.id", id)))
	defer span.End()

	c, err := s.Repo.FindByID(ctx, s.DB, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrContactNotFound
		}
		return nil, err
	}
	root := c
	if c.LinkedID != nil {
		p, err := s.Repo.FindByID(ctx, s.DB, *c.LinkedID)
		switch {
		case err == nil:
			root = p
		case !errors.Is(err, repo.ErrNotFound):
			return nil, err
		}
	}

	cluster, err := s.discover(ctx, root.EmailValue(), root.PhoneValue())
	if err != nil {
		return nil, err
	}
	if len(cluster) == 0 {
		// The contact carries no identifying value; it is its own cluster.
		cluster = []domain.Contact{*root}
	}
	return assemble(seniorOf(cluster), cluster), nil
}

// reconcile runs one attempt of the pipeline. It returns repo.ErrDuplicate
// unchanged so Identify can retry.
func (s *IdentityService) reconcile(ctx context.Context, email, phone string) (*Identity, string, error) {
	cluster, primary, err := s.settle(ctx, email, phone)
	if err != nil {
		return nil, "", err
	}

	if len(cluster) == 0 {
		c, err := s.Repo.InsertContact(ctx, s.DB, optional(email), optional(phone), nil, domain.PrecedencePrimary)
		if err != nil {
			return nil, "", err
		}
		clusterSize.Observe(1)
		return assemble(c, []domain.Contact{*c}), outcomeCreated, nil
	}

	if err := verify(cluster, primary); err != nil {
		log.Ctx(ctx).Error().Err(err).
			Int64("primary_id", primary.ID).
			Ints64("cluster_ids", idsOf(cluster)).
			Msg("inconsistent identity cluster")
		return nil, "", err
	}

	outcome := outcomeMatched
	inserted, err := s.insertIfNovel(ctx, cluster, primary, email, phone)
	if err != nil {
		return nil, "", err
	}
	if inserted != nil {
		outcome = outcomeLinked
		if cluster, err = s.discover(ctx, email, phone); err != nil {
			return nil, "", err
		}
	}

	// primary may be stale after the final discovery; use the fresh row.
	fresh := primary
	for i := range cluster {
		if cluster[i].ID == primary.ID {
			fresh = &cluster[i]
			break
		}
	}
	clusterSize.Observe(float64(len(cluster)))
	return assemble(fresh, cluster), outcome, nil
}

// settle alternates discovery and resolution until a resolution pass writes
// nothing, returning the stable cluster and its primary. An empty cluster is
// returned as (nil, nil, nil).
func (s *IdentityService) settle(ctx context.Context, email, phone string) ([]domain.Contact, *domain.Contact, error) {
	for pass := 0; pass < maxResolvePasses; pass++ {
		cluster, err := s.discover(ctx, email, phone)
		if err != nil {
			return nil, nil, err
		}
		if len(cluster) == 0 {
			return nil, nil, nil
		}
		primary, writes, err := s.resolve(ctx, cluster)
		if err != nil {
			return nil, nil, err
		}
		if writes == 0 {
			return cluster, primary, nil
		}
	}
	log.Ctx(ctx).Error().Int("passes", maxResolvePasses).Msg("identity cluster did not converge")
	return nil, nil, fmt.Errorf("%w: cluster did not converge after %d passes", ErrInvariantViolation, maxResolvePasses)
}

// discover walks the contact graph breadth-first from every contact matching
// email or phone. Contacts are adjacent when they share an email, share a
// phone, or one links to the other. The result is in visit order.
func (s *IdentityService) discover(ctx context.Context, email, phone string) ([]domain.Contact, error) {
	tr := otel.Tracer("services/IdentityService")
	ctx, span := tr.Start(ctx, "discover")
	defer span.End()

	if email == "" && phone == "" {
		return nil, nil
	}

	queries := 0
	spend := func() error {
		queries++
		if s.MaxDiscoveryQueries > 0 && queries > s.MaxDiscoveryQueries {
			return fmt.Errorf("%w: more than %d queries", ErrClusterTooLarge, s.MaxDiscoveryQueries)
		}
		return nil
	}

	if err := spend(); err != nil {
		return nil, err
	}
	queue, err := s.Repo.FindMatching(ctx, s.DB, email, phone)
	if err != nil {
		return nil, err
	}

	seen := make(map[int64]struct{}, len(queue))
	for _, c := range queue {
		seen[c.ID] = struct{}{}
	}
	enqueue := func(c domain.Contact) {
		if _, ok := seen[c.ID]; ok {
			return
		}
		seen[c.ID] = struct{}{}
		queue = append(queue, c)
	}

	var out []domain.Contact
	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]

		out = append(out, c)
		if s.MaxClusterSize > 0 && len(out) > s.MaxClusterSize {
			return nil, fmt.Errorf("%w: more than %d contacts", ErrClusterTooLarge, s.MaxClusterSize)
		}

		if err := spend(); err != nil {
			return nil, err
		}
		related, err := s.Repo.FindRelated(ctx, s.DB, c.ID, c.EmailValue(), c.PhoneValue())
		if err != nil {
			return nil, err
		}
		for _, r := range related {
			enqueue(r)
		}

		if c.LinkedID == nil {
			continue
		}
		if _, ok := seen[*c.LinkedID]; ok {
			continue
		}
		if err := spend(); err != nil {
			return nil, err
		}
		parent, err := s.Repo.FindByID(ctx, s.DB, *c.LinkedID)
		if errors.Is(err, repo.ErrNotFound) {
			log.Ctx(ctx).Warn().Int64("contact_id", c.ID).Int64("linked_id", *c.LinkedID).Msg("contact links to a missing parent")
			continue
		}
		if err != nil {
			return nil, err
		}
		enqueue(*parent)
	}

	span.SetAttributes(
		attribute.Int("cluster.size", len(out)),
		attribute.Int("cluster.queries", queries),
	)
	return out, nil
}

// resolve collapses the cluster onto its oldest member. Every other member
// that is a primary, or a secondary not pointing at the survivor, is
// repointed at the survivor. It returns the survivor and the number of
// writes performed; a consistent cluster needs none.
func (s *IdentityService) resolve(ctx context.Context, cluster []domain.Contact) (*domain.Contact, int, error) {
	tr := otel.Tracer("services/IdentityService")
	ctx, span := tr.Start(ctx, "resolve", trace.WithAttributes(attribute.Int("cluster.size", len(cluster))))
	defer span.End()

	survivor := seniorOf(cluster)
	writes := 0

	// A secondary can only be older than its parent if the store was edited
	// behind our back. Refuse to touch such a cluster.
	if !survivor.IsPrimary() && linksInto(survivor, cluster) {
		log.Ctx(ctx).Error().
			Int64("contact_id", survivor.ID).
			Ints64("cluster_ids", idsOf(cluster)).
			Msg("oldest contact is a secondary of a younger one")
		return nil, 0, fmt.Errorf("%w: oldest contact %d is a secondary", ErrInvariantViolation, survivor.ID)
	}

	// A survivor that is a secondary of a contact outside the cluster lost
	// its parent (soft-deleted). It takes over as primary.
	if !survivor.IsPrimary() {
		if err := s.Repo.UpdateLink(ctx, s.DB, survivor.ID, nil, domain.PrecedencePrimary); err != nil {
			return nil, 0, err
		}
		survivor.LinkedID, survivor.LinkPrecedence = nil, domain.PrecedencePrimary
		writes++
	}

	primaryID := survivor.ID
	for i := range cluster {
		c := &cluster[i]
		if c.ID == primaryID {
			continue
		}
		if !c.IsPrimary() && c.LinkedID != nil && *c.LinkedID == primaryID {
			continue
		}
		if err := s.Repo.UpdateLink(ctx, s.DB, c.ID, &primaryID, domain.PrecedenceSecondary); err != nil {
			return nil, writes, err
		}
		if c.IsPrimary() {
			demotionsTotal.Inc()
			log.Ctx(ctx).Info().Int64("contact_id", c.ID).Int64("primary_id", primaryID).Msg("demoted primary contact")
		}
		c.LinkedID, c.LinkPrecedence = &primaryID, domain.PrecedenceSecondary
		writes++
	}

	span.SetAttributes(attribute.Int("resolve.writes", writes))
	return survivor, writes, nil
}

// insertIfNovel inserts one secondary under primary when the request carries
// an email or phone the cluster has not seen. The new row stores both request
// fields. It returns nil when nothing was new.
func (s *IdentityService) insertIfNovel(ctx context.Context, cluster []domain.Contact, primary *domain.Contact, email, phone string) (*domain.Contact, error) {
	emails := make(map[string]struct{}, len(cluster))
	phones := make(map[string]struct{}, len(cluster))
	for i := range cluster {
		if v := cluster[i].EmailValue(); v != "" {
			emails[v] = struct{}{}
		}
		if v := cluster[i].PhoneValue(); v != "" {
			phones[v] = struct{}{}
		}
	}

	_, knownEmail := emails[email]
	_, knownPhone := phones[phone]
	if (email == "" || knownEmail) && (phone == "" || knownPhone) {
		return nil, nil
	}

	parent := primary.ID
	return s.Repo.InsertContact(ctx, s.DB, optional(email), optional(phone), &parent, domain.PrecedenceSecondary)
}

// verify checks the shape resolution must leave behind: the oldest member is
// the only primary and every other member links directly to it.
func verify(cluster []domain.Contact, primary *domain.Contact) error {
	if senior := seniorOf(cluster); senior.ID != primary.ID {
		return fmt.Errorf("%w: contact %d is older than primary %d", ErrInvariantViolation, senior.ID, primary.ID)
	}
	for i := range cluster {
		c := &cluster[i]
		if c.ID == primary.ID {
			if !c.IsPrimary() || c.LinkedID != nil {
				return fmt.Errorf("%w: primary %d is marked %s", ErrInvariantViolation, c.ID, c.LinkPrecedence)
			}
			continue
		}
		if c.IsPrimary() {
			return fmt.Errorf("%w: cluster has a second primary %d", ErrInvariantViolation, c.ID)
		}
		if c.LinkedID == nil || *c.LinkedID != primary.ID {
			return fmt.Errorf("%w: secondary %d does not link to primary %d", ErrInvariantViolation, c.ID, primary.ID)
		}
	}
	return nil
}

// assemble builds the consolidated view. Emails and phones start with the
// primary's own values and continue in visit order without duplicates.
func assemble(primary *domain.Contact, cluster []domain.Contact) *Identity {
	out := &Identity{
		PrimaryContactID:    primary.ID,
		Emails:              []string{},
		PhoneNumbers:        []string{},
		SecondaryContactIDs: []int64{},
	}
	seenEmail := map[string]struct{}{}
	seenPhone := map[string]struct{}{}
	add := func(list *[]string, seen map[string]struct{}, v string) {
		if v == "" {
			return
		}
		if _, ok := seen[v]; ok {
			return
		}
		seen[v] = struct{}{}
		*list = append(*list, v)
	}

	add(&out.Emails, seenEmail, primary.EmailValue())
	add(&out.PhoneNumbers, seenPhone, primary.PhoneValue())
	for i := range cluster {
		c := &cluster[i]
		add(&out.Emails, seenEmail, c.EmailValue())
		add(&out.PhoneNumbers, seenPhone, c.PhoneValue())
		if c.ID != primary.ID {
			out.SecondaryContactIDs = append(out.SecondaryContactIDs, c.ID)
		}
	}
	out.Version = version(primary, cluster)
	return out
}

// version fingerprints cluster membership and the latest mutation time.
func version(primary *domain.Contact, cluster []domain.Contact) string {
	latest := primary.UpdatedAt
	var b strings.Builder
	b.WriteString(strconv.FormatInt(primary.ID, 36))
	for i := range cluster {
		if cluster[i].UpdatedAt.After(latest) {
			latest = cluster[i].UpdatedAt
		}
		if cluster[i].ID != primary.ID {
			b.WriteByte('.')
			b.WriteString(strconv.FormatInt(cluster[i].ID, 36))
		}
	}
	b.WriteByte('-')
	b.WriteString(strconv.FormatInt(latest.UTC().UnixNano(), 36))
	return b.String()
}

// seniorOf returns the oldest member. cluster must not be empty.
func seniorOf(cluster []domain.Contact) *domain.Contact {
	senior := &cluster[0]
	for i := 1; i < len(cluster); i++ {
		if cluster[i].Older(senior) {
			senior = &cluster[i]
		}
	}
	return senior
}

func linksInto(c *domain.Contact, cluster []domain.Contact) bool {
	if c.LinkedID == nil {
		return false
	}
	for i := range cluster {
		if cluster[i].ID == *c.LinkedID {
			return true
		}
	}
	return false
}

func idsOf(cluster []domain.Contact) []int64 {
	out := make([]int64, len(cluster))
	for i := range cluster {
		out[i] = cluster[i].ID
	}
	return out
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
