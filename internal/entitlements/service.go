package entitlements

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"curio/internal/config"
	"curio/internal/observability"
	"curio/internal/store"
)

var (
	ErrInvalidCode         = errors.New("invalid promo code")
	ErrCodeAlreadyRedeemed = errors.New("promo code already redeemed for this account")
	ErrAlreadyEntitled     = errors.New("account is already entitled")
)

// QuotaDecision is the feature-gate answer for one metered capability.
// Unlimited principals report Remaining=-1.
type QuotaDecision struct {
	Allowed   bool
	Remaining int
	Unlimited bool
}

type UsageResult struct {
	NewCount     int
	LimitReached bool
}

// Snapshot is the UI-facing view of one principal's entitlement state.
type Snapshot struct {
	Tier       string
	Status     string
	Entitled   bool
	UsageCount int
	Remaining  int
	Unlimited  bool
	CancelAt   sql.NullTime
	RenewsAt   sql.NullTime
}

type RecordStore interface {
	GetEntitlement(ctx context.Context, userID string) (store.EntitlementRecord, error)
	EnsureEntitlement(ctx context.Context, userID string) (store.EntitlementRecord, error)
	IncrementUsage(ctx context.Context, userID string, now time.Time) (int, error)
	SetOverride(ctx context.Context, userID, code string, at time.Time) (bool, error)
}

// Service is the single source of truth for "is this principal entitled
// right now": stored state combined with the admin allow-list and promo
// override rules. Every feature gate consults it synchronously.
type Service struct {
	Config   config.Config
	Store    RecordStore
	Cache    *RecordCache
	Observer *observability.EntitlementObserver
	Now      func() time.Time

	// OnChange fires after redemption and usage writes, mirroring the
	// reconciler's hook, so watchers see non-billing changes too.
	OnChange func(ctx context.Context, userID string)

	adminEmails map[string]struct{}
	promoCodes  map[string]struct{}
}

func NewService(cfg config.Config, st RecordStore, observer *observability.EntitlementObserver) *Service {
	adminEmails := make(map[string]struct{}, len(cfg.Entitlements.AdminEmails))
	for _, email := range cfg.Entitlements.AdminEmails {
		adminEmails[normalizeKey(email)] = struct{}{}
	}
	promoCodes := make(map[string]struct{}, len(cfg.Entitlements.PromoCodes))
	for _, code := range cfg.Entitlements.PromoCodes {
		promoCodes[normalizeKey(code)] = struct{}{}
	}
	return &Service{
		Config:      cfg,
		Store:       st,
		Cache:       NewRecordCache(cfg.Entitlements.CacheSize, cfg.Entitlements.CacheTTL),
		Observer:    observer,
		Now:         func() time.Time { return time.Now().UTC() },
		adminEmails: adminEmails,
		promoCodes:  promoCodes,
	}
}

// IsEntitled reports whether the principal holds the paid capability right
// now. The admin allow-list is checked first and needs no store round trip.
// Missing rows and store failures degrade to false; feature gating must
// never crash a page render.
func (s *Service) IsEntitled(ctx context.Context, userID, email string) bool {
	if s.isAdmin(email) {
		return true
	}
	if userID == "" {
		return false
	}
	rec, err := s.record(ctx, userID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.Observer.RecordDeny(userID, "entitlement_read_failed")
		}
		return false
	}
	return entitled(rec)
}

// CheckQuota gates a metered action. A stored anchor from an earlier
// calendar month makes the count logically zero without writing the reset;
// the reset is persisted on the next RecordUsage instead, so reads stay
// read-only.
func (s *Service) CheckQuota(ctx context.Context, userID, email string) (QuotaDecision, error) {
	if s.isAdmin(email) {
		return QuotaDecision{Allowed: true, Remaining: -1, Unlimited: true}, nil
	}
	rec, err := s.record(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			rec, err = s.Store.EnsureEntitlement(ctx, userID)
		}
		if err != nil {
			return QuotaDecision{}, err
		}
	}
	if entitled(rec) {
		return QuotaDecision{Allowed: true, Remaining: -1, Unlimited: true}, nil
	}

	limit := s.limit()
	count := s.effectiveCount(rec)
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	decision := QuotaDecision{Allowed: count < limit, Remaining: remaining}
	if !decision.Allowed {
		s.Observer.RecordDeny(userID, "quota_exceeded")
	}
	return decision, nil
}

// RecordUsage counts one metered action after the fact. The action has
// already happened by the time this runs, so a failed write never undoes it:
// the failure is logged as a consistency warning and the best-known count is
// returned.
func (s *Service) RecordUsage(ctx context.Context, userID string) UsageResult {
	now := s.Now()
	limit := s.limit()

	newCount, err := s.Store.IncrementUsage(ctx, userID, now)
	if err != nil && errors.Is(err, sql.ErrNoRows) {
		if _, ensureErr := s.Store.EnsureEntitlement(ctx, userID); ensureErr == nil {
			newCount, err = s.Store.IncrementUsage(ctx, userID, now)
		}
	}
	if err != nil {
		s.Observer.RecordUsageWriteFailure(userID, err)
		best := 1
		if rec, recErr := s.record(ctx, userID); recErr == nil {
			best = s.effectiveCount(rec) + 1
		}
		return UsageResult{NewCount: best, LimitReached: best >= limit}
	}

	s.Cache.Invalidate(userID)
	if s.OnChange != nil {
		s.OnChange(ctx, userID)
	}
	s.Observer.RecordAllow(userID, "usage_recorded", newCount, limit)
	return UsageResult{NewCount: newCount, LimitReached: newCount >= limit}
}

// Redeem grants permanent entitlement for a promotional code. One redemption
// per account for life; the store-level guard makes a concurrent double
// redemption lose cleanly.
func (s *Service) Redeem(ctx context.Context, userID, code string) error {
	normalized := normalizeKey(code)
	if _, ok := s.promoCodes[normalized]; !ok {
		return ErrInvalidCode
	}

	rec, err := s.Store.GetEntitlement(ctx, userID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		rec, err = s.Store.EnsureEntitlement(ctx, userID)
		if err != nil {
			return err
		}
	}

	// Order matters: a principal whose pro status came from a prior
	// redemption lands on the already-redeemed answer, not already-entitled,
	// which keeps a retried redemption flow distinguishable.
	if rec.OverrideCode.Valid {
		return ErrCodeAlreadyRedeemed
	}
	if rec.Tier == store.TierPro && rec.Status == store.StatusActive {
		return ErrAlreadyEntitled
	}

	applied, err := s.Store.SetOverride(ctx, userID, normalized, s.Now())
	if err != nil {
		return err
	}
	if !applied {
		return ErrCodeAlreadyRedeemed
	}

	s.Cache.Invalidate(userID)
	if s.OnChange != nil {
		s.OnChange(ctx, userID)
	}
	s.Observer.RecordAllow(userID, "promo_redeemed", 0, 0)
	return nil
}

// Snapshot assembles the UI status view in one read.
func (s *Service) Snapshot(ctx context.Context, userID, email string) (Snapshot, error) {
	rec, err := s.record(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			rec, err = s.Store.EnsureEntitlement(ctx, userID)
		}
		if err != nil {
			return Snapshot{}, err
		}
	}

	snap := Snapshot{
		Tier:     rec.Tier,
		Status:   rec.Status,
		Entitled: entitled(rec) || s.isAdmin(email),
	}
	if rec.CancelAtPeriodEnd {
		snap.CancelAt = rec.ExpiresAt
	} else if rec.Status == store.StatusActive {
		snap.RenewsAt = rec.ExpiresAt
	}
	if snap.Entitled {
		snap.Unlimited = true
		snap.Remaining = -1
		snap.UsageCount = rec.MeteredUsageCount
		return snap, nil
	}

	limit := s.limit()
	count := s.effectiveCount(rec)
	snap.UsageCount = count
	snap.Remaining = limit - count
	if snap.Remaining < 0 {
		snap.Remaining = 0
	}
	return snap, nil
}

// Invalidate drops the cached record; wired as the reconciler's change hook.
func (s *Service) Invalidate(userID string) {
	s.Cache.Invalidate(userID)
}

func (s *Service) record(ctx context.Context, userID string) (store.EntitlementRecord, error) {
	if rec, ok := s.Cache.Get(userID); ok {
		return rec, nil
	}
	rec, err := s.Store.GetEntitlement(ctx, userID)
	if err != nil {
		return rec, err
	}
	s.Cache.Put(rec)
	return rec, nil
}

// effectiveCount treats a count anchored in an earlier calendar month as
// zero without writing anything.
func (s *Service) effectiveCount(rec store.EntitlementRecord) int {
	if monthRolled(rec.UsagePeriodAnchor, s.Now()) {
		return 0
	}
	return rec.MeteredUsageCount
}

func (s *Service) limit() int {
	if s.Config.Entitlements.FreeMonthlyLimit > 0 {
		return s.Config.Entitlements.FreeMonthlyLimit
	}
	return 3
}

func (s *Service) isAdmin(email string) bool {
	if email == "" {
		return false
	}
	_, ok := s.adminEmails[normalizeKey(email)]
	return ok
}

func entitled(rec store.EntitlementRecord) bool {
	return rec.Tier == store.TierPro && rec.Status == store.StatusActive
}

func monthRolled(anchor, now time.Time) bool {
	ay, am, _ := anchor.UTC().Date()
	ny, nm, _ := now.UTC().Date()
	return ay != ny || am != nm
}

func normalizeKey(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
