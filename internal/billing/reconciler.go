package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"curio/internal/observability"
	"curio/internal/store"
)

// EntitlementStore is the slice of the durable store the engine writes.
// All writes are single-row, field-level updates scoped by user id.
type EntitlementStore interface {
	GetEntitlement(ctx context.Context, userID string) (store.EntitlementRecord, error)
	FindUserByBillingCustomerID(ctx context.Context, customerID string) (string, error)
	FindUserByBillingSubscriptionID(ctx context.Context, subscriptionID string) (string, error)
	ActivateSubscription(ctx context.Context, userID, customerID, subscriptionID string, expiresAt sql.NullTime) error
	SyncBillingState(ctx context.Context, userID, tier, status string, expiresAt sql.NullTime, cancelAtPeriodEnd bool) error
	DeactivateSubscription(ctx context.Context, userID string) error
	MarkDelinquent(ctx context.Context, userID string) error
	SetCancelAtPeriodEnd(ctx context.Context, userID string, flag bool) error
}

type SubscriptionProvider interface {
	GetSubscription(ctx context.Context, subscriptionID string) (Subscription, error)
	SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, flag bool) (Subscription, error)
}

// Reconciler is the single authoritative writer of billing-derived fields.
// It is safe under reordered, at-least-once delivery of the transition set:
// every write is an absolute state the provider resent, never a delta.
type Reconciler struct {
	Store    EntitlementStore
	Provider SubscriptionProvider
	Observer *observability.EntitlementObserver
	Now      func() time.Time

	// OnChange fires after every durable write so caches can invalidate and
	// the push channel can notify watchers.
	OnChange func(ctx context.Context, userID string)
}

func NewReconciler(st EntitlementStore, provider SubscriptionProvider, observer *observability.EntitlementObserver) *Reconciler {
	return &Reconciler{
		Store:    st,
		Provider: provider,
		Observer: observer,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

func (r *Reconciler) Apply(ctx context.Context, t Transition) (Outcome, error) {
	if t.Kind == TransitionUnrecognized {
		return OutcomeAlreadyApplied, nil
	}

	userID, err := r.resolveUser(ctx, t)
	if err != nil {
		return 0, err
	}
	rec, err := r.Store.GetEntitlement(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			r.Observer.RecordOrphan(t.CustomerID, t.Kind.String())
			return 0, fmt.Errorf("%w: user %s", ErrPrincipalNotFound, userID)
		}
		return 0, err
	}

	var outcome Outcome
	switch t.Kind {
	case TransitionActivate:
		outcome, err = r.applyActivate(ctx, userID, t)
	case TransitionSync:
		outcome, err = r.applySync(ctx, userID, rec, t)
	case TransitionDeactivate:
		outcome, err = r.applyDeactivate(ctx, userID, rec)
	case TransitionMarkDelinquent:
		outcome, err = r.applyMarkDelinquent(ctx, userID, rec)
	default:
		return OutcomeAlreadyApplied, nil
	}
	if err != nil {
		return 0, err
	}

	r.Observer.RecordTransition(userID, t.Kind.String(), outcome.String())
	r.notifyChange(ctx, userID)
	return outcome, nil
}

func (r *Reconciler) applyActivate(ctx context.Context, userID string, t Transition) (Outcome, error) {
	expiresAt := t.ExpiresAt
	if !expiresAt.Valid && r.Provider != nil && t.SubscriptionID != "" {
		sub, err := r.Provider.GetSubscription(ctx, t.SubscriptionID)
		if err != nil {
			return 0, fmt.Errorf("retrieve subscription %s: %w", t.SubscriptionID, err)
		}
		if end, ok := sub.PeriodEnd(); ok {
			expiresAt = sql.NullTime{Time: end, Valid: true}
		}
	}
	if err := r.Store.ActivateSubscription(ctx, userID, t.CustomerID, t.SubscriptionID, expiresAt); err != nil {
		return 0, err
	}
	return OutcomeApplied, nil
}

func (r *Reconciler) applySync(ctx context.Context, userID string, rec store.EntitlementRecord, t Transition) (Outcome, error) {
	status := normalizeStatus(t.Status)
	// Scheduled cancellation is not the same as ended: the provider reports
	// the subscription as going away, but access persists until period end.
	if status == store.StatusCanceled && t.CancelAtPeriodEnd {
		status = store.StatusActive
	}
	if status == store.StatusCanceled {
		return r.applyDeactivate(ctx, userID, rec)
	}

	tier := tierForStatus(status, rec.Tier)
	expiresAt := t.ExpiresAt
	if !expiresAt.Valid {
		expiresAt = rec.ExpiresAt
	}

	if rec.Status == status && rec.Tier == tier &&
		rec.CancelAtPeriodEnd == t.CancelAtPeriodEnd && nullTimeEqual(rec.ExpiresAt, expiresAt) {
		return OutcomeAlreadyApplied, nil
	}

	// A sync that flips the cancel flag may be racing a user-triggered
	// cancel/reactivate. Re-read the provider's own record first; when the
	// provider has already moved past this change, only the local flag is
	// synchronized.
	if r.Provider != nil && t.SubscriptionID != "" && t.CancelAtPeriodEnd != rec.CancelAtPeriodEnd {
		sub, err := r.Provider.GetSubscription(ctx, t.SubscriptionID)
		if err != nil {
			return 0, fmt.Errorf("re-read subscription %s: %w", t.SubscriptionID, err)
		}
		if sub.CancelAtPeriodEnd != t.CancelAtPeriodEnd {
			if err := r.Store.SetCancelAtPeriodEnd(ctx, userID, sub.CancelAtPeriodEnd); err != nil {
				return 0, err
			}
			return OutcomeAlreadyApplied, nil
		}
	}

	if err := r.Store.SyncBillingState(ctx, userID, tier, status, expiresAt, t.CancelAtPeriodEnd); err != nil {
		return 0, err
	}
	return OutcomeApplied, nil
}

func (r *Reconciler) applyDeactivate(ctx context.Context, userID string, rec store.EntitlementRecord) (Outcome, error) {
	if rec.Status == store.StatusCanceled && !rec.BillingSubscriptionID.Valid && !rec.CancelAtPeriodEnd {
		return OutcomeAlreadyApplied, nil
	}
	if err := r.Store.DeactivateSubscription(ctx, userID); err != nil {
		return 0, err
	}
	return OutcomeApplied, nil
}

func (r *Reconciler) applyMarkDelinquent(ctx context.Context, userID string, rec store.EntitlementRecord) (Outcome, error) {
	if rec.Status == store.StatusPastDue {
		return OutcomeAlreadyApplied, nil
	}
	if err := r.Store.MarkDelinquent(ctx, userID); err != nil {
		return 0, err
	}
	return OutcomeApplied, nil
}

// Cancel schedules a cancellation at period end for the user's subscription.
// The provider is re-read first so a double-submitted cancel, or one racing
// its own webhook, short-circuits to AlreadyApplied instead of a second
// provider mutation.
func (r *Reconciler) Cancel(ctx context.Context, userID string) (Outcome, error) {
	return r.setCancelFlag(ctx, userID, true)
}

// Reactivate clears a scheduled cancellation before the period ends.
func (r *Reconciler) Reactivate(ctx context.Context, userID string) (Outcome, error) {
	return r.setCancelFlag(ctx, userID, false)
}

func (r *Reconciler) setCancelFlag(ctx context.Context, userID string, flag bool) (Outcome, error) {
	rec, err := r.Store.GetEntitlement(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("%w: user %s", ErrPrincipalNotFound, userID)
		}
		return 0, err
	}
	if !rec.BillingSubscriptionID.Valid || rec.BillingSubscriptionID.String == "" {
		return 0, ErrNoSubscription
	}
	subID := rec.BillingSubscriptionID.String

	sub, err := r.Provider.GetSubscription(ctx, subID)
	if err != nil {
		return 0, fmt.Errorf("retrieve subscription %s: %w", subID, err)
	}
	if sub.CancelAtPeriodEnd == flag {
		if rec.CancelAtPeriodEnd != flag {
			if err := r.Store.SetCancelAtPeriodEnd(ctx, userID, flag); err != nil {
				return 0, err
			}
			r.notifyChange(ctx, userID)
		}
		r.Observer.RecordTransition(userID, "cancel_flag", OutcomeAlreadyApplied.String())
		return OutcomeAlreadyApplied, nil
	}

	if _, err := r.Provider.SetCancelAtPeriodEnd(ctx, subID, flag); err != nil {
		return 0, fmt.Errorf("update subscription %s: %w", subID, err)
	}
	if err := r.Store.SetCancelAtPeriodEnd(ctx, userID, flag); err != nil {
		return 0, err
	}
	r.Observer.RecordTransition(userID, "cancel_flag", OutcomeApplied.String())
	r.notifyChange(ctx, userID)
	return OutcomeApplied, nil
}

func (r *Reconciler) resolveUser(ctx context.Context, t Transition) (string, error) {
	if hint := strings.TrimSpace(t.UserHint); hint != "" {
		return hint, nil
	}
	if t.SubscriptionID != "" {
		userID, err := r.Store.FindUserByBillingSubscriptionID(ctx, t.SubscriptionID)
		if err == nil {
			return userID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", err
		}
	}
	if t.CustomerID != "" {
		userID, err := r.Store.FindUserByBillingCustomerID(ctx, t.CustomerID)
		if err == nil {
			return userID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", err
		}
	}
	r.Observer.RecordOrphan(t.CustomerID, t.Kind.String())
	return "", fmt.Errorf("%w: customer %q subscription %q", ErrPrincipalNotFound, t.CustomerID, t.SubscriptionID)
}

func (r *Reconciler) notifyChange(ctx context.Context, userID string) {
	if r.OnChange != nil {
		r.OnChange(ctx, userID)
	}
}

func normalizeStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active", "trialing":
		return store.StatusActive
	case "past_due", "unpaid":
		return store.StatusPastDue
	case "canceled", "incomplete_expired":
		return store.StatusCanceled
	default:
		return store.StatusInactive
	}
}

// tierForStatus keeps the tier/status agreement: active means pro, canceled
// or inactive means free. past_due preserves the prior tier so a single
// failed payment does not revoke the plan outright.
func tierForStatus(status, currentTier string) string {
	switch status {
	case store.StatusActive:
		return store.TierPro
	case store.StatusPastDue:
		return currentTier
	default:
		return store.TierFree
	}
}

func nullTimeEqual(a, b sql.NullTime) bool {
	if a.Valid != b.Valid {
		return false
	}
	if !a.Valid {
		return true
	}
	return a.Time.Equal(b.Time)
}
