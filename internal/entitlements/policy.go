package entitlements

import (
	"errors"
	"time"

	"curio/internal/store"
)

var ErrSubscriptionInactive = errors.New("subscription inactive")

// ValidateAccess is the grace-aware access check for callers that choose to
// honor a delinquency window. IsEntitled stays strict (active only); this is
// the separate policy decision for continued access until period end.
func ValidateAccess(now time.Time, rec store.EntitlementRecord, graceDays int) error {
	if rec.OverrideCode.Valid {
		return nil
	}
	switch rec.Status {
	case store.StatusActive:
		return nil
	case store.StatusPastDue:
		if !rec.ExpiresAt.Valid {
			return ErrSubscriptionInactive
		}
		if graceDays <= 0 {
			graceDays = 1
		}
		graceUntil := rec.ExpiresAt.Time.Add(time.Duration(graceDays) * 24 * time.Hour)
		if !now.After(graceUntil) {
			return nil
		}
		return ErrSubscriptionInactive
	default:
		return ErrSubscriptionInactive
	}
}
