package observability

import (
	"log"
	"sync"
)

// EntitlementObserver funnels entitlement decisions and billing transitions
// into one log stream with basic alerting on repeated denials and orphaned
// billing events.
type EntitlementObserver struct {
	logger *log.Logger

	mu         sync.Mutex
	denyCounts map[string]int64
	warned80   map[string]bool
}

func NewEntitlementObserver(logger *log.Logger) *EntitlementObserver {
	if logger == nil {
		logger = log.Default()
	}
	return &EntitlementObserver{
		logger:     logger,
		denyCounts: make(map[string]int64),
		warned80:   make(map[string]bool),
	}
}

func (o *EntitlementObserver) RecordAllow(userID string, reason string, used, limit int) {
	if o == nil {
		return
	}
	utilization := 0.0
	if limit > 0 {
		utilization = float64(used) / float64(limit)
	}
	o.logger.Printf("entitlements allow user_id=%s reason=%s used=%d limit=%d utilization=%.4f", userID, reason, used, limit, utilization)

	if utilization >= 0.8 {
		o.mu.Lock()
		alreadyWarned := o.warned80[userID]
		if !alreadyWarned {
			o.warned80[userID] = true
		}
		o.mu.Unlock()
		if !alreadyWarned {
			o.logger.Printf("entitlements warning user_id=%s threshold=0.80 used=%d limit=%d", userID, used, limit)
		}
	}
}

func (o *EntitlementObserver) RecordDeny(userID string, reason string) {
	if o == nil {
		return
	}
	o.mu.Lock()
	o.denyCounts[userID]++
	count := o.denyCounts[userID]
	o.mu.Unlock()

	o.logger.Printf("entitlements deny user_id=%s reason=%s count=%d", userID, reason, count)

	// Basic alert hook for repeated spikes in deny events.
	if count%10 == 0 {
		o.logger.Printf("entitlements alert user_id=%s reason=%s repeated_deny_count=%d", userID, reason, count)
	}
}

func (o *EntitlementObserver) RecordTransition(userID, kind, outcome string) {
	if o == nil {
		return
	}
	o.logger.Printf("billing transition user_id=%s kind=%s outcome=%s", userID, kind, outcome)
}

// RecordOrphan flags a billing event referencing a customer the store does
// not know. The billing system and the entitlement store are out of sync;
// this is an operational alert, not a user-facing error.
func (o *EntitlementObserver) RecordOrphan(customerRef, kind string) {
	if o == nil {
		return
	}
	o.logger.Printf("billing alert orphan_event customer=%s kind=%s", customerRef, kind)
}

func (o *EntitlementObserver) RecordUnrecognized(eventType string) {
	if o == nil {
		return
	}
	o.logger.Printf("billing unrecognized event_type=%s acked", eventType)
}

// RecordUsageWriteFailure marks a metered action that happened but whose
// count write failed. The counter will drift until the next successful write.
func (o *EntitlementObserver) RecordUsageWriteFailure(userID string, err error) {
	if o == nil {
		return
	}
	o.logger.Printf("entitlements critical usage_write_failed user_id=%s err=%v", userID, err)
}
