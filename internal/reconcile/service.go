package reconcile

import (
	"context"
	"log"
	"time"

	"curio/internal/store"
)

// Service audits entitlement rows for drift. It is report-only: usage
// resets are lazy by contract and billing fields belong to the
// reconciliation engine, so nothing here writes.
type Service struct {
	Store  *store.Store
	Logger *log.Logger
	Now    func() time.Time
}

type Report struct {
	RecordsScanned     int
	TierStatusConflict int
	DanglingBillingRef int
	StaleUsageAnchors  int
}

func NewService(st *store.Store, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		Store:  st,
		Logger: logger,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Run(ctx context.Context) (Report, error) {
	var report Report
	if s == nil || s.Store == nil {
		return report, nil
	}

	records, err := s.Store.ListEntitlements(ctx)
	if err != nil {
		return report, err
	}
	now := s.Now()

	for _, rec := range records {
		report.RecordsScanned++

		if conflict := tierStatusConflict(rec); conflict != "" {
			report.TierStatusConflict++
			s.Logger.Printf("reconcile conflict user_id=%s %s", rec.UserID, conflict)
		}
		if rec.Status == store.StatusCanceled && (rec.BillingSubscriptionID.Valid || rec.CancelAtPeriodEnd) {
			report.DanglingBillingRef++
			s.Logger.Printf("reconcile dangling_ref user_id=%s status=canceled subscription=%v cancel_flag=%v",
				rec.UserID, rec.BillingSubscriptionID.Valid, rec.CancelAtPeriodEnd)
		}
		if monthsApart(rec.UsagePeriodAnchor, now) >= 2 && rec.MeteredUsageCount > 0 {
			// Two months without a metered action; the lazy reset simply has
			// not run yet. Counted for visibility, not repaired.
			report.StaleUsageAnchors++
		}
	}
	return report, nil
}

func tierStatusConflict(rec store.EntitlementRecord) string {
	switch rec.Status {
	case store.StatusActive:
		if rec.Tier != store.TierPro {
			return "status=active tier=" + rec.Tier
		}
	case store.StatusCanceled, store.StatusInactive:
		if rec.Tier != store.TierFree {
			return "status=" + rec.Status + " tier=" + rec.Tier
		}
	}
	return ""
}

func monthsApart(a, b time.Time) int {
	ay, am, _ := a.UTC().Date()
	by, bm, _ := b.UTC().Date()
	months := (by-ay)*12 + int(bm) - int(am)
	if months < 0 {
		months = -months
	}
	return months
}
