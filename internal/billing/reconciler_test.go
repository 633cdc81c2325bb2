package billing

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"curio/internal/observability"
	"curio/internal/store"
)

type memStore struct {
	records map[string]store.EntitlementRecord

	syncCalls     int
	flagOnlyCalls int
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]store.EntitlementRecord)}
}

func (m *memStore) put(rec store.EntitlementRecord) {
	m.records[rec.UserID] = rec
}

func (m *memStore) GetEntitlement(_ context.Context, userID string) (store.EntitlementRecord, error) {
	rec, ok := m.records[userID]
	if !ok {
		return store.EntitlementRecord{}, sql.ErrNoRows
	}
	return rec, nil
}

func (m *memStore) FindUserByBillingCustomerID(_ context.Context, customerID string) (string, error) {
	for id, rec := range m.records {
		if rec.BillingCustomerID.Valid && rec.BillingCustomerID.String == customerID {
			return id, nil
		}
	}
	return "", sql.ErrNoRows
}

func (m *memStore) FindUserByBillingSubscriptionID(_ context.Context, subscriptionID string) (string, error) {
	for id, rec := range m.records {
		if rec.BillingSubscriptionID.Valid && rec.BillingSubscriptionID.String == subscriptionID {
			return id, nil
		}
	}
	return "", sql.ErrNoRows
}

func (m *memStore) ActivateSubscription(_ context.Context, userID, customerID, subscriptionID string, expiresAt sql.NullTime) error {
	rec := m.records[userID]
	rec.UserID = userID
	rec.Tier = store.TierPro
	rec.Status = store.StatusActive
	if customerID != "" {
		rec.BillingCustomerID = sql.NullString{String: customerID, Valid: true}
	}
	rec.BillingSubscriptionID = sql.NullString{String: subscriptionID, Valid: subscriptionID != ""}
	rec.ExpiresAt = expiresAt
	rec.CancelAtPeriodEnd = false
	m.records[userID] = rec
	return nil
}

func (m *memStore) SyncBillingState(_ context.Context, userID, tier, status string, expiresAt sql.NullTime, cancelAtPeriodEnd bool) error {
	m.syncCalls++
	rec := m.records[userID]
	rec.Tier = tier
	rec.Status = status
	rec.ExpiresAt = expiresAt
	rec.CancelAtPeriodEnd = cancelAtPeriodEnd
	m.records[userID] = rec
	return nil
}

func (m *memStore) DeactivateSubscription(_ context.Context, userID string) error {
	rec := m.records[userID]
	rec.Tier = store.TierFree
	rec.Status = store.StatusCanceled
	rec.BillingSubscriptionID = sql.NullString{}
	rec.CancelAtPeriodEnd = false
	m.records[userID] = rec
	return nil
}

func (m *memStore) MarkDelinquent(_ context.Context, userID string) error {
	rec := m.records[userID]
	rec.Status = store.StatusPastDue
	m.records[userID] = rec
	return nil
}

func (m *memStore) SetCancelAtPeriodEnd(_ context.Context, userID string, flag bool) error {
	m.flagOnlyCalls++
	rec := m.records[userID]
	rec.CancelAtPeriodEnd = flag
	m.records[userID] = rec
	return nil
}

type memProvider struct {
	subs      map[string]Subscription
	getCalls  int
	setCalls  int
	getErr    error
	lastSetTo bool
}

func (p *memProvider) GetSubscription(_ context.Context, subscriptionID string) (Subscription, error) {
	p.getCalls++
	if p.getErr != nil {
		return Subscription{}, p.getErr
	}
	sub, ok := p.subs[subscriptionID]
	if !ok {
		return Subscription{}, errors.New("no such subscription")
	}
	return sub, nil
}

func (p *memProvider) SetCancelAtPeriodEnd(_ context.Context, subscriptionID string, flag bool) (Subscription, error) {
	p.setCalls++
	p.lastSetTo = flag
	sub := p.subs[subscriptionID]
	sub.CancelAtPeriodEnd = flag
	p.subs[subscriptionID] = sub
	return sub, nil
}

func newTestReconciler(st *memStore, provider *memProvider) *Reconciler {
	r := NewReconciler(st, provider, observability.NewEntitlementObserver(nil))
	r.Now = func() time.Time { return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC) }
	return r
}

func freeRecord(userID string) store.EntitlementRecord {
	return store.EntitlementRecord{
		UserID:            userID,
		Tier:              store.TierFree,
		Status:            store.StatusInactive,
		UsagePeriodAnchor: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func proRecord(userID, customerID, subscriptionID string, expiresAt time.Time) store.EntitlementRecord {
	return store.EntitlementRecord{
		UserID:                userID,
		Tier:                  store.TierPro,
		Status:                store.StatusActive,
		BillingCustomerID:     sql.NullString{String: customerID, Valid: true},
		BillingSubscriptionID: sql.NullString{String: subscriptionID, Valid: true},
		ExpiresAt:             sql.NullTime{Time: expiresAt, Valid: true},
		UsagePeriodAnchor:     time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestActivateFetchesExpiryFromProvider(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	st.put(freeRecord("u1"))

	periodEnd := time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)
	provider := &memProvider{subs: map[string]Subscription{
		"sub_1": {ID: "sub_1", Customer: "cus_1", Status: "active", CurrentPeriodEnd: periodEnd.Unix()},
	}}
	r := newTestReconciler(st, provider)

	outcome, err := r.Apply(ctx, Transition{
		Kind:           TransitionActivate,
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
		UserHint:       "u1",
	})
	if err != nil {
		t.Fatalf("apply activate: %v", err)
	}
	if outcome != OutcomeApplied {
		t.Fatalf("expected applied, got %s", outcome)
	}
	if provider.getCalls != 1 {
		t.Fatalf("expected one provider fetch for missing expiry, got %d", provider.getCalls)
	}

	rec := st.records["u1"]
	if rec.Tier != store.TierPro || rec.Status != store.StatusActive {
		t.Fatalf("expected pro/active, got %s/%s", rec.Tier, rec.Status)
	}
	if !rec.ExpiresAt.Valid || !rec.ExpiresAt.Time.Equal(periodEnd) {
		t.Fatalf("expected expiry %s, got %+v", periodEnd, rec.ExpiresAt)
	}
	if !rec.BillingSubscriptionID.Valid || rec.BillingSubscriptionID.String != "sub_1" {
		t.Fatalf("expected subscription ref stored, got %+v", rec.BillingSubscriptionID)
	}
}

func TestSyncStatusMapping(t *testing.T) {
	expires := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name           string
		providerStatus string
		startTier      string
		startStatus    string
		wantTier       string
		wantStatus     string
	}{
		{"active maps to pro", "active", store.TierFree, store.StatusInactive, store.TierPro, store.StatusActive},
		{"trialing maps to active", "trialing", store.TierFree, store.StatusInactive, store.TierPro, store.StatusActive},
		{"past_due keeps pro tier", "past_due", store.TierPro, store.StatusActive, store.TierPro, store.StatusPastDue},
		{"unpaid keeps pro tier", "unpaid", store.TierPro, store.StatusActive, store.TierPro, store.StatusPastDue},
		{"unknown maps to free inactive", "paused", store.TierPro, store.StatusActive, store.TierFree, store.StatusInactive},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			st := newMemStore()
			rec := proRecord("u1", "cus_1", "sub_1", expires)
			rec.Tier = tc.startTier
			rec.Status = tc.startStatus
			st.put(rec)
			r := newTestReconciler(st, &memProvider{subs: map[string]Subscription{}})

			outcome, err := r.Apply(ctx, Transition{
				Kind:           TransitionSync,
				CustomerID:     "cus_1",
				SubscriptionID: "sub_1",
				Status:         tc.providerStatus,
				ExpiresAt:      sql.NullTime{Time: expires, Valid: true},
			})
			if err != nil {
				t.Fatalf("apply sync: %v", err)
			}
			if outcome != OutcomeApplied {
				t.Fatalf("expected applied, got %s", outcome)
			}
			got := st.records["u1"]
			if got.Tier != tc.wantTier || got.Status != tc.wantStatus {
				t.Fatalf("expected %s/%s, got %s/%s", tc.wantTier, tc.wantStatus, got.Tier, got.Status)
			}
		})
	}
}

func TestSyncCanceledWithCancelFlagStaysActive(t *testing.T) {
	ctx := context.Background()
	expires := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	st := newMemStore()
	st.put(proRecord("u1", "cus_1", "sub_1", expires))
	provider := &memProvider{subs: map[string]Subscription{
		"sub_1": {ID: "sub_1", Status: "canceled", CancelAtPeriodEnd: true},
	}}
	r := newTestReconciler(st, provider)

	outcome, err := r.Apply(ctx, Transition{
		Kind:              TransitionSync,
		SubscriptionID:    "sub_1",
		Status:            "canceled",
		ExpiresAt:         sql.NullTime{Time: expires, Valid: true},
		CancelAtPeriodEnd: true,
	})
	if err != nil {
		t.Fatalf("apply sync: %v", err)
	}
	if outcome != OutcomeApplied {
		t.Fatalf("expected applied, got %s", outcome)
	}

	rec := st.records["u1"]
	if rec.Tier != store.TierPro || rec.Status != store.StatusActive {
		t.Fatalf("scheduled cancellation must keep pro/active until period end, got %s/%s", rec.Tier, rec.Status)
	}
	if !rec.CancelAtPeriodEnd {
		t.Fatal("expected cancel flag set")
	}
}

func TestSyncCanceledWithoutFlagDeactivates(t *testing.T) {
	ctx := context.Background()
	expires := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	st := newMemStore()
	st.put(proRecord("u1", "cus_1", "sub_1", expires))
	r := newTestReconciler(st, &memProvider{subs: map[string]Subscription{}})

	outcome, err := r.Apply(ctx, Transition{
		Kind:           TransitionSync,
		SubscriptionID: "sub_1",
		Status:         "canceled",
	})
	if err != nil {
		t.Fatalf("apply sync: %v", err)
	}
	if outcome != OutcomeApplied {
		t.Fatalf("expected applied, got %s", outcome)
	}
	rec := st.records["u1"]
	if rec.Tier != store.TierFree || rec.Status != store.StatusCanceled {
		t.Fatalf("expected free/canceled, got %s/%s", rec.Tier, rec.Status)
	}
	if rec.BillingSubscriptionID.Valid {
		t.Fatal("expected subscription ref cleared")
	}
}

func TestSyncNoOpShortCircuits(t *testing.T) {
	ctx := context.Background()
	expires := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	st := newMemStore()
	st.put(proRecord("u1", "cus_1", "sub_1", expires))
	r := newTestReconciler(st, &memProvider{subs: map[string]Subscription{}})

	outcome, err := r.Apply(ctx, Transition{
		Kind:           TransitionSync,
		SubscriptionID: "sub_1",
		Status:         "active",
		ExpiresAt:      sql.NullTime{Time: expires, Valid: true},
	})
	if err != nil {
		t.Fatalf("apply sync: %v", err)
	}
	if outcome != OutcomeAlreadyApplied {
		t.Fatalf("expected already_applied, got %s", outcome)
	}
	if st.syncCalls != 0 {
		t.Fatalf("expected no store write for a no-op sync, got %d", st.syncCalls)
	}
}

func TestSyncStaleCancelFlagOnlySyncsFlag(t *testing.T) {
	// A webhook carrying cancel_at_period_end=true arrives after the user
	// already reactivated. The provider says the flag is false again, so only
	// the local flag is reconciled and the event counts as already applied.
	ctx := context.Background()
	expires := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	st := newMemStore()
	st.put(proRecord("u1", "cus_1", "sub_1", expires))
	provider := &memProvider{subs: map[string]Subscription{
		"sub_1": {ID: "sub_1", Status: "active", CancelAtPeriodEnd: false},
	}}
	r := newTestReconciler(st, provider)

	outcome, err := r.Apply(ctx, Transition{
		Kind:              TransitionSync,
		SubscriptionID:    "sub_1",
		Status:            "active",
		ExpiresAt:         sql.NullTime{Time: expires, Valid: true},
		CancelAtPeriodEnd: true,
	})
	if err != nil {
		t.Fatalf("apply sync: %v", err)
	}
	if outcome != OutcomeAlreadyApplied {
		t.Fatalf("expected already_applied, got %s", outcome)
	}
	if provider.getCalls != 1 {
		t.Fatalf("expected one provider re-read, got %d", provider.getCalls)
	}
	if st.syncCalls != 0 {
		t.Fatal("stale webhook must not rewrite billing state")
	}
	if st.records["u1"].CancelAtPeriodEnd {
		t.Fatal("expected local flag to follow the provider, not the stale event")
	}
}

func TestMarkDelinquentPreservesTierAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	expires := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	st := newMemStore()
	st.put(proRecord("u1", "cus_1", "sub_1", expires))
	r := newTestReconciler(st, &memProvider{subs: map[string]Subscription{}})

	transition := Transition{Kind: TransitionMarkDelinquent, CustomerID: "cus_1", SubscriptionID: "sub_1"}
	outcome, err := r.Apply(ctx, transition)
	if err != nil {
		t.Fatalf("apply mark delinquent: %v", err)
	}
	if outcome != OutcomeApplied {
		t.Fatalf("expected applied, got %s", outcome)
	}
	rec := st.records["u1"]
	if rec.Status != store.StatusPastDue {
		t.Fatalf("expected past_due, got %s", rec.Status)
	}
	if rec.Tier != store.TierPro {
		t.Fatalf("delinquency must not revoke the tier, got %s", rec.Tier)
	}

	outcome, err = r.Apply(ctx, transition)
	if err != nil {
		t.Fatalf("apply replay: %v", err)
	}
	if outcome != OutcomeAlreadyApplied {
		t.Fatalf("expected already_applied on replay, got %s", outcome)
	}
}

func TestDeactivateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	expires := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	st := newMemStore()
	st.put(proRecord("u1", "cus_1", "sub_1", expires))
	r := newTestReconciler(st, &memProvider{subs: map[string]Subscription{}})

	transition := Transition{Kind: TransitionDeactivate, CustomerID: "cus_1", SubscriptionID: "sub_1"}
	if outcome, err := r.Apply(ctx, transition); err != nil || outcome != OutcomeApplied {
		t.Fatalf("first deactivate: outcome=%v err=%v", outcome, err)
	}

	// The subscription ref is cleared, so the replay resolves by customer id.
	outcome, err := r.Apply(ctx, transition)
	if err != nil {
		t.Fatalf("replay deactivate: %v", err)
	}
	if outcome != OutcomeAlreadyApplied {
		t.Fatalf("expected already_applied on replay, got %s", outcome)
	}
}

func TestOutOfOrderDeliveryConverges(t *testing.T) {
	// The delete event lands before the update that preceded it on the
	// provider's side. After both, the final write still reflects the last
	// absolute state each event carried, never a resurrected subscription.
	ctx := context.Background()
	expires := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	st := newMemStore()
	st.put(proRecord("u1", "cus_1", "sub_1", expires))
	r := newTestReconciler(st, &memProvider{subs: map[string]Subscription{}})

	if _, err := r.Apply(ctx, Transition{Kind: TransitionDeactivate, CustomerID: "cus_1", SubscriptionID: "sub_1"}); err != nil {
		t.Fatalf("apply deactivate: %v", err)
	}
	if _, err := r.Apply(ctx, Transition{
		Kind:           TransitionSync,
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
		Status:         "canceled",
	}); err != nil {
		t.Fatalf("apply late sync: %v", err)
	}

	rec := st.records["u1"]
	if rec.Tier != store.TierFree || rec.Status != store.StatusCanceled {
		t.Fatalf("expected free/canceled after both orders, got %s/%s", rec.Tier, rec.Status)
	}
	if rec.BillingSubscriptionID.Valid || rec.CancelAtPeriodEnd {
		t.Fatal("expected billing refs cleared")
	}
}

func TestApplyUnknownPrincipalReportsOrphan(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	r := newTestReconciler(st, &memProvider{subs: map[string]Subscription{}})

	_, err := r.Apply(ctx, Transition{
		Kind:           TransitionSync,
		CustomerID:     "cus_ghost",
		SubscriptionID: "sub_ghost",
		Status:         "active",
	})
	if !errors.Is(err, ErrPrincipalNotFound) {
		t.Fatalf("expected ErrPrincipalNotFound, got %v", err)
	}
}

func TestResolveUserPrefersHintOverRefs(t *testing.T) {
	ctx := context.Background()
	expires := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	st := newMemStore()
	st.put(proRecord("other", "cus_1", "sub_1", expires))
	st.put(freeRecord("hinted"))
	r := newTestReconciler(st, &memProvider{subs: map[string]Subscription{}})

	if _, err := r.Apply(ctx, Transition{
		Kind:           TransitionActivate,
		CustomerID:     "cus_1",
		SubscriptionID: "sub_2",
		ExpiresAt:      sql.NullTime{Time: expires, Valid: true},
		UserHint:       "hinted",
	}); err != nil {
		t.Fatalf("apply activate: %v", err)
	}
	if st.records["hinted"].Tier != store.TierPro {
		t.Fatal("expected the hinted principal to be activated")
	}
	if st.records["other"].BillingSubscriptionID.String != "sub_1" {
		t.Fatal("expected the ref-matched principal untouched")
	}
}

func TestCancelShortCircuitsWhenProviderAlreadyCanceled(t *testing.T) {
	ctx := context.Background()
	expires := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	st := newMemStore()
	st.put(proRecord("u1", "cus_1", "sub_1", expires))
	provider := &memProvider{subs: map[string]Subscription{
		"sub_1": {ID: "sub_1", Status: "active", CancelAtPeriodEnd: true},
	}}
	r := newTestReconciler(st, provider)

	outcome, err := r.Cancel(ctx, "u1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if outcome != OutcomeAlreadyApplied {
		t.Fatalf("expected already_applied, got %s", outcome)
	}
	if provider.setCalls != 0 {
		t.Fatal("expected no provider mutation when the flag already matches")
	}
	if !st.records["u1"].CancelAtPeriodEnd {
		t.Fatal("expected local flag reconciled to the provider")
	}
}

func TestCancelThenReactivateRoundTrip(t *testing.T) {
	ctx := context.Background()
	expires := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	st := newMemStore()
	st.put(proRecord("u1", "cus_1", "sub_1", expires))
	provider := &memProvider{subs: map[string]Subscription{
		"sub_1": {ID: "sub_1", Status: "active"},
	}}
	r := newTestReconciler(st, provider)

	var changed int
	r.OnChange = func(context.Context, string) { changed++ }

	outcome, err := r.Cancel(ctx, "u1")
	if err != nil || outcome != OutcomeApplied {
		t.Fatalf("cancel: outcome=%v err=%v", outcome, err)
	}
	if !provider.lastSetTo {
		t.Fatal("expected provider flag set to true")
	}
	if !st.records["u1"].CancelAtPeriodEnd {
		t.Fatal("expected local flag set")
	}

	outcome, err = r.Reactivate(ctx, "u1")
	if err != nil || outcome != OutcomeApplied {
		t.Fatalf("reactivate: outcome=%v err=%v", outcome, err)
	}
	if st.records["u1"].CancelAtPeriodEnd {
		t.Fatal("expected local flag cleared")
	}
	if changed != 2 {
		t.Fatalf("expected change hook per durable write, got %d", changed)
	}
}

func TestCancelWithoutSubscriptionFails(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	st.put(freeRecord("u1"))
	r := newTestReconciler(st, &memProvider{subs: map[string]Subscription{}})

	if _, err := r.Cancel(ctx, "u1"); !errors.Is(err, ErrNoSubscription) {
		t.Fatalf("expected ErrNoSubscription, got %v", err)
	}
}
