package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	TierFree = "free"
	TierPro  = "pro"

	StatusInactive = "inactive"
	StatusActive   = "active"
	StatusPastDue  = "past_due"
	StatusCanceled = "canceled"
)

type Store struct {
	db *sql.DB
}

func Open(dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("missing database dsn")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Store{db: db}, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EntitlementRecord is the durable billing and usage state for one user.
// Billing fields are written only by the reconciliation engine, usage fields
// only by metering, override fields only by redemption.
type EntitlementRecord struct {
	UserID                string
	Tier                  string
	Status                string
	BillingCustomerID     sql.NullString
	BillingSubscriptionID sql.NullString
	ExpiresAt             sql.NullTime
	CancelAtPeriodEnd     bool
	MeteredUsageCount     int
	UsagePeriodAnchor     time.Time
	OverrideCode          sql.NullString
	OverrideRedeemedAt    sql.NullTime
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

const entitlementColumns = `user_id, tier, status, billing_customer_id, billing_subscription_id,
	expires_at, cancel_at_period_end, metered_usage_count, usage_period_anchor,
	override_code, override_redeemed_at, created_at, updated_at`

func scanEntitlement(row interface{ Scan(dest ...any) error }, rec *EntitlementRecord) error {
	return row.Scan(
		&rec.UserID, &rec.Tier, &rec.Status, &rec.BillingCustomerID, &rec.BillingSubscriptionID,
		&rec.ExpiresAt, &rec.CancelAtPeriodEnd, &rec.MeteredUsageCount, &rec.UsagePeriodAnchor,
		&rec.OverrideCode, &rec.OverrideRedeemedAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
}

func (s *Store) GetEntitlement(ctx context.Context, userID string) (EntitlementRecord, error) {
	var rec EntitlementRecord
	row := s.db.QueryRowContext(ctx, `SELECT `+entitlementColumns+` FROM user_entitlements WHERE user_id = $1`, userID)
	if err := scanEntitlement(row, &rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// EnsureEntitlement creates the default free/inactive row if none exists and
// returns the current record either way.
func (s *Store) EnsureEntitlement(ctx context.Context, userID string) (EntitlementRecord, error) {
	_, err := s.db.ExecContext(ctx, `INSERT INTO user_entitlements (user_id, tier, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO NOTHING`, userID, TierFree, StatusInactive)
	if err != nil {
		return EntitlementRecord{}, err
	}
	return s.GetEntitlement(ctx, userID)
}

func (s *Store) FindUserByBillingCustomerID(ctx context.Context, customerID string) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT user_id FROM user_entitlements WHERE billing_customer_id = $1`, customerID)
	var userID string
	if err := row.Scan(&userID); err != nil {
		return "", err
	}
	return userID, nil
}

func (s *Store) FindUserByBillingSubscriptionID(ctx context.Context, subscriptionID string) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT user_id FROM user_entitlements WHERE billing_subscription_id = $1`, subscriptionID)
	var userID string
	if err := row.Scan(&userID); err != nil {
		return "", err
	}
	return userID, nil
}

func (s *Store) SetBillingCustomerID(ctx context.Context, userID, customerID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE user_entitlements
		SET billing_customer_id = $2, updated_at = now()
		WHERE user_id = $1`, userID, customerID)
	return err
}

func (s *Store) ActivateSubscription(ctx context.Context, userID, customerID, subscriptionID string, expiresAt sql.NullTime) error {
	_, err := s.db.ExecContext(ctx, `UPDATE user_entitlements
		SET tier = $2, status = $3, billing_customer_id = COALESCE(NULLIF($4, ''), billing_customer_id),
			billing_subscription_id = NULLIF($5, ''), expires_at = $6,
			cancel_at_period_end = false, updated_at = now()
		WHERE user_id = $1`, userID, TierPro, StatusActive, customerID, subscriptionID, expiresAt)
	return err
}

// SyncBillingState applies a provider snapshot. The provider resends current
// state rather than deltas, so last write wins on the timestamp fields.
func (s *Store) SyncBillingState(ctx context.Context, userID, tier, status string, expiresAt sql.NullTime, cancelAtPeriodEnd bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE user_entitlements
		SET tier = $2, status = $3, expires_at = $4, cancel_at_period_end = $5, updated_at = now()
		WHERE user_id = $1`, userID, tier, status, expiresAt, cancelAtPeriodEnd)
	return err
}

func (s *Store) DeactivateSubscription(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE user_entitlements
		SET tier = $2, status = $3, billing_subscription_id = NULL,
			cancel_at_period_end = false, updated_at = now()
		WHERE user_id = $1`, userID, TierFree, StatusCanceled)
	return err
}

// MarkDelinquent records a failed payment without revoking the tier; the
// grace window is a read-side policy decision.
func (s *Store) MarkDelinquent(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE user_entitlements
		SET status = $2, updated_at = now()
		WHERE user_id = $1`, userID, StatusPastDue)
	return err
}

func (s *Store) SetCancelAtPeriodEnd(ctx context.Context, userID string, flag bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE user_entitlements
		SET cancel_at_period_end = $2, updated_at = now()
		WHERE user_id = $1`, userID, flag)
	return err
}

// IncrementUsage bumps the metered counter by one, resetting it first when
// the stored anchor is from an earlier calendar month. Reset and increment
// happen in a single statement so concurrent calls cannot interleave a stale
// read between them.
func (s *Store) IncrementUsage(ctx context.Context, userID string, now time.Time) (int, error) {
	row := s.db.QueryRowContext(ctx, `UPDATE user_entitlements
		SET metered_usage_count = CASE
				WHEN date_trunc('month', usage_period_anchor) < date_trunc('month', $2::timestamptz) THEN 1
				ELSE metered_usage_count + 1
			END,
			usage_period_anchor = $2, updated_at = now()
		WHERE user_id = $1
		RETURNING metered_usage_count`, userID, now)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// SetOverride records a promo redemption. The override code is immutable: the
// write is guarded by override_code IS NULL and reports whether it landed.
func (s *Store) SetOverride(ctx context.Context, userID, code string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE user_entitlements
		SET tier = $2, status = $3, override_code = $4, override_redeemed_at = $5, updated_at = now()
		WHERE user_id = $1 AND override_code IS NULL`, userID, TierPro, StatusActive, code, at)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *Store) ListEntitlements(ctx context.Context) ([]EntitlementRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+entitlementColumns+` FROM user_entitlements ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []EntitlementRecord
	for rows.Next() {
		var rec EntitlementRecord
		if err := scanEntitlement(rows, &rec); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
