package store

import (
	"context"
	"database/sql"
	"errors"
)

// InsertWebhookEventIfAbsent records an inbound provider event for
// at-least-once dedup. Returns whether the row was inserted and, when it
// already existed, its processing status.
func (s *Store) InsertWebhookEventIfAbsent(ctx context.Context, provider, eventID, eventType, payloadHash string) (bool, string, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO webhook_events (provider, external_event_id, event_type, payload_sha256, status)
		VALUES ($1, $2, $3, $4, 'received')
		ON CONFLICT (provider, external_event_id) DO NOTHING`, provider, eventID, eventType, payloadHash)
	if err != nil {
		return false, "", err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, "", err
	}
	if affected > 0 {
		return true, "", nil
	}

	row := s.db.QueryRowContext(ctx, `SELECT status FROM webhook_events WHERE provider = $1 AND external_event_id = $2`, provider, eventID)
	var status string
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, "", nil
		}
		return false, "", err
	}
	return false, status, nil
}

func (s *Store) UpdateWebhookEventStatus(ctx context.Context, provider, eventID, status, lastError string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE webhook_events
		SET status = $3, last_error = NULLIF($4, ''), updated_at = now()
		WHERE provider = $1 AND external_event_id = $2`, provider, eventID, status, lastError)
	return err
}
