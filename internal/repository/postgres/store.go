package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/domain"
)

// WorkerStore is the send pipeline's view of the database: campaign gate
// checks, suppression lookups and the per-recipient outcome writes. All
// counter updates are single conditional statements so concurrent workers
// and retried jobs cannot double-count.
type WorkerStore struct{ db *sql.DB }

// NewWorkerStore creates a Postgres-backed worker store.
func NewWorkerStore(db *sql.DB) *WorkerStore { return &WorkerStore{db: db} }

// CampaignStatus returns the current status of a campaign.
func (s *WorkerStore) CampaignStatus(ctx context.Context, campaignID string) (domain.CampaignStatus, error) {
	var status domain.CampaignStatus
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM mailing_campaigns WHERE id = $1`, campaignID,
	).Scan(&status)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("campaign %s not found", campaignID)
	}
	if err != nil {
		return "", fmt.Errorf("campaign status: %w", err)
	}
	return status, nil
}

// IsSuppressed checks the suppression list right before a send.
func (s *WorkerStore) IsSuppressed(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM mailing_suppressions WHERE email = $1)`,
		domain.NormalizeEmail(email),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check suppression: %w", err)
	}
	return exists, nil
}

// MarkRecipientSent records a successful send. Returns true only for the
// first success: a redelivered job hits the status guard and reports false,
// so the caller knows not to bump campaign counters again.
func (s *WorkerStore) MarkRecipientSent(ctx context.Context, recipientID, messageID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mailing_recipients
		SET status = 'sent', message_id = $2, sent_at = NOW(), error_message = '', updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'queued')
	`, recipientID, messageID)
	if err != nil {
		return false, fmt.Errorf("mark recipient sent: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkRecipientFailed records a terminal failure. Returns true only the
// first time; a recipient already sent or already failed is left alone.
func (s *WorkerStore) MarkRecipientFailed(ctx context.Context, recipientID, errMsg string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mailing_recipients
		SET status = 'failed', error_message = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'queued')
	`, recipientID, errMsg)
	if err != nil {
		return false, fmt.Errorf("mark recipient failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkRecipientBounced records a hard bounce reported by the transport at
// send time. Same first-write-wins guard as MarkRecipientFailed; the two
// differ only in the terminal status they leave behind.
func (s *WorkerStore) MarkRecipientBounced(ctx context.Context, recipientID, errMsg string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mailing_recipients
		SET status = 'bounced', error_message = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'queued')
	`, recipientID, errMsg)
	if err != nil {
		return false, fmt.Errorf("mark recipient bounced: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// IncrementSentCount bumps the campaign sent counter by one.
func (s *WorkerStore) IncrementSentCount(ctx context.Context, campaignID string) error {
	return s.bump(ctx, campaignID, "sent_count")
}

// IncrementBouncedCount bumps the campaign bounced counter by one.
func (s *WorkerStore) IncrementBouncedCount(ctx context.Context, campaignID string) error {
	return s.bump(ctx, campaignID, "bounced_count")
}

func (s *WorkerStore) bump(ctx context.Context, campaignID, column string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE mailing_campaigns SET %s = %s + 1, updated_at = NOW() WHERE id = $1
	`, column, column), campaignID)
	if err != nil {
		return fmt.Errorf("increment %s: %w", column, err)
	}
	return nil
}

// RecordEvent appends one audit event.
func (s *WorkerStore) RecordEvent(ctx context.Context, ev *domain.EmailEvent) error {
	return insertEvent(ctx, s.db, ev)
}
