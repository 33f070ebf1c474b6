package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/domain"
)

// TrackingRepo records engagement signals resolved from tracking tokens and
// provider webhooks. Recipient counters always move; campaign aggregates
// move only on the first signal of each kind per recipient, guarded inside
// the statement so concurrent hits cannot double-count.
type TrackingRepo struct{ db *sql.DB }

// NewTrackingRepo creates a Postgres-backed tracking repository.
func NewTrackingRepo(db *sql.DB) *TrackingRepo { return &TrackingRepo{db: db} }

// RecipientByTrackingID resolves a tracking token. Returns sql.ErrNoRows
// wrapped when unknown.
func (r *TrackingRepo) RecipientByTrackingID(ctx context.Context, trackingID string) (*domain.Recipient, error) {
	rec := &domain.Recipient{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, campaign_id, email, status, tracking_id
		FROM mailing_recipients
		WHERE tracking_id = $1
	`, trackingID).Scan(&rec.ID, &rec.CampaignID, &rec.Email, &rec.Status, &rec.TrackingID)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// RecipientByEmail resolves a webhook notification by address and campaign.
func (r *TrackingRepo) RecipientByEmail(ctx context.Context, campaignID, email string) (*domain.Recipient, error) {
	rec := &domain.Recipient{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, campaign_id, email, status, tracking_id
		FROM mailing_recipients
		WHERE campaign_id = $1 AND email = $2
	`, campaignID, domain.NormalizeEmail(email)).Scan(
		&rec.ID, &rec.CampaignID, &rec.Email, &rec.Status, &rec.TrackingID)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// MarkOpened records one open. Every hit bumps the recipient open_count;
// the first hit also stamps opened_at, advances the funnel and bumps the
// campaign aggregate. Returns whether this was the first open.
func (r *TrackingRepo) MarkOpened(ctx context.Context, recipientID, campaignID string) (bool, error) {
	var first bool
	err := r.db.QueryRowContext(ctx, `
		UPDATE mailing_recipients
		SET open_count = open_count + 1,
		    opened_at = COALESCE(opened_at, NOW()),
		    status = CASE WHEN status IN ('sent', 'delivered') THEN 'opened' ELSE status END,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING open_count = 1
	`, recipientID).Scan(&first)
	if err != nil {
		return false, fmt.Errorf("mark opened: %w", err)
	}
	if first {
		if err := r.bump(ctx, campaignID, "opened_count"); err != nil {
			return true, err
		}
	}
	return first, nil
}

// MarkClicked records one click. A click implies an open, so the first
// click also backfills opened_at. Returns whether this was the first click.
func (r *TrackingRepo) MarkClicked(ctx context.Context, recipientID, campaignID string) (bool, error) {
	var first bool
	err := r.db.QueryRowContext(ctx, `
		UPDATE mailing_recipients
		SET click_count = click_count + 1,
		    clicked_at = COALESCE(clicked_at, NOW()),
		    opened_at = COALESCE(opened_at, NOW()),
		    status = CASE WHEN status IN ('sent', 'delivered', 'opened') THEN 'clicked' ELSE status END,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING click_count = 1
	`, recipientID).Scan(&first)
	if err != nil {
		return false, fmt.Errorf("mark clicked: %w", err)
	}
	if first {
		if err := r.bump(ctx, campaignID, "clicked_count"); err != nil {
			return true, err
		}
	}
	return first, nil
}

// MarkUnsubscribed moves a recipient to unsubscribed. Returns whether the
// status actually changed; repeat clicks of the same link report false.
func (r *TrackingRepo) MarkUnsubscribed(ctx context.Context, recipientID, campaignID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE mailing_recipients
		SET status = 'unsubscribed', updated_at = NOW()
		WHERE id = $1 AND status <> 'unsubscribed'
	`, recipientID)
	if err != nil {
		return false, fmt.Errorf("mark unsubscribed: %w", err)
	}
	n, _ := res.RowsAffected()
	first := n > 0
	if first {
		if err := r.bump(ctx, campaignID, "unsubscribe_count"); err != nil {
			return true, err
		}
	}
	return first, nil
}

// MarkDelivered advances a sent recipient to delivered on a provider
// delivery notification. Later funnel states are left alone.
func (r *TrackingRepo) MarkDelivered(ctx context.Context, recipientID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE mailing_recipients
		SET status = 'delivered', updated_at = NOW()
		WHERE id = $1 AND status = 'sent'
	`, recipientID)
	if err != nil {
		return false, fmt.Errorf("mark delivered: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkBounced records a provider bounce notification. The recipient's prior
// status decides the campaign accounting: a bounce that arrives before any
// send just bumps bounced_count, while a bounce on a recipient the worker
// already counted as sent shifts that unit from sent_count to bounced_count,
// keeping the two aggregates within the recipient total.
func (r *TrackingRepo) MarkBounced(ctx context.Context, recipientID, campaignID, reason string) (bool, error) {
	var prior domain.RecipientStatus
	err := r.db.QueryRowContext(ctx, `
		UPDATE mailing_recipients AS rec
		SET status = 'bounced', error_message = $2, updated_at = NOW()
		FROM (SELECT id, status FROM mailing_recipients WHERE id = $1 FOR UPDATE) prev
		WHERE rec.id = prev.id AND rec.status NOT IN ('bounced', 'failed', 'unsubscribed')
		RETURNING prev.status
	`, recipientID, reason).Scan(&prior)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("mark bounced: %w", err)
	}
	if prior == domain.RecipientPending || prior == domain.RecipientQueued {
		if err := r.bump(ctx, campaignID, "bounced_count"); err != nil {
			return true, err
		}
		return true, nil
	}
	if _, err := r.db.ExecContext(ctx, `
		UPDATE mailing_campaigns
		SET bounced_count = bounced_count + 1,
		    sent_count = GREATEST(sent_count - 1, 0),
		    updated_at = NOW()
		WHERE id = $1
	`, campaignID); err != nil {
		return true, fmt.Errorf("shift bounce aggregate: %w", err)
	}
	return true, nil
}

func (r *TrackingRepo) bump(ctx context.Context, campaignID, column string) error {
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE mailing_campaigns SET %s = %s + 1, updated_at = NOW() WHERE id = $1
	`, column, column), campaignID)
	if err != nil {
		return fmt.Errorf("increment %s: %w", column, err)
	}
	return nil
}

// RecordEvent appends one audit event.
func (r *TrackingRepo) RecordEvent(ctx context.Context, ev *domain.EmailEvent) error {
	return insertEvent(ctx, r.db, ev)
}
