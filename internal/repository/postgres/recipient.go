package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/domain"
	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/service/campaign"
)

// Recipient paging and bulk-status methods of campaign.Repository.

func (r *CampaignRepo) CountRecipients(ctx context.Context, campaignID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mailing_recipients WHERE campaign_id = $1`,
		campaignID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count recipients: %w", err)
	}
	return n, nil
}

func (r *CampaignRepo) RecipientPage(ctx context.Context, campaignID, afterID string, limit int) ([]domain.Recipient, error) {
	return r.recipientPage(ctx, campaignID, afterID, limit)
}

// FailedRecipientPage pages every terminally-undelivered recipient a retry
// should pick up, whether the worker failed them or a webhook bounced them.
func (r *CampaignRepo) FailedRecipientPage(ctx context.Context, campaignID, afterID string, limit int) ([]domain.Recipient, error) {
	return r.recipientPage(ctx, campaignID, afterID, limit, "failed", "bounced")
}

func (r *CampaignRepo) recipientPage(ctx context.Context, campaignID, afterID string, limit int, statuses ...string) ([]domain.Recipient, error) {
	q := `
		SELECT id, campaign_id, contact_id, email, status, tracking_id,
		       COALESCE(merge_data, '{}'::jsonb), COALESCE(error_message, '')
		FROM mailing_recipients
		WHERE campaign_id = $1 AND id > $2`
	args := []interface{}{campaignID, afterID}
	if len(statuses) > 0 {
		q += " AND status = ANY($3)"
		args = append(args, pq.Array(statuses))
	}
	q += fmt.Sprintf(" ORDER BY id ASC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("recipient page: %w", err)
	}
	defer rows.Close()

	var out []domain.Recipient
	for rows.Next() {
		var (
			rec  domain.Recipient
			data []byte
		)
		if err := rows.Scan(&rec.ID, &rec.CampaignID, &rec.ContactID, &rec.Email,
			&rec.Status, &rec.TrackingID, &data, &rec.ErrorMessage); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &rec.MergeData); err != nil {
				return nil, fmt.Errorf("decode merge data: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *CampaignRepo) MarkRecipientsQueued(ctx context.Context, recipientIDs []string) error {
	if len(recipientIDs) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE mailing_recipients
		SET status = 'queued', error_message = '', updated_at = NOW()
		WHERE id = ANY($1)
	`, pq.Array(recipientIDs))
	if err != nil {
		return fmt.Errorf("mark recipients queued: %w", err)
	}
	return nil
}

// ReleaseBouncedCount gives back n bounced units when terminal recipients
// are reopened for retry, keeping sent_count + bounced_count within the
// recipient total once their retries land.
func (r *CampaignRepo) ReleaseBouncedCount(ctx context.Context, campaignID string, n int) error {
	if n <= 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE mailing_campaigns
		SET bounced_count = GREATEST(bounced_count - $2, 0), updated_at = NOW()
		WHERE id = $1
	`, campaignID, n)
	if err != nil {
		return fmt.Errorf("release bounced count: %w", err)
	}
	return nil
}

func (r *CampaignRepo) FailPendingRecipients(ctx context.Context, campaignID, reason string) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE mailing_recipients
		SET status = 'failed', error_message = $2, updated_at = NOW()
		WHERE campaign_id = $1 AND status IN ('pending', 'queued')
	`, campaignID, reason)
	if err != nil {
		return 0, fmt.Errorf("fail pending recipients: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RecipientRepo handles recipient creation and lookups outside the
// campaign queueing path.
type RecipientRepo struct{ db *sql.DB }

// NewRecipientRepo creates a Postgres-backed recipient repository.
func NewRecipientRepo(db *sql.DB) *RecipientRepo { return &RecipientRepo{db: db} }

// NewRecipient holds the caller-supplied fields of a recipient to create.
type NewRecipient struct {
	ContactID *string
	Email     string
	MergeData map[string]string
}

// BulkCreate inserts recipients for a campaign via COPY, minting ids and
// tracking tokens. Duplicate emails within the batch are kept; dedup is the
// caller's concern.
func (r *RecipientRepo) BulkCreate(ctx context.Context, campaignID string, recipients []NewRecipient) (int, error) {
	if len(recipients) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin bulk create: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("mailing_recipients",
		"id", "campaign_id", "contact_id", "email", "status", "tracking_id", "merge_data"))
	if err != nil {
		return 0, fmt.Errorf("prepare copy: %w", err)
	}

	for _, nr := range recipients {
		var data interface{}
		if len(nr.MergeData) > 0 {
			b, err := json.Marshal(nr.MergeData)
			if err != nil {
				return 0, fmt.Errorf("encode merge data: %w", err)
			}
			data = string(b)
		}
		if _, err := stmt.ExecContext(ctx,
			uuid.New().String(), campaignID, nr.ContactID,
			domain.NormalizeEmail(nr.Email), domain.RecipientPending,
			uuid.New().String(), data,
		); err != nil {
			stmt.Close()
			return 0, fmt.Errorf("copy recipient: %w", err)
		}
	}

	// Final Exec flushes the COPY buffer.
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return 0, fmt.Errorf("flush copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return 0, fmt.Errorf("close copy: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit bulk create: %w", err)
	}
	return len(recipients), nil
}

const recipientColumns = `
	id, campaign_id, contact_id, email, status, tracking_id,
	COALESCE(message_id, ''), open_count, click_count, opened_at, clicked_at,
	sent_at, COALESCE(error_message, ''), created_at, updated_at`

func scanRecipient(row interface{ Scan(...interface{}) error }) (*domain.Recipient, error) {
	rec := &domain.Recipient{}
	err := row.Scan(
		&rec.ID, &rec.CampaignID, &rec.ContactID, &rec.Email, &rec.Status, &rec.TrackingID,
		&rec.MessageID, &rec.OpenCount, &rec.ClickCount, &rec.OpenedAt, &rec.ClickedAt,
		&rec.SentAt, &rec.ErrorMessage, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, campaign.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan recipient: %w", err)
	}
	return rec, nil
}

// Get returns a single recipient by id.
func (r *RecipientRepo) Get(ctx context.Context, id string) (*domain.Recipient, error) {
	return scanRecipient(r.db.QueryRowContext(ctx,
		`SELECT `+recipientColumns+` FROM mailing_recipients WHERE id = $1`, id))
}

// GetByTrackingID resolves a tracking token to its recipient.
func (r *RecipientRepo) GetByTrackingID(ctx context.Context, trackingID string) (*domain.Recipient, error) {
	return scanRecipient(r.db.QueryRowContext(ctx,
		`SELECT `+recipientColumns+` FROM mailing_recipients WHERE tracking_id = $1`, trackingID))
}

// FindByEmail resolves a webhook notification to a recipient by address
// and campaign.
func (r *RecipientRepo) FindByEmail(ctx context.Context, campaignID, email string) (*domain.Recipient, error) {
	return scanRecipient(r.db.QueryRowContext(ctx,
		`SELECT `+recipientColumns+` FROM mailing_recipients WHERE campaign_id = $1 AND email = $2`,
		campaignID, domain.NormalizeEmail(email)))
}

// List returns a page of a campaign's recipients plus the total count.
func (r *RecipientRepo) List(ctx context.Context, campaignID, status string, limit, offset int) ([]domain.Recipient, int, error) {
	if limit <= 0 {
		limit = 50
	}

	where := ` WHERE campaign_id = $1`
	args := []interface{}{campaignID}
	if status != "" {
		where += " AND status = $2"
		args = append(args, status)
	}

	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mailing_recipients`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count recipients: %w", err)
	}

	q := `SELECT ` + recipientColumns + ` FROM mailing_recipients` + where +
		fmt.Sprintf(" ORDER BY created_at ASC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list recipients: %w", err)
	}
	defer rows.Close()

	var out []domain.Recipient
	for rows.Next() {
		rec, err := scanRecipient(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *rec)
	}
	return out, total, rows.Err()
}
