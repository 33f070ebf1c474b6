package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/domain"
	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/service/campaign"
)

// CampaignRepo implements campaign.Repository against PostgreSQL.
type CampaignRepo struct{ db *sql.DB }

// NewCampaignRepo creates a Postgres-backed campaign repository.
func NewCampaignRepo(db *sql.DB) *CampaignRepo { return &CampaignRepo{db: db} }

const campaignColumns = `
	id, name, subject, from_name, from_email, COALESCE(reply_to,''),
	COALESCE(html_content,''), COALESCE(plain_content,''), smtp_config_id,
	status, scheduled_at, total_recipients, sent_count, bounced_count,
	opened_count, clicked_count, unsubscribe_count,
	started_at, completed_at, created_at, updated_at`

func scanCampaign(row interface{ Scan(...interface{}) error }) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	err := row.Scan(
		&c.ID, &c.Name, &c.Subject, &c.FromName, &c.FromEmail, &c.ReplyTo,
		&c.HTMLContent, &c.PlainContent, &c.SMTPConfigID,
		&c.Status, &c.ScheduledAt, &c.TotalRecipients, &c.SentCount, &c.BouncedCount,
		&c.OpenedCount, &c.ClickedCount, &c.UnsubscribeCount,
		&c.StartedAt, &c.CompletedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, campaign.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan campaign: %w", err)
	}
	return c, nil
}

func (r *CampaignRepo) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	return scanCampaign(r.db.QueryRowContext(ctx,
		`SELECT `+campaignColumns+` FROM mailing_campaigns WHERE id = $1`, id))
}

// ListFilter controls pagination and filtering for campaign listings.
type ListFilter struct {
	Status string
	Search string
	Limit  int
	Offset int
}

func (r *CampaignRepo) List(ctx context.Context, f ListFilter) ([]domain.Campaign, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	where := " WHERE 1=1"
	args := []interface{}{}
	idx := 1
	if f.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, f.Status)
		idx++
	}
	if f.Search != "" {
		where += fmt.Sprintf(" AND (name ILIKE $%d OR subject ILIKE $%d)", idx, idx)
		args = append(args, "%"+f.Search+"%")
		idx++
	}

	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mailing_campaigns`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count campaigns: %w", err)
	}

	q := `SELECT ` + campaignColumns + ` FROM mailing_campaigns` + where +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *c)
	}
	return out, total, rows.Err()
}

func (r *CampaignRepo) Create(ctx context.Context, c *domain.Campaign) (string, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = domain.CampaignDraft
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO mailing_campaigns
			(id, name, subject, from_name, from_email, reply_to,
			 html_content, plain_content, smtp_config_id, status,
			 scheduled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
	`, c.ID, c.Name, c.Subject, c.FromName, c.FromEmail, c.ReplyTo,
		c.HTMLContent, c.PlainContent, c.SMTPConfigID, c.Status, c.ScheduledAt)
	if err != nil {
		return "", fmt.Errorf("create campaign: %w", err)
	}
	return c.ID, nil
}

// UpdateFields carries the optional fields of a campaign update. Nil means
// leave unchanged.
type UpdateFields struct {
	Name         *string
	Subject      *string
	FromName     *string
	FromEmail    *string
	ReplyTo      *string
	HTMLContent  *string
	PlainContent *string
	ScheduledAt  *time.Time
}

func (r *CampaignRepo) Update(ctx context.Context, id string, u UpdateFields) error {
	sets := []string{}
	args := []interface{}{}
	idx := 1
	add := func(col string, val interface{}) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, idx))
		args = append(args, val)
		idx++
	}

	if u.Name != nil {
		add("name", *u.Name)
	}
	if u.Subject != nil {
		add("subject", *u.Subject)
	}
	if u.FromName != nil {
		add("from_name", *u.FromName)
	}
	if u.FromEmail != nil {
		add("from_email", *u.FromEmail)
	}
	if u.ReplyTo != nil {
		add("reply_to", *u.ReplyTo)
	}
	if u.HTMLContent != nil {
		add("html_content", *u.HTMLContent)
	}
	if u.PlainContent != nil {
		add("plain_content", *u.PlainContent)
	}
	if u.ScheduledAt != nil {
		add("scheduled_at", *u.ScheduledAt)
	}
	if len(sets) == 0 {
		return nil
	}

	sets = append(sets, "updated_at = NOW()")
	// Content edits are only allowed before the campaign starts sending.
	q := fmt.Sprintf(
		"UPDATE mailing_campaigns SET %s WHERE id = $%d AND status IN ('draft','scheduled')",
		joinComma(sets), idx)
	args = append(args, id)

	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update campaign: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return campaign.ErrNotFound
	}
	return nil
}

func (r *CampaignRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM mailing_campaigns
		WHERE id = $1 AND status IN ('draft','scheduled','completed','cancelled')
	`, id)
	if err != nil {
		return fmt.Errorf("delete campaign: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return campaign.ErrNotFound
	}
	return nil
}

func (r *CampaignRepo) TransitionStatus(ctx context.Context, id string, from []domain.CampaignStatus, to domain.CampaignStatus) error {
	args := []interface{}{to, id}
	in := ""
	for i, s := range from {
		if i > 0 {
			in += ","
		}
		in += fmt.Sprintf("$%d", len(args)+1)
		args = append(args, s)
	}

	res, err := r.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE mailing_campaigns SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status IN (%s)
	`, in), args...)
	if err != nil {
		return fmt.Errorf("transition status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return campaign.ErrInvalidTransition
	}
	return nil
}

func (r *CampaignRepo) Schedule(ctx context.Context, id string, at *time.Time, to domain.CampaignStatus) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE mailing_campaigns
		SET status = $2, scheduled_at = $3, updated_at = NOW()
		WHERE id = $1 AND status IN ('draft', 'scheduled')
	`, id, to, at)
	if err != nil {
		return fmt.Errorf("schedule campaign: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return campaign.ErrInvalidTransition
	}
	return nil
}

func (r *CampaignRepo) MarkSending(ctx context.Context, id string, from domain.CampaignStatus, totalRecipients int) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE mailing_campaigns
		SET status = 'sending', started_at = NOW(), total_recipients = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, from, totalRecipients)
	if err != nil {
		return fmt.Errorf("mark sending: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return campaign.ErrInvalidTransition
	}
	return nil
}

func (r *CampaignRepo) RollbackQueue(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE mailing_campaigns
		SET status = 'draft', started_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'sending'
	`, id)
	if err != nil {
		return fmt.Errorf("rollback queue: %w", err)
	}
	return nil
}

func (r *CampaignRepo) MarkCompleted(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE mailing_campaigns
		SET status = 'completed', completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'sending'
		  AND sent_count + bounced_count >= total_recipients
	`, id)
	if err != nil {
		return false, fmt.Errorf("mark completed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *CampaignRepo) ListDueScheduled(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id FROM mailing_campaigns
		WHERE status = 'scheduled' AND scheduled_at <= NOW()
		ORDER BY scheduled_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list due scheduled: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}
