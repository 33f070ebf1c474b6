package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/domain"
	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/service/suppression"
)

// SuppressionRepo implements suppression.Repository against PostgreSQL.
// Emails arrive already normalized from the service layer.
type SuppressionRepo struct{ db *sql.DB }

// NewSuppressionRepo creates a Postgres-backed suppression repository.
func NewSuppressionRepo(db *sql.DB) *SuppressionRepo { return &SuppressionRepo{db: db} }

func (r *SuppressionRepo) IsSuppressed(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM mailing_suppressions WHERE email = $1)`,
		email,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check suppression: %w", err)
	}
	return exists, nil
}

func (r *SuppressionRepo) Suppress(ctx context.Context, s *domain.SuppressionEntry) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	// DO NOTHING keeps the first record: re-suppressing is a no-op, never
	// an overwrite of the original reason.
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO mailing_suppressions (id, email, reason, source, campaign_id, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5,''), NOW())
		ON CONFLICT (email) DO NOTHING
	`, s.ID, s.Email, s.Reason, s.Source, s.CampaignID)
	if err != nil {
		return fmt.Errorf("suppress: %w", err)
	}
	return nil
}

func (r *SuppressionRepo) Remove(ctx context.Context, email string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM mailing_suppressions WHERE email = $1`, email)
	if err != nil {
		return fmt.Errorf("remove suppression: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return suppression.ErrNotFound
	}
	return nil
}

func (r *SuppressionRepo) List(ctx context.Context, f suppression.ListFilter) ([]domain.SuppressionEntry, int, error) {
	where := " WHERE 1=1"
	args := []interface{}{}
	idx := 1
	if f.Reason != "" {
		where += fmt.Sprintf(" AND reason = $%d", idx)
		args = append(args, f.Reason)
		idx++
	}
	if f.Source != "" {
		where += fmt.Sprintf(" AND source = $%d", idx)
		args = append(args, f.Source)
		idx++
	}
	if f.Search != "" {
		where += fmt.Sprintf(" AND email ILIKE $%d", idx)
		args = append(args, "%"+f.Search+"%")
		idx++
	}

	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mailing_suppressions`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count suppressions: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = total
	}

	q := `
		SELECT id, email, reason, source, COALESCE(campaign_id,''), created_at
		FROM mailing_suppressions` + where +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list suppressions: %w", err)
	}
	defer rows.Close()

	var out []domain.SuppressionEntry
	for rows.Next() {
		var s domain.SuppressionEntry
		if err := rows.Scan(&s.ID, &s.Email, &s.Reason, &s.Source, &s.CampaignID, &s.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan suppression: %w", err)
		}
		out = append(out, s)
	}
	return out, total, rows.Err()
}

func (r *SuppressionRepo) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mailing_suppressions`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count suppressions: %w", err)
	}
	return n, nil
}
