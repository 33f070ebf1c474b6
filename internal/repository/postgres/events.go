package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/domain"
)

// EventRepo appends to and reads the mailing_events audit trail.
type EventRepo struct{ db *sql.DB }

// NewEventRepo creates a Postgres-backed event repository.
func NewEventRepo(db *sql.DB) *EventRepo { return &EventRepo{db: db} }

// Record appends one event. The trail is insert-only.
func (r *EventRepo) Record(ctx context.Context, ev *domain.EmailEvent) error {
	return insertEvent(ctx, r.db, ev)
}

func insertEvent(ctx context.Context, db *sql.DB, ev *domain.EmailEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}

	var meta interface{}
	if len(ev.Metadata) > 0 {
		b, err := json.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("encode event metadata: %w", err)
		}
		meta = string(b)
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO mailing_events (id, campaign_id, recipient_id, type, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, ev.ID, ev.CampaignID, ev.RecipientID, ev.Type, meta, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

// ListByCampaign returns a campaign's events, newest first.
func (r *EventRepo) ListByCampaign(ctx context.Context, campaignID string, limit, offset int) ([]domain.EmailEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, campaign_id, recipient_id, type, COALESCE(metadata, '{}'::jsonb), created_at
		FROM mailing_events
		WHERE campaign_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, campaignID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []domain.EmailEvent
	for rows.Next() {
		var (
			ev   domain.EmailEvent
			meta []byte
		)
		if err := rows.Scan(&ev.ID, &ev.CampaignID, &ev.RecipientID, &ev.Type, &meta, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &ev.Metadata); err != nil {
				return nil, fmt.Errorf("decode event metadata: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// CountByType returns event totals per type for a campaign.
func (r *EventRepo) CountByType(ctx context.Context, campaignID string) (map[domain.EmailEventType]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT type, COUNT(*) FROM mailing_events
		WHERE campaign_id = $1
		GROUP BY type
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.EmailEventType]int)
	for rows.Next() {
		var (
			t domain.EmailEventType
			n int
		)
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		out[t] = n
	}
	return out, rows.Err()
}
