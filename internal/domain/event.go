package domain

import "time"

// EmailEventType enumerates delivery and engagement events.
type EmailEventType string

const (
	EmailEventSent         EmailEventType = "sent"
	EmailEventDelivered    EmailEventType = "delivered"
	EmailEventOpened       EmailEventType = "opened"
	EmailEventClicked      EmailEventType = "clicked"
	EmailEventBounced      EmailEventType = "bounced"
	EmailEventComplained   EmailEventType = "complained"
	EmailEventUnsubscribed EmailEventType = "unsubscribed"
	EmailEventFailed       EmailEventType = "failed"
)

// EmailEvent is one row of the append-only audit trail. Never mutated.
type EmailEvent struct {
	ID          string            `json:"id" db:"id"`
	CampaignID  string            `json:"campaign_id" db:"campaign_id"`
	RecipientID string            `json:"recipient_id" db:"recipient_id"`
	Type        EmailEventType    `json:"type" db:"type"`
	Metadata    map[string]string `json:"metadata,omitempty" db:"metadata"`
	CreatedAt   time.Time         `json:"created_at" db:"created_at"`
}
