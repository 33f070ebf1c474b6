package domain

import (
	"strings"
	"time"
)

// SuppressionReason enumerates why an email was suppressed.
type SuppressionReason string

const (
	ReasonHardBounce  SuppressionReason = "hard_bounce"
	ReasonComplaint   SuppressionReason = "spam_complaint"
	ReasonUnsubscribe SuppressionReason = "unsubscribe"
	ReasonManual      SuppressionReason = "manual"
)

// SuppressionSource indicates where the suppression signal originated.
type SuppressionSource string

const (
	SourceTracking SuppressionSource = "tracking_unsubscribe"
	SourceWebhook  SuppressionSource = "provider_webhook"
	SourceWorker   SuppressionSource = "send_worker"
	SourceManual   SuppressionSource = "manual"
)

// SuppressionEntry records an email that must never receive mail again.
// Unique per normalized email; updates are explicit, never silent overwrites.
type SuppressionEntry struct {
	ID         string            `json:"id" db:"id"`
	Email      string            `json:"email" db:"email"`
	Reason     SuppressionReason `json:"reason" db:"reason"`
	Source     SuppressionSource `json:"source" db:"source"`
	CampaignID string            `json:"campaign_id,omitempty" db:"campaign_id"`
	CreatedAt  time.Time         `json:"created_at" db:"created_at"`
}

// NormalizeEmail lowercases and trims an address so case- or
// whitespace-varied submissions of the same email collapse to one entry.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
