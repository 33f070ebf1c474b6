package domain

import "time"

// CampaignStatus enumerates the lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignSending   CampaignStatus = "sending"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignCancelled CampaignStatus = "cancelled"
)

// Campaign represents an email campaign with its content and delivery config.
type Campaign struct {
	ID           string         `json:"id" db:"id"`
	Name         string         `json:"name" db:"name"`
	Subject      string         `json:"subject" db:"subject"`
	FromName     string         `json:"from_name" db:"from_name"`
	FromEmail    string         `json:"from_email" db:"from_email"`
	ReplyTo      string         `json:"reply_to" db:"reply_to"`
	HTMLContent  string         `json:"html_content" db:"html_content"`
	PlainContent string         `json:"plain_content" db:"plain_content"`
	SMTPConfigID *string        `json:"smtp_config_id" db:"smtp_config_id"`
	Status       CampaignStatus `json:"status" db:"status"`
	ScheduledAt  *time.Time     `json:"scheduled_at" db:"scheduled_at"`

	// Counters are maintained by single conditional SQL statements, never
	// by read-modify-write in application code.
	TotalRecipients  int `json:"total_recipients" db:"total_recipients"`
	SentCount        int `json:"sent_count" db:"sent_count"`
	BouncedCount     int `json:"bounced_count" db:"bounced_count"`
	OpenedCount      int `json:"opened_count" db:"opened_count"`
	ClickedCount     int `json:"clicked_count" db:"clicked_count"`
	UnsubscribeCount int `json:"unsubscribe_count" db:"unsubscribe_count"`

	StartedAt   *time.Time `json:"started_at" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at" db:"completed_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// IsTerminal returns true if the campaign is in a final state.
func (c *Campaign) IsTerminal() bool {
	return c.Status == CampaignCompleted || c.Status == CampaignCancelled
}

// CanQueue reports whether the campaign may be handed to the send pipeline.
// Only draft and scheduled campaigns are eligible.
func (c *Campaign) CanQueue() bool {
	return c.Status == CampaignDraft || c.Status == CampaignScheduled
}

// Progress returns the campaign send progress as a percentage of total
// recipients. A campaign with no recipients reports 0.
func (c *Campaign) Progress() float64 {
	if c.TotalRecipients <= 0 {
		return 0
	}
	return float64(c.SentCount) / float64(c.TotalRecipients) * 100
}

// UIStatus maps the persisted status to the operator-facing status string.
// Cancelled campaigns surface as "failed"; this conflates operator
// cancellation with genuine failure and is kept deliberately (see DESIGN.md).
func (c *Campaign) UIStatus() string {
	switch c.Status {
	case CampaignCancelled:
		return "failed"
	default:
		return string(c.Status)
	}
}
