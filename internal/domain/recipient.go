package domain

import "time"

// RecipientStatus enumerates the engagement funnel of a single recipient.
type RecipientStatus string

const (
	RecipientPending      RecipientStatus = "pending"
	RecipientQueued       RecipientStatus = "queued"
	RecipientSent         RecipientStatus = "sent"
	RecipientDelivered    RecipientStatus = "delivered"
	RecipientOpened       RecipientStatus = "opened"
	RecipientClicked      RecipientStatus = "clicked"
	RecipientBounced      RecipientStatus = "bounced"
	RecipientFailed       RecipientStatus = "failed"
	RecipientUnsubscribed RecipientStatus = "unsubscribed"
)

// IsTerminal reports whether no further automatic transition occurs.
func (s RecipientStatus) IsTerminal() bool {
	return terminalRecipient[s]
}

// Recipient is one addressee of one campaign. Created when the campaign is
// queued and never deleted while the campaign exists.
type Recipient struct {
	ID         string  `json:"id" db:"id"`
	CampaignID string  `json:"campaign_id" db:"campaign_id"`
	ContactID  *string `json:"contact_id" db:"contact_id"`
	Email      string  `json:"email" db:"email"`

	Status RecipientStatus `json:"status" db:"status"`

	// TrackingID is the opaque, unguessable token used by the pixel, click
	// and unsubscribe URLs. Minted once at creation.
	TrackingID string `json:"tracking_id" db:"tracking_id"`

	// MergeData holds the per-recipient template variables.
	MergeData map[string]string `json:"merge_data,omitempty" db:"merge_data"`

	// MessageID is the provider message id returned by the send call.
	MessageID string `json:"message_id,omitempty" db:"message_id"`

	OpenCount    int        `json:"open_count" db:"open_count"`
	ClickCount   int        `json:"click_count" db:"click_count"`
	OpenedAt     *time.Time `json:"opened_at" db:"opened_at"`
	ClickedAt    *time.Time `json:"clicked_at" db:"clicked_at"`
	SentAt       *time.Time `json:"sent_at" db:"sent_at"`
	ErrorMessage string     `json:"error_message" db:"error_message"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
