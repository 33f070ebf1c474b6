package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobState enumerates the queue-internal lifecycle of a job.
type JobState string

const (
	JobWaiting   JobState = "waiting"
	JobActive    JobState = "active"
	JobDelayed   JobState = "delayed"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// jobNamespace seeds deterministic job ids so re-enqueueing the same
// recipient always produces the same id.
var jobNamespace = uuid.MustParse("7a1e4b52-9c33-4cf0-8f2e-d5a0b6e1c4a9")

// JobIDFor derives the deterministic job id for a recipient.
func JobIDFor(recipientID string) string {
	return uuid.NewSHA1(jobNamespace, []byte(recipientID)).String()
}

// DedupeKeyFor builds the dedupe key that makes duplicate enqueue of the
// same logical send a no-op while a job is outstanding.
func DedupeKeyFor(recipientID string) string {
	return fmt.Sprintf("email-%s", recipientID)
}

// JobPayload carries everything a worker needs to render and send one email.
type JobPayload struct {
	CampaignID   string            `json:"campaign_id"`
	RecipientID  string            `json:"recipient_id"`
	Email        string            `json:"email"`
	Subject      string            `json:"subject"`
	HTMLContent  string            `json:"html_content"`
	PlainContent string            `json:"plain_content"`
	FromName     string            `json:"from_name"`
	FromEmail    string            `json:"from_email"`
	ReplyTo      string            `json:"reply_to"`
	TrackingID   string            `json:"tracking_id"`
	SMTPConfigID string            `json:"smtp_config_id,omitempty"`
	MergeData    map[string]string `json:"merge_data,omitempty"`
}

// Job is one unit of queued work: one recipient send attempt.
type Job struct {
	ID          string     `json:"id" db:"id"`
	DedupeKey   string     `json:"dedupe_key" db:"dedupe_key"`
	CampaignID  string     `json:"campaign_id" db:"campaign_id"`
	RecipientID string     `json:"recipient_id" db:"recipient_id"`
	Payload     JobPayload `json:"payload" db:"payload"`

	State       JobState `json:"state" db:"state"`
	Priority    int      `json:"priority" db:"priority"`
	Attempts    int      `json:"attempts" db:"attempts"`
	MaxAttempts int      `json:"max_attempts" db:"max_attempts"`

	ScheduledAt time.Time  `json:"scheduled_at" db:"scheduled_at"`
	LockedAt    *time.Time `json:"locked_at" db:"locked_at"`
	LockedBy    *string    `json:"locked_by" db:"locked_by"`
	LastError   string     `json:"last_error" db:"last_error"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
