// Package transport delivers rendered emails through an ESP. The worker
// pool only sees the Transport interface; the SES adapter lives behind it
// so tests and local runs can swap in a fake.
package transport

import (
	"context"
	"errors"
	"time"
)

// Envelope is one fully rendered, ready-to-send email.
type Envelope struct {
	To       string
	From     string
	FromName string
	ReplyTo  string
	Subject  string
	HTML     string
	Text     string

	// Headers are extra SMTP headers, e.g. List-Unsubscribe.
	Headers map[string]string

	// CampaignID and RecipientID tag the message for webhook correlation.
	CampaignID  string
	RecipientID string
}

// Result reports a successful delivery handoff.
type Result struct {
	MessageID string
	SentAt    time.Time
}

// Transport sends emails. Implementations must be safe for concurrent use.
type Transport interface {
	Send(ctx context.Context, env *Envelope) (*Result, error)
	Close() error
}

// PermanentError marks a send failure that retrying cannot fix: bad
// address, rejected content, suspended sending account. The queue dead
// letters these instead of backing off.
type PermanentError struct {
	Reason string
	Err    error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a permanent failure.
func Permanent(reason string, err error) error {
	return &PermanentError{Reason: reason, Err: err}
}

// IsPermanent reports whether err is a permanent send failure.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
