package transport

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/pkg/logger"
)

// DevNull is a transport for local runs with SES disabled. It accepts
// every envelope, logs it, and fabricates a message id so the rest of the
// pipeline (tracking, counters, webhook correlation) behaves normally.
type DevNull struct {
	log *logger.Logger
}

// NewDevNull returns a transport that discards everything it sends.
func NewDevNull() *DevNull {
	return &DevNull{log: logger.Component("transport.devnull")}
}

// Send logs the envelope and returns a synthetic message id.
func (d *DevNull) Send(_ context.Context, env *Envelope) (*Result, error) {
	d.log.Info("discarding email",
		"to", env.To,
		"subject", env.Subject,
		"campaign_id", env.CampaignID,
	)
	return &Result{
		MessageID: "devnull-" + uuid.New().String(),
		SentAt:    time.Now().UTC(),
	}, nil
}

// Close is a no-op.
func (d *DevNull) Close() error { return nil }
