package campaign

import "errors"

// Sentinel errors for the campaign service layer.
var (
	ErrNotFound          = errors.New("campaign not found")
	ErrNoRecipients      = errors.New("No recipients to send to")
	ErrInvalidTransition = errors.New("invalid status transition")
)
