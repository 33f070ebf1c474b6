package suppression

import (
	"context"

	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/domain"
)

// Repository defines the data access contract for the suppression list.
// Emails are stored normalized; callers go through the service so the
// normalization is applied consistently.
type Repository interface {
	// IsSuppressed returns true if the email is on the suppression list.
	IsSuppressed(ctx context.Context, email string) (bool, error)

	// Suppress adds an email to the suppression list. If it already exists,
	// the existing record is preserved (idempotent).
	Suppress(ctx context.Context, entry *domain.SuppressionEntry) error

	// Remove deletes a suppression entry. Returns ErrNotFound if it doesn't exist.
	Remove(ctx context.Context, email string) error

	// List returns suppression entries matching the filter plus the total
	// count before pagination.
	List(ctx context.Context, filter ListFilter) ([]domain.SuppressionEntry, int, error)

	// Count returns the total number of suppressed emails.
	Count(ctx context.Context) (int, error)
}

// ListFilter controls pagination and filtering for suppression lists.
type ListFilter struct {
	Reason string
	Source string
	Search string
	Limit  int
	Offset int
}
