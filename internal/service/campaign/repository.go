package campaign

import (
	"context"
	"time"

	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/domain"
)

// Repository defines the data access contract for campaigns and their
// recipients. Implementations must be safe for concurrent use. Every
// status change is a compare-and-set on the current status so two
// concurrent operators cannot both win a transition.
type Repository interface {
	// Get returns a single campaign. Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, id string) (*domain.Campaign, error)

	// TransitionStatus moves a campaign from to one of the allowed current
	// statuses to the target status. Returns ErrInvalidTransition when the
	// campaign is not in any of the from statuses.
	TransitionStatus(ctx context.Context, id string, from []domain.CampaignStatus, to domain.CampaignStatus) error

	// Schedule stamps scheduled_at on a campaign moving to scheduled
	// status, or clears it when the campaign reverts to draft.
	Schedule(ctx context.Context, id string, at *time.Time, to domain.CampaignStatus) error

	// MarkSending flips an eligible campaign to sending, stamping
	// started_at and total_recipients in the same statement.
	MarkSending(ctx context.Context, id string, from domain.CampaignStatus, totalRecipients int) error

	// RollbackQueue undoes MarkSending after an enqueue failure: status
	// back to draft, started_at cleared.
	RollbackQueue(ctx context.Context, id string) error

	// MarkCompleted finishes a sending campaign once every recipient is
	// accounted for. The statement carries the sent+bounced >= total guard;
	// returns false when the guard did not pass or completion already won.
	MarkCompleted(ctx context.Context, id string) (bool, error)

	// ListDueScheduled returns ids of scheduled campaigns whose
	// scheduled_at has passed, oldest first.
	ListDueScheduled(ctx context.Context, limit int) ([]string, error)

	// CountRecipients returns the recipient total for a campaign.
	CountRecipients(ctx context.Context, campaignID string) (int, error)

	// RecipientPage returns recipients ordered by id, strictly after the
	// cursor id ("" for the first page). Used to walk large campaigns in
	// bounded batches.
	RecipientPage(ctx context.Context, campaignID, afterID string, limit int) ([]domain.Recipient, error)

	// FailedRecipientPage is RecipientPage restricted to recipients in a
	// terminally-undelivered status (failed or bounced).
	FailedRecipientPage(ctx context.Context, campaignID, afterID string, limit int) ([]domain.Recipient, error)

	// MarkRecipientsQueued moves the given recipients to queued status.
	MarkRecipientsQueued(ctx context.Context, recipientIDs []string) error

	// ReleaseBouncedCount removes n units from the campaign bounced
	// aggregate. Used when terminal recipients are reopened for retry:
	// their earlier failure was counted, and the retry outcome will be
	// counted again.
	ReleaseBouncedCount(ctx context.Context, campaignID string, n int) error

	// FailPendingRecipients terminally fails every recipient of the
	// campaign still waiting to be sent, recording reason. Returns the
	// number affected.
	FailPendingRecipients(ctx context.Context, campaignID, reason string) (int, error)
}
