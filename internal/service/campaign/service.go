package campaign

import (
	"context"
	"fmt"
	"time"

	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/domain"
	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/pkg/logger"
	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/queue"
)

// Queue is the job-queue surface the campaign service drives.
type Queue interface {
	EnqueueBulk(ctx context.Context, payloads []domain.JobPayload, priority int) (queue.BulkResult, error)
	CancelByCampaign(ctx context.Context, campaignID string) (int, error)
	CountByState(ctx context.Context) (queue.Counts, error)
}

// Service implements campaign send orchestration. All public methods are
// safe for concurrent use if the repository and queue are.
type Service struct {
	repo      Repository
	queue     Queue
	batchSize int
	log       *logger.Logger
}

// NewService creates a campaign service.
func NewService(repo Repository, q Queue) *Service {
	return &Service{
		repo:      repo,
		queue:     q,
		batchSize: 500,
		log:       logger.Component("campaign"),
	}
}

// QueueCampaign moves an eligible campaign into sending and enqueues one
// job per recipient in bounded batches. Returns the recipient total. An
// enqueue failure rolls the campaign back to draft with started_at cleared;
// partially enqueued jobs are cancelled so a later retry starts clean.
func (s *Service) QueueCampaign(ctx context.Context, id string) (int, error) {
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return 0, err
	}

	if _, err := domain.CampaignTransition(c.Status, domain.EventQueue); err != nil {
		return 0, err
	}

	total, err := s.repo.CountRecipients(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("count recipients: %w", err)
	}
	if total == 0 {
		return 0, ErrNoRecipients
	}

	if err := s.repo.MarkSending(ctx, id, c.Status, total); err != nil {
		return 0, err
	}

	if err := s.enqueueRecipients(ctx, c); err != nil {
		if _, cancelErr := s.queue.CancelByCampaign(ctx, id); cancelErr != nil {
			s.log.Error("cancel partial enqueue", "campaign_id", id, "err", cancelErr.Error())
		}
		if rbErr := s.repo.RollbackQueue(ctx, id); rbErr != nil {
			s.log.Error("rollback to draft", "campaign_id", id, "err", rbErr.Error())
		}
		return 0, fmt.Errorf("enqueue recipients: %w", err)
	}

	s.log.Info("campaign queued", "campaign_id", id, "recipients", total)
	return total, nil
}

func (s *Service) enqueueRecipients(ctx context.Context, c *domain.Campaign) error {
	afterID := ""
	for {
		page, err := s.repo.RecipientPage(ctx, c.ID, afterID, s.batchSize)
		if err != nil {
			return fmt.Errorf("page recipients: %w", err)
		}
		if len(page) == 0 {
			return nil
		}

		payloads := make([]domain.JobPayload, 0, len(page))
		ids := make([]string, 0, len(page))
		for _, r := range page {
			payloads = append(payloads, s.payloadFor(c, r))
			ids = append(ids, r.ID)
		}

		if _, err := s.queue.EnqueueBulk(ctx, payloads, 0); err != nil {
			return err
		}
		if err := s.repo.MarkRecipientsQueued(ctx, ids); err != nil {
			return fmt.Errorf("mark recipients queued: %w", err)
		}

		afterID = page[len(page)-1].ID
		if len(page) < s.batchSize {
			return nil
		}
	}
}

func (s *Service) payloadFor(c *domain.Campaign, r domain.Recipient) domain.JobPayload {
	p := domain.JobPayload{
		CampaignID:   c.ID,
		RecipientID:  r.ID,
		Email:        r.Email,
		Subject:      c.Subject,
		HTMLContent:  c.HTMLContent,
		PlainContent: c.PlainContent,
		FromName:     c.FromName,
		FromEmail:    c.FromEmail,
		ReplyTo:      c.ReplyTo,
		TrackingID:   r.TrackingID,
		MergeData:    r.MergeData,
	}
	if c.SMTPConfigID != nil {
		p.SMTPConfigID = *c.SMTPConfigID
	}
	return p
}

// ScheduleCampaign moves a draft campaign to scheduled at the given time.
func (s *Service) ScheduleCampaign(ctx context.Context, id string, at time.Time) error {
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	next, err := domain.CampaignTransition(c.Status, domain.EventSchedule)
	if err != nil {
		return err
	}
	if !at.After(time.Now()) {
		return fmt.Errorf("scheduled time must be in the future")
	}
	return s.repo.Schedule(ctx, id, &at, next)
}

// UnscheduleCampaign reverts a scheduled campaign to draft.
func (s *Service) UnscheduleCampaign(ctx context.Context, id string) error {
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	next, err := domain.CampaignTransition(c.Status, domain.EventRevert)
	if err != nil {
		return err
	}
	return s.repo.Schedule(ctx, id, nil, next)
}

// PauseCampaign stops leasing a campaign's jobs. In-flight sends finish;
// workers requeue anything leased after the flip.
func (s *Service) PauseCampaign(ctx context.Context, id string) error {
	return s.transition(ctx, id, domain.EventPause)
}

// ResumeCampaign puts a paused campaign back into sending.
func (s *Service) ResumeCampaign(ctx context.Context, id string) error {
	return s.transition(ctx, id, domain.EventResume)
}

func (s *Service) transition(ctx context.Context, id string, event domain.CampaignEvent) error {
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	next, err := domain.CampaignTransition(c.Status, event)
	if err != nil {
		return err
	}
	return s.repo.TransitionStatus(ctx, id, []domain.CampaignStatus{c.Status}, next)
}

// CancelCampaign cancels a sending or paused campaign: queued jobs are
// deleted, recipients never sent are failed with "Campaign cancelled".
// Returns the number of jobs cancelled.
func (s *Service) CancelCampaign(ctx context.Context, id string) (int, error) {
	if err := s.transition(ctx, id, domain.EventCancel); err != nil {
		return 0, err
	}

	cancelled, err := s.queue.CancelByCampaign(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("cancel queued jobs: %w", err)
	}

	failed, err := s.repo.FailPendingRecipients(ctx, id, "Campaign cancelled")
	if err != nil {
		return cancelled, fmt.Errorf("fail pending recipients: %w", err)
	}

	s.log.Info("campaign cancelled", "campaign_id", id, "jobs_cancelled", cancelled, "recipients_failed", failed)
	return cancelled, nil
}

// RetryFailedRecipients re-enqueues every terminally failed recipient of a
// campaign and returns how many were queued again. The deterministic job id
// revives each recipient's terminal job with a fresh attempt budget. A
// completed campaign moves back to sending.
func (s *Service) RetryFailedRecipients(ctx context.Context, id string) (int, error) {
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return 0, err
	}

	switch c.Status {
	case domain.CampaignSending, domain.CampaignPaused:
		// Retry without a status change.
	case domain.CampaignCompleted:
		next, err := domain.CampaignTransition(c.Status, domain.EventRetry)
		if err != nil {
			return 0, err
		}
		if err := s.repo.TransitionStatus(ctx, id, []domain.CampaignStatus{c.Status}, next); err != nil {
			return 0, err
		}
	default:
		return 0, &domain.TransitionError{Current: c.Status, Event: domain.EventRetry}
	}

	retried := 0
	afterID := ""
	for {
		page, err := s.repo.FailedRecipientPage(ctx, id, afterID, s.batchSize)
		if err != nil {
			return retried, fmt.Errorf("page failed recipients: %w", err)
		}
		if len(page) == 0 {
			break
		}

		payloads := make([]domain.JobPayload, 0, len(page))
		ids := make([]string, 0, len(page))
		for _, r := range page {
			payloads = append(payloads, s.payloadFor(c, r))
			ids = append(ids, r.ID)
		}

		if _, err := s.queue.EnqueueBulk(ctx, payloads, 0); err != nil {
			return retried, fmt.Errorf("enqueue retries: %w", err)
		}
		if err := s.repo.MarkRecipientsQueued(ctx, ids); err != nil {
			return retried, fmt.Errorf("mark recipients queued: %w", err)
		}
		if err := s.repo.ReleaseBouncedCount(ctx, id, len(page)); err != nil {
			return retried, fmt.Errorf("release bounced count: %w", err)
		}
		retried += len(page)

		afterID = page[len(page)-1].ID
		if len(page) < s.batchSize {
			break
		}
	}

	s.log.Info("failed recipients retried", "campaign_id", id, "count", retried)
	return retried, nil
}

// CheckAndCompleteCampaign flips a sending campaign to completed once every
// recipient is terminally accounted for. Safe to call from every progress
// signal: the completion guard lives in one conditional statement, so
// exactly one caller wins and completed_at is stamped once.
func (s *Service) CheckAndCompleteCampaign(ctx context.Context, id string) (bool, error) {
	done, err := s.repo.MarkCompleted(ctx, id)
	if err != nil {
		return false, err
	}
	if done {
		s.log.Info("campaign completed", "campaign_id", id)
	}
	return done, nil
}

// StartDueScheduled queues every scheduled campaign whose time has come.
// Returns the number of campaigns started.
func (s *Service) StartDueScheduled(ctx context.Context) (int, error) {
	ids, err := s.repo.ListDueScheduled(ctx, 100)
	if err != nil {
		return 0, fmt.Errorf("list due campaigns: %w", err)
	}

	started := 0
	for _, id := range ids {
		if _, err := s.QueueCampaign(ctx, id); err != nil {
			s.log.Error("start scheduled campaign", "campaign_id", id, "err", err.Error())
			continue
		}
		started++
	}
	return started, nil
}

// Status is the operator-facing snapshot of a campaign plus queue health.
type Status struct {
	CampaignID string       `json:"campaign_id"`
	Status     string       `json:"status"`
	Progress   float64      `json:"progress"`
	Total      int          `json:"total_recipients"`
	Sent       int          `json:"sent_count"`
	Bounced    int          `json:"bounced_count"`
	Opened     int          `json:"opened_count"`
	Clicked    int          `json:"clicked_count"`
	Queue      queue.Counts `json:"queue"`
}

// QueueStatus reports campaign progress and queue counts.
func (s *Service) QueueStatus(ctx context.Context, id string) (*Status, error) {
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	counts, err := s.queue.CountByState(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue counts: %w", err)
	}

	return &Status{
		CampaignID: c.ID,
		Status:     c.UIStatus(),
		Progress:   c.Progress(),
		Total:      c.TotalRecipients,
		Sent:       c.SentCount,
		Bounced:    c.BouncedCount,
		Opened:     c.OpenedCount,
		Clicked:    c.ClickedCount,
		Queue:      counts,
	}, nil
}
