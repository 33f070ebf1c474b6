package queue

import (
	"context"
	"fmt"
	"time"
)

// Recovery reclaims jobs whose lease expired without an ack or fail. If a
// worker crashes mid-send, its jobs stay 'active' forever; this loop returns
// them to the queue (under the attempt ceiling) or marks them failed (over
// it). A reclaimed job may have already reached the transport, so delivery
// is at-least-once and downstream state transitions absorb the duplicate.
type Recovery struct {
	queue    *Queue
	interval time.Duration

	// OnStalled, when set, is invoked with each reclaimed job id so the
	// worker pool can publish a stalled lifecycle signal.
	OnStalled func(jobID string)

	// OnDeadLettered, when set, is invoked for each job the sweep failed
	// terminally, so the recipient gets the same terminal accounting a
	// worker-side failure would apply. Without it the recipient stays
	// 'queued' and the campaign never completes.
	OnDeadLettered func(jobID, campaignID, recipientID string)
}

// NewRecovery creates a recovery loop for the queue. Interval defaults to
// half the visibility timeout.
func NewRecovery(q *Queue, interval time.Duration) *Recovery {
	if interval <= 0 {
		interval = q.opts.VisibilityTimeout / 2
	}
	return &Recovery{queue: q, interval: interval}
}

// Run blocks until ctx is cancelled, sweeping for stalled jobs each tick.
func (r *Recovery) Run(ctx context.Context) {
	r.queue.log.Info("recovery loop started",
		"interval", r.interval.String(),
		"visibility_timeout", r.queue.opts.VisibilityTimeout.String())

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.queue.log.Info("recovery loop stopped")
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.queue.log.Error("recovery sweep", "err", err.Error())
			}
		}
	}
}

// Sweep performs one recovery pass and returns the number of jobs reclaimed.
func (r *Recovery) Sweep(ctx context.Context) (int, error) {
	sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	vis := r.queue.opts.VisibilityTimeout.String()

	// Expired leases under the attempt ceiling go back to waiting. The
	// stalled attempt counts against the budget.
	rows, err := r.queue.db.QueryContext(sweepCtx, `
		UPDATE mailing_jobs
		SET state = 'waiting', locked_by = NULL, locked_at = NULL,
		    attempts = attempts + 1, updated_at = NOW()
		WHERE state = 'active'
		  AND locked_at < NOW() - $1::interval
		  AND attempts + 1 < max_attempts
		RETURNING id
	`, vis)
	if err != nil {
		return 0, fmt.Errorf("requeue stalled jobs: %w", err)
	}

	var reclaimed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan stalled job: %w", err)
		}
		reclaimed = append(reclaimed, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	// Expired leases over the ceiling are terminal. Each dead-lettered job
	// is reported so the recipient can be failed too.
	deadRows, err := r.queue.db.QueryContext(sweepCtx, `
		UPDATE mailing_jobs
		SET state = 'failed', last_error = 'lease expired after max attempts',
		    locked_by = NULL, locked_at = NULL,
		    attempts = attempts + 1, updated_at = NOW()
		WHERE state = 'active'
		  AND locked_at < NOW() - $1::interval
		  AND attempts + 1 >= max_attempts
		RETURNING id, campaign_id, recipient_id
	`, vis)
	if err != nil {
		return 0, fmt.Errorf("fail exhausted stalled jobs: %w", err)
	}

	type deadJob struct{ id, campaignID, recipientID string }
	var dead []deadJob
	for deadRows.Next() {
		var d deadJob
		if err := deadRows.Scan(&d.id, &d.campaignID, &d.recipientID); err != nil {
			deadRows.Close()
			return 0, fmt.Errorf("scan dead-lettered job: %w", err)
		}
		dead = append(dead, d)
	}
	deadRows.Close()
	if err := deadRows.Err(); err != nil {
		return 0, err
	}

	if len(dead) > 0 {
		r.queue.log.Warn("stalled jobs exhausted retries", "count", len(dead))
		if r.OnDeadLettered != nil {
			for _, d := range dead {
				r.OnDeadLettered(d.id, d.campaignID, d.recipientID)
			}
		}
	}
	if len(reclaimed) > 0 {
		r.queue.log.Warn("requeued stalled jobs", "count", len(reclaimed))
		if r.OnStalled != nil {
			for _, id := range reclaimed {
				r.OnStalled(id)
			}
		}
	}
	return len(reclaimed), nil
}
