// Package queue implements the durable job queue backing the campaign send
// pipeline. Jobs are persisted in Postgres; leasing uses row locking with
// SKIP LOCKED so two workers can never claim the same job, and a visibility
// timeout so jobs held by a crashed worker are reclaimed.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/domain"
	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/pkg/logger"
)

var (
	// ErrDraining is returned by Enqueue once Drain has been called.
	ErrDraining = errors.New("queue is draining, not accepting new jobs")

	// ErrNotFound is returned when a job id does not resolve.
	ErrNotFound = errors.New("job not found")
)

// Options tunes queue behavior. Zero values fall back to defaults.
type Options struct {
	// VisibilityTimeout is how long a leased job stays invisible before the
	// recovery pass hands it to another worker.
	VisibilityTimeout time.Duration

	// MaxAttempts is the retry ceiling for transient failures.
	MaxAttempts int

	// RetryBase is the first retry delay; each subsequent retry doubles it.
	RetryBase time.Duration

	// RetryCap bounds the exponential backoff.
	RetryCap time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.VisibilityTimeout <= 0 {
		out.VisibilityTimeout = 5 * time.Minute
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 5
	}
	if out.RetryBase <= 0 {
		out.RetryBase = 30 * time.Second
	}
	if out.RetryCap <= 0 {
		out.RetryCap = 30 * time.Minute
	}
	return out
}

// Queue is the durable job queue. Safe for concurrent use; all state lives
// in Postgres except the paused/draining flags, which gate this process's
// leasing and intake.
type Queue struct {
	db   *sql.DB
	opts Options
	log  *logger.Logger

	paused   atomic.Bool
	draining atomic.Bool
}

// New creates a queue over the given database handle.
func New(db *sql.DB, opts Options) *Queue {
	return &Queue{
		db:   db,
		opts: opts.withDefaults(),
		log:  logger.Component("queue"),
	}
}

// EnqueueOpts carries per-job enqueue options.
type EnqueueOpts struct {
	Priority int
	Delay    time.Duration
}

// Enqueue inserts one job. The job id is deterministic from the recipient,
// so enqueueing the same recipient is idempotent: a no-op while the job is
// in flight, a revival (fresh attempt counter) once it is terminal.
// Returns the job id and whether a new attempt round was actually scheduled.
func (q *Queue) Enqueue(ctx context.Context, payload domain.JobPayload, opts EnqueueOpts) (string, bool, error) {
	if q.draining.Load() {
		return "", false, ErrDraining
	}

	jobID := domain.JobIDFor(payload.RecipientID)
	body, err := json.Marshal(payload)
	if err != nil {
		return "", false, fmt.Errorf("marshal payload: %w", err)
	}

	res, err := q.db.ExecContext(ctx, `
		INSERT INTO mailing_jobs (
			id, dedupe_key, campaign_id, recipient_id, payload,
			state, priority, attempts, max_attempts,
			scheduled_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, 'waiting', $6, 0, $7, NOW() + $8::interval, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			state = 'waiting',
			payload = EXCLUDED.payload,
			priority = EXCLUDED.priority,
			attempts = 0,
			last_error = '',
			scheduled_at = EXCLUDED.scheduled_at,
			locked_at = NULL,
			locked_by = NULL,
			updated_at = NOW()
		WHERE mailing_jobs.state IN ('completed', 'failed')
	`, jobID, domain.DedupeKeyFor(payload.RecipientID), payload.CampaignID, payload.RecipientID,
		body, opts.Priority, q.opts.MaxAttempts, opts.Delay.String())
	if err != nil {
		return "", false, fmt.Errorf("enqueue job: %w", err)
	}

	n, _ := res.RowsAffected()
	return jobID, n > 0, nil
}

// BulkResult reports the outcome of EnqueueBulk. Skipped counts duplicate
// enqueues absorbed by the dedupe rule; they are reported, never dropped
// silently.
type BulkResult struct {
	Enqueued int `json:"enqueued"`
	Skipped  int `json:"skipped"`
}

// enqueueBatchSize bounds how many rows go into a single INSERT.
const enqueueBatchSize = 500

// EnqueueBulk inserts many jobs in one transaction. From the caller's
// perspective it is all-or-nothing: any statement error rolls back every
// row and is returned.
func (q *Queue) EnqueueBulk(ctx context.Context, payloads []domain.JobPayload, priority int) (BulkResult, error) {
	var result BulkResult
	if q.draining.Load() {
		return result, ErrDraining
	}
	if len(payloads) == 0 {
		return result, nil
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("begin enqueue tx: %w", err)
	}
	defer tx.Rollback()

	for start := 0; start < len(payloads); start += enqueueBatchSize {
		end := start + enqueueBatchSize
		if end > len(payloads) {
			end = len(payloads)
		}
		n, err := q.insertBatch(ctx, tx, payloads[start:end], priority)
		if err != nil {
			return BulkResult{}, err
		}
		result.Enqueued += n
		result.Skipped += (end - start) - n
	}

	if err := tx.Commit(); err != nil {
		return BulkResult{}, fmt.Errorf("commit enqueue tx: %w", err)
	}
	return result, nil
}

func (q *Queue) insertBatch(ctx context.Context, tx *sql.Tx, payloads []domain.JobPayload, priority int) (int, error) {
	placeholders := make([]string, 0, len(payloads))
	args := make([]any, 0, len(payloads)*7)

	for i, p := range payloads {
		body, err := json.Marshal(p)
		if err != nil {
			return 0, fmt.Errorf("marshal payload for recipient %s: %w", p.RecipientID, err)
		}
		base := i * 7
		placeholders = append(placeholders, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, 'waiting', $%d, 0, $%d, NOW(), NOW(), NOW())",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7))
		args = append(args,
			domain.JobIDFor(p.RecipientID), domain.DedupeKeyFor(p.RecipientID),
			p.CampaignID, p.RecipientID, body, priority, q.opts.MaxAttempts)
	}

	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO mailing_jobs (
			id, dedupe_key, campaign_id, recipient_id, payload,
			state, priority, attempts, max_attempts,
			scheduled_at, created_at, updated_at
		) VALUES %s
		ON CONFLICT (id) DO UPDATE SET
			state = 'waiting',
			payload = EXCLUDED.payload,
			priority = EXCLUDED.priority,
			attempts = 0,
			last_error = '',
			scheduled_at = NOW(),
			locked_at = NULL,
			locked_by = NULL,
			updated_at = NOW()
		WHERE mailing_jobs.state IN ('completed', 'failed')
	`, strings.Join(placeholders, ", ")), args...)
	if err != nil {
		return 0, fmt.Errorf("bulk insert jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Lease hands out the next eligible job and marks it active under the
// caller's worker id. Returns nil when the queue is paused, draining for
// lease purposes still serves in-flight work, or no job is due.
func (q *Queue) Lease(ctx context.Context, workerID string) (*domain.Job, error) {
	if q.paused.Load() {
		return nil, nil
	}

	row := q.db.QueryRowContext(ctx, `
		UPDATE mailing_jobs
		SET state = 'active', locked_by = $1, locked_at = NOW(), updated_at = NOW()
		WHERE id = (
			SELECT id FROM mailing_jobs
			WHERE state IN ('waiting', 'delayed')
			  AND scheduled_at <= NOW()
			ORDER BY priority DESC, scheduled_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, dedupe_key, campaign_id, recipient_id, payload,
		          priority, attempts, max_attempts, scheduled_at, created_at
	`, workerID)

	var (
		job  domain.Job
		body []byte
	)
	err := row.Scan(&job.ID, &job.DedupeKey, &job.CampaignID, &job.RecipientID, &body,
		&job.Priority, &job.Attempts, &job.MaxAttempts, &job.ScheduledAt, &job.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease job: %w", err)
	}
	if err := json.Unmarshal(body, &job.Payload); err != nil {
		return nil, fmt.Errorf("decode payload for job %s: %w", job.ID, err)
	}
	job.State = domain.JobActive
	job.LockedBy = &workerID
	return &job, nil
}

// Ack marks a job completed.
func (q *Queue) Ack(ctx context.Context, jobID string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE mailing_jobs
		SET state = 'completed', locked_by = NULL, locked_at = NULL, updated_at = NOW()
		WHERE id = $1 AND state = 'active'
	`, jobID)
	if err != nil {
		return fmt.Errorf("ack job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Fail records a failed attempt. Permanent errors and exhausted attempt
// budgets are terminal; transient errors reschedule the job with
// exponential backoff. The whole outcome is one statement guarded on the
// caller still holding the lease, so a worker whose lease was reclaimed
// and re-leased elsewhere cannot overwrite the new owner's attempt, and
// the attempt increment cannot race a concurrent read. Returns ErrNotFound
// when the lease is no longer held.
func (q *Queue) Fail(ctx context.Context, jobID, workerID, errMsg string, permanent bool) error {
	if len(errMsg) > 500 {
		errMsg = errMsg[:500]
	}

	// SET expressions see the pre-update row, so POWER uses the old
	// attempt count: base * 2^old is exactly the backoff before attempt
	// old+1.
	res, err := q.db.ExecContext(ctx, `
		UPDATE mailing_jobs
		SET attempts = attempts + 1,
		    last_error = $3,
		    state = CASE WHEN $4::bool OR attempts + 1 >= max_attempts
		                 THEN 'failed' ELSE 'delayed' END,
		    scheduled_at = CASE WHEN $4::bool OR attempts + 1 >= max_attempts
		                        THEN scheduled_at
		                        ELSE NOW() + make_interval(secs => LEAST($5 * POWER(2, attempts), $6)) END,
		    locked_by = NULL, locked_at = NULL, updated_at = NOW()
		WHERE id = $1 AND state = 'active' AND locked_by = $2
	`, jobID, workerID, errMsg, permanent,
		q.opts.RetryBase.Seconds(), q.opts.RetryCap.Seconds())
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Backoff returns the retry delay before the given attempt number:
// base * 2^(attempt-1), capped.
func (q *Queue) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := q.opts.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= q.opts.RetryCap {
			return q.opts.RetryCap
		}
	}
	if d > q.opts.RetryCap {
		d = q.opts.RetryCap
	}
	return d
}

// Requeue returns a leased job to the queue without burning an attempt,
// used when the job itself is fine but its campaign is paused.
func (q *Queue) Requeue(ctx context.Context, jobID string, delay time.Duration) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE mailing_jobs
		SET state = 'delayed', scheduled_at = NOW() + $2::interval,
		    locked_by = NULL, locked_at = NULL, updated_at = NOW()
		WHERE id = $1 AND state = 'active'
	`, jobID, delay.String())
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Remove deletes a single job regardless of state.
func (q *Queue) Remove(ctx context.Context, jobID string) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM mailing_jobs WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("remove job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CancelByCampaign deletes all non-terminal, non-active jobs for a campaign.
// In-flight active jobs are left to finish. Returns the number cancelled.
func (q *Queue) CancelByCampaign(ctx context.Context, campaignID string) (int, error) {
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM mailing_jobs
		WHERE campaign_id = $1 AND state IN ('waiting', 'delayed')
	`, campaignID)
	if err != nil {
		return 0, fmt.Errorf("cancel campaign jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// GetByState returns a page of jobs in the given state, oldest first.
func (q *Queue) GetByState(ctx context.Context, state domain.JobState, offset, limit int) ([]domain.Job, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, dedupe_key, campaign_id, recipient_id, payload,
		       state, priority, attempts, max_attempts, last_error,
		       scheduled_at, created_at
		FROM mailing_jobs
		WHERE state = $1
		ORDER BY created_at ASC
		OFFSET $2 LIMIT $3
	`, state, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("jobs by state: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		var (
			job  domain.Job
			body []byte
		)
		if err := rows.Scan(&job.ID, &job.DedupeKey, &job.CampaignID, &job.RecipientID, &body,
			&job.State, &job.Priority, &job.Attempts, &job.MaxAttempts, &job.LastError,
			&job.ScheduledAt, &job.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		if err := json.Unmarshal(body, &job.Payload); err != nil {
			q.log.Warn("undecodable payload", "job_id", job.ID, "err", err.Error())
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Counts is the queue-state snapshot exposed by the ops surface.
type Counts struct {
	Waiting   int  `json:"waiting"`
	Active    int  `json:"active"`
	Delayed   int  `json:"delayed"`
	Completed int  `json:"completed"`
	Failed    int  `json:"failed"`
	Paused    bool `json:"paused"`
	Draining  bool `json:"draining"`
}

// CountByState returns job counts grouped by state plus the pause flags.
func (q *Queue) CountByState(ctx context.Context) (Counts, error) {
	counts := Counts{Paused: q.paused.Load(), Draining: q.draining.Load()}

	rows, err := q.db.QueryContext(ctx, `
		SELECT state, COUNT(*) FROM mailing_jobs GROUP BY state
	`)
	if err != nil {
		return counts, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return counts, fmt.Errorf("scan count: %w", err)
		}
		switch domain.JobState(state) {
		case domain.JobWaiting:
			counts.Waiting = n
		case domain.JobActive:
			counts.Active = n
		case domain.JobDelayed:
			counts.Delayed = n
		case domain.JobCompleted:
			counts.Completed = n
		case domain.JobFailed:
			counts.Failed = n
		}
	}
	return counts, rows.Err()
}

// Pause stops handing out leases. In-flight jobs are unaffected.
func (q *Queue) Pause() { q.paused.Store(true) }

// Resume allows leasing again.
func (q *Queue) Resume() { q.paused.Store(false) }

// Drain stops accepting new work while letting in-flight jobs finish.
func (q *Queue) Drain() { q.draining.Store(true) }

// Draining reports whether Drain has been called.
func (q *Queue) Draining() bool { return q.draining.Load() }

// Clean deletes up to limit jobs in the given terminal state older than
// maxAge. Returns the number deleted.
func (q *Queue) Clean(ctx context.Context, maxAge time.Duration, limit int, state domain.JobState) (int, error) {
	if state != domain.JobCompleted && state != domain.JobFailed {
		return 0, fmt.Errorf("clean only accepts terminal states, got %q", state)
	}
	if limit <= 0 {
		limit = 1000
	}
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM mailing_jobs
		WHERE id IN (
			SELECT id FROM mailing_jobs
			WHERE state = $1 AND updated_at < NOW() - $2::interval
			ORDER BY updated_at ASC
			LIMIT $3
		)
	`, state, maxAge.String(), limit)
	if err != nil {
		return 0, fmt.Errorf("clean jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Health pings the backing store and reports round-trip latency.
type Health struct {
	OK        bool   `json:"ok"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// Ping checks queue storage connectivity.
func (q *Queue) Ping(ctx context.Context) Health {
	start := time.Now()
	err := q.db.PingContext(ctx)
	h := Health{OK: err == nil, LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		h.Error = err.Error()
	}
	return h
}
