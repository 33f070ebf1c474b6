package queue

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/domain"
)

func setupQueue(t *testing.T, opts Options) (*Queue, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, opts), mock
}

func TestBackoffDoublesFromBase(t *testing.T) {
	q, _ := setupQueue(t, Options{
		RetryBase: 30 * time.Second,
		RetryCap:  30 * time.Minute,
	})

	assert.Equal(t, 30*time.Second, q.Backoff(1))
	assert.Equal(t, 1*time.Minute, q.Backoff(2))
	assert.Equal(t, 2*time.Minute, q.Backoff(3))
	assert.Equal(t, 16*time.Minute, q.Backoff(6))
}

func TestBackoffCapped(t *testing.T) {
	q, _ := setupQueue(t, Options{
		RetryBase: 30 * time.Second,
		RetryCap:  30 * time.Minute,
	})

	assert.Equal(t, 30*time.Minute, q.Backoff(7))
	assert.Equal(t, 30*time.Minute, q.Backoff(50))
	// Nonsense attempt numbers clamp to the first delay.
	assert.Equal(t, 30*time.Second, q.Backoff(0))
	assert.Equal(t, 30*time.Second, q.Backoff(-3))
}

func TestJobIDDeterministic(t *testing.T) {
	a := domain.JobIDFor("rcpt-1")
	b := domain.JobIDFor("rcpt-1")
	c := domain.JobIDFor("rcpt-2")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestEnqueueInsertsWaitingJob(t *testing.T) {
	q, mock := setupQueue(t, Options{MaxAttempts: 5})

	payload := domain.JobPayload{CampaignID: "camp-1", RecipientID: "rcpt-1", Email: "user@example.com"}
	wantID := domain.JobIDFor("rcpt-1")

	mock.ExpectExec(`INSERT INTO mailing_jobs`).
		WithArgs(wantID, domain.DedupeKeyFor("rcpt-1"), "camp-1", "rcpt-1",
			sqlmock.AnyArg(), 0, 5, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	id, enqueued, err := q.Enqueue(context.Background(), payload, EnqueueOpts{})
	require.NoError(t, err)
	assert.Equal(t, wantID, id)
	assert.True(t, enqueued)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueDuplicateAbsorbed(t *testing.T) {
	q, mock := setupQueue(t, Options{MaxAttempts: 5})

	// Conflict with an in-flight job: the upsert matches zero rows.
	mock.ExpectExec(`INSERT INTO mailing_jobs`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	payload := domain.JobPayload{CampaignID: "camp-1", RecipientID: "rcpt-1"}
	id, enqueued, err := q.Enqueue(context.Background(), payload, EnqueueOpts{})
	require.NoError(t, err)
	assert.Equal(t, domain.JobIDFor("rcpt-1"), id)
	assert.False(t, enqueued)
}

func TestEnqueueWhileDraining(t *testing.T) {
	q, _ := setupQueue(t, Options{})
	q.Drain()

	_, _, err := q.Enqueue(context.Background(), domain.JobPayload{RecipientID: "rcpt-1"}, EnqueueOpts{})
	assert.ErrorIs(t, err, ErrDraining)
}

func TestLeaseWhilePaused(t *testing.T) {
	q, mock := setupQueue(t, Options{})
	q.Pause()

	// No query must reach the database while paused.
	job, err := q.Lease(context.Background(), "worker-1")
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLeaseEmptyQueue(t *testing.T) {
	q, mock := setupQueue(t, Options{})

	mock.ExpectQuery(`UPDATE mailing_jobs`).
		WithArgs("worker-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	job, err := q.Lease(context.Background(), "worker-1")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestAckUnknownJob(t *testing.T) {
	q, mock := setupQueue(t, Options{})

	mock.ExpectExec(`SET state = 'completed'`).
		WithArgs("job-x").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := q.Ack(context.Background(), "job-x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFailRecordsAttemptInOneStatement(t *testing.T) {
	q, mock := setupQueue(t, Options{RetryBase: 30 * time.Second, RetryCap: 30 * time.Minute, MaxAttempts: 5})

	// One guarded UPDATE: attempt increment, outcome and backoff together.
	mock.ExpectExec(`SET attempts = attempts \+ 1,`).
		WithArgs("job-1", "worker-1", "smtp timeout", false, float64(30), float64(1800)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := q.Fail(context.Background(), "job-1", "worker-1", "smtp timeout", false)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFailPermanentDeadLetters(t *testing.T) {
	q, mock := setupQueue(t, Options{MaxAttempts: 5})

	mock.ExpectExec(`state = CASE WHEN \$4::bool OR attempts \+ 1 >= max_attempts`).
		WithArgs("job-1", "worker-1", "address rejected", true, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := q.Fail(context.Background(), "job-1", "worker-1", "address rejected", true)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFailRequiresHeldLease(t *testing.T) {
	q, mock := setupQueue(t, Options{MaxAttempts: 3})

	// The job was reclaimed and re-leased elsewhere: the locked_by guard
	// rejects the laggard's report instead of flipping the new attempt.
	mock.ExpectExec(`WHERE id = \$1 AND state = 'active' AND locked_by = \$2`).
		WithArgs("job-1", "worker-stale", "smtp timeout", false, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := q.Fail(context.Background(), "job-1", "worker-stale", "smtp timeout", false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRequeueKeepsAttemptCount(t *testing.T) {
	q, mock := setupQueue(t, Options{})

	mock.ExpectExec(`SET state = 'delayed', scheduled_at`).
		WithArgs("job-1", "30s").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := q.Requeue(context.Background(), "job-1", 30*time.Second)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelByCampaignSparesActive(t *testing.T) {
	q, mock := setupQueue(t, Options{})

	mock.ExpectExec(`DELETE FROM mailing_jobs\s+WHERE campaign_id = \$1 AND state IN \('waiting', 'delayed'\)`).
		WithArgs("camp-1").
		WillReturnResult(sqlmock.NewResult(0, 12))

	n, err := q.CancelByCampaign(context.Background(), "camp-1")
	require.NoError(t, err)
	assert.Equal(t, 12, n)
}

func TestCleanRejectsNonTerminalState(t *testing.T) {
	q, _ := setupQueue(t, Options{})

	_, err := q.Clean(context.Background(), time.Hour, 100, domain.JobWaiting)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "terminal states")
}

func TestRecoverySweepReclaimsAndFails(t *testing.T) {
	q, mock := setupQueue(t, Options{VisibilityTimeout: 5 * time.Minute})
	rec := NewRecovery(q, time.Minute)

	var stalled []string
	rec.OnStalled = func(jobID string) { stalled = append(stalled, jobID) }

	type deadLetter struct{ jobID, campaignID, recipientID string }
	var dead []deadLetter
	rec.OnDeadLettered = func(jobID, campaignID, recipientID string) {
		dead = append(dead, deadLetter{jobID, campaignID, recipientID})
	}

	mock.ExpectQuery(`SET state = 'waiting'`).
		WithArgs("5m0s").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("job-a").AddRow("job-b"))
	mock.ExpectQuery(`SET state = 'failed'`).
		WithArgs("5m0s").
		WillReturnRows(sqlmock.NewRows([]string{"id", "campaign_id", "recipient_id"}).
			AddRow("job-c", "camp-1", "rcpt-9"))

	n, err := rec.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"job-a", "job-b"}, stalled)
	// Dead-lettered jobs are reported so the recipient gets failed too.
	assert.Equal(t, []deadLetter{{"job-c", "camp-1", "rcpt-9"}}, dead)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecoveryDefaultInterval(t *testing.T) {
	q, _ := setupQueue(t, Options{VisibilityTimeout: 10 * time.Minute})
	rec := NewRecovery(q, 0)
	assert.Equal(t, 5*time.Minute, rec.interval)
}
