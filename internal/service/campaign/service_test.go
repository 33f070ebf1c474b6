package campaign

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/domain"
	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/queue"
)

// memRepo is an in-memory Repository for service tests.
type memRepo struct {
	mu         sync.Mutex
	campaigns  map[string]*domain.Campaign
	recipients map[string][]*domain.Recipient // campaignID -> recipients
}

func newMemRepo() *memRepo {
	return &memRepo{
		campaigns:  make(map[string]*domain.Campaign),
		recipients: make(map[string][]*domain.Recipient),
	}
}

func (m *memRepo) addCampaign(c *domain.Campaign) {
	m.campaigns[c.ID] = c
}

func (m *memRepo) addRecipients(campaignID string, n int, status domain.RecipientStatus) {
	// Fixed-width ids so the keyset cursor's string comparison matches the
	// insertion order, like zero-padded ids in the real table would.
	for i := 0; i < n; i++ {
		m.recipients[campaignID] = append(m.recipients[campaignID], &domain.Recipient{
			ID:         fmt.Sprintf("%s-rcpt-%06d", campaignID, len(m.recipients[campaignID])),
			CampaignID: campaignID,
			Email:      fmt.Sprintf("user%d@example.com", i),
			Status:     status,
			TrackingID: fmt.Sprintf("trk-%d", i),
		})
	}
}

func (m *memRepo) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memRepo) TransitionStatus(ctx context.Context, id string, from []domain.CampaignStatus, to domain.CampaignStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return ErrNotFound
	}
	for _, f := range from {
		if c.Status == f {
			c.Status = to
			return nil
		}
	}
	return ErrInvalidTransition
}

func (m *memRepo) Schedule(ctx context.Context, id string, at *time.Time, to domain.CampaignStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = to
	c.ScheduledAt = at
	return nil
}

func (m *memRepo) MarkSending(ctx context.Context, id string, from domain.CampaignStatus, total int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return ErrNotFound
	}
	if c.Status != from {
		return ErrInvalidTransition
	}
	now := time.Now()
	c.Status = domain.CampaignSending
	c.StartedAt = &now
	c.TotalRecipients = total
	return nil
}

func (m *memRepo) RollbackQueue(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = domain.CampaignDraft
	c.StartedAt = nil
	return nil
}

func (m *memRepo) MarkCompleted(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return false, ErrNotFound
	}
	if c.Status != domain.CampaignSending || c.SentCount+c.BouncedCount < c.TotalRecipients {
		return false, nil
	}
	now := time.Now()
	c.Status = domain.CampaignCompleted
	c.CompletedAt = &now
	return true, nil
}

func (m *memRepo) ListDueScheduled(ctx context.Context, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	now := time.Now()
	for id, c := range m.campaigns {
		if c.Status == domain.CampaignScheduled && c.ScheduledAt != nil && !c.ScheduledAt.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memRepo) CountRecipients(ctx context.Context, campaignID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recipients[campaignID]), nil
}

func (m *memRepo) RecipientPage(ctx context.Context, campaignID, afterID string, limit int) ([]domain.Recipient, error) {
	return m.page(campaignID, afterID, limit)
}

func (m *memRepo) FailedRecipientPage(ctx context.Context, campaignID, afterID string, limit int) ([]domain.Recipient, error) {
	return m.page(campaignID, afterID, limit, domain.RecipientFailed, domain.RecipientBounced)
}

func (m *memRepo) page(campaignID, afterID string, limit int, statuses ...domain.RecipientStatus) ([]domain.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Keyset pages come back in id order like the real query's ORDER BY.
	recs := make([]*domain.Recipient, len(m.recipients[campaignID]))
	copy(recs, m.recipients[campaignID])
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })

	var out []domain.Recipient
	for _, r := range recs {
		if r.ID <= afterID {
			continue
		}
		if len(statuses) > 0 {
			match := false
			for _, s := range statuses {
				if r.Status == s {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, *r)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memRepo) MarkRecipientsQueued(ctx context.Context, recipientIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[string]bool, len(recipientIDs))
	for _, id := range recipientIDs {
		want[id] = true
	}
	for _, rs := range m.recipients {
		for _, r := range rs {
			if want[r.ID] {
				r.Status = domain.RecipientQueued
			}
		}
	}
	return nil
}

func (m *memRepo) ReleaseBouncedCount(ctx context.Context, campaignID string, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[campaignID]
	if !ok {
		return ErrNotFound
	}
	c.BouncedCount -= n
	if c.BouncedCount < 0 {
		c.BouncedCount = 0
	}
	return nil
}

func (m *memRepo) FailPendingRecipients(ctx context.Context, campaignID, reason string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.recipients[campaignID] {
		if r.Status == domain.RecipientPending || r.Status == domain.RecipientQueued {
			r.Status = domain.RecipientFailed
			r.ErrorMessage = reason
			n++
		}
	}
	return n, nil
}

// fakeQueue records enqueued payloads and can be told to fail.
type fakeQueue struct {
	mu        sync.Mutex
	enqueued  []domain.JobPayload
	failAfter int // fail the Nth EnqueueBulk call (1-based); 0 = never
	calls     int
	cancelled map[string]int
	counts    queue.Counts
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{cancelled: make(map[string]int)}
}

func (f *fakeQueue) EnqueueBulk(ctx context.Context, payloads []domain.JobPayload, priority int) (queue.BulkResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failAfter > 0 && f.calls >= f.failAfter {
		return queue.BulkResult{}, errors.New("queue storage unavailable")
	}
	f.enqueued = append(f.enqueued, payloads...)
	return queue.BulkResult{Enqueued: len(payloads)}, nil
}

func (f *fakeQueue) CancelByCampaign(ctx context.Context, campaignID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	var kept []domain.JobPayload
	for _, p := range f.enqueued {
		if p.CampaignID == campaignID {
			n++
			continue
		}
		kept = append(kept, p)
	}
	f.enqueued = kept
	f.cancelled[campaignID] += n
	return n, nil
}

func (f *fakeQueue) CountByState(ctx context.Context) (queue.Counts, error) {
	return f.counts, nil
}

func draftCampaign(id string) *domain.Campaign {
	return &domain.Campaign{
		ID:          id,
		Name:        "Launch",
		Subject:     "Hello {{ first_name }}",
		FromName:    "News",
		FromEmail:   "news@example.com",
		HTMLContent: "<body>Hi</body>",
		Status:      domain.CampaignDraft,
	}
}

func TestQueueCampaign(t *testing.T) {
	repo := newMemRepo()
	q := newFakeQueue()
	repo.addCampaign(draftCampaign("camp-1"))
	repo.addRecipients("camp-1", 1200, domain.RecipientPending)

	svc := NewService(repo, q)
	total, err := svc.QueueCampaign(context.Background(), "camp-1")
	require.NoError(t, err)
	assert.Equal(t, 1200, total)

	c, _ := repo.Get(context.Background(), "camp-1")
	assert.Equal(t, domain.CampaignSending, c.Status)
	assert.NotNil(t, c.StartedAt)
	assert.Equal(t, 1200, c.TotalRecipients)

	assert.Len(t, q.enqueued, 1200)
	for _, r := range repo.recipients["camp-1"] {
		assert.Equal(t, domain.RecipientQueued, r.Status)
	}
}

func TestQueueCampaignNoRecipients(t *testing.T) {
	repo := newMemRepo()
	q := newFakeQueue()
	repo.addCampaign(draftCampaign("camp-1"))

	svc := NewService(repo, q)
	_, err := svc.QueueCampaign(context.Background(), "camp-1")
	require.ErrorIs(t, err, ErrNoRecipients)

	// Campaign must stay in draft.
	c, _ := repo.Get(context.Background(), "camp-1")
	assert.Equal(t, domain.CampaignDraft, c.Status)
}

func TestQueueCampaignWrongStatus(t *testing.T) {
	repo := newMemRepo()
	q := newFakeQueue()
	c := draftCampaign("camp-1")
	c.Status = domain.CampaignSending
	repo.addCampaign(c)
	repo.addRecipients("camp-1", 5, domain.RecipientPending)

	svc := NewService(repo, q)
	_, err := svc.QueueCampaign(context.Background(), "camp-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot queue from sending status")
}

func TestQueueCampaignEnqueueFailureRollsBack(t *testing.T) {
	repo := newMemRepo()
	q := newFakeQueue()
	q.failAfter = 2 // first batch lands, second blows up
	repo.addCampaign(draftCampaign("camp-1"))
	repo.addRecipients("camp-1", 1200, domain.RecipientPending)

	svc := NewService(repo, q)
	_, err := svc.QueueCampaign(context.Background(), "camp-1")
	require.Error(t, err)

	c, _ := repo.Get(context.Background(), "camp-1")
	assert.Equal(t, domain.CampaignDraft, c.Status)
	assert.Nil(t, c.StartedAt, "rollback must clear started_at")
	// Partially enqueued jobs from the first batch were cancelled.
	assert.Empty(t, q.enqueued)
}

func TestPauseResume(t *testing.T) {
	repo := newMemRepo()
	q := newFakeQueue()
	c := draftCampaign("camp-1")
	c.Status = domain.CampaignSending
	repo.addCampaign(c)

	svc := NewService(repo, q)
	require.NoError(t, svc.PauseCampaign(context.Background(), "camp-1"))

	got, _ := repo.Get(context.Background(), "camp-1")
	assert.Equal(t, domain.CampaignPaused, got.Status)

	require.NoError(t, svc.ResumeCampaign(context.Background(), "camp-1"))
	got, _ = repo.Get(context.Background(), "camp-1")
	assert.Equal(t, domain.CampaignSending, got.Status)
}

func TestPauseFromDraftRejected(t *testing.T) {
	repo := newMemRepo()
	q := newFakeQueue()
	repo.addCampaign(draftCampaign("camp-1"))

	svc := NewService(repo, q)
	err := svc.PauseCampaign(context.Background(), "camp-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot pause from draft status")
}

func TestCancelCampaign(t *testing.T) {
	repo := newMemRepo()
	q := newFakeQueue()
	repo.addCampaign(draftCampaign("camp-1"))
	repo.addRecipients("camp-1", 30, domain.RecipientPending)

	svc := NewService(repo, q)
	_, err := svc.QueueCampaign(context.Background(), "camp-1")
	require.NoError(t, err)

	// Simulate 20 already sent; 10 still queued.
	for i, r := range repo.recipients["camp-1"] {
		if i < 20 {
			r.Status = domain.RecipientSent
		}
	}

	cancelled, err := svc.CancelCampaign(context.Background(), "camp-1")
	require.NoError(t, err)
	assert.Equal(t, 30, cancelled, "all still-queued jobs cancelled")

	c, _ := repo.Get(context.Background(), "camp-1")
	assert.Equal(t, domain.CampaignCancelled, c.Status)
	assert.Equal(t, "failed", c.UIStatus())

	failed := 0
	for _, r := range repo.recipients["camp-1"] {
		if r.Status == domain.RecipientFailed {
			assert.Equal(t, "Campaign cancelled", r.ErrorMessage)
			failed++
		}
	}
	assert.Equal(t, 10, failed, "only never-sent recipients fail")
}

func TestRetryFailedRecipients(t *testing.T) {
	repo := newMemRepo()
	q := newFakeQueue()
	c := draftCampaign("camp-1")
	c.Status = domain.CampaignSending
	c.TotalRecipients = 16
	c.SentCount = 10
	c.BouncedCount = 6
	repo.addCampaign(c)
	repo.addRecipients("camp-1", 10, domain.RecipientSent)
	repo.addRecipients("camp-1", 4, domain.RecipientFailed)
	repo.addRecipients("camp-1", 2, domain.RecipientBounced)

	svc := NewService(repo, q)
	retried, err := svc.RetryFailedRecipients(context.Background(), "camp-1")
	require.NoError(t, err)
	// Webhook-bounced recipients are retried alongside worker failures.
	assert.Equal(t, 6, retried)
	assert.Len(t, q.enqueued, 6)

	queued := 0
	for _, r := range repo.recipients["camp-1"] {
		if r.Status == domain.RecipientQueued {
			queued++
		}
	}
	assert.Equal(t, 6, queued)

	// Their earlier failures are un-counted; the retry outcome will count.
	got, _ := repo.Get(context.Background(), "camp-1")
	assert.Equal(t, 0, got.BouncedCount)
}

func TestRetryFromCompletedReopens(t *testing.T) {
	repo := newMemRepo()
	q := newFakeQueue()
	c := draftCampaign("camp-1")
	c.Status = domain.CampaignCompleted
	repo.addCampaign(c)
	repo.addRecipients("camp-1", 2, domain.RecipientFailed)

	svc := NewService(repo, q)
	retried, err := svc.RetryFailedRecipients(context.Background(), "camp-1")
	require.NoError(t, err)
	assert.Equal(t, 2, retried)

	got, _ := repo.Get(context.Background(), "camp-1")
	assert.Equal(t, domain.CampaignSending, got.Status)
}

func TestRetryFromDraftRejected(t *testing.T) {
	repo := newMemRepo()
	q := newFakeQueue()
	repo.addCampaign(draftCampaign("camp-1"))

	svc := NewService(repo, q)
	_, err := svc.RetryFailedRecipients(context.Background(), "camp-1")
	require.Error(t, err)
}

func TestCheckAndCompleteCampaign(t *testing.T) {
	repo := newMemRepo()
	q := newFakeQueue()
	c := draftCampaign("camp-1")
	c.Status = domain.CampaignSending
	c.TotalRecipients = 10
	c.SentCount = 7
	c.BouncedCount = 2
	repo.addCampaign(c)

	svc := NewService(repo, q)

	// 9 of 10 accounted for: not done.
	done, err := svc.CheckAndCompleteCampaign(context.Background(), "camp-1")
	require.NoError(t, err)
	assert.False(t, done)

	repo.campaigns["camp-1"].SentCount = 8

	done, err = svc.CheckAndCompleteCampaign(context.Background(), "camp-1")
	require.NoError(t, err)
	assert.True(t, done)

	got, _ := repo.Get(context.Background(), "camp-1")
	assert.Equal(t, domain.CampaignCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	firstCompletedAt := *got.CompletedAt

	// Second call must not flip or restamp anything.
	done, err = svc.CheckAndCompleteCampaign(context.Background(), "camp-1")
	require.NoError(t, err)
	assert.False(t, done)
	got, _ = repo.Get(context.Background(), "camp-1")
	assert.Equal(t, firstCompletedAt, *got.CompletedAt)
}

func TestStartDueScheduled(t *testing.T) {
	repo := newMemRepo()
	q := newFakeQueue()

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	due := draftCampaign("camp-due")
	due.Status = domain.CampaignScheduled
	due.ScheduledAt = &past
	repo.addCampaign(due)
	repo.addRecipients("camp-due", 3, domain.RecipientPending)

	notYet := draftCampaign("camp-later")
	notYet.Status = domain.CampaignScheduled
	notYet.ScheduledAt = &future
	repo.addCampaign(notYet)
	repo.addRecipients("camp-later", 3, domain.RecipientPending)

	svc := NewService(repo, q)
	started, err := svc.StartDueScheduled(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, started)

	dueCamp, _ := repo.Get(context.Background(), "camp-due")
	assert.Equal(t, domain.CampaignSending, dueCamp.Status)
	laterCamp, _ := repo.Get(context.Background(), "camp-later")
	assert.Equal(t, domain.CampaignScheduled, laterCamp.Status)
}

func TestScheduleCampaign(t *testing.T) {
	repo := newMemRepo()
	q := newFakeQueue()
	repo.addCampaign(draftCampaign("camp-1"))

	svc := NewService(repo, q)
	at := time.Now().Add(2 * time.Hour)
	require.NoError(t, svc.ScheduleCampaign(context.Background(), "camp-1", at))

	c, _ := repo.Get(context.Background(), "camp-1")
	assert.Equal(t, domain.CampaignScheduled, c.Status)
	require.NotNil(t, c.ScheduledAt)
	assert.Equal(t, at, *c.ScheduledAt)

	// Past times are rejected.
	err := svc.ScheduleCampaign(context.Background(), "camp-1", time.Now().Add(-time.Minute))
	require.Error(t, err)

	require.NoError(t, svc.UnscheduleCampaign(context.Background(), "camp-1"))
	c, _ = repo.Get(context.Background(), "camp-1")
	assert.Equal(t, domain.CampaignDraft, c.Status)
	assert.Nil(t, c.ScheduledAt)
}

func TestQueueStatus(t *testing.T) {
	repo := newMemRepo()
	q := newFakeQueue()
	q.counts = queue.Counts{Waiting: 5, Active: 2}

	c := draftCampaign("camp-1")
	c.Status = domain.CampaignSending
	c.TotalRecipients = 100
	c.SentCount = 25
	repo.addCampaign(c)

	svc := NewService(repo, q)
	status, err := svc.QueueStatus(context.Background(), "camp-1")
	require.NoError(t, err)

	assert.Equal(t, "sending", status.Status)
	assert.Equal(t, 25.0, status.Progress)
	assert.Equal(t, 5, status.Queue.Waiting)
}

func TestQueueStatusNotFound(t *testing.T) {
	svc := NewService(newMemRepo(), newFakeQueue())
	_, err := svc.QueueStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
