package suppression

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/domain"
)

// memRepo is an in-memory Repository for service tests.
type memRepo struct {
	mu      sync.Mutex
	entries map[string]*domain.SuppressionEntry
}

func newMemRepo() *memRepo {
	return &memRepo{entries: make(map[string]*domain.SuppressionEntry)}
}

func (m *memRepo) IsSuppressed(ctx context.Context, email string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[email]
	return ok, nil
}

func (m *memRepo) Suppress(ctx context.Context, entry *domain.SuppressionEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[entry.Email]; ok {
		return nil
	}
	cp := *entry
	m.entries[entry.Email] = &cp
	return nil
}

func (m *memRepo) Remove(ctx context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[email]; !ok {
		return ErrNotFound
	}
	delete(m.entries, email)
	return nil
}

func (m *memRepo) List(ctx context.Context, filter ListFilter) ([]domain.SuppressionEntry, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.SuppressionEntry
	for _, e := range m.entries {
		if filter.Reason != "" && string(e.Reason) != filter.Reason {
			continue
		}
		if filter.Search != "" && !strings.Contains(e.Email, filter.Search) {
			continue
		}
		out = append(out, *e)
	}
	return out, len(out), nil
}

func (m *memRepo) Count(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries), nil
}

func TestSuppressNormalizes(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo)
	ctx := context.Background()

	require.NoError(t, svc.Suppress(ctx, "  User@Example.COM ", domain.ReasonUnsubscribe, domain.SourceTracking, "camp-1"))

	// Case and whitespace variants collapse to the same entry.
	for _, variant := range []string{"user@example.com", "USER@example.com", " user@example.com\t"} {
		got, err := svc.IsSuppressed(ctx, variant)
		require.NoError(t, err)
		assert.True(t, got, variant)
	}

	n, err := svc.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSuppressIdempotent(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo)
	ctx := context.Background()

	require.NoError(t, svc.Suppress(ctx, "user@example.com", domain.ReasonUnsubscribe, domain.SourceTracking, "camp-1"))
	// Second suppression succeeds and keeps the original record.
	require.NoError(t, svc.Suppress(ctx, "User@Example.com", domain.ReasonHardBounce, domain.SourceWebhook, "camp-2"))

	entries, total, err := svc.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, domain.ReasonUnsubscribe, entries[0].Reason)
	assert.Equal(t, "camp-1", entries[0].CampaignID)
}

func TestSuppressEmptyEmail(t *testing.T) {
	svc := NewService(newMemRepo())
	err := svc.Suppress(context.Background(), "   ", domain.ReasonManual, domain.SourceManual, "")
	assert.ErrorIs(t, err, ErrEmailMissing)
}

func TestRemove(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo)
	ctx := context.Background()

	require.NoError(t, svc.Suppress(ctx, "user@example.com", domain.ReasonManual, domain.SourceManual, ""))
	require.NoError(t, svc.Remove(ctx, "USER@example.com"))

	got, err := svc.IsSuppressed(ctx, "user@example.com")
	require.NoError(t, err)
	assert.False(t, got)

	assert.ErrorIs(t, svc.Remove(ctx, "user@example.com"), ErrNotFound)
}

func TestGetStats(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo)
	ctx := context.Background()

	require.NoError(t, svc.Suppress(ctx, "a@example.com", domain.ReasonUnsubscribe, domain.SourceTracking, "camp-1"))
	require.NoError(t, svc.Suppress(ctx, "b@example.com", domain.ReasonUnsubscribe, domain.SourceTracking, "camp-1"))
	require.NoError(t, svc.Suppress(ctx, "c@example.com", domain.ReasonHardBounce, domain.SourceWebhook, "camp-1"))

	stats, err := svc.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.ByReason["unsubscribe"])
	assert.Equal(t, 1, stats.ByReason["hard_bounce"])
	assert.Equal(t, 1, stats.BySource["provider_webhook"])
}
