package suppression

import (
	"context"

	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/domain"
)

// Service implements suppression business logic. It is safe for concurrent
// use. All methods are pure: they take typed inputs and return typed outputs.
type Service struct {
	repo Repository
}

// NewService creates a suppression service backed by the given repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// IsSuppressed checks whether an email address should be blocked from sending.
func (s *Service) IsSuppressed(ctx context.Context, email string) (bool, error) {
	return s.repo.IsSuppressed(ctx, domain.NormalizeEmail(email))
}

// Suppress adds an email to the suppression list. Idempotent: suppressing an
// already-suppressed address succeeds and preserves the original record, so
// an unsubscribe link can be clicked any number of times.
func (s *Service) Suppress(ctx context.Context, email string, reason domain.SuppressionReason, source domain.SuppressionSource, campaignID string) error {
	email = domain.NormalizeEmail(email)
	if email == "" {
		return ErrEmailMissing
	}

	return s.repo.Suppress(ctx, &domain.SuppressionEntry{
		Email:      email,
		Reason:     reason,
		Source:     source,
		CampaignID: campaignID,
	})
}

// Remove deletes a suppression entry. Returns ErrNotFound if the email is
// not suppressed.
func (s *Service) Remove(ctx context.Context, email string) error {
	email = domain.NormalizeEmail(email)
	if email == "" {
		return ErrEmailMissing
	}
	return s.repo.Remove(ctx, email)
}

// List returns suppression entries matching the given filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]domain.SuppressionEntry, int, error) {
	return s.repo.List(ctx, filter)
}

// Count returns the total number of suppressed emails.
func (s *Service) Count(ctx context.Context) (int, error) {
	return s.repo.Count(ctx)
}

// Stats holds aggregate counts grouped by reason and source.
type Stats struct {
	Total    int            `json:"total"`
	ByReason map[string]int `json:"by_reason"`
	BySource map[string]int `json:"by_source"`
}

// GetStats computes suppression statistics for the operator dashboard.
func (s *Service) GetStats(ctx context.Context) (*Stats, error) {
	entries, total, err := s.repo.List(ctx, ListFilter{Limit: 0})
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		Total:    total,
		ByReason: make(map[string]int),
		BySource: make(map[string]int),
	}
	for _, e := range entries {
		stats.ByReason[string(e.Reason)]++
		stats.BySource[string(e.Source)]++
	}
	return stats, nil
}
