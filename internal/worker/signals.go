package worker

import (
	"sync"

	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/domain"
)

// Signals is the observer surface for pipeline lifecycle events. The pool
// emits; the campaign service and ops layer subscribe. Handlers run on the
// emitting worker's goroutine and must be quick.
type Signals struct {
	mu        sync.RWMutex
	completed []func(job *domain.Job)
	failed    []func(job *domain.Job, errMsg string, permanent bool)
	stalled   []func(jobID string)
	progress  []func(campaignID string)
}

// NewSignals creates an empty signal bus.
func NewSignals() *Signals {
	return &Signals{}
}

// OnCompleted registers a handler for successful sends.
func (s *Signals) OnCompleted(fn func(job *domain.Job)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, fn)
}

// OnFailed registers a handler for failed attempts, terminal or not.
func (s *Signals) OnFailed(fn func(job *domain.Job, errMsg string, permanent bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, fn)
}

// OnStalled registers a handler for jobs reclaimed from dead workers.
func (s *Signals) OnStalled(fn func(jobID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stalled = append(s.stalled, fn)
}

// OnProgress registers a handler fired whenever a campaign's counters move.
func (s *Signals) OnProgress(fn func(campaignID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, fn)
}

// EmitCompleted notifies completed-send subscribers.
func (s *Signals) EmitCompleted(job *domain.Job) {
	s.mu.RLock()
	handlers := s.completed
	s.mu.RUnlock()
	for _, fn := range handlers {
		fn(job)
	}
}

// EmitFailed notifies failed-send subscribers.
func (s *Signals) EmitFailed(job *domain.Job, errMsg string, permanent bool) {
	s.mu.RLock()
	handlers := s.failed
	s.mu.RUnlock()
	for _, fn := range handlers {
		fn(job, errMsg, permanent)
	}
}

// EmitStalled notifies stalled-job subscribers.
func (s *Signals) EmitStalled(jobID string) {
	s.mu.RLock()
	handlers := s.stalled
	s.mu.RUnlock()
	for _, fn := range handlers {
		fn(jobID)
	}
}

// EmitProgress notifies campaign-progress subscribers.
func (s *Signals) EmitProgress(campaignID string) {
	s.mu.RLock()
	handlers := s.progress
	s.mu.RUnlock()
	for _, fn := range handlers {
		fn(campaignID)
	}
}
