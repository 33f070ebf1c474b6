// Package worker runs the email send pool: lease a job, re-check that its
// campaign still wants it sent, render and inject tracking, deliver through
// the transport, and record the outcome exactly once.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/domain"
	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/pkg/logger"
	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/queue"
	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/render"
	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/transport"
)

// JobSource is the queue surface the pool consumes. Fail takes the worker
// id so the queue can reject a failure report from a worker that no longer
// holds the lease.
type JobSource interface {
	Lease(ctx context.Context, workerID string) (*domain.Job, error)
	Ack(ctx context.Context, jobID string) error
	Fail(ctx context.Context, jobID, workerID, errMsg string, permanent bool) error
	Requeue(ctx context.Context, jobID string, delay time.Duration) error
	Remove(ctx context.Context, jobID string) error
}

// Limiter gates job starts. Acquire/Release bound concurrency and are held
// around the whole poll-and-send cycle; AcquireToken spends one rate-window
// token and is called only once a job is actually leased, so idle polling
// never consumes send budget.
type Limiter interface {
	Acquire(ctx context.Context) error
	AcquireToken(ctx context.Context) error
	Release()
}

// Renderer turns a template plus merge context into final content.
type Renderer interface {
	Render(cacheKey, templateStr string, ctx map[string]interface{}) (string, error)
}

// Store is the persistence surface around each send.
type Store interface {
	CampaignStatus(ctx context.Context, campaignID string) (domain.CampaignStatus, error)
	IsSuppressed(ctx context.Context, email string) (bool, error)

	// MarkRecipientSent records the first successful send for a recipient.
	// Returns false when the recipient was already marked sent, which is
	// how a retried job that succeeded twice avoids double counting.
	MarkRecipientSent(ctx context.Context, recipientID, messageID string) (bool, error)

	// MarkRecipientFailed moves a recipient to its terminal failed state.
	// Returns false when the recipient was already terminal, gating the
	// campaign bounced_count increment the same way sends are gated.
	MarkRecipientFailed(ctx context.Context, recipientID, errMsg string) (bool, error)

	// MarkRecipientBounced is MarkRecipientFailed with a 'bounced' terminal
	// status, used when the transport reports a hard bounce so the recipient
	// matches what a provider bounce webhook would have recorded.
	MarkRecipientBounced(ctx context.Context, recipientID, errMsg string) (bool, error)

	IncrementSentCount(ctx context.Context, campaignID string) error
	IncrementBouncedCount(ctx context.Context, campaignID string) error
	RecordEvent(ctx context.Context, event *domain.EmailEvent) error
}

// Options tunes the pool. Zero values fall back to defaults.
type Options struct {
	NumWorkers   int
	PollInterval time.Duration
	SendTimeout  time.Duration

	// PausedRequeueDelay is how long a leased job sleeps when its campaign
	// turns out to be paused.
	PausedRequeueDelay time.Duration
}

func (o Options) withDefaults() Options {
	if o.NumWorkers <= 0 {
		o.NumWorkers = 10
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 30 * time.Second
	}
	if o.PausedRequeueDelay <= 0 {
		o.PausedRequeueDelay = 30 * time.Second
	}
	return o
}

// Pool manages the send workers.
type Pool struct {
	source    JobSource
	store     Store
	limiter   Limiter
	renderer  Renderer
	injector  *render.Injector
	transport transport.Transport
	signals   *Signals
	opts      Options
	log       *logger.Logger

	workerID string

	totalSent    atomic.Int64
	totalFailed  atomic.Int64
	totalSkipped atomic.Int64

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPool wires a pool. signals may be nil when nothing subscribes.
func NewPool(source JobSource, store Store, limiter Limiter, renderer Renderer,
	injector *render.Injector, tr transport.Transport, signals *Signals, opts Options) *Pool {
	if signals == nil {
		signals = NewSignals()
	}
	return &Pool{
		source:    source,
		store:     store,
		limiter:   limiter,
		renderer:  renderer,
		injector:  injector,
		transport: tr,
		signals:   signals,
		opts:      opts.withDefaults(),
		log:       logger.Component("worker"),
		workerID:  fmt.Sprintf("worker-%s", uuid.New().String()[:8]),
	}
}

// Signals returns the pool's signal bus for subscribing.
func (p *Pool) Signals() *Signals { return p.signals }

// Start launches the workers. Idempotent.
func (p *Pool) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.mu.Unlock()

	p.log.Info("starting", "workers", p.opts.NumWorkers, "worker_id", p.workerID)

	for i := 0; i < p.opts.NumWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop cancels the workers and waits for in-flight sends to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()
	p.log.Info("stopped",
		"sent", p.totalSent.Load(),
		"failed", p.totalFailed.Load(),
		"skipped", p.totalSkipped.Load())
}

// Stats returns cumulative counters for the ops surface.
func (p *Pool) Stats() map[string]int64 {
	return map[string]int64{
		"total_sent":    p.totalSent.Load(),
		"total_failed":  p.totalFailed.Load(),
		"total_skipped": p.totalSkipped.Load(),
	}
}

func (p *Pool) worker(num int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		if err := p.limiter.Acquire(p.ctx); err != nil {
			return
		}

		job, err := p.source.Lease(p.ctx, p.workerID)
		if err != nil {
			p.limiter.Release()
			p.log.Error("lease failed", "worker", num, "err", err.Error())
			p.sleep(time.Second)
			continue
		}
		if job == nil {
			p.limiter.Release()
			p.sleep(p.opts.PollInterval)
			continue
		}

		// Spend the rate token only now that a job is in hand. The only
		// way this fails is shutdown; put the job back untouched.
		if err := p.limiter.AcquireToken(p.ctx); err != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if rerr := p.source.Requeue(ctx, job.ID, 0); rerr != nil {
				p.log.Error("requeue on shutdown", "job_id", job.ID, "err", rerr.Error())
			}
			cancel()
			p.limiter.Release()
			return
		}

		if err := p.processJob(job); err != nil {
			p.log.Error("process failed", "worker", num, "job_id", job.ID, "err", err.Error())
		}
		p.limiter.Release()
	}
}

func (p *Pool) sleep(d time.Duration) {
	select {
	case <-p.ctx.Done():
	case <-time.After(d):
	}
}

func (p *Pool) processJob(job *domain.Job) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.SendTimeout)
	defer cancel()

	proceed, err := p.checkCampaign(ctx, job)
	if err != nil || !proceed {
		return err
	}

	suppressed, err := p.store.IsSuppressed(ctx, job.Payload.Email)
	if err != nil {
		return p.source.Fail(ctx, job.ID, p.workerID, fmt.Sprintf("suppression check: %v", err), false)
	}
	if suppressed {
		// Terminal outcome, so it gets the same campaign accounting as any
		// other failure or the campaign never reaches its total.
		p.totalSkipped.Add(1)
		first, err := p.store.MarkRecipientFailed(ctx, job.RecipientID, "Recipient suppressed")
		if err != nil {
			p.log.Warn("mark suppressed recipient", "recipient_id", job.RecipientID, "err", err.Error())
		}
		if first {
			if err := p.store.IncrementBouncedCount(ctx, job.CampaignID); err != nil {
				p.log.Error("increment bounced count", "campaign_id", job.CampaignID, "err", err.Error())
			}
			p.recordEvent(ctx, job, domain.EmailEventFailed, "Recipient suppressed")
		}
		if err := p.source.Ack(ctx, job.ID); err != nil {
			p.log.Error("ack job", "job_id", job.ID, "err", err.Error())
		}
		p.signals.EmitProgress(job.CampaignID)
		return nil
	}

	env, err := p.buildEnvelope(job)
	if err != nil {
		// Broken template; retrying will not fix it.
		p.failJob(ctx, job, err.Error(), true, false)
		return nil
	}

	result, err := p.transport.Send(ctx, env)
	if err != nil {
		// A permanent transport rejection is a hard bounce on the address,
		// not an infrastructure failure, and is recorded as such.
		p.failJob(ctx, job, err.Error(), transport.IsPermanent(err), transport.IsPermanent(err))
		return nil
	}

	return p.completeJob(ctx, job, result)
}

// checkCampaign re-validates the campaign right before sending. Queue state
// lags campaign state: pause and cancel race with jobs already leased.
func (p *Pool) checkCampaign(ctx context.Context, job *domain.Job) (bool, error) {
	status, err := p.store.CampaignStatus(ctx, job.CampaignID)
	if err != nil {
		return false, p.source.Fail(ctx, job.ID, p.workerID, fmt.Sprintf("campaign lookup: %v", err), false)
	}

	switch status {
	case domain.CampaignSending:
		return true, nil
	case domain.CampaignPaused:
		return false, p.source.Requeue(ctx, job.ID, p.opts.PausedRequeueDelay)
	case domain.CampaignCancelled:
		p.totalSkipped.Add(1)
		if _, err := p.store.MarkRecipientFailed(ctx, job.RecipientID, "Campaign cancelled"); err != nil {
			p.log.Warn("mark cancelled recipient", "recipient_id", job.RecipientID, "err", err.Error())
		}
		return false, p.source.Remove(ctx, job.ID)
	default:
		// Draft, scheduled, completed: the job has no campaign to serve.
		p.totalSkipped.Add(1)
		return false, p.source.Remove(ctx, job.ID)
	}
}

func (p *Pool) buildEnvelope(job *domain.Job) (*transport.Envelope, error) {
	pl := job.Payload

	mergeCtx := make(map[string]interface{}, len(pl.MergeData)+2)
	for k, v := range pl.MergeData {
		mergeCtx[k] = v
	}
	mergeCtx["email"] = pl.Email
	mergeCtx["unsubscribe_url"] = p.injector.UnsubscribeURL(pl.TrackingID)

	subject, err := p.renderer.Render(pl.CampaignID+":subject", pl.Subject, mergeCtx)
	if err != nil {
		return nil, fmt.Errorf("render subject: %w", err)
	}
	html, err := p.renderer.Render(pl.CampaignID+":html", pl.HTMLContent, mergeCtx)
	if err != nil {
		return nil, fmt.Errorf("render html: %w", err)
	}
	text := ""
	if pl.PlainContent != "" {
		text, err = p.renderer.Render(pl.CampaignID+":plain", pl.PlainContent, mergeCtx)
		if err != nil {
			return nil, fmt.Errorf("render plain: %w", err)
		}
	}

	return &transport.Envelope{
		To:          pl.Email,
		From:        pl.FromEmail,
		FromName:    pl.FromName,
		ReplyTo:     pl.ReplyTo,
		Subject:     subject,
		HTML:        p.injector.Inject(html, pl.TrackingID),
		Text:        text,
		Headers:     p.injector.ListUnsubscribeHeaders(pl.TrackingID),
		CampaignID:  pl.CampaignID,
		RecipientID: pl.RecipientID,
	}, nil
}

func (p *Pool) failJob(ctx context.Context, job *domain.Job, errMsg string, permanent, bounced bool) {
	p.totalFailed.Add(1)

	if err := p.source.Fail(ctx, job.ID, p.workerID, errMsg, permanent); err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			// The lease was reclaimed mid-send; whoever holds the job now
			// owns its outcome, so record nothing here.
			p.log.Warn("lease lost before failure recorded", "job_id", job.ID)
			return
		}
		p.log.Error("record job failure", "job_id", job.ID, "err", err.Error())
	}

	// The recipient goes terminal only when the job does.
	terminal := permanent || job.Attempts+1 >= job.MaxAttempts
	if terminal {
		mark := p.store.MarkRecipientFailed
		eventType := domain.EmailEventFailed
		if bounced {
			mark = p.store.MarkRecipientBounced
			eventType = domain.EmailEventBounced
		}
		first, err := mark(ctx, job.RecipientID, errMsg)
		if err != nil {
			p.log.Error("mark recipient terminal", "recipient_id", job.RecipientID, "err", err.Error())
		}
		if first {
			if err := p.store.IncrementBouncedCount(ctx, job.CampaignID); err != nil {
				p.log.Error("increment bounced count", "campaign_id", job.CampaignID, "err", err.Error())
			}
			p.recordEvent(ctx, job, eventType, errMsg)
		}
	}

	p.signals.EmitFailed(job, errMsg, permanent)
	if terminal {
		p.signals.EmitProgress(job.CampaignID)
	}
}

func (p *Pool) completeJob(ctx context.Context, job *domain.Job, result *transport.Result) error {
	first, err := p.store.MarkRecipientSent(ctx, job.RecipientID, result.MessageID)
	if err != nil {
		// The email went out; do not retry the job over a bookkeeping
		// error or the recipient gets the email twice.
		p.log.Error("mark recipient sent", "recipient_id", job.RecipientID, "err", err.Error())
	}
	if first {
		if err := p.store.IncrementSentCount(ctx, job.CampaignID); err != nil {
			p.log.Error("increment sent count", "campaign_id", job.CampaignID, "err", err.Error())
		}
		p.recordEvent(ctx, job, domain.EmailEventSent, "")
	}

	p.totalSent.Add(1)

	if err := p.source.Ack(ctx, job.ID); err != nil {
		p.log.Error("ack job", "job_id", job.ID, "err", err.Error())
	}

	p.signals.EmitCompleted(job)
	p.signals.EmitProgress(job.CampaignID)
	return nil
}

func (p *Pool) recordEvent(ctx context.Context, job *domain.Job, eventType domain.EmailEventType, detail string) {
	event := &domain.EmailEvent{
		CampaignID:  job.CampaignID,
		RecipientID: job.RecipientID,
		Type:        eventType,
		CreatedAt:   time.Now(),
	}
	if detail != "" {
		event.Metadata = map[string]string{"error": detail}
	}
	if err := p.store.RecordEvent(ctx, event); err != nil {
		p.log.Warn("record event", "campaign_id", job.CampaignID, "type", string(eventType), "err", err.Error())
	}
}
