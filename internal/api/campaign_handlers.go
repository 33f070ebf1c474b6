package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/domain"
	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/pkg/httputil"
	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/pkg/logger"
	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/repository/postgres"
	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/service/campaign"
)

// CampaignStore is the CRUD surface the handlers need. Implemented by the
// postgres campaign repository.
type CampaignStore interface {
	Get(ctx context.Context, id string) (*domain.Campaign, error)
	List(ctx context.Context, f postgres.ListFilter) ([]domain.Campaign, int, error)
	Create(ctx context.Context, c *domain.Campaign) (string, error)
	Update(ctx context.Context, id string, u postgres.UpdateFields) error
	Delete(ctx context.Context, id string) error
}

// RecipientStore manages a campaign's recipient list.
type RecipientStore interface {
	BulkCreate(ctx context.Context, campaignID string, recipients []postgres.NewRecipient) (int, error)
	List(ctx context.Context, campaignID, status string, limit, offset int) ([]domain.Recipient, int, error)
}

// CampaignService is the orchestration surface: everything that moves a
// campaign through its lifecycle.
type CampaignService interface {
	QueueCampaign(ctx context.Context, id string) (int, error)
	ScheduleCampaign(ctx context.Context, id string, at time.Time) error
	UnscheduleCampaign(ctx context.Context, id string) error
	PauseCampaign(ctx context.Context, id string) error
	ResumeCampaign(ctx context.Context, id string) error
	CancelCampaign(ctx context.Context, id string) (int, error)
	RetryFailedRecipients(ctx context.Context, id string) (int, error)
	QueueStatus(ctx context.Context, id string) (*campaign.Status, error)
}

// CampaignHandlers serves /api/campaigns.
type CampaignHandlers struct {
	store      CampaignStore
	recipients RecipientStore
	svc        CampaignService
	log        *logger.Logger
}

// NewCampaignHandlers creates the campaign handler group.
func NewCampaignHandlers(store CampaignStore, recipients RecipientStore, svc CampaignService) *CampaignHandlers {
	return &CampaignHandlers{
		store:      store,
		recipients: recipients,
		svc:        svc,
		log:        logger.Component("api.campaigns"),
	}
}

// Register mounts the routes on the given router.
func (h *CampaignHandlers) Register(r chi.Router) {
	r.Get("/", h.HandleList)
	r.Post("/", h.HandleCreate)
	r.Route("/{campaignId}", func(r chi.Router) {
		r.Get("/", h.HandleGet)
		r.Put("/", h.HandleUpdate)
		r.Delete("/", h.HandleDelete)

		r.Get("/recipients", h.HandleListRecipients)
		r.Post("/recipients", h.HandleAddRecipients)

		r.Post("/queue", h.HandleQueue)
		r.Post("/schedule", h.HandleSchedule)
		r.Delete("/schedule", h.HandleUnschedule)
		r.Post("/pause", h.HandlePause)
		r.Post("/resume", h.HandleResume)
		r.Post("/cancel", h.HandleCancel)
		r.Post("/retry", h.HandleRetry)
		r.Get("/status", h.HandleStatus)
	})
}

func (h *CampaignHandlers) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	campaigns, total, err := h.store.List(r.Context(), postgres.ListFilter{
		Status: q.Get("status"),
		Search: q.Get("search"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{
		"campaigns": campaigns,
		"total":     total,
	})
}

type createCampaignRequest struct {
	Name         string `json:"name"`
	Subject      string `json:"subject"`
	FromName     string `json:"from_name"`
	FromEmail    string `json:"from_email"`
	ReplyTo      string `json:"reply_to"`
	HTMLContent  string `json:"html_content"`
	PlainContent string `json:"plain_content"`
}

func (h *CampaignHandlers) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createCampaignRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.Name == "" || req.Subject == "" || req.FromEmail == "" {
		httputil.BadRequest(w, "name, subject and from_email are required")
		return
	}

	id, err := h.store.Create(r.Context(), &domain.Campaign{
		Name:         req.Name,
		Subject:      req.Subject,
		FromName:     req.FromName,
		FromEmail:    req.FromEmail,
		ReplyTo:      req.ReplyTo,
		HTMLContent:  req.HTMLContent,
		PlainContent: req.PlainContent,
		Status:       domain.CampaignDraft,
	})
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.JSON(w, http.StatusCreated, map[string]interface{}{"id": id, "success": true})
}

func (h *CampaignHandlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	c, err := h.store.Get(r.Context(), chi.URLParam(r, "campaignId"))
	if errors.Is(err, campaign.ErrNotFound) {
		httputil.NotFound(w, "campaign not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, c)
}

type updateCampaignRequest struct {
	Name         *string    `json:"name"`
	Subject      *string    `json:"subject"`
	FromName     *string    `json:"from_name"`
	FromEmail    *string    `json:"from_email"`
	ReplyTo      *string    `json:"reply_to"`
	HTMLContent  *string    `json:"html_content"`
	PlainContent *string    `json:"plain_content"`
	ScheduledAt  *time.Time `json:"scheduled_at"`
}

func (h *CampaignHandlers) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateCampaignRequest
	if !httputil.Decode(w, r, &req) {
		return
	}

	err := h.store.Update(r.Context(), chi.URLParam(r, "campaignId"), postgres.UpdateFields{
		Name:         req.Name,
		Subject:      req.Subject,
		FromName:     req.FromName,
		FromEmail:    req.FromEmail,
		ReplyTo:      req.ReplyTo,
		HTMLContent:  req.HTMLContent,
		PlainContent: req.PlainContent,
		ScheduledAt:  req.ScheduledAt,
	})
	if errors.Is(err, campaign.ErrNotFound) {
		httputil.NotFound(w, "campaign not found or not editable")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, httputil.Envelope{Success: true})
}

func (h *CampaignHandlers) HandleDelete(w http.ResponseWriter, r *http.Request) {
	err := h.store.Delete(r.Context(), chi.URLParam(r, "campaignId"))
	if errors.Is(err, campaign.ErrNotFound) {
		httputil.NotFound(w, "campaign not found or still sending")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, httputil.Envelope{Success: true})
}

type addRecipientsRequest struct {
	Recipients []struct {
		Email     string            `json:"email"`
		ContactID *string           `json:"contact_id"`
		MergeData map[string]string `json:"merge_data"`
	} `json:"recipients"`
}

func (h *CampaignHandlers) HandleAddRecipients(w http.ResponseWriter, r *http.Request) {
	var req addRecipientsRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if len(req.Recipients) == 0 {
		httputil.BadRequest(w, "recipients are required")
		return
	}

	batch := make([]postgres.NewRecipient, 0, len(req.Recipients))
	for _, rec := range req.Recipients {
		if rec.Email == "" {
			httputil.BadRequest(w, "recipient email is required")
			return
		}
		batch = append(batch, postgres.NewRecipient{
			Email:     rec.Email,
			ContactID: rec.ContactID,
			MergeData: rec.MergeData,
		})
	}

	created, err := h.recipients.BulkCreate(r.Context(), chi.URLParam(r, "campaignId"), batch)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.JSON(w, http.StatusCreated, map[string]interface{}{"success": true, "created": created})
}

func (h *CampaignHandlers) HandleListRecipients(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	recipients, total, err := h.recipients.List(r.Context(),
		chi.URLParam(r, "campaignId"), q.Get("status"), limit, offset)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{
		"recipients": recipients,
		"total":      total,
	})
}

// HandleQueue fans the campaign out into the job queue.
func (h *CampaignHandlers) HandleQueue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "campaignId")
	total, err := h.svc.QueueCampaign(r.Context(), id)
	if err != nil {
		h.opError(w, id, "queue", err)
		return
	}
	httputil.OK(w, map[string]interface{}{"success": true, "totalRecipients": total})
}

type scheduleRequest struct {
	ScheduledAt time.Time `json:"scheduled_at"`
}

func (h *CampaignHandlers) HandleSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.ScheduledAt.IsZero() {
		httputil.BadRequest(w, "scheduled_at is required")
		return
	}
	id := chi.URLParam(r, "campaignId")
	if err := h.svc.ScheduleCampaign(r.Context(), id, req.ScheduledAt); err != nil {
		h.opError(w, id, "schedule", err)
		return
	}
	httputil.OK(w, httputil.Envelope{Success: true})
}

func (h *CampaignHandlers) HandleUnschedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "campaignId")
	if err := h.svc.UnscheduleCampaign(r.Context(), id); err != nil {
		h.opError(w, id, "unschedule", err)
		return
	}
	httputil.OK(w, httputil.Envelope{Success: true})
}

func (h *CampaignHandlers) HandlePause(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "campaignId")
	if err := h.svc.PauseCampaign(r.Context(), id); err != nil {
		h.opError(w, id, "pause", err)
		return
	}
	httputil.OK(w, httputil.Envelope{Success: true})
}

func (h *CampaignHandlers) HandleResume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "campaignId")
	if err := h.svc.ResumeCampaign(r.Context(), id); err != nil {
		h.opError(w, id, "resume", err)
		return
	}
	httputil.OK(w, httputil.Envelope{Success: true})
}

func (h *CampaignHandlers) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "campaignId")
	cancelled, err := h.svc.CancelCampaign(r.Context(), id)
	if err != nil {
		h.opError(w, id, "cancel", err)
		return
	}
	httputil.OK(w, httputil.Envelope{Success: true, CancelledJobs: &cancelled})
}

func (h *CampaignHandlers) HandleRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "campaignId")
	retried, err := h.svc.RetryFailedRecipients(r.Context(), id)
	if err != nil {
		h.opError(w, id, "retry", err)
		return
	}
	httputil.OK(w, httputil.Envelope{Success: true, RetriedCount: &retried})
}

func (h *CampaignHandlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "campaignId")
	status, err := h.svc.QueueStatus(r.Context(), id)
	if errors.Is(err, campaign.ErrNotFound) {
		httputil.NotFound(w, "campaign not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, status)
}

// opError maps service errors to the typed envelope. Lifecycle violations
// and ErrNoRecipients are operator mistakes, not server faults; internal
// detail stays in the log.
func (h *CampaignHandlers) opError(w http.ResponseWriter, id, op string, err error) {
	switch {
	case errors.Is(err, campaign.ErrNotFound):
		httputil.NotFound(w, "campaign not found")
	case errors.Is(err, campaign.ErrNoRecipients):
		httputil.BadRequest(w, campaign.ErrNoRecipients.Error())
	case errors.Is(err, campaign.ErrInvalidTransition), isTransitionError(err):
		httputil.Fail(w, http.StatusConflict, err.Error())
	default:
		h.log.Error("campaign operation failed", "op", op, "campaign_id", id, "err", err.Error())
		httputil.Fail(w, http.StatusInternalServerError, "operation failed")
	}
}

func isTransitionError(err error) bool {
	var te *domain.TransitionError
	return errors.As(err, &te)
}
