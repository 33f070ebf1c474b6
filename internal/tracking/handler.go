package tracking

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/domain"
	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/pkg/httputil"
	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/pkg/logger"
)

// 1x1 transparent PNG served for every pixel hit.
var pixelPNG = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a,
	0x00, 0x00, 0x00, 0x0d, 0x49, 0x48, 0x44, 0x52,
	0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4,
	0x89, 0x00, 0x00, 0x00, 0x0d, 0x49, 0x44, 0x41,
	0x54, 0x78, 0x9c, 0x62, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00,
	0x00, 0x00, 0x00, 0x49, 0x45, 0x4e, 0x44, 0xae,
	0x42, 0x60, 0x82,
}

// Repository is the storage contract for engagement writes. Implemented by
// the postgres tracking repository; every Mark method reports whether this
// was the first such signal for the recipient.
type Repository interface {
	RecipientByTrackingID(ctx context.Context, trackingID string) (*domain.Recipient, error)
	RecipientByEmail(ctx context.Context, campaignID, email string) (*domain.Recipient, error)
	MarkOpened(ctx context.Context, recipientID, campaignID string) (bool, error)
	MarkClicked(ctx context.Context, recipientID, campaignID string) (bool, error)
	MarkUnsubscribed(ctx context.Context, recipientID, campaignID string) (bool, error)
	MarkDelivered(ctx context.Context, recipientID string) (bool, error)
	MarkBounced(ctx context.Context, recipientID, campaignID, reason string) (bool, error)
	RecordEvent(ctx context.Context, ev *domain.EmailEvent) error
}

// Suppressor adds addresses to the global suppression list.
type Suppressor interface {
	Suppress(ctx context.Context, email string, reason domain.SuppressionReason, source domain.SuppressionSource, campaignID string) error
}

// Completer closes out a campaign once every recipient is accounted for.
// A bounce webhook can be the last accounting write for a campaign, so
// ingestion has to run the same completion check the worker pool does.
type Completer interface {
	CheckAndCompleteCampaign(ctx context.Context, campaignID string) (bool, error)
}

// Handler serves the tracking HTTP surface.
type Handler struct {
	repo      Repository
	sup       Suppressor
	completer Completer
	log       *logger.Logger
}

// NewHandler creates the tracking handler. completer may be nil when no
// campaign lifecycle is attached.
func NewHandler(repo Repository, sup Suppressor, completer Completer) *Handler {
	return &Handler{repo: repo, sup: sup, completer: completer, log: logger.Component("tracking")}
}

// Routes returns the router mounted under /tracking.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/open", h.HandleOpen)
	r.Get("/click", h.HandleClick)
	r.Get("/unsubscribe", h.HandleUnsubscribePreview)
	r.Post("/unsubscribe", h.HandleUnsubscribeConfirm)
	r.Post("/webhook", h.HandleWebhook)
	return r
}

// HandleOpen serves the open pixel. Always answers 200 with a valid image;
// a broken or unknown id must never surface as an error inside the email.
func (h *Handler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	defer h.writePixel(w)

	id := r.URL.Query().Get("id")
	if id == "" {
		return
	}

	rec, err := h.repo.RecipientByTrackingID(r.Context(), id)
	if err != nil {
		return
	}

	if _, err := h.repo.MarkOpened(r.Context(), rec.ID, rec.CampaignID); err != nil {
		h.log.Error("record open", "recipient_id", rec.ID, "err", err.Error())
		return
	}
	h.recordEvent(r.Context(), rec, domain.EmailEventOpened, nil)
}

func (h *Handler) writePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(pixelPNG)
}

// HandleClick validates the destination, records the click and redirects.
// The redirect happens even when the recipient lookup fails; tracking must
// never block the user's navigation.
func (h *Handler) HandleClick(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	u, err := url.Parse(target)
	if err != nil || !u.IsAbs() || u.Host == "" {
		httputil.BadRequest(w, "invalid redirect url")
		return
	}

	if id := r.URL.Query().Get("id"); id != "" {
		if rec, err := h.repo.RecipientByTrackingID(r.Context(), id); err == nil {
			if _, err := h.repo.MarkClicked(r.Context(), rec.ID, rec.CampaignID); err != nil {
				h.log.Error("record click", "recipient_id", rec.ID, "err", err.Error())
			} else {
				meta := map[string]string{"url": target}
				if linkID := r.URL.Query().Get("linkId"); linkID != "" {
					meta["linkId"] = linkID
				}
				h.recordEvent(r.Context(), rec, domain.EmailEventClicked, meta)
			}
		}
	}

	// Location must be exactly the decoded target; http.Redirect would
	// re-encode it.
	w.Header().Set("Location", target)
	w.WriteHeader(http.StatusFound)
}

// HandleUnsubscribePreview resolves the token and returns what confirming
// would do. 404 only when the token itself does not resolve.
func (h *Handler) HandleUnsubscribePreview(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.resolveToken(w, r)
	if !ok {
		return
	}
	httputil.OK(w, map[string]interface{}{
		"success":     true,
		"email":       rec.Email,
		"campaign_id": rec.CampaignID,
		"confirmed":   rec.Status == domain.RecipientUnsubscribed,
	})
}

// HandleUnsubscribeConfirm suppresses the address and flips the recipient.
// Re-unsubscribing is a success no-op.
func (h *Handler) HandleUnsubscribeConfirm(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.resolveToken(w, r)
	if !ok {
		return
	}

	if err := h.sup.Suppress(r.Context(), rec.Email, domain.ReasonUnsubscribe, domain.SourceTracking, rec.CampaignID); err != nil {
		httputil.InternalError(w, err)
		return
	}

	first, err := h.repo.MarkUnsubscribed(r.Context(), rec.ID, rec.CampaignID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if first {
		h.recordEvent(r.Context(), rec, domain.EmailEventUnsubscribed, nil)
	}

	httputil.OK(w, httputil.Envelope{Success: true})
}

func (h *Handler) resolveToken(w http.ResponseWriter, r *http.Request) (*domain.Recipient, bool) {
	token := r.URL.Query().Get("token")
	if token == "" {
		httputil.BadRequest(w, "missing token")
		return nil, false
	}
	rec, err := h.repo.RecipientByTrackingID(r.Context(), token)
	if err != nil {
		httputil.NotFound(w, "unknown token")
		return nil, false
	}
	return rec, true
}

// WebhookEvent is one provider notification. CampaignID plus Email identify
// the recipient.
type WebhookEvent struct {
	Type       string `json:"type"`
	Email      string `json:"email"`
	CampaignID string `json:"campaignId"`
	Reason     string `json:"reason,omitempty"`
	LinkID     string `json:"linkId,omitempty"`
}

// HandleWebhook accepts a single event object or a batch array. Events are
// applied independently; one bad recipient never aborts the rest of the
// batch. The response reports how many events were processed.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	events, ok := decodeWebhookBody(w, r)
	if !ok {
		return
	}

	processed := 0
	for _, ev := range events {
		if err := h.applyWebhookEvent(r.Context(), ev); err != nil {
			h.log.Warn("webhook event",
				"type", ev.Type,
				"campaign_id", ev.CampaignID,
				"email", logger.RedactEmail(ev.Email),
				"err", err.Error())
		}
		processed++
	}

	httputil.OK(w, httputil.Envelope{Success: true, Processed: &processed})
}

func decodeWebhookBody(w http.ResponseWriter, r *http.Request) ([]WebhookEvent, bool) {
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.BadRequest(w, "invalid JSON")
		return nil, false
	}

	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var events []WebhookEvent
		if err := json.Unmarshal(body, &events); err != nil {
			httputil.BadRequest(w, "invalid JSON")
			return nil, false
		}
		return events, true
	}

	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		httputil.BadRequest(w, "invalid JSON")
		return nil, false
	}
	return []WebhookEvent{ev}, true
}

func (h *Handler) applyWebhookEvent(ctx context.Context, ev WebhookEvent) error {
	rec, err := h.repo.RecipientByEmail(ctx, ev.CampaignID, ev.Email)
	if err != nil {
		return err
	}

	switch strings.ToLower(ev.Type) {
	case "delivered":
		first, err := h.repo.MarkDelivered(ctx, rec.ID)
		if err != nil {
			return err
		}
		if first {
			h.recordEvent(ctx, rec, domain.EmailEventDelivered, nil)
		}
	case "bounced":
		first, err := h.repo.MarkBounced(ctx, rec.ID, rec.CampaignID, ev.Reason)
		if err != nil {
			return err
		}
		if first {
			h.recordEvent(ctx, rec, domain.EmailEventBounced, map[string]string{"reason": ev.Reason})
			if err := h.sup.Suppress(ctx, rec.Email, domain.ReasonHardBounce, domain.SourceWebhook, rec.CampaignID); err != nil {
				return err
			}
			h.checkComplete(ctx, rec.CampaignID)
		}
	case "complained":
		h.recordEvent(ctx, rec, domain.EmailEventComplained, map[string]string{"reason": ev.Reason})
		return h.sup.Suppress(ctx, rec.Email, domain.ReasonComplaint, domain.SourceWebhook, rec.CampaignID)
	case "unsubscribed":
		first, err := h.repo.MarkUnsubscribed(ctx, rec.ID, rec.CampaignID)
		if err != nil {
			return err
		}
		if first {
			h.recordEvent(ctx, rec, domain.EmailEventUnsubscribed, nil)
		}
		return h.sup.Suppress(ctx, rec.Email, domain.ReasonUnsubscribe, domain.SourceWebhook, rec.CampaignID)
	case "opened":
		if _, err := h.repo.MarkOpened(ctx, rec.ID, rec.CampaignID); err != nil {
			return err
		}
		h.recordEvent(ctx, rec, domain.EmailEventOpened, nil)
	case "clicked":
		if _, err := h.repo.MarkClicked(ctx, rec.ID, rec.CampaignID); err != nil {
			return err
		}
		meta := map[string]string{}
		if ev.LinkID != "" {
			meta["linkId"] = ev.LinkID
		}
		h.recordEvent(ctx, rec, domain.EmailEventClicked, meta)
	default:
		h.log.Debug("ignoring webhook event type", "type", ev.Type)
	}
	return nil
}

func (h *Handler) checkComplete(ctx context.Context, campaignID string) {
	if h.completer == nil {
		return
	}
	done, err := h.completer.CheckAndCompleteCampaign(ctx, campaignID)
	if err != nil {
		h.log.Error("completion check", "campaign_id", campaignID, "err", err.Error())
		return
	}
	if done {
		h.log.Info("campaign completed by bounce accounting", "campaign_id", campaignID)
	}
}

func (h *Handler) recordEvent(ctx context.Context, rec *domain.Recipient, typ domain.EmailEventType, meta map[string]string) {
	ev := &domain.EmailEvent{
		CampaignID:  rec.CampaignID,
		RecipientID: rec.ID,
		Type:        typ,
		Metadata:    meta,
		CreatedAt:   time.Now(),
	}
	if err := h.repo.RecordEvent(ctx, ev); err != nil {
		h.log.Error("record event", "type", string(typ), "recipient_id", rec.ID, "err", err.Error())
	}
}
