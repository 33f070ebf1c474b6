package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/domain"
	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/pkg/httputil"
	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/service/suppression"
)

// SuppressionHandlers serves /api/suppressions.
type SuppressionHandlers struct {
	svc *suppression.Service
}

// NewSuppressionHandlers creates the suppression handler group.
func NewSuppressionHandlers(svc *suppression.Service) *SuppressionHandlers {
	return &SuppressionHandlers{svc: svc}
}

// Register mounts the routes on the given router.
func (h *SuppressionHandlers) Register(r chi.Router) {
	r.Get("/", h.HandleList)
	r.Post("/", h.HandleAdd)
	r.Delete("/{email}", h.HandleRemove)
	r.Get("/stats", h.HandleStats)
	r.Get("/check/{email}", h.HandleCheck)
}

func (h *SuppressionHandlers) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	offset, _ := strconv.Atoi(q.Get("offset"))

	entries, total, err := h.svc.List(r.Context(), suppression.ListFilter{
		Reason: q.Get("reason"),
		Source: q.Get("source"),
		Search: q.Get("search"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{
		"suppressions": entries,
		"total":        total,
	})
}

type addSuppressionRequest struct {
	Email  string `json:"email"`
	Reason string `json:"reason"`
}

func (h *SuppressionHandlers) HandleAdd(w http.ResponseWriter, r *http.Request) {
	var req addSuppressionRequest
	if !httputil.Decode(w, r, &req) {
		return
	}

	reason := domain.SuppressionReason(req.Reason)
	if reason == "" {
		reason = domain.ReasonManual
	}

	err := h.svc.Suppress(r.Context(), req.Email, reason, domain.SourceManual, "")
	if errors.Is(err, suppression.ErrEmailMissing) {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.JSON(w, http.StatusCreated, httputil.Envelope{Success: true})
}

func (h *SuppressionHandlers) HandleRemove(w http.ResponseWriter, r *http.Request) {
	err := h.svc.Remove(r.Context(), chi.URLParam(r, "email"))
	if errors.Is(err, suppression.ErrNotFound) {
		httputil.NotFound(w, "email not suppressed")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, httputil.Envelope{Success: true})
}

func (h *SuppressionHandlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.GetStats(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, stats)
}

func (h *SuppressionHandlers) HandleCheck(w http.ResponseWriter, r *http.Request) {
	email := chi.URLParam(r, "email")
	suppressed, err := h.svc.IsSuppressed(r.Context(), email)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"email": email, "suppressed": suppressed})
}
