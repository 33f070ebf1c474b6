package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/domain"
	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/pkg/httputil"
	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/pkg/logger"
	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/queue"
)

// QueueHandlers serves /api/queue: operator visibility and control over the
// durable job queue.
type QueueHandlers struct {
	queue *queue.Queue
	log   *logger.Logger
}

// NewQueueHandlers creates the queue handler group.
func NewQueueHandlers(q *queue.Queue) *QueueHandlers {
	return &QueueHandlers{queue: q, log: logger.Component("api.queue")}
}

// Register mounts the routes on the given router.
func (h *QueueHandlers) Register(r chi.Router) {
	r.Get("/health", h.HandleHealth)
	r.Get("/counts", h.HandleCounts)
	r.Get("/jobs", h.HandleListJobs)
	r.Post("/pause", h.HandlePause)
	r.Post("/resume", h.HandleResume)
	r.Post("/drain", h.HandleDrain)
	r.Post("/clean", h.HandleClean)
}

func (h *QueueHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	health := h.queue.Ping(r.Context())
	status := http.StatusOK
	if !health.OK {
		status = http.StatusServiceUnavailable
	}
	httputil.JSON(w, status, health)
}

func (h *QueueHandlers) HandleCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := h.queue.CountByState(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, counts)
}

func (h *QueueHandlers) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := domain.JobState(q.Get("state"))
	if state == "" {
		state = domain.JobWaiting
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	offset, _ := strconv.Atoi(q.Get("offset"))

	jobs, err := h.queue.GetByState(r.Context(), state, offset, limit)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"jobs": jobs, "state": state})
}

func (h *QueueHandlers) HandlePause(w http.ResponseWriter, r *http.Request) {
	h.queue.Pause()
	h.log.Info("queue paused by operator")
	httputil.OK(w, httputil.Envelope{Success: true})
}

func (h *QueueHandlers) HandleResume(w http.ResponseWriter, r *http.Request) {
	h.queue.Resume()
	h.log.Info("queue resumed by operator")
	httputil.OK(w, httputil.Envelope{Success: true})
}

func (h *QueueHandlers) HandleDrain(w http.ResponseWriter, r *http.Request) {
	h.queue.Drain()
	h.log.Info("queue draining")
	httputil.OK(w, httputil.Envelope{Success: true})
}

type cleanRequest struct {
	MaxAgeHours int    `json:"max_age_hours"`
	Limit       int    `json:"limit"`
	State       string `json:"state"`
}

// HandleClean removes old terminal jobs. Only completed and failed states
// are cleanable; the queue rejects anything else.
func (h *QueueHandlers) HandleClean(w http.ResponseWriter, r *http.Request) {
	var req cleanRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.MaxAgeHours <= 0 {
		req.MaxAgeHours = 24
	}
	if req.Limit <= 0 {
		req.Limit = 1000
	}
	state := domain.JobState(req.State)
	if state == "" {
		state = domain.JobCompleted
	}

	removed, err := h.queue.Clean(r.Context(), time.Duration(req.MaxAgeHours)*time.Hour, req.Limit, state)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.OK(w, httputil.Envelope{Success: true, Processed: &removed})
}
