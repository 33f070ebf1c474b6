package api

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/pkg/httputil"
)

// ComponentCheck is the health of a single dependency.
type ComponentCheck struct {
	Status  string `json:"status"` // "up", "down", "not_configured"
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// HealthStatus is the aggregate health report.
type HealthStatus struct {
	Status string                    `json:"status"` // "healthy", "degraded"
	Uptime string                    `json:"uptime"`
	Checks map[string]ComponentCheck `json:"checks"`
}

// HealthHandler reports dependency health. Infrastructure failures surface
// here, never as errors inside request handlers.
type HealthHandler struct {
	db        *sql.DB
	redis     *redis.Client
	startTime time.Time
}

// NewHealthHandler creates a health handler. Either dependency may be nil;
// nil dependencies report "not_configured".
func NewHealthHandler(db *sql.DB, rdb *redis.Client) *HealthHandler {
	return &HealthHandler{db: db, redis: rdb, startTime: time.Now()}
}

// HandleHealth serves GET /health.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]ComponentCheck{
		"database": h.checkDB(ctx),
		"redis":    h.checkRedis(ctx),
	}

	status := "healthy"
	code := http.StatusOK
	for _, c := range checks {
		if c.Status == "down" {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	httputil.JSON(w, code, HealthStatus{
		Status: status,
		Uptime: time.Since(h.startTime).Round(time.Second).String(),
		Checks: checks,
	})
}

func (h *HealthHandler) checkDB(ctx context.Context) ComponentCheck {
	if h.db == nil {
		return ComponentCheck{Status: "not_configured"}
	}
	start := time.Now()
	if err := h.db.PingContext(ctx); err != nil {
		return ComponentCheck{Status: "down", Message: err.Error()}
	}
	return ComponentCheck{Status: "up", Latency: fmt.Sprintf("%dms", time.Since(start).Milliseconds())}
}

func (h *HealthHandler) checkRedis(ctx context.Context) ComponentCheck {
	if h.redis == nil {
		return ComponentCheck{Status: "not_configured"}
	}
	start := time.Now()
	if err := h.redis.Ping(ctx).Err(); err != nil {
		return ComponentCheck{Status: "down", Message: err.Error()}
	}
	return ComponentCheck{Status: "up", Latency: fmt.Sprintf("%dms", time.Since(start).Milliseconds())}
}
