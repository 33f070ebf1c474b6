package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/pkg/logger"
	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/tracking"
)

// Server owns the HTTP routing for the operator API and the tracking
// surface. Handlers stay thin; all decisions live in the service layer.
type Server struct {
	campaigns   *CampaignHandlers
	queue       *QueueHandlers
	suppression *SuppressionHandlers
	tracking    *tracking.Handler
	health      *HealthHandler
	log         *logger.Logger
}

// NewServer assembles the router from the individual handler groups. Any
// group may be nil; its routes are simply not mounted.
func NewServer(campaigns *CampaignHandlers, queue *QueueHandlers, suppression *SuppressionHandlers, trk *tracking.Handler, health *HealthHandler) *Server {
	return &Server{
		campaigns:   campaigns,
		queue:       queue,
		suppression: suppression,
		tracking:    trk,
		health:      health,
		log:         logger.Component("api"),
	}
}

// Routes builds the top-level router.
func (s *Server) Routes(allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Timeout(60 * time.Second))

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if s.health != nil {
		r.Get("/health", s.health.HandleHealth)
	}

	// Tracking endpoints are hit by mail clients, not operators: no auth,
	// no JSON envelope on the pixel/redirect paths.
	if s.tracking != nil {
		r.Mount("/tracking", s.tracking.Routes())
	}

	r.Route("/api", func(r chi.Router) {
		if s.campaigns != nil {
			r.Route("/campaigns", s.campaigns.Register)
		}
		if s.queue != nil {
			r.Route("/queue", s.queue.Register)
		}
		if s.suppression != nil {
			r.Route("/suppressions", s.suppression.Register)
		}
	})

	return r
}

// HTTPServer wraps the router in a configured http.Server. The caller owns
// startup and graceful shutdown.
func (s *Server) HTTPServer(addr string, allowedOrigins []string) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      s.Routes(allowedOrigins),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}
