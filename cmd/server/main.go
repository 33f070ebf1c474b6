// The server binary hosts the HTTP API: campaign CRUD and lifecycle
// operations, queue administration, suppression management, and the
// public tracking endpoints (open pixel, click redirect, unsubscribe,
// provider webhooks).
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/api"
	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/app"
	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/config"
	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/pkg/logger"
	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/queue"
	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/repository/postgres"
	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/service/campaign"
	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/service/suppression"
	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/tracking"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		logger.Error("failed to load config", "path", configPath, "error", err.Error())
		os.Exit(1)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	log := logger.Component("server-main")

	application := app.New(cfg)
	db, err := application.DB()
	if err != nil {
		log.Error("failed to connect to postgres", "error", err.Error())
		os.Exit(1)
	}

	q := queue.New(db, queue.Options{
		VisibilityTimeout: cfg.Queue.VisibilityTimeout(),
		MaxAttempts:       cfg.Queue.MaxAttempts,
		RetryBase:         cfg.Queue.RetryBase(),
	})

	campaignRepo := postgres.NewCampaignRepo(db)
	recipientRepo := postgres.NewRecipientRepo(db)
	suppressions := suppression.NewService(postgres.NewSuppressionRepo(db))
	campaigns := campaign.NewService(campaignRepo, q)

	trackingHandler := tracking.NewHandler(postgres.NewTrackingRepo(db), suppressions, campaigns)

	server := api.NewServer(
		api.NewCampaignHandlers(campaignRepo, recipientRepo, campaigns),
		api.NewQueueHandlers(q),
		api.NewSuppressionHandlers(suppressions),
		trackingHandler,
		api.NewHealthHandler(db, application.Redis()),
	)

	addr := fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port)
	httpServer := server.HTTPServer(addr, allowedOrigins())

	go func() {
		log.Info("http server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "error", err.Error())
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown error", "error", err.Error())
	}
	if err := application.Close(shutdownCtx); err != nil {
		log.Warn("shutdown finished with errors", "error", err.Error())
	}
	log.Info("server stopped")
}

// allowedOrigins reads the CORS origin list from the environment,
// comma-separated. Empty means the development defaults apply.
func allowedOrigins() []string {
	raw := os.Getenv("ALLOWED_ORIGINS")
	if raw == "" {
		return nil
	}
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
