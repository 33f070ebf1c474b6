// The worker binary runs the send pipeline: it leases jobs from the
// Postgres queue, renders and delivers each email under the Redis
// governor's throughput limits, and keeps campaign counters honest as
// sends complete. It also runs the stalled-job recovery sweep and the
// scheduled-campaign starter, the latter guarded by a distributed lock so
// only one worker instance fires due campaigns.
package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/app"
	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/config"
	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/governor"
	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/pkg/distlock"
	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/pkg/logger"
	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/queue"
	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/render"
	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/repository/postgres"
	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/service/campaign"
	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/transport"
	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/worker"
)

const schedulerInterval = 15 * time.Second

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
	log := logger.Component("worker-main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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

	gov := governor.New(application.Redis(), governor.Config{
		Concurrency:       cfg.Governor.Concurrency,
		RateLimitMax:      cfg.Governor.RateLimitMax,
		RateLimitDuration: cfg.Governor.RateLimitDuration(),
	})

	var tr transport.Transport
	if cfg.SES.Enabled {
		tr, err = transport.NewSES(ctx, cfg.SES)
		if err != nil {
			log.Error("failed to initialize SES transport", "error", err.Error())
			os.Exit(1)
		}
	} else {
		log.Warn("SES disabled, sends go to the devnull transport")
		tr = transport.NewDevNull()
	}
	application.OnClose(func(context.Context) error { return tr.Close() })

	store := postgres.NewWorkerStore(db)
	campaigns := campaign.NewService(postgres.NewCampaignRepo(db), q)

	signals := worker.NewSignals()
	signals.OnProgress(func(campaignID string) {
		cctx, ccancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer ccancel()
		done, err := campaigns.CheckAndCompleteCampaign(cctx, campaignID)
		if err != nil {
			log.Warn("completion check failed", "campaign_id", campaignID, "error", err.Error())
			return
		}
		if done {
			log.Info("campaign completed", "campaign_id", campaignID)
		}
	})

	pool := worker.NewPool(q, store, gov, render.New(),
		render.NewInjector(cfg.Tracking.BaseURL), tr, signals, worker.Options{
			NumWorkers:  cfg.Queue.Workers,
			SendTimeout: cfg.SES.Timeout(),
		})

	recovery := queue.NewRecovery(q, cfg.Queue.VisibilityTimeout()/2)
	recovery.OnStalled = signals.EmitStalled
	recovery.OnDeadLettered = func(jobID, campaignID, recipientID string) {
		cctx, ccancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer ccancel()
		first, err := store.MarkRecipientFailed(cctx, recipientID, "lease expired after max attempts")
		if err != nil {
			log.Error("mark dead-lettered recipient", "job_id", jobID, "recipient_id", recipientID, "error", err.Error())
			return
		}
		if first {
			if err := store.IncrementBouncedCount(cctx, campaignID); err != nil {
				log.Error("increment bounced count", "campaign_id", campaignID, "error", err.Error())
			}
		}
		signals.EmitProgress(campaignID)
	}
	go recovery.Run(ctx)

	go runScheduler(ctx, application, db, campaigns, log)

	pool.Start()
	log.Info("worker started",
		"workers", cfg.Queue.Workers,
		"concurrency", cfg.Governor.Concurrency,
		"ses_enabled", cfg.SES.Enabled,
	)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info("shutdown signal received, draining workers")

	cancel()
	pool.Stop()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer closeCancel()
	if err := application.Close(closeCtx); err != nil {
		log.Warn("shutdown finished with errors", "error", err.Error())
	}
	log.Info("worker stopped", "stats", pool.Stats())
}

// runScheduler periodically starts campaigns whose scheduled time has
// arrived. The distributed lock keeps concurrent worker instances from
// double-starting the same campaign.
func runScheduler(ctx context.Context, application *app.App, db *sql.DB, campaigns *campaign.Service, log *logger.Logger) {
	lock := distlock.New(application.Redis(), db, "mailing:scheduler", schedulerInterval*2)

	ticker := time.NewTicker(schedulerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		acquired, err := lock.Acquire(ctx)
		if err != nil {
			log.Warn("scheduler lock error", "error", err.Error())
			continue
		}
		if !acquired {
			continue
		}

		started, err := campaigns.StartDueScheduled(ctx)
		if err != nil {
			log.Warn("scheduled campaign start failed", "error", err.Error())
		} else if started > 0 {
			log.Info("started scheduled campaigns", "count", started)
		}

		if err := lock.Release(ctx); err != nil {
			log.Warn("scheduler lock release failed", "error", err.Error())
		}
	}
}
