// Package app owns the process-wide infrastructure handles: the Postgres
// pool and the Redis client. Both are created lazily, exactly once, and
// live for the process lifetime. Close drains in dependency order.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/config"
	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/pkg/logger"
)

// App holds lazily-initialized shared infrastructure.
type App struct {
	cfg *config.Config
	log *logger.Logger

	dbOnce sync.Once
	db     *sql.DB
	dbErr  error

	redisOnce sync.Once
	redis     *redis.Client

	mu       sync.Mutex
	onClose  []func(context.Context) error
	closed   bool
}

// New creates the app context. No connections are opened until first use.
func New(cfg *config.Config) *App {
	return &App{cfg: cfg, log: logger.Component("app")}
}

// Config returns the loaded configuration.
func (a *App) Config() *config.Config { return a.cfg }

// DB returns the shared Postgres pool, opening it on first call.
func (a *App) DB() (*sql.DB, error) {
	a.dbOnce.Do(func() {
		db, err := sql.Open("postgres", a.cfg.Database.URL)
		if err != nil {
			a.dbErr = fmt.Errorf("open database: %w", err)
			return
		}
		maxOpen := a.cfg.Database.MaxOpenConns
		if maxOpen <= 0 {
			maxOpen = 10
		}
		maxIdle := a.cfg.Database.MaxIdleConns
		if maxIdle <= 0 {
			maxIdle = 3
		}
		db.SetMaxOpenConns(maxOpen)
		db.SetMaxIdleConns(maxIdle)
		db.SetConnMaxLifetime(5 * time.Minute)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			a.dbErr = fmt.Errorf("ping database: %w", err)
			db.Close()
			return
		}

		a.db = db
		a.log.Info("database pool opened")
	})
	return a.db, a.dbErr
}

// Redis returns the shared Redis client, connecting on first call. Redis
// failures are not fatal here; callers decide whether the dependency is
// required.
func (a *App) Redis() *redis.Client {
	a.redisOnce.Do(func() {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		a.log.Info("redis client created", "addr", a.cfg.Redis.Addr)
	})
	return a.redis
}

// OnClose registers a drain step to run before the connections close.
// Steps run in reverse registration order: the last subsystem started
// drains first.
func (a *App) OnClose(fn func(context.Context) error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onClose = append(a.onClose, fn)
}

// Close drains registered subsystems, then closes Redis and the DB pool.
// Safe to call more than once.
func (a *App) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	steps := a.onClose
	a.mu.Unlock()

	var firstErr error
	for i := len(steps) - 1; i >= 0; i-- {
		if err := steps[i](ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if a.redis != nil {
		if err := a.redis.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	a.log.Info("app closed")
	return firstErr
}
