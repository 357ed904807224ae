package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"convoops_backend/internal/agents"
	"convoops_backend/internal/audit"
	"convoops_backend/internal/email"
	"convoops_backend/internal/events"
	"convoops_backend/internal/gating"
	"convoops_backend/internal/jobs"
	"convoops_backend/internal/scheduler"
	"convoops_backend/platform/config"
	"convoops_backend/platform/db"
	"convoops_backend/platform/logger"
	"convoops_backend/platform/validator"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)
	log.Info("starting worker", "env", cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var pool *pgxpool.Pool
	if err := withRetry(ctx, log, "database connection", 5, 2*time.Second, func() error {
		p, err := db.NewPool(ctx, cfg)
		if err != nil {
			return err
		}
		pool = p
		return nil
	}); err != nil {
		log.Error("failed to connect to database", "error", err)
		panic("failed to connect to database: " + err.Error())
	}
	defer pool.Close()

	eventBus := events.NewInMemoryBus(log)
	val := validator.New()

	// Worker-side module wiring: no HTTP handlers, no SSE notifier. Audit
	// rows written here surface through the API's audit listing.
	auditModule := audit.NewModule(pool, nil, log)
	jobsModule := jobs.NewModule(pool, auditModule.Service(), eventBus, cfg, val, log)
	gatingModule := gating.NewModule(pool, auditModule.Service(), eventBus, cfg, val, log)

	// Retry alerts fire from the worker since that is where jobs fail.
	if cfg.IsAlertEnabled() {
		alertHandler := email.NewAlertHandler(email.NewSMTPSender(cfg), log)
		alertHandler.RegisterHandlers(eventBus)
		log.Info("retry alerts enabled", "to", cfg.GetAlertToAddress())
	}

	worker, err := scheduler.NewWorker(cfg, cfg, jobsModule.Service(), log)
	if err != nil {
		log.Error("failed to initialize worker", "error", err)
		panic("failed to initialize worker: " + err.Error())
	}

	if cfg.IsAgentEnabled() {
		responder, err := agents.NewResponder(cfg)
		if err != nil {
			log.Error("failed to initialize responder agent", "error", err)
			panic("failed to initialize responder agent: " + err.Error())
		}
		worker.SetAgentRunner(responder)
		log.Info("responder agent enabled", "model", cfg.GetAgentModel())
	} else {
		log.Warn("AGENT_API_KEY not configured; claimed jobs wait for completion over the API")
	}

	sweeper := scheduler.NewMuteSweeper(gatingModule.Service(), log, cfg.GetMuteSweepInterval())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sweeper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		worker.Run(gctx)
		return nil
	})
	if err := g.Wait(); err != nil {
		log.Error("worker stopped", "error", err)
	}
}

func withRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return errors.New(name + ": invalid retry attempts")
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			log.Warn("retryable operation failed", "operation", name, "attempt", attempt, "error", err)
		}

		if attempt < attempts {
			delay := time.Duration(attempt*attempt) * baseDelay
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return errors.New(name + ": " + lastErr.Error())
}
