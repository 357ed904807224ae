package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"convoops_backend/internal/archive"
	"convoops_backend/internal/audit"
	"convoops_backend/internal/email"
	"convoops_backend/internal/events"
	"convoops_backend/internal/gating"
	apphttp "convoops_backend/internal/http"
	"convoops_backend/internal/http/router"
	"convoops_backend/internal/jobs"
	"convoops_backend/internal/notification"
	"convoops_backend/internal/orchestrator"
	"convoops_backend/internal/scheduler"
	"convoops_backend/internal/webhook"
	"convoops_backend/migrations"
	"convoops_backend/platform/config"
	"convoops_backend/platform/db"
	"convoops_backend/platform/logger"
	"convoops_backend/platform/validator"

	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)
	log.Info("starting server", "env", cfg.Env, "addr", cfg.HTTPAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ========================================================================
	// Infrastructure Layer
	// ========================================================================

	if err := withRetry(ctx, log, "database migrations", 5, 2*time.Second, func() error {
		return db.RunMigrations(ctx, cfg, migrations.FS, ".")
	}); err != nil {
		log.Error("failed to run database migrations", "error", err)
		panic("failed to run database migrations: " + err.Error())
	}
	log.Info("database migrations complete")

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
	log.Info("database connection established")

	// Event bus for decoupled communication between modules
	eventBus := events.NewInMemoryBus(log)

	// Shared validator instance for dependency injection
	val := validator.New()

	dispatchClient, closeDispatch := initDispatchClient(cfg, log)
	if closeDispatch != nil {
		defer closeDispatch()
	}

	// ========================================================================
	// Domain Modules (Composition Root)
	// ========================================================================

	// Notification module owns the SSE fan-out (audit feeds it events)
	notificationModule := notification.NewModule(log)
	defer notificationModule.Close()

	auditModule := audit.NewModule(pool, notificationModule.SSE(), log)

	jobsModule := jobs.NewModule(pool, auditModule.Service(), eventBus, cfg, val, log)
	gatingModule := gating.NewModule(pool, auditModule.Service(), eventBus, cfg, val, log)

	// The orchestrator consults gating before any job is created. Job
	// creation endpoints and webhook triggers both go through it.
	orch := orchestrator.New(jobsModule.Service(), gatingModule.Service(), log)
	if dispatchClient != nil {
		orch.SetDispatcher(dispatchClient)
	}
	jobsModule.SetEnqueuer(orch)

	webhookModule := webhook.NewModule(pool, orch, eventBus, val, log)
	if cfg.IsArchiveEnabled() {
		archiveSvc, err := archive.NewService(cfg)
		if err != nil {
			log.Error("failed to initialize archive service", "error", err)
			panic("failed to initialize archive service: " + err.Error())
		}
		if err := withRetry(ctx, log, "ensure archive bucket", 5, 2*time.Second, func() error {
			return archiveSvc.EnsureBucketExists(ctx)
		}); err != nil {
			log.Error("failed to ensure archive bucket exists", "error", err)
			panic("failed to ensure archive bucket exists: " + err.Error())
		}
		webhookModule.Service().SetArchiver(archiveSvc)
		log.Info("archive service initialized", "bucket", cfg.GetArchiveBucket())
	}

	// Operator alerts on repeatedly failing jobs
	if cfg.IsAlertEnabled() {
		alertHandler := email.NewAlertHandler(email.NewSMTPSender(cfg), log)
		alertHandler.RegisterHandlers(eventBus)
		log.Info("retry alerts enabled", "to", cfg.GetAlertToAddress())
	} else {
		log.Warn("SMTP not configured; retry alerts disabled")
	}

	// ========================================================================
	// HTTP Layer
	// ========================================================================

	app := &apphttp.App{
		Config:   cfg,
		Logger:   log,
		Health:   db.NewPoolAdapter(pool),
		EventBus: eventBus,
		Modules: []apphttp.Module{
			jobsModule,
			gatingModule,
			auditModule,
			webhookModule,
			notificationModule,
		},
	}

	engine := router.New(app)

	srvErr := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", cfg.HTTPAddr)
		srvErr <- engine.Run(cfg.HTTPAddr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, gracefully shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = shutdownCtx
	case err := <-srvErr:
		if err != nil {
			log.Error("server error", "error", err)
			panic("server error: " + err.Error())
		}
	}
}

func initDispatchClient(cfg config.SchedulerConfig, log *logger.Logger) (*scheduler.Client, func()) {
	if cfg.GetRedisURL() == "" {
		log.Warn("REDIS_URL not configured; background job dispatch disabled")
		return nil, nil
	}

	client, err := scheduler.NewClient(cfg)
	if err != nil {
		log.Error("failed to initialize dispatch client", "error", err)
		return nil, nil
	}

	return client, func() {
		_ = client.Close()
	}
}

func withRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return fmt.Errorf("%s: invalid retry attempts", name)
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
