package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/punchamoorthee/ledgerjobs/internal/api"
	"github.com/punchamoorthee/ledgerjobs/internal/config"
	"github.com/punchamoorthee/ledgerjobs/internal/jobs"
	"github.com/punchamoorthee/ledgerjobs/internal/logging"
	"github.com/punchamoorthee/ledgerjobs/internal/reconcile"
	"github.com/punchamoorthee/ledgerjobs/internal/recurrence"
	"github.com/punchamoorthee/ledgerjobs/internal/retention"
	"github.com/punchamoorthee/ledgerjobs/internal/store"
)

func main() {
	logger := logging.NewLoggerWithService("ledger-api")

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ledgerStore, err := store.New(ctx, cfg.DBSource)
	if err != nil {
		logger.WithError(err).Fatal("Unable to connect to database")
	}
	defer ledgerStore.Close()

	// Initialize Layers
	scheduler := recurrence.NewScheduler(ledgerStore, logger, recurrence.Options{
		Workers:            cfg.RecurrenceWorkers,
		MaxRetries:         cfg.RecurrenceMaxRetries,
		Retryable:          store.IsRetryable,
		AuditSystemActions: cfg.AuditSystemActions,
	})
	engine := retention.NewEngine(ledgerStore, retention.DefaultPolicy(), logger)
	runner := jobs.NewRunner(scheduler, engine, logger, jobs.Options{
		Timeout:  cfg.JobTimeout,
		Location: cfg.Location,
	})
	handler := api.NewHandler(runner, reconcile.NewAuditor(ledgerStore), ledgerStore.Ping, logger)

	if cfg.ScheduleEnabled {
		manager := jobs.NewManager(runner, logger, cfg.RecurrenceInterval, cfg.RetentionInterval)
		manager.Start(ctx)
		defer manager.Stop()
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(handler, cfg.CronSecret, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithField("port", cfg.Port).WithField("environment", cfg.Env).Info("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Server failed")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.JobTimeout+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Graceful shutdown failed")
	}
}
