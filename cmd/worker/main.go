package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-pdv/internal/app"
	jobmetrics "github.com/odyssey-erp/odyssey-pdv/internal/jobs"
	"github.com/odyssey-erp/odyssey-pdv/internal/prompt"
	"github.com/odyssey-erp/odyssey-pdv/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)
	if !cfg.UsesRedis() {
		logger.Error("worker requires REDIS_ADDR")
		os.Exit(1)
	}

	// The worker never drives the printer interactively; any dialog cancels.
	station, err := app.OpenStation(ctx, app.StationOptions{Config: cfg, Logger: logger, Prompter: &prompt.Scripted{}})
	if err != nil {
		logger.Error("open station", slog.Any("error", err))
		os.Exit(1)
	}
	defer station.Close()
	if err := station.Listen(ctx); err != nil {
		logger.Warn("station listeners", slog.Any("error", err))
	}

	metrics := jobmetrics.NewMetrics(nil)
	exportJob := jobs.NewCAT52ExportJob(station.Stores, station.Exporter, logger, metrics)
	exportJob.Location = station.Location
	reconcileJob := jobs.NewReconcileJob(station.Checkout, logger, metrics)

	reconcileTask, err := jobs.NewReconcileTask(jobs.ReconcilePayload{StationID: station.ID})
	if err != nil {
		logger.Error("build reconcile task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Location:  station.Location,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskCAT52Export, Handler: exportJob.Handle},
			{Type: jobs.TaskCouponReconcile, Handler: reconcileJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "*/30 * * * *", Task: reconcileTask},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
