package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-pdv/internal/app"
	"github.com/odyssey-erp/odyssey-pdv/internal/auth"
	"github.com/odyssey-erp/odyssey-pdv/internal/httpapi"
	"github.com/odyssey-erp/odyssey-pdv/internal/observability"
	"github.com/odyssey-erp/odyssey-pdv/internal/prompt"
	"github.com/odyssey-erp/odyssey-pdv/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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
	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("pdv stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	metrics := observability.NewMetrics()
	station, err := app.OpenStation(ctx, app.StationOptions{
		Config:   cfg,
		Logger:   logger,
		Prompter: prompt.NewTerminal(os.Stdin, os.Stderr),
		Metrics:  metrics,
	})
	if err != nil {
		return err
	}
	defer station.Close()

	cookie := auth.NewCookieFile(cfg.CookiePath)
	idle := auth.NewIdleWatcher(station.Params, func(ctx context.Context) {
		if err := cookie.Clear(); err != nil {
			logger.Warn("clear login cookie", slog.Any("error", err))
		}
	}, logger)
	if user, err := station.Auth.AutoLogin(ctx, cookie); err == nil {
		idle.Login()
		logger.Info("operator logged in from cookie", slog.String("user", user.Username))
	}

	var jobHandler *jobs.Handler
	if cfg.UsesRedis() {
		inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		defer func() {
			if err := inspector.Close(); err != nil {
				logger.Warn("inspector close", slog.Any("error", err))
			}
		}()
		jobHandler = jobs.NewHandler(inspector, logger)
	}

	router := app.NewRouter(app.RouterParams{
		Logger:      logger,
		Config:      cfg,
		AuthHandler: auth.NewHandler(logger, station.Auth, cookie, idle),
		StationHandler: httpapi.NewHandler(httpapi.Config{
			StationID:   station.ID,
			StationName: station.Name,
			Stores:      station.Stores,
			Tills:       station.Tills,
			Checkout:    station.Checkout,
			Gauge:       metrics,
			Logger:      logger,
		}),
		JobHandler: jobHandler,
		Metrics:    metrics,
		Touch:      idle.Touch,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return station.Listen(ctx)
	})
	g.Go(func() error {
		idle.Run(ctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.String("station", station.Name))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
