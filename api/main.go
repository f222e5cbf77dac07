package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"project-tracker/pkg/api"
	"project-tracker/pkg/config"
	"project-tracker/pkg/database"
	"project-tracker/pkg/lifecycle"
	"project-tracker/pkg/memstore"
	"project-tracker/pkg/observability"
	"project-tracker/pkg/outbox"
	"project-tracker/pkg/service"

	"golang.org/x/sync/errgroup"
)

// store is everything the API process needs from its backing store.
type store interface {
	lifecycle.Store
	service.IngestionStore
	service.BackgroundStore
	outbox.Source
	api.Pinger
}

func main() {
	cfg := config.Load()
	logger, closeLog := observability.NewLogger(cfg.LogLevel, cfg.LogFile)
	defer closeLog()
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("api exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	engine := lifecycle.New(st, logger, cfg.Lifecycle())
	server := api.NewServer(
		service.NewIngestionService(st, engine, logger, cfg.UploadBaseURL),
		service.NewBackgroundService(st, engine, logger),
		service.NewCallbackService(st, logger),
		st,
		cfg.JWTSecret,
		logger,
	)

	observability.StartMetricsServer(cfg.MetricsAddr)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Handler([]string{cfg.FrontendURL}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("API server starting", "addr", cfg.HTTPAddr, "store", cfg.StoreDriver)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if cfg.StoreDriver == "memory" {
		// No publisher process can read an in-process outbox, so drain it here.
		relay := outbox.NewRelay(st, outbox.LogPublisher{Logger: logger}, logger, 500)
		g.Go(func() error {
			relay.Run(gctx, time.Second)
			return nil
		})
	}

	err = g.Wait()
	logger.Info("waiting for in-flight jobs to settle")
	engine.Wait()
	return err
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store, func(), error) {
	switch cfg.StoreDriver {
	case "memory":
		logger.Warn("using in-memory store, data is lost on restart")
		return memstore.New(), func() {}, nil
	case "postgres", "":
		db, err := database.New(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := db.InitSchema(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
		return db, db.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
}
