package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"project-tracker/pkg/config"
	"project-tracker/pkg/database"
	"project-tracker/pkg/mq"
	"project-tracker/pkg/observability"
	"project-tracker/pkg/outbox"
)

// The publisher relays job transition events from the outbox table to RabbitMQ.
func main() {
	cfg := config.Load()
	logger, closeLog := observability.NewLogger(cfg.LogLevel, cfg.LogFile)
	defer closeLog()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbClient, err := database.New(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbClient.Close()

	mqClient, err := mq.New(cfg.RabbitMQURL)
	if err != nil {
		logger.Error("failed to connect to rabbitmq", "error", err)
		os.Exit(1)
	}
	defer mqClient.Close()

	// Ensure topology exists; safe if already declared
	if err := mqClient.SetupTopology(); err != nil {
		logger.Error("failed to setup rabbitmq topology", "error", err)
		os.Exit(1)
	}

	observability.StartMetricsServer(cfg.MetricsAddr)

	logger.Info("outbox publisher started", "interval", cfg.PublishInterval)
	outbox.NewRelay(dbClient, mqClient, logger, 100).Run(ctx, cfg.PublishInterval)
	logger.Info("outbox publisher stopped")
}
