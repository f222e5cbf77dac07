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
	"project-tracker/pkg/service"

	amqp "github.com/rabbitmq/amqp091-go"
)

// The worker applies pipeline callbacks that arrive over RabbitMQ instead of HTTP.
func main() {
	cfg := config.Load()
	logger, closeLog := observability.NewLogger(cfg.LogLevel, cfg.LogFile)
	defer closeLog()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbClient, err := database.New(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbClient.Close()

	mqClient, err := mq.New(cfg.RabbitMQURL)
	if err != nil {
		slog.Error("failed to connect to rabbitmq", "error", err)
		os.Exit(1)
	}
	defer mqClient.Close()

	if err := mqClient.SetupTopology(); err != nil {
		slog.Error("failed to setup rabbitmq topology", "error", err)
		os.Exit(1)
	}

	deliveries, err := mqClient.ConsumeCallbacks(cfg.WorkerConcurrency)
	if err != nil {
		slog.Error("failed to start consuming callbacks", "error", err)
		os.Exit(1)
	}

	observability.StartMetricsServer(cfg.MetricsAddr)

	callbacks := service.NewCallbackService(dbClient, logger)
	handle := func(ctx context.Context, msg amqp.Delivery) error {
		return callbacks.HandleMessage(ctx, msg.Body)
	}

	logger.Info("callback worker started", "queue", mq.CallbacksQueue, "concurrency", cfg.WorkerConcurrency)
	mq.Serve(ctx, deliveries, cfg.WorkerConcurrency, handle, logger)
	logger.Info("callback worker stopped")
}
