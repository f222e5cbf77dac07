package main

import (
	"context"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"project-tracker/pkg/api"
	"project-tracker/pkg/client"
	"project-tracker/pkg/config"
	"project-tracker/pkg/job"
	"project-tracker/pkg/observability"

	"golang.org/x/sync/errgroup"
)

// fileTypes includes a couple of disallowed types so rejections show up in the load.
var fileTypes = []string{"csv", "json", "xml", "pdf", "xlsx", "txt", "log", "exe", "zip"}

const pollInterval = time.Second

func main() {
	cfg := config.Load()
	logger, closeLog := observability.NewLogger(cfg.LogLevel, cfg.LogFile)
	defer closeLog()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	token := cfg.APIToken
	if token == "" {
		var err error
		token, err = api.IssueToken(cfg.JWTSecret, job.Actor{UserID: 1, Email: "simulator@localhost", OrganizationID: 1}, 24*time.Hour)
		if err != nil {
			logger.Error("failed to mint token", "error", err)
			os.Exit(1)
		}
	}
	c := client.New(cfg.APIURL, token)

	rps := max(cfg.RatePerSec, 1)
	concurrency := max(cfg.Concurrency, 1)

	g, gctx := errgroup.WithContext(ctx)
	// Bounds the number of jobs being polled at once.
	g.SetLimit(concurrency * 50)

	interval := time.Second / time.Duration(rps)
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("simulator started", "api_url", cfg.APIURL, "rate_per_sec", rps)
	for {
		select {
		case <-gctx.Done():
			_ = g.Wait()
			logger.Info("simulator stopped")
			return
		case <-ticker.C:
			if rand.Intn(4) == 0 {
				g.Go(func() error { runBackground(gctx, c, logger); return nil })
			} else {
				g.Go(func() error { runIngestion(gctx, c, logger); return nil })
			}
		}
	}
}

func runIngestion(ctx context.Context, c *client.Client, logger *slog.Logger) {
	ft := fileTypes[rand.Intn(len(fileTypes))]
	size := rand.Int63n(50<<20) + 1
	ticket, err := c.InitiateIngestion(ctx, job.IngestionRequest{
		Filename: "upload-" + time.Now().Format("150405.000") + "." + ft,
		FileType: ft,
		FileSize: &size,
	})
	if err != nil {
		logger.Warn("ingestion rejected", "file_type", ft, "error", err)
		return
	}

	start := time.Now()
	final, err := c.WaitForIngestion(ctx, ticket.JobID, pollInterval, nil)
	if err != nil {
		logger.Error("polling ingestion failed", "job_id", ticket.JobID, "error", err)
		return
	}
	l := logger.With("job_id", final.JobID, "status", final.Status, "waited", time.Since(start))
	if final.ErrorMessage != nil {
		l.Info("ingestion finished", "error_message", *final.ErrorMessage)
		return
	}
	l.Info("ingestion finished")
}

func runBackground(ctx context.Context, c *client.Client, logger *slog.Logger) {
	jobType := job.BackgroundTypes[rand.Intn(len(job.BackgroundTypes))]
	ticket, err := c.TriggerBackground(ctx, job.BackgroundRequest{JobType: jobType})
	if err != nil {
		logger.Warn("background job rejected", "job_type", jobType, "error", err)
		return
	}

	final, err := c.WaitForBackground(ctx, ticket.JobID, pollInterval, nil)
	if err != nil {
		logger.Error("polling background job failed", "job_id", ticket.JobID, "error", err)
		return
	}
	logger.Info("background job finished",
		"job_id", final.Job.JobID,
		"job_type", jobType,
		"status", final.Job.Status,
		"elapsed_seconds", final.ElapsedTimeSeconds,
	)
}
