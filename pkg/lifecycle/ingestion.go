package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"project-tracker/pkg/job"
)

const (
	ingestionSummary      = "File processed successfully"
	ingestionMockFailure  = "Mock error: File format invalid or corrupted"
	unknownFailureMessage = "Unknown error occurred"
)

type previewRow struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Value int    `json:"value"`
}

type ingestionResult struct {
	RowsProcessed    int          `json:"rows_processed"`
	Columns          int          `json:"columns"`
	ProcessingTimeMs int64        `json:"processing_time_ms"`
	Summary          string       `json:"summary"`
	DataPreview      []previewRow `json:"data_preview"`
}

var dataPreview = []previewRow{
	{ID: 1, Name: "Sample Data 1", Value: 123},
	{ID: 2, Name: "Sample Data 2", Value: 456},
	{ID: 3, Name: "Sample Data 3", Value: 789},
}

// StartIngestion simulates the transfer and processing of an uploaded file.
//
// The job moves pending -> processing after the transfer delay and then to completed or
// failed. Every write is guarded on the status the unit expects, so a job that was
// deleted or already finished by an external callback is left alone. A job an external
// callback moved to processing is still finished by the unit.
func (e *Engine) StartIngestion(jobID string) {
	e.launch(func(ctx context.Context) {
		e.runIngestion(ctx, jobID)
	})
}

func (e *Engine) runIngestion(ctx context.Context, jobID string) {
	logger := e.logger.With("job_id", jobID, "kind", job.KindIngestion)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("ingestion unit panicked", "panic", r)
			e.failIngestion(ctx, logger, jobID, fmt.Sprint(r), start)
		}
	}()

	sleep(e.transferDelay())

	j, err := e.store.UpdateIngestionJob(ctx, jobID, job.IngestionUpdate{
		Status: job.Ptr(job.IngestionProcessing),
		From:   []job.IngestionStatus{job.IngestionPending},
	})
	if err != nil {
		logger.Error("failed to mark job processing", "error", err)
		e.failIngestion(ctx, logger, jobID, err.Error(), start)
		return
	}
	if j == nil {
		// A callback may have started processing first; the outcome is still ours to write.
		j, err = e.store.FindIngestionJobGlobal(ctx, jobID)
		if err != nil {
			logger.Error("failed to re-read job", "error", err)
			e.failIngestion(ctx, logger, jobID, err.Error(), start)
			return
		}
		if j == nil || j.Status != job.IngestionProcessing {
			logger.Info("job no longer pending, stopping")
			return
		}
		logger.Info("job already processing, continuing")
	} else {
		transitioned(job.KindIngestion, string(job.IngestionProcessing))
		logger.Info("processing started", "filename", j.Filename, "file_type", j.FileType)
	}

	sleep(e.cfg.ProcessingDelay)

	if !e.succeed() {
		e.failIngestion(ctx, logger, jobID, ingestionMockFailure, start)
		return
	}

	data, err := json.Marshal(ingestionResult{
		RowsProcessed:    rand.Intn(10000) + 100,
		Columns:          rand.Intn(20) + 5,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
		Summary:          ingestionSummary,
		DataPreview:      dataPreview,
	})
	if err != nil {
		e.failIngestion(ctx, logger, jobID, err.Error(), start)
		return
	}

	j, err = e.store.UpdateIngestionJob(ctx, jobID, job.IngestionUpdate{
		Status:     job.Ptr(job.IngestionCompleted),
		ResultURL:  job.Ptr(e.resultURL(jobID)),
		ResultData: data,
		From:       []job.IngestionStatus{job.IngestionProcessing},
	})
	if err != nil {
		logger.Error("failed to mark job completed", "error", err)
		e.failIngestion(ctx, logger, jobID, err.Error(), start)
		return
	}
	if j == nil {
		logger.Info("job no longer processing, result discarded")
		return
	}
	finished(job.KindIngestion, string(job.IngestionCompleted), start)
	logger.Info("ingestion completed", "duration", time.Since(start))
}

func (e *Engine) failIngestion(ctx context.Context, logger *slog.Logger, jobID, msg string, start time.Time) {
	if msg == "" {
		msg = unknownFailureMessage
	}
	j, err := e.store.UpdateIngestionJob(ctx, jobID, job.IngestionUpdate{
		Status:       job.Ptr(job.IngestionFailed),
		ErrorMessage: &msg,
		From:         []job.IngestionStatus{job.IngestionPending, job.IngestionProcessing},
	})
	if err != nil {
		logger.Error("failed to mark job failed", "error", err)
		return
	}
	if j == nil {
		return
	}
	finished(job.KindIngestion, string(job.IngestionFailed), start)
	logger.Warn("ingestion failed", "error_message", msg)
}

func (e *Engine) resultURL(jobID string) string {
	return strings.TrimRight(e.cfg.ResultBaseURL, "/") + "/" + jobID + ".json"
}
