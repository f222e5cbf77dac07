// Package lifecycle drives jobs from their initial state to a terminal one.
//
// Every Start* call launches a detached unit and returns immediately. A unit never
// reports errors to its caller: anything that goes wrong is turned into a failed job
// and logged. The persisted row is the only state a unit shares with the rest of the
// process, so units are safe to run side by side.
package lifecycle

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"project-tracker/pkg/job"
	"project-tracker/pkg/observability"

	"golang.org/x/sync/semaphore"
)

// Store is everything a unit reads or writes.
type Store interface {
	FindIngestionJobGlobal(ctx context.Context, jobID string) (*job.IngestionJob, error)
	UpdateIngestionJob(ctx context.Context, jobID string, u job.IngestionUpdate) (*job.IngestionJob, error)
	UpdateBackgroundJob(ctx context.Context, jobID string, u job.BackgroundUpdate) (*job.BackgroundJob, error)

	ProjectStats(ctx context.Context, orgID int64) (*job.ProjectStats, error)
	AverageCompletionDays(ctx context.Context, orgID int64) (*float64, error)
	DetailedAnalytics(ctx context.Context, orgID int64) (*job.DetailedAnalytics, error)
	ArchivableProjects(ctx context.Context, orgID int64, olderThan time.Duration) (*job.ArchiveReport, error)
	StaleJobCounts(ctx context.Context, orgID int64, olderThan time.Duration) (*job.StaleJobCounts, error)
	IngestionStats(ctx context.Context, orgID int64) (*job.IngestionStats, error)
	BackgroundStats(ctx context.Context, orgID int64) (*job.BackgroundStats, error)
}

type Config struct {
	TransferMin     time.Duration
	TransferMax     time.Duration
	ProcessingDelay time.Duration
	SuccessRate     float64
	StepDelay       time.Duration
	ResultBaseURL   string
	MaxUnits        int64
	ArchiveAfter    time.Duration
	CleanupAfter    time.Duration
}

func DefaultConfig() Config {
	return Config{
		TransferMin:     5 * time.Second,
		TransferMax:     10 * time.Second,
		ProcessingDelay: 2 * time.Second,
		SuccessRate:     0.9,
		StepDelay:       2500 * time.Millisecond,
		ResultBaseURL:   "https://mock-storage.example.com/results",
		MaxUnits:        64,
		ArchiveAfter:    90 * 24 * time.Hour,
		CleanupAfter:    30 * 24 * time.Hour,
	}
}

type Engine struct {
	store   Store
	logger  *slog.Logger
	cfg     Config
	sem     *semaphore.Weighted
	wg      sync.WaitGroup
	succeed func() bool
}

type Option func(*Engine)

// WithOutcome replaces the random success draw of ingestion units.
func WithOutcome(succeed func() bool) Option {
	return func(e *Engine) { e.succeed = succeed }
}

func New(store Store, logger *slog.Logger, cfg Config, opts ...Option) *Engine {
	if cfg.MaxUnits <= 0 {
		cfg.MaxUnits = 64
	}
	if cfg.ArchiveAfter <= 0 {
		cfg.ArchiveAfter = 90 * 24 * time.Hour
	}
	if cfg.CleanupAfter <= 0 {
		cfg.CleanupAfter = 30 * 24 * time.Hour
	}
	e := &Engine{
		store:  store,
		logger: logger,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(cfg.MaxUnits),
	}
	e.succeed = func() bool { return rand.Float64() < e.cfg.SuccessRate }
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// launch runs fn detached. A unit waiting for a slot leaves its job in the initial state.
func (e *Engine) launch(fn func(ctx context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx := context.Background()
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer e.sem.Release(1)
		fn(ctx)
	}()
}

// Wait blocks until every launched unit has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) transferDelay() time.Duration {
	span := e.cfg.TransferMax - e.cfg.TransferMin
	if span <= 0 {
		return e.cfg.TransferMin
	}
	return e.cfg.TransferMin + time.Duration(rand.Int63n(int64(span)))
}

func sleep(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}

func transitioned(kind job.Kind, status string) {
	observability.JobTransitions.WithLabelValues(string(kind), status).Inc()
}

func finished(kind job.Kind, status string, start time.Time) {
	transitioned(kind, status)
	observability.JobDuration.WithLabelValues(string(kind), status).Observe(time.Since(start).Seconds())
}
