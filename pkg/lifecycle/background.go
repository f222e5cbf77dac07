package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"project-tracker/pkg/job"
)

// step is one stage of a background plan. run is called after the progress write
// and its output is stored under key in the final result.
type step struct {
	progress int
	label    string
	key      string
	run      func(ctx context.Context, orgID int64, opts planOptions) (any, error)
}

type plan struct {
	initial        string
	steps          []step
	final          string
	metricsUpdated []string
}

// planOptions are the recognised keys of a background job's options.
type planOptions struct {
	OlderThanDays int `json:"older_than_days"`
}

var errUnknownType = errors.New("unknown background job type")

func (e *Engine) planFor(t job.BackgroundType) (plan, error) {
	switch t {
	case job.TypeRecomputeAnalytics:
		return plan{
			initial: "Initializing analytics recalculation...",
			steps: []step{
				{25, "Recalculating project statistics...", "organization_stats", e.projectStats},
				{50, "Updating completion time metrics...", "average_completion_time", e.avgCompletion},
				{75, "Refreshing detailed analytics...", "detailed_analytics", e.detailedAnalytics},
			},
			final: "Analytics recalculation complete",
			metricsUpdated: []string{
				"project_counts",
				"completion_rates",
				"average_completion_time",
				"user_statistics",
				"organization_overview",
			},
		}, nil
	case job.TypeArchiveOldProjects:
		return plan{
			initial: "Scanning projects for archiving...",
			steps: []step{
				{25, "Counting projects by status...", "organization_stats", e.projectStats},
				{50, "Finding completed projects past retention...", "archive_candidates", e.archivable},
				{75, "Updating completion time metrics...", "average_completion_time", e.avgCompletion},
			},
			final:          "Archive scan complete",
			metricsUpdated: []string{"project_counts", "archive_candidates", "average_completion_time"},
		}, nil
	case job.TypeCleanupOldJobs:
		return plan{
			initial: "Scanning job history...",
			steps: []step{
				{25, "Counting ingestion jobs...", "ingestion_jobs", e.ingestionStats},
				{50, "Counting background jobs...", "background_jobs", e.backgroundStats},
				{75, "Finding finished jobs past retention...", "stale_jobs", e.staleJobs},
			},
			final:          "Job cleanup scan complete",
			metricsUpdated: []string{"ingestion_job_counts", "background_job_counts", "stale_jobs"},
		}, nil
	default:
		return plan{}, fmt.Errorf("%w: %s", errUnknownType, t)
	}
}

func (e *Engine) projectStats(ctx context.Context, orgID int64, _ planOptions) (any, error) {
	return e.store.ProjectStats(ctx, orgID)
}

func (e *Engine) avgCompletion(ctx context.Context, orgID int64, _ planOptions) (any, error) {
	return e.store.AverageCompletionDays(ctx, orgID)
}

func (e *Engine) detailedAnalytics(ctx context.Context, orgID int64, _ planOptions) (any, error) {
	return e.store.DetailedAnalytics(ctx, orgID)
}

func (e *Engine) archivable(ctx context.Context, orgID int64, opts planOptions) (any, error) {
	return e.store.ArchivableProjects(ctx, orgID, opts.retention(e.cfg.ArchiveAfter))
}

func (e *Engine) ingestionStats(ctx context.Context, orgID int64, _ planOptions) (any, error) {
	return e.store.IngestionStats(ctx, orgID)
}

func (e *Engine) backgroundStats(ctx context.Context, orgID int64, _ planOptions) (any, error) {
	return e.store.BackgroundStats(ctx, orgID)
}

func (e *Engine) staleJobs(ctx context.Context, orgID int64, opts planOptions) (any, error) {
	return e.store.StaleJobCounts(ctx, orgID, opts.retention(e.cfg.CleanupAfter))
}

func (o planOptions) retention(fallback time.Duration) time.Duration {
	if o.OlderThanDays > 0 {
		return time.Duration(o.OlderThanDays) * 24 * time.Hour
	}
	return fallback
}

// parseOptions decodes raw into planOptions. On error the zero value is returned,
// which makes every step fall back to its default.
func parseOptions(raw json.RawMessage) (planOptions, error) {
	var opts planOptions
	if len(raw) == 0 {
		return opts, nil
	}
	if err := json.Unmarshal(raw, &opts); err != nil {
		return planOptions{}, err
	}
	return opts, nil
}

// StartBackground runs the plan for j.JobType against j's organization.
// Progress is reported at 0, 25, 50, 75 and 100, the last only on completion.
func (e *Engine) StartBackground(j *job.BackgroundJob) {
	jobID, orgID, jobType := j.JobID, j.OrganizationID, j.JobType
	opts, err := parseOptions(j.Options)
	if err != nil {
		e.logger.Debug("ignoring malformed job options", "job_id", jobID, "options", string(j.Options), "error", err)
	}
	e.launch(func(ctx context.Context) {
		e.runBackground(ctx, jobID, orgID, jobType, opts)
	})
}

func (e *Engine) runBackground(ctx context.Context, jobID string, orgID int64, jobType job.BackgroundType, opts planOptions) {
	logger := e.logger.With("job_id", jobID, "kind", job.KindBackground, "job_type", jobType)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("background unit panicked", "panic", r)
			e.failBackground(ctx, logger, jobID, fmt.Sprint(r), start)
		}
	}()

	p, err := e.planFor(jobType)
	if err != nil {
		e.failBackground(ctx, logger, jobID, err.Error(), start)
		return
	}

	j, err := e.store.UpdateBackgroundJob(ctx, jobID, job.BackgroundUpdate{
		Status:      job.Ptr(job.BackgroundRunning),
		Progress:    job.Ptr(0),
		CurrentStep: job.Ptr(p.initial),
		From:        []job.BackgroundStatus{job.BackgroundQueued},
	})
	if err != nil {
		e.failBackground(ctx, logger, jobID, err.Error(), start)
		return
	}
	if j == nil {
		logger.Info("job no longer queued, stopping")
		return
	}
	transitioned(job.KindBackground, string(job.BackgroundRunning))
	logger.Info("background job started")
	sleep(e.cfg.StepDelay)

	result := make(map[string]any, len(p.steps)+2)
	for _, s := range p.steps {
		j, err = e.store.UpdateBackgroundJob(ctx, jobID, job.BackgroundUpdate{
			Progress:    job.Ptr(s.progress),
			CurrentStep: job.Ptr(s.label),
			From:        []job.BackgroundStatus{job.BackgroundRunning},
		})
		if err != nil {
			e.failBackground(ctx, logger, jobID, err.Error(), start)
			return
		}
		if j == nil {
			logger.Info("job no longer running, stopping")
			return
		}

		out, err := s.run(ctx, orgID, opts)
		if err != nil {
			logger.Error("background step failed", "step", s.key, "error", err)
			e.failBackground(ctx, logger, jobID, err.Error(), start)
			return
		}
		result[s.key] = out
		logger.Debug("background step done", "step", s.key, "progress", s.progress)
		sleep(e.cfg.StepDelay)
	}
	result["recalculated_at"] = time.Now().UTC().Format(time.RFC3339)
	result["metrics_updated"] = p.metricsUpdated

	data, err := json.Marshal(result)
	if err != nil {
		e.failBackground(ctx, logger, jobID, err.Error(), start)
		return
	}

	j, err = e.store.UpdateBackgroundJob(ctx, jobID, job.BackgroundUpdate{
		Status:      job.Ptr(job.BackgroundCompleted),
		Progress:    job.Ptr(100),
		CurrentStep: job.Ptr(p.final),
		ResultData:  data,
		From:        []job.BackgroundStatus{job.BackgroundRunning},
	})
	if err != nil {
		e.failBackground(ctx, logger, jobID, err.Error(), start)
		return
	}
	if j == nil {
		return
	}
	finished(job.KindBackground, string(job.BackgroundCompleted), start)
	logger.Info("background job completed", "duration", time.Since(start))
}

func (e *Engine) failBackground(ctx context.Context, logger *slog.Logger, jobID, msg string, start time.Time) {
	if msg == "" {
		msg = unknownFailureMessage
	}
	j, err := e.store.UpdateBackgroundJob(ctx, jobID, job.BackgroundUpdate{
		Status:       job.Ptr(job.BackgroundFailed),
		ErrorMessage: &msg,
		From:         []job.BackgroundStatus{job.BackgroundQueued, job.BackgroundRunning},
	})
	if err != nil {
		logger.Error("failed to mark job failed", "error", err)
		return
	}
	if j == nil {
		return
	}
	finished(job.KindBackground, string(job.BackgroundFailed), start)
	logger.Warn("background job failed", "error_message", msg)
}
