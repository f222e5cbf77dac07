package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"project-tracker/pkg/job"
	"project-tracker/pkg/observability"
)

type BackgroundStore interface {
	CreateBackgroundJob(ctx context.Context, n job.NewBackground) (*job.BackgroundJob, error)
	FindBackgroundJob(ctx context.Context, jobID string, orgID int64) (*job.BackgroundJob, error)
	ListBackgroundJobsByOrg(ctx context.Context, orgID int64, limit int) ([]job.BackgroundJob, error)
	ListBackgroundJobsByStatus(ctx context.Context, orgID int64, status job.BackgroundStatus) ([]job.BackgroundJob, error)
	DeleteBackgroundJob(ctx context.Context, jobID string, orgID int64) (bool, error)
	BackgroundStats(ctx context.Context, orgID int64) (*job.BackgroundStats, error)
}

type BackgroundRunner interface {
	StartBackground(j *job.BackgroundJob)
}

type BackgroundTicket struct {
	JobID                string               `json:"job_id"`
	Status               job.BackgroundStatus `json:"status"`
	EstimatedTimeSeconds int                  `json:"estimated_time_seconds"`
	CreatedAt            time.Time            `json:"created_at"`
}

type BackgroundStatusView struct {
	Job                *job.BackgroundJob `json:"job"`
	ElapsedTimeSeconds int64              `json:"elapsed_time_seconds"`
}

type BackgroundService struct {
	store  BackgroundStore
	runner BackgroundRunner
	logger *slog.Logger
	now    func() time.Time
}

func NewBackgroundService(store BackgroundStore, runner BackgroundRunner, logger *slog.Logger) *BackgroundService {
	return &BackgroundService{store: store, runner: runner, logger: logger, now: time.Now}
}

// SetClock replaces the time source. Tests only.
func (s *BackgroundService) SetClock(now func() time.Time) { s.now = now }

func (s *BackgroundService) Trigger(ctx context.Context, actor job.Actor, req job.BackgroundRequest) (*BackgroundTicket, error) {
	if req.JobType == "" {
		return nil, job.MissingField("job_type")
	}
	if !req.JobType.Valid() {
		names := make([]string, len(job.BackgroundTypes))
		for i, t := range job.BackgroundTypes {
			names[i] = string(t)
		}
		return nil, &job.ValidationError{
			Field:   "job_type",
			Message: fmt.Sprintf("Job type '%s' not supported. Allowed types: %s", req.JobType, strings.Join(names, ", ")),
		}
	}
	opts := bytes.TrimSpace(req.Options)
	if len(opts) == 0 || string(opts) == "null" {
		req.Options = json.RawMessage(`{}`)
	} else if !json.Valid(opts) || opts[0] != '{' {
		return nil, &job.ValidationError{Field: "options", Message: "options must be a JSON object"}
	}

	created, err := s.store.CreateBackgroundJob(ctx, job.NewBackground{
		JobID:   job.NewBackgroundID(),
		Request: req,
		Actor:   actor,
	})
	if err != nil {
		return nil, fmt.Errorf("create background job: %w", err)
	}

	observability.JobsSubmitted.WithLabelValues(string(job.KindBackground), string(req.JobType)).Inc()
	s.logger.Info("background job queued", "job_id", created.JobID, "job_type", req.JobType, "org_id", actor.OrganizationID)
	s.runner.StartBackground(created)

	return &BackgroundTicket{
		JobID:                created.JobID,
		Status:               created.Status,
		EstimatedTimeSeconds: created.EstimatedTimeSeconds,
		CreatedAt:            created.CreatedAt,
	}, nil
}

func (s *BackgroundService) Status(ctx context.Context, actor job.Actor, jobID string) (*BackgroundStatusView, error) {
	j, err := s.store.FindBackgroundJob(ctx, jobID, actor.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("find background job: %w", err)
	}
	if j == nil {
		return nil, &job.NotFoundError{Resource: "job", ID: jobID}
	}
	return &BackgroundStatusView{Job: j, ElapsedTimeSeconds: s.elapsed(j)}, nil
}

func (s *BackgroundService) elapsed(j *job.BackgroundJob) int64 {
	if j.StartedAt == nil {
		return 0
	}
	secs := math.Floor(s.now().Sub(*j.StartedAt).Seconds())
	if secs < 0 {
		return 0
	}
	return int64(secs)
}

// List returns the organization's jobs, newest first. A non-empty status narrows the
// result to that status.
func (s *BackgroundService) List(ctx context.Context, actor job.Actor, limit int, status job.BackgroundStatus) ([]job.BackgroundJob, error) {
	if status != "" {
		if !status.Valid() {
			return nil, &job.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status '%s'", status)}
		}
		jobs, err := s.store.ListBackgroundJobsByStatus(ctx, actor.OrganizationID, status)
		if err != nil {
			return nil, fmt.Errorf("list background jobs by status: %w", err)
		}
		return jobs, nil
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	jobs, err := s.store.ListBackgroundJobsByOrg(ctx, actor.OrganizationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list background jobs: %w", err)
	}
	return jobs, nil
}

func (s *BackgroundService) Stats(ctx context.Context, actor job.Actor) (*job.BackgroundStats, error) {
	stats, err := s.store.BackgroundStats(ctx, actor.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("background stats: %w", err)
	}
	return stats, nil
}

// Delete removes a job unless it is running. The store refuses running jobs itself,
// so a job the engine starts concurrently is never removed.
func (s *BackgroundService) Delete(ctx context.Context, actor job.Actor, jobID string) error {
	deleted, err := s.store.DeleteBackgroundJob(ctx, jobID, actor.OrganizationID)
	if err != nil {
		return fmt.Errorf("delete background job: %w", err)
	}
	if !deleted {
		j, err := s.store.FindBackgroundJob(ctx, jobID, actor.OrganizationID)
		if err != nil {
			return fmt.Errorf("find background job: %w", err)
		}
		if j != nil && j.Status == job.BackgroundRunning {
			return &job.ConflictError{Message: "Cannot delete a job that is currently running"}
		}
		return &job.NotFoundError{Resource: "job", ID: jobID}
	}
	s.logger.Info("background job deleted", "job_id", jobID, "org_id", actor.OrganizationID)
	return nil
}
