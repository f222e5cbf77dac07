// Package service holds the client-facing job operations: validation, ownership checks
// and the hand-off to the lifecycle engine. Handlers and consumers stay thin on top of it.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"project-tracker/pkg/job"
	"project-tracker/pkg/observability"
)

// DefaultListLimit applies when a caller passes a non-positive limit.
const DefaultListLimit = 50

const uploadExpiry = time.Hour

type IngestionStore interface {
	CreateIngestionJob(ctx context.Context, n job.NewIngestion) (*job.IngestionJob, error)
	FindIngestionJob(ctx context.Context, jobID string, orgID int64) (*job.IngestionJob, error)
	FindIngestionJobGlobal(ctx context.Context, jobID string) (*job.IngestionJob, error)
	ListIngestionJobsByUser(ctx context.Context, userID, orgID int64) ([]job.IngestionJob, error)
	ListIngestionJobsByOrg(ctx context.Context, orgID int64, limit int) ([]job.IngestionJob, error)
	UpdateIngestionJob(ctx context.Context, jobID string, u job.IngestionUpdate) (*job.IngestionJob, error)
	DeleteIngestionJob(ctx context.Context, jobID string, orgID int64) (bool, error)
	IngestionStats(ctx context.Context, orgID int64) (*job.IngestionStats, error)
}

type IngestionRunner interface {
	StartIngestion(jobID string)
}

// IngestionTicket is returned to the client that initiated an upload.
type IngestionTicket struct {
	JobID     string              `json:"job_id"`
	UploadURL string              `json:"upload_url"`
	Status    job.IngestionStatus `json:"status"`
	ExpiresAt time.Time           `json:"expires_at"`
}

type IngestionService struct {
	store         IngestionStore
	runner        IngestionRunner
	logger        *slog.Logger
	uploadBaseURL string
	now           func() time.Time
}

func NewIngestionService(store IngestionStore, runner IngestionRunner, logger *slog.Logger, uploadBaseURL string) *IngestionService {
	return &IngestionService{
		store:         store,
		runner:        runner,
		logger:        logger,
		uploadBaseURL: strings.TrimRight(uploadBaseURL, "/"),
		now:           time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (s *IngestionService) SetClock(now func() time.Time) { s.now = now }

func (s *IngestionService) Initiate(ctx context.Context, actor job.Actor, req job.IngestionRequest) (*IngestionTicket, error) {
	if strings.TrimSpace(req.Filename) == "" {
		return nil, job.MissingField("filename")
	}
	if strings.TrimSpace(req.FileType) == "" {
		return nil, job.MissingField("file_type")
	}
	fileType, ok := job.NormalizeFileType(req.FileType)
	if !ok {
		return nil, &job.ValidationError{
			Field:   "file_type",
			Message: fmt.Sprintf("File type '%s' not allowed. Allowed types: %s", req.FileType, strings.Join(job.AllowedFileTypes, ", ")),
		}
	}
	req.FileType = fileType
	if req.FileSize != nil && *req.FileSize < 0 {
		return nil, &job.ValidationError{Field: "file_size", Message: "file_size must not be negative"}
	}

	jobID := job.NewIngestionID()
	created, err := s.store.CreateIngestionJob(ctx, job.NewIngestion{
		JobID:     jobID,
		UploadURL: s.uploadBaseURL + "/" + jobID,
		Request:   req,
		Actor:     actor,
	})
	if err != nil {
		return nil, fmt.Errorf("create ingestion job: %w", err)
	}

	observability.JobsSubmitted.WithLabelValues(string(job.KindIngestion), fileType).Inc()
	s.logger.Info("ingestion initiated", "job_id", created.JobID, "org_id", actor.OrganizationID, "file_type", fileType)
	s.runner.StartIngestion(created.JobID)

	uploadURL := ""
	if created.UploadURL != nil {
		uploadURL = *created.UploadURL
	}
	return &IngestionTicket{
		JobID:     created.JobID,
		UploadURL: uploadURL,
		Status:    created.Status,
		ExpiresAt: s.now().Add(uploadExpiry).UTC(),
	}, nil
}

func (s *IngestionService) Status(ctx context.Context, actor job.Actor, jobID string) (*job.IngestionJob, error) {
	j, err := s.store.FindIngestionJob(ctx, jobID, actor.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("find ingestion job: %w", err)
	}
	if j == nil {
		return nil, &job.NotFoundError{Resource: "job", ID: jobID}
	}
	return j, nil
}

// ListMine returns the caller's own jobs, newest first.
func (s *IngestionService) ListMine(ctx context.Context, actor job.Actor) ([]job.IngestionJob, error) {
	jobs, err := s.store.ListIngestionJobsByUser(ctx, actor.UserID, actor.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("list ingestion jobs: %w", err)
	}
	return jobs, nil
}

func (s *IngestionService) ListOrganization(ctx context.Context, actor job.Actor, limit int) ([]job.IngestionJob, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	jobs, err := s.store.ListIngestionJobsByOrg(ctx, actor.OrganizationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list organization ingestion jobs: %w", err)
	}
	return jobs, nil
}

func (s *IngestionService) Stats(ctx context.Context, actor job.Actor) (*job.IngestionStats, error) {
	stats, err := s.store.IngestionStats(ctx, actor.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("ingestion stats: %w", err)
	}
	return stats, nil
}

// Delete removes the job in any status. A running unit notices on its next write and stops.
func (s *IngestionService) Delete(ctx context.Context, actor job.Actor, jobID string) error {
	deleted, err := s.store.DeleteIngestionJob(ctx, jobID, actor.OrganizationID)
	if err != nil {
		return fmt.Errorf("delete ingestion job: %w", err)
	}
	if !deleted {
		return &job.NotFoundError{Resource: "job", ID: jobID}
	}
	s.logger.Info("ingestion job deleted", "job_id", jobID, "org_id", actor.OrganizationID)
	return nil
}
