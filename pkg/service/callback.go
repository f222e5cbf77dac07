package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"project-tracker/pkg/job"
	"project-tracker/pkg/observability"
)

// CallbackRequest is what an external pipeline sends to report on an ingestion job.
type CallbackRequest struct {
	JobID        string              `json:"job_id"`
	Status       job.IngestionStatus `json:"status"`
	ResultURL    *string             `json:"result_url,omitempty"`
	ResultData   json.RawMessage     `json:"result_data,omitempty"`
	ErrorMessage *string             `json:"error_message,omitempty"`
}

// CallbackResult reports whether the callback changed the job. Applied is false when
// the job was already in the requested status.
type CallbackResult struct {
	Job     *job.IngestionJob
	Applied bool
}

type CallbackService struct {
	store  IngestionStore
	logger *slog.Logger
}

func NewCallbackService(store IngestionStore, logger *slog.Logger) *CallbackService {
	return &CallbackService{store: store, logger: logger}
}

// Apply overwrites an ingestion job's status on behalf of an external pipeline.
// The lookup is not scoped to an organization. Terminal states are final, and a callback
// that repeats the current status succeeds without writing.
func (s *CallbackService) Apply(ctx context.Context, source string, req CallbackRequest) (res *CallbackResult, err error) {
	defer func() {
		outcome := "applied"
		switch {
		case err != nil:
			outcome = "rejected"
			if !isClientError(err) {
				outcome = "error"
			}
		case !res.Applied:
			outcome = "noop"
		}
		observability.Callbacks.WithLabelValues(source, outcome).Inc()
	}()

	if string(req.ResultData) == "null" {
		req.ResultData = nil
	}
	if err := validateCallback(req); err != nil {
		return nil, err
	}

	current, err := s.store.FindIngestionJobGlobal(ctx, req.JobID)
	if err != nil {
		return nil, fmt.Errorf("find ingestion job: %w", err)
	}
	if current == nil {
		return nil, &job.NotFoundError{Resource: "job", ID: req.JobID}
	}
	if current.Status == req.Status {
		return &CallbackResult{Job: current}, nil
	}
	if !current.Status.CanTransition(req.Status) {
		return nil, transitionConflict(current.Status, req.Status)
	}

	fillOutcome(&req)
	updated, err := s.store.UpdateIngestionJob(ctx, req.JobID, job.IngestionUpdate{
		Status:       job.Ptr(req.Status),
		ResultURL:    req.ResultURL,
		ResultData:   req.ResultData,
		ErrorMessage: req.ErrorMessage,
		From:         job.IngestionSourcesOf(req.Status),
	})
	if err != nil {
		return nil, fmt.Errorf("update ingestion job: %w", err)
	}
	if updated == nil {
		// lost a race with the engine or a delete
		return s.settle(ctx, req)
	}

	s.logger.Info("callback applied", "job_id", req.JobID, "source", source, "from", current.Status, "to", req.Status)
	return &CallbackResult{Job: updated, Applied: true}, nil
}

func (s *CallbackService) settle(ctx context.Context, req CallbackRequest) (*CallbackResult, error) {
	current, err := s.store.FindIngestionJobGlobal(ctx, req.JobID)
	if err != nil {
		return nil, fmt.Errorf("find ingestion job: %w", err)
	}
	if current == nil {
		return nil, &job.NotFoundError{Resource: "job", ID: req.JobID}
	}
	if current.Status == req.Status {
		return &CallbackResult{Job: current}, nil
	}
	return nil, transitionConflict(current.Status, req.Status)
}

// fillOutcome makes sure a terminal callback leaves exactly one of result or error set.
func fillOutcome(req *CallbackRequest) {
	switch req.Status {
	case job.IngestionCompleted:
		if req.ResultURL == nil && len(req.ResultData) == 0 {
			req.ResultData = json.RawMessage(`{}`)
		}
	case job.IngestionFailed:
		if req.ErrorMessage == nil || *req.ErrorMessage == "" {
			req.ErrorMessage = job.Ptr("Unknown error occurred")
		}
	}
}

func transitionConflict(from, to job.IngestionStatus) error {
	return &job.ConflictError{Message: fmt.Sprintf("cannot move job from '%s' to '%s'", from, to)}
}

func validateCallback(req CallbackRequest) error {
	if req.JobID == "" {
		return job.MissingField("job_id")
	}
	if req.Status == "" {
		return job.MissingField("status")
	}
	if !req.Status.Valid() {
		return &job.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status '%s'", req.Status)}
	}
	hasResult := req.ResultURL != nil || len(req.ResultData) > 0
	if hasResult && req.Status != job.IngestionCompleted {
		return &job.ValidationError{Field: "status", Message: "result_url and result_data are only accepted with status 'completed'"}
	}
	if req.ErrorMessage != nil && req.Status != job.IngestionFailed {
		return &job.ValidationError{Field: "status", Message: "error_message is only accepted with status 'failed'"}
	}
	if len(req.ResultData) > 0 && !json.Valid(req.ResultData) {
		return &job.ValidationError{Field: "result_data", Message: "result_data must be valid JSON"}
	}
	return nil
}

// HandleMessage decodes a queued callback and applies it.
func (s *CallbackService) HandleMessage(ctx context.Context, body []byte) error {
	var req CallbackRequest
	if err := json.Unmarshal(body, &req); err != nil {
		observability.Callbacks.WithLabelValues("amqp", "rejected").Inc()
		return &job.ValidationError{Message: fmt.Sprintf("malformed callback: %v", err)}
	}
	_, err := s.Apply(ctx, "amqp", req)
	return err
}
