package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"project-tracker/pkg/job"
	"project-tracker/pkg/service"
)

type listResponse[T any] struct {
	Jobs  []T `json:"jobs"`
	Count int `json:"count"`
}

func newList[T any](jobs []T) listResponse[T] {
	if jobs == nil {
		jobs = []T{}
	}
	return listResponse[T]{Jobs: jobs, Count: len(jobs)}
}

// queryLimit falls back to zero, which the services turn into their default.
func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func actorOf(r *http.Request) job.Actor {
	a, _ := ActorFrom(r.Context())
	return a
}

func (s *Server) handleInitiateIngestion(w http.ResponseWriter, r *http.Request) {
	var req job.IngestionRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		writeError(w, s.logger, err)
		return
	}
	ticket, err := s.ingestion.Initiate(r.Context(), actorOf(r), req)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeOK(w, http.StatusCreated, "Upload initiated successfully", ticket)
}

func (s *Server) handleIngestionStatus(w http.ResponseWriter, r *http.Request) {
	j, err := s.ingestion.Status(r.Context(), actorOf(r), r.PathValue("jobId"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeOK(w, http.StatusOK, "Job status retrieved successfully", map[string]any{"job": j})
}

func (s *Server) handleMyIngestionJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.ingestion.ListMine(r.Context(), actorOf(r))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeOK(w, http.StatusOK, "Jobs retrieved successfully", newList(jobs))
}

func (s *Server) handleOrgIngestionJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.ingestion.ListOrganization(r.Context(), actorOf(r), queryLimit(r))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeOK(w, http.StatusOK, "Organization jobs retrieved successfully", newList(jobs))
}

func (s *Server) handleIngestionStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.ingestion.Stats(r.Context(), actorOf(r))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeOK(w, http.StatusOK, "Ingestion statistics retrieved successfully", map[string]any{"stats": stats})
}

func (s *Server) handleDeleteIngestion(w http.ResponseWriter, r *http.Request) {
	if err := s.ingestion.Delete(r.Context(), actorOf(r), r.PathValue("jobId")); err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeOK(w, http.StatusOK, "Job deleted successfully", nil)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	var req service.CallbackRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		writeError(w, s.logger, err)
		return
	}
	res, err := s.callbacks.Apply(r.Context(), "http", req)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeOK(w, http.StatusOK, "Job status updated successfully", map[string]any{
		"job_id":  res.Job.JobID,
		"status":  res.Job.Status,
		"applied": res.Applied,
	})
}

func (s *Server) handleRecomputeMetrics(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Options json.RawMessage `json:"options"`
	}
	if err := decodeBody(w, r, &body, true); err != nil {
		writeError(w, s.logger, err)
		return
	}
	ticket, err := s.background.Trigger(r.Context(), actorOf(r), job.BackgroundRequest{
		JobType: job.TypeRecomputeAnalytics,
		Options: body.Options,
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeOK(w, http.StatusCreated, "Analytics recalculation started", ticket)
}

func (s *Server) handleTriggerBackground(w http.ResponseWriter, r *http.Request) {
	var req job.BackgroundRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		writeError(w, s.logger, err)
		return
	}
	ticket, err := s.background.Trigger(r.Context(), actorOf(r), req)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeOK(w, http.StatusCreated, "Background job started", ticket)
}

func (s *Server) handleListBackground(w http.ResponseWriter, r *http.Request) {
	status := job.BackgroundStatus(r.URL.Query().Get("status"))
	jobs, err := s.background.List(r.Context(), actorOf(r), queryLimit(r), status)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeOK(w, http.StatusOK, "Background jobs retrieved successfully", newList(jobs))
}

func (s *Server) handleBackgroundStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.background.Stats(r.Context(), actorOf(r))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeOK(w, http.StatusOK, "Job statistics retrieved successfully", map[string]any{"stats": stats})
}

func (s *Server) handleBackgroundStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.background.Status(r.Context(), actorOf(r), r.PathValue("jobId"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeOK(w, http.StatusOK, "Job status retrieved successfully", view)
}

func (s *Server) handleDeleteBackground(w http.ResponseWriter, r *http.Request) {
	if err := s.background.Delete(r.Context(), actorOf(r), r.PathValue("jobId")); err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeOK(w, http.StatusOK, "Job deleted successfully", nil)
}
