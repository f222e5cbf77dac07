// Package api serves the job endpoints over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"project-tracker/pkg/job"
)

// Envelope is the body of every response.
type Envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

const (
	CodeValidation   = "VALIDATION_ERROR"
	CodeNotFound     = "NOT_FOUND"
	CodeConflict     = "CONFLICT"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeInvalidToken = "INVALID_TOKEN"
	CodeInternal     = "INTERNAL_ERROR"
)

func writeJSON(w http.ResponseWriter, status int, body Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeOK(w http.ResponseWriter, status int, message string, data any) {
	writeJSON(w, status, Envelope{Success: true, Message: message, Data: data})
}

func writeFailure(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Envelope{Success: false, Message: message, Error: code})
}

// writeError maps domain errors to a status and code. Anything unrecognised is logged
// and reported as a generic 500 so internals never reach the client.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var (
		validation *job.ValidationError
		notFound   *job.NotFoundError
		conflict   *job.ConflictError
	)
	switch {
	case errors.As(err, &validation):
		writeFailure(w, http.StatusBadRequest, CodeValidation, validation.Message)
	case errors.As(err, &notFound):
		writeFailure(w, http.StatusNotFound, CodeNotFound, "Job not found or you do not have permission to access it")
	case errors.As(err, &conflict):
		writeFailure(w, http.StatusBadRequest, CodeConflict, conflict.Message)
	default:
		logger.Error("request failed", "error", err)
		writeFailure(w, http.StatusInternalServerError, CodeInternal, "Internal server error")
	}
}

// decodeBody reads a JSON body into v. An empty body is accepted when optional is set.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return &job.ValidationError{Message: "Invalid request body"}
	}
	return nil
}
