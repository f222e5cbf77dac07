package api

import (
	"context"
	"log/slog"
	"net/http"

	"project-tracker/pkg/service"

	"github.com/rs/cors"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	ingestion  *service.IngestionService
	background *service.BackgroundService
	callbacks  *service.CallbackService
	store      Pinger
	secret     []byte
	logger     *slog.Logger
}

func NewServer(
	ingestion *service.IngestionService,
	background *service.BackgroundService,
	callbacks *service.CallbackService,
	store Pinger,
	jwtSecret string,
	logger *slog.Logger,
) *Server {
	return &Server{
		ingestion:  ingestion,
		background: background,
		callbacks:  callbacks,
		store:      store,
		secret:     []byte(jwtSecret),
		logger:     logger,
	}
}

// Handler returns the routed handler with CORS, panic recovery and request logging.
// allowedOrigins is passed to the CORS layer; an empty list allows none.
func (s *Server) Handler(allowedOrigins []string) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /api/ingest/init", s.requireAuth(s.handleInitiateIngestion))
	mux.Handle("GET /api/ingest/status/{jobId}", s.requireAuth(s.handleIngestionStatus))
	mux.Handle("GET /api/ingest/jobs", s.requireAuth(s.handleMyIngestionJobs))
	mux.Handle("GET /api/ingest/jobs/all", s.requireAuth(s.handleOrgIngestionJobs))
	mux.Handle("GET /api/ingest/stats", s.requireAuth(s.handleIngestionStats))
	mux.Handle("DELETE /api/ingest/{jobId}", s.requireAuth(s.handleDeleteIngestion))

	mux.HandleFunc("POST /api/pipeline/callback", s.handleCallback)

	mux.Handle("POST /api/jobs/recompute-metrics", s.requireAuth(s.handleRecomputeMetrics))
	mux.Handle("POST /api/jobs", s.requireAuth(s.handleTriggerBackground))
	mux.Handle("GET /api/jobs", s.requireAuth(s.handleListBackground))
	mux.Handle("GET /api/jobs/stats", s.requireAuth(s.handleBackgroundStats))
	mux.Handle("GET /api/jobs/status/{jobId}", s.requireAuth(s.handleBackgroundStatus))
	mux.Handle("DELETE /api/jobs/{jobId}", s.requireAuth(s.handleDeleteBackground))

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeFailure(w, http.StatusNotFound, CodeNotFound, "Route not found")
	})

	c := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})
	return c.Handler(recoverPanics(s.logger, logRequests(s.logger, mux)))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Error("health check failed", "error", err)
		writeFailure(w, http.StatusServiceUnavailable, CodeInternal, "Store unavailable")
		return
	}
	writeOK(w, http.StatusOK, "OK", map[string]string{"status": "ok"})
}
