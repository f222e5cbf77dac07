package observability

import (
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogmulti "github.com/samber/slog-multi"
)

var (
	JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_submitted_total",
		Help: "The total number of created jobs",
	}, []string{"kind", "type"}) // type: file type or background job type

	JobTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "job_transitions_total",
		Help: "The total number of persisted job status transitions",
	}, []string{"kind", "status"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "job_duration_seconds",
		Help:    "Time from lifecycle start to terminal state.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 8),
	}, []string{"kind", "status"})

	Callbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_callbacks_total",
		Help: "The total number of external callbacks received",
	}, []string{"source", "outcome"}) // outcome: applied, noop, rejected, error

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "HTTP requests served by the API",
	}, []string{"method", "code"})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "job_events_published_total",
		Help: "Outbox events relayed to the broker",
	}, []string{"kind"})
)

// NewLogger creates a new structured logger. JSON always goes to stdout; when logFile is
// set a text copy is fanned out to it as well. The returned func closes the file.
func NewLogger(level slog.Level, logFile string) (*slog.Logger, func() error) {
	stdout := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	if logFile == "" {
		return slog.New(stdout), func() error { return nil }
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		logger := slog.New(stdout)
		logger.Error("failed to open log file, using stdout only", "error", err, "file", logFile)
		return logger, func() error { return nil }
	}

	fileHandler := slog.NewTextHandler(file, &slog.HandlerOptions{Level: level})
	return slog.New(slogmulti.Fanout(stdout, fileHandler)), file.Close
}

func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// StartMetricsServer runs an HTTP server to expose Prometheus metrics.
func StartMetricsServer(addr string) {
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("metrics server failed", "error", err)
		}
	}()
}
