// Package outbox moves transition events from the job_events table to the broker.
// An event is deleted only after it was published, so delivery is at-least-once.
package outbox

import (
	"context"
	"log/slog"
	"time"

	"project-tracker/pkg/job"
	"project-tracker/pkg/observability"
)

type Source interface {
	FetchJobEvents(ctx context.Context, limit int) ([]job.Event, error)
	DeleteJobEvent(ctx context.Context, id string) error
}

type Publisher interface {
	PublishJobEvent(ctx context.Context, e job.Event) error
}

type Relay struct {
	source    Source
	publisher Publisher
	logger    *slog.Logger
	batch     int
}

func NewRelay(source Source, publisher Publisher, logger *slog.Logger, batch int) *Relay {
	if batch <= 0 {
		batch = 100
	}
	return &Relay{source: source, publisher: publisher, logger: logger, batch: batch}
}

// Run polls every interval until ctx is done.
func (r *Relay) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce relays one batch and returns how many events were published and removed.
// Events are relayed in order; the batch stops at the first publish failure so a
// later transition never overtakes an earlier one.
func (r *Relay) RunOnce(ctx context.Context) int {
	events, err := r.source.FetchJobEvents(ctx, r.batch)
	if err != nil {
		r.logger.Error("failed to fetch outbox events", "error", err)
		return 0
	}

	relayed := 0
	for _, e := range events {
		if err := r.publisher.PublishJobEvent(ctx, e); err != nil {
			r.logger.Error("failed to publish event from outbox", "error", err, "job_id", e.JobID, "event_id", e.ID)
			break
		}
		observability.EventsPublished.WithLabelValues(string(e.Kind)).Inc()

		if err := r.source.DeleteJobEvent(ctx, e.ID); err != nil {
			r.logger.Error("failed to delete outbox event after publish", "error", err, "event_id", e.ID)
			break
		}
		relayed++
		r.logger.Debug("published event from outbox", "job_id", e.JobID, "routing_key", e.RoutingKey())
	}
	return relayed
}

// LogPublisher writes events to the log instead of a broker. It keeps the outbox
// drained when the API runs without RabbitMQ.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) PublishJobEvent(_ context.Context, e job.Event) error {
	p.Logger.Debug("job event", "routing_key", e.RoutingKey(), "job_id", e.JobID, "progress", e.Progress)
	return nil
}
