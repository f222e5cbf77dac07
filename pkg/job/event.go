package job

import "time"

// Event records one status transition. Events are written to the outbox alongside
// the row update and relayed to the message broker by the publisher.
type Event struct {
	ID             string    `json:"id"`
	Kind           Kind      `json:"kind"`
	JobID          string    `json:"job_id"`
	OrganizationID int64     `json:"organization_id"`
	Status         string    `json:"status"`
	Progress       *int      `json:"progress,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// RoutingKey is the topic the event is published under, e.g. "ingestion.completed".
func (e Event) RoutingKey() string {
	return string(e.Kind) + "." + e.Status
}
