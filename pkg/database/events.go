package database

import (
	"context"

	"project-tracker/pkg/job"

	"github.com/jackc/pgx/v5"
)

func insertEvent(ctx context.Context, tx pgx.Tx, kind job.Kind, jobID string, orgID int64, status string, progress *int) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO job_events (kind, job_id, organization_id, status, progress) VALUES ($1, $2, $3, $4, $5)`,
		kind, jobID, orgID, status, progress,
	)
	return err
}

// FetchJobEvents retrieves up to 'limit' outbox events ordered by creation time.
func (c *Client) FetchJobEvents(ctx context.Context, limit int) ([]job.Event, error) {
	query := `SELECT id::text, kind, job_id, organization_id, status, progress, created_at
              FROM job_events ORDER BY created_at LIMIT $1`
	rows, err := c.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []job.Event{}
	for rows.Next() {
		var e job.Event
		if err := rows.Scan(&e.ID, &e.Kind, &e.JobID, &e.OrganizationID, &e.Status, &e.Progress, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// DeleteJobEvent removes an outbox event after successful publish.
func (c *Client) DeleteJobEvent(ctx context.Context, id string) error {
	_, err := c.pool.Exec(ctx, `DELETE FROM job_events WHERE id = $1`, id)
	return err
}
