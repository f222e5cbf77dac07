package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"project-tracker/pkg/job"

	"github.com/jackc/pgx/v5"
)

const backgroundColumns = `id, job_id, job_type, user_id, organization_id, status, progress_percentage, current_step,
        result_data, error_message, estimated_time_seconds, options, created_at, started_at, completed_at, updated_at`

func scanBackgroundJob(row rowScanner) (*job.BackgroundJob, error) {
	j := &job.BackgroundJob{}
	var resultData, options []byte
	err := row.Scan(
		&j.ID, &j.JobID, &j.JobType, &j.UserID, &j.OrganizationID, &j.Status, &j.ProgressPercentage,
		&j.CurrentStep, &resultData, &j.ErrorMessage, &j.EstimatedTimeSeconds, &options,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.ResultData = rawJSON(resultData)
	j.Options = rawJSON(options)
	return j, nil
}

func (c *Client) CreateBackgroundJob(ctx context.Context, n job.NewBackground) (*job.BackgroundJob, error) {
	query := `INSERT INTO background_jobs (job_id, job_type, user_id, organization_id, status, progress_percentage,
                  estimated_time_seconds, options)
              VALUES ($1, $2, $3, $4, $5, 0, $6, $7::jsonb)
              RETURNING ` + backgroundColumns
	j, err := scanBackgroundJob(c.pool.QueryRow(ctx, query,
		n.JobID, n.Request.JobType, n.Actor.UserID, n.Actor.OrganizationID, job.BackgroundQueued,
		job.EstimatedDuration(n.Request.JobType), jsonParam(n.Request.Options),
	))
	if err != nil {
		return nil, fmt.Errorf("insert background job: %w", err)
	}
	return j, nil
}

func (c *Client) FindBackgroundJob(ctx context.Context, jobID string, orgID int64) (*job.BackgroundJob, error) {
	query := `SELECT ` + backgroundColumns + ` FROM background_jobs WHERE job_id = $1 AND organization_id = $2`
	j, err := scanBackgroundJob(c.pool.QueryRow(ctx, query, jobID, orgID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return j, nil
}

func (c *Client) ListBackgroundJobsByOrg(ctx context.Context, orgID int64, limit int) ([]job.BackgroundJob, error) {
	query := `SELECT ` + backgroundColumns + ` FROM background_jobs
              WHERE organization_id = $1
              ORDER BY created_at DESC, id DESC
              LIMIT $2`
	return c.listBackground(ctx, query, orgID, limit)
}

func (c *Client) ListBackgroundJobsByStatus(ctx context.Context, orgID int64, status job.BackgroundStatus) ([]job.BackgroundJob, error) {
	query := `SELECT ` + backgroundColumns + ` FROM background_jobs
              WHERE organization_id = $1 AND status = $2
              ORDER BY created_at DESC, id DESC`
	return c.listBackground(ctx, query, orgID, status)
}

func (c *Client) listBackground(ctx context.Context, query string, args ...any) ([]job.BackgroundJob, error) {
	rows, err := c.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []job.BackgroundJob{}
	for rows.Next() {
		j, err := scanBackgroundJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// UpdateBackgroundJob mirrors UpdateIngestionJob: nil when nothing matched, outbox event on
// status change.
func (c *Client) UpdateBackgroundJob(ctx context.Context, jobID string, u job.BackgroundUpdate) (*job.BackgroundJob, error) {
	if u.IsEmpty() {
		return nil, job.ErrNoFields
	}

	var sets []string
	var args []any
	set := func(expr string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf(expr, len(args)))
	}

	if u.Status != nil {
		set("status = $%d", *u.Status)
		if *u.Status == job.BackgroundRunning {
			sets = append(sets, "started_at = COALESCE(started_at, NOW())")
		}
		if u.Status.IsTerminal() {
			sets = append(sets, "completed_at = NOW()")
		}
	}
	if u.Progress != nil {
		set("progress_percentage = $%d", *u.Progress)
	}
	if u.CurrentStep != nil {
		set("current_step = $%d", *u.CurrentStep)
	}
	if u.ResultData != nil {
		set("result_data = $%d::jsonb", jsonParam(u.ResultData))
	}
	if u.ErrorMessage != nil {
		set("error_message = $%d", *u.ErrorMessage)
	}
	sets = append(sets, "updated_at = NOW()")

	args = append(args, jobID)
	where := fmt.Sprintf("job_id = $%d", len(args))
	if len(u.From) > 0 {
		from := make([]string, len(u.From))
		for i, s := range u.From {
			from[i] = string(s)
		}
		args = append(args, from)
		where += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}

	query := `UPDATE background_jobs SET ` + strings.Join(sets, ", ") + ` WHERE ` + where + ` RETURNING ` + backgroundColumns

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var updated *job.BackgroundJob
	found, err := queryRowTx(ctx, tx, query, args, func(row rowScanner) error {
		var scanErr error
		updated, scanErr = scanBackgroundJob(row)
		return scanErr
	})
	if err != nil {
		return nil, fmt.Errorf("update background job: %w", err)
	}
	if !found {
		return nil, nil
	}

	if u.Status != nil || u.Progress != nil {
		progress := updated.ProgressPercentage
		if err := insertEvent(ctx, tx, job.KindBackground, updated.JobID, updated.OrganizationID, string(updated.Status), &progress); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteBackgroundJob removes a job unless it is running. It reports false when no row
// matched, including a running job.
func (c *Client) DeleteBackgroundJob(ctx context.Context, jobID string, orgID int64) (bool, error) {
	tag, err := c.pool.Exec(ctx,
		`DELETE FROM background_jobs WHERE job_id = $1 AND organization_id = $2 AND status <> 'running'`,
		jobID, orgID,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (c *Client) BackgroundStats(ctx context.Context, orgID int64) (*job.BackgroundStats, error) {
	counts, err := c.countByStatus(ctx, `SELECT status, COUNT(*) FROM background_jobs WHERE organization_id = $1 GROUP BY status`, orgID)
	if err != nil {
		return nil, err
	}
	stats := &job.BackgroundStats{
		Queued:    counts[string(job.BackgroundQueued)],
		Running:   counts[string(job.BackgroundRunning)],
		Completed: counts[string(job.BackgroundCompleted)],
		Failed:    counts[string(job.BackgroundFailed)],
	}
	stats.Total = stats.Queued + stats.Running + stats.Completed + stats.Failed
	return stats, nil
}
