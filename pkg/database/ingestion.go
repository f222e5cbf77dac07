package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"project-tracker/pkg/job"

	"github.com/jackc/pgx/v5"
)

const ingestionColumns = `id, job_id, user_id, organization_id, filename, file_type, file_size, status,
        upload_url, result_url, result_data, error_message, created_at, started_processing_at, completed_at, updated_at`

func scanIngestionJob(row rowScanner) (*job.IngestionJob, error) {
	j := &job.IngestionJob{}
	var resultData []byte
	err := row.Scan(
		&j.ID, &j.JobID, &j.UserID, &j.OrganizationID, &j.Filename, &j.FileType, &j.FileSize, &j.Status,
		&j.UploadURL, &j.ResultURL, &resultData, &j.ErrorMessage, &j.CreatedAt, &j.StartedProcessingAt,
		&j.CompletedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.ResultData = rawJSON(resultData)
	return j, nil
}

func (c *Client) CreateIngestionJob(ctx context.Context, n job.NewIngestion) (*job.IngestionJob, error) {
	query := `INSERT INTO ingestion_jobs (job_id, user_id, organization_id, filename, file_type, file_size, status, upload_url)
              VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
              RETURNING ` + ingestionColumns
	j, err := scanIngestionJob(c.pool.QueryRow(ctx, query,
		n.JobID, n.Actor.UserID, n.Actor.OrganizationID, n.Request.Filename, n.Request.FileType,
		n.Request.FileSize, job.IngestionPending, n.UploadURL,
	))
	if err != nil {
		return nil, fmt.Errorf("insert ingestion job: %w", err)
	}
	return j, nil
}

// FindIngestionJob returns nil when the job does not exist or belongs to another organization.
func (c *Client) FindIngestionJob(ctx context.Context, jobID string, orgID int64) (*job.IngestionJob, error) {
	query := `SELECT ` + ingestionColumns + ` FROM ingestion_jobs WHERE job_id = $1 AND organization_id = $2`
	return c.findIngestion(ctx, query, jobID, orgID)
}

// FindIngestionJobGlobal skips the organization check. Only the callback path uses it.
func (c *Client) FindIngestionJobGlobal(ctx context.Context, jobID string) (*job.IngestionJob, error) {
	query := `SELECT ` + ingestionColumns + ` FROM ingestion_jobs WHERE job_id = $1`
	return c.findIngestion(ctx, query, jobID)
}

func (c *Client) findIngestion(ctx context.Context, query string, args ...any) (*job.IngestionJob, error) {
	j, err := scanIngestionJob(c.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return j, nil
}

func (c *Client) ListIngestionJobsByUser(ctx context.Context, userID, orgID int64) ([]job.IngestionJob, error) {
	query := `SELECT ` + ingestionColumns + ` FROM ingestion_jobs
              WHERE user_id = $1 AND organization_id = $2
              ORDER BY created_at DESC, id DESC`
	return c.listIngestion(ctx, query, userID, orgID)
}

func (c *Client) ListIngestionJobsByOrg(ctx context.Context, orgID int64, limit int) ([]job.IngestionJob, error) {
	query := `SELECT ` + ingestionColumns + ` FROM ingestion_jobs
              WHERE organization_id = $1
              ORDER BY created_at DESC, id DESC
              LIMIT $2`
	return c.listIngestion(ctx, query, orgID, limit)
}

func (c *Client) listIngestion(ctx context.Context, query string, args ...any) ([]job.IngestionJob, error) {
	rows, err := c.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []job.IngestionJob{}
	for rows.Next() {
		j, err := scanIngestionJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// UpdateIngestionJob applies a partial update and, when the status changes, records the
// transition in the job_events outbox within the same transaction. It returns nil when
// no row matched the id (and the From guard, if any).
func (c *Client) UpdateIngestionJob(ctx context.Context, jobID string, u job.IngestionUpdate) (*job.IngestionJob, error) {
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
		if *u.Status == job.IngestionProcessing {
			sets = append(sets, "started_processing_at = COALESCE(started_processing_at, NOW())")
		}
		if u.Status.IsTerminal() {
			sets = append(sets, "completed_at = NOW()")
		}
	}
	if u.ResultURL != nil {
		set("result_url = $%d", *u.ResultURL)
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

	query := `UPDATE ingestion_jobs SET ` + strings.Join(sets, ", ") + ` WHERE ` + where + ` RETURNING ` + ingestionColumns

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var updated *job.IngestionJob
	found, err := queryRowTx(ctx, tx, query, args, func(row rowScanner) error {
		var scanErr error
		updated, scanErr = scanIngestionJob(row)
		return scanErr
	})
	if err != nil {
		return nil, fmt.Errorf("update ingestion job: %w", err)
	}
	if !found {
		return nil, nil
	}

	if u.Status != nil {
		if err := insertEvent(ctx, tx, job.KindIngestion, updated.JobID, updated.OrganizationID, string(updated.Status), nil); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return updated, nil
}

func (c *Client) DeleteIngestionJob(ctx context.Context, jobID string, orgID int64) (bool, error) {
	tag, err := c.pool.Exec(ctx, `DELETE FROM ingestion_jobs WHERE job_id = $1 AND organization_id = $2`, jobID, orgID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// IngestionStats counts the organization's ingestion jobs per status in one grouped query.
func (c *Client) IngestionStats(ctx context.Context, orgID int64) (*job.IngestionStats, error) {
	counts, err := c.countByStatus(ctx, `SELECT status, COUNT(*) FROM ingestion_jobs WHERE organization_id = $1 GROUP BY status`, orgID)
	if err != nil {
		return nil, err
	}
	stats := &job.IngestionStats{
		Pending:    counts[string(job.IngestionPending)],
		Processing: counts[string(job.IngestionProcessing)],
		Completed:  counts[string(job.IngestionCompleted)],
		Failed:     counts[string(job.IngestionFailed)],
	}
	stats.Total = stats.Pending + stats.Processing + stats.Completed + stats.Failed
	return stats, nil
}

func (c *Client) countByStatus(ctx context.Context, query string, args ...any) (map[string]int, error) {
	rows, err := c.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = int(n)
	}
	return counts, rows.Err()
}
