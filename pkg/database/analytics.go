package database

import (
	"context"
	"time"

	"project-tracker/pkg/job"

	"golang.org/x/sync/errgroup"
)

func (c *Client) CreateProject(ctx context.Context, p job.Project) (*job.Project, error) {
	query := `INSERT INTO projects (title, status, user_id, organization_id, created_at, completed_at)
              VALUES ($1, $2, $3, $4, $5, $6)
              RETURNING id`
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	if err := c.pool.QueryRow(ctx, query, p.Title, p.Status, p.UserID, p.OrganizationID, createdAt, p.CompletedAt).Scan(&p.ID); err != nil {
		return nil, err
	}
	p.CreatedAt = createdAt
	return &p, nil
}

func (c *Client) ProjectStats(ctx context.Context, orgID int64) (*job.ProjectStats, error) {
	query := `SELECT COUNT(*),
                     COUNT(*) FILTER (WHERE status = 'active'),
                     COUNT(*) FILTER (WHERE status = 'completed')
              FROM projects WHERE organization_id = $1`
	var total, active, completed int64
	if err := c.pool.QueryRow(ctx, query, orgID).Scan(&total, &active, &completed); err != nil {
		return nil, err
	}
	return &job.ProjectStats{Total: int(total), Active: int(active), Completed: int(completed)}, nil
}

// AverageCompletionDays is nil when the organization has no completed projects.
func (c *Client) AverageCompletionDays(ctx context.Context, orgID int64) (*float64, error) {
	query := `SELECT AVG(EXTRACT(EPOCH FROM (completed_at - created_at)) / 86400)::float8
              FROM projects
              WHERE organization_id = $1 AND status = 'completed' AND completed_at IS NOT NULL`
	var avg *float64
	if err := c.pool.QueryRow(ctx, query, orgID).Scan(&avg); err != nil {
		return nil, err
	}
	return avg, nil
}

// DetailedAnalytics runs the overview, contributor and activity queries concurrently.
func (c *Client) DetailedAnalytics(ctx context.Context, orgID int64) (*job.DetailedAnalytics, error) {
	out := &job.DetailedAnalytics{
		TopContributors: []job.Contributor{},
		RecentActivity:  []job.DailyActivity{},
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		query := `SELECT COUNT(*),
                         COUNT(*) FILTER (WHERE status = 'active'),
                         COUNT(*) FILTER (WHERE status = 'completed'),
                         COUNT(DISTINCT user_id),
                         AVG(EXTRACT(EPOCH FROM (completed_at - created_at)) / 86400)::float8
                  FROM projects WHERE organization_id = $1`
		var total, active, completed, contributors int64
		var avg *float64
		if err := c.pool.QueryRow(gctx, query, orgID).Scan(&total, &active, &completed, &contributors, &avg); err != nil {
			return err
		}
		if avg != nil {
			rounded := float64(int64(*avg*10+0.5)) / 10
			avg = &rounded
		}
		out.Overview = job.AnalyticsOverview{
			TotalProjects:     int(total),
			ActiveProjects:    int(active),
			CompletedProjects: int(completed),
			TotalContributors: int(contributors),
			AvgCompletionDays: avg,
			CompletionRate:    job.CompletionRate(int(completed), int(total)),
		}
		return nil
	})

	g.Go(func() error {
		query := `SELECT user_id, COUNT(*), COUNT(*) FILTER (WHERE status = 'completed')
                  FROM projects WHERE organization_id = $1
                  GROUP BY user_id
                  ORDER BY COUNT(*) DESC, user_id
                  LIMIT 10`
		rows, err := c.pool.Query(gctx, query, orgID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var ct job.Contributor
			var projects, completed int64
			if err := rows.Scan(&ct.UserID, &projects, &completed); err != nil {
				return err
			}
			ct.ProjectCount, ct.CompletedCount = int(projects), int(completed)
			out.TopContributors = append(out.TopContributors, ct)
		}
		return rows.Err()
	})

	g.Go(func() error {
		query := `SELECT DATE_TRUNC('day', created_at), COUNT(*)
                  FROM projects
                  WHERE organization_id = $1 AND created_at >= NOW() - INTERVAL '30 days'
                  GROUP BY DATE_TRUNC('day', created_at)
                  ORDER BY 1 DESC`
		rows, err := c.pool.Query(gctx, query, orgID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var a job.DailyActivity
			var n int64
			if err := rows.Scan(&a.Date, &n); err != nil {
				return err
			}
			a.ProjectsCreated = int(n)
			out.RecentActivity = append(out.RecentActivity, a)
		}
		return rows.Err()
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// ArchivableProjects reports completed projects finished before the cutoff. Nothing is modified.
func (c *Client) ArchivableProjects(ctx context.Context, orgID int64, olderThan time.Duration) (*job.ArchiveReport, error) {
	query := `SELECT COUNT(*), MIN(completed_at)
              FROM projects
              WHERE organization_id = $1 AND status = 'completed' AND completed_at < $2`
	report := &job.ArchiveReport{OlderThanDays: int(olderThan.Hours() / 24)}
	var n int64
	if err := c.pool.QueryRow(ctx, query, orgID, time.Now().Add(-olderThan)).Scan(&n, &report.OldestCompletedAt); err != nil {
		return nil, err
	}
	report.Eligible = int(n)
	return report, nil
}

// StaleJobCounts counts terminal jobs of both kinds that finished before the cutoff.
func (c *Client) StaleJobCounts(ctx context.Context, orgID int64, olderThan time.Duration) (*job.StaleJobCounts, error) {
	query := `SELECT
                (SELECT COUNT(*) FROM ingestion_jobs
                  WHERE organization_id = $1 AND status IN ('completed', 'failed') AND completed_at < $2),
                (SELECT COUNT(*) FROM background_jobs
                  WHERE organization_id = $1 AND status IN ('completed', 'failed') AND completed_at < $2)`
	var ingestion, background int64
	if err := c.pool.QueryRow(ctx, query, orgID, time.Now().Add(-olderThan)).Scan(&ingestion, &background); err != nil {
		return nil, err
	}
	return &job.StaleJobCounts{
		Ingestion:     int(ingestion),
		Background:    int(background),
		OlderThanDays: int(olderThan.Hours() / 24),
	}, nil
}
