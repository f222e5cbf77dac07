package client

import (
	"context"
	"time"

	"project-tracker/pkg/job"
	"project-tracker/pkg/service"
)

// poll calls fetch every interval until done reports true, fetch fails or ctx ends.
// Intermediate states may be skipped between two polls.
func poll[T any](ctx context.Context, interval time.Duration, fetch func(context.Context) (T, error), done func(T) bool, onUpdate func(T)) (T, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		v, err := fetch(ctx)
		if err != nil {
			return v, err
		}
		if onUpdate != nil {
			onUpdate(v)
		}
		if done(v) {
			return v, nil
		}
		select {
		case <-ctx.Done():
			return v, ctx.Err()
		case <-ticker.C:
		}
	}
}

// WaitForIngestion polls until the job is completed or failed.
func (c *Client) WaitForIngestion(ctx context.Context, jobID string, interval time.Duration, onUpdate func(*job.IngestionJob)) (*job.IngestionJob, error) {
	return poll(ctx, interval,
		func(ctx context.Context) (*job.IngestionJob, error) { return c.IngestionStatus(ctx, jobID) },
		func(j *job.IngestionJob) bool { return j != nil && j.Status.IsTerminal() },
		onUpdate,
	)
}

// WaitForBackground polls until the job is completed or failed.
func (c *Client) WaitForBackground(ctx context.Context, jobID string, interval time.Duration, onUpdate func(*service.BackgroundStatusView)) (*service.BackgroundStatusView, error) {
	return poll(ctx, interval,
		func(ctx context.Context) (*service.BackgroundStatusView, error) { return c.BackgroundStatus(ctx, jobID) },
		func(v *service.BackgroundStatusView) bool { return v.Job != nil && v.Job.Status.IsTerminal() },
		onUpdate,
	)
}
