package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"project-tracker/pkg/job"
	"project-tracker/pkg/memstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var actor = job.Actor{UserID: 7, Email: "dev@example.com", OrganizationID: 3}

func testConfig() Config {
	return Config{
		TransferMin:     time.Millisecond,
		TransferMax:     2 * time.Millisecond,
		ProcessingDelay: time.Millisecond,
		SuccessRate:     0.9,
		StepDelay:       time.Millisecond,
		ResultBaseURL:   "https://results.test/out/",
		MaxUnits:        4,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newIngestion(t *testing.T, store *memstore.Store) *job.IngestionJob {
	t.Helper()
	j, err := store.CreateIngestionJob(context.Background(), job.NewIngestion{
		JobID:     job.NewIngestionID(),
		UploadURL: "https://upload.test/x",
		Request:   job.IngestionRequest{Filename: "data.csv", FileType: "csv"},
		Actor:     actor,
	})
	require.NoError(t, err)
	return j
}

func newBackground(t *testing.T, store *memstore.Store, jobType job.BackgroundType, options string) *job.BackgroundJob {
	t.Helper()
	req := job.BackgroundRequest{JobType: jobType}
	if options != "" {
		req.Options = json.RawMessage(options)
	}
	j, err := store.CreateBackgroundJob(context.Background(), job.NewBackground{
		JobID:   job.NewBackgroundID(),
		Request: req,
		Actor:   actor,
	})
	require.NoError(t, err)
	return j
}

func statuses(events []job.Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Status)
	}
	return out
}

func progressOf(events []job.Event) []int {
	out := make([]int, 0, len(events))
	for _, e := range events {
		if e.Progress != nil {
			out = append(out, *e.Progress)
		}
	}
	return out
}

func TestIngestionCompletes(t *testing.T) {
	store := memstore.New()
	engine := New(store, quietLogger(), testConfig(), WithOutcome(func() bool { return true }))
	created := newIngestion(t, store)

	engine.StartIngestion(created.JobID)
	engine.Wait()

	got, err := store.FindIngestionJob(context.Background(), created.JobID, actor.OrganizationID)
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, job.IngestionCompleted, got.Status)
	require.NotNil(t, got.ResultURL)
	assert.Equal(t, "https://results.test/out/"+created.JobID+".json", *got.ResultURL)
	assert.Nil(t, got.ErrorMessage)
	assert.NotNil(t, got.StartedProcessingAt)
	assert.NotNil(t, got.CompletedAt)

	var result ingestionResult
	require.NoError(t, json.Unmarshal(got.ResultData, &result))
	assert.Equal(t, "File processed successfully", result.Summary)
	assert.GreaterOrEqual(t, result.RowsProcessed, 100)
	assert.GreaterOrEqual(t, result.Columns, 5)
	assert.Len(t, result.DataPreview, 3)
	assert.Equal(t, "Sample Data 1", result.DataPreview[0].Name)

	assert.Equal(t, []string{"processing", "completed"}, statuses(store.Events(created.JobID)))
}

func TestIngestionFails(t *testing.T) {
	store := memstore.New()
	engine := New(store, quietLogger(), testConfig(), WithOutcome(func() bool { return false }))
	created := newIngestion(t, store)

	engine.StartIngestion(created.JobID)
	engine.Wait()

	got, err := store.FindIngestionJob(context.Background(), created.JobID, actor.OrganizationID)
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, job.IngestionFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "Mock error: File format invalid or corrupted", *got.ErrorMessage)
	assert.Nil(t, got.ResultURL)
	assert.Nil(t, got.ResultData)
	assert.Equal(t, []string{"processing", "failed"}, statuses(store.Events(created.JobID)))
}

func TestIngestionDeletedMidFlight(t *testing.T) {
	store := memstore.New()
	cfg := testConfig()
	cfg.TransferMin, cfg.TransferMax = 50*time.Millisecond, 50*time.Millisecond
	engine := New(store, quietLogger(), cfg, WithOutcome(func() bool { return true }))
	created := newIngestion(t, store)

	engine.StartIngestion(created.JobID)
	deleted, err := store.DeleteIngestionJob(context.Background(), created.JobID, actor.OrganizationID)
	require.NoError(t, err)
	require.True(t, deleted)
	engine.Wait()

	got, err := store.FindIngestionJobGlobal(context.Background(), created.JobID)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Empty(t, store.Events(created.JobID))
}

func TestIngestionCallbackWins(t *testing.T) {
	store := memstore.New()
	cfg := testConfig()
	cfg.TransferMin, cfg.TransferMax = 50*time.Millisecond, 50*time.Millisecond
	engine := New(store, quietLogger(), cfg, WithOutcome(func() bool { return true }))
	created := newIngestion(t, store)

	engine.StartIngestion(created.JobID)
	_, err := store.UpdateIngestionJob(context.Background(), created.JobID, job.IngestionUpdate{
		Status:     job.Ptr(job.IngestionCompleted),
		ResultURL:  job.Ptr("s3://bucket/external.json"),
		ResultData: json.RawMessage(`{"source":"pipeline"}`),
	})
	require.NoError(t, err)
	engine.Wait()

	got, err := store.FindIngestionJob(context.Background(), created.JobID, actor.OrganizationID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, job.IngestionCompleted, got.Status)
	assert.Equal(t, "s3://bucket/external.json", *got.ResultURL)
	assert.JSONEq(t, `{"source":"pipeline"}`, string(got.ResultData))
	assert.Equal(t, []string{"completed"}, statuses(store.Events(created.JobID)))
}

func TestIngestionFinishesJobStartedByCallback(t *testing.T) {
	store := memstore.New()
	cfg := testConfig()
	cfg.TransferMin, cfg.TransferMax = 50*time.Millisecond, 50*time.Millisecond
	engine := New(store, quietLogger(), cfg, WithOutcome(func() bool { return true }))
	created := newIngestion(t, store)

	engine.StartIngestion(created.JobID)
	_, err := store.UpdateIngestionJob(context.Background(), created.JobID, job.IngestionUpdate{
		Status: job.Ptr(job.IngestionProcessing),
		From:   []job.IngestionStatus{job.IngestionPending},
	})
	require.NoError(t, err)
	engine.Wait()

	got, err := store.FindIngestionJob(context.Background(), created.JobID, actor.OrganizationID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, job.IngestionCompleted, got.Status)
	assert.NotNil(t, got.ResultURL)
	assert.NotEmpty(t, got.ResultData)
	assert.Equal(t, []string{"processing", "completed"}, statuses(store.Events(created.JobID)))
}

func TestManyIngestionUnitsShareSlots(t *testing.T) {
	store := memstore.New()
	cfg := testConfig()
	cfg.MaxUnits = 2
	engine := New(store, quietLogger(), cfg, WithOutcome(func() bool { return true }))

	ids := make([]string, 0, 10)
	for i := 0; i < 10; i++ {
		j := newIngestion(t, store)
		ids = append(ids, j.JobID)
		engine.StartIngestion(j.JobID)
	}
	engine.Wait()

	stats, err := store.IngestionStats(context.Background(), actor.OrganizationID)
	require.NoError(t, err)
	assert.Equal(t, 10, stats.Completed)
	for _, id := range ids {
		assert.Equal(t, []string{"processing", "completed"}, statuses(store.Events(id)))
	}
}

func TestRecomputeAnalyticsCompletes(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	created := time.Now().Add(-72 * time.Hour)
	done := created.Add(48 * time.Hour)
	_, err := store.CreateProject(ctx, job.Project{Title: "a", Status: job.ProjectCompleted, UserID: 7, OrganizationID: 3, CreatedAt: created, CompletedAt: &done})
	require.NoError(t, err)
	_, err = store.CreateProject(ctx, job.Project{Title: "b", Status: job.ProjectActive, UserID: 8, OrganizationID: 3, CreatedAt: created})
	require.NoError(t, err)

	engine := New(store, quietLogger(), testConfig())
	bg := newBackground(t, store, job.TypeRecomputeAnalytics, "")
	assert.Equal(t, 15, bg.EstimatedTimeSeconds)
	assert.Equal(t, job.BackgroundQueued, bg.Status)
	assert.Equal(t, 0, bg.ProgressPercentage)

	engine.StartBackground(bg)
	engine.Wait()

	got, err := store.FindBackgroundJob(ctx, bg.JobID, actor.OrganizationID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, job.BackgroundCompleted, got.Status)
	assert.Equal(t, 100, got.ProgressPercentage)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)
	assert.Nil(t, got.ErrorMessage)

	events := store.Events(bg.JobID)
	assert.Equal(t, []int{0, 25, 50, 75, 100}, progressOf(events))
	assert.Equal(t, "completed", events[len(events)-1].Status)

	var result struct {
		RecalculatedAt    string                 `json:"recalculated_at"`
		MetricsUpdated    []string               `json:"metrics_updated"`
		OrganizationStats job.ProjectStats       `json:"organization_stats"`
		AvgCompletion     *float64               `json:"average_completion_time"`
		Detailed          *job.DetailedAnalytics `json:"detailed_analytics"`
	}
	require.NoError(t, json.Unmarshal(got.ResultData, &result))
	_, err = time.Parse(time.RFC3339, result.RecalculatedAt)
	assert.NoError(t, err)
	assert.Equal(t, []string{"project_counts", "completion_rates", "average_completion_time", "user_statistics", "organization_overview"}, result.MetricsUpdated)
	assert.Equal(t, job.ProjectStats{Total: 2, Active: 1, Completed: 1}, result.OrganizationStats)
	require.NotNil(t, result.AvgCompletion)
	assert.InDelta(t, 2.0, *result.AvgCompletion, 0.01)
	require.NotNil(t, result.Detailed)
	assert.Equal(t, 50.0, result.Detailed.Overview.CompletionRate)
	assert.Equal(t, 2, result.Detailed.Overview.TotalContributors)
}

func TestCleanupOldJobsHonoursOptions(t *testing.T) {
	store := memstore.New()
	engine := New(store, quietLogger(), testConfig())
	bg := newBackground(t, store, job.TypeCleanupOldJobs, `{"older_than_days": 7}`)
	assert.Equal(t, 10, bg.EstimatedTimeSeconds)

	engine.StartBackground(bg)
	engine.Wait()

	got, err := store.FindBackgroundJob(context.Background(), bg.JobID, actor.OrganizationID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, job.BackgroundCompleted, got.Status)

	var result struct {
		Stale          job.StaleJobCounts `json:"stale_jobs"`
		Background     job.BackgroundStats `json:"background_jobs"`
		MetricsUpdated []string           `json:"metrics_updated"`
	}
	require.NoError(t, json.Unmarshal(got.ResultData, &result))
	assert.Equal(t, 7, result.Stale.OlderThanDays)
	assert.Equal(t, 1, result.Background.Running)
	assert.Len(t, result.MetricsUpdated, 3)
}

func TestParseOptions(t *testing.T) {
	opts, err := parseOptions(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, opts.OlderThanDays)

	opts, err = parseOptions(json.RawMessage(`{"older_than_days": 14}`))
	require.NoError(t, err)
	assert.Equal(t, 14, opts.OlderThanDays)

	opts, err = parseOptions(json.RawMessage(`{"older_than_days": "x"}`))
	require.Error(t, err)
	assert.Equal(t, 30*24*time.Hour, opts.retention(30*24*time.Hour))
}

func TestCleanupMalformedOptionsUseDefault(t *testing.T) {
	store := memstore.New()
	engine := New(store, quietLogger(), testConfig())
	bg := newBackground(t, store, job.TypeCleanupOldJobs, `{"older_than_days": "x"}`)

	engine.StartBackground(bg)
	engine.Wait()

	got, err := store.FindBackgroundJob(context.Background(), bg.JobID, actor.OrganizationID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, job.BackgroundCompleted, got.Status)

	var result struct {
		Stale job.StaleJobCounts `json:"stale_jobs"`
	}
	require.NoError(t, json.Unmarshal(got.ResultData, &result))
	assert.Equal(t, 30, result.Stale.OlderThanDays)
}

type failingAnalytics struct {
	*memstore.Store
	err error
}

func (f failingAnalytics) DetailedAnalytics(context.Context, int64) (*job.DetailedAnalytics, error) {
	return nil, f.err
}

func TestBackgroundStepFailureStopsProgress(t *testing.T) {
	store := memstore.New()
	engine := New(failingAnalytics{Store: store, err: errors.New("analytics backend unavailable")}, quietLogger(), testConfig())
	bg := newBackground(t, store, job.TypeRecomputeAnalytics, "")

	engine.StartBackground(bg)
	engine.Wait()

	got, err := store.FindBackgroundJob(context.Background(), bg.JobID, actor.OrganizationID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, job.BackgroundFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "analytics backend unavailable", *got.ErrorMessage)
	assert.Equal(t, 75, got.ProgressPercentage)
	assert.Nil(t, got.ResultData)

	events := store.Events(bg.JobID)
	assert.Equal(t, []int{0, 25, 50, 75, 75}, progressOf(events))
	assert.Equal(t, "failed", events[len(events)-1].Status)
}

func TestBackgroundEmptyErrorUsesFallback(t *testing.T) {
	store := memstore.New()
	engine := New(failingAnalytics{Store: store, err: errors.New("")}, quietLogger(), testConfig())
	bg := newBackground(t, store, job.TypeRecomputeAnalytics, "")

	engine.StartBackground(bg)
	engine.Wait()

	got, err := store.FindBackgroundJob(context.Background(), bg.JobID, actor.OrganizationID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "Unknown error occurred", *got.ErrorMessage)
}

func TestBackgroundDeletedBeforeStart(t *testing.T) {
	store := memstore.New()
	engine := New(store, quietLogger(), testConfig())
	bg := newBackground(t, store, job.TypeArchiveOldProjects, "")

	_, err := store.DeleteBackgroundJob(context.Background(), bg.JobID, actor.OrganizationID)
	require.NoError(t, err)
	engine.StartBackground(bg)
	engine.Wait()

	assert.Empty(t, store.Events(bg.JobID))
}
