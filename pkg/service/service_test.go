package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"project-tracker/pkg/job"
	"project-tracker/pkg/memstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = job.Actor{UserID: 1, Email: "alice@example.com", OrganizationID: 10}
	bob   = job.Actor{UserID: 2, Email: "bob@example.com", OrganizationID: 10}
	eve   = job.Actor{UserID: 3, Email: "eve@other.example", OrganizationID: 20}
)

// recorder stands in for the lifecycle engine and only remembers what it was asked to run.
type recorder struct {
	mu         sync.Mutex
	ingestion  []string
	background []string
}

func (r *recorder) StartIngestion(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ingestion = append(r.ingestion, jobID)
}

func (r *recorder) StartBackground(j *job.BackgroundJob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.background = append(r.background, j.JobID)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newIngestionService(t *testing.T) (*IngestionService, *memstore.Store, *recorder) {
	t.Helper()
	store := memstore.New()
	runner := &recorder{}
	return NewIngestionService(store, runner, quietLogger(), "https://upload.test/"), store, runner
}

func TestInitiateCreatesPendingJob(t *testing.T) {
	svc, store, runner := newIngestionService(t)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.SetClock(func() time.Time { return now })

	ticket, err := svc.Initiate(context.Background(), alice, job.IngestionRequest{Filename: "sales.CSV", FileType: "CSV"})
	require.NoError(t, err)

	assert.Regexp(t, `^job_[0-9a-f]{32}$`, ticket.JobID)
	assert.Equal(t, "https://upload.test/"+ticket.JobID, ticket.UploadURL)
	assert.Equal(t, job.IngestionPending, ticket.Status)
	assert.Equal(t, now.Add(time.Hour), ticket.ExpiresAt)
	assert.Equal(t, []string{ticket.JobID}, runner.ingestion)

	stored, err := store.FindIngestionJob(context.Background(), ticket.JobID, alice.OrganizationID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "csv", stored.FileType)
	assert.Equal(t, alice.UserID, stored.UserID)
	assert.Nil(t, stored.ResultURL)
	assert.Nil(t, stored.ErrorMessage)
}

func TestInitiateRejectsDisallowedType(t *testing.T) {
	svc, store, runner := newIngestionService(t)

	_, err := svc.Initiate(context.Background(), alice, job.IngestionRequest{Filename: "setup.exe", FileType: "exe"})
	var verr *job.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Message, "'exe'")
	assert.Contains(t, verr.Message, "csv, json, xml, pdf, xlsx, txt, log")
	assert.Empty(t, runner.ingestion)

	stats, err := store.IngestionStats(context.Background(), alice.OrganizationID)
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
}

func TestInitiateRequiresFields(t *testing.T) {
	svc, _, _ := newIngestionService(t)

	_, err := svc.Initiate(context.Background(), alice, job.IngestionRequest{FileType: "csv"})
	var verr *job.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "filename", verr.Field)

	_, err = svc.Initiate(context.Background(), alice, job.IngestionRequest{Filename: "a.csv"})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "file_type", verr.Field)
}

func TestIngestionIsScopedToOrganization(t *testing.T) {
	svc, _, _ := newIngestionService(t)
	ctx := context.Background()

	ticket, err := svc.Initiate(ctx, alice, job.IngestionRequest{Filename: "a.json", FileType: "json"})
	require.NoError(t, err)

	_, err = svc.Status(ctx, eve, ticket.JobID)
	var nf *job.NotFoundError
	assert.ErrorAs(t, err, &nf)

	err = svc.Delete(ctx, eve, ticket.JobID)
	assert.ErrorAs(t, err, &nf)

	got, err := svc.Status(ctx, bob, ticket.JobID)
	require.NoError(t, err)
	assert.Equal(t, ticket.JobID, got.JobID)

	mine, err := svc.ListMine(ctx, bob)
	require.NoError(t, err)
	assert.Empty(t, mine)

	org, err := svc.ListOrganization(ctx, bob, 0)
	require.NoError(t, err)
	assert.Len(t, org, 1)

	others, err := svc.ListOrganization(ctx, eve, 0)
	require.NoError(t, err)
	assert.Empty(t, others)
}

func TestIngestionListsNewestFirstWithLimit(t *testing.T) {
	svc, store, _ := newIngestionService(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	var ids []string
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		store.SetClock(func() time.Time { return at })
		ticket, err := svc.Initiate(ctx, alice, job.IngestionRequest{Filename: "f.txt", FileType: "txt"})
		require.NoError(t, err)
		ids = append(ids, ticket.JobID)
	}

	jobs, err := svc.ListOrganization(ctx, alice, 2)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, ids[2], jobs[0].JobID)
	assert.Equal(t, ids[1], jobs[1].JobID)
}

func TestIngestionDeleteAnyStatus(t *testing.T) {
	svc, store, _ := newIngestionService(t)
	ctx := context.Background()

	ticket, err := svc.Initiate(ctx, alice, job.IngestionRequest{Filename: "f.log", FileType: "log"})
	require.NoError(t, err)
	_, err = store.UpdateIngestionJob(ctx, ticket.JobID, job.IngestionUpdate{Status: job.Ptr(job.IngestionProcessing)})
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, alice, ticket.JobID))

	_, err = svc.Status(ctx, alice, ticket.JobID)
	var nf *job.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestTerminalPollingIsIdempotent(t *testing.T) {
	svc, store, _ := newIngestionService(t)
	ctx := context.Background()

	ticket, err := svc.Initiate(ctx, alice, job.IngestionRequest{Filename: "f.csv", FileType: "csv"})
	require.NoError(t, err)
	_, err = store.UpdateIngestionJob(ctx, ticket.JobID, job.IngestionUpdate{
		Status:       job.Ptr(job.IngestionFailed),
		ErrorMessage: job.Ptr("boom"),
	})
	require.NoError(t, err)

	first, err := svc.Status(ctx, alice, ticket.JobID)
	require.NoError(t, err)
	second, err := svc.Status(ctx, alice, ticket.JobID)
	require.NoError(t, err)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func newBackgroundService(t *testing.T) (*BackgroundService, *memstore.Store, *recorder) {
	t.Helper()
	store := memstore.New()
	runner := &recorder{}
	return NewBackgroundService(store, runner, quietLogger()), store, runner
}

func TestTriggerRecomputeAnalytics(t *testing.T) {
	svc, store, runner := newBackgroundService(t)

	ticket, err := svc.Trigger(context.Background(), alice, job.BackgroundRequest{JobType: job.TypeRecomputeAnalytics})
	require.NoError(t, err)
	assert.Regexp(t, `^bg_job_[0-9a-f]{32}$`, ticket.JobID)
	assert.Equal(t, job.BackgroundQueued, ticket.Status)
	assert.Equal(t, 15, ticket.EstimatedTimeSeconds)
	assert.Equal(t, []string{ticket.JobID}, runner.background)

	stored, err := store.FindBackgroundJob(context.Background(), ticket.JobID, alice.OrganizationID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, 0, stored.ProgressPercentage)
	assert.JSONEq(t, `{}`, string(stored.Options))
}

func TestTriggerValidation(t *testing.T) {
	svc, _, runner := newBackgroundService(t)
	ctx := context.Background()
	var verr *job.ValidationError

	_, err := svc.Trigger(ctx, alice, job.BackgroundRequest{JobType: "reindex_everything"})
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Message, "recompute_analytics")

	_, err = svc.Trigger(ctx, alice, job.BackgroundRequest{})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "job_type", verr.Field)

	_, err = svc.Trigger(ctx, alice, job.BackgroundRequest{JobType: job.TypeCleanupOldJobs, Options: json.RawMessage(`[1,2]`)})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "options", verr.Field)

	assert.Empty(t, runner.background)
}

func TestBackgroundElapsedTime(t *testing.T) {
	svc, store, _ := newBackgroundService(t)
	ctx := context.Background()
	started := time.Date(2024, 5, 5, 10, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return started })

	ticket, err := svc.Trigger(ctx, alice, job.BackgroundRequest{JobType: job.TypeArchiveOldProjects})
	require.NoError(t, err)

	svc.SetClock(func() time.Time { return started.Add(90 * time.Second) })
	view, err := svc.Status(ctx, alice, ticket.JobID)
	require.NoError(t, err)
	assert.Zero(t, view.ElapsedTimeSeconds)

	_, err = store.UpdateBackgroundJob(ctx, ticket.JobID, job.BackgroundUpdate{Status: job.Ptr(job.BackgroundRunning)})
	require.NoError(t, err)

	svc.SetClock(func() time.Time { return started.Add(12*time.Second + 900*time.Millisecond) })
	view, err = svc.Status(ctx, alice, ticket.JobID)
	require.NoError(t, err)
	assert.Equal(t, int64(12), view.ElapsedTimeSeconds)
}

func TestBackgroundDeleteRunningConflicts(t *testing.T) {
	svc, store, _ := newBackgroundService(t)
	ctx := context.Background()

	ticket, err := svc.Trigger(ctx, alice, job.BackgroundRequest{JobType: job.TypeRecomputeAnalytics})
	require.NoError(t, err)
	_, err = store.UpdateBackgroundJob(ctx, ticket.JobID, job.BackgroundUpdate{Status: job.Ptr(job.BackgroundRunning)})
	require.NoError(t, err)

	err = svc.Delete(ctx, alice, ticket.JobID)
	var conflict *job.ConflictError
	require.ErrorAs(t, err, &conflict)

	view, err := svc.Status(ctx, alice, ticket.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.BackgroundRunning, view.Job.Status)

	_, err = store.UpdateBackgroundJob(ctx, ticket.JobID, job.BackgroundUpdate{Status: job.Ptr(job.BackgroundCompleted)})
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, alice, ticket.JobID))

	var nf *job.NotFoundError
	_, err = svc.Status(ctx, alice, ticket.JobID)
	require.ErrorAs(t, err, &nf)

	err = svc.Delete(ctx, alice, "bg_job_missing")
	assert.ErrorAs(t, err, &nf)
}

// startsOnDelete moves the job to running right before the delete reaches the store,
// the way the engine does when it picks up a queued job.
type startsOnDelete struct {
	*memstore.Store
}

func (s startsOnDelete) DeleteBackgroundJob(ctx context.Context, jobID string, orgID int64) (bool, error) {
	if _, err := s.UpdateBackgroundJob(ctx, jobID, job.BackgroundUpdate{
		Status: job.Ptr(job.BackgroundRunning),
		From:   []job.BackgroundStatus{job.BackgroundQueued},
	}); err != nil {
		return false, err
	}
	return s.Store.DeleteBackgroundJob(ctx, jobID, orgID)
}

func TestBackgroundDeleteRacingStartConflicts(t *testing.T) {
	store := memstore.New()
	svc := NewBackgroundService(startsOnDelete{store}, &recorder{}, quietLogger())
	ctx := context.Background()

	ticket, err := svc.Trigger(ctx, alice, job.BackgroundRequest{JobType: job.TypeArchiveOldProjects})
	require.NoError(t, err)
	assert.Equal(t, job.BackgroundQueued, ticket.Status)

	err = svc.Delete(ctx, alice, ticket.JobID)
	var conflict *job.ConflictError
	require.ErrorAs(t, err, &conflict)

	got, err := store.FindBackgroundJob(ctx, ticket.JobID, alice.OrganizationID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, job.BackgroundRunning, got.Status)
}

func TestBackgroundListFilters(t *testing.T) {
	svc, store, _ := newBackgroundService(t)
	ctx := context.Background()

	first, err := svc.Trigger(ctx, alice, job.BackgroundRequest{JobType: job.TypeRecomputeAnalytics})
	require.NoError(t, err)
	_, err = svc.Trigger(ctx, alice, job.BackgroundRequest{JobType: job.TypeCleanupOldJobs})
	require.NoError(t, err)
	_, err = store.UpdateBackgroundJob(ctx, first.JobID, job.BackgroundUpdate{Status: job.Ptr(job.BackgroundFailed), ErrorMessage: job.Ptr("x")})
	require.NoError(t, err)

	all, err := svc.List(ctx, alice, 0, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	failed, err := svc.List(ctx, alice, 0, job.BackgroundFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, first.JobID, failed[0].JobID)

	_, err = svc.List(ctx, alice, 0, "paused")
	var verr *job.ValidationError
	assert.ErrorAs(t, err, &verr)

	stats, err := svc.Stats(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, job.BackgroundStats{Total: 2, Queued: 1, Failed: 1}, *stats)
}

func newCallbackFixture(t *testing.T) (*CallbackService, *IngestionService, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	ingest := NewIngestionService(store, &recorder{}, quietLogger(), "https://upload.test")
	return NewCallbackService(store, quietLogger()), ingest, store
}

func TestCallbackCompletesJob(t *testing.T) {
	cb, ingest, _ := newCallbackFixture(t)
	ctx := context.Background()
	ticket, err := ingest.Initiate(ctx, alice, job.IngestionRequest{Filename: "a.csv", FileType: "csv"})
	require.NoError(t, err)

	res, err := cb.Apply(ctx, "http", CallbackRequest{
		JobID:      ticket.JobID,
		Status:     job.IngestionCompleted,
		ResultURL:  job.Ptr("s3://bucket/a.json"),
		ResultData: json.RawMessage(`{"rows":3}`),
	})
	require.NoError(t, err)
	assert.True(t, res.Applied)

	got, err := ingest.Status(ctx, alice, ticket.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.IngestionCompleted, got.Status)
	assert.Equal(t, "s3://bucket/a.json", *got.ResultURL)
	assert.JSONEq(t, `{"rows":3}`, string(got.ResultData))
	assert.NotNil(t, got.CompletedAt)
}

func TestCallbackUnknownJob(t *testing.T) {
	cb, _, store := newCallbackFixture(t)

	_, err := cb.Apply(context.Background(), "http", CallbackRequest{JobID: "job_doesnotexist", Status: job.IngestionCompleted})
	var nf *job.NotFoundError
	require.ErrorAs(t, err, &nf)

	got, err := store.FindIngestionJobGlobal(context.Background(), "job_doesnotexist")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCallbackValidation(t *testing.T) {
	cb, ingest, _ := newCallbackFixture(t)
	ctx := context.Background()
	ticket, err := ingest.Initiate(ctx, alice, job.IngestionRequest{Filename: "a.csv", FileType: "csv"})
	require.NoError(t, err)

	cases := []struct {
		name  string
		req   CallbackRequest
		field string
	}{
		{"missing job id", CallbackRequest{Status: job.IngestionCompleted}, "job_id"},
		{"missing status", CallbackRequest{JobID: ticket.JobID}, "status"},
		{"unknown status", CallbackRequest{JobID: ticket.JobID, Status: "exploded"}, "status"},
		{"error on completed", CallbackRequest{JobID: ticket.JobID, Status: job.IngestionCompleted, ErrorMessage: job.Ptr("x")}, "status"},
		{"result on failed", CallbackRequest{JobID: ticket.JobID, Status: job.IngestionFailed, ResultURL: job.Ptr("s3://x")}, "status"},
		{"bad result json", CallbackRequest{JobID: ticket.JobID, Status: job.IngestionCompleted, ResultData: json.RawMessage(`{`)}, "result_data"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := cb.Apply(ctx, "http", tc.req)
			var verr *job.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}

	got, err := ingest.Status(ctx, alice, ticket.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.IngestionPending, got.Status)
}

func TestCallbackTerminalStatesAreFinal(t *testing.T) {
	cb, ingest, store := newCallbackFixture(t)
	ctx := context.Background()
	ticket, err := ingest.Initiate(ctx, alice, job.IngestionRequest{Filename: "a.csv", FileType: "csv"})
	require.NoError(t, err)

	_, err = cb.Apply(ctx, "amqp", CallbackRequest{JobID: ticket.JobID, Status: job.IngestionFailed, ErrorMessage: job.Ptr("parse error")})
	require.NoError(t, err)

	res, err := cb.Apply(ctx, "amqp", CallbackRequest{JobID: ticket.JobID, Status: job.IngestionFailed})
	require.NoError(t, err)
	assert.False(t, res.Applied)

	_, err = cb.Apply(ctx, "amqp", CallbackRequest{JobID: ticket.JobID, Status: job.IngestionCompleted})
	var conflict *job.ConflictError
	require.ErrorAs(t, err, &conflict)

	_, err = cb.Apply(ctx, "amqp", CallbackRequest{JobID: ticket.JobID, Status: job.IngestionProcessing})
	require.ErrorAs(t, err, &conflict)

	got, err := ingest.Status(ctx, alice, ticket.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.IngestionFailed, got.Status)
	assert.Equal(t, "parse error", *got.ErrorMessage)

	var seen []string
	for _, e := range store.Events(ticket.JobID) {
		seen = append(seen, e.Status)
	}
	assert.Equal(t, []string{"failed"}, seen)
}

func TestCallbackIgnoresOrganization(t *testing.T) {
	cb, ingest, _ := newCallbackFixture(t)
	ctx := context.Background()
	ticket, err := ingest.Initiate(ctx, eve, job.IngestionRequest{Filename: "a.xml", FileType: "xml"})
	require.NoError(t, err)

	res, err := cb.Apply(ctx, "http", CallbackRequest{JobID: ticket.JobID, Status: job.IngestionProcessing})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, job.IngestionProcessing, res.Job.Status)
	assert.NotNil(t, res.Job.StartedProcessingAt)
}

func TestCallbackHandleMessage(t *testing.T) {
	cb, ingest, _ := newCallbackFixture(t)
	ctx := context.Background()
	ticket, err := ingest.Initiate(ctx, alice, job.IngestionRequest{Filename: "a.pdf", FileType: "pdf"})
	require.NoError(t, err)

	var verr *job.ValidationError
	require.ErrorAs(t, cb.HandleMessage(ctx, []byte(`not json`)), &verr)

	body := `{"job_id":"` + ticket.JobID + `","status":"failed","error_message":"checksum mismatch"}`
	require.NoError(t, cb.HandleMessage(ctx, []byte(body)))

	got, err := ingest.Status(ctx, alice, ticket.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.IngestionFailed, got.Status)
	assert.Equal(t, "checksum mismatch", *got.ErrorMessage)
}

func TestCallbackTerminalOutcomeNeverEmpty(t *testing.T) {
	cb, ingest, _ := newCallbackFixture(t)
	ctx := context.Background()

	failed, err := ingest.Initiate(ctx, alice, job.IngestionRequest{Filename: "a.csv", FileType: "csv"})
	require.NoError(t, err)
	res, err := cb.Apply(ctx, "http", CallbackRequest{JobID: failed.JobID, Status: job.IngestionFailed})
	require.NoError(t, err)
	require.NotNil(t, res.Job.ErrorMessage)
	assert.Equal(t, "Unknown error occurred", *res.Job.ErrorMessage)
	assert.Nil(t, res.Job.ResultData)

	done, err := ingest.Initiate(ctx, alice, job.IngestionRequest{Filename: "b.csv", FileType: "csv"})
	require.NoError(t, err)
	res, err = cb.Apply(ctx, "http", CallbackRequest{JobID: done.JobID, Status: job.IngestionCompleted, ResultData: json.RawMessage(`null`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(res.Job.ResultData))
	assert.Nil(t, res.Job.ErrorMessage)
}
