package outbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"project-tracker/pkg/job"
	"project-tracker/pkg/memstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	keys   []string
	failOn string
}

func (p *fakePublisher) PublishJobEvent(_ context.Context, e job.Event) error {
	if e.RoutingKey() == p.failOn {
		return errors.New("channel closed")
	}
	p.keys = append(p.keys, e.RoutingKey())
	return nil
}

func seed(t *testing.T, store *memstore.Store) string {
	t.Helper()
	ctx := context.Background()
	j, err := store.CreateIngestionJob(ctx, job.NewIngestion{
		JobID:     job.NewIngestionID(),
		UploadURL: "https://upload.test/x",
		Request:   job.IngestionRequest{Filename: "a.csv", FileType: "csv"},
		Actor:     job.Actor{UserID: 1, OrganizationID: 1},
	})
	require.NoError(t, err)
	for _, s := range []job.IngestionStatus{job.IngestionProcessing, job.IngestionCompleted} {
		_, err := store.UpdateIngestionJob(ctx, j.JobID, job.IngestionUpdate{Status: job.Ptr(s)})
		require.NoError(t, err)
	}
	return j.JobID
}

func TestRelayPublishesInOrderAndDrains(t *testing.T) {
	store := memstore.New()
	seed(t, store)
	pub := &fakePublisher{}
	relay := NewRelay(store, pub, slog.New(slog.NewTextHandler(io.Discard, nil)), 10)

	assert.Equal(t, 2, relay.RunOnce(context.Background()))
	assert.Equal(t, []string{"ingestion.processing", "ingestion.completed"}, pub.keys)

	left, err := store.FetchJobEvents(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, left)
	assert.Zero(t, relay.RunOnce(context.Background()))
}

func TestRelayStopsAtFirstFailure(t *testing.T) {
	store := memstore.New()
	seed(t, store)
	pub := &fakePublisher{failOn: "ingestion.processing"}
	relay := NewRelay(store, pub, slog.New(slog.NewTextHandler(io.Discard, nil)), 10)

	assert.Zero(t, relay.RunOnce(context.Background()))
	assert.Empty(t, pub.keys)

	left, err := store.FetchJobEvents(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, left, 2)
}
