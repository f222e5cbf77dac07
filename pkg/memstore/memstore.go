// Package memstore is an in-process implementation of the job record store.
// It honours the same contract as the Postgres client and records every status
// transition, which makes it useful for local runs and tests.
package memstore

import (
	"context"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"project-tracker/pkg/job"
)

type Store struct {
	mu         sync.RWMutex
	seq        int64
	ingestion  map[string]*job.IngestionJob
	background map[string]*job.BackgroundJob
	projects   []job.Project
	events     []job.Event
	now        func() time.Time
}

func New() *Store {
	return &Store{
		ingestion:  make(map[string]*job.IngestionJob),
		background: make(map[string]*job.BackgroundJob),
		now:        time.Now,
	}
}

// SetClock replaces the time source used for timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) nextID() int64 {
	s.seq++
	return s.seq
}

func (s *Store) record(kind job.Kind, jobID string, orgID int64, status string, progress *int) {
	s.events = append(s.events, job.Event{
		ID:             strconv.FormatInt(s.nextID(), 10),
		Kind:           kind,
		JobID:          jobID,
		OrganizationID: orgID,
		Status:         status,
		Progress:       progress,
		CreatedAt:      s.now(),
	})
}

// Events returns the recorded transitions for jobID in order.
func (s *Store) Events(jobID string) []job.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []job.Event
	for _, e := range s.events {
		if e.JobID == jobID {
			out = append(out, e)
		}
	}
	return out
}

// FetchJobEvents and DeleteJobEvent give the store the same outbox surface as Postgres.
func (s *Store) FetchJobEvents(_ context.Context, limit int) ([]job.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.events)
	if limit > 0 && limit < n {
		n = limit
	}
	return slices.Clone(s.events[:n]), nil
}

func (s *Store) DeleteJobEvent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = slices.DeleteFunc(s.events, func(e job.Event) bool { return e.ID == id })
	return nil
}

func (s *Store) Ping(context.Context) error { return nil }

func copyIngestion(j *job.IngestionJob) *job.IngestionJob {
	c := *j
	c.ResultData = slices.Clone(j.ResultData)
	return &c
}

func copyBackground(j *job.BackgroundJob) *job.BackgroundJob {
	c := *j
	c.ResultData = slices.Clone(j.ResultData)
	c.Options = slices.Clone(j.Options)
	return &c
}

func (s *Store) CreateIngestionJob(_ context.Context, n job.NewIngestion) (*job.IngestionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	uploadURL := n.UploadURL
	j := &job.IngestionJob{
		ID:             s.nextID(),
		JobID:          n.JobID,
		UserID:         n.Actor.UserID,
		OrganizationID: n.Actor.OrganizationID,
		Filename:       n.Request.Filename,
		FileType:       n.Request.FileType,
		FileSize:       n.Request.FileSize,
		Status:         job.IngestionPending,
		UploadURL:      &uploadURL,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.ingestion[j.JobID] = j
	return copyIngestion(j), nil
}

func (s *Store) FindIngestionJob(_ context.Context, jobID string, orgID int64) (*job.IngestionJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.ingestion[jobID]
	if !ok || j.OrganizationID != orgID {
		return nil, nil
	}
	return copyIngestion(j), nil
}

func (s *Store) FindIngestionJobGlobal(_ context.Context, jobID string) (*job.IngestionJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.ingestion[jobID]
	if !ok {
		return nil, nil
	}
	return copyIngestion(j), nil
}

func (s *Store) ListIngestionJobsByUser(_ context.Context, userID, orgID int64) ([]job.IngestionJob, error) {
	return s.listIngestion(func(j *job.IngestionJob) bool {
		return j.UserID == userID && j.OrganizationID == orgID
	}, 0), nil
}

func (s *Store) ListIngestionJobsByOrg(_ context.Context, orgID int64, limit int) ([]job.IngestionJob, error) {
	return s.listIngestion(func(j *job.IngestionJob) bool { return j.OrganizationID == orgID }, limit), nil
}

func (s *Store) listIngestion(match func(*job.IngestionJob) bool, limit int) []job.IngestionJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []job.IngestionJob{}
	for _, j := range s.ingestion {
		if match(j) {
			out = append(out, *copyIngestion(j))
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.After(out[b].CreatedAt)
		}
		return out[a].ID > out[b].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *Store) UpdateIngestionJob(_ context.Context, jobID string, u job.IngestionUpdate) (*job.IngestionJob, error) {
	if u.IsEmpty() {
		return nil, job.ErrNoFields
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.ingestion[jobID]
	if !ok || (len(u.From) > 0 && !slices.Contains(u.From, j.Status)) {
		return nil, nil
	}

	now := s.now()
	if u.Status != nil {
		j.Status = *u.Status
		if j.Status == job.IngestionProcessing && j.StartedProcessingAt == nil {
			j.StartedProcessingAt = &now
		}
		if j.Status.IsTerminal() {
			j.CompletedAt = &now
		}
	}
	if u.ResultURL != nil {
		j.ResultURL = job.Ptr(*u.ResultURL)
	}
	if u.ResultData != nil {
		j.ResultData = slices.Clone(u.ResultData)
	}
	if u.ErrorMessage != nil {
		j.ErrorMessage = job.Ptr(*u.ErrorMessage)
	}
	j.UpdatedAt = now

	if u.Status != nil {
		s.record(job.KindIngestion, j.JobID, j.OrganizationID, string(j.Status), nil)
	}
	return copyIngestion(j), nil
}

func (s *Store) DeleteIngestionJob(_ context.Context, jobID string, orgID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.ingestion[jobID]
	if !ok || j.OrganizationID != orgID {
		return false, nil
	}
	delete(s.ingestion, jobID)
	return true, nil
}

func (s *Store) IngestionStats(_ context.Context, orgID int64) (*job.IngestionStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := &job.IngestionStats{}
	for _, j := range s.ingestion {
		if j.OrganizationID != orgID {
			continue
		}
		stats.Total++
		switch j.Status {
		case job.IngestionPending:
			stats.Pending++
		case job.IngestionProcessing:
			stats.Processing++
		case job.IngestionCompleted:
			stats.Completed++
		case job.IngestionFailed:
			stats.Failed++
		}
	}
	return stats, nil
}
