package memstore

import (
	"context"
	"slices"
	"sort"

	"project-tracker/pkg/job"
)

func (s *Store) CreateBackgroundJob(_ context.Context, n job.NewBackground) (*job.BackgroundJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	j := &job.BackgroundJob{
		ID:                   s.nextID(),
		JobID:                n.JobID,
		JobType:              n.Request.JobType,
		UserID:               n.Actor.UserID,
		OrganizationID:       n.Actor.OrganizationID,
		Status:               job.BackgroundQueued,
		EstimatedTimeSeconds: job.EstimatedDuration(n.Request.JobType),
		Options:              slices.Clone(n.Request.Options),
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	s.background[j.JobID] = j
	return copyBackground(j), nil
}

func (s *Store) FindBackgroundJob(_ context.Context, jobID string, orgID int64) (*job.BackgroundJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.background[jobID]
	if !ok || j.OrganizationID != orgID {
		return nil, nil
	}
	return copyBackground(j), nil
}

func (s *Store) ListBackgroundJobsByOrg(_ context.Context, orgID int64, limit int) ([]job.BackgroundJob, error) {
	return s.listBackground(func(j *job.BackgroundJob) bool { return j.OrganizationID == orgID }, limit), nil
}

func (s *Store) ListBackgroundJobsByStatus(_ context.Context, orgID int64, status job.BackgroundStatus) ([]job.BackgroundJob, error) {
	return s.listBackground(func(j *job.BackgroundJob) bool {
		return j.OrganizationID == orgID && j.Status == status
	}, 0), nil
}

func (s *Store) listBackground(match func(*job.BackgroundJob) bool, limit int) []job.BackgroundJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []job.BackgroundJob{}
	for _, j := range s.background {
		if match(j) {
			out = append(out, *copyBackground(j))
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

func (s *Store) UpdateBackgroundJob(_ context.Context, jobID string, u job.BackgroundUpdate) (*job.BackgroundJob, error) {
	if u.IsEmpty() {
		return nil, job.ErrNoFields
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.background[jobID]
	if !ok || (len(u.From) > 0 && !slices.Contains(u.From, j.Status)) {
		return nil, nil
	}

	now := s.now()
	if u.Status != nil {
		j.Status = *u.Status
		if j.Status == job.BackgroundRunning && j.StartedAt == nil {
			j.StartedAt = &now
		}
		if j.Status.IsTerminal() {
			j.CompletedAt = &now
		}
	}
	if u.Progress != nil {
		j.ProgressPercentage = *u.Progress
	}
	if u.CurrentStep != nil {
		j.CurrentStep = job.Ptr(*u.CurrentStep)
	}
	if u.ResultData != nil {
		j.ResultData = slices.Clone(u.ResultData)
	}
	if u.ErrorMessage != nil {
		j.ErrorMessage = job.Ptr(*u.ErrorMessage)
	}
	j.UpdatedAt = now

	if u.Status != nil || u.Progress != nil {
		progress := j.ProgressPercentage
		s.record(job.KindBackground, j.JobID, j.OrganizationID, string(j.Status), &progress)
	}
	return copyBackground(j), nil
}

func (s *Store) DeleteBackgroundJob(_ context.Context, jobID string, orgID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.background[jobID]
	if !ok || j.OrganizationID != orgID || j.Status == job.BackgroundRunning {
		return false, nil
	}
	delete(s.background, jobID)
	return true, nil
}

func (s *Store) BackgroundStats(_ context.Context, orgID int64) (*job.BackgroundStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := &job.BackgroundStats{}
	for _, j := range s.background {
		if j.OrganizationID != orgID {
			continue
		}
		stats.Total++
		switch j.Status {
		case job.BackgroundQueued:
			stats.Queued++
		case job.BackgroundRunning:
			stats.Running++
		case job.BackgroundCompleted:
			stats.Completed++
		case job.BackgroundFailed:
			stats.Failed++
		}
	}
	return stats, nil
}
