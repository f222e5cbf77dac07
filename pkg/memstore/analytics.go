package memstore

import (
	"context"
	"sort"
	"time"

	"project-tracker/pkg/job"
)

func (s *Store) CreateProject(_ context.Context, p job.Project) (*job.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.ID = s.nextID()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	s.projects = append(s.projects, p)
	return &p, nil
}

func (s *Store) orgProjects(orgID int64) []job.Project {
	var out []job.Project
	for _, p := range s.projects {
		if p.OrganizationID == orgID {
			out = append(out, p)
		}
	}
	return out
}

func (s *Store) ProjectStats(_ context.Context, orgID int64) (*job.ProjectStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := &job.ProjectStats{}
	for _, p := range s.orgProjects(orgID) {
		stats.Total++
		switch p.Status {
		case job.ProjectActive:
			stats.Active++
		case job.ProjectCompleted:
			stats.Completed++
		}
	}
	return stats, nil
}

func completionDays(projects []job.Project, completedOnly bool) *float64 {
	var sum float64
	var n int
	for _, p := range projects {
		if p.CompletedAt == nil || (completedOnly && p.Status != job.ProjectCompleted) {
			continue
		}
		sum += p.CompletedAt.Sub(p.CreatedAt).Hours() / 24
		n++
	}
	if n == 0 {
		return nil
	}
	avg := sum / float64(n)
	return &avg
}

func (s *Store) AverageCompletionDays(_ context.Context, orgID int64) (*float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return completionDays(s.orgProjects(orgID), true), nil
}

func (s *Store) DetailedAnalytics(_ context.Context, orgID int64) (*job.DetailedAnalytics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	projects := s.orgProjects(orgID)
	out := &job.DetailedAnalytics{
		TopContributors: []job.Contributor{},
		RecentActivity:  []job.DailyActivity{},
	}

	byUser := map[int64]*job.Contributor{}
	byDay := map[time.Time]int{}
	cutoff := s.now().AddDate(0, 0, -30)
	for _, p := range projects {
		out.Overview.TotalProjects++
		ct, ok := byUser[p.UserID]
		if !ok {
			ct = &job.Contributor{UserID: p.UserID}
			byUser[p.UserID] = ct
		}
		ct.ProjectCount++
		switch p.Status {
		case job.ProjectActive:
			out.Overview.ActiveProjects++
		case job.ProjectCompleted:
			out.Overview.CompletedProjects++
			ct.CompletedCount++
		}
		if !p.CreatedAt.Before(cutoff) {
			y, m, d := p.CreatedAt.UTC().Date()
			byDay[time.Date(y, m, d, 0, 0, 0, 0, time.UTC)]++
		}
	}
	out.Overview.TotalContributors = len(byUser)
	if avg := completionDays(projects, false); avg != nil {
		rounded := float64(int64(*avg*10+0.5)) / 10
		out.Overview.AvgCompletionDays = &rounded
	}
	out.Overview.CompletionRate = job.CompletionRate(out.Overview.CompletedProjects, out.Overview.TotalProjects)

	for _, ct := range byUser {
		out.TopContributors = append(out.TopContributors, *ct)
	}
	sort.Slice(out.TopContributors, func(a, b int) bool {
		x, y := out.TopContributors[a], out.TopContributors[b]
		if x.ProjectCount != y.ProjectCount {
			return x.ProjectCount > y.ProjectCount
		}
		return x.UserID < y.UserID
	})
	if len(out.TopContributors) > 10 {
		out.TopContributors = out.TopContributors[:10]
	}

	for day, n := range byDay {
		out.RecentActivity = append(out.RecentActivity, job.DailyActivity{Date: day, ProjectsCreated: n})
	}
	sort.Slice(out.RecentActivity, func(a, b int) bool {
		return out.RecentActivity[a].Date.After(out.RecentActivity[b].Date)
	})
	return out, nil
}

func (s *Store) ArchivableProjects(_ context.Context, orgID int64, olderThan time.Duration) (*job.ArchiveReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	report := &job.ArchiveReport{OlderThanDays: int(olderThan.Hours() / 24)}
	cutoff := s.now().Add(-olderThan)
	for _, p := range s.orgProjects(orgID) {
		if p.Status != job.ProjectCompleted || p.CompletedAt == nil || !p.CompletedAt.Before(cutoff) {
			continue
		}
		report.Eligible++
		if report.OldestCompletedAt == nil || p.CompletedAt.Before(*report.OldestCompletedAt) {
			report.OldestCompletedAt = job.Ptr(*p.CompletedAt)
		}
	}
	return report, nil
}

func (s *Store) StaleJobCounts(_ context.Context, orgID int64, olderThan time.Duration) (*job.StaleJobCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := &job.StaleJobCounts{OlderThanDays: int(olderThan.Hours() / 24)}
	cutoff := s.now().Add(-olderThan)
	for _, j := range s.ingestion {
		if j.OrganizationID == orgID && j.Status.IsTerminal() && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			out.Ingestion++
		}
	}
	for _, j := range s.background {
		if j.OrganizationID == orgID && j.Status.IsTerminal() && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			out.Background++
		}
	}
	return out, nil
}
