package job

import "time"

type ProjectStatus string

const (
	ProjectActive    ProjectStatus = "active"
	ProjectCompleted ProjectStatus = "completed"
)

// Project is the subset of a project row the analytics aggregations read.
type Project struct {
	ID             int64         `json:"id"`
	Title          string        `json:"title"`
	Status         ProjectStatus `json:"status"`
	UserID         int64         `json:"user_id"`
	OrganizationID int64         `json:"organization_id"`
	CreatedAt      time.Time     `json:"created_at"`
	CompletedAt    *time.Time    `json:"completed_at"`
}

type ProjectStats struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
}

type AnalyticsOverview struct {
	TotalProjects     int      `json:"total_projects"`
	ActiveProjects    int      `json:"active_projects"`
	CompletedProjects int      `json:"completed_projects"`
	TotalContributors int      `json:"total_contributors"`
	AvgCompletionDays *float64 `json:"avg_completion_days"`
	CompletionRate    float64  `json:"completion_rate"`
}

type Contributor struct {
	UserID         int64 `json:"user_id"`
	ProjectCount   int   `json:"project_count"`
	CompletedCount int   `json:"completed_count"`
}

type DailyActivity struct {
	Date            time.Time `json:"date"`
	ProjectsCreated int       `json:"projects_created"`
}

type DetailedAnalytics struct {
	Overview        AnalyticsOverview `json:"overview"`
	TopContributors []Contributor     `json:"top_contributors"`
	RecentActivity  []DailyActivity   `json:"recent_activity"`
}

// CompletionRate is completed/total as a percentage rounded to one decimal.
func CompletionRate(completed, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(int(float64(completed)/float64(total)*1000+0.5)) / 10
}

type ArchiveReport struct {
	Eligible          int        `json:"eligible"`
	OlderThanDays     int        `json:"older_than_days"`
	OldestCompletedAt *time.Time `json:"oldest_completed_at"`
}

type StaleJobCounts struct {
	Ingestion     int `json:"ingestion"`
	Background    int `json:"background"`
	OlderThanDays int `json:"older_than_days"`
}
