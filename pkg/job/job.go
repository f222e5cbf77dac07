package job

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindIngestion  Kind = "ingestion"
	KindBackground Kind = "background"
)

// Actor is the authenticated caller a job is attributed to.
type Actor struct {
	UserID         int64  `json:"id"`
	Email          string `json:"email"`
	OrganizationID int64  `json:"organization_id"`
}

type IngestionStatus string

const (
	IngestionPending    IngestionStatus = "pending"
	IngestionProcessing IngestionStatus = "processing"
	IngestionCompleted  IngestionStatus = "completed"
	IngestionFailed     IngestionStatus = "failed"
)

var IngestionStatuses = []IngestionStatus{IngestionPending, IngestionProcessing, IngestionCompleted, IngestionFailed}

func (s IngestionStatus) Valid() bool {
	for _, v := range IngestionStatuses {
		if s == v {
			return true
		}
	}
	return false
}

func (s IngestionStatus) IsTerminal() bool {
	return s == IngestionCompleted || s == IngestionFailed
}

// CanTransition reports whether a job in status s may move to status to.
// Terminal states are final and pending is never re-entered.
func (s IngestionStatus) CanTransition(to IngestionStatus) bool {
	switch s {
	case IngestionPending:
		return to == IngestionProcessing || to == IngestionCompleted || to == IngestionFailed
	case IngestionProcessing:
		return to == IngestionCompleted || to == IngestionFailed
	default:
		return false
	}
}

// IngestionSourcesOf returns every status from which to is reachable.
func IngestionSourcesOf(to IngestionStatus) []IngestionStatus {
	var out []IngestionStatus
	for _, s := range IngestionStatuses {
		if s.CanTransition(to) {
			out = append(out, s)
		}
	}
	return out
}

type BackgroundStatus string

const (
	BackgroundQueued    BackgroundStatus = "queued"
	BackgroundRunning   BackgroundStatus = "running"
	BackgroundCompleted BackgroundStatus = "completed"
	BackgroundFailed    BackgroundStatus = "failed"
)

var BackgroundStatuses = []BackgroundStatus{BackgroundQueued, BackgroundRunning, BackgroundCompleted, BackgroundFailed}

func (s BackgroundStatus) Valid() bool {
	for _, v := range BackgroundStatuses {
		if s == v {
			return true
		}
	}
	return false
}

func (s BackgroundStatus) IsTerminal() bool {
	return s == BackgroundCompleted || s == BackgroundFailed
}

func (s BackgroundStatus) CanTransition(to BackgroundStatus) bool {
	switch s {
	case BackgroundQueued:
		return to == BackgroundRunning || to == BackgroundFailed
	case BackgroundRunning:
		return to == BackgroundCompleted || to == BackgroundFailed
	default:
		return false
	}
}

type BackgroundType string

const (
	TypeRecomputeAnalytics BackgroundType = "recompute_analytics"
	TypeArchiveOldProjects BackgroundType = "archive_old_projects"
	TypeCleanupOldJobs     BackgroundType = "cleanup_old_jobs"
)

var BackgroundTypes = []BackgroundType{TypeRecomputeAnalytics, TypeArchiveOldProjects, TypeCleanupOldJobs}

func (t BackgroundType) Valid() bool {
	for _, v := range BackgroundTypes {
		if t == v {
			return true
		}
	}
	return false
}

// EstimatedDuration is the duration hint, in seconds, reported when a job is created.
func EstimatedDuration(t BackgroundType) int {
	switch t {
	case TypeRecomputeAnalytics:
		return 15
	case TypeArchiveOldProjects:
		return 30
	case TypeCleanupOldJobs:
		return 10
	default:
		return 20
	}
}

var AllowedFileTypes = []string{"csv", "json", "xml", "pdf", "xlsx", "txt", "log"}

// NormalizeFileType lowercases fileType and reports whether it is on the allow-list.
func NormalizeFileType(fileType string) (string, bool) {
	ft := strings.ToLower(strings.TrimSpace(fileType))
	for _, allowed := range AllowedFileTypes {
		if ft == allowed {
			return ft, true
		}
	}
	return ft, false
}

func NewIngestionID() string {
	return "job_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func NewBackgroundID() string {
	return "bg_job_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

type IngestionJob struct {
	ID                  int64           `json:"-"`
	JobID               string          `json:"job_id"`
	UserID              int64           `json:"user_id"`
	OrganizationID      int64           `json:"organization_id"`
	Filename            string          `json:"filename"`
	FileType            string          `json:"file_type"`
	FileSize            *int64          `json:"file_size"`
	Status              IngestionStatus `json:"status"`
	UploadURL           *string         `json:"upload_url"`
	ResultURL           *string         `json:"result_url"`
	ResultData          json.RawMessage `json:"result_data"`
	ErrorMessage        *string         `json:"error_message"`
	CreatedAt           time.Time       `json:"created_at"`
	StartedProcessingAt *time.Time      `json:"started_processing_at"`
	CompletedAt         *time.Time      `json:"completed_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

type IngestionRequest struct {
	Filename string `json:"filename"`
	FileType string `json:"file_type"`
	FileSize *int64 `json:"file_size,omitempty"`
}

// NewIngestion is what the store persists for a freshly initiated ingestion job.
type NewIngestion struct {
	JobID     string
	UploadURL string
	Request   IngestionRequest
	Actor     Actor
}

// IngestionUpdate is a partial update. Nil fields are left untouched.
// When From is non-empty the update only applies while the row is in one of those statuses.
type IngestionUpdate struct {
	Status       *IngestionStatus
	ResultURL    *string
	ResultData   json.RawMessage
	ErrorMessage *string
	From         []IngestionStatus
}

func (u IngestionUpdate) IsEmpty() bool {
	return u.Status == nil && u.ResultURL == nil && u.ResultData == nil && u.ErrorMessage == nil
}

type BackgroundJob struct {
	ID                   int64            `json:"-"`
	JobID                string           `json:"job_id"`
	JobType              BackgroundType   `json:"job_type"`
	UserID               int64            `json:"user_id"`
	OrganizationID       int64            `json:"organization_id"`
	Status               BackgroundStatus `json:"status"`
	ProgressPercentage   int              `json:"progress_percentage"`
	CurrentStep          *string          `json:"current_step"`
	ResultData           json.RawMessage  `json:"result_data"`
	ErrorMessage         *string          `json:"error_message"`
	EstimatedTimeSeconds int              `json:"estimated_time_seconds"`
	Options              json.RawMessage  `json:"options,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
	StartedAt            *time.Time       `json:"started_at"`
	CompletedAt          *time.Time       `json:"completed_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

type BackgroundRequest struct {
	JobType BackgroundType  `json:"job_type"`
	Options json.RawMessage `json:"options,omitempty"`
}

type NewBackground struct {
	JobID   string
	Request BackgroundRequest
	Actor   Actor
}

type BackgroundUpdate struct {
	Status       *BackgroundStatus
	Progress     *int
	CurrentStep  *string
	ResultData   json.RawMessage
	ErrorMessage *string
	From         []BackgroundStatus
}

func (u BackgroundUpdate) IsEmpty() bool {
	return u.Status == nil && u.Progress == nil && u.CurrentStep == nil && u.ResultData == nil && u.ErrorMessage == nil
}

type IngestionStats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

type BackgroundStats struct {
	Total     int `json:"total"`
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Ptr returns a pointer to v. Handy for building partial updates.
func Ptr[T any](v T) *T {
	return &v
}
