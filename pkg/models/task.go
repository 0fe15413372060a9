package models

import (
	"encoding/json"
	"time"
)

type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Terminal reports whether no further transition can happen from s.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

type HitlStatus string

const (
	HitlStatusNone      HitlStatus = "none"
	HitlStatusPending   HitlStatus = "pending"
	HitlStatusResponded HitlStatus = "responded"
)

// TaskMetadata holds the submission parameters that are not first-class columns.
type TaskMetadata struct {
	ReferenceAssets []string `json:"referenceAssets,omitempty"`
	ProviderHint    string   `json:"providerHint,omitempty"`
	SourceTaskID    *int64   `json:"sourceTaskId,omitempty"`
}

type Task struct {
	ID           int64           `json:"id"`
	ThemeID      int64           `json:"theme_id"`
	Prompt       string          `json:"prompt"`
	Status       TaskStatus      `json:"status"`
	Progress     int             `json:"progress"`
	CurrentAgent *string         `json:"current_agent"`
	HitlEnabled  bool            `json:"hitl_enabled"`
	ResumeHandle *string         `json:"resume_handle"`
	HitlStatus   HitlStatus      `json:"hitl_status"`
	HitlSnapshot *HitlSnapshot   `json:"hitl_snapshot"`
	HitlResponse *HitlResponse   `json:"hitl_response,omitempty"`
	CreativeID   *int64          `json:"creative_id"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage *string         `json:"error_message"`
	Metadata     TaskMetadata    `json:"metadata"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	StartedAt    *time.Time      `json:"started_at"`
	FinishedAt   *time.Time      `json:"finished_at"`
}

// TaskFilter narrows ListTasks. Zero values mean "no filter".
type TaskFilter struct {
	Status  *TaskStatus
	ThemeID *int64
	// TimeRange is "7d", "30d" or "all"; see TimeRangeDays.
	TimeRange string
	Limit     int
	Offset    int
}

// TimeRangeDays returns how many days back a time_range value reaches.
// "7d"/"7" and "30d"/"30" are recognised; anything else, including "all",
// returns 0 for no bound.
func TimeRangeDays(raw string) int {
	switch raw {
	case "7d", "7":
		return 7
	case "30d", "30":
		return 30
	}
	return 0
}

// CreatedSince is the lower created_at bound for the filter's time range
// relative to now, or nil when the range is unbounded.
func (f TaskFilter) CreatedSince(now time.Time) *time.Time {
	days := TimeRangeDays(f.TimeRange)
	if days == 0 {
		return nil
	}
	since := now.AddDate(0, 0, -days)
	return &since
}

// SubmitPayload is what callers send to create a task.
type SubmitPayload struct {
	Message         string   `json:"message"`
	ThemeID         int64    `json:"themeId"`
	HitlEnabled     bool     `json:"hitlEnabled,omitempty"`
	ReferenceAssets []string `json:"referenceAssets,omitempty"`
	ProviderHint    string   `json:"providerHint,omitempty"`
	SourceTaskID    *int64   `json:"sourceTaskId,omitempty"`
}

type SubmitResult struct {
	TaskID       int64      `json:"taskId"`
	ResumeHandle *string    `json:"threadId,omitempty"`
	Status       TaskStatus `json:"status"`
}

// TaskStatusView is the point-in-time snapshot returned to observers.
type TaskStatusView struct {
	ID           int64         `json:"id"`
	Status       TaskStatus    `json:"status"`
	Progress     int           `json:"progress"`
	CurrentAgent *string       `json:"currentAgent"`
	HitlStatus   HitlStatus    `json:"hitlStatus"`
	HitlSnapshot *HitlSnapshot `json:"hitlData"`
	CreativeID   *int64        `json:"creativeId"`
	ErrorMessage *string       `json:"errorMessage"`
	EventCount   int           `json:"eventCount"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
	ResumeHandle *string       `json:"threadId"`
}

// NewStatusView builds the observer view of t.
func NewStatusView(t *Task, eventCount int) *TaskStatusView {
	return &TaskStatusView{
		ID:           t.ID,
		Status:       t.Status,
		Progress:     t.Progress,
		CurrentAgent: t.CurrentAgent,
		HitlStatus:   t.HitlStatus,
		HitlSnapshot: t.HitlSnapshot,
		CreativeID:   t.CreativeID,
		ErrorMessage: t.ErrorMessage,
		EventCount:   eventCount,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
		ResumeHandle: t.ResumeHandle,
	}
}
