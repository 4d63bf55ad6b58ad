package domain

import (
	"encoding/json"
	"time"
)

// TaskKind enumerates supported generation task categories.
type TaskKind string

const (
	TaskKindCopy  TaskKind = "copy"
	TaskKindImage TaskKind = "image"
	TaskKindVideo TaskKind = "video"
)

// Valid reports whether k is a known task kind.
func (k TaskKind) Valid() bool {
	switch k {
	case TaskKindCopy, TaskKindImage, TaskKindVideo:
		return true
	}
	return false
}

// TaskStatus enumerates task lifecycle states.
type TaskStatus string

const (
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Terminal reports whether no further transition can leave s.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
// processing -> processing carries progress and retry patches.
func CanTransition(from, to TaskStatus) bool {
	switch from {
	case TaskStatusQueued:
		return to == TaskStatusProcessing || to == TaskStatusFailed
	case TaskStatusProcessing:
		return to == TaskStatusProcessing || to == TaskStatusCompleted || to == TaskStatusFailed
	default:
		return false
	}
}

// Task is one unit of generative work owned by a workspace.
type Task struct {
	ID              string
	WorkspaceID     string
	Kind            TaskKind
	Status          TaskStatus
	Progress        int
	RetryCount      int
	ErrorMessage    *string
	ResultRefs      []string
	Params          json.RawMessage
	Cost            int64
	ReservationID   string
	ParentTaskID    *string
	CancelRequested bool
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	UpdatedAt       time.Time
}

// TaskPatch carries the optional field updates applied together with a status
// transition. Nil fields are left untouched; Progress never decreases.
type TaskPatch struct {
	Progress     *int
	RetryCount   *int
	ErrorMessage *string
	ResultRefs   []string
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// Apply mutates t according to the patch.
func (p TaskPatch) Apply(t *Task) {
	if p.Progress != nil && *p.Progress > t.Progress {
		t.Progress = clampProgress(*p.Progress)
	}
	if p.RetryCount != nil {
		t.RetryCount = *p.RetryCount
	}
	if p.ErrorMessage != nil {
		msg := *p.ErrorMessage
		t.ErrorMessage = &msg
	}
	if p.ResultRefs != nil {
		t.ResultRefs = append([]string(nil), p.ResultRefs...)
	}
	if p.StartedAt != nil {
		ts := *p.StartedAt
		t.StartedAt = &ts
	}
	if p.CompletedAt != nil {
		ts := *p.CompletedAt
		t.CompletedAt = &ts
	}
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// ProgressEvent is an ephemeral progress notification for a single task.
type ProgressEvent struct {
	TaskID     string     `json:"taskId"`
	Status     TaskStatus `json:"status"`
	Progress   int        `json:"progress"`
	Message    string     `json:"message,omitempty"`
	RetryCount int        `json:"retryCount,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// Terminal reports whether the event closes the task's stream.
func (e ProgressEvent) Terminal() bool {
	return e.Status.Terminal()
}

// SnapshotEvent renders the current state of t as a progress event.
func SnapshotEvent(t *Task, now time.Time) ProgressEvent {
	ev := ProgressEvent{
		TaskID:     t.ID,
		Status:     t.Status,
		Progress:   t.Progress,
		RetryCount: t.RetryCount,
		Timestamp:  now,
	}
	if t.ErrorMessage != nil {
		ev.Message = *t.ErrorMessage
	}
	return ev
}

// IntPtr is a small helper for building patches.
func IntPtr(v int) *int { return &v }

// StringPtr is a small helper for building patches.
func StringPtr(v string) *string { return &v }

// TimePtr is a small helper for building patches.
func TimePtr(v time.Time) *time.Time { return &v }

// Progress event message codes. Transports localise them for end users.
const (
	EventQueued     = "queued"
	EventStarted    = "started"
	EventGenerating = "generating"
	EventRetrying   = "retrying"
	EventSaving     = "saving"
	EventCompleted  = "completed"
	EventFailed     = "failed"
	EventTimeout    = "timeout"
	EventCancelled  = "cancelled"
)
