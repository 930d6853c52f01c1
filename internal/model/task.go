package model

import (
	"encoding/json"
	"time"
)

// TaskStatus task status, stored by name. Code returns the fixed numeric wire
// code for cross-system compatibility.
type TaskStatus string

const (
	// Ingester lifecycle
	TaskStatusPending    TaskStatus = "Pending"
	TaskStatusCreated    TaskStatus = "Created"
	TaskStatusProcessing TaskStatus = "Processing"
	TaskStatusCompleted  TaskStatus = "Completed"
	TaskStatusFailed     TaskStatus = "Failed"

	// Worker lifecycle
	TaskStatusQueued    TaskStatus = "Queued"
	TaskStatusAssigned  TaskStatus = "Assigned"
	TaskStatusRunning   TaskStatus = "Running"
	TaskStatusSucceeded TaskStatus = "Succeeded"
	TaskStatusError     TaskStatus = "Error"
	TaskStatusRetrying  TaskStatus = "Retrying"
	TaskStatusCancelled TaskStatus = "Cancelled"
	TaskStatusTimeout   TaskStatus = "Timeout"

	// Terminal
	TaskStatusArchived TaskStatus = "Archived"
	TaskStatusDeleted  TaskStatus = "Deleted"
)

var statusCodes = map[TaskStatus]int{
	TaskStatusPending:    0,
	TaskStatusCreated:    1,
	TaskStatusProcessing: 10,
	TaskStatusCompleted:  11,
	TaskStatusFailed:     12,
	TaskStatusQueued:     20,
	TaskStatusAssigned:   21,
	TaskStatusRunning:    22,
	TaskStatusSucceeded:  23,
	TaskStatusError:      24,
	TaskStatusRetrying:   25,
	TaskStatusCancelled:  26,
	TaskStatusTimeout:    27,
	TaskStatusArchived:   90,
	TaskStatusDeleted:    91,
}

// Code returns the numeric wire code of the status, or -1 for unknown values.
func (s TaskStatus) Code() int {
	if c, ok := statusCodes[s]; ok {
		return c
	}
	return -1
}

// Valid reports whether the status is one of the known values.
func (s TaskStatus) Valid() bool {
	_, ok := statusCodes[s]
	return ok
}

// IsTerminal reports whether the status ends the task lifecycle. Terminal
// tasks are never acquired, heartbeaten or requeued.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusCancelled, TaskStatusArchived, TaskStatusDeleted:
		return true
	}
	return false
}

// TaskStatusFromCode maps a numeric wire code back to its status name.
func TaskStatusFromCode(code int) (TaskStatus, bool) {
	for s, c := range statusCodes {
		if c == code {
			return s, true
		}
	}
	return "", false
}

// Task is the single mutable entity of the ledger, one record per logical
// work item, unique by TaskID. All mutations happen through the ledger
// repository's version-guarded methods.
type Task struct {
	ID         string     `json:"id"`
	TaskID     string     `json:"taskId"`
	Body       string     `json:"body"`
	Status     TaskStatus `json:"status"`
	Version    int64      `json:"version"`
	RetryCount int        `json:"retryCount"`

	// Ownership fields, set only while a worker holds the task.
	WorkerPodID   string     `json:"workerPodId,omitempty"`
	WorkerNodeID  string     `json:"workerNodeId,omitempty"`
	LastHeartbeat *time.Time `json:"lastHeartbeat,omitempty"`
	LockedAt      *time.Time `json:"lockedAt,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	FailedAt    *time.Time `json:"failedAt,omitempty"`

	ErrorMessage string            `json:"errorMessage,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Owned reports whether the task is currently held by a worker.
func (t *Task) Owned() bool {
	return t.WorkerPodID != ""
}

// ToJSON converts task to JSON bytes
func (t *Task) ToJSON() ([]byte, error) {
	return json.Marshal(t)
}

// FromJSON converts JSON bytes to task
func (t *Task) FromJSON(data []byte) error {
	return json.Unmarshal(data, t)
}

// StatusResponse task status response for the read-only HTTP surface.
type StatusResponse struct {
	ID           string     `json:"id"`
	TaskID       string     `json:"taskId"`
	Status       TaskStatus `json:"status"`
	StatusCode   int        `json:"statusCode"`
	Version      int64      `json:"version"`
	RetryCount   int        `json:"retryCount"`
	WorkerPodID  string     `json:"workerPodId,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	FailedAt     *time.Time `json:"failedAt,omitempty"`
}

// ToStatusResponse builds the external view of a task.
func (t *Task) ToStatusResponse() *StatusResponse {
	return &StatusResponse{
		ID:           t.ID,
		TaskID:       t.TaskID,
		Status:       t.Status,
		StatusCode:   t.Status.Code(),
		Version:      t.Version,
		RetryCount:   t.RetryCount,
		WorkerPodID:  t.WorkerPodID,
		ErrorMessage: t.ErrorMessage,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
		CompletedAt:  t.CompletedAt,
		FailedAt:     t.FailedAt,
	}
}
