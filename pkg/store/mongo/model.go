package mongo

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"taskledger/internal/model"
)

// taskDocument is the persisted shape of a task. Object ids are stored as
// 24-hex strings and optional fields as pointers so that cleared ownership
// fields round-trip as BSON null.
type taskDocument struct {
	ID         string `bson:"_id"`
	TaskID     string `bson:"taskId"`
	Body       string `bson:"body"`
	Status     string `bson:"status"`
	Version    int64  `bson:"version"`
	RetryCount int    `bson:"retryCount"`

	WorkerPodID   *string    `bson:"workerPodId"`
	WorkerNodeID  *string    `bson:"workerNodeId"`
	LastHeartbeat *time.Time `bson:"lastHeartbeat"`
	LockedAt      *time.Time `bson:"lockedAt"`

	CreatedAt   time.Time  `bson:"createdAt"`
	UpdatedAt   time.Time  `bson:"updatedAt"`
	ProcessedAt *time.Time `bson:"processedAt"`
	CompletedAt *time.Time `bson:"completedAt"`
	FailedAt    *time.Time `bson:"failedAt"`

	ErrorMessage *string           `bson:"errorMessage"`
	Metadata     map[string]string `bson:"metadata,omitempty"`
}

// newDocumentID generates a fresh storage primary key.
func newDocumentID() string {
	return primitive.NewObjectID().Hex()
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func strVal(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// fromTaskDomain maps a domain task to its persisted document.
func fromTaskDomain(t *model.Task) *taskDocument {
	return &taskDocument{
		ID:            t.ID,
		TaskID:        t.TaskID,
		Body:          t.Body,
		Status:        string(t.Status),
		Version:       t.Version,
		RetryCount:    t.RetryCount,
		WorkerPodID:   strPtr(t.WorkerPodID),
		WorkerNodeID:  strPtr(t.WorkerNodeID),
		LastHeartbeat: t.LastHeartbeat,
		LockedAt:      t.LockedAt,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
		ProcessedAt:   t.ProcessedAt,
		CompletedAt:   t.CompletedAt,
		FailedAt:      t.FailedAt,
		ErrorMessage:  strPtr(t.ErrorMessage),
		Metadata:      t.Metadata,
	}
}

// toTaskDomain maps a persisted document back to the domain task.
func toTaskDomain(d *taskDocument) *model.Task {
	return &model.Task{
		ID:            d.ID,
		TaskID:        d.TaskID,
		Body:          d.Body,
		Status:        model.TaskStatus(d.Status),
		Version:       d.Version,
		RetryCount:    d.RetryCount,
		WorkerPodID:   strVal(d.WorkerPodID),
		WorkerNodeID:  strVal(d.WorkerNodeID),
		LastHeartbeat: d.LastHeartbeat,
		LockedAt:      d.LockedAt,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
		ProcessedAt:   d.ProcessedAt,
		CompletedAt:   d.CompletedAt,
		FailedAt:      d.FailedAt,
		ErrorMessage:  strVal(d.ErrorMessage),
		Metadata:      d.Metadata,
	}
}
