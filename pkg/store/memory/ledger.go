// Package memory implements the ledger repository in process memory. It
// mirrors the MongoDB engine's transition semantics and is used by tests and
// embedded development deployments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskledger/internal/model"
	"taskledger/pkg/taskerr"
)

// Ledger is an in-memory ledger engine. All operations take effect under a
// single mutex, which gives them the same atomicity the MongoDB engine gets
// from findAndModify.
type Ledger struct {
	mu               sync.Mutex
	tasks            map[string]*model.Task // keyed by taskId
	staleTaskTimeout time.Duration
}

// New creates an in-memory ledger with the given heartbeat-expiry threshold
// for acquisition.
func New(staleTaskTimeout time.Duration) *Ledger {
	if staleTaskTimeout <= 0 {
		staleTaskTimeout = 5 * time.Minute
	}
	return &Ledger{
		tasks:            make(map[string]*model.Task),
		staleTaskTimeout: staleTaskTimeout,
	}
}

func (l *Ledger) Initialize(ctx context.Context) error { return nil }

func (l *Ledger) Ping(ctx context.Context) error { return nil }

func (l *Ledger) Close(ctx context.Context) error { return nil }

func clone(t *model.Task) *model.Task {
	c := *t
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// UpsertTask inserts the task if absent (keyed by taskId), else replaces the
// document whose ID the caller holds. An existing taskId under a different ID
// is reported as taskerr.ErrDuplicateKey, matching the MongoDB engine.
func (l *Ledger) UpsertTask(ctx context.Context, task *model.Task) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.Version == 0 {
		task.Version = 1
	}
	task.UpdatedAt = now

	if existing, ok := l.tasks[task.TaskID]; ok && existing.ID != task.ID {
		return taskerr.ErrDuplicateKey
	}
	l.tasks[task.TaskID] = clone(task)
	return nil
}

func (l *Ledger) GetByTaskID(ctx context.Context, taskID string) (*model.Task, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tasks[taskID]
	if !ok {
		return nil, nil
	}
	return clone(t), nil
}

// TryAcquireTask claims the oldest eligible task in fromStatus, matching the
// MongoDB engine's filter: unowned, or heartbeat older than the stale
// timeout.
func (l *Ledger) TryAcquireTask(ctx context.Context, fromStatus, toStatus model.TaskStatus, workerID string, heartbeatNow time.Time) (*model.Task, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	cutoff := now.Add(-l.staleTaskTimeout)

	var candidate *model.Task
	for _, t := range l.tasks {
		if t.Status != fromStatus {
			continue
		}
		if t.WorkerPodID != "" && (t.LastHeartbeat == nil || !t.LastHeartbeat.Before(cutoff)) {
			continue
		}
		if candidate == nil || t.CreatedAt.Before(candidate.CreatedAt) {
			candidate = t
		}
	}
	if candidate == nil {
		return nil, nil
	}

	hb := heartbeatNow
	candidate.Status = toStatus
	candidate.WorkerPodID = workerID
	candidate.LastHeartbeat = &hb
	candidate.LockedAt = &now
	candidate.UpdatedAt = now
	candidate.Version++
	return clone(candidate), nil
}

func (l *Ledger) applyTransition(t *model.Task, newStatus model.TaskStatus, errorMessage *string) {
	now := time.Now().UTC()
	t.Status = newStatus
	t.UpdatedAt = now
	switch newStatus {
	case model.TaskStatusProcessing:
		t.ProcessedAt = &now
	case model.TaskStatusCompleted, model.TaskStatusSucceeded:
		t.CompletedAt = &now
	case model.TaskStatusFailed:
		t.FailedAt = &now
	}
	if errorMessage != nil {
		t.ErrorMessage = *errorMessage
	}
	t.Version++
}

func (l *Ledger) cas(taskID string, expectedVersion int64, newStatus model.TaskStatus, errorMessage *string) bool {
	t, ok := l.tasks[taskID]
	if !ok || t.Version != expectedVersion {
		return false
	}
	l.applyTransition(t, newStatus, errorMessage)
	return true
}

func (l *Ledger) UpdateStatusIfVersionMatches(ctx context.Context, taskID string, expectedVersion int64, newStatus model.TaskStatus) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cas(taskID, expectedVersion, newStatus, nil), nil
}

func (l *Ledger) UpdateStatusAndErrorIfVersionMatches(ctx context.Context, taskID string, expectedVersion int64, newStatus model.TaskStatus, errorMessage string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cas(taskID, expectedVersion, newStatus, &errorMessage), nil
}

// RequeueForRetryIfVersionMatches releases ownership, consumes one retry and
// moves the task back to a waiting status under the version guard.
func (l *Ledger) RequeueForRetryIfVersionMatches(ctx context.Context, taskID string, expectedVersion int64, newStatus model.TaskStatus, errorMessage string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.tasks[taskID]
	if !ok || t.Version != expectedVersion {
		return false, nil
	}
	t.Status = newStatus
	t.WorkerPodID = ""
	t.WorkerNodeID = ""
	t.LastHeartbeat = nil
	t.LockedAt = nil
	t.ErrorMessage = errorMessage
	t.RetryCount++
	t.UpdatedAt = time.Now().UTC()
	t.Version++
	return true, nil
}

func (l *Ledger) UpdateHeartbeatIfVersionMatches(ctx context.Context, taskID string, expectedVersion int64, workerID string, heartbeat time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.tasks[taskID]
	if !ok || t.Version != expectedVersion || t.WorkerPodID != workerID {
		return false, nil
	}
	hb := heartbeat
	t.LastHeartbeat = &hb
	t.UpdatedAt = time.Now().UTC()
	t.Version++
	return true, nil
}

func (l *Ledger) TryUpdateTaskStatus(ctx context.Context, taskID string, newStatus model.TaskStatus) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.tasks[taskID]
	if !ok {
		return false, nil
	}
	return l.cas(taskID, t.Version, newStatus, nil), nil
}

// GetStalledTasks returns Running tasks with an expired heartbeat: past
// threshold when owned by selfWorkerID, past twice the threshold when owned
// by another worker. Oldest heartbeat first.
func (l *Ledger) GetStalledTasks(ctx context.Context, threshold time.Duration, selfWorkerID string) ([]*model.Task, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	selfCutoff := now.Add(-threshold)
	foreignCutoff := now.Add(-2 * threshold)

	var stalled []*model.Task
	for _, t := range l.tasks {
		if t.Status != model.TaskStatusRunning || t.LastHeartbeat == nil {
			continue
		}
		if t.WorkerPodID == selfWorkerID {
			if t.LastHeartbeat.Before(selfCutoff) {
				stalled = append(stalled, clone(t))
			}
		} else if t.LastHeartbeat.Before(foreignCutoff) {
			stalled = append(stalled, clone(t))
		}
	}
	sort.Slice(stalled, func(i, j int) bool {
		return stalled[i].LastHeartbeat.Before(*stalled[j].LastHeartbeat)
	})
	return stalled, nil
}

// RequeueTask releases ownership of a Running task.
func (l *Ledger) RequeueTask(ctx context.Context, taskID string, newStatus model.TaskStatus, reason string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.tasks[taskID]
	if !ok || t.Status != model.TaskStatusRunning {
		return false, nil
	}
	t.Status = newStatus
	t.WorkerPodID = ""
	t.WorkerNodeID = ""
	t.LastHeartbeat = nil
	t.LockedAt = nil
	t.ErrorMessage = reason
	t.UpdatedAt = time.Now().UTC()
	t.Version++
	return true, nil
}
