package interfaces

import (
	"context"
	"time"

	"taskledger/internal/model"
)

// Ledger is the coordination fabric: atomic task state transitions against
// the backing store. Supports multiple engines (MongoDB, in-memory).
//
// All version-guarded methods are idempotent when retried with the same
// (taskId, expectedVersion) tuple; every mutation increments version by
// exactly one and refreshes updatedAt.
type Ledger interface {
	// Initialize binds to the tasks collection and ensures the unique
	// ascending index on taskId. Fatal on failure.
	Initialize(ctx context.Context) error

	// UpsertTask inserts the task if absent (keyed by taskId), else replaces
	// the document whose storage id the caller holds; a write for an existing
	// taskId under a different id returns taskerr.ErrDuplicateKey. Outside
	// the optimistic-concurrency scheme; reserved for the ingester's
	// persist-before-ack write and for fixtures.
	UpsertTask(ctx context.Context, task *model.Task) error

	// GetByTaskID returns the task, or nil when no document matches.
	GetByTaskID(ctx context.Context, taskID string) (*model.Task, error)

	// TryAcquireTask atomically claims the oldest task in fromStatus that is
	// either unowned or whose owner's heartbeat has gone stale. Returns the
	// post-image, or nil when no task matched. At most one of any set of
	// concurrent callers succeeds per task.
	TryAcquireTask(ctx context.Context, fromStatus, toStatus model.TaskStatus, workerID string, heartbeatNow time.Time) (*model.Task, error)

	// UpdateStatusIfVersionMatches is the (taskId, version) compare-and-set.
	// On match it moves the task to newStatus, bumps the version and stamps
	// the status-appropriate witness timestamp. False means the version no
	// longer matches; that is not an error.
	UpdateStatusIfVersionMatches(ctx context.Context, taskID string, expectedVersion int64, newStatus model.TaskStatus) (bool, error)

	// UpdateStatusAndErrorIfVersionMatches additionally records errorMessage.
	UpdateStatusAndErrorIfVersionMatches(ctx context.Context, taskID string, expectedVersion int64, newStatus model.TaskStatus, errorMessage string) (bool, error)

	// RequeueForRetryIfVersionMatches is the retry branch of the failure
	// protocol: same version guard, plus ownership release and an explicit
	// retryCount increment so the task is immediately re-acquirable.
	RequeueForRetryIfVersionMatches(ctx context.Context, taskID string, expectedVersion int64, newStatus model.TaskStatus, errorMessage string) (bool, error)

	// UpdateHeartbeatIfVersionMatches refreshes lastHeartbeat. The task must
	// still be owned by workerID; a worker may not refresh another worker's
	// lock.
	UpdateHeartbeatIfVersionMatches(ctx context.Context, taskID string, expectedVersion int64, workerID string, heartbeat time.Time) (bool, error)

	// TryUpdateTaskStatus reads the current version then applies the CAS.
	// Not linearizable across the read and the write.
	TryUpdateTaskStatus(ctx context.Context, taskID string, newStatus model.TaskStatus) (bool, error)

	// GetStalledTasks returns Running tasks whose heartbeat expired: past
	// threshold for tasks owned by selfWorkerID, past twice the threshold for
	// tasks owned by anyone else. Sorted by lastHeartbeat ascending.
	GetStalledTasks(ctx context.Context, threshold time.Duration, selfWorkerID string) ([]*model.Task, error)

	// RequeueTask releases ownership of a Running task: clears the worker
	// fields, records the reason and moves it to newStatus. False means
	// another worker already recovered it.
	RequeueTask(ctx context.Context, taskID string, newStatus model.TaskStatus, reason string) (bool, error)

	// Ping probes store liveness.
	Ping(ctx context.Context) error

	// Close releases the underlying connections.
	Close(ctx context.Context) error
}
