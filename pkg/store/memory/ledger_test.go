package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskledger/internal/model"
	"taskledger/pkg/taskerr"
)

func seed(t *testing.T, l *Ledger, task *model.Task) *model.Task {
	t.Helper()
	require.NoError(t, l.UpsertTask(context.Background(), task))
	return task
}

func timePtr(tm time.Time) *time.Time { return &tm }

func TestUpsertAppliesDefaults(t *testing.T) {
	l := New(5 * time.Minute)
	task := seed(t, l, &model.Task{TaskID: "t-1", Body: "payload", Status: model.TaskStatusQueued})

	assert.NotEmpty(t, task.ID)
	assert.Equal(t, int64(1), task.Version)
	assert.False(t, task.CreatedAt.IsZero())

	got, err := l.GetByTaskID(context.Background(), "t-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "payload", got.Body)
}

func TestUpsertDuplicateTaskID(t *testing.T) {
	l := New(5 * time.Minute)
	seed(t, l, &model.Task{TaskID: "t-1", Status: model.TaskStatusQueued})

	err := l.UpsertTask(context.Background(), &model.Task{TaskID: "t-1", Status: model.TaskStatusQueued})
	assert.ErrorIs(t, err, taskerr.ErrDuplicateKey)
}

func TestUpsertSameDocumentReplaces(t *testing.T) {
	l := New(5 * time.Minute)
	task := seed(t, l, &model.Task{TaskID: "t-1", Body: "v1", Status: model.TaskStatusProcessing})

	task.Body = "v2"
	require.NoError(t, l.UpsertTask(context.Background(), task))

	got, err := l.GetByTaskID(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Body)
	assert.Equal(t, int64(1), got.Version, "replace stays outside the version scheme")
}

func TestGetByTaskIDMissing(t *testing.T) {
	l := New(5 * time.Minute)
	got, err := l.GetByTaskID(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestTryAcquireOldestFirst(t *testing.T) {
	l := New(5 * time.Minute)
	base := time.Now().UTC().Add(-time.Hour)
	seed(t, l, &model.Task{TaskID: "newer", Status: model.TaskStatusQueued, CreatedAt: base.Add(2 * time.Minute)})
	seed(t, l, &model.Task{TaskID: "oldest", Status: model.TaskStatusQueued, CreatedAt: base})
	seed(t, l, &model.Task{TaskID: "middle", Status: model.TaskStatusQueued, CreatedAt: base.Add(time.Minute)})

	now := time.Now().UTC()
	got, err := l.TryAcquireTask(context.Background(), model.TaskStatusQueued, model.TaskStatusAssigned, "w-1", now)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "oldest", got.TaskID)
	assert.Equal(t, model.TaskStatusAssigned, got.Status)
	assert.Equal(t, "w-1", got.WorkerPodID)
	assert.Equal(t, int64(2), got.Version)
	require.NotNil(t, got.LastHeartbeat)
	assert.Equal(t, now, *got.LastHeartbeat)
	assert.NotNil(t, got.LockedAt)
}

func TestTryAcquireEachTaskOnce(t *testing.T) {
	l := New(5 * time.Minute)
	seed(t, l, &model.Task{TaskID: "only", Status: model.TaskStatusQueued})

	first, err := l.TryAcquireTask(context.Background(), model.TaskStatusQueued, model.TaskStatusAssigned, "w-1", time.Now().UTC())
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := l.TryAcquireTask(context.Background(), model.TaskStatusQueued, model.TaskStatusAssigned, "w-2", time.Now().UTC())
	require.NoError(t, err)
	assert.Nil(t, second, "an acquired task must not be acquirable again")
}

func TestTryAcquireConcurrentContest(t *testing.T) {
	l := New(5 * time.Minute)
	seed(t, l, &model.Task{TaskID: "contested", Status: model.TaskStatusPending})

	const workers = 5
	results := make(chan *model.Task, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := l.TryAcquireTask(context.Background(), model.TaskStatusPending, model.TaskStatusRunning, fmt.Sprintf("w-%d", i), time.Now().UTC())
			require.NoError(t, err)
			results <- got
		}(i)
	}
	wg.Wait()
	close(results)

	var winners []*model.Task
	for got := range results {
		if got != nil {
			winners = append(winners, got)
		}
	}
	require.Len(t, winners, 1, "exactly one contender may win the task")
	assert.Equal(t, model.TaskStatusRunning, winners[0].Status)
	assert.Equal(t, int64(2), winners[0].Version)
	assert.NotEmpty(t, winners[0].WorkerPodID)
}

func TestTryAcquireSkipsHeldTasks(t *testing.T) {
	l := New(5 * time.Minute)
	fresh := time.Now().UTC()
	seed(t, l, &model.Task{
		TaskID:        "held",
		Status:        model.TaskStatusQueued,
		WorkerPodID:   "w-other",
		LastHeartbeat: &fresh,
	})

	got, err := l.TryAcquireTask(context.Background(), model.TaskStatusQueued, model.TaskStatusAssigned, "w-1", time.Now().UTC())
	require.NoError(t, err)
	assert.Nil(t, got, "a task with a live heartbeat is not eligible")
}

func TestTryAcquireStealsStaleTasks(t *testing.T) {
	l := New(time.Minute)
	stale := time.Now().UTC().Add(-2 * time.Minute)
	seed(t, l, &model.Task{
		TaskID:        "stale",
		Status:        model.TaskStatusQueued,
		WorkerPodID:   "w-dead",
		LastHeartbeat: &stale,
		Version:       3,
	})

	got, err := l.TryAcquireTask(context.Background(), model.TaskStatusQueued, model.TaskStatusAssigned, "w-1", time.Now().UTC())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "w-1", got.WorkerPodID)
	assert.Equal(t, int64(4), got.Version)
}

func TestUpdateStatusVersionGuard(t *testing.T) {
	l := New(5 * time.Minute)
	task := seed(t, l, &model.Task{TaskID: "t-1", Status: model.TaskStatusAssigned})

	ok, err := l.UpdateStatusIfVersionMatches(context.Background(), "t-1", task.Version+5, model.TaskStatusRunning)
	require.NoError(t, err)
	assert.False(t, ok, "stale version must be rejected")

	ok, err = l.UpdateStatusIfVersionMatches(context.Background(), "t-1", task.Version, model.TaskStatusRunning)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := l.GetByTaskID(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusRunning, got.Status)
	assert.Equal(t, task.Version+1, got.Version)
}

func TestWitnessTimestamps(t *testing.T) {
	l := New(5 * time.Minute)

	cases := []struct {
		status  model.TaskStatus
		witness func(*model.Task) *time.Time
	}{
		{model.TaskStatusProcessing, func(t *model.Task) *time.Time { return t.ProcessedAt }},
		{model.TaskStatusCompleted, func(t *model.Task) *time.Time { return t.CompletedAt }},
		{model.TaskStatusSucceeded, func(t *model.Task) *time.Time { return t.CompletedAt }},
		{model.TaskStatusFailed, func(t *model.Task) *time.Time { return t.FailedAt }},
	}
	for i, tc := range cases {
		taskID := string(rune('a' + i))
		task := seed(t, l, &model.Task{TaskID: taskID, Status: model.TaskStatusCreated})

		ok, err := l.UpdateStatusIfVersionMatches(context.Background(), taskID, task.Version, tc.status)
		require.NoError(t, err)
		require.True(t, ok)

		got, err := l.GetByTaskID(context.Background(), taskID)
		require.NoError(t, err)
		assert.NotNil(t, tc.witness(got), "transition to %s must stamp its witness", tc.status)
	}
}

func TestRequeueForRetryClearsOwnership(t *testing.T) {
	l := New(5 * time.Minute)
	hb := time.Now().UTC()
	task := seed(t, l, &model.Task{
		TaskID:        "t-1",
		Status:        model.TaskStatusError,
		WorkerPodID:   "w-1",
		LastHeartbeat: &hb,
		LockedAt:      &hb,
		RetryCount:    1,
	})

	ok, err := l.RequeueForRetryIfVersionMatches(context.Background(), "t-1", task.Version, model.TaskStatusQueued, "Retry attempt 2/3")
	require.NoError(t, err)
	require.True(t, ok)

	got, err := l.GetByTaskID(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusQueued, got.Status)
	assert.Empty(t, got.WorkerPodID)
	assert.Nil(t, got.LastHeartbeat)
	assert.Nil(t, got.LockedAt)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, "Retry attempt 2/3", got.ErrorMessage)
	assert.Equal(t, task.Version+1, got.Version)
}

func TestUpdateHeartbeatGuards(t *testing.T) {
	l := New(5 * time.Minute)
	task := seed(t, l, &model.Task{TaskID: "t-1", Status: model.TaskStatusRunning, WorkerPodID: "w-1"})

	ok, err := l.UpdateHeartbeatIfVersionMatches(context.Background(), "t-1", task.Version, "w-2", time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, ok, "heartbeat from a non-owner must be rejected")

	ok, err = l.UpdateHeartbeatIfVersionMatches(context.Background(), "t-1", task.Version+5, "w-1", time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, ok, "heartbeat with a stale version must be rejected")

	beat := time.Now().UTC()
	ok, err = l.UpdateHeartbeatIfVersionMatches(context.Background(), "t-1", task.Version, "w-1", beat)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := l.GetByTaskID(context.Background(), "t-1")
	require.NoError(t, err)
	require.NotNil(t, got.LastHeartbeat)
	assert.Equal(t, beat, *got.LastHeartbeat)
	assert.Equal(t, task.Version+1, got.Version)
}

func TestTryUpdateTaskStatusMissing(t *testing.T) {
	l := New(5 * time.Minute)
	ok, err := l.TryUpdateTaskStatus(context.Background(), "nope", model.TaskStatusCancelled)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetStalledTasksThresholdAmplification(t *testing.T) {
	threshold := time.Minute
	l := New(threshold)
	now := time.Now().UTC()

	// Own task just past the threshold: stalled.
	seed(t, l, &model.Task{
		TaskID: "self-stale", Status: model.TaskStatusRunning,
		WorkerPodID: "w-self", LastHeartbeat: timePtr(now.Add(-90 * time.Second)),
	})
	// Foreign task past the threshold but within twice of it: not yet ours to
	// recover.
	seed(t, l, &model.Task{
		TaskID: "foreign-grace", Status: model.TaskStatusRunning,
		WorkerPodID: "w-other", LastHeartbeat: timePtr(now.Add(-90 * time.Second)),
	})
	// Foreign task past twice the threshold: stalled.
	seed(t, l, &model.Task{
		TaskID: "foreign-stale", Status: model.TaskStatusRunning,
		WorkerPodID: "w-other", LastHeartbeat: timePtr(now.Add(-3 * time.Minute)),
	})
	// Fresh task: never stalled.
	seed(t, l, &model.Task{
		TaskID: "fresh", Status: model.TaskStatusRunning,
		WorkerPodID: "w-self", LastHeartbeat: timePtr(now),
	})
	// Non-running task never shows up regardless of heartbeat age.
	seed(t, l, &model.Task{
		TaskID: "queued", Status: model.TaskStatusQueued,
		WorkerPodID: "w-other", LastHeartbeat: timePtr(now.Add(-time.Hour)),
	})

	stalled, err := l.GetStalledTasks(context.Background(), threshold, "w-self")
	require.NoError(t, err)
	require.Len(t, stalled, 2)
	// Oldest heartbeat first.
	assert.Equal(t, "foreign-stale", stalled[0].TaskID)
	assert.Equal(t, "self-stale", stalled[1].TaskID)
}

func TestRequeueTask(t *testing.T) {
	l := New(5 * time.Minute)
	hb := time.Now().UTC()
	seed(t, l, &model.Task{
		TaskID: "t-1", Status: model.TaskStatusRunning,
		WorkerPodID: "w-dead", WorkerNodeID: "n-dead",
		LastHeartbeat: &hb, LockedAt: &hb,
	})

	ok, err := l.RequeueTask(context.Background(), "t-1", model.TaskStatusQueued, "Task stalled in worker w-dead")
	require.NoError(t, err)
	require.True(t, ok)

	got, err := l.GetByTaskID(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusQueued, got.Status)
	assert.Empty(t, got.WorkerPodID)
	assert.Empty(t, got.WorkerNodeID)
	assert.Nil(t, got.LastHeartbeat)
	assert.Nil(t, got.LockedAt)
	assert.Equal(t, "Task stalled in worker w-dead", got.ErrorMessage)

	// Second requeue loses: the task is no longer Running.
	ok, err = l.RequeueTask(context.Background(), "t-1", model.TaskStatusQueued, "again")
	require.NoError(t, err)
	assert.False(t, ok)
}
