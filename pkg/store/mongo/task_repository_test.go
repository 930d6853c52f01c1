package mongo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"taskledger/internal/model"
)

func setOf(t *testing.T, update bson.D) bson.D {
	t.Helper()
	for _, e := range update {
		if e.Key == "$set" {
			return e.Value.(bson.D)
		}
	}
	t.Fatal("update has no $set stage")
	return nil
}

func incOf(t *testing.T, update bson.D) bson.D {
	t.Helper()
	for _, e := range update {
		if e.Key == "$inc" {
			return e.Value.(bson.D)
		}
	}
	t.Fatal("update has no $inc stage")
	return nil
}

func fieldValue(d bson.D, key string) (interface{}, bool) {
	for _, e := range d {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

func TestWitnessField(t *testing.T) {
	assert.Equal(t, keyProcessedAt, witnessField(model.TaskStatusProcessing))
	assert.Equal(t, keyCompletedAt, witnessField(model.TaskStatusCompleted))
	assert.Equal(t, keyCompletedAt, witnessField(model.TaskStatusSucceeded))
	assert.Equal(t, keyFailedAt, witnessField(model.TaskStatusFailed))
	assert.Empty(t, witnessField(model.TaskStatusQueued))
	assert.Empty(t, witnessField(model.TaskStatusRunning))
}

func TestQueryUpsertPinsDocumentID(t *testing.T) {
	docID := newDocumentID()
	q := queryUpsert("t-1", docID)

	taskID, ok := fieldValue(q, keyTaskID)
	require.True(t, ok)
	assert.Equal(t, "t-1", taskID)

	// A redelivery rebuilds the task with a fresh document id. Pinning _id in
	// the filter makes that replace miss and fall through to the upsert
	// insert, which trips the unique taskId index as a duplicate key instead
	// of rewriting the immutable _id of the stored document.
	id, ok := fieldValue(q, keyID)
	require.True(t, ok, "upsert filter must pin the document id")
	assert.Equal(t, docID, id)
}

func TestQueryAcquire(t *testing.T) {
	now := time.Now().UTC()
	q := queryAcquire(model.TaskStatusQueued, now, 5*time.Minute)

	status, ok := fieldValue(q, keyStatus)
	require.True(t, ok)
	assert.Equal(t, "Queued", status)

	or, ok := fieldValue(q, "$or")
	require.True(t, ok)
	branches := or.(bson.A)
	require.Len(t, branches, 2)

	// Unowned branch: workerPodId must be null.
	unowned := branches[0].(bson.D)
	v, ok := fieldValue(unowned, keyWorkerPodID)
	require.True(t, ok)
	assert.Nil(t, v)

	// Stale branch: heartbeat strictly older than now minus the timeout.
	stale := branches[1].(bson.D)
	hb, ok := fieldValue(stale, keyLastHeartbeat)
	require.True(t, ok)
	lt, ok := fieldValue(hb.(bson.D), "$lt")
	require.True(t, ok)
	assert.Equal(t, now.Add(-5*time.Minute), lt)
}

func TestUpdateAcquire(t *testing.T) {
	hb := time.Now().UTC()
	now := hb.Add(time.Millisecond)
	u := updateAcquire(model.TaskStatusAssigned, "w-1", hb, now)

	set := setOf(t, u)
	status, _ := fieldValue(set, keyStatus)
	assert.Equal(t, "Assigned", status)
	owner, _ := fieldValue(set, keyWorkerPodID)
	assert.Equal(t, "w-1", owner)
	beat, _ := fieldValue(set, keyLastHeartbeat)
	assert.Equal(t, hb, beat)
	locked, ok := fieldValue(set, keyLockedAt)
	require.True(t, ok)
	assert.Equal(t, now, locked)

	inc := incOf(t, u)
	v, _ := fieldValue(inc, keyVersion)
	assert.Equal(t, 1, v)
	_, bumpsRetry := fieldValue(inc, keyRetryCount)
	assert.False(t, bumpsRetry, "acquisition must not consume a retry")
}

func TestUpdateTransitionStampsWitness(t *testing.T) {
	now := time.Now().UTC()

	u := updateTransition(model.TaskStatusSucceeded, nil, now)
	set := setOf(t, u)
	witness, ok := fieldValue(set, keyCompletedAt)
	require.True(t, ok)
	assert.Equal(t, now, witness)
	_, hasErr := fieldValue(set, keyErrorMessage)
	assert.False(t, hasErr)

	msg := "boom"
	u = updateTransition(model.TaskStatusError, &msg, now)
	set = setOf(t, u)
	errVal, ok := fieldValue(set, keyErrorMessage)
	require.True(t, ok)
	assert.Equal(t, "boom", errVal)
	_, hasWitness := fieldValue(set, keyCompletedAt)
	assert.False(t, hasWitness, "Error is not a witnessed status")
}

func TestUpdateRetryRequeue(t *testing.T) {
	now := time.Now().UTC()
	u := updateRetryRequeue(model.TaskStatusQueued, "Retry attempt 1/3", now)

	set := setOf(t, u)
	for _, key := range []string{keyWorkerPodID, keyWorkerNodeID, keyLastHeartbeat, keyLockedAt} {
		v, ok := fieldValue(set, key)
		require.True(t, ok, "retry requeue must clear %s", key)
		assert.Nil(t, v, "retry requeue must null %s", key)
	}
	reason, _ := fieldValue(set, keyErrorMessage)
	assert.Equal(t, "Retry attempt 1/3", reason)

	inc := incOf(t, u)
	v, _ := fieldValue(inc, keyVersion)
	assert.Equal(t, 1, v)
	rc, ok := fieldValue(inc, keyRetryCount)
	require.True(t, ok, "retry requeue must consume a retry")
	assert.Equal(t, 1, rc)
}

func TestQueryStalledAmplifiesForeignThreshold(t *testing.T) {
	now := time.Now().UTC()
	threshold := time.Minute
	q := queryStalled(now, threshold, "w-self")

	status, _ := fieldValue(q, keyStatus)
	assert.Equal(t, "Running", status)

	or, ok := fieldValue(q, "$or")
	require.True(t, ok)
	branches := or.(bson.A)
	require.Len(t, branches, 2)

	self := branches[0].(bson.D)
	owner, _ := fieldValue(self, keyWorkerPodID)
	assert.Equal(t, "w-self", owner)
	hb, _ := fieldValue(self, keyLastHeartbeat)
	lt, _ := fieldValue(hb.(bson.D), "$lt")
	assert.Equal(t, now.Add(-threshold), lt)

	foreign := branches[1].(bson.D)
	hb, _ = fieldValue(foreign, keyLastHeartbeat)
	lt, _ = fieldValue(hb.(bson.D), "$lt")
	assert.Equal(t, now.Add(-2*threshold), lt, "foreign tasks get twice the threshold")
}

func TestUpdateRequeueReleasesOwnership(t *testing.T) {
	now := time.Now().UTC()
	u := updateRequeue(model.TaskStatusQueued, "Task stalled in worker w-dead", now)

	set := setOf(t, u)
	for _, key := range []string{keyWorkerPodID, keyWorkerNodeID, keyLastHeartbeat, keyLockedAt} {
		v, ok := fieldValue(set, key)
		require.True(t, ok)
		assert.Nil(t, v)
	}

	inc := incOf(t, u)
	_, bumpsRetry := fieldValue(inc, keyRetryCount)
	assert.False(t, bumpsRetry, "stall recovery must not consume a retry")
}
