package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"taskledger/internal/model"
	"taskledger/pkg/taskerr"
)

// witnessField returns the timestamp field that witnesses a transition into
// the given status, or "" when the status has no witness.
func witnessField(status model.TaskStatus) string {
	switch status {
	case model.TaskStatusProcessing:
		return keyProcessedAt
	case model.TaskStatusCompleted, model.TaskStatusSucceeded:
		return keyCompletedAt
	case model.TaskStatusFailed:
		return keyFailedAt
	}
	return ""
}

// queryAcquire matches the oldest task in fromStatus that is unowned or held
// by a worker whose heartbeat went stale.
func queryAcquire(fromStatus model.TaskStatus, now time.Time, staleTimeout time.Duration) bson.D {
	return bson.D{
		{Key: keyStatus, Value: string(fromStatus)},
		{Key: "$or", Value: bson.A{
			bson.D{{Key: keyWorkerPodID, Value: nil}},
			bson.D{{Key: keyLastHeartbeat, Value: bson.D{{Key: "$lt", Value: now.Add(-staleTimeout)}}}},
		}},
	}
}

// updateAcquire claims the task for workerID and bumps the version.
func updateAcquire(toStatus model.TaskStatus, workerID string, heartbeatNow, now time.Time) bson.D {
	return bson.D{
		{Key: "$set", Value: bson.D{
			{Key: keyStatus, Value: string(toStatus)},
			{Key: keyWorkerPodID, Value: workerID},
			{Key: keyLastHeartbeat, Value: heartbeatNow},
			{Key: keyLockedAt, Value: now},
			{Key: keyUpdatedAt, Value: now},
		}},
		{Key: "$inc", Value: bson.D{{Key: keyVersion, Value: 1}}},
	}
}

// updateTransition moves the task to newStatus, stamping its witness field
// and optionally the error message.
func updateTransition(newStatus model.TaskStatus, errorMessage *string, now time.Time) bson.D {
	set := bson.D{
		{Key: keyStatus, Value: string(newStatus)},
		{Key: keyUpdatedAt, Value: now},
	}
	if f := witnessField(newStatus); f != "" {
		set = append(set, bson.E{Key: f, Value: now})
	}
	if errorMessage != nil {
		set = append(set, bson.E{Key: keyErrorMessage, Value: *errorMessage})
	}
	return bson.D{
		{Key: "$set", Value: set},
		{Key: "$inc", Value: bson.D{{Key: keyVersion, Value: 1}}},
	}
}

// updateRetryRequeue is the retry branch of the failure protocol: move the
// task back to a waiting status, release ownership so any worker can pick it
// up again, and consume one retry.
func updateRetryRequeue(newStatus model.TaskStatus, reason string, now time.Time) bson.D {
	return bson.D{
		{Key: "$set", Value: bson.D{
			{Key: keyStatus, Value: string(newStatus)},
			{Key: keyWorkerPodID, Value: nil},
			{Key: keyWorkerNodeID, Value: nil},
			{Key: keyLastHeartbeat, Value: nil},
			{Key: keyLockedAt, Value: nil},
			{Key: keyErrorMessage, Value: reason},
			{Key: keyUpdatedAt, Value: now},
		}},
		{Key: "$inc", Value: bson.D{
			{Key: keyVersion, Value: 1},
			{Key: keyRetryCount, Value: 1},
		}},
	}
}

// queryStalled matches Running tasks with an expired heartbeat. Tasks owned
// by another worker get twice the threshold so the original owner has a
// grace period to recover its own tasks first.
func queryStalled(now time.Time, threshold time.Duration, selfWorkerID string) bson.D {
	return bson.D{
		{Key: keyStatus, Value: string(model.TaskStatusRunning)},
		{Key: "$or", Value: bson.A{
			bson.D{
				{Key: keyWorkerPodID, Value: selfWorkerID},
				{Key: keyLastHeartbeat, Value: bson.D{{Key: "$lt", Value: now.Add(-threshold)}}},
			},
			bson.D{
				{Key: keyWorkerPodID, Value: bson.D{{Key: "$ne", Value: selfWorkerID}}},
				{Key: keyLastHeartbeat, Value: bson.D{{Key: "$lt", Value: now.Add(-2 * threshold)}}},
			},
		}},
	}
}

// updateRequeue releases ownership and moves the task to newStatus.
func updateRequeue(newStatus model.TaskStatus, reason string, now time.Time) bson.D {
	return bson.D{
		{Key: "$set", Value: bson.D{
			{Key: keyStatus, Value: string(newStatus)},
			{Key: keyWorkerPodID, Value: nil},
			{Key: keyWorkerNodeID, Value: nil},
			{Key: keyLastHeartbeat, Value: nil},
			{Key: keyLockedAt, Value: nil},
			{Key: keyErrorMessage, Value: reason},
			{Key: keyUpdatedAt, Value: now},
		}},
		{Key: "$inc", Value: bson.D{{Key: keyVersion, Value: 1}}},
	}
}

// queryUpsert pins the replacement to the document the caller holds. For an
// existing taskId under a different _id the filter matches nothing and the
// upsert insert trips the unique taskId index instead of touching the
// immutable _id.
func queryUpsert(taskID, docID string) bson.D {
	return bson.D{
		{Key: keyTaskID, Value: taskID},
		{Key: keyID, Value: docID},
	}
}

// UpsertTask inserts the task if absent (keyed by taskId), else replaces the
// document whose _id the caller holds. A write for an existing taskId under a
// different _id (a racing insert, or a redelivery that rebuilt the task) is
// reported as taskerr.ErrDuplicateKey; callers treat it as success-equivalent.
func (s *Store) UpsertTask(ctx context.Context, task *model.Task) error {
	now := time.Now().UTC()
	if task.ID == "" {
		task.ID = newDocumentID()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.Version == 0 {
		task.Version = 1
	}
	task.UpdatedAt = now

	doc := fromTaskDomain(task)
	_, err := s.collection.ReplaceOne(ctx, queryUpsert(task.TaskID, task.ID), doc, options.Replace().SetUpsert(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return taskerr.ErrDuplicateKey
		}
		return taskerr.Operation("upsert task", err)
	}
	return nil
}

// GetByTaskID returns the task, or nil when no document matches.
func (s *Store) GetByTaskID(ctx context.Context, taskID string) (*model.Task, error) {
	var doc taskDocument
	err := s.collection.FindOne(ctx, bson.D{{Key: keyTaskID, Value: taskID}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, taskerr.Operation("get task", err)
	}
	return toTaskDomain(&doc), nil
}

// TryAcquireTask atomically claims the oldest eligible task in fromStatus for
// workerID via a single findAndModify. Returns the post-image, or nil when no
// task matched.
func (s *Store) TryAcquireTask(ctx context.Context, fromStatus, toStatus model.TaskStatus, workerID string, heartbeatNow time.Time) (*model.Task, error) {
	now := time.Now().UTC()
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: keyCreatedAt, Value: 1}}).
		SetReturnDocument(options.After)

	var doc taskDocument
	err := s.collection.FindOneAndUpdate(
		ctx,
		queryAcquire(fromStatus, now, s.cfg.StaleTaskTimeout),
		updateAcquire(toStatus, workerID, heartbeatNow, now),
		opts,
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, taskerr.Operation("acquire task", err)
	}
	return toTaskDomain(&doc), nil
}

// UpdateStatusIfVersionMatches is the (taskId, version) compare-and-set.
func (s *Store) UpdateStatusIfVersionMatches(ctx context.Context, taskID string, expectedVersion int64, newStatus model.TaskStatus) (bool, error) {
	return s.casTransition(ctx, taskID, expectedVersion, newStatus, nil)
}

// UpdateStatusAndErrorIfVersionMatches additionally records errorMessage.
func (s *Store) UpdateStatusAndErrorIfVersionMatches(ctx context.Context, taskID string, expectedVersion int64, newStatus model.TaskStatus, errorMessage string) (bool, error) {
	return s.casTransition(ctx, taskID, expectedVersion, newStatus, &errorMessage)
}

// RequeueForRetryIfVersionMatches is the retry branch: the same version
// guard, plus ownership release and an explicit retryCount increment.
func (s *Store) RequeueForRetryIfVersionMatches(ctx context.Context, taskID string, expectedVersion int64, newStatus model.TaskStatus, errorMessage string) (bool, error) {
	filter := bson.D{
		{Key: keyTaskID, Value: taskID},
		{Key: keyVersion, Value: expectedVersion},
	}
	res, err := s.collection.UpdateOne(ctx, filter, updateRetryRequeue(newStatus, errorMessage, time.Now().UTC()))
	if err != nil {
		return false, taskerr.Operation("requeue task for retry", err)
	}
	return res.ModifiedCount == 1, nil
}

func (s *Store) casTransition(ctx context.Context, taskID string, expectedVersion int64, newStatus model.TaskStatus, errorMessage *string) (bool, error) {
	filter := bson.D{
		{Key: keyTaskID, Value: taskID},
		{Key: keyVersion, Value: expectedVersion},
	}
	res, err := s.collection.UpdateOne(ctx, filter, updateTransition(newStatus, errorMessage, time.Now().UTC()))
	if err != nil {
		return false, taskerr.Operation("update task status", err)
	}
	return res.ModifiedCount == 1, nil
}

// UpdateHeartbeatIfVersionMatches refreshes lastHeartbeat. The lock must
// still belong to workerID.
func (s *Store) UpdateHeartbeatIfVersionMatches(ctx context.Context, taskID string, expectedVersion int64, workerID string, heartbeat time.Time) (bool, error) {
	filter := bson.D{
		{Key: keyTaskID, Value: taskID},
		{Key: keyVersion, Value: expectedVersion},
		{Key: keyWorkerPodID, Value: workerID},
	}
	update := bson.D{
		{Key: "$set", Value: bson.D{
			{Key: keyLastHeartbeat, Value: heartbeat},
			{Key: keyUpdatedAt, Value: time.Now().UTC()},
		}},
		{Key: "$inc", Value: bson.D{{Key: keyVersion, Value: 1}}},
	}
	res, err := s.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, taskerr.Operation("update heartbeat", err)
	}
	return res.ModifiedCount == 1, nil
}

// TryUpdateTaskStatus reads the current version then applies the CAS. Not
// linearizable across the read and the write; callers needing that use
// UpdateStatusIfVersionMatches directly.
func (s *Store) TryUpdateTaskStatus(ctx context.Context, taskID string, newStatus model.TaskStatus) (bool, error) {
	task, err := s.GetByTaskID(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}
	return s.UpdateStatusIfVersionMatches(ctx, taskID, task.Version, newStatus)
}

// GetStalledTasks returns Running tasks whose heartbeat expired, oldest
// heartbeat first.
func (s *Store) GetStalledTasks(ctx context.Context, threshold time.Duration, selfWorkerID string) ([]*model.Task, error) {
	now := time.Now().UTC()
	opts := options.Find().SetSort(bson.D{{Key: keyLastHeartbeat, Value: 1}})
	cur, err := s.collection.Find(ctx, queryStalled(now, threshold, selfWorkerID), opts)
	if err != nil {
		return nil, taskerr.Operation("get stalled tasks", err)
	}
	defer cur.Close(ctx)

	var tasks []*model.Task
	for cur.Next(ctx) {
		var doc taskDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, taskerr.Operation("decode stalled task", err)
		}
		tasks = append(tasks, toTaskDomain(&doc))
	}
	if err := cur.Err(); err != nil {
		return nil, taskerr.Operation("iterate stalled tasks", err)
	}
	return tasks, nil
}

// RequeueTask releases ownership of a Running task. False means another
// worker already recovered it.
func (s *Store) RequeueTask(ctx context.Context, taskID string, newStatus model.TaskStatus, reason string) (bool, error) {
	filter := bson.D{
		{Key: keyTaskID, Value: taskID},
		{Key: keyStatus, Value: string(model.TaskStatusRunning)},
	}
	res, err := s.collection.UpdateOne(ctx, filter, updateRequeue(newStatus, reason, time.Now().UTC()))
	if err != nil {
		return false, taskerr.Operation("requeue task", err)
	}
	return res.ModifiedCount == 1, nil
}
