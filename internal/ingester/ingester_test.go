package ingester

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskledger/internal/model"
	"taskledger/pkg/bus"
	"taskledger/pkg/store/memory"
	"taskledger/pkg/taskerr"
)

// fakeBus is an in-memory bus.Consumer that records dispositions.
type fakeBus struct {
	mu           sync.Mutex
	pending      []*bus.Message
	completed    []string
	abandoned    []string
	deadlettered map[string]string
}

func newFakeBus(msgs ...*bus.Message) *fakeBus {
	return &fakeBus{pending: msgs, deadlettered: make(map[string]string)}
}

func (f *fakeBus) ReceiveMessages(ctx context.Context, maxMessages int, maxWait time.Duration) ([]*bus.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return nil, nil
	}
	n := maxMessages
	if n > len(f.pending) {
		n = len(f.pending)
	}
	batch := f.pending[:n]
	f.pending = f.pending[n:]
	return batch, nil
}

func (f *fakeBus) Complete(ctx context.Context, msg *bus.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, msg.MessageID)
	return nil
}

func (f *fakeBus) Abandon(ctx context.Context, msg *bus.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abandoned = append(f.abandoned, msg.MessageID)
	return nil
}

func (f *fakeBus) DeadLetter(ctx context.Context, msg *bus.Message, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadlettered[msg.MessageID] = reason
	return nil
}

func (f *fakeBus) Close() error { return nil }

func testIngestConfig() IngestConfig {
	return IngestConfig{
		Source:                   "test-queue",
		TopicName:                "orders",
		SubscriptionName:         "ledger",
		BatchSize:                10,
		PollingWait:              time.Millisecond,
		DeadLetterFailedMessages: true,
	}
}

func msg(id, body string) *bus.Message {
	return &bus.Message{
		MessageID:    id,
		Body:         body,
		EnqueuedTime: time.Now().UTC(),
		Properties:   map[string]string{"origin": "unit-test"},
	}
}

func TestIngestStoreAndForward(t *testing.T) {
	ledger := memory.New(5 * time.Minute)
	b := newFakeBus(msg("m-1", `{"work":1}`))

	ig := New(testIngestConfig(), b, ledger, nil, nil)
	stats, err := ig.ExecuteOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Succeeded)
	assert.Zero(t, stats.Failed)

	task, err := ledger.GetByTaskID(context.Background(), "m-1")
	require.NoError(t, err)
	require.NotNil(t, task, "task must be persisted before the message is settled")
	assert.Equal(t, model.TaskStatusCompleted, task.Status)
	assert.Equal(t, `{"work":1}`, task.Body)
	assert.Equal(t, "test-queue", task.Metadata[MetaSource])
	assert.Equal(t, "orders", task.Metadata[MetaTopicName])
	assert.Equal(t, "ledger", task.Metadata[MetaSubscriptionName])
	assert.Equal(t, "unit-test", task.Metadata["origin"])

	assert.Equal(t, []string{"m-1"}, b.completed)
	assert.Empty(t, b.abandoned)
	assert.Empty(t, b.deadlettered)
}

func TestIngestWithHandler(t *testing.T) {
	ledger := memory.New(5 * time.Minute)
	b := newFakeBus(msg("m-1", "payload"))

	var handled []string
	handler := func(ctx context.Context, task *model.Task) error {
		handled = append(handled, task.TaskID)
		return nil
	}

	ig := New(testIngestConfig(), b, ledger, handler, nil)
	_, err := ig.ExecuteOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"m-1"}, handled)
	task, err := ledger.GetByTaskID(context.Background(), "m-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, task.Status)
	assert.Equal(t, []string{"m-1"}, b.completed)
}

func TestIngestHandlerFailureDeadLetters(t *testing.T) {
	ledger := memory.New(5 * time.Minute)
	b := newFakeBus(msg("m-1", "poison"))

	handler := func(ctx context.Context, task *model.Task) error {
		return taskerr.Terminal(errors.New("unparseable body"))
	}

	ig := New(testIngestConfig(), b, ledger, handler, nil)
	stats, err := ig.ExecuteOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)

	task, err := ledger.GetByTaskID(context.Background(), "m-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, task.Status)

	assert.Empty(t, b.completed)
	assert.Contains(t, b.deadlettered["m-1"], "unparseable body")
}

func TestIngestHandlerFailureAbandons(t *testing.T) {
	ledger := memory.New(5 * time.Minute)
	b := newFakeBus(msg("m-1", "poison"))

	cfg := testIngestConfig()
	cfg.DeadLetterFailedMessages = false

	handler := func(ctx context.Context, task *model.Task) error {
		return taskerr.Terminal(errors.New("nope"))
	}

	ig := New(cfg, b, ledger, handler, nil)
	_, err := ig.ExecuteOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"m-1"}, b.abandoned)
	assert.Empty(t, b.deadlettered)
}

func TestIngestDuplicateDeliverySettlesWithoutRewriting(t *testing.T) {
	ledger := memory.New(5 * time.Minute)
	require.NoError(t, ledger.UpsertTask(context.Background(), &model.Task{
		TaskID: "m-1", Status: model.TaskStatusSucceeded,
	}))

	b := newFakeBus(msg("m-1", "redelivered"))
	ig := New(testIngestConfig(), b, ledger, nil, nil)
	stats, err := ig.ExecuteOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Succeeded)

	// The existing task keeps its state; the duplicate is just acknowledged.
	task, err := ledger.GetByTaskID(context.Background(), "m-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusSucceeded, task.Status)
	assert.Equal(t, []string{"m-1"}, b.completed)
}

func TestIngestRedeliveryResumesProcessingTask(t *testing.T) {
	// A crash between persist and completion leaves the task in Processing
	// and the message unsettled. The redelivery is the only signal that work
	// exists, so it finishes the task instead of just acknowledging the
	// duplicate.
	ledger := memory.New(5 * time.Minute)
	require.NoError(t, ledger.UpsertTask(context.Background(), &model.Task{
		TaskID: "m-1", Status: model.TaskStatusProcessing, Body: "interrupted",
	}))

	var handled []string
	handler := func(ctx context.Context, task *model.Task) error {
		handled = append(handled, task.TaskID)
		return nil
	}

	b := newFakeBus(msg("m-1", "interrupted"))
	ig := New(testIngestConfig(), b, ledger, handler, nil)
	stats, err := ig.ExecuteOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Succeeded)

	assert.Equal(t, []string{"m-1"}, handled)
	task, err := ledger.GetByTaskID(context.Background(), "m-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, task.Status)
	assert.Equal(t, []string{"m-1"}, b.completed)
}

func TestIngestEmptyTick(t *testing.T) {
	ig := New(testIngestConfig(), newFakeBus(), memory.New(time.Minute), nil, nil)
	stats, err := ig.ExecuteOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
}

func TestIngestBoundedFanOut(t *testing.T) {
	ledger := memory.New(5 * time.Minute)
	b := newFakeBus(msg("m-1", "a"), msg("m-2", "b"), msg("m-3", "c"))

	cfg := testIngestConfig()
	cfg.MaxConcurrency = 1

	ig := New(cfg, b, ledger, nil, nil)
	stats, err := ig.ExecuteOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 3, stats.Succeeded)

	for _, id := range []string{"m-1", "m-2", "m-3"} {
		task, err := ledger.GetByTaskID(context.Background(), id)
		require.NoError(t, err)
		require.NotNil(t, task, "task %s", id)
		assert.Equal(t, model.TaskStatusCompleted, task.Status)
	}
	assert.Len(t, b.completed, 3)
}
