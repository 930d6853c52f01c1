// Package ingester pulls messages from a bus subscription and persists each
// as a durable task before settling the message (transactional outbox,
// persist-before-ack).
package ingester

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"taskledger/internal/model"
	"taskledger/pkg/bus"
	"taskledger/pkg/interfaces"
	"taskledger/pkg/logger"
	"taskledger/pkg/metrics"
	"taskledger/pkg/retry"
	"taskledger/pkg/taskerr"
)

const (
	// Hard wall-clock cap on a single message, linked to the loop's shutdown
	// signal.
	messageProcessingTimeout = 5 * time.Minute

	receiveAttempts = 3
	handlerAttempts = 3
)

// Metadata keys stamped on every ingested task.
const (
	MetaSource           = "Source"
	MetaTopicName        = "TopicName"
	MetaSubscriptionName = "SubscriptionName"
)

// IngestConfig carries the pull-loop settings for one queue or subscription.
type IngestConfig struct {
	Source           string // bus identifier recorded in task metadata
	TopicName        string
	SubscriptionName string

	BatchSize      int
	PollingWait    time.Duration
	MaxConcurrency int // bounded fan-out; defaults to BatchSize

	// DeadLetterFailedMessages selects the failure disposition: dead-letter
	// when true, abandon for redelivery when false.
	DeadLetterFailedMessages bool
}

func (c *IngestConfig) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.PollingWait <= 0 {
		c.PollingWait = 30 * time.Second
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = c.BatchSize
	}
}

// TickStats are the observable outputs of one ingester tick.
type TickStats struct {
	Total       int
	Succeeded   int
	Failed      int
	Elapsed     time.Duration
	SuccessRate float64 // percent
	AvgMillis   float64
}

// Ingester is one pull loop. Run one per configured queue or subscription.
type Ingester struct {
	cfg     IngestConfig
	bus     bus.Consumer
	ledger  interfaces.Ledger
	handler interfaces.TaskHandler // nil for store-and-forward deployments
	metrics *metrics.Metrics
}

// New creates an ingester. A nil handler selects store-and-forward: tasks are
// persisted and marked Completed for the worker subsystem to pick up.
func New(cfg IngestConfig, consumer bus.Consumer, ledger interfaces.Ledger, handler interfaces.TaskHandler, m *metrics.Metrics) *Ingester {
	cfg.applyDefaults()
	return &Ingester{
		cfg:     cfg,
		bus:     consumer,
		ledger:  ledger,
		handler: handler,
		metrics: m,
	}
}

// Run executes ticks until ctx is cancelled. Backpressure comes from the
// bus long-poll: an empty tick blocks up to PollingWait inside the receive.
func (ig *Ingester) Run(ctx context.Context) error {
	logger.InfoCtx(ctx, "ingester for %s started", ig.cfg.Source)
	for {
		if ctx.Err() != nil {
			logger.InfoCtx(ctx, "ingester for %s stopping", ig.cfg.Source)
			return ctx.Err()
		}
		if _, err := ig.ExecuteOnce(ctx); err != nil && ctx.Err() == nil {
			logger.WarnCtx(ctx, "ingester tick failed: %v", err)
			select {
			case <-ctx.Done():
			case <-time.After(retry.WithJitter(retry.After(1))):
			}
		}
	}
}

// ExecuteOnce performs one tick: receive a batch, persist and settle each
// message with bounded fan-out.
func (ig *Ingester) ExecuteOnce(ctx context.Context) (*TickStats, error) {
	msgs, err := ig.receiveWithRetry(ctx)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return &TickStats{}, nil
	}

	start := time.Now()
	var mu sync.Mutex
	succeeded, failed := 0, 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ig.cfg.MaxConcurrency)
	for _, msg := range msgs {
		msg := msg
		g.Go(func() error {
			ok := ig.processMessage(gctx, msg)
			mu.Lock()
			if ok {
				succeeded++
			} else {
				failed++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	stats := &TickStats{
		Total:     len(msgs),
		Succeeded: succeeded,
		Failed:    failed,
		Elapsed:   time.Since(start),
	}
	stats.SuccessRate = float64(stats.Succeeded) / float64(stats.Total) * 100
	stats.AvgMillis = float64(stats.Elapsed.Milliseconds()) / float64(stats.Total)

	if ig.metrics != nil {
		ig.metrics.IngestTicks.Inc()
		ig.metrics.IngestTickTime.Observe(stats.Elapsed.Seconds())
	}
	logger.InfoCtx(ctx, "ingest tick: total=%d success=%d failure=%d elapsed=%s rate=%.1f%% avg=%.1fms",
		stats.Total, stats.Succeeded, stats.Failed, stats.Elapsed, stats.SuccessRate, stats.AvgMillis)
	return stats, nil
}

// receiveWithRetry pulls a batch, retrying database-style transient receive
// errors with exponential backoff.
func (ig *Ingester) receiveWithRetry(ctx context.Context) ([]*bus.Message, error) {
	var lastErr error
	for attempt := 1; attempt <= receiveAttempts; attempt++ {
		msgs, err := ig.bus.ReceiveMessages(ctx, ig.cfg.BatchSize, ig.cfg.PollingWait)
		if err == nil {
			return msgs, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		if attempt < receiveAttempts {
			wait := retry.After(attempt)
			logger.WarnCtx(ctx, "receive attempt %d/%d failed, retrying in %s: %v", attempt, receiveAttempts, wait, err)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
	}
	return nil, fmt.Errorf("receive failed after %d attempts: %w", receiveAttempts, lastErr)
}

// processMessage persists one message as a task, runs the handler, and
// settles the message. The task must be durable before any settlement.
func (ig *Ingester) processMessage(ctx context.Context, msg *bus.Message) bool {
	msgCtx, cancel := context.WithTimeout(ctx, messageProcessingTimeout)
	defer cancel()

	task := ig.buildTask(msg)
	if err := ig.ledger.UpsertTask(msgCtx, task); err != nil {
		if errors.Is(err, taskerr.ErrDuplicateKey) {
			return ig.processRedelivery(ctx, msgCtx, msg, task.TaskID)
		}
		logger.ErrorCtx(ctx, "failed to persist message %s: %v", msg.MessageID, err)
		ig.settleFailure(ctx, msg, fmt.Sprintf("persist failed: %v", err))
		return false
	}

	return ig.finishTask(ctx, msgCtx, msg, task)
}

// processRedelivery handles a message whose task is already persisted. A task
// still in Processing means the previous delivery crashed between persist and
// completion; the redelivered message is the only signal that work exists, so
// the completion path runs again. Any other status keeps its state and the
// duplicate is just settled.
func (ig *Ingester) processRedelivery(ctx, msgCtx context.Context, msg *bus.Message, taskID string) bool {
	existing, err := ig.ledger.GetByTaskID(msgCtx, taskID)
	if err != nil {
		// Leave the message unsettled; the lock expiry redelivers it.
		logger.ErrorCtx(ctx, "failed to read redelivered task %s: %v", taskID, err)
		return false
	}
	if existing != nil && existing.Status == model.TaskStatusProcessing {
		logger.InfoCtx(ctx, "message %s redelivered with task still processing, resuming", msg.MessageID)
		return ig.finishTask(ctx, msgCtx, msg, existing)
	}
	logger.InfoCtx(ctx, "message %s already persisted, completing duplicate", msg.MessageID)
	ig.settleSuccess(ctx, msg)
	return true
}

// finishTask runs the handler for a persisted task and applies the outcome to
// both the task and the message. msgCtx carries the per-message deadline;
// settlement runs on the loop context so a timed-out message can still settle.
func (ig *Ingester) finishTask(ctx, msgCtx context.Context, msg *bus.Message, task *model.Task) bool {
	herr := ig.runHandler(msgCtx, task)
	if herr == nil {
		if _, err := ig.ledger.TryUpdateTaskStatus(msgCtx, task.TaskID, model.TaskStatusCompleted); err != nil {
			logger.WarnCtx(ctx, "failed to complete task %s: %v", task.TaskID, err)
		}
		ig.settleSuccess(ctx, msg)
		return true
	}

	logger.WarnCtx(ctx, "message %s processing failed: %v", msg.MessageID, herr)
	if _, err := ig.ledger.TryUpdateTaskStatus(msgCtx, task.TaskID, model.TaskStatusFailed); err != nil {
		logger.WarnCtx(ctx, "failed to fail task %s: %v", task.TaskID, err)
	}
	ig.settleFailure(ctx, msg, herr.Error())
	return false
}

// runHandler invokes the user handler with a bounded retry envelope. A nil
// handler is the store-and-forward path: nothing to do here, the worker
// subsystem picks the task up.
func (ig *Ingester) runHandler(ctx context.Context, task *model.Task) error {
	if ig.handler == nil {
		return nil
	}
	var lastErr error
	for attempt := 1; attempt <= handlerAttempts; attempt++ {
		lastErr = ig.handler(ctx, task)
		if lastErr == nil {
			return nil
		}
		if taskerr.IsTerminal(lastErr) || ctx.Err() != nil {
			return lastErr
		}
		if attempt < handlerAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retry.After(attempt)):
			}
		}
	}
	return lastErr
}

func (ig *Ingester) buildTask(msg *bus.Message) *model.Task {
	metadata := make(map[string]string, len(msg.Properties)+3)
	for k, v := range msg.Properties {
		metadata[k] = v
	}
	metadata[MetaSource] = ig.cfg.Source
	if ig.cfg.TopicName != "" {
		metadata[MetaTopicName] = ig.cfg.TopicName
	}
	if ig.cfg.SubscriptionName != "" {
		metadata[MetaSubscriptionName] = ig.cfg.SubscriptionName
	}

	return &model.Task{
		TaskID:     msg.MessageID,
		Body:       msg.Body,
		Status:     model.TaskStatusProcessing,
		RetryCount: 0,
		Metadata:   metadata,
	}
}

func (ig *Ingester) settleSuccess(ctx context.Context, msg *bus.Message) {
	if err := ig.bus.Complete(ctx, msg); err != nil {
		if errors.Is(err, bus.ErrLockLost) {
			// The broker released the lock; the message will be redelivered
			// and the upsert is idempotent.
			logger.WarnCtx(ctx, "lock lost completing message %s", msg.MessageID)
		} else {
			logger.ErrorCtx(ctx, "failed to complete message %s: %v", msg.MessageID, err)
		}
		return
	}
	if ig.metrics != nil {
		ig.metrics.MessagesIngested.WithLabelValues("completed").Inc()
	}
}

func (ig *Ingester) settleFailure(ctx context.Context, msg *bus.Message, reason string) {
	var err error
	disposition := "abandoned"
	if ig.cfg.DeadLetterFailedMessages {
		disposition = "deadlettered"
		err = ig.bus.DeadLetter(ctx, msg, reason)
	} else {
		err = ig.bus.Abandon(ctx, msg)
	}
	if err != nil {
		if errors.Is(err, bus.ErrLockLost) {
			logger.WarnCtx(ctx, "lock lost settling message %s", msg.MessageID)
		} else {
			logger.ErrorCtx(ctx, "failed to settle message %s: %v", msg.MessageID, err)
		}
		return
	}
	if ig.metrics != nil {
		ig.metrics.MessagesIngested.WithLabelValues(disposition).Inc()
	}
}
