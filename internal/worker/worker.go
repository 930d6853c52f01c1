// Package worker runs the task-processing loop: acquire, heartbeat, process,
// transition, retry, and recovery of tasks abandoned by dead workers.
package worker

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"taskledger/internal/model"
	"taskledger/pkg/interfaces"
	"taskledger/pkg/logger"
	"taskledger/pkg/metrics"
)

// Config carries the worker loop settings.
type Config struct {
	Identity          Identity
	BatchSize         int
	MaxRetries        int
	PollingInterval   time.Duration
	HeartbeatInterval time.Duration
	StaleTaskTimeout  time.Duration
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.PollingInterval <= 0 {
		c.PollingInterval = 10 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.StaleTaskTimeout <= 0 {
		c.StaleTaskTimeout = 5 * time.Minute
	}
}

// Worker is one task-processing loop. Each worker process runs exactly one.
type Worker struct {
	cfg       Config
	workerID  string
	ledger    interfaces.Ledger
	handler   interfaces.TaskHandler
	recoverer *Recoverer
	metrics   *metrics.Metrics
}

// New creates a worker bound to a ledger and a user handler.
func New(cfg Config, ledger interfaces.Ledger, handler interfaces.TaskHandler, m *metrics.Metrics) *Worker {
	cfg.applyDefaults()
	workerID := cfg.Identity.WorkerID()
	return &Worker{
		cfg:       cfg,
		workerID:  workerID,
		ledger:    ledger,
		handler:   handler,
		recoverer: NewRecoverer(ledger, workerID, cfg.StaleTaskTimeout, m),
		metrics:   m,
	}
}

// WorkerID returns the ownership token this worker writes into workerPodId.
func (w *Worker) WorkerID() string {
	return w.workerID
}

// Run executes the loop until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	logger.InfoCtx(ctx, "worker %s started", w.workerID)
	for {
		if err := w.ExecuteOnce(ctx); err != nil {
			if ctx.Err() != nil {
				logger.InfoCtx(ctx, "worker %s stopping: %v", w.workerID, ctx.Err())
				return ctx.Err()
			}
			logger.WarnCtx(ctx, "worker iteration failed: %v", err)
		}

		select {
		case <-ctx.Done():
			logger.InfoCtx(ctx, "worker %s stopping", w.workerID)
			return ctx.Err()
		case <-time.After(w.cfg.PollingInterval):
		}
	}
}

// ExecuteOnce performs a single iteration: recover stalled tasks, acquire a
// batch, process it. Exposed so external schedulers can drive the worker.
func (w *Worker) ExecuteOnce(ctx context.Context) error {
	if _, err := w.recoverer.ExecuteOnce(ctx); err != nil {
		logger.WarnCtx(ctx, "stalled task recovery failed: %v", err)
	}

	tasks := w.acquireBatch(ctx)
	if len(tasks) == 0 {
		return ctx.Err()
	}

	// Each task runs under its own cancellation scope; only a shutdown error
	// propagates out of the group.
	g, gctx := errgroup.WithContext(ctx)
	for _, task := range tasks {
		task := task
		g.Go(func() error {
			return w.processTask(gctx, task)
		})
	}
	return g.Wait()
}

// acquireBatch fills up to BatchSize slots. Each slot first promotes an
// ingester-completed task into the worker lane, then claims a queued task
// for execution. The batch ends at the first slot where nothing was claimed.
func (w *Worker) acquireBatch(ctx context.Context) []*model.Task {
	var acquired []*model.Task
	for i := 0; i < w.cfg.BatchSize; i++ {
		now := time.Now().UTC()

		promoted, err := w.ledger.TryAcquireTask(ctx, model.TaskStatusCompleted, model.TaskStatusQueued, w.workerID, now)
		if err != nil {
			logger.WarnCtx(ctx, "task promotion failed: %v", err)
			break
		}
		if promoted != nil {
			// The promotion handed us the lock, so claim the task directly
			// under its version instead of waiting for the heartbeat to go
			// stale.
			ok, err := w.ledger.UpdateStatusIfVersionMatches(ctx, promoted.TaskID, promoted.Version, model.TaskStatusAssigned)
			if err != nil {
				logger.WarnCtx(ctx, "failed to assign promoted task %s: %v", promoted.TaskID, err)
				break
			}
			if ok {
				promoted.Status = model.TaskStatusAssigned
				promoted.Version++
				acquired = append(acquired, promoted)
			}
			continue
		}

		claimed, err := w.ledger.TryAcquireTask(ctx, model.TaskStatusQueued, model.TaskStatusAssigned, w.workerID, now)
		if err != nil {
			logger.WarnCtx(ctx, "task acquisition failed: %v", err)
			break
		}
		if claimed == nil {
			break
		}
		acquired = append(acquired, claimed)
	}
	return acquired
}

// processTask moves an assigned task to Running, keeps its heartbeat alive
// while the handler executes, and applies the outcome transition. Returns an
// error only on process shutdown.
func (w *Worker) processTask(ctx context.Context, task *model.Task) error {
	ok, err := w.ledger.UpdateStatusIfVersionMatches(ctx, task.TaskID, task.Version, model.TaskStatusRunning)
	if err != nil {
		logger.WarnCtx(ctx, "failed to start task %s: %v", task.TaskID, err)
		return nil
	}
	if !ok {
		logger.DebugCtx(ctx, "task %s no longer ours, skipping", task.TaskID)
		return nil
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go w.heartbeatLoop(hbCtx, task.TaskID)

	// Per-task budget: processing may not outlive the stale-task timeout, or
	// another worker will legitimately reclaim the task underneath us.
	taskCtx, cancel := context.WithTimeout(ctx, w.cfg.StaleTaskTimeout)
	defer cancel()

	start := time.Now()
	handlerErr := w.invoke(taskCtx, task)
	stopHeartbeat()
	if w.metrics != nil {
		w.metrics.TaskRunTime.Observe(time.Since(start).Seconds())
	}

	if handlerErr == nil {
		ok, err := w.ledger.TryUpdateTaskStatus(ctx, task.TaskID, model.TaskStatusSucceeded)
		if err != nil {
			logger.WarnCtx(ctx, "failed to mark task %s succeeded: %v", task.TaskID, err)
		} else if !ok {
			logger.WarnCtx(ctx, "task %s changed underneath us before success transition", task.TaskID)
		}
		if w.metrics != nil {
			w.metrics.TasksProcessed.WithLabelValues("succeeded").Inc()
		}
		logger.InfoCtx(ctx, "task %s succeeded", task.TaskID)
		return nil
	}

	if isShutdown(ctx, handlerErr) {
		// Leave the task owned; stall recovery will requeue it.
		logger.InfoCtx(ctx, "shutdown during task %s, leaving it to stall recovery", task.TaskID)
		return handlerErr
	}

	w.handleFailure(ctx, task.TaskID, handlerErr)
	return nil
}

// invoke runs the user handler, converting panics into handler errors.
func (w *Worker) invoke(ctx context.Context, task *model.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	if w.handler == nil {
		return nil
	}
	return w.handler(ctx, task)
}

// heartbeatLoop refreshes the task's liveness beacon until stopped. It reads
// the version fresh on every tick; a guard rejection means another
// authoritative change happened and this worker must drop ownership.
func (w *Worker) heartbeatLoop(ctx context.Context, taskID string) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			task, err := w.ledger.GetByTaskID(ctx, taskID)
			if err != nil {
				logger.WarnCtx(ctx, "heartbeat read for task %s failed: %v", taskID, err)
				continue
			}
			if task == nil || task.WorkerPodID != w.workerID || task.Status != model.TaskStatusRunning {
				return
			}

			ok, err := w.ledger.UpdateHeartbeatIfVersionMatches(ctx, taskID, task.Version, w.workerID, time.Now().UTC())
			if err != nil {
				logger.WarnCtx(ctx, "heartbeat for task %s failed: %v", taskID, err)
				continue
			}
			if !ok {
				if w.metrics != nil {
					w.metrics.HeartbeatMiss.Inc()
				}
				logger.WarnCtx(ctx, "heartbeat version mismatch for task %s, dropping ownership", taskID)
				return
			}
		}
	}
}

// handleFailure applies the failure sub-protocol: record the error, then
// either consume a retry or terminate the task. Version mismatches abort
// without retrying; the task is no longer ours.
func (w *Worker) handleFailure(ctx context.Context, taskID string, cause error) {
	task, err := w.ledger.GetByTaskID(ctx, taskID)
	if err != nil || task == nil {
		logger.WarnCtx(ctx, "failure handling: cannot read task %s: %v", taskID, err)
		return
	}

	ok, err := w.ledger.UpdateStatusAndErrorIfVersionMatches(ctx, taskID, task.Version, model.TaskStatusError, cause.Error())
	if err != nil {
		logger.WarnCtx(ctx, "failure handling: error transition for task %s failed: %v", taskID, err)
		return
	}
	if !ok {
		logger.WarnCtx(ctx, "failure handling: task %s changed underneath us, aborting", taskID)
		return
	}

	task, err = w.ledger.GetByTaskID(ctx, taskID)
	if err != nil || task == nil {
		logger.WarnCtx(ctx, "failure handling: cannot re-read task %s: %v", taskID, err)
		return
	}

	if Classify(cause) == FailureTerminal {
		msg := fmt.Sprintf("Failed permanently after %d retries: %v", task.RetryCount, cause)
		if _, err := w.ledger.UpdateStatusAndErrorIfVersionMatches(ctx, taskID, task.Version, model.TaskStatusFailed, msg); err != nil {
			logger.WarnCtx(ctx, "failure handling: terminal transition for task %s failed: %v", taskID, err)
		}
		if w.metrics != nil {
			w.metrics.TasksProcessed.WithLabelValues("failed").Inc()
		}
		logger.WarnCtx(ctx, "task %s failed terminally: %v", taskID, cause)
		return
	}

	if task.RetryCount < w.cfg.MaxRetries {
		attempt := task.RetryCount + 1
		msg := fmt.Sprintf("Retry attempt %d/%d", attempt, w.cfg.MaxRetries)
		ok, err := w.ledger.RequeueForRetryIfVersionMatches(ctx, taskID, task.Version, model.TaskStatusQueued, msg)
		if err != nil {
			logger.WarnCtx(ctx, "failure handling: retry requeue for task %s failed: %v", taskID, err)
			return
		}
		if ok {
			if w.metrics != nil {
				w.metrics.TasksProcessed.WithLabelValues("retried").Inc()
			}
			logger.InfoCtx(ctx, "task %s queued for retry %d/%d: %v", taskID, attempt, w.cfg.MaxRetries, cause)
		}
		return
	}

	msg := fmt.Sprintf("Failed permanently after %d retries: %v", task.RetryCount, cause)
	if _, err := w.ledger.UpdateStatusAndErrorIfVersionMatches(ctx, taskID, task.Version, model.TaskStatusFailed, msg); err != nil {
		logger.WarnCtx(ctx, "failure handling: final transition for task %s failed: %v", taskID, err)
	}
	if w.metrics != nil {
		w.metrics.TasksProcessed.WithLabelValues("failed").Inc()
	}
	logger.WarnCtx(ctx, "task %s failed permanently after %d retries: %v", taskID, task.RetryCount, cause)
}
