package worker

import (
	"context"
	"fmt"
	"time"

	"taskledger/internal/model"
	"taskledger/pkg/interfaces"
	"taskledger/pkg/logger"
	"taskledger/pkg/metrics"
)

// Recoverer detects Running tasks whose worker died and routes them back to
// Queued. It runs at the top of every worker loop iteration; losing the
// requeue race to another worker is expected and benign.
type Recoverer struct {
	ledger    interfaces.Ledger
	workerID  string
	threshold time.Duration
	metrics   *metrics.Metrics
}

// NewRecoverer creates a recoverer for the given worker identity.
func NewRecoverer(ledger interfaces.Ledger, workerID string, threshold time.Duration, m *metrics.Metrics) *Recoverer {
	if threshold <= 0 {
		threshold = 5 * time.Minute
	}
	return &Recoverer{
		ledger:    ledger,
		workerID:  workerID,
		threshold: threshold,
		metrics:   m,
	}
}

// ExecuteOnce performs one recovery sweep and returns how many tasks this
// worker requeued.
func (r *Recoverer) ExecuteOnce(ctx context.Context) (int, error) {
	stalled, err := r.ledger.GetStalledTasks(ctx, r.threshold, r.workerID)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, task := range stalled {
		reason := "Task stalled in current worker"
		if task.WorkerPodID != r.workerID {
			reason = fmt.Sprintf("Task stalled in worker %s", task.WorkerPodID)
		}

		ok, err := r.ledger.RequeueTask(ctx, task.TaskID, model.TaskStatusQueued, reason)
		if err != nil {
			logger.WarnCtx(ctx, "failed to requeue stalled task %s: %v", task.TaskID, err)
			continue
		}
		if !ok {
			// Another worker won the race.
			logger.DebugCtx(ctx, "stalled task %s already recovered elsewhere", task.TaskID)
			continue
		}

		requeued++
		if r.metrics != nil {
			r.metrics.TasksRequeued.Inc()
		}
		logger.InfoCtx(ctx, "requeued stalled task %s (%s)", task.TaskID, reason)
	}
	return requeued, nil
}
