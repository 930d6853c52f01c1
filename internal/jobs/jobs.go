package jobs

import (
	"context"
	"time"

	"taskledger/internal/ingester"
	"taskledger/internal/worker"
	"taskledger/pkg/interfaces"
)

// WorkerJob drives one worker iteration per tick: stall recovery, batch
// acquisition, processing.
type WorkerJob struct {
	Worker *worker.Worker
	Every  time.Duration
}

func (j *WorkerJob) Name() string            { return "worker-loop" }
func (j *WorkerJob) Interval() time.Duration { return j.Every }

func (j *WorkerJob) Run(ctx context.Context) error {
	return j.Worker.ExecuteOnce(ctx)
}

// IngestJob drives one ingester tick per interval. The tick itself long-polls
// the bus, so the interval only paces error recovery.
type IngestJob struct {
	Ingester *ingester.Ingester
	Every    time.Duration
}

func (j *IngestJob) Name() string            { return "bus-ingest" }
func (j *IngestJob) Interval() time.Duration { return j.Every }

func (j *IngestJob) Run(ctx context.Context) error {
	_, err := j.Ingester.ExecuteOnce(ctx)
	return err
}

// LedgerPingJob probes ledger connectivity so health state degrades before
// the loops start failing loudly.
type LedgerPingJob struct {
	Ledger interfaces.Ledger
	Every  time.Duration
}

func (j *LedgerPingJob) Name() string            { return "ledger-ping" }
func (j *LedgerPingJob) Interval() time.Duration { return j.Every }

func (j *LedgerPingJob) Run(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return j.Ledger.Ping(pingCtx)
}
