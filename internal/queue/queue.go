// Package queue provides the two FIFO job queues feeding the indexer: the
// tx queue (block hints from webhooks and the live ingestor) and the sweep
// queue (per-market catch-up jobs guarded by a TTL lock so a market is
// never swept twice concurrently).
//
// Two interchangeable backends: "memory" (process-local, lost on restart)
// and "store" (rows in the indexer's SQLite database, survive restarts).
package queue

import (
	"context"
	"time"

	"marketindex/pkg/types"
)

// PopTimeout bounds how long a dequeue blocks before reporting empty.
const PopTimeout = 2 * time.Second

const sweepLockPrefix = "sweep-lock:"

// Queue is the job transport between enqueue points (API, ingestor, recon)
// and the indexer workers.
type Queue interface {
	// PushTx appends a tx hint. Pushes never block and never drop.
	PushTx(ctx context.Context, job types.TxJob) error

	// PopTx removes the oldest tx hint, blocking up to PopTimeout.
	// ok is false when the queue stayed empty for the whole wait.
	PopTx(ctx context.Context) (job types.TxJob, ok bool, err error)

	// EnqueueSweep atomically reserves the market's sweep lock and, only
	// when newly reserved, appends a sweep job. Returns false when a live
	// lock already exists (a sweep is scheduled or running).
	EnqueueSweep(ctx context.Context, marketID string) (bool, error)

	// PopSweep removes the oldest sweep job, blocking up to PopTimeout.
	PopSweep(ctx context.Context) (job types.SweepJob, ok bool, err error)

	// ReleaseSweepLock frees the market's lock after the sweep finishes,
	// success or failure. Expired locks count as released either way.
	ReleaseSweepLock(ctx context.Context, marketID string) error

	// PendingTx and PendingSweep report current queue depths.
	PendingTx(ctx context.Context) (int, error)
	PendingSweep(ctx context.Context) (int, error)

	Close() error
}
