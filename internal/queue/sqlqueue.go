package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"marketindex/pkg/types"
)

const (
	txQueueName    = "tx"
	sweepQueueName = "sweep"

	pollEvery = 200 * time.Millisecond
)

// SQL is the durable backend. Jobs are rows in the indexer database and
// the sweep locks live in system_kv as unix expiry timestamps, so pending
// work and in-flight locks survive a restart.
type SQL struct {
	db        *sql.DB
	dedupeTTL time.Duration
	now       func() time.Time
}

// NewSQL returns a store-backed queue over the indexer's database handle.
func NewSQL(db *sql.DB, dedupeTTL time.Duration) *SQL {
	return &SQL{db: db, dedupeTTL: dedupeTTL, now: time.Now}
}

func (q *SQL) PushTx(ctx context.Context, job types.TxJob) error {
	return q.push(ctx, txQueueName, job)
}

func (q *SQL) PopTx(ctx context.Context) (types.TxJob, bool, error) {
	var job types.TxJob
	ok, err := q.pop(ctx, txQueueName, &job)
	return job, ok, err
}

func (q *SQL) EnqueueSweep(ctx context.Context, marketID string) (bool, error) {
	acquired, err := q.tryAcquireLock(ctx, marketID)
	if err != nil || !acquired {
		return false, err
	}
	if err := q.push(ctx, sweepQueueName, types.SweepJob{MarketID: marketID}); err != nil {
		_ = q.ReleaseSweepLock(ctx, marketID)
		return false, err
	}
	return true, nil
}

func (q *SQL) PopSweep(ctx context.Context) (types.SweepJob, bool, error) {
	var job types.SweepJob
	ok, err := q.pop(ctx, sweepQueueName, &job)
	return job, ok, err
}

func (q *SQL) ReleaseSweepLock(ctx context.Context, marketID string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM system_kv WHERE key = ?`, sweepLockPrefix+marketID)
	if err != nil {
		return fmt.Errorf("release sweep lock %s: %w", marketID, err)
	}
	return nil
}

func (q *SQL) PendingTx(ctx context.Context) (int, error) {
	return q.pending(ctx, txQueueName)
}

func (q *SQL) PendingSweep(ctx context.Context) (int, error) {
	return q.pending(ctx, sweepQueueName)
}

// Close is a no-op: the database handle belongs to the store.
func (q *SQL) Close() error { return nil }

func (q *SQL) push(ctx context.Context, queueName string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s job: %w", queueName, err)
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO jobs (queue, payload, created_at) VALUES (?, ?, ?)`,
		queueName, string(raw), q.now().Unix())
	if err != nil {
		return fmt.Errorf("push %s job: %w", queueName, err)
	}
	return nil
}

// pop polls until a row is claimed or PopTimeout elapses. Claiming runs in
// a transaction so concurrent workers never take the same row.
func (q *SQL) pop(ctx context.Context, queueName string, into any) (bool, error) {
	deadline := time.NewTimer(PopTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()

	for {
		ok, err := q.take(ctx, queueName, into)
		if err != nil || ok {
			return ok, err
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

func (q *SQL) take(ctx context.Context, queueName string, into any) (bool, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin take: %w", err)
	}
	defer tx.Rollback()

	var (
		id  int64
		raw string
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, payload FROM jobs WHERE queue = ? ORDER BY id LIMIT 1`,
		queueName).Scan(&id, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("take %s job: %w", queueName, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return false, fmt.Errorf("claim %s job %d: %w", queueName, id, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit take: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), into); err != nil {
		return false, fmt.Errorf("unmarshal %s job %d: %w", queueName, id, err)
	}
	return true, nil
}

func (q *SQL) pending(ctx context.Context, queueName string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE queue = ?`, queueName).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pending %s: %w", queueName, err)
	}
	return n, nil
}

// tryAcquireLock reserves sweep-lock:<marketID> unless a non-expired lock
// exists. A single guarded upsert keeps the check-and-set atomic: the
// conflict branch only fires when the held lock has expired, so exactly
// one of any set of concurrent callers sees a row change.
func (q *SQL) tryAcquireLock(ctx context.Context, marketID string) (bool, error) {
	now := q.now()
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO system_kv (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
		WHERE CAST(system_kv.value AS INTEGER) <= ?`,
		sweepLockPrefix+marketID,
		strconv.FormatInt(now.Add(q.dedupeTTL).Unix(), 10),
		now.Unix())
	if err != nil {
		return false, fmt.Errorf("acquire sweep lock %s: %w", marketID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
