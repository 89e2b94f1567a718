// Package indexer drives the ingest pipeline: it pops tx hints and sweep
// jobs off the queues, pulls receipts and logs through the rate-limited
// gateway, runs the AMM decoder/applier, persists rows idempotently, and
// publishes trade and progress notifications on the bus.
//
// Two worker goroutines run for the life of the process, one per queue.
// Jobs within a queue run sequentially; a market's in-memory state is only
// ever touched by the one job currently holding it, and every job rebuilds
// state from the store, so replays and races degrade to skipped duplicate
// rows rather than corruption.
package indexer

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"marketindex/internal/bus"
	"marketindex/internal/chain"
	"marketindex/internal/config"
	"marketindex/internal/queue"
	"marketindex/internal/store"
	"marketindex/pkg/types"
)

const (
	receiptPollInterval = 1500 * time.Millisecond
	maxReceiptAttempts  = 30
	windowPause         = 150 * time.Millisecond
	failurePause        = 500 * time.Millisecond
	bootstrapSafetyMin  = 50000
)

// chainReader is the slice of the gateway the indexer uses.
type chainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
	ReceiptByHash(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
	Logs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error)
	BlockLogs(ctx context.Context, blockHash common.Hash) ([]ethtypes.Log, error)
}

// Indexer owns the tx and sweep workers.
type Indexer struct {
	store  *store.Store
	queue  queue.Queue
	chain  chainReader
	head   *chain.HeadCache
	bus    *bus.Bus
	cfg    config.ReconConfig
	logger *slog.Logger

	tsCache *blockTimestampCache
	meta    *marketMetaCache

	receiptPoll time.Duration // test override
	pause       time.Duration // between sweep windows

	cancel context.CancelFunc
	wg     sync.WaitGroup

	txProcessed    atomic.Uint64
	sweepProcessed atomic.Uint64
	txInflight     atomic.Int64
	sweepInflight  atomic.Int64
}

// New wires an indexer. head may be shared with the API layer.
func New(s *store.Store, q queue.Queue, cr chainReader, head *chain.HeadCache, b *bus.Bus, cfg config.ReconConfig, logger *slog.Logger) *Indexer {
	return &Indexer{
		store:       s,
		queue:       q,
		chain:       cr,
		head:        head,
		bus:         b,
		cfg:         cfg,
		logger:      logger.With("component", "indexer"),
		tsCache:     newBlockTimestampCache(),
		meta:        newMarketMetaCache(s, time.Minute),
		receiptPoll: receiptPollInterval,
		pause:       windowPause,
	}
}

// Start launches the two worker goroutines.
func (i *Indexer) Start(ctx context.Context) {
	ctx, i.cancel = context.WithCancel(ctx)

	i.wg.Add(2)
	go func() {
		defer i.wg.Done()
		i.txWorker(ctx)
	}()
	go func() {
		defer i.wg.Done()
		i.sweepWorker(ctx)
	}()
	i.logger.Info("indexer started")
}

// Stop cancels the workers and waits for the in-flight job to finish.
func (i *Indexer) Stop() {
	if i.cancel != nil {
		i.cancel()
	}
	i.wg.Wait()
	i.logger.Info("indexer stopped")
}

// Head exposes the shared head cache for the read path.
func (i *Indexer) Head() *chain.HeadCache { return i.head }

// Stats is the indexer slice of the health report.
type Stats struct {
	TxProcessed    uint64 `json:"txProcessed"`
	SweepProcessed uint64 `json:"sweepProcessed"`
	TxInflight     int64  `json:"txInflight"`
	SweepInflight  int64  `json:"sweepInflight"`
}

// Stats returns current worker counters.
func (i *Indexer) Stats() Stats {
	return Stats{
		TxProcessed:    i.txProcessed.Load(),
		SweepProcessed: i.sweepProcessed.Load(),
		TxInflight:     i.txInflight.Load(),
		SweepInflight:  i.sweepInflight.Load(),
	}
}

func (i *Indexer) txWorker(ctx context.Context) {
	for ctx.Err() == nil {
		job, ok, err := i.queue.PopTx(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			i.logger.Error("tx queue pop failed", "error", err)
			sleep(ctx, failurePause)
			continue
		}
		if !ok {
			continue
		}

		i.txInflight.Add(1)
		err = i.processTxJob(ctx, job)
		i.txInflight.Add(-1)
		i.txProcessed.Add(1)

		if err != nil && ctx.Err() == nil {
			// hints are never lost: park the job back on the queue
			i.logger.Error("tx job failed, requeueing", "txHash", job.TxHash, "error", err)
			if pushErr := i.queue.PushTx(ctx, job); pushErr != nil {
				i.logger.Error("requeue failed, hint lost", "txHash", job.TxHash, "error", pushErr)
			}
			sleep(ctx, failurePause)
		}
	}
}

func (i *Indexer) sweepWorker(ctx context.Context) {
	for ctx.Err() == nil {
		job, ok, err := i.queue.PopSweep(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			i.logger.Error("sweep queue pop failed", "error", err)
			sleep(ctx, failurePause)
			continue
		}
		if !ok {
			continue
		}

		i.sweepInflight.Add(1)
		err = i.processSweepJob(ctx, job)
		i.sweepInflight.Add(-1)
		i.sweepProcessed.Add(1)

		if err != nil && ctx.Err() == nil {
			i.logger.Error("sweep job failed", "marketId", job.MarketID, "error", err)
		}
	}
}

// MaybeEnqueueSweep schedules a catch-up sweep when the market's cursor
// lag warrants one: lag beyond the sweep window, and either very large
// (4x the window) or the cursor has not moved within the cooldown. Read
// endpoints call this fire-and-forget.
func (i *Indexer) MaybeEnqueueSweep(ctx context.Context, marketID string) {
	ms, err := i.store.GetMarketSync(ctx, marketID)
	if err != nil || ms == nil {
		return
	}
	head, err := i.head.Latest(ctx)
	if err != nil || head <= ms.LastIndexedBlock {
		return
	}

	lag := head - ms.LastIndexedBlock
	if lag <= i.cfg.SweepWindowBlocks {
		return
	}
	veryLarge := lag > 4*i.cfg.SweepWindowBlocks
	coolingOff := time.Since(ms.UpdatedAt) > i.cfg.SweepCooldown()
	if !veryLarge && !coolingOff {
		return
	}

	enqueued, err := i.queue.EnqueueSweep(ctx, marketID)
	if err != nil {
		i.logger.Warn("sweep enqueue failed", "marketId", marketID, "error", err)
		return
	}
	if enqueued {
		i.logger.Info("sweep scheduled", "marketId", marketID, "lagBlocks", lag)
	}
}

// blockTime resolves a block's timestamp through the LRU cache.
func (i *Indexer) blockTime(ctx context.Context, blockNumber uint64) (time.Time, error) {
	if ts, ok := i.tsCache.get(blockNumber); ok {
		return ts, nil
	}
	header, err := i.chain.HeaderByNumber(ctx, new(big.Int).SetUint64(blockNumber))
	if err != nil {
		return time.Time{}, err
	}
	ts := time.Unix(int64(header.Time), 0).UTC()
	i.tsCache.put(blockNumber, ts)
	return ts, nil
}

// publishIndexed announces cursor progress on trades.<marketId>.
func (i *Indexer) publishIndexed(ctx context.Context, marketID string, lastIndexed uint64) {
	head, _ := i.head.Latest(ctx)
	var lag uint64
	if head > lastIndexed {
		lag = head - lastIndexed
	}
	msg := types.IndexedMessage{
		Type:             "indexed",
		MarketID:         marketID,
		LastIndexedBlock: lastIndexed,
		HeadBlock:        head,
		LagBlocks:        lag,
		EmittedAt:        time.Now().UnixMilli(),
	}
	if err := i.bus.Publish("trades."+marketID, msg); err != nil {
		i.logger.Warn("indexed publish failed", "marketId", marketID, "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
