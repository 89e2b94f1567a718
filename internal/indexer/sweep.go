package indexer

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"marketindex/internal/store"
	"marketindex/pkg/types"
)

// processSweepJob replays log windows for one market from its cursor
// toward the head. The sweep lock taken at enqueue time is released on
// every exit path so a failed sweep can be rescheduled.
func (i *Indexer) processSweepJob(ctx context.Context, job types.SweepJob) error {
	defer func() {
		if err := i.queue.ReleaseSweepLock(context.WithoutCancel(ctx), job.MarketID); err != nil {
			i.logger.Warn("sweep lock release failed", "marketId", job.MarketID, "error", err)
		}
	}()
	return i.sweepMarket(ctx, job.MarketID)
}

func newBig(v uint64) *big.Int { return new(big.Int).SetUint64(v) }

// bootstrapCursor picks a starting block for a market whose cursor was
// never set but whose trades predate this deployment: back off from the
// first known trade far enough to re-cover it, floored at the configured
// baseline, instead of scanning from genesis.
func (i *Indexer) bootstrapCursor(ctx context.Context, marketID string) (uint64, bool, error) {
	firstBlock, ok, err := i.store.FirstTradeBlock(ctx, marketID)
	if err != nil || !ok {
		return 0, false, err
	}

	safety := i.cfg.ScanBlocks * uint64(i.cfg.SweepMaxBatches)
	if safety < bootstrapSafetyMin {
		safety = bootstrapSafetyMin
	}
	start := uint64(0)
	if firstBlock > safety {
		start = firstBlock - safety
	}
	if start < i.cfg.BaselineBlock {
		start = i.cfg.BaselineBlock
	}
	return start, true, nil
}

// sweepMarket drains up to SweepMaxBatches windows of ScanBlocks each for
// one pool, committing the cursor after every window.
func (i *Indexer) sweepMarket(ctx context.Context, marketID string) error {
	market, err := i.meta.byMarketID(ctx, marketID)
	if err != nil {
		if errors.Is(err, store.ErrMarketNotFound) {
			return nil // deleted while queued
		}
		return fmt.Errorf("resolve market: %w", err)
	}

	ms, err := i.store.EnsureMarketSync(ctx, marketID, i.cfg.BaselineBlock)
	if err != nil {
		return err
	}
	cursor := ms.LastIndexedBlock

	if cursor == 0 {
		start, bootstrapped, err := i.bootstrapCursor(ctx, marketID)
		if err != nil {
			return err
		}
		if bootstrapped {
			if err := i.store.RewindMarketSync(ctx, marketID, start); err != nil {
				return err
			}
			cursor = start
			i.logger.Info("bootstrapped sweep cursor", "marketId", marketID, "block", start)
		}
	}

	// sweeps run to the raw head; the recon loop applies confirmations
	safeHead, err := i.chain.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("head: %w", err)
	}
	if safeHead <= cursor || safeHead-cursor <= i.cfg.SweepWindowBlocks {
		return nil
	}

	pool := common.HexToAddress(market.FPMMAddress)
	for batch := 0; batch < i.cfg.SweepMaxBatches; batch++ {
		from := cursor + 1
		if from > safeHead {
			break
		}
		to := from + i.cfg.ScanBlocks - 1
		if to > safeHead {
			to = safeHead
		}

		logs, err := i.chain.Logs(ctx, ethereum.FilterQuery{
			FromBlock: newBig(from),
			ToBlock:   newBig(to),
			Addresses: []common.Address{pool},
		})
		if err != nil {
			return fmt.Errorf("logs [%d,%d]: %w", from, to, err)
		}

		if err := i.applyMarketLogs(ctx, market, logs, "sweep"); err != nil {
			return fmt.Errorf("apply window [%d,%d]: %w", from, to, err)
		}
		if err := i.store.AdvanceMarketSync(ctx, marketID, to, true); err != nil {
			return fmt.Errorf("advance cursor: %w", err)
		}
		cursor = to

		i.logger.Debug("swept window", "marketId", marketID, "from", from, "to", to, "logs", len(logs))

		if cursor >= safeHead {
			break
		}
		sleep(ctx, i.pause)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	i.publishIndexed(ctx, marketID, cursor)
	return nil
}
