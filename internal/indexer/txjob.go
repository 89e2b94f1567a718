package indexer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"marketindex/internal/amm"
	"marketindex/internal/chain"
	"marketindex/internal/store"
	"marketindex/pkg/types"
)

// processTxJob turns a tx hint into indexed rows for every market touched
// by the containing block. The hint only locates the block; all pool logs
// in it are processed so one webhook covers multi-market transactions.
func (i *Indexer) processTxJob(ctx context.Context, job types.TxJob) error {
	receipt, err := i.pollReceipt(ctx, common.HexToHash(job.TxHash))
	if err != nil {
		return err
	}

	logs, err := i.chain.BlockLogs(ctx, receipt.BlockHash)
	if err != nil {
		return fmt.Errorf("block logs %s: %w", receipt.BlockHash, err)
	}

	blockNumber := receipt.BlockNumber.Uint64()

	// partition by pool, preserving first-seen order
	byPool := make(map[string][]ethtypes.Log)
	var poolOrder []string
	for _, l := range logs {
		addr := strings.ToLower(l.Address.Hex())
		if _, seen := byPool[addr]; !seen {
			poolOrder = append(poolOrder, addr)
		}
		byPool[addr] = append(byPool[addr], l)
	}

	for _, pool := range poolOrder {
		market, err := i.meta.byPoolAddress(ctx, pool)
		if err != nil {
			return fmt.Errorf("resolve pool %s: %w", pool, err)
		}
		if market == nil {
			continue // not ours
		}

		if err := i.applyMarketLogs(ctx, market, byPool[pool], "tx"); err != nil {
			// no cursor advance for this market; a sweep will recover
			i.logger.Error("apply failed, scheduling sweep",
				"marketId", market.ID, "block", blockNumber, "error", err)
			if _, qErr := i.queue.EnqueueSweep(ctx, market.ID); qErr != nil {
				i.logger.Error("recovery sweep enqueue failed", "marketId", market.ID, "error", qErr)
			}
			continue
		}

		if err := i.store.AdvanceMarketSync(ctx, market.ID, blockNumber, false); err != nil {
			return fmt.Errorf("advance cursor %s: %w", market.ID, err)
		}
		i.publishIndexed(ctx, market.ID, blockNumber)
	}
	return nil
}

// pollReceipt waits out chain lag: a webhook can fire before the node we
// read from has the receipt.
func (i *Indexer) pollReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	for attempt := 1; attempt <= maxReceiptAttempts; attempt++ {
		receipt, err := i.chain.ReceiptByHash(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, chain.ErrNotFound) {
			return nil, fmt.Errorf("receipt %s: %w", txHash, err)
		}
		if attempt < maxReceiptAttempts {
			sleep(ctx, i.receiptPoll)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
		}
	}
	return nil, fmt.Errorf("receipt %s not found after %d attempts", txHash, maxReceiptAttempts)
}

// ApplyLogs runs the decode/apply/persist path for one market's logs. The
// reconciliation sweeper shares it so both ingest paths commit rows the
// same way.
func (i *Indexer) ApplyLogs(ctx context.Context, market *types.Market, logs []ethtypes.Log, source string) error {
	return i.applyMarketLogs(ctx, market, logs, source)
}

// applyMarketLogs hydrates the market's state, applies its logs in log
// index order, persists every produced row, and publishes committed
// trades. Rows the store already has (duplicate delivery) are skipped
// silently by both the applier and the unique indexes.
func (i *Indexer) applyMarketLogs(ctx context.Context, market *types.Market, logs []ethtypes.Log, source string) error {
	if _, err := i.store.EnsureMarketSync(ctx, market.ID, i.cfg.BaselineBlock); err != nil {
		return err
	}
	state, err := i.store.LoadMarketState(ctx, *market)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	sort.Slice(logs, func(a, b int) bool {
		if logs[a].BlockNumber != logs[b].BlockNumber {
			return logs[a].BlockNumber < logs[b].BlockNumber
		}
		return logs[a].Index < logs[b].Index
	})

	for _, l := range logs {
		ev, ok, err := amm.Decode(l)
		if err != nil {
			// permanent: a recognized topic with malformed data will
			// never decode differently, so skip just this log
			i.logger.Warn("undecodable log, skipping",
				"txHash", l.TxHash, "logIndex", l.Index, "error", err)
			continue
		}
		if !ok {
			continue
		}

		blockTime, err := i.blockTime(ctx, l.BlockNumber)
		if err != nil {
			return fmt.Errorf("block time %d: %w", l.BlockNumber, err)
		}

		ref := amm.Ref{
			TxHash:      l.TxHash.Hex(),
			BlockNumber: l.BlockNumber,
			LogIndex:    uint32(l.Index),
		}
		res, err := amm.Apply(state, ev, ref, blockTime)
		if err != nil {
			return fmt.Errorf("apply %s/%d: %w", l.TxHash, l.Index, err)
		}
		if res.Skipped {
			continue
		}

		if err := i.persist(ctx, market.ID, res, source); err != nil {
			return err
		}
	}
	return nil
}

// persist writes one applied event's rows in a single transaction and
// publishes the trade if this process was the first to commit it. The
// rows must land atomically: a liquidity snapshot committed without its
// derived rows would make the recovery replay skip the event as a
// duplicate.
func (i *Indexer) persist(ctx context.Context, marketID string, res amm.Result, source string) error {
	rows := store.EventRows{
		Liquidity: res.Liquidity,
		Trade:     res.Trade,
		Candle:    res.Candle,
		Spot:      res.Spot,
	}
	if rows.Liquidity != nil {
		rows.Liquidity.MarketID = marketID
		rows.Liquidity.Source = source
	}
	if rows.Trade != nil {
		rows.Trade.MarketID = marketID
	}
	if rows.Candle != nil {
		rows.Candle.MarketID = marketID
	}
	if rows.Spot != nil {
		rows.Spot.MarketID = marketID
	}

	tradeInserted, err := i.store.CommitEventRows(ctx, rows)
	if err != nil {
		return err
	}
	if tradeInserted {
		if err := i.bus.Publish("trades."+marketID, types.NewTradeMessage(*rows.Trade)); err != nil {
			// correctness never depends on bus delivery
			i.logger.Warn("trade publish failed", "marketId", marketID, "error", err)
		}
	}
	return nil
}
