// Package recon runs the periodic reconciliation sweeper, the pull-based
// safety net under the push pipeline. Every cycle it walks all tracked
// pools from their cursors toward a confirmed head, fetching logs in
// windows chunked across addresses, and commits them through the same
// apply path the indexer uses. With push subscriptions healthy the cycles
// find nothing; after an outage they close the gap.
package recon

import (
	"context"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"marketindex/internal/config"
	"marketindex/internal/indexer"
	"marketindex/internal/store"
	"marketindex/pkg/types"
)

// maxAddressesPerQuery bounds how many pool addresses share one getLogs
// call; providers reject overly wide filters.
const maxAddressesPerQuery = 40

// warpConfirmations is how far behind head a warped cursor lands.
const warpConfirmations = 2

// chainReader is the slice of the gateway the sweeper uses.
type chainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	Logs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error)
}

// Sweeper is the periodic reconciliation loop.
type Sweeper struct {
	store  *store.Store
	chain  chainReader
	idx    *indexer.Indexer
	cfg    config.ReconConfig
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	lastCycle time.Time
	lastErr   error
}

// New wires a sweeper over the shared apply path.
func New(s *store.Store, cr chainReader, idx *indexer.Indexer, cfg config.ReconConfig, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:  s,
		chain:  cr,
		idx:    idx,
		cfg:    cfg,
		logger: logger.With("component", "recon"),
	}
}

// Start launches the cycle loop.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()
	s.logger.Info("reconciliation sweeper started", "interval", s.cfg.Interval())
}

// Stop cancels the loop and waits for the running cycle.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("reconciliation sweeper stopped")
}

// Status reports the last cycle time and its error, for the health report.
func (s *Sweeper) Status() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCycle, s.lastErr
}

func (s *Sweeper) loop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := s.RunCycle(ctx)
		s.mu.Lock()
		s.lastCycle = time.Now()
		s.lastErr = err
		s.mu.Unlock()
		if err != nil && ctx.Err() == nil {
			s.logger.Error("reconciliation cycle failed", "error", err)
		}
	}
}

// RunCycle reconciles every tracked market once.
func (s *Sweeper) RunCycle(ctx context.Context) error {
	head, err := s.chain.BlockNumber(ctx)
	if err != nil {
		return err
	}
	if head <= s.cfg.Confirmations {
		return nil
	}
	safeHead := head - s.cfg.Confirmations

	markets, err := s.store.ListActiveMarkets(ctx)
	if err != nil {
		return err
	}

	var behind []types.Market
	for _, m := range markets {
		ms, err := s.store.EnsureMarketSync(ctx, m.ID, s.cfg.BaselineBlock)
		if err != nil {
			return err
		}
		if ms.LastIndexedBlock >= safeHead {
			continue
		}
		lag := safeHead - ms.LastIndexedBlock

		// a cursor this stale means a long outage; replaying the whole
		// gap is worse than losing it, so warp to near head
		if lag > s.cfg.JumpThreshold {
			warpTo := head - warpConfirmations
			if err := s.store.RewindMarketSync(ctx, m.ID, warpTo); err != nil {
				return err
			}
			s.logger.Warn("cursor warped to head",
				"marketId", m.ID, "lagBlocks", lag, "newCursor", warpTo)
			continue
		}
		behind = append(behind, m)
	}

	for chunk := 0; chunk < len(behind); chunk += maxAddressesPerQuery {
		end := chunk + maxAddressesPerQuery
		if end > len(behind) {
			end = len(behind)
		}
		if err := s.reconcileChunk(ctx, behind[chunk:end], safeHead); err != nil {
			return err
		}
	}
	return nil
}

// reconcileChunk drains [oldest cursor+1, safeHead] for up to 40 pools in
// windows of ScanBlocks, committing every market's cursor per window.
func (s *Sweeper) reconcileChunk(ctx context.Context, markets []types.Market, safeHead uint64) error {
	from := safeHead
	addresses := make([]common.Address, 0, len(markets))
	byPool := make(map[string]*types.Market, len(markets))
	for i := range markets {
		m := &markets[i]
		ms, err := s.store.GetMarketSync(ctx, m.ID)
		if err != nil {
			return err
		}
		if ms != nil && ms.LastIndexedBlock+1 < from {
			from = ms.LastIndexedBlock + 1
		}
		addresses = append(addresses, common.HexToAddress(m.FPMMAddress))
		byPool[strings.ToLower(m.FPMMAddress)] = m
	}

	for from <= safeHead {
		to := from + s.cfg.ScanBlocks - 1
		if to > safeHead {
			to = safeHead
		}

		logs, err := s.chain.Logs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: addresses,
		})
		if err != nil {
			return err
		}
		sort.Slice(logs, func(a, b int) bool {
			if logs[a].BlockNumber != logs[b].BlockNumber {
				return logs[a].BlockNumber < logs[b].BlockNumber
			}
			return logs[a].Index < logs[b].Index
		})

		perMarket := make(map[string][]ethtypes.Log)
		for _, l := range logs {
			if m, ok := byPool[strings.ToLower(l.Address.Hex())]; ok {
				perMarket[m.ID] = append(perMarket[m.ID], l)
			}
		}

		for _, m := range markets {
			if mLogs := perMarket[m.ID]; len(mLogs) > 0 {
				if err := s.idx.ApplyLogs(ctx, &m, mLogs, "recon"); err != nil {
					return err
				}
			}
			// monotonic write: markets already past `to` keep their cursor
			if err := s.store.AdvanceMarketSync(ctx, m.ID, to, false); err != nil {
				return err
			}
		}

		if len(logs) > 0 {
			s.logger.Debug("reconciled window", "from", from, "to", to, "logs", len(logs))
		}
		from = to + 1
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}
