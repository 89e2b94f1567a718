// Package ingest maintains push subscriptions over the chain websocket:
// one log filter per known pool plus one for the pool factory. It never
// decodes or persists — each received log is reduced to its transaction
// hash and handed to the tx queue, so the indexer pipeline treats pushed
// and webhook-delivered hints identically.
//
// The watch-list refreshes every minute from the market registry; factory
// creation events splice new pools in immediately. A failed subscription
// is simply dropped and re-established on the next refresh, with the
// reconciliation sweeper covering whatever the gap missed.
package ingest

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"marketindex/internal/amm"
	"marketindex/internal/queue"
	"marketindex/internal/store"
	"marketindex/pkg/types"
)

const (
	refreshInterval = time.Minute
	logBufferSize   = 256
)

// LogSubscriber is the push API the ingestor needs; satisfied by
// ethclient.Client over a websocket endpoint.
type LogSubscriber interface {
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- ethtypes.Log) (ethereum.Subscription, error)
}

// Ingestor owns the pool and factory subscriptions.
type Ingestor struct {
	store   *store.Store
	queue   queue.Queue
	sub     LogSubscriber
	factory common.Address
	logger  *slog.Logger

	mu      sync.Mutex
	watched map[string]func() // lowercase pool -> unsubscribe

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires an ingestor. factory may be the zero address when no factory
// is deployed; only pool subscriptions run then.
func New(s *store.Store, q queue.Queue, sub LogSubscriber, factory common.Address, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		store:   s,
		queue:   q,
		sub:     sub,
		factory: factory,
		logger:  logger.With("component", "ingest"),
		watched: make(map[string]func()),
	}
}

// Start subscribes to the current watch-list and begins the refresh loop.
func (g *Ingestor) Start(ctx context.Context) {
	ctx, g.cancel = context.WithCancel(ctx)

	if g.factory != (common.Address{}) {
		g.watchFactory(ctx)
	}
	g.refresh(ctx)

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.refresh(ctx)
			}
		}
	}()
	g.logger.Info("live ingestor started")
}

// Stop tears down all subscriptions.
func (g *Ingestor) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.wg.Wait()
	g.logger.Info("live ingestor stopped")
}

// Watched reports how many pool subscriptions are live.
func (g *Ingestor) Watched() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.watched)
}

// refresh reconciles subscriptions against the market registry.
func (g *Ingestor) refresh(ctx context.Context) {
	markets, err := g.store.ListActiveMarkets(ctx)
	if err != nil {
		g.logger.Error("watch-list refresh failed", "error", err)
		return
	}

	current := make(map[string]string, len(markets)) // pool -> market id
	for _, m := range markets {
		current[strings.ToLower(m.FPMMAddress)] = m.ID
	}

	g.mu.Lock()
	var drop []func()
	for pool, unsub := range g.watched {
		if _, keep := current[pool]; !keep {
			drop = append(drop, unsub)
			delete(g.watched, pool)
		}
	}
	g.mu.Unlock()
	for _, unsub := range drop {
		unsub()
	}

	for pool, marketID := range current {
		g.watchPool(ctx, pool, marketID)
	}
}

// watchPool subscribes one pool unless already watched.
func (g *Ingestor) watchPool(ctx context.Context, pool, marketID string) {
	g.mu.Lock()
	if _, ok := g.watched[pool]; ok {
		g.mu.Unlock()
		return
	}
	// reserve the slot before the blocking subscribe call
	g.watched[pool] = func() {}
	g.mu.Unlock()

	logs := make(chan ethtypes.Log, logBufferSize)
	sub, err := g.sub.SubscribeFilterLogs(ctx, ethereum.FilterQuery{
		Addresses: []common.Address{common.HexToAddress(pool)},
	}, logs)
	if err != nil {
		g.logger.Warn("pool subscription failed, sweeper will cover", "pool", pool, "error", err)
		g.mu.Lock()
		delete(g.watched, pool)
		g.mu.Unlock()
		return
	}

	g.mu.Lock()
	g.watched[pool] = sub.Unsubscribe
	g.mu.Unlock()

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.pump(ctx, pool, marketID, sub, logs)
	}()
	g.logger.Info("watching pool", "pool", pool, "marketId", marketID)
}

// pump forwards pool logs as tx hints until the subscription dies.
func (g *Ingestor) pump(ctx context.Context, pool, marketID string, sub ethereum.Subscription, logs <-chan ethtypes.Log) {
	defer func() {
		sub.Unsubscribe()
		g.mu.Lock()
		delete(g.watched, pool)
		g.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-sub.Err():
			if err != nil && ctx.Err() == nil {
				g.logger.Warn("pool subscription dropped", "pool", pool, "error", err)
			}
			return
		case l := <-logs:
			job := types.TxJob{TxHash: l.TxHash.Hex(), MarketID: marketID}
			if err := g.queue.PushTx(ctx, job); err != nil {
				g.logger.Error("tx hint enqueue failed", "txHash", job.TxHash, "error", err)
			}
		}
	}
}

// watchFactory subscribes to pool creation events so new pools join the
// watch-list without waiting for the next refresh.
func (g *Ingestor) watchFactory(ctx context.Context) {
	logs := make(chan ethtypes.Log, logBufferSize)
	sub, err := g.sub.SubscribeFilterLogs(ctx, ethereum.FilterQuery{
		Addresses: []common.Address{g.factory},
		Topics:    [][]common.Hash{{amm.TopicPoolCreated}},
	}, logs)
	if err != nil {
		g.logger.Warn("factory subscription failed", "factory", g.factory, "error", err)
		return
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-sub.Err():
				if err != nil && ctx.Err() == nil {
					g.logger.Warn("factory subscription dropped", "error", err)
				}
				return
			case l := <-logs:
				g.onFactoryLog(ctx, l)
			}
		}
	}()
	g.logger.Info("watching factory", "factory", g.factory)
}

func (g *Ingestor) onFactoryLog(ctx context.Context, l ethtypes.Log) {
	job := types.TxJob{TxHash: l.TxHash.Hex()}
	if err := g.queue.PushTx(ctx, job); err != nil {
		g.logger.Error("tx hint enqueue failed", "txHash", job.TxHash, "error", err)
	}

	pool, err := amm.PoolFromCreationLog(l)
	if err != nil {
		g.logger.Warn("unparseable creation log", "txHash", l.TxHash, "error", err)
		return
	}
	// the registry row may not exist yet; watch the pool now and let the
	// refresh attach the market id once it does
	m, err := g.store.GetMarketByPool(ctx, pool.Hex())
	marketID := ""
	if err == nil && m != nil {
		marketID = m.ID
	}
	g.watchPool(ctx, strings.ToLower(pool.Hex()), marketID)
}
