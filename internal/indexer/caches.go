package indexer

import (
	"container/list"
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"marketindex/internal/store"
	"marketindex/pkg/types"
)

const blockTimestampCacheSize = 512

// blockTimestampCache memoizes block number -> timestamp with LRU
// eviction. Block timestamps are immutable, so entries never expire.
type blockTimestampCache struct {
	mu      sync.Mutex
	entries map[uint64]*list.Element
	order   *list.List // front = most recently used
}

type tsEntry struct {
	block uint64
	ts    time.Time
}

func newBlockTimestampCache() *blockTimestampCache {
	return &blockTimestampCache{
		entries: make(map[uint64]*list.Element),
		order:   list.New(),
	}
}

func (c *blockTimestampCache) get(block uint64) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[block]
	if !ok {
		return time.Time{}, false
	}
	c.order.MoveToFront(el)
	return el.Value.(tsEntry).ts, true
}

func (c *blockTimestampCache) put(block uint64, ts time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[block]; ok {
		c.order.MoveToFront(el)
		return
	}
	c.entries[block] = c.order.PushFront(tsEntry{block: block, ts: ts})
	if c.order.Len() > blockTimestampCacheSize {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(tsEntry).block)
	}
}

// marketMetaCache keeps market metadata resolvable by lowercase pool
// address and by market id without a store round trip per log. Entries
// expire so registry edits are picked up within a minute.
type marketMetaCache struct {
	store *store.Store
	ttl   time.Duration

	mu     sync.Mutex
	byPool map[string]metaEntry
	byID   map[string]metaEntry
}

type metaEntry struct {
	market  *types.Market
	savedAt time.Time
}

func newMarketMetaCache(s *store.Store, ttl time.Duration) *marketMetaCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &marketMetaCache{
		store:  s,
		ttl:    ttl,
		byPool: make(map[string]metaEntry),
		byID:   make(map[string]metaEntry),
	}
}

// byPoolAddress resolves the market owning a pool. A nil market with nil
// error means the address belongs to no known market; negative results
// are cached too so foreign logs in a busy block cost one lookup.
func (c *marketMetaCache) byPoolAddress(ctx context.Context, pool string) (*types.Market, error) {
	pool = strings.ToLower(pool)

	c.mu.Lock()
	if e, ok := c.byPool[pool]; ok && time.Since(e.savedAt) < c.ttl {
		c.mu.Unlock()
		return e.market, nil
	}
	c.mu.Unlock()

	m, err := c.store.GetMarketByPool(ctx, pool)
	if err != nil && !errors.Is(err, store.ErrMarketNotFound) {
		return nil, err
	}

	c.mu.Lock()
	c.byPool[pool] = metaEntry{market: m, savedAt: time.Now()}
	if m != nil {
		c.byID[m.ID] = metaEntry{market: m, savedAt: time.Now()}
	}
	c.mu.Unlock()
	return m, nil
}

// byMarketID resolves a market by id, caching positive results only.
func (c *marketMetaCache) byMarketID(ctx context.Context, id string) (*types.Market, error) {
	c.mu.Lock()
	if e, ok := c.byID[id]; ok && e.market != nil && time.Since(e.savedAt) < c.ttl {
		c.mu.Unlock()
		return e.market, nil
	}
	c.mu.Unlock()

	m, err := c.store.GetMarketByKey(ctx, id)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.byID[id] = metaEntry{market: m, savedAt: time.Now()}
	c.byPool[strings.ToLower(m.FPMMAddress)] = metaEntry{market: m, savedAt: time.Now()}
	c.mu.Unlock()
	return m, nil
}
