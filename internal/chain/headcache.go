package chain

import (
	"context"
	"sync"
	"time"
)

// HeadReader is the single read HeadCache needs from the gateway.
type HeadReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// HeadCache memoizes the latest chain head for readers that only need an
// approximate head (lag computation, summary documents). Refreshes through
// the gateway at most once per TTL; Refresh forces an immediate read.
type HeadCache struct {
	gw  HeadReader
	ttl time.Duration

	mu        sync.Mutex
	head      uint64
	fetchedAt time.Time
}

// NewHeadCache creates a head cache with the given TTL (60s when <= 0).
func NewHeadCache(gw HeadReader, ttl time.Duration) *HeadCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &HeadCache{gw: gw, ttl: ttl}
}

// Latest returns the cached head, refreshing it if the TTL elapsed. A
// refresh failure returns the stale value with the error so callers can
// degrade instead of failing.
func (h *HeadCache) Latest(ctx context.Context) (uint64, error) {
	h.mu.Lock()
	if time.Since(h.fetchedAt) < h.ttl && h.head > 0 {
		head := h.head
		h.mu.Unlock()
		return head, nil
	}
	h.mu.Unlock()
	return h.Refresh(ctx)
}

// Refresh reads the head through the gateway and updates the cache.
func (h *HeadCache) Refresh(ctx context.Context) (uint64, error) {
	head, err := h.gw.BlockNumber(ctx)
	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		return h.head, err
	}
	h.head = head
	h.fetchedAt = time.Now()
	return head, nil
}

// Peek returns the cached value without refreshing (0 if never fetched).
func (h *HeadCache) Peek() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.head
}
