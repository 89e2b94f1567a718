// Package chain is the single doorway to the EVM node.
//
// Every outbound read — head number, headers, receipts, log filters,
// contract calls — is wrapped in Gateway.do, which serializes it through
// one shared token bucket and retries rate-limited calls with adaptive
// exponential backoff. Other errors propagate to the caller unchanged.
// The gateway also keeps cheap telemetry (trailing-minute attempt count,
// current backoff, last throttle time) that the health endpoint reads
// without contending with in-flight calls.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"marketindex/internal/config"
)

// Client is the subset of ethclient.Client the gateway needs. Tests
// substitute a fake; production passes the real client from Dial.
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
	HeaderByHash(ctx context.Context, hash common.Hash) (*ethtypes.Header, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
}

// Dial connects to the HTTP RPC endpoint.
func Dial(ctx context.Context, url string) (*ethclient.Client, error) {
	c, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return c, nil
}

// ErrNotFound is returned by ReceiptByHash while the transaction has not
// been mined yet (or the node is lagging).
var ErrNotFound = ethereum.NotFound

// Gateway wraps a Client with rate limiting, throttle backoff and telemetry.
type Gateway struct {
	client Client
	bucket *TokenBucket
	logger *slog.Logger

	backoffBase time.Duration
	backoffMax  time.Duration

	mu       sync.Mutex
	backoff  time.Duration
	last429  time.Time
	attempts []time.Time // attempt timestamps inside the trailing minute
}

// NewGateway builds a gateway from the RPC config.
func NewGateway(cfg config.RPCConfig, client Client, logger *slog.Logger) *Gateway {
	base := time.Duration(cfg.BackoffBaseMs) * time.Millisecond
	if base <= 0 {
		base = 300 * time.Millisecond
	}
	max := time.Duration(cfg.BackoffMaxMs) * time.Millisecond
	if max < base {
		max = 5 * time.Second
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.MaxQPS
	}
	return &Gateway{
		client:      client,
		bucket:      NewTokenBucket(burst, cfg.MaxQPS),
		logger:      logger.With("component", "rpc-gateway"),
		backoffBase: base,
		backoffMax:  max,
		backoff:     base,
	}
}

// do acquires a token, runs op, and retries forever on rate-limit errors
// with doubling backoff. Any other error propagates; callers own upstream
// cancellation and timeouts.
func (g *Gateway) do(ctx context.Context, label string, op func(context.Context) error) error {
	for {
		if err := g.bucket.Wait(ctx); err != nil {
			return err
		}
		g.recordAttempt()

		err := op(ctx)
		if err == nil {
			g.resetBackoff()
			return nil
		}
		if !isRateLimited(err) {
			return err
		}

		wait := g.bumpBackoff()
		g.logger.Warn("rpc throttled, backing off",
			"op", label,
			"backoff", wait,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// isRateLimited matches provider throttle responses by message. Providers
// differ in shape, so this matches the decorated text, which includes any
// nested short message.
func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "429") ||
		strings.Contains(msg, "too many requests")
}

func (g *Gateway) recordAttempt() {
	now := time.Now()
	cutoff := now.Add(-time.Minute)
	g.mu.Lock()
	kept := g.attempts[:0]
	for _, t := range g.attempts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	g.attempts = append(kept, now)
	g.mu.Unlock()
}

func (g *Gateway) resetBackoff() {
	g.mu.Lock()
	g.backoff = g.backoffBase
	g.mu.Unlock()
}

// bumpBackoff returns the wait to apply now and doubles the stored value
// up to the cap.
func (g *Gateway) bumpBackoff() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	wait := g.backoff
	g.last429 = time.Now()
	g.backoff *= 2
	if g.backoff > g.backoffMax {
		g.backoff = g.backoffMax
	}
	return wait
}

// Telemetry is a point-in-time view of the gateway counters.
type Telemetry struct {
	QPS1m     int    `json:"qps1m"`
	BackoffMs int64  `json:"backoffMs"`
	Last429At *int64 `json:"last429At"` // unix ms, nil if never throttled
}

// Stats returns current telemetry.
func (g *Gateway) Stats() Telemetry {
	cutoff := time.Now().Add(-time.Minute)
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, t := range g.attempts {
		if t.After(cutoff) {
			n++
		}
	}
	t := Telemetry{QPS1m: n, BackoffMs: g.backoff.Milliseconds()}
	if !g.last429.IsZero() {
		ms := g.last429.UnixMilli()
		t.Last429At = &ms
	}
	return t
}

// ————————————————————————————————————————————————————————————————————————
// Typed reads
// ————————————————————————————————————————————————————————————————————————

// BlockNumber returns the current chain head.
func (g *Gateway) BlockNumber(ctx context.Context) (uint64, error) {
	var head uint64
	err := g.do(ctx, "getBlockNumber", func(ctx context.Context) error {
		var e error
		head, e = g.client.BlockNumber(ctx)
		return e
	})
	return head, err
}

// HeaderByNumber fetches a block header; nil fetches the latest.
func (g *Gateway) HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error) {
	var h *ethtypes.Header
	err := g.do(ctx, "getBlock", func(ctx context.Context) error {
		var e error
		h, e = g.client.HeaderByNumber(ctx, number)
		return e
	})
	return h, err
}

// HeaderByHash fetches a block header by hash.
func (g *Gateway) HeaderByHash(ctx context.Context, hash common.Hash) (*ethtypes.Header, error) {
	var h *ethtypes.Header
	err := g.do(ctx, "getBlock", func(ctx context.Context) error {
		var e error
		h, e = g.client.HeaderByHash(ctx, hash)
		return e
	})
	return h, err
}

// ReceiptByHash fetches a transaction receipt. Returns ErrNotFound while
// the transaction is unmined; the caller decides the re-poll policy.
func (g *Gateway) ReceiptByHash(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	var r *ethtypes.Receipt
	err := g.do(ctx, "getTransactionReceipt", func(ctx context.Context) error {
		var e error
		r, e = g.client.TransactionReceipt(ctx, txHash)
		if errors.Is(e, ethereum.NotFound) {
			// not a throttle; surface to caller for its own re-poll loop
			return e
		}
		return e
	})
	return r, err
}

// Logs runs a log filter query.
func (g *Gateway) Logs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error) {
	var logs []ethtypes.Log
	err := g.do(ctx, "getLogs", func(ctx context.Context) error {
		var e error
		logs, e = g.client.FilterLogs(ctx, q)
		return e
	})
	return logs, err
}

// BlockLogs fetches every log of one block by hash.
func (g *Gateway) BlockLogs(ctx context.Context, blockHash common.Hash) ([]ethtypes.Log, error) {
	return g.Logs(ctx, ethereum.FilterQuery{BlockHash: &blockHash})
}

// CodeAt returns the deployed bytecode at an address (empty when the
// contract is not deployed).
func (g *Gateway) CodeAt(ctx context.Context, addr common.Address) ([]byte, error) {
	var code []byte
	err := g.do(ctx, "getCode", func(ctx context.Context) error {
		var e error
		code, e = g.client.CodeAt(ctx, addr, nil)
		return e
	})
	return code, err
}

// poolBalancesSelector is the 4-byte selector of getPoolBalances(), the
// pool view returning its two outcome reserves.
var poolBalancesSelector = crypto.Keccak256([]byte("getPoolBalances()"))[:4]

// PoolReserves probes the pool's reserves directly on chain. Used to
// bootstrap brand-new pools and to refresh stale ones; routine reads come
// from the latest persisted liquidity snapshot instead.
func (g *Gateway) PoolReserves(ctx context.Context, pool common.Address) (yes, no *big.Int, err error) {
	var out []byte
	err = g.do(ctx, "getPoolBalances", func(ctx context.Context) error {
		var e error
		out, e = g.client.CallContract(ctx, ethereum.CallMsg{
			To:   &pool,
			Data: poolBalancesSelector,
		}, nil)
		return e
	})
	if err != nil {
		return nil, nil, err
	}
	// ABI layout of uint256[]: offset word, length word, then elements.
	if len(out) < 128 {
		return nil, nil, fmt.Errorf("pool %s: short getPoolBalances response (%d bytes)", pool.Hex(), len(out))
	}
	length := new(big.Int).SetBytes(out[32:64])
	if length.Cmp(big.NewInt(2)) < 0 {
		return nil, nil, fmt.Errorf("pool %s: expected 2 reserves, got %s", pool.Hex(), length)
	}
	yes = new(big.Int).SetBytes(out[64:96])
	no = new(big.Int).SetBytes(out[96:128])
	return yes, no, nil
}
