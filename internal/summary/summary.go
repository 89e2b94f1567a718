// Package summary assembles the per-market read document: metadata,
// derived metrics, recent candles, trades and spot samples, plus cache
// validators. Reads fan out concurrently with a soft timeout each; a slow
// or failing store read degrades the document (stale=true) instead of
// failing the request.
package summary

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"
	"log/slog"

	"marketindex/internal/config"
	"marketindex/internal/store"
	"marketindex/pkg/types"
)

const (
	maxConcurrentReads = 8

	candlePageSize = 288 // 24h of 5m buckets
	tradePageSize  = 100
	spotPageSize   = 288
)

// ReserveProber reads pool reserves directly from the chain; satisfied by
// the gateway.
type ReserveProber interface {
	PoolReserves(ctx context.Context, pool common.Address) (yes, no *big.Int, err error)
}

// HeadSource yields an approximate chain head; satisfied by the head cache.
type HeadSource interface {
	Latest(ctx context.Context) (uint64, error)
}

// Assembler builds summary documents.
type Assembler struct {
	store      *store.Store
	prober     ReserveProber
	head       HeadSource
	maybeSweep func(ctx context.Context, marketID string)
	cfg        config.SummaryConfig
	logger     *slog.Logger

	mu         sync.Mutex
	lastProbes map[string]time.Time
}

// New wires an assembler. maybeSweep may be nil when no sweeping side
// effect is wanted (tests).
func New(s *store.Store, prober ReserveProber, head HeadSource, maybeSweep func(ctx context.Context, marketID string), cfg config.SummaryConfig, logger *slog.Logger) *Assembler {
	return &Assembler{
		store:      s,
		prober:     prober,
		head:       head,
		maybeSweep: maybeSweep,
		cfg:        cfg,
		logger:     logger.With("component", "summary"),
		lastProbes: make(map[string]time.Time),
	}
}

// Document is one immutable market summary.
type Document struct {
	Market     MarketView  `json:"market"`
	Metrics    Metrics     `json:"metrics"`
	Candles    []CandleView `json:"candles"`
	Trades     []TradeView  `json:"trades"`
	SpotSeries []SpotView   `json:"spotSeries"`
	Cache      CacheInfo    `json:"cache"`

	// validators, consumed by the HTTP layer
	ETag         string    `json:"-"`
	LastModified time.Time `json:"-"`
}

// MarketView is the JSON shape of the market row.
type MarketView struct {
	ID          string   `json:"id"`
	Slug        string   `json:"slug"`
	ConditionID string   `json:"conditionId"`
	FPMMAddress string   `json:"fpmmAddress"`
	Title       string   `json:"title"`
	Outcomes    [2]string `json:"outcomes"`
	Status      string   `json:"status"`
	Category    string   `json:"category,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	CreatedAt   int64    `json:"createdAt"`
	ExpiresAt   int64    `json:"expiresAt,omitempty"`
	ResolvedAt  int64    `json:"resolvedAt,omitempty"`
}

// Metrics carries the derived numbers; Fixed-18 values render as decimal
// strings.
type Metrics struct {
	SpotYes       string `json:"spotYes"`
	SpotNo        string `json:"spotNo"`
	TVLUSDF       string `json:"tvlUSDF"`
	Volume24hUSDF string `json:"volume24hUSDF"`
	LastTradeAt   int64  `json:"lastTradeAt,omitempty"`
}

type CandleView struct {
	BucketStart int64  `json:"bucketStart"`
	Open        string `json:"open"`
	High        string `json:"high"`
	Low         string `json:"low"`
	Close       string `json:"close"`
	Volume      string `json:"volume"`
}

type TradeView struct {
	TxHash          string `json:"txHash"`
	LogIndex        uint32 `json:"logIndex"`
	BlockNumber     uint64 `json:"blockNumber"`
	Timestamp       int64  `json:"timestamp"`
	Side            string `json:"side"`
	Outcome         uint8  `json:"outcome"`
	AmountInUSDF    string `json:"amountInUSDF"`
	Price           string `json:"price"`
	AmountOutShares string `json:"amountOutShares"`
}

type SpotView struct {
	Timestamp int64  `json:"timestamp"`
	YesPrice  string `json:"yesPrice"`
	NoPrice   string `json:"noPrice"`
}

// CacheInfo reports indexing freshness alongside the data.
type CacheInfo struct {
	LastIndexedBlock uint64 `json:"lastIndexedBlock"`
	LagBlocks        uint64 `json:"lagBlocks"`
	GeneratedAt      int64  `json:"generatedAt"`
	Stale            bool   `json:"stale"`
}

// Assemble builds the document for a market key (id or slug). The only
// hard failure is an unknown market; everything else degrades.
func (a *Assembler) Assemble(ctx context.Context, key string) (*Document, error) {
	market, err := a.store.GetMarketByKey(ctx, key)
	if err != nil {
		return nil, err
	}

	doc := &Document{Market: marketView(*market)}
	now := time.Now()
	doc.Cache.GeneratedAt = now.Unix()

	var (
		mu        sync.Mutex
		liquidity *types.LiquidityEvent
		lastTrade *types.Trade
		volume    *big.Int
		cursor    *types.MarketSync
		candleAt  time.Time
	)
	markStale := func(what string, err error) {
		a.logger.Warn("summary read degraded", "marketId", market.ID, "read", what, "error", err)
		mu.Lock()
		doc.Cache.Stale = true
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentReads)

	read := func(what string, fn func(ctx context.Context) error) {
		g.Go(func() error {
			rctx, cancel := context.WithTimeout(gctx, a.cfg.Timeout())
			defer cancel()
			if err := fn(rctx); err != nil {
				markStale(what, err)
			}
			return nil // degraded, never failed
		})
	}

	read("liquidity", func(ctx context.Context) error {
		l, err := a.store.LatestLiquidity(ctx, market.ID)
		if err == nil {
			mu.Lock()
			liquidity = l
			mu.Unlock()
		}
		return err
	})
	read("volume24h", func(ctx context.Context) error {
		v, err := a.store.Volume24h(ctx, market.ID, now)
		if err == nil {
			mu.Lock()
			volume = v
			mu.Unlock()
		}
		return err
	})
	read("lastTrade", func(ctx context.Context) error {
		t, err := a.store.LastTrade(ctx, market.ID)
		if err == nil {
			mu.Lock()
			lastTrade = t
			mu.Unlock()
		}
		return err
	})
	read("sync", func(ctx context.Context) error {
		ms, err := a.store.GetMarketSync(ctx, market.ID)
		if err == nil {
			mu.Lock()
			cursor = ms
			mu.Unlock()
		}
		return err
	})
	read("candles", func(ctx context.Context) error {
		cs, err := a.store.Candles(ctx, market.ID, candlePageSize)
		if err == nil {
			mu.Lock()
			doc.Candles = CandleViews(cs)
			mu.Unlock()
		}
		return err
	})
	read("candleTime", func(ctx context.Context) error {
		at, err := a.store.LatestCandleTime(ctx, market.ID)
		if err == nil {
			mu.Lock()
			candleAt = at
			mu.Unlock()
		}
		return err
	})
	read("trades", func(ctx context.Context) error {
		ts, err := a.store.Trades(ctx, market.ID, tradePageSize, time.Time{})
		if err == nil {
			mu.Lock()
			doc.Trades = TradeViews(ts)
			mu.Unlock()
		}
		return err
	})
	read("spotSeries", func(ctx context.Context) error {
		ps, err := a.store.SpotSeries(ctx, market.ID, spotPageSize)
		if err == nil {
			mu.Lock()
			doc.SpotSeries = SpotViews(ps)
			mu.Unlock()
		}
		return err
	})
	_ = g.Wait()

	yes, no := a.resolveReserves(ctx, market, liquidity, lastTrade)
	doc.Metrics = metricsFrom(yes, no, volume, lastTrade)

	if cursor != nil {
		doc.Cache.LastIndexedBlock = cursor.LastIndexedBlock
		if head, err := a.head.Latest(ctx); err == nil && head > cursor.LastIndexedBlock {
			doc.Cache.LagBlocks = head - cursor.LastIndexedBlock
		}
	}

	if a.maybeSweep != nil {
		go a.maybeSweep(context.WithoutCancel(ctx), market.ID)
	}

	a.stampValidators(doc, market.ID, lastTrade, liquidity, candleAt)
	return doc, nil
}

// resolveReserves picks the reserve source: the latest liquidity snapshot
// normally, a direct on-chain probe when the snapshot is missing or
// provably behind the newest trade (rate-limited per market).
func (a *Assembler) resolveReserves(ctx context.Context, market *types.Market, liquidity *types.LiquidityEvent, lastTrade *types.Trade) (yes, no *big.Int) {
	if liquidity != nil {
		yes, no = liquidity.YesReserves, liquidity.NoReserves
	}

	behind := liquidity == nil ||
		(lastTrade != nil && lastTrade.Timestamp.After(liquidity.Timestamp))
	if !behind || market.FPMMAddress == "" || !a.probeAllowed(market.ID) {
		return yes, no
	}

	pYes, pNo, err := a.prober.PoolReserves(ctx, common.HexToAddress(market.FPMMAddress))
	if err != nil {
		a.logger.Warn("reserve probe failed", "marketId", market.ID, "error", err)
		return yes, no
	}
	return pYes, pNo
}

// probeAllowed enforces the per-market probe cooldown.
func (a *Assembler) probeAllowed(marketID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if last, ok := a.lastProbes[marketID]; ok && time.Since(last) < a.cfg.ProbeCooldown() {
		return false
	}
	a.lastProbes[marketID] = time.Now()
	return true
}

// Degraded builds a minimal document when the main path is broken: spot
// from an on-chain probe if possible, stale always set. Read availability
// is preserved at the cost of freshness.
func (a *Assembler) Degraded(ctx context.Context, market *types.Market) *Document {
	doc := &Document{Market: marketView(*market)}
	doc.Cache.GeneratedAt = time.Now().Unix()
	doc.Cache.Stale = true

	var yes, no *big.Int
	if market.FPMMAddress != "" {
		if pYes, pNo, err := a.prober.PoolReserves(ctx, common.HexToAddress(market.FPMMAddress)); err == nil {
			yes, no = pYes, pNo
		}
	}
	doc.Metrics = metricsFrom(yes, no, nil, nil)
	a.stampValidators(doc, market.ID, nil, nil, time.Time{})
	return doc
}

// stampValidators computes the weak entity tag and Last-Modified from the
// freshness signals the document was built on.
func (a *Assembler) stampValidators(doc *Document, marketID string, lastTrade *types.Trade, liquidity *types.LiquidityEvent, candleAt time.Time) {
	var tradeAt, liqAt time.Time
	if lastTrade != nil {
		tradeAt = lastTrade.Timestamp
	}
	if liquidity != nil {
		liqAt = liquidity.Timestamp
	}

	h := fnv.New64a()
	fmt.Fprintf(h, "summary|%s|%d|%d|%d|%d",
		marketID, doc.Cache.LastIndexedBlock, tradeAt.Unix(), candleAt.Unix(), liqAt.Unix())
	doc.ETag = fmt.Sprintf(`W/"%016x"`, h.Sum64())

	last := tradeAt
	for _, t := range []time.Time{liqAt, candleAt} {
		if t.After(last) {
			last = t
		}
	}
	doc.LastModified = last
}

// ———— view builders ————

func marketView(m types.Market) MarketView {
	v := MarketView{
		ID:          m.ID,
		Slug:        m.Slug,
		ConditionID: m.ConditionID,
		FPMMAddress: m.FPMMAddress,
		Title:       m.Title,
		Outcomes:    m.Outcomes,
		Status:      string(m.Status),
		Category:    m.Category,
		Tags:        m.Tags,
		CreatedAt:   m.CreatedAt.Unix(),
	}
	if !m.ExpiresAt.IsZero() {
		v.ExpiresAt = m.ExpiresAt.Unix()
	}
	if !m.ResolvedAt.IsZero() {
		v.ResolvedAt = m.ResolvedAt.Unix()
	}
	return v
}

func metricsFrom(yes, no, volume *big.Int, lastTrade *types.Trade) Metrics {
	if yes == nil {
		yes = new(big.Int)
	}
	if no == nil {
		no = new(big.Int)
	}
	if volume == nil {
		volume = new(big.Int)
	}
	m := Metrics{
		SpotYes:       "0",
		SpotNo:        "0",
		TVLUSDF:       types.FormatFixed18(types.TVLScaled(yes, no)),
		Volume24hUSDF: types.FormatFixed18(volume),
	}
	if yes.Sign() > 0 || no.Sign() > 0 {
		yesPrice := types.YesPriceScaled(yes, no)
		m.SpotYes = types.FormatFixed18(yesPrice)
		m.SpotNo = types.FormatFixed18(new(big.Int).Sub(types.Scale, yesPrice))
	}
	if lastTrade != nil {
		m.LastTradeAt = lastTrade.Timestamp.Unix()
	}
	return m
}

// CandleViews renders candles for JSON; the API layer uses it for the
// dedicated candle endpoint too.
func CandleViews(cs []types.Candle5m) []CandleView {
	out := make([]CandleView, len(cs))
	for i, c := range cs {
		out[i] = CandleView{
			BucketStart: c.BucketStart.Unix(),
			Open:        types.FormatFixed18(c.Open),
			High:        types.FormatFixed18(c.High),
			Low:         types.FormatFixed18(c.Low),
			Close:       types.FormatFixed18(c.Close),
			Volume:      types.FormatFixed18(c.VolumeUSDF),
		}
	}
	return out
}

func TradeViews(ts []types.Trade) []TradeView {
	out := make([]TradeView, len(ts))
	for i, t := range ts {
		out[i] = TradeView{
			TxHash:          t.TxHash,
			LogIndex:        t.LogIndex,
			BlockNumber:     t.BlockNumber,
			Timestamp:       t.Timestamp.Unix(),
			Side:            string(t.Side),
			Outcome:         uint8(t.Outcome),
			AmountInUSDF:    types.FormatFixed18(t.AmountInUSDF),
			Price:           types.FormatFixed18(t.Price),
			AmountOutShares: types.FormatFixed18(t.AmountOutShares),
		}
	}
	return out
}

func SpotViews(ps []types.SpotPoint) []SpotView {
	out := make([]SpotView, len(ps))
	for i, p := range ps {
		out[i] = SpotView{
			Timestamp: p.Timestamp.Unix(),
			YesPrice:  types.FormatFixed18(p.YesPrice),
			NoPrice:   types.FormatFixed18(p.NoPrice),
		}
	}
	return out
}
