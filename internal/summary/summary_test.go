package summary

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"marketindex/internal/config"
	"marketindex/internal/store"
	"marketindex/pkg/types"
)

type fakeProber struct {
	calls atomic.Int64
	yes   *big.Int
	no    *big.Int
	err   error
}

func (f *fakeProber) PoolReserves(context.Context, common.Address) (*big.Int, *big.Int, error) {
	f.calls.Add(1)
	return f.yes, f.no, f.err
}

type fixedHead uint64

func (h fixedHead) Latest(context.Context) (uint64, error) { return uint64(h), nil }

func usdf(v int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), types.Scale)
}

func summaryCfg() config.SummaryConfig {
	return config.SummaryConfig{TimeoutMs: 1200, ProbeCooldownMs: 60000}
}

func newFixture(t *testing.T, prober *fakeProber, head uint64) (*Assembler, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "sum.db"), slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, prober, fixedHead(head), nil, summaryCfg(), slog.Default()), s
}

func seedMarket(t *testing.T, s *store.Store) types.Market {
	t.Helper()
	m := types.Market{
		ID: "mkt-1", Slug: "btc-100k", ConditionID: "0xc",
		FPMMAddress: "0x00000000000000000000000000000000000fb001",
		Title:       "BTC above 100k?", Outcomes: [2]string{"YES", "NO"},
		Status: types.StatusActive, CreatedAt: time.Unix(1700000000, 0),
	}
	if err := s.UpsertMarket(context.Background(), m); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestAssembleFullDocument(t *testing.T) {
	t.Parallel()
	prober := &fakeProber{err: errors.New("unused")}
	a, s := newFixture(t, prober, 1100)
	ctx := context.Background()
	seedMarket(t, s)

	now := time.Now()
	tradeTime := now.Add(-time.Hour)

	if _, err := s.InsertTrade(ctx, types.Trade{
		MarketID: "mkt-1", TxHash: "0x1", LogIndex: 1, BlockNumber: 1000,
		Timestamp: tradeTime, Side: types.SideBuy, Outcome: types.OutcomeYes,
		AmountInUSDF: usdf(10), Price: big.NewInt(5e17), AmountOutShares: usdf(20), FeeUSDF: usdf(0),
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.InsertLiquidityEvent(ctx, types.LiquidityEvent{
		MarketID: "mkt-1", TxHash: "0x1", LogIndex: 2, BlockNumber: 1000,
		Timestamp: tradeTime, Kind: types.LiquidityTrade,
		YesReserves: usdf(90), NoReserves: usdf(110), TVLUSDF: usdf(200),
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.EnsureMarketSync(ctx, "mkt-1", 1000); err != nil {
		t.Fatal(err)
	}

	doc, err := a.Assemble(ctx, "BTC-100K") // slug, case-insensitive
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}

	if doc.Market.ID != "mkt-1" {
		t.Fatalf("market: %+v", doc.Market)
	}
	// spot = no/(yes+no) = 110/200 = 0.55
	if doc.Metrics.SpotYes != "0.55" {
		t.Fatalf("spotYes = %s", doc.Metrics.SpotYes)
	}
	if doc.Metrics.SpotNo != "0.45" {
		t.Fatalf("spotNo = %s", doc.Metrics.SpotNo)
	}
	if doc.Metrics.Volume24hUSDF != "10" {
		t.Fatalf("volume = %s", doc.Metrics.Volume24hUSDF)
	}
	if doc.Metrics.LastTradeAt != tradeTime.Unix() {
		t.Fatalf("lastTradeAt = %d", doc.Metrics.LastTradeAt)
	}
	if len(doc.Trades) != 1 {
		t.Fatalf("trades: %d", len(doc.Trades))
	}
	if doc.Cache.LastIndexedBlock != 1000 || doc.Cache.LagBlocks != 100 {
		t.Fatalf("cache: %+v", doc.Cache)
	}
	if doc.Cache.Stale {
		t.Fatal("healthy read marked stale")
	}
	if doc.ETag == "" || doc.LastModified.IsZero() {
		t.Fatalf("validators missing: %q %v", doc.ETag, doc.LastModified)
	}
	if prober.calls.Load() != 0 {
		t.Fatal("probe fired although liquidity is current")
	}
}

func TestAssembleUnknownMarket(t *testing.T) {
	t.Parallel()
	a, _ := newFixture(t, &fakeProber{}, 100)
	if _, err := a.Assemble(context.Background(), "missing"); !errors.Is(err, store.ErrMarketNotFound) {
		t.Fatalf("want ErrMarketNotFound, got %v", err)
	}
}

func TestETagTracksFreshness(t *testing.T) {
	t.Parallel()
	a, s := newFixture(t, &fakeProber{yes: usdf(1), no: usdf(1)}, 100)
	ctx := context.Background()
	seedMarket(t, s)

	first, err := a.Assemble(ctx, "mkt-1")
	if err != nil {
		t.Fatal(err)
	}
	same, err := a.Assemble(ctx, "mkt-1")
	if err != nil {
		t.Fatal(err)
	}
	if first.ETag != same.ETag {
		t.Fatalf("etag unstable over unchanged state: %s vs %s", first.ETag, same.ETag)
	}

	if _, err := s.InsertTrade(ctx, types.Trade{
		MarketID: "mkt-1", TxHash: "0x2", LogIndex: 0, BlockNumber: 50,
		Timestamp: time.Now(), Side: types.SideSell, Outcome: types.OutcomeNo,
		AmountInUSDF: usdf(1), Price: usdf(0), AmountOutShares: usdf(1), FeeUSDF: usdf(0),
	}); err != nil {
		t.Fatal(err)
	}

	after, err := a.Assemble(ctx, "mkt-1")
	if err != nil {
		t.Fatal(err)
	}
	if after.ETag == first.ETag {
		t.Fatal("etag did not change after a new trade")
	}
}

func TestProbeBootstrapsNewPool(t *testing.T) {
	t.Parallel()
	prober := &fakeProber{yes: usdf(40), no: usdf(60)}
	a, s := newFixture(t, prober, 100)
	ctx := context.Background()
	seedMarket(t, s)

	// no liquidity rows at all -> probe
	doc, err := a.Assemble(ctx, "mkt-1")
	if err != nil {
		t.Fatal(err)
	}
	if doc.Metrics.SpotYes != "0.6" {
		t.Fatalf("probed spot = %s", doc.Metrics.SpotYes)
	}
	if prober.calls.Load() != 1 {
		t.Fatalf("probe calls = %d", prober.calls.Load())
	}

	// cooldown: an immediate second read must not probe again
	if _, err := a.Assemble(ctx, "mkt-1"); err != nil {
		t.Fatal(err)
	}
	if prober.calls.Load() != 1 {
		t.Fatalf("probe cooldown violated: %d calls", prober.calls.Load())
	}
}

func TestDegradedDocument(t *testing.T) {
	t.Parallel()
	prober := &fakeProber{yes: usdf(50), no: usdf(50)}
	a, s := newFixture(t, prober, 100)
	m := seedMarket(t, s)

	doc := a.Degraded(context.Background(), &m)
	if !doc.Cache.Stale {
		t.Fatal("degraded document must be stale")
	}
	if doc.Metrics.SpotYes != "0.5" {
		t.Fatalf("degraded spot = %s", doc.Metrics.SpotYes)
	}
	if doc.ETag == "" {
		t.Fatal("degraded document still needs a validator")
	}
}

func TestSlowReadsDegradeDocument(t *testing.T) {
	t.Parallel()
	prober := &fakeProber{yes: usdf(60), no: usdf(40)}
	s, err := store.Open(filepath.Join(t.TempDir(), "slow.db"), slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	seedMarket(t, s)
	ctx := context.Background()

	if _, err := s.InsertTrade(ctx, types.Trade{
		MarketID: "mkt-1", TxHash: "0x9", LogIndex: 0, BlockNumber: 10,
		Timestamp: time.Now(), Side: types.SideBuy, Outcome: types.OutcomeYes,
		AmountInUSDF: usdf(5), Price: big.NewInt(5e17), AmountOutShares: usdf(10), FeeUSDF: usdf(0),
	}); err != nil {
		t.Fatal(err)
	}

	// a zero read budget expires every store read immediately; the
	// document must still come back, flagged stale, with zeroed metrics
	// instead of an error
	a := New(s, prober, fixedHead(100), nil,
		config.SummaryConfig{TimeoutMs: 0, ProbeCooldownMs: 60000}, slog.Default())

	doc, err := a.Assemble(ctx, "mkt-1")
	if err != nil {
		t.Fatalf("timed-out reads must degrade, not fail: %v", err)
	}
	if !doc.Cache.Stale {
		t.Fatal("document not marked stale")
	}
	if doc.Metrics.Volume24hUSDF != "0" {
		t.Fatalf("volume = %s", doc.Metrics.Volume24hUSDF)
	}
	if len(doc.Trades) != 0 || len(doc.Candles) != 0 {
		t.Fatalf("partial reads leaked rows: %d trades, %d candles", len(doc.Trades), len(doc.Candles))
	}
	// reserves fall back to the on-chain probe
	if doc.Metrics.SpotYes != "0.6" {
		t.Fatalf("probed spot = %s", doc.Metrics.SpotYes)
	}
	if doc.ETag == "" {
		t.Fatal("degraded document still needs a validator")
	}
}
