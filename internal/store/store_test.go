package store

import (
	"context"
	"log/slog"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"marketindex/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), slog.Default())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func usdf(v int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), types.Scale)
}

func seedMarket(t *testing.T, s *Store, id, slug, pool string) types.Market {
	t.Helper()
	m := types.Market{
		ID:          id,
		Slug:        slug,
		ConditionID: "0xcond-" + id,
		FPMMAddress: pool,
		Title:       "Will it settle YES?",
		Outcomes:    [2]string{"YES", "NO"},
		Status:      types.StatusActive,
		CreatedAt:   time.Unix(1700000000, 0).UTC(),
	}
	if err := s.UpsertMarket(context.Background(), m); err != nil {
		t.Fatalf("upsert market: %v", err)
	}
	return m
}

func TestMigrateIsIdempotent(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	if err := s.migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestMarketLookup(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	seedMarket(t, s, "mkt-1", "btc-100k-eoy", "0xAbCd000000000000000000000000000000000001")

	byID, err := s.GetMarketByKey(ctx, "mkt-1")
	if err != nil {
		t.Fatalf("by id: %v", err)
	}
	bySlug, err := s.GetMarketByKey(ctx, "BTC-100K-EOY")
	if err != nil {
		t.Fatalf("by slug (case-insensitive): %v", err)
	}
	if byID.ID != bySlug.ID {
		t.Fatalf("id and slug lookups disagree: %s vs %s", byID.ID, bySlug.ID)
	}

	byPool, err := s.GetMarketByPool(ctx, "0xABCD000000000000000000000000000000000001")
	if err != nil {
		t.Fatalf("by pool: %v", err)
	}
	if byPool.ID != "mkt-1" {
		t.Fatalf("pool lookup resolved %s", byPool.ID)
	}

	if _, err := s.GetMarketByKey(ctx, "no-such-market"); err != ErrMarketNotFound {
		t.Fatalf("want ErrMarketNotFound, got %v", err)
	}
}

func TestDeletedMarketsAreInvisible(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	m := seedMarket(t, s, "mkt-del", "gone", "0x0000000000000000000000000000000000000002")
	m.Status = types.StatusDeleted
	if err := s.UpsertMarket(ctx, m); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	if _, err := s.GetMarketByKey(ctx, "mkt-del"); err != ErrMarketNotFound {
		t.Fatalf("deleted market visible by key: %v", err)
	}
	active, err := s.ListActiveMarkets(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("deleted market still listed: %d", len(active))
	}
}

func TestInsertTradeIdempotent(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	seedMarket(t, s, "mkt-1", "s", "0x0000000000000000000000000000000000000003")

	tr := types.Trade{
		MarketID:        "mkt-1",
		FPMMAddress:     "0x0000000000000000000000000000000000000003",
		TxHash:          "0xaaa",
		LogIndex:        7,
		BlockNumber:     1000,
		Timestamp:       time.Unix(1700000100, 0).UTC(),
		Side:            types.SideBuy,
		Outcome:         types.OutcomeYes,
		AmountInUSDF:    usdf(10),
		Price:           big.NewInt(500000000000000000),
		AmountOutShares: usdf(20),
		FeeUSDF:         big.NewInt(0),
	}

	for i, want := range []bool{true, false, false} {
		inserted, err := s.InsertTrade(ctx, tr)
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		if inserted != want {
			t.Fatalf("insert %d: inserted=%v want %v", i, inserted, want)
		}
	}

	trades, err := s.Trades(ctx, "mkt-1", 10, time.Time{})
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("duplicate deliveries produced %d rows", len(trades))
	}
	if trades[0].AmountInUSDF.Cmp(usdf(10)) != 0 {
		t.Fatalf("amount round trip: %s", trades[0].AmountInUSDF)
	}
}

func TestInsertLiquidityEventIdempotent(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	le := types.LiquidityEvent{
		MarketID:    "mkt-1",
		TxHash:      "0xbbb",
		LogIndex:    0,
		BlockNumber: 500,
		Timestamp:   time.Unix(1700000000, 0).UTC(),
		Kind:        types.LiquidityInit,
		YesReserves: usdf(100),
		NoReserves:  usdf(100),
		TVLUSDF:     usdf(200),
		Source:      "tx",
	}
	if inserted, err := s.InsertLiquidityEvent(ctx, le); err != nil || !inserted {
		t.Fatalf("first insert: inserted=%v err=%v", inserted, err)
	}
	if inserted, err := s.InsertLiquidityEvent(ctx, le); err != nil || inserted {
		t.Fatalf("second insert: inserted=%v err=%v", inserted, err)
	}
}

func TestLatestLiquidityOrdering(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	rows := []struct {
		tx    string
		block uint64
		idx   uint32
		yes   int64
	}{
		{"0x1", 100, 0, 100},
		{"0x2", 200, 3, 90},
		{"0x3", 200, 1, 95}, // same block, lower log index
	}
	for _, r := range rows {
		_, err := s.InsertLiquidityEvent(ctx, types.LiquidityEvent{
			MarketID: "mkt-1", TxHash: r.tx, LogIndex: r.idx, BlockNumber: r.block,
			Timestamp: time.Unix(1700000000, 0), Kind: types.LiquidityTrade,
			YesReserves: usdf(r.yes), NoReserves: usdf(100), TVLUSDF: usdf(r.yes + 100),
		})
		if err != nil {
			t.Fatalf("insert %s: %v", r.tx, err)
		}
	}

	latest, err := s.LatestLiquidity(ctx, "mkt-1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest == nil || latest.TxHash != "0x2" {
		t.Fatalf("latest should be block 200 / log 3, got %+v", latest)
	}

	if none, err := s.LatestLiquidity(ctx, "mkt-other"); err != nil || none != nil {
		t.Fatalf("empty market: %+v err=%v", none, err)
	}
}

func TestCandleMerge(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	bucket := time.Unix(1700000100, 0).UTC()

	first := types.Candle5m{
		MarketID: "mkt-1", BucketStart: bucket,
		Open: usdf(1), High: usdf(1), Low: usdf(1), Close: usdf(1),
		VolumeUSDF: usdf(10),
	}
	second := types.Candle5m{
		MarketID: "mkt-1", BucketStart: bucket,
		Open: usdf(2), High: usdf(3), Low: big.NewInt(1), Close: usdf(2),
		VolumeUSDF: usdf(5),
	}
	if err := s.UpsertCandle(ctx, first); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := s.UpsertCandle(ctx, second); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	candles, err := s.Candles(ctx, "mkt-1", 10)
	if err != nil {
		t.Fatalf("read candles: %v", err)
	}
	if len(candles) != 1 {
		t.Fatalf("merge produced %d buckets", len(candles))
	}
	c := candles[0]
	if c.Open.Cmp(usdf(1)) != 0 {
		t.Errorf("open must not change after first insert: %s", c.Open)
	}
	if c.High.Cmp(usdf(3)) != 0 {
		t.Errorf("high = max: %s", c.High)
	}
	if c.Low.Cmp(big.NewInt(1)) != 0 {
		t.Errorf("low = min: %s", c.Low)
	}
	if c.Close.Cmp(usdf(2)) != 0 {
		t.Errorf("close = latest: %s", c.Close)
	}
	if c.VolumeUSDF.Cmp(usdf(15)) != 0 {
		t.Errorf("volume accumulates: %s", c.VolumeUSDF)
	}
}

func TestSyncCursorNeverRegresses(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	seedMarket(t, s, "mkt-1", "s", "0x0000000000000000000000000000000000000004")

	ms, err := s.EnsureMarketSync(ctx, "mkt-1", 50)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if ms.LastIndexedBlock != 50 {
		t.Fatalf("baseline cursor: %d", ms.LastIndexedBlock)
	}

	if err := s.AdvanceMarketSync(ctx, "mkt-1", 100, false); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := s.AdvanceMarketSync(ctx, "mkt-1", 80, true); err != nil {
		t.Fatalf("stale advance: %v", err)
	}

	ms, err = s.GetMarketSync(ctx, "mkt-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ms.LastIndexedBlock != 100 {
		t.Fatalf("cursor regressed to %d", ms.LastIndexedBlock)
	}
	if !ms.Sweeping {
		t.Fatalf("sweeping flag should still update")
	}

	// EnsureMarketSync never resets an existing cursor.
	ms, err = s.EnsureMarketSync(ctx, "mkt-1", 10)
	if err != nil {
		t.Fatalf("re-ensure: %v", err)
	}
	if ms.LastIndexedBlock != 100 {
		t.Fatalf("ensure reset cursor to %d", ms.LastIndexedBlock)
	}
}

func TestVolume24hWindow(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Unix(1700100000, 0).UTC()

	insert := func(tx string, age time.Duration, amount int64) {
		t.Helper()
		_, err := s.InsertTrade(ctx, types.Trade{
			MarketID: "mkt-1", TxHash: tx, LogIndex: 0, BlockNumber: 1,
			Timestamp: now.Add(-age), Side: types.SideBuy, Outcome: types.OutcomeYes,
			AmountInUSDF: usdf(amount), Price: usdf(0), AmountOutShares: usdf(0), FeeUSDF: usdf(0),
		})
		if err != nil {
			t.Fatalf("insert %s: %v", tx, err)
		}
	}
	insert("0x1", time.Hour, 10)
	insert("0x2", 23*time.Hour, 7)
	insert("0x3", 25*time.Hour, 100) // outside the window

	vol, err := s.Volume24h(ctx, "mkt-1", now)
	if err != nil {
		t.Fatalf("volume: %v", err)
	}
	if vol.Cmp(usdf(17)) != 0 {
		t.Fatalf("24h volume = %s, want 17e18", vol)
	}
}

func TestTradesPaging(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.InsertTrade(ctx, types.Trade{
			MarketID: "mkt-1", TxHash: "0xpage", LogIndex: uint32(i),
			BlockNumber: uint64(100 + i), Timestamp: time.Unix(int64(1700000000+i*60), 0),
			Side: types.SideBuy, Outcome: types.OutcomeYes,
			AmountInUSDF: usdf(1), Price: usdf(0), AmountOutShares: usdf(1), FeeUSDF: usdf(0),
		})
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	page, err := s.Trades(ctx, "mkt-1", 2, time.Time{})
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if len(page) != 2 || page[0].BlockNumber != 104 || page[1].BlockNumber != 103 {
		t.Fatalf("first page wrong: %+v", page)
	}

	next, err := s.Trades(ctx, "mkt-1", 2, page[1].Timestamp)
	if err != nil {
		t.Fatalf("next page: %v", err)
	}
	if len(next) != 2 || next[0].BlockNumber != 102 {
		t.Fatalf("cursor page wrong: %+v", next)
	}
}

func TestClampLimit(t *testing.T) {
	t.Parallel()
	cases := []struct{ in, want int }{
		{0, 100}, {-3, 100}, {1, 1}, {250, 250}, {500, 500}, {501, 500}, {99999, 500},
	}
	for _, c := range cases {
		if got := clampLimit(c.in); got != c.want {
			t.Errorf("clampLimit(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestSpotSeriesOldestFirst(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := s.UpsertSpotPoint(ctx, types.SpotPoint{
			MarketID: "mkt-1", Timestamp: time.Unix(int64(1700000000+i*30), 0),
			YesPrice: usdf(0), NoPrice: types.Scale,
		})
		if err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}
	pts, err := s.SpotSeries(ctx, "mkt-1", 10)
	if err != nil {
		t.Fatalf("series: %v", err)
	}
	if len(pts) != 3 || !pts[0].Timestamp.Before(pts[2].Timestamp) {
		t.Fatalf("series not oldest-first: %+v", pts)
	}
}

func TestTopLagging(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	seedMarket(t, s, "mkt-a", "a", "0x000000000000000000000000000000000000000a")
	seedMarket(t, s, "mkt-b", "b", "0x000000000000000000000000000000000000000b")

	if _, err := s.EnsureMarketSync(ctx, "mkt-a", 900); err != nil {
		t.Fatal(err)
	}
	if _, err := s.EnsureMarketSync(ctx, "mkt-b", 100); err != nil {
		t.Fatal(err)
	}

	lag, err := s.TopLagging(ctx, 1000, 5)
	if err != nil {
		t.Fatalf("top lagging: %v", err)
	}
	if len(lag) != 2 || lag[0].MarketID != "mkt-b" || lag[0].LagBlocks != 900 {
		t.Fatalf("lag order wrong: %+v", lag)
	}
}

func TestCommitEventRowsIsAtomic(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	seedMarket(t, s, "mkt-1", "btc-100k", "0x00000000000000000000000000000000000fb001")

	ts := time.Unix(1700000600, 0).UTC()
	bucket := time.Unix(types.BucketStart5m(ts.Unix()), 0).UTC()
	rows := EventRows{
		Liquidity: &types.LiquidityEvent{
			MarketID: "mkt-1", TxHash: "0xaa01", LogIndex: 0, BlockNumber: 100,
			Timestamp: ts, Kind: types.LiquidityTrade,
			YesReserves: usdf(90), NoReserves: usdf(110), TVLUSDF: usdf(200),
		},
		Trade: &types.Trade{
			MarketID: "mkt-1", TxHash: "0xaa01", LogIndex: 1, BlockNumber: 100,
			Timestamp: ts, Side: types.SideBuy, Outcome: types.OutcomeYes,
			AmountInUSDF: usdf(10), Price: big.NewInt(5e17), AmountOutShares: usdf(20), FeeUSDF: usdf(0),
		},
		Candle: &types.Candle5m{
			MarketID: "mkt-1", BucketStart: bucket,
			Open: big.NewInt(5e17), High: big.NewInt(5e17), Low: big.NewInt(5e17),
			Close: big.NewInt(5e17), VolumeUSDF: usdf(10),
		},
		Spot: &types.SpotPoint{
			MarketID: "mkt-1", Timestamp: ts,
			YesPrice: big.NewInt(5e17), NoPrice: big.NewInt(5e17),
		},
	}

	// an unreadable candle row in the target bucket makes the merge fail
	// midway through the transaction
	_, err := s.DB().ExecContext(ctx, `
		INSERT INTO candles_5m (market_id, bucket_start, open, high, low, close, volume)
		VALUES ('mkt-1', ?, '0', 'garbage', '0', '0', '0')`, bucket.Unix())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.CommitEventRows(ctx, rows); err == nil {
		t.Fatal("commit over corrupt candle succeeded")
	}

	// nothing from the failed commit may be visible, or a replay would
	// skip the event as a duplicate and lose its remaining rows
	if liq, err := s.LatestLiquidity(ctx, "mkt-1"); err != nil || liq != nil {
		t.Fatalf("liquidity leaked from failed commit: %+v err=%v", liq, err)
	}
	if tr, err := s.LastTrade(ctx, "mkt-1"); err != nil || tr != nil {
		t.Fatalf("trade leaked from failed commit: %+v err=%v", tr, err)
	}

	// once the obstacle is gone, the same event commits whole
	if _, err := s.DB().ExecContext(ctx, `DELETE FROM candles_5m WHERE market_id = 'mkt-1'`); err != nil {
		t.Fatal(err)
	}
	inserted, err := s.CommitEventRows(ctx, rows)
	if err != nil {
		t.Fatalf("replay commit: %v", err)
	}
	if !inserted {
		t.Fatal("replay did not insert the trade")
	}
	tr, err := s.LastTrade(ctx, "mkt-1")
	if err != nil || tr == nil || tr.TxHash != "0xaa01" {
		t.Fatalf("trade missing after replay: %+v err=%v", tr, err)
	}
	liq, err := s.LatestLiquidity(ctx, "mkt-1")
	if err != nil || liq == nil || liq.YesReserves.Cmp(usdf(90)) != 0 {
		t.Fatalf("liquidity missing after replay: %+v err=%v", liq, err)
	}
}
