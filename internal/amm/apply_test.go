package amm

import (
	"math/big"
	"testing"
	"time"

	"marketindex/pkg/types"
)

func e18(v int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), big.NewInt(1e18))
}

func fixed(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("bad fixture " + s)
	}
	return v
}

var testTime = time.Unix(1700000123, 0).UTC()

func newState() *types.MarketState {
	return types.NewMarketState("mkt-1", "0xpool")
}

func ref(block uint64, logIndex uint32) Ref {
	return Ref{TxHash: "0xabc", BlockNumber: block, LogIndex: logIndex}
}

func TestApplyInitThenBuy(t *testing.T) {
	t.Parallel()
	state := newState()

	// FundingAdded(yes=100, no=100) at block 10 log 0
	res, err := Apply(state, FundingAdded{Amounts: [2]*big.Int{e18(100), e18(100)}}, ref(10, 0), testTime)
	if err != nil {
		t.Fatal(err)
	}
	if res.Liquidity == nil || res.Liquidity.Kind != types.LiquidityInit {
		t.Fatalf("first funding kind = %v, want init", res.Liquidity)
	}
	if res.Trade != nil || res.Candle != nil {
		t.Error("funding must not produce trade or candle rows")
	}
	if !state.HasLiquidity {
		t.Error("HasLiquidity should be set after init")
	}

	// Buy(invest=1, fee=0, outcome=YES, shares=0.990099) at block 10 log 1
	buy := Buy{Investment: e18(1), Fee: new(big.Int), OutcomeIndex: 0, Shares: fixed("990099000000000000")}
	res, err = Apply(state, buy, ref(10, 1), testTime)
	if err != nil {
		t.Fatal(err)
	}

	if got, want := state.YesReserve, fixed("99009901000000000000"); got.Cmp(want) != 0 {
		t.Errorf("yesReserve = %s, want %s", got, want)
	}
	if got, want := state.NoReserve, e18(101); got.Cmp(want) != 0 {
		t.Errorf("noReserve = %s, want %s", got, want)
	}

	if res.Trade == nil {
		t.Fatal("buy must produce a trade row")
	}
	if res.Trade.Side != types.SideBuy || res.Trade.Outcome != types.OutcomeYes {
		t.Errorf("trade = %+v", res.Trade)
	}
	if got, want := res.Trade.Price, fixed("1010000010100000101"); got.Cmp(want) != 0 {
		t.Errorf("price = %s, want %s", got, want)
	}

	if res.Liquidity.Kind != types.LiquidityTrade {
		t.Errorf("liquidity kind = %v, want trade", res.Liquidity.Kind)
	}

	if res.Candle == nil {
		t.Fatal("buy must produce a candle delta")
	}
	wantClose := fixed("504975001212564971") // no/(yes+no) post-trade
	if res.Candle.Close.Cmp(wantClose) != 0 {
		t.Errorf("candle close = %s, want %s", res.Candle.Close, wantClose)
	}
	if res.Candle.VolumeUSDF.Cmp(e18(1)) != 0 {
		t.Errorf("candle volume = %s, want 1e18", res.Candle.VolumeUSDF)
	}
	if got := res.Candle.BucketStart.Unix(); got != 1700000100 {
		t.Errorf("bucketStart = %d, want floor to 5m", got)
	}

	if res.Spot == nil {
		t.Fatal("buy must produce a spot point")
	}
	sum := new(big.Int).Add(res.Spot.YesPrice, res.Spot.NoPrice)
	if sum.Cmp(types.Scale) != 0 {
		t.Errorf("yes+no = %s, want Scale", sum)
	}
}

func TestApplySecondFundingIsAdd(t *testing.T) {
	t.Parallel()
	state := newState()
	if _, err := Apply(state, FundingAdded{Amounts: [2]*big.Int{e18(10), e18(10)}}, ref(5, 0), testTime); err != nil {
		t.Fatal(err)
	}
	res, err := Apply(state, FundingAdded{Amounts: [2]*big.Int{e18(5), e18(5)}}, ref(6, 0), testTime)
	if err != nil {
		t.Fatal(err)
	}
	if res.Liquidity.Kind != types.LiquidityAdd {
		t.Errorf("kind = %v, want add", res.Liquidity.Kind)
	}
	if state.YesReserve.Cmp(e18(15)) != 0 {
		t.Errorf("yesReserve = %s, want 15e18", state.YesReserve)
	}
}

func TestApplyFundingRemovedSaturates(t *testing.T) {
	t.Parallel()
	state := newState()
	_, _ = Apply(state, FundingAdded{Amounts: [2]*big.Int{e18(10), e18(10)}}, ref(5, 0), testTime)

	res, err := Apply(state, FundingRemoved{Amounts: [2]*big.Int{e18(99), e18(4)}}, ref(6, 0), testTime)
	if err != nil {
		t.Fatal(err)
	}
	if res.Liquidity.Kind != types.LiquidityRemove {
		t.Errorf("kind = %v, want remove", res.Liquidity.Kind)
	}
	if state.YesReserve.Sign() != 0 {
		t.Errorf("yesReserve = %s, want floor at 0", state.YesReserve)
	}
	if state.NoReserve.Cmp(e18(6)) != 0 {
		t.Errorf("noReserve = %s, want 6e18", state.NoReserve)
	}
}

func TestApplySellMirrors(t *testing.T) {
	t.Parallel()
	state := newState()
	_, _ = Apply(state, FundingAdded{Amounts: [2]*big.Int{e18(100), e18(100)}}, ref(5, 0), testTime)

	// Sell 2 YES shares for 1 USDF gross (return=0.9, fee=0.1)
	sell := Sell{
		Return:       fixed("900000000000000000"),
		Fee:          fixed("100000000000000000"),
		OutcomeIndex: 0,
		Shares:       e18(2),
	}
	res, err := Apply(state, sell, ref(6, 3), testTime)
	if err != nil {
		t.Fatal(err)
	}
	if state.YesReserve.Cmp(e18(102)) != 0 {
		t.Errorf("yesReserve = %s, want 102e18", state.YesReserve)
	}
	if state.NoReserve.Cmp(e18(99)) != 0 {
		t.Errorf("noReserve = %s, want 99e18 (gross removed)", state.NoReserve)
	}
	if res.Trade.Side != types.SideSell {
		t.Errorf("side = %v", res.Trade.Side)
	}
	// price = return/shares = 0.45
	if got, want := res.Trade.Price, fixed("450000000000000000"); got.Cmp(want) != 0 {
		t.Errorf("price = %s, want %s", got, want)
	}
	// candle volume is the return amount for sells
	if res.Candle.VolumeUSDF.Cmp(sell.Return) != 0 {
		t.Errorf("volume = %s, want return amount", res.Candle.VolumeUSDF)
	}
}

func TestApplyZeroSharesPriceIsZero(t *testing.T) {
	t.Parallel()
	state := newState()
	_, _ = Apply(state, FundingAdded{Amounts: [2]*big.Int{e18(100), e18(100)}}, ref(5, 0), testTime)

	buy := Buy{Investment: e18(1), Fee: new(big.Int), OutcomeIndex: 0, Shares: new(big.Int)}
	res, err := Apply(state, buy, ref(6, 0), testTime)
	if err != nil {
		t.Fatal(err)
	}
	if res.Trade.Price.Sign() != 0 {
		t.Errorf("price = %s, want 0 for zero shares", res.Trade.Price)
	}
}

func TestApplySkipsDuplicateDelivery(t *testing.T) {
	t.Parallel()
	state := newState()
	add := FundingAdded{Amounts: [2]*big.Int{e18(100), e18(100)}}

	if _, err := Apply(state, add, ref(10, 0), testTime); err != nil {
		t.Fatal(err)
	}
	// Same position again: skipped, reserves untouched.
	res, err := Apply(state, add, ref(10, 0), testTime)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Skipped {
		t.Error("duplicate event should be skipped")
	}
	if state.YesReserve.Cmp(e18(100)) != 0 {
		t.Errorf("yesReserve = %s, duplicate must not re-apply", state.YesReserve)
	}
	// Earlier position likewise.
	res, _ = Apply(state, add, ref(9, 5), testTime)
	if !res.Skipped {
		t.Error("stale event should be skipped")
	}
}

func TestApplyBuyNoMirrors(t *testing.T) {
	t.Parallel()
	state := newState()
	_, _ = Apply(state, FundingAdded{Amounts: [2]*big.Int{e18(100), e18(100)}}, ref(5, 0), testTime)

	buy := Buy{Investment: e18(1), Fee: new(big.Int), OutcomeIndex: 1, Shares: e18(1)}
	if _, err := Apply(state, buy, ref(6, 0), testTime); err != nil {
		t.Fatal(err)
	}
	if state.YesReserve.Cmp(e18(101)) != 0 {
		t.Errorf("yesReserve = %s, want 101e18", state.YesReserve)
	}
	if state.NoReserve.Cmp(e18(99)) != 0 {
		t.Errorf("noReserve = %s, want 99e18", state.NoReserve)
	}
}

func TestApplyReserveIdentity(t *testing.T) {
	t.Parallel()
	// tvlUSDF on every emitted liquidity row matches TVLScaled of the
	// row's own reserves.
	state := newState()
	events := []struct {
		ev Event
		r  Ref
	}{
		{FundingAdded{Amounts: [2]*big.Int{e18(100), e18(100)}}, ref(5, 0)},
		{Buy{Investment: e18(3), Fee: fixed("30000000000000000"), OutcomeIndex: 0, Shares: e18(2)}, ref(6, 0)},
		{Sell{Return: e18(1), Fee: new(big.Int), OutcomeIndex: 1, Shares: e18(1)}, ref(7, 2)},
		{FundingRemoved{Amounts: [2]*big.Int{e18(10), e18(10)}}, ref(8, 0)},
	}
	for i, tc := range events {
		res, err := Apply(state, tc.ev, tc.r, testTime)
		if err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
		want := types.TVLScaled(res.Liquidity.YesReserves, res.Liquidity.NoReserves)
		if res.Liquidity.TVLUSDF.Cmp(want) != 0 {
			t.Errorf("event %d: tvl = %s, want %s", i, res.Liquidity.TVLUSDF, want)
		}
	}
}
