package amm

import (
	"fmt"
	"math/big"
	"time"

	"marketindex/pkg/types"
)

// Ref locates one log on chain.
type Ref struct {
	TxHash      string
	BlockNumber uint64
	LogIndex    uint32
}

// Result is everything one applied event produces. Liquidity is always
// set for applied events; Trade, Candle and Spot only for buys and sells.
// Skipped is true when the event is at or before the state's last
// processed position (duplicate delivery) and nothing was produced.
type Result struct {
	Trade     *types.Trade
	Liquidity *types.LiquidityEvent
	Candle    *types.Candle5m
	Spot      *types.SpotPoint
	Skipped   bool
}

// Apply advances the market state by one event and derives the rows to
// persist. It is pure over (state, event): reserve arithmetic saturates at
// zero and all math is exact Fixed-18 integer math.
//
// Events must arrive in (blockNumber, logIndex) ascending order per
// market; the indexer sorts before calling. An event at or before the
// state's last processed position is skipped so replaying a block is
// harmless to the in-memory reserves.
func Apply(state *types.MarketState, ev Event, ref Ref, blockTime time.Time) (Result, error) {
	if before(ref, state) {
		return Result{Skipped: true}, nil
	}

	var res Result
	switch e := ev.(type) {
	case FundingAdded:
		kind := types.LiquidityAdd
		if !state.HasLiquidity {
			kind = types.LiquidityInit
		}
		state.YesReserve.Add(state.YesReserve, e.Amounts[0])
		state.NoReserve.Add(state.NoReserve, e.Amounts[1])
		res.Liquidity = liquidityRow(state, ref, blockTime, kind)

	case FundingRemoved:
		state.YesReserve = types.SubFloor(state.YesReserve, e.Amounts[0])
		state.NoReserve = types.SubFloor(state.NoReserve, e.Amounts[1])
		res.Liquidity = liquidityRow(state, ref, blockTime, types.LiquidityRemove)

	case Buy:
		net := types.SubFloor(e.Investment, e.Fee)
		if e.OutcomeIndex == 0 {
			state.NoReserve.Add(state.NoReserve, net)
			state.YesReserve = types.SubFloor(state.YesReserve, e.Shares)
		} else {
			state.YesReserve.Add(state.YesReserve, net)
			state.NoReserve = types.SubFloor(state.NoReserve, e.Shares)
		}
		res.Trade = tradeRow(state, ref, blockTime, types.SideBuy, e.OutcomeIndex, e.Investment, e.Shares, e.Fee)
		res.Liquidity = liquidityRow(state, ref, blockTime, types.LiquidityTrade)
		res.Candle, res.Spot = marketDataRows(state, blockTime, e.Investment)

	case Sell:
		gross := new(big.Int).Add(e.Return, e.Fee)
		if e.OutcomeIndex == 0 {
			state.YesReserve.Add(state.YesReserve, e.Shares)
			state.NoReserve = types.SubFloor(state.NoReserve, gross)
		} else {
			state.NoReserve.Add(state.NoReserve, e.Shares)
			state.YesReserve = types.SubFloor(state.YesReserve, gross)
		}
		res.Trade = tradeRow(state, ref, blockTime, types.SideSell, e.OutcomeIndex, e.Return, e.Shares, e.Fee)
		res.Liquidity = liquidityRow(state, ref, blockTime, types.LiquidityTrade)
		res.Candle, res.Spot = marketDataRows(state, blockTime, e.Return)

	default:
		return Result{}, fmt.Errorf("unhandled event type %T", ev)
	}

	state.HasLiquidity = state.YesReserve.Sign() > 0 || state.NoReserve.Sign() > 0
	state.LastProcessedBlock = ref.BlockNumber
	state.LastProcessedLogIndex = ref.LogIndex
	return res, nil
}

func before(ref Ref, state *types.MarketState) bool {
	if state.LastProcessedBlock == 0 && state.LastProcessedLogIndex == 0 {
		return false
	}
	if ref.BlockNumber != state.LastProcessedBlock {
		return ref.BlockNumber < state.LastProcessedBlock
	}
	return ref.LogIndex <= state.LastProcessedLogIndex
}

func liquidityRow(state *types.MarketState, ref Ref, ts time.Time, kind types.LiquidityKind) *types.LiquidityEvent {
	return &types.LiquidityEvent{
		MarketID:    state.MarketID,
		FPMMAddress: state.FPMMAddress,
		TxHash:      ref.TxHash,
		LogIndex:    ref.LogIndex,
		BlockNumber: ref.BlockNumber,
		Timestamp:   ts,
		Kind:        kind,
		YesReserves: new(big.Int).Set(state.YesReserve),
		NoReserves:  new(big.Int).Set(state.NoReserve),
		TVLUSDF:     types.TVLScaled(state.YesReserve, state.NoReserve),
	}
}

func tradeRow(state *types.MarketState, ref Ref, ts time.Time, side types.Side, outcome uint64, amountIn, shares, fee *big.Int) *types.Trade {
	return &types.Trade{
		MarketID:        state.MarketID,
		FPMMAddress:     state.FPMMAddress,
		TxHash:          ref.TxHash,
		LogIndex:        ref.LogIndex,
		BlockNumber:     ref.BlockNumber,
		Timestamp:       ts,
		Side:            side,
		Outcome:         types.Outcome(outcome),
		AmountInUSDF:    new(big.Int).Set(amountIn),
		Price:           types.DivScaled(amountIn, shares),
		AmountOutShares: new(big.Int).Set(shares),
		FeeUSDF:         new(big.Int).Set(fee),
	}
}

// marketDataRows derives the candle delta and spot sample from the
// post-trade reserves. Candle price is the post-trade YES spot.
func marketDataRows(state *types.MarketState, ts time.Time, volume *big.Int) (*types.Candle5m, *types.SpotPoint) {
	yesPrice := types.YesPriceScaled(state.YesReserve, state.NoReserve)
	candle := &types.Candle5m{
		MarketID:    state.MarketID,
		BucketStart: time.Unix(types.BucketStart5m(ts.Unix()), 0).UTC(),
		Open:        new(big.Int).Set(yesPrice),
		High:        new(big.Int).Set(yesPrice),
		Low:         new(big.Int).Set(yesPrice),
		Close:       new(big.Int).Set(yesPrice),
		VolumeUSDF:  new(big.Int).Set(volume),
	}
	spot := &types.SpotPoint{
		MarketID:  state.MarketID,
		Timestamp: ts.UTC(),
		YesPrice:  yesPrice,
		NoPrice:   new(big.Int).Sub(types.Scale, yesPrice),
	}
	return candle, spot
}
