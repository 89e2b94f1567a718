package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"marketindex/pkg/types"
)

// LatestLiquidity returns the authoritative reserve snapshot: the newest
// liquidity row by (block_number desc, log_index desc). Nil when the
// market has no liquidity history.
func (s *Store) LatestLiquidity(ctx context.Context, marketID string) (*types.LiquidityEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT market_id, fpmm_address, tx_hash, log_index, block_number, ts,
		       kind, yes_reserves, no_reserves, tvl, source
		FROM liquidity_events
		WHERE market_id = ?
		ORDER BY block_number DESC, log_index DESC
		LIMIT 1`, marketID)

	l, err := scanLiquidity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return l, err
}

// Volume24h sums trade notional over the trailing 24 hours. The sum runs
// in Go because amounts are arbitrary-precision text.
func (s *Store) Volume24h(ctx context.Context, marketID string, now time.Time) (*big.Int, error) {
	cutoff := now.Add(-24 * time.Hour).Unix()
	rows, err := s.db.QueryContext(ctx, `
		SELECT amount_in FROM trades
		WHERE market_id = ? AND ts >= ?`, marketID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("volume24h %s: %w", marketID, err)
	}
	defer rows.Close()

	total := new(big.Int)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("volume24h scan: %w", err)
		}
		v, err := types.ParseFixed18(raw)
		if err != nil {
			return nil, err
		}
		total.Add(total, v)
	}
	return total, rows.Err()
}

// LastTrade returns the newest trade for a market, or nil.
func (s *Store) LastTrade(ctx context.Context, marketID string) (*types.Trade, error) {
	row := s.db.QueryRowContext(ctx, tradeSelect+`
		WHERE market_id = ?
		ORDER BY block_number DESC, log_index DESC
		LIMIT 1`, marketID)

	t, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// FirstTradeBlock returns the block of the oldest persisted trade.
// ok is false when the market has no trades.
func (s *Store) FirstTradeBlock(ctx context.Context, marketID string) (block uint64, ok bool, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT block_number FROM trades
		WHERE market_id = ?
		ORDER BY block_number ASC, log_index ASC
		LIMIT 1`, marketID).Scan(&block)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("first trade block %s: %w", marketID, err)
	}
	return block, true, nil
}

// LaggingMarket is one row of the health report's lag table.
type LaggingMarket struct {
	MarketID         string `json:"marketId"`
	Slug             string `json:"slug"`
	LastIndexedBlock uint64 `json:"lastIndexedBlock"`
	LagBlocks        uint64 `json:"lagBlocks"`
}

// TopLagging lists the n markets furthest behind the given head.
func (s *Store) TopLagging(ctx context.Context, head uint64, n int) ([]LaggingMarket, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ms.market_id, COALESCE(m.slug, ''), ms.last_indexed_block
		FROM market_sync ms
		JOIN markets m ON m.id = ms.market_id
		WHERE m.status != 'deleted'
		ORDER BY ms.last_indexed_block ASC
		LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("top lagging: %w", err)
	}
	defer rows.Close()

	var out []LaggingMarket
	for rows.Next() {
		var lm LaggingMarket
		if err := rows.Scan(&lm.MarketID, &lm.Slug, &lm.LastIndexedBlock); err != nil {
			return nil, fmt.Errorf("top lagging scan: %w", err)
		}
		if head > lm.LastIndexedBlock {
			lm.LagBlocks = head - lm.LastIndexedBlock
		}
		out = append(out, lm)
	}
	return out, rows.Err()
}

const tradeSelect = `
	SELECT market_id, fpmm_address, tx_hash, log_index, block_number, ts,
	       side, outcome, amount_in, price, amount_out, fee
	FROM trades`

// Trades pages trades newest-first. A zero before means "no upper bound".
func (s *Store) Trades(ctx context.Context, marketID string, limit int, before time.Time) ([]types.Trade, error) {
	limit = clampLimit(limit)
	beforeTs := int64(1<<62 - 1)
	if !before.IsZero() {
		beforeTs = before.Unix()
	}
	rows, err := s.db.QueryContext(ctx, tradeSelect+`
		WHERE market_id = ? AND ts < ?
		ORDER BY block_number DESC, log_index DESC
		LIMIT ?`, marketID, beforeTs, limit)
	if err != nil {
		return nil, fmt.Errorf("trades %s: %w", marketID, err)
	}
	defer rows.Close()

	var out []types.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// Candles pages the newest candles, returned oldest-first for charting.
func (s *Store) Candles(ctx context.Context, marketID string, limit int) ([]types.Candle5m, error) {
	limit = clampLimit(limit)
	rows, err := s.db.QueryContext(ctx, `
		SELECT market_id, bucket_start, open, high, low, close, volume
		FROM candles_5m
		WHERE market_id = ?
		ORDER BY bucket_start DESC
		LIMIT ?`, marketID, limit)
	if err != nil {
		return nil, fmt.Errorf("candles %s: %w", marketID, err)
	}
	defer rows.Close()

	var out []types.Candle5m
	for rows.Next() {
		var (
			c                             types.Candle5m
			bucket                        int64
			open, high, low, close, vol   string
		)
		if err := rows.Scan(&c.MarketID, &bucket, &open, &high, &low, &close, &vol); err != nil {
			return nil, fmt.Errorf("candles scan: %w", err)
		}
		c.BucketStart = unixTime(bucket)
		if c.Open, err = types.ParseFixed18(open); err != nil {
			return nil, err
		}
		if c.High, err = types.ParseFixed18(high); err != nil {
			return nil, err
		}
		if c.Low, err = types.ParseFixed18(low); err != nil {
			return nil, err
		}
		if c.Close, err = types.ParseFixed18(close); err != nil {
			return nil, err
		}
		if c.VolumeUSDF, err = types.ParseFixed18(vol); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	reverse(out)
	return out, rows.Err()
}

// SpotSeries pages the newest spot samples, returned oldest-first.
func (s *Store) SpotSeries(ctx context.Context, marketID string, limit int) ([]types.SpotPoint, error) {
	limit = clampLimit(limit)
	rows, err := s.db.QueryContext(ctx, `
		SELECT market_id, ts, yes_price, no_price
		FROM market_spot_points
		WHERE market_id = ?
		ORDER BY ts DESC
		LIMIT ?`, marketID, limit)
	if err != nil {
		return nil, fmt.Errorf("spot series %s: %w", marketID, err)
	}
	defer rows.Close()

	var out []types.SpotPoint
	for rows.Next() {
		var (
			p        types.SpotPoint
			ts       int64
			yes, no  string
		)
		if err := rows.Scan(&p.MarketID, &ts, &yes, &no); err != nil {
			return nil, fmt.Errorf("spot series scan: %w", err)
		}
		p.Timestamp = unixTime(ts)
		if p.YesPrice, err = types.ParseFixed18(yes); err != nil {
			return nil, err
		}
		if p.NoPrice, err = types.ParseFixed18(no); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	reverse(out)
	return out, rows.Err()
}

// LatestCandleTime returns the newest bucket start, or zero time.
func (s *Store) LatestCandleTime(ctx context.Context, marketID string) (time.Time, error) {
	var bucket int64
	err := s.db.QueryRowContext(ctx, `
		SELECT bucket_start FROM candles_5m
		WHERE market_id = ? ORDER BY bucket_start DESC LIMIT 1`, marketID).Scan(&bucket)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("latest candle time %s: %w", marketID, err)
	}
	return unixTime(bucket), nil
}

func clampLimit(limit int) int {
	if limit < 1 {
		return 100
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

func scanTrade(row rowScanner) (*types.Trade, error) {
	var (
		t                          types.Trade
		ts                         int64
		side                       string
		amountIn, price, out, fee  string
	)
	err := row.Scan(&t.MarketID, &t.FPMMAddress, &t.TxHash, &t.LogIndex, &t.BlockNumber, &ts,
		&side, &t.Outcome, &amountIn, &price, &out, &fee)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan trade: %w", err)
	}
	t.Timestamp = unixTime(ts)
	t.Side = types.Side(side)
	if t.AmountInUSDF, err = types.ParseFixed18(amountIn); err != nil {
		return nil, err
	}
	if t.Price, err = types.ParseFixed18(price); err != nil {
		return nil, err
	}
	if t.AmountOutShares, err = types.ParseFixed18(out); err != nil {
		return nil, err
	}
	if t.FeeUSDF, err = types.ParseFixed18(fee); err != nil {
		return nil, err
	}
	return &t, nil
}

func scanLiquidity(row rowScanner) (*types.LiquidityEvent, error) {
	var (
		l             types.LiquidityEvent
		ts            int64
		kind          string
		yes, no, tvl  string
	)
	err := row.Scan(&l.MarketID, &l.FPMMAddress, &l.TxHash, &l.LogIndex, &l.BlockNumber, &ts,
		&kind, &yes, &no, &tvl, &l.Source)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan liquidity event: %w", err)
	}
	l.Timestamp = unixTime(ts)
	l.Kind = types.LiquidityKind(kind)
	if l.YesReserves, err = types.ParseFixed18(yes); err != nil {
		return nil, err
	}
	if l.NoReserves, err = types.ParseFixed18(no); err != nil {
		return nil, err
	}
	if l.TVLUSDF, err = types.ParseFixed18(tvl); err != nil {
		return nil, err
	}
	return &l, nil
}
