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

func unixTime(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}

// execer is the slice of database/sql shared by *sql.DB and *sql.Tx, so
// the row writers below run standalone or inside a transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// EventRows bundles every row one applied pool event produces. Any field
// may be nil.
type EventRows struct {
	Liquidity *types.LiquidityEvent
	Trade     *types.Trade
	Candle    *types.Candle5m
	Spot      *types.SpotPoint
}

// CommitEventRows writes all of one event's rows in a single transaction.
// The liquidity snapshot and the rows derived from it must land together:
// a partial commit would advance the hydrated state past the event, and a
// recovery replay would then skip it as a duplicate, losing the rest of
// its rows for good. Returns whether the trade row was newly written.
func (s *Store) CommitEventRows(ctx context.Context, rows EventRows) (tradeInserted bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin event commit: %w", err)
	}
	defer tx.Rollback()

	if rows.Liquidity != nil {
		if _, err := insertLiquidityEvent(ctx, tx, *rows.Liquidity); err != nil {
			return false, err
		}
	}
	if rows.Trade != nil {
		tradeInserted, err = insertTrade(ctx, tx, *rows.Trade)
		if err != nil {
			return false, err
		}
	}
	if rows.Candle != nil {
		if err := upsertCandle(ctx, tx, *rows.Candle); err != nil {
			return false, err
		}
	}
	if rows.Spot != nil {
		if err := upsertSpotPoint(ctx, tx, *rows.Spot); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit event rows: %w", err)
	}
	return tradeInserted, nil
}

// InsertTrade appends one trade. Duplicate (tx_hash, log_index) pairs are
// silently ignored; the return reports whether a row was written.
func (s *Store) InsertTrade(ctx context.Context, t types.Trade) (bool, error) {
	return insertTrade(ctx, s.db, t)
}

func insertTrade(ctx context.Context, db execer, t types.Trade) (bool, error) {
	res, err := db.ExecContext(ctx, `
		INSERT OR IGNORE INTO trades
			(market_id, fpmm_address, tx_hash, log_index, block_number, ts,
			 side, outcome, amount_in, price, amount_out, fee)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.MarketID, t.FPMMAddress, t.TxHash, t.LogIndex, t.BlockNumber, t.Timestamp.Unix(),
		string(t.Side), t.Outcome, types.BigString(t.AmountInUSDF), types.BigString(t.Price),
		types.BigString(t.AmountOutShares), types.BigString(t.FeeUSDF),
	)
	if err != nil {
		return false, fmt.Errorf("insert trade %s/%d: %w", t.TxHash, t.LogIndex, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// InsertLiquidityEvent appends one liquidity snapshot with the same
// conflict behavior as InsertTrade.
func (s *Store) InsertLiquidityEvent(ctx context.Context, l types.LiquidityEvent) (bool, error) {
	return insertLiquidityEvent(ctx, s.db, l)
}

func insertLiquidityEvent(ctx context.Context, db execer, l types.LiquidityEvent) (bool, error) {
	res, err := db.ExecContext(ctx, `
		INSERT OR IGNORE INTO liquidity_events
			(market_id, fpmm_address, tx_hash, log_index, block_number, ts,
			 kind, yes_reserves, no_reserves, tvl, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.MarketID, l.FPMMAddress, l.TxHash, l.LogIndex, l.BlockNumber, l.Timestamp.Unix(),
		string(l.Kind), types.BigString(l.YesReserves), types.BigString(l.NoReserves),
		types.BigString(l.TVLUSDF), l.Source,
	)
	if err != nil {
		return false, fmt.Errorf("insert liquidity event %s/%d: %w", l.TxHash, l.LogIndex, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpsertCandle merges a candle delta into its bucket:
// high = max, low = min, close = latest arrival, volume accumulates, and
// open is immutable after the first insert. The merge runs inside a
// transaction because the min/max/sum are computed over arbitrary-
// precision text values, which SQLite cannot compare natively.
func (s *Store) UpsertCandle(ctx context.Context, c types.Candle5m) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin candle upsert: %w", err)
	}
	defer tx.Rollback()

	if err := upsertCandle(ctx, tx, c); err != nil {
		return err
	}
	return tx.Commit()
}

func upsertCandle(ctx context.Context, tx execer, c types.Candle5m) error {
	var high, low, volume string
	err := tx.QueryRowContext(ctx, `
		SELECT high, low, volume FROM candles_5m
		WHERE market_id = ? AND bucket_start = ?`,
		c.MarketID, c.BucketStart.Unix()).Scan(&high, &low, &volume)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO candles_5m (market_id, bucket_start, open, high, low, close, volume)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.MarketID, c.BucketStart.Unix(),
			types.BigString(c.Open), types.BigString(c.High), types.BigString(c.Low),
			types.BigString(c.Close), types.BigString(c.VolumeUSDF))
		if err != nil {
			return fmt.Errorf("insert candle: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read candle for merge: %w", err)
	default:
		oldHigh, err := types.ParseFixed18(high)
		if err != nil {
			return err
		}
		oldLow, err := types.ParseFixed18(low)
		if err != nil {
			return err
		}
		oldVolume, err := types.ParseFixed18(volume)
		if err != nil {
			return err
		}
		if c.High.Cmp(oldHigh) > 0 {
			oldHigh = c.High
		}
		if c.Low.Cmp(oldLow) < 0 {
			oldLow = c.Low
		}
		oldVolume = new(big.Int).Add(oldVolume, c.VolumeUSDF)

		_, err = tx.ExecContext(ctx, `
			UPDATE candles_5m SET high = ?, low = ?, close = ?, volume = ?
			WHERE market_id = ? AND bucket_start = ?`,
			types.BigString(oldHigh), types.BigString(oldLow),
			types.BigString(c.Close), types.BigString(oldVolume),
			c.MarketID, c.BucketStart.Unix())
		if err != nil {
			return fmt.Errorf("merge candle: %w", err)
		}
	}
	return nil
}

// UpsertSpotPoint records one spot sample; duplicates on
// (market_id, ts) are ignored.
func (s *Store) UpsertSpotPoint(ctx context.Context, p types.SpotPoint) error {
	return upsertSpotPoint(ctx, s.db, p)
}

func upsertSpotPoint(ctx context.Context, db execer, p types.SpotPoint) error {
	_, err := db.ExecContext(ctx, `
		INSERT OR IGNORE INTO market_spot_points (market_id, ts, yes_price, no_price)
		VALUES (?, ?, ?, ?)`,
		p.MarketID, p.Timestamp.Unix(), types.BigString(p.YesPrice), types.BigString(p.NoPrice))
	if err != nil {
		return fmt.Errorf("upsert spot point: %w", err)
	}
	return nil
}

// EnsureMarketSync creates the sync row with the baseline block if absent
// and returns the current cursor.
func (s *Store) EnsureMarketSync(ctx context.Context, marketID string, baseline uint64) (*types.MarketSync, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO market_sync (market_id, last_indexed_block, sweeping, updated_at)
		VALUES (?, ?, 0, ?)`,
		marketID, baseline, time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("ensure market sync %s: %w", marketID, err)
	}
	return s.GetMarketSync(ctx, marketID)
}

// GetMarketSync reads the cursor; nil when the market was never synced.
func (s *Store) GetMarketSync(ctx context.Context, marketID string) (*types.MarketSync, error) {
	var (
		ms       types.MarketSync
		sweeping int
		updated  int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT market_id, last_indexed_block, sweeping, updated_at
		FROM market_sync WHERE market_id = ?`, marketID).
		Scan(&ms.MarketID, &ms.LastIndexedBlock, &sweeping, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get market sync %s: %w", marketID, err)
	}
	ms.Sweeping = sweeping != 0
	ms.UpdatedAt = unixTime(updated)
	return &ms, nil
}

// AdvanceMarketSync moves the cursor forward, never backward:
// last_indexed_block = MAX(existing, block).
func (s *Store) AdvanceMarketSync(ctx context.Context, marketID string, block uint64, sweeping bool) error {
	sw := 0
	if sweeping {
		sw = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO market_sync (market_id, last_indexed_block, sweeping, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (market_id) DO UPDATE SET
			last_indexed_block = MAX(market_sync.last_indexed_block, excluded.last_indexed_block),
			sweeping = excluded.sweeping,
			updated_at = excluded.updated_at`,
		marketID, block, sw, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("advance market sync %s: %w", marketID, err)
	}
	return nil
}

// RewindMarketSync sets the cursor unconditionally. Only the bootstrap
// path uses it, to start a freshly migrated market near its first trade
// instead of at genesis.
func (s *Store) RewindMarketSync(ctx context.Context, marketID string, block uint64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE market_sync SET last_indexed_block = ?, updated_at = ? WHERE market_id = ?`,
		block, time.Now().Unix(), marketID)
	if err != nil {
		return fmt.Errorf("rewind market sync %s: %w", marketID, err)
	}
	return nil
}

// LoadMarketState hydrates the in-memory working set from the latest
// liquidity snapshot, or zero reserves if the market has none yet.
func (s *Store) LoadMarketState(ctx context.Context, m types.Market) (*types.MarketState, error) {
	state := types.NewMarketState(m.ID, m.FPMMAddress)
	state.ConditionID = m.ConditionID

	latest, err := s.LatestLiquidity(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	if latest != nil {
		state.YesReserve = new(big.Int).Set(latest.YesReserves)
		state.NoReserve = new(big.Int).Set(latest.NoReserves)
		state.LastProcessedBlock = latest.BlockNumber
		state.LastProcessedLogIndex = latest.LogIndex
		state.HasLiquidity = state.YesReserve.Sign() > 0 || state.NoReserve.Sign() > 0
	}
	return state, nil
}
