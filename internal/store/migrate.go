package store

import "fmt"

// migration is one idempotent schema step, guarded by schema_migrations.
type migration struct {
	id   int
	stmt string
}

var migrations = []migration{
	{1, `
		CREATE TABLE IF NOT EXISTS markets (
			id              TEXT PRIMARY KEY,
			slug            TEXT COLLATE NOCASE,
			condition_id    TEXT,
			fpmm_address    TEXT,
			title           TEXT NOT NULL DEFAULT '',
			outcome_yes     TEXT NOT NULL DEFAULT 'YES',
			outcome_no      TEXT NOT NULL DEFAULT 'NO',
			status          TEXT NOT NULL DEFAULT 'active',
			category        TEXT NOT NULL DEFAULT '',
			tags            TEXT NOT NULL DEFAULT '[]',
			created_at      INTEGER NOT NULL,
			expires_at      INTEGER,
			resolved_at     INTEGER,
			resolution_data TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_markets_slug ON markets(slug);
		CREATE INDEX IF NOT EXISTS idx_markets_fpmm ON markets(fpmm_address);

		CREATE TABLE IF NOT EXISTS market_sync (
			market_id          TEXT PRIMARY KEY REFERENCES markets(id),
			last_indexed_block INTEGER NOT NULL DEFAULT 0,
			sweeping           INTEGER NOT NULL DEFAULT 0,
			updated_at         INTEGER NOT NULL
		);
	`},
	{2, `
		CREATE TABLE IF NOT EXISTS trades (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			market_id     TEXT NOT NULL,
			fpmm_address  TEXT NOT NULL DEFAULT '',
			tx_hash       TEXT NOT NULL,
			log_index     INTEGER NOT NULL,
			block_number  INTEGER NOT NULL,
			ts            INTEGER NOT NULL,
			side          TEXT NOT NULL,
			outcome       INTEGER NOT NULL,
			amount_in     TEXT NOT NULL,
			price         TEXT NOT NULL,
			amount_out    TEXT NOT NULL,
			fee           TEXT NOT NULL DEFAULT '0',
			UNIQUE (tx_hash, log_index)
		);
		CREATE INDEX IF NOT EXISTS idx_trades_market_ts ON trades(market_id, ts DESC);
		CREATE INDEX IF NOT EXISTS idx_trades_market_block ON trades(market_id, block_number);

		CREATE TABLE IF NOT EXISTS liquidity_events (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			market_id     TEXT NOT NULL,
			fpmm_address  TEXT NOT NULL DEFAULT '',
			tx_hash       TEXT NOT NULL,
			log_index     INTEGER NOT NULL,
			block_number  INTEGER NOT NULL,
			ts            INTEGER NOT NULL,
			kind          TEXT NOT NULL,
			yes_reserves  TEXT NOT NULL,
			no_reserves   TEXT NOT NULL,
			tvl           TEXT NOT NULL,
			source        TEXT NOT NULL DEFAULT '',
			UNIQUE (tx_hash, log_index)
		);
		CREATE INDEX IF NOT EXISTS idx_liquidity_latest
			ON liquidity_events(market_id, block_number DESC, log_index DESC);
	`},
	{3, `
		CREATE TABLE IF NOT EXISTS candles_5m (
			market_id    TEXT NOT NULL,
			bucket_start INTEGER NOT NULL,
			open         TEXT NOT NULL,
			high         TEXT NOT NULL,
			low          TEXT NOT NULL,
			close        TEXT NOT NULL,
			volume       TEXT NOT NULL,
			PRIMARY KEY (market_id, bucket_start)
		);

		CREATE TABLE IF NOT EXISTS market_spot_points (
			market_id TEXT NOT NULL,
			ts        INTEGER NOT NULL,
			yes_price TEXT NOT NULL,
			no_price  TEXT NOT NULL,
			UNIQUE (market_id, ts)
		);
	`},
	{4, `
		CREATE TABLE IF NOT EXISTS system_kv (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS jobs (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			queue      TEXT NOT NULL,
			payload    TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_queue ON jobs(queue, id);
	`},
}

// migrate applies any migrations not yet recorded in schema_migrations.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (id INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var applied int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations WHERE id = ?`, m.id).Scan(&applied)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.id, err)
		}
		if applied > 0 {
			continue
		}
		if _, err := s.db.Exec(m.stmt); err != nil {
			return fmt.Errorf("migration %d: %w", m.id, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_migrations (id) VALUES (?)`, m.id); err != nil {
			return fmt.Errorf("record migration %d: %w", m.id, err)
		}
		s.logger.Info("applied migration", "id", m.id)
	}
	return nil
}
