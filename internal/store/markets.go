package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"marketindex/pkg/types"
)

// ErrMarketNotFound is returned when no visible market matches a key.
var ErrMarketNotFound = errors.New("market not found")

// UpsertMarket creates or updates a market row. Admin routes own market
// creation; the indexer only reads.
func (s *Store) UpsertMarket(ctx context.Context, m types.Market) error {
	tags, err := json.Marshal(m.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	var expires, resolved sql.NullInt64
	if !m.ExpiresAt.IsZero() {
		expires = sql.NullInt64{Int64: m.ExpiresAt.Unix(), Valid: true}
	}
	if !m.ResolvedAt.IsZero() {
		resolved = sql.NullInt64{Int64: m.ResolvedAt.Unix(), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO markets (id, slug, condition_id, fpmm_address, title,
			outcome_yes, outcome_no, status, category, tags,
			created_at, expires_at, resolved_at, resolution_data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			slug = excluded.slug,
			condition_id = excluded.condition_id,
			fpmm_address = excluded.fpmm_address,
			title = excluded.title,
			outcome_yes = excluded.outcome_yes,
			outcome_no = excluded.outcome_no,
			status = excluded.status,
			category = excluded.category,
			tags = excluded.tags,
			expires_at = excluded.expires_at,
			resolved_at = excluded.resolved_at,
			resolution_data = excluded.resolution_data`,
		m.ID, m.Slug, m.ConditionID, strings.ToLower(m.FPMMAddress), m.Title,
		m.Outcomes[0], m.Outcomes[1], string(m.Status), m.Category, string(tags),
		m.CreatedAt.Unix(), expires, resolved, m.ResolutionData,
	)
	if err != nil {
		return fmt.Errorf("upsert market %s: %w", m.ID, err)
	}
	return nil
}

const marketColumns = `id, slug, condition_id, fpmm_address, title,
	outcome_yes, outcome_no, status, category, tags,
	created_at, expires_at, resolved_at, resolution_data`

// GetMarketByKey resolves a market by id or slug (slug match is
// case-insensitive). Soft-deleted markets are invisible.
func (s *Store) GetMarketByKey(ctx context.Context, key string) (*types.Market, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+marketColumns+`
		FROM markets
		WHERE (id = ? OR slug = ?) AND status != 'deleted'
		LIMIT 1`, key, key)
	return scanMarket(row)
}

// GetMarketByPool resolves a market by its pool address (stored lowercase).
func (s *Store) GetMarketByPool(ctx context.Context, fpmm string) (*types.Market, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+marketColumns+`
		FROM markets
		WHERE fpmm_address = ? AND status != 'deleted'
		LIMIT 1`, strings.ToLower(fpmm))
	return scanMarket(row)
}

// ListActiveMarkets returns every market the indexer should track:
// non-deleted markets with a pool address.
func (s *Store) ListActiveMarkets(ctx context.Context) ([]types.Market, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+marketColumns+`
		FROM markets
		WHERE status != 'deleted' AND fpmm_address != ''
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list active markets: %w", err)
	}
	defer rows.Close()

	var out []types.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMarket(row rowScanner) (*types.Market, error) {
	var (
		m                 types.Market
		status, tags      string
		created           int64
		expires, resolved sql.NullInt64
	)
	err := row.Scan(&m.ID, &m.Slug, &m.ConditionID, &m.FPMMAddress, &m.Title,
		&m.Outcomes[0], &m.Outcomes[1], &status, &m.Category, &tags,
		&created, &expires, &resolved, &m.ResolutionData)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMarketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan market: %w", err)
	}
	m.Status = types.MarketStatus(status)
	if err := json.Unmarshal([]byte(tags), &m.Tags); err != nil {
		m.Tags = nil
	}
	m.CreatedAt = unixTime(created)
	if expires.Valid {
		m.ExpiresAt = unixTime(expires.Int64)
	}
	if resolved.Valid {
		m.ResolvedAt = unixTime(resolved.Int64)
	}
	return &m, nil
}
