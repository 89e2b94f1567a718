// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the indexer — market metadata,
// trade and liquidity rows, candles, sync cursors, job variants, and the
// bus message payloads. It has no dependencies on internal packages, so it
// can be imported by any layer.
package types

import (
	"math/big"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an AMM trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Outcome indexes the two outcomes of a binary market.
type Outcome uint8

const (
	OutcomeYes Outcome = 0
	OutcomeNo  Outcome = 1
)

// MarketStatus is the lifecycle state of a market.
type MarketStatus string

const (
	StatusActive    MarketStatus = "active"
	StatusResolved  MarketStatus = "resolved"
	StatusDeleted   MarketStatus = "deleted"
	StatusCancelled MarketStatus = "cancelled"
)

// LiquidityKind classifies a liquidity snapshot row.
type LiquidityKind string

const (
	LiquidityInit   LiquidityKind = "init"
	LiquidityAdd    LiquidityKind = "add"
	LiquidityRemove LiquidityKind = "remove"
	LiquidityTrade  LiquidityKind = "trade"
)

// ————————————————————————————————————————————————————————————————————————
// Market metadata
// ————————————————————————————————————————————————————————————————————————

// Market is a binary prediction market backed by a constant-product pool.
// Created by admin routes; the indexer reads ID, ConditionID and
// FPMMAddress to resolve on-chain logs back to a market.
type Market struct {
	ID          string
	Slug        string
	ConditionID string // CTF condition identifier (0x-prefixed 32-byte hex)
	FPMMAddress string // pool address, lowercase hex
	Title       string
	Outcomes    [2]string // YES=0, NO=1
	Status      MarketStatus
	Category    string
	Tags        []string

	CreatedAt      time.Time
	ExpiresAt      time.Time
	ResolvedAt     time.Time
	ResolutionData string
}

// MarketSync is the per-market indexing cursor. LastIndexedBlock only moves
// forward; the store enforces monotonicity on write.
type MarketSync struct {
	MarketID         string
	LastIndexedBlock uint64
	Sweeping         bool
	UpdatedAt        time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Persisted rows
// ————————————————————————————————————————————————————————————————————————

// Trade is one AMM buy or sell, unique on (TxHash, LogIndex). Append-only;
// never mutated once written. All amounts are Fixed-18 integers.
type Trade struct {
	MarketID        string
	FPMMAddress     string
	TxHash          string
	LogIndex        uint32
	BlockNumber     uint64
	Timestamp       time.Time
	Side            Side
	Outcome         Outcome
	AmountInUSDF    *big.Int
	Price           *big.Int
	AmountOutShares *big.Int
	FeeUSDF         *big.Int
}

// LiquidityEvent captures the pool reserves after an event, unique on
// (TxHash, LogIndex). The latest row by (BlockNumber desc, LogIndex desc)
// is the authoritative reserve snapshot for the market.
type LiquidityEvent struct {
	MarketID    string
	FPMMAddress string
	TxHash      string
	LogIndex    uint32
	BlockNumber uint64
	Timestamp   time.Time
	Kind        LiquidityKind
	YesReserves *big.Int
	NoReserves  *big.Int
	TVLUSDF     *big.Int
	Source      string
}

// Candle5m is an OHLCV bar over a 5-minute bucket, unique on
// (MarketID, BucketStart). Prices are Fixed-18 YES spot prices.
type Candle5m struct {
	MarketID    string
	BucketStart time.Time
	Open        *big.Int
	High        *big.Int
	Low         *big.Int
	Close       *big.Int
	VolumeUSDF  *big.Int
}

// SpotPoint is a sampled (yesPrice, noPrice) observation, unique on
// (MarketID, Timestamp). yesPrice + noPrice = Scale within rounding.
type SpotPoint struct {
	MarketID  string
	Timestamp time.Time
	YesPrice  *big.Int
	NoPrice   *big.Int
}

// ————————————————————————————————————————————————————————————————————————
// In-memory working state
// ————————————————————————————————————————————————————————————————————————

// MarketState is the per-pool working set the applier mutates. It is
// hydrated from the latest LiquidityEvent and private to the job currently
// running for the market (single writer).
type MarketState struct {
	MarketID              string
	FPMMAddress           string
	ConditionID           string
	YesReserve            *big.Int
	NoReserve             *big.Int
	LastProcessedBlock    uint64
	LastProcessedLogIndex uint32
	HasLiquidity          bool
}

// NewMarketState returns a zero-reserve state for a market.
func NewMarketState(marketID, fpmm string) *MarketState {
	return &MarketState{
		MarketID:    marketID,
		FPMMAddress: fpmm,
		YesReserve:  new(big.Int),
		NoReserve:   new(big.Int),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Jobs
// ————————————————————————————————————————————————————————————————————————

// TxJob asks the indexer to process every pool log in the block containing
// the transaction. MarketID is an optional hint and may be empty.
type TxJob struct {
	TxHash   string `json:"txHash"`
	MarketID string `json:"marketId,omitempty"`
}

// SweepJob asks the indexer to replay log windows for one market from its
// cursor toward the chain head.
type SweepJob struct {
	MarketID string `json:"marketId"`
}

// ————————————————————————————————————————————————————————————————————————
// Bus messages
// ————————————————————————————————————————————————————————————————————————

// TradeMessage is published on trades.<marketId> after a trade is committed.
// Amounts are rendered as base-10 decimal strings at 18-decimal precision.
type TradeMessage struct {
	Type            string  `json:"type"` // always "trade"
	MarketID        string  `json:"marketId"`
	TxHash          string  `json:"txHash"`
	LogIndex        uint32  `json:"logIndex"`
	BlockNumber     uint64  `json:"blockNumber"`
	Timestamp       int64   `json:"timestamp"` // unix seconds
	Side            Side    `json:"side"`
	Outcome         Outcome `json:"outcome"`
	AmountInUSDF    string  `json:"amountInUSDF"`
	Price           string  `json:"price"`
	AmountOutShares string  `json:"amountOutShares"`
}

// IndexedMessage is published on trades.<marketId> once a job finished
// committing and the cursor advanced.
type IndexedMessage struct {
	Type             string `json:"type"` // always "indexed"
	MarketID         string `json:"marketId"`
	LastIndexedBlock uint64 `json:"lastIndexedBlock"`
	HeadBlock        uint64 `json:"headBlock"`
	LagBlocks        uint64 `json:"lagBlocks"`
	EmittedAt        int64  `json:"emittedAt"` // unix ms
}

// CommentMessage carries discussion events on comments.<marketId>.
type CommentMessage struct {
	Type      string `json:"type"` // always "comment"
	MarketID  string `json:"marketId"`
	CommentID string `json:"commentId"`
	Author    string `json:"author"`
	Body      string `json:"body"`
	CreatedAt int64  `json:"createdAt"`
}

// NewTradeMessage converts a persisted trade into its bus payload.
func NewTradeMessage(t Trade) TradeMessage {
	return TradeMessage{
		Type:            "trade",
		MarketID:        t.MarketID,
		TxHash:          t.TxHash,
		LogIndex:        t.LogIndex,
		BlockNumber:     t.BlockNumber,
		Timestamp:       t.Timestamp.Unix(),
		Side:            t.Side,
		Outcome:         t.Outcome,
		AmountInUSDF:    FormatFixed18(t.AmountInUSDF),
		Price:           FormatFixed18(t.Price),
		AmountOutShares: FormatFixed18(t.AmountOutShares),
	}
}
