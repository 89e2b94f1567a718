// Package amm decodes pool event logs and applies them to market state.
//
// The decoder recognizes the four events a two-outcome constant-product
// pool emits — FundingAdded, FundingRemoved, Buy, Sell — keyed by topic-0.
// Unknown topics are inert: Decode reports them as unrecognized without an
// error so callers can skip foreign logs in shared blocks. A recognized
// topic with malformed data is an error; the caller logs and skips that
// single log.
package amm

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Event topic-0 hashes. The signatures follow the conditional-token
// fixed-product market maker.
var (
	TopicFundingAdded   = crypto.Keccak256Hash([]byte("FPMMFundingAdded(address,uint256[],uint256)"))
	TopicFundingRemoved = crypto.Keccak256Hash([]byte("FPMMFundingRemoved(address,uint256[],uint256,uint256)"))
	TopicBuy            = crypto.Keccak256Hash([]byte("FPMMBuy(address,uint256,uint256,uint256,uint256)"))
	TopicSell           = crypto.Keccak256Hash([]byte("FPMMSell(address,uint256,uint256,uint256,uint256)"))

	// TopicPoolCreated is emitted by the pool factory; the live ingestor
	// watches it to pick up new pools.
	TopicPoolCreated = crypto.Keccak256Hash([]byte("FixedProductMarketMakerCreation(address,address,address,address,bytes32[],uint256)"))
)

// Event is the closed sum of recognized pool events.
type Event interface {
	isEvent()
}

// FundingAdded reports liquidity added per outcome (YES=0, NO=1).
type FundingAdded struct {
	Funder  common.Address
	Amounts [2]*big.Int
	Shares  *big.Int
}

// FundingRemoved reports liquidity removed per outcome.
type FundingRemoved struct {
	Funder  common.Address
	Amounts [2]*big.Int
	Shares  *big.Int
}

// Buy reports collateral in, outcome tokens out.
type Buy struct {
	Buyer        common.Address
	Investment   *big.Int
	Fee          *big.Int
	OutcomeIndex uint64
	Shares       *big.Int // outcome tokens bought
}

// Sell reports outcome tokens in, collateral out.
type Sell struct {
	Seller       common.Address
	Return       *big.Int
	Fee          *big.Int
	OutcomeIndex uint64
	Shares       *big.Int // outcome tokens sold
}

func (FundingAdded) isEvent()   {}
func (FundingRemoved) isEvent() {}
func (Buy) isEvent()            {}
func (Sell) isEvent()           {}

// Decode turns a raw log into a typed event. ok is false for topics the
// decoder does not recognize; err is non-nil only when a recognized topic
// carries malformed data.
func Decode(log ethtypes.Log) (ev Event, ok bool, err error) {
	if len(log.Topics) == 0 {
		return nil, false, nil
	}
	switch log.Topics[0] {
	case TopicFundingAdded:
		ev, err = decodeFundingAdded(log)
	case TopicFundingRemoved:
		ev, err = decodeFundingRemoved(log)
	case TopicBuy:
		ev, err = decodeBuy(log)
	case TopicSell:
		ev, err = decodeSell(log)
	default:
		return nil, false, nil
	}
	return ev, err == nil, err
}

// word returns the i-th 32-byte word of data as a big.Int.
func word(data []byte, i int) (*big.Int, error) {
	start := i * 32
	if len(data) < start+32 {
		return nil, fmt.Errorf("data too short for word %d (%d bytes)", i, len(data))
	}
	return new(big.Int).SetBytes(data[start : start+32]), nil
}

// uintArray2 reads a dynamic uint256[] whose head word sits at headIdx and
// requires exactly two elements.
func uintArray2(data []byte, headIdx int) ([2]*big.Int, error) {
	var out [2]*big.Int
	offset, err := word(data, headIdx)
	if err != nil {
		return out, err
	}
	if !offset.IsInt64() || offset.Int64()%32 != 0 {
		return out, fmt.Errorf("bad array offset %s", offset)
	}
	base := int(offset.Int64()) / 32
	length, err := word(data, base)
	if err != nil {
		return out, err
	}
	if length.Cmp(big.NewInt(2)) != 0 {
		return out, fmt.Errorf("expected 2 outcome amounts, got %s", length)
	}
	for i := 0; i < 2; i++ {
		if out[i], err = word(data, base+1+i); err != nil {
			return out, err
		}
	}
	return out, nil
}

func topicAddress(log ethtypes.Log, i int) common.Address {
	if len(log.Topics) > i {
		return common.BytesToAddress(log.Topics[i].Bytes())
	}
	return common.Address{}
}

func decodeFundingAdded(log ethtypes.Log) (Event, error) {
	// data: amountsAdded offset, sharesMinted, then the array
	amounts, err := uintArray2(log.Data, 0)
	if err != nil {
		return nil, fmt.Errorf("FundingAdded: %w", err)
	}
	shares, err := word(log.Data, 1)
	if err != nil {
		return nil, fmt.Errorf("FundingAdded: %w", err)
	}
	return FundingAdded{Funder: topicAddress(log, 1), Amounts: amounts, Shares: shares}, nil
}

func decodeFundingRemoved(log ethtypes.Log) (Event, error) {
	// data: amountsRemoved offset, collateralRemovedFromFeePool,
	// sharesBurnt, then the array
	amounts, err := uintArray2(log.Data, 0)
	if err != nil {
		return nil, fmt.Errorf("FundingRemoved: %w", err)
	}
	shares, err := word(log.Data, 2)
	if err != nil {
		return nil, fmt.Errorf("FundingRemoved: %w", err)
	}
	return FundingRemoved{Funder: topicAddress(log, 1), Amounts: amounts, Shares: shares}, nil
}

func decodeBuy(log ethtypes.Log) (Event, error) {
	// indexed: buyer, outcomeIndex; data: investmentAmount, feeAmount,
	// outcomeTokensBought
	investment, err := word(log.Data, 0)
	if err != nil {
		return nil, fmt.Errorf("Buy: %w", err)
	}
	fee, err := word(log.Data, 1)
	if err != nil {
		return nil, fmt.Errorf("Buy: %w", err)
	}
	shares, err := word(log.Data, 2)
	if err != nil {
		return nil, fmt.Errorf("Buy: %w", err)
	}
	outcome, err := topicUint(log, 2)
	if err != nil {
		return nil, fmt.Errorf("Buy: %w", err)
	}
	return Buy{
		Buyer:        topicAddress(log, 1),
		Investment:   investment,
		Fee:          fee,
		OutcomeIndex: outcome,
		Shares:       shares,
	}, nil
}

func decodeSell(log ethtypes.Log) (Event, error) {
	// indexed: seller, outcomeIndex; data: returnAmount, feeAmount,
	// outcomeTokensSold
	ret, err := word(log.Data, 0)
	if err != nil {
		return nil, fmt.Errorf("Sell: %w", err)
	}
	fee, err := word(log.Data, 1)
	if err != nil {
		return nil, fmt.Errorf("Sell: %w", err)
	}
	shares, err := word(log.Data, 2)
	if err != nil {
		return nil, fmt.Errorf("Sell: %w", err)
	}
	outcome, err := topicUint(log, 2)
	if err != nil {
		return nil, fmt.Errorf("Sell: %w", err)
	}
	return Sell{
		Seller:       topicAddress(log, 1),
		Return:       ret,
		Fee:          fee,
		OutcomeIndex: outcome,
		Shares:       shares,
	}, nil
}

func topicUint(log ethtypes.Log, i int) (uint64, error) {
	if len(log.Topics) <= i {
		return 0, fmt.Errorf("missing indexed topic %d", i)
	}
	v := new(big.Int).SetBytes(log.Topics[i].Bytes())
	if !v.IsUint64() || v.Uint64() > 1 {
		return 0, fmt.Errorf("outcome index %s out of range for binary market", v)
	}
	return v.Uint64(), nil
}

// PoolFromCreationLog extracts the new pool address from a factory
// creation log (first data word).
func PoolFromCreationLog(log ethtypes.Log) (common.Address, error) {
	if len(log.Topics) == 0 || log.Topics[0] != TopicPoolCreated {
		return common.Address{}, fmt.Errorf("not a pool creation log")
	}
	w, err := word(log.Data, 0)
	if err != nil {
		return common.Address{}, fmt.Errorf("pool creation log: %w", err)
	}
	return common.BigToAddress(w), nil
}
