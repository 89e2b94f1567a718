// fixed18.go holds the Fixed-18 arithmetic shared by the applier, the store
// and the API display layer.
//
// Every on-chain amount and every derived price is an arbitrary-precision
// integer interpreted as value × 10^-18. All arithmetic is exact integer
// math; only the display layer renders to decimal strings.
package types

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Scale is 10^18, the Fixed-18 unit.
var Scale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// SubFloor returns max(a-b, 0). Reserve arithmetic saturates at zero so a
// rounding mismatch on-chain can never drive a reserve negative.
func SubFloor(a, b *big.Int) *big.Int {
	r := new(big.Int).Sub(a, b)
	if r.Sign() < 0 {
		return new(big.Int)
	}
	return r
}

// DivScaled returns a*Scale/b, the Fixed-18 quotient. Returns 0 when b <= 0.
func DivScaled(a, b *big.Int) *big.Int {
	if b == nil || b.Sign() <= 0 {
		return new(big.Int)
	}
	r := new(big.Int).Mul(a, Scale)
	return r.Quo(r, b)
}

// YesPriceScaled computes the spot YES price no*Scale/(yes+no).
// A non-positive total gives 0.
func YesPriceScaled(yes, no *big.Int) *big.Int {
	total := new(big.Int).Add(yes, no)
	if total.Sign() <= 0 {
		return new(big.Int)
	}
	r := new(big.Int).Mul(no, Scale)
	return r.Quo(r, total)
}

// TVLScaled values the pool at spot: yes*p/Scale + no*(Scale-p)/Scale where
// p is the YES price.
func TVLScaled(yes, no *big.Int) *big.Int {
	p := YesPriceScaled(yes, no)
	yesLeg := new(big.Int).Mul(yes, p)
	yesLeg.Quo(yesLeg, Scale)
	noLeg := new(big.Int).Mul(no, new(big.Int).Sub(Scale, p))
	noLeg.Quo(noLeg, Scale)
	return yesLeg.Add(yesLeg, noLeg)
}

// FormatFixed18 renders a Fixed-18 integer as a base-10 decimal string,
// e.g. 1500000000000000000 → "1.5". Nil renders as "0".
func FormatFixed18(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -18).String()
}

// ParseFixed18 parses the store's base-10 integer representation back into
// a big.Int. Empty strings parse as zero.
func ParseFixed18(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("parse fixed-18 %q", s)
	}
	return v, nil
}

// BigString renders v as a raw base-10 integer for storage. Nil renders
// as "0".
func BigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// BucketStart5m floors t to the enclosing 5-minute candle bucket.
func BucketStart5m(t int64) int64 {
	const bucket = 300
	return t - t%bucket
}
