package types

import (
	"math/big"
	"testing"
)

func e18(v int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), Scale)
}

func TestSubFloorSaturates(t *testing.T) {
	t.Parallel()
	if got := SubFloor(big.NewInt(5), big.NewInt(9)); got.Sign() != 0 {
		t.Errorf("SubFloor(5,9) = %s, want 0", got)
	}
	if got := SubFloor(big.NewInt(9), big.NewInt(5)); got.Int64() != 4 {
		t.Errorf("SubFloor(9,5) = %s, want 4", got)
	}
}

func TestYesPriceScaled(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		yes, no  *big.Int
		want     *big.Int
	}{
		{"balanced pool is 0.5", e18(100), e18(100), new(big.Int).Quo(Scale, big.NewInt(2))},
		{"empty pool is 0", new(big.Int), new(big.Int), new(big.Int)},
		{"all no reserve is price 1", new(big.Int), e18(10), new(big.Int).Set(Scale)},
		{"all yes reserve is price 0", e18(10), new(big.Int), new(big.Int)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := YesPriceScaled(tt.yes, tt.no); got.Cmp(tt.want) != 0 {
				t.Errorf("YesPriceScaled = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestYesPriceInUnitInterval(t *testing.T) {
	t.Parallel()
	// Price stays in [0, Scale] across a range of reserve shapes, hitting
	// the bounds only when one side is empty.
	cases := [][2]int64{{1, 1}, {1, 999}, {999, 1}, {123, 456}, {1000000, 3}}
	for _, c := range cases {
		p := YesPriceScaled(e18(c[0]), e18(c[1]))
		if p.Sign() < 0 || p.Cmp(Scale) > 0 {
			t.Errorf("price %s out of [0, Scale] for reserves %v", p, c)
		}
		if p.Sign() == 0 || p.Cmp(Scale) == 0 {
			t.Errorf("price hit bound %s for non-empty reserves %v", p, c)
		}
	}
}

func TestTVLScaledReserveIdentity(t *testing.T) {
	t.Parallel()
	// For a balanced pool, TVL = yes*0.5 + no*0.5 = yes.
	tvl := TVLScaled(e18(100), e18(100))
	if tvl.Cmp(e18(100)) != 0 {
		t.Errorf("TVL = %s, want %s", tvl, e18(100))
	}
}

func TestDivScaled(t *testing.T) {
	t.Parallel()
	// 1 / 0.990099 ≈ 1.01
	got := DivScaled(e18(1), big.NewInt(990099000000000000))
	want := "1010000010100000101"
	if got.String() != want {
		t.Errorf("DivScaled = %s, want %s", got, want)
	}
	if got := DivScaled(e18(1), new(big.Int)); got.Sign() != 0 {
		t.Errorf("DivScaled by zero = %s, want 0", got)
	}
}

func TestFormatFixed18(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   *big.Int
		want string
	}{
		{e18(1), "1"},
		{big.NewInt(1500000000000000000), "1.5"},
		{big.NewInt(990099000000000000), "0.990099"},
		{nil, "0"},
	}
	for _, tt := range tests {
		if got := FormatFixed18(tt.in); got != tt.want {
			t.Errorf("FormatFixed18(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseFixed18RoundTrip(t *testing.T) {
	t.Parallel()
	v := big.NewInt(123456789012345678)
	got, err := ParseFixed18(BigString(v))
	if err != nil {
		t.Fatal(err)
	}
	if got.Cmp(v) != 0 {
		t.Errorf("round trip = %s, want %s", got, v)
	}
	if _, err := ParseFixed18("not-a-number"); err == nil {
		t.Error("expected error for junk input")
	}
}

func TestBucketStart5m(t *testing.T) {
	t.Parallel()
	if got := BucketStart5m(1700000123); got != 1700000100 {
		t.Errorf("BucketStart5m = %d, want 1700000100", got)
	}
	if got := BucketStart5m(1700000100); got != 1700000100 {
		t.Errorf("aligned timestamp moved: %d", got)
	}
}
