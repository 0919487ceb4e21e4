package fixed

import (
	"math"
	"testing"
)

func TestAddSub(t *testing.T) {
	a := FromInt(5)
	b := FromInt(-8)
	if got := a.Add(b); !got.Eq(FromInt(-3)) {
		t.Errorf("5 + -8 = %v, want -3", got)
	}
	if got := a.Sub(b); !got.Eq(FromInt(13)) {
		t.Errorf("5 - -8 = %v, want 13", got)
	}
	if !FromInt(7).Sub(FromInt(7)).IsZero() {
		t.Error("7 - 7 should be zero")
	}
}

func TestMulTruncatesTowardZero(t *testing.T) {
	// 1/3 * 3 loses the last fractional bit: result < 1
	third := One().Div(FromInt(3))
	prod := third.Mul(FromInt(3))
	if !prod.Lt(One()) {
		t.Errorf("(1/3)*3 = %v, want < 1", prod)
	}
	if One().Sub(prod).Gt(FromFloat(1e-13)) {
		t.Errorf("(1/3)*3 = %v, too far from 1", prod)
	}

	// sign handling: (-3/2) * 3 = -4.5 exactly
	if got := FromFloat(-1.5).Mul(FromInt(3)); !got.Eq(FromFloat(-4.5)) {
		t.Errorf("-1.5*3 = %v, want -4.5", got)
	}
}

func TestDivRoundsHalfToZero(t *testing.T) {
	// Choose operands whose true quotient has a tie bit: (2^-48 * 3) / 2
	// = 1.5 * 2^-48, the tie must round toward zero -> 1 * 2^-48.
	three := Delta().Add(Delta()).Add(Delta())
	got := three.Div(FromInt(2))
	if !got.Eq(Delta()) {
		t.Errorf("3*delta / 2 = %v raw, want delta", got)
	}
	// Same magnitude, negative: rounds toward zero as well.
	gotNeg := three.Neg().Div(FromInt(2))
	if !gotNeg.Eq(Delta().Neg()) {
		t.Errorf("-3*delta / 2 = %v, want -delta", gotNeg)
	}
}

func TestDivByZeroPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	FromInt(1).Div(Zero())
}

func TestFloorCeil(t *testing.T) {
	cases := []struct {
		in          float64
		floor, ceil int64
	}{
		{2.5, 2, 3},
		{-2.5, -3, -2},
		{4, 4, 4},
		{-4, -4, -4},
		{0.25, 0, 1},
		{-0.25, -1, 0},
	}
	for _, c := range cases {
		f, _ := FromFloat(c.in).Floor().Int64()
		if f != c.floor {
			t.Errorf("floor(%v) = %d, want %d", c.in, f, c.floor)
		}
		cl, _ := FromFloat(c.in).Ceil().Int64()
		if cl != c.ceil {
			t.Errorf("ceil(%v) = %d, want %d", c.in, cl, c.ceil)
		}
	}
}

func TestCheckedConversions(t *testing.T) {
	if v, ok := FromInt(-7).Int64(); !ok || v != -7 {
		t.Errorf("Int64(-7) = %d, %v", v, ok)
	}
	if _, ok := FromInt(-1).Uint64(); ok {
		t.Error("Uint64 of negative must fail")
	}
	if v, ok := FromFloat(42.9).Uint64(); !ok || v != 42 {
		t.Errorf("Uint64(42.9) = %d, %v, want truncation to 42", v, ok)
	}
	big := FromUint(math.MaxUint64)
	if v, ok := big.Uint64(); !ok || v != math.MaxUint64 {
		t.Errorf("Uint64(maxuint) = %d, %v", v, ok)
	}
	if _, ok := big.Int64(); ok {
		t.Error("Int64 of maxuint must fail")
	}
}

func TestBitsRoundTrip(t *testing.T) {
	for _, f := range []float64{0, 1, -1, 1234.5678, -0.000001, 9e14} {
		n := FromFloat(f)
		back := FromBits(n.Bits())
		if !back.Eq(n) {
			t.Errorf("bits round trip failed for %v: got %v", f, back)
		}
	}
}

func TestMinMaxCmp(t *testing.T) {
	a, b := FromInt(-2), FromInt(3)
	if !Min(a, b).Eq(a) || !Max(a, b).Eq(b) {
		t.Error("min/max broken")
	}
	if a.Cmp(b) >= 0 || b.Cmp(a) <= 0 || a.Cmp(a) != 0 {
		t.Error("cmp ordering broken")
	}
	if !FromInt(-5).Abs().Eq(FromInt(5)) {
		t.Error("abs broken")
	}
}
