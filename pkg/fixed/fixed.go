// Package fixed implements the signed 128-bit binary fixed-point number
// format used by the on-chain program: 80 integer bits, 48 fractional bits.
//
// Values are stored as sign + magnitude where the magnitude is the absolute
// raw value (|x| * 2^48) held in a uint256.Int. Multiplication truncates
// toward zero; division rounds half-to-zero. Overflow past 127 magnitude
// bits and division by zero are bugs and panic.
package fixed

import (
	"fmt"
	"math"

	"github.com/holiman/uint256"
)

const FracBits = 48

// Num is an I80F48 value. The zero Num is 0.
type Num struct {
	neg bool
	mag uint256.Int // |value| * 2^48
}

var (
	scale    = new(uint256.Int).Lsh(uint256.NewInt(1), FracBits)
	fracMask = new(uint256.Int).SubUint64(new(uint256.Int).Lsh(uint256.NewInt(1), FracBits), 1)
)

func Zero() Num { return Num{} }

func One() Num {
	var n Num
	n.mag.Set(scale)
	return n
}

// Delta is the smallest representable positive step, 2^-48.
func Delta() Num {
	var n Num
	n.mag.SetUint64(1)
	return n
}

func FromInt(v int64) Num {
	var n Num
	if v < 0 {
		n.neg = true
		n.mag.SetUint64(uint64(-v))
	} else {
		n.mag.SetUint64(uint64(v))
	}
	n.mag.Lsh(&n.mag, FracBits)
	return n
}

func FromUint(v uint64) Num {
	var n Num
	n.mag.SetUint64(v)
	n.mag.Lsh(&n.mag, FracBits)
	return n
}

// FromFloat converts a float64, rounding the fractional part to the nearest
// representable value. Intended for configuration ratios and prices; the
// integer part must fit in 64 bits.
func FromFloat(f float64) Num {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		panic("fixed: non-finite float")
	}
	var n Num
	if f < 0 {
		n.neg = true
		f = -f
	}
	ip, fp := math.Modf(f)
	if ip >= math.MaxUint64 {
		panic("fixed: float integer part out of range")
	}
	n.mag.SetUint64(uint64(ip))
	n.mag.Lsh(&n.mag, FracBits)
	var frac uint256.Int
	frac.SetUint64(uint64(math.Round(fp * float64(uint64(1)<<FracBits))))
	n.mag.Add(&n.mag, &frac)
	n.normalize()
	return n
}

// FromBits reconstructs a value from the raw little-endian i128
// representation stored on chain.
func FromBits(b [16]byte) Num {
	var n Num
	neg := b[15]&0x80 != 0
	var buf [32]byte
	for i := 0; i < 16; i++ {
		buf[31-i] = b[i]
	}
	n.mag.SetBytes(buf[:])
	if neg {
		// two's complement negate within 128 bits
		var lim uint256.Int
		lim.Lsh(uint256.NewInt(1), 128)
		n.mag.Sub(&lim, &n.mag)
		n.neg = true
	}
	n.normalize()
	return n
}

// Bits returns the raw little-endian i128 representation.
func (n Num) Bits() [16]byte {
	var m uint256.Int
	m.Set(&n.mag)
	if n.neg {
		var lim uint256.Int
		lim.Lsh(uint256.NewInt(1), 128)
		m.Sub(&lim, &m)
	}
	be := m.Bytes32()
	var out [16]byte
	for i := 0; i < 16; i++ {
		out[i] = be[31-i]
	}
	return out
}

func (n *Num) normalize() {
	if n.mag.IsZero() {
		n.neg = false
	}
	if n.mag.BitLen() > 127 {
		panic("fixed: overflow")
	}
}

func (n Num) IsZero() bool { return n.mag.IsZero() }
func (n Num) IsNeg() bool  { return n.neg }
func (n Num) IsPos() bool  { return !n.neg && !n.mag.IsZero() }

func (n Num) Neg() Num {
	if n.mag.IsZero() {
		return n
	}
	n.neg = !n.neg
	return n
}

func (n Num) Abs() Num {
	n.neg = false
	return n
}

func (a Num) Add(b Num) Num {
	var out Num
	if a.neg == b.neg {
		out.neg = a.neg
		out.mag.Add(&a.mag, &b.mag)
	} else if a.mag.Cmp(&b.mag) >= 0 {
		out.neg = a.neg
		out.mag.Sub(&a.mag, &b.mag)
	} else {
		out.neg = b.neg
		out.mag.Sub(&b.mag, &a.mag)
	}
	out.normalize()
	return out
}

func (a Num) Sub(b Num) Num { return a.Add(b.Neg()) }

// Mul truncates the result toward zero.
func (a Num) Mul(b Num) Num {
	var out Num
	out.neg = a.neg != b.neg
	out.mag.Mul(&a.mag, &b.mag)
	out.mag.Rsh(&out.mag, FracBits)
	out.normalize()
	return out
}

// Div rounds half-to-zero. Division by zero panics.
func (a Num) Div(b Num) Num {
	if b.mag.IsZero() {
		panic("fixed: division by zero")
	}
	var out Num
	out.neg = a.neg != b.neg
	var num, rem uint256.Int
	num.Lsh(&a.mag, FracBits)
	out.mag.DivMod(&num, &b.mag, &rem)
	rem.Lsh(&rem, 1)
	if rem.Cmp(&b.mag) > 0 {
		out.mag.AddUint64(&out.mag, 1)
	}
	out.normalize()
	return out
}

func (a Num) Cmp(b Num) int {
	if a.neg != b.neg {
		if a.neg {
			return -1
		}
		return 1
	}
	c := a.mag.Cmp(&b.mag)
	if a.neg {
		return -c
	}
	return c
}

func (a Num) Eq(b Num) bool  { return a.Cmp(b) == 0 }
func (a Num) Lt(b Num) bool  { return a.Cmp(b) < 0 }
func (a Num) Lte(b Num) bool { return a.Cmp(b) <= 0 }
func (a Num) Gt(b Num) bool  { return a.Cmp(b) > 0 }
func (a Num) Gte(b Num) bool { return a.Cmp(b) >= 0 }

func Min(a, b Num) Num {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

func Max(a, b Num) Num {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}

// Floor returns the largest integral value <= n.
func (n Num) Floor() Num {
	var frac uint256.Int
	frac.And(&n.mag, fracMask)
	n.mag.Sub(&n.mag, &frac)
	if n.neg && !frac.IsZero() {
		n.mag.Add(&n.mag, scale)
	}
	n.normalize()
	return n
}

// Ceil returns the smallest integral value >= n.
func (n Num) Ceil() Num {
	return n.Neg().Floor().Neg()
}

// Int64 truncates toward zero; ok is false when the value does not fit.
func (n Num) Int64() (int64, bool) {
	var ip uint256.Int
	ip.Rsh(&n.mag, FracBits)
	if n.neg {
		// -2^63 is representable
		var lim uint256.Int
		lim.Lsh(uint256.NewInt(1), 63)
		if ip.Cmp(&lim) > 0 {
			return 0, false
		}
		if ip.Eq(&lim) {
			return math.MinInt64, true
		}
		return -int64(ip.Uint64()), true
	}
	if ip.BitLen() > 63 {
		return 0, false
	}
	return int64(ip.Uint64()), true
}

// Uint64 truncates toward zero; ok is false for negative values or overflow.
func (n Num) Uint64() (uint64, bool) {
	if n.neg && !n.mag.IsZero() {
		return 0, false
	}
	var ip uint256.Int
	ip.Rsh(&n.mag, FracBits)
	if ip.BitLen() > 64 {
		return 0, false
	}
	return ip.Uint64(), true
}

// Float64 is a lossy conversion for logging and router quotes.
func (n Num) Float64() float64 {
	var ip uint256.Int
	ip.Rsh(&n.mag, FracBits)
	var frac uint256.Int
	frac.And(&n.mag, fracMask)
	f := float64(ip.Uint64())
	if ip.BitLen() > 64 {
		// fall back through the upper limb
		b := ip.Bytes()
		f = 0
		for _, by := range b {
			f = f*256 + float64(by)
		}
	}
	f += float64(frac.Uint64()) / float64(uint64(1)<<FracBits)
	if n.neg {
		f = -f
	}
	return f
}

func (n Num) String() string {
	return fmt.Sprintf("%g", n.Float64())
}
