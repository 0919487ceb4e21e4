package state

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/helioslabs/solvent/pkg/chain"
	"github.com/helioslabs/solvent/pkg/fixed"
)

// All on-chain layouts are little-endian and packed; every account starts
// with an 8-byte type tag. The reader accumulates a single error so decode
// call sites stay flat.

type reader struct {
	buf []byte
	off int
	err error
}

func newReader(b []byte) *reader { return &reader{buf: b} }

func (r *reader) fail(what string) {
	if r.err == nil {
		r.err = fmt.Errorf("decode %s: truncated at offset %d (len %d)", what, r.off, len(r.buf))
	}
}

func (r *reader) take(n int, what string) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.buf) {
		r.fail(what)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8(what string) uint8 {
	b := r.take(1, what)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) boolByte(what string) bool { return r.u8(what) != 0 }

func (r *reader) u16(what string) uint16 {
	b := r.take(2, what)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *reader) u32(what string) uint32 {
	b := r.take(4, what)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) u64(what string) uint64 {
	b := r.take(8, what)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) i64(what string) int64 { return int64(r.u64(what)) }

func (r *reader) f64(what string) float64 { return math.Float64frombits(r.u64(what)) }

func (r *reader) addr(what string) chain.Address {
	var a chain.Address
	b := r.take(32, what)
	if b != nil {
		copy(a[:], b)
	}
	return a
}

func (r *reader) num(what string) fixed.Num {
	var raw [16]byte
	b := r.take(16, what)
	if b == nil {
		return fixed.Zero()
	}
	copy(raw[:], b)
	return fixed.FromBits(raw)
}

type writer struct {
	buf []byte
}

func (w *writer) u8(v uint8) { w.buf = append(w.buf, v) }
func (w *writer) boolByte(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}
func (w *writer) u16(v uint16)         { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *writer) u32(v uint32)         { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *writer) u64(v uint64)         { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }
func (w *writer) i64(v int64)          { w.u64(uint64(v)) }
func (w *writer) f64(v float64)        { w.u64(math.Float64bits(v)) }
func (w *writer) addr(a chain.Address) { w.buf = append(w.buf, a[:]...) }
func (w *writer) num(n fixed.Num) {
	b := n.Bits()
	w.buf = append(w.buf, b[:]...)
}
