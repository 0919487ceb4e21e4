package state

import (
	"fmt"

	"github.com/helioslabs/solvent/pkg/chain"
)

// MaxEvents is the ring size of every perp event queue. seq_num = N means
// events (N-MaxEvents)..N-1 are addressable in the ring.
const MaxEvents = 488

type EventType uint8

const (
	EventFill EventType = iota
	EventOut
)

// Event is one slot of the event-queue ring. Out events only carry
// Maker (the owner) and Quantity.
type Event struct {
	Type      EventType
	SeqNum    uint64
	Maker     chain.Address
	Taker     chain.Address
	PriceLots int64
	Quantity  int64
	TakerSide uint8
	MakerOut  bool
	Timestamp uint64
}

// EventQueue is the ring buffer written by the matching engine.
type EventQueue struct {
	Head   uint32
	Count  uint32
	SeqNum uint64
	Events []Event // always MaxEvents long
}

func NewEventQueue() *EventQueue {
	return &EventQueue{Events: make([]Event, MaxEvents)}
}

func (q *EventQueue) Encode() []byte {
	w := &writer{}
	w.buf = append(w.buf, TagEventQueue[:]...)
	w.u32(q.Head)
	w.u32(q.Count)
	w.u64(q.SeqNum)
	for i := range q.Events {
		e := &q.Events[i]
		w.u8(uint8(e.Type))
		w.u64(e.SeqNum)
		w.addr(e.Maker)
		w.addr(e.Taker)
		w.i64(e.PriceLots)
		w.i64(e.Quantity)
		w.u8(e.TakerSide)
		w.boolByte(e.MakerOut)
		w.u64(e.Timestamp)
	}
	return w.buf
}

func DecodeEventQueue(data []byte) (*EventQueue, error) {
	if !HasTag(data, TagEventQueue) {
		return nil, fmt.Errorf("not an event-queue account")
	}
	r := newReader(data[8:])
	q := &EventQueue{
		Head:   r.u32("head"),
		Count:  r.u32("count"),
		SeqNum: r.u64("seq_num"),
		Events: make([]Event, MaxEvents),
	}
	for i := 0; i < MaxEvents && r.err == nil; i++ {
		q.Events[i] = Event{
			Type:      EventType(r.u8("type")),
			SeqNum:    r.u64("seq_num"),
			Maker:     r.addr("maker"),
			Taker:     r.addr("taker"),
			PriceLots: r.i64("price_lots"),
			Quantity:  r.i64("quantity"),
			TakerSide: r.u8("taker_side"),
			MakerOut:  r.boolByte("maker_out"),
			Timestamp: r.u64("timestamp"),
		}
	}
	return q, r.err
}

// BookOrder is one resting order of a book side.
type BookOrder struct {
	OrderID   uint64
	Owner     chain.Address
	PriceLots int64
	Quantity  int64
}

// BookSide holds one side of an on-chain order book, best price first.
type BookSide struct {
	IsBids bool
	Orders []BookOrder
}

func (b *BookSide) Encode() []byte {
	w := &writer{}
	w.buf = append(w.buf, TagBookSide[:]...)
	w.boolByte(b.IsBids)
	w.u32(uint32(len(b.Orders)))
	for i := range b.Orders {
		o := &b.Orders[i]
		w.u64(o.OrderID)
		w.addr(o.Owner)
		w.i64(o.PriceLots)
		w.i64(o.Quantity)
	}
	return w.buf
}

func DecodeBookSide(data []byte) (*BookSide, error) {
	if !HasTag(data, TagBookSide) {
		return nil, fmt.Errorf("not a book-side account")
	}
	r := newReader(data[8:])
	b := &BookSide{IsBids: r.boolByte("is_bids")}
	n := int(r.u32("orders_len"))
	for i := 0; i < n && r.err == nil; i++ {
		b.Orders = append(b.Orders, BookOrder{
			OrderID:   r.u64("order_id"),
			Owner:     r.addr("owner"),
			PriceLots: r.i64("price_lots"),
			Quantity:  r.i64("quantity"),
		})
	}
	return b, r.err
}

// QuantityAtPrice sums resting quantity matchable at the given limit: for a
// bid side, orders with price >= limit; for asks, price <= limit.
func (b *BookSide) QuantityAtPrice(limit int64) int64 {
	var total int64
	for i := range b.Orders {
		o := &b.Orders[i]
		if b.IsBids && o.PriceLots >= limit {
			total += o.Quantity
		}
		if !b.IsBids && o.PriceLots <= limit {
			total += o.Quantity
		}
	}
	return total
}
