package fills

import (
	"testing"

	"go.uber.org/zap"

	"github.com/helioslabs/solvent/pkg/chain"
	"github.com/helioslabs/solvent/pkg/state"
)

func addr(label string) chain.Address {
	var a chain.Address
	copy(a[:], label)
	return a
}

func testMarket() MarketConfig {
	return MarketConfig{
		Market:     addr("market"),
		Name:       "PERP-0",
		EventQueue: addr("evq"),
		Bids:       addr("bids"),
		Asks:       addr("asks"),
	}
}

func newTestEngine(t *testing.T) (*Engine, chan Message) {
	t.Helper()
	out := make(chan Message, 4096)
	return NewEngine([]MarketConfig{testMarket()}, out, zap.NewNop().Sugar()), out
}

func fillAt(seq uint64) state.Event {
	return state.Event{
		Type:      state.EventFill,
		SeqNum:    seq,
		Maker:     addr("maker"),
		Taker:     addr("taker"),
		PriceLots: 100,
		Quantity:  int64(seq) + 1,
	}
}

func outAt(seq uint64) state.Event {
	return state.Event{Type: state.EventOut, SeqNum: seq, Maker: addr("owner"), Quantity: 1}
}

// queueWith builds a queue whose ring holds the given events at their
// seq-derived indices.
func queueWith(seqNum uint64, head uint32, events ...state.Event) *state.EventQueue {
	q := state.NewEventQueue()
	q.SeqNum = seqNum
	q.Head = head
	for _, ev := range events {
		q.Events[ev.SeqNum%state.MaxEvents] = ev
	}
	return q
}

func apply(t *testing.T, e *Engine, q *state.EventQueue, slot uint64) {
	t.Helper()
	err := e.ProcessAccount(&chain.AccountRecord{
		Addr:  addr("evq"),
		Stamp: chain.Stamp{Slot: slot, WriteVersion: 1},
		Data:  q.Encode(),
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
}

func drain(ch chan Message) []Message {
	var out []Message
	for {
		select {
		case m := <-ch:
			out = append(out, m)
		default:
			return out
		}
	}
}

func countKind(msgs []Message, kind MessageKind) int {
	n := 0
	for _, m := range msgs {
		if m.Kind == kind {
			n++
		}
	}
	return n
}

func TestNewFillsAndCheckpoint(t *testing.T) {
	e, out := newTestEngine(t)

	// priming write: no diffs yet
	apply(t, e, queueWith(2, 2, fillAt(0), fillAt(1)), 10)
	if msgs := drain(out); len(msgs) != 0 {
		t.Fatalf("priming write must not emit, got %d messages", len(msgs))
	}

	// two new fills
	apply(t, e, queueWith(4, 2, fillAt(0), fillAt(1), fillAt(2), fillAt(3)), 11)
	msgs := drain(out)
	if got := countKind(msgs, KindFill); got != 2 {
		t.Fatalf("new fill updates = %d, want 2", got)
	}
	for _, m := range msgs {
		if m.Kind == KindFill && m.Fill.Status != StatusNew {
			t.Errorf("status = %s, want new", m.Fill.Status)
		}
	}
	// checkpoint carries all four live fills
	if got := countKind(msgs, KindCheckpoint); got != 1 {
		t.Fatalf("checkpoints = %d, want 1", got)
	}
	for _, m := range msgs {
		if m.Kind == KindCheckpoint && len(m.Checkpoint.Events) != 4 {
			t.Errorf("checkpoint fills = %d, want 4", len(m.Checkpoint.Events))
		}
	}
}

func TestStaleWriteSkipped(t *testing.T) {
	e, out := newTestEngine(t)
	apply(t, e, queueWith(2, 0, fillAt(0), fillAt(1)), 10)
	drain(out)

	// older slot: ignored entirely
	err := e.ProcessAccount(&chain.AccountRecord{
		Addr:  addr("evq"),
		Stamp: chain.Stamp{Slot: 9, WriteVersion: 99},
		Data:  queueWith(3, 0, fillAt(0), fillAt(1), fillAt(2)).Encode(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if msgs := drain(out); len(msgs) != 0 {
		t.Fatalf("stale write emitted %d messages", len(msgs))
	}
}

// An event changed in place below the previous seq num revokes the old
// fill before publishing the new one.
func TestChangedEventRevokesOld(t *testing.T) {
	e, out := newTestEngine(t)
	apply(t, e, queueWith(2, 0, fillAt(0), fillAt(1)), 10)
	drain(out)

	changed := fillAt(1)
	changed.Quantity = 999
	apply(t, e, queueWith(2, 0, fillAt(0), changed), 11)
	msgs := drain(out)

	var statuses []UpdateStatus
	for _, m := range msgs {
		if m.Kind == KindFill {
			statuses = append(statuses, m.Fill.Status)
		}
	}
	if len(statuses) != 2 || statuses[0] != StatusRevoke || statuses[1] != StatusNew {
		t.Fatalf("statuses = %v, want [revoke new]", statuses)
	}
}

// Queue shrink after a fork revokes every fill in the dropped range.
func TestForkShrinkRevokes(t *testing.T) {
	e, out := newTestEngine(t)

	// the ring below the fills holds Out events in both versions so they
	// stay stable and out of the checkpoint
	pad := make([]state.Event, 0, 180)
	for seq := uint64(0); seq < 180; seq++ {
		pad = append(pad, outAt(seq))
	}
	v1 := append(append([]state.Event(nil), pad...), func() []state.Event {
		var fillsRange []state.Event
		for seq := uint64(180); seq < 200; seq++ {
			fillsRange = append(fillsRange, fillAt(seq))
		}
		return fillsRange
	}()...)

	apply(t, e, queueWith(200, 0, v1...), 10)
	drain(out)

	// fork: seq num drops to 180
	apply(t, e, queueWith(180, 0, v1...), 11)
	msgs := drain(out)

	revokes := 0
	for _, m := range msgs {
		if m.Kind == KindFill {
			if m.Fill.Status != StatusRevoke {
				t.Errorf("unexpected %s fill update", m.Fill.Status)
			}
			revokes++
		}
	}
	if revokes != 20 {
		t.Errorf("revokes = %d, want 20", revokes)
	}
	for _, m := range msgs {
		if m.Kind == KindCheckpoint && len(m.Checkpoint.Events) != 0 {
			t.Errorf("checkpoint fills = %d, want 0 after shrink", len(m.Checkpoint.Events))
		}
	}
}

// Head movement alone produces a head update and no fill diffs.
func TestHeadUpdate(t *testing.T) {
	e, out := newTestEngine(t)
	apply(t, e, queueWith(2, 0, fillAt(0), fillAt(1)), 10)
	drain(out)

	apply(t, e, queueWith(2, 2, fillAt(0), fillAt(1)), 11)
	msgs := drain(out)
	if got := countKind(msgs, KindHead); got != 1 {
		t.Fatalf("head updates = %d, want 1", got)
	}
	if got := countKind(msgs, KindFill); got != 0 {
		t.Errorf("fill updates = %d, want 0", got)
	}
	for _, m := range msgs {
		if m.Kind == KindHead {
			if m.Head.Head != 2 || m.Head.PrevHead != 0 {
				t.Errorf("head = %d prev = %d, want 2/0", m.Head.Head, m.Head.PrevHead)
			}
			if m.Head.HeadSeqNum != 2 {
				t.Errorf("head seq num = %d, want 2", m.Head.HeadSeqNum)
			}
		}
	}
}

// Book side diffs: order add/remove as L3 plus aggregated L2 levels.
func TestBookDiffs(t *testing.T) {
	e, out := newTestEngine(t)

	book := func(orders ...state.BookOrder) []byte {
		return (&state.BookSide{IsBids: true, Orders: orders}).Encode()
	}
	o1 := state.BookOrder{OrderID: 1, Owner: addr("a"), PriceLots: 100, Quantity: 5}
	o2 := state.BookOrder{OrderID: 2, Owner: addr("b"), PriceLots: 100, Quantity: 3}

	// prime
	if err := e.ProcessAccount(&chain.AccountRecord{
		Addr: addr("bids"), Stamp: chain.Stamp{Slot: 10, WriteVersion: 1}, Data: book(o1),
	}); err != nil {
		t.Fatal(err)
	}
	drain(out)

	// add o2, remove o1
	if err := e.ProcessAccount(&chain.AccountRecord{
		Addr: addr("bids"), Stamp: chain.Stamp{Slot: 11, WriteVersion: 1}, Data: book(o2),
	}); err != nil {
		t.Fatal(err)
	}
	msgs := drain(out)

	var l3New, l3Revoke int
	for _, m := range msgs {
		if m.Kind == KindL3 {
			switch m.L3.Status {
			case StatusNew:
				l3New++
			case StatusRevoke:
				l3Revoke++
			}
		}
	}
	if l3New != 1 || l3Revoke != 1 {
		t.Errorf("l3 new/revoke = %d/%d, want 1/1", l3New, l3Revoke)
	}
	// both orders share the level, so one L2 with the new aggregate
	var l2 []*L2Update
	for _, m := range msgs {
		if m.Kind == KindL2 {
			l2 = append(l2, m.L2)
		}
	}
	if len(l2) != 1 || l2[0].PriceLots != 100 || l2[0].Quantity != 3 {
		t.Fatalf("l2 = %+v, want one level 100 -> 3", l2)
	}
}
