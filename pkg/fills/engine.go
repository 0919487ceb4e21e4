package fills

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/helioslabs/solvent/pkg/chain"
	"github.com/helioslabs/solvent/pkg/state"
)

// MarketConfig selects one market's queue and books for diffing.
type MarketConfig struct {
	Market     chain.Address
	Name       string
	EventQueue chain.Address
	Bids       chain.Address
	Asks       chain.Address
}

type queueState struct {
	lastVersion chain.Stamp
	haveVersion bool
	prevSeqNum  uint64
	prevHead    int
	prevEvents  []state.Event
	primed      bool
}

type bookState struct {
	lastVersion chain.Stamp
	haveVersion bool
	prevOrders  map[uint64]state.BookOrder
	primed      bool
}

// Engine converts raw queue/book writes into diff messages. The outgoing
// channel uses non-blocking sends: overflow means the consumer fell behind
// and correctness is already compromised, so it surfaces as a fatal error.
type Engine struct {
	out chan<- Message
	log *zap.SugaredLogger

	markets map[chain.Address]*MarketConfig // by event queue
	books   map[chain.Address]*MarketConfig // by book side address

	queues     map[chain.Address]*queueState
	bookStates map[chain.Address]*bookState
}

func NewEngine(markets []MarketConfig, out chan<- Message, log *zap.SugaredLogger) *Engine {
	e := &Engine{
		out:        out,
		log:        log,
		markets:    make(map[chain.Address]*MarketConfig),
		books:      make(map[chain.Address]*MarketConfig),
		queues:     make(map[chain.Address]*queueState),
		bookStates: make(map[chain.Address]*bookState),
	}
	for i := range markets {
		m := &markets[i]
		e.markets[m.EventQueue] = m
		e.queues[m.EventQueue] = &queueState{}
		if !m.Bids.IsZero() {
			e.books[m.Bids] = m
			e.bookStates[m.Bids] = &bookState{}
		}
		if !m.Asks.IsZero() {
			e.books[m.Asks] = m
			e.bookStates[m.Asks] = &bookState{}
		}
	}
	return e
}

func (e *Engine) emit(msg Message) error {
	select {
	case e.out <- msg:
		return nil
	default:
		return fmt.Errorf("fills output channel overflow: consumer too slow")
	}
}

// ProcessAccount feeds one mirrored account write through the engine.
// Writes for untracked addresses are ignored.
func (e *Engine) ProcessAccount(rec *chain.AccountRecord) error {
	if _, ok := e.markets[rec.Addr]; ok {
		return e.processQueue(rec)
	}
	if _, ok := e.books[rec.Addr]; ok {
		return e.processBook(rec)
	}
	return nil
}

func (e *Engine) processQueue(rec *chain.AccountRecord) error {
	mkt := e.markets[rec.Addr]
	st := e.queues[rec.Addr]

	// skip stale writes: lower slot, or same slot with lower write version
	if st.haveVersion && !rec.Stamp.After(st.lastVersion) {
		e.log.Debugw("event queue version was old",
			"queue", rec.Addr.Short(), "slot", rec.Stamp.Slot, "write_version", rec.Stamp.WriteVersion)
		return nil
	}
	q, err := state.DecodeEventQueue(rec.Data)
	if err != nil {
		return fmt.Errorf("queue %s: %w", rec.Addr, err)
	}
	st.lastVersion = rec.Stamp
	st.haveVersion = true

	if st.primed {
		if err := e.publishChanges(rec.Stamp, mkt, q, st); err != nil {
			return err
		}
	}
	st.prevSeqNum = q.SeqNum
	st.prevHead = int(q.Head)
	st.prevEvents = append(st.prevEvents[:0], q.Events...)
	st.primed = true
	return nil
}

// publishChanges walks the ring once and classifies every slot: new,
// changed or stable, then handles fork shrink, head movement and the
// checkpoint.
func (e *Engine) publishChanges(stamp chain.Stamp, mkt *MarketConfig, q *state.EventQueue, st *queueState) error {
	mktKey := mkt.Market.String()
	queueKey := mkt.EventQueue.String()

	// seq_num = N: events (N-MaxEvents)..N-1 are addressable
	startSeq := uint64(0)
	if m := maxU64(st.prevSeqNum, q.SeqNum); m > state.MaxEvents {
		startSeq = m - state.MaxEvents
	}

	var checkpoint []FillEvent
	for seq := startSeq; seq < q.SeqNum; seq++ {
		idx := int(seq % state.MaxEvents)
		cur := &q.Events[idx]
		switch {
		case seq >= st.prevSeqNum:
			// guaranteed new
			if cur.Type == state.EventFill {
				fill := fillFromEvent(cur)
				if err := e.emit(Message{Kind: KindFill, Fill: &FillUpdate{
					Slot: stamp.Slot, WriteVersion: stamp.WriteVersion,
					Event: fill, Status: StatusNew, MarketKey: mktKey, MarketName: mkt.Name,
				}}); err != nil {
					return err
				}
				checkpoint = append(checkpoint, fill)
			}
		case st.prevEvents[idx] != *cur:
			// changed in place: revoke the old fill, publish the new one
			if st.prevEvents[idx].Type == state.EventFill {
				old := fillFromEvent(&st.prevEvents[idx])
				if err := e.emit(Message{Kind: KindFill, Fill: &FillUpdate{
					Slot: stamp.Slot, WriteVersion: stamp.WriteVersion,
					Event: old, Status: StatusRevoke, MarketKey: mktKey, MarketName: mkt.Name,
				}}); err != nil {
					return err
				}
			}
			if cur.Type == state.EventFill {
				fill := fillFromEvent(cur)
				if err := e.emit(Message{Kind: KindFill, Fill: &FillUpdate{
					Slot: stamp.Slot, WriteVersion: stamp.WriteVersion,
					Event: fill, Status: StatusNew, MarketKey: mktKey, MarketName: mkt.Name,
				}}); err != nil {
					return err
				}
				checkpoint = append(checkpoint, fill)
			}
		default:
			// stable: checkpoint only
			if cur.Type == state.EventFill {
				checkpoint = append(checkpoint, fillFromEvent(cur))
			}
		}
	}

	// queue shrunk after a fork: revoke fills that no longer exist
	for seq := q.SeqNum; seq < st.prevSeqNum; seq++ {
		idx := int(seq % state.MaxEvents)
		if st.prevEvents[idx].Type == state.EventFill {
			old := fillFromEvent(&st.prevEvents[idx])
			if err := e.emit(Message{Kind: KindFill, Fill: &FillUpdate{
				Slot: stamp.Slot, WriteVersion: stamp.WriteVersion,
				Event: old, Status: StatusRevoke, MarketKey: mktKey, MarketName: mkt.Name,
			}}); err != nil {
				return err
			}
		}
	}

	if int(q.Head) != st.prevHead {
		if err := e.emit(Message{Kind: KindHead, Head: &HeadUpdate{
			Head:           int(q.Head),
			PrevHead:       st.prevHead,
			HeadSeqNum:     headSeqNum(q.Events, int(q.Head)),
			PrevHeadSeqNum: headSeqNum(st.prevEvents, st.prevHead),
			Status:         StatusNew,
			MarketKey:      mktKey,
			MarketName:     mkt.Name,
			Slot:           stamp.Slot,
			WriteVersion:   stamp.WriteVersion,
		}}); err != nil {
			return err
		}
	}

	return e.emit(Message{Kind: KindCheckpoint, Checkpoint: &Checkpoint{
		Slot:         stamp.Slot,
		WriteVersion: stamp.WriteVersion,
		Events:       checkpoint,
		Market:       mktKey,
		Queue:        queueKey,
	}})
}

// headSeqNum reads the sequence number just past the event before head.
func headSeqNum(events []state.Event, head int) uint64 {
	if len(events) == 0 {
		return 0
	}
	idx := head - 1
	if idx < 0 {
		idx = len(events) - 1
	}
	ev := &events[idx]
	if ev.Type == state.EventFill || ev.Type == state.EventOut {
		return ev.SeqNum + 1
	}
	return 0
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
