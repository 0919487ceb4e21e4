package fills

import (
	"fmt"
	"sort"

	"github.com/helioslabs/solvent/pkg/chain"
	"github.com/helioslabs/solvent/pkg/state"
)

// processBook diffs one book side against its previous version: per-order
// L3 add/remove plus aggregated L2 level changes.
func (e *Engine) processBook(rec *chain.AccountRecord) error {
	mkt := e.books[rec.Addr]
	st := e.bookStates[rec.Addr]

	if st.haveVersion && !rec.Stamp.After(st.lastVersion) {
		return nil
	}
	book, err := state.DecodeBookSide(rec.Data)
	if err != nil {
		return fmt.Errorf("book side %s: %w", rec.Addr, err)
	}
	st.lastVersion = rec.Stamp
	st.haveVersion = true

	cur := make(map[uint64]state.BookOrder, len(book.Orders))
	for _, o := range book.Orders {
		cur[o.OrderID] = o
	}

	if st.primed {
		if err := e.publishBookChanges(rec.Stamp, mkt, book.IsBids, st.prevOrders, cur); err != nil {
			return err
		}
	}
	st.prevOrders = cur
	st.primed = true
	return nil
}

func (e *Engine) publishBookChanges(stamp chain.Stamp, mkt *MarketConfig, isBids bool, prev, cur map[uint64]state.BookOrder) error {
	mktKey := mkt.Market.String()

	touchedLevels := map[int64]bool{}

	// removals and in-place changes; identity is the order id
	for id, old := range prev {
		now, ok := cur[id]
		if ok && now == old {
			continue
		}
		if err := e.emit(Message{Kind: KindL3, L3: &L3Update{
			MarketKey: mktKey, MarketName: mkt.Name, IsBids: isBids,
			OrderID: id, Owner: old.Owner, OwnerStr: old.Owner.String(),
			PriceLots: old.PriceLots, Quantity: old.Quantity,
			Status: StatusRevoke, Slot: stamp.Slot, WriteVersion: stamp.WriteVersion,
		}}); err != nil {
			return err
		}
		touchedLevels[old.PriceLots] = true
	}
	for id, now := range cur {
		old, ok := prev[id]
		if ok && now == old {
			continue
		}
		if err := e.emit(Message{Kind: KindL3, L3: &L3Update{
			MarketKey: mktKey, MarketName: mkt.Name, IsBids: isBids,
			OrderID: id, Owner: now.Owner, OwnerStr: now.Owner.String(),
			PriceLots: now.PriceLots, Quantity: now.Quantity,
			Status: StatusNew, Slot: stamp.Slot, WriteVersion: stamp.WriteVersion,
		}}); err != nil {
			return err
		}
		touchedLevels[now.PriceLots] = true
	}

	// aggregate the touched price levels into L2 diffs
	levels := make([]int64, 0, len(touchedLevels))
	for p := range touchedLevels {
		levels = append(levels, p)
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i] < levels[j] })
	for _, price := range levels {
		var qty int64
		for _, o := range cur {
			if o.PriceLots == price {
				qty += o.Quantity
			}
		}
		if err := e.emit(Message{Kind: KindL2, L2: &L2Update{
			MarketKey: mktKey, MarketName: mkt.Name, IsBids: isBids,
			PriceLots: price, Quantity: qty,
			Slot: stamp.Slot, WriteVersion: stamp.WriteVersion,
		}}); err != nil {
			return err
		}
	}
	return nil
}
