// Package feed merges a streaming account/slot source with periodic bulk
// snapshots into a single ordered update stream. Snapshots only backfill:
// stamp comparison in the mirror keeps them from overwriting newer
// streaming writes.
package feed

import (
	"github.com/helioslabs/solvent/pkg/chain"
)

// AccountWrite is one observed account update from either source.
type AccountWrite struct {
	Addr         chain.Address
	Slot         uint64
	WriteVersion uint64
	Owner        chain.Address
	Data         []byte
	Lamports     uint64
	Executable   bool
	RentEpoch    uint64
}

// SlotUpdate is a slot status transition.
type SlotUpdate struct {
	Slot   uint64
	Parent uint64
	Status chain.SlotStatus
}

type MessageKind int

const (
	KindAccount MessageKind = iota
	KindSlot
	KindSnapshot
)

// Message is the tagged union flowing out of the multiplexer.
type Message struct {
	Kind     MessageKind
	Account  *AccountWrite
	Slot     *SlotUpdate
	Snapshot []AccountWrite // complete set of group-relevant accounts at SnapSlot
	SnapSlot uint64
}

// Apply installs the message into a mirror batch. Every write is applied;
// the mirror's stamp rule decides whether it sticks.
func (m *Message) Apply(b *chain.Batch) {
	switch m.Kind {
	case KindAccount:
		b.ApplyAccountWrite(recordOf(m.Account))
	case KindSlot:
		b.ApplySlotUpdate(chain.SlotRecord{Slot: m.Slot.Slot, Parent: m.Slot.Parent, Status: m.Slot.Status})
	case KindSnapshot:
		for i := range m.Snapshot {
			b.ApplyAccountWrite(recordOf(&m.Snapshot[i]))
		}
	}
}

func recordOf(w *AccountWrite) chain.AccountRecord {
	return chain.AccountRecord{
		Addr:       w.Addr,
		Stamp:      chain.Stamp{Slot: w.Slot, WriteVersion: w.WriteVersion},
		Owner:      w.Owner,
		Data:       w.Data,
		Lamports:   w.Lamports,
		Executable: w.Executable,
		RentEpoch:  w.RentEpoch,
	}
}
