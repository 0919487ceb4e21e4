package chain

import (
	"testing"
)

func addr(b byte) Address {
	var a Address
	a[0] = b
	return a
}

func TestStampOrdering(t *testing.T) {
	m := NewMirror()
	a := addr(1)

	b := m.Begin()
	b.ApplyAccountWrite(AccountRecord{Addr: a, Stamp: Stamp{Slot: 10, WriteVersion: 5}, Data: []byte{1}})
	b.Commit()

	// older slot is dropped
	b = m.Begin()
	if b.ApplyAccountWrite(AccountRecord{Addr: a, Stamp: Stamp{Slot: 9, WriteVersion: 99}, Data: []byte{2}}) {
		t.Error("older slot write must not install")
	}
	// same slot, lower write version is dropped
	if b.ApplyAccountWrite(AccountRecord{Addr: a, Stamp: Stamp{Slot: 10, WriteVersion: 4}, Data: []byte{3}}) {
		t.Error("older write_version must not install")
	}
	// strictly newer installs
	if !b.ApplyAccountWrite(AccountRecord{Addr: a, Stamp: Stamp{Slot: 10, WriteVersion: 6}, Data: []byte{4}}) {
		t.Error("newer write_version must install")
	}
	b.Commit()

	rec := m.Read(a)
	if rec == nil || rec.Data[0] != 4 {
		t.Fatalf("read = %+v, want data [4]", rec)
	}
	if rec.Stamp != (Stamp{Slot: 10, WriteVersion: 6}) {
		t.Errorf("stamp = %+v", rec.Stamp)
	}
}

func TestApplySameWriteTwiceIdempotent(t *testing.T) {
	m := NewMirror()
	w := AccountRecord{Addr: addr(2), Stamp: Stamp{Slot: 3, WriteVersion: 1}, Data: []byte{7}}

	b := m.Begin()
	b.ApplyAccountWrite(w)
	b.ApplyAccountWrite(w)
	b.Commit()

	if m.WriteCount() != 1 {
		t.Errorf("write count = %d, want 1", m.WriteCount())
	}
	if m.Read(addr(2)).Data[0] != 7 {
		t.Error("record content wrong")
	}
}

func TestSlotStatusForwardOnly(t *testing.T) {
	m := NewMirror()

	b := m.Begin()
	b.ApplySlotUpdate(SlotRecord{Slot: 100, Parent: 99, Status: StatusConfirmed})
	b.ApplySlotUpdate(SlotRecord{Slot: 100, Status: StatusProcessed}) // must not regress
	b.Commit()

	st, ok := m.SlotStatusOf(100)
	if !ok || st != StatusConfirmed {
		t.Errorf("status = %v, %v; want confirmed", st, ok)
	}

	b = m.Begin()
	b.ApplySlotUpdate(SlotRecord{Slot: 100, Status: StatusFinalized})
	b.Commit()
	st, _ = m.SlotStatusOf(100)
	if st != StatusFinalized {
		t.Errorf("status = %v, want finalized", st)
	}
}

func TestMaxSeenSlot(t *testing.T) {
	m := NewMirror()
	b := m.Begin()
	b.ApplySlotUpdate(SlotRecord{Slot: 50})
	b.ApplyAccountWrite(AccountRecord{Addr: addr(3), Stamp: Stamp{Slot: 70, WriteVersion: 1}})
	b.Commit()
	if m.MaxSeenSlot() != 70 {
		t.Errorf("max seen slot = %d, want 70", m.MaxSeenSlot())
	}
}

func TestSnapshotBackfillDoesNotOverwriteStream(t *testing.T) {
	// A write appearing in both the stream and a snapshot reflects the
	// higher stamp, regardless of arrival order.
	m := NewMirror()
	a := addr(4)

	b := m.Begin()
	b.ApplyAccountWrite(AccountRecord{Addr: a, Stamp: Stamp{Slot: 200, WriteVersion: 9}, Data: []byte{1}})
	b.Commit()

	// snapshot taken at an older slot arrives later
	b = m.Begin()
	b.ApplyAccountWrite(AccountRecord{Addr: a, Stamp: Stamp{Slot: 150, WriteVersion: 0}, Data: []byte{2}})
	b.Commit()

	if m.Read(a).Data[0] != 1 {
		t.Error("snapshot backfill overwrote a newer streaming write")
	}
}
