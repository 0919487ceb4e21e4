package feed

import (
	"context"
	"testing"
	"time"

	"github.com/helioslabs/solvent/pkg/chain"
)

func addr(b byte) chain.Address {
	var a chain.Address
	a[0] = b
	return a
}

func TestApplySnapshotBackfillsOnly(t *testing.T) {
	m := chain.NewMirror()

	// streaming write first
	stream := Message{Kind: KindAccount, Account: &AccountWrite{
		Addr: addr(1), Slot: 100, WriteVersion: 7, Data: []byte{1},
	}}
	b := m.Begin()
	stream.Apply(b)
	b.Commit()

	// snapshot at the same slot carries write version 0 and must lose
	snap := Message{Kind: KindSnapshot, SnapSlot: 100, Snapshot: []AccountWrite{
		{Addr: addr(1), Slot: 100, WriteVersion: 0, Data: []byte{2}},
		{Addr: addr(2), Slot: 100, WriteVersion: 0, Data: []byte{3}},
	}}
	b = m.Begin()
	snap.Apply(b)
	b.Commit()

	if m.Read(addr(1)).Data[0] != 1 {
		t.Error("snapshot overwrote a streaming write")
	}
	if m.Read(addr(2)) == nil {
		t.Error("snapshot must backfill unseen addresses")
	}
}

func TestFirstStreamSlotBuffersEarlierWrites(t *testing.T) {
	ch := make(chan Message, 8)
	ch <- Message{Kind: KindAccount, Account: &AccountWrite{Addr: addr(1), Slot: 99}}
	ch <- Message{Kind: KindSlot, Slot: &SlotUpdate{Slot: 100}}

	var buffered []Message
	slot, err := FirstStreamSlot(context.Background(), ch, &buffered, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if slot != 100 {
		t.Errorf("first slot = %d, want 100", slot)
	}
	// the account write seen before the slot update must not be dropped
	if len(buffered) != 2 {
		t.Errorf("buffered = %d messages, want 2", len(buffered))
	}
}

func TestBatchAddrs(t *testing.T) {
	var addrs []chain.Address
	for i := 0; i < 250; i++ {
		addrs = append(addrs, addr(byte(i)))
	}
	batches := batchAddrs(addrs, 100)
	if len(batches) != 3 {
		t.Fatalf("batches = %d, want 3", len(batches))
	}
	if len(batches[0]) != 100 || len(batches[2]) != 50 {
		t.Errorf("batch sizes = %d/%d", len(batches[0]), len(batches[2]))
	}
}
