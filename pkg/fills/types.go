// Package fills watches event queues and order-book sides in the mirror
// and emits per-market diff streams: New/Revoke fill updates, head updates
// and full checkpoints for late-joining subscribers.
package fills

import (
	"github.com/helioslabs/solvent/pkg/chain"
	"github.com/helioslabs/solvent/pkg/state"
)

type UpdateStatus string

const (
	StatusNew    UpdateStatus = "new"
	StatusRevoke UpdateStatus = "revoke"
)

// FillEvent is the published view of one fill.
type FillEvent struct {
	SeqNum    uint64        `json:"seqNum"`
	Maker     chain.Address `json:"-"`
	Taker     chain.Address `json:"-"`
	MakerStr  string        `json:"maker"`
	TakerStr  string        `json:"taker"`
	PriceLots int64         `json:"price"`
	Quantity  int64         `json:"quantity"`
	TakerSide uint8         `json:"takerSide"`
	Timestamp uint64        `json:"timestamp"`
}

func fillFromEvent(ev *state.Event) FillEvent {
	return FillEvent{
		SeqNum:    ev.SeqNum,
		Maker:     ev.Maker,
		Taker:     ev.Taker,
		MakerStr:  ev.Maker.String(),
		TakerStr:  ev.Taker.String(),
		PriceLots: ev.PriceLots,
		Quantity:  ev.Quantity,
		TakerSide: ev.TakerSide,
		Timestamp: ev.Timestamp,
	}
}

// FillUpdate is one New or Revoke diff.
type FillUpdate struct {
	Slot         uint64       `json:"slot"`
	WriteVersion uint64       `json:"writeVersion"`
	Event        FillEvent    `json:"event"`
	Status       UpdateStatus `json:"status"`
	MarketKey    string       `json:"marketKey"`
	MarketName   string       `json:"marketName"`
}

// HeadUpdate reports event-queue consumption progress.
type HeadUpdate struct {
	Head           int          `json:"head"`
	PrevHead       int          `json:"prevHead"`
	HeadSeqNum     uint64       `json:"headSeqNum"`
	PrevHeadSeqNum uint64       `json:"prevHeadSeqNum"`
	Status         UpdateStatus `json:"status"`
	MarketKey      string       `json:"marketKey"`
	MarketName     string       `json:"marketName"`
	Slot           uint64       `json:"slot"`
	WriteVersion   uint64       `json:"writeVersion"`
}

// Checkpoint is the full list of currently-live fills for a market.
type Checkpoint struct {
	Slot         uint64      `json:"slot"`
	WriteVersion uint64      `json:"writeVersion"`
	Events       []FillEvent `json:"events"`
	Market       string      `json:"market"`
	Queue        string      `json:"queue"`
}

// L2Update is an aggregated order-book level change.
type L2Update struct {
	MarketKey    string `json:"marketKey"`
	MarketName   string `json:"marketName"`
	IsBids       bool   `json:"isBids"`
	PriceLots    int64  `json:"price"`
	Quantity     int64  `json:"quantity"` // 0 removes the level
	Slot         uint64 `json:"slot"`
	WriteVersion uint64 `json:"writeVersion"`
}

// L3Update is a single order add/remove.
type L3Update struct {
	MarketKey    string        `json:"marketKey"`
	MarketName   string        `json:"marketName"`
	IsBids       bool          `json:"isBids"`
	OrderID      uint64        `json:"orderId"`
	Owner        chain.Address `json:"-"`
	OwnerStr     string        `json:"owner"`
	PriceLots    int64         `json:"price"`
	Quantity     int64         `json:"quantity"`
	Status       UpdateStatus  `json:"status"`
	Slot         uint64        `json:"slot"`
	WriteVersion uint64        `json:"writeVersion"`
}

type MessageKind int

const (
	KindFill MessageKind = iota
	KindHead
	KindCheckpoint
	KindL2
	KindL3
)

// Message is the tagged union on the outgoing channel.
type Message struct {
	Kind       MessageKind
	Fill       *FillUpdate
	Head       *HeadUpdate
	Checkpoint *Checkpoint
	L2         *L2Update
	L3         *L3Update
}
