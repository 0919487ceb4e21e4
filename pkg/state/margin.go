package state

import (
	"fmt"

	"github.com/helioslabs/solvent/pkg/chain"
	"github.com/helioslabs/solvent/pkg/fixed"
)

// TokenPosition stores an indexed balance: the native amount is
// indexed_native * deposit_index when non-negative, * borrow_index when
// negative.
type TokenPosition struct {
	TokenIndex    TokenIndex
	IndexedNative fixed.Num
	InUseCount    uint16
}

func (p *TokenPosition) IsActive() bool { return p.TokenIndex != unsetTokenIndex }

func (p *TokenPosition) Native(b *Bank) fixed.Num {
	if p.IndexedNative.IsNeg() {
		return p.IndexedNative.Mul(b.BorrowIndex)
	}
	return p.IndexedNative.Mul(b.DepositIndex)
}

const unsetTokenIndex TokenIndex = 0xffff

// Serum3Orders links the margin account to one open-orders account.
type Serum3Orders struct {
	MarketIndex           SerumMarketIndex
	OpenOrders            chain.Address
	BaseTokenIndex        TokenIndex
	QuoteTokenIndex       TokenIndex
	BaseDepositsReserved  uint64
	QuoteDepositsReserved uint64
	HighestPlacedBidInv   float64
	LowestPlacedAsk       float64
}

func (s *Serum3Orders) IsActive() bool { return s.MarketIndex != unsetMarketIndex }

const unsetMarketIndex uint16 = 0xffff

// PerpPosition is one perpetual-futures position.
type PerpPosition struct {
	MarketIndex PerpMarketIndex

	BaseLots    int64
	QuoteNative fixed.Num

	BidsBaseLots int64
	AsksBaseLots int64

	TakerBaseLots  int64
	TakerQuoteLots int64

	SettlePnlLimitWindow          uint32
	SettlePnlLimitSettledInWindow int64
	RealizedPnlNative             fixed.Num
}

func (p *PerpPosition) IsActive() bool { return p.MarketIndex != unsetMarketIndex }

// EffectiveBaseLots includes taker lots that have matched but not yet been
// processed off the event queue.
func (p *PerpPosition) EffectiveBaseLots() int64 { return p.BaseLots + p.TakerBaseLots }

func (p *PerpPosition) HasOpenOrders() bool {
	return p.BidsBaseLots != 0 || p.AsksBaseLots != 0
}

func (p *PerpPosition) HasOpenTakerFills() bool {
	return p.TakerBaseLots != 0 || p.TakerQuoteLots != 0
}

// TcsType tags the conditional-swap pricing variant.
type TcsType uint8

const (
	TcsFixedPremium TcsType = iota
	TcsLinearAuction
	TcsPremiumAuction
)

func (t TcsType) String() string {
	switch t {
	case TcsFixedPremium:
		return "fixed-premium"
	case TcsLinearAuction:
		return "linear-auction"
	case TcsPremiumAuction:
		return "premium-auction"
	default:
		return "unknown"
	}
}

// TcsEntry is a user-configured token conditional swap stored on the margin
// account. Prices are sell-per-buy in native/native units.
type TcsEntry struct {
	ID             uint64
	BuyTokenIndex  TokenIndex
	SellTokenIndex TokenIndex

	MaxBuy  uint64
	MaxSell uint64
	Bought  uint64
	Sold    uint64

	PriceLower       float64
	PriceUpper       float64
	PriceLimit       float64
	PricePremiumRate float64
	MakerFeeRate     float64
	TakerFeeRate     float64

	AllowCreatingDeposits bool
	AllowCreatingBorrows  bool

	Type            TcsType
	Started         bool
	StartTimestamp  uint64
	DurationSeconds uint64
	ExpiryTimestamp uint64
	PriceStart      float64
	PriceEnd        float64

	active bool
}

func (t *TcsEntry) IsActive() bool { return t.active }

func (t *TcsEntry) RemainingBuy() uint64  { return t.MaxBuy - t.Bought }
func (t *TcsEntry) RemainingSell() uint64 { return t.MaxSell - t.Sold }

// MarginAccount mirrors the program's account layout: a fixed header plus
// dense vectors of positions.
type MarginAccount struct {
	Group    chain.Address
	Owner    chain.Address
	Delegate chain.Address

	BeingLiquidated    bool
	PerpSpotTransfers  int64
	BuybackFeesAccrued uint64

	TokenPositions []TokenPosition
	Serum3         []Serum3Orders
	PerpPositions  []PerpPosition
	Tcs            []TcsEntry
}

// Active* accessors skip unset slots.

func (a *MarginAccount) ActiveTokenPositions() []*TokenPosition {
	var out []*TokenPosition
	for i := range a.TokenPositions {
		if a.TokenPositions[i].IsActive() {
			out = append(out, &a.TokenPositions[i])
		}
	}
	return out
}

func (a *MarginAccount) ActiveSerum3() []*Serum3Orders {
	var out []*Serum3Orders
	for i := range a.Serum3 {
		if a.Serum3[i].IsActive() {
			out = append(out, &a.Serum3[i])
		}
	}
	return out
}

func (a *MarginAccount) ActivePerpPositions() []*PerpPosition {
	var out []*PerpPosition
	for i := range a.PerpPositions {
		if a.PerpPositions[i].IsActive() {
			out = append(out, &a.PerpPositions[i])
		}
	}
	return out
}

func (a *MarginAccount) ActiveTcs() []*TcsEntry {
	var out []*TcsEntry
	for i := range a.Tcs {
		if a.Tcs[i].IsActive() {
			out = append(out, &a.Tcs[i])
		}
	}
	return out
}

func (a *MarginAccount) TokenPosition(ti TokenIndex) *TokenPosition {
	for i := range a.TokenPositions {
		if a.TokenPositions[i].IsActive() && a.TokenPositions[i].TokenIndex == ti {
			return &a.TokenPositions[i]
		}
	}
	return nil
}

// EnsureTokenPosition activates a zero position for ti if none exists, so
// what-if health caches include the token.
func (a *MarginAccount) EnsureTokenPosition(ti TokenIndex) *TokenPosition {
	if p := a.TokenPosition(ti); p != nil {
		return p
	}
	a.TokenPositions = append(a.TokenPositions, TokenPosition{TokenIndex: ti})
	return &a.TokenPositions[len(a.TokenPositions)-1]
}

func (a *MarginAccount) PerpPosition(idx PerpMarketIndex) *PerpPosition {
	for i := range a.PerpPositions {
		if a.PerpPositions[i].IsActive() && a.PerpPositions[i].MarketIndex == idx {
			return &a.PerpPositions[i]
		}
	}
	return nil
}

func (a *MarginAccount) EnsurePerpPosition(idx PerpMarketIndex) *PerpPosition {
	if p := a.PerpPosition(idx); p != nil {
		return p
	}
	a.PerpPositions = append(a.PerpPositions, PerpPosition{MarketIndex: idx})
	return &a.PerpPositions[len(a.PerpPositions)-1]
}

func (a *MarginAccount) TcsByID(id uint64) (*TcsEntry, error) {
	for i := range a.Tcs {
		if a.Tcs[i].IsActive() && a.Tcs[i].ID == id {
			return &a.Tcs[i], nil
		}
	}
	return nil, fmt.Errorf("no active token conditional swap with id %d", id)
}

// Clone is a deep copy for what-if mutation.
func (a *MarginAccount) Clone() *MarginAccount {
	cp := *a
	cp.TokenPositions = append([]TokenPosition(nil), a.TokenPositions...)
	cp.Serum3 = append([]Serum3Orders(nil), a.Serum3...)
	cp.PerpPositions = append([]PerpPosition(nil), a.PerpPositions...)
	cp.Tcs = append([]TcsEntry(nil), a.Tcs...)
	return &cp
}

func (a *MarginAccount) Encode() []byte {
	w := &writer{}
	w.buf = append(w.buf, TagMarginAccount[:]...)
	w.addr(a.Group)
	w.addr(a.Owner)
	w.addr(a.Delegate)
	w.boolByte(a.BeingLiquidated)
	w.i64(a.PerpSpotTransfers)
	w.u64(a.BuybackFeesAccrued)

	w.u16(uint16(len(a.TokenPositions)))
	for i := range a.TokenPositions {
		p := &a.TokenPositions[i]
		w.u16(p.TokenIndex)
		w.num(p.IndexedNative)
		w.u16(p.InUseCount)
	}

	w.u16(uint16(len(a.Serum3)))
	for i := range a.Serum3 {
		s := &a.Serum3[i]
		w.u16(s.MarketIndex)
		w.addr(s.OpenOrders)
		w.u16(s.BaseTokenIndex)
		w.u16(s.QuoteTokenIndex)
		w.u64(s.BaseDepositsReserved)
		w.u64(s.QuoteDepositsReserved)
		w.f64(s.HighestPlacedBidInv)
		w.f64(s.LowestPlacedAsk)
	}

	w.u16(uint16(len(a.PerpPositions)))
	for i := range a.PerpPositions {
		p := &a.PerpPositions[i]
		w.u16(p.MarketIndex)
		w.i64(p.BaseLots)
		w.num(p.QuoteNative)
		w.i64(p.BidsBaseLots)
		w.i64(p.AsksBaseLots)
		w.i64(p.TakerBaseLots)
		w.i64(p.TakerQuoteLots)
		w.u32(p.SettlePnlLimitWindow)
		w.i64(p.SettlePnlLimitSettledInWindow)
		w.num(p.RealizedPnlNative)
	}

	w.u16(uint16(len(a.Tcs)))
	for i := range a.Tcs {
		t := &a.Tcs[i]
		w.u64(t.ID)
		w.u16(t.BuyTokenIndex)
		w.u16(t.SellTokenIndex)
		w.u64(t.MaxBuy)
		w.u64(t.MaxSell)
		w.u64(t.Bought)
		w.u64(t.Sold)
		w.f64(t.PriceLower)
		w.f64(t.PriceUpper)
		w.f64(t.PriceLimit)
		w.f64(t.PricePremiumRate)
		w.f64(t.MakerFeeRate)
		w.f64(t.TakerFeeRate)
		w.boolByte(t.AllowCreatingDeposits)
		w.boolByte(t.AllowCreatingBorrows)
		w.u8(uint8(t.Type))
		w.boolByte(t.Started)
		w.u64(t.StartTimestamp)
		w.u64(t.DurationSeconds)
		w.u64(t.ExpiryTimestamp)
		w.f64(t.PriceStart)
		w.f64(t.PriceEnd)
		w.boolByte(t.active)
	}

	return w.buf
}

func DecodeMarginAccount(data []byte) (*MarginAccount, error) {
	if !HasTag(data, TagMarginAccount) {
		return nil, fmt.Errorf("not a margin account")
	}
	r := newReader(data[8:])
	a := &MarginAccount{
		Group:              r.addr("group"),
		Owner:              r.addr("owner"),
		Delegate:           r.addr("delegate"),
		BeingLiquidated:    r.boolByte("being_liquidated"),
		PerpSpotTransfers:  r.i64("perp_spot_transfers"),
		BuybackFeesAccrued: r.u64("buyback_fees_accrued"),
	}

	nTok := int(r.u16("token_positions_len"))
	for i := 0; i < nTok && r.err == nil; i++ {
		a.TokenPositions = append(a.TokenPositions, TokenPosition{
			TokenIndex:    r.u16("token_index"),
			IndexedNative: r.num("indexed_native"),
			InUseCount:    r.u16("in_use_count"),
		})
	}

	nSerum := int(r.u16("serum3_len"))
	for i := 0; i < nSerum && r.err == nil; i++ {
		a.Serum3 = append(a.Serum3, Serum3Orders{
			MarketIndex:           r.u16("market_index"),
			OpenOrders:            r.addr("open_orders"),
			BaseTokenIndex:        r.u16("base_token_index"),
			QuoteTokenIndex:       r.u16("quote_token_index"),
			BaseDepositsReserved:  r.u64("base_deposits_reserved"),
			QuoteDepositsReserved: r.u64("quote_deposits_reserved"),
			HighestPlacedBidInv:   r.f64("highest_placed_bid_inv"),
			LowestPlacedAsk:       r.f64("lowest_placed_ask"),
		})
	}

	nPerp := int(r.u16("perp_len"))
	for i := 0; i < nPerp && r.err == nil; i++ {
		a.PerpPositions = append(a.PerpPositions, PerpPosition{
			MarketIndex:                   r.u16("market_index"),
			BaseLots:                      r.i64("base_lots"),
			QuoteNative:                   r.num("quote_native"),
			BidsBaseLots:                  r.i64("bids_base_lots"),
			AsksBaseLots:                  r.i64("asks_base_lots"),
			TakerBaseLots:                 r.i64("taker_base_lots"),
			TakerQuoteLots:                r.i64("taker_quote_lots"),
			SettlePnlLimitWindow:          r.u32("settle_pnl_limit_window"),
			SettlePnlLimitSettledInWindow: r.i64("settle_pnl_limit_settled"),
			RealizedPnlNative:             r.num("realized_pnl"),
		})
	}

	nTcs := int(r.u16("tcs_len"))
	for i := 0; i < nTcs && r.err == nil; i++ {
		a.Tcs = append(a.Tcs, TcsEntry{
			ID:                    r.u64("id"),
			BuyTokenIndex:         r.u16("buy_token_index"),
			SellTokenIndex:        r.u16("sell_token_index"),
			MaxBuy:                r.u64("max_buy"),
			MaxSell:               r.u64("max_sell"),
			Bought:                r.u64("bought"),
			Sold:                  r.u64("sold"),
			PriceLower:            r.f64("price_lower"),
			PriceUpper:            r.f64("price_upper"),
			PriceLimit:            r.f64("price_limit"),
			PricePremiumRate:      r.f64("price_premium_rate"),
			MakerFeeRate:          r.f64("maker_fee_rate"),
			TakerFeeRate:          r.f64("taker_fee_rate"),
			AllowCreatingDeposits: r.boolByte("allow_creating_deposits"),
			AllowCreatingBorrows:  r.boolByte("allow_creating_borrows"),
			Type:                  TcsType(r.u8("tcs_type")),
			Started:               r.boolByte("started"),
			StartTimestamp:        r.u64("start_timestamp"),
			DurationSeconds:       r.u64("duration_seconds"),
			ExpiryTimestamp:       r.u64("expiry_timestamp"),
			PriceStart:            r.f64("price_start"),
			PriceEnd:              r.f64("price_end"),
			active:                r.boolByte("active"),
		})
	}

	return a, r.err
}

// NewTcsEntry activates an entry; used by tests and fixture builders.
func NewTcsEntry(t TcsEntry) TcsEntry {
	t.active = true
	return t
}
