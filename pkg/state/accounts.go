package state

import (
	"bytes"
	"fmt"

	"github.com/helioslabs/solvent/pkg/chain"
	"github.com/helioslabs/solvent/pkg/fixed"
)

// Small dense indices assigned by the protocol.
type (
	TokenIndex       = uint16
	PerpMarketIndex  = uint16
	SerumMarketIndex = uint16
)

// QuoteTokenIndex is the protocol's designated quote token (insurance-fund
// bankruptcy settles against it).
const QuoteTokenIndex TokenIndex = 0

// 8-byte account type tags, the first bytes of every program account.
var (
	TagMarginAccount = [8]byte{'m', 'r', 'g', 'n', 'a', 'c', 'c', 't'}
	TagBank          = [8]byte{'b', 'a', 'n', 'k', 'a', 'c', 'c', 't'}
	TagMintInfo      = [8]byte{'m', 'i', 'n', 't', 'i', 'n', 'f', 'o'}
	TagPerpMarket    = [8]byte{'p', 'e', 'r', 'p', 'm', 'k', 't', ' '}
	TagSerumMarket   = [8]byte{'s', 'e', 'r', 'u', 'm', 'm', 'k', 't'}
	TagStubOracle    = [8]byte{'s', 't', 'u', 'b', 'o', 'r', 'c', 'l'}
	TagEventQueue    = [8]byte{'e', 'v', 'e', 'n', 't', 'q', 'u', 'e'}
	TagBookSide      = [8]byte{'b', 'o', 'o', 'k', 's', 'i', 'd', 'e'}
)

// Tag returns the account type tag, or false if the data is too short.
func Tag(data []byte) ([8]byte, bool) {
	var t [8]byte
	if len(data) < 8 {
		return t, false
	}
	copy(t[:], data[:8])
	return t, true
}

func HasTag(data []byte, tag [8]byte) bool {
	t, ok := Tag(data)
	return ok && bytes.Equal(t[:], tag[:])
}

// Bank is the per-token ledger: indexed deposit/borrow totals and risk
// weights. One token can have several banks; index 0 is the first bank.
type Bank struct {
	Group      chain.Address
	TokenIndex TokenIndex
	BankNum    uint32
	Mint       chain.Address
	Vault      chain.Address
	Oracle     chain.Address

	DepositIndex fixed.Num
	BorrowIndex  fixed.Num

	MaintAssetWeight fixed.Num
	InitAssetWeight  fixed.Num
	MaintLiabWeight  fixed.Num
	InitLiabWeight   fixed.Num

	LiquidationFee fixed.Num
	StablePrice    fixed.Num
	Decimals       uint8
}

func (b *Bank) Encode() []byte {
	w := &writer{}
	w.buf = append(w.buf, TagBank[:]...)
	w.addr(b.Group)
	w.u16(b.TokenIndex)
	w.u32(b.BankNum)
	w.addr(b.Mint)
	w.addr(b.Vault)
	w.addr(b.Oracle)
	w.num(b.DepositIndex)
	w.num(b.BorrowIndex)
	w.num(b.MaintAssetWeight)
	w.num(b.InitAssetWeight)
	w.num(b.MaintLiabWeight)
	w.num(b.InitLiabWeight)
	w.num(b.LiquidationFee)
	w.num(b.StablePrice)
	w.u8(b.Decimals)
	return w.buf
}

func DecodeBank(data []byte) (*Bank, error) {
	if !HasTag(data, TagBank) {
		return nil, fmt.Errorf("not a bank account")
	}
	r := newReader(data[8:])
	b := &Bank{
		Group:            r.addr("group"),
		TokenIndex:       r.u16("token_index"),
		BankNum:          r.u32("bank_num"),
		Mint:             r.addr("mint"),
		Vault:            r.addr("vault"),
		Oracle:           r.addr("oracle"),
		DepositIndex:     r.num("deposit_index"),
		BorrowIndex:      r.num("borrow_index"),
		MaintAssetWeight: r.num("maint_asset_weight"),
		InitAssetWeight:  r.num("init_asset_weight"),
		MaintLiabWeight:  r.num("maint_liab_weight"),
		InitLiabWeight:   r.num("init_liab_weight"),
		LiquidationFee:   r.num("liquidation_fee"),
		StablePrice:      r.num("stable_price"),
		Decimals:         r.u8("decimals"),
	}
	return b, r.err
}

// MintInfo ties a token index to its mint, banks, vaults and oracles.
const MaxBanks = 4

type MintInfo struct {
	Group          chain.Address
	TokenIndex     TokenIndex
	Mint           chain.Address
	Banks          [MaxBanks]chain.Address
	Vaults         [MaxBanks]chain.Address
	Oracle         chain.Address
	FallbackOracle chain.Address
}

func (m *MintInfo) FirstBank() chain.Address { return m.Banks[0] }

func (m *MintInfo) Encode() []byte {
	w := &writer{}
	w.buf = append(w.buf, TagMintInfo[:]...)
	w.addr(m.Group)
	w.u16(m.TokenIndex)
	w.addr(m.Mint)
	for _, a := range m.Banks {
		w.addr(a)
	}
	for _, a := range m.Vaults {
		w.addr(a)
	}
	w.addr(m.Oracle)
	w.addr(m.FallbackOracle)
	return w.buf
}

func DecodeMintInfo(data []byte) (*MintInfo, error) {
	if !HasTag(data, TagMintInfo) {
		return nil, fmt.Errorf("not a mint-info account")
	}
	r := newReader(data[8:])
	m := &MintInfo{
		Group:      r.addr("group"),
		TokenIndex: r.u16("token_index"),
		Mint:       r.addr("mint"),
	}
	for i := range m.Banks {
		m.Banks[i] = r.addr("bank")
	}
	for i := range m.Vaults {
		m.Vaults[i] = r.addr("vault")
	}
	m.Oracle = r.addr("oracle")
	m.FallbackOracle = r.addr("fallback_oracle")
	return m, r.err
}

// StubOracle posts a fixed price; the production oracles share its layout
// for the fields the agent consumes.
type StubOracle struct {
	Group        chain.Address
	Mint         chain.Address
	Price        fixed.Num
	LastUpdateTs uint64
}

func (o *StubOracle) Encode() []byte {
	w := &writer{}
	w.buf = append(w.buf, TagStubOracle[:]...)
	w.addr(o.Group)
	w.addr(o.Mint)
	w.num(o.Price)
	w.u64(o.LastUpdateTs)
	return w.buf
}

func DecodeStubOracle(data []byte) (*StubOracle, error) {
	if !HasTag(data, TagStubOracle) {
		return nil, fmt.Errorf("not an oracle account")
	}
	r := newReader(data[8:])
	o := &StubOracle{
		Group:        r.addr("group"),
		Mint:         r.addr("mint"),
		Price:        r.num("price"),
		LastUpdateTs: r.u64("last_update_ts"),
	}
	return o, r.err
}

// PerpMarket descriptor.
type PerpMarket struct {
	Group           chain.Address
	PerpMarketIndex PerpMarketIndex
	Name            string
	Bids            chain.Address
	Asks            chain.Address
	EventQueue      chain.Address
	Oracle          chain.Address

	BaseLotSize  int64
	QuoteLotSize int64

	MaintAssetWeight fixed.Num
	InitAssetWeight  fixed.Num
	MaintLiabWeight  fixed.Num
	InitLiabWeight   fixed.Num

	// weight applied to unsettled positive pnl above the settle limit
	InitOverallAssetWeight fixed.Num

	BaseLiquidationFee  fixed.Num
	QuoteLiquidationFee fixed.Num
	MakerFee            fixed.Num
	TakerFee            fixed.Num

	SettleTokenIndex TokenIndex
}

const perpNameLen = 16

func (p *PerpMarket) Encode() []byte {
	w := &writer{}
	w.buf = append(w.buf, TagPerpMarket[:]...)
	w.addr(p.Group)
	w.u16(p.PerpMarketIndex)
	var name [perpNameLen]byte
	copy(name[:], p.Name)
	w.buf = append(w.buf, name[:]...)
	w.addr(p.Bids)
	w.addr(p.Asks)
	w.addr(p.EventQueue)
	w.addr(p.Oracle)
	w.i64(p.BaseLotSize)
	w.i64(p.QuoteLotSize)
	w.num(p.MaintAssetWeight)
	w.num(p.InitAssetWeight)
	w.num(p.MaintLiabWeight)
	w.num(p.InitLiabWeight)
	w.num(p.InitOverallAssetWeight)
	w.num(p.BaseLiquidationFee)
	w.num(p.QuoteLiquidationFee)
	w.num(p.MakerFee)
	w.num(p.TakerFee)
	w.u16(p.SettleTokenIndex)
	return w.buf
}

func DecodePerpMarket(data []byte) (*PerpMarket, error) {
	if !HasTag(data, TagPerpMarket) {
		return nil, fmt.Errorf("not a perp-market account")
	}
	r := newReader(data[8:])
	p := &PerpMarket{
		Group:           r.addr("group"),
		PerpMarketIndex: r.u16("perp_market_index"),
	}
	name := r.take(perpNameLen, "name")
	p.Name = string(bytes.TrimRight(name, "\x00"))
	p.Bids = r.addr("bids")
	p.Asks = r.addr("asks")
	p.EventQueue = r.addr("event_queue")
	p.Oracle = r.addr("oracle")
	p.BaseLotSize = r.i64("base_lot_size")
	p.QuoteLotSize = r.i64("quote_lot_size")
	p.MaintAssetWeight = r.num("maint_asset_weight")
	p.InitAssetWeight = r.num("init_asset_weight")
	p.MaintLiabWeight = r.num("maint_liab_weight")
	p.InitLiabWeight = r.num("init_liab_weight")
	p.InitOverallAssetWeight = r.num("init_overall_asset_weight")
	p.BaseLiquidationFee = r.num("base_liquidation_fee")
	p.QuoteLiquidationFee = r.num("quote_liquidation_fee")
	p.MakerFee = r.num("maker_fee")
	p.TakerFee = r.num("taker_fee")
	p.SettleTokenIndex = r.u16("settle_token_index")
	return p, r.err
}

// NativePriceToLot converts a native quote price into price lots.
func (p *PerpMarket) NativePriceToLot(price fixed.Num) int64 {
	lots := price.Mul(fixed.FromInt(p.BaseLotSize)).Div(fixed.FromInt(p.QuoteLotSize))
	v, _ := lots.Int64()
	return v
}

// SerumMarket descriptor for an external CLOB spot market.
type SerumMarket struct {
	Group            chain.Address
	SerumMarketIndex SerumMarketIndex
	Market           chain.Address
	Bids             chain.Address
	Asks             chain.Address
	EventQueue       chain.Address
	BaseTokenIndex   TokenIndex
	QuoteTokenIndex  TokenIndex
	CoinLotSize      uint64
	PcLotSize        uint64
}

func (s *SerumMarket) Encode() []byte {
	w := &writer{}
	w.buf = append(w.buf, TagSerumMarket[:]...)
	w.addr(s.Group)
	w.u16(s.SerumMarketIndex)
	w.addr(s.Market)
	w.addr(s.Bids)
	w.addr(s.Asks)
	w.addr(s.EventQueue)
	w.u16(s.BaseTokenIndex)
	w.u16(s.QuoteTokenIndex)
	w.u64(s.CoinLotSize)
	w.u64(s.PcLotSize)
	return w.buf
}

func DecodeSerumMarket(data []byte) (*SerumMarket, error) {
	if !HasTag(data, TagSerumMarket) {
		return nil, fmt.Errorf("not a serum-market account")
	}
	r := newReader(data[8:])
	s := &SerumMarket{
		Group:            r.addr("group"),
		SerumMarketIndex: r.u16("serum_market_index"),
		Market:           r.addr("market"),
		Bids:             r.addr("bids"),
		Asks:             r.addr("asks"),
		EventQueue:       r.addr("event_queue"),
		BaseTokenIndex:   r.u16("base_token_index"),
		QuoteTokenIndex:  r.u16("quote_token_index"),
		CoinLotSize:      r.u64("coin_lot_size"),
		PcLotSize:        r.u64("pc_lot_size"),
	}
	return s, r.err
}

// OpenOrders is the per-user spot-market account holding free and reserved
// base ("coin") and quote ("pc") balances. It carries no type tag because
// it belongs to the external CLOB program.
type OpenOrders struct {
	Owner                  chain.Address
	Market                 chain.Address
	NativeCoinFree         uint64
	NativeCoinTotal        uint64
	NativePcFree           uint64
	NativePcTotal          uint64
	ReferrerRebatesAccrued uint64
}

func (o *OpenOrders) Encode() []byte {
	w := &writer{}
	w.addr(o.Owner)
	w.addr(o.Market)
	w.u64(o.NativeCoinFree)
	w.u64(o.NativeCoinTotal)
	w.u64(o.NativePcFree)
	w.u64(o.NativePcTotal)
	w.u64(o.ReferrerRebatesAccrued)
	return w.buf
}

func DecodeOpenOrders(data []byte) (*OpenOrders, error) {
	r := newReader(data)
	o := &OpenOrders{
		Owner:                  r.addr("owner"),
		Market:                 r.addr("market"),
		NativeCoinFree:         r.u64("native_coin_free"),
		NativeCoinTotal:        r.u64("native_coin_total"),
		NativePcFree:           r.u64("native_pc_free"),
		NativePcTotal:          r.u64("native_pc_total"),
		ReferrerRebatesAccrued: r.u64("referrer_rebates"),
	}
	return o, r.err
}

// HasSettleableBalance reports whether a force-cancel would free anything.
func (o *OpenOrders) HasSettleableBalance() bool {
	return o.NativeCoinTotal > 0 || o.NativePcTotal > 0 || o.ReferrerRebatesAccrued > 0
}
