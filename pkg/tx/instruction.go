// Package tx builds, signs and submits the protocol's instructions. The
// instruction set and its remaining-accounts shapes are a fixed external
// protocol: banks, then oracles, then perp markets, then serum open-orders.
package tx

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/helioslabs/solvent/pkg/chain"
	"github.com/helioslabs/solvent/pkg/exchange"
	"github.com/helioslabs/solvent/pkg/fixed"
	"github.com/helioslabs/solvent/pkg/state"
)

type AccountMeta struct {
	Addr     chain.Address
	Signer   bool
	Writable bool
}

type Instruction struct {
	Program  chain.Address
	Accounts []AccountMeta
	Data     []byte
}

// opcodes, first byte of instruction data
const (
	OpSerum3LiqForceCancelOrders     = 0x20
	OpPerpLiqForceCancelOrders       = 0x21
	OpPerpLiqBaseOrPositivePnl       = 0x22
	OpTokenLiqWithToken              = 0x23
	OpPerpLiqNegativePnlOrBankruptcy = 0x24
	OpTokenLiqBankruptcy             = 0x25
	OpTcsTrigger                     = 0x26
	OpTcsStart                       = 0x27
	OpPerpPlaceOrder                 = 0x28
	OpPerpSettlePnl                  = 0x29
	OpPerpDeactivatePosition         = 0x2a
	OpTokenWithdraw                  = 0x2b
)

type ixData struct{ buf []byte }

func (d *ixData) op(code byte) *ixData { d.buf = append(d.buf, code); return d }
func (d *ixData) u8(v uint8) *ixData   { d.buf = append(d.buf, v); return d }
func (d *ixData) u16(v uint16) *ixData {
	d.buf = binary.LittleEndian.AppendUint16(d.buf, v)
	return d
}
func (d *ixData) u64(v uint64) *ixData {
	d.buf = binary.LittleEndian.AppendUint64(d.buf, v)
	return d
}
func (d *ixData) i64(v int64) *ixData { return d.u64(uint64(v)) }
func (d *ixData) f64(v float64) *ixData {
	return d.u64(math.Float64bits(v))
}
func (d *ixData) num(n fixed.Num) *ixData {
	b := n.Bits()
	d.buf = append(d.buf, b[:]...)
	return d
}

// Builder assembles instructions against one group for one liqor account.
type Builder struct {
	Ctx          *exchange.Context
	LiqorAccount chain.Address
	LiqorOwner   chain.Address
}

// healthRemainingAccounts is the fixed tail shape shared by all health-
// checked instructions: banks, oracles, perp markets, serum open-orders —
// the union over the passed accounts plus any extra token indices.
func (b *Builder) healthRemainingAccounts(accts []*state.MarginAccount, extraTokens []state.TokenIndex, extraPerps []state.PerpMarketIndex) []AccountMeta {
	tokenSet := map[state.TokenIndex]bool{}
	perpSet := map[state.PerpMarketIndex]bool{}
	var oos []chain.Address
	for _, a := range accts {
		for _, p := range a.ActiveTokenPositions() {
			tokenSet[p.TokenIndex] = true
		}
		for _, p := range a.ActivePerpPositions() {
			perpSet[p.MarketIndex] = true
		}
		for _, s := range a.ActiveSerum3() {
			oos = append(oos, s.OpenOrders)
		}
	}
	for _, ti := range extraTokens {
		tokenSet[ti] = true
	}
	for _, pi := range extraPerps {
		perpSet[pi] = true
	}

	tokens := make([]state.TokenIndex, 0, len(tokenSet))
	for ti := range tokenSet {
		tokens = append(tokens, ti)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	perpIdxs := make([]state.PerpMarketIndex, 0, len(perpSet))
	for pi := range perpSet {
		perpIdxs = append(perpIdxs, pi)
	}
	sort.Slice(perpIdxs, func(i, j int) bool { return perpIdxs[i] < perpIdxs[j] })

	var banks, oracles, perps []AccountMeta
	for _, ti := range tokens {
		tc, err := b.Ctx.Token(ti)
		if err != nil {
			continue
		}
		banks = append(banks, AccountMeta{Addr: tc.FirstBank(), Writable: true})
		oracles = append(oracles, AccountMeta{Addr: tc.Oracle()})
	}
	for _, pi := range perpIdxs {
		pc, err := b.Ctx.Perp(pi)
		if err != nil {
			continue
		}
		perps = append(perps, AccountMeta{Addr: pc.Address, Writable: true})
		oracles = append(oracles, AccountMeta{Addr: pc.Market.Oracle})
	}

	out := append(banks, oracles...)
	out = append(out, perps...)
	for _, oo := range oos {
		out = append(out, AccountMeta{Addr: oo, Writable: true})
	}
	return out
}

func (b *Builder) liqPair(liqee chain.Address) []AccountMeta {
	return []AccountMeta{
		{Addr: b.Ctx.Group},
		{Addr: b.LiqorAccount, Writable: true},
		{Addr: b.LiqorOwner, Signer: true},
		{Addr: liqee, Writable: true},
	}
}

func (b *Builder) Serum3LiqForceCancelOrders(liqeeAddr chain.Address, liqee *state.MarginAccount, market state.SerumMarketIndex, openOrders chain.Address) (Instruction, error) {
	sc, err := b.Ctx.Serum(market)
	if err != nil {
		return Instruction{}, err
	}
	accounts := append(b.liqPair(liqeeAddr),
		AccountMeta{Addr: sc.Address},
		AccountMeta{Addr: sc.Market.Bids, Writable: true},
		AccountMeta{Addr: sc.Market.Asks, Writable: true},
		AccountMeta{Addr: sc.Market.EventQueue, Writable: true},
		AccountMeta{Addr: openOrders, Writable: true},
	)
	accounts = append(accounts, b.healthRemainingAccounts([]*state.MarginAccount{liqee}, nil, nil)...)
	d := (&ixData{}).op(OpSerum3LiqForceCancelOrders).u16(market)
	return Instruction{Program: b.Ctx.Program, Accounts: accounts, Data: d.buf}, nil
}

func (b *Builder) PerpLiqForceCancelOrders(liqeeAddr chain.Address, liqee *state.MarginAccount, market state.PerpMarketIndex) (Instruction, error) {
	pc, err := b.Ctx.Perp(market)
	if err != nil {
		return Instruction{}, err
	}
	accounts := append(b.liqPair(liqeeAddr),
		AccountMeta{Addr: pc.Address, Writable: true},
		AccountMeta{Addr: pc.Market.Bids, Writable: true},
		AccountMeta{Addr: pc.Market.Asks, Writable: true},
	)
	accounts = append(accounts, b.healthRemainingAccounts([]*state.MarginAccount{liqee}, nil, nil)...)
	d := (&ixData{}).op(OpPerpLiqForceCancelOrders).u16(market)
	return Instruction{Program: b.Ctx.Program, Accounts: accounts, Data: d.buf}, nil
}

func (b *Builder) PerpLiqBaseOrPositivePnl(liqeeAddr chain.Address, liqee, liqor *state.MarginAccount, market state.PerpMarketIndex, baseTransfer int64, pnlTransfer uint64) (Instruction, error) {
	pc, err := b.Ctx.Perp(market)
	if err != nil {
		return Instruction{}, err
	}
	accounts := append(b.liqPair(liqeeAddr),
		AccountMeta{Addr: pc.Address, Writable: true},
		AccountMeta{Addr: pc.Market.Oracle},
	)
	accounts = append(accounts, b.healthRemainingAccounts(
		[]*state.MarginAccount{liqee, liqor},
		[]state.TokenIndex{state.QuoteTokenIndex},
		[]state.PerpMarketIndex{market},
	)...)
	d := (&ixData{}).op(OpPerpLiqBaseOrPositivePnl).u16(market).i64(baseTransfer).u64(pnlTransfer)
	return Instruction{Program: b.Ctx.Program, Accounts: accounts, Data: d.buf}, nil
}

func (b *Builder) TokenLiqWithToken(liqeeAddr chain.Address, liqee, liqor *state.MarginAccount, assetTi, liabTi state.TokenIndex, maxLiabTransfer fixed.Num) (Instruction, error) {
	accounts := b.liqPair(liqeeAddr)
	accounts = append(accounts, b.healthRemainingAccounts(
		[]*state.MarginAccount{liqee, liqor},
		[]state.TokenIndex{assetTi, liabTi},
		nil,
	)...)
	d := (&ixData{}).op(OpTokenLiqWithToken).u16(assetTi).u16(liabTi).num(maxLiabTransfer)
	return Instruction{Program: b.Ctx.Program, Accounts: accounts, Data: d.buf}, nil
}

func (b *Builder) PerpLiqNegativePnlOrBankruptcy(liqeeAddr chain.Address, liqee *state.MarginAccount, market state.PerpMarketIndex, maxLiabTransfer uint64) (Instruction, error) {
	pc, err := b.Ctx.Perp(market)
	if err != nil {
		return Instruction{}, err
	}
	quote, err := b.Ctx.Token(state.QuoteTokenIndex)
	if err != nil {
		return Instruction{}, err
	}
	accounts := append(b.liqPair(liqeeAddr),
		AccountMeta{Addr: pc.Address, Writable: true},
		AccountMeta{Addr: pc.Market.Oracle},
		AccountMeta{Addr: quote.FirstBank(), Writable: true},
		AccountMeta{Addr: quote.MintInfo.Vaults[0], Writable: true},
	)
	accounts = append(accounts, b.healthRemainingAccounts(
		[]*state.MarginAccount{liqee},
		[]state.TokenIndex{state.QuoteTokenIndex},
		[]state.PerpMarketIndex{market},
	)...)
	d := (&ixData{}).op(OpPerpLiqNegativePnlOrBankruptcy).u16(market).u64(maxLiabTransfer)
	return Instruction{Program: b.Ctx.Program, Accounts: accounts, Data: d.buf}, nil
}

func (b *Builder) TokenLiqBankruptcy(liqeeAddr chain.Address, liqee, liqor *state.MarginAccount, liabTi state.TokenIndex, maxLiabTransfer fixed.Num) (Instruction, error) {
	quote, err := b.Ctx.Token(state.QuoteTokenIndex)
	if err != nil {
		return Instruction{}, err
	}
	accounts := append(b.liqPair(liqeeAddr),
		AccountMeta{Addr: quote.FirstBank(), Writable: true},
		AccountMeta{Addr: quote.MintInfo.Vaults[0], Writable: true},
	)
	accounts = append(accounts, b.healthRemainingAccounts(
		[]*state.MarginAccount{liqee, liqor},
		[]state.TokenIndex{state.QuoteTokenIndex, liabTi},
		nil,
	)...)
	d := (&ixData{}).op(OpTokenLiqBankruptcy).u16(liabTi).num(maxLiabTransfer)
	return Instruction{Program: b.Ctx.Program, Accounts: accounts, Data: d.buf}, nil
}

func (b *Builder) TokenConditionalSwapTrigger(liqeeAddr chain.Address, liqee, liqor *state.MarginAccount, tcsIndex int, tcsID uint64, maxBuy, maxSell, minBuy uint64, minTakerPrice float64) (Instruction, error) {
	tcs, err := liqee.TcsByID(tcsID)
	if err != nil {
		return Instruction{}, err
	}
	accounts := b.liqPair(liqeeAddr)
	accounts = append(accounts, b.healthRemainingAccounts(
		[]*state.MarginAccount{liqee, liqor},
		[]state.TokenIndex{tcs.BuyTokenIndex, tcs.SellTokenIndex},
		nil,
	)...)
	d := (&ixData{}).op(OpTcsTrigger).u64(uint64(tcsIndex)).u64(tcsID).u64(maxBuy).u64(maxSell).u64(minBuy).f64(minTakerPrice)
	return Instruction{Program: b.Ctx.Program, Accounts: accounts, Data: d.buf}, nil
}

func (b *Builder) TokenConditionalSwapStart(liqeeAddr chain.Address, liqee *state.MarginAccount, tcsIndex int, tcsID uint64) (Instruction, error) {
	tcs, err := liqee.TcsByID(tcsID)
	if err != nil {
		return Instruction{}, err
	}
	accounts := b.liqPair(liqeeAddr)
	accounts = append(accounts, b.healthRemainingAccounts(
		[]*state.MarginAccount{liqee},
		[]state.TokenIndex{tcs.BuyTokenIndex, tcs.SellTokenIndex},
		nil,
	)...)
	d := (&ixData{}).op(OpTcsStart).u64(uint64(tcsIndex)).u64(tcsID)
	return Instruction{Program: b.Ctx.Program, Accounts: accounts, Data: d.buf}, nil
}

type PlaceOrderType uint8

const (
	OrderLimit PlaceOrderType = iota
	OrderImmediateOrCancel
)

type PerpOrderArgs struct {
	Market        state.PerpMarketIndex
	Side          uint8 // 0 bid, 1 ask
	PriceLots     int64
	MaxBaseLots   int64
	MaxQuoteLots  int64
	ClientOrderID uint64
	Type          PlaceOrderType
	ReduceOnly    bool
	ExpiryTs      uint64
	Limit         uint8
}

func (b *Builder) PerpPlaceOrder(own *state.MarginAccount, args PerpOrderArgs) (Instruction, error) {
	pc, err := b.Ctx.Perp(args.Market)
	if err != nil {
		return Instruction{}, err
	}
	accounts := []AccountMeta{
		{Addr: b.Ctx.Group},
		{Addr: b.LiqorAccount, Writable: true},
		{Addr: b.LiqorOwner, Signer: true},
		{Addr: pc.Address, Writable: true},
		{Addr: pc.Market.Bids, Writable: true},
		{Addr: pc.Market.Asks, Writable: true},
		{Addr: pc.Market.EventQueue, Writable: true},
		{Addr: pc.Market.Oracle},
	}
	accounts = append(accounts, b.healthRemainingAccounts(
		[]*state.MarginAccount{own}, nil, []state.PerpMarketIndex{args.Market})...)
	d := (&ixData{}).op(OpPerpPlaceOrder).u16(args.Market).u8(args.Side).
		i64(args.PriceLots).i64(args.MaxBaseLots).i64(args.MaxQuoteLots).
		u64(args.ClientOrderID).u8(uint8(args.Type))
	if args.ReduceOnly {
		d.u8(1)
	} else {
		d.u8(0)
	}
	d.u64(args.ExpiryTs).u8(args.Limit)
	return Instruction{Program: b.Ctx.Program, Accounts: accounts, Data: d.buf}, nil
}

// PerpSettlePnl settles between account a (positive pnl) and b (negative).
func (b *Builder) PerpSettlePnl(market state.PerpMarketIndex, aAddr chain.Address, a *state.MarginAccount, bAddr chain.Address, bAcct *state.MarginAccount) (Instruction, error) {
	pc, err := b.Ctx.Perp(market)
	if err != nil {
		return Instruction{}, err
	}
	quote, err := b.Ctx.Token(state.QuoteTokenIndex)
	if err != nil {
		return Instruction{}, err
	}
	accounts := []AccountMeta{
		{Addr: b.Ctx.Group},
		{Addr: pc.Address, Writable: true},
		{Addr: aAddr, Writable: true},
		{Addr: bAddr, Writable: true},
		{Addr: quote.FirstBank(), Writable: true},
		{Addr: quote.Oracle()},
	}
	accounts = append(accounts, b.healthRemainingAccounts(
		[]*state.MarginAccount{a, bAcct}, nil, []state.PerpMarketIndex{market})...)
	d := (&ixData{}).op(OpPerpSettlePnl).u16(market)
	return Instruction{Program: b.Ctx.Program, Accounts: accounts, Data: d.buf}, nil
}

func (b *Builder) PerpDeactivatePosition(market state.PerpMarketIndex) (Instruction, error) {
	pc, err := b.Ctx.Perp(market)
	if err != nil {
		return Instruction{}, err
	}
	accounts := []AccountMeta{
		{Addr: b.Ctx.Group},
		{Addr: b.LiqorAccount, Writable: true},
		{Addr: b.LiqorOwner, Signer: true},
		{Addr: pc.Address},
	}
	d := (&ixData{}).op(OpPerpDeactivatePosition).u16(market)
	return Instruction{Program: b.Ctx.Program, Accounts: accounts, Data: d.buf}, nil
}

func (b *Builder) TokenWithdraw(own *state.MarginAccount, ti state.TokenIndex, amount uint64, allowBorrow bool) (Instruction, error) {
	tc, err := b.Ctx.Token(ti)
	if err != nil {
		return Instruction{}, err
	}
	accounts := []AccountMeta{
		{Addr: b.Ctx.Group},
		{Addr: b.LiqorAccount, Writable: true},
		{Addr: b.LiqorOwner, Signer: true},
		{Addr: tc.FirstBank(), Writable: true},
		{Addr: tc.MintInfo.Vaults[0], Writable: true},
		{Addr: tc.Oracle()},
	}
	accounts = append(accounts, b.healthRemainingAccounts(
		[]*state.MarginAccount{own}, []state.TokenIndex{ti}, nil)...)
	d := (&ixData{}).op(OpTokenWithdraw).u16(ti).u64(amount)
	if allowBorrow {
		d.u8(1)
	} else {
		d.u8(0)
	}
	return Instruction{Program: b.Ctx.Program, Accounts: accounts, Data: d.buf}, nil
}
