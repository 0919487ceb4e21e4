// Package testutil builds an in-memory exchange group (tokens, banks,
// oracles, markets) behind a fake RPC so the decision engines can be
// exercised end to end without a chain.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/helioslabs/solvent/pkg/chain"
	"github.com/helioslabs/solvent/pkg/exchange"
	"github.com/helioslabs/solvent/pkg/fixed"
	"github.com/helioslabs/solvent/pkg/rpc"
	"github.com/helioslabs/solvent/pkg/state"
)

// Addr derives a deterministic address from a label.
func Addr(label string) chain.Address {
	var a chain.Address
	copy(a[:], label)
	for i := len(label); i < len(a); i++ {
		a[i] = byte(i * 7)
	}
	return a
}

// FakeRPC serves RPC reads straight from a mirror and records sent
// transactions.
type FakeRPC struct {
	Mirror *chain.Mirror

	mu       sync.Mutex
	programs map[chain.Address][]chain.Address // owner -> addrs
	sent     [][]byte
	// SendErr, when set, fails the next SendTransaction
	SendErr error
}

func NewFakeRPC(m *chain.Mirror) *FakeRPC {
	return &FakeRPC{Mirror: m, programs: make(map[chain.Address][]chain.Address)}
}

// Track registers an address under an owner for GetProgramAccounts.
func (f *FakeRPC) Track(owner, addr chain.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.programs[owner] {
		if a == addr {
			return
		}
	}
	f.programs[owner] = append(f.programs[owner], addr)
}

func (f *FakeRPC) SentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *FakeRPC) GetAccountInfo(_ context.Context, addr chain.Address) (rpc.AccountInfo, error) {
	rec := f.Mirror.Read(addr)
	if rec == nil {
		return rpc.AccountInfo{}, fmt.Errorf("account %s not found", addr)
	}
	return rpc.AccountInfo{
		Slot:     rec.Stamp.Slot,
		Owner:    rec.Owner,
		Data:     append([]byte(nil), rec.Data...),
		Lamports: rec.Lamports,
	}, nil
}

func (f *FakeRPC) GetMultipleAccounts(ctx context.Context, addrs []chain.Address) (uint64, []*rpc.AccountInfo, error) {
	out := make([]*rpc.AccountInfo, len(addrs))
	var slot uint64
	for i, a := range addrs {
		info, err := f.GetAccountInfo(ctx, a)
		if err != nil {
			continue
		}
		out[i] = &info
		if info.Slot > slot {
			slot = info.Slot
		}
	}
	return slot, out, nil
}

func (f *FakeRPC) GetProgramAccounts(ctx context.Context, owner chain.Address) (uint64, []rpc.KeyedAccount, error) {
	f.mu.Lock()
	addrs := append([]chain.Address(nil), f.programs[owner]...)
	f.mu.Unlock()
	sort.Slice(addrs, func(i, j int) bool { return string(addrs[i][:]) < string(addrs[j][:]) })
	var out []rpc.KeyedAccount
	var slot uint64
	for _, a := range addrs {
		info, err := f.GetAccountInfo(ctx, a)
		if err != nil {
			continue
		}
		out = append(out, rpc.KeyedAccount{Addr: a, Info: info})
		if info.Slot > slot {
			slot = info.Slot
		}
	}
	return slot, out, nil
}

func (f *FakeRPC) GetSignatureStatuses(context.Context, []string) (uint64, error) {
	// pretend the tx landed immediately so refresh loops finish at once
	return 1, nil
}

func (f *FakeRPC) SendTransaction(_ context.Context, wire []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		err := f.SendErr
		f.SendErr = nil
		return "", err
	}
	f.sent = append(f.sent, append([]byte(nil), wire...))
	return fmt.Sprintf("sig-%d", len(f.sent)), nil
}

// Env is a complete fixture group.
type Env struct {
	Mirror  *chain.Mirror
	Rpc     *FakeRPC
	Fetcher *exchange.AccountFetcher
	Ctx     *exchange.Context

	Group   chain.Address
	Program chain.Address

	slot uint64
}

// Token indices of the default group.
const (
	TokQuote state.TokenIndex = 0 // 6 decimals, price 1
	TokBase  state.TokenIndex = 1 // 6 decimals, price set per test
)

// NewEnv builds a group with two tokens, one perp market and one serum
// market, each account written into the mirror at its own increasing slot
// (starting at slot 2).
func NewEnv() *Env {
	e := &Env{
		Mirror:  chain.NewMirror(),
		Group:   Addr("group"),
		Program: Addr("program"),
		slot:    1,
	}
	e.Rpc = NewFakeRPC(e.Mirror)
	e.Fetcher = &exchange.AccountFetcher{Mirror: e.Mirror, Rpc: e.Rpc}

	for _, ti := range []state.TokenIndex{TokQuote, TokBase} {
		e.installToken(ti, fixed.One())
	}
	e.installPerpMarket(0)
	e.installSerumMarket(0)

	ctx, err := exchange.LoadContext(context.Background(), e.Rpc, e.Program, e.Group, zap.NewNop().Sugar())
	if err != nil {
		panic(err)
	}
	e.Ctx = ctx
	return e
}

func tokenLabel(ti state.TokenIndex, what string) string {
	return fmt.Sprintf("tok%d-%s", ti, what)
}

func (e *Env) installToken(ti state.TokenIndex, price fixed.Num) {
	// asset weight 1-x, liab weight 1+x keeps property (P)
	x := fixed.FromFloat(0.2)
	xm := fixed.FromFloat(0.1)
	if ti == TokQuote {
		x, xm = fixed.Zero(), fixed.Zero()
	}
	one := fixed.One()
	bank := &state.Bank{
		Group:            e.Group,
		TokenIndex:       ti,
		Mint:             Addr(tokenLabel(ti, "mint")),
		Vault:            Addr(tokenLabel(ti, "vault")),
		Oracle:           Addr(tokenLabel(ti, "oracle")),
		DepositIndex:     one,
		BorrowIndex:      one,
		InitAssetWeight:  one.Sub(x),
		InitLiabWeight:   one.Add(x),
		MaintAssetWeight: one.Sub(xm),
		MaintLiabWeight:  one.Add(xm),
		LiquidationFee:   fixed.FromFloat(0.02),
		StablePrice:      price,
		Decimals:         6,
	}
	mi := &state.MintInfo{
		Group:      e.Group,
		TokenIndex: ti,
		Mint:       bank.Mint,
		Oracle:     bank.Oracle,
	}
	mi.Banks[0] = Addr(tokenLabel(ti, "bank"))
	mi.Vaults[0] = bank.Vault

	e.Install(mi.Banks[0], e.Program, bank.Encode())
	e.Install(Addr(tokenLabel(ti, "mintinfo")), e.Program, mi.Encode())
	e.SetOraclePrice(ti, price)
}

func (e *Env) installPerpMarket(idx state.PerpMarketIndex) {
	x := fixed.FromFloat(0.2)
	xm := fixed.FromFloat(0.1)
	one := fixed.One()
	m := &state.PerpMarket{
		Group:                  e.Group,
		PerpMarketIndex:        idx,
		Name:                   fmt.Sprintf("PERP-%d", idx),
		Bids:                   Addr(fmt.Sprintf("perp%d-bids", idx)),
		Asks:                   Addr(fmt.Sprintf("perp%d-asks", idx)),
		EventQueue:             Addr(fmt.Sprintf("perp%d-evq", idx)),
		Oracle:                 Addr(fmt.Sprintf("perp%d-oracle", idx)),
		BaseLotSize:            100,
		QuoteLotSize:           1,
		InitAssetWeight:        one.Sub(x),
		InitLiabWeight:         one.Add(x),
		MaintAssetWeight:       one.Sub(xm),
		MaintLiabWeight:        one.Add(xm),
		InitOverallAssetWeight: fixed.FromFloat(0.8),
		BaseLiquidationFee:     fixed.FromFloat(0.01),
		QuoteLiquidationFee:    fixed.FromFloat(0.01),
		SettleTokenIndex:       TokQuote,
	}
	e.Install(Addr(fmt.Sprintf("perp%d", idx)), e.Program, m.Encode())
	e.SetPerpOraclePrice(idx, fixed.One())
	// empty books and queue
	e.Install(m.Bids, e.Program, (&state.BookSide{IsBids: true}).Encode())
	e.Install(m.Asks, e.Program, (&state.BookSide{}).Encode())
	e.Install(m.EventQueue, e.Program, state.NewEventQueue().Encode())
}

func (e *Env) installSerumMarket(idx state.SerumMarketIndex) {
	m := &state.SerumMarket{
		Group:            e.Group,
		SerumMarketIndex: idx,
		Market:           Addr(fmt.Sprintf("serum%d", idx)),
		Bids:             Addr(fmt.Sprintf("serum%d-bids", idx)),
		Asks:             Addr(fmt.Sprintf("serum%d-asks", idx)),
		EventQueue:       Addr(fmt.Sprintf("serum%d-evq", idx)),
		BaseTokenIndex:   TokBase,
		QuoteTokenIndex:  TokQuote,
		CoinLotSize:      1,
		PcLotSize:        1,
	}
	e.Install(m.Market, e.Program, m.Encode())
}

// Install writes raw account data into the mirror at the next slot.
func (e *Env) Install(addr, owner chain.Address, data []byte) {
	e.slot++
	b := e.Mirror.Begin()
	b.ApplyAccountWrite(chain.AccountRecord{
		Addr:  addr,
		Stamp: chain.Stamp{Slot: e.slot, WriteVersion: 1},
		Owner: owner,
		Data:  data,
	})
	b.Commit()
	e.Rpc.Track(owner, addr)
}

func (e *Env) SetOraclePrice(ti state.TokenIndex, price fixed.Num) {
	o := &state.StubOracle{Group: e.Group, Price: price}
	e.Install(Addr(tokenLabel(ti, "oracle")), e.Program, o.Encode())
}

func (e *Env) SetPerpOraclePrice(idx state.PerpMarketIndex, price fixed.Num) {
	o := &state.StubOracle{Group: e.Group, Price: price}
	e.Install(Addr(fmt.Sprintf("perp%d-oracle", idx)), e.Program, o.Encode())
}

// InstallMargin writes a margin account into the mirror.
func (e *Env) InstallMargin(addr chain.Address, acct *state.MarginAccount) {
	acct.Group = e.Group
	e.Install(addr, e.Program, acct.Encode())
}

// InstallOpenOrders writes an open-orders account (owned by the external
// CLOB program).
func (e *Env) InstallOpenOrders(addr chain.Address, oo *state.OpenOrders) {
	e.Install(addr, Addr("serum-program"), oo.Encode())
}

// TokenPos builds an active token position with the given native amount
// (deposit/borrow index 1 in fixtures).
func TokenPos(ti state.TokenIndex, native fixed.Num) state.TokenPosition {
	return state.TokenPosition{TokenIndex: ti, IndexedNative: native, InUseCount: 1}
}
