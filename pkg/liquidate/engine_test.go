package liquidate_test

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/helioslabs/solvent/pkg/fixed"
	"github.com/helioslabs/solvent/pkg/health"
	"github.com/helioslabs/solvent/pkg/liquidate"
	"github.com/helioslabs/solvent/pkg/state"
	"github.com/helioslabs/solvent/pkg/testutil"
	"github.com/helioslabs/solvent/pkg/tx"
)

type fakeSubmitter struct {
	mu   sync.Mutex
	sent []tx.Instruction
}

func (f *fakeSubmitter) Send(_ context.Context, ix tx.Instruction) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, ix)
	return "sig-1", nil
}

func (f *fakeSubmitter) ops() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []byte
	for _, ix := range f.sent {
		out = append(out, ix.Data[0])
	}
	return out
}

func newEngine(e *testutil.Env, sub *fakeSubmitter) *liquidate.Engine {
	builder := &tx.Builder{
		Ctx:          e.Ctx,
		LiqorAccount: testutil.Addr("liqor"),
		LiqorOwner:   testutil.Addr("liqor-owner"),
	}
	return &liquidate.Engine{
		Ctx:       e.Ctx,
		Fetcher:   e.Fetcher,
		Builder:   builder,
		Submitter: sub,
		Cfg: liquidate.Config{
			MinHealthRatio: fixed.FromInt(50),
			RefreshTimeout: 50 * time.Millisecond,
		},
		Log:    zap.NewNop().Sugar(),
		PickFn: func(int) int { return 0 },
	}
}

func installLiqor(e *testutil.Env, quoteDeposit int64) {
	e.InstallMargin(testutil.Addr("liqor"), &state.MarginAccount{
		TokenPositions: []state.TokenPosition{
			testutil.TokenPos(testutil.TokQuote, fixed.FromInt(quoteDeposit)),
		},
	})
}

// Force-cancel of spot orders wins phase 1 when the open-orders account has
// settleable balances.
func TestSerumForceCancelFirst(t *testing.T) {
	e := testutil.NewEnv()
	installLiqor(e, 100000)

	oo := &state.OpenOrders{NativeCoinTotal: 150, ReferrerRebatesAccrued: 5}
	ooAddr := testutil.Addr("oo-liq")
	e.InstallOpenOrders(ooAddr, oo)

	liqee := testutil.Addr("victim-1")
	e.InstallMargin(liqee, &state.MarginAccount{
		TokenPositions: []state.TokenPosition{
			testutil.TokenPos(testutil.TokQuote, fixed.FromInt(-1000)),
			testutil.TokenPos(testutil.TokBase, fixed.FromInt(0)),
		},
		Serum3: []state.Serum3Orders{{
			MarketIndex:     0,
			OpenOrders:      ooAddr,
			BaseTokenIndex:  testutil.TokBase,
			QuoteTokenIndex: testutil.TokQuote,
		}},
	})

	sub := &fakeSubmitter{}
	eng := newEngine(e, sub)
	acted, err := eng.MaybeLiquidate(context.Background(), liqee)
	if err != nil {
		t.Fatalf("maybe liquidate: %v", err)
	}
	if !acted {
		t.Fatal("expected action on liquidatable account")
	}
	ops := sub.ops()
	if len(ops) != 1 || ops[0] != tx.OpSerum3LiqForceCancelOrders {
		t.Fatalf("sent ops = %v, want exactly one serum force cancel", ops)
	}
}

// Serum cancels run before perp order cancels within phase 1.
func TestSerumCloseOrdersBeforePerp(t *testing.T) {
	e := testutil.NewEnv()
	installLiqor(e, 100000)

	oo := &state.OpenOrders{NativeCoinTotal: 10}
	ooAddr := testutil.Addr("oo-both")
	e.InstallOpenOrders(ooAddr, oo)

	liqee := testutil.Addr("victim-2")
	e.InstallMargin(liqee, &state.MarginAccount{
		TokenPositions: []state.TokenPosition{
			testutil.TokenPos(testutil.TokQuote, fixed.FromInt(-1000)),
			testutil.TokenPos(testutil.TokBase, fixed.FromInt(0)),
		},
		Serum3: []state.Serum3Orders{{
			MarketIndex:     0,
			OpenOrders:      ooAddr,
			BaseTokenIndex:  testutil.TokBase,
			QuoteTokenIndex: testutil.TokQuote,
		}},
		PerpPositions: []state.PerpPosition{{
			MarketIndex:  0,
			BidsBaseLots: 3,
		}},
	})

	sub := &fakeSubmitter{}
	eng := newEngine(e, sub)
	if _, err := eng.MaybeLiquidate(context.Background(), liqee); err != nil {
		t.Fatalf("maybe liquidate: %v", err)
	}
	ops := sub.ops()
	if len(ops) != 1 || ops[0] != tx.OpSerum3LiqForceCancelOrders {
		t.Fatalf("sent ops = %v, want serum force cancel first", ops)
	}
}

// Perp base liquidation sizing: the issued base transfer must match the
// what-if computation on the liqor's health cache.
func TestPerpBaseLiquidationSizing(t *testing.T) {
	e := testutil.NewEnv()
	// small liqor so its capacity, not the liqee position, is the bound
	installLiqor(e, 100)

	liqee := testutil.Addr("victim-3")
	e.InstallMargin(liqee, &state.MarginAccount{
		TokenPositions: []state.TokenPosition{
			testutil.TokenPos(testutil.TokQuote, fixed.FromInt(0)),
		},
		PerpPositions: []state.PerpPosition{{
			MarketIndex: 0,
			BaseLots:    20,
			QuoteNative: fixed.FromInt(-2000),
		}},
	})

	sub := &fakeSubmitter{}
	eng := newEngine(e, sub)
	acted, err := eng.MaybeLiquidate(context.Background(), liqee)
	if err != nil {
		t.Fatalf("maybe liquidate: %v", err)
	}
	if !acted || len(sub.sent) != 1 {
		t.Fatalf("expected exactly one tx, got %d", len(sub.sent))
	}
	data := sub.sent[0].Data
	if data[0] != tx.OpPerpLiqBaseOrPositivePnl {
		t.Fatalf("op = %#x, want perp base liquidation", data[0])
	}
	market := binary.LittleEndian.Uint16(data[1:3])
	baseTransfer := int64(binary.LittleEndian.Uint64(data[3:11]))
	pnlTransfer := binary.LittleEndian.Uint64(data[11:19])
	if market != 0 {
		t.Errorf("market = %d", market)
	}

	// recompute the expectation through the same what-if path
	liqor, err := e.Fetcher.FetchMarginAccount(testutil.Addr("liqor"))
	if err != nil {
		t.Fatal(err)
	}
	liqor.EnsurePerpPosition(0)
	liqor.EnsureTokenPosition(state.QuoteTokenIndex)
	cache, err := health.NewCache(e.Ctx, e.Fetcher, liqor)
	if err != nil {
		t.Fatal(err)
	}
	maxBorrow, err := cache.MaxBorrowForHealthRatio(state.QuoteTokenIndex, fixed.FromInt(50))
	if err != nil {
		t.Fatal(err)
	}
	allowed := fixed.FromFloat(0.25).Mul(maxBorrow)
	wantPnl, _ := allowed.Div(fixed.FromFloat(0.2)).Floor().Uint64()
	if pnlTransfer != wantPnl {
		t.Errorf("pnl transfer = %d, want %d", pnlTransfer, wantPnl)
	}
	if err := cache.AdjustTokenBalance(state.QuoteTokenIndex, allowed.Neg()); err != nil {
		t.Fatal(err)
	}
	wantBase, err := cache.MaxPerpForHealthRatio(0, fixed.One(), health.Bid, fixed.FromInt(50))
	if err != nil {
		t.Fatal(err)
	}
	if baseTransfer != wantBase {
		t.Errorf("base transfer = %d, want %d", baseTransfer, wantBase)
	}
	if baseTransfer <= 0 {
		t.Errorf("long liqee must be taken over on the bid side, got %d", baseTransfer)
	}
}

// Token-for-token liquidation picks the best asset and worst liab.
func TestTokenLiqSelection(t *testing.T) {
	e := testutil.NewEnv()
	installLiqor(e, 100000)
	e.SetOraclePrice(testutil.TokBase, fixed.FromInt(2))

	liqee := testutil.Addr("victim-4")
	e.InstallMargin(liqee, &state.MarginAccount{
		TokenPositions: []state.TokenPosition{
			testutil.TokenPos(testutil.TokQuote, fixed.FromInt(1000)),
			testutil.TokenPos(testutil.TokBase, fixed.FromInt(-500)),
		},
	})

	sub := &fakeSubmitter{}
	eng := newEngine(e, sub)
	if _, err := eng.MaybeLiquidate(context.Background(), liqee); err != nil {
		t.Fatalf("maybe liquidate: %v", err)
	}
	if len(sub.sent) != 1 {
		t.Fatalf("expected one tx, got %d", len(sub.sent))
	}
	data := sub.sent[0].Data
	if data[0] != tx.OpTokenLiqWithToken {
		t.Fatalf("op = %#x, want token liq with token", data[0])
	}
	asset := binary.LittleEndian.Uint16(data[1:3])
	liab := binary.LittleEndian.Uint16(data[3:5])
	if asset != uint16(testutil.TokQuote) || liab != uint16(testutil.TokBase) {
		t.Errorf("asset/liab = %d/%d, want %d/%d", asset, liab, testutil.TokQuote, testutil.TokBase)
	}
}

// A borrow-only account goes straight to bankruptcy.
func TestTokenBankruptcy(t *testing.T) {
	e := testutil.NewEnv()
	installLiqor(e, 100000)

	liqee := testutil.Addr("victim-5")
	e.InstallMargin(liqee, &state.MarginAccount{
		TokenPositions: []state.TokenPosition{
			testutil.TokenPos(testutil.TokBase, fixed.FromInt(-300)),
		},
	})

	sub := &fakeSubmitter{}
	eng := newEngine(e, sub)
	if _, err := eng.MaybeLiquidate(context.Background(), liqee); err != nil {
		t.Fatalf("maybe liquidate: %v", err)
	}
	ops := sub.ops()
	if len(ops) != 1 || ops[0] != tx.OpTokenLiqBankruptcy {
		t.Fatalf("sent ops = %v, want token bankruptcy", ops)
	}
}

// Negative perp pnl with nothing else left goes to the perp bankruptcy
// instruction with the maximum transfer.
func TestPerpNegativePnlBankruptcy(t *testing.T) {
	e := testutil.NewEnv()
	installLiqor(e, 100000)

	liqee := testutil.Addr("victim-6")
	e.InstallMargin(liqee, &state.MarginAccount{
		PerpPositions: []state.PerpPosition{{
			MarketIndex: 0,
			QuoteNative: fixed.FromInt(-5000),
		}},
	})

	sub := &fakeSubmitter{}
	eng := newEngine(e, sub)
	if _, err := eng.MaybeLiquidate(context.Background(), liqee); err != nil {
		t.Fatalf("maybe liquidate: %v", err)
	}
	if len(sub.sent) != 1 {
		t.Fatalf("expected one tx, got %d", len(sub.sent))
	}
	data := sub.sent[0].Data
	if data[0] != tx.OpPerpLiqNegativePnlOrBankruptcy {
		t.Fatalf("op = %#x, want perp bankruptcy", data[0])
	}
	max := binary.LittleEndian.Uint64(data[3:11])
	if max != ^uint64(0) {
		t.Errorf("max transfer = %d, want u64 max", max)
	}
}

// Healthy accounts produce no transaction.
func TestHealthyAccountIgnored(t *testing.T) {
	e := testutil.NewEnv()
	installLiqor(e, 100000)

	liqee := testutil.Addr("healthy")
	e.InstallMargin(liqee, &state.MarginAccount{
		TokenPositions: []state.TokenPosition{
			testutil.TokenPos(testutil.TokQuote, fixed.FromInt(1000)),
		},
	})

	sub := &fakeSubmitter{}
	eng := newEngine(e, sub)
	acted, err := eng.MaybeLiquidate(context.Background(), liqee)
	if err != nil {
		t.Fatalf("maybe liquidate: %v", err)
	}
	if acted || len(sub.sent) != 0 {
		t.Error("healthy account must not be acted on")
	}
}
