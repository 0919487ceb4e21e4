package rebalance_test

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/helioslabs/solvent/pkg/chain"
	"github.com/helioslabs/solvent/pkg/fixed"
	"github.com/helioslabs/solvent/pkg/rebalance"
	"github.com/helioslabs/solvent/pkg/state"
	"github.com/helioslabs/solvent/pkg/swap"
	"github.com/helioslabs/solvent/pkg/testutil"
	"github.com/helioslabs/solvent/pkg/tx"
	"github.com/helioslabs/solvent/pkg/util"
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

func newRebalancer(e *testutil.Env, sub *fakeSubmitter, router swap.Router) *rebalance.Rebalancer {
	builder := &tx.Builder{
		Ctx:          e.Ctx,
		LiqorAccount: testutil.Addr("liqor"),
		LiqorOwner:   testutil.Addr("liqor-owner"),
	}
	cfg := rebalance.DefaultConfig()
	cfg.RefreshTimeout = 50 * time.Millisecond
	return &rebalance.Rebalancer{
		Ctx:       e.Ctx,
		Fetcher:   e.Fetcher,
		Builder:   builder,
		Submitter: sub,
		Router:    router,
		Clock:     util.RealClock{},
		Cfg:       cfg,
		Log:       zap.NewNop().Sugar(),
	}
}

// A balance inside the dust threshold is withdrawn, not swapped.
func TestDustWithdraw(t *testing.T) {
	e := testutil.NewEnv()
	// dust threshold = 2/price = 3 natives
	e.SetOraclePrice(testutil.TokBase, fixed.FromFloat(2.0/3.0))

	e.InstallMargin(testutil.Addr("liqor"), &state.MarginAccount{
		TokenPositions: []state.TokenPosition{
			testutil.TokenPos(testutil.TokQuote, fixed.FromInt(1000)),
			testutil.TokenPos(testutil.TokBase, fixed.FromInt(1)),
		},
	})

	sub := &fakeSubmitter{}
	router := &swap.MockRouter{Ctx: e.Ctx, Fetcher: e.Fetcher}
	r := newRebalancer(e, sub, router)

	if err := r.ZeroAllNonQuote(context.Background()); err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	if router.SwapCount() != 0 {
		t.Errorf("swaps = %d, want none for dust", router.SwapCount())
	}
	if len(sub.sent) != 1 || sub.sent[0].Data[0] != tx.OpTokenWithdraw {
		t.Fatalf("expected exactly one withdraw, got %d txs", len(sub.sent))
	}
	data := sub.sent[0].Data
	amount := binary.LittleEndian.Uint64(data[3:11])
	allowBorrow := data[11]
	if amount != 1 || allowBorrow != 0 {
		t.Errorf("withdraw(%d, allow_borrow=%d), want (1, 0)", amount, allowBorrow)
	}
}

// A borrow is bought back via the router (with excess) and the leftover
// dust withdrawn.
func TestBorrowBuyback(t *testing.T) {
	e := testutil.NewEnv()
	e.SetOraclePrice(testutil.TokBase, fixed.FromInt(2))

	liqor := testutil.Addr("liqor")
	e.InstallMargin(liqor, &state.MarginAccount{
		TokenPositions: []state.TokenPosition{
			testutil.TokenPos(testutil.TokQuote, fixed.FromInt(10000)),
			testutil.TokenPos(testutil.TokBase, fixed.FromInt(-50)),
		},
	})

	sub := &fakeSubmitter{}
	router := &swap.MockRouter{Ctx: e.Ctx, Fetcher: e.Fetcher}
	// applying the swap: the buy leaves a small positive remainder
	router.OnSwap = func(route swap.QueryRoute) {
		acct, err := e.Fetcher.FetchMarginAccount(liqor)
		if err != nil {
			t.Fatal(err)
		}
		pos := acct.TokenPosition(testutil.TokBase)
		pos.IndexedNative = fixed.FromInt(1) // 1 native left after repaying the 50 owed
		e.InstallMargin(liqor, acct)
	}
	r := newRebalancer(e, sub, router)

	if err := r.ZeroAllNonQuote(context.Background()); err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	if router.SwapCount() != 1 {
		t.Fatalf("swaps = %d, want 1 buy", router.SwapCount())
	}
	// the remainder of 1 native (dust threshold 1 at price 2) is withdrawn
	if len(sub.sent) != 1 || sub.sent[0].Data[0] != tx.OpTokenWithdraw {
		t.Fatalf("expected the dust withdraw after the buy, got %d txs", len(sub.sent))
	}
}

// A large positive balance is sold via ExactIn.
func TestSellLargeBalance(t *testing.T) {
	e := testutil.NewEnv()
	e.SetOraclePrice(testutil.TokBase, fixed.FromInt(2))

	liqor := testutil.Addr("liqor")
	e.InstallMargin(liqor, &state.MarginAccount{
		TokenPositions: []state.TokenPosition{
			testutil.TokenPos(testutil.TokQuote, fixed.FromInt(0)),
			testutil.TokenPos(testutil.TokBase, fixed.FromInt(500)),
		},
	})

	sub := &fakeSubmitter{}
	router := &swap.MockRouter{Ctx: e.Ctx, Fetcher: e.Fetcher}
	router.OnSwap = func(route swap.QueryRoute) {
		acct, err := e.Fetcher.FetchMarginAccount(liqor)
		if err != nil {
			t.Fatal(err)
		}
		pos := acct.TokenPosition(testutil.TokBase)
		pos.IndexedNative = fixed.Zero()
		e.InstallMargin(liqor, acct)
	}
	r := newRebalancer(e, sub, router)

	if err := r.ZeroAllNonQuote(context.Background()); err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	if router.SwapCount() != 1 {
		t.Errorf("swaps = %d, want 1 sell", router.SwapCount())
	}
	if len(sub.sent) != 0 {
		t.Errorf("expected no withdraw after full sell, got %d txs", len(sub.sent))
	}
}

// A flat perp position with zero pnl is deactivated.
func TestPerpDeactivate(t *testing.T) {
	e := testutil.NewEnv()
	e.InstallMargin(testutil.Addr("liqor"), &state.MarginAccount{
		TokenPositions: []state.TokenPosition{
			testutil.TokenPos(testutil.TokQuote, fixed.FromInt(1000)),
		},
		PerpPositions: []state.PerpPosition{{MarketIndex: 0}},
	})

	sub := &fakeSubmitter{}
	r := newRebalancer(e, sub, &swap.MockRouter{Ctx: e.Ctx, Fetcher: e.Fetcher})
	if err := r.ZeroAllNonQuote(context.Background()); err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	if len(sub.sent) != 1 || sub.sent[0].Data[0] != tx.OpPerpDeactivatePosition {
		t.Fatalf("expected a deactivate, got %d txs", len(sub.sent))
	}
}

// Reducing a long: an IOC sell goes out only when the opposing bids have
// matchable quantity at the discounted price.
func TestPerpReduceOnlyNeedsLiquidity(t *testing.T) {
	e := testutil.NewEnv()
	liqor := testutil.Addr("liqor")
	install := func() {
		e.InstallMargin(liqor, &state.MarginAccount{
			TokenPositions: []state.TokenPosition{
				testutil.TokenPos(testutil.TokQuote, fixed.FromInt(100000)),
			},
			PerpPositions: []state.PerpPosition{{
				MarketIndex: 0,
				BaseLots:    5,
				QuoteNative: fixed.FromInt(-500),
			}},
		})
	}
	install()

	sub := &fakeSubmitter{}
	r := newRebalancer(e, sub, &swap.MockRouter{Ctx: e.Ctx, Fetcher: e.Fetcher})

	// empty book: no order is sent
	if err := r.ZeroAllNonQuote(context.Background()); err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	if len(sub.sent) != 0 {
		t.Fatalf("expected no order against an empty book, got %d", len(sub.sent))
	}

	// seed bids at the oracle price and retry
	e.Install(testutil.Addr("perp0-bids"), e.Program, (&state.BookSide{
		IsBids: true,
		Orders: []state.BookOrder{{OrderID: 1, Owner: testutil.Addr("mm"), PriceLots: 100, Quantity: 50}},
	}).Encode())
	install()
	if err := r.ZeroAllNonQuote(context.Background()); err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	if len(sub.sent) != 1 || sub.sent[0].Data[0] != tx.OpPerpPlaceOrder {
		t.Fatalf("expected one reduce-only order, got %d txs", len(sub.sent))
	}
	data := sub.sent[0].Data
	side := data[3]
	if side != 1 {
		t.Errorf("side = %d, want ask to reduce a long", side)
	}
	maxBase := int64(binary.LittleEndian.Uint64(data[12:20]))
	if maxBase != 5 {
		t.Errorf("max base lots = %d, want 5", maxBase)
	}
}

// Settling pnl picks the best opposite-sign counterparty; none available
// is not an error.
func TestSettlePnl(t *testing.T) {
	e := testutil.NewEnv()
	liqor := testutil.Addr("liqor")
	e.InstallMargin(liqor, &state.MarginAccount{
		TokenPositions: []state.TokenPosition{
			testutil.TokenPos(testutil.TokQuote, fixed.FromInt(1000)),
		},
		PerpPositions: []state.PerpPosition{{
			MarketIndex: 0,
			QuoteNative: fixed.FromInt(700), // positive: needs a negative counterparty
		}},
	})

	sub := &fakeSubmitter{}
	r := newRebalancer(e, sub, &swap.MockRouter{Ctx: e.Ctx, Fetcher: e.Fetcher})
	counter := testutil.Addr("counter")
	accounts := []chain.Address{}
	r.KnownAccounts = func() []chain.Address { return accounts }

	// no counterparty: logged and skipped
	if err := r.ZeroAllNonQuote(context.Background()); err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	if len(sub.sent) != 0 {
		t.Fatalf("expected no settle without counterparty, got %d", len(sub.sent))
	}

	e.InstallMargin(counter, &state.MarginAccount{
		PerpPositions: []state.PerpPosition{{
			MarketIndex: 0,
			QuoteNative: fixed.FromInt(-900),
		}},
	})
	accounts = append(accounts, counter)
	if err := r.ZeroAllNonQuote(context.Background()); err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	if len(sub.sent) != 1 || sub.sent[0].Data[0] != tx.OpPerpSettlePnl {
		t.Fatalf("expected one settle, got %d txs", len(sub.sent))
	}
}
