package tcs_test

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/helioslabs/solvent/pkg/fixed"
	"github.com/helioslabs/solvent/pkg/state"
	"github.com/helioslabs/solvent/pkg/swap"
	"github.com/helioslabs/solvent/pkg/tcs"
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

func newExecutor(e *testutil.Env, sub *fakeSubmitter, clock util.Clock) *tcs.Executor {
	builder := &tx.Builder{
		Ctx:          e.Ctx,
		LiqorAccount: testutil.Addr("liqor"),
		LiqorOwner:   testutil.Addr("liqor-owner"),
	}
	cfg := tcs.DefaultConfig()
	cfg.RefreshTimeout = 50 * time.Millisecond
	return &tcs.Executor{
		Ctx:       e.Ctx,
		Fetcher:   e.Fetcher,
		Builder:   builder,
		Submitter: sub,
		Router:    &swap.MockRouter{Ctx: e.Ctx, Fetcher: e.Fetcher},
		Clock:     clock,
		Cfg:       cfg,
		Log:       zap.NewNop().Sugar(),
		PickFn:    func(int) int { return 0 },
	}
}

func TestFixedPremiumTrigger(t *testing.T) {
	e := testutil.NewEnv()
	e.SetOraclePrice(testutil.TokBase, fixed.FromInt(2))

	e.InstallMargin(testutil.Addr("liqor"), &state.MarginAccount{
		TokenPositions: []state.TokenPosition{
			testutil.TokenPos(testutil.TokQuote, fixed.FromInt(1_000_000)),
		},
	})

	liqee := testutil.Addr("tcs-user")
	e.InstallMargin(liqee, &state.MarginAccount{
		TokenPositions: []state.TokenPosition{
			testutil.TokenPos(testutil.TokQuote, fixed.FromInt(1000)),
			testutil.TokenPos(testutil.TokBase, fixed.FromInt(0)),
		},
		Tcs: []state.TcsEntry{state.NewTcsEntry(state.TcsEntry{
			ID:                    7,
			BuyTokenIndex:         testutil.TokBase,
			SellTokenIndex:        testutil.TokQuote,
			MaxBuy:                100,
			MaxSell:               1000,
			PriceLower:            1.0,
			PriceUpper:            10.0,
			PricePremiumRate:      0.1,
			AllowCreatingDeposits: true,
			AllowCreatingBorrows:  true,
			Type:                  state.TcsFixedPremium,
		})},
	})

	sub := &fakeSubmitter{}
	exec := newExecutor(e, sub, util.NewFakeClock(time.Unix(1000, 0)))
	acted, err := exec.MaybeExecute(context.Background(), liqee)
	if err != nil {
		t.Fatalf("maybe execute: %v", err)
	}
	if !acted || len(sub.sent) != 1 {
		t.Fatalf("expected one trigger tx, got %d (acted=%v)", len(sub.sent), acted)
	}
	data := sub.sent[0].Data
	if data[0] != tx.OpTcsTrigger {
		t.Fatalf("op = %#x, want tcs trigger", data[0])
	}
	id := binary.LittleEndian.Uint64(data[9:17])
	maxBuy := binary.LittleEndian.Uint64(data[17:25])
	maxSell := binary.LittleEndian.Uint64(data[25:33])
	if id != 7 {
		t.Errorf("tcs id = %d, want 7", id)
	}
	// the liqee's remaining buy volume binds the buy side
	if maxBuy != 100 {
		t.Errorf("max buy = %d, want 100", maxBuy)
	}
	// the sell side is bounded by the liqee's sellable balance
	if maxSell == 0 || maxSell > 1000 {
		t.Errorf("max sell = %d, want within (0, 1000]", maxSell)
	}
}

func TestPremiumAuctionStart(t *testing.T) {
	e := testutil.NewEnv()
	e.SetOraclePrice(testutil.TokBase, fixed.FromInt(2))

	e.InstallMargin(testutil.Addr("liqor"), &state.MarginAccount{
		TokenPositions: []state.TokenPosition{
			testutil.TokenPos(testutil.TokQuote, fixed.FromInt(1_000_000)),
		},
	})

	liqee := testutil.Addr("tcs-auction")
	e.InstallMargin(liqee, &state.MarginAccount{
		TokenPositions: []state.TokenPosition{
			testutil.TokenPos(testutil.TokQuote, fixed.FromInt(1000)),
			testutil.TokenPos(testutil.TokBase, fixed.FromInt(0)),
		},
		Tcs: []state.TcsEntry{state.NewTcsEntry(state.TcsEntry{
			ID:               9,
			BuyTokenIndex:    testutil.TokBase,
			SellTokenIndex:   testutil.TokQuote,
			MaxBuy:           100,
			MaxSell:          1000,
			PriceLower:       1.0,
			PriceUpper:       10.0,
			PricePremiumRate: 0.2,
			Type:             state.TcsPremiumAuction,
			StartTimestamp:   1000,
			DurationSeconds:  100,
			ExpiryTimestamp:  5000,
		})},
	})

	sub := &fakeSubmitter{}
	exec := newExecutor(e, sub, util.NewFakeClock(time.Unix(1000, 0)))
	acted, err := exec.MaybeExecute(context.Background(), liqee)
	if err != nil {
		t.Fatalf("maybe execute: %v", err)
	}
	if !acted || len(sub.sent) != 1 {
		t.Fatalf("expected one start tx, got %d", len(sub.sent))
	}
	if sub.sent[0].Data[0] != tx.OpTcsStart {
		t.Fatalf("op = %#x, want tcs start", sub.sent[0].Data[0])
	}
}

func TestBelowMinimumPremiumSkipped(t *testing.T) {
	e := testutil.NewEnv()
	e.SetOraclePrice(testutil.TokBase, fixed.FromInt(2))
	e.InstallMargin(testutil.Addr("liqor"), &state.MarginAccount{
		TokenPositions: []state.TokenPosition{
			testutil.TokenPos(testutil.TokQuote, fixed.FromInt(1_000_000)),
		},
	})

	liqee := testutil.Addr("tcs-small")
	e.InstallMargin(liqee, &state.MarginAccount{
		TokenPositions: []state.TokenPosition{
			testutil.TokenPos(testutil.TokQuote, fixed.FromInt(1000)),
			testutil.TokenPos(testutil.TokBase, fixed.FromInt(0)),
		},
		Tcs: []state.TcsEntry{state.NewTcsEntry(state.TcsEntry{
			ID:                    3,
			BuyTokenIndex:         testutil.TokBase,
			SellTokenIndex:        testutil.TokQuote,
			MaxBuy:                100,
			MaxSell:               1000,
			PriceLower:            1.0,
			PriceUpper:            10.0,
			PricePremiumRate:      0.005, // 50 bps, below the 100 bps floor
			AllowCreatingDeposits: true,
			AllowCreatingBorrows:  true,
			Type:                  state.TcsFixedPremium,
		})},
	})

	sub := &fakeSubmitter{}
	exec := newExecutor(e, sub, util.NewFakeClock(time.Unix(1000, 0)))
	acted, err := exec.MaybeExecute(context.Background(), liqee)
	if err != nil {
		t.Fatalf("maybe execute: %v", err)
	}
	if acted || len(sub.sent) != 0 {
		t.Error("tiny premiums must not be executed")
	}
}
