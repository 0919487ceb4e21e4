package liquidate_test

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/helioslabs/solvent/pkg/chain"
	"github.com/helioslabs/solvent/pkg/fixed"
	"github.com/helioslabs/solvent/pkg/liquidate"
	"github.com/helioslabs/solvent/pkg/state"
	"github.com/helioslabs/solvent/pkg/testutil"
)

type fakeRebalancer struct{ calls int }

func (f *fakeRebalancer) ZeroAllNonQuote(context.Context) error {
	f.calls++
	return nil
}

// The runner stops at the first successful transaction and rebalances
// exactly once.
func TestRunnerStopsAfterFirstLiquidation(t *testing.T) {
	e := testutil.NewEnv()
	installLiqor(e, 100000)

	mk := func(name string) chain.Address {
		addr := testutil.Addr(name)
		e.InstallMargin(addr, &state.MarginAccount{
			TokenPositions: []state.TokenPosition{
				testutil.TokenPos(testutil.TokQuote, fixed.FromInt(1000)),
				testutil.TokenPos(testutil.TokBase, fixed.FromInt(-500)),
			},
		})
		return addr
	}
	e.SetOraclePrice(testutil.TokBase, fixed.FromInt(2))
	a := mk("runner-a")
	b := mk("runner-b")

	sub := &fakeSubmitter{}
	reb := &fakeRebalancer{}
	runner := &liquidate.Runner{
		Engine:     newEngine(e, sub),
		Rebalancer: reb,
		Tracker:    liquidate.NewErrorTracker(),
		Log:        zap.NewNop().Sugar(),
		ShuffleFn:  func([]chain.Address) {},
	}

	runner.MaybeLiquidateOneAndRebalance(context.Background(), []chain.Address{a, b})

	if len(sub.sent) != 1 {
		t.Fatalf("txs = %d, want 1 (stop after first)", len(sub.sent))
	}
	if reb.calls != 1 {
		t.Errorf("rebalance calls = %d, want 1", reb.calls)
	}
}

// Accounts over the error threshold are skipped until the window passes.
func TestRunnerSkipsErroringAccount(t *testing.T) {
	e := testutil.NewEnv()
	installLiqor(e, 100000)
	e.SetOraclePrice(testutil.TokBase, fixed.FromInt(2))

	addr := testutil.Addr("runner-err")
	e.InstallMargin(addr, &state.MarginAccount{
		TokenPositions: []state.TokenPosition{
			testutil.TokenPos(testutil.TokQuote, fixed.FromInt(1000)),
			testutil.TokenPos(testutil.TokBase, fixed.FromInt(-500)),
		},
	})

	sub := &fakeSubmitter{}
	reb := &fakeRebalancer{}
	tracker := liquidate.NewErrorTracker()
	for i := 0; i < 5; i++ {
		tracker.RecordFailure(addr)
	}
	runner := &liquidate.Runner{
		Engine:     newEngine(e, sub),
		Rebalancer: reb,
		Tracker:    tracker,
		Log:        zap.NewNop().Sugar(),
		ShuffleFn:  func([]chain.Address) {},
	}

	runner.MaybeLiquidateOneAndRebalance(context.Background(), []chain.Address{addr})
	if len(sub.sent) != 0 || reb.calls != 0 {
		t.Error("erroring account must be skipped entirely")
	}
}
