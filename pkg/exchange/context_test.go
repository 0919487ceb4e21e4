package exchange_test

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/helioslabs/solvent/pkg/exchange"
	"github.com/helioslabs/solvent/pkg/fixed"
	"github.com/helioslabs/solvent/pkg/state"
	"github.com/helioslabs/solvent/pkg/testutil"
)

func TestLoadContextRegistry(t *testing.T) {
	e := testutil.NewEnv()

	if len(e.Ctx.Tokens) != 2 {
		t.Fatalf("tokens = %d, want 2", len(e.Ctx.Tokens))
	}
	tc, err := e.Ctx.Token(testutil.TokBase)
	if err != nil {
		t.Fatal(err)
	}
	byMint, err := e.Ctx.TokenByMint(tc.Mint)
	if err != nil || byMint.TokenIndex != testutil.TokBase {
		t.Errorf("mint lookup broken: %v", err)
	}
	if _, err := e.Ctx.Perp(0); err != nil {
		t.Errorf("perp lookup: %v", err)
	}
	if _, err := e.Ctx.Serum(0); err != nil {
		t.Errorf("serum lookup: %v", err)
	}
	// oracle set: two token oracles plus the perp oracle
	if got := len(e.Ctx.OracleSet()); got != 3 {
		t.Errorf("oracle set size = %d, want 3", got)
	}
}

// A market whose weights break the scenario-invariance property must stop
// the agent at startup.
func TestLoadContextRejectsBadWeights(t *testing.T) {
	e := testutil.NewEnv()

	one := fixed.One()
	bad := &state.Bank{
		Group:            e.Group,
		TokenIndex:       9,
		Mint:             testutil.Addr("bad-mint"),
		Oracle:           testutil.Addr("bad-oracle"),
		DepositIndex:     one,
		BorrowIndex:      one,
		InitAssetWeight:  fixed.FromFloat(0.8),
		InitLiabWeight:   fixed.FromFloat(1.2),
		MaintAssetWeight: fixed.FromFloat(0.9),
		// property (P) needs 1.1 here
		MaintLiabWeight: fixed.FromFloat(1.3),
	}
	e.Install(testutil.Addr("bad-bank"), e.Program, bad.Encode())

	_, err := exchange.LoadContext(context.Background(), e.Rpc, e.Program, e.Group, zap.NewNop().Sugar())
	if err == nil {
		t.Fatal("expected weight property violation to fail context load")
	}
}

func TestFetcherFreshInstallsIntoMirror(t *testing.T) {
	e := testutil.NewEnv()
	addr := testutil.Addr("some-margin")
	e.InstallMargin(addr, &state.MarginAccount{})

	rec, err := e.Fetcher.FetchFresh(context.Background(), addr)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Stamp.WriteVersion != ^uint64(0) {
		t.Errorf("fresh fetch must carry the max write version, got %d", rec.Stamp.WriteVersion)
	}
	if e.Mirror.Read(addr) == nil {
		t.Error("fresh fetch must install into the mirror")
	}
}
