package liquidate

import (
	"context"
	"math/rand/v2"

	"go.uber.org/zap"

	"github.com/helioslabs/solvent/pkg/chain"
)

// TcsExecutor is the conditional-swap engine run for candidates that are
// not liquidatable.
type TcsExecutor interface {
	MaybeExecute(ctx context.Context, pubkey chain.Address) (bool, error)
}

// Rebalancer flattens the agent's own residual positions.
type Rebalancer interface {
	ZeroAllNonQuote(ctx context.Context) error
}

// Runner drives the per-signal pass over candidate accounts: shuffle, try
// each until one account is acted on, then rebalance once.
type Runner struct {
	Engine     *Engine
	Tcs        TcsExecutor
	Rebalancer Rebalancer
	Tracker    *ErrorTracker
	Log        *zap.SugaredLogger

	// ShuffleFn is overridable for deterministic tests
	ShuffleFn func([]chain.Address)

	// optional metric hooks
	OnLiquidation func()
	OnTcsTrigger  func()
}

func (r *Runner) shuffle(accounts []chain.Address) {
	if r.ShuffleFn != nil {
		r.ShuffleFn(accounts)
		return
	}
	rand.Shuffle(len(accounts), func(i, j int) {
		accounts[i], accounts[j] = accounts[j], accounts[i]
	})
}

// MaybeLiquidateOneAndRebalance processes one batch of candidates.
func (r *Runner) MaybeLiquidateOneAndRebalance(ctx context.Context, accounts []chain.Address) {
	shuffled := append([]chain.Address(nil), accounts...)
	r.shuffle(shuffled)

	actedOn := false
	for _, pubkey := range shuffled {
		if r.tryAccount(ctx, pubkey) {
			actedOn = true
			break
		}
		if ctx.Err() != nil {
			return
		}
	}
	if !actedOn {
		return
	}
	if err := r.Rebalancer.ZeroAllNonQuote(ctx); err != nil {
		r.Log.Errorw("failed to rebalance liqor", "err", err)
	}
}

// tryAccount runs liquidation (or the TCS engine when healthy) for one
// pubkey with error tracking. No single account's error stalls the pass.
func (r *Runner) tryAccount(ctx context.Context, pubkey chain.Address) bool {
	if r.Tracker.ShouldSkip(pubkey) {
		r.Log.Debugw("skipping account with recent errors",
			"account", pubkey.Short(), "errors", r.Tracker.Count(pubkey))
		return false
	}

	acted, err := r.Engine.MaybeLiquidate(ctx, pubkey)
	if err == nil && acted && r.OnLiquidation != nil {
		r.OnLiquidation()
	}
	if err == nil && !acted && r.Tcs != nil {
		acted, err = r.Tcs.MaybeExecute(ctx, pubkey)
		if err == nil && acted && r.OnTcsTrigger != nil {
			r.OnTcsTrigger()
		}
	}

	if err != nil {
		switch Classify(err) {
		case KindLiqeePrecondFailed:
			// expected race with other agents or chain forks; not counted
			// against the account
			r.Log.Debugw("liquidation precondition gone", "account", pubkey.Short(), "err", err)
			return false
		case KindFatal:
			r.Log.Errorw("fatal decision error", "account", pubkey.Short(), "err", err)
		default:
			r.Log.Warnw("error processing account", "account", pubkey.Short(), "err", err)
		}
		r.Tracker.RecordFailure(pubkey)
		return false
	}
	r.Tracker.RecordSuccess(pubkey)
	return acted
}
