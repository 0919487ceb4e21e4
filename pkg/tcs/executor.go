package tcs

import (
	"context"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/helioslabs/solvent/pkg/chain"
	"github.com/helioslabs/solvent/pkg/exchange"
	"github.com/helioslabs/solvent/pkg/fixed"
	"github.com/helioslabs/solvent/pkg/health"
	"github.com/helioslabs/solvent/pkg/state"
	"github.com/helioslabs/solvent/pkg/swap"
	"github.com/helioslabs/solvent/pkg/tx"
	"github.com/helioslabs/solvent/pkg/util"
)

// TxSubmitter sends one built instruction.
type TxSubmitter interface {
	Send(ctx context.Context, ix tx.Instruction) (string, error)
}

type Config struct {
	// liqor init health ratio floor for taking on the buy leg, percent
	MinHealthRatio fixed.Num
	// minimum incentive; triggers below this are not worth priority fees
	MinPremiumBps int64
	// cap per trigger, in quote native units
	MaxTakeQuote fixed.Num
	// the liqee-side sizing target relates to the program's closure bound
	LiqeeCloseRatio fixed.Num
	RefreshTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinHealthRatio:  fixed.FromInt(50),
		MinPremiumBps:   100,
		MaxTakeQuote:    fixed.FromInt(1_000_000_000),
		LiqeeCloseRatio: fixed.FromFloat(0.5),
		RefreshTimeout:  30 * time.Second,
	}
}

// Executor finds and triggers executable conditional swaps.
type Executor struct {
	Ctx       *exchange.Context
	Fetcher   *exchange.AccountFetcher
	Builder   *tx.Builder
	Submitter TxSubmitter
	Router    swap.Router
	Clock     util.Clock
	Cfg       Config
	Log       *zap.SugaredLogger

	// PickFn chooses the shuffle order start; overridable in tests
	PickFn func(n int) int
}

func (e *Executor) pick(n int) int {
	if e.PickFn != nil {
		return e.PickFn(n)
	}
	return rand.IntN(n)
}

type pricedEntry struct {
	entry        *state.TcsEntry
	index        int
	basePrice    fixed.Num
	premiumPrice float64
	makerPrice   float64
	takerPrice   float64
	startable    bool
}

// price evaluates an entry against the oracles; executable==false when any
// gate fails.
func (e *Executor) price(entry *state.TcsEntry, index int) (pricedEntry, bool, error) {
	buyPrice, err := e.Fetcher.TokenOraclePrice(e.Ctx, entry.BuyTokenIndex)
	if err != nil {
		return pricedEntry{}, false, err
	}
	sellPrice, err := e.Fetcher.TokenOraclePrice(e.Ctx, entry.SellTokenIndex)
	if err != nil {
		return pricedEntry{}, false, err
	}
	base := buyPrice.Div(sellPrice)
	baseF := base.Float64()

	pe := pricedEntry{entry: entry, index: index, basePrice: base}

	if entry.Type == state.TcsPremiumAuction && !entry.Started {
		// not triggerable yet, but maybe startable for the incentive
		pe.startable = CanStart(entry, baseF) == nil
		return pe, pe.startable, nil
	}

	premium, err := PremiumPrice(entry, baseF, e.Clock.Now())
	if err != nil {
		// before start or past expiry
		return pe, false, nil
	}
	pe.premiumPrice = premium
	pe.makerPrice = MakerPrice(entry, premium)
	pe.takerPrice = TakerPrice(entry, premium)

	if !PriceThresholdReached(entry, baseF) {
		return pe, false, nil
	}
	if entry.PriceLimit > 0 && pe.makerPrice > entry.PriceLimit {
		return pe, false, nil
	}
	bps, err := PricePremiumBps(entry, baseF, e.Clock.Now())
	if err != nil || bps < e.Cfg.MinPremiumBps {
		return pe, false, nil
	}
	return pe, true, nil
}

// MaybeExecute scans the account's conditional swaps in random order and
// triggers (or starts) the first executable one. Returns whether a
// transaction was sent.
func (e *Executor) MaybeExecute(ctx context.Context, pubkey chain.Address) (bool, error) {
	liqee, err := e.Fetcher.FetchMarginAccount(pubkey)
	if err != nil {
		return false, err
	}
	entries := liqee.ActiveTcs()
	if len(entries) == 0 {
		return false, nil
	}

	// random rotation evens out contention between agents
	offset := e.pick(len(entries))
	var chosen *pricedEntry
	for i := range entries {
		idx := (offset + i) % len(entries)
		pe, ok, err := e.price(entries[idx], idx)
		if err != nil {
			return false, err
		}
		if ok {
			chosen = &pe
			break
		}
	}
	if chosen == nil {
		return false, nil
	}

	// liquidatable accounts belong to the liquidation pipeline
	hc, err := health.NewCache(e.Ctx, e.Fetcher, liqee)
	if err != nil {
		return false, err
	}
	if hc.IsLiquidatable() {
		return false, nil
	}

	// re-check against a fresh account
	liqee, err = e.Fetcher.FetchFreshMarginAccount(ctx, pubkey)
	if err != nil {
		return false, err
	}
	entry, err := liqee.TcsByID(chosen.entry.ID)
	if err != nil {
		return false, nil
	}
	tcsIndex := 0
	for i, t := range liqee.ActiveTcs() {
		if t.ID == entry.ID {
			tcsIndex = i
		}
	}
	pe, ok, err := e.price(entry, tcsIndex)
	if err != nil || !ok {
		return false, err
	}
	hc, err = health.NewCache(e.Ctx, e.Fetcher, liqee)
	if err != nil {
		return false, err
	}
	if hc.IsLiquidatable() {
		return false, nil
	}

	if pe.startable {
		return e.startAuction(ctx, pubkey, liqee, entry, tcsIndex)
	}
	return e.trigger(ctx, pubkey, liqee, hc, entry, tcsIndex, &pe)
}

// startAuction sends the explicit premium-auction start; the protocol pays
// the caller an incentive in the sell token.
func (e *Executor) startAuction(ctx context.Context, pubkey chain.Address, liqee *state.MarginAccount, entry *state.TcsEntry, tcsIndex int) (bool, error) {
	ix, err := e.Builder.TokenConditionalSwapStart(pubkey, liqee, tcsIndex, entry.ID)
	if err != nil {
		return false, err
	}
	sig, err := e.Submitter.Send(ctx, ix)
	if err != nil {
		return false, err
	}
	e.Log.Infow("started premium auction",
		"account", pubkey.Short(), "tcs_id", entry.ID, "sig", sig)
	e.refreshAfterTx(ctx, sig, pubkey)
	return true, nil
}

func (e *Executor) trigger(ctx context.Context, pubkey chain.Address, liqee *state.MarginAccount, liqeeCache *health.Cache, entry *state.TcsEntry, tcsIndex int, pe *pricedEntry) (bool, error) {
	buyPrice, err := e.Fetcher.TokenOraclePrice(e.Ctx, entry.BuyTokenIndex)
	if err != nil {
		return false, err
	}
	sellPrice, err := e.Fetcher.TokenOraclePrice(e.Ctx, entry.SellTokenIndex)
	if err != nil {
		return false, err
	}
	makerPrice := fixed.FromFloat(pe.makerPrice)
	takerPrice := fixed.FromFloat(pe.takerPrice)

	// liqee side: how much sell token can move out without wrecking it
	liqeeClone := liqeeCache.Clone()
	liqeeMax, err := liqeeClone.MaxSwapSourceForHealthRatio(
		entry.SellTokenIndex, entry.BuyTokenIndex,
		fixed.One().Div(makerPrice), e.Cfg.LiqeeCloseRatio)
	if err != nil {
		return false, err
	}
	maxSell64, _ := fixed.Min(liqeeMax, e.Cfg.MaxTakeQuote.Div(sellPrice)).Floor().Uint64()
	maxSell := min64(maxSell64, entry.RemainingSell())

	// liqor side: how much buy token we can hand over
	liqor, err := e.Fetcher.FetchFreshMarginAccount(ctx, e.Builder.LiqorAccount)
	if err != nil {
		return false, err
	}
	liqor.EnsureTokenPosition(entry.BuyTokenIndex)
	liqor.EnsureTokenPosition(entry.SellTokenIndex)
	liqorCache, err := health.NewCache(e.Ctx, e.Fetcher, liqor)
	if err != nil {
		return false, err
	}
	liqorMax, err := liqorCache.MaxSwapSourceForHealthRatio(
		entry.BuyTokenIndex, entry.SellTokenIndex,
		takerPrice, e.Cfg.MinHealthRatio)
	if err != nil {
		return false, err
	}
	maxBuy64, _ := fixed.Min(liqorMax, e.Cfg.MaxTakeQuote.Div(buyPrice)).Floor().Uint64()
	maxBuy := min64(maxBuy64, entry.RemainingBuy())

	// balance the two sides at the maker price, honoring the entry's
	// deposit/borrow creation flags against the liqee's current balances
	maxBuy, maxSell = TradeAmount(entry, makerPrice, maxBuy, maxSell,
		balanceOrZero(liqeeCache, entry.BuyTokenIndex),
		balanceOrZero(liqeeCache, entry.SellTokenIndex))

	if maxSell == 0 || maxBuy == 0 {
		return false, nil
	}

	// sanity probe: can the taken tokens be closed out again on the router
	if e.Router != nil {
		buyMint, err := e.Ctx.Token(entry.BuyTokenIndex)
		if err != nil {
			return false, err
		}
		sellMint, err := e.Ctx.Token(entry.SellTokenIndex)
		if err != nil {
			return false, err
		}
		probeIn, _ := fixed.FromUint(maxBuy).Mul(takerPrice).Floor().Uint64()
		route, err := e.Router.Route(ctx, sellMint.Mint, buyMint.Mint,
			min64(maxSell, probeIn), 100, swap.ExactIn)
		if err != nil {
			e.Log.Debugw("router probe failed", "tcs_id", entry.ID, "err", err)
			return false, nil
		}
		e.Log.Debugw("router probe",
			"tcs_id", entry.ID, "in", route.InAmount, "out", route.OutAmount,
			"impact_pct", route.PriceImpactPct)
	}

	ix, err := e.Builder.TokenConditionalSwapTrigger(
		pubkey, liqee, liqor, tcsIndex, entry.ID, maxBuy, maxSell, 0, pe.takerPrice)
	if err != nil {
		return false, err
	}
	sig, err := e.Submitter.Send(ctx, ix)
	if err != nil {
		return false, err
	}
	e.Log.Infow("executed token conditional swap",
		"account", pubkey.Short(), "tcs_id", entry.ID,
		"max_buy", maxBuy, "max_sell", maxSell, "sig", sig)

	e.refreshAfterTx(ctx, sig, pubkey)
	return true, nil
}

// balanceOrZero reads a token balance out of the health cache; tokens the
// account never touched count as zero.
func balanceOrZero(hc *health.Cache, ti state.TokenIndex) fixed.Num {
	info, err := hc.TokenInfoFor(ti)
	if err != nil {
		return fixed.Zero()
	}
	return info.BalanceNative
}

func (e *Executor) refreshAfterTx(ctx context.Context, sig string, pubkey chain.Address) {
	slot, err := e.Fetcher.TransactionMaxSlot(ctx, []string{sig})
	if err != nil {
		e.Log.Infow("could not resolve tx slot", "sig", sig, "err", err)
		return
	}
	addrs := []chain.Address{pubkey, e.Builder.LiqorAccount}
	if err := e.Fetcher.RefreshUntilSlot(ctx, addrs, slot, e.Cfg.RefreshTimeout); err != nil {
		e.Log.Infow("could not refresh after tcs", "err", err)
	}
}
