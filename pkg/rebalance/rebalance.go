// Package rebalance flattens the agent's own account after liquidations:
// non-quote token balances are swapped away via the external router, dust
// is withdrawn, residual perp positions are reduced and settled.
package rebalance

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/helioslabs/solvent/pkg/chain"
	"github.com/helioslabs/solvent/pkg/exchange"
	"github.com/helioslabs/solvent/pkg/fixed"
	"github.com/helioslabs/solvent/pkg/state"
	"github.com/helioslabs/solvent/pkg/swap"
	"github.com/helioslabs/solvent/pkg/tx"
	"github.com/helioslabs/solvent/pkg/util"
)

type TxSubmitter interface {
	Send(ctx context.Context, ix tx.Instruction) (string, error)
}

type Config struct {
	// maximum router slippage
	SlippageBps uint64
	// buy borrow_value * excess so the remainder can be withdrawn as dust
	BorrowSettleExcess float64
	RefreshTimeout     time.Duration
}

func DefaultConfig() Config {
	return Config{SlippageBps: 100, BorrowSettleExcess: 1.05, RefreshTimeout: 30 * time.Second}
}

type Rebalancer struct {
	Ctx       *exchange.Context
	Fetcher   *exchange.AccountFetcher
	Builder   *tx.Builder
	Submitter TxSubmitter
	Router    swap.Router
	Clock     util.Clock
	Cfg       Config
	Log       *zap.SugaredLogger

	// KnownAccounts supplies candidate settle counterparties (the
	// scheduler's mirrored margin-account set).
	KnownAccounts func() []chain.Address
}

func (r *Rebalancer) account() chain.Address { return r.Builder.LiqorAccount }

// ZeroAllNonQuote runs one full rebalance pass.
func (r *Rebalancer) ZeroAllNonQuote(ctx context.Context) error {
	r.Log.Debugw("checking for rebalance", "account", r.account().Short())
	if err := r.rebalanceTokens(ctx); err != nil {
		return err
	}
	return r.rebalancePerps(ctx)
}

// refreshAfterTx waits for the agent account to reflect the transaction.
// Returns false on timeout (fork tolerated, the next tick retries).
func (r *Rebalancer) refreshAfterTx(ctx context.Context, sig string) bool {
	slot, err := r.Fetcher.TransactionMaxSlot(ctx, []string{sig})
	if err != nil {
		r.Log.Infow("could not resolve tx slot", "sig", sig, "err", err)
		return false
	}
	if err := r.Fetcher.RefreshUntilSlot(ctx, []chain.Address{r.account()}, slot, r.Cfg.RefreshTimeout); err != nil {
		r.Log.Infow("could not refresh account data", "err", err)
		return false
	}
	return true
}

func (r *Rebalancer) tokenNative(ti state.TokenIndex) (fixed.Num, error) {
	acct, err := r.Fetcher.FetchMarginAccount(r.account())
	if err != nil {
		return fixed.Zero(), err
	}
	pos := acct.TokenPosition(ti)
	if pos == nil {
		return fixed.Zero(), nil
	}
	tc, err := r.Ctx.Token(ti)
	if err != nil {
		return fixed.Zero(), err
	}
	bank, err := r.Fetcher.FetchBank(tc.FirstBank())
	if err != nil {
		return fixed.Zero(), err
	}
	return pos.Native(bank), nil
}

func (r *Rebalancer) rebalanceTokens(ctx context.Context) error {
	acct, err := r.Fetcher.FetchMarginAccount(r.account())
	if err != nil {
		return err
	}
	quote, err := r.Ctx.Token(state.QuoteTokenIndex)
	if err != nil {
		return err
	}

	for _, pos := range acct.ActiveTokenPositions() {
		if pos.TokenIndex == state.QuoteTokenIndex {
			continue
		}
		tc, err := r.Ctx.Token(pos.TokenIndex)
		if err != nil {
			return err
		}
		price, err := r.Fetcher.OraclePrice(tc.Oracle())
		if err != nil {
			return err
		}
		amount, err := r.tokenNative(pos.TokenIndex)
		if err != nil {
			return err
		}

		// Bringing a balance exactly to 0 through swaps is not generally
		// possible for prices < 1, so amounts up to 2/price are dust:
		// they get withdrawn instead of swapped, and purchases buy
		// slightly more than needed so the remainder is withdrawable.
		dust := fixed.FromInt(2).Div(price)

		if amount.IsNeg() {
			buyAmount := amount.Abs().Ceil().Add(fixed.Max(dust.Sub(fixed.One()), fixed.Zero()))
			inputAmount, _ := buyAmount.Mul(price).Mul(fixed.FromFloat(r.Cfg.BorrowSettleExcess)).Ceil().Uint64()
			route, err := r.Router.Route(ctx, quote.Mint, tc.Mint, inputAmount, r.Cfg.SlippageBps, swap.ExactIn)
			if err != nil {
				return fmt.Errorf("routing buy of token %d: %w", pos.TokenIndex, err)
			}
			sig, err := r.Router.Swap(ctx, route)
			if err != nil {
				return fmt.Errorf("buying token %d: %w", pos.TokenIndex, err)
			}
			r.Log.Infow("bought token to close borrow",
				"token_index", pos.TokenIndex, "amount", tc.NativeToUI(buyAmount), "sig", sig)
			if !r.refreshAfterTx(ctx, sig) {
				return nil
			}
			amount, err = r.tokenNative(pos.TokenIndex)
			if err != nil {
				return err
			}
		}

		if amount.Gt(dust) {
			sellAmount, _ := amount.Floor().Uint64()
			route, err := r.Router.Route(ctx, tc.Mint, quote.Mint, sellAmount, r.Cfg.SlippageBps, swap.ExactIn)
			if err != nil {
				return fmt.Errorf("routing sell of token %d: %w", pos.TokenIndex, err)
			}
			sig, err := r.Router.Swap(ctx, route)
			if err != nil {
				return fmt.Errorf("selling token %d: %w", pos.TokenIndex, err)
			}
			r.Log.Infow("sold token",
				"token_index", pos.TokenIndex, "amount", tc.NativeToUI(amount), "sig", sig)
			if !r.refreshAfterTx(ctx, sig) {
				return nil
			}
			amount, err = r.tokenNative(pos.TokenIndex)
			if err != nil {
				return err
			}
		}

		if amount.IsPos() && amount.Lte(dust) {
			// withdraw the remainder so the position slot frees up
			withdrawAmount, _ := amount.Ceil().Uint64()
			own, err := r.Fetcher.FetchMarginAccount(r.account())
			if err != nil {
				return err
			}
			ix, err := r.Builder.TokenWithdraw(own, pos.TokenIndex, withdrawAmount, false)
			if err != nil {
				return err
			}
			sig, err := r.Submitter.Send(ctx, ix)
			if err != nil {
				return err
			}
			r.Log.Infow("withdrew dust",
				"token_index", pos.TokenIndex, "amount", withdrawAmount, "sig", sig)
			if !r.refreshAfterTx(ctx, sig) {
				return nil
			}
		} else if amount.Gt(dust) {
			return fmt.Errorf("unexpected token %d position after rebalance swap: %v native", pos.TokenIndex, amount)
		}
	}
	return nil
}

func (r *Rebalancer) rebalancePerps(ctx context.Context) error {
	acct, err := r.Fetcher.FetchMarginAccount(r.account())
	if err != nil {
		return err
	}

	for _, pp := range acct.ActivePerpPositions() {
		pc, err := r.Ctx.Perp(pp.MarketIndex)
		if err != nil {
			return err
		}
		effective := pp.EffectiveBaseLots()
		r.Log.Infow("active perp position",
			"market", pc.Market.Name, "base_lots", pp.BaseLots,
			"effective_lots", effective, "quote_native", pp.QuoteNative)

		switch {
		case effective != 0:
			if err := r.reduceBase(ctx, acct, pc, pp); err != nil {
				return err
			}
		case pp.BaseLots == 0 && !pp.QuoteNative.IsZero():
			if err := r.settlePnl(ctx, acct, pc, pp); err != nil {
				return err
			}
		case pp.BaseLots == 0 && pp.QuoteNative.IsZero():
			ix, err := r.Builder.PerpDeactivatePosition(pp.MarketIndex)
			if err != nil {
				return err
			}
			sig, err := r.Submitter.Send(ctx, ix)
			if err != nil {
				return err
			}
			r.Log.Infow("closed perp position", "market", pc.Market.Name, "sig", sig)
			if !r.refreshAfterTx(ctx, sig) {
				return nil
			}
		default:
			// taker lots cancel base lots: waiting for event consumption
			r.Log.Infow("cannot deactivate perp position yet",
				"market", pc.Market.Name, "base_lots", pp.BaseLots,
				"effective_lots", effective, "quote_native", pp.QuoteNative)
		}
	}
	return nil
}

// reduceBase places a reduce-only IOC at oracle +- the base liquidation
// fee, but only when the opposing book side has matchable quantity, to
// avoid paying the IOC penalty for nothing.
func (r *Rebalancer) reduceBase(ctx context.Context, acct *state.MarginAccount, pc *exchange.PerpContext, pp *state.PerpPosition) error {
	oracle, err := r.Fetcher.OraclePrice(pc.Market.Oracle)
	if err != nil {
		return err
	}
	effective := pp.EffectiveBaseLots()

	var side uint8 // 0 bid, 1 ask
	var orderPrice fixed.Num
	var ooLots int64
	var oppositeBook chain.Address
	if effective > 0 {
		side = 1 // sell to reduce a long
		orderPrice = oracle.Mul(fixed.One().Sub(pc.Market.BaseLiquidationFee))
		ooLots = pp.AsksBaseLots
		oppositeBook = pc.Market.Bids
	} else {
		side = 0
		orderPrice = oracle.Mul(fixed.One().Add(pc.Market.BaseLiquidationFee))
		ooLots = pp.BidsBaseLots
		oppositeBook = pc.Market.Asks
	}
	priceLots := pc.Market.NativePriceToLot(orderPrice)
	maxBaseLots := abs64(effective) - ooLots
	if maxBaseLots <= 0 {
		r.Log.Warnw("cannot place reduce-only order",
			"market", pc.Market.Name, "base_lots", effective, "in_open_orders", ooLots)
		return nil
	}

	book, err := r.Fetcher.FetchBookSide(oppositeBook)
	if err != nil {
		return err
	}
	if book.QuantityAtPrice(priceLots) <= 0 {
		r.Log.Warnw("no liquidity for reduce-only order",
			"market", pc.Market.Name, "price", orderPrice, "oracle", oracle)
		return nil
	}

	ix, err := r.Builder.PerpPlaceOrder(acct, tx.PerpOrderArgs{
		Market:       pp.MarketIndex,
		Side:         side,
		PriceLots:    priceLots,
		MaxBaseLots:  maxBaseLots,
		MaxQuoteLots: math.MaxInt64,
		Type:         tx.OrderImmediateOrCancel,
		ReduceOnly:   true,
		Limit:        10,
	})
	if err != nil {
		return err
	}
	sig, err := r.Submitter.Send(ctx, ix)
	if err != nil {
		return err
	}
	r.Log.Infow("ioc reduce of perp base position",
		"market", pc.Market.Name, "lots", maxBaseLots, "price", orderPrice, "sig", sig)
	r.refreshAfterTx(ctx, sig)
	return nil
}

// settlePnl settles residual unsettled pnl against the best counterparty;
// finding none is not an error.
func (r *Rebalancer) settlePnl(ctx context.Context, acct *state.MarginAccount, pc *exchange.PerpContext, pp *state.PerpPosition) error {
	wantPositive := pp.QuoteNative.IsNeg() // our pnl negative: find max positive
	counter, counterAcct, err := r.topCounterparty(pc, wantPositive)
	if err != nil {
		return err
	}
	if counterAcct == nil {
		r.Log.Infow("could not settle perp pnl: no counterparty", "market", pc.Market.Name)
		return nil
	}

	var ix tx.Instruction
	if pp.QuoteNative.IsPos() {
		ix, err = r.Builder.PerpSettlePnl(pp.MarketIndex, r.account(), acct, counter, counterAcct)
	} else {
		ix, err = r.Builder.PerpSettlePnl(pp.MarketIndex, counter, counterAcct, r.account(), acct)
	}
	if err != nil {
		return err
	}
	sig, err := r.Submitter.Send(ctx, ix)
	if err != nil {
		return err
	}
	r.Log.Infow("settled perp pnl", "market", pc.Market.Name, "sig", sig)
	r.refreshAfterTx(ctx, sig)
	return nil
}

// topCounterparty scans known margin accounts for the largest pnl of the
// wanted sign on the market.
func (r *Rebalancer) topCounterparty(pc *exchange.PerpContext, wantPositive bool) (chain.Address, *state.MarginAccount, error) {
	if r.KnownAccounts == nil {
		return chain.Address{}, nil, nil
	}
	oracle, err := r.Fetcher.OraclePrice(pc.Market.Oracle)
	if err != nil {
		return chain.Address{}, nil, err
	}

	type scored struct {
		addr chain.Address
		acct *state.MarginAccount
		pnl  fixed.Num
	}
	var candidates []scored
	for _, addr := range r.KnownAccounts() {
		if addr == r.account() {
			continue
		}
		acct, err := r.Fetcher.FetchMarginAccount(addr)
		if err != nil {
			continue
		}
		pp := acct.PerpPosition(pc.PerpMarketIndex)
		if pp == nil {
			continue
		}
		pnl := pp.QuoteNative.Add(fixed.FromInt(pp.BaseLots * pc.Market.BaseLotSize).Mul(oracle))
		if wantPositive && !pnl.IsPos() {
			continue
		}
		if !wantPositive && !pnl.IsNeg() {
			continue
		}
		candidates = append(candidates, scored{addr: addr, acct: acct, pnl: pnl})
	}
	if len(candidates) == 0 {
		return chain.Address{}, nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if wantPositive {
			return candidates[i].pnl.Gt(candidates[j].pnl)
		}
		return candidates[i].pnl.Lt(candidates[j].pnl)
	})
	return candidates[0].addr, candidates[0].acct, nil
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
