// Package liquidate implements the phase-ordered liquidation pipeline:
// close orders first, then transfer positions, then bankruptcy. At most one
// transaction is sent per invocation.
package liquidate

import (
	"context"
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/helioslabs/solvent/pkg/chain"
	"github.com/helioslabs/solvent/pkg/exchange"
	"github.com/helioslabs/solvent/pkg/fixed"
	"github.com/helioslabs/solvent/pkg/health"
	"github.com/helioslabs/solvent/pkg/state"
	"github.com/helioslabs/solvent/pkg/tx"
)

// TxSubmitter sends one built instruction.
type TxSubmitter interface {
	Send(ctx context.Context, ix tx.Instruction) (string, error)
}

type Config struct {
	// liqor init health ratio floor, in percent
	MinHealthRatio fixed.Num
	RefreshTimeout time.Duration
	// nil means every mint is allowed
	AllowedAssetMints map[chain.Address]bool
	AllowedLiabMints  map[chain.Address]bool
}

type Engine struct {
	Ctx       *exchange.Context
	Fetcher   *exchange.AccountFetcher
	Builder   *tx.Builder
	Submitter TxSubmitter
	Cfg       Config
	Log       *zap.SugaredLogger

	// PickFn chooses uniformly from n candidates; overridable in tests
	PickFn func(n int) int
}

func (e *Engine) pick(n int) int {
	if e.PickFn != nil {
		return e.PickFn(n)
	}
	return rand.IntN(n)
}

// MaybeLiquidate checks one candidate and, if it is liquidatable, runs the
// pipeline until the first transaction is sent. Returns true when the
// account was liquidatable and handled: a transaction went out, or none was
// sent because the account waits for its perp fills to be consumed.
func (e *Engine) MaybeLiquidate(ctx context.Context, pubkey chain.Address) (bool, error) {
	liqee, err := e.Fetcher.FetchMarginAccount(pubkey)
	if err != nil {
		return false, err
	}
	hc, err := health.NewCache(e.Ctx, e.Fetcher, liqee)
	if err != nil {
		return false, err
	}
	if !hc.IsLiquidatable() {
		return false, nil
	}

	e.Log.Debugw("possible liquidation candidate",
		"account", pubkey.Short(), "maint_health", hc.Health(health.Maint))

	// The stream can lag; fetch fresh and recompute before acting.
	liqee, err = e.Fetcher.FetchFreshMarginAccount(ctx, pubkey)
	if err != nil {
		return false, err
	}
	hc, err = health.NewCache(e.Ctx, e.Fetcher, liqee)
	if err != nil {
		return false, err
	}
	if !hc.IsLiquidatable() {
		return false, nil
	}

	h := &helper{
		engine:      e,
		pubkey:      pubkey,
		liqee:       liqee,
		cache:       hc,
		maintHealth: hc.Health(health.Maint),
	}
	sig, err := h.sendLiqTx(ctx)
	if err != nil {
		return false, err
	}
	if sig == "" {
		// e.g. waiting for perp fills to be consumed
		return true, nil
	}

	e.refreshAfterTx(ctx, sig, pubkey)
	return true, nil
}

// refreshAfterTx waits for the liqee and liqor accounts to catch up with
// the landed transaction; on timeout the next tick re-evaluates anyway.
func (e *Engine) refreshAfterTx(ctx context.Context, sig string, pubkey chain.Address) {
	slot, err := e.Fetcher.TransactionMaxSlot(ctx, []string{sig})
	if err != nil {
		e.Log.Infow("could not resolve tx slot", "sig", sig, "err", err)
		return
	}
	addrs := []chain.Address{pubkey, e.Builder.LiqorAccount}
	if err := e.Fetcher.RefreshUntilSlot(ctx, addrs, slot, e.Cfg.RefreshTimeout); err != nil {
		e.Log.Infow("could not refresh after liquidation", "err", err)
	}
}

type helper struct {
	engine      *Engine
	pubkey      chain.Address
	liqee       *state.MarginAccount
	cache       *health.Cache
	maintHealth fixed.Num
}

func (h *helper) sendLiqTx(ctx context.Context) (string, error) {
	// Phase 1: close orders before touching positions
	if sig, err := h.serum3CloseOrders(ctx); sig != "" || err != nil {
		return sig, err
	}
	if sig, err := h.perpCloseOrders(ctx); sig != "" || err != nil {
		return sig, err
	}
	if h.cache.HasPhase1Liquidatable() {
		return "", wrapKind(KindFatal,
			"don't know what to do with phase1 liquidatable account %s, maint health %v",
			h.pubkey, h.maintHealth)
	}

	// Phase 2: perp base / positive pnl, then token with token
	if sig, err := h.perpLiqBaseOrPositivePnl(ctx); sig != "" || err != nil {
		return sig, err
	}
	if sig, err := h.tokenLiq(ctx); sig != "" || err != nil {
		return sig, err
	}
	if h.cache.HasPerpOpenFills() {
		h.engine.Log.Infow("open perp fills, waiting",
			"account", h.pubkey.Short(), "maint_health", h.maintHealth)
		return "", nil
	}
	if h.cache.HasPhase2Liquidatable() {
		return "", wrapKind(KindFatal,
			"don't know what to do with phase2 liquidatable account %s, maint health %v",
			h.pubkey, h.maintHealth)
	}

	// Phase 3: bankruptcy
	if sig, err := h.perpLiqNegativePnlOrBankruptcy(ctx); sig != "" || err != nil {
		return sig, err
	}
	if sig, err := h.tokenLiqBankruptcy(ctx); sig != "" || err != nil {
		return sig, err
	}

	return "", wrapKind(KindFatal,
		"don't know what to do with liquidatable account %s, maint health %v",
		h.pubkey, h.maintHealth)
}

func (h *helper) serum3CloseOrders(ctx context.Context) (string, error) {
	var cancelable []*state.Serum3Orders
	for _, so := range h.liqee.ActiveSerum3() {
		oo, err := h.engine.Fetcher.FetchOpenOrders(so.OpenOrders)
		if err != nil {
			return "", err
		}
		if oo.HasSettleableBalance() {
			cancelable = append(cancelable, so)
		}
	}
	if len(cancelable) == 0 {
		return "", nil
	}
	// random market so rival agents don't pile onto the same victim
	so := cancelable[h.engine.pick(len(cancelable))]
	ix, err := h.engine.Builder.Serum3LiqForceCancelOrders(h.pubkey, h.liqee, so.MarketIndex, so.OpenOrders)
	if err != nil {
		return "", err
	}
	sig, err := h.engine.Submitter.Send(ctx, ix)
	if err != nil {
		return "", err
	}
	h.engine.Log.Infow("force cancelled spot orders",
		"account", h.pubkey.Short(), "market_index", so.MarketIndex,
		"maint_health", h.maintHealth, "sig", sig)
	return sig, nil
}

func (h *helper) perpCloseOrders(ctx context.Context) (string, error) {
	var markets []state.PerpMarketIndex
	for _, pp := range h.liqee.ActivePerpPositions() {
		if pp.HasOpenOrders() {
			markets = append(markets, pp.MarketIndex)
		}
	}
	if len(markets) == 0 {
		return "", nil
	}
	market := markets[h.engine.pick(len(markets))]
	ix, err := h.engine.Builder.PerpLiqForceCancelOrders(h.pubkey, h.liqee, market)
	if err != nil {
		return "", err
	}
	sig, err := h.engine.Submitter.Send(ctx, ix)
	if err != nil {
		return "", err
	}
	h.engine.Log.Infow("force cancelled perp orders",
		"account", h.pubkey.Short(), "market_index", market,
		"maint_health", h.maintHealth, "sig", sig)
	return sig, nil
}

func (h *helper) perpLiqBaseOrPositivePnl(ctx context.Context) (string, error) {
	e := h.engine

	type candidate struct {
		market state.PerpMarketIndex
		base   int64
		price  fixed.Num
		value  fixed.Num
	}
	var candidates []candidate
	for _, pp := range h.liqee.ActivePerpPositions() {
		if (pp.BaseLots == 0 && !pp.QuoteNative.IsPos()) || pp.HasOpenTakerFills() {
			continue
		}
		price, err := e.Fetcher.PerpOraclePrice(e.Ctx, pp.MarketIndex)
		if err != nil {
			return "", err
		}
		candidates = append(candidates, candidate{
			market: pp.MarketIndex,
			base:   pp.BaseLots,
			price:  price,
			value:  fixed.FromInt(abs64(pp.BaseLots)).Mul(price),
		})
	}
	if len(candidates) == 0 {
		return "", nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].value.Lt(candidates[j].value) })
	best := candidates[len(candidates)-1]

	pc, err := e.Ctx.Perp(best.market)
	if err != nil {
		return "", err
	}

	side := health.Bid
	sideSignum := int64(1)
	if best.base < 0 {
		side = health.Ask
		sideSignum = -1
	}

	// size the takeover against a fresh liqor account
	liqor, err := e.Fetcher.FetchFreshMarginAccount(ctx, e.Builder.LiqorAccount)
	if err != nil {
		return "", wrapKind(KindTransientRpc, "getting liquidator account: %w", err)
	}
	liqor.EnsurePerpPosition(best.market)
	liqor.EnsureTokenPosition(state.QuoteTokenIndex)
	liqorCache, err := health.NewCache(e.Ctx, e.Fetcher, liqor)
	if err != nil {
		return "", err
	}

	maxUsdcBorrow, err := liqorCache.MaxBorrowForHealthRatio(state.QuoteTokenIndex, e.Cfg.MinHealthRatio)
	if err != nil {
		return "", err
	}
	// a fraction goes to quote takeover, the rest backs the base transfer
	allowedUsdc := fixed.FromFloat(0.25).Mul(maxUsdcBorrow)

	// overall asset weight > 0 gives health back per unit of unsettled pnl
	perpUnsettledCost := fixed.One().Sub(fixed.Min(pc.Market.InitOverallAssetWeight, fixed.FromFloat(0.95)))
	maxPnlTransferNum := allowedUsdc.Div(perpUnsettledCost).Floor()
	maxPnlTransfer, ok := maxPnlTransferNum.Uint64()
	if !ok {
		maxPnlTransfer = math.MaxUint64
	}

	if err := liqorCache.AdjustTokenBalance(state.QuoteTokenIndex, allowedUsdc.Neg()); err != nil {
		return "", err
	}
	maxBaseTransfer, err := liqorCache.MaxPerpForHealthRatio(best.market, best.price, side, e.Cfg.MinHealthRatio)
	if err != nil {
		return "", err
	}
	e.Log.Infow("computed perp takeover",
		"max_base_transfer", maxBaseTransfer, "max_pnl_transfer", maxPnlTransfer)

	ix, err := e.Builder.PerpLiqBaseOrPositivePnl(h.pubkey, h.liqee, liqor, best.market, sideSignum*maxBaseTransfer, maxPnlTransfer)
	if err != nil {
		return "", err
	}
	sig, err := e.Submitter.Send(ctx, ix)
	if err != nil {
		return "", err
	}
	e.Log.Infow("liquidated perp base position",
		"account", h.pubkey.Short(), "market_index", best.market,
		"maint_health", h.maintHealth, "sig", sig)
	return sig, nil
}

// tokens lists (index, price, usdc equivalent) for the liqee's active token
// positions, sorted by usdc equivalent ascending.
func (h *helper) tokens() ([]tokenValue, error) {
	e := h.engine
	var out []tokenValue
	for _, pos := range h.liqee.ActiveTokenPositions() {
		tc, err := e.Ctx.Token(pos.TokenIndex)
		if err != nil {
			return nil, err
		}
		bank, err := e.Fetcher.FetchBank(tc.FirstBank())
		if err != nil {
			return nil, err
		}
		price, err := e.Fetcher.OraclePrice(tc.Oracle())
		if err != nil {
			return nil, err
		}
		out = append(out, tokenValue{
			index: pos.TokenIndex,
			price: price,
			usdc:  pos.Native(bank).Mul(price),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].usdc.Lt(out[j].usdc) })
	return out, nil
}

type tokenValue struct {
	index state.TokenIndex
	price fixed.Num
	usdc  fixed.Num
}

func (h *helper) mintAllowed(set map[chain.Address]bool, ti state.TokenIndex) bool {
	if set == nil {
		return true
	}
	tc, err := h.engine.Ctx.Token(ti)
	if err != nil {
		return false
	}
	return set[tc.Mint]
}

// maxTokenLiabTransfer sizes a liab->asset swap against a fresh liqor.
func (h *helper) maxTokenLiabTransfer(ctx context.Context, source, target state.TokenIndex) (fixed.Num, error) {
	e := h.engine
	liqor, err := e.Fetcher.FetchFreshMarginAccount(ctx, e.Builder.LiqorAccount)
	if err != nil {
		return fixed.Zero(), wrapKind(KindTransientRpc, "getting liquidator account: %w", err)
	}
	liqor.EnsureTokenPosition(source)
	liqor.EnsureTokenPosition(target)
	cache, err := health.NewCache(e.Ctx, e.Fetcher, liqor)
	if err != nil {
		return fixed.Zero(), err
	}
	sourcePrice, err := e.Fetcher.TokenOraclePrice(e.Ctx, source)
	if err != nil {
		return fixed.Zero(), err
	}
	targetPrice, err := e.Fetcher.TokenOraclePrice(e.Ctx, target)
	if err != nil {
		return fixed.Zero(), err
	}
	price := sourcePrice.Div(targetPrice)
	return cache.MaxSwapSourceForHealthRatio(source, target, price, e.Cfg.MinHealthRatio)
}

func (h *helper) tokenLiq(ctx context.Context) (string, error) {
	if !h.cache.HasPossibleSpotLiquidations() {
		return "", nil
	}
	e := h.engine
	tokens, err := h.tokens()
	if err != nil {
		return "", err
	}

	var assetTi state.TokenIndex
	found := false
	for i := len(tokens) - 1; i >= 0; i-- {
		t := tokens[i]
		if t.usdc.IsPos() && h.mintAllowed(e.Cfg.AllowedAssetMints, t.index) {
			assetTi = t.index
			found = true
			break
		}
	}
	if !found {
		return "", wrapKind(KindInvalidDecision,
			"account %s has no asset tokens that are sellable for quote", h.pubkey)
	}
	var liabTi state.TokenIndex
	found = false
	for _, t := range tokens {
		if t.usdc.IsNeg() && h.mintAllowed(e.Cfg.AllowedLiabMints, t.index) {
			liabTi = t.index
			found = true
			break
		}
	}
	if !found {
		return "", wrapKind(KindInvalidDecision,
			"account %s has no liab tokens that are purchasable for quote", h.pubkey)
	}

	maxLiabTransfer, err := h.maxTokenLiabTransfer(ctx, liabTi, assetTi)
	if err != nil {
		return "", err
	}

	liqor, err := e.Fetcher.FetchMarginAccount(e.Builder.LiqorAccount)
	if err != nil {
		return "", err
	}
	ix, err := e.Builder.TokenLiqWithToken(h.pubkey, h.liqee, liqor, assetTi, liabTi, maxLiabTransfer)
	if err != nil {
		return "", err
	}
	sig, err := e.Submitter.Send(ctx, ix)
	if err != nil {
		return "", err
	}
	e.Log.Infow("liquidated token with token",
		"account", h.pubkey.Short(), "asset", assetTi, "liab", liabTi,
		"maint_health", h.maintHealth, "sig", sig)
	return sig, nil
}

func (h *helper) perpLiqNegativePnlOrBankruptcy(ctx context.Context) (string, error) {
	if !h.cache.InPhase3Liquidation() {
		return "", nil
	}
	type negPnl struct {
		market state.PerpMarketIndex
		quote  fixed.Num
	}
	var worst []negPnl
	for _, pp := range h.liqee.ActivePerpPositions() {
		if pp.QuoteNative.IsNeg() {
			worst = append(worst, negPnl{market: pp.MarketIndex, quote: pp.QuoteNative})
		}
	}
	if len(worst) == 0 {
		return "", nil
	}
	sort.Slice(worst, func(i, j int) bool { return worst[i].quote.Lt(worst[j].quote) })

	// the health effect is >= 0, so always offer the maximum
	ix, err := h.engine.Builder.PerpLiqNegativePnlOrBankruptcy(h.pubkey, h.liqee, worst[0].market, math.MaxUint64)
	if err != nil {
		return "", err
	}
	sig, err := h.engine.Submitter.Send(ctx, ix)
	if err != nil {
		return "", err
	}
	h.engine.Log.Infow("liquidated negative perp pnl",
		"account", h.pubkey.Short(), "market_index", worst[0].market,
		"maint_health", h.maintHealth, "sig", sig)
	return sig, nil
}

func (h *helper) tokenLiqBankruptcy(ctx context.Context) (string, error) {
	if !h.cache.InPhase3Liquidation() || !h.cache.HasLiqSpotBorrows() {
		return "", nil
	}
	e := h.engine
	tokens, err := h.tokens()
	if err != nil {
		return "", err
	}
	if len(tokens) == 0 {
		return "", wrapKind(KindInvalidDecision, "bankrupt account %s has no active tokens", h.pubkey)
	}
	var liabTi state.TokenIndex
	found := false
	for _, t := range tokens {
		if t.usdc.IsNeg() && h.mintAllowed(e.Cfg.AllowedLiabMints, t.index) {
			liabTi = t.index
			found = true
			break
		}
	}
	if !found {
		return "", wrapKind(KindInvalidDecision,
			"account %s has no liab tokens that are purchasable for quote", h.pubkey)
	}

	// bankruptcy settles against the protocol's quote token
	maxLiabTransfer, err := h.maxTokenLiabTransfer(ctx, liabTi, state.QuoteTokenIndex)
	if err != nil {
		return "", err
	}

	liqor, err := e.Fetcher.FetchMarginAccount(e.Builder.LiqorAccount)
	if err != nil {
		return "", err
	}
	ix, err := e.Builder.TokenLiqBankruptcy(h.pubkey, h.liqee, liqor, liabTi, maxLiabTransfer)
	if err != nil {
		return "", err
	}
	sig, err := e.Submitter.Send(ctx, ix)
	if err != nil {
		return "", err
	}
	e.Log.Infow("liquidated token bankruptcy",
		"account", h.pubkey.Short(), "liab", liabTi,
		"maint_health", h.maintHealth, "sig", sig)
	return sig, nil
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
