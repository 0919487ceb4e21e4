package health

import (
	"fmt"

	"github.com/helioslabs/solvent/pkg/fixed"
	"github.com/helioslabs/solvent/pkg/state"
)

// Side of a perp order/transfer.
type Side int

const (
	Bid Side = iota
	Ask
)

// two natives per quote unit of price; balances below this are dust (I3)
func dustThreshold(price fixed.Num) fixed.Num {
	return fixed.FromInt(2).Div(price)
}

// ---- phase classifiers ----

// IsLiquidatable reports maintenance health < 0, or an account stuck
// mid-liquidation that still has to be brought back above init health.
func (hc *Cache) IsLiquidatable() bool {
	if hc.Health(Maint).IsNeg() {
		return true
	}
	return hc.BeingLiquidated && hc.Health(Init).IsNeg()
}

func (hc *Cache) hasPhase1Items() bool {
	for i := range hc.Serums {
		if hc.Serums[i].Settleable {
			return true
		}
	}
	for i := range hc.Perps {
		if hc.Perps[i].HasOpenOrders {
			return true
		}
	}
	return false
}

// HasPhase1Liquidatable: open orders remain to be force-cancelled.
func (hc *Cache) HasPhase1Liquidatable() bool {
	return hc.IsLiquidatable() && hc.hasPhase1Items()
}

func (hc *Cache) hasSpotAssets() bool {
	for i := range hc.Tokens {
		t := &hc.Tokens[i]
		if t.OraclePrice.IsPos() && t.BalanceNative.Gte(dustThreshold(t.OraclePrice)) {
			return true
		}
	}
	return false
}

// HasLiqSpotBorrows: any token balance is negative.
func (hc *Cache) HasLiqSpotBorrows() bool {
	for i := range hc.Tokens {
		if hc.Tokens[i].BalanceNative.IsNeg() {
			return true
		}
	}
	return false
}

// HasPossibleSpotLiquidations: a token-for-token transfer can run.
func (hc *Cache) HasPossibleSpotLiquidations() bool {
	return hc.hasSpotAssets() && hc.HasLiqSpotBorrows()
}

func (hc *Cache) hasPerpBaseOrPositivePnl() bool {
	for i := range hc.Perps {
		p := &hc.Perps[i]
		if p.BaseLots != 0 || p.QuoteNative.IsPos() {
			return true
		}
	}
	return false
}

// HasPerpOpenFills: matched taker fills await event-queue consumption, so
// position liquidation has to wait.
func (hc *Cache) HasPerpOpenFills() bool {
	for i := range hc.Perps {
		if hc.Perps[i].HasOpenFills {
			return true
		}
	}
	return false
}

// HasPhase2Liquidatable: positions remain that phase 2 can transfer.
func (hc *Cache) HasPhase2Liquidatable() bool {
	return hc.IsLiquidatable() && (hc.HasPossibleSpotLiquidations() || hc.hasPerpBaseOrPositivePnl())
}

// InPhase3Liquidation: everything closeable is closed and the account is
// still under water; only bankruptcy instructions remain.
func (hc *Cache) InPhase3Liquidation() bool {
	return hc.Health(LiquidationEnd).IsNeg() && !hc.hasPhase1Items() && !hc.hasPerpBaseOrPositivePnl() && !hc.hasSpotAssets()
}

// ---- health ratio and maxima ----

var hugeRatio = fixed.FromInt(1 << 40)

// HealthRatio is (assets - liabs) / liabs in percent for the given type;
// effectively infinite when there are no liabilities.
func (hc *Cache) HealthRatio(ht Type) fixed.Num {
	assets := fixed.Zero()
	liabs := fixed.Zero()
	add := func(c fixed.Num) {
		if c.IsNeg() {
			liabs = liabs.Add(c.Neg())
		} else {
			assets = assets.Add(c)
		}
	}
	for i := range hc.Tokens {
		t := &hc.Tokens[i]
		add(t.contribution(ht, t.BalanceNative))
	}
	for i := range hc.Serums {
		add(hc.serumAdjustment(ht, &hc.Serums[i]))
	}
	for i := range hc.Perps {
		add(hc.Perps[i].contribution(ht))
	}
	if liabs.IsZero() {
		return hugeRatio
	}
	return assets.Sub(liabs).Div(liabs).Mul(fixed.FromInt(100))
}

// maxAmountForRatio bisects the largest integral x with eval(x) >= minRatio.
// eval must be monotone non-increasing in x.
func maxAmountForRatio(eval func(fixed.Num) fixed.Num, minRatio fixed.Num) fixed.Num {
	if eval(fixed.Zero()).Lt(minRatio) {
		return fixed.Zero()
	}
	cap62 := fixed.FromInt(1 << 62)
	lo := fixed.Zero()
	hi := fixed.One()
	for eval(hi).Gte(minRatio) {
		lo = hi
		hi = hi.Mul(fixed.FromInt(2))
		if hi.Gte(cap62) {
			return lo
		}
	}
	for hi.Sub(lo).Gt(fixed.One()) {
		mid := lo.Add(hi).Div(fixed.FromInt(2)).Floor()
		if eval(mid).Gte(minRatio) {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo
}

// MaxSwapSourceForHealthRatio: the largest source-native amount that can be
// swapped into the target token (at price target-per-source natives)
// without the init health ratio dropping below minRatio.
func (hc *Cache) MaxSwapSourceForHealthRatio(source, target state.TokenIndex, price, minRatio fixed.Num) (fixed.Num, error) {
	if _, err := hc.tokenIndexPos(source); err != nil {
		return fixed.Zero(), err
	}
	if _, err := hc.tokenIndexPos(target); err != nil {
		return fixed.Zero(), err
	}
	eval := func(x fixed.Num) fixed.Num {
		w := hc.Clone()
		_ = w.AdjustTokenBalance(source, x.Neg())
		_ = w.AdjustTokenBalance(target, x.Mul(price))
		return w.HealthRatio(Init)
	}
	return maxAmountForRatio(eval, minRatio), nil
}

// MaxBorrowForHealthRatio: the largest native amount of ti that can be
// withdrawn (borrowed) while keeping the init health ratio above minRatio.
func (hc *Cache) MaxBorrowForHealthRatio(ti state.TokenIndex, minRatio fixed.Num) (fixed.Num, error) {
	if _, err := hc.tokenIndexPos(ti); err != nil {
		return fixed.Zero(), err
	}
	eval := func(x fixed.Num) fixed.Num {
		w := hc.Clone()
		_ = w.AdjustTokenBalance(ti, x.Neg())
		return w.HealthRatio(Init)
	}
	return maxAmountForRatio(eval, minRatio), nil
}

// MaxPerpForHealthRatio: the largest base-lot count that can be taken over
// on the given side at the given price while staying above minRatio.
func (hc *Cache) MaxPerpForHealthRatio(market state.PerpMarketIndex, price fixed.Num, side Side, minRatio fixed.Num) (int64, error) {
	pos := -1
	for i := range hc.Perps {
		if hc.Perps[i].MarketIndex == market {
			pos = i
			break
		}
	}
	if pos < 0 {
		return 0, fmt.Errorf("perp market %d not in health cache", market)
	}
	lotValue := fixed.FromInt(hc.Perps[pos].BaseLotSize).Mul(price)
	eval := func(lots fixed.Num) fixed.Num {
		w := hc.Clone()
		delta := lots.Mul(lotValue)
		p := &w.Perps[pos]
		if side == Bid {
			p.Base = p.Base.Add(delta)
			p.Quote = p.Quote.Sub(delta)
		} else {
			p.Base = p.Base.Sub(delta)
			p.Quote = p.Quote.Add(delta)
		}
		return w.HealthRatio(Init)
	}
	maxLots := maxAmountForRatio(eval, minRatio)
	v, ok := maxLots.Int64()
	if !ok {
		return 0, fmt.Errorf("max perp transfer out of range")
	}
	return v, nil
}

// EnsurePerp adds a flat position entry so MaxPerpForHealthRatio works for
// a market the account has not touched yet.
func (hc *Cache) EnsurePerp(m *state.PerpMarket, price fixed.Num) {
	for i := range hc.Perps {
		if hc.Perps[i].MarketIndex == m.PerpMarketIndex {
			return
		}
	}
	hc.Perps = append(hc.Perps, PerpInfo{
		MarketIndex:            m.PerpMarketIndex,
		MaintAssetWeight:       m.MaintAssetWeight,
		InitAssetWeight:        m.InitAssetWeight,
		MaintLiabWeight:        m.MaintLiabWeight,
		InitLiabWeight:         m.InitLiabWeight,
		InitOverallAssetWeight: m.InitOverallAssetWeight,
		BaseLotSize:            m.BaseLotSize,
		OraclePrice:            price,
	})
}
