// Package health reproduces the on-chain risk computation: weighted token,
// spot-reserved and perp contributions in quote-native units. A Cache is
// built per decision from the mirror and never outlives it.
package health

import (
	"fmt"

	"github.com/helioslabs/solvent/pkg/exchange"
	"github.com/helioslabs/solvent/pkg/fixed"
	"github.com/helioslabs/solvent/pkg/state"
)

type Type int

const (
	Init Type = iota
	Maint
	// LiquidationEnd is the target region a liquidation must move the
	// account into: init weights without the perp overall-pnl discount.
	LiquidationEnd
)

func (t Type) String() string {
	switch t {
	case Init:
		return "init"
	case Maint:
		return "maint"
	default:
		return "liquidation-end"
	}
}

// TokenInfo carries one token's weights, price and native balance.
type TokenInfo struct {
	TokenIndex state.TokenIndex

	MaintAssetWeight fixed.Num
	InitAssetWeight  fixed.Num
	MaintLiabWeight  fixed.Num
	InitLiabWeight   fixed.Num

	OraclePrice   fixed.Num // quote native per token native
	BalanceNative fixed.Num
}

func (t *TokenInfo) assetWeight(ht Type) fixed.Num {
	if ht == Maint {
		return t.MaintAssetWeight
	}
	return t.InitAssetWeight
}

func (t *TokenInfo) liabWeight(ht Type) fixed.Num {
	if ht == Maint {
		return t.MaintLiabWeight
	}
	return t.InitLiabWeight
}

// contribution weighs a hypothetical native balance for this token.
func (t *TokenInfo) contribution(ht Type, native fixed.Num) fixed.Num {
	quote := native.Mul(t.OraclePrice)
	if quote.IsNeg() {
		return quote.Mul(t.liabWeight(ht))
	}
	return quote.Mul(t.assetWeight(ht))
}

// SerumInfo carries the reserved (on-order) funds of one open-orders
// account. Free funds were already folded into the token balances when the
// cache was built; the reserved funds resolve to the worse of the
// all-in-base / all-in-quote scenarios per market.
type SerumInfo struct {
	MarketIndex   state.SerumMarketIndex
	BaseIndex     int // indexes into Cache.Tokens
	QuoteIndex    int
	ReservedBase  fixed.Num
	ReservedQuote fixed.Num
	// any funds a force-cancel would free (including free ones)
	Settleable bool
}

// PerpInfo carries one perp position with the order-fill scenario already
// chosen. Weight property (P) asserted at context load makes the choice
// health-type independent.
type PerpInfo struct {
	MarketIndex state.PerpMarketIndex

	MaintAssetWeight fixed.Num
	InitAssetWeight  fixed.Num
	MaintLiabWeight  fixed.Num
	InitLiabWeight   fixed.Num

	InitOverallAssetWeight fixed.Num

	// quote units; Base needs the asset/liab factor, Quote does not
	Base  fixed.Num
	Quote fixed.Num

	// raw fields for the phase classifiers
	BaseLots      int64
	QuoteNative   fixed.Num
	HasOpenOrders bool
	HasOpenFills  bool

	BaseLotSize int64
	OraclePrice fixed.Num
}

func (p *PerpInfo) contribution(ht Type) fixed.Num {
	var w fixed.Num
	switch {
	case ht == Maint && p.Base.IsNeg():
		w = p.MaintLiabWeight
	case ht == Maint:
		w = p.MaintAssetWeight
	case p.Base.IsNeg():
		w = p.InitLiabWeight
	default:
		w = p.InitAssetWeight
	}
	contrib := p.Quote.Add(w.Mul(p.Base))
	// positive unsettled perp value only counts partially toward init
	// health; it must first be settled into tokens
	if ht == Init && contrib.IsPos() {
		contrib = contrib.Mul(p.InitOverallAssetWeight)
	}
	return contrib
}

// Cache is the transient health view of one account.
type Cache struct {
	Tokens []TokenInfo
	Serums []SerumInfo
	Perps  []PerpInfo

	BeingLiquidated bool
}

// NewCache builds the health cache for acct from mirrored banks, oracles
// and open-orders accounts.
func NewCache(c *exchange.Context, f *exchange.AccountFetcher, acct *state.MarginAccount) (*Cache, error) {
	hc := &Cache{BeingLiquidated: acct.BeingLiquidated}

	for _, pos := range acct.ActiveTokenPositions() {
		tc, err := c.Token(pos.TokenIndex)
		if err != nil {
			return nil, err
		}
		bank, err := f.FetchBank(tc.FirstBank())
		if err != nil {
			return nil, fmt.Errorf("token %d: %w", pos.TokenIndex, err)
		}
		price, err := f.OraclePrice(tc.Oracle())
		if err != nil {
			return nil, fmt.Errorf("token %d oracle: %w", pos.TokenIndex, err)
		}
		hc.Tokens = append(hc.Tokens, TokenInfo{
			TokenIndex:       pos.TokenIndex,
			MaintAssetWeight: bank.MaintAssetWeight,
			InitAssetWeight:  bank.InitAssetWeight,
			MaintLiabWeight:  bank.MaintLiabWeight,
			InitLiabWeight:   bank.InitLiabWeight,
			OraclePrice:      price,
			BalanceNative:    pos.Native(bank),
		})
	}

	for _, so := range acct.ActiveSerum3() {
		oo, err := f.FetchOpenOrders(so.OpenOrders)
		if err != nil {
			return nil, fmt.Errorf("serum market %d open orders: %w", so.MarketIndex, err)
		}
		baseIdx, err := hc.tokenIndexPos(so.BaseTokenIndex)
		if err != nil {
			return nil, err
		}
		quoteIdx, err := hc.tokenIndexPos(so.QuoteTokenIndex)
		if err != nil {
			return nil, err
		}

		// free funds settle directly into the token balances
		base := &hc.Tokens[baseIdx]
		quote := &hc.Tokens[quoteIdx]
		base.BalanceNative = base.BalanceNative.Add(fixed.FromUint(oo.NativeCoinFree))
		quote.BalanceNative = quote.BalanceNative.Add(fixed.FromUint(oo.NativePcFree + oo.ReferrerRebatesAccrued))

		hc.Serums = append(hc.Serums, SerumInfo{
			MarketIndex:   so.MarketIndex,
			BaseIndex:     baseIdx,
			QuoteIndex:    quoteIdx,
			ReservedBase:  fixed.FromUint(oo.NativeCoinTotal - oo.NativeCoinFree),
			ReservedQuote: fixed.FromUint(oo.NativePcTotal - oo.NativePcFree),
			Settleable:    oo.HasSettleableBalance(),
		})
	}

	for _, pp := range acct.ActivePerpPositions() {
		pc, err := c.Perp(pp.MarketIndex)
		if err != nil {
			return nil, err
		}
		m := pc.Market
		price, err := f.OraclePrice(m.Oracle)
		if err != nil {
			return nil, fmt.Errorf("perp market %d oracle: %w", pp.MarketIndex, err)
		}
		hc.Perps = append(hc.Perps, buildPerpInfo(m, pp, price))
	}

	return hc, nil
}

func buildPerpInfo(m *state.PerpMarket, pp *state.PerpPosition, price fixed.Num) PerpInfo {
	baseLotSize := fixed.FromInt(m.BaseLotSize)
	lotsToQuote := baseLotSize.Mul(price)

	baseLots := pp.BaseLots + pp.TakerBaseLots
	takerQuote := fixed.FromInt(pp.TakerQuoteLots * m.QuoteLotSize)
	quoteCurrent := pp.QuoteNative.Add(takerQuote)

	// Pick the worse of the bids-filled and asks-filled scenarios; with
	// property (P) on the weights the choice reduces to comparing the net
	// lot magnitudes.
	bidsNetLots := baseLots + pp.BidsBaseLots
	asksNetLots := baseLots - pp.AsksBaseLots

	var base, quote fixed.Num
	if abs64(bidsNetLots) > abs64(asksNetLots) {
		base = fixed.FromInt(bidsNetLots).Mul(lotsToQuote)
		quote = quoteCurrent.Sub(fixed.FromInt(pp.BidsBaseLots).Mul(lotsToQuote))
	} else {
		base = fixed.FromInt(asksNetLots).Mul(lotsToQuote)
		quote = quoteCurrent.Add(fixed.FromInt(pp.AsksBaseLots).Mul(lotsToQuote))
	}

	return PerpInfo{
		MarketIndex:            pp.MarketIndex,
		MaintAssetWeight:       m.MaintAssetWeight,
		InitAssetWeight:        m.InitAssetWeight,
		MaintLiabWeight:        m.MaintLiabWeight,
		InitLiabWeight:         m.InitLiabWeight,
		InitOverallAssetWeight: m.InitOverallAssetWeight,
		Base:                   base,
		Quote:                  quote,
		BaseLots:               pp.BaseLots,
		QuoteNative:            pp.QuoteNative,
		HasOpenOrders:          pp.HasOpenOrders(),
		HasOpenFills:           pp.HasOpenTakerFills(),
		BaseLotSize:            m.BaseLotSize,
		OraclePrice:            price,
	}
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// tokenIndexPos finds the slice position for a token index; a token that is
// not in the cache is an error (EnsureToken adds one).
func (hc *Cache) tokenIndexPos(ti state.TokenIndex) (int, error) {
	for i := range hc.Tokens {
		if hc.Tokens[i].TokenIndex == ti {
			return i, nil
		}
	}
	return 0, fmt.Errorf("token index %d not in health cache", ti)
}

// TokenInfoFor returns the cache entry for a token index.
func (hc *Cache) TokenInfoFor(ti state.TokenIndex) (*TokenInfo, error) {
	i, err := hc.tokenIndexPos(ti)
	if err != nil {
		return nil, err
	}
	return &hc.Tokens[i], nil
}

// Clone deep-copies the cache for what-if reasoning.
func (hc *Cache) Clone() *Cache {
	cp := &Cache{BeingLiquidated: hc.BeingLiquidated}
	cp.Tokens = append([]TokenInfo(nil), hc.Tokens...)
	cp.Serums = append([]SerumInfo(nil), hc.Serums...)
	cp.Perps = append([]PerpInfo(nil), hc.Perps...)
	return cp
}

// Health is the signed weighted sum, in quote-native units.
func (hc *Cache) Health(ht Type) fixed.Num {
	sum := fixed.Zero()
	for i := range hc.Tokens {
		t := &hc.Tokens[i]
		sum = sum.Add(t.contribution(ht, t.BalanceNative))
	}
	for i := range hc.Serums {
		sum = sum.Add(hc.serumAdjustment(ht, &hc.Serums[i]))
	}
	for i := range hc.Perps {
		sum = sum.Add(hc.Perps[i].contribution(ht))
	}
	return sum
}

// serumAdjustment returns the delta the reserved funds add on top of the
// plain token contributions: the worse of treating everything reserved as
// base vs as quote.
func (hc *Cache) serumAdjustment(ht Type, s *SerumInfo) fixed.Num {
	base := &hc.Tokens[s.BaseIndex]
	quote := &hc.Tokens[s.QuoteIndex]

	// reserved value in quote units, then re-expressed in each token
	reservedQuoteUnits := s.ReservedBase.Mul(base.OraclePrice).Add(s.ReservedQuote.Mul(quote.OraclePrice))
	if reservedQuoteUnits.IsZero() {
		return fixed.Zero()
	}

	baseNative := reservedQuoteUnits.Div(base.OraclePrice)
	quoteNative := reservedQuoteUnits.Div(quote.OraclePrice)

	plain := base.contribution(ht, base.BalanceNative).Add(quote.contribution(ht, quote.BalanceNative))
	allInBase := base.contribution(ht, base.BalanceNative.Add(baseNative)).Add(quote.contribution(ht, quote.BalanceNative))
	allInQuote := base.contribution(ht, base.BalanceNative).Add(quote.contribution(ht, quote.BalanceNative.Add(quoteNative)))

	return fixed.Min(allInBase, allInQuote).Sub(plain)
}

// AdjustTokenBalance mutates the cache in place for what-if reasoning:
// delta is in token native units.
func (hc *Cache) AdjustTokenBalance(ti state.TokenIndex, delta fixed.Num) error {
	i, err := hc.tokenIndexPos(ti)
	if err != nil {
		return err
	}
	hc.Tokens[i].BalanceNative = hc.Tokens[i].BalanceNative.Add(delta)
	return nil
}

// EnsureToken adds a zero-balance entry so what-if adjustments for a token
// the account never touched become possible.
func (hc *Cache) EnsureToken(info TokenInfo) {
	if _, err := hc.tokenIndexPos(info.TokenIndex); err == nil {
		return
	}
	info.BalanceNative = fixed.Zero()
	hc.Tokens = append(hc.Tokens, info)
}
