package swap

import (
	"context"

	"go.uber.org/zap"

	"github.com/helioslabs/solvent/pkg/chain"
	"github.com/helioslabs/solvent/pkg/exchange"
	"github.com/helioslabs/solvent/pkg/fixed"
	"github.com/helioslabs/solvent/pkg/state"
)

// probeSlippageBps is the slippage used for the liveness probes.
const probeSlippageBps = 100

// ProbeTradable checks which token mints have a live router market in each
// direction, by quoting a ~$10-equivalent trade. Tokens without a buy route
// cannot serve as liquidation liabs (we could not close the borrow we take
// over); tokens without a sell route cannot serve as assets. The quote
// token itself is always tradable.
func ProbeTradable(ctx context.Context, r Router, gc *exchange.Context, f *exchange.AccountFetcher, log *zap.SugaredLogger) (buyable, sellable map[chain.Address]bool) {
	buyable = make(map[chain.Address]bool)
	sellable = make(map[chain.Address]bool)

	quote, err := gc.Token(state.QuoteTokenIndex)
	if err != nil {
		return buyable, sellable
	}
	probeQuote := uint64(10)
	for i := uint8(0); i < quote.Decimals; i++ {
		probeQuote *= 10
	}
	buyable[quote.Mint] = true
	sellable[quote.Mint] = true

	for ti, tc := range gc.Tokens {
		if ti == state.QuoteTokenIndex {
			continue
		}
		price, err := f.OraclePrice(tc.Oracle())
		if err != nil || !price.IsPos() {
			log.Warnw("cannot price token for router probe", "token_index", ti, "err", err)
			continue
		}
		probeToken, _ := fixed.FromUint(probeQuote).Div(price).Floor().Uint64()
		if probeToken == 0 {
			probeToken = 1
		}

		if _, err := r.Route(ctx, quote.Mint, tc.Mint, probeQuote, probeSlippageBps, ExactIn); err == nil {
			buyable[tc.Mint] = true
		} else {
			log.Infow("token has no buy route, excluded as liquidation liab",
				"token_index", ti, "err", err)
		}
		if _, err := r.Route(ctx, tc.Mint, quote.Mint, probeToken, probeSlippageBps, ExactIn); err == nil {
			sellable[tc.Mint] = true
		} else {
			log.Infow("token has no sell route, excluded as liquidation asset",
				"token_index", ti, "err", err)
		}
	}
	return buyable, sellable
}
