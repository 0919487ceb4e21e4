// Package tcs executes user-configured token conditional swaps: fixed
// premium stops plus linear and premium auctions.
package tcs

import (
	"errors"
	"fmt"
	"time"

	"github.com/helioslabs/solvent/pkg/fixed"
	"github.com/helioslabs/solvent/pkg/state"
)

// ErrExpired marks an auction past its expiry timestamp.
var ErrExpired = errors.New("token conditional swap expired")

// ErrNotStarted marks an auction whose start has not happened yet.
var ErrNotStarted = errors.New("token conditional swap not started")

// PremiumPrice returns the sell-per-buy execution price before maker/taker
// fees, for the entry at wall-clock now. basePrice is buy_oracle/sell_oracle.
func PremiumPrice(t *state.TcsEntry, basePrice float64, now time.Time) (float64, error) {
	ts := uint64(now.Unix())
	switch t.Type {
	case state.TcsFixedPremium:
		return basePrice * (1 + t.PricePremiumRate), nil

	case state.TcsLinearAuction:
		// the auction defines the price directly, interpolated over its
		// duration and clamped at the end price
		if ts < t.StartTimestamp {
			return 0, ErrNotStarted
		}
		if t.ExpiryTimestamp != 0 && ts > t.ExpiryTimestamp {
			return 0, ErrExpired
		}
		elapsed := ts - t.StartTimestamp
		if t.DurationSeconds == 0 || elapsed >= t.DurationSeconds {
			return t.PriceEnd, nil
		}
		frac := float64(elapsed) / float64(t.DurationSeconds)
		return t.PriceStart + (t.PriceEnd-t.PriceStart)*frac, nil

	case state.TcsPremiumAuction:
		if !t.Started {
			return 0, ErrNotStarted
		}
		if t.ExpiryTimestamp != 0 && ts > t.ExpiryTimestamp {
			return 0, ErrExpired
		}
		rate := t.PricePremiumRate
		if t.DurationSeconds > 0 && ts >= t.StartTimestamp {
			elapsed := ts - t.StartTimestamp
			if elapsed < t.DurationSeconds {
				rate = t.PricePremiumRate * float64(elapsed) / float64(t.DurationSeconds)
			}
		}
		return basePrice * (1 + rate), nil

	default:
		return 0, fmt.Errorf("unknown tcs type %d", t.Type)
	}
}

// MakerPrice is what the liqee effectively pays per buy-token native.
func MakerPrice(t *state.TcsEntry, premiumPrice float64) float64 {
	return premiumPrice * (1 + t.MakerFeeRate)
}

// TakerPrice is what the executing agent effectively receives per native.
func TakerPrice(t *state.TcsEntry, premiumPrice float64) float64 {
	return premiumPrice * (1 + t.TakerFeeRate)
}

// PricePremiumBps is the current incentive in basis points over the oracle
// base price.
func PricePremiumBps(t *state.TcsEntry, basePrice float64, now time.Time) (int64, error) {
	p, err := PremiumPrice(t, basePrice, now)
	if err != nil {
		return 0, err
	}
	if basePrice <= 0 {
		return 0, fmt.Errorf("non-positive base price %v", basePrice)
	}
	return int64((p/basePrice - 1) * 10000), nil
}

// PriceThresholdReached decides whether the entry may execute at basePrice.
// With price_lower <= price_upper the pair is a band (execute inside it);
// inverted bounds form an escape trigger (execute outside).
func PriceThresholdReached(t *state.TcsEntry, basePrice float64) bool {
	if t.PriceLower <= t.PriceUpper {
		return basePrice >= t.PriceLower && basePrice <= t.PriceUpper
	}
	return basePrice >= t.PriceLower || basePrice <= t.PriceUpper
}

// CanStart reports whether a premium auction may be started now: the
// oracle band must hold and the auction must not already run.
func CanStart(t *state.TcsEntry, basePrice float64) error {
	if t.Type != state.TcsPremiumAuction {
		return fmt.Errorf("only premium auctions are started explicitly")
	}
	if t.Started {
		return fmt.Errorf("already started")
	}
	if !PriceThresholdReached(t, basePrice) {
		return fmt.Errorf("oracle price %v outside start band [%v, %v]", basePrice, t.PriceLower, t.PriceUpper)
	}
	return nil
}

// TradeAmount clamps the (buy, sell) amounts by the entry's remaining
// volume and the deposit/borrow creation flags, then balances them at the
// price. buyBalance/sellBalance are the liqee's current native balances.
func TradeAmount(t *state.TcsEntry, sellPerBuyPrice fixed.Num, maxBuy, maxSell uint64, buyBalance, sellBalance fixed.Num) (uint64, uint64) {
	mb := min64(maxBuy, t.RemainingBuy())
	if !t.AllowCreatingDeposits {
		// ceil: reaching 0..1 deposited natives is fine
		lim, _ := fixed.Max(buyBalance.Neg(), fixed.Zero()).Ceil().Uint64()
		mb = min64(mb, lim)
	}
	ms := min64(maxSell, t.RemainingSell())
	if !t.AllowCreatingBorrows {
		// floor: never cross below zero
		lim, _ := fixed.Max(sellBalance, fixed.Zero()).Floor().Uint64()
		ms = min64(ms, lim)
	}
	return TradeAmountInner(mb, ms, sellPerBuyPrice)
}

// TradeAmountInner balances integral buy and sell amounts so that
// sell = floor(buy * price), with buy == 0 iff sell == 0.
func TradeAmountInner(maxBuy, maxSell uint64, sellPerBuyPrice fixed.Num) (uint64, uint64) {
	var buyForSell uint64
	if sellPerBuyPrice.Gt(fixed.One()) {
		// e.g. max_sell=1, price=1.9: buy=1, sell=1 — flooring the sell
		// amount is acceptable
		v, _ := fixed.FromUint(maxSell).Add(fixed.One()).Sub(fixed.Delta()).Div(sellPerBuyPrice).Floor().Uint64()
		buyForSell = v
	} else {
		// e.g. max_buy=7, max_sell=4, price=0.6: buy=7, sell=4
		// e.g. max_buy=1, max_sell=1, price=0.01: buy=0, sell=0
		v, _ := fixed.Min(fixed.FromUint(maxBuy).Mul(sellPerBuyPrice).Floor(), fixed.FromUint(maxSell)).
			Div(sellPerBuyPrice).Ceil().Uint64()
		buyForSell = v
	}
	buyAmount := min64(maxBuy, buyForSell)
	sellForBuy, _ := fixed.FromUint(buyAmount).Mul(sellPerBuyPrice).Floor().Uint64()
	sellAmount := min64(maxSell, sellForBuy)

	if (buyAmount > 0) != (sellAmount > 0) {
		// never exchange something for nothing
		return 0, 0
	}
	return buyAmount, sellAmount
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
