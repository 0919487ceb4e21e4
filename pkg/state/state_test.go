package state

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/helioslabs/solvent/pkg/chain"
	"github.com/helioslabs/solvent/pkg/fixed"
)

func TestMarginAccountRoundTrip(t *testing.T) {
	acct := &MarginAccount{
		Group:             chain.MustAddress("1111111111111111111111111111111111111111111111111111111111111111"),
		BeingLiquidated:   true,
		PerpSpotTransfers: -42,
		TokenPositions: []TokenPosition{
			{TokenIndex: 0, IndexedNative: fixed.FromFloat(1234.5), InUseCount: 2},
			{TokenIndex: 3, IndexedNative: fixed.FromInt(-77)},
		},
		Serum3: []Serum3Orders{{
			MarketIndex:     1,
			BaseTokenIndex:  3,
			QuoteTokenIndex: 0,
			LowestPlacedAsk: 2.25,
		}},
		PerpPositions: []PerpPosition{{
			MarketIndex:   0,
			BaseLots:      -5,
			QuoteNative:   fixed.FromFloat(-99.75),
			BidsBaseLots:  1,
			TakerBaseLots: 2,
		}},
		Tcs: []TcsEntry{NewTcsEntry(TcsEntry{
			ID:              11,
			BuyTokenIndex:   3,
			MaxBuy:          500,
			Bought:          20,
			PriceLower:      0.5,
			PriceUpper:      2.0,
			Type:            TcsPremiumAuction,
			Started:         true,
			DurationSeconds: 60,
		})},
	}

	got, err := DecodeMarginAccount(acct.Encode())
	require.NoError(t, err)
	require.Equal(t, acct.Group, got.Group)
	require.True(t, got.BeingLiquidated)
	require.Equal(t, int64(-42), got.PerpSpotTransfers)
	require.Len(t, got.TokenPositions, 2)
	require.True(t, got.TokenPositions[0].IndexedNative.Eq(fixed.FromFloat(1234.5)))
	require.True(t, got.TokenPositions[1].IndexedNative.Eq(fixed.FromInt(-77)))
	require.Len(t, got.Serum3, 1)
	require.Equal(t, 2.25, got.Serum3[0].LowestPlacedAsk)
	require.Len(t, got.PerpPositions, 1)
	require.Equal(t, int64(-5), got.PerpPositions[0].BaseLots)
	require.Equal(t, int64(-3), got.PerpPositions[0].EffectiveBaseLots())
	require.Len(t, got.Tcs, 1)
	tcs := got.Tcs[0]
	require.True(t, tcs.IsActive())
	require.Equal(t, uint64(480), tcs.RemainingBuy())
	require.True(t, tcs.Started)
}

func TestDecodeRejectsWrongTag(t *testing.T) {
	bank := &Bank{TokenIndex: 1, DepositIndex: fixed.One(), BorrowIndex: fixed.One()}
	_, err := DecodeMarginAccount(bank.Encode())
	require.Error(t, err)

	_, err = DecodeBank((&MarginAccount{}).Encode())
	require.Error(t, err)
}

func TestTokenPositionNative(t *testing.T) {
	b := &Bank{
		DepositIndex: fixed.FromFloat(1.5),
		BorrowIndex:  fixed.FromFloat(2.0),
	}
	dep := TokenPosition{TokenIndex: 1, IndexedNative: fixed.FromInt(100)}
	require.True(t, dep.Native(b).Eq(fixed.FromInt(150)))
	bor := TokenPosition{TokenIndex: 1, IndexedNative: fixed.FromInt(-100)}
	require.True(t, bor.Native(b).Eq(fixed.FromInt(-200)))
}

func TestBookSideQuantityAtPrice(t *testing.T) {
	bids := &BookSide{IsBids: true, Orders: []BookOrder{
		{OrderID: 1, PriceLots: 100, Quantity: 5},
		{OrderID: 2, PriceLots: 98, Quantity: 7},
	}}
	require.Equal(t, int64(5), bids.QuantityAtPrice(99))
	require.Equal(t, int64(12), bids.QuantityAtPrice(98))
	asks := &BookSide{Orders: []BookOrder{{OrderID: 3, PriceLots: 101, Quantity: 4}}}
	require.Equal(t, int64(4), asks.QuantityAtPrice(101))
	require.Equal(t, int64(0), asks.QuantityAtPrice(100))
}
