// Package exchange holds the static group context and the account fetcher
// that reads decoded program accounts through the mirror.
package exchange

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/helioslabs/solvent/pkg/chain"
	"github.com/helioslabs/solvent/pkg/fixed"
	"github.com/helioslabs/solvent/pkg/rpc"
	"github.com/helioslabs/solvent/pkg/state"
)

// TokenContext is the immutable registry entry for one token.
type TokenContext struct {
	TokenIndex state.TokenIndex
	Mint       chain.Address
	MintInfo   *state.MintInfo
	Decimals   uint8
}

func (t *TokenContext) FirstBank() chain.Address { return t.MintInfo.FirstBank() }
func (t *TokenContext) Oracle() chain.Address    { return t.MintInfo.Oracle }

// NativeToUI converts a native amount to display units.
func (t *TokenContext) NativeToUI(native fixed.Num) float64 {
	f := native.Float64()
	for i := uint8(0); i < t.Decimals; i++ {
		f /= 10
	}
	return f
}

// PerpContext is the immutable descriptor for one perp market.
type PerpContext struct {
	PerpMarketIndex state.PerpMarketIndex
	Address         chain.Address
	Market          *state.PerpMarket
}

// SerumContext is the immutable descriptor for one external spot market.
type SerumContext struct {
	SerumMarketIndex state.SerumMarketIndex
	Address          chain.Address
	Market           *state.SerumMarket
}

// Context is built once at startup from bulk RPC and never mutated after.
type Context struct {
	Group   chain.Address
	Program chain.Address

	Tokens       map[state.TokenIndex]*TokenContext
	TokensByMint map[chain.Address]*TokenContext
	Perps        map[state.PerpMarketIndex]*PerpContext
	Serums       map[state.SerumMarketIndex]*SerumContext

	oracles []chain.Address
}

func (c *Context) Token(ti state.TokenIndex) (*TokenContext, error) {
	t, ok := c.Tokens[ti]
	if !ok {
		return nil, fmt.Errorf("unknown token index %d", ti)
	}
	return t, nil
}

func (c *Context) TokenByMint(mint chain.Address) (*TokenContext, error) {
	t, ok := c.TokensByMint[mint]
	if !ok {
		return nil, fmt.Errorf("unknown mint %s", mint)
	}
	return t, nil
}

func (c *Context) Perp(idx state.PerpMarketIndex) (*PerpContext, error) {
	p, ok := c.Perps[idx]
	if !ok {
		return nil, fmt.Errorf("unknown perp market index %d", idx)
	}
	return p, nil
}

func (c *Context) Serum(idx state.SerumMarketIndex) (*SerumContext, error) {
	s, ok := c.Serums[idx]
	if !ok {
		return nil, fmt.Errorf("unknown serum market index %d", idx)
	}
	return s, nil
}

// OracleSet is the union of token and perp oracles, deduplicated.
func (c *Context) OracleSet() []chain.Address {
	return append([]chain.Address(nil), c.oracles...)
}

// LoadContext enumerates all program accounts of the group and builds the
// registry. It refuses to proceed if any market's risk weights violate the
// scenario-invariance property the health model depends on.
func LoadContext(ctx context.Context, client rpc.Client, program, group chain.Address, log *zap.SugaredLogger) (*Context, error) {
	_, keyed, err := client.GetProgramAccounts(ctx, program)
	if err != nil {
		return nil, fmt.Errorf("loading group context: %w", err)
	}

	c := &Context{
		Group:        group,
		Program:      program,
		Tokens:       make(map[state.TokenIndex]*TokenContext),
		TokensByMint: make(map[chain.Address]*TokenContext),
		Perps:        make(map[state.PerpMarketIndex]*PerpContext),
		Serums:       make(map[state.SerumMarketIndex]*SerumContext),
	}

	banks := make(map[state.TokenIndex]*state.Bank)
	seenOracle := make(map[chain.Address]bool)

	for _, ka := range keyed {
		tag, ok := state.Tag(ka.Info.Data)
		if !ok {
			continue
		}
		switch tag {
		case state.TagMintInfo:
			mi, err := state.DecodeMintInfo(ka.Info.Data)
			if err != nil {
				return nil, fmt.Errorf("mint info %s: %w", ka.Addr, err)
			}
			if mi.Group != group {
				continue
			}
			tc := &TokenContext{TokenIndex: mi.TokenIndex, Mint: mi.Mint, MintInfo: mi}
			c.Tokens[mi.TokenIndex] = tc
			c.TokensByMint[mi.Mint] = tc
			if !seenOracle[mi.Oracle] {
				seenOracle[mi.Oracle] = true
				c.oracles = append(c.oracles, mi.Oracle)
			}
		case state.TagBank:
			b, err := state.DecodeBank(ka.Info.Data)
			if err != nil {
				return nil, fmt.Errorf("bank %s: %w", ka.Addr, err)
			}
			if b.Group != group {
				continue
			}
			if b.BankNum == 0 {
				banks[b.TokenIndex] = b
			}
		case state.TagPerpMarket:
			p, err := state.DecodePerpMarket(ka.Info.Data)
			if err != nil {
				return nil, fmt.Errorf("perp market %s: %w", ka.Addr, err)
			}
			if p.Group != group {
				continue
			}
			c.Perps[p.PerpMarketIndex] = &PerpContext{PerpMarketIndex: p.PerpMarketIndex, Address: ka.Addr, Market: p}
			if !seenOracle[p.Oracle] {
				seenOracle[p.Oracle] = true
				c.oracles = append(c.oracles, p.Oracle)
			}
		case state.TagSerumMarket:
			s, err := state.DecodeSerumMarket(ka.Info.Data)
			if err != nil {
				return nil, fmt.Errorf("serum market %s: %w", ka.Addr, err)
			}
			if s.Group != group {
				continue
			}
			c.Serums[s.SerumMarketIndex] = &SerumContext{SerumMarketIndex: s.SerumMarketIndex, Address: ka.Addr, Market: s}
		}
	}

	// decimals come from the first bank of each token
	for ti, tc := range c.Tokens {
		if b, ok := banks[ti]; ok {
			tc.Decimals = b.Decimals
		}
	}

	for ti, b := range banks {
		if err := checkWeightProperty(b.InitAssetWeight, b.InitLiabWeight, b.MaintAssetWeight, b.MaintLiabWeight); err != nil {
			return nil, fmt.Errorf("token %d: %w", ti, err)
		}
	}
	for idx, p := range c.Perps {
		m := p.Market
		if err := checkWeightProperty(m.InitAssetWeight, m.InitLiabWeight, m.MaintAssetWeight, m.MaintLiabWeight); err != nil {
			return nil, fmt.Errorf("perp market %d: %w", idx, err)
		}
	}

	log.Infow("group context loaded",
		"tokens", len(c.Tokens), "perp_markets", len(c.Perps), "serum_markets", len(c.Serums), "oracles", len(c.oracles))
	return c, nil
}

// checkWeightProperty verifies
//
//	(1 - init_asset_w) / (init_liab_w - 1) == (1 - maint_asset_w) / (maint_liab_w - 1)
//
// which makes the bids-filled/asks-filled scenario choice independent of the
// health type. A violation means an unsupported protocol upgrade.
func checkWeightProperty(initAsset, initLiab, maintAsset, maintLiab fixed.Num) error {
	one := fixed.One()
	lhs := one.Sub(initAsset).Mul(maintLiab.Sub(one))
	rhs := one.Sub(maintAsset).Mul(initLiab.Sub(one))
	// allow a few ULP of slack from the cross multiplication
	if lhs.Sub(rhs).Abs().Gt(fixed.FromFloat(1e-9)) {
		return fmt.Errorf("risk weights violate scenario invariance: lhs=%v rhs=%v", lhs, rhs)
	}
	return nil
}
