package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/helioslabs/solvent/pkg/chain"
	"github.com/helioslabs/solvent/pkg/fixed"
	"github.com/helioslabs/solvent/pkg/rpc"
	"github.com/helioslabs/solvent/pkg/state"
)

// AccountFetcher reads accounts out of the mirror, optionally forcing a
// fresh RPC fetch that is installed back into the mirror so later readers
// see it too.
type AccountFetcher struct {
	Mirror *chain.Mirror
	Rpc    rpc.Client
}

// FetchRaw returns the mirrored record for addr.
func (f *AccountFetcher) FetchRaw(addr chain.Address) (*chain.AccountRecord, error) {
	rec := f.Mirror.Read(addr)
	if rec == nil {
		return nil, fmt.Errorf("account %s not in mirror", addr)
	}
	return rec, nil
}

// FetchFresh bypasses the mirror, fetches via RPC and installs the result.
func (f *AccountFetcher) FetchFresh(ctx context.Context, addr chain.Address) (*chain.AccountRecord, error) {
	info, err := f.Rpc.GetAccountInfo(ctx, addr)
	if err != nil {
		return nil, err
	}
	rec := chain.AccountRecord{
		Addr: addr,
		// rpc fetches carry the max write version for their slot so they
		// replace any streamed write of the same slot
		Stamp:      chain.Stamp{Slot: info.Slot, WriteVersion: ^uint64(0)},
		Owner:      info.Owner,
		Data:       info.Data,
		Lamports:   info.Lamports,
		Executable: info.Executable,
		RentEpoch:  info.RentEpoch,
	}
	b := f.Mirror.Begin()
	b.ApplyAccountWrite(rec)
	b.Commit()
	return f.FetchRaw(addr)
}

func (f *AccountFetcher) FetchMarginAccount(addr chain.Address) (*state.MarginAccount, error) {
	rec, err := f.FetchRaw(addr)
	if err != nil {
		return nil, err
	}
	return state.DecodeMarginAccount(rec.Data)
}

func (f *AccountFetcher) FetchFreshMarginAccount(ctx context.Context, addr chain.Address) (*state.MarginAccount, error) {
	rec, err := f.FetchFresh(ctx, addr)
	if err != nil {
		return nil, err
	}
	return state.DecodeMarginAccount(rec.Data)
}

func (f *AccountFetcher) FetchBank(addr chain.Address) (*state.Bank, error) {
	rec, err := f.FetchRaw(addr)
	if err != nil {
		return nil, err
	}
	return state.DecodeBank(rec.Data)
}

func (f *AccountFetcher) FetchOpenOrders(addr chain.Address) (*state.OpenOrders, error) {
	rec, err := f.FetchRaw(addr)
	if err != nil {
		return nil, err
	}
	return state.DecodeOpenOrders(rec.Data)
}

func (f *AccountFetcher) FetchBookSide(addr chain.Address) (*state.BookSide, error) {
	rec, err := f.FetchRaw(addr)
	if err != nil {
		return nil, err
	}
	return state.DecodeBookSide(rec.Data)
}

// OraclePrice reads the posted native/native price for an oracle account.
func (f *AccountFetcher) OraclePrice(oracle chain.Address) (fixed.Num, error) {
	rec, err := f.FetchRaw(oracle)
	if err != nil {
		return fixed.Zero(), err
	}
	o, err := state.DecodeStubOracle(rec.Data)
	if err != nil {
		return fixed.Zero(), err
	}
	return o.Price, nil
}

// TokenOraclePrice resolves a token index to its oracle price.
func (f *AccountFetcher) TokenOraclePrice(c *Context, ti state.TokenIndex) (fixed.Num, error) {
	tc, err := c.Token(ti)
	if err != nil {
		return fixed.Zero(), err
	}
	return f.OraclePrice(tc.Oracle())
}

// PerpOraclePrice resolves a perp market index to its oracle price.
func (f *AccountFetcher) PerpOraclePrice(c *Context, idx state.PerpMarketIndex) (fixed.Num, error) {
	pc, err := c.Perp(idx)
	if err != nil {
		return fixed.Zero(), err
	}
	return f.OraclePrice(pc.Market.Oracle)
}

// TransactionMaxSlot returns the highest confirmed slot of the signatures.
func (f *AccountFetcher) TransactionMaxSlot(ctx context.Context, sigs []string) (uint64, error) {
	return f.Rpc.GetSignatureStatuses(ctx, sigs)
}

// RefreshUntilSlot re-fetches addrs via RPC until each result lands at or
// past minSlot, or the timeout elapses. Used after a transaction so the
// next decision sees its effects.
func (f *AccountFetcher) RefreshUntilSlot(ctx context.Context, addrs []chain.Address, minSlot uint64, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for _, addr := range addrs {
		for {
			rec, err := f.FetchFresh(ctx, addr)
			if err == nil && rec.Stamp.Slot >= minSlot {
				break
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("account %s did not reach slot %d within %s", addr, minSlot, timeout)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(500 * time.Millisecond):
			}
		}
	}
	return nil
}
