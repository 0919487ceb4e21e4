package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/helioslabs/solvent/pkg/chain"
	"github.com/helioslabs/solvent/pkg/rpc"
)

// SnapshotConfig drives the periodic bulk enumeration of group-relevant
// accounts.
type SnapshotConfig struct {
	Program             chain.Address
	Oracles             []chain.Address
	OpenOrders          func() []chain.Address // current set of known OO accounts, refreshed per snapshot
	Interval            time.Duration
	ParallelRpcRequests int
	AccountsPerBatch    int
	// MinSlot gates the first snapshot: it must complete at a slot the
	// stream has already reached, so later streaming writes are a superset.
	MinSlot uint64
}

// SnapshotSource periodically fetches the complete account set via bulk RPC
// and emits it as one Snapshot message.
type SnapshotSource struct {
	cfg SnapshotConfig
	rpc rpc.Client
	out chan<- Message
	log *zap.SugaredLogger
}

func NewSnapshotSource(cfg SnapshotConfig, client rpc.Client, out chan<- Message, log *zap.SugaredLogger) *SnapshotSource {
	if cfg.ParallelRpcRequests <= 0 {
		cfg.ParallelRpcRequests = 10
	}
	if cfg.AccountsPerBatch <= 0 {
		cfg.AccountsPerBatch = 100
	}
	return &SnapshotSource{cfg: cfg, rpc: client, out: out, log: log}
}

// Run takes a snapshot immediately, then on every interval tick. Transient
// RPC errors retry with backoff inside one snapshot attempt.
func (s *SnapshotSource) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		backoff := time.Second
		for ctx.Err() == nil {
			if err := s.snapshotOnce(ctx); err != nil {
				s.log.Warnw("snapshot failed", "err", err, "retry_in", backoff)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				if backoff < time.Minute {
					backoff *= 2
				}
				continue
			}
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *SnapshotSource) snapshotOnce(ctx context.Context) error {
	slot, keyed, err := s.rpc.GetProgramAccounts(ctx, s.cfg.Program)
	if err != nil {
		return fmt.Errorf("program accounts: %w", err)
	}
	if slot < s.cfg.MinSlot {
		return fmt.Errorf("snapshot slot %d below min slot %d", slot, s.cfg.MinSlot)
	}

	writes := make([]AccountWrite, 0, len(keyed))
	for _, ka := range keyed {
		writes = append(writes, writeOf(ka.Addr, ka.Info))
	}

	// oracles and open-orders accounts are fetched in parallel batches
	extra := append(append([]chain.Address(nil), s.cfg.Oracles...), s.openOrders()...)
	batches := batchAddrs(extra, s.cfg.AccountsPerBatch)

	var mu sync.Mutex
	var firstErr error
	sem := make(chan struct{}, s.cfg.ParallelRpcRequests)
	var wg sync.WaitGroup
	for _, batch := range batches {
		wg.Add(1)
		sem <- struct{}{}
		go func(addrs []chain.Address) {
			defer wg.Done()
			defer func() { <-sem }()
			bslot, infos, err := s.rpc.GetMultipleAccounts(ctx, addrs)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			for i, info := range infos {
				if info == nil {
					continue
				}
				w := writeOf(addrs[i], *info)
				w.Slot = bslot
				writes = append(writes, w)
			}
		}(batch)
	}
	wg.Wait()
	if firstErr != nil {
		return firstErr
	}

	s.log.Infow("snapshot complete", "slot", slot, "accounts", len(writes))
	select {
	case s.out <- Message{Kind: KindSnapshot, Snapshot: writes, SnapSlot: slot}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (s *SnapshotSource) openOrders() []chain.Address {
	if s.cfg.OpenOrders == nil {
		return nil
	}
	return s.cfg.OpenOrders()
}

func writeOf(addr chain.Address, info rpc.AccountInfo) AccountWrite {
	return AccountWrite{
		Addr: addr,
		Slot: info.Slot,
		// snapshots carry write_version 0 so any streaming write at the
		// same slot wins the stamp comparison
		WriteVersion: 0,
		Owner:        info.Owner,
		Data:         info.Data,
		Lamports:     info.Lamports,
		Executable:   info.Executable,
		RentEpoch:    info.RentEpoch,
	}
}

func batchAddrs(addrs []chain.Address, size int) [][]chain.Address {
	var out [][]chain.Address
	for len(addrs) > size {
		out = append(out, addrs[:size])
		addrs = addrs[size:]
	}
	if len(addrs) > 0 {
		out = append(out, addrs)
	}
	return out
}
