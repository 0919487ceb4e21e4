package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/helioslabs/solvent/params"
	"github.com/helioslabs/solvent/pkg/chain"
	"github.com/helioslabs/solvent/pkg/exchange"
	"github.com/helioslabs/solvent/pkg/feed"
	"github.com/helioslabs/solvent/pkg/fixed"
	"github.com/helioslabs/solvent/pkg/liquidate"
	"github.com/helioslabs/solvent/pkg/metrics"
	"github.com/helioslabs/solvent/pkg/rebalance"
	"github.com/helioslabs/solvent/pkg/rpc"
	"github.com/helioslabs/solvent/pkg/state"
	"github.com/helioslabs/solvent/pkg/swap"
	"github.com/helioslabs/solvent/pkg/tcs"
	"github.com/helioslabs/solvent/pkg/tx"
	"github.com/helioslabs/solvent/pkg/util"
)

// sharedState is what the mirror-updater task hands to the liquidation
// task: the known account set and the pending work.
type sharedState struct {
	mu sync.Mutex

	// every margin account seen so far; needed for check-all passes
	marginAccounts map[chain.Address]bool
	// accounts whose health might have changed since the last pass
	checkAccounts []chain.Address
	checkAll      bool
	// health checking only starts once the first snapshot completed
	oneSnapshotDone bool
}

func main() {
	cfg, err := params.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	var logger *zap.Logger
	if cfg.LogFile != "" {
		logger, err = util.NewLoggerWithFile(cfg.LogFile)
	} else {
		logger, err = util.NewLogger()
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Info("startup")

	program, err := chain.ParseAddress(cfg.ExchangeProgram)
	if err != nil {
		sugar.Fatalw("bad exchange program address", "err", err)
	}
	group, err := chain.ParseAddress(cfg.Group)
	if err != nil {
		sugar.Fatalw("bad group address", "err", err)
	}
	liqorAccount, err := chain.ParseAddress(cfg.LiqorAccount)
	if err != nil {
		sugar.Fatalw("bad liqor account address", "err", err)
	}
	signer, err := tx.LoadSignerFromFile(cfg.LiqorOwnerKeypair)
	if err != nil {
		sugar.Fatalw("loading liqor owner keypair", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rpcClient := rpc.NewHTTPClient(cfg.RpcURL, 10*time.Second)
	mirror := chain.NewMirror()
	fetcher := &exchange.AccountFetcher{Mirror: mirror, Rpc: rpcClient}

	// context is immutable after this point
	groupCtx, err := exchange.LoadContext(ctx, rpcClient, program, group, sugar)
	if err != nil {
		sugar.Fatalw("loading group context", "err", err)
	}

	mtr := metrics.New()
	mtr.Serve(cfg.MetricsListen, sugar)

	// ---- feed setup ----
	updates := make(chan feed.Message, 4096)
	wsURL := websocketURL(cfg.RpcURL)
	wsSource := feed.NewWebsocketSource(feed.WebsocketConfig{
		URL:     wsURL,
		Program: program,
		Oracles: groupCtx.OracleSet(),
	}, updates, sugar)
	go wsSource.Run(ctx)

	// the snapshot gate: it must complete past the first streamed slot
	var buffered []feed.Message
	firstSlot, err := feed.FirstStreamSlot(ctx, updates, &buffered, 10*time.Second)
	if err != nil {
		sugar.Fatalw("waiting for first streamed slot", "err", err)
	}

	shared := &sharedState{marginAccounts: make(map[chain.Address]bool)}

	snapSource := feed.NewSnapshotSource(feed.SnapshotConfig{
		Program:             program,
		Oracles:             groupCtx.OracleSet(),
		OpenOrders:          openOrdersProvider(shared, fetcher),
		Interval:            cfg.SnapshotInterval(),
		ParallelRpcRequests: cfg.ParallelRpcRequests,
		AccountsPerBatch:    cfg.AccountsPerBatch,
		MinSlot:             firstSlot + 10,
	}, rpcClient, updates, sugar)
	go snapSource.Run(ctx)

	// ---- decision engines ----
	builder := &tx.Builder{Ctx: groupCtx, LiqorAccount: liqorAccount, LiqorOwner: signer.Address()}
	sender := &tx.Sender{
		Rpc:                         rpcClient,
		Signer:                      signer,
		PrioritizationMicroLamports: cfg.PrioritizationMicroLamports,
		Log:                         sugar,
	}

	var router swap.Router
	if cfg.MockJupiter {
		router = &swap.MockRouter{Ctx: groupCtx, Fetcher: fetcher}
	} else {
		router = swap.NewHTTPRouter(cfg.JupiterURL, sugar)
	}

	// tokens without a live router market cannot be rebalanced away, so
	// they are excluded from the asset/liab selection up front
	buyableMints, sellableMints := swap.ProbeTradable(ctx, router, groupCtx, fetcher, sugar)

	engine := &liquidate.Engine{
		Ctx:       groupCtx,
		Fetcher:   fetcher,
		Builder:   builder,
		Submitter: sender,
		Cfg: liquidate.Config{
			MinHealthRatio:    fixed.FromFloat(cfg.MinHealthRatio),
			RefreshTimeout:    30 * time.Second,
			AllowedAssetMints: sellableMints,
			AllowedLiabMints:  buyableMints,
		},
		Log: sugar,
	}

	tcsCfg := tcs.DefaultConfig()
	tcsCfg.MinHealthRatio = fixed.FromFloat(cfg.TcsMinHealthRatio)
	tcsCfg.MinPremiumBps = int64(cfg.TcsMinPremiumBps)
	tcsExec := &tcs.Executor{
		Ctx:       groupCtx,
		Fetcher:   fetcher,
		Builder:   builder,
		Submitter: sender,
		Router:    router,
		Clock:     util.RealClock{},
		Cfg:       tcsCfg,
		Log:       sugar,
	}

	rebCfg := rebalance.DefaultConfig()
	rebCfg.SlippageBps = uint64(cfg.RebalanceSlippageBps)
	rebalancer := &rebalance.Rebalancer{
		Ctx:       groupCtx,
		Fetcher:   fetcher,
		Builder:   builder,
		Submitter: sender,
		Router:    router,
		Clock:     util.RealClock{},
		Cfg:       rebCfg,
		Log:       sugar,
		KnownAccounts: func() []chain.Address {
			shared.mu.Lock()
			defer shared.mu.Unlock()
			out := make([]chain.Address, 0, len(shared.marginAccounts))
			for a := range shared.marginAccounts {
				out = append(out, a)
			}
			return out
		},
	}

	runner := &liquidate.Runner{
		Engine:        engine,
		Tcs:           tcsExec,
		Rebalancer:    rebalancer,
		Tracker:       liquidate.NewErrorTracker(),
		Log:           sugar,
		OnLiquidation: mtr.LiquidationsSent.Inc,
		OnTcsTrigger:  mtr.TcsTriggersSent.Inc,
	}

	// signal with capacity 1: signaling an already-signaled task is a no-op
	trigger := make(chan struct{}, 1)
	signalTrigger := func() {
		select {
		case trigger <- struct{}{}:
		default:
		}
	}

	sugar.Info("main loop")

	var wg sync.WaitGroup

	// ---- mirror updater ----
	wg.Add(1)
	go func() {
		defer wg.Done()
		oracles := make(map[chain.Address]bool)
		for _, o := range groupCtx.OracleSet() {
			oracles[o] = true
		}
		// replay anything buffered while waiting for the first slot
		handle := func(msg feed.Message) {
			b := mirror.Begin()
			msg.Apply(b)
			b.Commit()
			mtr.AccountUpdateQueueLen.Set(float64(len(updates)))
			mtr.MirroredAccounts.Set(float64(mirror.AccountCount()))
			mtr.MirrorWriteCount.Set(float64(mirror.WriteCount()))
			if wsSource.Degraded() {
				mtr.FeedDegraded.Set(1)
			} else {
				mtr.FeedDegraded.Set(0)
			}

			switch msg.Kind {
			case feed.KindAccount:
				w := msg.Account
				shared.mu.Lock()
				if state.HasTag(w.Data, state.TagMarginAccount) {
					shared.marginAccounts[w.Addr] = true
					if !shared.checkAll {
						shared.checkAccounts = append(shared.checkAccounts, w.Addr)
					}
					shared.mu.Unlock()
					signalTrigger()
					return
				}
				mustCheckAll := state.HasTag(w.Data, state.TagBank) ||
					state.HasTag(w.Data, state.TagPerpMarket) ||
					oracles[w.Addr]
				if mustCheckAll {
					shared.checkAll = true
					shared.mu.Unlock()
					signalTrigger()
					return
				}
				shared.mu.Unlock()
			case feed.KindSnapshot:
				shared.mu.Lock()
				for i := range msg.Snapshot {
					w := &msg.Snapshot[i]
					if state.HasTag(w.Data, state.TagMarginAccount) {
						shared.marginAccounts[w.Addr] = true
					}
				}
				shared.oneSnapshotDone = true
				shared.checkAll = true
				shared.mu.Unlock()
				signalTrigger()
			}
		}
		for _, msg := range buffered {
			handle(msg)
		}
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-updates:
				handle(msg)
			}
		}
	}()

	// ---- liquidation task ----
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-trigger:
			}
			shared.mu.Lock()
			if !shared.oneSnapshotDone {
				shared.mu.Unlock()
				continue
			}
			var accounts []chain.Address
			if shared.checkAll {
				for a := range shared.marginAccounts {
					accounts = append(accounts, a)
				}
			} else {
				accounts = shared.checkAccounts
			}
			shared.checkAll = false
			shared.checkAccounts = nil
			shared.mu.Unlock()

			runner.MaybeLiquidateOneAndRebalance(ctx, accounts)
		}
	}()

	// ---- rebalance tick ----
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			shared.mu.Lock()
			ready := shared.oneSnapshotDone
			shared.mu.Unlock()
			if !ready {
				continue
			}
			if err := rebalancer.ZeroAllNonQuote(ctx); err != nil {
				sugar.Errorw("failed to rebalance liqor", "err", err)
				// hard pause to ride out chain forks instead of
				// re-sending a similar tx immediately
				select {
				case <-ctx.Done():
				case <-time.After(10 * time.Second):
				}
			}
		}
	}()

	// mirror stats ticker
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mtr.MirroredSlots.Set(float64(mirror.SlotCount()))
				sugar.Infow("mirror stats",
					"accounts", mirror.AccountCount(),
					"writes", mirror.WriteCount(),
					"max_slot", mirror.MaxSeenSlot())
			}
		}
	}()

	<-ctx.Done()
	sugar.Info("shutting down")
	wg.Wait()
}

// openOrdersProvider lists the open-orders addresses of known margin
// accounts so snapshots cover them.
func openOrdersProvider(shared *sharedState, fetcher *exchange.AccountFetcher) func() []chain.Address {
	return func() []chain.Address {
		shared.mu.Lock()
		accounts := make([]chain.Address, 0, len(shared.marginAccounts))
		for a := range shared.marginAccounts {
			accounts = append(accounts, a)
		}
		shared.mu.Unlock()

		var out []chain.Address
		for _, addr := range accounts {
			acct, err := fetcher.FetchMarginAccount(addr)
			if err != nil {
				continue
			}
			for _, so := range acct.ActiveSerum3() {
				out = append(out, so.OpenOrders)
			}
		}
		return out
	}
}

func websocketURL(rpcURL string) string {
	if len(rpcURL) >= 5 && rpcURL[:5] == "https" {
		return "wss" + rpcURL[5:]
	}
	if len(rpcURL) >= 4 && rpcURL[:4] == "http" {
		return "ws" + rpcURL[4:]
	}
	return rpcURL
}
