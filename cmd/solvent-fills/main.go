// solvent-fills serves the fill and orderbook diff feeds over websockets.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/helioslabs/solvent/params"
	"github.com/helioslabs/solvent/pkg/chain"
	"github.com/helioslabs/solvent/pkg/exchange"
	"github.com/helioslabs/solvent/pkg/feed"
	"github.com/helioslabs/solvent/pkg/fills"
	"github.com/helioslabs/solvent/pkg/metrics"
	"github.com/helioslabs/solvent/pkg/rpc"
	"github.com/helioslabs/solvent/pkg/util"
)

func main() {
	cfg, err := params.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.RpcURL == "" || cfg.ExchangeProgram == "" || cfg.Group == "" {
		log.Fatal("config: rpc_url, exchange_program and group are required")
	}

	logger, err := util.NewLogger()
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rpcClient := rpc.NewHTTPClient(cfg.RpcURL, 10*time.Second)
	mirror := chain.NewMirror()

	groupCtx, err := exchange.LoadContext(ctx, rpcClient, program, group, sugar)
	if err != nil {
		sugar.Fatalw("loading group context", "err", err)
	}

	mtr := metrics.New()
	mtr.Serve(cfg.MetricsListen, sugar)

	// one diffed market config per perp market, plus the external books
	var markets []fills.MarketConfig
	for _, pc := range groupCtx.Perps {
		markets = append(markets, fills.MarketConfig{
			Market:     pc.Address,
			Name:       pc.Market.Name,
			EventQueue: pc.Market.EventQueue,
			Bids:       pc.Market.Bids,
			Asks:       pc.Market.Asks,
		})
	}
	for _, sc := range groupCtx.Serums {
		markets = append(markets, fills.MarketConfig{
			Market:     sc.Address,
			Name:       sc.Address.Short(),
			EventQueue: sc.Market.EventQueue,
			Bids:       sc.Market.Bids,
			Asks:       sc.Market.Asks,
		})
	}

	out := make(chan fills.Message, 65536)
	engine := fills.NewEngine(markets, out, sugar)

	storePath := os.Getenv("CHECKPOINT_STORE")
	if storePath == "" {
		storePath = "data/fills-checkpoints"
	}
	store, err := fills.OpenCheckpointStore(storePath)
	if err != nil {
		sugar.Fatalw("opening checkpoint store", "err", err)
	}
	defer store.Close()

	hub := fills.NewHub(sugar)
	if cps, err := store.All(); err == nil {
		hub.LoadCheckpoints(cps)
	} else {
		sugar.Warnw("could not load stored checkpoints", "err", err)
	}
	go hub.Run()

	// pump: engine messages -> hub, checkpoints also persisted
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-out:
				if msg.Kind == fills.KindCheckpoint {
					if err := store.Save(msg.Checkpoint); err != nil {
						sugar.Warnw("checkpoint persist failed", "err", err)
					}
				}
				switch msg.Kind {
				case fills.KindFill:
					if msg.Fill.Status == fills.StatusRevoke {
						mtr.FillEventsDrop.Inc()
					} else {
						mtr.FillEventsNew.Inc()
					}
				case fills.KindHead:
					mtr.HeadUpdates.Inc()
				}
				hub.Publish(msg)
			}
		}
	}()

	// feed -> mirror -> engine
	updates := make(chan feed.Message, 4096)
	wsSource := feed.NewWebsocketSource(feed.WebsocketConfig{
		URL:     websocketURL(cfg.RpcURL),
		Program: program,
		Oracles: groupCtx.OracleSet(),
	}, updates, sugar)
	go wsSource.Run(ctx)

	var buffered []feed.Message
	firstSlot, err := feed.FirstStreamSlot(ctx, updates, &buffered, 10*time.Second)
	if err != nil {
		sugar.Fatalw("waiting for first streamed slot", "err", err)
	}
	snapSource := feed.NewSnapshotSource(feed.SnapshotConfig{
		Program:             program,
		Oracles:             groupCtx.OracleSet(),
		Interval:            cfg.SnapshotInterval(),
		ParallelRpcRequests: cfg.ParallelRpcRequests,
		AccountsPerBatch:    cfg.AccountsPerBatch,
		MinSlot:             firstSlot + 10,
	}, rpcClient, updates, sugar)
	go snapSource.Run(ctx)

	go func() {
		process := func(msg feed.Message) {
			b := mirror.Begin()
			msg.Apply(b)
			b.Commit()
			switch msg.Kind {
			case feed.KindAccount:
				if rec := mirror.Read(msg.Account.Addr); rec != nil {
					if err := engine.ProcessAccount(rec); err != nil {
						sugar.Fatalw("diff engine failed", "err", err)
					}
				}
			case feed.KindSnapshot:
				for i := range msg.Snapshot {
					if rec := mirror.Read(msg.Snapshot[i].Addr); rec != nil {
						if err := engine.ProcessAccount(rec); err != nil {
							sugar.Fatalw("diff engine failed", "err", err)
						}
					}
				}
			}
		}
		for _, msg := range buffered {
			process(msg)
		}
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-updates:
				process(msg)
			}
		}
	}()

	// HTTP surface
	router := mux.NewRouter()
	router.HandleFunc("/ws", hub.HandleWebSocket)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods("GET")

	handler := cors.New(cors.Options{AllowedOrigins: []string{"*"}}).Handler(router)
	listen := os.Getenv("LISTEN_ADDR")
	if listen == "" {
		listen = ":8080"
	}
	srv := &http.Server{Addr: listen, Handler: handler}
	go func() {
		sugar.Infow("fills service listening", "addr", listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Fatalw("http server", "err", err)
		}
	}()

	<-ctx.Done()
	sugar.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
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
