// Package metrics exposes the agent's operational gauges and counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Metrics struct {
	Registry *prometheus.Registry

	AccountUpdateQueueLen prometheus.Gauge
	MirroredAccounts      prometheus.Gauge
	MirroredSlots         prometheus.Gauge
	MirrorWriteCount      prometheus.Gauge
	FeedDegraded          prometheus.Gauge

	LiquidationsSent prometheus.Counter
	TcsTriggersSent  prometheus.Counter

	FillEventsNew  prometheus.Counter
	FillEventsDrop prometheus.Counter
	HeadUpdates    prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		AccountUpdateQueueLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "account_update_queue_length", Help: "pending feed messages"}),
		MirroredAccounts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chain_mirror_accounts", Help: "accounts held in the mirror"}),
		MirroredSlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chain_mirror_slots", Help: "slot records retained"}),
		MirrorWriteCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chain_mirror_account_writes", Help: "account writes applied"}),
		FeedDegraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feed_degraded", Help: "1 while the streaming source is disconnected"}),
		LiquidationsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "liquidations_sent", Help: "liquidation transactions submitted"}),
		TcsTriggersSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcs_triggers_sent", Help: "conditional swap triggers submitted"}),
		FillEventsNew: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fills_feed_events_new", Help: "new fill events published"}),
		FillEventsDrop: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fills_feed_events_drop", Help: "fills revoked"}),
		HeadUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fills_feed_head_update", Help: "event queue head movements"}),
	}
	reg.MustRegister(
		m.AccountUpdateQueueLen, m.MirroredAccounts, m.MirroredSlots,
		m.MirrorWriteCount, m.FeedDegraded, m.LiquidationsSent,
		m.TcsTriggersSent, m.FillEventsNew, m.FillEventsDrop, m.HeadUpdates,
	)
	return m
}

// Serve exposes /metrics on addr; empty addr disables the listener.
func (m *Metrics) Serve(addr string, log *zap.SugaredLogger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Warnw("metrics listener stopped", "err", err)
		}
	}()
	log.Infow("metrics listening", "addr", addr)
}
