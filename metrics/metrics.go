// Package metrics provides Prometheus metrics for the trading engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the engine's Prometheus instruments on a private
// registry so tests can build as many as they like.
type Collector struct {
	registry *prometheus.Registry

	TicksProcessed *prometheus.CounterVec
	Fires          *prometheus.CounterVec
	GateFailures   *prometheus.CounterVec
	Exits          *prometheus.CounterVec
	BrokerErrors   prometheus.Counter
	Reconciles     prometheus.Counter

	OpenTrades prometheus.Gauge
	NAV        prometheus.Gauge

	SlippagePips prometheus.Histogram
	FillLatency  prometheus.Histogram
}

// New creates a collector with its own registry.
func New() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,

		TicksProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_ticks_total",
			Help: "Price ticks consumed per instrument",
		}, []string{"instrument"}),
		Fires: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_fires_total",
			Help: "Entry signals fired per instrument",
		}, []string{"instrument"}),
		GateFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_gate_failures_total",
			Help: "Entry pipeline rejections per gate",
		}, []string{"gate"}),
		Exits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_exits_total",
			Help: "Trade closes per exit reason",
		}, []string{"reason"}),
		BrokerErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "trader_broker_errors_total",
			Help: "Broker request failures",
		}),
		Reconciles: factory.NewCounter(prometheus.CounterOpts{
			Name: "trader_reconcile_runs_total",
			Help: "Broker reconciliation passes",
		}),
		OpenTrades: factory.NewGauge(prometheus.GaugeOpts{
			Name: "trader_open_trades",
			Help: "Currently open trades",
		}),
		NAV: factory.NewGauge(prometheus.GaugeOpts{
			Name: "trader_nav",
			Help: "Account net asset value from the last summary fetch",
		}),
		SlippagePips: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "trader_slippage_pips",
			Help:    "Measured fill slippage in pips",
			Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 4.0, 8.0},
		}),
		FillLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "trader_fill_latency_seconds",
			Help:    "Order round-trip latency",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Handler exposes the collector's registry for scraping.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve starts the metrics endpoint in the background. An empty addr
// disables it.
func (c *Collector) Serve(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	go func() {
		_ = http.ListenAndServe(addr, mux)
	}()
}
