// Command metrics_probe serves the trader's metric set with synthetic
// values so a Prometheus/Grafana pipeline can be verified without a
// live session.
package main

import (
	"flag"
	"fmt"
	"time"

	"signal-trader-go/metrics"
)

func main() {
	addr := flag.String("metricsAddr", ":9100", "Prometheus listen address")
	instrument := flag.String("instrument", "EUR_USD", "label used for the synthetic series")
	flag.Parse()

	collector := metrics.New()
	collector.Serve(*addr)
	fmt.Printf("metrics_probe serving on %s\n", *addr)

	// Emit a plausible spread of values across every metric family.
	collector.TicksProcessed.WithLabelValues(*instrument).Add(1200)
	collector.Fires.WithLabelValues(*instrument).Add(3)
	collector.GateFailures.WithLabelValues("rule_of_n").Add(41)
	collector.GateFailures.WithLabelValues("ghost_vpin").Add(7)
	collector.Exits.WithLabelValues("baseline_drop").Add(2)
	collector.Exits.WithLabelValues("z_reversal").Inc()
	collector.OpenTrades.Set(1)
	collector.NAV.Set(100000)
	collector.SlippagePips.Observe(0.4)
	collector.SlippagePips.Observe(1.1)
	collector.FillLatency.Observe(0.12)

	for {
		time.Sleep(time.Second)
		collector.TicksProcessed.WithLabelValues(*instrument).Inc()
	}
}
