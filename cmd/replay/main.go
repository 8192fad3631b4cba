// Command replay feeds a recorded pricing stream capture (one JSON
// message per line, the same schema the live feed emits) through the
// estimators and the entry pipeline, and reports what would have fired.
// Useful for threshold tuning against real tick tapes without a broker.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"

	"signal-trader-go/broker"
	"signal-trader-go/config"
	"signal-trader-go/market"
	"signal-trader-go/session"
	gates "signal-trader-go/signal"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "config file path")
	tapePath := flag.String("tape", "", "recorded stream file, line-delimited JSON")
	verbose := flag.Bool("v", false, "print every fire as it happens")
	flag.Parse()

	if *tapePath == "" {
		log.Fatal("missing -tape")
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	f, err := os.Open(*tapePath)
	if err != nil {
		log.Fatalf("open tape: %v", err)
	}
	defer f.Close()

	registry := market.NewRegistry(market.DefaultParams(), nil)
	pipeline := gates.NewPipeline(session.GateThresholds(cfg.Gates))

	var lines, ticks, fires int
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		tick, ok, err := broker.ParseTick(raw)
		if err != nil || !ok {
			continue
		}
		ticks++
		tr := registry.Tracker(tick.Instrument)
		tr.OnTick(tick)

		verdict := pipeline.Evaluate(tr.Snapshot(), false)
		if verdict.Fired {
			fires++
			if *verbose {
				snap := tr.Snapshot()
				fmt.Printf("fire %s %s @ %.5f hurst=%.3f z=%.2f eff=%.2f vpin=%.3f\n",
					tick.Instrument, verdict.Direction, snap.Mid,
					snap.Hurst, snap.ZOfi, snap.Efficiency, snap.Vpin)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		log.Fatalf("read tape: %v", err)
	}

	fmt.Printf("replayed %d lines, %d ticks, %d fires\n", lines, ticks, fires)
	for instrument, tr := range registry.All() {
		snap := tr.Snapshot()
		fmt.Printf("%s ticks=%d hurst=%.3f vpin=%.3f eff=%.2f state=%s\n",
			instrument, snap.Ticks, snap.Hurst, snap.Vpin, snap.Efficiency, snap.State)
	}
	for gate, n := range pipeline.Failures() {
		fmt.Printf("gate %-12s blocked %d scans\n", gate, n)
	}
}
