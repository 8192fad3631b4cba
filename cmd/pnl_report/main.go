// Command pnl_report prints an execution-quality breakdown from the
// Postgres order log: fills, pip PnL, slippage and exit reasons.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"signal-trader-go/config"
	"signal-trader-go/posttrade"
	"signal-trader-go/store"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "config file path")
	sinceHours := flag.Int("sinceHours", 24, "report window in hours")
	flag.Parse()

	cfg, err := config.LoadWithEnvOverrides(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.Store.PostgresDSN == "" {
		log.Fatal("no postgres DSN configured; nothing to report on")
	}

	ctx := context.Background()
	pg, err := store.NewPGStore(ctx, cfg.Store.PostgresDSN)
	if err != nil {
		log.Fatalf("connect store: %v", err)
	}
	defer pg.Close()

	since := time.Now().Add(-time.Duration(*sinceHours) * time.Hour)
	rows, err := pg.ListOrders(ctx, since)
	if err != nil {
		log.Fatalf("list orders: %v", err)
	}
	if len(rows) == 0 {
		fmt.Printf("no fills since %s\n", since.Format(time.RFC3339))
		return
	}

	report := posttrade.Analyze(rows)
	for _, st := range report.Instruments {
		fmt.Printf("%s fills=%d closed=%d pnl=%.1fp (%d priced) slippage=%.2fp quality=%.3f latency=%.0fms\n",
			st.Instrument, st.Fills, st.Closed, st.PnLPips, st.PricedExits,
			st.AvgSlippage, st.AvgQuality, st.AvgLatencyMs)
	}
	if len(report.ByReason) > 0 {
		fmt.Println("exits by reason:")
		for reason, n := range report.ByReason {
			fmt.Printf("  %-16s %d\n", reason, n)
		}
	}
}
