// Command reconcile is a one-shot operational tool: it lists the
// broker's open trades for the configured account and, with -closeAll,
// flattens them. Useful after a crashed session or before maintenance.
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"signal-trader-go/broker"
	"signal-trader-go/config"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "config file path")
	closeAll := flag.Bool("closeAll", false, "close every open trade")
	flag.Parse()

	cfg, err := config.LoadWithEnvOverrides(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	client := &broker.RESTClient{
		BaseURL:    cfg.Broker.BaseURL,
		Token:      cfg.Broker.Token,
		AccountID:  cfg.Broker.AccountID,
		HTTPClient: broker.NewDefaultHTTPClient(time.Duration(cfg.Broker.TimeoutMs) * time.Millisecond),
	}

	acct, err := client.AccountSummary()
	if err != nil {
		log.Fatalf("fetch account summary: %v", err)
	}
	fmt.Printf("account %s nav=%.2f marginAvailable=%.2f\n", cfg.Broker.AccountID, acct.NAV, acct.MarginAvailable)

	trades, err := client.OpenTrades()
	if err != nil {
		log.Fatalf("fetch open trades: %v", err)
	}
	if len(trades) == 0 {
		fmt.Println("no open trades")
		return
	}

	for _, t := range trades {
		fmt.Printf("%s %s units=%d entry=%.5f stop=%.5f opened=%s\n",
			t.ID, t.Instrument, t.Units, t.Price, t.StopLoss, t.OpenTime.Format(time.RFC3339))
	}

	if !*closeAll {
		return
	}
	for _, t := range trades {
		res, err := client.CloseTrade(t.ID)
		if err != nil {
			log.Printf("close %s failed: %v", t.ID, err)
			continue
		}
		fmt.Printf("closed %s at %.5f\n", t.ID, res.Price)
	}
}
