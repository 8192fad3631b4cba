package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/uuid"

	"signal-trader-go/broker"
	"signal-trader-go/config"
	"signal-trader-go/infrastructure/logger"
	"signal-trader-go/market"
	"signal-trader-go/metrics"
	"signal-trader-go/risk"
	"signal-trader-go/session"
	gates "signal-trader-go/signal"
	"signal-trader-go/store"
	"signal-trader-go/trade"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "config file path")
	metricsAddr := flag.String("metricsAddr", ":9100", "Prometheus listen address, empty disables")
	flag.Parse()

	cfg, err := config.LoadWithEnvOverrides(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLog, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer appLog.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		appLog.Info("shutdown signal received")
		cancel()
	}()

	collector := metrics.New()
	collector.Serve(*metricsAddr)

	var orders store.OrderLog
	var snapshots store.SnapshotStore
	if cfg.Store.PostgresDSN != "" {
		pg, err := store.NewPGStore(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			log.Fatalf("init store: %v", err)
		}
		defer pg.Close()
		orders, snapshots = pg, pg
	} else {
		appLog.Warn("no postgres DSN configured, order log disabled")
	}

	client := &broker.RESTClient{
		BaseURL:    cfg.Broker.BaseURL,
		Token:      cfg.Broker.Token,
		AccountID:  cfg.Broker.AccountID,
		HTTPClient: broker.NewDefaultHTTPClient(time.Duration(cfg.Broker.TimeoutMs) * time.Millisecond),
	}

	instruments := make([]string, 0, len(cfg.Instruments))
	for name := range cfg.Instruments {
		instruments = append(instruments, name)
	}
	sort.Strings(instruments)

	var stream broker.PriceStream
	switch cfg.Stream.Transport {
	case "websocket":
		stream = &broker.WSStream{
			URL:   fmt.Sprintf("%s/v3/accounts/%s/pricing/stream", cfg.Broker.StreamURL, cfg.Broker.AccountID),
			Token: cfg.Broker.Token,
		}
	default:
		stream = &broker.HTTPStream{
			StreamURL:   cfg.Broker.StreamURL,
			Token:       cfg.Broker.Token,
			AccountID:   cfg.Broker.AccountID,
			Instruments: instruments,
		}
	}

	quantums := make(map[string]float64, len(cfg.Instruments))
	spreadCeilings := make(map[string]float64, len(cfg.Instruments))
	for name, ic := range cfg.Instruments {
		if ic.LevelQuantumPips > 0 {
			quantums[name] = ic.LevelQuantumPips * market.PipSize(name)
		}
		spreadCeilings[name] = ic.SpreadCeilingPips
	}

	manager := trade.NewManager()
	ctrl, err := session.New(
		session.Config{
			SessionID:          uuid.NewString(),
			Env:                cfg.Env,
			Strategy:           cfg.Strategy,
			Instruments:        instruments,
			Duration:           cfg.SessionDuration(),
			Cooldown:           cfg.Cooldown(),
			ScanInterval:       time.Duration(cfg.Exits.ScanIntervalMs) * time.Millisecond,
			TakeProfitPips:     cfg.Bracket.TakeProfitPips,
			StopLossPips:       cfg.Bracket.StopLossPips,
			FallbackMarginRate: cfg.Sizing.MarginRate,
		},
		session.ExitParams(cfg.Exits, cfg.Gates),
		session.Components{
			Logger:   appLog,
			Markets:  market.NewRegistry(market.DefaultParams(), quantums),
			Pipeline: gates.NewPipeline(session.GateThresholds(cfg.Gates)),
			Guards: risk.MultiGuard{Guards: []risk.Guard{
				risk.SpreadGuard{CeilingPips: spreadCeilings},
			}},
			Breaker:    &risk.CircuitBreaker{},
			Sizing:     session.SizingParams(cfg.Sizing),
			Client:     client,
			Executor:   &broker.Executor{Client: client, TakeProfitPips: cfg.Bracket.TakeProfitPips, StopLossPips: cfg.Bracket.StopLossPips},
			Stream:     stream,
			Trades:     manager,
			Reconciler: trade.NewReconciler(client, manager, time.Duration(cfg.Exits.ReconcileIntervalMs)*time.Millisecond),
			Orders:     orders,
			Snapshots:  snapshots,
			Metrics:    collector,
		},
	)
	if err != nil {
		log.Fatalf("init session: %v", err)
	}

	watcher, err := config.NewWatcher(*cfgPath, 0)
	if err != nil {
		appLog.Warn("config watcher unavailable: " + err.Error())
	} else {
		go func() {
			if err := watcher.Run(ctx, ctrl.ApplyUpdate); err != nil && ctx.Err() == nil {
				appLog.Warn("config watcher stopped: " + err.Error())
			}
		}()
	}

	notifySystemd(ctx)

	summary, err := ctrl.Run(ctx)
	if err != nil {
		appLog.Error("session ended with error: " + err.Error())
	}
	appLog.Info(fmt.Sprintf("session %s done: %d ticks, %d fires", summary.SessionID, summary.Ticks, summary.Fires))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
}

// notifySystemd reports readiness and keeps the watchdog fed when the
// process runs as a systemd unit. A no-op everywhere else.
func notifySystemd(ctx context.Context) {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		return
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}()
}

func newLogger(cfg config.LogConfig) (*logger.Logger, error) {
	outputs := []string{"stdout"}
	if cfg.OutputFile != "" {
		outputs = append(outputs, "file")
	}
	return logger.New(logger.Config{
		Level:      cfg.Level,
		Format:     cfg.Format,
		Outputs:    outputs,
		OutputFile: cfg.OutputFile,
		ErrorFile:  cfg.ErrorFile,
	})
}
