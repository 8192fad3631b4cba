// Package session runs one bounded trading session: it owns the tick
// loop and wires the estimators, the entry pipeline, sizing, execution
// and the trade lifecycle together. Everything below the stream reader
// runs on the loop goroutine, so the domain state needs no locking.
package session

import (
	"context"
	"fmt"
	"math"
	"time"

	"signal-trader-go/broker"
	"signal-trader-go/config"
	"signal-trader-go/infrastructure/logger"
	"signal-trader-go/market"
	"signal-trader-go/metrics"
	"signal-trader-go/risk"
	"signal-trader-go/signal"
	"signal-trader-go/store"
	"signal-trader-go/trade"
)

// Breaker trips after this many consecutive order-path failures.
const maxConsecutiveOrderErrors = 3

// Config holds the per-session knobs.
type Config struct {
	SessionID   string
	Env         string
	Strategy    string // order-log tag for this signal model
	Instruments []string

	Duration     time.Duration // 0 means unbounded
	Cooldown     time.Duration // per-instrument re-entry wait after a close
	ScanInterval time.Duration

	TakeProfitPips     float64
	StopLossPips       float64
	FallbackMarginRate float64 // used when the account summary omits one
}

// Components are the session's collaborators. Orders and Snapshots may
// be nil; persistence then degrades to logging.
type Components struct {
	Logger     *logger.Logger
	Markets    *market.Registry
	Pipeline   *signal.Pipeline
	Guards     risk.MultiGuard
	Breaker    *risk.CircuitBreaker
	Sizing     risk.SizingParams
	Client     broker.Client
	Executor   *broker.Executor
	Stream     broker.PriceStream
	Trades     *trade.Manager
	Reconciler *trade.Reconciler
	Orders     store.OrderLog
	Snapshots  store.SnapshotStore
	Metrics    *metrics.Collector
}

// Summary is the end-of-session report.
type Summary struct {
	SessionID     string
	Started       time.Time
	Ended         time.Time
	Ticks         int64
	Scans         int64
	Fires         int64
	Rejections    int64
	ExitsByReason map[string]int64
	GateFailures  map[string]int64
	Hydrated      int
	Reconciler    trade.Stats
}

// Controller drives one session.
type Controller struct {
	cfg Config

	log        *logger.Logger
	markets    *market.Registry
	pipeline   *signal.Pipeline
	guards     risk.MultiGuard
	breaker    *risk.CircuitBreaker
	sizing     risk.SizingParams
	client     broker.Client
	executor   *broker.Executor
	stream     broker.PriceStream
	trades     *trade.Manager
	reconciler *trade.Reconciler
	orders     store.OrderLog
	snapshots  store.SnapshotStore
	metrics    *metrics.Collector

	exitParams trade.ExitParams
	updates    chan config.ThresholdUpdate

	lastScan      map[string]time.Time
	cooldownUntil map[string]time.Time
	orderErrors   int
	ticks         int64
	fires         int64
	rejections    int64
	exitsByReason map[string]int64
	hydrated      int
}

// New validates the wiring and builds a controller.
func New(cfg Config, exits trade.ExitParams, comp Components) (*Controller, error) {
	if len(cfg.Instruments) == 0 {
		return nil, fmt.Errorf("session: no instruments configured")
	}
	if comp.Logger == nil || comp.Markets == nil || comp.Pipeline == nil ||
		comp.Client == nil || comp.Executor == nil || comp.Stream == nil ||
		comp.Trades == nil || comp.Metrics == nil {
		return nil, fmt.Errorf("session: missing component")
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 250 * time.Millisecond
	}
	return &Controller{
		cfg:           cfg,
		log:           comp.Logger,
		markets:       comp.Markets,
		pipeline:      comp.Pipeline,
		guards:        comp.Guards,
		breaker:       comp.Breaker,
		sizing:        comp.Sizing,
		client:        comp.Client,
		executor:      comp.Executor,
		stream:        comp.Stream,
		trades:        comp.Trades,
		reconciler:    comp.Reconciler,
		orders:        comp.Orders,
		snapshots:     comp.Snapshots,
		metrics:       comp.Metrics,
		exitParams:    exits,
		updates:       make(chan config.ThresholdUpdate, 1),
		lastScan:      make(map[string]time.Time),
		cooldownUntil: make(map[string]time.Time),
		exitsByReason: make(map[string]int64),
	}, nil
}

// ApplyUpdate hands new thresholds to the loop. Safe to call from the
// config watcher goroutine; a pending update is replaced, not queued.
func (c *Controller) ApplyUpdate(upd config.ThresholdUpdate) {
	select {
	case c.updates <- upd:
	default:
		select {
		case <-c.updates:
		default:
		}
		c.updates <- upd
	}
}

// Run consumes the price stream until the session window closes or the
// context is canceled, then flushes open trades and reports a summary.
func (c *Controller) Run(ctx context.Context) (Summary, error) {
	started := time.Now()
	if c.cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Duration)
		defer cancel()
	}

	c.hydrate()
	c.loadCooldowns(ctx, started)

	ticks := make(chan market.Tick, 256)
	streamErr := make(chan error, 1)
	go func() {
		streamErr <- c.stream.Run(ctx, func(t market.Tick) {
			select {
			case ticks <- t:
			case <-ctx.Done():
			}
		})
		close(ticks)
	}()

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case upd := <-c.updates:
			c.applyUpdate(upd)
		case tick, ok := <-ticks:
			if !ok {
				if err := <-streamErr; err != nil && ctx.Err() == nil {
					runErr = fmt.Errorf("price stream: %w", err)
				}
				break loop
			}
			c.onTick(tick)
		}
	}

	c.flushOpenTrades()
	summary := c.summarize(started)
	c.persistSnapshots(summary)
	c.logSummary(summary)
	return summary, runErr
}

func (c *Controller) onTick(tick market.Tick) {
	tr := c.markets.Tracker(tick.Instrument)
	tr.OnTick(tick)
	c.ticks++
	c.metrics.TicksProcessed.WithLabelValues(tick.Instrument).Inc()

	now := tick.Time
	if now.Sub(c.lastScan[tick.Instrument]) < c.cfg.ScanInterval {
		return
	}
	c.lastScan[tick.Instrument] = now

	snap := tr.Snapshot()
	c.scanExits(snap, now)
	c.scanEntry(snap, now)

	if c.reconciler != nil && c.reconciler.Due(now) {
		c.reconcile(now)
	}
}

func (c *Controller) scanExits(snap market.Snapshot, now time.Time) {
	for _, rec := range c.trades.LiveFor(snap.Instrument) {
		c.scanExit(rec, snap, now)
	}
}

func (c *Controller) scanExit(rec *trade.Record, snap market.Snapshot, now time.Time) {
	if rec.State == trade.StateClosing {
		// A previous close attempt failed transiently; retry it.
		if !c.trades.CloseInFlight(rec.ID) {
			c.closeTrade(rec, rec.ExitReason)
		}
		return
	}

	dec := c.trades.EvaluateExit(rec, snap, now, c.exitParams)
	if dec.Activated {
		c.log.LogTrade("ratchet_activated", rec.ID, map[string]interface{}{
			"instrument": rec.Instrument,
			"mfe_pips":   rec.PID.MaxFavorablePips,
		})
	}
	if dec.NewStop != 0 {
		if err := c.client.ModifyStops(rec.ID, rec.Instrument, dec.NewStop, 0); err != nil {
			c.metrics.BrokerErrors.Inc()
			c.log.LogError(err, map[string]interface{}{"op": "modify_stops", "trade_id": rec.ID})
		} else {
			c.log.LogTrade("stop_ratcheted", rec.ID, map[string]interface{}{
				"instrument": rec.Instrument,
				"stop":       dec.NewStop,
			})
		}
	}
	if dec.Close {
		c.closeTrade(rec, dec.Reason)
	}
}

func (c *Controller) closeTrade(rec *trade.Record, reason trade.ExitReason) {
	if !c.trades.RequestClose(rec.ID, reason) {
		return
	}
	res, err := c.client.CloseTrade(rec.ID)
	if cerr := c.trades.CompleteClose(rec.ID, res, err); cerr != nil {
		// Transient broker failure: the trade stays CLOSING and the
		// next scan retries.
		c.metrics.BrokerErrors.Inc()
		c.log.LogError(cerr, map[string]interface{}{"op": "close_trade", "trade_id": rec.ID})
		return
	}

	c.exitsByReason[string(rec.ExitReason)]++
	c.metrics.Exits.WithLabelValues(string(rec.ExitReason)).Inc()
	c.metrics.OpenTrades.Set(float64(len(c.trades.Live())))
	c.cooldownUntil[rec.Instrument] = rec.ClosedAt.Add(c.cfg.Cooldown)

	fields := map[string]interface{}{
		"instrument": rec.Instrument,
		"reason":     string(rec.ExitReason),
	}
	if rec.ExitPrice != nil {
		fields["exit_price"] = *rec.ExitPrice
	}
	c.log.LogTrade("closed", rec.ID, fields)

	if c.orders != nil {
		if err := c.orders.RecordClose(context.Background(), rec.ID, string(rec.ExitReason), rec.ExitPrice, rec.ClosedAt); err != nil {
			c.log.LogError(err, map[string]interface{}{"op": "record_close", "trade_id": rec.ID})
		}
	}
}

func (c *Controller) scanEntry(snap market.Snapshot, now time.Time) {
	verdict := c.pipeline.Evaluate(snap, c.trades.HasOpen(snap.Instrument))
	if verdict.FailedGate != signal.GateNone {
		c.metrics.GateFailures.WithLabelValues(verdict.FailedGate.String()).Inc()
		return
	}
	if !verdict.Fired {
		return
	}

	if until, ok := c.cooldownUntil[snap.Instrument]; ok && now.Before(until) {
		c.log.LogRisk("cooldown_blocked", map[string]interface{}{
			"instrument": snap.Instrument,
			"until":      until,
		})
		c.pipeline.Reset(snap.Instrument)
		return
	}

	check := risk.EntryCheck{Instrument: snap.Instrument, SpreadPips: snap.AvgSpreadPips, Now: now}
	if c.breaker != nil {
		if err := c.breaker.Check(check); err != nil {
			c.log.LogRisk("breaker_blocked", map[string]interface{}{"instrument": snap.Instrument})
			return
		}
	}
	if err := c.guards.Check(check); err != nil {
		c.log.LogRisk("guard_blocked", map[string]interface{}{
			"instrument": snap.Instrument,
			"reason":     err.Error(),
		})
		return
	}

	acct, err := c.client.AccountSummary()
	if err != nil {
		c.brokerFailure(err, "account_summary")
		return
	}
	c.metrics.NAV.Set(acct.NAV)

	align := alignment(snap, c.pipeline.Thresholds())
	units := c.sizing.Size(align, acct.NAV, snap.Mid)
	if units == 0 {
		c.log.LogRisk("sizing_blocked", map[string]interface{}{"instrument": snap.Instrument})
		return
	}
	marginRate := acct.MarginRate
	if marginRate == 0 {
		marginRate = c.cfg.FallbackMarginRate
	}
	units = c.sizing.CorrectForMargin(units, snap.Mid, marginRate, acct.MarginAvailable)
	if units == 0 {
		c.log.LogRisk("margin_blocked", map[string]interface{}{"instrument": snap.Instrument})
		return
	}

	// Fire. Placements of a split batch run concurrently; each result
	// is committed on its own, partial fills are a normal outcome.
	dir := int(verdict.Direction)
	chunks := c.sizing.Split(units)
	for i := range chunks {
		chunks[i] *= dir
	}
	filled, errored := false, false
	for _, p := range c.executor.PlaceBatch(snap.Instrument, chunks, snap.Mid) {
		switch {
		case p.Err != nil:
			errored = true
			c.metrics.BrokerErrors.Inc()
			c.log.LogError(p.Err, map[string]interface{}{"op": "place_order"})
		case p.Reject != nil:
			c.rejections++
			c.log.LogRisk("order_rejected", map[string]interface{}{
				"instrument": p.Reject.Instrument,
				"reason":     p.Reject.Reason,
			})
		default:
			filled = true
			c.commitFill(p.Fill, dir, snap)
		}
	}
	if filled {
		c.orderErrors = 0
		c.fires++
		c.metrics.Fires.WithLabelValues(snap.Instrument).Inc()
		c.metrics.OpenTrades.Set(float64(len(c.trades.Live())))
	} else if errored {
		// The whole batch failed; that counts once against the breaker.
		c.orderErrors++
		if c.breaker != nil && c.orderErrors >= maxConsecutiveOrderErrors && !c.breaker.Tripped() {
			c.breaker.Trip("consecutive broker failures")
			c.log.LogRisk("breaker_tripped", map[string]interface{}{"op": "place_order", "errors": c.orderErrors})
		}
	}
}

func (c *Controller) commitFill(fill *broker.Fill, dir int, snap market.Snapshot) {
	rec := c.trades.Open(fill, dir, c.cfg.StopLossPips, c.cfg.Env)
	c.metrics.SlippagePips.Observe(fill.SlippagePips)
	c.metrics.FillLatency.Observe(fill.Latency.Seconds())

	c.log.LogFire(snap.Instrument, signal.Direction(dir).String(), map[string]interface{}{
		"trade_id":      rec.ID,
		"units":         fill.Units,
		"price":         fill.Price,
		"slippage_pips": fill.SlippagePips,
		"hurst":         snap.Hurst,
		"z_ofi":         snap.ZOfi,
		"efficiency":    snap.Efficiency,
	})

	if c.orders != nil {
		row := store.OrderRow{
			TradeID:         fill.TradeID,
			Instrument:      fill.Instrument,
			Direction:       dir,
			Units:           rec.Units,
			Env:             c.cfg.Env,
			Strategy:        c.cfg.Strategy,
			ClientRequestID: fill.ClientRequestID,
			RequestedPrice:  fill.RequestedPrice,
			EntryPrice:      fill.Price,
			SlippagePips:    fill.SlippagePips,
			FillLatencyMs:   fill.Latency.Milliseconds(),
			QualityScore:    fill.Quality,
			Hurst:           snap.Hurst,
			ZOfi:            snap.ZOfi,
			Efficiency:      snap.Efficiency,
			Vpin:            snap.Vpin,
			OpenedAt:        fill.Time,
		}
		if err := c.orders.RecordFill(context.Background(), row); err != nil {
			c.log.LogError(err, map[string]interface{}{"op": "record_fill", "trade_id": fill.TradeID})
		}
	}
}

// brokerFailure counts an order-path error and trips the breaker after
// too many in a row. Timeouts are soft failures, never a crash.
func (c *Controller) brokerFailure(err error, op string) {
	c.metrics.BrokerErrors.Inc()
	c.log.LogError(err, map[string]interface{}{"op": op})
	c.orderErrors++
	if c.breaker != nil && c.orderErrors >= maxConsecutiveOrderErrors && !c.breaker.Tripped() {
		c.breaker.Trip("consecutive broker failures")
		c.log.LogRisk("breaker_tripped", map[string]interface{}{"op": op, "errors": c.orderErrors})
	}
}

func (c *Controller) reconcile(now time.Time) {
	dropped, err := c.reconciler.Reconcile(now)
	c.metrics.Reconciles.Inc()
	if err != nil {
		c.metrics.BrokerErrors.Inc()
		c.log.LogError(err, map[string]interface{}{"op": "reconcile"})
		return
	}
	for _, id := range dropped {
		c.exitsByReason[string(trade.ExitReconciled)]++
		c.metrics.Exits.WithLabelValues(string(trade.ExitReconciled)).Inc()
		c.log.LogReconcile("trade_dropped", map[string]interface{}{"trade_id": id})
		if c.orders != nil {
			if err := c.orders.RecordClose(context.Background(), id, string(trade.ExitReconciled), nil, now); err != nil {
				c.log.LogError(err, map[string]interface{}{"op": "record_close", "trade_id": id})
			}
		}
	}
	if len(dropped) > 0 {
		c.metrics.OpenTrades.Set(float64(len(c.trades.Live())))
	}
}

func (c *Controller) hydrate() {
	open, err := c.client.OpenTrades()
	if err != nil {
		// Cold start without broker state is allowed; reconciliation
		// catches up once the broker answers again.
		c.metrics.BrokerErrors.Inc()
		c.log.LogError(err, map[string]interface{}{"op": "hydrate"})
		return
	}
	adopted := c.trades.Hydrate(open, c.cfg.StopLossPips, c.cfg.Env)
	c.hydrated = len(adopted)
	c.metrics.OpenTrades.Set(float64(len(c.trades.Live())))
	for _, rec := range adopted {
		c.log.LogTrade("hydrated", rec.ID, map[string]interface{}{
			"instrument": rec.Instrument,
			"units":      rec.Units,
			"stop":       rec.PID.CurrentSL,
		})
	}
}

func (c *Controller) loadCooldowns(ctx context.Context, now time.Time) {
	if c.orders == nil || c.cfg.Cooldown <= 0 {
		return
	}
	for _, instrument := range c.cfg.Instruments {
		last, err := c.orders.LastCloseTime(ctx, instrument, c.cfg.Env)
		if err != nil {
			c.log.LogError(err, map[string]interface{}{"op": "load_cooldown", "instrument": instrument})
			continue
		}
		if last.IsZero() {
			continue
		}
		if until := last.Add(c.cfg.Cooldown); now.Before(until) {
			c.cooldownUntil[instrument] = until
			c.log.LogRisk("cooldown_carried", map[string]interface{}{
				"instrument": instrument,
				"until":      until,
			})
		}
	}
}

// flushOpenTrades closes everything still live at session end so the
// cross-session cooldown has a defined anchor. Best effort; anything
// the broker refuses is left for the next session's hydration.
func (c *Controller) flushOpenTrades() {
	for _, rec := range c.trades.Live() {
		if rec.State == trade.StateClosing && c.trades.CloseInFlight(rec.ID) {
			continue
		}
		c.closeTrade(rec, trade.ExitSessionEnd)
	}
}

func (c *Controller) applyUpdate(upd config.ThresholdUpdate) {
	c.pipeline.SetThresholds(GateThresholds(upd.Gates))
	c.exitParams = ExitParams(upd.Exits, upd.Gates)
	c.log.LogRisk("thresholds_reloaded", map[string]interface{}{
		"rule_of_n": upd.Gates.RuleOfN,
		"hurst_min": upd.Gates.HurstMin,
		"z_ofi_min": upd.Gates.ZOfiMin,
	})
}

func (c *Controller) summarize(started time.Time) Summary {
	gateFailures := make(map[string]int64)
	for gate, n := range c.pipeline.Failures() {
		gateFailures[gate.String()] = n
	}
	s := Summary{
		SessionID:     c.cfg.SessionID,
		Started:       started,
		Ended:         time.Now(),
		Ticks:         c.ticks,
		Scans:         c.pipeline.Scans(),
		Fires:         c.fires,
		Rejections:    c.rejections,
		ExitsByReason: c.exitsByReason,
		GateFailures:  gateFailures,
		Hydrated:      c.hydrated,
	}
	if c.reconciler != nil {
		s.Reconciler = c.reconciler.Stats()
	}
	return s
}

func (c *Controller) persistSnapshots(summary Summary) {
	if c.snapshots == nil {
		return
	}
	t := c.pipeline.Thresholds()
	for instrument, tr := range c.markets.All() {
		snap := tr.Snapshot()
		doc := map[string]any{
			"ticks":      snap.Ticks,
			"mid":        snap.Mid,
			"d1":         snap.D1,
			"d2":         snap.D2,
			"ofi":        snap.OFI,
			"z_ofi":      snap.ZOfi,
			"hurst":      snap.Hurst,
			"vpin":       snap.Vpin,
			"efficiency": snap.Efficiency,
			"state":      snap.State.String(),
			"buy_pct":    snap.BuyPct,
			"tick_rate":  snap.TickRate,
			"thresholds": map[string]any{
				"hurst_min":      t.HurstMin,
				"efficiency_min": t.EfficiencyMin,
				"z_ofi_min":      t.ZOfiMin,
				"vpin_ghost_max": t.VpinGhostMax,
				"rule_of_n":      t.RuleOfN,
			},
			"gate_failures": summary.GateFailures,
		}
		err := c.snapshots.UpsertSnapshot(context.Background(), store.SessionSnapshot{
			SessionID:  c.cfg.SessionID,
			Instrument: instrument,
			TakenAt:    summary.Ended,
			Doc:        doc,
		})
		if err != nil {
			c.log.LogError(err, map[string]interface{}{"op": "persist_snapshot", "instrument": instrument})
		}
	}
}

func (c *Controller) logSummary(s Summary) {
	c.log.LogRisk("session_summary", map[string]interface{}{
		"session_id":     s.SessionID,
		"duration":       s.Ended.Sub(s.Started).String(),
		"ticks":          s.Ticks,
		"scans":          s.Scans,
		"fires":          s.Fires,
		"rejections":     s.Rejections,
		"exits":          s.ExitsByReason,
		"gate_failures":  s.GateFailures,
		"hydrated":       s.Hydrated,
		"reconcile_runs": s.Reconciler.TotalRuns,
		"dropped_trades": s.Reconciler.DroppedTrades,
	})
}

// alignment maps the snapshot onto sizing scores. A reading at the gate
// floor scores 0.5, twice the floor saturates at 1.
func alignment(snap market.Snapshot, t signal.Thresholds) risk.Alignment {
	return risk.Alignment{
		EfficiencyScore: saturate(snap.Efficiency, t.EfficiencyMin),
		ZScore:          saturate(math.Abs(snap.ZOfi), t.ZOfiMin),
	}
}

func saturate(v, floor float64) float64 {
	if floor <= 0 {
		return 0
	}
	s := v / (2 * floor)
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
