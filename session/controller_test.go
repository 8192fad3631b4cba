package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

type scriptedStream struct {
	ticks []market.Tick
}

func (s *scriptedStream) Run(ctx context.Context, onTick func(market.Tick)) error {
	for _, t := range s.ticks {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		onTick(t)
	}
	return nil
}

// fakeBrokerClient tracks its own open set so reconciliation and the
// session-end flush see a consistent remote state. Placements of a
// batch arrive concurrently, so the fake locks around its maps.
type fakeBrokerClient struct {
	mu         sync.Mutex
	nextID     int
	open       map[string]broker.OpenTrade
	summary    broker.AccountSummary
	summaryErr error
	placed     []broker.OrderRequest
	modified   map[string]float64
}

func newFakeBrokerClient() *fakeBrokerClient {
	return &fakeBrokerClient{
		open:     make(map[string]broker.OpenTrade),
		modified: make(map[string]float64),
		summary: broker.AccountSummary{
			NAV:             100000,
			MarginAvailable: 50000,
			MarginRate:      0.05,
		},
	}
}

func (f *fakeBrokerClient) PlaceMarketOrder(req broker.OrderRequest) (broker.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("ft-%d", f.nextID)
	f.placed = append(f.placed, req)
	fillPrice := req.RequestedPrice + 0.00001
	f.open[id] = broker.OpenTrade{
		ID:         id,
		Instrument: req.Instrument,
		Units:      req.Units,
		Price:      fillPrice,
		OpenTime:   time.Now(),
	}
	return broker.OrderResult{
		Fill: &broker.FillTransaction{TradeID: id, Price: fillPrice, Time: time.Now()},
	}, nil
}

func (f *fakeBrokerClient) CloseTrade(tradeID string) (broker.CloseResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.open[tradeID]
	if !ok {
		return broker.CloseResult{}, broker.ErrTradeNotFound
	}
	delete(f.open, tradeID)
	return broker.CloseResult{Price: t.Price, Time: time.Now()}, nil
}

func (f *fakeBrokerClient) ModifyStops(tradeID, _ string, stopLoss, _ float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modified[tradeID] = stopLoss
	return nil
}

func (f *fakeBrokerClient) OpenTrades() ([]broker.OpenTrade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]broker.OpenTrade, 0, len(f.open))
	for _, t := range f.open {
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeBrokerClient) AccountSummary() (broker.AccountSummary, error) {
	return f.summary, f.summaryErr
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Outputs: []string{"stdout"}, Format: "json"})
	require.NoError(t, err)
	return log
}

// uptrendTicks builds a steady one-pip-per-tick climb, enough to warm
// every estimator and satisfy the persistence gates.
func uptrendTicks(instrument string, n int, start time.Time) []market.Tick {
	ticks := make([]market.Tick, 0, n)
	price := 1.10000
	for i := 0; i < n; i++ {
		price += 0.0001
		ticks = append(ticks, market.Tick{
			Instrument: instrument,
			Bid:        price - 0.00005,
			Ask:        price + 0.00005,
			Time:       start.Add(time.Duration(i) * 100 * time.Millisecond),
		})
	}
	return ticks
}

func permissiveGates() signal.Thresholds {
	return signal.Thresholds{
		MinTicksPerSecond: 0.1,
		WarmupTicks:       40,
		HurstMin:          0.55,
		EfficiencyMin:     0.1,
		ZOfiMin:           0.5,
		VpinGhostMax:      0.35,
		RuleOfN:           2,
	}
}

func testExits() trade.ExitParams {
	return trade.ExitParams{
		DudWindow:        1500 * time.Millisecond,
		DudEfficiencyMin: 0.05,
		ZExitThreshold:   3.0,
		HurstFloor:       0.30,
		MinHold:          time.Hour,
		EfficiencyMin:    0.1,
		VpinGhostMax:     0.35,
		PID: trade.PIDParams{
			Kp: 0.4, Ki: 0.01, Kd: 0.2,
			BaseTrailPips: 10, FloorTrailPips: 2,
			ActivationProfitPips: 3,
		},
	}
}

type harness struct {
	ctrl   *Controller
	client *fakeBrokerClient
	orders *store.MemoryStore
	trades *trade.Manager
}

func newHarness(t *testing.T, stream broker.PriceStream, client *fakeBrokerClient, orders *store.MemoryStore, cooldown time.Duration) *harness {
	t.Helper()
	manager := trade.NewManager()
	cfg := Config{
		SessionID:          "s-test",
		Env:                "practice",
		Strategy:           "km_momentum",
		Instruments:        []string{"EUR_USD"},
		Cooldown:           cooldown,
		ScanInterval:       time.Millisecond,
		TakeProfitPips:     20,
		StopLossPips:       10,
		FallbackMarginRate: 0.05,
	}
	ctrl, err := New(cfg, testExits(), Components{
		Logger:   newTestLogger(t),
		Markets:  market.NewRegistry(market.DefaultParams(), nil),
		Pipeline: signal.NewPipeline(permissiveGates()),
		Guards: risk.MultiGuard{Guards: []risk.Guard{
			risk.SpreadGuard{CeilingPips: map[string]float64{"EUR_USD": 5.0}},
		}},
		Breaker:    &risk.CircuitBreaker{},
		Sizing:     risk.SizingParams{BaseUnits: 1000, MinUnits: 1, NavPct: 0.10, MarginPct: 0.90, EffWeight: 0.15, ZWeight: 0.15, PMin: 0.50, PMax: 0.75},
		Client:     client,
		Executor:   &broker.Executor{Client: client, TakeProfitPips: 20, StopLossPips: 10},
		Stream:     stream,
		Trades:     manager,
		Reconciler: trade.NewReconciler(client, manager, time.Minute),
		Orders:     orders,
		Snapshots:  orders,
		Metrics:    metrics.New(),
	})
	require.NoError(t, err)
	return &harness{ctrl: ctrl, client: client, orders: orders, trades: manager}
}

func TestSessionFiresOnceOnPersistentTrend(t *testing.T) {
	client := newFakeBrokerClient()
	orders := store.NewMemoryStore()
	stream := &scriptedStream{ticks: uptrendTicks("EUR_USD", 60, time.Now())}
	h := newHarness(t, stream, client, orders, 0)

	summary, err := h.ctrl.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(60), summary.Ticks)
	assert.Equal(t, int64(1), summary.Fires, "one trade per instrument at a time")
	require.Len(t, client.placed, 1)
	assert.Positive(t, client.placed[0].Units, "uptrend fires long")

	// Session end flushed the position and the order log saw both sides.
	rows := orders.Orders()
	require.Len(t, rows, 1)
	assert.Equal(t, "CLOSED", rows[0].Status)
	assert.Equal(t, string(trade.ExitSessionEnd), rows[0].ExitReason)
	assert.Equal(t, "practice", rows[0].Env)
	assert.Equal(t, "km_momentum", rows[0].Strategy)
	assert.NotZero(t, rows[0].Hurst, "fire-time estimator readings recorded for post-trade analysis")
	assert.NotZero(t, rows[0].ZOfi)
	assert.NotZero(t, rows[0].Efficiency)
	assert.NotZero(t, rows[0].Vpin)
	assert.Empty(t, client.open, "flush reached the broker")
	assert.Empty(t, h.trades.Live())
}

func TestSessionSplitsFireIntoBatchOrders(t *testing.T) {
	client := newFakeBrokerClient()
	orders := store.NewMemoryStore()
	stream := &scriptedStream{ticks: uptrendTicks("EUR_USD", 60, time.Now())}
	h := newHarness(t, stream, client, orders, 0)
	h.ctrl.sizing.MaxUnitsPerOrder = 400

	summary, err := h.ctrl.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), summary.Fires, "a split batch is one fire")
	require.Len(t, client.placed, 3, "1000 units split into 400/400/200")
	total := 0
	for _, req := range client.placed {
		total += req.Units
	}
	assert.Equal(t, 1000, total)

	rows := orders.Orders()
	require.Len(t, rows, 3)
	for _, row := range rows {
		assert.Equal(t, "CLOSED", row.Status)
		assert.NotEmpty(t, row.ClientRequestID)
	}
	assert.Empty(t, client.open, "every chunk flushed at session end")
	assert.Empty(t, h.trades.Live())
}

func TestSessionRatchetsStopThroughBroker(t *testing.T) {
	client := newFakeBrokerClient()
	stream := &scriptedStream{ticks: uptrendTicks("EUR_USD", 80, time.Now())}
	h := newHarness(t, stream, client, store.NewMemoryStore(), 0)

	_, err := h.ctrl.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, client.placed, 1)
	require.Len(t, client.modified, 1, "the ratchet pushed at least one stop")
	for _, stop := range client.modified {
		assert.Greater(t, stop, 1.09, "stop stays in a sane band")
	}
}

func TestSessionHonorsCarriedCooldown(t *testing.T) {
	client := newFakeBrokerClient()
	orders := store.NewMemoryStore()

	// A close from a prior session, well inside the cooldown window.
	require.NoError(t, orders.RecordFill(context.Background(), store.OrderRow{
		TradeID: "old-1", Instrument: "EUR_USD", Env: "practice", OpenedAt: time.Now().Add(-time.Hour),
	}))
	require.NoError(t, orders.RecordClose(context.Background(), "old-1", "baseline_drop", nil, time.Now().Add(-time.Minute)))

	stream := &scriptedStream{ticks: uptrendTicks("EUR_USD", 60, time.Now())}
	h := newHarness(t, stream, client, orders, 30*time.Minute)

	summary, err := h.ctrl.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Fires, "cooldown blocks re-entry across sessions")
	assert.Empty(t, client.placed)
}

func TestSessionCooldownScopedToEnv(t *testing.T) {
	client := newFakeBrokerClient()
	orders := store.NewMemoryStore()

	// A recent close from the live account sharing the order log.
	require.NoError(t, orders.RecordFill(context.Background(), store.OrderRow{
		TradeID: "live-1", Instrument: "EUR_USD", Env: "live", OpenedAt: time.Now().Add(-time.Hour),
	}))
	require.NoError(t, orders.RecordClose(context.Background(), "live-1", "baseline_drop", nil, time.Now().Add(-time.Minute)))

	stream := &scriptedStream{ticks: uptrendTicks("EUR_USD", 60, time.Now())}
	h := newHarness(t, stream, client, orders, 30*time.Minute)

	summary, err := h.ctrl.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Fires, "a live-env close must not cool down the practice session")
}

func TestSessionHydratesBrokerTrades(t *testing.T) {
	client := newFakeBrokerClient()
	client.open["pre-1"] = broker.OpenTrade{
		ID: "pre-1", Instrument: "EUR_USD", Units: 1000,
		Price: 1.10000, OpenTime: time.Now().Add(-time.Second), StopLoss: 1.09900,
	}

	// Only a handful of ticks: the pipeline never warms up, so the only
	// activity is the adopted trade.
	stream := &scriptedStream{ticks: uptrendTicks("EUR_USD", 5, time.Now())}
	h := newHarness(t, stream, client, store.NewMemoryStore(), 0)

	summary, err := h.ctrl.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Hydrated)
	assert.Zero(t, summary.Fires)
	assert.Equal(t, int64(1), summary.ExitsByReason[string(trade.ExitSessionEnd)], "adopted trade flushed at session end")
	assert.Empty(t, client.open)
}

func TestSessionAppliesThresholdUpdate(t *testing.T) {
	client := newFakeBrokerClient()
	stream := &scriptedStream{ticks: uptrendTicks("EUR_USD", 60, time.Now())}
	h := newHarness(t, stream, client, store.NewMemoryStore(), 0)

	// Raise Rule-of-N beyond the tick budget before the stream starts.
	gates := config.GateConfig{
		MinTicksPerSecond: 0.1, WarmupTicks: 40,
		HurstMin: 0.55, EfficiencyMin: 0.1, ZOfiMin: 0.5,
		VpinGhostMax: 0.35, RuleOfN: 500,
	}
	h.ctrl.ApplyUpdate(config.ThresholdUpdate{Gates: gates})

	summary, err := h.ctrl.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Fires, "reloaded Rule-of-N suppresses firing")
}

func TestSessionSummaryCountsGateFailures(t *testing.T) {
	client := newFakeBrokerClient()
	stream := &scriptedStream{ticks: uptrendTicks("EUR_USD", 20, time.Now())}
	h := newHarness(t, stream, client, store.NewMemoryStore(), 0)

	summary, err := h.ctrl.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Fires)
	assert.Positive(t, summary.GateFailures["warmup"], "short stream dies at the warmup gate")
}

func TestSessionPersistsSnapshotDoc(t *testing.T) {
	client := newFakeBrokerClient()
	orders := store.NewMemoryStore()
	stream := &scriptedStream{ticks: uptrendTicks("EUR_USD", 60, time.Now())}
	h := newHarness(t, stream, client, orders, 0)

	_, err := h.ctrl.Run(context.Background())
	require.NoError(t, err)

	snap, ok := orders.Snapshot("s-test", "EUR_USD")
	require.True(t, ok)
	assert.NotZero(t, snap.Doc["ticks"])
	thresholds, ok := snap.Doc["thresholds"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 2, thresholds["rule_of_n"])
}
