package trade

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-trader-go/broker"
	"signal-trader-go/market"
)

func testExitParams() ExitParams {
	return ExitParams{
		DudWindow:        1500 * time.Millisecond,
		DudEfficiencyMin: 0.6,
		ZExitThreshold:   2.0,
		HurstFloor:       0.45,
		MinHold:          5 * time.Second,
		EfficiencyMin:    1.0,
		VpinGhostMax:     0.35,
		PID:              testPIDParams(),
	}
}

func healthySnapshot(dir int) market.Snapshot {
	return market.Snapshot{
		Instrument: "EUR_USD",
		Mid:        1.10000,
		Efficiency: 2.0,
		ZOfi:       float64(dir) * 1.5,
		Hurst:      0.62,
		HurstReady: true,
		Vpin:       0.55,
	}
}

func openTestTrade(m *Manager, id string, dir int, at time.Time) *Record {
	fill := &broker.Fill{
		TradeID:    id,
		Instrument: "EUR_USD",
		Units:      1000 * dir,
		Price:      1.10000,
		Time:       at,
	}
	return m.Open(fill, dir, 10.0, "practice")
}

func TestUnitsAreMagnitudeOnBothOpenPaths(t *testing.T) {
	m := NewManager()
	rec := openTestTrade(m, "t-short", -1, time.Now())

	assert.Equal(t, 1000, rec.Units, "units carry magnitude, direction carries the sign")
	assert.Equal(t, -1, rec.Direction)

	hydrated := m.Hydrate([]broker.OpenTrade{
		{ID: "h-short", Instrument: "USD_JPY", Units: -1500, Price: 155.000, OpenTime: time.Now()},
	}, 10.0, "practice")
	require.Len(t, hydrated, 1)
	assert.Equal(t, 1500, hydrated[0].Units)
	assert.Equal(t, -1, hydrated[0].Direction)
}

func TestStateMachineLegality(t *testing.T) {
	sm := NewStateMachine()

	legal := []struct{ from, to State }{
		{StateArmed, StateActive},
		{StateArmed, StateClosing},
		{StateActive, StateRatchet},
		{StateActive, StateClosing},
		{StateRatchet, StateClosing},
		{StateClosing, StateClosed},
	}
	for _, tr := range legal {
		assert.NoError(t, sm.Validate(tr.from, tr.to), "%s -> %s", tr.from, tr.to)
	}

	illegal := []struct{ from, to State }{
		{StateArmed, StateRatchet},
		{StateRatchet, StateActive},
		{StateClosed, StateActive},
		{StateClosing, StateArmed},
		{StateClosed, StateClosing},
	}
	for _, tr := range illegal {
		assert.Error(t, sm.Validate(tr.from, tr.to), "%s -> %s", tr.from, tr.to)
	}

	// Same-state is idempotent, not an error.
	assert.NoError(t, sm.Validate(StateActive, StateActive))
}

func TestDudAbortInsideWindow(t *testing.T) {
	m := NewManager()
	opened := time.Now()
	rec := openTestTrade(m, "t-1", 1, opened)

	snap := healthySnapshot(1)
	snap.Efficiency = 0.2 // below the dud floor
	dec := m.EvaluateExit(rec, snap, opened.Add(800*time.Millisecond), testExitParams())

	require.True(t, dec.Close)
	assert.Equal(t, ExitDud, dec.Reason)
	assert.Equal(t, StateArmed, rec.State, "dud fires before graduation")
}

func TestDudWindowSurvivalGraduates(t *testing.T) {
	m := NewManager()
	opened := time.Now()
	rec := openTestTrade(m, "t-1", 1, opened)

	dec := m.EvaluateExit(rec, healthySnapshot(1), opened.Add(2*time.Second), testExitParams())
	assert.False(t, dec.Close)
	assert.Equal(t, StateActive, rec.State)
}

func TestCloseRequestIssuedExactlyOnce(t *testing.T) {
	// A dud verdict on consecutive ticks must produce exactly one broker
	// close: the in-flight guard blocks the second request.
	m := NewManager()
	opened := time.Now()
	rec := openTestTrade(m, "t-1", 1, opened)

	params := testExitParams()
	snap := healthySnapshot(1)
	snap.Efficiency = 0.1

	dec := m.EvaluateExit(rec, snap, opened.Add(500*time.Millisecond), params)
	require.True(t, dec.Close)
	require.True(t, m.RequestClose(rec.ID, dec.Reason))
	assert.True(t, m.CloseInFlight(rec.ID))

	// Next tick, same verdict: the guard must win.
	assert.False(t, m.RequestClose(rec.ID, ExitDud))
}

func TestCompleteCloseRecordsTruePrice(t *testing.T) {
	m := NewManager()
	rec := openTestTrade(m, "t-1", 1, time.Now())
	require.True(t, m.RequestClose(rec.ID, ExitBaselineDrop))

	closedAt := time.Now()
	require.NoError(t, m.CompleteClose(rec.ID, broker.CloseResult{Price: 1.10042, Time: closedAt}, nil))

	require.Len(t, m.Closed(), 1)
	got := m.Closed()[0]
	assert.Equal(t, StateClosed, got.State)
	require.NotNil(t, got.ExitPrice)
	assert.Equal(t, 1.10042, *got.ExitPrice)
	assert.Equal(t, ExitBaselineDrop, got.ExitReason)
	assert.False(t, m.HasOpen("EUR_USD"))
	assert.False(t, m.CloseInFlight(rec.ID))
}

func TestCompleteCloseNotFoundIsAuthoritative(t *testing.T) {
	// Broker no longer knows the trade: local state defers, and no exit
	// price is fabricated.
	m := NewManager()
	rec := openTestTrade(m, "t-1", 1, time.Now())
	require.True(t, m.RequestClose(rec.ID, ExitZReversal))

	require.NoError(t, m.CompleteClose(rec.ID, broker.CloseResult{}, broker.ErrTradeNotFound))

	require.Len(t, m.Closed(), 1)
	assert.Nil(t, m.Closed()[0].ExitPrice)
	assert.Equal(t, StateClosed, m.Closed()[0].State)
}

func TestCompleteCloseTransientErrorRetries(t *testing.T) {
	m := NewManager()
	rec := openTestTrade(m, "t-1", 1, time.Now())
	require.True(t, m.RequestClose(rec.ID, ExitZReversal))

	err := m.CompleteClose(rec.ID, broker.CloseResult{}, errors.New("gateway timeout"))
	require.Error(t, err)

	// Guard released, trade still CLOSING: the next scan retries.
	assert.False(t, m.CloseInFlight(rec.ID))
	assert.Equal(t, StateClosing, rec.State)
	assert.True(t, m.RequestClose(rec.ID, ExitZReversal))
}

func TestZReversalBypassesMinHold(t *testing.T) {
	m := NewManager()
	opened := time.Now()
	rec := openTestTrade(m, "t-1", 1, opened)

	snap := healthySnapshot(1)
	snap.ZOfi = -2.5 // hard against a long
	dec := m.EvaluateExit(rec, snap, opened.Add(2*time.Second), testExitParams())

	require.True(t, dec.Close)
	assert.Equal(t, ExitZReversal, dec.Reason)
}

func TestHurstOverrideBeatsRatchet(t *testing.T) {
	m := NewManager()
	opened := time.Now()
	rec := openTestTrade(m, "t-1", 1, opened)
	rec.State = StateRatchet
	rec.PID.RatchetActive = true

	snap := healthySnapshot(1)
	snap.Mid = 1.10080 // deep in profit; the ratchet would love this tick
	snap.Hurst = 0.30
	dec := m.EvaluateExit(rec, snap, opened.Add(10*time.Second), testExitParams())

	require.True(t, dec.Close)
	assert.Equal(t, ExitHurstOverride, dec.Reason)
	assert.Zero(t, dec.NewStop, "no stop push on a close verdict")
}

func TestHurstOverrideIgnoredBeforeWindowFull(t *testing.T) {
	m := NewManager()
	opened := time.Now()
	rec := openTestTrade(m, "t-1", 1, opened)

	snap := healthySnapshot(1)
	snap.Hurst = 0.10
	snap.HurstReady = false
	dec := m.EvaluateExit(rec, snap, opened.Add(2*time.Second), testExitParams())
	assert.False(t, dec.Close)
}

func TestRatchetActivatesAndPushesStop(t *testing.T) {
	m := NewManager()
	opened := time.Now()
	rec := openTestTrade(m, "t-1", 1, opened)
	initialSL := rec.PID.CurrentSL
	params := testExitParams()

	// Graduate out of ARMED first.
	m.EvaluateExit(rec, healthySnapshot(1), opened.Add(2*time.Second), params)
	require.Equal(t, StateActive, rec.State)

	snap := healthySnapshot(1)
	snap.Mid = rec.EntryPrice + 3.5*pip
	dec := m.EvaluateExit(rec, snap, opened.Add(3*time.Second), params)

	assert.True(t, dec.Activated)
	assert.Equal(t, StateRatchet, rec.State)
	require.NotZero(t, dec.NewStop)
	assert.Greater(t, dec.NewStop, initialSL)
}

func TestRatchetRejectsNonImprovingStop(t *testing.T) {
	m := NewManager()
	opened := time.Now()
	rec := openTestTrade(m, "t-1", 1, opened)
	params := testExitParams()

	m.EvaluateExit(rec, healthySnapshot(1), opened.Add(2*time.Second), params)

	up := healthySnapshot(1)
	up.Mid = rec.EntryPrice + 6*pip
	dec := m.EvaluateExit(rec, up, opened.Add(3*time.Second), params)
	require.NotZero(t, dec.NewStop)
	committed := rec.PID.CurrentSL

	// Adverse tick: proposal cannot beat the committed stop, so no push.
	down := healthySnapshot(1)
	down.Mid = rec.EntryPrice + 4*pip
	dec = m.EvaluateExit(rec, down, opened.Add(4*time.Second), params)
	assert.Zero(t, dec.NewStop)
	assert.Equal(t, committed, rec.PID.CurrentSL)
}

func TestBaselineDropRespectsMinHold(t *testing.T) {
	m := NewManager()
	opened := time.Now()
	rec := openTestTrade(m, "t-1", 1, opened)
	params := testExitParams()

	degraded := healthySnapshot(1)
	degraded.Efficiency = 0.1
	degraded.ZOfi = -0.2

	// Graduated but inside the minimum hold: no flush yet.
	dec := m.EvaluateExit(rec, degraded, opened.Add(2*time.Second), params)
	require.Equal(t, StateActive, rec.State)
	assert.False(t, dec.Close)

	// Past the hold the same picture flushes.
	dec = m.EvaluateExit(rec, degraded, opened.Add(6*time.Second), params)
	require.True(t, dec.Close)
	assert.Equal(t, ExitBaselineDrop, dec.Reason)
}

func TestBaselineDropMajorityWithToxicity(t *testing.T) {
	m := NewManager()
	opened := time.Now()
	rec := openTestTrade(m, "t-1", 1, opened)
	params := testExitParams()
	params.IncludeToxicity = true

	m.EvaluateExit(rec, healthySnapshot(1), opened.Add(2*time.Second), params)

	// Two of three checks hold (z aligned, vpin clean): majority stands.
	snap := healthySnapshot(1)
	snap.Efficiency = 0.1
	dec := m.EvaluateExit(rec, snap, opened.Add(6*time.Second), params)
	assert.False(t, dec.Close)

	// One of three: flush.
	snap.ZOfi = -0.2
	dec = m.EvaluateExit(rec, snap, opened.Add(7*time.Second), params)
	require.True(t, dec.Close)
	assert.Equal(t, ExitBaselineDrop, dec.Reason)
}

func TestHydratePreservesBrokerStop(t *testing.T) {
	m := NewManager()
	opened := time.Now().Add(-time.Hour)
	adopted := m.Hydrate([]broker.OpenTrade{
		{ID: "h-1", Instrument: "EUR_USD", Units: -2000, Price: 1.10000, OpenTime: opened, StopLoss: 1.10120},
		{ID: "h-2", Instrument: "USD_JPY", Units: 1500, Price: 155.000, OpenTime: opened},
	}, 10.0, "practice")

	require.Len(t, adopted, 2)

	short, ok := m.Get("h-1")
	require.True(t, ok)
	assert.Equal(t, -1, short.Direction)
	assert.Equal(t, 2000, short.Units)
	assert.Equal(t, StateActive, short.State, "hydrated trades skip the dud window")
	assert.Equal(t, 1.10120, short.PID.CurrentSL, "broker stop is adopted, not widened")

	long, ok := m.Get("h-2")
	require.True(t, ok)
	assert.InDelta(t, 155.000-10*0.01, long.PID.CurrentSL, 1e-9, "missing broker stop falls back to the bracket distance")

	// Re-hydrating the same ids is a no-op.
	again := m.Hydrate([]broker.OpenTrade{{ID: "h-1", Instrument: "EUR_USD", Units: -2000, Price: 1.10000, OpenTime: opened}}, 10.0, "practice")
	assert.Empty(t, again)
}

type stubFetcher struct {
	trades []broker.OpenTrade
	err    error
}

func (s *stubFetcher) OpenTrades() ([]broker.OpenTrade, error) { return s.trades, s.err }

func TestReconcilerDropsTradesBrokerNoLongerLists(t *testing.T) {
	m := NewManager()
	openTestTrade(m, "t-1", 1, time.Now())
	openTestTrade(m, "t-2", -1, time.Now())

	fetcher := &stubFetcher{trades: []broker.OpenTrade{
		{ID: "t-2", Instrument: "EUR_USD", Units: -1000, Price: 1.10000},
	}}
	r := NewReconciler(fetcher, m, time.Minute)

	dropped, err := r.Reconcile(time.Now())
	require.NoError(t, err)
	require.Equal(t, []string{"t-1"}, dropped)

	_, gone := m.Get("t-1")
	assert.False(t, gone)
	_, stillThere := m.Get("t-2")
	assert.True(t, stillThere)

	require.Len(t, m.Closed(), 1)
	got := m.Closed()[0]
	assert.Equal(t, ExitReconciled, got.ExitReason)
	assert.Nil(t, got.ExitPrice)
}

func TestReconcilerDueHonorsInterval(t *testing.T) {
	m := NewManager()
	r := NewReconciler(&stubFetcher{}, m, time.Minute)

	now := time.Now()
	require.True(t, r.Due(now))
	_, err := r.Reconcile(now)
	require.NoError(t, err)

	assert.False(t, r.Due(now.Add(30*time.Second)))
	assert.True(t, r.Due(now.Add(61*time.Second)))

	stats := r.Stats()
	assert.Equal(t, int64(1), stats.TotalRuns)
}

func TestReconcilerFetchErrorLeavesStateAlone(t *testing.T) {
	m := NewManager()
	openTestTrade(m, "t-1", 1, time.Now())

	r := NewReconciler(&stubFetcher{err: errors.New("timeout")}, m, time.Minute)
	_, err := r.Reconcile(time.Now())
	require.Error(t, err)

	_, ok := m.Get("t-1")
	assert.True(t, ok, "a failed fetch must not drop local trades")
}
