package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordFillThenClose(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	opened := time.Now()

	require.NoError(t, s.RecordFill(ctx, OrderRow{
		TradeID:        "t-1",
		Instrument:     "EUR_USD",
		Direction:      1,
		Units:          1000,
		RequestedPrice: 1.10000,
		EntryPrice:     1.10013,
		SlippagePips:   1.3,
		QualityScore:   1.0 / 2.3,
		OpenedAt:       opened,
	}))

	price := 1.10050
	closedAt := opened.Add(time.Minute)
	require.NoError(t, s.RecordClose(ctx, "t-1", "baseline_drop", &price, closedAt))

	rows := s.Orders()
	require.Len(t, rows, 1)
	assert.Equal(t, "CLOSED", rows[0].Status)
	assert.Equal(t, "baseline_drop", rows[0].ExitReason)
	require.NotNil(t, rows[0].ExitPrice)
	assert.Equal(t, price, *rows[0].ExitPrice)
}

func TestCloseWithoutPriceStaysAbsent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.RecordFill(ctx, OrderRow{TradeID: "t-1", Instrument: "EUR_USD", OpenedAt: time.Now()}))
	require.NoError(t, s.RecordClose(ctx, "t-1", "reconciled", nil, time.Now()))

	rows := s.Orders()
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0].ExitPrice)
}

func TestLastCloseTimePicksLatestPerInstrument(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now()

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.RecordFill(ctx, OrderRow{TradeID: id, Instrument: "EUR_USD", Env: "practice", OpenedAt: base}))
		at := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.RecordClose(ctx, id, "session_end", nil, at))
	}
	require.NoError(t, s.RecordFill(ctx, OrderRow{TradeID: "d", Instrument: "USD_JPY", Env: "practice", OpenedAt: base}))

	got, err := s.LastCloseTime(ctx, "EUR_USD", "practice")
	require.NoError(t, err)
	assert.Equal(t, base.Add(2*time.Minute), got)

	// Open trades do not count.
	got, err = s.LastCloseTime(ctx, "USD_JPY", "practice")
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}

func TestLastCloseTimeScopedToEnv(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	closedAt := time.Now()

	require.NoError(t, s.RecordFill(ctx, OrderRow{TradeID: "live-1", Instrument: "EUR_USD", Env: "live", OpenedAt: closedAt.Add(-time.Hour)}))
	require.NoError(t, s.RecordClose(ctx, "live-1", "session_end", nil, closedAt))

	got, err := s.LastCloseTime(ctx, "EUR_USD", "practice")
	require.NoError(t, err)
	assert.True(t, got.IsZero(), "a live close must not bleed into the practice cooldown")

	got, err = s.LastCloseTime(ctx, "EUR_USD", "live")
	require.NoError(t, err)
	assert.Equal(t, closedAt, got)
}

func TestDuplicateFillIgnored(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.RecordFill(ctx, OrderRow{TradeID: "t-1", Instrument: "EUR_USD", Units: 1000, OpenedAt: time.Now()}))
	require.NoError(t, s.RecordFill(ctx, OrderRow{TradeID: "t-1", Instrument: "EUR_USD", Units: 9999, OpenedAt: time.Now()}))

	rows := s.Orders()
	require.Len(t, rows, 1)
	assert.Equal(t, 1000, rows[0].Units)
}

func TestSnapshotUpsertReplaces(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.UpsertSnapshot(ctx, SessionSnapshot{
		SessionID:  "s-1",
		Instrument: "EUR_USD",
		TakenAt:    time.Now(),
		Doc:        map[string]any{"hurst": 0.61},
	}))
	require.NoError(t, s.UpsertSnapshot(ctx, SessionSnapshot{
		SessionID:  "s-1",
		Instrument: "EUR_USD",
		TakenAt:    time.Now(),
		Doc:        map[string]any{"hurst": 0.58},
	}))

	snap, ok := s.Snapshot("s-1", "EUR_USD")
	require.True(t, ok)
	assert.Equal(t, 0.58, snap.Doc["hurst"])
}
