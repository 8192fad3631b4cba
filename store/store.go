package store

import (
	"context"
	"time"
)

// OrderRow is one lifecycle row in the order log: appended on fill,
// updated in place on close. Env is the account environment
// (practice/live); Strategy tags which signal model fired the entry.
type OrderRow struct {
	TradeID    string
	Instrument string
	Direction  int // +1 long, -1 short
	Units      int
	Env        string
	Strategy   string

	ClientRequestID string

	RequestedPrice float64
	EntryPrice     float64
	SlippagePips   float64
	FillLatencyMs  int64
	QualityScore   float64

	// Estimator readings at fire time, for post-trade analysis.
	Hurst      float64
	ZOfi       float64
	Efficiency float64
	Vpin       float64

	Status     string // OPEN or CLOSED
	ExitReason string
	ExitPrice  *float64 // nil when the broker never reported one
	OpenedAt   time.Time
	ClosedAt   *time.Time
}

// OrderLog persists fills and closes, and answers the cross-session
// cooldown question: when did this instrument last close a trade in
// this environment. The env filter keeps a shared log from letting a
// live close cool down a practice session, or the reverse.
type OrderLog interface {
	RecordFill(ctx context.Context, row OrderRow) error
	RecordClose(ctx context.Context, tradeID, exitReason string, exitPrice *float64, closedAt time.Time) error
	LastCloseTime(ctx context.Context, instrument, env string) (time.Time, error)
}

// SessionSnapshot is the per-session synthetic book document: the
// estimator picture, the active thresholds and the gate diagnostics at
// the moment it was taken. The document itself is schemaless JSON.
type SessionSnapshot struct {
	SessionID  string
	Instrument string
	TakenAt    time.Time
	Doc        map[string]any
}

// SnapshotStore upserts session snapshots keyed by (session, instrument).
type SnapshotStore interface {
	UpsertSnapshot(ctx context.Context, snap SessionSnapshot) error
}
