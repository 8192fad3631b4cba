package trade

import (
	"errors"
	"fmt"
	"time"

	"signal-trader-go/broker"
	"signal-trader-go/market"
)

// ExitReason labels why a close was requested.
type ExitReason string

const (
	ExitDud           ExitReason = "dud_abort"
	ExitZReversal     ExitReason = "z_reversal"
	ExitHurstOverride ExitReason = "hurst_override"
	ExitBaselineDrop  ExitReason = "baseline_drop"
	ExitReconciled    ExitReason = "reconciled"
	ExitSessionEnd    ExitReason = "session_end"
)

// Record is one locally tracked trade with its controller state.
type Record struct {
	ID         string
	Instrument string
	Direction  int // +1 long, -1 short
	Units      int
	EntryPrice float64
	CreatedAt  time.Time
	Env        string

	State State
	PID   *PIDState

	ExitReason ExitReason
	ExitPrice  *float64 // nil when the broker could not report one
	ClosedAt   time.Time
}

// Manager owns the trade registry and the in-flight close guard. It is
// an explicit per-session instance, single-owner, no locking.
type Manager struct {
	machine  *StateMachine
	records  map[string]*Record
	closed   []*Record
	inflight map[string]bool
}

// NewManager creates an empty registry.
func NewManager() *Manager {
	return &Manager{
		machine:  NewStateMachine(),
		records:  make(map[string]*Record),
		inflight: make(map[string]bool),
	}
}

// Open registers a freshly filled trade in ARMED state with its PID
// controller seeded at the raw bracket stop. Units are stored as a
// magnitude; Direction carries the sign, same as hydrated trades.
func (m *Manager) Open(fill *broker.Fill, direction int, stopLossPips float64, env string) *Record {
	pip := market.PipSize(fill.Instrument)
	initialSL := fill.Price - float64(direction)*stopLossPips*pip
	units := fill.Units
	if units < 0 {
		units = -units
	}
	rec := &Record{
		ID:         fill.TradeID,
		Instrument: fill.Instrument,
		Direction:  direction,
		Units:      units,
		EntryPrice: fill.Price,
		CreatedAt:  fill.Time,
		Env:        env,
		State:      StateArmed,
		PID:        NewPIDState(direction, fill.Price, initialSL, fill.Time),
	}
	m.records[rec.ID] = rec
	return rec
}

// Hydrate adopts broker-side open trades on cold start so a restart
// neither widens nor loses a protective stop. Trades without a broker
// stop get the raw bracket distance from the entry price.
func (m *Manager) Hydrate(trades []broker.OpenTrade, stopLossPips float64, env string) []*Record {
	adopted := make([]*Record, 0, len(trades))
	for _, t := range trades {
		if _, exists := m.records[t.ID]; exists {
			continue
		}
		dir := 1
		if t.Units < 0 {
			dir = -1
		}
		pip := market.PipSize(t.Instrument)
		sl := t.StopLoss
		if sl == 0 {
			sl = t.Price - float64(dir)*stopLossPips*pip
		}
		units := t.Units
		if units < 0 {
			units = -units
		}
		pid := NewPIDState(dir, t.Price, sl, t.OpenTime)
		rec := &Record{
			ID:         t.ID,
			Instrument: t.Instrument,
			Direction:  dir,
			Units:      units,
			EntryPrice: t.Price,
			CreatedAt:  t.OpenTime,
			Env:        env,
			// Hydrated trades skip the dud window; their fill is old.
			State: StateActive,
			PID:   pid,
		}
		m.records[rec.ID] = rec
		adopted = append(adopted, rec)
	}
	return adopted
}

// Get returns the record for a trade id.
func (m *Manager) Get(id string) (*Record, bool) {
	rec, ok := m.records[id]
	return rec, ok
}

// OpenFor returns the live record on an instrument, if any.
func (m *Manager) OpenFor(instrument string) (*Record, bool) {
	for _, rec := range m.records {
		if rec.Instrument == instrument && m.machine.IsActive(rec.State) {
			return rec, true
		}
	}
	return nil, false
}

// LiveFor returns every non-terminal record on an instrument. A batch
// fire opens several trades on the same instrument at once.
func (m *Manager) LiveFor(instrument string) []*Record {
	out := make([]*Record, 0, 1)
	for _, rec := range m.records {
		if rec.Instrument == instrument {
			out = append(out, rec)
		}
	}
	return out
}

// HasOpen reports whether the instrument has a live or closing trade.
func (m *Manager) HasOpen(instrument string) bool {
	for _, rec := range m.records {
		if rec.Instrument == instrument {
			return true
		}
	}
	return false
}

// Live returns every non-terminal record.
func (m *Manager) Live() []*Record {
	out := make([]*Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	return out
}

// Closed returns the records closed during this session.
func (m *Manager) Closed() []*Record { return m.closed }

// Transition moves a record between states, enforcing the legal set.
func (m *Manager) Transition(rec *Record, to State) error {
	if err := m.machine.Validate(rec.State, to); err != nil {
		return err
	}
	rec.State = to
	return nil
}

// RequestClose marks the trade CLOSING and takes the in-flight guard.
// Returns false when a close is already outstanding or the trade is
// already terminal; at most one close request is in flight per id.
func (m *Manager) RequestClose(id string, reason ExitReason) bool {
	rec, ok := m.records[id]
	if !ok {
		return false
	}
	if m.inflight[id] {
		return false
	}
	if rec.State == StateClosed {
		return false
	}
	if rec.State != StateClosing {
		if err := m.machine.Validate(rec.State, StateClosing); err != nil {
			return false
		}
		rec.State = StateClosing
		rec.ExitReason = reason
	}
	m.inflight[id] = true
	return true
}

// CloseInFlight reports whether a close request is outstanding.
func (m *Manager) CloseInFlight(id string) bool { return m.inflight[id] }

// CompleteClose settles an outstanding close request. A nil err records
// the true exit price; broker.ErrTradeNotFound treats the broker as
// authoritative and records an explicitly absent price (never a
// fabricated zero); any other error is transient, the guard is released
// and the trade stays CLOSING for the next scan.
func (m *Manager) CompleteClose(id string, res broker.CloseResult, err error) error {
	rec, ok := m.records[id]
	if !ok {
		delete(m.inflight, id)
		return fmt.Errorf("complete close for unknown trade %s", id)
	}
	delete(m.inflight, id)

	if err != nil {
		if errors.Is(err, broker.ErrTradeNotFound) {
			m.markClosed(rec, nil, time.Now())
			return nil
		}
		return err
	}

	price := res.Price
	m.markClosed(rec, &price, res.Time)
	return nil
}

// MarkClosedAbsent force-closes a record without a price, used by
// reconciliation when the broker no longer lists the trade.
func (m *Manager) MarkClosedAbsent(id string, reason ExitReason) {
	rec, ok := m.records[id]
	if !ok {
		return
	}
	if rec.State != StateClosing {
		rec.State = StateClosing
	}
	rec.ExitReason = reason
	delete(m.inflight, id)
	m.markClosed(rec, nil, time.Now())
}

func (m *Manager) markClosed(rec *Record, price *float64, at time.Time) {
	rec.State = StateClosed
	rec.ExitPrice = price
	rec.ClosedAt = at
	m.closed = append(m.closed, rec)
	delete(m.records, rec.ID)
}
