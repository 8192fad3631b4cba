package store

import (
	"context"
	"time"
)

// MemoryStore keeps the order log and snapshots in process memory.
// Used when no Postgres DSN is configured, and by tests.
type MemoryStore struct {
	orders    map[string]*OrderRow
	snapshots map[string]SessionSnapshot
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:    make(map[string]*OrderRow),
		snapshots: make(map[string]SessionSnapshot),
	}
}

func (s *MemoryStore) RecordFill(_ context.Context, row OrderRow) error {
	if _, exists := s.orders[row.TradeID]; exists {
		return nil
	}
	row.Status = "OPEN"
	s.orders[row.TradeID] = &row
	return nil
}

func (s *MemoryStore) RecordClose(_ context.Context, tradeID, exitReason string, exitPrice *float64, closedAt time.Time) error {
	row, ok := s.orders[tradeID]
	if !ok {
		return nil
	}
	row.Status = "CLOSED"
	row.ExitReason = exitReason
	row.ExitPrice = exitPrice
	at := closedAt
	row.ClosedAt = &at
	return nil
}

func (s *MemoryStore) LastCloseTime(_ context.Context, instrument, env string) (time.Time, error) {
	var latest time.Time
	for _, row := range s.orders {
		if row.Instrument != instrument || row.Env != env || row.Status != "CLOSED" || row.ClosedAt == nil {
			continue
		}
		if row.ClosedAt.After(latest) {
			latest = *row.ClosedAt
		}
	}
	return latest, nil
}

func (s *MemoryStore) UpsertSnapshot(_ context.Context, snap SessionSnapshot) error {
	s.snapshots[snap.SessionID+"/"+snap.Instrument] = snap
	return nil
}

// ListOrders returns rows opened at or after since.
func (s *MemoryStore) ListOrders(_ context.Context, since time.Time) ([]OrderRow, error) {
	out := make([]OrderRow, 0, len(s.orders))
	for _, row := range s.orders {
		if row.OpenedAt.Before(since) {
			continue
		}
		out = append(out, *row)
	}
	return out, nil
}

// Orders returns all logged rows, for inspection.
func (s *MemoryStore) Orders() []OrderRow {
	out := make([]OrderRow, 0, len(s.orders))
	for _, row := range s.orders {
		out = append(out, *row)
	}
	return out
}

// Snapshot returns the stored snapshot for a session and instrument.
func (s *MemoryStore) Snapshot(sessionID, instrument string) (SessionSnapshot, bool) {
	snap, ok := s.snapshots[sessionID+"/"+instrument]
	return snap, ok
}
