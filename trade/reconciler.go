package trade

import (
	"fmt"
	"time"

	"signal-trader-go/broker"
)

// TradeFetcher is the broker surface reconciliation needs.
type TradeFetcher interface {
	OpenTrades() ([]broker.OpenTrade, error)
}

// Reconciler periodically compares the local registry with the broker's
// open-position set. The broker is the source of truth: any locally
// tracked trade it no longer lists is dropped, which also releases a
// stuck in-flight close guard.
type Reconciler struct {
	fetcher  TradeFetcher
	manager  *Manager
	interval time.Duration

	last          time.Time
	totalRuns     int64
	droppedTrades int64
}

// NewReconciler creates a reconciler with the given minimum interval.
func NewReconciler(fetcher TradeFetcher, manager *Manager, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reconciler{fetcher: fetcher, manager: manager, interval: interval}
}

// Due reports whether enough wall clock has elapsed since the last run.
func (r *Reconciler) Due(now time.Time) bool {
	return now.Sub(r.last) >= r.interval
}

// Reconcile fetches the broker's open set and drops local records no
// longer present. Returns the ids dropped this run.
func (r *Reconciler) Reconcile(now time.Time) ([]string, error) {
	r.last = now
	r.totalRuns++

	remote, err := r.fetcher.OpenTrades()
	if err != nil {
		return nil, fmt.Errorf("fetch open trades: %w", err)
	}
	present := make(map[string]bool, len(remote))
	for _, t := range remote {
		present[t.ID] = true
	}

	var dropped []string
	for _, rec := range r.manager.Live() {
		if present[rec.ID] {
			continue
		}
		r.manager.MarkClosedAbsent(rec.ID, ExitReconciled)
		r.droppedTrades++
		dropped = append(dropped, rec.ID)
	}
	return dropped, nil
}

// Stats reports reconciliation counters for the session summary.
type Stats struct {
	TotalRuns     int64
	DroppedTrades int64
	LastRun       time.Time
}

// Stats returns the current counters.
func (r *Reconciler) Stats() Stats {
	return Stats{TotalRuns: r.totalRuns, DroppedTrades: r.droppedTrades, LastRun: r.last}
}
