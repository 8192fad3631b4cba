// Package posttrade aggregates execution quality from the order log.
package posttrade

import (
	"sort"
	"time"

	"signal-trader-go/market"
	"signal-trader-go/store"
)

// InstrumentStats aggregates one instrument's closed and open rows.
type InstrumentStats struct {
	Instrument string

	Fills        int
	Closed       int
	AvgSlippage  float64 // pips
	AvgQuality   float64
	AvgLatencyMs float64

	// Pip PnL over rows with a reported exit price. Rows closed without
	// one (broker-absent) are excluded rather than guessed at.
	PnLPips     float64
	PricedExits int
}

// Report is the full execution-quality breakdown.
type Report struct {
	Instruments []InstrumentStats
	ByReason    map[string]int
}

// Analyze folds order rows into a report. Rows never reach negative
// fill counts; unknown exit reasons are counted as-is.
func Analyze(rows []store.OrderRow) Report {
	perInstrument := make(map[string]*InstrumentStats)
	byReason := make(map[string]int)

	for _, row := range rows {
		st, ok := perInstrument[row.Instrument]
		if !ok {
			st = &InstrumentStats{Instrument: row.Instrument}
			perInstrument[row.Instrument] = st
		}
		st.Fills++
		st.AvgSlippage += row.SlippagePips
		st.AvgQuality += row.QualityScore
		st.AvgLatencyMs += float64(row.FillLatencyMs)

		if row.Status != "CLOSED" {
			continue
		}
		st.Closed++
		if row.ExitReason != "" {
			byReason[row.ExitReason]++
		}
		if row.ExitPrice != nil {
			pip := market.PipSize(row.Instrument)
			st.PnLPips += float64(row.Direction) * (*row.ExitPrice - row.EntryPrice) / pip
			st.PricedExits++
		}
	}

	out := Report{ByReason: byReason}
	for _, st := range perInstrument {
		n := float64(st.Fills)
		st.AvgSlippage /= n
		st.AvgQuality /= n
		st.AvgLatencyMs /= n
		out.Instruments = append(out.Instruments, *st)
	}
	sort.Slice(out.Instruments, func(i, j int) bool {
		return out.Instruments[i].Instrument < out.Instruments[j].Instrument
	})
	return out
}

// Since filters rows opened at or after the cutoff.
func Since(rows []store.OrderRow, cutoff time.Time) []store.OrderRow {
	out := make([]store.OrderRow, 0, len(rows))
	for _, row := range rows {
		if !row.OpenedAt.Before(cutoff) {
			out = append(out, row)
		}
	}
	return out
}
