package trade

import (
	"time"

	"signal-trader-go/market"
)

// ExitParams holds the lifecycle thresholds.
type ExitParams struct {
	DudWindow        time.Duration
	DudEfficiencyMin float64
	ZExitThreshold   float64
	HurstFloor       float64
	MinHold          time.Duration

	// Baseline gate set thresholds, shared with the entry pipeline.
	EfficiencyMin   float64
	VpinGhostMax    float64
	IncludeToxicity bool

	PID PIDParams
}

// Decision is the outcome of one exit scan for one trade.
type Decision struct {
	Close     bool
	Reason    ExitReason
	NewStop   float64 // non-zero when the ratchet committed a better stop
	Activated bool    // ratchet turned on this tick
}

// EvaluateExit runs the exit checks for one live trade against the
// instrument's current estimator snapshot. Priority order: dud-abort,
// Z-reversal interrupt, Hurst master override (ahead of the ratchet),
// then ratchet bookkeeping, then the baseline-drop flush behind the
// minimum-hold guard.
func (m *Manager) EvaluateExit(rec *Record, snap market.Snapshot, now time.Time, params ExitParams) Decision {
	if !m.machine.IsActive(rec.State) {
		return Decision{}
	}

	pip := market.PipSize(rec.Instrument)
	price := snap.Mid
	held := now.Sub(rec.PID.FilledAt)

	// Dud-abort: a breakout that cannot hold its efficiency inside the
	// post-fill window never deserved the position.
	if rec.State == StateArmed {
		if held <= params.DudWindow {
			if snap.Efficiency < params.DudEfficiencyMin {
				return Decision{Close: true, Reason: ExitDud}
			}
		} else {
			// Window survived; the trade graduates.
			rec.State = StateActive
		}
	}

	// P0 interrupt: full directional reversal of z past the exit
	// threshold. Bypasses minimum hold.
	if float64(-rec.Direction)*snap.ZOfi >= params.ZExitThreshold {
		return Decision{Close: true, Reason: ExitZReversal}
	}

	// Master override: persistence collapse. Recomputed every tick from
	// the sliding window, so there is no blind spot; takes priority over
	// the ratchet.
	if snap.HurstReady && snap.Hurst < params.HurstFloor {
		return Decision{Close: true, Reason: ExitHurstOverride}
	}

	var dec Decision
	vel := rec.PID.Observe(price, pip)

	if rec.State == StateActive && rec.PID.MaxFavorablePips >= params.PID.ActivationProfitPips {
		if err := m.Transition(rec, StateRatchet); err == nil {
			rec.PID.RatchetActive = true
			dec.Activated = true
		}
	}

	if rec.State == StateRatchet {
		proposed := rec.PID.ProposeStop(price, pip, vel, params.PID)
		if rec.PID.CommitStop(proposed) {
			dec.NewStop = rec.PID.CurrentSL
		}
	}

	// Baseline drop: fewer than a majority of the checked gate set
	// still satisfied. Gate-based, so it respects the minimum hold.
	if held >= params.MinHold && rec.State != StateArmed {
		if m.baselineDropped(rec, snap, params) {
			dec.Close = true
			dec.Reason = ExitBaselineDrop
		}
	}
	return dec
}

func (m *Manager) baselineDropped(rec *Record, snap market.Snapshot, params ExitParams) bool {
	checks := 2
	satisfied := 0
	if snap.Efficiency >= params.EfficiencyMin {
		satisfied++
	}
	if float64(rec.Direction)*snap.ZOfi > 0 {
		satisfied++
	}
	if params.IncludeToxicity {
		checks++
		if !(snap.Vpin > 0 && snap.Vpin < params.VpinGhostMax) {
			satisfied++
		}
	}
	return satisfied*2 < checks+1 // fewer than a strict majority
}
