// Package signal implements the ordered entry gate pipeline. Gates
// short-circuit: the first failure stops the scan and resets the
// instrument's consecutive-pass state.
package signal

import "signal-trader-go/market"

// Direction is the side a fire signal points at.
type Direction int

const (
	Flat  Direction = 0
	Long  Direction = 1
	Short Direction = -1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case Long:
		return "LONG"
	case Short:
		return "SHORT"
	default:
		return "FLAT"
	}
}

// Gate identifies one stage of the pipeline.
type Gate int

const (
	GateNone Gate = iota
	GateTickDensity
	GateWarmup
	GateOpenTrade
	GateHurst
	GateEfficiency
	GateZOfi
	GateGhostVpin
	GateRuleOfN
)

var gateNames = map[Gate]string{
	GateNone:        "none",
	GateTickDensity: "tick_density",
	GateWarmup:      "warmup",
	GateOpenTrade:   "open_trade",
	GateHurst:       "hurst",
	GateEfficiency:  "efficiency",
	GateZOfi:        "z_ofi",
	GateGhostVpin:   "ghost_vpin",
	GateRuleOfN:     "rule_of_n",
}

// String returns the gate name used in diagnostics and metric labels.
func (g Gate) String() string {
	if name, ok := gateNames[g]; ok {
		return name
	}
	return "unknown"
}

// Gates lists every stage in evaluation order.
func Gates() []Gate {
	return []Gate{
		GateTickDensity, GateWarmup, GateOpenTrade, GateHurst,
		GateEfficiency, GateZOfi, GateGhostVpin, GateRuleOfN,
	}
}

// Thresholds holds the gate parameters. Replaceable at runtime for hot
// reload; the pipeline copies it on Set.
type Thresholds struct {
	MinTicksPerSecond  float64
	WarmupTicks        int
	HurstMin           float64
	EfficiencyMin      float64
	ZOfiMin            float64
	VpinGhostMax       float64
	VpinHardMin        float64
	VpinHardMinEnabled bool
	RuleOfN            int
}

// GateState carries Rule-of-N hysteresis for one instrument.
type GateState struct {
	ConsecPasses  int
	LastDirection Direction
}

// Verdict is the outcome of one pipeline scan.
type Verdict struct {
	Fired      bool
	Direction  Direction
	FailedGate Gate // GateNone when all non-terminal gates passed
	Passes     int  // consecutive passes after this scan
}

// Pipeline evaluates the gate chain per instrument. Not safe for
// concurrent use; owned by the session loop.
type Pipeline struct {
	thresholds Thresholds
	states     map[string]*GateState

	scans    int64
	failures map[Gate]int64
}

// NewPipeline creates a pipeline with the given thresholds.
func NewPipeline(t Thresholds) *Pipeline {
	return &Pipeline{
		thresholds: t,
		states:     make(map[string]*GateState),
		failures:   make(map[Gate]int64),
	}
}

// SetThresholds swaps the gate parameters (hot reload).
func (p *Pipeline) SetThresholds(t Thresholds) {
	p.thresholds = t
}

// Thresholds returns the active parameters.
func (p *Pipeline) Thresholds() Thresholds { return p.thresholds }

func (p *Pipeline) state(instrument string) *GateState {
	st, ok := p.states[instrument]
	if !ok {
		st = &GateState{}
		p.states[instrument] = st
	}
	return st
}

// Evaluate runs the gate chain for one instrument snapshot. hasOpenTrade
// reflects the local trade registry. Any failure resets the pass counter
// to zero; a direction flip restarts it at one.
func (p *Pipeline) Evaluate(snap market.Snapshot, hasOpenTrade bool) Verdict {
	p.scans++
	st := p.state(snap.Instrument)
	t := p.thresholds

	fail := func(g Gate) Verdict {
		p.failures[g]++
		st.ConsecPasses = 0
		st.LastDirection = Flat
		return Verdict{FailedGate: g}
	}

	if snap.TickRate < t.MinTicksPerSecond {
		return fail(GateTickDensity)
	}
	if snap.Ticks < t.WarmupTicks {
		return fail(GateWarmup)
	}
	if hasOpenTrade {
		return fail(GateOpenTrade)
	}
	if !snap.HurstReady || snap.Hurst < t.HurstMin {
		return fail(GateHurst)
	}
	if snap.Efficiency < t.EfficiencyMin {
		return fail(GateEfficiency)
	}

	var dir Direction
	switch {
	case snap.ZOfi >= t.ZOfiMin:
		dir = Long
	case snap.ZOfi <= -t.ZOfiMin:
		dir = Short
	default:
		return fail(GateZOfi)
	}

	// Ghost-move floor: toxicity strictly inside (0, ghostMax) is pure
	// noise with no informed participation behind it.
	if snap.Vpin > 0 && snap.Vpin < t.VpinGhostMax {
		return fail(GateGhostVpin)
	}
	if t.VpinHardMinEnabled && snap.Vpin < t.VpinHardMin {
		return fail(GateGhostVpin)
	}

	if st.LastDirection != Flat && dir != st.LastDirection {
		st.ConsecPasses = 1
	} else {
		st.ConsecPasses++
	}
	st.LastDirection = dir

	if st.ConsecPasses < t.RuleOfN {
		p.failures[GateRuleOfN]++
		return Verdict{Direction: dir, FailedGate: GateRuleOfN, Passes: st.ConsecPasses}
	}

	st.ConsecPasses = 0
	st.LastDirection = Flat
	return Verdict{Fired: true, Direction: dir, Passes: t.RuleOfN}
}

// Reset clears the hysteresis state for one instrument (used after an
// externally detected entry).
func (p *Pipeline) Reset(instrument string) {
	delete(p.states, instrument)
}

// Scans returns the total number of scans performed.
func (p *Pipeline) Scans() int64 { return p.scans }

// Failures returns a copy of the per-gate failure counts.
func (p *Pipeline) Failures() map[Gate]int64 {
	out := make(map[Gate]int64, len(p.failures))
	for g, n := range p.failures {
		out[g] = n
	}
	return out
}
