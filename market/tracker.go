package market

import (
	"math"
	"time"
)

// FlowState classifies the market by its efficiency ratio.
type FlowState int

const (
	StateNeutral FlowState = iota
	StateLiquid
	StateAbsorbing
	StateSlipping
)

// String returns the state name.
func (s FlowState) String() string {
	switch s {
	case StateLiquid:
		return "LIQUID"
	case StateAbsorbing:
		return "ABSORBING"
	case StateSlipping:
		return "SLIPPING"
	default:
		return "NEUTRAL"
	}
}

// HiddenPlayer flags an inferred off-book participant.
type HiddenPlayer int

const (
	HiddenNone HiddenPlayer = iota
	// HiddenLimit: absorbing state with non-trivial force, a resting
	// order is soaking up flow. Fade the move.
	HiddenLimit
	// HiddenHole: slipping state with non-trivial drift, liquidity has
	// pulled. Wait.
	HiddenHole
)

// Params holds the estimator constants for one tracker.
type Params struct {
	AlphaMin float64
	AlphaMax float64
	Kappa    float64
	Gamma    float64 // OFI memory factor

	HurstWindow    int
	HurstSmoothing float64

	VpinLambda float64
	VpinSeed   float64

	LevelCapacity    int
	LevelBreakStreak int
	LevelQuantum     float64 // price units per bucket; 0 derives from pip size

	SpreadWindow   int
	TickRateWindow int

	// Efficiency state boundaries, dimensionless.
	AbsorbLimit float64
	LiquidLow   float64
	LiquidHigh  float64
	SlipLimit   float64

	// Floors for hidden-player detection.
	ForceFloor float64 // pips/sec
	DriftFloor float64 // price units/sec
}

// DefaultParams returns the estimator defaults.
func DefaultParams() Params {
	return Params{
		AlphaMin:         0.05,
		AlphaMax:         0.40,
		Kappa:            50.0,
		Gamma:            0.90,
		HurstWindow:      32,
		HurstSmoothing:   0.20,
		VpinLambda:       0.10,
		VpinSeed:         0.5,
		LevelCapacity:    64,
		LevelBreakStreak: 3,
		SpreadWindow:     50,
		TickRateWindow:   50,
		AbsorbLimit:      0.30,
		LiquidLow:        0.70,
		LiquidHigh:       1.50,
		SlipLimit:        3.00,
		ForceFloor:       0.5,
		DriftFloor:       1e-5,
	}
}

const effEpsilon = 1e-9

// Tracker owns all recursive microstructure state for one instrument.
// Updates are O(1) apart from the small constant-size Hurst window walk.
// A tracker is not safe for concurrent use; the session loop is its
// single owner.
type Tracker struct {
	Instrument string

	params  Params
	pipSize float64
	pipMult float64

	prevMid  float64
	prevTime time.Time
	ticks    int

	drift    *DriftEstimator
	force    *FlowForce
	hurst    *HurstEstimator
	toxicity *ToxicityEWMA
	levels   *LevelBook

	spreads   *FloatRing
	tickTimes *TimeRing

	buyTicks  int
	sellTicks int
	buyPct    float64 // EWMA of buy-classified tick share
}

// NewTracker creates a tracker for the instrument.
func NewTracker(instrument string, params Params) *Tracker {
	pip := PipSize(instrument)
	quantum := params.LevelQuantum
	if quantum <= 0 {
		// One bucket per 10 pips keeps majors at sensible granularity.
		quantum = pip * 10
	}
	return &Tracker{
		Instrument: instrument,
		params:     params,
		pipSize:    pip,
		pipMult:    1 / pip,
		drift:      NewDriftEstimator(params.AlphaMin, params.AlphaMax, params.Kappa),
		force:      NewFlowForce(params.Gamma),
		hurst:      NewHurstEstimator(params.HurstWindow, params.HurstSmoothing),
		toxicity:   NewToxicityEWMA(params.VpinLambda, params.VpinSeed),
		levels:     NewLevelBook(quantum, params.LevelCapacity, params.LevelBreakStreak),
		spreads:    NewFloatRing(params.SpreadWindow),
		tickTimes:  NewTimeRing(params.TickRateWindow),
		buyPct:     0.5,
	}
}

// OnTick folds one tick into every recursive estimate, in arrival order.
func (tr *Tracker) OnTick(t Tick) {
	mid := t.Mid()
	tr.spreads.Push(t.SpreadPips())
	tr.tickTimes.Push(t.Time)

	if tr.ticks == 0 {
		tr.prevMid = mid
		tr.prevTime = t.Time
		tr.ticks++
		return
	}

	dt := t.Time.Sub(tr.prevTime).Seconds()
	if dt <= 0 {
		dt = 1e-3
	}
	dm := mid - tr.prevMid
	dmPips := dm * tr.pipMult

	tr.drift.Update(dm, dt)
	tr.force.Update(dmPips, dt)
	tr.hurst.Update(dm)

	dir := tr.force.LastDirection()
	tr.toxicity.Update(dir, math.Abs(dmPips))
	tr.levels.Update(mid, dir, t.Time)

	if dir > 0 {
		tr.buyTicks++
	} else if dir < 0 {
		tr.sellTicks++
	}
	isBuy := 0.0
	if dir > 0 {
		isBuy = 1.0
	}
	if dir != 0 {
		tr.buyPct = tr.params.VpinLambda*isBuy + (1-tr.params.VpinLambda)*tr.buyPct
	}

	tr.prevMid = mid
	tr.prevTime = t.Time
	tr.ticks++
}

// Efficiency returns the dimensionless force-to-drift ratio. The force is
// converted from pip-rate to price-velocity units before dividing; mixing
// the scales collapses every reading into the absorbing band.
func (tr *Tracker) Efficiency() float64 {
	forcePrice := math.Abs(tr.force.OFI()) / tr.pipMult
	return forcePrice / (math.Abs(tr.drift.D1()) + effEpsilon)
}

// State classifies the current efficiency ratio.
func (tr *Tracker) State() FlowState {
	e := tr.Efficiency()
	switch {
	case e < tr.params.AbsorbLimit:
		return StateAbsorbing
	case e > tr.params.SlipLimit:
		return StateSlipping
	case e >= tr.params.LiquidLow && e <= tr.params.LiquidHigh:
		return StateLiquid
	default:
		return StateNeutral
	}
}

// Hidden infers an off-book participant from the state/force/drift combination.
func (tr *Tracker) Hidden() HiddenPlayer {
	switch tr.State() {
	case StateAbsorbing:
		if math.Abs(tr.force.OFI()) > tr.params.ForceFloor {
			return HiddenLimit
		}
	case StateSlipping:
		if math.Abs(tr.drift.D1()) > tr.params.DriftFloor {
			return HiddenHole
		}
	}
	return HiddenNone
}

// Snapshot is a point-in-time read of every derived estimate.
type Snapshot struct {
	Instrument string
	Mid        float64
	Ticks      int

	D1    float64
	D2    float64
	Alpha float64

	OFI  float64
	ZOfi float64

	Hurst      float64
	HurstReady bool

	Vpin       float64
	Efficiency float64
	State      FlowState
	Hidden     HiddenPlayer

	AvgSpreadPips float64
	TickRate      float64

	BuyTicks  int
	SellTicks int
	BuyPct    float64
}

// Snapshot captures the current derived values.
func (tr *Tracker) Snapshot() Snapshot {
	return Snapshot{
		Instrument:    tr.Instrument,
		Mid:           tr.prevMid,
		Ticks:         tr.ticks,
		D1:            tr.drift.D1(),
		D2:            tr.drift.D2(),
		Alpha:         tr.drift.Alpha(),
		OFI:           tr.force.OFI(),
		ZOfi:          tr.force.Z(),
		Hurst:         tr.hurst.H(),
		HurstReady:    tr.hurst.Ready(),
		Vpin:          tr.toxicity.VPIN(),
		Efficiency:    tr.Efficiency(),
		State:         tr.State(),
		Hidden:        tr.Hidden(),
		AvgSpreadPips: tr.spreads.Avg(),
		TickRate:      tr.tickTimes.RatePerSecond(),
		BuyTicks:      tr.buyTicks,
		SellTicks:     tr.sellTicks,
		BuyPct:        tr.buyPct,
	}
}

// TickCount returns the number of ticks processed.
func (tr *Tracker) TickCount() int { return tr.ticks }

// Mid returns the most recent mid price.
func (tr *Tracker) Mid() float64 { return tr.prevMid }

// AvgSpreadPips returns the mean spread across the spread window.
func (tr *Tracker) AvgSpreadPips() float64 { return tr.spreads.Avg() }

// TickRate returns ticks/second across the timestamp window.
func (tr *Tracker) TickRate() float64 { return tr.tickTimes.RatePerSecond() }

// Levels exposes the price-level book for snapshotting.
func (tr *Tracker) Levels() *LevelBook { return tr.levels }

// Registry owns one tracker per instrument for a session. It is an
// explicit instance, not package state, so sessions stay isolated.
type Registry struct {
	params   Params
	quantums map[string]float64
	trackers map[string]*Tracker
}

// NewRegistry creates an empty registry. quantums optionally overrides
// the level bucket size per instrument (in price units).
func NewRegistry(params Params, quantums map[string]float64) *Registry {
	return &Registry{
		params:   params,
		quantums: quantums,
		trackers: make(map[string]*Tracker),
	}
}

// Tracker returns the tracker for the instrument, creating it on first use.
func (r *Registry) Tracker(instrument string) *Tracker {
	tr, ok := r.trackers[instrument]
	if !ok {
		p := r.params
		if q, ok := r.quantums[instrument]; ok && q > 0 {
			p.LevelQuantum = q
		}
		tr = NewTracker(instrument, p)
		r.trackers[instrument] = tr
	}
	return tr
}

// All returns every tracker created so far.
func (r *Registry) All() map[string]*Tracker { return r.trackers }
