package trade

import "time"

// PIDParams holds the trailing-stop controller constants.
type PIDParams struct {
	Kp                   float64
	Ki                   float64
	Kd                   float64
	BaseTrailPips        float64
	FloorTrailPips       float64
	ActivationProfitPips float64
}

// PIDState is the per-trade controller state, created at fill time and
// destroyed when the trade closes. CurrentSL only ever moves in the
// trade's favor; CommitStop enforces that as a hard invariant.
type PIDState struct {
	Direction        int // +1 long, -1 short
	EntryPrice       float64
	FilledAt         time.Time
	MaxFavorablePips float64
	TicksInTrade     int
	PrevPrice        float64
	CurrentSL        float64
	RatchetActive    bool
}

// NewPIDState seeds the controller at fill time with the raw
// (non-ratcheted) bracket stop.
func NewPIDState(direction int, entryPrice, initialSL float64, filledAt time.Time) *PIDState {
	return &PIDState{
		Direction:  direction,
		EntryPrice: entryPrice,
		FilledAt:   filledAt,
		PrevPrice:  entryPrice,
		CurrentSL:  initialSL,
	}
}

// ProfitPips returns the signed open profit at price in pips.
func (p *PIDState) ProfitPips(price, pipSize float64) float64 {
	return float64(p.Direction) * (price - p.EntryPrice) / pipSize
}

// Observe folds one tick into the controller: tick counter, max
// favorable excursion and previous price for the derivative term.
// Returns the favorable velocity in pips/tick (zero when adverse).
func (p *PIDState) Observe(price, pipSize float64) float64 {
	p.TicksInTrade++
	profit := p.ProfitPips(price, pipSize)
	if profit > p.MaxFavorablePips {
		p.MaxFavorablePips = profit
	}
	vel := float64(p.Direction) * (price - p.PrevPrice) / pipSize
	p.PrevPrice = price
	if vel < 0 {
		// Directional-only derivative: adverse moves contribute no
		// tightening, so a single pullback cannot loosen the stop.
		return 0
	}
	return vel
}

// ProposeStop computes the candidate stop for the current tick. The
// trail shrinks with profit, time in trade and favorable velocity,
// clamped at the floor.
func (p *PIDState) ProposeStop(price, pipSize, favorableVelocity float64, params PIDParams) float64 {
	profit := p.ProfitPips(price, pipSize)
	trail := params.BaseTrailPips -
		params.Kp*profit -
		params.Ki*float64(p.TicksInTrade) -
		params.Kd*favorableVelocity
	if trail < params.FloorTrailPips {
		trail = params.FloorTrailPips
	}
	return price - float64(p.Direction)*trail*pipSize
}

// CommitStop accepts the proposal only if it strictly improves the
// position's protection. Returns true when the stop moved.
func (p *PIDState) CommitStop(proposed float64) bool {
	if p.Direction > 0 {
		if proposed <= p.CurrentSL {
			return false
		}
	} else {
		if proposed >= p.CurrentSL {
			return false
		}
	}
	p.CurrentSL = proposed
	return true
}
