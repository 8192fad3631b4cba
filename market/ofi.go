package market

import "math"

// Welford tracks a running mean and variance in one pass.
type Welford struct {
	count int64
	mean  float64
	m2    float64
}

// Add folds one observation into the running moments.
func (w *Welford) Add(x float64) {
	w.count++
	delta := x - w.mean
	w.mean += delta / float64(w.count)
	w.m2 += delta * (x - w.mean)
}

// Mean returns the running mean.
func (w *Welford) Mean() float64 { return w.mean }

// Std returns the running standard deviation.
func (w *Welford) Std() float64 {
	if w.count < 2 {
		return 0
	}
	return math.Sqrt(w.m2 / float64(w.count-1))
}

// Count returns the number of observations.
func (w *Welford) Count() int64 { return w.count }

// Z returns the Z-score of x against the running distribution,
// guarded against zero variance.
func (w *Welford) Z(x float64) float64 {
	std := w.Std()
	if std < 1e-12 {
		return 0
	}
	return (x - w.mean) / std
}

// FlowForce maintains the recursive order-flow force signal and its
// Welford Z-score. Force units are pips per second with exponential
// memory gamma.
type FlowForce struct {
	gamma   float64
	ofi     float64
	lastDir int
	moments Welford
}

// NewFlowForce creates a force tracker with memory factor gamma in (0,1).
func NewFlowForce(gamma float64) *FlowForce {
	return &FlowForce{gamma: gamma}
}

// Classify returns the tick direction for a mid move. Flat ticks inherit
// the prior classification (midpoint tie-break degenerates to this when
// the observed price is itself the mid).
func (f *FlowForce) Classify(dm float64) int {
	switch {
	case dm > 0:
		f.lastDir = 1
	case dm < 0:
		f.lastDir = -1
	}
	return f.lastDir
}

// Update folds one move into the force. dmPips is the mid delta in pips,
// dt the elapsed seconds.
func (f *FlowForce) Update(dmPips, dt float64) {
	if dt <= 0 {
		return
	}
	dir := f.Classify(dmPips)
	f.ofi = f.gamma*f.ofi + float64(dir)*math.Abs(dmPips)*(1/dt)
	f.moments.Add(f.ofi)
}

// OFI returns the current force in pips per second.
func (f *FlowForce) OFI() float64 { return f.ofi }

// Z returns the Welford Z-score of the current force.
func (f *FlowForce) Z() float64 { return f.moments.Z(f.ofi) }

// LastDirection returns the direction of the most recent classified tick.
func (f *FlowForce) LastDirection() int { return f.lastDir }
