package market

import "math"

// HurstEstimator computes a Hall-Wood Hurst exponent over a true sliding
// window of recent price deltas. The window is a fixed-size ring buffer
// recomputed in full on every tick; a periodic-reset accumulator would
// open a blind spot between resets, so this cost is accepted.
type HurstEstimator struct {
	deltas    []float64
	idx       int
	full      bool
	smoothing float64
	h         float64
	seeded    bool
}

// NewHurstEstimator creates an estimator over a window of the given size,
// EWMA-smoothed with the given factor in (0,1].
func NewHurstEstimator(window int, smoothing float64) *HurstEstimator {
	if window < 4 {
		window = 4
	}
	return &HurstEstimator{
		deltas:    make([]float64, window),
		smoothing: smoothing,
	}
}

// Update pushes one price delta and recomputes the smoothed estimate.
func (h *HurstEstimator) Update(delta float64) {
	h.deltas[h.idx] = delta
	h.idx = (h.idx + 1) % len(h.deltas)
	if h.idx == 0 {
		h.full = true
	}
	if !h.full {
		return
	}

	raw := h.compute()
	if !h.seeded {
		h.h = raw
		h.seeded = true
		return
	}
	h.h = h.smoothing*raw + (1-h.smoothing)*h.h
}

// compute walks the window in chronological order. With the ring full,
// the oldest element sits at the write index.
func (h *HurstEstimator) compute() float64 {
	n := len(h.deltas)
	var s1, s2 float64
	var prev float64
	for i := 0; i < n; i++ {
		x := h.deltas[(h.idx+i)%n]
		s1 += math.Abs(x)
		if i > 0 {
			s2 += math.Abs(x + prev)
		}
		prev = x
	}
	if s1 < 1e-15 || s2 < 1e-15 {
		return 0.5
	}
	raw := math.Log2(s2 / s1)
	if raw < 0 {
		return 0
	}
	if raw > 1 {
		return 1
	}
	return raw
}

// Ready reports whether the window has been fully populated. H must not
// be used for gating before this returns true.
func (h *HurstEstimator) Ready() bool { return h.full }

// H returns the smoothed Hurst exponent. Only meaningful once Ready.
func (h *HurstEstimator) H() float64 { return h.h }
