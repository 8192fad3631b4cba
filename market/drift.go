package market

import "math"

// DriftEstimator maintains recursive Kramers-Moyal drift (D1) and
// diffusion (D2) coefficients with an adaptive smoothing factor.
// The smoothing factor shrinks as diffusion grows, so noisy regimes
// update more conservatively.
type DriftEstimator struct {
	alphaMin float64
	alphaMax float64
	kappa    float64

	d1    float64
	d2    float64
	alpha float64
}

// NewDriftEstimator creates an estimator with alpha bounded to
// [alphaMin, alphaMax] and sensitivity kappa.
func NewDriftEstimator(alphaMin, alphaMax, kappa float64) *DriftEstimator {
	return &DriftEstimator{
		alphaMin: alphaMin,
		alphaMax: alphaMax,
		kappa:    kappa,
		alpha:    alphaMax,
	}
}

// Update folds one price move into the estimate. dm is the mid delta in
// price units, dt the elapsed time in seconds (must be > 0).
func (d *DriftEstimator) Update(dm, dt float64) {
	if dt <= 0 {
		return
	}
	d.alpha = d.alphaMin + (d.alphaMax-d.alphaMin)*math.Exp(-d.kappa*math.Abs(d.d2))
	d.d1 = d.alpha*(dm/dt) + (1-d.alpha)*d.d1
	r := dm - d.d1*dt
	d.d2 = d.alpha*(r*r/dt) + (1-d.alpha)*d.d2
}

// D1 returns the drift coefficient in price units per second.
func (d *DriftEstimator) D1() float64 { return d.d1 }

// D2 returns the diffusion coefficient. Always >= 0 by construction.
func (d *DriftEstimator) D2() float64 { return d.d2 }

// Alpha returns the current smoothing factor.
func (d *DriftEstimator) Alpha() float64 { return d.alpha }
