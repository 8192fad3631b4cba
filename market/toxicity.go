package market

import "math"

// ToxicityEWMA tracks buy/sell volume proxies with exponential decay and
// derives a VPIN-style informed-flow measure from their imbalance.
type ToxicityEWMA struct {
	lambda   float64
	buyEWMA  float64
	sellEWMA float64
}

// NewToxicityEWMA creates a tracker with decay lambda in (0,1). Both
// sides are warm-started at a balanced seed so the first ticks do not
// read as zero toxicity.
func NewToxicityEWMA(lambda, seed float64) *ToxicityEWMA {
	if seed <= 0 {
		seed = 0.5
	}
	return &ToxicityEWMA{
		lambda:   lambda,
		buyEWMA:  seed,
		sellEWMA: seed,
	}
}

// Update attributes one tick's volume proxy to the classified side.
// The idle side decays toward zero.
func (t *ToxicityEWMA) Update(dir int, volumeProxy float64) {
	if dir > 0 {
		t.buyEWMA = t.lambda*volumeProxy + (1-t.lambda)*t.buyEWMA
		t.sellEWMA = (1 - t.lambda) * t.sellEWMA
	} else if dir < 0 {
		t.sellEWMA = t.lambda*volumeProxy + (1-t.lambda)*t.sellEWMA
		t.buyEWMA = (1 - t.lambda) * t.buyEWMA
	}
}

// VPIN returns the current toxicity reading in [0,1].
func (t *ToxicityEWMA) VPIN() float64 {
	total := t.buyEWMA + t.sellEWMA
	if total < 1e-12 {
		return 0
	}
	return math.Abs(t.buyEWMA-t.sellEWMA) / total
}

// BuyEWMA returns the buy-side volume proxy.
func (t *ToxicityEWMA) BuyEWMA() float64 { return t.buyEWMA }

// SellEWMA returns the sell-side volume proxy.
func (t *ToxicityEWMA) SellEWMA() float64 { return t.sellEWMA }
