// Package risk sizes entries and enforces the hard pre-entry guards.
package risk

import "math"

// SizingParams holds the Kelly sizing model constants.
type SizingParams struct {
	BaseUnits int
	MinUnits  int
	NavPct    float64 // NAV ceiling as a fraction
	MarginPct float64 // margin self-correction cap, typically 0.90

	// MaxUnitsPerOrder caps a single order; a larger fire is split
	// into a batch of concurrent placements. 0 disables splitting.
	MaxUnitsPerOrder int

	// Win-probability blend. This mapping is a heuristic model
	// parameter, not a derived law; keep it tunable.
	EffWeight float64
	ZWeight   float64
	PMin      float64
	PMax      float64
}

// Alignment carries the signal-quality inputs for the win-probability
// blend, each pre-scaled to [0,1].
type Alignment struct {
	EfficiencyScore float64
	ZScore          float64
}

// WinProbability maps alignment scores to a bounded Kelly win
// probability via a linear blend around 0.5.
func (p SizingParams) WinProbability(a Alignment) float64 {
	prob := 0.5 + p.EffWeight*a.EfficiencyScore + p.ZWeight*a.ZScore
	return clamp(prob, p.PMin, p.PMax)
}

// KellyFraction returns f* = p - q/b with b = 1 (symmetric bracket).
func KellyFraction(p float64) float64 {
	return p - (1 - p)
}

// Size computes the unit count for an entry. nav is account net asset
// value, price the current mid. Returns 0 when the ceilings collapse
// below the minimum lot; callers must treat 0 as a blocked entry.
func (p SizingParams) Size(a Alignment, nav, price float64) int {
	if nav <= 0 || price <= 0 {
		return 0
	}
	f := KellyFraction(p.WinProbability(a))
	if f <= 0 {
		return 0
	}

	kellyCap := int(math.Floor(f * nav / price))
	navCap := int(math.Floor(p.NavPct * nav / price))

	units := p.BaseUnits
	if kellyCap < units {
		units = kellyCap
	}
	if navCap < units {
		units = navCap
	}
	if units < p.MinUnits {
		return 0
	}
	return units
}

// CorrectForMargin shrinks units so projected required margin fits
// within MarginPct of available margin. Returns 0 when the corrected
// size falls below the minimum lot; a zero or negative size must never
// reach the broker.
func (p SizingParams) CorrectForMargin(units int, price, marginRate, marginAvailable float64) int {
	if units <= 0 {
		return 0
	}
	if marginRate <= 0 || marginAvailable <= 0 {
		return 0
	}
	required := float64(units) * price * marginRate
	budget := p.MarginPct * marginAvailable
	if required > budget {
		units = int(math.Floor(budget / (price * marginRate)))
	}
	if units < p.MinUnits {
		return 0
	}
	return units
}

// Split chunks a sized fire into per-order unit counts no larger than
// MaxUnitsPerOrder. The last chunk carries the remainder.
func (p SizingParams) Split(units int) []int {
	if units <= 0 {
		return nil
	}
	if p.MaxUnitsPerOrder <= 0 || units <= p.MaxUnitsPerOrder {
		return []int{units}
	}
	chunks := make([]int, 0, units/p.MaxUnitsPerOrder+1)
	for units > 0 {
		n := units
		if n > p.MaxUnitsPerOrder {
			n = p.MaxUnitsPerOrder
		}
		chunks = append(chunks, n)
		units -= n
	}
	return chunks
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
