package market

import (
	"strings"
	"time"
)

// Tick is one best-bid/best-ask update from the price stream.
type Tick struct {
	Instrument string
	Bid        float64
	Ask        float64
	Time       time.Time
}

// Mid returns the midpoint price.
func (t Tick) Mid() float64 {
	return (t.Bid + t.Ask) / 2
}

// SpreadPips returns the bid/ask spread in pips for the tick's instrument.
func (t Tick) SpreadPips() float64 {
	return (t.Ask - t.Bid) / PipSize(t.Instrument)
}

// PipSize returns the minimum meaningful price increment:
// 0.01 for JPY-quoted pairs, 0.0001 otherwise.
func PipSize(instrument string) float64 {
	if strings.Contains(instrument, "JPY") {
		return 0.01
	}
	return 0.0001
}

// PipMultiplier converts a price delta into pips.
func PipMultiplier(instrument string) float64 {
	return 1 / PipSize(instrument)
}
