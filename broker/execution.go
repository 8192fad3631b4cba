package broker

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"signal-trader-go/market"
)

// Fill reports one successful placement with measured execution quality.
// Slippage and quality are computed from observed values only; a
// synthetic stand-in for either would corrupt the order log.
type Fill struct {
	TradeID         string
	Instrument      string
	Units           int
	Price           float64
	RequestedPrice  float64
	SlippagePips    float64
	Quality         float64
	Latency         time.Duration
	Time            time.Time
	ClientRequestID string
}

// Rejection reports an explicit broker rejection. State is unchanged
// and the order is not retried within the same tick.
type Rejection struct {
	Instrument string
	Units      int
	Reason     string
}

// Executor places bracketed orders through a Client and measures real
// slippage and fill latency.
type Executor struct {
	Client         Client
	TakeProfitPips float64
	StopLossPips   float64
}

// Place submits one bracketed market order at the observed price.
// Exactly one of fill/reject is non-nil on a nil-error return.
func (e *Executor) Place(instrument string, units int, observedPrice float64) (*Fill, *Rejection, error) {
	req := OrderRequest{
		Instrument:      instrument,
		Units:           units,
		TakeProfitPips:  e.TakeProfitPips,
		StopLossPips:    e.StopLossPips,
		RequestedPrice:  observedPrice,
		ClientRequestID: uuid.NewString(),
	}

	start := time.Now()
	res, err := e.Client.PlaceMarketOrder(req)
	latency := time.Since(start)
	if err != nil {
		return nil, nil, err
	}

	if res.Reject != nil {
		return nil, &Rejection{Instrument: instrument, Units: units, Reason: res.Reject.Reason}, nil
	}

	slippage := math.Abs(res.Fill.Price-observedPrice) * market.PipMultiplier(instrument)
	return &Fill{
		TradeID:         res.Fill.TradeID,
		Instrument:      instrument,
		Units:           units,
		Price:           res.Fill.Price,
		RequestedPrice:  observedPrice,
		SlippagePips:    slippage,
		Quality:         QualityScore(slippage),
		Latency:         latency,
		Time:            res.Fill.Time,
		ClientRequestID: req.ClientRequestID,
	}, nil, nil
}

// Placement is one settled order of a batch fire. Exactly one of
// Fill/Reject is set on a nil Err.
type Placement struct {
	Fill   *Fill
	Reject *Rejection
	Err    error
}

// PlaceBatch launches every placement concurrently and waits for all of
// them to settle. Each outcome stands on its own; callers commit fills
// and count rejections per order, a partial fill set is a normal result.
func (e *Executor) PlaceBatch(instrument string, unitChunks []int, observedPrice float64) []Placement {
	out := make([]Placement, len(unitChunks))
	var wg sync.WaitGroup
	for i, units := range unitChunks {
		wg.Add(1)
		go func(i, units int) {
			defer wg.Done()
			fill, reject, err := e.Place(instrument, units, observedPrice)
			out[i] = Placement{Fill: fill, Reject: reject, Err: err}
		}(i, units)
	}
	wg.Wait()
	return out
}

// QualityScore maps slippage pips to (0,1], strictly decreasing in
// slippage: 1 at zero slippage, 0.5 at one pip.
func QualityScore(slippagePips float64) float64 {
	return 1 / (1 + slippagePips)
}
