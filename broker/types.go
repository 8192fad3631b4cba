// Package broker implements the execution API client and the streaming
// price feed. Responses are parsed eagerly into explicit schemas; an
// unparseable body is a transient error, never an implicit success.
package broker

import (
	"errors"
	"time"
)

// ErrTradeNotFound is returned when the broker reports a trade id as
// absent. The broker is authoritative: callers reconcile, they do not
// retry.
var ErrTradeNotFound = errors.New("trade does not exist")

// OrderRequest describes one bracketed market order. Units are signed:
// positive long, negative short. TP/SL distances are in pips.
type OrderRequest struct {
	Instrument      string
	Units           int
	TakeProfitPips  float64
	StopLossPips    float64
	RequestedPrice  float64 // observed price the decision was made at
	ClientRequestID string  // uuid tag carried into the order log
}

// FillTransaction is the success arm of an order result.
type FillTransaction struct {
	TradeID string
	Price   float64
	Time    time.Time
}

// RejectTransaction is the explicit-rejection arm of an order result.
type RejectTransaction struct {
	Reason string
}

// OrderResult is a sum over fill and reject. Exactly one arm is set on
// a nil-error return.
type OrderResult struct {
	Fill   *FillTransaction
	Reject *RejectTransaction
}

// CloseResult reports a confirmed close with the true exit price.
type CloseResult struct {
	Price float64
	Time  time.Time
}

// OpenTrade is one broker-side open position.
type OpenTrade struct {
	ID         string
	Instrument string
	Units      int // signed
	Price      float64
	OpenTime   time.Time
	StopLoss   float64 // 0 when no stop order is attached
	TakeProfit float64
}

// AccountSummary carries the account fields sizing needs.
type AccountSummary struct {
	NAV             float64
	MarginAvailable float64
	MarginRate      float64
}

// Client is the outbound execution surface. Implementations bound every
// call with a timeout; a timeout is a soft failure for the session loop.
type Client interface {
	PlaceMarketOrder(req OrderRequest) (OrderResult, error)
	CloseTrade(tradeID string) (CloseResult, error)
	ModifyStops(tradeID, instrument string, stopLoss, takeProfit float64) error
	OpenTrades() ([]OpenTrade, error)
	AccountSummary() (AccountSummary, error)
}
