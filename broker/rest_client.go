package broker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"signal-trader-go/market"
)

// RESTClient talks to the execution API over HTTP with bearer-token
// auth. All requests share one http client whose Timeout bounds every
// outbound call.
type RESTClient struct {
	BaseURL    string
	Token      string
	AccountID  string
	HTTPClient *http.Client
}

// NewDefaultHTTPClient returns an http client with request timeout.
func NewDefaultHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

func (c *RESTClient) do(method, path string, body interface{}, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.BaseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("parse response (%d): %w", resp.StatusCode, err)
		}
	}
	return resp.StatusCode, nil
}

// Wire schemas. Prices arrive as decimal strings.

type priceString string

// Float parses the decimal string. An absent field decodes to the empty
// string and reads as zero; anything else that fails to parse is an
// error, so a garbled price can never masquerade as a real one.
func (p priceString) Float() (float64, error) {
	if p == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(string(p), 64)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", string(p), err)
	}
	return v, nil
}

type orderBody struct {
	Order wireOrder `json:"order"`
}

type wireOrder struct {
	Type             string        `json:"type"`
	Instrument       string        `json:"instrument"`
	Units            string        `json:"units"`
	TimeInForce      string        `json:"timeInForce"`
	PositionFill     string        `json:"positionFill"`
	ClientExtensions *wireExt      `json:"clientExtensions,omitempty"`
	TakeProfit       *wireDistance `json:"takeProfitOnFill,omitempty"`
	StopLoss         *wireDistance `json:"stopLossOnFill,omitempty"`
}

type wireExt struct {
	ID string `json:"id"`
}

type wireDistance struct {
	Distance string `json:"distance"`
}

type orderResponse struct {
	FillTransaction *struct {
		Price       priceString `json:"price"`
		Time        time.Time   `json:"time"`
		TradeOpened *struct {
			TradeID string `json:"tradeID"`
		} `json:"tradeOpened"`
	} `json:"orderFillTransaction"`
	RejectTransaction *struct {
		RejectReason string `json:"rejectReason"`
	} `json:"orderRejectTransaction"`
	CancelTransaction *struct {
		Reason string `json:"reason"`
	} `json:"orderCancelTransaction"`
	ErrorMessage string `json:"errorMessage"`
}

// PlaceMarketOrder submits one bracketed immediate-or-cancel market
// order and parses the outcome into the fill/reject sum.
func (c *RESTClient) PlaceMarketOrder(req OrderRequest) (OrderResult, error) {
	pip := market.PipSize(req.Instrument)
	body := orderBody{Order: wireOrder{
		Type:         "MARKET",
		Instrument:   req.Instrument,
		Units:        strconv.Itoa(req.Units),
		TimeInForce:  "IOC",
		PositionFill: "DEFAULT",
	}}
	if req.ClientRequestID != "" {
		body.Order.ClientExtensions = &wireExt{ID: req.ClientRequestID}
	}
	if req.TakeProfitPips > 0 {
		body.Order.TakeProfit = &wireDistance{Distance: formatPrice(req.TakeProfitPips*pip, pip)}
	}
	if req.StopLossPips > 0 {
		body.Order.StopLoss = &wireDistance{Distance: formatPrice(req.StopLossPips*pip, pip)}
	}

	var parsed orderResponse
	status, err := c.do(http.MethodPost, "/v3/accounts/"+c.AccountID+"/orders", body, &parsed)
	if err != nil {
		return OrderResult{}, err
	}

	if parsed.FillTransaction != nil && parsed.FillTransaction.TradeOpened != nil {
		price, err := parsed.FillTransaction.Price.Float()
		if err != nil {
			return OrderResult{}, fmt.Errorf("fill transaction: %w", err)
		}
		return OrderResult{Fill: &FillTransaction{
			TradeID: parsed.FillTransaction.TradeOpened.TradeID,
			Price:   price,
			Time:    parsed.FillTransaction.Time,
		}}, nil
	}
	if parsed.RejectTransaction != nil {
		return OrderResult{Reject: &RejectTransaction{Reason: parsed.RejectTransaction.RejectReason}}, nil
	}
	if parsed.CancelTransaction != nil {
		return OrderResult{Reject: &RejectTransaction{Reason: parsed.CancelTransaction.Reason}}, nil
	}
	return OrderResult{}, fmt.Errorf("order response (%d) has neither fill nor reject: %s", status, parsed.ErrorMessage)
}

type closeResponse struct {
	CloseTransaction *struct {
		Price priceString `json:"price"`
		Time  time.Time   `json:"time"`
	} `json:"orderFillTransaction"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// CloseTrade closes the full trade by id. A broker-side absent trade
// surfaces as ErrTradeNotFound so callers reconcile instead of retrying.
func (c *RESTClient) CloseTrade(tradeID string) (CloseResult, error) {
	var parsed closeResponse
	status, err := c.do(http.MethodPut, "/v3/accounts/"+c.AccountID+"/trades/"+tradeID+"/close",
		map[string]string{"units": "ALL"}, &parsed)
	if err != nil {
		return CloseResult{}, err
	}
	if status == http.StatusNotFound || parsed.ErrorCode == "TRADE_DOESNT_EXIST" {
		return CloseResult{}, ErrTradeNotFound
	}
	if parsed.CloseTransaction == nil {
		return CloseResult{}, fmt.Errorf("close response (%d) missing fill transaction: %s", status, parsed.ErrorMessage)
	}
	price, err := parsed.CloseTransaction.Price.Float()
	if err != nil || price == 0 {
		// Transient: the caller retries rather than recording a
		// fabricated exit price.
		return CloseResult{}, fmt.Errorf("close transaction price %q unusable: %v", parsed.CloseTransaction.Price, err)
	}
	return CloseResult{
		Price: price,
		Time:  parsed.CloseTransaction.Time,
	}, nil
}

// ModifyStops replaces the trade's stop-loss and/or take-profit prices.
// Zero values leave the corresponding order untouched.
func (c *RESTClient) ModifyStops(tradeID, instrument string, stopLoss, takeProfit float64) error {
	pip := market.PipSize(instrument)
	body := map[string]map[string]string{}
	if stopLoss > 0 {
		body["stopLoss"] = map[string]string{"price": formatPrice(stopLoss, pip)}
	}
	if takeProfit > 0 {
		body["takeProfit"] = map[string]string{"price": formatPrice(takeProfit, pip)}
	}
	var parsed struct {
		ErrorCode    string `json:"errorCode"`
		ErrorMessage string `json:"errorMessage"`
	}
	status, err := c.do(http.MethodPut, "/v3/accounts/"+c.AccountID+"/trades/"+tradeID+"/orders", body, &parsed)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound || parsed.ErrorCode == "TRADE_DOESNT_EXIST" {
		return ErrTradeNotFound
	}
	if status >= 400 {
		return fmt.Errorf("modify stops (%d): %s", status, parsed.ErrorMessage)
	}
	return nil
}

type openTradesResponse struct {
	Trades []struct {
		ID           string      `json:"id"`
		Instrument   string      `json:"instrument"`
		CurrentUnits string      `json:"currentUnits"`
		Price        priceString `json:"price"`
		OpenTime     time.Time   `json:"openTime"`
		StopLoss     *struct {
			Price priceString `json:"price"`
		} `json:"stopLossOrder"`
		TakeProfit *struct {
			Price priceString `json:"price"`
		} `json:"takeProfitOrder"`
	} `json:"trades"`
}

// OpenTrades fetches the broker's current open-position set.
func (c *RESTClient) OpenTrades() ([]OpenTrade, error) {
	var parsed openTradesResponse
	if _, err := c.do(http.MethodGet, "/v3/accounts/"+c.AccountID+"/openTrades", nil, &parsed); err != nil {
		return nil, err
	}
	out := make([]OpenTrade, 0, len(parsed.Trades))
	for _, t := range parsed.Trades {
		units, err := strconv.Atoi(t.CurrentUnits)
		if err != nil {
			return nil, fmt.Errorf("parse units %q for trade %s: %w", t.CurrentUnits, t.ID, err)
		}
		price, err := t.Price.Float()
		if err != nil {
			return nil, fmt.Errorf("trade %s: %w", t.ID, err)
		}
		ot := OpenTrade{
			ID:         t.ID,
			Instrument: t.Instrument,
			Units:      units,
			Price:      price,
			OpenTime:   t.OpenTime,
		}
		if t.StopLoss != nil {
			if ot.StopLoss, err = t.StopLoss.Price.Float(); err != nil {
				return nil, fmt.Errorf("trade %s stop: %w", t.ID, err)
			}
		}
		if t.TakeProfit != nil {
			if ot.TakeProfit, err = t.TakeProfit.Price.Float(); err != nil {
				return nil, fmt.Errorf("trade %s take profit: %w", t.ID, err)
			}
		}
		out = append(out, ot)
	}
	return out, nil
}

type summaryResponse struct {
	Account struct {
		NAV             priceString `json:"NAV"`
		MarginAvailable priceString `json:"marginAvailable"`
		MarginRate      priceString `json:"marginRate"`
	} `json:"account"`
}

// AccountSummary fetches NAV and margin state.
func (c *RESTClient) AccountSummary() (AccountSummary, error) {
	var parsed summaryResponse
	if _, err := c.do(http.MethodGet, "/v3/accounts/"+c.AccountID+"/summary", nil, &parsed); err != nil {
		return AccountSummary{}, err
	}
	var sum AccountSummary
	var err error
	if sum.NAV, err = parsed.Account.NAV.Float(); err != nil {
		return AccountSummary{}, fmt.Errorf("account summary: %w", err)
	}
	if sum.MarginAvailable, err = parsed.Account.MarginAvailable.Float(); err != nil {
		return AccountSummary{}, fmt.Errorf("account summary: %w", err)
	}
	if sum.MarginRate, err = parsed.Account.MarginRate.Float(); err != nil {
		return AccountSummary{}, fmt.Errorf("account summary: %w", err)
	}
	return sum, nil
}

func formatPrice(v, pip float64) string {
	if pip >= 0.01 {
		return strconv.FormatFloat(v, 'f', 3, 64)
	}
	return strconv.FormatFloat(v, 'f', 5, 64)
}
