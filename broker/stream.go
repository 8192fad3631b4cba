package broker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"signal-trader-go/market"
)

// streamMessage is the wire form of one feed line. Non-PRICE types
// (heartbeats and the like) are ignored by the decoder's caller.
type streamMessage struct {
	Type       string `json:"type"`
	Instrument string `json:"instrument"`
	Bids       []struct {
		Price priceString `json:"price"`
	} `json:"bids"`
	Asks []struct {
		Price priceString `json:"price"`
	} `json:"asks"`
	Time time.Time `json:"time"`
}

// ParseTick decodes one line-delimited feed message. ok is false for
// heartbeats, empty books and non-price message types.
func ParseTick(raw []byte) (market.Tick, bool, error) {
	var msg streamMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return market.Tick{}, false, fmt.Errorf("parse stream message: %w", err)
	}
	if msg.Type != "PRICE" {
		return market.Tick{}, false, nil
	}
	if len(msg.Bids) == 0 || len(msg.Asks) == 0 {
		return market.Tick{}, false, nil
	}
	bid, err := msg.Bids[0].Price.Float()
	if err != nil {
		return market.Tick{}, false, err
	}
	ask, err := msg.Asks[0].Price.Float()
	if err != nil {
		return market.Tick{}, false, err
	}
	return market.Tick{
		Instrument: msg.Instrument,
		Bid:        bid,
		Ask:        ask,
		Time:       msg.Time,
	}, true, nil
}

// PriceStream delivers decoded ticks from the feed until the context is
// cancelled. Implementations must return promptly on cancellation.
type PriceStream interface {
	Run(ctx context.Context, onTick func(market.Tick)) error
}

// HTTPStream reads the chunked line-delimited JSON pricing feed.
type HTTPStream struct {
	StreamURL   string
	Token       string
	AccountID   string
	Instruments []string
}

// Run connects and consumes lines until ctx is done or the feed closes.
func (s *HTTPStream) Run(ctx context.Context, onTick func(market.Tick)) error {
	url := fmt.Sprintf("%s/v3/accounts/%s/pricing/stream?instruments=%s",
		s.StreamURL, s.AccountID, strings.Join(s.Instruments, ","))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.Token)

	// No client timeout here: the connection lives for the whole
	// session and is bounded by ctx instead.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream rejected: %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		tick, ok, err := ParseTick(line)
		if err != nil {
			// Malformed line: transient, skip it.
			continue
		}
		if ok {
			onTick(tick)
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("read stream: %w", err)
	}
	return ctx.Err()
}

// WSStream consumes the same tick schema over a websocket, one JSON
// message per frame, for feed endpoints that expose one.
type WSStream struct {
	URL   string
	Token string
}

// Run connects and consumes frames until ctx is done.
func (s *WSStream) Run(ctx context.Context, onTick func(market.Tick)) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.Token)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.URL, header)
	if err != nil {
		return fmt.Errorf("dial stream: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read stream: %w", err)
		}
		tick, ok, perr := ParseTick(raw)
		if perr != nil {
			continue
		}
		if ok {
			onTick(tick)
		}
	}
}
