package risk

import (
	"fmt"
	"time"
)

// EntryCheck carries the market/account facts the hard guards inspect.
type EntryCheck struct {
	Instrument string
	SpreadPips float64
	Now        time.Time
}

// Guard is one hard pre-entry precondition. A non-nil reason blocks the
// entry outright; guards are independent of signal quality.
type Guard interface {
	Check(EntryCheck) error
}

// MultiGuard runs guards in order and returns the first block.
type MultiGuard struct {
	Guards []Guard
}

// Check implements Guard.
func (m MultiGuard) Check(c EntryCheck) error {
	for _, g := range m.Guards {
		if err := g.Check(c); err != nil {
			return err
		}
	}
	return nil
}

// CircuitBreaker blocks all entries while tripped. The flag is owned by
// the session loop; no internal locking.
type CircuitBreaker struct {
	tripped bool
	reason  string
}

// Trip activates the breaker with a reason.
func (b *CircuitBreaker) Trip(reason string) {
	b.tripped = true
	b.reason = reason
}

// Reset clears the breaker.
func (b *CircuitBreaker) Reset() {
	b.tripped = false
	b.reason = ""
}

// Tripped reports the breaker state.
func (b *CircuitBreaker) Tripped() bool { return b.tripped }

// Check implements Guard.
func (b *CircuitBreaker) Check(EntryCheck) error {
	if b.tripped {
		return fmt.Errorf("circuit breaker active: %s", b.reason)
	}
	return nil
}

// SpreadGuard blocks entries when the live spread exceeds the
// instrument's hard ceiling.
type SpreadGuard struct {
	CeilingPips map[string]float64
}

// Check implements Guard.
func (s SpreadGuard) Check(c EntryCheck) error {
	ceiling, ok := s.CeilingPips[c.Instrument]
	if !ok {
		return fmt.Errorf("no spread ceiling configured for %s", c.Instrument)
	}
	if c.SpreadPips > ceiling {
		return fmt.Errorf("spread %.2f pips above ceiling %.2f", c.SpreadPips, ceiling)
	}
	return nil
}

// SessionWindowGuard optionally restricts entries to a UTC hour window.
// Zero Start and End disable the guard.
type SessionWindowGuard struct {
	StartHour int
	EndHour   int
}

// Check implements Guard.
func (s SessionWindowGuard) Check(c EntryCheck) error {
	if s.StartHour == 0 && s.EndHour == 0 {
		return nil
	}
	h := c.Now.UTC().Hour()
	if s.StartHour <= s.EndHour {
		if h < s.StartHour || h >= s.EndHour {
			return fmt.Errorf("outside session window %02d-%02d UTC", s.StartHour, s.EndHour)
		}
		return nil
	}
	// Window wraps midnight.
	if h < s.StartHour && h >= s.EndHour {
		return fmt.Errorf("outside session window %02d-%02d UTC", s.StartHour, s.EndHour)
	}
	return nil
}
