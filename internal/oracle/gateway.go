// Package oracle validates reported feed prices before the engine uses them.
// Rounds arrive as reports; a price only becomes usable once it passes the
// staleness, deviation and circuit-breaker checks at read time.
package oracle

import (
	"CDPLedger/internal/errs"
	fpmath "CDPLedger/internal/math"
	"fmt"

	"github.com/holiman/uint256"
)

const maxObservations = 256

// Config holds the validation windows, all in seconds.
type Config struct {
	MaxStaleness         int64  `mapstructure:"max_staleness"`
	MaxDeviationBps      uint64 `mapstructure:"max_deviation_bps"`
	CircuitBreakerWindow int64  `mapstructure:"circuit_breaker_window"`
	CircuitBreakerReset  int64  `mapstructure:"circuit_breaker_reset"`
	TWAPWindow           int64  `mapstructure:"twap_window"`
}

func DefaultConfig() Config {
	return Config{
		MaxStaleness:         3600,
		MaxDeviationBps:      1000,
		CircuitBreakerWindow: 300,
		CircuitBreakerReset:  1800,
		TWAPWindow:           1800,
	}
}

func (c Config) Validate() error {
	if c.MaxStaleness <= 0 {
		return errs.Invalid("oracle max staleness must be positive")
	}
	if c.MaxDeviationBps == 0 || c.MaxDeviationBps > fpmath.BpsDenominator {
		return errs.Invalid("oracle max deviation must be in (0, 10000] bps, got %d", c.MaxDeviationBps)
	}
	if c.CircuitBreakerWindow < 0 || c.CircuitBreakerReset < 0 || c.TWAPWindow < 0 {
		return errs.Invalid("oracle windows must be non-negative")
	}
	return nil
}

// Gateway applies one Config to every feed.
type Gateway struct {
	cfg Config
}

func NewGateway(cfg Config) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Gateway{cfg: cfg}, nil
}

func (g *Gateway) Config() Config {
	return g.cfg
}

// Observe records a newly published round. It trips the feed's circuit
// breaker when the round moves too far from the last accepted price inside
// the breaker window. Rounds at or below the latest known round are ignored.
func (g *Gateway) Observe(s *FeedState, r Report, now int64) (bool, error) {
	if r.Price == nil || r.Price.IsZero() {
		return false, errs.Invalid("feed %s: zero price in round %d", s.FeedID, r.Round)
	}
	if r.UpdatedAt > now {
		return false, errs.Invalid("feed %s: round %d has future timestamp %d (now %d)", s.FeedID, r.Round, r.UpdatedAt, now)
	}
	if s.Latest != nil && r.Round <= s.Latest.Round {
		return false, nil
	}

	s.Latest = &Report{Round: r.Round, Price: r.Price.Clone(), UpdatedAt: r.UpdatedAt}

	if !s.BreakerOpen(g.cfg, now) {
		if dev, ok := g.deviation(s, r.Price, r.UpdatedAt); ok && dev > g.cfg.MaxDeviationBps {
			s.TrippedAt = now
			return true, nil
		}
	}
	return false, nil
}

// ReadValidatedPrice returns the feed's latest price if it is usable and
// records it as accepted. It closes an expired circuit breaker.
func (g *Gateway) ReadValidatedPrice(feedID string, s *FeedState, now int64) (*uint256.Int, error) {
	price, resetting, err := g.validate(feedID, s, now)
	if err != nil {
		return nil, err
	}

	if resetting {
		s.TrippedAt = 0
	}
	s.LastAcceptedPrice = price.Clone()
	s.LastAcceptedAt = now
	g.recordObservation(s, price, now)

	return price, nil
}

// PeekValidatedPrice runs the same checks as ReadValidatedPrice without
// touching the feed state.
func (g *Gateway) PeekValidatedPrice(feedID string, s *FeedState, now int64) (*uint256.Int, error) {
	price, _, err := g.validate(feedID, s, now)
	return price, err
}

func (g *Gateway) validate(feedID string, s *FeedState, now int64) (*uint256.Int, bool, error) {
	if s == nil || s.Latest == nil {
		return nil, false, &errs.OracleError{Feed: feedID, Reason: "no price reported"}
	}
	if age := now - s.Latest.UpdatedAt; age > g.cfg.MaxStaleness {
		return nil, false, &errs.OracleError{
			Feed:   feedID,
			Reason: fmt.Sprintf("stale price: age %ds exceeds %ds", age, g.cfg.MaxStaleness),
		}
	}

	resetting := false
	if s.TrippedAt != 0 {
		if s.BreakerOpen(g.cfg, now) {
			return nil, false, &errs.OracleError{
				Feed:   feedID,
				Reason: fmt.Sprintf("circuit breaker open until %d", s.TrippedAt+g.cfg.CircuitBreakerReset),
			}
		}
		resetting = true
	}

	price := s.Latest.Price.Clone()
	if !resetting {
		if dev, ok := g.deviation(s, price, now); ok && dev > g.cfg.MaxDeviationBps {
			return nil, false, &errs.OracleError{
				Feed:   feedID,
				Reason: fmt.Sprintf("price deviates %d bps from last accepted (max %d)", dev, g.cfg.MaxDeviationBps),
			}
		}
	}
	return price, resetting, nil
}

// deviation compares price to the last accepted price when that price is
// recent enough to matter.
func (g *Gateway) deviation(s *FeedState, price *uint256.Int, at int64) (uint64, bool) {
	last := s.LastAcceptedPrice
	if last == nil || last.IsZero() || at-s.LastAcceptedAt > g.cfg.CircuitBreakerWindow {
		return 0, false
	}
	var diff uint256.Int
	if price.Gt(last) {
		diff.Sub(price, last)
	} else {
		diff.Sub(last, price)
	}
	// A quotient past 256 bits is still a deviation, just an unbounded one.
	dev, err := fpmath.MulDiv(&diff, uint256.NewInt(fpmath.BpsDenominator), last, fpmath.RoundDown)
	if err != nil || !dev.IsUint64() {
		return ^uint64(0), true
	}
	return dev.Uint64(), true
}

func (g *Gateway) recordObservation(s *FeedState, price *uint256.Int, now int64) {
	n := len(s.Observations)
	if n > 0 && s.Observations[n-1].At == now {
		s.Observations[n-1].Price = price.Clone()
	} else {
		s.Observations = append(s.Observations, Observation{Price: price.Clone(), At: now})
	}

	// Keep the newest observation at or before the window start; it covers
	// the leading edge of the window.
	start := now - g.cfg.TWAPWindow
	drop := 0
	for drop+1 < len(s.Observations) && s.Observations[drop+1].At <= start {
		drop++
	}
	if over := len(s.Observations) - drop - maxObservations; over > 0 {
		drop += over
	}
	if drop > 0 {
		s.Observations = append([]Observation(nil), s.Observations[drop:]...)
	}
}

// TWAP returns the time-weighted average of accepted prices over the
// configured window ending at now. With a zero window it returns the last
// accepted price.
func (g *Gateway) TWAP(s *FeedState, now int64) (*uint256.Int, bool) {
	if s == nil || len(s.Observations) == 0 {
		return nil, false
	}
	last := s.Observations[len(s.Observations)-1].Price
	if g.cfg.TWAPWindow <= 0 {
		return last.Clone(), true
	}

	start := now - g.cfg.TWAPWindow
	sum := new(uint256.Int)
	var total uint64
	for i, o := range s.Observations {
		from := o.At
		if from < start {
			from = start
		}
		to := now
		if i+1 < len(s.Observations) {
			to = s.Observations[i+1].At
		}
		if to <= from {
			continue
		}
		span := uint64(to - from)
		sum.Add(sum, new(uint256.Int).Mul(o.Price, uint256.NewInt(span)))
		total += span
	}
	if total == 0 {
		return last.Clone(), true
	}
	return sum.Div(sum, uint256.NewInt(total)), true
}
