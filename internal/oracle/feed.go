package oracle

import (
	"github.com/holiman/uint256"
)

// Report is the latest round a price feed has published.
type Report struct {
	Round     int64        `json:"round"`
	Price     *uint256.Int `json:"price"`
	UpdatedAt int64        `json:"updated_at"`
}

// Observation is one accepted price used for time weighting.
type Observation struct {
	Price *uint256.Int `json:"price"`
	At    int64        `json:"at"`
}

// FeedState is the mutable validation bookkeeping of one feed. A feed is
// owned by a single collateral type (or the peg) and only the
// deterministic core mutates it.
type FeedState struct {
	FeedID            string        `json:"feed_id"`
	Latest            *Report       `json:"latest,omitempty"`
	LastAcceptedPrice *uint256.Int  `json:"last_accepted_price,omitempty"`
	LastAcceptedAt    int64         `json:"last_accepted_at"`
	TrippedAt         int64         `json:"tripped_at"`
	Observations      []Observation `json:"observations,omitempty"`
}

func NewFeedState(feedID string) *FeedState {
	return &FeedState{FeedID: feedID}
}

// BreakerOpen reports whether the circuit breaker is tripped at now.
func (s *FeedState) BreakerOpen(cfg Config, now int64) bool {
	return s.TrippedAt != 0 && now < s.TrippedAt+cfg.CircuitBreakerReset
}

func (s *FeedState) Clone() *FeedState {
	c := *s
	if s.Latest != nil {
		l := *s.Latest
		l.Price = s.Latest.Price.Clone()
		c.Latest = &l
	}
	if s.LastAcceptedPrice != nil {
		c.LastAcceptedPrice = s.LastAcceptedPrice.Clone()
	}
	c.Observations = make([]Observation, len(s.Observations))
	for i, o := range s.Observations {
		c.Observations[i] = Observation{Price: o.Price.Clone(), At: o.At}
	}
	return &c
}
