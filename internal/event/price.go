package event

import (
	"fmt"

	"github.com/holiman/uint256"
)

// PriceReport publishes one oracle round. Rounds are ordered per feed and
// gaps are tolerated.
type PriceReport struct {
	Header
	FeedID    string       `json:"feed_id"`
	Round     int64        `json:"round"`
	Price     *uint256.Int `json:"price"`
	UpdatedAt int64        `json:"updated_at"`
}

func (r *PriceReport) RequestType() RequestType {
	return RequestTypePriceReport
}

// IdempotencyKey is stable per feed round so a relayed duplicate is dropped
// even under a fresh request id.
func (r *PriceReport) IdempotencyKey() string {
	return fmt.Sprintf("%s:%d", r.FeedID, r.Round)
}

func (r *PriceReport) Partition() string {
	return "feed:" + r.FeedID
}

func (r *PriceReport) SourceSequence() int64 {
	return r.Round
}
