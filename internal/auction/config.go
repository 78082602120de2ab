package auction

import (
	"CDPLedger/internal/errs"
	fpmath "CDPLedger/internal/math"

	"github.com/holiman/uint256"
)

// Config bounds auction creation and bidding. Durations are seconds.
type Config struct {
	DurationSecs    int64  `json:"duration_secs" mapstructure:"duration_secs"`
	MinDurationSecs int64  `json:"min_duration_secs" mapstructure:"min_duration_secs"`
	MaxDurationSecs int64  `json:"max_duration_secs" mapstructure:"max_duration_secs"`
	MinBidBps       uint64 `json:"min_bid_bps" mapstructure:"min_bid_bps"`             // opening bid as a fraction of target debt
	MinBidFloorBps  uint64 `json:"min_bid_floor_bps" mapstructure:"min_bid_floor_bps"` // lowest opening ratio CreateAuction accepts
	BidIncrementBps uint64 `json:"bid_increment_bps" mapstructure:"bid_increment_bps"`
}

func DefaultConfig() Config {
	return Config{
		DurationSecs:    3600,
		MinDurationSecs: 600,
		MaxDurationSecs: 86400,
		MinBidBps:       8000,
		MinBidFloorBps:  5000,
		BidIncrementBps: 500,
	}
}

func (c Config) Validate() error {
	if c.MinDurationSecs <= 0 || c.MinDurationSecs > c.MaxDurationSecs {
		return errs.Invalid("auction duration bounds [%d, %d] are invalid", c.MinDurationSecs, c.MaxDurationSecs)
	}
	if c.DurationSecs < c.MinDurationSecs || c.DurationSecs > c.MaxDurationSecs {
		return errs.Invalid("auction duration %d outside [%d, %d]", c.DurationSecs, c.MinDurationSecs, c.MaxDurationSecs)
	}
	if c.MinBidFloorBps == 0 || c.MinBidFloorBps > c.MinBidBps || c.MinBidBps > fpmath.BpsDenominator {
		return errs.Invalid("bid ratios must satisfy 0 < floor (%d) <= opening (%d) <= %d",
			c.MinBidFloorBps, c.MinBidBps, fpmath.BpsDenominator)
	}
	if c.BidIncrementBps == 0 || c.BidIncrementBps > fpmath.BpsDenominator {
		return errs.Invalid("bid_increment_bps must be in (0, %d], got %d", fpmath.BpsDenominator, c.BidIncrementBps)
	}
	return nil
}

// OpeningBid returns floor(targetDebt * MinBidBps / 10000), but at least
// one base unit for any non-zero target.
func (c Config) OpeningBid(targetDebt *uint256.Int) (*uint256.Int, error) {
	bid, err := fpmath.ApplyBps(targetDebt, c.MinBidBps, fpmath.RoundDown)
	if err != nil {
		return nil, err
	}
	if bid.IsZero() && !targetDebt.IsZero() {
		bid.SetOne()
	}
	return bid, nil
}
