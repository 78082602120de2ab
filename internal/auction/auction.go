package auction

import (
	"CDPLedger/internal/ledger"
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// State is the lifecycle of one auction.
// Created → Open → Expired → Settled. Open may settle directly when the
// highest bid reaches the target debt.
type State int32

const (
	StateCreated State = iota
	StateOpen
	StateExpired // end time passed, waiting for Finalize
	StateSettled
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateOpen:
		return "Open"
	case StateExpired:
		return "Expired"
	case StateSettled:
		return "Settled"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates auction state transitions.
func (s State) CanTransitionTo(next State) bool {
	transitions := map[State][]State{
		StateCreated: {StateOpen},
		StateOpen: {
			StateExpired,
			StateSettled, // full-price bid ends the auction early
		},
		StateExpired: {StateSettled},
		StateSettled: {
			// Terminal
		},
	}
	for _, a := range transitions[s] {
		if a == next {
			return true
		}
	}
	return false
}

// Auction is an English auction over seized collateral, paid in the stable.
type Auction struct {
	ID               uint64         `json:"id"`
	UserID           uuid.UUID      `json:"user_id"`
	Token            string         `json:"token"`
	AssetID          ledger.AssetID `json:"asset_id"`
	CollateralAmount *uint256.Int   `json:"collateral_amount"`
	TargetDebt       *uint256.Int   `json:"target_debt"`
	MinimumBid       *uint256.Int   `json:"minimum_bid"`
	HighestBid       *uint256.Int   `json:"highest_bid"`
	HighestBidder    uuid.UUID      `json:"highest_bidder"`
	HasBidder        bool           `json:"has_bidder"`
	StartTime        int64          `json:"start_time"`
	EndTime          int64          `json:"end_time"`
	State            State          `json:"state"`

	// Set on settlement.
	CollateralAwarded  *uint256.Int `json:"collateral_awarded"`
	CollateralReturned *uint256.Int `json:"collateral_returned"`
	SettledAt          int64        `json:"settled_at"`
}

func (a *Auction) Clone() *Auction {
	c := *a
	c.CollateralAmount = a.CollateralAmount.Clone()
	c.TargetDebt = a.TargetDebt.Clone()
	c.MinimumBid = a.MinimumBid.Clone()
	c.HighestBid = a.HighestBid.Clone()
	c.CollateralAwarded = a.CollateralAwarded.Clone()
	c.CollateralReturned = a.CollateralReturned.Clone()
	return &c
}

func (a *Auction) IsSettled() bool {
	return a.State == StateSettled
}

// Expired reports whether bidding has closed at now.
func (a *Auction) Expired(now int64) bool {
	return now >= a.EndTime
}

// FullyBid reports whether the highest bid has reached the target debt.
func (a *Auction) FullyBid() bool {
	return a.HasBidder && a.HighestBid.Eq(a.TargetDebt)
}

// StateAt is the state a reader should see at now. Expiry is only written
// back when the auction is next touched.
func (a *Auction) StateAt(now int64) State {
	if a.State == StateOpen && a.Expired(now) {
		return StateExpired
	}
	return a.State
}

// CanonicalBytes returns deterministic serialization for hashing
func (a *Auction) CanonicalBytes() []byte {
	buf := make([]byte, 0, 8+16+2+32*6+8*3+1+4)
	buf = binary.LittleEndian.AppendUint64(buf, a.ID)
	buf = append(buf, a.UserID[:]...)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(a.AssetID))
	for _, v := range []*uint256.Int{a.CollateralAmount, a.TargetDebt, a.MinimumBid, a.HighestBid, a.CollateralAwarded, a.CollateralReturned} {
		b := v.Bytes32()
		buf = append(buf, b[:]...)
	}
	buf = append(buf, a.HighestBidder[:]...)
	if a.HasBidder {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = binary.LittleEndian.AppendUint64(buf, uint64(a.StartTime))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(a.EndTime))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(a.SettledAt))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(a.State))
	return buf
}

func (a *Auction) transition(next State) bool {
	if !a.State.CanTransitionTo(next) {
		return false
	}
	a.State = next
	return true
}
