package event

import (
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Liquidate seizes collateral of an unhealthy position and opens an auction
// for it. The sender is recorded as liquidator.
type Liquidate struct {
	Header
	User        uuid.UUID    `json:"user"`
	Token       string       `json:"token"`
	DebtToCover *uint256.Int `json:"debt_to_cover"`
}

func (r *Liquidate) RequestType() RequestType {
	return RequestTypeLiquidate
}

type PlaceBid struct {
	Header
	AuctionID uint64       `json:"auction_id"`
	Amount    *uint256.Int `json:"amount"`
}

func (r *PlaceBid) RequestType() RequestType {
	return RequestTypePlaceBid
}

// FinalizeAuction may be sent by anyone.
type FinalizeAuction struct {
	Header
	AuctionID uint64 `json:"auction_id"`
}

func (r *FinalizeAuction) RequestType() RequestType {
	return RequestTypeFinalizeAuction
}
