package event

import (
	"CDPLedger/internal/auction"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// NoticeType names an observable effect of a request.
type NoticeType string

const (
	NoticeWalletFunded            NoticeType = "WalletFunded"
	NoticeWalletWithdrawn         NoticeType = "WalletWithdrawn"
	NoticeCollateralDeposited     NoticeType = "CollateralDeposited"
	NoticeCollateralRedeemed      NoticeType = "CollateralRedeemed"
	NoticeDebtMinted              NoticeType = "DebtMinted"
	NoticeDebtBurned              NoticeType = "DebtBurned"
	NoticeFeeAccrued              NoticeType = "FeeAccrued"
	NoticePriceReported           NoticeType = "PriceReported"
	NoticeOracleCircuitTripped    NoticeType = "OracleCircuitTripped"
	NoticeAuctionCreated          NoticeType = "AuctionCreated"
	NoticeBidPlaced               NoticeType = "BidPlaced"
	NoticeAuctionSettled          NoticeType = "AuctionSettled"
	NoticeLiquidationSettled      NoticeType = "LiquidationSettled"
	NoticeBadDebtSocialized       NoticeType = "BadDebtSocialized"
	NoticeParamChanged            NoticeType = "ParamChanged"
	NoticePauseChanged            NoticeType = "PauseChanged"
	NoticeAuctionModuleConfigured NoticeType = "AuctionModuleConfigured"
)

// Notice is an observable event emitted while applying a request. Notices
// carry enough data to rebuild ledger history from the log alone.
type Notice interface {
	NoticeType() NoticeType
}

type WalletFunded struct {
	User   uuid.UUID    `json:"user"`
	Asset  string       `json:"asset"`
	Amount *uint256.Int `json:"amount"`
}

func (n *WalletFunded) NoticeType() NoticeType { return NoticeWalletFunded }

type WalletWithdrawn struct {
	User   uuid.UUID    `json:"user"`
	Asset  string       `json:"asset"`
	Amount *uint256.Int `json:"amount"`
}

func (n *WalletWithdrawn) NoticeType() NoticeType { return NoticeWalletWithdrawn }

type CollateralDeposited struct {
	User   uuid.UUID    `json:"user"`
	Token  string       `json:"token"`
	Amount *uint256.Int `json:"amount"`
}

func (n *CollateralDeposited) NoticeType() NoticeType { return NoticeCollateralDeposited }

type CollateralRedeemed struct {
	User   uuid.UUID    `json:"user"`
	Token  string       `json:"token"`
	Amount *uint256.Int `json:"amount"`
}

func (n *CollateralRedeemed) NoticeType() NoticeType { return NoticeCollateralRedeemed }

type DebtMinted struct {
	User           uuid.UUID    `json:"user"`
	Amount         *uint256.Int `json:"amount"`
	NormalizedDebt *uint256.Int `json:"normalized_debt"`
}

func (n *DebtMinted) NoticeType() NoticeType { return NoticeDebtMinted }

type DebtBurned struct {
	User           uuid.UUID    `json:"user"`
	Amount         *uint256.Int `json:"amount"`
	NormalizedDebt *uint256.Int `json:"normalized_debt"`
}

func (n *DebtBurned) NoticeType() NoticeType { return NoticeDebtBurned }

// FeeAccrued records one update of the debt index.
type FeeAccrued struct {
	FeeBps        uint64       `json:"fee_bps"`
	OldRate       *uint256.Int `json:"old_rate"`
	NewRate       *uint256.Int `json:"new_rate"`
	Elapsed       uint64       `json:"elapsed"`
	Revenue       *uint256.Int `json:"revenue"`
	BadDebtRepaid *uint256.Int `json:"bad_debt_repaid"`
	ReserveCredit *uint256.Int `json:"reserve_credit"`
	AccruedAt     int64        `json:"accrued_at"`
}

func (n *FeeAccrued) NoticeType() NoticeType { return NoticeFeeAccrued }

type PriceReported struct {
	FeedID    string       `json:"feed_id"`
	Round     int64        `json:"round"`
	Price     *uint256.Int `json:"price"`
	UpdatedAt int64        `json:"updated_at"`
}

func (n *PriceReported) NoticeType() NoticeType { return NoticePriceReported }

type OracleCircuitTripped struct {
	FeedID    string       `json:"feed_id"`
	Round     int64        `json:"round"`
	Price     *uint256.Int `json:"price"`
	TrippedAt int64        `json:"tripped_at"`
}

func (n *OracleCircuitTripped) NoticeType() NoticeType { return NoticeOracleCircuitTripped }

type AuctionCreated struct {
	AuctionID        uint64       `json:"auction_id"`
	User             uuid.UUID    `json:"user"`
	Liquidator       uuid.UUID    `json:"liquidator"`
	Token            string       `json:"token"`
	CollateralAmount *uint256.Int `json:"collateral_amount"`
	TargetDebt       *uint256.Int `json:"target_debt"`
	MinimumBid       *uint256.Int `json:"minimum_bid"`
	StartTime        int64        `json:"start_time"`
	EndTime          int64        `json:"end_time"`
}

func (n *AuctionCreated) NoticeType() NoticeType { return NoticeAuctionCreated }

type BidPlaced struct {
	AuctionID      uint64       `json:"auction_id"`
	Bidder         uuid.UUID    `json:"bidder"`
	Amount         *uint256.Int `json:"amount"`
	RefundedBidder *uuid.UUID   `json:"refunded_bidder,omitempty"`
	Refunded       *uint256.Int `json:"refunded"`
}

func (n *BidPlaced) NoticeType() NoticeType { return NoticeBidPlaced }

type AuctionSettled struct {
	AuctionID          uint64       `json:"auction_id"`
	Winner             *uuid.UUID   `json:"winner,omitempty"`
	WinningBid         *uint256.Int `json:"winning_bid"`
	CollateralAwarded  *uint256.Int `json:"collateral_awarded"`
	CollateralReturned *uint256.Int `json:"collateral_returned"`
	SettledAt          int64        `json:"settled_at"`
}

func (n *AuctionSettled) NoticeType() NoticeType { return NoticeAuctionSettled }

// LiquidationSettled is the engine side of an auction settlement.
type LiquidationSettled struct {
	AuctionID             uint64       `json:"auction_id"`
	User                  uuid.UUID    `json:"user"`
	Token                 string       `json:"token"`
	DebtToCover           *uint256.Int `json:"debt_to_cover"`
	Burned                *uint256.Int `json:"burned"`
	CollateralReturned    *uint256.Int `json:"collateral_returned"`
	NormalizedDebtReduced *uint256.Int `json:"normalized_debt_reduced"`
}

func (n *LiquidationSettled) NoticeType() NoticeType { return NoticeLiquidationSettled }

type BadDebtSocialized struct {
	AuctionID       uint64       `json:"auction_id"`
	User            uuid.UUID    `json:"user"`
	Amount          *uint256.Int `json:"amount"`
	ReserveUsed     *uint256.Int `json:"reserve_used"`
	DeficitIncrease *uint256.Int `json:"deficit_increase"`
}

func (n *BadDebtSocialized) NoticeType() NoticeType { return NoticeBadDebtSocialized }

type ParamChanged struct {
	Name string `json:"name"`
	Old  string `json:"old"`
	New  string `json:"new"`
}

func (n *ParamChanged) NoticeType() NoticeType { return NoticeParamChanged }

type PauseChanged struct {
	Paused bool `json:"paused"`
}

func (n *PauseChanged) NoticeType() NoticeType { return NoticePauseChanged }

type AuctionModuleConfigured struct {
	Config auction.Config `json:"config"`
}

func (n *AuctionModuleConfigured) NoticeType() NoticeType { return NoticeAuctionModuleConfigured }
