package query

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	tokenDecimals = 18
	rayDecimals   = 27
)

// Amount carries a base-unit integer and its human rendering.
type Amount struct {
	Value   string `json:"value"`
	Display string `json:"display"`
}

func newAmount(d decimal.Decimal, decimals int32) Amount {
	return Amount{Value: d.String(), Display: d.Shift(-decimals).String()}
}

func tokens(d decimal.Decimal) Amount { return newAmount(d, tokenDecimals) }

// BalanceResponse is one projected account balance.
type BalanceResponse struct {
	Account      string `json:"account"`
	Asset        string `json:"asset"`
	Balance      Amount `json:"balance"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// PositionResponse is a borrower's projected position. AbsoluteDebt is
// derived at query time from the projected rate, rounded up.
type PositionResponse struct {
	UserID                 uuid.UUID         `json:"user_id"`
	NormalizedDebt         Amount            `json:"normalized_debt"`
	AbsoluteDebt           Amount            `json:"absolute_debt"`
	DebtReservedForAuction Amount            `json:"debt_reserved_for_auction"`
	Collateral             map[string]Amount `json:"collateral"`
	Wallet                 map[string]Amount `json:"wallet"`
	Version                int64             `json:"version"`
	AsOfSequence           int64             `json:"as_of_sequence"`
}

type AuctionResponse struct {
	AuctionID          uint64     `json:"auction_id"`
	UserID             uuid.UUID  `json:"user_id"`
	Token              string     `json:"token"`
	CollateralAmount   Amount     `json:"collateral_amount"`
	TargetDebt         Amount     `json:"target_debt"`
	MinimumBid         Amount     `json:"minimum_bid"`
	HighestBid         Amount     `json:"highest_bid"`
	HighestBidder      *uuid.UUID `json:"highest_bidder,omitempty"`
	StartTime          int64      `json:"start_time"`
	EndTime            int64      `json:"end_time"`
	State              string     `json:"state"`
	CollateralAwarded  Amount     `json:"collateral_awarded"`
	CollateralReturned Amount     `json:"collateral_returned"`
	SettledAt          int64      `json:"settled_at"`
	AsOfSequence       int64      `json:"as_of_sequence"`
}

type FeeHistoryEntry struct {
	Sequence      int64  `json:"sequence"`
	FeeBps        int64  `json:"fee_bps"`
	OldRate       Amount `json:"old_rate"`
	NewRate       Amount `json:"new_rate"`
	Elapsed       int64  `json:"elapsed"`
	Revenue       Amount `json:"revenue"`
	BadDebtRepaid Amount `json:"bad_debt_repaid"`
	ReserveCredit Amount `json:"reserve_credit"`
	AccruedAt     int64  `json:"accrued_at"`
}

type LiquidationEntry struct {
	AuctionID          uint64    `json:"auction_id"`
	UserID             uuid.UUID `json:"user_id"`
	Token              string    `json:"token"`
	DebtToCover        Amount    `json:"debt_to_cover"`
	Burned             Amount    `json:"burned"`
	CollateralReturned Amount    `json:"collateral_returned"`
	BadDebt            Amount    `json:"bad_debt"`
	ReserveUsed        Amount    `json:"reserve_used"`
	DeficitIncrease    Amount    `json:"deficit_increase"`
	SettledSequence    int64     `json:"settled_sequence"`
}

// GlobalStateResponse is the projected rate ledger.
type GlobalStateResponse struct {
	Rate                Amount `json:"rate"`
	LastAccrualTime     int64  `json:"last_accrual_time"`
	CurrentFeeBps       int64  `json:"current_fee_bps"`
	TotalNormalizedDebt Amount `json:"total_normalized_debt"`
	ProtocolReserve     Amount `json:"protocol_reserve"`
	ProtocolBadDebt     Amount `json:"protocol_bad_debt"`
	AsOfSequence        int64  `json:"as_of_sequence"`
}

// JournalHistoryEntry is one stored journal line.
type JournalHistoryEntry struct {
	JournalID     uuid.UUID `json:"journal_id"`
	BatchID       uuid.UUID `json:"batch_id"`
	EventRef      string    `json:"event_ref"`
	Sequence      int64     `json:"sequence"`
	DebitAccount  string    `json:"debit_account"`
	CreditAccount string    `json:"credit_account"`
	Asset         string    `json:"asset"`
	Amount        Amount    `json:"amount"`
	JournalType   string    `json:"journal_type"`
	RequestTime   int64     `json:"request_time"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	LatestSequence   int64             `json:"latest_sequence"`
	SequenceGaps     []int64           `json:"sequence_gaps,omitempty"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset is an asset whose projected balances do not sum to zero.
type UnbalancedAsset struct {
	Asset     string `json:"asset"`
	Imbalance string `json:"imbalance"`
}
