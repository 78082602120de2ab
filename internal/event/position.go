package event

import (
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// FundWallet credits a user's wallet from the bridge. Admin only.
type FundWallet struct {
	Header
	User   uuid.UUID    `json:"user"`
	Asset  string       `json:"asset"`
	Amount *uint256.Int `json:"amount"`
}

func (r *FundWallet) RequestType() RequestType {
	return RequestTypeFundWallet
}

// WithdrawWallet sends tokens from the sender's wallet back to the bridge.
type WithdrawWallet struct {
	Header
	Asset  string       `json:"asset"`
	Amount *uint256.Int `json:"amount"`
}

func (r *WithdrawWallet) RequestType() RequestType {
	return RequestTypeWithdrawWallet
}

type DepositCollateral struct {
	Header
	Token  string       `json:"token"`
	Amount *uint256.Int `json:"amount"`
}

func (r *DepositCollateral) RequestType() RequestType {
	return RequestTypeDepositCollateral
}

type RedeemCollateral struct {
	Header
	Token  string       `json:"token"`
	Amount *uint256.Int `json:"amount"`
}

func (r *RedeemCollateral) RequestType() RequestType {
	return RequestTypeRedeemCollateral
}

type MintDebt struct {
	Header
	Amount *uint256.Int `json:"amount"`
}

func (r *MintDebt) RequestType() RequestType {
	return RequestTypeMintDebt
}

type BurnDebt struct {
	Header
	Amount *uint256.Int `json:"amount"`
}

func (r *BurnDebt) RequestType() RequestType {
	return RequestTypeBurnDebt
}

// AccrueFees brings the debt index up to the request time. Anyone may send it.
type AccrueFees struct {
	Header
}

func (r *AccrueFees) RequestType() RequestType {
	return RequestTypeAccrueFees
}
