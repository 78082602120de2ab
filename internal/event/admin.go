package event

import (
	"CDPLedger/internal/auction"
)

// Admin requests are accepted only from the configured admin id.

type SetPaused struct {
	Header
	Paused bool `json:"paused"`
}

func (r *SetPaused) RequestType() RequestType {
	return RequestTypeSetPaused
}

type SetLiquidationThreshold struct {
	Header
	Pct uint64 `json:"pct"`
}

func (r *SetLiquidationThreshold) RequestType() RequestType {
	return RequestTypeSetLiquidationThreshold
}

type SetLiquidationBonus struct {
	Header
	Pct uint64 `json:"pct"`
}

func (r *SetLiquidationBonus) RequestType() RequestType {
	return RequestTypeSetLiquidationBonus
}

type SetFeeSensitivity struct {
	Header
	Below uint64 `json:"below"`
	Above uint64 `json:"above"`
}

func (r *SetFeeSensitivity) RequestType() RequestType {
	return RequestTypeSetFeeSensitivity
}

type SetFeeCaps struct {
	Header
	MinBps uint64 `json:"min_bps"`
	MaxBps uint64 `json:"max_bps"`
}

func (r *SetFeeCaps) RequestType() RequestType {
	return RequestTypeSetFeeCaps
}

type SetBaseFee struct {
	Header
	Bps uint64 `json:"bps"`
}

func (r *SetBaseFee) RequestType() RequestType {
	return RequestTypeSetBaseFee
}

// ConfigureAuctionModule installs the auction house. It succeeds once.
type ConfigureAuctionModule struct {
	Header
	Config auction.Config `json:"config"`
}

func (r *ConfigureAuctionModule) RequestType() RequestType {
	return RequestTypeConfigureAuctionModule
}
