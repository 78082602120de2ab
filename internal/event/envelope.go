package event

import (
	"fmt"

	"github.com/google/uuid"
)

// RequestType discriminator for request payloads
type RequestType int32

const (
	RequestTypeUnknown RequestType = iota
	RequestTypeFundWallet
	RequestTypeWithdrawWallet
	RequestTypeDepositCollateral
	RequestTypeRedeemCollateral
	RequestTypeMintDebt
	RequestTypeBurnDebt
	RequestTypeLiquidate
	RequestTypePlaceBid
	RequestTypeFinalizeAuction
	RequestTypeAccrueFees
	RequestTypePriceReport
	RequestTypeSetPaused
	RequestTypeSetLiquidationThreshold
	RequestTypeSetLiquidationBonus
	RequestTypeSetFeeSensitivity
	RequestTypeSetFeeCaps
	RequestTypeSetBaseFee
	RequestTypeConfigureAuctionModule
)

var requestTypeNames = map[RequestType]string{
	RequestTypeFundWallet:              "FundWallet",
	RequestTypeWithdrawWallet:          "WithdrawWallet",
	RequestTypeDepositCollateral:       "DepositCollateral",
	RequestTypeRedeemCollateral:        "RedeemCollateral",
	RequestTypeMintDebt:                "MintDebt",
	RequestTypeBurnDebt:                "BurnDebt",
	RequestTypeLiquidate:               "Liquidate",
	RequestTypePlaceBid:                "PlaceBid",
	RequestTypeFinalizeAuction:         "FinalizeAuction",
	RequestTypeAccrueFees:              "AccrueFees",
	RequestTypePriceReport:             "PriceReport",
	RequestTypeSetPaused:               "SetPaused",
	RequestTypeSetLiquidationThreshold: "SetLiquidationThreshold",
	RequestTypeSetLiquidationBonus:     "SetLiquidationBonus",
	RequestTypeSetFeeSensitivity:       "SetFeeSensitivity",
	RequestTypeSetFeeCaps:              "SetFeeCaps",
	RequestTypeSetBaseFee:              "SetBaseFee",
	RequestTypeConfigureAuctionModule:  "ConfigureAuctionModule",
}

func (rt RequestType) String() string {
	if name, ok := requestTypeNames[rt]; ok {
		return name
	}
	return "Unknown"
}

// ParseRequestType resolves a name produced by String.
func ParseRequestType(name string) (RequestType, error) {
	for rt, n := range requestTypeNames {
		if n == name {
			return rt, nil
		}
	}
	return RequestTypeUnknown, fmt.Errorf("unknown request type %q", name)
}

// Request is the interface every inbound request implements
type Request interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// RequestType returns the discriminator
	RequestType() RequestType

	// SenderID is the caller. Authorization is checked against it.
	SenderID() uuid.UUID

	// Partition is the sequence partition the request is ordered in
	Partition() string

	// SourceSequence returns the per-partition ordering key
	SourceSequence() int64

	// Time is the request timestamp in unix seconds. The core never reads
	// the wall clock.
	Time() int64
}

// Header carries the fields shared by every request.
type Header struct {
	RequestID uuid.UUID `json:"request_id"`
	Sender    uuid.UUID `json:"sender"`
	Nonce     int64     `json:"nonce"`
	Timestamp int64     `json:"timestamp"`
}

func (h *Header) IdempotencyKey() string {
	return h.RequestID.String()
}

func (h *Header) SenderID() uuid.UUID {
	return h.Sender
}

// Partition orders a sender's requests by nonce.
func (h *Header) Partition() string {
	return "user:" + h.Sender.String()
}

func (h *Header) SourceSequence() int64 {
	return h.Nonce
}

func (h *Header) Time() int64 {
	return h.Timestamp
}

// EventEnvelope wraps every applied request in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	RequestType RequestType
	Sender      uuid.UUID

	// Request timestamp in unix seconds (NOT wall-clock)
	Timestamp int64

	// Upstream ordering key within Partition
	Partition      string
	SourceSequence int64

	// JSON-encoded request
	Payload []byte

	// Observable effects of the request, in emission order
	Notices []Notice

	// SHA-256 of state AFTER applying this request
	StateHash [32]byte

	// Previous request's state hash (chain integrity)
	PrevHash [32]byte
}
