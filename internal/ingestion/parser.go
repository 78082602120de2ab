package ingestion

import (
	"CDPLedger/internal/auction"
	"CDPLedger/internal/event"
	fpmath "CDPLedger/internal/math"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// SubjectPrefix is the JetStream subject family inbound requests arrive on.
// The last token names the request type: cdp.requests.DepositCollateral.
const SubjectPrefix = "cdp.requests."

// RequestTypeFromSubject resolves the request type encoded in a subject.
func RequestTypeFromSubject(subject string) (event.RequestType, error) {
	name, ok := strings.CutPrefix(subject, SubjectPrefix)
	if !ok || name == "" || strings.Contains(name, ".") {
		return event.RequestTypeUnknown, fmt.Errorf("subject %q is not a request subject", subject)
	}
	return event.ParseRequestType(name)
}

// SubjectFor is the inbound subject of a request type.
func SubjectFor(rt event.RequestType) string {
	return SubjectPrefix + rt.String()
}

// --- JSON wire formats ---
// Field names are snake_case. Amounts are strings: an integer is taken as
// base units, a value with a decimal point as an 18-decimal human amount.

type headerJSON struct {
	RequestID string `json:"request_id"`
	Sender    string `json:"sender"`
	Nonce     int64  `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
}

func (h headerJSON) parse() (event.Header, error) {
	requestID, err := uuid.Parse(h.RequestID)
	if err != nil {
		return event.Header{}, fmt.Errorf("parse request_id: %w", err)
	}
	sender, err := uuid.Parse(h.Sender)
	if err != nil {
		return event.Header{}, fmt.Errorf("parse sender: %w", err)
	}
	if h.Nonce < 0 {
		return event.Header{}, fmt.Errorf("nonce %d is negative", h.Nonce)
	}
	if h.Timestamp <= 0 {
		return event.Header{}, fmt.Errorf("timestamp is required")
	}
	return event.Header{RequestID: requestID, Sender: sender, Nonce: h.Nonce, Timestamp: h.Timestamp}, nil
}

type requestJSON struct {
	headerJSON

	User        string          `json:"user"`
	Asset       string          `json:"asset"`
	Token       string          `json:"token"`
	Amount      string          `json:"amount"`
	DebtToCover string          `json:"debt_to_cover"`
	AuctionID   uint64          `json:"auction_id"`
	FeedID      string          `json:"feed_id"`
	Round       int64           `json:"round"`
	Price       string          `json:"price"`
	UpdatedAt   int64           `json:"updated_at"`
	Paused      *bool           `json:"paused"`
	Pct         uint64          `json:"pct"`
	Below       uint64          `json:"below"`
	Above       uint64          `json:"above"`
	MinBps      uint64          `json:"min_bps"`
	MaxBps      uint64          `json:"max_bps"`
	Bps         uint64          `json:"bps"`
	Config      *auction.Config `json:"config"`
}

// ParseRequest converts a wire payload into a typed request. Only syntax is
// checked here; the core validates semantics.
func ParseRequest(rt event.RequestType, data []byte) (event.Request, error) {
	var j requestJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse %s: %w", rt, err)
	}
	h, err := j.headerJSON.parse()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", rt, err)
	}

	req, err := j.build(rt, h)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", rt, err)
	}
	return req, nil
}

func (j *requestJSON) build(rt event.RequestType, h event.Header) (event.Request, error) {
	switch rt {
	case event.RequestTypeFundWallet:
		user, err := uuid.Parse(j.User)
		if err != nil {
			return nil, fmt.Errorf("parse user: %w", err)
		}
		amount, err := amountField("amount", j.Amount)
		if err != nil {
			return nil, err
		}
		return &event.FundWallet{Header: h, User: user, Asset: j.Asset, Amount: amount}, nil

	case event.RequestTypeWithdrawWallet:
		amount, err := amountField("amount", j.Amount)
		if err != nil {
			return nil, err
		}
		return &event.WithdrawWallet{Header: h, Asset: j.Asset, Amount: amount}, nil

	case event.RequestTypeDepositCollateral:
		amount, err := amountField("amount", j.Amount)
		if err != nil {
			return nil, err
		}
		return &event.DepositCollateral{Header: h, Token: j.Token, Amount: amount}, nil

	case event.RequestTypeRedeemCollateral:
		amount, err := amountField("amount", j.Amount)
		if err != nil {
			return nil, err
		}
		return &event.RedeemCollateral{Header: h, Token: j.Token, Amount: amount}, nil

	case event.RequestTypeMintDebt:
		amount, err := amountField("amount", j.Amount)
		if err != nil {
			return nil, err
		}
		return &event.MintDebt{Header: h, Amount: amount}, nil

	case event.RequestTypeBurnDebt:
		amount, err := amountField("amount", j.Amount)
		if err != nil {
			return nil, err
		}
		return &event.BurnDebt{Header: h, Amount: amount}, nil

	case event.RequestTypeLiquidate:
		user, err := uuid.Parse(j.User)
		if err != nil {
			return nil, fmt.Errorf("parse user: %w", err)
		}
		debt, err := amountField("debt_to_cover", j.DebtToCover)
		if err != nil {
			return nil, err
		}
		return &event.Liquidate{Header: h, User: user, Token: j.Token, DebtToCover: debt}, nil

	case event.RequestTypePlaceBid:
		amount, err := amountField("amount", j.Amount)
		if err != nil {
			return nil, err
		}
		return &event.PlaceBid{Header: h, AuctionID: j.AuctionID, Amount: amount}, nil

	case event.RequestTypeFinalizeAuction:
		return &event.FinalizeAuction{Header: h, AuctionID: j.AuctionID}, nil

	case event.RequestTypeAccrueFees:
		return &event.AccrueFees{Header: h}, nil

	case event.RequestTypePriceReport:
		if j.FeedID == "" {
			return nil, fmt.Errorf("feed_id is required")
		}
		price, err := amountField("price", j.Price)
		if err != nil {
			return nil, err
		}
		return &event.PriceReport{Header: h, FeedID: j.FeedID, Round: j.Round, Price: price, UpdatedAt: j.UpdatedAt}, nil

	case event.RequestTypeSetPaused:
		if j.Paused == nil {
			return nil, fmt.Errorf("paused is required")
		}
		return &event.SetPaused{Header: h, Paused: *j.Paused}, nil

	case event.RequestTypeSetLiquidationThreshold:
		return &event.SetLiquidationThreshold{Header: h, Pct: j.Pct}, nil

	case event.RequestTypeSetLiquidationBonus:
		return &event.SetLiquidationBonus{Header: h, Pct: j.Pct}, nil

	case event.RequestTypeSetFeeSensitivity:
		return &event.SetFeeSensitivity{Header: h, Below: j.Below, Above: j.Above}, nil

	case event.RequestTypeSetFeeCaps:
		return &event.SetFeeCaps{Header: h, MinBps: j.MinBps, MaxBps: j.MaxBps}, nil

	case event.RequestTypeSetBaseFee:
		return &event.SetBaseFee{Header: h, Bps: j.Bps}, nil

	case event.RequestTypeConfigureAuctionModule:
		if j.Config == nil {
			return nil, fmt.Errorf("config is required")
		}
		return &event.ConfigureAuctionModule{Header: h, Config: *j.Config}, nil

	default:
		return nil, fmt.Errorf("unknown request type: %s", rt)
	}
}

func amountField(name, s string) (*uint256.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("%s is required", name)
	}
	v, err := fpmath.ParseAmount(s, fpmath.PrecisionDecimals)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	return v, nil
}
