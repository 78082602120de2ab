package event

import (
	"encoding/json"
	"fmt"
)

var requestFactories = map[RequestType]func() Request{
	RequestTypeFundWallet:              func() Request { return &FundWallet{} },
	RequestTypeWithdrawWallet:          func() Request { return &WithdrawWallet{} },
	RequestTypeDepositCollateral:       func() Request { return &DepositCollateral{} },
	RequestTypeRedeemCollateral:        func() Request { return &RedeemCollateral{} },
	RequestTypeMintDebt:                func() Request { return &MintDebt{} },
	RequestTypeBurnDebt:                func() Request { return &BurnDebt{} },
	RequestTypeLiquidate:               func() Request { return &Liquidate{} },
	RequestTypePlaceBid:                func() Request { return &PlaceBid{} },
	RequestTypeFinalizeAuction:         func() Request { return &FinalizeAuction{} },
	RequestTypeAccrueFees:              func() Request { return &AccrueFees{} },
	RequestTypePriceReport:             func() Request { return &PriceReport{} },
	RequestTypeSetPaused:               func() Request { return &SetPaused{} },
	RequestTypeSetLiquidationThreshold: func() Request { return &SetLiquidationThreshold{} },
	RequestTypeSetLiquidationBonus:     func() Request { return &SetLiquidationBonus{} },
	RequestTypeSetFeeSensitivity:       func() Request { return &SetFeeSensitivity{} },
	RequestTypeSetFeeCaps:              func() Request { return &SetFeeCaps{} },
	RequestTypeSetBaseFee:              func() Request { return &SetBaseFee{} },
	RequestTypeConfigureAuctionModule:  func() Request { return &ConfigureAuctionModule{} },
}

// EncodeRequest serializes a request for the event log.
func EncodeRequest(r Request) ([]byte, error) {
	return json.Marshal(r)
}

// DecodeRequest rebuilds a request from its logged payload. Replay feeds
// the result back through the core.
func DecodeRequest(rt RequestType, payload []byte) (Request, error) {
	factory, ok := requestFactories[rt]
	if !ok {
		return nil, fmt.Errorf("no decoder for request type %s", rt)
	}
	r := factory()
	if err := json.Unmarshal(payload, r); err != nil {
		return nil, fmt.Errorf("decode %s: %w", rt, err)
	}
	return r, nil
}

var noticeFactories = map[NoticeType]func() Notice{
	NoticeWalletFunded:            func() Notice { return &WalletFunded{} },
	NoticeWalletWithdrawn:         func() Notice { return &WalletWithdrawn{} },
	NoticeCollateralDeposited:     func() Notice { return &CollateralDeposited{} },
	NoticeCollateralRedeemed:      func() Notice { return &CollateralRedeemed{} },
	NoticeDebtMinted:              func() Notice { return &DebtMinted{} },
	NoticeDebtBurned:              func() Notice { return &DebtBurned{} },
	NoticeFeeAccrued:              func() Notice { return &FeeAccrued{} },
	NoticePriceReported:           func() Notice { return &PriceReported{} },
	NoticeOracleCircuitTripped:    func() Notice { return &OracleCircuitTripped{} },
	NoticeAuctionCreated:          func() Notice { return &AuctionCreated{} },
	NoticeBidPlaced:               func() Notice { return &BidPlaced{} },
	NoticeAuctionSettled:          func() Notice { return &AuctionSettled{} },
	NoticeLiquidationSettled:      func() Notice { return &LiquidationSettled{} },
	NoticeBadDebtSocialized:       func() Notice { return &BadDebtSocialized{} },
	NoticeParamChanged:            func() Notice { return &ParamChanged{} },
	NoticePauseChanged:            func() Notice { return &PauseChanged{} },
	NoticeAuctionModuleConfigured: func() Notice { return &AuctionModuleConfigured{} },
}

type wireNotice struct {
	Type NoticeType      `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EncodeNotices serializes notices as [{"type": ..., "data": ...}].
func EncodeNotices(notices []Notice) ([]byte, error) {
	wire := make([]wireNotice, 0, len(notices))
	for _, n := range notices {
		data, err := json.Marshal(n)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", n.NoticeType(), err)
		}
		wire = append(wire, wireNotice{Type: n.NoticeType(), Data: data})
	}
	return json.Marshal(wire)
}

func DecodeNotices(raw []byte) ([]Notice, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var wire []wireNotice
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decode notices: %w", err)
	}
	out := make([]Notice, 0, len(wire))
	for _, w := range wire {
		factory, ok := noticeFactories[w.Type]
		if !ok {
			return nil, fmt.Errorf("unknown notice type %q", w.Type)
		}
		n := factory()
		if err := json.Unmarshal(w.Data, n); err != nil {
			return nil, fmt.Errorf("decode %s: %w", w.Type, err)
		}
		out = append(out, n)
	}
	return out, nil
}
