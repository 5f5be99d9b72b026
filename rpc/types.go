package rpc

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"custodia/native/operator"
)

type authorizeRequest struct {
	Operator          string `json:"operator"`
	Payer             string `json:"payer"`
	Receiver          string `json:"receiver"`
	Token             string `json:"token"`
	MaxAmount         string `json:"maxAmount"`
	Amount            string `json:"amount"`
	PreApprovalExpiry int64  `json:"preApprovalExpiry"`
	Salt              string `json:"salt,omitempty"`
	Collector         string `json:"collector,omitempty"`
	CollectorData     string `json:"collectorData,omitempty"`
}

type actionRequest struct {
	Operator string `json:"operator"`
	Caller   string `json:"caller"`
	Hash     string `json:"hash"`
	Amount   string `json:"amount,omitempty"`
}

type distributeRequest struct {
	Operator string `json:"operator"`
	Token    string `json:"token"`
}

type toggleRequest struct {
	Operator string `json:"operator"`
	Caller   string `json:"caller"`
	Enabled  bool   `json:"enabled,omitempty"`
}

type deployRequest struct {
	Arbiter             string `json:"arbiter"`
	EscrowDelay         int64  `json:"escrowDelay"`
	AuthorizationWindow int64  `json:"authorizationWindow"`
	RefundWindow        int64  `json:"refundWindow"`
}

type depositRequest struct {
	Address string `json:"address"`
	Token   string `json:"token"`
	Amount  string `json:"amount"`
}

type paymentView struct {
	Hash                  string `json:"hash"`
	Operator              string `json:"operator"`
	Payer                 string `json:"payer"`
	Receiver              string `json:"receiver"`
	Token                 string `json:"token"`
	Status                string `json:"status"`
	Authorized            string `json:"authorized"`
	Captured              string `json:"captured"`
	Refunded              string `json:"refunded"`
	RefundedPostCapture   string `json:"refundedPostCapture"`
	Remaining             string `json:"remaining"`
	RefundablePostCapture string `json:"refundablePostCapture"`
	AuthorizedAt          int64  `json:"authorizedAt"`
	AuthorizationExpiry   int64  `json:"authorizationExpiry"`
	RefundExpiry          int64  `json:"refundExpiry"`
	VoidedAt              int64  `json:"voidedAt,omitempty"`
}

type operatorView struct {
	Address             string `json:"address"`
	Owner               string `json:"owner"`
	Arbiter             string `json:"arbiter"`
	EscrowDelay         int64  `json:"escrowDelay"`
	AuthorizationWindow int64  `json:"authorizationWindow"`
	RefundWindow        int64  `json:"refundWindow"`
	FeesEnabled         bool   `json:"feesEnabled"`
	MaxTotalFeeRateBps  uint32 `json:"maxTotalFeeRateBps"`
}

type distributionView struct {
	Operator string `json:"operator"`
	Token    string `json:"token"`
	Protocol string `json:"protocol"`
	Arbiter  string `json:"arbiter"`
}

type balanceView struct {
	Address string `json:"address"`
	Token   string `json:"token"`
	Balance string `json:"balance"`
}

type statusResponse struct {
	Status string `json:"status"`
}

func newPaymentView(record *operator.AuthorizationRecord) paymentView {
	return paymentView{
		Hash:                  encodeHash(record.Hash),
		Operator:              encodeAddress(record.Info.Operator),
		Payer:                 encodeAddress(record.Info.Payer),
		Receiver:              encodeAddress(record.Info.Receiver),
		Token:                 record.Info.Token,
		Status:                string(record.Status()),
		Authorized:            record.Authorized.String(),
		Captured:              record.Captured.String(),
		Refunded:              record.Refunded.String(),
		RefundedPostCapture:   record.RefundedPostCapture.String(),
		Remaining:             record.Remaining().String(),
		RefundablePostCapture: record.RefundablePostCapture().String(),
		AuthorizedAt:          record.AuthorizedAt,
		AuthorizationExpiry:   record.Info.AuthorizationExpiry,
		RefundExpiry:          record.Info.RefundExpiry,
		VoidedAt:              record.VoidedAt,
	}
}

func newOperatorView(engine *operator.Engine) operatorView {
	policy := engine.Policy()
	feeCfg := engine.FeeConfig()
	return operatorView{
		Address:             encodeAddress(engine.Address()),
		Owner:               encodeAddress(engine.Owner()),
		Arbiter:             encodeAddress(policy.Arbiter),
		EscrowDelay:         policy.EscrowDelay,
		AuthorizationWindow: policy.AuthorizationWindow,
		RefundWindow:        policy.RefundWindow,
		FeesEnabled:         feeCfg.FeesEnabled,
		MaxTotalFeeRateBps:  feeCfg.MaxTotalFeeRate,
	}
}

func encodeAddress(addr [20]byte) string { return "0x" + hex.EncodeToString(addr[:]) }

func encodeHash(hash [32]byte) string { return "0x" + hex.EncodeToString(hash[:]) }

func parseAddress(encoded string) ([20]byte, error) {
	var addr [20]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(encoded), "0x"))
	if err != nil || len(raw) != len(addr) {
		return addr, fmt.Errorf("%w: address %q", errBadRequest, encoded)
	}
	copy(addr[:], raw)
	return addr, nil
}

func parseHash(encoded string) ([32]byte, error) {
	var hash [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(encoded), "0x"))
	if err != nil || len(raw) != len(hash) {
		return hash, fmt.Errorf("%w: hash %q", errBadRequest, encoded)
	}
	copy(hash[:], raw)
	return hash, nil
}

func parseAmount(encoded string) (*big.Int, error) {
	trimmed := strings.TrimSpace(encoded)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: amount is required", errBadRequest)
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("%w: amount %q", errBadRequest, encoded)
	}
	return amount, nil
}
