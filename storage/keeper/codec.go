package keeper

import (
	"encoding/hex"
	"fmt"
	"math/big"

	"custodia/native/escrow"
	"custodia/native/operator"
)

type storedPaymentInfo struct {
	Operator            string `json:"operator"`
	Payer               string `json:"payer"`
	Receiver            string `json:"receiver"`
	Token               string `json:"token"`
	MaxAmount           string `json:"maxAmount"`
	PreApprovalExpiry   int64  `json:"preApprovalExpiry"`
	AuthorizationExpiry int64  `json:"authorizationExpiry"`
	RefundExpiry        int64  `json:"refundExpiry"`
	MinFeeBps           uint16 `json:"minFeeBps"`
	MaxFeeBps           uint16 `json:"maxFeeBps"`
	FeeReceiver         string `json:"feeReceiver"`
	Salt                string `json:"salt"`
}

type storedPayment struct {
	Info                storedPaymentInfo `json:"info"`
	Hash                string            `json:"hash"`
	AuthorizedAt        int64             `json:"authorizedAt"`
	Authorized          string            `json:"authorized"`
	Captured            string            `json:"captured"`
	Refunded            string            `json:"refunded"`
	RefundedPostCapture string            `json:"refundedPostCapture"`
	VoidedAt            int64             `json:"voidedAt,omitempty"`
}

type storedAuthorization struct {
	Hash                string `json:"hash"`
	Operator            string `json:"operator"`
	Payer               string `json:"payer"`
	Receiver            string `json:"receiver"`
	Token               string `json:"token"`
	Capturable          string `json:"capturable"`
	Refundable          string `json:"refundable"`
	Collected           bool   `json:"collected"`
	Collector           string `json:"collector"`
	CollectorData       string `json:"collectorData,omitempty"`
	AuthorizedAt        int64  `json:"authorizedAt"`
	AuthorizationExpiry int64  `json:"authorizationExpiry"`
	RefundExpiry        int64  `json:"refundExpiry"`
}

type storedFeeState struct {
	FeesEnabled    bool  `json:"feesEnabled"`
	ToggleQueued   bool  `json:"toggleQueued,omitempty"`
	ToggleEnabled  bool  `json:"toggleEnabled,omitempty"`
	ToggleQueuedAt int64 `json:"toggleQueuedAt,omitempty"`
}

type storedAccount struct {
	Balances map[string]string `json:"balances"`
}

type storedOperator struct {
	Address             string `json:"address"`
	Arbiter             string `json:"arbiter"`
	EscrowDelay         int64  `json:"escrowDelay"`
	AuthorizationWindow int64  `json:"authorizationWindow"`
	RefundWindow        int64  `json:"refundWindow"`
	DeployedAt          int64  `json:"deployedAt"`
}

func encodeAddress(addr [20]byte) string { return hex.EncodeToString(addr[:]) }

func decodeAddress(encoded string) ([20]byte, error) {
	var addr [20]byte
	raw, err := hex.DecodeString(encoded)
	if err != nil || len(raw) != len(addr) {
		return addr, fmt.Errorf("keeper: invalid address %q", encoded)
	}
	copy(addr[:], raw)
	return addr, nil
}

func encodeHash(hash [32]byte) string { return hex.EncodeToString(hash[:]) }

func decodeHash(encoded string) ([32]byte, error) {
	var hash [32]byte
	raw, err := hex.DecodeString(encoded)
	if err != nil || len(raw) != len(hash) {
		return hash, fmt.Errorf("keeper: invalid hash %q", encoded)
	}
	copy(hash[:], raw)
	return hash, nil
}

func encodeBig(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func decodeBig(encoded string) (*big.Int, error) {
	if encoded == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(encoded, 10)
	if !ok {
		return nil, fmt.Errorf("keeper: invalid amount %q", encoded)
	}
	return v, nil
}

func encodePaymentInfo(info escrow.PaymentInfo) storedPaymentInfo {
	return storedPaymentInfo{
		Operator:            encodeAddress(info.Operator),
		Payer:               encodeAddress(info.Payer),
		Receiver:            encodeAddress(info.Receiver),
		Token:               info.Token,
		MaxAmount:           encodeBig(info.MaxAmount),
		PreApprovalExpiry:   info.PreApprovalExpiry,
		AuthorizationExpiry: info.AuthorizationExpiry,
		RefundExpiry:        info.RefundExpiry,
		MinFeeBps:           info.MinFeeBps,
		MaxFeeBps:           info.MaxFeeBps,
		FeeReceiver:         encodeAddress(info.FeeReceiver),
		Salt:                hex.EncodeToString(info.Salt[:]),
	}
}

func decodePaymentInfo(stored storedPaymentInfo) (escrow.PaymentInfo, error) {
	var info escrow.PaymentInfo
	var err error
	if info.Operator, err = decodeAddress(stored.Operator); err != nil {
		return info, err
	}
	if info.Payer, err = decodeAddress(stored.Payer); err != nil {
		return info, err
	}
	if info.Receiver, err = decodeAddress(stored.Receiver); err != nil {
		return info, err
	}
	if info.FeeReceiver, err = decodeAddress(stored.FeeReceiver); err != nil {
		return info, err
	}
	if info.MaxAmount, err = decodeBig(stored.MaxAmount); err != nil {
		return info, err
	}
	salt, err := decodeHash(stored.Salt)
	if err != nil {
		return info, err
	}
	info.Salt = salt
	info.Token = stored.Token
	info.PreApprovalExpiry = stored.PreApprovalExpiry
	info.AuthorizationExpiry = stored.AuthorizationExpiry
	info.RefundExpiry = stored.RefundExpiry
	info.MinFeeBps = stored.MinFeeBps
	info.MaxFeeBps = stored.MaxFeeBps
	return info, nil
}

func encodePayment(record *operator.AuthorizationRecord) storedPayment {
	return storedPayment{
		Info:                encodePaymentInfo(record.Info),
		Hash:                encodeHash(record.Hash),
		AuthorizedAt:        record.AuthorizedAt,
		Authorized:          encodeBig(record.Authorized),
		Captured:            encodeBig(record.Captured),
		Refunded:            encodeBig(record.Refunded),
		RefundedPostCapture: encodeBig(record.RefundedPostCapture),
		VoidedAt:            record.VoidedAt,
	}
}

func decodePayment(stored storedPayment) (*operator.AuthorizationRecord, error) {
	info, err := decodePaymentInfo(stored.Info)
	if err != nil {
		return nil, err
	}
	record := &operator.AuthorizationRecord{
		Info:         info,
		AuthorizedAt: stored.AuthorizedAt,
		VoidedAt:     stored.VoidedAt,
	}
	if record.Hash, err = decodeHash(stored.Hash); err != nil {
		return nil, err
	}
	if record.Authorized, err = decodeBig(stored.Authorized); err != nil {
		return nil, err
	}
	if record.Captured, err = decodeBig(stored.Captured); err != nil {
		return nil, err
	}
	if record.Refunded, err = decodeBig(stored.Refunded); err != nil {
		return nil, err
	}
	if record.RefundedPostCapture, err = decodeBig(stored.RefundedPostCapture); err != nil {
		return nil, err
	}
	return record, nil
}

func encodeAuthorization(auth *escrow.Authorization) storedAuthorization {
	return storedAuthorization{
		Hash:                encodeHash(auth.Hash),
		Operator:            encodeAddress(auth.Operator),
		Payer:               encodeAddress(auth.Payer),
		Receiver:            encodeAddress(auth.Receiver),
		Token:               auth.Token,
		Capturable:          encodeBig(auth.Capturable),
		Refundable:          encodeBig(auth.Refundable),
		Collected:           auth.Collected,
		Collector:           encodeAddress(auth.Collector),
		CollectorData:       hex.EncodeToString(auth.CollectorData),
		AuthorizedAt:        auth.AuthorizedAt,
		AuthorizationExpiry: auth.AuthorizationExpiry,
		RefundExpiry:        auth.RefundExpiry,
	}
}

func decodeAuthorization(stored storedAuthorization) (*escrow.Authorization, error) {
	auth := &escrow.Authorization{
		Token:               stored.Token,
		Collected:           stored.Collected,
		AuthorizedAt:        stored.AuthorizedAt,
		AuthorizationExpiry: stored.AuthorizationExpiry,
		RefundExpiry:        stored.RefundExpiry,
	}
	var err error
	if auth.Hash, err = decodeHash(stored.Hash); err != nil {
		return nil, err
	}
	if auth.Operator, err = decodeAddress(stored.Operator); err != nil {
		return nil, err
	}
	if auth.Payer, err = decodeAddress(stored.Payer); err != nil {
		return nil, err
	}
	if auth.Receiver, err = decodeAddress(stored.Receiver); err != nil {
		return nil, err
	}
	if auth.Collector, err = decodeAddress(stored.Collector); err != nil {
		return nil, err
	}
	if auth.Capturable, err = decodeBig(stored.Capturable); err != nil {
		return nil, err
	}
	if auth.Refundable, err = decodeBig(stored.Refundable); err != nil {
		return nil, err
	}
	if stored.CollectorData != "" {
		if auth.CollectorData, err = hex.DecodeString(stored.CollectorData); err != nil {
			return nil, fmt.Errorf("keeper: invalid collector data: %w", err)
		}
	}
	return auth, nil
}

func encodeFeeState(state operator.FeeState) storedFeeState {
	return storedFeeState{
		FeesEnabled:    state.FeesEnabled,
		ToggleQueued:   state.ToggleQueued,
		ToggleEnabled:  state.ToggleEnabled,
		ToggleQueuedAt: state.ToggleQueuedAt,
	}
}

func decodeFeeState(stored storedFeeState) operator.FeeState {
	return operator.FeeState{
		FeesEnabled:    stored.FeesEnabled,
		ToggleQueued:   stored.ToggleQueued,
		ToggleEnabled:  stored.ToggleEnabled,
		ToggleQueuedAt: stored.ToggleQueuedAt,
	}
}

func encodeOperator(deployed *operator.DeployedOperator) storedOperator {
	return storedOperator{
		Address:             encodeAddress(deployed.Address),
		Arbiter:             encodeAddress(deployed.Policy.Arbiter),
		EscrowDelay:         deployed.Policy.EscrowDelay,
		AuthorizationWindow: deployed.Policy.AuthorizationWindow,
		RefundWindow:        deployed.Policy.RefundWindow,
		DeployedAt:          deployed.DeployedAt,
	}
}

func decodeOperator(stored storedOperator) (*operator.DeployedOperator, error) {
	deployed := &operator.DeployedOperator{
		Policy: operator.Policy{
			EscrowDelay:         stored.EscrowDelay,
			AuthorizationWindow: stored.AuthorizationWindow,
			RefundWindow:        stored.RefundWindow,
		},
		DeployedAt: stored.DeployedAt,
	}
	var err error
	if deployed.Address, err = decodeAddress(stored.Address); err != nil {
		return nil, err
	}
	if deployed.Policy.Arbiter, err = decodeAddress(stored.Arbiter); err != nil {
		return nil, err
	}
	return deployed, nil
}
