package operator

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"custodia/core/types"
	"custodia/native/fees"
)

const (
	EventTypePaymentAuthorized    = "payment.authorized"
	EventTypePaymentReleased      = "payment.released"
	EventTypePaymentEarlyReleased = "payment.early_released"
	EventTypePaymentRefunded      = "payment.refunded"
	EventTypePaymentRefundedPost  = "payment.refunded_post_escrow"
	EventTypePaymentVoided        = "payment.voided"
	EventTypeFeesDistributed      = "fees.distributed"
	EventTypeOperatorDeployed     = "operator.deployed"

	eventTypeFeeToggleQueued    = "fees.toggle_queued"
	eventTypeFeeToggleExecuted  = "fees.toggle_executed"
	eventTypeFeeToggleCancelled = "fees.toggle_cancelled"
)

func newAuthorizedEvent(record *AuthorizationRecord) *types.Event {
	evt := newPaymentEvent(EventTypePaymentAuthorized, record)
	evt.Attributes["amount"] = nonNil(record.Authorized).String()
	return evt
}

func newReleasedEvent(record *AuthorizationRecord, amount *big.Int) *types.Event {
	evt := newPaymentEvent(EventTypePaymentReleased, record)
	evt.Attributes["amount"] = nonNil(amount).String()
	return evt
}

func newEarlyReleasedEvent(record *AuthorizationRecord, amount *big.Int) *types.Event {
	evt := newPaymentEvent(EventTypePaymentEarlyReleased, record)
	evt.Attributes["amount"] = nonNil(amount).String()
	return evt
}

func newRefundedEvent(record *AuthorizationRecord, amount *big.Int) *types.Event {
	evt := newPaymentEvent(EventTypePaymentRefunded, record)
	evt.Attributes["amount"] = nonNil(amount).String()
	return evt
}

func newRefundedPostEscrowEvent(record *AuthorizationRecord, amount *big.Int) *types.Event {
	evt := newPaymentEvent(EventTypePaymentRefundedPost, record)
	evt.Attributes["amount"] = nonNil(amount).String()
	return evt
}

func newVoidedEvent(record *AuthorizationRecord) *types.Event {
	evt := newPaymentEvent(EventTypePaymentVoided, record)
	evt.Attributes["amount"] = nonNil(record.Authorized).String()
	return evt
}

func newFeesDistributedEvent(operator [20]byte, token string, split fees.Split) *types.Event {
	return &types.Event{Type: EventTypeFeesDistributed, Attributes: map[string]string{
		"operator": hex.EncodeToString(operator[:]),
		"token":    token,
		"protocol": split.Protocol.String(),
		"arbiter":  split.Arbiter.String(),
	}}
}

func newFeeToggleEvent(eventType string, operator [20]byte, enabled bool) *types.Event {
	return &types.Event{Type: eventType, Attributes: map[string]string{
		"operator": hex.EncodeToString(operator[:]),
		"enabled":  strconv.FormatBool(enabled),
	}}
}

func newOperatorDeployedEvent(addr [20]byte, policy Policy) *types.Event {
	digest := policy.Digest()
	return &types.Event{Type: EventTypeOperatorDeployed, Attributes: map[string]string{
		"operator":    hex.EncodeToString(addr[:]),
		"arbiter":     hex.EncodeToString(policy.Arbiter[:]),
		"policy":      hex.EncodeToString(digest[:]),
		"escrowDelay": strconv.FormatInt(policy.EscrowDelay, 10),
	}}
}

func newPaymentEvent(eventType string, record *AuthorizationRecord) *types.Event {
	attrs := make(map[string]string)
	if record == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["hash"] = hex.EncodeToString(record.Hash[:])
	attrs["operator"] = hex.EncodeToString(record.Info.Operator[:])
	attrs["payer"] = hex.EncodeToString(record.Info.Payer[:])
	attrs["receiver"] = hex.EncodeToString(record.Info.Receiver[:])
	attrs["token"] = record.Info.Token
	attrs["authorized"] = nonNil(record.Authorized).String()
	attrs["captured"] = nonNil(record.Captured).String()
	attrs["refunded"] = nonNil(record.Refunded).String()
	attrs["status"] = string(record.Status())
	return &types.Event{Type: eventType, Attributes: attrs}
}
