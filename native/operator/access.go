package operator

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthorized     = errors.New("operator: unauthorized caller")
	ErrPaymentNotFound  = errors.New("operator: payment not found")
	ErrOperatorMismatch = errors.New("operator: payment bound to a different operator instance")
)

// IsPayer reports whether the caller is the payment's payer.
func IsPayer(record *AuthorizationRecord, caller [20]byte) bool {
	return record.Exists() && record.Info.Payer == caller
}

// IsReceiver reports whether the caller is the payment's receiver.
func IsReceiver(record *AuthorizationRecord, caller [20]byte) bool {
	return record.Exists() && record.Info.Receiver == caller
}

// IsArbiter reports whether the caller is the arbiter governing this operator
// instance.
func IsArbiter(arbiter, caller [20]byte) bool {
	return arbiter != ([20]byte{}) && arbiter == caller
}

// IsReceiverOrArbiter reports whether the caller holds either role.
func IsReceiverOrArbiter(record *AuthorizationRecord, arbiter, caller [20]byte) bool {
	return IsReceiver(record, caller) || IsArbiter(arbiter, caller)
}

// CanDecideRefund reports whether the caller may decide refund status for the
// payment. The authority narrows once money has left escrow custody: while
// funds remain capturable the receiver or the arbiter may decide, after
// capture only the receiver may.
func CanDecideRefund(record *AuthorizationRecord, arbiter, caller [20]byte) bool {
	if !record.Exists() {
		return false
	}
	if nonNil(record.Captured).Sign() > 0 {
		return IsReceiver(record, caller)
	}
	return IsReceiverOrArbiter(record, arbiter, caller)
}

func requireExists(record *AuthorizationRecord) error {
	if !record.Exists() {
		return ErrPaymentNotFound
	}
	return nil
}

func requirePayer(record *AuthorizationRecord, caller [20]byte) error {
	if !IsPayer(record, caller) {
		return fmt.Errorf("%w: requires payer", ErrUnauthorized)
	}
	return nil
}

func requireReceiver(record *AuthorizationRecord, caller [20]byte) error {
	if !IsReceiver(record, caller) {
		return fmt.Errorf("%w: requires receiver", ErrUnauthorized)
	}
	return nil
}

func requireReceiverOrArbiter(record *AuthorizationRecord, arbiter, caller [20]byte) error {
	if !IsReceiverOrArbiter(record, arbiter, caller) {
		return fmt.Errorf("%w: requires receiver or arbiter", ErrUnauthorized)
	}
	return nil
}

func requireOwner(owner, caller [20]byte) error {
	if owner == ([20]byte{}) || owner != caller {
		return fmt.Errorf("%w: requires owner", ErrUnauthorized)
	}
	return nil
}
