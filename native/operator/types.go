package operator

import (
	"math/big"

	"custodia/native/escrow"
)

// PaymentStatus is the logical lifecycle state of a payment, derived from the
// accounting fields rather than stored.
type PaymentStatus string

const (
	StatusAuthorized       PaymentStatus = "authorized"
	StatusPartiallySettled PaymentStatus = "partially_settled"
	StatusSettled          PaymentStatus = "settled"
	StatusVoided           PaymentStatus = "voided"
)

// AuthorizationRecord is the operator-side bookkeeping for one authorized
// payment. Records are append-only: they are created at authorize time and
// mutated only by the engine's state transitions, never deleted.
//
// Captured and Refunded count value leaving escrow (to the receiver and back
// to the payer respectively), so Captured + Refunded never exceeds
// Authorized. RefundedPostCapture separately counts captured value returned
// to the payer and is bounded by Captured.
type AuthorizationRecord struct {
	Info                escrow.PaymentInfo
	Hash                [32]byte
	AuthorizedAt        int64
	Authorized          *big.Int
	Captured            *big.Int
	Refunded            *big.Int
	RefundedPostCapture *big.Int
	VoidedAt            int64
}

// Exists reports whether the record refers to a real authorization. A zero
// payer address marks an absent record.
func (r *AuthorizationRecord) Exists() bool {
	return r != nil && r.Info.Payer != ([20]byte{})
}

// Remaining returns the value still held in escrow for this payment.
func (r *AuthorizationRecord) Remaining() *big.Int {
	remaining := new(big.Int).Set(nonNil(r.Authorized))
	remaining.Sub(remaining, nonNil(r.Captured))
	remaining.Sub(remaining, nonNil(r.Refunded))
	return remaining
}

// RefundablePostCapture returns the captured value the receiver can still
// return to the payer.
func (r *AuthorizationRecord) RefundablePostCapture() *big.Int {
	refundable := new(big.Int).Set(nonNil(r.Captured))
	return refundable.Sub(refundable, nonNil(r.RefundedPostCapture))
}

// Status derives the logical payment state from the accounting fields.
func (r *AuthorizationRecord) Status() PaymentStatus {
	if r.VoidedAt != 0 {
		return StatusVoided
	}
	if r.Remaining().Sign() == 0 {
		return StatusSettled
	}
	if nonNil(r.Captured).Sign() > 0 || nonNil(r.Refunded).Sign() > 0 {
		return StatusPartiallySettled
	}
	return StatusAuthorized
}

// Clone returns a deep copy of the record so callers can safely mutate the
// copy without affecting the stored instance.
func (r *AuthorizationRecord) Clone() *AuthorizationRecord {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Info = r.Info.Clone()
	clone.Authorized = new(big.Int).Set(nonNil(r.Authorized))
	clone.Captured = new(big.Int).Set(nonNil(r.Captured))
	clone.Refunded = new(big.Int).Set(nonNil(r.Refunded))
	clone.RefundedPostCapture = new(big.Int).Set(nonNil(r.RefundedPostCapture))
	return &clone
}

func nonNil(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}
