package fees

import (
	"errors"
	"fmt"
	"math/big"
)

// BasisPoints is the denominator used for fee-rate arithmetic; 10000 bps = 100%.
const BasisPoints = 10_000

var (
	ErrZeroFeeRate       = errors.New("fees: max total fee rate must be positive")
	ErrFeeRateOutOfRange = errors.New("fees: max total fee rate exceeds basis points")
	ErrPercentOutOfRange = errors.New("fees: protocol fee percentage exceeds 100")
	ErrZeroRecipient     = errors.New("fees: protocol fee recipient must not be zero")
)

// Config captures the fee policy shared by every operator instance minted by a
// factory. MaxTotalFeeRate is an immutable ceiling expressed in basis points;
// ProtocolFeePercentage is the share of the total fee routed to the protocol
// recipient when fees are enabled.
type Config struct {
	MaxTotalFeeRate       uint32
	ProtocolFeePercentage uint32
	FeesEnabled           bool
	ProtocolFeeRecipient  [20]byte
}

// Validate reports whether the configuration can safely govern fee splits.
// Misconfiguration fails loudly rather than being silently corrected.
func (c Config) Validate() error {
	if c.MaxTotalFeeRate == 0 {
		return ErrZeroFeeRate
	}
	if c.MaxTotalFeeRate > BasisPoints {
		return fmt.Errorf("%w: %d", ErrFeeRateOutOfRange, c.MaxTotalFeeRate)
	}
	if c.ProtocolFeePercentage > 100 {
		return fmt.Errorf("%w: %d", ErrPercentOutOfRange, c.ProtocolFeePercentage)
	}
	if c.ProtocolFeeRecipient == ([20]byte{}) {
		return ErrZeroRecipient
	}
	return nil
}

// MaxArbiterFeeRate derives the ceiling on the arbiter's share of the fee
// rate. The value is always recomputed from the two inputs, never stored.
func (c Config) MaxArbiterFeeRate() uint32 {
	return c.MaxTotalFeeRate * (100 - c.ProtocolFeePercentage) / 100
}

// Split is the result of dividing a fee amount between the protocol and the
// arbiter recipients.
type Split struct {
	Protocol *big.Int
	Arbiter  *big.Int
}

// Total returns the sum of both shares.
func (s Split) Total() *big.Int {
	total := big.NewInt(0)
	if s.Protocol != nil {
		total.Add(total, s.Protocol)
	}
	if s.Arbiter != nil {
		total.Add(total, s.Arbiter)
	}
	return total
}

// Compute derives the fee owed on a captured amount and splits it between the
// protocol and arbiter recipients. The arbiter share is the remainder of the
// total fee after the protocol cut so the two shares always sum to the total
// fee exactly. With fees disabled the full fee routes to the arbiter.
func Compute(captured *big.Int, cfg Config) Split {
	total := totalFee(captured, cfg.MaxTotalFeeRate)
	return SplitPool(total, cfg)
}

// SplitPool divides an already-accumulated fee balance between the protocol
// and arbiter recipients according to the configured percentage.
func SplitPool(pool *big.Int, cfg Config) Split {
	split := Split{Protocol: big.NewInt(0), Arbiter: big.NewInt(0)}
	if pool == nil || pool.Sign() <= 0 {
		return split
	}
	if !cfg.FeesEnabled {
		split.Arbiter = new(big.Int).Set(pool)
		return split
	}
	protocol := new(big.Int).Mul(pool, new(big.Int).SetUint64(uint64(cfg.ProtocolFeePercentage)))
	protocol.Div(protocol, big.NewInt(100))
	split.Protocol = protocol
	split.Arbiter = new(big.Int).Sub(pool, protocol)
	return split
}

func totalFee(captured *big.Int, rateBps uint32) *big.Int {
	if captured == nil || captured.Sign() <= 0 {
		return big.NewInt(0)
	}
	fee := new(big.Int).Mul(captured, new(big.Int).SetUint64(uint64(rateBps)))
	return fee.Div(fee, big.NewInt(BasisPoints))
}
