package escrow

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// PaymentInfo identifies a single payment intent. It is authored off-service
// by the payer, names the operator instance whose policy governs it, and is
// immutable once authorized. Its canonical hash is the primary key used by
// both the ledger and the operator bookkeeping.
type PaymentInfo struct {
	Operator            [20]byte
	Payer               [20]byte
	Receiver            [20]byte
	Token               string
	MaxAmount           *big.Int
	PreApprovalExpiry   int64
	AuthorizationExpiry int64
	RefundExpiry        int64
	MinFeeBps           uint16
	MaxFeeBps           uint16
	FeeReceiver         [20]byte
	Salt                [32]byte
}

// Clone returns a deep copy of the payment info.
func (p PaymentInfo) Clone() PaymentInfo {
	clone := p
	if p.MaxAmount != nil {
		clone.MaxAmount = new(big.Int).Set(p.MaxAmount)
	}
	return clone
}

// hashDomain separates payment hashes from any other keccak256 use of the
// same field layout. The chain id and operator address are mixed in so the
// same intent signed for another deployment or policy instance never
// collides.
const hashDomain = "custodia/payment/v1"

// Hash computes the canonical digest of the payment info. Variable-length
// fields are length-prefixed so field boundaries cannot be shifted to forge a
// collision.
func Hash(info PaymentInfo, chainID uint64) [32]byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, hashDomain...)
	buf = appendUint64(buf, chainID)
	buf = append(buf, info.Operator[:]...)
	buf = append(buf, info.Payer[:]...)
	buf = append(buf, info.Receiver[:]...)
	buf = appendBytes(buf, []byte(info.Token))
	amount := info.MaxAmount
	if amount == nil {
		amount = big.NewInt(0)
	}
	buf = appendBytes(buf, amount.Bytes())
	buf = appendUint64(buf, uint64(info.PreApprovalExpiry))
	buf = appendUint64(buf, uint64(info.AuthorizationExpiry))
	buf = appendUint64(buf, uint64(info.RefundExpiry))
	buf = appendUint64(buf, uint64(info.MinFeeBps))
	buf = appendUint64(buf, uint64(info.MaxFeeBps))
	buf = append(buf, info.FeeReceiver[:]...)
	buf = append(buf, info.Salt[:]...)
	return ethcrypto.Keccak256Hash(buf)
}

func appendUint64(buf []byte, v uint64) []byte {
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], v)
	return append(buf, scratch[:]...)
}

func appendBytes(buf, payload []byte) []byte {
	var scratch [4]byte
	binary.BigEndian.PutUint32(scratch[:], uint32(len(payload)))
	buf = append(buf, scratch[:]...)
	return append(buf, payload...)
}

// Authorization is the ledger-side record of escrowed value for one payment
// hash. Capturable tracks funds still held in the token store; Refundable
// tracks captured funds that remain reclaimable by the payer.
type Authorization struct {
	Hash                [32]byte
	Operator            [20]byte
	Payer               [20]byte
	Receiver            [20]byte
	Token               string
	Capturable          *big.Int
	Refundable          *big.Int
	Collected           bool
	Collector           [20]byte
	CollectorData       []byte
	AuthorizedAt        int64
	AuthorizationExpiry int64
	RefundExpiry        int64
}

// Clone returns a deep copy of the authorization so callers can safely mutate
// the copy without affecting the stored instance.
func (a *Authorization) Clone() *Authorization {
	if a == nil {
		return nil
	}
	clone := *a
	if a.Capturable != nil {
		clone.Capturable = new(big.Int).Set(a.Capturable)
	} else {
		clone.Capturable = big.NewInt(0)
	}
	if a.Refundable != nil {
		clone.Refundable = new(big.Int).Set(a.Refundable)
	} else {
		clone.Refundable = big.NewInt(0)
	}
	clone.CollectorData = append([]byte(nil), a.CollectorData...)
	return &clone
}

// PaymentState summarises the ledger view of a payment hash.
type PaymentState struct {
	Collected  bool
	Capturable *big.Int
	Refundable *big.Int
}

// NormalizeToken canonicalises a token symbol to its uppercase form and
// rejects symbols outside the supported shape (1-16 characters, A-Z and 0-9).
func NormalizeToken(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if trimmed == "" || len(trimmed) > 16 {
		return "", fmt.Errorf("escrow: invalid token symbol %q", symbol)
	}
	for _, r := range trimmed {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", fmt.Errorf("escrow: invalid token symbol %q", symbol)
		}
	}
	return trimmed, nil
}
