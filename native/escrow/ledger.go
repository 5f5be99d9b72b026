package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"custodia/core/types"
)

var (
	ErrNilState             = errors.New("escrow: ledger state not configured")
	ErrNotFound             = errors.New("escrow: authorization not found")
	ErrDuplicate            = errors.New("escrow: authorization already exists")
	ErrZeroAmount           = errors.New("escrow: amount must be positive")
	ErrAmountExceedsMax     = errors.New("escrow: amount exceeds authorized maximum")
	ErrInsufficientBalance  = errors.New("escrow: insufficient balance")
	ErrExceedsCapturable    = errors.New("escrow: amount exceeds capturable balance")
	ErrExceedsRefundable    = errors.New("escrow: amount exceeds refundable balance")
	ErrPreApprovalExpired   = errors.New("escrow: pre-approval window has closed")
	ErrAuthorizationExpired = errors.New("escrow: authorization window has closed")
	ErrRefundExpired        = errors.New("escrow: refund window has closed")
	ErrFeeOutOfRange        = errors.New("escrow: fee bps out of range")
)

// ledgerState is the persistence surface required by the ledger. It is
// satisfied by storage/keeper and by in-memory mocks in tests.
type ledgerState interface {
	AuthorizationPut(*Authorization) error
	AuthorizationGet(hash [32]byte) (*Authorization, bool, error)
	GetAccount(addr [20]byte) (*types.Account, error)
	PutAccount(addr [20]byte, account *types.Account) error
}

// Ledger custodies escrowed value for payment hashes. It is the off-service
// stand-in for the auth-capture escrow primitive: operators delegate every
// fund movement here and never hold principal themselves. All amounts are
// tracked per (address, token) in ledger accounts; each operator instance gets
// a deterministic token-store address that vaults its in-escrow funds.
type Ledger struct {
	state   ledgerState
	chainID uint64
	nowFn   func() int64
}

// NewLedger constructs a ledger scoped to the supplied chain identifier. The
// chain id participates in payment hashing so intents cannot be replayed
// across deployments.
func NewLedger(chainID uint64) *Ledger {
	return &Ledger{
		chainID: chainID,
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the ledger.
func (l *Ledger) SetState(state ledgerState) { l.state = state }

// SetNowFunc overrides the time source used by the ledger. Primarily intended
// for tests to provide deterministic timestamps.
func (l *Ledger) SetNowFunc(now func() int64) {
	if now == nil {
		l.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	l.nowFn = now
}

// ChainID returns the chain identifier mixed into payment hashes.
func (l *Ledger) ChainID() uint64 { return l.chainID }

// GetHash computes the canonical hash of the payment info under this ledger's
// chain id.
func (l *Ledger) GetHash(info PaymentInfo) [32]byte {
	return Hash(info, l.chainID)
}

// TokenStore derives the vault address holding in-escrow funds for an
// operator instance. The derivation is a pure function of the operator
// address so the vault can be computed without state access.
func (l *Ledger) TokenStore(operator [20]byte) [20]byte {
	digest := ethcrypto.Keccak256([]byte("custodia/token-store/v1"), operator[:])
	var addr [20]byte
	copy(addr[:], digest[12:])
	return addr
}

func (l *Ledger) now() int64 {
	if l == nil || l.nowFn == nil {
		return time.Now().Unix()
	}
	return l.nowFn()
}

func (l *Ledger) load(hash [32]byte) (*Authorization, error) {
	if l == nil || l.state == nil {
		return nil, ErrNilState
	}
	auth, ok, err := l.state.AuthorizationGet(hash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return auth, nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func ensureAccount(acc *types.Account) *types.Account {
	if acc == nil {
		return types.NewAccount()
	}
	if acc.Balances == nil {
		acc.Balances = make(map[string]*big.Int)
	}
	return acc
}

func (l *Ledger) transfer(from, to [20]byte, token string, amount *big.Int) error {
	if l == nil || l.state == nil {
		return ErrNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("escrow: negative transfer amount")
	}
	normalized, err := NormalizeToken(token)
	if err != nil {
		return err
	}
	fromAcc, err := l.state.GetAccount(from)
	if err != nil {
		return err
	}
	toAcc, err := l.state.GetAccount(to)
	if err != nil {
		return err
	}
	fromAcc = ensureAccount(fromAcc)
	toAcc = ensureAccount(toAcc)
	balance := fromAcc.Balance(normalized)
	if balance.Cmp(amt) < 0 {
		return ErrInsufficientBalance
	}
	fromAcc.SetBalance(normalized, new(big.Int).Sub(balance, amt))
	toAcc.SetBalance(normalized, new(big.Int).Add(toAcc.Balance(normalized), amt))
	if err := l.state.PutAccount(from, fromAcc); err != nil {
		return err
	}
	return l.state.PutAccount(to, toAcc)
}

// Transfer moves value between ledger accounts. Operators use it to pay out
// accumulated fee balances; it is also how deposits are seeded in tests and
// by the funding gateway.
func (l *Ledger) Transfer(from, to [20]byte, token string, amount *big.Int) error {
	return l.transfer(from, to, token, amount)
}

// BalanceOf returns the ledger balance held by an address for a token.
func (l *Ledger) BalanceOf(addr [20]byte, token string) (*big.Int, error) {
	if l == nil || l.state == nil {
		return nil, ErrNilState
	}
	normalized, err := NormalizeToken(token)
	if err != nil {
		return nil, err
	}
	acc, err := l.state.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	return ensureAccount(acc).Balance(normalized), nil
}

// Mint credits freshly deposited value to an address. Deposit verification
// happens upstream; the ledger only records the resulting balance.
func (l *Ledger) Mint(addr [20]byte, token string, amount *big.Int) error {
	if l == nil || l.state == nil {
		return ErrNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return ErrZeroAmount
	}
	normalized, err := NormalizeToken(token)
	if err != nil {
		return err
	}
	acc, err := l.state.GetAccount(addr)
	if err != nil {
		return err
	}
	acc = ensureAccount(acc)
	acc.SetBalance(normalized, new(big.Int).Add(acc.Balance(normalized), amt))
	return l.state.PutAccount(addr, acc)
}

// Authorize pulls amount from the payer into the operator's token store and
// records the escrow-side authorization. The collector reference is stored
// opaquely for audit; collector-specific signature formats are not
// interpreted here.
func (l *Ledger) Authorize(info PaymentInfo, amount *big.Int, collector [20]byte, collectorData []byte) ([32]byte, error) {
	hash := l.GetHash(info)
	if l == nil || l.state == nil {
		return hash, ErrNilState
	}
	token, err := NormalizeToken(info.Token)
	if err != nil {
		return hash, err
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return hash, ErrZeroAmount
	}
	if info.MaxAmount != nil && info.MaxAmount.Sign() > 0 && amt.Cmp(info.MaxAmount) > 0 {
		return hash, ErrAmountExceedsMax
	}
	now := l.now()
	if info.PreApprovalExpiry > 0 && now >= info.PreApprovalExpiry {
		return hash, ErrPreApprovalExpired
	}
	if _, ok, err := l.state.AuthorizationGet(hash); err != nil {
		return hash, err
	} else if ok {
		return hash, ErrDuplicate
	}
	vault := l.TokenStore(info.Operator)
	if err := l.transfer(info.Payer, vault, token, amt); err != nil {
		return hash, err
	}
	auth := &Authorization{
		Hash:                hash,
		Operator:            info.Operator,
		Payer:               info.Payer,
		Receiver:            info.Receiver,
		Token:               token,
		Capturable:          amt,
		Refundable:          big.NewInt(0),
		Collector:           collector,
		CollectorData:       append([]byte(nil), collectorData...),
		AuthorizedAt:        now,
		AuthorizationExpiry: info.AuthorizationExpiry,
		RefundExpiry:        info.RefundExpiry,
	}
	if err := l.state.AuthorizationPut(auth); err != nil {
		return hash, err
	}
	return hash, nil
}

// Capture finalises amount of the escrowed funds in favour of the receiver,
// carving out the fee slice for the fee receiver. Captured value becomes
// refundable until the refund window closes.
func (l *Ledger) Capture(info PaymentInfo, amount *big.Int, feeBps uint16, feeReceiver [20]byte) error {
	auth, err := l.load(l.GetHash(info))
	if err != nil {
		return err
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return ErrZeroAmount
	}
	if amt.Cmp(auth.Capturable) > 0 {
		return ErrExceedsCapturable
	}
	if auth.AuthorizationExpiry > 0 && l.now() >= auth.AuthorizationExpiry {
		return ErrAuthorizationExpired
	}
	if feeBps > 10_000 {
		return fmt.Errorf("%w: %d", ErrFeeOutOfRange, feeBps)
	}
	fee := new(big.Int).Mul(amt, new(big.Int).SetUint64(uint64(feeBps)))
	fee.Div(fee, big.NewInt(10_000))
	payout := new(big.Int).Sub(amt, fee)
	vault := l.TokenStore(auth.Operator)
	if payout.Sign() > 0 {
		if err := l.transfer(vault, auth.Receiver, auth.Token, payout); err != nil {
			return err
		}
	}
	if fee.Sign() > 0 {
		if err := l.transfer(vault, feeReceiver, auth.Token, fee); err != nil {
			return err
		}
	}
	auth.Capturable = new(big.Int).Sub(auth.Capturable, amt)
	auth.Refundable = new(big.Int).Add(auth.Refundable, amt)
	auth.Collected = true
	return l.state.AuthorizationPut(auth)
}

// PartialVoid returns amount of the still-escrowed funds to the original
// payer.
func (l *Ledger) PartialVoid(info PaymentInfo, amount *big.Int) error {
	auth, err := l.load(l.GetHash(info))
	if err != nil {
		return err
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return ErrZeroAmount
	}
	if amt.Cmp(auth.Capturable) > 0 {
		return ErrExceedsCapturable
	}
	vault := l.TokenStore(auth.Operator)
	if err := l.transfer(vault, auth.Payer, auth.Token, amt); err != nil {
		return err
	}
	auth.Capturable = new(big.Int).Sub(auth.Capturable, amt)
	return l.state.AuthorizationPut(auth)
}

// Void cancels the authorization, returning every remaining escrowed unit to
// the payer.
func (l *Ledger) Void(info PaymentInfo) error {
	auth, err := l.load(l.GetHash(info))
	if err != nil {
		return err
	}
	remaining := cloneBigInt(auth.Capturable)
	if remaining.Sign() > 0 {
		vault := l.TokenStore(auth.Operator)
		if err := l.transfer(vault, auth.Payer, auth.Token, remaining); err != nil {
			return err
		}
	}
	auth.Capturable = big.NewInt(0)
	return l.state.AuthorizationPut(auth)
}

// Refund returns amount of previously captured funds from the receiver back
// to the payer. The refund window is enforced here; the operator layer
// enforces who may trigger it.
func (l *Ledger) Refund(info PaymentInfo, amount *big.Int) error {
	auth, err := l.load(l.GetHash(info))
	if err != nil {
		return err
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return ErrZeroAmount
	}
	if amt.Cmp(auth.Refundable) > 0 {
		return ErrExceedsRefundable
	}
	if auth.RefundExpiry > 0 && l.now() >= auth.RefundExpiry {
		return ErrRefundExpired
	}
	if err := l.transfer(auth.Receiver, auth.Payer, auth.Token, amt); err != nil {
		return err
	}
	auth.Refundable = new(big.Int).Sub(auth.Refundable, amt)
	return l.state.AuthorizationPut(auth)
}

// PaymentState reports the ledger view of a payment hash.
func (l *Ledger) PaymentState(hash [32]byte) (PaymentState, error) {
	auth, err := l.load(hash)
	if err != nil {
		return PaymentState{}, err
	}
	return PaymentState{
		Collected:  auth.Collected,
		Capturable: cloneBigInt(auth.Capturable),
		Refundable: cloneBigInt(auth.Refundable),
	}, nil
}
