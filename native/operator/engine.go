package operator

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"custodia/core/events"
	"custodia/core/types"
	"custodia/native/escrow"
	"custodia/native/fees"
)

var (
	ErrNilState            = errors.New("operator: engine state not configured")
	ErrNilLedger           = errors.New("operator: escrow ledger not configured")
	ErrZeroAddress         = errors.New("operator: zero address for required role")
	ErrZeroAmount          = errors.New("operator: amount must be positive")
	ErrZeroPeriod          = errors.New("operator: policy period must be positive")
	ErrPolicyNotRegistered = errors.New("operator: no arbiter policy registered")
	ErrDuplicatePayment    = errors.New("operator: payment already authorized")
	ErrExceedsRemaining    = errors.New("operator: amount exceeds remaining escrowed balance")
	ErrExceedsCaptured     = errors.New("operator: amount exceeds refundable captured balance")
	ErrReleaseNotReady     = errors.New("operator: escrow delay has not elapsed")
	ErrNothingCaptured     = errors.New("operator: nothing has been captured yet")
	ErrAlreadySettling     = errors.New("operator: capture or refund already recorded")
)

// Policy is the immutable arbitration configuration of one operator instance.
// Committing to an operator address at signing time commits to this entire
// policy.
type Policy struct {
	Arbiter             [20]byte
	EscrowDelay         int64
	AuthorizationWindow int64
	RefundWindow        int64
}

// Validate rejects policies that cannot safely govern payments.
func (p Policy) Validate() error {
	if p.Arbiter == ([20]byte{}) {
		return fmt.Errorf("%w: arbiter", ErrZeroAddress)
	}
	if p.EscrowDelay <= 0 || p.AuthorizationWindow <= 0 || p.RefundWindow <= 0 {
		return ErrZeroPeriod
	}
	return nil
}

// Digest returns the canonical digest of the policy, used as the factory's
// policy key.
func (p Policy) Digest() [32]byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, "custodia/policy/v1"...)
	buf = append(buf, p.Arbiter[:]...)
	for _, v := range []int64{p.EscrowDelay, p.AuthorizationWindow, p.RefundWindow} {
		var scratch [8]byte
		for i := 0; i < 8; i++ {
			scratch[7-i] = byte(v >> (8 * i))
		}
		buf = append(buf, scratch[:]...)
	}
	return ethcrypto.Keccak256Hash(buf)
}

// Index names for the party-keyed payment hash indexes.
const (
	IndexPayer    = "payer"
	IndexReceiver = "receiver"
)

// engineState is the persistence surface required by the engine. It is
// satisfied by storage/keeper and by in-memory mocks in tests.
type engineState interface {
	PaymentPut(*AuthorizationRecord) error
	PaymentGet(hash [32]byte) (*AuthorizationRecord, bool, error)
	PaymentIndexAppend(index string, party [20]byte, hash [32]byte) error
	PaymentIndexList(index string, party [20]byte) ([][32]byte, error)
	FeeStatePut(operator [20]byte, state FeeState) error
	FeeStateGet(operator [20]byte) (FeeState, bool, error)
}

// FeeState is the persisted mutable fee configuration of one instance: the
// current fees-enabled flag plus any pending timelocked change. Everything
// else in the fee config is immutable and reconstructed from the factory.
type FeeState struct {
	FeesEnabled    bool
	ToggleQueued   bool
	ToggleEnabled  bool
	ToggleQueuedAt int64
}

type operatorEvent struct {
	evt *types.Event
}

func (o operatorEvent) EventType() string {
	if o.evt == nil {
		return ""
	}
	return o.evt.Type
}

func (o operatorEvent) Event() *types.Event { return o.evt }

// hashLocks serialises state transitions per payment hash. Transitions on
// different hashes proceed independently.
type hashLocks struct {
	mu    sync.Mutex
	locks map[[32]byte]*sync.Mutex
}

func (h *hashLocks) acquire(hash [32]byte) *sync.Mutex {
	h.mu.Lock()
	if h.locks == nil {
		h.locks = make(map[[32]byte]*sync.Mutex)
	}
	lock, ok := h.locks[hash]
	if !ok {
		lock = &sync.Mutex{}
		h.locks[hash] = lock
	}
	h.mu.Unlock()
	lock.Lock()
	return lock
}

// Engine is one deployed operator instance: the state machine wrapping the
// escrow ledger with arbitration, timed release, partial refunds, and
// fee-splitting under a fixed policy. All value movement is delegated to the
// ledger; the engine itself only ever accrues fee balances at its own address
// between distributions.
type Engine struct {
	addr   [20]byte
	owner  [20]byte
	policy Policy

	feeMu  sync.RWMutex
	feeCfg fees.Config
	toggle *fees.Toggle

	state   engineState
	ledger  *escrow.Ledger
	emitter events.Emitter
	nowFn   func() int64
	locks   hashLocks
}

// NewEngine constructs an operator instance bound to the supplied policy and
// fee configuration. The toggle delay governs the timelock on fee-enablement
// changes.
func NewEngine(addr, owner [20]byte, policy Policy, feeCfg fees.Config, toggleDelay int64) (*Engine, error) {
	if addr == ([20]byte{}) || owner == ([20]byte{}) {
		return nil, fmt.Errorf("%w: operator or owner", ErrZeroAddress)
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if err := feeCfg.Validate(); err != nil {
		return nil, err
	}
	toggle, err := fees.NewToggle(toggleDelay)
	if err != nil {
		return nil, err
	}
	return &Engine{
		addr:    addr,
		owner:   owner,
		policy:  policy,
		feeCfg:  feeCfg,
		toggle:  toggle,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}, nil
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetLedger configures the escrow ledger the engine delegates fund movement to.
func (e *Engine) SetLedger(ledger *escrow.Ledger) { e.ledger = ledger }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op
// implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// Address returns the instance address payments must commit to.
func (e *Engine) Address() [20]byte { return e.addr }

// Owner returns the administrator of this instance's fee configuration.
func (e *Engine) Owner() [20]byte { return e.owner }

// Arbiter returns the arbiter address fixed by the instance policy.
func (e *Engine) Arbiter() [20]byte { return e.policy.Arbiter }

// Policy returns the instance policy.
func (e *Engine) Policy() Policy { return e.policy }

// FeeConfig returns a snapshot of the current fee configuration.
func (e *Engine) FeeConfig() fees.Config {
	e.feeMu.RLock()
	defer e.feeMu.RUnlock()
	return e.feeCfg
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) emit(evt *types.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(operatorEvent{evt: evt})
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if e.ledger == nil {
		return ErrNilLedger
	}
	return nil
}

func (e *Engine) loadPayment(hash [32]byte) (*AuthorizationRecord, error) {
	record, ok, err := e.state.PaymentGet(hash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrPaymentNotFound
	}
	if err := requireExists(record); err != nil {
		return nil, err
	}
	return record, nil
}

// persistFeeState writes the mutable fee state under the instance address.
// Callers hold feeMu.
func (e *Engine) persistFeeState() error {
	queued, enabled, queuedAt := e.toggle.Pending()
	return e.state.FeeStatePut(e.addr, FeeState{
		FeesEnabled:    e.feeCfg.FeesEnabled,
		ToggleQueued:   queued,
		ToggleEnabled:  enabled,
		ToggleQueuedAt: queuedAt,
	})
}

// restoreFeeState reapplies a persisted fee state to a freshly constructed
// instance.
func (e *Engine) restoreFeeState(state FeeState) {
	e.feeMu.Lock()
	defer e.feeMu.Unlock()
	e.feeCfg.FeesEnabled = state.FeesEnabled
	e.toggle.Restore(state.ToggleQueued, state.ToggleEnabled, state.ToggleQueuedAt)
}

// normalize pins every policy-controlled field of the payment info to this
// instance's configuration so a payer cannot specify a different fee split or
// expiry schedule than the policy allows.
func (e *Engine) normalize(info escrow.PaymentInfo, now int64) escrow.PaymentInfo {
	normalized := info.Clone()
	rate := uint16(e.FeeConfig().MaxTotalFeeRate)
	normalized.MinFeeBps = rate
	normalized.MaxFeeBps = rate
	normalized.FeeReceiver = e.addr
	normalized.AuthorizationExpiry = now + e.policy.AuthorizationWindow
	normalized.RefundExpiry = now + e.policy.AuthorizationWindow + e.policy.RefundWindow
	return normalized
}

// Authorize validates the payment intent against this instance's policy,
// normalizes the policy-controlled fields, forwards the pull to the escrow
// ledger, and records the authorization. The returned record carries the
// canonical hash used by every later transition.
func (e *Engine) Authorize(info escrow.PaymentInfo, amount *big.Int, collector [20]byte, collectorData []byte) (*AuthorizationRecord, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if info.Operator != e.addr {
		return nil, ErrOperatorMismatch
	}
	if info.Payer == ([20]byte{}) {
		return nil, fmt.Errorf("%w: payer", ErrZeroAddress)
	}
	if info.Receiver == ([20]byte{}) {
		return nil, fmt.Errorf("%w: receiver", ErrZeroAddress)
	}
	if e.policy.Arbiter == ([20]byte{}) {
		return nil, ErrPolicyNotRegistered
	}
	amt := new(big.Int).Set(nonNil(amount))
	if amt.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	now := e.now()
	normalized := e.normalize(info, now)
	hash := e.ledger.GetHash(normalized)

	lock := e.locks.acquire(hash)
	defer lock.Unlock()

	if existing, ok, err := e.state.PaymentGet(hash); err != nil {
		return nil, err
	} else if ok && existing.Exists() {
		return nil, ErrDuplicatePayment
	}
	if _, err := e.ledger.Authorize(normalized, amt, collector, collectorData); err != nil {
		return nil, err
	}
	record := &AuthorizationRecord{
		Info:                normalized,
		Hash:                hash,
		AuthorizedAt:        now,
		Authorized:          amt,
		Captured:            big.NewInt(0),
		Refunded:            big.NewInt(0),
		RefundedPostCapture: big.NewInt(0),
	}
	if err := e.state.PaymentPut(record); err != nil {
		return nil, err
	}
	if err := e.state.PaymentIndexAppend(IndexPayer, normalized.Payer, hash); err != nil {
		return nil, err
	}
	if err := e.state.PaymentIndexAppend(IndexReceiver, normalized.Receiver, hash); err != nil {
		return nil, err
	}
	e.emit(newAuthorizedEvent(record))
	return record.Clone(), nil
}

// Release captures amount of the escrowed funds for the receiver once the
// escrow delay has elapsed. The fee slice accrues at the operator address for
// later distribution.
func (e *Engine) Release(caller [20]byte, hash [32]byte, amount *big.Int) error {
	return e.release(caller, hash, amount, false)
}

// EarlyRelease lets the payer bypass the escrow delay. The delay protects the
// payer, so the payer may always waive it; the effects are otherwise
// identical to Release.
func (e *Engine) EarlyRelease(caller [20]byte, hash [32]byte, amount *big.Int) error {
	return e.release(caller, hash, amount, true)
}

func (e *Engine) release(caller [20]byte, hash [32]byte, amount *big.Int, early bool) error {
	if err := e.ready(); err != nil {
		return err
	}
	lock := e.locks.acquire(hash)
	defer lock.Unlock()

	record, err := e.loadPayment(hash)
	if err != nil {
		return err
	}
	if early {
		if err := requirePayer(record, caller); err != nil {
			return err
		}
	} else {
		if err := requireReceiver(record, caller); err != nil {
			return err
		}
		if e.now() < record.AuthorizedAt+e.policy.EscrowDelay {
			return fmt.Errorf("%w: ready at %d", ErrReleaseNotReady, record.AuthorizedAt+e.policy.EscrowDelay)
		}
	}
	amt := new(big.Int).Set(nonNil(amount))
	if amt.Sign() <= 0 {
		return ErrZeroAmount
	}
	if amt.Cmp(record.Remaining()) > 0 {
		return ErrExceedsRemaining
	}
	prev := record.Clone()
	record.Captured = new(big.Int).Add(record.Captured, amt)
	if err := e.state.PaymentPut(record); err != nil {
		return err
	}
	// The fee rate and receiver were pinned into the payment info at
	// authorize time; later config changes must not reach open payments.
	if err := e.ledger.Capture(record.Info, amt, record.Info.MaxFeeBps, record.Info.FeeReceiver); err != nil {
		if putErr := e.state.PaymentPut(prev); putErr != nil {
			return fmt.Errorf("%w (bookkeeping restore failed: %v)", err, putErr)
		}
		return err
	}
	if early {
		e.emit(newEarlyReleasedEvent(record, amt))
	} else {
		e.emit(newReleasedEvent(record, amt))
	}
	return nil
}

// RefundInEscrow returns amount of the still-escrowed funds to the original
// payer. Only the receiver or the arbiter may trigger it, and the arbiter can
// never redirect the refund anywhere but the payer recorded at authorize
// time.
func (e *Engine) RefundInEscrow(caller [20]byte, hash [32]byte, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	lock := e.locks.acquire(hash)
	defer lock.Unlock()

	record, err := e.loadPayment(hash)
	if err != nil {
		return err
	}
	if err := requireReceiverOrArbiter(record, e.policy.Arbiter, caller); err != nil {
		return err
	}
	amt := new(big.Int).Set(nonNil(amount))
	if amt.Sign() <= 0 {
		return ErrZeroAmount
	}
	if amt.Cmp(record.Remaining()) > 0 {
		return ErrExceedsRemaining
	}
	prev := record.Clone()
	record.Refunded = new(big.Int).Add(record.Refunded, amt)
	if err := e.state.PaymentPut(record); err != nil {
		return err
	}
	if err := e.ledger.PartialVoid(record.Info, amt); err != nil {
		if putErr := e.state.PaymentPut(prev); putErr != nil {
			return fmt.Errorf("%w (bookkeeping restore failed: %v)", err, putErr)
		}
		return err
	}
	e.emit(newRefundedEvent(record, amt))
	return nil
}

// RefundPostEscrow returns amount of previously captured funds to the payer.
// Once money has left escrow custody only the receiver may return it.
func (e *Engine) RefundPostEscrow(caller [20]byte, hash [32]byte, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	lock := e.locks.acquire(hash)
	defer lock.Unlock()

	record, err := e.loadPayment(hash)
	if err != nil {
		return err
	}
	if err := requireReceiver(record, caller); err != nil {
		return err
	}
	if nonNil(record.Captured).Sign() == 0 {
		return ErrNothingCaptured
	}
	amt := new(big.Int).Set(nonNil(amount))
	if amt.Sign() <= 0 {
		return ErrZeroAmount
	}
	if amt.Cmp(record.RefundablePostCapture()) > 0 {
		return ErrExceedsCaptured
	}
	prev := record.Clone()
	record.RefundedPostCapture = new(big.Int).Add(record.RefundedPostCapture, amt)
	if err := e.state.PaymentPut(record); err != nil {
		return err
	}
	if err := e.ledger.Refund(record.Info, amt); err != nil {
		if putErr := e.state.PaymentPut(prev); putErr != nil {
			return fmt.Errorf("%w (bookkeeping restore failed: %v)", err, putErr)
		}
		return err
	}
	e.emit(newRefundedPostEscrowEvent(record, amt))
	return nil
}

// Void cancels the authorization and returns all escrowed funds to the payer.
// It is legal only while nothing has been captured or refunded, and the payer
// may never void unilaterally: they already received the off-service benefit
// and must rely on the refund channels.
func (e *Engine) Void(caller [20]byte, hash [32]byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	lock := e.locks.acquire(hash)
	defer lock.Unlock()

	record, err := e.loadPayment(hash)
	if err != nil {
		return err
	}
	if err := requireReceiverOrArbiter(record, e.policy.Arbiter, caller); err != nil {
		return err
	}
	if nonNil(record.Captured).Sign() > 0 || nonNil(record.Refunded).Sign() > 0 {
		return ErrAlreadySettling
	}
	prev := record.Clone()
	record.Refunded = new(big.Int).Set(record.Authorized)
	record.VoidedAt = e.now()
	if err := e.state.PaymentPut(record); err != nil {
		return err
	}
	if err := e.ledger.Void(record.Info); err != nil {
		if putErr := e.state.PaymentPut(prev); putErr != nil {
			return fmt.Errorf("%w (bookkeeping restore failed: %v)", err, putErr)
		}
		return err
	}
	e.emit(newVoidedEvent(record))
	return nil
}

// DistributeFees splits the operator's accumulated fee balance for a token
// between the protocol recipient and the arbiter. The call is permissionless
// and degrades to a no-op when there is nothing to distribute.
func (e *Engine) DistributeFees(token string) (*big.Int, *big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, nil, err
	}
	balance, err := e.ledger.BalanceOf(e.addr, token)
	if err != nil {
		return nil, nil, err
	}
	if balance.Sign() == 0 {
		return big.NewInt(0), big.NewInt(0), nil
	}
	cfg := e.FeeConfig()
	split := fees.SplitPool(balance, cfg)
	if split.Protocol.Sign() > 0 {
		if err := e.ledger.Transfer(e.addr, cfg.ProtocolFeeRecipient, token, split.Protocol); err != nil {
			return nil, nil, err
		}
	}
	if split.Arbiter.Sign() > 0 {
		if err := e.ledger.Transfer(e.addr, e.policy.Arbiter, token, split.Arbiter); err != nil {
			// Pull the protocol share back so a failed distribution
			// leaves the pool whole.
			if split.Protocol.Sign() > 0 {
				if undoErr := e.ledger.Transfer(cfg.ProtocolFeeRecipient, e.addr, token, split.Protocol); undoErr != nil {
					return nil, nil, fmt.Errorf("%w (fee restore failed: %v)", err, undoErr)
				}
			}
			return nil, nil, err
		}
	}
	e.emit(newFeesDistributedEvent(e.addr, token, split))
	return split.Protocol, split.Arbiter, nil
}

// QueueFeesEnabled queues a timelocked change to the fees-enabled switch.
// Owner only.
func (e *Engine) QueueFeesEnabled(caller [20]byte, enabled bool) error {
	if err := requireOwner(e.owner, caller); err != nil {
		return err
	}
	if e.state == nil {
		return ErrNilState
	}
	e.feeMu.Lock()
	defer e.feeMu.Unlock()
	if err := e.toggle.Queue(enabled, e.now()); err != nil {
		return err
	}
	if err := e.persistFeeState(); err != nil {
		_ = e.toggle.Cancel()
		return err
	}
	e.emit(newFeeToggleEvent(eventTypeFeeToggleQueued, e.addr, enabled))
	return nil
}

// ExecuteFeesEnabled applies a queued fees-enabled change once the timelock
// delay has elapsed. Owner only.
func (e *Engine) ExecuteFeesEnabled(caller [20]byte) error {
	if err := requireOwner(e.owner, caller); err != nil {
		return err
	}
	if e.state == nil {
		return ErrNilState
	}
	e.feeMu.Lock()
	defer e.feeMu.Unlock()
	prevQueued, prevEnabled, prevAt := e.toggle.Pending()
	prevFees := e.feeCfg.FeesEnabled
	enabled, err := e.toggle.Execute(e.now())
	if err != nil {
		return err
	}
	e.feeCfg.FeesEnabled = enabled
	if err := e.persistFeeState(); err != nil {
		e.feeCfg.FeesEnabled = prevFees
		e.toggle.Restore(prevQueued, prevEnabled, prevAt)
		return err
	}
	e.emit(newFeeToggleEvent(eventTypeFeeToggleExecuted, e.addr, enabled))
	return nil
}

// CancelFeesEnabled drops a queued fees-enabled change. Owner only.
func (e *Engine) CancelFeesEnabled(caller [20]byte) error {
	if err := requireOwner(e.owner, caller); err != nil {
		return err
	}
	if e.state == nil {
		return ErrNilState
	}
	e.feeMu.Lock()
	defer e.feeMu.Unlock()
	prevQueued, prevEnabled, prevAt := e.toggle.Pending()
	if err := e.toggle.Cancel(); err != nil {
		return err
	}
	if err := e.persistFeeState(); err != nil {
		e.toggle.Restore(prevQueued, prevEnabled, prevAt)
		return err
	}
	e.emit(newFeeToggleEvent(eventTypeFeeToggleCancelled, e.addr, false))
	return nil
}

// PaymentExists reports whether an authorization record exists for the hash.
func (e *Engine) PaymentExists(hash [32]byte) (bool, error) {
	if e == nil || e.state == nil {
		return false, ErrNilState
	}
	record, ok, err := e.state.PaymentGet(hash)
	if err != nil {
		return false, err
	}
	return ok && record.Exists(), nil
}

// GetPayment returns a copy of the authorization record for the hash.
func (e *Engine) GetPayment(hash [32]byte) (*AuthorizationRecord, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	record, err := e.loadPayment(hash)
	if err != nil {
		return nil, err
	}
	return record.Clone(), nil
}

// PaymentsByPayer lists payment hashes authorized by the payer, in insertion
// order.
func (e *Engine) PaymentsByPayer(payer [20]byte) ([][32]byte, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	return e.state.PaymentIndexList(IndexPayer, payer)
}

// PaymentsByReceiver lists payment hashes naming the receiver, in insertion
// order.
func (e *Engine) PaymentsByReceiver(receiver [20]byte) ([][32]byte, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	return e.state.PaymentIndexList(IndexReceiver, receiver)
}
