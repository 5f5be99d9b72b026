package operator

import (
	"errors"
	"fmt"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"custodia/core/events"
	"custodia/native/escrow"
	"custodia/native/fees"
)

var ErrUnknownOperator = errors.New("operator: no instance deployed at address")

// DeployedOperator is the persisted registration of one minted instance so a
// restarted service can reconstruct its factory registry.
type DeployedOperator struct {
	Address    [20]byte
	Policy     Policy
	DeployedAt int64
}

// factoryState is the persistence surface the factory needs beyond the engine
// state it hands to minted instances.
type factoryState interface {
	engineState
	OperatorPut(*DeployedOperator) error
	OperatorList() ([]*DeployedOperator, error)
}

// Factory mints one operator instance per unique policy and memoizes the
// result: deploying the same policy twice returns the same instance. Instance
// addresses are a pure function of the factory address and the policy digest,
// so a signer can commit to an operator address before it exists. Every
// instance shares the factory's fee configuration and owner, centralizing
// fee-policy control under one administrator.
type Factory struct {
	addr        [20]byte
	owner       [20]byte
	feeCfg      fees.Config
	toggleDelay int64

	ledger  *escrow.Ledger
	state   factoryState
	emitter events.Emitter
	nowFn   func() int64

	mu     sync.Mutex
	byKey  map[[32]byte]*Engine
	byAddr map[[20]byte]*Engine
}

// NewFactory constructs a factory rooted at the supplied address. The fee
// configuration is validated once here and seeds every minted instance.
func NewFactory(addr, owner [20]byte, feeCfg fees.Config, toggleDelay int64) (*Factory, error) {
	if addr == ([20]byte{}) || owner == ([20]byte{}) {
		return nil, fmt.Errorf("%w: factory or owner", ErrZeroAddress)
	}
	if err := feeCfg.Validate(); err != nil {
		return nil, err
	}
	if toggleDelay <= 0 {
		return nil, fees.ErrZeroToggleDelay
	}
	return &Factory{
		addr:        addr,
		owner:       owner,
		feeCfg:      feeCfg,
		toggleDelay: toggleDelay,
		emitter:     events.NoopEmitter{},
		nowFn:       func() int64 { return time.Now().Unix() },
		byKey:       make(map[[32]byte]*Engine),
		byAddr:      make(map[[20]byte]*Engine),
	}, nil
}

// SetState configures the persistence backend shared by the factory and every
// minted instance.
func (f *Factory) SetState(state factoryState) { f.state = state }

// SetLedger configures the escrow ledger handed to minted instances.
func (f *Factory) SetLedger(ledger *escrow.Ledger) { f.ledger = ledger }

// SetEmitter configures the event emitter shared with minted instances.
func (f *Factory) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		f.emitter = events.NoopEmitter{}
		return
	}
	f.emitter = emitter
}

// SetNowFunc overrides the time source, propagated to minted instances.
func (f *Factory) SetNowFunc(now func() int64) {
	if now == nil {
		f.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	f.nowFn = now
}

// Address returns the factory's own address, a hashing input for every
// instance address it mints.
func (f *Factory) Address() [20]byte { return f.addr }

// Owner returns the administrator every minted instance inherits.
func (f *Factory) Owner() [20]byte { return f.owner }

// InstanceAddress derives the deterministic address an instance for the
// policy will live at, whether or not it has been deployed yet.
func (f *Factory) InstanceAddress(policy Policy) [20]byte {
	digest := policy.Digest()
	sum := ethcrypto.Keccak256(f.addr[:], digest[:])
	var addr [20]byte
	copy(addr[:], sum[12:])
	return addr
}

// Deploy returns the instance for the policy, constructing and registering it
// on first use. Deploying an already-deployed policy returns the existing
// instance unchanged.
func (f *Factory) Deploy(policy Policy) (*Engine, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if f.state == nil {
		return nil, ErrNilState
	}
	if f.ledger == nil {
		return nil, ErrNilLedger
	}
	key := policy.Digest()

	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.byKey[key]; ok {
		return existing, nil
	}
	engine, err := f.build(policy)
	if err != nil {
		return nil, err
	}
	deployed := &DeployedOperator{Address: engine.Address(), Policy: policy, DeployedAt: f.nowFn()}
	if err := f.state.OperatorPut(deployed); err != nil {
		return nil, err
	}
	f.byKey[key] = engine
	f.byAddr[engine.Address()] = engine
	f.emitter.Emit(operatorEvent{evt: newOperatorDeployedEvent(engine.Address(), policy)})
	return engine, nil
}

// Instance returns the deployed instance for the policy, if any.
func (f *Factory) Instance(policy Policy) (*Engine, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	engine, ok := f.byKey[policy.Digest()]
	return engine, ok
}

// InstanceAt returns the deployed instance living at the address.
func (f *Factory) InstanceAt(addr [20]byte) (*Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	engine, ok := f.byAddr[addr]
	if !ok {
		return nil, ErrUnknownOperator
	}
	return engine, nil
}

// Instances returns every deployed instance in no particular order.
func (f *Factory) Instances() []*Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	instances := make([]*Engine, 0, len(f.byAddr))
	for _, engine := range f.byAddr {
		instances = append(instances, engine)
	}
	return instances
}

// Payment loads an authorization record by hash from the shared state,
// regardless of which instance created it.
func (f *Factory) Payment(hash [32]byte) (*AuthorizationRecord, error) {
	if f.state == nil {
		return nil, ErrNilState
	}
	record, ok, err := f.state.PaymentGet(hash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return record, nil
}

// PaymentsByParty lists payment hashes recorded under the named index for the
// party, across all instances.
func (f *Factory) PaymentsByParty(index string, party [20]byte) ([][32]byte, error) {
	if f.state == nil {
		return nil, ErrNilState
	}
	return f.state.PaymentIndexList(index, party)
}

// Restore reconstructs the in-memory registry from persisted registrations.
// Called once at startup before the factory serves traffic.
func (f *Factory) Restore() error {
	if f.state == nil {
		return ErrNilState
	}
	deployed, err := f.state.OperatorList()
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, reg := range deployed {
		if reg == nil {
			continue
		}
		key := reg.Policy.Digest()
		if _, ok := f.byKey[key]; ok {
			continue
		}
		engine, err := f.build(reg.Policy)
		if err != nil {
			return fmt.Errorf("operator: restore instance %x: %w", reg.Address, err)
		}
		f.byKey[key] = engine
		f.byAddr[engine.Address()] = engine
	}
	return nil
}

func (f *Factory) build(policy Policy) (*Engine, error) {
	engine, err := NewEngine(f.InstanceAddress(policy), f.owner, policy, f.feeCfg, f.toggleDelay)
	if err != nil {
		return nil, err
	}
	engine.SetState(f.state)
	engine.SetLedger(f.ledger)
	engine.SetEmitter(f.emitter)
	engine.SetNowFunc(f.nowFn)
	if f.state != nil {
		feeState, ok, err := f.state.FeeStateGet(engine.Address())
		if err != nil {
			return nil, err
		}
		if ok {
			engine.restoreFeeState(feeState)
		}
	}
	return engine, nil
}
