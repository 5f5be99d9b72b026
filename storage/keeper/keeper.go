package keeper

import (
	"encoding/json"
	"fmt"
	"sync"

	"custodia/core/types"
	"custodia/native/escrow"
	"custodia/native/operator"
	"custodia/storage"
)

const (
	prefixPayment  = "payment/"
	prefixAuth     = "auth/"
	prefixAccount  = "account/"
	prefixIndex    = "index/"
	prefixFeeState = "feestate/"
	keyOperators   = "operators"
)

// Keeper persists operator bookkeeping, ledger authorizations, and account
// balances in a key-value database. It satisfies the state interfaces of both
// the operator engine/factory and the escrow ledger.
type Keeper struct {
	mu sync.Mutex
	db storage.Database
}

// New wraps the supplied database.
func New(db storage.Database) *Keeper {
	return &Keeper{db: db}
}

func paymentKey(hash [32]byte) []byte {
	return []byte(prefixPayment + encodeHash(hash))
}

func authKey(hash [32]byte) []byte {
	return []byte(prefixAuth + encodeHash(hash))
}

func accountKey(addr [20]byte) []byte {
	return []byte(prefixAccount + encodeAddress(addr))
}

func indexKey(index string, party [20]byte) []byte {
	return []byte(prefixIndex + index + "/" + encodeAddress(party))
}

func (k *Keeper) putJSON(key []byte, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("keeper: encode %s: %w", key, err)
	}
	return k.db.Put(key, raw)
}

func (k *Keeper) getJSON(key []byte, out any) (bool, error) {
	ok, err := k.db.Has(key)
	if err != nil || !ok {
		return false, err
	}
	raw, err := k.db.Get(key)
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("keeper: decode %s: %w", key, err)
	}
	return true, nil
}

// PaymentPut persists an operator authorization record.
func (k *Keeper) PaymentPut(record *operator.AuthorizationRecord) error {
	if record == nil {
		return fmt.Errorf("keeper: nil payment record")
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.putJSON(paymentKey(record.Hash), encodePayment(record))
}

// PaymentGet loads an operator authorization record by hash.
func (k *Keeper) PaymentGet(hash [32]byte) (*operator.AuthorizationRecord, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	var stored storedPayment
	ok, err := k.getJSON(paymentKey(hash), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	record, err := decodePayment(stored)
	if err != nil {
		return nil, false, err
	}
	return record, true, nil
}

// PaymentIndexAppend appends a hash to the party-keyed index list. Order is
// insertion order.
func (k *Keeper) PaymentIndexAppend(index string, party [20]byte, hash [32]byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	key := indexKey(index, party)
	var hashes []string
	if _, err := k.getJSON(key, &hashes); err != nil {
		return err
	}
	hashes = append(hashes, encodeHash(hash))
	return k.putJSON(key, hashes)
}

// PaymentIndexList returns the hashes recorded for a party in insertion
// order.
func (k *Keeper) PaymentIndexList(index string, party [20]byte) ([][32]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	var hashes []string
	if _, err := k.getJSON(indexKey(index, party), &hashes); err != nil {
		return nil, err
	}
	decoded := make([][32]byte, 0, len(hashes))
	for _, encoded := range hashes {
		hash, err := decodeHash(encoded)
		if err != nil {
			return nil, err
		}
		decoded = append(decoded, hash)
	}
	return decoded, nil
}

// AuthorizationPut persists a ledger-side authorization.
func (k *Keeper) AuthorizationPut(auth *escrow.Authorization) error {
	if auth == nil {
		return fmt.Errorf("keeper: nil authorization")
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.putJSON(authKey(auth.Hash), encodeAuthorization(auth))
}

// AuthorizationGet loads a ledger-side authorization by hash.
func (k *Keeper) AuthorizationGet(hash [32]byte) (*escrow.Authorization, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	var stored storedAuthorization
	ok, err := k.getJSON(authKey(hash), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	auth, err := decodeAuthorization(stored)
	if err != nil {
		return nil, false, err
	}
	return auth, true, nil
}

// GetAccount loads the balances held by an address. Unknown addresses yield
// an empty account.
func (k *Keeper) GetAccount(addr [20]byte) (*types.Account, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	var stored storedAccount
	ok, err := k.getJSON(accountKey(addr), &stored)
	if err != nil {
		return nil, err
	}
	account := types.NewAccount()
	if !ok {
		return account, nil
	}
	for token, encoded := range stored.Balances {
		balance, err := decodeBig(encoded)
		if err != nil {
			return nil, err
		}
		account.Balances[token] = balance
	}
	return account, nil
}

// PutAccount persists the balances held by an address.
func (k *Keeper) PutAccount(addr [20]byte, account *types.Account) error {
	if account == nil {
		return fmt.Errorf("keeper: nil account")
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	stored := storedAccount{Balances: make(map[string]string, len(account.Balances))}
	for token, balance := range account.Balances {
		stored.Balances[token] = encodeBig(balance)
	}
	return k.putJSON(accountKey(addr), stored)
}

func feeStateKey(addr [20]byte) []byte {
	return []byte(prefixFeeState + encodeAddress(addr))
}

// FeeStatePut persists the mutable fee state of an operator instance.
func (k *Keeper) FeeStatePut(operatorAddr [20]byte, state operator.FeeState) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.putJSON(feeStateKey(operatorAddr), encodeFeeState(state))
}

// FeeStateGet loads the persisted fee state of an operator instance, if one
// has been written.
func (k *Keeper) FeeStateGet(operatorAddr [20]byte) (operator.FeeState, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	var stored storedFeeState
	ok, err := k.getJSON(feeStateKey(operatorAddr), &stored)
	if err != nil || !ok {
		return operator.FeeState{}, false, err
	}
	return decodeFeeState(stored), true, nil
}

// OperatorPut appends a deployed-operator registration.
func (k *Keeper) OperatorPut(deployed *operator.DeployedOperator) error {
	if deployed == nil {
		return fmt.Errorf("keeper: nil operator registration")
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	var stored []storedOperator
	if _, err := k.getJSON([]byte(keyOperators), &stored); err != nil {
		return err
	}
	stored = append(stored, encodeOperator(deployed))
	return k.putJSON([]byte(keyOperators), stored)
}

// OperatorList returns every persisted operator registration in deployment
// order.
func (k *Keeper) OperatorList() ([]*operator.DeployedOperator, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	var stored []storedOperator
	if _, err := k.getJSON([]byte(keyOperators), &stored); err != nil {
		return nil, err
	}
	deployed := make([]*operator.DeployedOperator, 0, len(stored))
	for _, entry := range stored {
		reg, err := decodeOperator(entry)
		if err != nil {
			return nil, err
		}
		deployed = append(deployed, reg)
	}
	return deployed, nil
}
