// Package state persists escrow records, custodial holdings and party
// balances on top of a generic key-value store. It is the storage
// collaborator the ledger engine depends on: it guarantees create-if-absent
// uniqueness per contract reference, single-writer serialization per record,
// and all-or-nothing holding transfers.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"escrowd/ledger"
	"escrowd/storage"
)

// ErrInsufficientBalance is returned when a party balance cannot cover a
// requested deposit into a holding.
var ErrInsufficientBalance = errors.New("state: insufficient party balance")

var (
	recordPrefix  = []byte("escrowd/record/")
	holdingPrefix = []byte("escrowd/holding/")
	accountPrefix = []byte("escrowd/account/")
)

const lockStripes = 64

// Manager implements the ledger engine's state interface over a
// storage.Database. Record addresses are derived from the contract reference
// by hashing, so the reference is the only handle a caller ever needs.
type Manager struct {
	db storage.Database

	// balanceMu serializes every balance-affecting mutation so a holding
	// transfer is observed as a single step.
	balanceMu sync.Mutex

	recordLocks [lockStripes]sync.Mutex
}

// NewManager wraps the supplied database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

func recordKey(ref ledger.ContractRef) []byte {
	return ethcrypto.Keccak256(recordPrefix, ref[:])
}

func holdingKey(ref ledger.ContractRef) []byte {
	return ethcrypto.Keccak256(holdingPrefix, ref[:])
}

func accountKey(p ledger.PartyID) []byte {
	return ethcrypto.Keccak256(accountPrefix, p[:])
}

// WithRecordLock runs fn while holding the write lock for the contract
// reference. Callers performing a mutating ledger operation wrap it in this
// to get the per-record single-writer guarantee the engine assumes.
func (m *Manager) WithRecordLock(ref ledger.ContractRef, fn func() error) error {
	stripe := &m.recordLocks[recordKey(ref)[0]%lockStripes]
	stripe.Lock()
	defer stripe.Unlock()
	return fn()
}

// RecordCreate persists a new record, failing when one already exists for the
// same contract reference.
func (m *Manager) RecordCreate(rec *ledger.EscrowRecord) error {
	sanitized, err := ledger.SanitizeRecord(rec)
	if err != nil {
		return err
	}
	key := recordKey(sanitized.ContractRef)
	exists, err := m.db.Has(key)
	if err != nil {
		return err
	}
	if exists {
		return ledger.ErrRecordExists
	}
	return m.writeRecord(key, sanitized)
}

// RecordPut persists the record, overwriting any previous version.
func (m *Manager) RecordPut(rec *ledger.EscrowRecord) error {
	sanitized, err := ledger.SanitizeRecord(rec)
	if err != nil {
		return err
	}
	return m.writeRecord(recordKey(sanitized.ContractRef), sanitized)
}

func (m *Manager) writeRecord(key []byte, rec *ledger.EscrowRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("state: encode record: %w", err)
	}
	return m.db.Put(key, raw)
}

// RecordGet loads the record for the reference. The snapshot is a private
// copy; mutating it does not affect stored state until RecordPut.
func (m *Manager) RecordGet(ref ledger.ContractRef) (*ledger.EscrowRecord, bool) {
	raw, err := m.db.Get(recordKey(ref))
	if err != nil {
		return nil, false
	}
	rec := new(ledger.EscrowRecord)
	if err := json.Unmarshal(raw, rec); err != nil {
		return nil, false
	}
	return rec, true
}

// RecordDelete removes the record and its holding entry. Any residual
// holding balance is returned to the supplied party before deletion so value
// can never be destroyed by record destruction.
func (m *Manager) RecordDelete(ref ledger.ContractRef, residualTo ledger.PartyID) error {
	m.balanceMu.Lock()
	defer m.balanceMu.Unlock()
	residual, err := m.holdingBalanceLocked(ref)
	if err != nil {
		return err
	}
	if residual > 0 {
		if err := m.adjustAccountLocked(residualTo, residual, true); err != nil {
			return err
		}
	}
	if err := m.db.Delete(holdingKey(ref)); err != nil {
		return err
	}
	return m.db.Delete(recordKey(ref))
}

// HoldingDeposit moves amount from the party's balance into the record's
// custodial holding. The transfer either fully succeeds or leaves both
// balances untouched.
func (m *Manager) HoldingDeposit(ref ledger.ContractRef, from ledger.PartyID, amount uint64) error {
	if amount == 0 {
		return nil
	}
	m.balanceMu.Lock()
	defer m.balanceMu.Unlock()
	balance, err := m.accountBalanceLocked(from)
	if err != nil {
		return err
	}
	if balance < amount {
		return ErrInsufficientBalance
	}
	holding, err := m.holdingBalanceLocked(ref)
	if err != nil {
		return err
	}
	if holding > ^uint64(0)-amount {
		return ledger.ErrOverflow
	}
	if err := m.writeAccountLocked(from, balance-amount); err != nil {
		return err
	}
	return m.writeHoldingLocked(ref, holding+amount)
}

// HoldingWithdraw moves amount from the record's holding to the party's
// balance, failing closed when the holding cannot cover it.
func (m *Manager) HoldingWithdraw(ref ledger.ContractRef, to ledger.PartyID, amount uint64) error {
	if amount == 0 {
		return nil
	}
	m.balanceMu.Lock()
	defer m.balanceMu.Unlock()
	holding, err := m.holdingBalanceLocked(ref)
	if err != nil {
		return err
	}
	if holding < amount {
		return ledger.ErrInsufficientFunds
	}
	balance, err := m.accountBalanceLocked(to)
	if err != nil {
		return err
	}
	if balance > ^uint64(0)-amount {
		return ledger.ErrOverflow
	}
	if err := m.writeHoldingLocked(ref, holding-amount); err != nil {
		return err
	}
	return m.writeAccountLocked(to, balance+amount)
}

// HoldingBalance returns the custodial balance backing the record.
func (m *Manager) HoldingBalance(ref ledger.ContractRef) (uint64, error) {
	m.balanceMu.Lock()
	defer m.balanceMu.Unlock()
	return m.holdingBalanceLocked(ref)
}

// AccountBalance returns the free balance held for a party.
func (m *Manager) AccountBalance(p ledger.PartyID) (uint64, error) {
	m.balanceMu.Lock()
	defer m.balanceMu.Unlock()
	return m.accountBalanceLocked(p)
}

// AccountCredit adds amount to a party's free balance. This is the entry
// point for value arriving from outside the ledger (settlement rails, test
// fixtures); the engine itself never mints.
func (m *Manager) AccountCredit(p ledger.PartyID, amount uint64) error {
	m.balanceMu.Lock()
	defer m.balanceMu.Unlock()
	return m.adjustAccountLocked(p, amount, true)
}

type account struct {
	Balance uint64 `json:"balance"`
}

func (m *Manager) accountBalanceLocked(p ledger.PartyID) (uint64, error) {
	raw, err := m.db.Get(accountKey(p))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var acc account
	if err := json.Unmarshal(raw, &acc); err != nil {
		return 0, fmt.Errorf("state: decode account: %w", err)
	}
	return acc.Balance, nil
}

func (m *Manager) writeAccountLocked(p ledger.PartyID, balance uint64) error {
	raw, err := json.Marshal(account{Balance: balance})
	if err != nil {
		return err
	}
	return m.db.Put(accountKey(p), raw)
}

func (m *Manager) adjustAccountLocked(p ledger.PartyID, amount uint64, credit bool) error {
	balance, err := m.accountBalanceLocked(p)
	if err != nil {
		return err
	}
	if credit {
		if balance > ^uint64(0)-amount {
			return ledger.ErrOverflow
		}
		return m.writeAccountLocked(p, balance+amount)
	}
	if balance < amount {
		return ErrInsufficientBalance
	}
	return m.writeAccountLocked(p, balance-amount)
}

func (m *Manager) holdingBalanceLocked(ref ledger.ContractRef) (uint64, error) {
	raw, err := m.db.Get(holdingKey(ref))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var acc account
	if err := json.Unmarshal(raw, &acc); err != nil {
		return 0, fmt.Errorf("state: decode holding: %w", err)
	}
	return acc.Balance, nil
}

func (m *Manager) writeHoldingLocked(ref ledger.ContractRef, balance uint64) error {
	raw, err := json.Marshal(account{Balance: balance})
	if err != nil {
		return err
	}
	return m.db.Put(holdingKey(ref), raw)
}
