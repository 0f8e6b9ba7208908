package ledger

import (
	"errors"
	"time"

	"escrowd/ledger/events"
)

var errNilState = errors.New("ledger: engine state not configured")

// engineState is the durable-state collaborator consumed by the engine. The
// implementation must guarantee create-if-absent uniqueness per contract
// reference, single-writer serialization per record, and all-or-nothing
// holding transfers; the engine performs no locking of its own.
type engineState interface {
	RecordCreate(*EscrowRecord) error
	RecordPut(*EscrowRecord) error
	RecordGet(ref ContractRef) (*EscrowRecord, bool)
	RecordDelete(ref ContractRef, residualTo PartyID) error

	// HoldingDeposit moves value from a party balance into the record's
	// custodial holding; HoldingWithdraw moves it back out. Both either fully
	// succeed or leave every balance untouched.
	HoldingDeposit(ref ContractRef, from PartyID, amount uint64) error
	HoldingWithdraw(ref ContractRef, to PartyID, amount uint64) error
	HoldingBalance(ref ContractRef) (uint64, error)
}

// Engine wires the escrow accounting rules to external state and event
// emission. All six transitions follow the same shape: validate every
// precondition, move value, update counters with checked arithmetic, derive
// the new status, persist, emit.
type Engine struct {
	state   engineState
	emitter events.Emitter
	nowFn   func() int64
}

// NewEngine creates an engine with a no-op emitter. Callers can override the
// emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op
// implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source. Primarily intended for tests to
// provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(evt *events.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(*evt)
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) loadRecord(ref ContractRef) (*EscrowRecord, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	rec, ok := e.state.RecordGet(ref)
	if !ok {
		return nil, ErrRecordNotFound
	}
	return rec, nil
}

func (e *Engine) storeRecord(rec *EscrowRecord) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.state.RecordPut(rec)
}

// Get returns a snapshot of the record for the supplied reference.
func (e *Engine) Get(ref ContractRef) (*EscrowRecord, error) {
	rec, err := e.loadRecord(ref)
	if err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

// Create allocates a new escrow record with all counters zero and status
// Created. The caller must already be verified as the payer identity.
// Uniqueness per contract reference is enforced by the state collaborator.
// A zero total is permitted; the total only drives status labeling.
func (e *Engine) Create(payer, payee PartyID, ref ContractRef, total uint64) (*EscrowRecord, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	now := e.now()
	rec := &EscrowRecord{
		PayerID:     payer,
		PayeeID:     payee,
		ContractRef: ref,
		TotalAmount: total,
		Status:      StatusCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.state.RecordCreate(rec); err != nil {
		return nil, err
	}
	e.emit(NewCreatedEvent(rec))
	return rec.Clone(), nil
}

// Fund moves amount from the payer into the custodial holding and bumps the
// funded counter. Funding is only permitted from Created or PartiallyFunded;
// a disputed record rejects further deposits until externally resolved.
func (e *Engine) Fund(caller PartyID, ref ContractRef, amount uint64) (*EscrowRecord, error) {
	rec, err := e.loadRecord(ref)
	if err != nil {
		return nil, err
	}
	if rec.PayerID != caller {
		return nil, ErrUnauthorizedPayer
	}
	if rec.Status != StatusCreated && rec.Status != StatusPartiallyFunded {
		return nil, ErrInvalidState
	}
	if amount == 0 {
		return nil, ErrInvalidAmount
	}
	funded, err := checkedAdd(rec.FundedAmount, amount)
	if err != nil {
		return nil, err
	}
	if err := e.state.HoldingDeposit(ref, rec.PayerID, amount); err != nil {
		return nil, err
	}
	rec.FundedAmount = funded
	if rec.FundedAmount >= rec.TotalAmount {
		rec.Status = StatusFullyFunded
	} else {
		rec.Status = StatusPartiallyFunded
	}
	rec.UpdatedAt = e.now()
	if err := e.storeRecord(rec); err != nil {
		return nil, err
	}
	e.emit(NewFundedEvent(rec, amount))
	return rec.Clone(), nil
}

// Release pays amount out of the holding to the payee. Release authority
// rests with the payer; the supplied payee identity is verified against the
// record as a defense against paying the wrong party. The milestone tag is an
// opaque correlation identifier carried into the emitted event, never
// validated for uniqueness or ordering.
func (e *Engine) Release(caller PartyID, ref ContractRef, payee PartyID, milestone ContractRef, amount uint64) (*EscrowRecord, error) {
	rec, err := e.loadRecord(ref)
	if err != nil {
		return nil, err
	}
	if rec.PayerID != caller {
		return nil, ErrUnauthorizedPayer
	}
	if rec.Status != StatusFullyFunded && rec.Status != StatusPartiallyReleased {
		return nil, ErrInvalidState
	}
	if rec.PayeeID != payee {
		return nil, ErrUnauthorizedPayee
	}
	if amount == 0 {
		return nil, ErrInvalidAmount
	}
	available, err := rec.Available()
	if err != nil {
		return nil, err
	}
	if amount > available {
		return nil, ErrInsufficientFunds
	}
	released, err := checkedAdd(rec.ReleasedAmount, amount)
	if err != nil {
		return nil, err
	}
	if err := e.state.HoldingWithdraw(ref, rec.PayeeID, amount); err != nil {
		return nil, err
	}
	rec.ReleasedAmount = released
	if available == amount {
		rec.Status = StatusFullyReleased
	} else {
		rec.Status = StatusPartiallyReleased
	}
	rec.UpdatedAt = e.now()
	if err := e.storeRecord(rec); err != nil {
		return nil, err
	}
	e.emit(NewReleasedEvent(rec, amount, milestone))
	return rec.Clone(), nil
}

// Refund returns amount from the holding to the payer. Unlike Fund and
// Release there is no status precondition: refund is the universal
// remediation path and remains available from Created and Disputed alike.
// The record is only relabeled Refunded when the holding is fully drained and
// nothing was ever released; a record that paid the payee anything keeps its
// prior status even when drained by refunds.
func (e *Engine) Refund(caller PartyID, ref ContractRef, amount uint64) (*EscrowRecord, error) {
	rec, err := e.loadRecord(ref)
	if err != nil {
		return nil, err
	}
	if rec.PayerID != caller {
		return nil, ErrUnauthorizedPayer
	}
	if amount == 0 {
		return nil, ErrInvalidAmount
	}
	available, err := rec.Available()
	if err != nil {
		return nil, err
	}
	if amount > available {
		return nil, ErrInsufficientFunds
	}
	refunded, err := checkedAdd(rec.RefundedAmount, amount)
	if err != nil {
		return nil, err
	}
	if err := e.state.HoldingWithdraw(ref, rec.PayerID, amount); err != nil {
		return nil, err
	}
	rec.RefundedAmount = refunded
	if available == amount && rec.ReleasedAmount == 0 {
		rec.Status = StatusRefunded
	}
	rec.UpdatedAt = e.now()
	if err := e.storeRecord(rec); err != nil {
		return nil, err
	}
	e.emit(NewRefundedEvent(rec, amount))
	return rec.Clone(), nil
}

// OpenDispute freezes the record. Either party may initiate; terminal and
// already-disputed records reject the transition. Counters are untouched.
// This is the one operation that sets status directly instead of deriving it.
func (e *Engine) OpenDispute(caller PartyID, ref ContractRef) (*EscrowRecord, error) {
	rec, err := e.loadRecord(ref)
	if err != nil {
		return nil, err
	}
	if caller != rec.PayerID && caller != rec.PayeeID {
		return nil, ErrUnauthorizedDisputeInitiator
	}
	if rec.Status == StatusDisputed || rec.Status.Terminal() {
		return nil, ErrInvalidState
	}
	rec.Status = StatusDisputed
	rec.UpdatedAt = e.now()
	if err := e.storeRecord(rec); err != nil {
		return nil, err
	}
	e.emit(NewDisputedEvent(rec, caller))
	return rec.Clone(), nil
}

// Destroy removes a terminal, fully drained record from durable storage. The
// holding balance is confirmed empty through the state collaborator rather
// than recomputed from counters. Any residual reservation backing the record
// is returned to the payer by the state layer.
func (e *Engine) Destroy(caller PartyID, ref ContractRef) error {
	rec, err := e.loadRecord(ref)
	if err != nil {
		return err
	}
	if rec.PayerID != caller {
		return ErrUnauthorizedPayer
	}
	if !rec.Status.Terminal() {
		return ErrInvalidState
	}
	balance, err := e.state.HoldingBalance(ref)
	if err != nil {
		return err
	}
	if balance != 0 {
		return ErrHoldingNotEmpty
	}
	if err := e.state.RecordDelete(ref, rec.PayerID); err != nil {
		return err
	}
	e.emit(NewDestroyedEvent(rec))
	return nil
}
