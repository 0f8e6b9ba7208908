package ledger

import "errors"

// Every failure below is a local validation failure: the first violated
// precondition is returned and no state changes occur. Value-affecting
// operations fail loudly rather than approximate.
var (
	// ErrUnauthorizedPayer is returned when the acting identity does not
	// match the record's payer.
	ErrUnauthorizedPayer = errors.New("ledger: caller is not the payer")
	// ErrUnauthorizedPayee is returned when the supplied payee identity does
	// not match the record's payee.
	ErrUnauthorizedPayee = errors.New("ledger: payee does not match record")
	// ErrUnauthorizedDisputeInitiator is returned when a dispute is opened by
	// an identity that is neither payer nor payee.
	ErrUnauthorizedDisputeInitiator = errors.New("ledger: caller may not open a dispute")
	// ErrInvalidState is returned when the operation is not permitted from
	// the record's current status.
	ErrInvalidState = errors.New("ledger: operation not permitted in current status")
	// ErrInvalidAmount is returned for zero amounts.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
	// ErrInsufficientFunds is returned when the requested movement exceeds
	// the available balance (funded minus released minus refunded).
	ErrInsufficientFunds = errors.New("ledger: insufficient escrowed funds")
	// ErrOverflow is returned when a checked addition would exceed the 64-bit
	// range. The operation fails with counters unchanged.
	ErrOverflow = errors.New("ledger: counter overflow")
	// ErrUnderflow is returned when a checked subtraction would go negative,
	// which would mean more value left the record than ever entered it.
	ErrUnderflow = errors.New("ledger: counter underflow")
	// ErrHoldingNotEmpty is returned when destruction is attempted while the
	// custodial holding still carries a balance.
	ErrHoldingNotEmpty = errors.New("ledger: holding balance not empty")
	// ErrRecordNotFound is surfaced by the state collaborator when no record
	// exists for the contract reference.
	ErrRecordNotFound = errors.New("ledger: record not found")
	// ErrRecordExists is surfaced by the state collaborator when a record for
	// the contract reference already exists.
	ErrRecordExists = errors.New("ledger: record already exists")
)
