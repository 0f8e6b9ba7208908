// Package ledger implements the escrow ledger state machine: a per-contract
// record of funds deposited, released to the payee and refunded to the payer,
// together with the fixed set of guarded transitions that mutate it.
//
// The package deliberately owns nothing but the accounting. Identity
// verification, durable storage, the actual movement of value and event
// delivery are collaborators supplied by the caller; the engine only compares
// identities, validates preconditions, updates counters with checked
// arithmetic and derives the resulting status. The correctness contract is
// that funds released plus funds refunded can never exceed funds deposited,
// and that no transition ever leaves a record partially mutated.
package ledger
