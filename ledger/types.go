package ledger

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// Status represents the lifecycle states of an escrow record.
type Status uint8

const (
	StatusCreated Status = iota
	StatusPartiallyFunded
	StatusFullyFunded
	StatusPartiallyReleased
	StatusFullyReleased
	StatusRefunded
	StatusDisputed
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusPartiallyFunded, StatusFullyFunded,
		StatusPartiallyReleased, StatusFullyReleased, StatusRefunded, StatusDisputed:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status permits no further transitions other
// than destruction.
func (s Status) Terminal() bool {
	return s == StatusFullyReleased || s == StatusRefunded
}

// String returns the canonical lowercase label used in events and API
// payloads.
func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusPartiallyFunded:
		return "partially_funded"
	case StatusFullyFunded:
		return "fully_funded"
	case StatusPartiallyReleased:
		return "partially_released"
	case StatusFullyReleased:
		return "fully_released"
	case StatusRefunded:
		return "refunded"
	case StatusDisputed:
		return "disputed"
	default:
		return "unknown"
	}
}

// ParseStatus resolves a canonical label back to its status value.
func ParseStatus(label string) (Status, error) {
	for s := StatusCreated; s <= StatusDisputed; s++ {
		if s.String() == label {
			return s, nil
		}
	}
	return 0, fmt.Errorf("ledger: unknown status label %q", label)
}

// MarshalText renders the canonical label, making statuses JSON strings.
func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("ledger: invalid status %d", s)
	}
	return []byte(s.String()), nil
}

// UnmarshalText parses a canonical status label.
func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// PartyID is an opaque 32-byte identity handle. The ledger only ever compares
// these against stored values; verifying that a caller actually controls an
// identity is the authorization collaborator's job.
type PartyID [32]byte

// String returns the hex encoding of the identity.
func (p PartyID) String() string { return hex.EncodeToString(p[:]) }

// Zero reports whether the identity is the all-zero value.
func (p PartyID) Zero() bool { return p == (PartyID{}) }

// ParsePartyID decodes a 64-character hex identity.
func ParsePartyID(s string) (PartyID, error) {
	var out PartyID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("ledger: invalid party id: %w", err)
	}
	if len(raw) != len(out) {
		return out, fmt.Errorf("ledger: party id must be %d bytes", len(out))
	}
	copy(out[:], raw)
	return out, nil
}

// MarshalText renders the hex form, making identities JSON strings.
func (p PartyID) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText parses a hex identity.
func (p *PartyID) UnmarshalText(text []byte) error {
	parsed, err := ParsePartyID(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ContractRef is the opaque 16-byte correlation identifier for a record. It
// doubles as the seed for the record's storage address; the ledger itself
// never interprets it. The wire form is the UUID string representation.
type ContractRef [16]byte

// String renders the reference in UUID form.
func (r ContractRef) String() string { return uuid.UUID(r).String() }

// Zero reports whether the reference is the all-zero value.
func (r ContractRef) Zero() bool { return r == (ContractRef{}) }

// ParseContractRef decodes a UUID-formatted contract reference.
func ParseContractRef(s string) (ContractRef, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ContractRef{}, fmt.Errorf("ledger: invalid contract ref: %w", err)
	}
	return ContractRef(u), nil
}

// NewContractRef generates a fresh random reference.
func NewContractRef() ContractRef { return ContractRef(uuid.New()) }

// MarshalText renders the UUID form, making references JSON strings.
func (r ContractRef) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText parses a UUID-formatted reference.
func (r *ContractRef) UnmarshalText(text []byte) error {
	parsed, err := ParseContractRef(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// EscrowRecord is the persisted escrow state for one contract. The three
// amount counters are monotonically non-decreasing for the life of the
// record; the status is derived from them except for the dispute freeze.
type EscrowRecord struct {
	PayerID        PartyID     `json:"payerId"`
	PayeeID        PartyID     `json:"payeeId"`
	ContractRef    ContractRef `json:"contractRef"`
	TotalAmount    uint64      `json:"totalAmount"`
	FundedAmount   uint64      `json:"fundedAmount"`
	ReleasedAmount uint64      `json:"releasedAmount"`
	RefundedAmount uint64      `json:"refundedAmount"`
	Status         Status      `json:"status"`
	CreatedAt      int64       `json:"createdAt"`
	UpdatedAt      int64       `json:"updatedAt"`
}

// Clone returns a copy of the record so callers can safely mutate it without
// affecting the stored instance.
func (r *EscrowRecord) Clone() *EscrowRecord {
	if r == nil {
		return nil
	}
	clone := *r
	return &clone
}

// Available returns the balance eligible for release or refund: funded minus
// released minus refunded, computed with checked subtraction so that a
// corrupted record fails closed instead of producing a huge balance.
func (r *EscrowRecord) Available() (uint64, error) {
	rem, err := checkedSub(r.FundedAmount, r.ReleasedAmount)
	if err != nil {
		return 0, err
	}
	return checkedSub(rem, r.RefundedAmount)
}

// SanitizeRecord validates a record prior to persistence, returning a clone.
// It enforces the core accounting invariant and rejects out-of-range status
// values; the original value is never mutated.
func SanitizeRecord(r *EscrowRecord) (*EscrowRecord, error) {
	if r == nil {
		return nil, fmt.Errorf("ledger: nil record")
	}
	clone := r.Clone()
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("ledger: invalid status %d", clone.Status)
	}
	if _, err := clone.Available(); err != nil {
		return nil, fmt.Errorf("ledger: released plus refunded exceeds funded: %w", err)
	}
	if clone.UpdatedAt < clone.CreatedAt {
		return nil, fmt.Errorf("ledger: updatedAt precedes createdAt")
	}
	return clone, nil
}
