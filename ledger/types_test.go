package ledger

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestRecordJSONShape(t *testing.T) {
	var payer, payee PartyID
	payer[0] = 0x01
	payee[0] = 0x02
	ref, err := ParseContractRef("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	if err != nil {
		t.Fatalf("parse ref: %v", err)
	}
	rec := &EscrowRecord{
		PayerID:      payer,
		PayeeID:      payee,
		ContractRef:  ref,
		TotalAmount:  100,
		FundedAmount: 40,
		Status:       StatusPartiallyFunded,
		CreatedAt:    1700000000,
		UpdatedAt:    1700000001,
	}
	encoded, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(encoded, &raw); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	if raw["status"] != "partially_funded" {
		t.Fatalf("status encoded as %v, want label string", raw["status"])
	}
	if raw["contractRef"] != "6ba7b810-9dad-11d1-80b4-00c04fd430c8" {
		t.Fatalf("contractRef encoded as %v, want uuid string", raw["contractRef"])
	}
	if raw["payerId"] != payer.String() {
		t.Fatalf("payerId encoded as %v, want hex string", raw["payerId"])
	}

	var decoded EscrowRecord
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}
	if decoded != *rec {
		t.Fatalf("round trip mismatch: %+v vs %+v", decoded, *rec)
	}
}

func TestStatusLabels(t *testing.T) {
	labels := map[Status]string{
		StatusCreated:           "created",
		StatusPartiallyFunded:   "partially_funded",
		StatusFullyFunded:       "fully_funded",
		StatusPartiallyReleased: "partially_released",
		StatusFullyReleased:     "fully_released",
		StatusRefunded:          "refunded",
		StatusDisputed:          "disputed",
	}
	for status, want := range labels {
		if got := status.String(); got != want {
			t.Fatalf("status %d label = %q, want %q", status, got, want)
		}
		parsed, err := ParseStatus(want)
		if err != nil {
			t.Fatalf("parse %q: %v", want, err)
		}
		if parsed != status {
			t.Fatalf("parse %q = %d, want %d", want, parsed, status)
		}
	}
	if Status(42).Valid() {
		t.Fatalf("out-of-range status reported valid")
	}
	if Status(42).String() != "unknown" {
		t.Fatalf("out-of-range status label = %q", Status(42).String())
	}
	if _, err := ParseStatus("half_done"); err == nil {
		t.Fatalf("expected error for unknown label")
	}
}

func TestStatusTerminal(t *testing.T) {
	for s := StatusCreated; s <= StatusDisputed; s++ {
		want := s == StatusFullyReleased || s == StatusRefunded
		if s.Terminal() != want {
			t.Fatalf("terminal(%s) = %v, want %v", s, s.Terminal(), want)
		}
	}
}

func TestPartyIDRoundTrip(t *testing.T) {
	p := newTestParty(0x42)
	parsed, err := ParsePartyID(p.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != p {
		t.Fatalf("round trip mismatch")
	}
	if _, err := ParsePartyID("zz"); err == nil {
		t.Fatalf("expected error for non-hex input")
	}
	if _, err := ParsePartyID(strings.Repeat("ab", 16)); err == nil {
		t.Fatalf("expected error for short identity")
	}
	if !(PartyID{}).Zero() {
		t.Fatalf("zero value not detected")
	}
}

func TestContractRefRoundTrip(t *testing.T) {
	ref := NewContractRef()
	if ref.Zero() {
		t.Fatalf("fresh ref is zero")
	}
	parsed, err := ParseContractRef(ref.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != ref {
		t.Fatalf("round trip mismatch")
	}
	if _, err := ParseContractRef("not-a-uuid"); err == nil {
		t.Fatalf("expected error for malformed ref")
	}
}

func TestSanitizeRecord(t *testing.T) {
	base := &EscrowRecord{
		PayerID:      newTestParty(0x01),
		PayeeID:      newTestParty(0x02),
		ContractRef:  newTestRef(0x03),
		TotalAmount:  100,
		FundedAmount: 60,
		Status:       StatusPartiallyFunded,
		CreatedAt:    10,
		UpdatedAt:    20,
	}
	clone, err := SanitizeRecord(base)
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	if clone == base {
		t.Fatalf("sanitize must not return the original pointer")
	}

	broken := base.Clone()
	broken.ReleasedAmount = 40
	broken.RefundedAmount = 30
	if _, err := SanitizeRecord(broken); err == nil {
		t.Fatalf("expected rejection when released+refunded exceeds funded")
	}

	badStatus := base.Clone()
	badStatus.Status = Status(99)
	if _, err := SanitizeRecord(badStatus); err == nil {
		t.Fatalf("expected rejection of invalid status")
	}

	badTime := base.Clone()
	badTime.UpdatedAt = 5
	if _, err := SanitizeRecord(badTime); err == nil {
		t.Fatalf("expected rejection when updatedAt precedes createdAt")
	}

	if _, err := SanitizeRecord(nil); err == nil {
		t.Fatalf("expected rejection of nil record")
	}
}

func TestAvailableFailsClosed(t *testing.T) {
	rec := &EscrowRecord{FundedAmount: 10, ReleasedAmount: 20}
	if _, err := rec.Available(); !errors.Is(err, ErrUnderflow) {
		t.Fatalf("expected ErrUnderflow, got %v", err)
	}
	rec = &EscrowRecord{FundedAmount: 100, ReleasedAmount: 40, RefundedAmount: 25}
	available, err := rec.Available()
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if available != 35 {
		t.Fatalf("available = %d, want 35", available)
	}
}

func TestCheckedArithmetic(t *testing.T) {
	if _, err := checkedAdd(^uint64(0), 1); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
	if v, err := checkedAdd(40, 2); err != nil || v != 42 {
		t.Fatalf("checkedAdd = %d, %v", v, err)
	}
	if _, err := checkedSub(1, 2); !errors.Is(err, ErrUnderflow) {
		t.Fatalf("expected ErrUnderflow, got %v", err)
	}
	if v, err := checkedSub(44, 2); err != nil || v != 42 {
		t.Fatalf("checkedSub = %d, %v", v, err)
	}
}
