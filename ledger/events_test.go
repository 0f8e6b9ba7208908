package ledger

import "testing"

func TestRecordEventAttributes(t *testing.T) {
	rec := &EscrowRecord{
		PayerID:        newTestParty(0x01),
		PayeeID:        newTestParty(0x02),
		ContractRef:    newTestRef(0x03),
		TotalAmount:    1000,
		FundedAmount:   600,
		ReleasedAmount: 100,
		RefundedAmount: 50,
		Status:         StatusPartiallyReleased,
		CreatedAt:      100,
		UpdatedAt:      200,
	}
	evt := NewFundedEvent(rec, 250)
	if evt.Type != EventTypeFunded {
		t.Fatalf("type = %s", evt.Type)
	}
	attrs := evt.Attributes
	checks := map[string]string{
		"contractRef": rec.ContractRef.String(),
		"payer":       rec.PayerID.String(),
		"payee":       rec.PayeeID.String(),
		"total":       "1000",
		"funded":      "600",
		"released":    "100",
		"refunded":    "50",
		"status":      "partially_released",
		"updatedAt":   "200",
		"amount":      "250",
	}
	for key, want := range checks {
		if attrs[key] != want {
			t.Fatalf("attr %q = %q, want %q", key, attrs[key], want)
		}
	}
}

func TestReleasedEventOmitsZeroMilestone(t *testing.T) {
	rec := &EscrowRecord{
		ContractRef:  newTestRef(0x04),
		FundedAmount: 100,
		Status:       StatusFullyFunded,
	}
	evt := NewReleasedEvent(rec, 10, ContractRef{})
	if _, ok := evt.Attributes["milestone"]; ok {
		t.Fatalf("zero milestone tag should be omitted")
	}
	tagged := NewReleasedEvent(rec, 10, newTestRef(0x09))
	if tagged.Attributes["milestone"] == "" {
		t.Fatalf("milestone tag missing")
	}
}

func TestEventFromInvalidRecordIsEmpty(t *testing.T) {
	rec := &EscrowRecord{FundedAmount: 1, ReleasedAmount: 2, Status: StatusCreated}
	evt := NewCreatedEvent(rec)
	if len(evt.Attributes) != 0 {
		t.Fatalf("invalid record should produce an empty attribute set")
	}
	if NewCreatedEvent(nil).Type != EventTypeCreated {
		t.Fatalf("nil record should still carry the event type")
	}
}
