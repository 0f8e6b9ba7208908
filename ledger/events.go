package ledger

import (
	"strconv"

	"escrowd/ledger/events"
)

const (
	EventTypeCreated   = "escrow.created"
	EventTypeFunded    = "escrow.funded"
	EventTypeReleased  = "escrow.released"
	EventTypeRefunded  = "escrow.refunded"
	EventTypeDisputed  = "escrow.disputed"
	EventTypeDestroyed = "escrow.destroyed"
)

// NewCreatedEvent returns the canonical payload for a newly created record.
func NewCreatedEvent(rec *EscrowRecord) *events.Event {
	return newRecordEvent(EventTypeCreated, rec, nil)
}

// NewFundedEvent returns the payload emitted when the payer deposits into the
// holding. The amount attribute carries the delta; the counters carry the
// resulting totals.
func NewFundedEvent(rec *EscrowRecord, amount uint64) *events.Event {
	return newRecordEvent(EventTypeFunded, rec, map[string]string{
		"amount": strconv.FormatUint(amount, 10),
	})
}

// NewReleasedEvent returns the payload emitted for a payout to the payee. The
// milestone tag is carried verbatim for off-ledger correlation.
func NewReleasedEvent(rec *EscrowRecord, amount uint64, milestone ContractRef) *events.Event {
	extra := map[string]string{
		"amount": strconv.FormatUint(amount, 10),
	}
	if !milestone.Zero() {
		extra["milestone"] = milestone.String()
	}
	return newRecordEvent(EventTypeReleased, rec, extra)
}

// NewRefundedEvent returns the payload emitted for a refund to the payer.
func NewRefundedEvent(rec *EscrowRecord, amount uint64) *events.Event {
	return newRecordEvent(EventTypeRefunded, rec, map[string]string{
		"amount": strconv.FormatUint(amount, 10),
	})
}

// NewDisputedEvent returns the payload emitted when a record is frozen.
func NewDisputedEvent(rec *EscrowRecord, initiator PartyID) *events.Event {
	return newRecordEvent(EventTypeDisputed, rec, map[string]string{
		"initiator": initiator.String(),
	})
}

// NewDestroyedEvent returns the payload emitted when a drained terminal
// record is removed from storage.
func NewDestroyedEvent(rec *EscrowRecord) *events.Event {
	return newRecordEvent(EventTypeDestroyed, rec, nil)
}

func newRecordEvent(eventType string, rec *EscrowRecord, extra map[string]string) *events.Event {
	attrs := make(map[string]string)
	if rec == nil {
		return &events.Event{Type: eventType, Attributes: attrs}
	}
	sanitized, err := SanitizeRecord(rec)
	if err != nil {
		return &events.Event{Type: eventType, Attributes: attrs}
	}
	attrs["contractRef"] = sanitized.ContractRef.String()
	attrs["payer"] = sanitized.PayerID.String()
	attrs["payee"] = sanitized.PayeeID.String()
	attrs["total"] = strconv.FormatUint(sanitized.TotalAmount, 10)
	attrs["funded"] = strconv.FormatUint(sanitized.FundedAmount, 10)
	attrs["released"] = strconv.FormatUint(sanitized.ReleasedAmount, 10)
	attrs["refunded"] = strconv.FormatUint(sanitized.RefundedAmount, 10)
	attrs["status"] = sanitized.Status.String()
	attrs["updatedAt"] = strconv.FormatInt(sanitized.UpdatedAt, 10)
	for k, v := range extra {
		attrs[k] = v
	}
	return &events.Event{Type: eventType, Attributes: attrs}
}
