package main

import (
	"context"
	"log/slog"
	"time"

	"escrowd/ledger/events"
)

// eventSink journals every ledger event to sqlite and stages it for webhook
// fan-out. It satisfies the engine's emitter interface, so journal failures
// are logged rather than surfaced into ledger operations.
type eventSink struct {
	store  *SQLiteStore
	queue  *WebhookQueue
	logger *slog.Logger
	nowFn  func() time.Time
}

func newEventSink(store *SQLiteStore, queue *WebhookQueue, logger *slog.Logger) *eventSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &eventSink{store: store, queue: queue, logger: logger, nowFn: time.Now}
}

func (s *eventSink) Emit(evt events.Event) {
	now := s.nowFn().UTC()
	contractRef := evt.Attributes["contractRef"]
	seq, err := s.store.AppendEvent(context.Background(), contractRef, evt.Type, evt.Attributes, now)
	if err != nil {
		s.logger.Error("journal ledger event", "type", evt.Type, "contractRef", contractRef, "error", err)
		return
	}
	if s.queue != nil {
		s.queue.Enqueue(WebhookEvent{
			Sequence:    seq,
			Type:        evt.Type,
			ContractRef: contractRef,
			Attributes:  evt.Attributes,
			CreatedAt:   now,
		})
	}
}
