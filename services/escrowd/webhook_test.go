package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestWebhookQueueDropOldest(t *testing.T) {
	clock := newFakeClock(time.Unix(1700000000, 0).UTC())
	queue := NewWebhookQueue(
		WithTaskCapacity(3),
		WithHistoryCapacity(2),
		WithQueueTTL(time.Minute),
		withQueueClock(clock.Now),
	)

	for i := 0; i < 5; i++ {
		queue.Enqueue(WebhookEvent{Sequence: int64(i), CreatedAt: clock.Now()})
	}

	events := queue.Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 events in history, got %d", len(events))
	}
	if events[0].Sequence != 3 || events[1].Sequence != 4 {
		t.Fatalf("unexpected history sequences: %+v", events)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var sequences []int64
	for len(sequences) < 3 {
		task, ok := queue.Dequeue(ctx)
		if !ok {
			t.Fatalf("expected task, queue closed early after %d items", len(sequences))
		}
		sequences = append(sequences, task.Event.Sequence)
	}

	expected := []int64{2, 3, 4}
	for i, seq := range expected {
		if sequences[i] != seq {
			t.Fatalf("expected sequence %d at position %d, got %d", seq, i, sequences[i])
		}
	}
}

func TestWebhookQueueEvictsExpired(t *testing.T) {
	clock := newFakeClock(time.Unix(1700000000, 0).UTC())
	queue := NewWebhookQueue(
		WithTaskCapacity(2),
		WithHistoryCapacity(2),
		WithQueueTTL(10*time.Second),
		withQueueClock(clock.Now),
	)

	queue.Enqueue(WebhookEvent{Sequence: 42, CreatedAt: clock.Now()})
	clock.Advance(11 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if task, ok := queue.Dequeue(ctx); ok {
		t.Fatalf("expected expired event to be dropped, dequeued sequence %d", task.Event.Sequence)
	}

	if remaining := queue.Events(); len(remaining) != 0 {
		t.Fatalf("expected no history events after TTL eviction, got %d", len(remaining))
	}
}

func TestWebhookWorkerDeliversSignedPayload(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "webhook-test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	received := make(chan *http.Request, 1)
	bodies := make(chan []byte, 1)
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- r.Clone(context.Background())
		bodies <- body
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(target.Close)

	_, err = store.InsertWebhook(context.Background(), WebhookSubscription{
		APIKey:    "partner",
		EventType: "escrow.funded",
		URL:       target.URL,
		Secret:    "hook-secret",
		RateLimit: 60,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	queue := NewWebhookQueue()
	worker := NewWebhookWorker(store, queue)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go worker.Run(ctx)

	queue.Enqueue(WebhookEvent{
		Sequence:    7,
		Type:        "escrow.funded",
		ContractRef: "6ba7b810-9dad-11d1-80b4-00c04fd430c8",
		Attributes:  map[string]string{"funded": "400"},
		CreatedAt:   time.Now().UTC(),
	})

	select {
	case req := <-received:
		body := <-bodies
		require.Equal(t, signPayload("hook-secret", body), req.Header.Get("X-Webhook-Signature"))
		var decoded map[string]interface{}
		require.NoError(t, json.Unmarshal(body, &decoded))
		require.Equal(t, "escrow.funded", decoded["type"])
		require.Equal(t, "6ba7b810-9dad-11d1-80b4-00c04fd430c8", decoded["contractRef"])
	case <-time.After(3 * time.Second):
		t.Fatalf("webhook was not delivered")
	}
}

func TestWebhookWorkerRetriesFailedDelivery(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "webhook-retry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	var mu sync.Mutex
	calls := 0
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(target.Close)

	_, err = store.InsertWebhook(context.Background(), WebhookSubscription{
		APIKey:    "partner",
		EventType: "escrow.released",
		URL:       target.URL,
		Secret:    "hook-secret",
		RateLimit: 60,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	queue := NewWebhookQueue()
	worker := NewWebhookWorker(store, queue)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go worker.Run(ctx)

	queue.Enqueue(WebhookEvent{Sequence: 8, Type: "escrow.released", CreatedAt: time.Now().UTC()})

	deadline := time.After(5 * time.Second)
	for {
		mu.Lock()
		done := calls >= 2
		mu.Unlock()
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("delivery was not retried, calls=%d", calls)
		case <-time.After(50 * time.Millisecond):
		}
	}
}
