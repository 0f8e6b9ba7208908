package auth

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"
)

func signedRequest(t *testing.T, secret, apiKey, timestamp, nonce string, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "https://example.test/escrow", nil)
	req.Header.Set(HeaderAPIKey, apiKey)
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderNonce, nonce)
	sig := Sign(secret, http.MethodPost, CanonicalPath(req), timestamp, nonce, body)
	req.Header.Set(HeaderSignature, hex.EncodeToString(sig))
	return req
}

func TestAuthenticateHappyPath(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	auth := NewAuthenticator(map[string]string{"partner": "secret"}, time.Minute, 5*time.Minute, 16, func() time.Time { return now }, nil)
	body := []byte(`{"amount":"100"}`)
	ts := strconv.FormatInt(now.Unix(), 10)

	principal, err := auth.Authenticate(signedRequest(t, "secret", "partner", ts, "nonce-1", body), body)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if principal.APIKey != "partner" {
		t.Fatalf("unexpected principal: %+v", principal)
	}
}

func TestAuthenticateRejections(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	auth := NewAuthenticator(map[string]string{"partner": "secret"}, time.Minute, 5*time.Minute, 16, func() time.Time { return now }, nil)
	body := []byte("payload")
	ts := strconv.FormatInt(now.Unix(), 10)

	req := signedRequest(t, "secret", "partner", ts, "n1", body)
	req.Header.Del(HeaderNonce)
	if _, err := auth.Authenticate(req, body); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("missing nonce: got %v", err)
	}

	if _, err := auth.Authenticate(signedRequest(t, "secret", "ghost", ts, "n2", body), body); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("unknown key: got %v", err)
	}

	stale := strconv.FormatInt(now.Add(-10*time.Minute).Unix(), 10)
	if _, err := auth.Authenticate(signedRequest(t, "secret", "partner", stale, "n3", body), body); !errors.Is(err, ErrStaleTimestamp) {
		t.Fatalf("stale timestamp: got %v", err)
	}

	if _, err := auth.Authenticate(signedRequest(t, "wrong", "partner", ts, "n4", body), body); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("bad secret: got %v", err)
	}

	tampered := signedRequest(t, "secret", "partner", ts, "n5", body)
	if _, err := auth.Authenticate(tampered, []byte("other body")); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("tampered body: got %v", err)
	}
}

func TestAuthenticateDetectsNonceReplay(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	auth := NewAuthenticator(map[string]string{"partner": "secret"}, time.Minute, 5*time.Minute, 16, func() time.Time { return now }, nil)
	body := []byte("payload")
	ts := strconv.FormatInt(now.Unix(), 10)

	if _, err := auth.Authenticate(signedRequest(t, "secret", "partner", ts, "nonce-7", body), body); err != nil {
		t.Fatalf("first use: %v", err)
	}
	if _, err := auth.Authenticate(signedRequest(t, "secret", "partner", ts, "nonce-7", body), body); !errors.Is(err, ErrReplayedNonce) {
		t.Fatalf("replay: got %v", err)
	}
}

func TestAuthenticatorClampsParameters(t *testing.T) {
	auth := NewAuthenticator(map[string]string{"a": "s"}, time.Hour, time.Hour, 1_000_000, nil, nil)
	if auth.skew != maxTimestampSkew {
		t.Fatalf("skew = %s, want clamp to %s", auth.skew, maxTimestampSkew)
	}
	if auth.window != maxNonceWindow {
		t.Fatalf("window = %s, want clamp to %s", auth.window, maxNonceWindow)
	}
	if auth.capacity != maxCapacity {
		t.Fatalf("capacity = %d, want clamp to %d", auth.capacity, maxCapacity)
	}
}

func TestReplayCacheCapacityEviction(t *testing.T) {
	cache := newReplayCache(5*time.Minute, 3)
	base := time.Unix(1_700_000_000, 0).UTC()

	for i := 0; i < 3; i++ {
		if cache.Seen(fmt.Sprintf("n-%d", i), base) {
			t.Fatalf("expected n-%d to be new", i)
		}
	}
	if cache.Seen("n-3", base) {
		t.Fatalf("expected n-3 to be accepted after eviction")
	}
	if len(cache.entries) != 3 {
		t.Fatalf("capacity overrun: %d entries", len(cache.entries))
	}
	if _, ok := cache.entries["n-0"]; ok {
		t.Fatalf("oldest entry should have been evicted")
	}
	if !cache.Seen("n-1", base) {
		t.Fatalf("expected n-1 to still be remembered")
	}
}

func TestReplayCacheExpiresEntries(t *testing.T) {
	cache := newReplayCache(30*time.Second, 8)
	base := time.Unix(1_700_000_000, 0).UTC()

	if cache.Seen("n-a", base) {
		t.Fatalf("expected n-a to be new")
	}
	later := base.Add(time.Minute)
	if cache.Seen("n-a", later) {
		t.Fatalf("expected n-a to expire out of the window")
	}
}

func TestAuthenticatorPersistsNonces(t *testing.T) {
	store := &memoryNonceStore{seen: make(map[string]time.Time)}
	now := time.Unix(1_700_000_000, 0).UTC()
	body := []byte("payload")
	ts := strconv.FormatInt(now.Unix(), 10)
	secrets := map[string]string{"partner": "secret"}

	auth := NewAuthenticator(secrets, time.Minute, 5*time.Minute, 16, func() time.Time { return now }, store)
	if _, err := auth.Authenticate(signedRequest(t, "secret", "partner", ts, "nonce-9", body), body); err != nil {
		t.Fatalf("first use: %v", err)
	}

	// A fresh authenticator sharing the store still detects the replay.
	cold := NewAuthenticator(secrets, time.Minute, 5*time.Minute, 16, func() time.Time { return now }, store)
	if _, err := cold.Authenticate(signedRequest(t, "secret", "partner", ts, "nonce-9", body), body); !errors.Is(err, ErrReplayedNonce) {
		t.Fatalf("replay across restart: got %v", err)
	}
}

type memoryNonceStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func (m *memoryNonceStore) Remember(_ context.Context, apiKey, nonce string, seenAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := apiKey + "|" + nonce
	if _, ok := m.seen[key]; ok {
		return true, nil
	}
	m.seen[key] = seenAt
	return false, nil
}

func (m *memoryNonceStore) Purge(_ context.Context, before time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, at := range m.seen {
		if at.Before(before) {
			delete(m.seen, key)
		}
	}
	return nil
}
