// Package auth implements API key + HMAC request authentication for the
// escrowd HTTP surface. Callers sign every request with a shared secret;
// timestamps and single-use nonces bound the replay window.
package auth

import (
	"container/list"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// HeaderAPIKey identifies the calling client.
	HeaderAPIKey = "X-Api-Key"
	// HeaderTimestamp is the unix-seconds timestamp the request was signed at.
	HeaderTimestamp = "X-Timestamp"
	// HeaderNonce is a single-use value scoped to the signing timestamp.
	HeaderNonce = "X-Nonce"
	// HeaderSignature carries the hex HMAC-SHA256 over the canonical request.
	HeaderSignature = "X-Signature"

	// MaxSignedBody caps the body size included in signature verification.
	MaxSignedBody = 1 << 20

	maxTimestampSkew = 2 * time.Minute
	maxNonceWindow   = 10 * time.Minute
	defaultCapacity  = 4096
	maxCapacity      = 65536
	purgeInterval    = time.Minute
)

var (
	ErrMissingCredentials = errors.New("auth: missing credential header")
	ErrUnknownKey         = errors.New("auth: unknown api key")
	ErrStaleTimestamp     = errors.New("auth: timestamp outside allowed skew")
	ErrBadSignature       = errors.New("auth: signature mismatch")
	ErrReplayedNonce      = errors.New("auth: nonce already used")
	ErrBodyTooLarge       = errors.New("auth: request body exceeds signable size")
)

// Principal is the authenticated identity attached to a request.
type Principal struct {
	APIKey string
}

// NonceStore persists nonce usage across restarts. Remember must atomically
// record the nonce and report whether it had been seen before.
type NonceStore interface {
	Remember(ctx context.Context, apiKey, nonce string, seenAt time.Time) (seen bool, err error)
	Purge(ctx context.Context, before time.Time) error
}

// Authenticator validates signed requests against a static key set.
type Authenticator struct {
	secrets  map[string]string
	skew     time.Duration
	window   time.Duration
	capacity int
	nowFn    func() time.Time
	store    NonceStore

	mu         sync.Mutex
	caches     map[string]*replayCache
	lastPurged time.Time
}

// NewAuthenticator builds an Authenticator from api-key to secret mappings.
// Skew and window values above the hard maximums are clamped down; zero
// values take the maximums. The nonce store may be nil for purely in-memory
// replay protection.
func NewAuthenticator(secrets map[string]string, skew, window time.Duration, capacity int, nowFn func() time.Time, store NonceStore) *Authenticator {
	cloned := make(map[string]string, len(secrets))
	for k, v := range secrets {
		cloned[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if skew <= 0 || skew > maxTimestampSkew {
		skew = maxTimestampSkew
	}
	if window <= 0 || window > maxNonceWindow {
		window = maxNonceWindow
	}
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if capacity > maxCapacity {
		capacity = maxCapacity
	}
	return &Authenticator{
		secrets:  cloned,
		skew:     skew,
		window:   window,
		capacity: capacity,
		nowFn:    nowFn,
		store:    store,
		caches:   make(map[string]*replayCache),
	}
}

// Authenticate verifies the request headers and signature against the body
// the caller already buffered. The body must be the exact bytes that were
// signed.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (*Principal, error) {
	if len(body) > MaxSignedBody {
		return nil, ErrBodyTooLarge
	}
	apiKey := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
	timestamp := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	signature := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if apiKey == "" || timestamp == "" || nonce == "" || signature == "" {
		return nil, ErrMissingCredentials
	}
	secret, ok := a.secrets[apiKey]
	if !ok || secret == "" {
		return nil, ErrUnknownKey
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return nil, ErrStaleTimestamp
	}
	now := a.nowFn().UTC()
	drift := now.Sub(time.Unix(ts, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > a.skew {
		return nil, ErrStaleTimestamp
	}
	want := Sign(secret, r.Method, CanonicalPath(r), timestamp, nonce, body)
	got, err := hex.DecodeString(signature)
	if err != nil || !hmac.Equal(got, want) {
		return nil, ErrBadSignature
	}
	seen, err := a.rememberNonce(r.Context(), apiKey, timestamp+"|"+nonce, now)
	if err != nil {
		return nil, err
	}
	if seen {
		return nil, ErrReplayedNonce
	}
	return &Principal{APIKey: apiKey}, nil
}

func (a *Authenticator) rememberNonce(ctx context.Context, apiKey, nonce string, now time.Time) (bool, error) {
	cache := a.cacheFor(apiKey)
	if cache.Seen(nonce, now) {
		return true, nil
	}
	if a.store == nil {
		return false, nil
	}
	if err := a.purgeStore(ctx, now); err != nil {
		return false, err
	}
	return a.store.Remember(ctx, apiKey, nonce, now)
}

func (a *Authenticator) purgeStore(ctx context.Context, now time.Time) error {
	a.mu.Lock()
	due := a.lastPurged.IsZero() || now.Sub(a.lastPurged) >= purgeInterval
	if due {
		a.lastPurged = now
	}
	a.mu.Unlock()
	if !due {
		return nil
	}
	return a.store.Purge(ctx, now.Add(-a.window))
}

func (a *Authenticator) cacheFor(apiKey string) *replayCache {
	a.mu.Lock()
	defer a.mu.Unlock()
	cache, ok := a.caches[apiKey]
	if !ok {
		cache = newReplayCache(a.window, a.capacity)
		a.caches[apiKey] = cache
	}
	return cache
}

// CanonicalPath renders the request path with a deterministically ordered
// query string, matching what clients sign.
func CanonicalPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery == "" {
		return path
	}
	parts := strings.Split(r.URL.RawQuery, "&")
	sort.Strings(parts)
	return path + "?" + strings.Join(parts, "&")
}

// Sign computes the HMAC-SHA256 signature bytes for a request. The canonical
// string is method, path, timestamp, nonce and the body digest joined by
// newlines.
func Sign(secret, method, path, timestamp, nonce string, body []byte) []byte {
	digest := sha256.Sum256(body)
	payload := strings.Join([]string{
		strings.ToUpper(method),
		path,
		timestamp,
		nonce,
		hex.EncodeToString(digest[:]),
	}, "\n")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

// replayCache is a TTL-bounded LRU of recently observed nonces.
type replayCache struct {
	ttl      time.Duration
	capacity int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type replayEntry struct {
	key string
	ts  time.Time
}

func newReplayCache(ttl time.Duration, capacity int) *replayCache {
	return &replayCache{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Seen reports whether the key was observed inside the TTL window and records
// it when new.
func (c *replayCache) Seen(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expire(now.Add(-c.ttl))
	if _, ok := c.entries[key]; ok {
		return true
	}
	for c.capacity > 0 && c.order.Len() >= c.capacity {
		c.dropOldest()
	}
	c.entries[key] = c.order.PushBack(replayEntry{key: key, ts: now})
	return false
}

func (c *replayCache) expire(cutoff time.Time) {
	for {
		front := c.order.Front()
		if front == nil {
			return
		}
		entry := front.Value.(replayEntry)
		if !entry.ts.Before(cutoff) {
			return
		}
		c.order.Remove(front)
		delete(c.entries, entry.key)
	}
}

func (c *replayCache) dropOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	entry := front.Value.(replayEntry)
	c.order.Remove(front)
	delete(c.entries, entry.key)
}
