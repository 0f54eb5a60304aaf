package ratelimit

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memLedger struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func newMemLedger() *memLedger {
	return &memLedger{entries: make(map[string]Entry)}
}

func (m *memLedger) Get(ctx context.Context, ip string) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[ip]
	return entry, ok, nil
}

func (m *memLedger) Increment(ctx context.Context, ip string, now time.Time) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[ip]
	if !ok {
		entry = Entry{IP: ip}
	}
	entry.Counter++
	m.entries[ip] = entry
	return entry, nil
}

func (m *memLedger) SetLockTime(ctx context.Context, ip string, lockTime time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := m.entries[ip]
	entry.IP = ip
	entry.LockTime = lockTime
	m.entries[ip] = entry
	return nil
}

func (m *memLedger) Delete(ctx context.Context, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, ip)
	return nil
}

type memUsernames struct {
	known map[string]bool
}

func (m *memUsernames) UsernameExists(ctx context.Context, username string) (bool, error) {
	return m.known[username], nil
}

func newTestLimiter(maxRequests int, window time.Duration, known ...string) (*Limiter, *memLedger) {
	ledger := newMemLedger()
	creds := &memUsernames{known: make(map[string]bool)}
	for _, username := range known {
		creds.known[username] = true
	}
	return NewLimiter(ledger, creds, maxRequests, window, zap.NewNop()), ledger
}

func TestUnknownUsernameLocksIP(t *testing.T) {
	limiter, ledger := newTestLimiter(5, time.Minute, "alice01")
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		allowed, _, err := limiter.Allow(ctx, "10.0.0.1", "nobody")
		require.NoError(t, err)
		assert.True(t, allowed, "attempt %d should pass", i+1)
	}

	// Fifth attempt reaches the threshold: lock set, request rejected.
	allowed, retryAfter, err := limiter.Allow(ctx, "10.0.0.1", "nobody")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, time.Minute, retryAfter)

	entry, found, err := ledger.Get(ctx, "10.0.0.1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 5, entry.Counter)
	assert.True(t, entry.LockTime.After(now))
}

func TestLockCheckPrecedesKnownUsernameBypass(t *testing.T) {
	limiter, _ := newTestLimiter(5, time.Minute, "alice01")
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _, err := limiter.Allow(ctx, "10.0.0.1", "nobody")
		require.NoError(t, err)
	}

	// Sixth request from the locked IP uses a real username and is still
	// rejected: the lock check runs before the bypass.
	allowed, _, err := limiter.Allow(ctx, "10.0.0.1", "alice01")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestKnownUsernameBypassesCounter(t *testing.T) {
	limiter, ledger := newTestLimiter(5, time.Minute, "alice01")
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		allowed, _, err := limiter.Allow(ctx, "10.0.0.2", "alice01")
		require.NoError(t, err)
		assert.True(t, allowed)
	}

	_, found, err := ledger.Get(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.False(t, found, "known usernames must never create a ledger entry")
}

func TestKnownUsernameAllowedAfterLockElapses(t *testing.T) {
	limiter, _ := newTestLimiter(5, time.Minute, "alice01")
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _, err := limiter.Allow(ctx, "10.0.0.3", "nobody")
		require.NoError(t, err)
	}

	allowed, _, err := limiter.Allow(ctx, "10.0.0.3", "alice01")
	require.NoError(t, err)
	require.False(t, allowed)

	// Correctness relies on comparing the persisted lock time with the
	// clock, not on the eviction timer having fired.
	limiter.now = func() time.Time { return now.Add(61 * time.Second) }
	allowed, _, err = limiter.Allow(ctx, "10.0.0.3", "alice01")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestTimerClearsLedgerEntry(t *testing.T) {
	limiter, ledger := newTestLimiter(2, 20*time.Millisecond)
	ctx := context.Background()

	_, _, err := limiter.Allow(ctx, "10.0.0.4", "nobody")
	require.NoError(t, err)
	allowed, _, err := limiter.Allow(ctx, "10.0.0.4", "nobody")
	require.NoError(t, err)
	require.False(t, allowed)

	assert.Eventually(t, func() bool {
		_, found, err := ledger.Get(ctx, "10.0.0.4")
		return err == nil && !found
	}, time.Second, 5*time.Millisecond)
}

func TestMiddlewareRestoresBodyAndSetsRetryAfter(t *testing.T) {
	limiter, _ := newTestLimiter(1, time.Minute)

	var seenBody []byte
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error
		seenBody, err = io.ReadAll(r.Body)
		require.NoError(t, err)
		w.WriteHeader(http.StatusOK)
	})
	handler := limiter.Middleware(inner)

	payload := []byte(`{"username":"nobody","password":"whatever12345"}`)

	// First request locks (threshold 1) and must carry Retry-After.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(payload))
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "account is locked, try again later", body["error"])

	// A different IP passes through and the inner handler sees the full
	// body despite the middleware's peek.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(payload))
	req.RemoteAddr = "198.51.100.7:4411"
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, payload, seenBody)
}
