package token

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auth-service/internal/apperr"
	"auth-service/internal/session"
)

type memSessions struct {
	mu     sync.Mutex
	byUser map[string]session.Session
}

func newMemSessions() *memSessions {
	return &memSessions{byUser: make(map[string]session.Session)}
}

func (m *memSessions) UpsertForUser(ctx context.Context, userID, refreshToken string, lastLogin time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byUser[userID] = session.Session{UserID: userID, RefreshToken: refreshToken, LastLogin: lastLogin}
	return nil
}

func (m *memSessions) GetByToken(ctx context.Context, refreshToken string) (session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.byUser {
		if s.RefreshToken == refreshToken {
			return s, nil
		}
	}
	return session.Session{}, session.ErrNotFound
}

func (m *memSessions) DeleteByToken(ctx context.Context, refreshToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for userID, s := range m.byUser {
		if s.RefreshToken == refreshToken {
			delete(m.byUser, userID)
			return nil
		}
	}
	return session.ErrNotFound
}

func (m *memSessions) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for userID, s := range m.byUser {
		if !s.LastLogin.After(cutoff) {
			delete(m.byUser, userID)
			deleted++
		}
	}
	return deleted, nil
}

func newTestService(t *testing.T, sessions SessionStore) *Service {
	t.Helper()
	svc, err := NewService(sessions, "access-secret", "refresh-secret", 15*time.Minute, 168*time.Hour)
	require.NoError(t, err)
	return svc
}

var testPayload = Payload{
	ID:            "user-1",
	Username:      "alice01",
	ResetPassword: false,
	Role:          "employee",
}

func TestNewServiceValidation(t *testing.T) {
	sessions := newMemSessions()

	_, err := NewService(sessions, "same", "same", 15*time.Minute, time.Hour)
	assert.ErrorContains(t, err, "must differ")

	_, err = NewService(sessions, "a", "b", time.Hour, time.Hour)
	assert.ErrorContains(t, err, "must exceed")

	_, err = NewService(sessions, "a", "b", 2*time.Hour, time.Hour)
	assert.ErrorContains(t, err, "must exceed")

	_, err = NewService(sessions, "", "b", 15*time.Minute, time.Hour)
	assert.ErrorContains(t, err, "must be set")
}

func TestAccessTokenRoundTrip(t *testing.T) {
	svc := newTestService(t, newMemSessions())

	payload := Payload{ID: "user-1", Username: "alice01", ResetPassword: true, Role: "admin"}
	encoded, err := svc.GenerateAccessToken(payload)
	require.NoError(t, err)

	decoded, err := svc.VerifyAccessToken("Bearer " + encoded)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

func TestVerifyAccessTokenFailures(t *testing.T) {
	svc := newTestService(t, newMemSessions())

	_, err := svc.VerifyAccessToken("")
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	_, err = svc.VerifyAccessToken("Basic abc")
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	_, err = svc.VerifyAccessToken("Bearer not-a-jwt")
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	// A refresh token is signed with the other secret and must not pass.
	refresh, err := svc.GenerateRefreshToken(testPayload)
	require.NoError(t, err)
	_, err = svc.VerifyAccessToken("Bearer " + refresh)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
}

func TestVerifyAccessTokenExpired(t *testing.T) {
	svc := newTestService(t, newMemSessions())

	issued := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return issued }
	encoded, err := svc.GenerateAccessToken(testPayload)
	require.NoError(t, err)

	svc.now = func() time.Time { return issued.Add(16 * time.Minute) }
	_, err = svc.VerifyAccessToken("Bearer " + encoded)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
}

func TestVerifyRefreshTokenNotStored(t *testing.T) {
	svc := newTestService(t, newMemSessions())

	// Correctly signed, never stored: the existence check must reject it
	// before the signature is considered.
	encoded, err := svc.GenerateRefreshToken(testPayload)
	require.NoError(t, err)

	_, err = svc.VerifyRefreshToken(context.Background(), encoded)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestVerifyRefreshTokenBadSignature(t *testing.T) {
	sessions := newMemSessions()
	svc := newTestService(t, sessions)

	// A stored value that is not a validly signed token: found in the
	// store, rejected at signature check. Distinct condition.
	require.NoError(t, svc.StoreRefreshToken(context.Background(), "garbage-token", "user-1"))

	_, err := svc.VerifyRefreshToken(context.Background(), "garbage-token")
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
}

func TestVerifyRefreshTokenExpired(t *testing.T) {
	sessions := newMemSessions()
	svc := newTestService(t, sessions)

	issued := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return issued }
	encoded, err := svc.GenerateRefreshToken(testPayload)
	require.NoError(t, err)
	require.NoError(t, svc.StoreRefreshToken(context.Background(), encoded, testPayload.ID))

	svc.now = func() time.Time { return issued.Add(169 * time.Hour) }
	_, err = svc.VerifyRefreshToken(context.Background(), encoded)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
}

func TestSingleSessionOverwrite(t *testing.T) {
	sessions := newMemSessions()
	svc := newTestService(t, sessions)
	ctx := context.Background()

	first, err := svc.GenerateRefreshToken(testPayload)
	require.NoError(t, err)
	require.NoError(t, svc.StoreRefreshToken(ctx, first, testPayload.ID))

	// Same payload, later issue time, so the encoded token differs.
	svc.now = func() time.Time { return time.Now().UTC().Add(time.Second) }
	second, err := svc.GenerateRefreshToken(testPayload)
	require.NoError(t, err)
	require.NotEqual(t, first, second)
	require.NoError(t, svc.StoreRefreshToken(ctx, second, testPayload.ID))

	_, err = svc.VerifyRefreshToken(ctx, first)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	decoded, err := svc.VerifyRefreshToken(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, testPayload.ID, decoded.ID)
}

func TestRemoveRefreshToken(t *testing.T) {
	sessions := newMemSessions()
	svc := newTestService(t, sessions)
	ctx := context.Background()

	encoded, err := svc.GenerateRefreshToken(testPayload)
	require.NoError(t, err)
	require.NoError(t, svc.StoreRefreshToken(ctx, encoded, testPayload.ID))

	require.NoError(t, svc.RemoveRefreshToken(ctx, encoded))

	err = svc.RemoveRefreshToken(ctx, encoded)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestRemoveExpiredSessionsIdempotent(t *testing.T) {
	sessions := newMemSessions()
	svc := newTestService(t, sessions)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, sessions.UpsertForUser(ctx, "stale", "t1", now.Add(-8*24*time.Hour)))
	require.NoError(t, sessions.UpsertForUser(ctx, "fresh", "t2", now))

	cutoff := now.Add(-7 * 24 * time.Hour)

	deleted, err := svc.RemoveExpiredSessions(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	deleted, err = svc.RemoveExpiredSessions(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(0), deleted)
}
