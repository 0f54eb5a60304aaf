package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"auth-service/internal/apperr"
	"auth-service/internal/session"
)

// Payload is what both token flavors carry about the user.
type Payload struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	ResetPassword bool   `json:"resetPassword"`
	Role          string `json:"role"`
}

type claims struct {
	Payload
	jwt.RegisteredClaims
}

// SessionStore is the slice of the session store the token service
// needs: refresh tokens live there, one row per user.
type SessionStore interface {
	UpsertForUser(ctx context.Context, userID, refreshToken string, lastLogin time.Time) error
	GetByToken(ctx context.Context, refreshToken string) (session.Session, error)
	DeleteByToken(ctx context.Context, refreshToken string) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Service signs and verifies the two token flavors. Access and refresh
// tokens use distinct secrets, and the refresh TTL always exceeds the
// access TTL; both are enforced at construction.
type Service struct {
	sessions      SessionStore
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	now           func() time.Time
}

func NewService(sessions SessionStore, accessSecret, refreshSecret string, accessTTL, refreshTTL time.Duration) (*Service, error) {
	if accessSecret == "" || refreshSecret == "" {
		return nil, errors.New("token secrets must be set")
	}
	if accessSecret == refreshSecret {
		return nil, errors.New("access and refresh token secrets must differ")
	}
	if accessTTL <= 0 || refreshTTL <= 0 {
		return nil, errors.New("token TTLs must be positive")
	}
	if refreshTTL <= accessTTL {
		return nil, fmt.Errorf("refresh TTL (%s) must exceed access TTL (%s)", refreshTTL, accessTTL)
	}

	return &Service{
		sessions:      sessions,
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
		accessTTL:     accessTTL,
		refreshTTL:    refreshTTL,
		now:           func() time.Time { return time.Now().UTC() },
	}, nil
}

// WithClock overrides the time source for signing and validation.
func (s *Service) WithClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *Service) GenerateAccessToken(p Payload) (string, error) {
	return s.sign(p, s.accessSecret, s.accessTTL)
}

func (s *Service) GenerateRefreshToken(p Payload) (string, error) {
	return s.sign(p, s.refreshSecret, s.refreshTTL)
}

func (s *Service) sign(p Payload, secret []byte, ttl time.Duration) (string, error) {
	now := s.now()
	c := claims{
		Payload: p,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	encoded, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	return encoded, nil
}

// VerifyAccessToken extracts the bearer token from the Authorization
// header and checks signature and expiry. Every verification failure
// collapses into a single invalid-token condition.
func (s *Service) VerifyAccessToken(authHeader string) (Payload, error) {
	parts := strings.SplitN(strings.TrimSpace(authHeader), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return Payload{}, apperr.Forbidden("invalid authorization header")
	}

	payload, err := s.parse(strings.TrimSpace(parts[1]), s.accessSecret)
	if err != nil {
		return Payload{}, apperr.Wrap(apperr.KindForbidden, "invalid or expired token", err)
	}

	return payload, nil
}

// VerifyRefreshToken enforces the single-active-session invariant: the
// token must equal the stored session value before its signature is
// even looked at. An absent row is a distinct condition from a bad
// signature so the boundary can keep 401 and 403 apart.
func (s *Service) VerifyRefreshToken(ctx context.Context, refreshToken string) (Payload, error) {
	_, err := s.sessions.GetByToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return Payload{}, apperr.NotFound("refresh token not found")
		}
		return Payload{}, apperr.Internal("look up stored refresh token", err)
	}

	payload, err := s.parse(refreshToken, s.refreshSecret)
	if err != nil {
		return Payload{}, apperr.Wrap(apperr.KindForbidden, "invalid refresh token", err)
	}

	return payload, nil
}

func (s *Service) parse(tokenStr string, secret []byte) (Payload, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(tokenStr, &c, func(token *jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return Payload{}, err
	}
	if !parsed.Valid {
		return Payload{}, errors.New("token is not valid")
	}

	return c.Payload, nil
}

// StoreRefreshToken upserts the user's session row, stamping the login
// time. Any previous session for the user is silently invalidated.
func (s *Service) StoreRefreshToken(ctx context.Context, refreshToken, userID string) error {
	if err := s.sessions.UpsertForUser(ctx, userID, refreshToken, s.now()); err != nil {
		return apperr.Internal("store refresh token", err)
	}

	return nil
}

func (s *Service) RemoveRefreshToken(ctx context.Context, refreshToken string) error {
	if err := s.sessions.DeleteByToken(ctx, refreshToken); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return apperr.NotFound("refresh token not found")
		}
		return apperr.Internal("remove refresh token", err)
	}

	return nil
}

func (s *Service) RemoveExpiredSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	deleted, err := s.sessions.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, apperr.Internal("remove expired sessions", err)
	}

	return deleted, nil
}
