package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"auth-service/internal/apperr"
	"auth-service/internal/credential"
	"auth-service/internal/token"
)

const (
	defaultMaxAttempts  = 5
	defaultLockDuration = 15 * time.Minute
)

// CredentialStore is the slice of the credential store the
// orchestrator needs.
type CredentialStore interface {
	GetByUsername(ctx context.Context, username string) (credential.Credential, error)
	GetByID(ctx context.Context, id string) (credential.Credential, error)
	UpdateLoginState(ctx context.Context, c credential.Credential) error
	UpdatePassword(ctx context.Context, id, passwordHash string) error
}

// TokenService issues, verifies and revokes the signed tokens.
type TokenService interface {
	GenerateAccessToken(p token.Payload) (string, error)
	GenerateRefreshToken(p token.Payload) (string, error)
	VerifyRefreshToken(ctx context.Context, refreshToken string) (token.Payload, error)
	StoreRefreshToken(ctx context.Context, refreshToken, userID string) error
	RemoveRefreshToken(ctx context.Context, refreshToken string) error
}

type Tokens struct {
	AccessToken  string
	RefreshToken string
}

// Service composes the credential store and the token service into the
// login, refresh, password-reset and logout operations.
type Service struct {
	creds        CredentialStore
	tokens       TokenService
	maxAttempts  int
	lockDuration time.Duration
	bcryptCost   int
	now          func() time.Time
}

func NewService(creds CredentialStore, tokens TokenService) *Service {
	return &Service{
		creds:        creds,
		tokens:       tokens,
		maxAttempts:  defaultMaxAttempts,
		lockDuration: defaultLockDuration,
		bcryptCost:   bcrypt.DefaultCost,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) WithSecurityConfig(maxAttempts int, lockDuration time.Duration, bcryptCost int) {
	if maxAttempts > 0 {
		s.maxAttempts = maxAttempts
	}
	if lockDuration > 0 {
		s.lockDuration = lockDuration
	}
	if bcryptCost >= bcrypt.MinCost && bcryptCost <= bcrypt.MaxCost {
		s.bcryptCost = bcryptCost
	}
}

// Login runs the account-level lockout state machine. Every branch
// persists its counter mutation before returning, so the bookkeeping
// survives restarts.
func (s *Service) Login(ctx context.Context, username, password string) (Tokens, error) {
	username = strings.TrimSpace(username)

	user, err := s.creds.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, credential.ErrNotFound) {
			// Same message as a bad password, to avoid confirming the
			// account exists.
			return Tokens{}, apperr.Unauthorized("invalid username or password")
		}
		return Tokens{}, apperr.Internal("look up credential", err)
	}

	now := s.now()

	if user.AccountLocked && user.LastFailedLoginDate != nil {
		if now.Sub(*user.LastFailedLoginDate) < s.lockDuration {
			return Tokens{}, apperr.TooManyRequests("account is locked, try again later")
		}
		// Lock window elapsed: unlock in memory, persisted below by
		// whichever branch runs next.
		user.FailedLoginAttempts = 0
		user.AccountLocked = false
		user.LastFailedLoginDate = nil
	}

	if user.FailedLoginAttempts >= s.maxAttempts {
		user.AccountLocked = true
		if err := s.creds.UpdateLoginState(ctx, user); err != nil {
			return Tokens{}, apperr.Internal("persist account lock", err)
		}
		return Tokens{}, apperr.TooManyRequests("account is locked, try again later")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(strings.TrimSpace(password))); err != nil {
		user.FailedLoginAttempts++
		failedAt := now
		user.LastFailedLoginDate = &failedAt
		if err := s.creds.UpdateLoginState(ctx, user); err != nil {
			return Tokens{}, apperr.Internal("persist failed attempt", err)
		}
		return Tokens{}, apperr.Unauthorized("invalid username or password")
	}

	// A successful login always leaves the counters clean.
	user.FailedLoginAttempts = 0
	user.AccountLocked = false
	user.LastFailedLoginDate = nil
	if err := s.creds.UpdateLoginState(ctx, user); err != nil {
		return Tokens{}, apperr.Internal("persist login state", err)
	}

	payload := payloadFor(user)
	accessToken, err := s.tokens.GenerateAccessToken(payload)
	if err != nil {
		return Tokens{}, apperr.Internal("generate access token", err)
	}
	refreshToken, err := s.tokens.GenerateRefreshToken(payload)
	if err != nil {
		return Tokens{}, apperr.Internal("generate refresh token", err)
	}

	if err := s.tokens.StoreRefreshToken(ctx, refreshToken, user.ID); err != nil {
		return Tokens{}, err
	}

	return Tokens{AccessToken: accessToken, RefreshToken: refreshToken}, nil
}

// Refresh exchanges a valid refresh-token cookie for a new access
// token. The refresh token itself is not rotated; it stays valid until
// its own expiry or until the session row is replaced.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (string, error) {
	if refreshToken == "" {
		return "", apperr.Unauthorized("cookie must be provided")
	}

	payload, err := s.tokens.VerifyRefreshToken(ctx, refreshToken)
	if err != nil {
		return "", err
	}

	user, err := s.creds.GetByID(ctx, payload.ID)
	if err != nil {
		if errors.Is(err, credential.ErrNotFound) {
			return "", apperr.Internal("credential missing for stored session", err)
		}
		return "", apperr.Internal("look up credential", err)
	}

	accessToken, err := s.tokens.GenerateAccessToken(payloadFor(user))
	if err != nil {
		return "", apperr.Internal("generate access token", err)
	}

	return accessToken, nil
}

// ResetPassword rehashes the password with a fresh salt, flags the
// credential as reset, and revokes the current session so the user has
// to authenticate again.
func (s *Service) ResetPassword(ctx context.Context, userID, refreshToken, password, confirmPassword string) error {
	if refreshToken == "" {
		return apperr.Unauthorized("cookie must be provided")
	}

	user, err := s.creds.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, credential.ErrNotFound) {
			return apperr.Unauthorized("member not found")
		}
		return apperr.Internal("look up credential", err)
	}

	if password != confirmPassword {
		return apperr.Unauthorized("passwords do not match")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return apperr.Internal("hash new password", err)
	}

	if err := s.creds.UpdatePassword(ctx, user.ID, string(hash)); err != nil {
		return apperr.Internal("update password", err)
	}

	return s.tokens.RemoveRefreshToken(ctx, refreshToken)
}

// Logout deletes the session row matching the cookie.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return apperr.Unauthorized("cookie must be provided")
	}

	return s.tokens.RemoveRefreshToken(ctx, refreshToken)
}

func payloadFor(user credential.Credential) token.Payload {
	return token.Payload{
		ID:            user.ID,
		Username:      user.Username,
		ResetPassword: user.ResetPassword,
		Role:          string(user.Role),
	}
}
