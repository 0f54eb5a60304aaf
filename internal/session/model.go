package session

import (
	"errors"
	"time"
)

// Session is the single server-side row per user. A new login
// overwrites the row, so at most one refresh token is recognized per
// user at any time.
type Session struct {
	UserID       string
	RefreshToken string
	LastLogin    time.Time
}

var ErrNotFound = errors.New("session not found")
