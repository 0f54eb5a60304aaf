package ratelimit

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

const maxBodyPeekBytes = 1 << 20

// LedgerStore holds the per-IP failed-attempt counters.
type LedgerStore interface {
	Get(ctx context.Context, ip string) (Entry, bool, error)
	Increment(ctx context.Context, ip string, now time.Time) (Entry, error)
	SetLockTime(ctx context.Context, ip string, lockTime time.Time) error
	Delete(ctx context.Context, ip string) error
}

// UsernameChecker reports whether a username resolves to a known
// account.
type UsernameChecker interface {
	UsernameExists(ctx context.Context, username string) (bool, error)
}

// Limiter gates the login path per source IP. Requests naming an
// existing username skip the counter; the account-level lockout is the
// defense for those. The lock check runs before that bypass, so a
// locked IP stays rejected no matter what username it submits.
type Limiter struct {
	ledger      LedgerStore
	creds       UsernameChecker
	maxRequests int
	window      time.Duration
	logger      *zap.Logger
	now         func() time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewLimiter(ledger LedgerStore, creds UsernameChecker, maxRequests int, window time.Duration, logger *zap.Logger) *Limiter {
	if maxRequests <= 0 {
		maxRequests = 5
	}
	if window <= 0 {
		window = time.Minute
	}

	return &Limiter{
		ledger:      ledger,
		creds:       creds,
		maxRequests: maxRequests,
		window:      window,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		timers:      make(map[string]*time.Timer),
	}
}

// Allow applies the ledger rules for one login attempt and reports
// whether it may proceed, with a retry-after hint when it may not.
func (l *Limiter) Allow(ctx context.Context, ip, username string) (bool, time.Duration, error) {
	now := l.now()

	exists, err := l.creds.UsernameExists(ctx, username)
	if err != nil {
		return false, 0, err
	}

	entry, found, err := l.ledger.Get(ctx, ip)
	if err != nil {
		return false, 0, err
	}

	if exists && found && !entry.LockTime.IsZero() && now.Before(entry.LockTime) {
		return false, entry.LockTime.Sub(now), nil
	}

	if !exists {
		updated, err := l.ledger.Increment(ctx, ip, now)
		if err != nil {
			return false, 0, err
		}
		if updated.Counter >= l.maxRequests {
			lockUntil := now.Add(l.window)
			if err := l.ledger.SetLockTime(ctx, ip, lockUntil); err != nil {
				return false, 0, err
			}
			l.scheduleClear(ip)
			return false, l.window, nil
		}
	}

	return true, 0, nil
}

// scheduleClear drops the ledger entry once the window elapses. Best
// effort only: a restart loses the timer, and every check compares the
// persisted lock time against the clock anyway.
func (l *Limiter) scheduleClear(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if timer, ok := l.timers[ip]; ok {
		timer.Stop()
	}
	l.timers[ip] = time.AfterFunc(l.window, func() {
		if err := l.ledger.Delete(context.Background(), ip); err != nil {
			l.logger.Error("ledger_clear_failed", zap.String("ip", ip), zap.Error(err))
		}
		l.mu.Lock()
		delete(l.timers, ip)
		l.mu.Unlock()
	})
}

// Middleware peeks the username out of the JSON body (restoring the
// body for the login handler) and applies Allow before passing through.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyPeekBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		_ = r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))

		var peek struct {
			Username string `json:"username"`
		}
		_ = json.Unmarshal(body, &peek)

		allowed, retryAfter, err := l.Allow(r.Context(), clientIP(r), strings.TrimSpace(peek.Username))
		if err != nil {
			sentry.CaptureException(err)
			l.logger.Error("rate_limit_check_failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if !allowed {
			seconds := int(retryAfter.Seconds())
			if seconds < 1 {
				seconds = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			writeError(w, http.StatusTooManyRequests, "account is locked, try again later")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	xForwardedFor := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xForwardedFor != "" {
		parts := strings.Split(xForwardedFor, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}

	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}

	return "unknown"
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
