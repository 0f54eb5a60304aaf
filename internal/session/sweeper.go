package session

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

// Pruner is the slice of the session store the sweeper needs.
type Pruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sweeper deletes sessions whose last login is older than the retention
// period, on a fixed wall-clock schedule. A failed run is logged and
// absorbed; the next tick retries from scratch.
type Sweeper struct {
	store     Pruner
	retention time.Duration
	interval  time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

func NewSweeper(store Pruner, retention, interval time.Duration, logger *zap.Logger) *Sweeper {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	if interval <= 0 {
		interval = time.Hour
	}

	return &Sweeper{
		store:     store,
		retention: retention,
		interval:  interval,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run blocks until ctx is cancelled, sweeping once per interval.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				sentry.CaptureException(err)
				s.logger.Error("session_sweep_failed", zap.Error(err))
			}
		}
	}
}

// Sweep performs one deletion pass and returns the number of sessions
// removed.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.retention)

	deleted, err := s.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	s.logger.Info("session_sweep_completed",
		zap.Time("cutoff", cutoff),
		zap.Int64("deleted_sessions", deleted),
	)

	return deleted, nil
}
