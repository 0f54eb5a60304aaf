package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Entry is one ledger row: failed-attempt counter per source IP. A zero
// LockTime means the IP is not locked.
type Entry struct {
	IP       string
	Counter  int
	LockTime time.Time
}

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Get(ctx context.Context, ip string) (Entry, bool, error) {
	var entry Entry
	entry.IP = ip

	var lockTime sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT counter, lock_time
		FROM login_ip_attempts
		WHERE ip = $1
	`, ip).Scan(&entry.Counter, &lockTime)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("query ledger entry: %w", err)
	}
	if lockTime.Valid {
		entry.LockTime = lockTime.Time.UTC()
	}

	return entry, true, nil
}

// Increment bumps the counter for ip, creating the entry with
// counter=1 and no lock on first sight, and returns the updated row.
func (r *Repository) Increment(ctx context.Context, ip string, now time.Time) (Entry, error) {
	entry := Entry{IP: ip}

	var lockTime sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO login_ip_attempts (ip, counter, lock_time, updated_at)
		VALUES ($1, 1, NULL, $2)
		ON CONFLICT (ip)
		DO UPDATE SET
			counter = login_ip_attempts.counter + 1,
			updated_at = EXCLUDED.updated_at
		RETURNING counter, lock_time
	`, ip, now.UTC()).Scan(&entry.Counter, &lockTime)
	if err != nil {
		return Entry{}, fmt.Errorf("increment ledger entry: %w", err)
	}
	if lockTime.Valid {
		entry.LockTime = lockTime.Time.UTC()
	}

	return entry, nil
}

func (r *Repository) SetLockTime(ctx context.Context, ip string, lockTime time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE login_ip_attempts
		SET lock_time = $2, updated_at = $2
		WHERE ip = $1
	`, ip, lockTime.UTC())
	if err != nil {
		return fmt.Errorf("set ledger lock time: %w", err)
	}

	return nil
}

func (r *Repository) Delete(ctx context.Context, ip string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM login_ip_attempts
		WHERE ip = $1
	`, ip)
	if err != nil {
		return fmt.Errorf("delete ledger entry: %w", err)
	}

	return nil
}
