package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// UpsertForUser overwrites the user's session row. The previous refresh
// token, if any, stops being recognized the moment this commits.
func (r *Repository) UpsertForUser(ctx context.Context, userID, refreshToken string, lastLogin time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (user_id, refresh_token, last_login)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id)
		DO UPDATE SET
			refresh_token = EXCLUDED.refresh_token,
			last_login = EXCLUDED.last_login
	`, userID, refreshToken, lastLogin.UTC())
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	return nil
}

func (r *Repository) GetByToken(ctx context.Context, refreshToken string) (Session, error) {
	var s Session
	err := r.db.QueryRowContext(ctx, `
		SELECT user_id, refresh_token, last_login
		FROM sessions
		WHERE refresh_token = $1
	`, refreshToken).Scan(&s.UserID, &s.RefreshToken, &s.LastLogin)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("query session by token: %w", err)
	}

	return s, nil
}

func (r *Repository) DeleteByToken(ctx context.Context, refreshToken string) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM sessions
		WHERE refresh_token = $1
	`, refreshToken)
	if err != nil {
		return fmt.Errorf("delete session by token: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete session rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// DeleteOlderThan removes every session whose last login is at or
// before cutoff. Running it again with no new qualifying rows deletes
// nothing.
func (r *Repository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM sessions
		WHERE last_login <= $1
	`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete stale sessions: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale sessions rows affected: %w", err)
	}

	return affected, nil
}
