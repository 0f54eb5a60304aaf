package credential

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) GetByUsername(ctx context.Context, username string) (Credential, error) {
	return r.getBy(ctx, `WHERE username = $1`, username)
}

func (r *Repository) GetByID(ctx context.Context, id string) (Credential, error) {
	return r.getBy(ctx, `WHERE id = $1`, id)
}

func (r *Repository) getBy(ctx context.Context, where string, arg any) (Credential, error) {
	var c Credential
	var lastFailed sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, role, reset_password,
		       failed_login_attempts, account_locked, last_failed_login_date, created_at
		FROM users
	`+where, arg).Scan(
		&c.ID, &c.Username, &c.PasswordHash, &c.Role, &c.ResetPassword,
		&c.FailedLoginAttempts, &c.AccountLocked, &lastFailed, &c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Credential{}, ErrNotFound
		}
		return Credential{}, fmt.Errorf("query credential: %w", err)
	}
	if lastFailed.Valid {
		value := lastFailed.Time.UTC()
		c.LastFailedLoginDate = &value
	}

	return c, nil
}

func (r *Repository) UsernameExists(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM users WHERE username = $1)
	`, username).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check username exists: %w", err)
	}

	return exists, nil
}

// UpdateLoginState persists the lockout bookkeeping fields. It is the
// only write the login path performs on a credential.
func (r *Repository) UpdateLoginState(ctx context.Context, c Credential) error {
	var lastFailed any
	if c.LastFailedLoginDate != nil {
		lastFailed = c.LastFailedLoginDate.UTC()
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET failed_login_attempts = $2, account_locked = $3, last_failed_login_date = $4
		WHERE id = $1
	`, c.ID, c.FailedLoginAttempts, c.AccountLocked, lastFailed)
	if err != nil {
		return fmt.Errorf("update login state: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update login state rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

func (r *Repository) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET password_hash = $2, reset_password = TRUE
		WHERE id = $1
	`, id, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update password rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// EnsureSeedUser creates the configured bootstrap account if the
// username is not taken. Existing rows are left untouched.
func (r *Repository) EnsureSeedUser(ctx context.Context, username, plainPassword string, cost int) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate uuid v7: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(plainPassword), cost)
	if err != nil {
		return fmt.Errorf("hash seed password: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO users (id, username, password_hash, role, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (username) DO NOTHING
	`, id.String(), username, string(hash), string(RoleSuperAdmin), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert seed user: %w", err)
	}

	return nil
}
