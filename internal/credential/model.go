package credential

import (
	"errors"
	"time"
)

type Role string

const (
	RoleEmployee   Role = "employee"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "superAdmin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleEmployee, RoleAdmin, RoleSuperAdmin:
		return true
	default:
		return false
	}
}

// Credential is one identity record. AccountLocked implies
// LastFailedLoginDate is non-nil: the lock is only ever set after a
// failed attempt stamped the date.
type Credential struct {
	ID                  string
	Username            string
	PasswordHash        string
	Role                Role
	ResetPassword       bool
	FailedLoginAttempts int
	AccountLocked       bool
	LastFailedLoginDate *time.Time
	CreatedAt           time.Time
}

var ErrNotFound = errors.New("credential not found")
