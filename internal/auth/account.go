package auth

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AccountStatus is the lifecycle state of an account.
type AccountStatus string

const (
	StatusActive   AccountStatus = "ACTIVE"
	StatusBlocked  AccountStatus = "BLOCKED"
	StatusInactive AccountStatus = "INACTIVE"
)

// Valid reports whether s is a known status.
func (s AccountStatus) Valid() bool {
	switch s {
	case StatusActive, StatusBlocked, StatusInactive:
		return true
	}
	return false
}

// ParseAccountStatus parses a status name case-insensitively.
func ParseAccountStatus(s string) (AccountStatus, error) {
	st := AccountStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", domainErrorf("unknown account status %q", s)
	}
	return st, nil
}

var emailPattern = regexp.MustCompile(`^[A-Za-z0-9+_.-]+@(.+)$`)

// NormalizeEmail lower-cases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidEmail reports whether email looks like local@domain.
func ValidEmail(email string) bool {
	return emailPattern.MatchString(strings.TrimSpace(email))
}

// Account is a user identity. It is a value: update methods return a modified
// copy and never share the role slice with the receiver.
type Account struct {
	ID           uuid.UUID
	Email        string
	PasswordHash string
	Status       AccountStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time

	roles []Role
}

// NewAccount builds an active account with no roles. passwordHash must already
// be a digest.
func NewAccount(email, passwordHash string, now time.Time) (Account, error) {
	if strings.TrimSpace(email) == "" {
		return Account{}, domainErrorf("email must not be blank")
	}
	if !ValidEmail(email) {
		return Account{}, domainErrorf("invalid email")
	}
	if passwordHash == "" {
		return Account{}, domainErrorf("password must not be blank")
	}
	return Account{
		ID:           uuid.New(),
		Email:        NormalizeEmail(email),
		PasswordHash: passwordHash,
		Status:       StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// RestoreAccount rebuilds an account loaded from storage.
func RestoreAccount(id uuid.UUID, email, passwordHash string, status AccountStatus, roles []Role, createdAt, updatedAt time.Time) Account {
	a := Account{
		ID:           id,
		Email:        email,
		PasswordHash: passwordHash,
		Status:       status,
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
	}
	for _, r := range roles {
		if !a.HasRole(r) {
			a.roles = append(a.roles, r)
		}
	}
	return a
}

// Roles returns a copy of the account's roles.
func (a Account) Roles() []Role {
	out := make([]Role, len(a.roles))
	copy(out, a.roles)
	return out
}

// Authorities returns the authority strings of the account's roles.
func (a Account) Authorities() []string {
	out := make([]string, 0, len(a.roles))
	for _, r := range a.roles {
		out = append(out, r.Authority)
	}
	return out
}

// HasRole reports whether the account holds role.
func (a Account) HasRole(role Role) bool {
	for _, r := range a.roles {
		if r.Equal(role) {
			return true
		}
	}
	return false
}

// IsActive reports whether the account may authenticate.
func (a Account) IsActive() bool {
	return a.Status == StatusActive
}

// WithRole returns the account with role added. changed is false when the
// role was already held.
func (a Account) WithRole(role Role, now time.Time) (updated Account, changed bool) {
	if a.HasRole(role) {
		return a, false
	}
	roles := make([]Role, 0, len(a.roles)+1)
	roles = append(roles, a.roles...)
	a.roles = append(roles, role)
	a.UpdatedAt = now
	return a, true
}

// WithoutRole returns the account with role removed.
func (a Account) WithoutRole(role Role, now time.Time) (updated Account, changed bool) {
	if !a.HasRole(role) {
		return a, false
	}
	roles := make([]Role, 0, len(a.roles))
	for _, r := range a.roles {
		if !r.Equal(role) {
			roles = append(roles, r)
		}
	}
	a.roles = roles
	a.UpdatedAt = now
	return a, true
}

// WithPasswordHash returns the account with a replaced digest.
func (a Account) WithPasswordHash(hash string, now time.Time) (Account, error) {
	if hash == "" {
		return a, domainErrorf("password must not be blank")
	}
	a.PasswordHash = hash
	a.UpdatedAt = now
	return a, nil
}

// WithStatus returns the account in the given status.
func (a Account) WithStatus(status AccountStatus, now time.Time) (Account, error) {
	if !status.Valid() {
		return a, domainErrorf("unknown account status %q", status)
	}
	a.Status = status
	a.UpdatedAt = now
	return a, nil
}
