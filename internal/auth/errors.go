package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrDomain marks a violated domain rule. It maps to a bad request.
	ErrDomain = errors.New("domain error")
	// ErrDuplicateAccount is returned when an email is already registered.
	ErrDuplicateAccount = fmt.Errorf("%w: account already exists", ErrDomain)
	// ErrPasswordTooLong is returned when a password exceeds what the hasher
	// accepts.
	ErrPasswordTooLong = fmt.Errorf("%w: password too long", ErrDomain)
	// ErrUserNotFound is returned when the referenced account does not exist.
	ErrUserNotFound = errors.New("user not found")
	// ErrInvalidCredentials covers bad passwords, inactive accounts and
	// unusable refresh tokens alike.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrNotFound is the storage-level not-found marker returned by ports.
	ErrNotFound = errors.New("not found")
)

func domainErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDomain, fmt.Sprintf(format, args...))
}
