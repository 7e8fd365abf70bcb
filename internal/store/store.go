// Package store holds the persistence adapters behind the auth ports:
// in-memory, SQLite, PostgreSQL and a Redis refresh-token store.
package store

import (
	"context"
	"errors"

	"github.com/example/authsession/internal/auth"
)

var (
	errDuplicateRole  = errors.New("role name or authority already exists")
	errDuplicateToken = errors.New("refresh token already exists")
)

// Backend is a storage adapter that serves every auth port.
type Backend interface {
	Users() auth.UserDirectory
	Roles() auth.RoleDirectory
	Tokens() auth.RefreshTokenStore
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Backend = (*Memory)(nil)
	_ Backend = (*SQL)(nil)

	_ auth.RefreshTokenStore = (*RedisTokens)(nil)
)
