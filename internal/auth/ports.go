package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// UserDirectory stores accounts. Lookups return ErrNotFound when nothing
// matches; Save returns ErrDuplicateAccount on an email collision.
type UserDirectory interface {
	FindByEmail(ctx context.Context, email string) (Account, error)
	FindByID(ctx context.Context, id uuid.UUID) (Account, error)
	Save(ctx context.Context, account Account) error
	ExistsByEmail(ctx context.Context, email string) (bool, error)
}

// RoleDirectory stores roles.
type RoleDirectory interface {
	FindByName(ctx context.Context, name string) (Role, error)
	FindByAuthority(ctx context.Context, authority string) (Role, error)
	ExistsByAuthority(ctx context.Context, authority string) (bool, error)
	Save(ctx context.Context, role Role) error
	List(ctx context.Context) ([]Role, error)
}

// RefreshTokenStore stores refresh-token records.
//
// Revoke and MarkUsed are single-record conditional writes; implementations
// must apply them atomically so a revoke and a concurrent use of the same
// token are strictly ordered.
type RefreshTokenStore interface {
	Save(ctx context.Context, token RefreshToken) error
	FindByToken(ctx context.Context, token string) (RefreshToken, error)
	FindByUserID(ctx context.Context, accountID uuid.UUID) ([]RefreshToken, error)
	Delete(ctx context.Context, token string) error
	DeleteByUserID(ctx context.Context, accountID uuid.UUID) error

	// Revoke sets revoked only if it is currently false. applied reports
	// whether this call flipped it. Unknown tokens yield ErrNotFound.
	Revoke(ctx context.Context, token string) (applied bool, err error)
	// RevokeAllByUserID revokes every unrevoked token of the account and
	// returns how many were flipped.
	RevokeAllByUserID(ctx context.Context, accountID uuid.UUID) (int64, error)
	// MarkUsed records a use at now only if the token is unrevoked and
	// unexpired at now. applied is false otherwise.
	MarkUsed(ctx context.Context, token string, now time.Time) (applied bool, err error)
}

// PasswordHasher produces and checks self-describing password digests.
type PasswordHasher interface {
	Hash(plain string) (string, error)
	Matches(plain, digest string) bool
}

// TokenIssuer mints access and refresh token strings.
type TokenIssuer interface {
	GenerateAccessToken(accountID uuid.UUID, email string, authorities []string) (string, error)
	GenerateRefreshToken() (string, error)
	AccessTTL() time.Duration
}
