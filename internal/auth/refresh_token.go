package auth

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultRefreshTTL is the validity window of a refresh token.
const DefaultRefreshTTL = 7 * 24 * time.Hour

// RefreshToken is a stored, revocable session credential.
type RefreshToken struct {
	ID         uuid.UUID
	AccountID  uuid.UUID
	Token      string
	ExpiresAt  time.Time
	Revoked    bool
	CreatedAt  time.Time
	LastUsedAt *time.Time
}

// NewRefreshToken builds a fresh, unrevoked record.
func NewRefreshToken(accountID uuid.UUID, token string, now time.Time, ttl time.Duration) (RefreshToken, error) {
	if accountID == uuid.Nil {
		return RefreshToken{}, domainErrorf("account id must not be empty")
	}
	if strings.TrimSpace(token) == "" {
		return RefreshToken{}, domainErrorf("token must not be blank")
	}
	if ttl <= 0 {
		return RefreshToken{}, domainErrorf("token ttl must be positive")
	}
	return RefreshToken{
		ID:        uuid.New(),
		AccountID: accountID,
		Token:     token,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}, nil
}

// IsExpired reports whether the token is past its expiry at now.
func (t RefreshToken) IsExpired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// IsValid reports whether the token can still be used at now.
func (t RefreshToken) IsValid(now time.Time) bool {
	return !t.Revoked && !t.IsExpired(now)
}

// TokenPrefix returns a short, loggable prefix of a secret token.
func TokenPrefix(token string) string {
	if len(token) > 8 {
		return token[:8]
	}
	return token
}
