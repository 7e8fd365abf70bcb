// Package token issues and verifies HS256 access tokens and generates opaque
// refresh tokens.
package token

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// MinSecretLength is the smallest accepted HMAC key, in bytes.
const MinSecretLength = 32

// refreshTokenBytes is the entropy of a refresh token.
const refreshTokenBytes = 32

// ErrInvalidToken is returned for any access token that fails verification.
var ErrInvalidToken = errors.New("invalid token")

// Claims is the access-token claim set.
type Claims struct {
	Email string   `json:"email"`
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// Config configures an Issuer.
type Config struct {
	Secret    []byte
	AccessTTL time.Duration
	Issuer    string
	// Now overrides the clock. Nil means time.Now.
	Now func() time.Time
}

// Issuer signs and verifies access tokens. It is immutable after construction
// and safe for concurrent use.
type Issuer struct {
	secret    []byte
	accessTTL time.Duration
	issuer    string
	now       func() time.Time
}

// NewIssuer validates cfg and returns an Issuer.
func NewIssuer(cfg Config) (*Issuer, error) {
	if len(cfg.Secret) < MinSecretLength {
		return nil, fmt.Errorf("signing secret must be at least %d bytes", MinSecretLength)
	}
	if cfg.AccessTTL <= 0 {
		return nil, errors.New("access token ttl must be positive")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	secret := make([]byte, len(cfg.Secret))
	copy(secret, cfg.Secret)
	return &Issuer{secret: secret, accessTTL: cfg.AccessTTL, issuer: cfg.Issuer, now: now}, nil
}

// AccessTTL returns the access-token lifetime.
func (i *Issuer) AccessTTL() time.Duration {
	return i.accessTTL
}

// GenerateAccessToken signs a token for the account. authorities is copied
// into the token as-is; it is not re-read later.
func (i *Issuer) GenerateAccessToken(accountID uuid.UUID, email string, authorities []string) (string, error) {
	now := i.now()
	roles := make([]string, len(authorities))
	copy(roles, authorities)

	claims := Claims{
		Email: email,
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID.String(),
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.accessTTL)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, nil
}

// Parse verifies the token and returns its claims.
func (i *Issuer) Parse(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	}
	if i.issuer != "" {
		opts = append(opts, jwt.WithIssuer(i.issuer))
	}

	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !tok.Valid {
		return nil, ErrInvalidToken
	}
	if _, err := uuid.Parse(claims.Subject); err != nil {
		return nil, fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}
	return claims, nil
}

// ValidateAccessToken verifies the token and returns its subject.
func (i *Issuer) ValidateAccessToken(tokenString string) (uuid.UUID, error) {
	claims, err := i.Parse(tokenString)
	if err != nil {
		return uuid.Nil, err
	}
	return uuid.MustParse(claims.Subject), nil
}

// ExtractRoles returns the authorities recorded when the token was issued.
func (i *Issuer) ExtractRoles(tokenString string) ([]string, error) {
	claims, err := i.Parse(tokenString)
	if err != nil {
		return nil, err
	}
	return claims.Roles, nil
}

// GenerateRefreshToken returns 256 random bits, base64url encoded.
func (i *Issuer) GenerateRefreshToken() (string, error) {
	b := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
