package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/authsession/internal/logger"
)

// TokenTypeBearer is the token type reported to clients.
const TokenTypeBearer = "Bearer"

// Options switch the session policies that trade safety for simplicity.
// The zero value keeps refresh tokens reusable until logout or expiry.
type Options struct {
	// RefreshTTL is the refresh-token validity window. Zero means DefaultRefreshTTL.
	RefreshTTL time.Duration
	// RotateRefreshTokens revokes the presented refresh token on every
	// refresh and hands out a new one.
	RotateRefreshTokens bool
	// RevokeOnPasswordChange revokes every refresh token of the account when
	// its password changes.
	RevokeOnPasswordChange bool
	// ConcealUnknownAccounts reports unknown emails on login as invalid
	// credentials instead of user-not-found.
	ConcealUnknownAccounts bool
	// Now overrides the clock. Nil means time.Now.
	Now func() time.Time
}

// TokenPair is the result of a login or refresh.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	TokenType    string `json:"tokenType"`
	ExpiresIn    int64  `json:"expiresIn"`
}

// Service orchestrates registration, login, refresh, logout and account
// administration. It holds no mutable state of its own beyond a lazily
// computed decoy digest.
type Service struct {
	users  UserDirectory
	roles  RoleDirectory
	tokens RefreshTokenStore
	hasher PasswordHasher
	issuer TokenIssuer
	logger *logger.Logger
	opts   Options

	decoyOnce sync.Once
	decoy     string
}

// NewService wires a Service.
func NewService(
	users UserDirectory,
	roles RoleDirectory,
	tokens RefreshTokenStore,
	hasher PasswordHasher,
	issuer TokenIssuer,
	log *logger.Logger,
	opts Options,
) *Service {
	if opts.RefreshTTL <= 0 {
		opts.RefreshTTL = DefaultRefreshTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Service{
		users:  users,
		roles:  roles,
		tokens: tokens,
		hasher: hasher,
		issuer: issuer,
		logger: log,
		opts:   opts,
	}
}

// Register creates an active account holding ROLE_USER.
func (s *Service) Register(ctx context.Context, email, password string) (Account, error) {
	email = NormalizeEmail(email)
	if strings.TrimSpace(password) == "" {
		return Account{}, domainErrorf("password must not be blank")
	}

	exists, err := s.users.ExistsByEmail(ctx, email)
	if err != nil {
		return Account{}, fmt.Errorf("failed to check email: %w", err)
	}
	if exists {
		s.logger.Info("Auth service: registration rejected, email taken", "email", email)
		return Account{}, ErrDuplicateAccount
	}

	digest, err := s.hashPassword(password)
	if err != nil {
		return Account{}, err
	}

	now := s.opts.Now()
	account, err := NewAccount(email, digest, now)
	if err != nil {
		return Account{}, err
	}

	userRole, err := s.roles.FindByAuthority(ctx, AuthorityUser)
	if errors.Is(err, ErrNotFound) {
		return Account{}, domainErrorf("role %s is not provisioned", AuthorityUser)
	}
	if err != nil {
		return Account{}, fmt.Errorf("failed to find default role: %w", err)
	}
	account, _ = account.WithRole(userRole, now)

	if err := s.users.Save(ctx, account); err != nil {
		if errors.Is(err, ErrDuplicateAccount) {
			return Account{}, ErrDuplicateAccount
		}
		return Account{}, fmt.Errorf("failed to save account: %w", err)
	}

	s.logger.Info("Auth service: account registered", "account_id", account.ID)
	return account, nil
}

// Login verifies credentials and opens a new session.
func (s *Service) Login(ctx context.Context, email, password string) (TokenPair, error) {
	email = NormalizeEmail(email)

	account, err := s.users.FindByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		if s.opts.ConcealUnknownAccounts {
			s.hasher.Matches(password, s.decoyDigest())
			return TokenPair{}, ErrInvalidCredentials
		}
		return TokenPair{}, ErrUserNotFound
	}
	if err != nil {
		return TokenPair{}, fmt.Errorf("failed to find account: %w", err)
	}

	if !account.IsActive() {
		s.logger.Info("Auth service: login rejected, account not active",
			"account_id", account.ID,
			"status", account.Status)
		return TokenPair{}, ErrInvalidCredentials
	}
	if !s.hasher.Matches(password, account.PasswordHash) {
		s.logger.Info("Auth service: login rejected, password mismatch", "account_id", account.ID)
		return TokenPair{}, ErrInvalidCredentials
	}

	s.pruneExpired(ctx, account.ID)

	pair, err := s.openSession(ctx, account)
	if err != nil {
		return TokenPair{}, err
	}
	s.logger.Info("Auth service: login succeeded", "account_id", account.ID)
	return pair, nil
}

// Refresh exchanges a valid refresh token for a new access token. Unless
// rotation is enabled the same refresh token is handed back.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	now := s.opts.Now()

	record, err := s.tokens.FindByToken(ctx, refreshToken)
	if errors.Is(err, ErrNotFound) {
		return TokenPair{}, ErrInvalidCredentials
	}
	if err != nil {
		return TokenPair{}, fmt.Errorf("failed to find refresh token: %w", err)
	}
	if !record.IsValid(now) {
		s.logger.Debug("Auth service: refresh rejected, token unusable",
			"token", TokenPrefix(refreshToken),
			"revoked", record.Revoked)
		return TokenPair{}, ErrInvalidCredentials
	}

	account, err := s.users.FindByID(ctx, record.AccountID)
	if errors.Is(err, ErrNotFound) {
		return TokenPair{}, ErrUserNotFound
	}
	if err != nil {
		return TokenPair{}, fmt.Errorf("failed to find account: %w", err)
	}
	if !account.IsActive() {
		return TokenPair{}, ErrInvalidCredentials
	}

	if s.opts.RotateRefreshTokens {
		return s.rotate(ctx, account, refreshToken)
	}

	// The conditional write orders this refresh against a concurrent logout.
	applied, err := s.tokens.MarkUsed(ctx, refreshToken, now)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return TokenPair{}, fmt.Errorf("failed to mark refresh token used: %w", err)
	}
	if !applied {
		return TokenPair{}, ErrInvalidCredentials
	}

	access, err := s.issuer.GenerateAccessToken(account.ID, account.Email, account.Authorities())
	if err != nil {
		return TokenPair{}, fmt.Errorf("failed to generate access token: %w", err)
	}
	return s.pair(access, refreshToken), nil
}

// Logout revokes a refresh token. Revoking an already revoked token succeeds.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	applied, err := s.tokens.Revoke(ctx, refreshToken)
	if errors.Is(err, ErrNotFound) {
		return domainErrorf("refresh token not found")
	}
	if err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	if !applied {
		s.logger.Debug("Auth service: logout of revoked token", "token", TokenPrefix(refreshToken))
	}
	return nil
}

// ChangePassword replaces the account's password after checking the current one.
func (s *Service) ChangePassword(ctx context.Context, accountID uuid.UUID, currentPassword, newPassword string) error {
	account, err := s.findAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if !s.hasher.Matches(currentPassword, account.PasswordHash) {
		return ErrInvalidCredentials
	}
	if strings.TrimSpace(newPassword) == "" {
		return domainErrorf("new password must not be blank")
	}

	digest, err := s.hashPassword(newPassword)
	if err != nil {
		return err
	}
	account, err = account.WithPasswordHash(digest, s.opts.Now())
	if err != nil {
		return err
	}
	if err := s.users.Save(ctx, account); err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}

	if s.opts.RevokeOnPasswordChange {
		n, err := s.tokens.RevokeAllByUserID(ctx, accountID)
		if err != nil {
			return fmt.Errorf("failed to revoke sessions: %w", err)
		}
		s.logger.Info("Auth service: sessions revoked after password change",
			"account_id", accountID,
			"revoked", n)
	}
	s.logger.Info("Auth service: password changed", "account_id", accountID)
	return nil
}

// AssignRole adds a role, resolved by name or authority. Assigning a role
// the account already holds is a no-op.
func (s *Service) AssignRole(ctx context.Context, accountID uuid.UUID, nameOrAuthority string) (Account, error) {
	account, err := s.findAccount(ctx, accountID)
	if err != nil {
		return Account{}, err
	}
	role, err := s.resolveRole(ctx, nameOrAuthority)
	if err != nil {
		return Account{}, err
	}

	account, changed := account.WithRole(role, s.opts.Now())
	if !changed {
		return account, nil
	}
	if err := s.users.Save(ctx, account); err != nil {
		return Account{}, fmt.Errorf("failed to save account: %w", err)
	}
	s.logger.Info("Auth service: role assigned",
		"account_id", accountID,
		"authority", role.Authority)
	return account, nil
}

// RemoveRole drops a role from the account. Removing a role the account does
// not hold is a no-op.
func (s *Service) RemoveRole(ctx context.Context, accountID uuid.UUID, nameOrAuthority string) (Account, error) {
	account, err := s.findAccount(ctx, accountID)
	if err != nil {
		return Account{}, err
	}
	role, err := s.resolveRole(ctx, nameOrAuthority)
	if err != nil {
		return Account{}, err
	}

	account, changed := account.WithoutRole(role, s.opts.Now())
	if !changed {
		return account, nil
	}
	if err := s.users.Save(ctx, account); err != nil {
		return Account{}, fmt.Errorf("failed to save account: %w", err)
	}
	s.logger.Info("Auth service: role removed",
		"account_id", accountID,
		"authority", role.Authority)
	return account, nil
}

// SetStatus moves the account to status.
func (s *Service) SetStatus(ctx context.Context, accountID uuid.UUID, status AccountStatus) (Account, error) {
	account, err := s.findAccount(ctx, accountID)
	if err != nil {
		return Account{}, err
	}
	account, err = account.WithStatus(status, s.opts.Now())
	if err != nil {
		return Account{}, err
	}
	if err := s.users.Save(ctx, account); err != nil {
		return Account{}, fmt.Errorf("failed to save account: %w", err)
	}
	s.logger.Info("Auth service: status changed",
		"account_id", accountID,
		"status", status)
	return account, nil
}

// ListRoles returns every provisioned role.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	roles, err := s.roles.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	return roles, nil
}

// CurrentUser loads the account by id.
func (s *Service) CurrentUser(ctx context.Context, accountID uuid.UUID) (Account, error) {
	return s.findAccount(ctx, accountID)
}

// Sessions lists the account's refresh-token records.
func (s *Service) Sessions(ctx context.Context, accountID uuid.UUID) ([]RefreshToken, error) {
	if _, err := s.findAccount(ctx, accountID); err != nil {
		return nil, err
	}
	records, err := s.tokens.FindByUserID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return records, nil
}

// DeleteSessions removes every refresh-token record of the account.
func (s *Service) DeleteSessions(ctx context.Context, accountID uuid.UUID) error {
	if _, err := s.findAccount(ctx, accountID); err != nil {
		return err
	}
	if err := s.tokens.DeleteByUserID(ctx, accountID); err != nil {
		return fmt.Errorf("failed to delete sessions: %w", err)
	}
	s.logger.Info("Auth service: sessions deleted", "account_id", accountID)
	return nil
}

// InspectRefreshToken reports the stored record and whether it is usable now.
func (s *Service) InspectRefreshToken(ctx context.Context, refreshToken string) (RefreshToken, bool, error) {
	record, err := s.tokens.FindByToken(ctx, refreshToken)
	if err != nil {
		return RefreshToken{}, false, err
	}
	return record, record.IsValid(s.opts.Now()), nil
}

// rotate saves a replacement token, then consumes the presented one. A caller
// that loses the revoke drops its replacement.
func (s *Service) rotate(ctx context.Context, account Account, presented string) (TokenPair, error) {
	pair, err := s.openSession(ctx, account)
	if err != nil {
		return TokenPair{}, err
	}

	applied, err := s.tokens.Revoke(ctx, presented)
	if err != nil && !errors.Is(err, ErrNotFound) {
		s.dropToken(ctx, pair.RefreshToken)
		return TokenPair{}, fmt.Errorf("failed to consume refresh token: %w", err)
	}
	if !applied {
		s.dropToken(ctx, pair.RefreshToken)
		return TokenPair{}, ErrInvalidCredentials
	}
	return pair, nil
}

func (s *Service) dropToken(ctx context.Context, token string) {
	if err := s.tokens.Delete(ctx, token); err != nil && !errors.Is(err, ErrNotFound) {
		s.logger.Warn("Auth service: failed to drop unused refresh token",
			"token", TokenPrefix(token),
			"error", err.Error())
	}
}

// hashPassword reports a password the hasher cannot accept as ErrPasswordTooLong.
func (s *Service) hashPassword(plain string) (string, error) {
	digest, err := s.hasher.Hash(plain)
	if errors.Is(err, ErrPasswordTooLong) {
		return "", ErrPasswordTooLong
	}
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return digest, nil
}

func (s *Service) openSession(ctx context.Context, account Account) (TokenPair, error) {
	access, err := s.issuer.GenerateAccessToken(account.ID, account.Email, account.Authorities())
	if err != nil {
		return TokenPair{}, fmt.Errorf("failed to generate access token: %w", err)
	}
	raw, err := s.issuer.GenerateRefreshToken()
	if err != nil {
		return TokenPair{}, fmt.Errorf("failed to generate refresh token: %w", err)
	}
	record, err := NewRefreshToken(account.ID, raw, s.opts.Now(), s.opts.RefreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	if err := s.tokens.Save(ctx, record); err != nil {
		return TokenPair{}, fmt.Errorf("failed to save refresh token: %w", err)
	}
	return s.pair(access, raw), nil
}

func (s *Service) pair(access, refresh string) TokenPair {
	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    int64(s.issuer.AccessTTL() / time.Second),
	}
}

func (s *Service) findAccount(ctx context.Context, accountID uuid.UUID) (Account, error) {
	account, err := s.users.FindByID(ctx, accountID)
	if errors.Is(err, ErrNotFound) {
		return Account{}, ErrUserNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("failed to find account: %w", err)
	}
	return account, nil
}

func (s *Service) resolveRole(ctx context.Context, nameOrAuthority string) (Role, error) {
	key := strings.TrimSpace(nameOrAuthority)
	if key == "" {
		return Role{}, domainErrorf("role name must not be blank")
	}

	role, err := s.roles.FindByName(ctx, CanonicalRoleName(key))
	if err == nil {
		return role, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Role{}, fmt.Errorf("failed to find role: %w", err)
	}

	role, err = s.roles.FindByAuthority(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return Role{}, domainErrorf("role %s not found", key)
	}
	if err != nil {
		return Role{}, fmt.Errorf("failed to find role: %w", err)
	}
	return role, nil
}

// pruneExpired drops the account's expired refresh records. Failures are
// logged and never block the login.
func (s *Service) pruneExpired(ctx context.Context, accountID uuid.UUID) {
	records, err := s.tokens.FindByUserID(ctx, accountID)
	if err != nil {
		s.logger.Warn("Auth service: failed to list sessions for pruning",
			"account_id", accountID,
			"error", err.Error())
		return
	}
	now := s.opts.Now()
	for _, r := range records {
		if !r.IsExpired(now) {
			continue
		}
		if err := s.tokens.Delete(ctx, r.Token); err != nil && !errors.Is(err, ErrNotFound) {
			s.logger.Warn("Auth service: failed to prune session",
				"account_id", accountID,
				"session_id", r.ID,
				"error", err.Error())
		}
	}
}

func (s *Service) decoyDigest() string {
	s.decoyOnce.Do(func() {
		d, err := s.hasher.Hash(uuid.NewString())
		if err == nil {
			s.decoy = d
		}
	})
	return s.decoy
}
