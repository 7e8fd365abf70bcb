package auth_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/authsession/internal/auth"
	"github.com/example/authsession/internal/password"
	"github.com/example/authsession/internal/store"
	"github.com/example/authsession/internal/token"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	svc    *auth.Service
	mem    *store.Memory
	issuer *token.Issuer
	clock  *testClock
}

func newFixture(t *testing.T, opts auth.Options) *fixture {
	t.Helper()
	return newFixtureWithTokens(t, opts, nil)
}

// newFixtureWithTokens lets wrap decorate the refresh-token store the service
// sees. The fixture's mem still exposes the undecorated store.
func newFixtureWithTokens(t *testing.T, opts auth.Options, wrap func(auth.RefreshTokenStore) auth.RefreshTokenStore) *fixture {
	t.Helper()
	ctx := context.Background()

	mem := store.NewMemory()
	require.NoError(t, auth.SeedRoles(ctx, mem.Roles(), nil))

	hasher, err := password.NewBcrypt(bcrypt.MinCost)
	require.NoError(t, err)

	clock := &testClock{now: time.Now().Truncate(time.Second)}
	issuer, err := token.NewIssuer(token.Config{
		Secret:    []byte("0123456789abcdef0123456789abcdef"),
		AccessTTL: 15 * time.Minute,
		Now:       clock.Now,
	})
	require.NoError(t, err)

	opts.Now = clock.Now
	var tokens auth.RefreshTokenStore = mem.Tokens()
	if wrap != nil {
		tokens = wrap(tokens)
	}
	svc := auth.NewService(mem.Users(), mem.Roles(), tokens, hasher, issuer, nil, opts)
	return &fixture{svc: svc, mem: mem, issuer: issuer, clock: clock}
}

func (f *fixture) register(t *testing.T, email, pw string) auth.Account {
	t.Helper()
	a, err := f.svc.Register(context.Background(), email, pw)
	require.NoError(t, err)
	return a
}

func (f *fixture) login(t *testing.T, email, pw string) auth.TokenPair {
	t.Helper()
	pair, err := f.svc.Login(context.Background(), email, pw)
	require.NoError(t, err)
	return pair
}

func TestRegister(t *testing.T) {
	f := newFixture(t, auth.Options{})
	a := f.register(t, " New@Example.com ", "secret1")

	assert.Equal(t, "new@example.com", a.Email)
	assert.Equal(t, auth.StatusActive, a.Status)
	assert.Equal(t, []string{auth.AuthorityUser}, a.Authorities())
	assert.NotEqual(t, "secret1", a.PasswordHash)

	stored, err := f.mem.Users().FindByID(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Email, stored.Email)
}

func TestRegister_PasswordTooLong(t *testing.T) {
	f := newFixture(t, auth.Options{})
	ctx := context.Background()

	_, err := f.svc.Register(ctx, "a@example.com", strings.Repeat("p", 100))
	require.ErrorIs(t, err, auth.ErrPasswordTooLong)
	assert.ErrorIs(t, err, auth.ErrDomain)

	exists, err := f.mem.Users().ExistsByEmail(ctx, "a@example.com")
	require.NoError(t, err)
	assert.False(t, exists)

	a := f.register(t, "b@example.com", "secret1")
	err = f.svc.ChangePassword(ctx, a.ID, "secret1", strings.Repeat("p", 100))
	require.ErrorIs(t, err, auth.ErrPasswordTooLong)
	f.login(t, "b@example.com", "secret1")
}

func TestRegister_DuplicateEmail(t *testing.T) {
	f := newFixture(t, auth.Options{})
	first := f.register(t, "dup@example.com", "secret1")

	_, err := f.svc.Register(context.Background(), "DUP@example.com", "other-pw")
	assert.ErrorIs(t, err, auth.ErrDuplicateAccount)
	assert.ErrorIs(t, err, auth.ErrDomain)

	stored, err := f.mem.Users().FindByEmail(context.Background(), "dup@example.com")
	require.NoError(t, err)
	assert.Equal(t, first.ID, stored.ID)
}

func TestRegister_Validation(t *testing.T) {
	f := newFixture(t, auth.Options{})
	ctx := context.Background()

	_, err := f.svc.Register(ctx, "not-an-email", "secret1")
	assert.ErrorIs(t, err, auth.ErrDomain)

	_, err = f.svc.Register(ctx, "a@example.com", "   ")
	assert.ErrorIs(t, err, auth.ErrDomain)

	exists, err := f.mem.Users().ExistsByEmail(ctx, "a@example.com")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRegister_RequiresSeededUserRole(t *testing.T) {
	mem := store.NewMemory()
	hasher, err := password.NewBcrypt(bcrypt.MinCost)
	require.NoError(t, err)
	issuer, err := token.NewIssuer(token.Config{Secret: []byte("0123456789abcdef0123456789abcdef"), AccessTTL: time.Minute})
	require.NoError(t, err)
	svc := auth.NewService(mem.Users(), mem.Roles(), mem.Tokens(), hasher, issuer, nil, auth.Options{})

	_, err = svc.Register(context.Background(), "a@example.com", "secret1")
	assert.ErrorIs(t, err, auth.ErrDomain)
}

func TestLogin_IssuesValidPair(t *testing.T) {
	f := newFixture(t, auth.Options{})
	a := f.register(t, "a@example.com", "secret1")

	pair := f.login(t, "a@example.com", "secret1")
	assert.Equal(t, auth.TokenTypeBearer, pair.TokenType)
	assert.EqualValues(t, 900, pair.ExpiresIn)

	id, err := f.issuer.ValidateAccessToken(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, a.ID, id)

	roles, err := f.issuer.ExtractRoles(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, []string{auth.AuthorityUser}, roles)

	record, err := f.mem.Tokens().FindByToken(context.Background(), pair.RefreshToken)
	require.NoError(t, err)
	assert.False(t, record.Revoked)
	assert.Equal(t, a.ID, record.AccountID)
	assert.WithinDuration(t, f.clock.Now().Add(7*24*time.Hour), record.ExpiresAt, time.Second)
}

func TestLogin_Failures(t *testing.T) {
	f := newFixture(t, auth.Options{})
	ctx := context.Background()
	a := f.register(t, "a@example.com", "secret1")

	_, err := f.svc.Login(ctx, "a@example.com", "wrong")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)

	_, err = f.svc.Login(ctx, "nobody@example.com", "secret1")
	assert.ErrorIs(t, err, auth.ErrUserNotFound)

	_, err = f.svc.SetStatus(ctx, a.ID, auth.StatusBlocked)
	require.NoError(t, err)
	_, err = f.svc.Login(ctx, "a@example.com", "secret1")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)

	list, err := f.mem.Tokens().FindByUserID(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestLogin_ConcealUnknownAccounts(t *testing.T) {
	f := newFixture(t, auth.Options{ConcealUnknownAccounts: true})
	_, err := f.svc.Login(context.Background(), "nobody@example.com", "secret1")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
	assert.NotErrorIs(t, err, auth.ErrUserNotFound)
}

func TestLogin_PrunesExpiredSessions(t *testing.T) {
	f := newFixture(t, auth.Options{RefreshTTL: time.Hour})
	ctx := context.Background()
	a := f.register(t, "a@example.com", "secret1")

	old := f.login(t, "a@example.com", "secret1")
	f.clock.Advance(2 * time.Hour)
	fresh := f.login(t, "a@example.com", "secret1")

	_, err := f.mem.Tokens().FindByToken(ctx, old.RefreshToken)
	assert.ErrorIs(t, err, auth.ErrNotFound)

	list, err := f.svc.Sessions(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, fresh.RefreshToken, list[0].Token)
}

func TestRefresh_KeepsRefreshToken(t *testing.T) {
	f := newFixture(t, auth.Options{})
	ctx := context.Background()
	a := f.register(t, "a@example.com", "secret1")
	pair := f.login(t, "a@example.com", "secret1")

	f.clock.Advance(time.Minute)
	next, err := f.svc.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, pair.RefreshToken, next.RefreshToken)

	id, err := f.issuer.ValidateAccessToken(next.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, a.ID, id)

	record, err := f.mem.Tokens().FindByToken(ctx, pair.RefreshToken)
	require.NoError(t, err)
	require.NotNil(t, record.LastUsedAt)
	assert.Equal(t, f.clock.Now(), *record.LastUsedAt)
}

func TestRefresh_Failures(t *testing.T) {
	f := newFixture(t, auth.Options{})
	ctx := context.Background()
	a := f.register(t, "a@example.com", "secret1")
	pair := f.login(t, "a@example.com", "secret1")

	_, err := f.svc.Refresh(ctx, "unknown")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)

	_, err = f.svc.SetStatus(ctx, a.ID, auth.StatusInactive)
	require.NoError(t, err)
	_, err = f.svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
}

func TestRefresh_AfterLogoutFails(t *testing.T) {
	f := newFixture(t, auth.Options{})
	ctx := context.Background()
	f.register(t, "a@example.com", "secret1")
	pair := f.login(t, "a@example.com", "secret1")

	require.NoError(t, f.svc.Logout(ctx, pair.RefreshToken))
	_, err := f.svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)

	// logging out twice is fine, unknown tokens are not
	assert.NoError(t, f.svc.Logout(ctx, pair.RefreshToken))
	assert.ErrorIs(t, f.svc.Logout(ctx, "unknown"), auth.ErrDomain)
}

func TestRefresh_ExpiredTokenIsNotRevoked(t *testing.T) {
	f := newFixture(t, auth.Options{})
	ctx := context.Background()
	f.register(t, "a@example.com", "secret1")
	pair := f.login(t, "a@example.com", "secret1")

	f.clock.Advance(auth.DefaultRefreshTTL + time.Second)
	_, err := f.svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)

	record, err := f.mem.Tokens().FindByToken(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.False(t, record.Revoked)
}

func TestRefresh_RotationHasSingleWinner(t *testing.T) {
	f := newFixture(t, auth.Options{RotateRefreshTokens: true})
	ctx := context.Background()
	f.register(t, "a@example.com", "secret1")
	pair := f.login(t, "a@example.com", "secret1")

	const n = 10
	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		fresh   atomic.Value
	)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			next, err := f.svc.Refresh(ctx, pair.RefreshToken)
			if err == nil {
				winners.Add(1)
				fresh.Store(next.RefreshToken)
				return
			}
			assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, winners.Load())
	rotated := fresh.Load().(string)
	assert.NotEqual(t, pair.RefreshToken, rotated)

	_, err := f.svc.Refresh(ctx, rotated)
	assert.NoError(t, err)
	_, err = f.svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
}

// flakySaveTokens fails Save while down is set.
type flakySaveTokens struct {
	auth.RefreshTokenStore
	down atomic.Bool
}

func (s *flakySaveTokens) Save(ctx context.Context, rt auth.RefreshToken) error {
	if s.down.Load() {
		return errors.New("db down")
	}
	return s.RefreshTokenStore.Save(ctx, rt)
}

func TestRefresh_RotationSurvivesFailedSave(t *testing.T) {
	flaky := &flakySaveTokens{}
	f := newFixtureWithTokens(t, auth.Options{RotateRefreshTokens: true}, func(inner auth.RefreshTokenStore) auth.RefreshTokenStore {
		flaky.RefreshTokenStore = inner
		return flaky
	})
	ctx := context.Background()
	a := f.register(t, "a@example.com", "secret1")
	pair := f.login(t, "a@example.com", "secret1")

	flaky.down.Store(true)
	_, err := f.svc.Refresh(ctx, pair.RefreshToken)
	require.ErrorContains(t, err, "db down")
	assert.NotErrorIs(t, err, auth.ErrInvalidCredentials)

	record, err := f.mem.Tokens().FindByToken(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.False(t, record.Revoked)

	flaky.down.Store(false)
	next, err := f.svc.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, next.RefreshToken)

	sessions, err := f.svc.Sessions(ctx, a.ID)
	require.NoError(t, err)
	active := 0
	for _, rt := range sessions {
		if !rt.Revoked {
			active++
			assert.Equal(t, next.RefreshToken, rt.Token)
		}
	}
	assert.Equal(t, 1, active)
}

func TestChangePassword(t *testing.T) {
	f := newFixture(t, auth.Options{})
	ctx := context.Background()
	a := f.register(t, "a@example.com", "old-pass")
	pair := f.login(t, "a@example.com", "old-pass")

	err := f.svc.ChangePassword(ctx, a.ID, "wrong", "new-pass")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)

	err = f.svc.ChangePassword(ctx, a.ID, "old-pass", " ")
	assert.ErrorIs(t, err, auth.ErrDomain)

	require.NoError(t, f.svc.ChangePassword(ctx, a.ID, "old-pass", "new-pass"))

	_, err = f.svc.Login(ctx, "a@example.com", "old-pass")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
	f.login(t, "a@example.com", "new-pass")

	// existing sessions survive unless configured otherwise
	_, err = f.svc.Refresh(ctx, pair.RefreshToken)
	assert.NoError(t, err)

	err = f.svc.ChangePassword(ctx, uuid.New(), "x", "y")
	assert.ErrorIs(t, err, auth.ErrUserNotFound)
}

func TestChangePassword_RevokesSessionsWhenConfigured(t *testing.T) {
	f := newFixture(t, auth.Options{RevokeOnPasswordChange: true})
	ctx := context.Background()
	a := f.register(t, "a@example.com", "old-pass")
	p1 := f.login(t, "a@example.com", "old-pass")
	p2 := f.login(t, "a@example.com", "old-pass")

	require.NoError(t, f.svc.ChangePassword(ctx, a.ID, "old-pass", "new-pass"))

	for _, p := range []auth.TokenPair{p1, p2} {
		_, err := f.svc.Refresh(ctx, p.RefreshToken)
		assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
	}
}

func TestAssignRole_Idempotent(t *testing.T) {
	f := newFixture(t, auth.Options{})
	ctx := context.Background()
	a := f.register(t, "a@example.com", "secret1")

	_, err := f.svc.AssignRole(ctx, a.ID, "admin")
	require.NoError(t, err)
	updated, err := f.svc.AssignRole(ctx, a.ID, "ROLE_ADMIN")
	require.NoError(t, err)

	admins := 0
	for _, r := range updated.Roles() {
		if r.Authority == auth.AuthorityAdmin {
			admins++
		}
	}
	assert.Equal(t, 1, admins)
	assert.ElementsMatch(t, []string{auth.AuthorityUser, auth.AuthorityAdmin}, updated.Authorities())

	stored, err := f.svc.CurrentUser(ctx, a.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, updated.Authorities(), stored.Authorities())
}

func TestAssignRole_Failures(t *testing.T) {
	f := newFixture(t, auth.Options{})
	ctx := context.Background()
	a := f.register(t, "a@example.com", "secret1")

	_, err := f.svc.AssignRole(ctx, a.ID, "SUPERUSER")
	assert.ErrorIs(t, err, auth.ErrDomain)

	_, err = f.svc.AssignRole(ctx, a.ID, "")
	assert.ErrorIs(t, err, auth.ErrDomain)

	_, err = f.svc.AssignRole(ctx, uuid.New(), "ADMIN")
	assert.ErrorIs(t, err, auth.ErrUserNotFound)
}

func TestRemoveRole(t *testing.T) {
	f := newFixture(t, auth.Options{})
	ctx := context.Background()
	a := f.register(t, "a@example.com", "secret1")

	_, err := f.svc.AssignRole(ctx, a.ID, "MODERATOR")
	require.NoError(t, err)

	updated, err := f.svc.RemoveRole(ctx, a.ID, "moderator")
	require.NoError(t, err)
	assert.Equal(t, []string{auth.AuthorityUser}, updated.Authorities())

	again, err := f.svc.RemoveRole(ctx, a.ID, "MODERATOR")
	require.NoError(t, err)
	assert.Equal(t, updated.Authorities(), again.Authorities())
}

func TestRoleChangesDoNotAlterIssuedTokens(t *testing.T) {
	f := newFixture(t, auth.Options{})
	ctx := context.Background()
	a := f.register(t, "a@example.com", "secret1")
	pair := f.login(t, "a@example.com", "secret1")

	_, err := f.svc.AssignRole(ctx, a.ID, "ADMIN")
	require.NoError(t, err)

	roles, err := f.issuer.ExtractRoles(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, []string{auth.AuthorityUser}, roles)

	next, err := f.svc.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	roles, err = f.issuer.ExtractRoles(next.AccessToken)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{auth.AuthorityUser, auth.AuthorityAdmin}, roles)
}

func TestSetStatus(t *testing.T) {
	f := newFixture(t, auth.Options{})
	ctx := context.Background()
	a := f.register(t, "a@example.com", "secret1")

	_, err := f.svc.SetStatus(ctx, a.ID, auth.AccountStatus("FROZEN"))
	assert.ErrorIs(t, err, auth.ErrDomain)

	blocked, err := f.svc.SetStatus(ctx, a.ID, auth.StatusBlocked)
	require.NoError(t, err)
	assert.False(t, blocked.IsActive())

	active, err := f.svc.SetStatus(ctx, a.ID, auth.StatusActive)
	require.NoError(t, err)
	assert.True(t, active.IsActive())
	f.login(t, "a@example.com", "secret1")
}

func TestSessions(t *testing.T) {
	f := newFixture(t, auth.Options{})
	ctx := context.Background()
	a := f.register(t, "a@example.com", "secret1")
	f.register(t, "b@example.com", "secret1")
	f.login(t, "a@example.com", "secret1")
	f.login(t, "a@example.com", "secret1")
	other := f.login(t, "b@example.com", "secret1")

	list, err := f.svc.Sessions(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, f.svc.DeleteSessions(ctx, a.ID))
	list, err = f.svc.Sessions(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = f.svc.Refresh(ctx, other.RefreshToken)
	assert.NoError(t, err, "other accounts keep their sessions")

	_, err = f.svc.Sessions(ctx, uuid.New())
	assert.ErrorIs(t, err, auth.ErrUserNotFound)
	assert.ErrorIs(t, f.svc.DeleteSessions(ctx, uuid.New()), auth.ErrUserNotFound)
}

func TestInspectRefreshToken(t *testing.T) {
	f := newFixture(t, auth.Options{})
	ctx := context.Background()
	f.register(t, "a@example.com", "secret1")
	pair := f.login(t, "a@example.com", "secret1")

	record, active, err := f.svc.InspectRefreshToken(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.True(t, active)
	assert.Equal(t, pair.RefreshToken, record.Token)

	require.NoError(t, f.svc.Logout(ctx, pair.RefreshToken))
	_, active, err = f.svc.InspectRefreshToken(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.False(t, active)

	_, _, err = f.svc.InspectRefreshToken(ctx, "unknown")
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestListRoles(t *testing.T) {
	f := newFixture(t, auth.Options{})

	roles, err := f.svc.ListRoles(context.Background())
	require.NoError(t, err)
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{"ADMIN", "MODERATOR", "USER"}, names)
}
