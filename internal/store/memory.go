package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/authsession/internal/auth"
)

// Memory keeps everything in process. It is meant for tests and local runs.
type Memory struct {
	mu     sync.RWMutex
	users  map[uuid.UUID]auth.Account
	emails map[string]uuid.UUID
	roles  map[uuid.UUID]auth.Role
	tokens map[string]auth.RefreshToken
}

func NewMemory() *Memory {
	return &Memory{
		users:  map[uuid.UUID]auth.Account{},
		emails: map[string]uuid.UUID{},
		roles:  map[uuid.UUID]auth.Role{},
		tokens: map[string]auth.RefreshToken{},
	}
}

func (m *Memory) Users() auth.UserDirectory      { return memoryUsers{m} }
func (m *Memory) Roles() auth.RoleDirectory      { return memoryRoles{m} }
func (m *Memory) Tokens() auth.RefreshTokenStore { return memoryTokens{m} }
func (m *Memory) Ping(context.Context) error     { return nil }
func (m *Memory) Close() error                   { return nil }

type memoryUsers struct{ m *Memory }

func (u memoryUsers) FindByEmail(_ context.Context, email string) (auth.Account, error) {
	u.m.mu.RLock()
	defer u.m.mu.RUnlock()
	id, ok := u.m.emails[auth.NormalizeEmail(email)]
	if !ok {
		return auth.Account{}, auth.ErrNotFound
	}
	return u.m.users[id], nil
}

func (u memoryUsers) FindByID(_ context.Context, id uuid.UUID) (auth.Account, error) {
	u.m.mu.RLock()
	defer u.m.mu.RUnlock()
	a, ok := u.m.users[id]
	if !ok {
		return auth.Account{}, auth.ErrNotFound
	}
	return a, nil
}

func (u memoryUsers) Save(_ context.Context, a auth.Account) error {
	u.m.mu.Lock()
	defer u.m.mu.Unlock()
	if owner, ok := u.m.emails[a.Email]; ok && owner != a.ID {
		return auth.ErrDuplicateAccount
	}
	if prev, ok := u.m.users[a.ID]; ok && prev.Email != a.Email {
		delete(u.m.emails, prev.Email)
	}
	u.m.users[a.ID] = a
	u.m.emails[a.Email] = a.ID
	return nil
}

func (u memoryUsers) ExistsByEmail(_ context.Context, email string) (bool, error) {
	u.m.mu.RLock()
	defer u.m.mu.RUnlock()
	_, ok := u.m.emails[auth.NormalizeEmail(email)]
	return ok, nil
}

type memoryRoles struct{ m *Memory }

func (r memoryRoles) find(match func(auth.Role) bool) (auth.Role, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	for _, role := range r.m.roles {
		if match(role) {
			return role, nil
		}
	}
	return auth.Role{}, auth.ErrNotFound
}

func (r memoryRoles) FindByName(_ context.Context, name string) (auth.Role, error) {
	return r.find(func(role auth.Role) bool { return role.Name == name })
}

func (r memoryRoles) FindByAuthority(_ context.Context, authority string) (auth.Role, error) {
	return r.find(func(role auth.Role) bool { return role.Authority == authority })
}

func (r memoryRoles) ExistsByAuthority(ctx context.Context, authority string) (bool, error) {
	_, err := r.FindByAuthority(ctx, authority)
	if err == auth.ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

func (r memoryRoles) Save(_ context.Context, role auth.Role) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for id, existing := range r.m.roles {
		if id != role.ID && (existing.Name == role.Name || existing.Authority == role.Authority) {
			return errDuplicateRole
		}
	}
	r.m.roles[role.ID] = role
	return nil
}

func (r memoryRoles) List(_ context.Context) ([]auth.Role, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	out := make([]auth.Role, 0, len(r.m.roles))
	for _, role := range r.m.roles {
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

type memoryTokens struct{ m *Memory }

func (t memoryTokens) Save(_ context.Context, rt auth.RefreshToken) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if existing, ok := t.m.tokens[rt.Token]; ok && existing.ID != rt.ID {
		return errDuplicateToken
	}
	t.m.tokens[rt.Token] = rt
	return nil
}

func (t memoryTokens) FindByToken(_ context.Context, token string) (auth.RefreshToken, error) {
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	rt, ok := t.m.tokens[token]
	if !ok {
		return auth.RefreshToken{}, auth.ErrNotFound
	}
	return rt, nil
}

func (t memoryTokens) FindByUserID(_ context.Context, accountID uuid.UUID) ([]auth.RefreshToken, error) {
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	var out []auth.RefreshToken
	for _, rt := range t.m.tokens {
		if rt.AccountID == accountID {
			out = append(out, rt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t memoryTokens) Delete(_ context.Context, token string) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if _, ok := t.m.tokens[token]; !ok {
		return auth.ErrNotFound
	}
	delete(t.m.tokens, token)
	return nil
}

func (t memoryTokens) DeleteByUserID(_ context.Context, accountID uuid.UUID) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	for k, rt := range t.m.tokens {
		if rt.AccountID == accountID {
			delete(t.m.tokens, k)
		}
	}
	return nil
}

func (t memoryTokens) Revoke(_ context.Context, token string) (bool, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	rt, ok := t.m.tokens[token]
	if !ok {
		return false, auth.ErrNotFound
	}
	if rt.Revoked {
		return false, nil
	}
	rt.Revoked = true
	t.m.tokens[token] = rt
	return true, nil
}

func (t memoryTokens) RevokeAllByUserID(_ context.Context, accountID uuid.UUID) (int64, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	var n int64
	for k, rt := range t.m.tokens {
		if rt.AccountID == accountID && !rt.Revoked {
			rt.Revoked = true
			t.m.tokens[k] = rt
			n++
		}
	}
	return n, nil
}

func (t memoryTokens) MarkUsed(_ context.Context, token string, now time.Time) (bool, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	rt, ok := t.m.tokens[token]
	if !ok {
		return false, auth.ErrNotFound
	}
	if !rt.IsValid(now) {
		return false, nil
	}
	used := now
	rt.LastUsedAt = &used
	t.m.tokens[token] = rt
	return true, nil
}
