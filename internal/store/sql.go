package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/authsession/internal/auth"
)

// dialect captures what differs between the SQL backends.
type dialect struct {
	name string
	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool
	// isUniqueViolation reports whether err is a unique constraint failure.
	isUniqueViolation func(err error) bool
}

// SQL serves the auth ports from a database/sql handle. Timestamps are
// stored as unix seconds.
type SQL struct {
	db      *sql.DB
	dialect dialect
}

func newSQL(db *sql.DB, d dialect) *SQL {
	return &SQL{db: db, dialect: d}
}

func (s *SQL) Users() auth.UserDirectory      { return sqlUsers{s} }
func (s *SQL) Roles() auth.RoleDirectory      { return sqlRoles{s} }
func (s *SQL) Tokens() auth.RefreshTokenStore { return sqlTokens{s} }

func (s *SQL) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%s ping: %w", s.dialect.name, err)
	}
	return nil
}

func (s *SQL) Close() error { return s.db.Close() }

// DB exposes the underlying handle, mostly for migrations and tests.
func (s *SQL) DB() *sql.DB { return s.db }

// q rewrites ? placeholders for dialects that number them.
func (s *SQL) q(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func unix(t time.Time) int64 { return t.Unix() }

func fromUnix(sec int64) time.Time { return time.Unix(sec, 0).UTC() }

// users

type sqlUsers struct{ s *SQL }

const userColumns = `id, email, password_hash, status, created_at, updated_at`

func (u sqlUsers) FindByEmail(ctx context.Context, email string) (auth.Account, error) {
	return u.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, auth.NormalizeEmail(email))
}

func (u sqlUsers) FindByID(ctx context.Context, id uuid.UUID) (auth.Account, error) {
	return u.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
}

func (u sqlUsers) findOne(ctx context.Context, query string, arg any) (auth.Account, error) {
	var (
		id                   uuid.UUID
		email, hash, status  string
		createdAt, updatedAt int64
	)
	row := u.s.db.QueryRowContext(ctx, u.s.q(query), arg)
	if err := row.Scan(&id, &email, &hash, &status, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return auth.Account{}, auth.ErrNotFound
		}
		return auth.Account{}, err
	}
	roles, err := u.rolesOf(ctx, u.s.db, id)
	if err != nil {
		return auth.Account{}, err
	}
	return auth.RestoreAccount(id, email, hash, auth.AccountStatus(status), roles, fromUnix(createdAt), fromUnix(updatedAt)), nil
}

func (u sqlUsers) rolesOf(ctx context.Context, db queryer, id uuid.UUID) ([]auth.Role, error) {
	rows, err := db.QueryContext(ctx, u.s.q(`SELECT r.id, r.name, r.authority FROM roles r JOIN user_roles ur ON ur.role_id = r.id WHERE ur.user_id = ? ORDER BY r.name`), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []auth.Role
	for rows.Next() {
		var r auth.Role
		if err := rows.Scan(&r.ID, &r.Name, &r.Authority); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

// Save upserts the account row and replaces its role links in one transaction.
func (u sqlUsers) Save(ctx context.Context, a auth.Account) error {
	tx, err := u.s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, u.s.q(`INSERT INTO users(`+userColumns+`) VALUES(?,?,?,?,?,?)
		ON CONFLICT (id) DO UPDATE SET email = excluded.email, password_hash = excluded.password_hash,
		status = excluded.status, updated_at = excluded.updated_at`),
		a.ID, a.Email, a.PasswordHash, string(a.Status), unix(a.CreatedAt), unix(a.UpdatedAt))
	if err != nil {
		if u.s.dialect.isUniqueViolation(err) {
			return auth.ErrDuplicateAccount
		}
		return err
	}

	if _, err := tx.ExecContext(ctx, u.s.q(`DELETE FROM user_roles WHERE user_id = ?`), a.ID); err != nil {
		return err
	}
	for _, r := range a.Roles() {
		if _, err := tx.ExecContext(ctx, u.s.q(`INSERT INTO user_roles(user_id, role_id) VALUES(?,?)`), a.ID, r.ID); err != nil {
			return fmt.Errorf("linking role %s: %w", r.Authority, err)
		}
	}
	return tx.Commit()
}

func (u sqlUsers) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	var n int
	err := u.s.db.QueryRowContext(ctx, u.s.q(`SELECT COUNT(1) FROM users WHERE email = ?`), auth.NormalizeEmail(email)).Scan(&n)
	return n > 0, err
}

// roles

type sqlRoles struct{ s *SQL }

func (r sqlRoles) findOne(ctx context.Context, column, value string) (auth.Role, error) {
	var role auth.Role
	row := r.s.db.QueryRowContext(ctx, r.s.q(`SELECT id, name, authority FROM roles WHERE `+column+` = ?`), value)
	if err := row.Scan(&role.ID, &role.Name, &role.Authority); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return auth.Role{}, auth.ErrNotFound
		}
		return auth.Role{}, err
	}
	return role, nil
}

func (r sqlRoles) FindByName(ctx context.Context, name string) (auth.Role, error) {
	return r.findOne(ctx, "name", name)
}

func (r sqlRoles) FindByAuthority(ctx context.Context, authority string) (auth.Role, error) {
	return r.findOne(ctx, "authority", authority)
}

func (r sqlRoles) ExistsByAuthority(ctx context.Context, authority string) (bool, error) {
	var n int
	err := r.s.db.QueryRowContext(ctx, r.s.q(`SELECT COUNT(1) FROM roles WHERE authority = ?`), authority).Scan(&n)
	return n > 0, err
}

func (r sqlRoles) Save(ctx context.Context, role auth.Role) error {
	_, err := r.s.db.ExecContext(ctx, r.s.q(`INSERT INTO roles(id, name, authority) VALUES(?,?,?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, authority = excluded.authority`),
		role.ID, role.Name, role.Authority)
	if err != nil && r.s.dialect.isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", errDuplicateRole, role.Authority)
	}
	return err
}

func (r sqlRoles) List(ctx context.Context) ([]auth.Role, error) {
	rows, err := r.s.db.QueryContext(ctx, `SELECT id, name, authority FROM roles ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []auth.Role
	for rows.Next() {
		var role auth.Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Authority); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// refresh tokens

type sqlTokens struct{ s *SQL }

const tokenColumns = `id, user_id, token, expires_at, revoked, created_at, last_used_at`

func scanToken(scan func(dest ...any) error) (auth.RefreshToken, error) {
	var (
		t                    auth.RefreshToken
		expiresAt, createdAt int64
		lastUsed             sql.NullInt64
	)
	if err := scan(&t.ID, &t.AccountID, &t.Token, &expiresAt, &t.Revoked, &createdAt, &lastUsed); err != nil {
		return auth.RefreshToken{}, err
	}
	t.ExpiresAt = fromUnix(expiresAt)
	t.CreatedAt = fromUnix(createdAt)
	if lastUsed.Valid {
		used := fromUnix(lastUsed.Int64)
		t.LastUsedAt = &used
	}
	return t, nil
}

func (t sqlTokens) Save(ctx context.Context, rt auth.RefreshToken) error {
	var lastUsed sql.NullInt64
	if rt.LastUsedAt != nil {
		lastUsed = sql.NullInt64{Int64: unix(*rt.LastUsedAt), Valid: true}
	}
	_, err := t.s.db.ExecContext(ctx, t.s.q(`INSERT INTO refresh_tokens(`+tokenColumns+`) VALUES(?,?,?,?,?,?,?)
		ON CONFLICT (id) DO UPDATE SET expires_at = excluded.expires_at, revoked = excluded.revoked,
		last_used_at = excluded.last_used_at`),
		rt.ID, rt.AccountID, rt.Token, unix(rt.ExpiresAt), rt.Revoked, unix(rt.CreatedAt), lastUsed)
	if err != nil && t.s.dialect.isUniqueViolation(err) {
		return errDuplicateToken
	}
	return err
}

func (t sqlTokens) FindByToken(ctx context.Context, token string) (auth.RefreshToken, error) {
	row := t.s.db.QueryRowContext(ctx, t.s.q(`SELECT `+tokenColumns+` FROM refresh_tokens WHERE token = ?`), token)
	rt, err := scanToken(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.RefreshToken{}, auth.ErrNotFound
	}
	return rt, err
}

func (t sqlTokens) FindByUserID(ctx context.Context, accountID uuid.UUID) ([]auth.RefreshToken, error) {
	rows, err := t.s.db.QueryContext(ctx, t.s.q(`SELECT `+tokenColumns+` FROM refresh_tokens WHERE user_id = ? ORDER BY created_at`), accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []auth.RefreshToken
	for rows.Next() {
		rt, err := scanToken(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rt)
	}
	return out, rows.Err()
}

func (t sqlTokens) Delete(ctx context.Context, token string) error {
	res, err := t.s.db.ExecContext(ctx, t.s.q(`DELETE FROM refresh_tokens WHERE token = ?`), token)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (t sqlTokens) DeleteByUserID(ctx context.Context, accountID uuid.UUID) error {
	_, err := t.s.db.ExecContext(ctx, t.s.q(`DELETE FROM refresh_tokens WHERE user_id = ?`), accountID)
	return err
}

// Revoke flips revoked with a guarded UPDATE so only one caller wins.
func (t sqlTokens) Revoke(ctx context.Context, token string) (bool, error) {
	res, err := t.s.db.ExecContext(ctx, t.s.q(`UPDATE refresh_tokens SET revoked = ? WHERE token = ? AND revoked = ?`), true, token, false)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	return false, t.exists(ctx, token)
}

func (t sqlTokens) RevokeAllByUserID(ctx context.Context, accountID uuid.UUID) (int64, error) {
	res, err := t.s.db.ExecContext(ctx, t.s.q(`UPDATE refresh_tokens SET revoked = ? WHERE user_id = ? AND revoked = ?`), true, accountID, false)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t sqlTokens) MarkUsed(ctx context.Context, token string, now time.Time) (bool, error) {
	res, err := t.s.db.ExecContext(ctx, t.s.q(`UPDATE refresh_tokens SET last_used_at = ? WHERE token = ? AND revoked = ? AND expires_at >= ?`),
		unix(now), token, false, unix(now))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	return false, t.exists(ctx, token)
}

// exists returns ErrNotFound when no record holds token.
func (t sqlTokens) exists(ctx context.Context, token string) error {
	var n int
	if err := t.s.db.QueryRowContext(ctx, t.s.q(`SELECT COUNT(1) FROM refresh_tokens WHERE token = ?`), token).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}
