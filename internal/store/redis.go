package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/authsession/internal/auth"
)

// Lua status replies shared by the conditional scripts.
const (
	scriptMissing int64 = -1
	scriptSkipped int64 = 0
	scriptApplied int64 = 1
)

const revokeScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
if redis.call("HGET", KEYS[1], "revoked") == "1" then
  return 0
end
redis.call("HSET", KEYS[1], "revoked", "1")
return 1
`

const markUsedScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
if redis.call("HGET", KEYS[1], "revoked") == "1" then
  return 0
end
if tonumber(redis.call("HGET", KEYS[1], "expires_at")) < tonumber(ARGV[1]) then
  return 0
end
redis.call("HSET", KEYS[1], "last_used_at", ARGV[1])
return 1
`

const deleteScript = `
local owner = redis.call("HGET", KEYS[1], "user_id")
if not owner then
  return -1
end
redis.call("DEL", KEYS[1])
redis.call("SREM", ARGV[1] .. owner, ARGV[2])
return 1
`

var (
	revokeLua   = redis.NewScript(revokeScript)
	markUsedLua = redis.NewScript(markUsedScript)
	deleteLua   = redis.NewScript(deleteScript)
)

// RedisTokens keeps refresh-token records as Redis hashes with a per-account
// index set. Records expire from Redis together with the token.
type RedisTokens struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisTokens returns a store writing under prefix (e.g. "authsession").
func NewRedisTokens(rdb redis.UniversalClient, prefix string) *RedisTokens {
	if prefix == "" {
		prefix = "authsession"
	}
	return &RedisTokens{rdb: rdb, prefix: prefix}
}

func (r *RedisTokens) tokenKey(token string) string { return r.prefix + ":rt:" + token }

func (r *RedisTokens) userPrefix() string { return r.prefix + ":rt-user:" }

func (r *RedisTokens) userKey(id uuid.UUID) string { return r.userPrefix() + id.String() }

func (r *RedisTokens) Save(ctx context.Context, rt auth.RefreshToken) error {
	fields := map[string]any{
		"id":         rt.ID.String(),
		"user_id":    rt.AccountID.String(),
		"token":      rt.Token,
		"expires_at": rt.ExpiresAt.Unix(),
		"revoked":    boolField(rt.Revoked),
		"created_at": rt.CreatedAt.Unix(),
	}
	if rt.LastUsedAt != nil {
		fields["last_used_at"] = rt.LastUsedAt.Unix()
	}

	key := r.tokenKey(rt.Token)
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, fields)
		p.ExpireAt(ctx, key, rt.ExpiresAt)
		p.SAdd(ctx, r.userKey(rt.AccountID), rt.Token)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save refresh token: %w", err)
	}
	return nil
}

func (r *RedisTokens) FindByToken(ctx context.Context, token string) (auth.RefreshToken, error) {
	vals, err := r.rdb.HGetAll(ctx, r.tokenKey(token)).Result()
	if err != nil {
		return auth.RefreshToken{}, fmt.Errorf("redis load refresh token: %w", err)
	}
	if len(vals) == 0 {
		return auth.RefreshToken{}, auth.ErrNotFound
	}
	return decodeToken(vals)
}

func (r *RedisTokens) FindByUserID(ctx context.Context, accountID uuid.UUID) ([]auth.RefreshToken, error) {
	userKey := r.userKey(accountID)
	tokens, err := r.rdb.SMembers(ctx, userKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list refresh tokens: %w", err)
	}
	var out []auth.RefreshToken
	for _, tok := range tokens {
		rt, err := r.FindByToken(ctx, tok)
		if errors.Is(err, auth.ErrNotFound) {
			// Expired out of Redis. Dropping the index entry is best effort;
			// a failed SRem is retried on the next listing.
			_ = r.rdb.SRem(ctx, userKey, tok).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *RedisTokens) Delete(ctx context.Context, token string) error {
	res, err := deleteLua.Run(ctx, r.rdb, []string{r.tokenKey(token)}, r.userPrefix(), token).Int64()
	if err != nil {
		return fmt.Errorf("redis delete refresh token: %w", err)
	}
	if res == scriptMissing {
		return auth.ErrNotFound
	}
	return nil
}

func (r *RedisTokens) DeleteByUserID(ctx context.Context, accountID uuid.UUID) error {
	userKey := r.userKey(accountID)
	tokens, err := r.rdb.SMembers(ctx, userKey).Result()
	if err != nil {
		return fmt.Errorf("redis list refresh tokens: %w", err)
	}
	keys := make([]string, 0, len(tokens)+1)
	for _, tok := range tokens {
		keys = append(keys, r.tokenKey(tok))
	}
	keys = append(keys, userKey)
	if err := r.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis delete refresh tokens: %w", err)
	}
	return nil
}

func (r *RedisTokens) Revoke(ctx context.Context, token string) (bool, error) {
	res, err := revokeLua.Run(ctx, r.rdb, []string{r.tokenKey(token)}).Int64()
	if err != nil {
		return false, fmt.Errorf("redis revoke refresh token: %w", err)
	}
	switch res {
	case scriptMissing:
		return false, auth.ErrNotFound
	case scriptApplied:
		return true, nil
	default:
		return false, nil
	}
}

func (r *RedisTokens) RevokeAllByUserID(ctx context.Context, accountID uuid.UUID) (int64, error) {
	tokens, err := r.rdb.SMembers(ctx, r.userKey(accountID)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis list refresh tokens: %w", err)
	}
	var n int64
	for _, tok := range tokens {
		applied, err := r.Revoke(ctx, tok)
		if errors.Is(err, auth.ErrNotFound) {
			continue
		}
		if err != nil {
			return n, err
		}
		if applied {
			n++
		}
	}
	return n, nil
}

func (r *RedisTokens) MarkUsed(ctx context.Context, token string, now time.Time) (bool, error) {
	res, err := markUsedLua.Run(ctx, r.rdb, []string{r.tokenKey(token)}, now.Unix()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis mark refresh token used: %w", err)
	}
	switch res {
	case scriptMissing:
		return false, auth.ErrNotFound
	case scriptApplied:
		return true, nil
	default:
		return false, nil
	}
}

// Ping checks the connection.
func (r *RedisTokens) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func decodeToken(vals map[string]string) (auth.RefreshToken, error) {
	var (
		rt  auth.RefreshToken
		err error
	)
	if rt.ID, err = uuid.Parse(vals["id"]); err != nil {
		return auth.RefreshToken{}, fmt.Errorf("corrupt refresh token record: %w", err)
	}
	if rt.AccountID, err = uuid.Parse(vals["user_id"]); err != nil {
		return auth.RefreshToken{}, fmt.Errorf("corrupt refresh token record: %w", err)
	}
	rt.Token = vals["token"]
	rt.Revoked = vals["revoked"] == "1"

	expires, err := strconv.ParseInt(vals["expires_at"], 10, 64)
	if err != nil {
		return auth.RefreshToken{}, fmt.Errorf("corrupt refresh token record: %w", err)
	}
	created, err := strconv.ParseInt(vals["created_at"], 10, 64)
	if err != nil {
		return auth.RefreshToken{}, fmt.Errorf("corrupt refresh token record: %w", err)
	}
	rt.ExpiresAt = fromUnix(expires)
	rt.CreatedAt = fromUnix(created)

	if s, ok := vals["last_used_at"]; ok {
		used, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return auth.RefreshToken{}, fmt.Errorf("corrupt refresh token record: %w", err)
		}
		t := fromUnix(used)
		rt.LastUsedAt = &t
	}
	return rt, nil
}
