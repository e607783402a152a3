package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	rotateStatusNotFound int64 = 0
	rotateStatusRevoked  int64 = 1
	rotateStatusExpired  int64 = 2
	rotateStatusRotated  int64 = 3
)

// KEYS: old token, next token, owner set. ARGV: now ms, next id, user id,
// family id, issued ms, expires ms, ip, next key expiry ms, next hash.
const rotateRefreshScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
if tonumber(redis.call("HGET", KEYS[1], "revoked_at") or "0") > 0 then
  return 1
end
if tonumber(redis.call("HGET", KEYS[1], "expires_at") or "0") <= tonumber(ARGV[1]) then
  return 2
end
redis.call("HSET", KEYS[2],
  "id", ARGV[2], "user_id", ARGV[3], "family_id", ARGV[4],
  "issued_at", ARGV[5], "expires_at", ARGV[6], "ip", ARGV[7],
  "revoked_at", "0", "replaced_by", "")
redis.call("PEXPIREAT", KEYS[2], ARGV[8])
redis.call("SADD", KEYS[3], ARGV[9])
redis.call("PEXPIREAT", KEYS[3], ARGV[8])
redis.call("HSET", KEYS[1], "revoked_at", ARGV[1], "replaced_by", ARGV[2])
return 3
`

// KEYS: owner set. ARGV: now ms, token key prefix.
const revokeUserScript = `
local now = tonumber(ARGV[1])
local count = 0
for _, hash in ipairs(redis.call("SMEMBERS", KEYS[1])) do
  local key = ARGV[2] .. hash
  if redis.call("EXISTS", key) == 1 then
    local revoked = tonumber(redis.call("HGET", key, "revoked_at") or "0")
    local expires = tonumber(redis.call("HGET", key, "expires_at") or "0")
    if revoked == 0 and expires > now then
      redis.call("HSET", key, "revoked_at", ARGV[1])
      count = count + 1
    end
  else
    redis.call("SREM", KEYS[1], hash)
  end
end
return count
`

// KEYS: token. ARGV: now ms.
const revokeTokenScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
if tonumber(redis.call("HGET", KEYS[1], "revoked_at") or "0") == 0 then
  redis.call("HSET", KEYS[1], "revoked_at", ARGV[1])
end
return 1
`

var (
	rotateRefreshLua = redis.NewScript(rotateRefreshScript)
	revokeUserLua    = redis.NewScript(revokeUserScript)
	revokeTokenLua   = redis.NewScript(revokeTokenScript)
)

// RedisRefreshStore keeps refresh token records in Redis hashes, one per
// token hash, plus a set of token hashes per user. Records outlive their
// expiry by the retention window so reuse of a recently expired chain is
// still recognised; Redis drops them afterwards. The user set expires with
// its newest record, and members whose record is gone are removed whenever
// the set is walked.
//
// Scripts address per-user token keys that are not declared up front, so the
// store targets a single Redis node, not a cluster.
type RedisRefreshStore struct {
	rdb       redis.UniversalClient
	prefix    string
	retention time.Duration
}

func NewRedisRefreshStore(rdb redis.UniversalClient, prefix string, retention time.Duration) *RedisRefreshStore {
	if prefix == "" {
		prefix = "auth"
	}
	if retention <= 0 {
		retention = 14 * 24 * time.Hour
	}
	return &RedisRefreshStore{rdb: rdb, prefix: prefix, retention: retention}
}

func (s *RedisRefreshStore) tokenPrefix() string {
	return s.prefix + ":rt:"
}

func (s *RedisRefreshStore) tokenKey(tokenHash string) string {
	return s.tokenPrefix() + tokenHash
}

func (s *RedisRefreshStore) userKey(userID string) string {
	return s.prefix + ":user_rt:" + userID
}

func (s *RedisRefreshStore) AppendRefreshToken(ctx context.Context, token RefreshToken) error {
	key := s.tokenKey(token.TokenHash)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]any{
			"id":          token.ID,
			"user_id":     token.UserID,
			"family_id":   token.FamilyID,
			"issued_at":   token.IssuedAt.UnixMilli(),
			"expires_at":  token.ExpiresAt.UnixMilli(),
			"ip":          token.CreatedByIP,
			"revoked_at":  0,
			"replaced_by": "",
		})
		pipe.PExpireAt(ctx, key, token.ExpiresAt.Add(s.retention))
		pipe.SAdd(ctx, s.userKey(token.UserID), token.TokenHash)
		pipe.PExpireAt(ctx, s.userKey(token.UserID), token.ExpiresAt.Add(s.retention))
		return nil
	})
	if err != nil {
		return fmt.Errorf("store refresh token: %w", err)
	}
	return nil
}

func (s *RedisRefreshStore) FindRefreshToken(ctx context.Context, tokenHash string) (RefreshToken, error) {
	fields, err := s.rdb.HGetAll(ctx, s.tokenKey(tokenHash)).Result()
	if err != nil {
		return RefreshToken{}, fmt.Errorf("read refresh token: %w", err)
	}
	if len(fields) == 0 {
		return RefreshToken{}, ErrRefreshNotFound
	}
	return decodeRedisToken(tokenHash, fields)
}

func (s *RedisRefreshStore) RotateRefreshToken(ctx context.Context, oldHash string, next RefreshToken, now time.Time) error {
	status, err := rotateRefreshLua.Run(ctx, s.rdb,
		[]string{s.tokenKey(oldHash), s.tokenKey(next.TokenHash), s.userKey(next.UserID)},
		now.UnixMilli(),
		next.ID,
		next.UserID,
		next.FamilyID,
		next.IssuedAt.UnixMilli(),
		next.ExpiresAt.UnixMilli(),
		next.CreatedByIP,
		next.ExpiresAt.Add(s.retention).UnixMilli(),
		next.TokenHash,
	).Int64()
	if err != nil {
		return fmt.Errorf("rotate refresh token: %w", err)
	}

	switch status {
	case rotateStatusRotated:
		return nil
	case rotateStatusNotFound:
		return ErrRefreshNotFound
	case rotateStatusRevoked:
		return ErrRefreshReused
	case rotateStatusExpired:
		return ErrRefreshExpired
	default:
		return fmt.Errorf("rotate refresh token: unexpected status %d", status)
	}
}

func (s *RedisRefreshStore) RevokeRefreshToken(ctx context.Context, tokenHash string, now time.Time) error {
	found, err := revokeTokenLua.Run(ctx, s.rdb, []string{s.tokenKey(tokenHash)}, now.UnixMilli()).Int64()
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	if found == 0 {
		return ErrRefreshNotFound
	}
	return nil
}

func (s *RedisRefreshStore) RevokeUserRefreshTokens(ctx context.Context, userID string, now time.Time) (int64, error) {
	count, err := revokeUserLua.Run(ctx, s.rdb, []string{s.userKey(userID)}, now.UnixMilli(), s.tokenPrefix()).Int64()
	if err != nil {
		return 0, fmt.Errorf("revoke user refresh tokens: %w", err)
	}
	return count, nil
}

func (s *RedisRefreshStore) ListRefreshTokens(ctx context.Context, userID string) ([]RefreshToken, error) {
	hashes, err := s.rdb.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list refresh tokens: %w", err)
	}

	cmds := make([]*redis.MapStringStringCmd, len(hashes))
	_, err = s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, hash := range hashes {
			cmds[i] = pipe.HGetAll(ctx, s.tokenKey(hash))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read refresh tokens: %w", err)
	}

	tokens := make([]RefreshToken, 0, len(hashes))
	var gone []any
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			gone = append(gone, hashes[i])
			continue
		}
		token, err := decodeRedisToken(hashes[i], fields)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}

	if len(gone) > 0 {
		if err := s.rdb.SRem(ctx, s.userKey(userID), gone...).Err(); err != nil {
			return nil, fmt.Errorf("trim refresh token set: %w", err)
		}
	}

	sort.SliceStable(tokens, func(i, j int) bool { return tokens[i].IssuedAt.Before(tokens[j].IssuedAt) })
	return tokens, nil
}

func decodeRedisToken(tokenHash string, fields map[string]string) (RefreshToken, error) {
	issuedAt, err := strconv.ParseInt(fields["issued_at"], 10, 64)
	if err != nil {
		return RefreshToken{}, fmt.Errorf("decode refresh token issued_at: %w", err)
	}
	expiresAt, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return RefreshToken{}, fmt.Errorf("decode refresh token expires_at: %w", err)
	}
	revokedAt, err := strconv.ParseInt(fields["revoked_at"], 10, 64)
	if err != nil {
		return RefreshToken{}, fmt.Errorf("decode refresh token revoked_at: %w", err)
	}

	token := RefreshToken{
		ID:          fields["id"],
		UserID:      fields["user_id"],
		FamilyID:    fields["family_id"],
		TokenHash:   tokenHash,
		IssuedAt:    time.UnixMilli(issuedAt).UTC(),
		ExpiresAt:   time.UnixMilli(expiresAt).UTC(),
		CreatedByIP: fields["ip"],
		ReplacedBy:  fields["replaced_by"],
	}
	if revokedAt > 0 {
		value := time.UnixMilli(revokedAt).UTC()
		token.RevokedAt = &value
	}

	return token, nil
}
