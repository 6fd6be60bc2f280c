package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"marketplace_auth/internal/models"
	"marketplace_auth/internal/storage"

	"github.com/gofrs/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "mauth"

var (
	_ storage.RefreshTokenStorage = (*RedisStorage)(nil)
	_ storage.BlacklistStorage    = (*RedisStorage)(nil)
)

var ErrRedisNotReady = errors.New("redis not ready")

// consumeRefreshLua deletes a refresh token record and its index entry in one step.
// KEYS[1] = record key
// KEYS[2] = per-user index set
// ARGV[1] = token hash
//
// Returns the record payload, or nil when the record does not exist.
var consumeRefreshLua = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
  return false
end
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[1])
return data
`)

// invalidateUserLua deletes every refresh token record listed in a user index set.
// KEYS[1] = per-user index set
// ARGV[1] = record key prefix for the user
//
// The record keys are not passed in KEYS because the set is read inside the
// script. They share the {userID} hash tag with KEYS[1], so on a cluster they
// live in the same slot.
//
// Returns the number of deleted records.
var invalidateUserLua = redis.NewScript(`
local members = redis.call('SMEMBERS', KEYS[1])
local n = 0
for _, h in ipairs(members) do
  n = n + redis.call('DEL', ARGV[1] .. h)
end
redis.call('DEL', KEYS[1])
return n
`)

type refreshRecord struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	ExpiresAt int64  `json:"expires_at"`
	CreatedAt int64  `json:"created_at"`
}

// RedisStorage keeps refresh tokens and the access token blacklist in Redis.
// Expiry is delegated to key TTLs, so the sweep methods have nothing to do.
//
// Keys of one user carry the {userID} hash tag, which keeps the scripts
// cluster safe:
//
//	<prefix>:rt:{<userID>}:<tokenHash>  refresh token record
//	<prefix>:rtu:{<userID>}             set of the user's token hashes
//	<prefix>:bl:<tokenHash>             blacklisted access token
type RedisStorage struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStorage(client redis.UniversalClient, prefix string) *RedisStorage {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &RedisStorage{
		client: client,
		prefix: prefix,
	}
}

// Connect parses url and pings the server, retrying a few times before giving up.
func Connect(ctx context.Context, url string, attempts int, interval time.Duration) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis.Connect: %w", err)
	}

	for i := 0; i < max(attempts, 1); i++ {
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err == nil {
			return client, nil
		}
		_ = client.Close()

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrRedisNotReady, ctx.Err())
		case <-time.After(interval):
		}
	}

	return nil, ErrRedisNotReady
}

func (r *RedisStorage) refreshKey(userID uuid.UUID, tokenHash string) string {
	return r.refreshPrefix(userID) + tokenHash
}

func (r *RedisStorage) refreshPrefix(userID uuid.UUID) string {
	return r.prefix + ":rt:{" + userID.String() + "}:"
}

func (r *RedisStorage) userIndexKey(userID uuid.UUID) string {
	return r.prefix + ":rtu:{" + userID.String() + "}"
}

func (r *RedisStorage) blacklistKey(tokenHash string) string {
	return r.prefix + ":bl:" + tokenHash
}

func (r *RedisStorage) CreateRefreshToken(ctx context.Context, token models.RefreshToken) error {
	const op = "redis.CreateRefreshToken"

	ttl := keyTTL(token.CreatedAt, token.ExpiresAt)
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(refreshRecord{
		ID:        token.ID.String(),
		UserID:    token.UserID.String(),
		ExpiresAt: token.ExpiresAt.Unix(),
		CreatedAt: token.CreatedAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	indexKey := r.userIndexKey(token.UserID)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.refreshKey(token.UserID, token.TokenHash), data, ttl)
		pipe.SAdd(ctx, indexKey, token.TokenHash)
		pipe.PExpire(ctx, indexKey, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (r *RedisStorage) ConsumeRefreshToken(ctx context.Context, userID uuid.UUID, tokenHash string, now time.Time) (models.RefreshToken, error) {
	const op = "redis.ConsumeRefreshToken"

	keys := []string{r.refreshKey(userID, tokenHash), r.userIndexKey(userID)}
	data, err := consumeRefreshLua.Run(ctx, r.client, keys, tokenHash).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.RefreshToken{}, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
		}
		return models.RefreshToken{}, fmt.Errorf("%s: %w", op, err)
	}

	var rec refreshRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return models.RefreshToken{}, fmt.Errorf("%s: %w", op, err)
	}

	token := models.RefreshToken{
		UserID:    userID,
		TokenHash: tokenHash,
		ExpiresAt: time.Unix(rec.ExpiresAt, 0).UTC(),
		CreatedAt: time.Unix(rec.CreatedAt, 0).UTC(),
	}
	token.ID, _ = uuid.FromString(rec.ID)

	if !now.Before(token.ExpiresAt) {
		return models.RefreshToken{}, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}

	return token, nil
}

func (r *RedisStorage) DeleteUserRefreshTokens(ctx context.Context, userID uuid.UUID) (int64, error) {
	const op = "redis.DeleteUserRefreshTokens"

	n, err := invalidateUserLua.Run(ctx, r.client, []string{r.userIndexKey(userID)}, r.refreshPrefix(userID)).Int64()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return n, nil
}

func (r *RedisStorage) DeleteExpiredRefreshTokens(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (r *RedisStorage) AddBlacklistEntry(ctx context.Context, entry models.BlacklistEntry) error {
	const op = "redis.AddBlacklistEntry"

	ttl := keyTTL(entry.CreatedAt, entry.ExpiresAt)
	if ttl <= 0 {
		return nil
	}

	if err := r.client.Set(ctx, r.blacklistKey(entry.TokenHash), entry.ExpiresAt.Unix(), ttl).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (r *RedisStorage) IsBlacklisted(ctx context.Context, tokenHash string, now time.Time) (bool, error) {
	const op = "redis.IsBlacklisted"

	exp, err := r.client.Get(ctx, r.blacklistKey(tokenHash)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("%s: %w", op, err)
	}

	return now.Unix() < exp, nil
}

func (r *RedisStorage) DeleteExpiredBlacklistEntries(context.Context, time.Time) (int64, error) {
	return 0, nil
}

// keyTTL measures the lifetime from the record's own creation time so the key
// expires in step with the caller's clock. Records without CreatedAt fall back
// to the wall clock.
func keyTTL(createdAt, expiresAt time.Time) time.Duration {
	if createdAt.IsZero() {
		return time.Until(expiresAt)
	}
	return expiresAt.Sub(createdAt)
}
