package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/vitwit/x402-gateway/types"
)

const DefaultKeyPrefix = "x402:nonce:"

// releasePending deletes the key only while it still holds the pending marker,
// so a Release racing a Commit can never drop a settled entry.
var releasePending = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLedger shares replay state across gateway replicas. Expiry is left
// to redis via PXAT.
type RedisLedger struct {
	client goredis.UniversalClient
	prefix string
}

func NewRedisLedger(client goredis.UniversalClient, prefix string) *RedisLedger {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisLedger{client: client, prefix: prefix}
}

// NewRedisClient connects to a single-node redis from a URL and pings it.
func NewRedisClient(ctx context.Context, redisURL string) (*goredis.Client, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis url is required")
	}
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (r *RedisLedger) Reserve(ctx context.Context, key string, expiresAt time.Time) error {
	err := r.client.SetArgs(ctx, r.prefix+key, string(StatePending), goredis.SetArgs{
		Mode:     "NX",
		ExpireAt: expiresAt,
	}).Err()

	if errors.Is(err, goredis.Nil) {
		state, _, lerr := r.Lookup(ctx, key)
		if lerr != nil {
			state = StatePending
		}
		return replayed(key, state)
	}
	if err != nil {
		return types.WrapError(types.ErrInternal, "nonce ledger unavailable", err)
	}
	return nil
}

func (r *RedisLedger) Commit(ctx context.Context, key string, expiresAt time.Time) error {
	err := r.client.SetArgs(ctx, r.prefix+key, string(StateSettled), goredis.SetArgs{
		ExpireAt: expiresAt,
	}).Err()
	if err != nil {
		return types.WrapError(types.ErrInternal, "nonce ledger commit failed", err)
	}
	return nil
}

func (r *RedisLedger) Release(ctx context.Context, key string) error {
	err := releasePending.Run(ctx, r.client, []string{r.prefix + key}, string(StatePending)).Err()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return types.WrapError(types.ErrInternal, "nonce ledger release failed", err)
	}
	return nil
}

func (r *RedisLedger) Lookup(ctx context.Context, key string) (State, bool, error) {
	v, err := r.client.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, types.WrapError(types.ErrInternal, "nonce ledger lookup failed", err)
	}
	return State(v), true, nil
}
