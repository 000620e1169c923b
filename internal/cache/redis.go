// internal/cache/redis.go
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jason-s-yu/turnroom/internal/models"
	"github.com/redis/go-redis/v9"
)

// readAttempts bounds the retries of read paths when the store is unreachable.
const readAttempts = 3

// casScript sets KEYS[1] to ARGV[3] when the current value matches.
// ARGV[1] = "1" requires the key to be absent, otherwise the value must equal ARGV[2].
// ARGV[4] is the ttl in milliseconds, 0 for none.
var casScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if ARGV[1] == '1' then
  if cur then return 0 end
elseif cur ~= ARGV[2] then
  return 0
end
local ttl = tonumber(ARGV[4])
if ttl > 0 then
  redis.call('SET', KEYS[1], ARGV[3], 'PX', ttl)
else
  redis.call('SET', KEYS[1], ARGV[3])
end
return 1
`)

// cadScript deletes KEYS[1] only if it still holds ARGV[1].
var cadScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisOptions configures ConnectRedis.
type RedisOptions struct {
	Addr     string
	DB       int
	Password string
}

// ConnectRedis opens a client and pings it. go-redis internal retries are disabled so a write
// is never re-sent behind the caller's back; read paths retry explicitly in RedisStore.
func ConnectRedis(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:       opts.Addr,
		DB:         opts.DB,
		Password:   opts.Password,
		MaxRetries: -1,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opts.Addr, err)
	}
	return rdb, nil
}

// RedisStore implements Store on top of a go-redis client.
type RedisStore struct {
	rdb redis.UniversalClient
}

// NewRedisStore wraps an existing client.
func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// Client exposes the underlying client for pub/sub and queue consumers.
func (s *RedisStore) Client() redis.UniversalClient {
	return s.rdb
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := retryRead(ctx, func() error {
		b, err := s.rdb.Get(ctx, key).Bytes()
		if err != nil {
			return err
		}
		out = b
		return nil
	})
	if err != nil {
		return nil, wrapErr("get "+key, err)
	}
	return out, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return wrapErr("set "+key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return wrapErr("del", err)
	}
	return nil
}

func (s *RedisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, wrapErr("setnx "+key, err)
	}
	return ok, nil
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, key string, expected, value []byte, ttl time.Duration) (bool, error) {
	mustBeAbsent := "0"
	if expected == nil {
		mustBeAbsent = "1"
	}
	n, err := casScript.Run(ctx, s.rdb, []string{key}, mustBeAbsent, expected, value, ttl.Milliseconds()).Int()
	if err != nil {
		return false, wrapErr("cas "+key, err)
	}
	return n == 1, nil
}

func (s *RedisStore) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	n, err := cadScript.Run(ctx, s.rdb, []string{key}, expected).Int()
	if err != nil {
		return false, wrapErr("cad "+key, err)
	}
	return n == 1, nil
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := s.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return wrapErr("zadd "+key, err)
	}
	return nil
}

func (s *RedisStore) ZRangeByScore(ctx context.Context, key string, r ZRange) ([]ScoredMember, error) {
	by := &redis.ZRangeBy{
		Min:    r.Min,
		Max:    r.Max,
		Offset: r.Offset,
		Count:  r.Count,
	}
	if by.Min == "" {
		by.Min = "-inf"
	}
	if by.Max == "" {
		by.Max = "+inf"
	}
	if by.Offset > 0 && by.Count <= 0 {
		by.Count = -1
	}

	var zs []redis.Z
	err := retryRead(ctx, func() error {
		var err error
		if r.Rev {
			zs, err = s.rdb.ZRevRangeByScoreWithScores(ctx, key, by).Result()
		} else {
			zs, err = s.rdb.ZRangeByScoreWithScores(ctx, key, by).Result()
		}
		return err
	})
	if err != nil {
		return nil, wrapErr("zrangebyscore "+key, err)
	}

	out := make([]ScoredMember, 0, len(zs))
	for _, z := range zs {
		m, _ := z.Member.(string)
		out = append(out, ScoredMember{Member: m, Score: z.Score})
	}
	return out, nil
}

func (s *RedisStore) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.rdb.ZRem(ctx, key, args...).Err(); err != nil {
		return wrapErr("zrem "+key, err)
	}
	return nil
}

// retryRead runs op with exponential backoff. Misses and cancellations are not retried.
func retryRead(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Second

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, readAttempts-1), ctx))
}

// wrapErr maps go-redis errors onto the engine error taxonomy.
func wrapErr(op string, err error) error {
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %v", models.ErrStoreUnavailable, op, err)
}
