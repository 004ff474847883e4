package window

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/estately-labs/ratelimiter/internal/policy"
	"github.com/estately-labs/ratelimiter/internal/xerrors"
)

// checkScriptSrc runs reset/increment/persist atomically on the redis side.
// KEYS[1] record hash, ARGV window ms, now ms. Returns {count, reset ms}.
// The limit is applied afterwards by decide.
const checkScriptSrc = `
local count = tonumber(redis.call('HGET', KEYS[1], 'count'))
local reset = tonumber(redis.call('HGET', KEYS[1], 'reset'))
local window = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
if count == nil or reset == nil or now >= reset then
  count = 0
  reset = now + window
end
count = count + 1
redis.call('HSET', KEYS[1], 'count', count, 'reset', reset)
redis.call('PEXPIREAT', KEYS[1], reset)
return {count, reset}
`

var checkScript = redis.NewScript(checkScriptSrc)

const redisKeyPrefix = "ratelimit:"

// RedisStore shares counters between every instance pointed at the same redis.
// Records carry a PEXPIREAT at their reset time, so redis drops them on its own.
type RedisStore struct {
	client   redis.UniversalClient
	policies Resolver
}

func NewRedisStore(client redis.UniversalClient, policies Resolver) *RedisStore {
	return &RedisStore{client: client, policies: policies}
}

// NewRedisStoreFromURL parses a redis:// or rediss:// URL.
func NewRedisStoreFromURL(url string, policies Resolver) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, xerrors.Wrap(err, "parse redis url")
	}
	return NewRedisStore(redis.NewClient(opts), policies), nil
}

// redisKey length-prefixes the category so "a:b"+"c" and "a"+"b:c" differ.
func redisKey(category, key string) string {
	return redisKeyPrefix + strconv.Itoa(len(category)) + ":" + category + ":" + key
}

// checkArgs builds the script's ARGV.
func checkArgs(cfg policy.Config, now time.Time) []any {
	return []any{cfg.WindowMs(), now.UnixMilli()}
}

func (s *RedisStore) Check(ctx context.Context, key, category string, now time.Time) (Decision, error) {
	cfg := s.policies.Resolve(category)
	res, err := checkScript.Run(ctx, s.client,
		[]string{redisKey(category, key)},
		checkArgs(cfg, now)...,
	).Int64Slice()
	if err != nil {
		return Decision{}, xerrors.Wrap(err, "redis check")
	}
	if len(res) != 2 {
		return Decision{}, xerrors.Newf("redis check: unexpected reply length %d", len(res))
	}
	return decide(cfg, int(res[0]), time.UnixMilli(res[1])), nil
}

// PurgeExpired is a no-op, redis expires records itself.
func (s *RedisStore) PurgeExpired(context.Context, time.Time) (int, error) { return 0, nil }

// Len scans the keyspace for records. Cost is linear in the number of keys.
func (s *RedisStore) Len(ctx context.Context) (int, error) {
	var (
		cursor uint64
		n      int
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, redisKeyPrefix+"*", 1000).Result()
		if err != nil {
			return 0, xerrors.Wrap(err, "redis scan")
		}
		n += len(keys)
		if next == 0 {
			return n, nil
		}
		cursor = next
	}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error { return s.client.Close() }
