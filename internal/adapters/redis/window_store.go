// Package redis shares chunk rate-limit windows across relay instances.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// redisClient is the subset of go-redis the window store needs.
type redisClient interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *goredis.Cmd
}

// hitScript counts one hit and arms the window TTL in the same step. A key
// left without a TTL gets one on its next hit. Hits over the limit are
// taken back before returning, so the stored count never exceeds it.
//
// KEYS[1] window key, ARGV[1] window in ms, ARGV[2] limit.
const hitScript = `
local n = redis.call('INCR', KEYS[1])
if redis.call('PTTL', KEYS[1]) < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
if n > tonumber(ARGV[2]) then
	redis.call('DECR', KEYS[1])
end
return n
`

// releaseScript takes back one hit of a live window. It never creates a key.
const releaseScript = `
local n = tonumber(redis.call('GET', KEYS[1]) or '0')
if n > 0 then
	return redis.call('DECR', KEYS[1])
end
return 0
`

// WindowStore implements a fixed window that starts at the first hit,
// when the key is created.
type WindowStore struct {
	client redisClient
	prefix string
}

func NewWindowStore(client redisClient, prefix string) (*WindowStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = "roomscan:ratelimit:"
	}
	return &WindowStore{client: client, prefix: prefix}, nil
}

// NewClient dials addr with go-redis defaults.
func NewClient(addr string) *goredis.Client {
	return goredis.NewClient(&goredis.Options{Addr: addr})
}

func (s *WindowStore) Hit(ctx context.Context, key string, limit int, window time.Duration) (int, bool, error) {
	k := s.prefix + key
	n, err := s.client.Eval(ctx, hitScript, []string{k}, window.Milliseconds(), limit).Int64()
	if err != nil {
		return 0, false, fmt.Errorf("failed to hit %s: %w", k, err)
	}
	if n > int64(limit) {
		return limit, false, nil
	}
	return int(n), true, nil
}

func (s *WindowStore) Release(ctx context.Context, key string) error {
	k := s.prefix + key
	if err := s.client.Eval(ctx, releaseScript, []string{k}).Err(); err != nil {
		return fmt.Errorf("failed to release %s: %w", k, err)
	}
	return nil
}
