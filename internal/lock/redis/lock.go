// Package redis provides a single-holder lease lock on a Redis key.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only when it still holds our owner token.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

// Client is the subset of *redis.Client the lock uses.
type Client interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

// Lock is held by at most one owner until it is released or its TTL lapses.
type Lock struct {
	client Client
	key    string
	owner  string
	ttl    time.Duration
}

// New creates a lock on key. owner must be unique per process.
func New(client Client, key, owner string, ttl time.Duration) (*Lock, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if key == "" || owner == "" {
		return nil, errors.New("lock key and owner are required")
	}
	if ttl <= 0 {
		return nil, errors.New("lock ttl must be positive")
	}
	return &Lock{client: client, key: key, owner: owner, ttl: ttl}, nil
}

// TryAcquire takes the lock if it is free.
func (l *Lock) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	return ok, nil
}

// Release frees the lock if this owner still holds it.
func (l *Lock) Release(ctx context.Context) error {
	err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.owner).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	return nil
}
