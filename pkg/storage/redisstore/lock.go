package redisstore

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/platinummonkey/tollgate/pkg/storage"
)

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// Locker is a single-holder lease on a Redis key. The aggregator uses it so
// only one instance runs a boundary rollover at a time.
type Locker struct {
	client *redis.Client
	prefix string
	script *redis.Script
}

// NewLocker creates a locker
func NewLocker(client *redis.Client, prefix string) *Locker {
	if prefix == "" {
		prefix = "entitle"
	}
	return &Locker{
		client: client,
		prefix: prefix,
		script: redis.NewScript(lockReleaseScript),
	}
}

// TryLock acquires name for ttl. The returned token releases it.
func (l *Locker) TryLock(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	if name == "" {
		return "", false, errors.New("lock name is empty")
	}
	if ttl <= 0 {
		return "", false, errors.New("lock ttl must be positive")
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.prefix+":lock:"+name, token, ttl).Result()
	if err != nil {
		return "", false, storage.Unavailable("redis", "lock", err)
	}
	return token, ok, nil
}

// Release frees the lock if token still holds it
func (l *Locker) Release(ctx context.Context, name, token string) error {
	if name == "" || token == "" {
		return nil
	}
	return l.script.Run(ctx, l.client, []string{l.prefix + ":lock:" + name}, token).Err()
}
