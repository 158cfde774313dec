package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// JobLock is a non-blocking distributed lock on Redis. TryAcquire either takes
// the lock immediately or reports contention; it never waits. The lock expires
// on its own after the TTL in case the holder dies without releasing.
type JobLock struct {
	client *redis.Client
	ttl    time.Duration
}

func New(client *redis.Client, ttl time.Duration) *JobLock {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &JobLock{client: client, ttl: ttl}
}

// TryAcquire attempts to take the named lock. On success it returns a release
// function and true; if the lock is already held it returns false without
// blocking. Release only deletes the key when the holder token still matches,
// so an expired-and-reacquired lock is never released by the old holder.
func (l *JobLock) TryAcquire(ctx context.Context, name string) (func(), bool, error) {
	token := uuid.New().String()
	key := lockKey(name)

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %q: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		// best effort; the TTL reclaims the lock if this fails
		_ = releaseScript.Run(context.Background(), l.client, []string{key}, token).Err()
	}
	return release, true, nil
}

func lockKey(name string) string {
	return "lock:" + name
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
