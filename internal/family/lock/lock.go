// Package lock provides the single-flight guard that keeps at most one batch
// running at a time, either inside one process or across replicas via Redis.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Local is a process-wide try-lock.
type Local struct {
	held atomic.Bool
}

func NewLocal() *Local {
	return &Local{}
}

func (l *Local) TryAcquire(context.Context) (bool, error) {
	return l.held.CompareAndSwap(false, true), nil
}

func (l *Local) Release(context.Context) error {
	l.held.Store(false)
	return nil
}

func (l *Local) Held() bool {
	return l.held.Load()
}

// releaseScript deletes the key only if it still holds our token, so an
// expired lock taken over by another replica is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type redisClient interface {
	redis.Scripter
	SetArgs(ctx context.Context, key string, value interface{}, a redis.SetArgs) *redis.StatusCmd
}

// Redis is a lease held as a Redis key with a random token and a TTL.
// The TTL must exceed the batch timeout.
type Redis struct {
	client redisClient
	key    string
	ttl    time.Duration

	mu    sync.Mutex
	token string
}

func NewRedis(client redisClient, key string, ttl time.Duration) (*Redis, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if key == "" {
		return nil, fmt.Errorf("lock key is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("lock ttl must be positive, got %s", ttl)
	}
	return &Redis{client: client, key: key, ttl: ttl}, nil
}

func (r *Redis) TryAcquire(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.token != "" {
		return false, nil
	}
	token := uuid.NewString()
	err := r.client.SetArgs(ctx, r.key, token, redis.SetArgs{Mode: "NX", TTL: r.ttl}).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("acquire batch lock: %w", err)
	}
	r.token = token
	return true, nil
}

func (r *Redis) Release(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.token == "" {
		return nil
	}
	token := r.token
	r.token = ""
	if err := releaseScript.Run(ctx, r.client, []string{r.key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release batch lock: %w", err)
	}
	return nil
}
