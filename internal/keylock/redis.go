package keylock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix   = "identity:lock:"
	redisRetryEvery  = 25 * time.Millisecond
	redisReleaseWait = 2 * time.Second
)

// releaseScript deletes the lease only if it still carries our token, so an
// expired-and-reacquired lease is never removed by its previous owner.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the lease only while it still carries our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Redis is a Locker shared by every instance talking to the same Redis.
// Each key is a lease with a TTL so a crashed holder cannot wedge a key.
// While held, leases are renewed every ttl/3 until unlock.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	wait   time.Duration
}

// NewRedis builds a Redis locker. ttl is the lease lifetime between renewals;
// wait bounds acquisition when ctx has no deadline.
func NewRedis(client *redis.Client, ttl, wait time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &Redis{client: client, ttl: ttl, wait: wait}
}

// NewRedisClient configures a Redis client and verifies connectivity.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, errors.New("redis url is required")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Lock implements Locker.
func (r *Redis) Lock(ctx context.Context, keys ...string) (func(), error) {
	if _, ok := ctx.Deadline(); !ok && r.wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.wait)
		defer cancel()
	}

	token := uuid.NewString()
	held := make([]string, 0, len(keys))
	release := func() {
		rctx, cancel := context.WithTimeout(context.Background(), redisReleaseWait)
		defer cancel()
		for i := len(held) - 1; i >= 0; i-- {
			// Best effort: the lease expires on its own if this fails.
			_ = releaseScript.Run(rctx, r.client, []string{held[i]}, token).Err()
		}
	}

	for _, k := range normalizeKeys(keys) {
		key := redisKeyPrefix + k
		if err := r.acquire(ctx, key, token); err != nil {
			release()
			return nil, err
		}
		held = append(held, key)
	}

	stop, done := make(chan struct{}), make(chan struct{})
	go r.renew(stop, done, held, token)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			release()
		})
	}, nil
}

// renew keeps the leases in keys alive until stop is closed. A lease that
// was lost to expiry is left to its new owner.
func (r *Redis) renew(stop <-chan struct{}, done chan<- struct{}, keys []string, token string) {
	defer close(done)
	every := r.ttl / 3
	if every <= 0 {
		every = time.Millisecond
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), every)
		for _, k := range keys {
			// Best effort: the next tick retries.
			_ = renewScript.Run(ctx, r.client, []string{k}, token, r.ttl.Milliseconds()).Err()
		}
		cancel()
	}
}

func (r *Redis) acquire(ctx context.Context, key, token string) error {
	ticker := time.NewTicker(redisRetryEvery)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return ErrLockTimeout
			}
			return fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ErrLockTimeout
		case <-ticker.C:
		}
	}
}
