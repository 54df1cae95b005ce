package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// LockExpiry bounds how long a crashed holder can block a reference.
	LockExpiry = 30 * time.Second
	// PollInterval is how often a waiter retries SETNX.
	PollInterval = 25 * time.Millisecond
)

var ErrNotHeld = errors.New("lock not held")

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Redis is a Locker shared by every instance of the service.
type Redis struct {
	client *redis.Client
	expiry time.Duration
}

// NewRedis creates a Redis-backed locker.
func NewRedis(addr string, password string, db int) *Redis {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisWithClient(rdb)
}

func NewRedisWithClient(client *redis.Client) *Redis {
	return &Redis{client: client, expiry: LockExpiry}
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func key(ref string) string {
	return fmt.Sprintf("moneris:lock:%s", ref)
}

func (r *Redis) Lock(ctx context.Context, ref string) (func(), error) {
	k := key(ref)
	token := uuid.New().String()

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		// SET NX: only one caller gets the key until it is released or expires
		ok, err := r.client.SetNX(ctx, k, token, r.expiry).Result()
		if err != nil {
			return nil, fmt.Errorf("redis SETNX error: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	return func() {
		// release on a fresh context so a cancelled request still frees the key
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.release(ctx, k, token)
	}, nil
}

func (r *Redis) release(ctx context.Context, k, token string) error {
	n, err := releaseScript.Run(ctx, r.client, []string{k}, token).Int()
	if err != nil {
		return fmt.Errorf("redis release error: %w", err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}
