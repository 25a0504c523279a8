// Package lock guards one-shot operations against concurrent runs.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/foxzi/mailing/internal/config"
)

// ErrLocked is returned when another process holds the lock
var ErrLocked = errors.New("lock is held by another process")

// Locker hands out named locks. Release must be called by the holder.
type Locker interface {
	Acquire(ctx context.Context, name string) (release func(context.Context) error, err error)
}

// New returns a Redis locker when an address is configured, a no-op one otherwise.
// The returned close function releases the client.
func New(cfg config.LockConfig) (Locker, func() error) {
	if cfg.RedisAddr == "" {
		return Noop{}, func() error { return nil }
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedis(client, cfg.TTL), client.Close
}

// Noop always succeeds
type Noop struct{}

func (Noop) Acquire(context.Context, string) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Redis locks with SET NX and a random owner token
type Redis struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewRedis(client redis.Cmdable, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Redis{client: client, ttl: ttl}
}

func (r *Redis) Acquire(ctx context.Context, name string) (func(context.Context) error, error) {
	h, err := r.hold(ctx, name)
	if err != nil {
		return nil, err
	}
	return h.release, nil
}

type held struct {
	client redis.Cmdable
	key    string
	token  string
}

func (r *Redis) hold(ctx context.Context, name string) (*held, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate lock token: %w", err)
	}
	h := &held{
		client: r.client,
		key:    fmt.Sprintf("lock:%s", name),
		token:  hex.EncodeToString(b),
	}

	ok, err := r.client.SetNX(ctx, h.key, h.token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", h.key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrLocked)
	}
	return h, nil
}

// release deletes the key only while the token still matches
func (h *held) release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, h.client, []string{h.key}, h.token).Err(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", h.key, err)
	}
	return nil
}
