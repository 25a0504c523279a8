package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foxzi/mailing/internal/config"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisAcquireRelease(t *testing.T) {
	ctx := context.Background()
	mr, client := setupRedis(t)
	locker := NewRedis(client, time.Minute)

	release, err := locker.Acquire(ctx, "migrate:cjwnl")
	require.NoError(t, err)
	assert.True(t, mr.Exists("lock:migrate:cjwnl"))
	assert.Equal(t, time.Minute, mr.TTL("lock:migrate:cjwnl"))

	_, err = locker.Acquire(ctx, "migrate:cjwnl")
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, release(ctx))
	assert.False(t, mr.Exists("lock:migrate:cjwnl"))

	release, err = locker.Acquire(ctx, "migrate:cjwnl")
	require.NoError(t, err)
	require.NoError(t, release(ctx))
}

func TestRedisReleaseKeepsForeignLock(t *testing.T) {
	ctx := context.Background()
	mr, client := setupRedis(t)
	locker := NewRedis(client, time.Minute)

	release, err := locker.Acquire(ctx, "job")
	require.NoError(t, err)

	// the lock expired and another process took it over
	mr.FastForward(2 * time.Minute)
	other, err := locker.Acquire(ctx, "job")
	require.NoError(t, err)

	require.NoError(t, release(ctx))
	assert.True(t, mr.Exists("lock:job"), "stale release must not remove the new owner's lock")

	require.NoError(t, other(ctx))
	assert.False(t, mr.Exists("lock:job"))
}

func TestRedisUnavailable(t *testing.T) {
	mr, client := setupRedis(t)
	mr.Close()

	_, err := NewRedis(client, time.Minute).Acquire(context.Background(), "job")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrLocked)
}

func TestNew(t *testing.T) {
	locker, closeFn := New(config.LockConfig{})
	assert.IsType(t, Noop{}, locker)
	release, err := locker.Acquire(context.Background(), "job")
	require.NoError(t, err)
	assert.NoError(t, release(context.Background()))
	assert.NoError(t, closeFn())

	mr, _ := setupRedis(t)
	locker, closeFn = New(config.LockConfig{RedisAddr: mr.Addr(), TTL: time.Second})
	defer closeFn()
	assert.IsType(t, &Redis{}, locker)
}
