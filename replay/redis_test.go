package replay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ruteri/tee-sealing-key-provider/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRedis struct {
	keys map[string]time.Duration
	err  error
}

func (f *fakeRedis) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	if _, ok := f.keys[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.keys[key] = expiration
	return redis.NewBoolResult(true, nil)
}

func TestRedisStore(t *testing.T) {
	fake := &fakeRedis{keys: map[string]time.Duration{}}
	s := NewRedisStore(fake, "skp:nonce:")
	ctx := context.Background()

	require.NoError(t, s.Remember(ctx, nonceN(1), t0, 5*time.Minute))
	require.ErrorIs(t, s.Remember(ctx, nonceN(1), t0, 5*time.Minute), interfaces.ErrNonceReplayed)

	ttl, ok := fake.keys["skp:nonce:"+nonceN(1).String()]
	require.True(t, ok)
	assert.Equal(t, 5*time.Minute, ttl)
}

func TestRedisStore_Unavailable(t *testing.T) {
	s := NewRedisStore(&fakeRedis{err: errors.New("connection refused")}, "skp:nonce:")
	err := s.Remember(context.Background(), nonceN(1), t0, time.Minute)
	require.ErrorIs(t, err, ErrStoreUnavailable)
	require.NotErrorIs(t, err, interfaces.ErrNonceReplayed)
}
