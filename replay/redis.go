package replay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ruteri/tee-sealing-key-provider/interfaces"
)

// ErrStoreUnavailable is returned when the shared nonce store cannot be reached.
var ErrStoreUnavailable = errors.New("nonce store unavailable")

// SetNXClient is the subset of the Redis client the store uses.
type SetNXClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// RedisStore remembers nonces in Redis with SET NX PX, so that replicas of the
// provider share one replay window. Expiry is handled by Redis.
type RedisStore struct {
	client SetNXClient
	prefix string
}

func NewRedisStore(client SetNXClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Remember(ctx context.Context, nonce interfaces.Nonce, now time.Time, ttl time.Duration) error {
	ok, err := s.client.SetNX(ctx, s.prefix+nonce.String(), now.UnixMilli(), ttl).Result()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if !ok {
		return interfaces.ErrNonceReplayed
	}
	return nil
}

// RedisConfig configures the Redis connection.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
	TLS      bool
}

// NewRedisClient creates and pings a Redis client.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}
