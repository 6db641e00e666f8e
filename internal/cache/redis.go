package cache

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig captures the connection parameters of the shared redis.
// URL, when set, takes precedence over the discrete fields.
type RedisConfig struct {
	URL      string
	Address  string
	Username string
	Password string
	DB       int
	TLS      bool
	Timeout  time.Duration
}

const (
	defaultRedisTimeout = 5 * time.Second
	redisKeyPrefix      = "threadsync:"
	lockKeyPrefix       = redisKeyPrefix + "lock:"
)

// acquireScript grants the lock when free or already held by ARGV[1] and returns the holder.
var acquireScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if (not current) or current == ARGV[1] then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return ARGV[1]
end
return current
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

var refreshScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// NewRedisClient builds a go-redis client and pings it so misconfiguration
// surfaces during start-up.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	opts, err := redisOptions(cfg)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

func redisOptions(cfg RedisConfig) (*redis.Options, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRedisTimeout
	}

	if url := strings.TrimSpace(cfg.URL); url != "" {
		opts, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts.DialTimeout = timeout
		return opts, nil
	}

	address := strings.TrimSpace(cfg.Address)
	if address == "" {
		return nil, errors.New("redis: address is required")
	}

	opts := &redis.Options{
		Addr:         address,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts, nil
}

// RedisLockStore shares leases between authority nodes through redis.
type RedisLockStore struct {
	client redis.UniversalClient
}

// NewRedisLockStore wraps an existing client.
func NewRedisLockStore(client redis.UniversalClient) *RedisLockStore {
	return &RedisLockStore{client: client}
}

func (s *RedisLockStore) Acquire(ctx context.Context, thread, user string, ttl time.Duration) (Lease, error) {
	ttl = normalizeTTL(ttl)
	holder, err := acquireScript.Run(ctx, s.client, []string{lockKey(thread)}, user, ttl.Milliseconds()).Text()
	if err != nil {
		return Lease{}, fmt.Errorf("acquire lock %s: %w", thread, err)
	}
	if holder == user {
		return Lease{Holder: user, ExpiresAt: time.Now().Add(ttl)}, nil
	}
	return s.Holder(ctx, thread)
}

func (s *RedisLockStore) Release(ctx context.Context, thread, user string) (bool, error) {
	deleted, err := releaseScript.Run(ctx, s.client, []string{lockKey(thread)}, user).Int()
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", thread, err)
	}
	return deleted == 1, nil
}

func (s *RedisLockStore) Refresh(ctx context.Context, thread, user string, ttl time.Duration) (bool, error) {
	ttl = normalizeTTL(ttl)
	updated, err := refreshScript.Run(ctx, s.client, []string{lockKey(thread)}, user, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("refresh lock %s: %w", thread, err)
	}
	return updated == 1, nil
}

func (s *RedisLockStore) Holder(ctx context.Context, thread string) (Lease, error) {
	key := lockKey(thread)

	pipe := s.client.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Lease{}, fmt.Errorf("lookup lock %s: %w", thread, err)
	}

	holder, err := getCmd.Result()
	if errors.Is(err, redis.Nil) {
		return Lease{}, nil
	}
	if err != nil {
		return Lease{}, fmt.Errorf("lookup lock %s: %w", thread, err)
	}

	lease := Lease{Holder: holder}
	if ttl := ttlCmd.Val(); ttl > 0 {
		lease.ExpiresAt = time.Now().Add(ttl)
	}
	return lease, nil
}

// Ping checks redis reachability.
func (s *RedisLockStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func lockKey(thread string) string {
	return lockKeyPrefix + thread
}
