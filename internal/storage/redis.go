package storage

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fluxtide/workspace-mcp/internal/logging"
)

// Default timeouts for store operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second

	// scanBatchSize bounds each SCAN round trip so iteration stays
	// incremental even over large keyspaces.
	scanBatchSize = 100
)

// RedisConfig holds connection settings for the shared key-value store.
type RedisConfig struct {
	// Addr is the store address, e.g. "valkey.namespace.svc:6379".
	Addr string

	// Password is the optional authentication password.
	Password string

	// DB is the database number (default 0).
	DB int

	// TLSEnabled enables TLS for store connections.
	TLSEnabled bool

	// KeyPrefix namespaces all keys, e.g. "mcp:". Required for shared
	// deployments where multiple services use one store.
	KeyPrefix string

	// PoolSize bounds the connection pool (0 uses the client default).
	PoolSize int
}

// RedisStore implements Store against a Redis-compatible server (Redis,
// Valkey). One client is shared per process and reused across requests.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedisStore connects to the store and verifies connectivity.
func NewRedisStore(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  DefaultDialTimeout,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
		PoolSize:     cfg.PoolSize,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, DefaultDialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to key-value store at %s: %w", cfg.Addr, err)
	}

	logger = logging.WithComponent(logger, "storage")
	logger.Info("connected to key-value store", "addr", cfg.Addr, "prefix", cfg.KeyPrefix)

	return &RedisStore{
		client: client,
		prefix: cfg.KeyPrefix,
		logger: logger,
	}, nil
}

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store get %s: %w", key, err)
	}
	return val, nil
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("store set %s: %w", key, err)
	}
	return nil
}

// SetNX implements Store.
func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("store setnx %s: %w", key, err)
	}
	return ok, nil
}

// GetDel implements Store. GETDEL executes as a single server-side command,
// so two racing consumers can never both observe the value.
func (s *RedisStore) GetDel(ctx context.Context, key string) (string, error) {
	val, err := s.client.GetDel(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store getdel %s: %w", key, err)
	}
	return val, nil
}

// Del implements Store.
func (s *RedisStore) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = s.key(k)
	}
	n, err := s.client.Del(ctx, prefixed...).Result()
	if err != nil {
		return 0, fmt.Errorf("store del: %w", err)
	}
	return n, nil
}

// Scan implements Store using cursor-based SCAN, never KEYS.
func (s *RedisStore) Scan(ctx context.Context, pattern string, fn func(key string) error) error {
	iter := s.client.Scan(ctx, 0, s.key(pattern), scanBatchSize).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if len(key) >= len(s.prefix) {
			key = key[len(s.prefix):]
		}
		if err := fn(key); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("store scan %s: %w", pattern, err)
	}
	return nil
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
