package cache

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix isolates this store's keys from other users of the same database.
	KeyPrefix string
}

// RedisStore is a Store backed by Redis, for hosts where the agent runs next to
// a local or sidecar Redis with persistence enabled. Each entry is one hash so
// a Put is a single HSET and atomic per key.
type RedisStore struct {
	redisClient *redis.Client
	logger      zerolog.Logger
	prefix      string
	now         func() time.Time
}

const (
	redisPayloadField   = "payload"
	redisFetchedAtField = "fetched_at"
)

// NewRedisStore creates and connects a new RedisStore.
// It pings the Redis server to ensure connectivity before returning.
func NewRedisStore(ctx context.Context, cfg *RedisConfig, logger zerolog.Logger) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w: %w", ErrStoreUnavailable, err)
	}

	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis.")

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "gigcache:"
	}
	return &RedisStore{
		redisClient: rdb,
		logger:      logger.With().Str("component", "RedisStore").Logger(),
		prefix:      prefix,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *RedisStore) entryKey(ns Namespace, key string) string {
	return s.prefix + string(ns) + ":" + key
}

func (s *RedisStore) namespacesKey() string {
	return s.prefix + "namespaces"
}

// Put writes the entry hash and records the namespace.
func (s *RedisStore) Put(ctx context.Context, ns Namespace, key string, payload []byte) error {
	redisKey := s.entryKey(ns, key)
	_, err := s.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, redisKey,
			redisPayloadField, clonePayload(payload),
			redisFetchedAtField, toMillis(s.now()),
		)
		pipe.SAdd(ctx, s.namespacesKey(), string(ns))
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).Str("key", redisKey).Msg("Failed to set entry in Redis.")
		return fmt.Errorf("failed to set in redis: %w", classifyRedisError(err))
	}
	s.logger.Debug().Str("key", redisKey).Msg("Successfully stored entry in Redis.")
	return nil
}

// Get reads the entry hash for key.
func (s *RedisStore) Get(ctx context.Context, ns Namespace, key string) (Entry, error) {
	redisKey := s.entryKey(ns, key)
	fields, err := s.redisClient.HGetAll(ctx, redisKey).Result()
	if err != nil {
		return Entry{}, fmt.Errorf("redis get failed for key %s: %w", redisKey, classifyRedisError(err))
	}
	payload, ok := fields[redisPayloadField]
	if !ok {
		return Entry{}, fmt.Errorf("key '%s' in %s: %w", key, ns, ErrNotFound)
	}
	millis, err := strconv.ParseInt(fields[redisFetchedAtField], 10, 64)
	if err != nil {
		s.logger.Warn().Err(err).Str("key", redisKey).Msg("Entry has an unreadable timestamp.")
	}
	return Entry{Key: key, Payload: []byte(payload), FetchedAt: fromMillis(millis)}, nil
}

// Delete removes key.
func (s *RedisStore) Delete(ctx context.Context, ns Namespace, key string) error {
	redisKey := s.entryKey(ns, key)
	if err := s.redisClient.Del(ctx, redisKey).Err(); err != nil {
		return fmt.Errorf("redis del failed for key %s: %w", redisKey, classifyRedisError(err))
	}
	return nil
}

// DeleteNamespace scans for every key in ns and deletes them in batches.
func (s *RedisStore) DeleteNamespace(ctx context.Context, ns Namespace) error {
	pattern := escapeGlob(s.prefix+string(ns)+":") + "*"
	iter := s.redisClient.Scan(ctx, 0, pattern, 256).Iterator()

	batch := make([]string, 0, 256)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.redisClient.Del(ctx, batch...).Err(); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := flush(); err != nil {
				return fmt.Errorf("delete namespace %s: %w", ns, classifyRedisError(err))
			}
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan namespace %s: %w", ns, classifyRedisError(err))
	}
	if err := flush(); err != nil {
		return fmt.Errorf("delete namespace %s: %w", ns, classifyRedisError(err))
	}
	if err := s.redisClient.SRem(ctx, s.namespacesKey(), string(ns)).Err(); err != nil {
		return fmt.Errorf("forget namespace %s: %w", ns, classifyRedisError(err))
	}
	return nil
}

// Namespaces returns every namespace written since it was last deleted. A
// namespace emptied by single-key deletes is still listed.
func (s *RedisStore) Namespaces(ctx context.Context) ([]Namespace, error) {
	members, err := s.redisClient.SMembers(ctx, s.namespacesKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("list namespaces: %w", classifyRedisError(err))
	}
	out := make([]Namespace, 0, len(members))
	for _, m := range members {
		out = append(out, Namespace(m))
	}
	return out, nil
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	if s.redisClient != nil {
		s.logger.Info().Msg("Closing Redis client connection...")
		return s.redisClient.Close()
	}
	return nil
}

// redisUnavailablePrefixes are server replies that will not go away by retrying.
var redisUnavailablePrefixes = []string{"NOAUTH", "WRONGPASS", "NOPERM", "MISCONF", "READONLY", "OOM"}

// classifyRedisError maps failures that mean the store is gone (refused
// connections, a closed client, auth or persistence refusals) onto
// ErrStoreUnavailable. Cancellation, timeouts and other transient errors are
// returned as they are.
func classifyRedisError(err error) error {
	if err == nil || errors.Is(err, redis.Nil) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return err
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	var replyErr redis.Error
	if errors.As(err, &replyErr) {
		msg := replyErr.Error()
		for _, prefix := range redisUnavailablePrefixes {
			if strings.HasPrefix(msg, prefix) {
				return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
			}
		}
	}
	return err
}

var globReplacer = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globReplacer.Replace(s)
}
