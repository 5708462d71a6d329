// Package redisstate stores the state surface in Redis so that other
// processes on the network (dashboards, automations) can read the
// adapter's events.* and analysis.* values directly. Each namespace is
// one Redis hash under a configurable key prefix.
package redisstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Store implements the state surface store on top of Redis hashes.
type Store struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	// Prefix is prepended to every namespace hash key (default "vigil").
	Prefix string
}

// New connects to Redis and verifies the connection with a PING.
func New(ctx context.Context, opts Options, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Prefix == "" {
		opts.Prefix = "vigil"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}

	logger.Info("redis state store connected", "addr", opts.Addr, "prefix", opts.Prefix)
	return &Store{
		client: client,
		prefix: opts.Prefix,
		logger: logger.With("component", "redis_state"),
	}, nil
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) hashKey(namespace string) string {
	return s.prefix + ":" + namespace
}

// Get returns the stored value, or empty string when the field is absent.
func (s *Store) Get(ctx context.Context, namespace, key string) (string, error) {
	val, err := s.client.HGet(ctx, s.hashKey(namespace), key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s.%s: %w", namespace, key, err)
	}
	return val, nil
}

// Set writes a single field.
func (s *Store) Set(ctx context.Context, namespace, key, value string) error {
	if err := s.client.HSet(ctx, s.hashKey(namespace), key, value).Err(); err != nil {
		return fmt.Errorf("set %s.%s: %w", namespace, key, err)
	}
	return nil
}

// SetMany writes several fields of one namespace atomically (a single
// HSET in a MULTI/EXEC pipeline).
func (s *Store) SetMany(ctx context.Context, namespace string, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}

	fields := make([]any, 0, len(values)*2)
	for k, v := range values {
		fields = append(fields, k, v)
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.hashKey(namespace), fields...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("set %s: %w", namespace, err)
	}
	return nil
}

// List returns all fields of a namespace.
func (s *Store) List(ctx context.Context, namespace string) (map[string]string, error) {
	vals, err := s.client.HGetAll(ctx, s.hashKey(namespace)).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", namespace, err)
	}
	return vals, nil
}
