// Package redis provides the Redis-backed kv.Store used in shared
// deployments. Take maps to GETDEL and IncrFields to a single Lua
// script, so both retain their atomicity across gateway instances.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/voltfleet/agentgate/kv"
)

// Config for the Redis-backed store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: AGENTGATE_KEY_PREFIX
	KeyPrefix string `env:"AGENTGATE_KEY_PREFIX,default=agentgate:"`
}

// incrScript performs every HINCRBY for one call inside a single
// server-side operation and applies the TTL only on first creation.
// ARGV layout: field1, delta1, ..., fieldN, deltaN, ttlMillis.
var incrScript = redis.NewScript(`
local created = redis.call('EXISTS', KEYS[1]) == 0
local out = {}
for i = 1, #ARGV - 1, 2 do
  out[#out + 1] = redis.call('HINCRBY', KEYS[1], ARGV[i], ARGV[i + 1])
end
local ttl = tonumber(ARGV[#ARGV])
if created and ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return out
`)

type Store struct {
	client    *redis.Client
	keyPrefix string
}

var _ kv.Store = (*Store)(nil)

func New(cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "agentgate:"
	}
	return &Store{client: cl, keyPrefix: prefix}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	// Defaults are provided via struct tags.
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// NewWithClient wraps an existing client, e.g. one shared with other
// subsystems. The caller retains ownership of the client's lifecycle
// only if it also bypasses Close.
func NewWithClient(client *redis.Client, keyPrefix string) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if keyPrefix == "" {
		keyPrefix = "agentgate:"
	}
	return &Store{client: client, keyPrefix: keyPrefix}, nil
}

func (s *Store) key(k string) string { return s.keyPrefix + k }

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, kv.ErrNotFound
		}
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, nil
}

// Take relies on GETDEL so the read and the delete are one indivisible
// server-side operation.
func (s *Store) Take(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.GetDel(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, kv.ErrNotFound
		}
		return nil, fmt.Errorf("redis getdel %s: %w", key, err)
	}
	return v, nil
}

func (s *Store) IncrFields(ctx context.Context, key string, deltas []kv.FieldDelta, ttl time.Duration) ([]int64, error) {
	if len(deltas) == 0 {
		return nil, nil
	}
	argv := make([]interface{}, 0, len(deltas)*2+1)
	for _, d := range deltas {
		argv = append(argv, d.Field, strconv.FormatInt(d.Delta, 10))
	}
	argv = append(argv, strconv.FormatInt(ttl.Milliseconds(), 10))

	res, err := incrScript.Run(ctx, s.client, []string{s.key(key)}, argv...).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("redis incr %s: %w", key, err)
	}
	if len(res) != len(deltas) {
		return nil, fmt.Errorf("redis incr %s: expected %d values, got %d", key, len(deltas), len(res))
	}
	return res, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}
