package answercache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/kalambet/askd/internal/storage"
)

const defaultRedisPrefix = "askd:cache"

// RedisBackend keeps cache entries in Redis so several processes can share
// one cache. Each entry is a JSON string under <prefix>:entry:<hash>; the
// sorted set <prefix>:recent orders hashes by creation time.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// RedisOptions configures NewRedisClient.
type RedisOptions struct {
	Addr     string
	Username string
	Password string
	DB       int
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	addr := opts.Addr
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: opts.Username,
		Password: opts.Password,
		DB:       opts.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	return client, nil
}

// NewRedisBackend wraps client. An empty prefix uses "askd:cache".
func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (r *RedisBackend) entryKey(hash storage.QuestionHash) string {
	return r.prefix + ":entry:" + string(hash)
}

func (r *RedisBackend) recentKey() string {
	return r.prefix + ":recent"
}

func (r *RedisBackend) GetCacheEntry(ctx context.Context, hash storage.QuestionHash) (storage.CacheEntry, error) {
	raw, err := r.client.Get(ctx, r.entryKey(hash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return storage.CacheEntry{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.CacheEntry{}, err
	}
	var e storage.CacheEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return storage.CacheEntry{}, fmt.Errorf("decoding cache entry %s: %w", hash, err)
	}
	return e, nil
}

func (r *RedisBackend) PutCacheEntry(ctx context.Context, e storage.CacheEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.entryKey(e.QuestionHash), raw, 0)
	pipe.ZAdd(ctx, r.recentKey(), redis.Z{
		Score:  float64(e.CreatedAt.UnixNano()),
		Member: string(e.QuestionHash),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}
	return nil
}

func (r *RedisBackend) DeleteCacheEntry(ctx context.Context, hash storage.QuestionHash) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.entryKey(hash))
	pipe.ZRem(ctx, r.recentKey(), string(hash))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deleting cache entry: %w", err)
	}
	return nil
}

// RecentCacheEntries returns up to limit entries, newest first. Hashes whose
// entry key has gone missing are skipped.
func (r *RedisBackend) RecentCacheEntries(ctx context.Context, limit int) ([]storage.CacheEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	hashes, err := r.client.ZRevRange(ctx, r.recentKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing recent cache entries: %w", err)
	}
	if len(hashes) == 0 {
		return nil, nil
	}

	keys := make([]string, len(hashes))
	for i, h := range hashes {
		keys[i] = r.entryKey(storage.QuestionHash(h))
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("loading cache entries: %w", err)
	}

	entries := make([]storage.CacheEntry, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var e storage.CacheEntry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			return nil, fmt.Errorf("decoding cache entry %s: %w", hashes[i], err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
