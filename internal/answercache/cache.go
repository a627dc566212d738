// Package answercache reuses answers to repeated or near-duplicate questions.
//
// Entries are keyed by the md5 of the normalized question. A lookup first
// tries that exact key, then scans the held entries for the best token-set
// Jaccard score. The number of entries is bounded by an LRU; an entry pushed
// out of memory is deleted from the backend too.
package answercache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kalambet/askd/internal/metrics"
	"github.com/kalambet/askd/internal/similarity"
	"github.com/kalambet/askd/internal/storage"
)

const (
	DefaultCapacity  = 1000
	DefaultThreshold = 0.90
)

// Backend persists cache entries. *storage.Store and *RedisBackend implement it.
type Backend interface {
	GetCacheEntry(ctx context.Context, hash storage.QuestionHash) (storage.CacheEntry, error)
	PutCacheEntry(ctx context.Context, e storage.CacheEntry) error
	DeleteCacheEntry(ctx context.Context, hash storage.QuestionHash) error
	RecentCacheEntries(ctx context.Context, limit int) ([]storage.CacheEntry, error)
}

// Match tells how a hit was found.
type Match string

const (
	MatchNone  Match = ""
	MatchExact Match = "exact"
	MatchFuzzy Match = "fuzzy"
)

// Result is the outcome of a Lookup. Entry and Similarity are set only on a hit.
type Result struct {
	Hit        bool
	Entry      storage.CacheEntry
	Similarity float64
	Match      Match
}

type Options struct {
	// Capacity bounds the number of entries. Zero means DefaultCapacity.
	Capacity int
	// Threshold is the minimum Jaccard score for a fuzzy hit. Zero means DefaultThreshold.
	Threshold float64
	// ReadThrough makes an exact-key miss in memory consult the backend.
	// Set it when the backend is shared with other processes.
	ReadThrough bool
	Logger      *slog.Logger
}

type held struct {
	entry  storage.CacheEntry
	tokens map[string]struct{}
}

// Cache is safe for concurrent use. Lookups share a read lock; Store takes
// the write lock.
type Cache struct {
	mu        sync.RWMutex
	backend   Backend
	entries   *lru.Cache[storage.QuestionHash, *held]
	evicted   []storage.QuestionHash
	threshold float64
	readThru  bool
	logger    *slog.Logger
}

// Normalize lowercases text, trims it and collapses whitespace runs to one space.
func Normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// Key returns the cache key for text: the hex md5 of its normalized form.
func Key(text string) storage.QuestionHash {
	sum := md5.Sum([]byte(Normalize(text)))
	return storage.QuestionHash(hex.EncodeToString(sum[:]))
}

// New builds a cache over backend and warms it with the backend's most
// recent entries.
func New(ctx context.Context, backend Backend, opts Options) (*Cache, error) {
	if backend == nil {
		return nil, errors.New("answercache: backend is required")
	}
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Cache{
		backend:   backend,
		threshold: threshold,
		readThru:  opts.ReadThrough,
		logger:    logger,
	}
	entries, err := lru.NewWithEvict(capacity, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("creating lru: %w", err)
	}
	c.entries = entries

	recent, err := backend.RecentCacheEntries(ctx, capacity)
	if err != nil {
		return nil, fmt.Errorf("warming answer cache: %w", err)
	}
	// Oldest first, so the newest entries end up most recently used.
	for i := len(recent) - 1; i >= 0; i-- {
		c.entries.Add(recent[i].QuestionHash, newHeld(recent[i]))
	}
	c.evicted = nil
	metrics.CacheEntries.Set(float64(c.entries.Len()))
	logger.Debug("answer cache warmed", "entries", c.entries.Len(), "capacity", capacity)
	return c, nil
}

func newHeld(e storage.CacheEntry) *held {
	return &held{entry: e, tokens: similarity.Tokens(e.NormalizedQuestion)}
}

// onEvict runs inside entries.Add, which is only called with mu held for writing.
func (c *Cache) onEvict(hash storage.QuestionHash, _ *held) {
	c.evicted = append(c.evicted, hash)
	metrics.CacheEvictions.Inc()
}

// Lookup finds a cached answer for question. Read-through backend failures
// are returned as errors; callers may treat them as a miss.
func (c *Cache) Lookup(ctx context.Context, question string) (Result, error) {
	normalized := Normalize(question)
	hash := Key(question)

	c.mu.RLock()
	res := c.lookupHeld(hash, normalized)
	c.mu.RUnlock()
	if res.Hit {
		metrics.CacheLookups.WithLabelValues(string(res.Match)).Inc()
		return res, nil
	}

	if c.readThru {
		e, err := c.backend.GetCacheEntry(ctx, hash)
		switch {
		case err == nil:
			c.mu.Lock()
			c.promote(e)
			c.mu.Unlock()
			metrics.CacheLookups.WithLabelValues(string(MatchExact)).Inc()
			return Result{Hit: true, Entry: e, Similarity: 1, Match: MatchExact}, nil
		case !errors.Is(err, storage.ErrNotFound):
			metrics.CacheLookups.WithLabelValues("error").Inc()
			return Result{}, fmt.Errorf("reading cache entry: %w", err)
		}
	}

	metrics.CacheLookups.WithLabelValues("miss").Inc()
	return Result{}, nil
}

func (c *Cache) lookupHeld(hash storage.QuestionHash, normalized string) Result {
	if h, ok := c.entries.Get(hash); ok {
		return Result{Hit: true, Entry: h.entry, Similarity: 1, Match: MatchExact}
	}

	tokens := similarity.Tokens(normalized)
	var best *held
	bestScore := 0.0
	// Values is ordered oldest to newest; ties go to the newer entry.
	for _, h := range c.entries.Values() {
		score := similarity.JaccardSets(tokens, h.tokens)
		if score >= bestScore {
			best, bestScore = h, score
		}
	}
	if best == nil || bestScore < c.threshold {
		return Result{}
	}
	c.entries.Get(best.entry.QuestionHash)
	return Result{Hit: true, Entry: best.entry, Similarity: bestScore, Match: MatchFuzzy}
}

// Store upserts the answer for question under its exact key. Entries that
// were only reached through a fuzzy match are left alone.
func (c *Cache) Store(ctx context.Context, question, answer string, refs []storage.SourceRef) error {
	e := storage.CacheEntry{
		QuestionHash:       Key(question),
		NormalizedQuestion: Normalize(question),
		Question:           strings.TrimSpace(question),
		Answer:             answer,
		SourceRefs:         refs,
		CreatedAt:          time.Now().UTC(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.backend.PutCacheEntry(ctx, e); err != nil {
		return fmt.Errorf("storing cache entry: %w", err)
	}
	c.add(ctx, e)
	return nil
}

// add must be called with mu held for writing.
func (c *Cache) add(ctx context.Context, e storage.CacheEntry) {
	c.entries.Add(e.QuestionHash, newHeld(e))
	evicted := c.evicted
	c.evicted = nil
	for _, hash := range evicted {
		if err := c.backend.DeleteCacheEntry(ctx, hash); err != nil {
			c.logger.Warn("dropping evicted cache entry", "hash", hash, "error", err)
		}
	}
	metrics.CacheEntries.Set(float64(c.entries.Len()))
}

// promote holds an entry read from the backend. Whatever it pushes out of
// memory stays in the backend: a lookup never deletes persisted entries.
// Must be called with mu held for writing.
func (c *Cache) promote(e storage.CacheEntry) {
	c.entries.Add(e.QuestionHash, newHeld(e))
	c.evicted = nil
	metrics.CacheEntries.Set(float64(c.entries.Len()))
}

// Len reports the number of entries held in memory.
func (c *Cache) Len() int {
	return c.entries.Len()
}
