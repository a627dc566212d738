package answercache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/askd/internal/metrics"
	"github.com/kalambet/askd/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestCache(t *testing.T, backend Backend, opts Options) *Cache {
	t.Helper()
	c, err := New(context.Background(), backend, opts)
	require.NoError(t, err)
	return c
}

// fakeBackend wraps a real backend and lets tests inject failures.
type fakeBackend struct {
	Backend
	getErr error
	putErr error
}

func (f *fakeBackend) GetCacheEntry(ctx context.Context, hash storage.QuestionHash) (storage.CacheEntry, error) {
	if f.getErr != nil {
		return storage.CacheEntry{}, f.getErr
	}
	return f.Backend.GetCacheEntry(ctx, hash)
}

func (f *fakeBackend) PutCacheEntry(ctx context.Context, e storage.CacheEntry) error {
	if f.putErr != nil {
		return f.putErr
	}
	return f.Backend.PutCacheEntry(ctx, e)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "what are our pricing tiers?", Normalize("  What are   our\tpricing TIERS? "))
	assert.Equal(t, Normalize("What are our pricing tiers?"), Normalize("what   are  our pricing tiers?"))
	assert.Equal(t, "", Normalize(" \n\t "))
}

func TestKey(t *testing.T) {
	k := Key("What are our pricing tiers?")
	assert.Equal(t, k, Key("what   are  our pricing tiers?"))
	assert.Len(t, string(k), 32)
	assert.NotEqual(t, k, Key("what are our pricing tiers"))
}

func TestLookup_ExactHit(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, openTestStore(t), Options{})

	refs := []storage.SourceRef{{Source: "pricing", Content: "Basic, Pro, Enterprise"}}
	require.NoError(t, c.Store(ctx, "What are our pricing tiers?", "Three tiers.", refs))

	res, err := c.Lookup(ctx, "what   are  our pricing tiers?")
	require.NoError(t, err)
	assert.True(t, res.Hit)
	assert.Equal(t, MatchExact, res.Match)
	assert.Equal(t, 1.0, res.Similarity)
	assert.Equal(t, "Three tiers.", res.Entry.Answer)
	assert.Equal(t, refs, res.Entry.SourceRefs)
	assert.Equal(t, "What are our pricing tiers?", res.Entry.Question)
}

func TestLookup_FuzzyThreshold(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, openTestStore(t), Options{})

	require.NoError(t, c.Store(ctx, "a b c d e f g h i j k l", "twelve", nil))

	// 12/13 shared tokens: 0.923.
	res, err := c.Lookup(ctx, "a b c d e f g h i j k l m")
	require.NoError(t, err)
	assert.True(t, res.Hit)
	assert.Equal(t, MatchFuzzy, res.Match)
	assert.InDelta(t, 12.0/13.0, res.Similarity, 1e-9)
	assert.Equal(t, "twelve", res.Entry.Answer)

	require.NoError(t, c.Store(ctx, "a b c d e f g h i j k l m n o p q r", "eighteen", nil))

	// 17/20 shared tokens against the second entry: 0.85.
	res, err = c.Lookup(ctx, "a b c d e f g h i j k l m n o p q s t")
	require.NoError(t, err)
	assert.False(t, res.Hit)
	assert.Equal(t, MatchNone, res.Match)
}

func TestLookup_TrailingPunctuationIsFuzzyHit(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, openTestStore(t), Options{})
	require.NoError(t, c.Store(ctx, "What are our pricing tiers?", "Three tiers.", nil))

	res, err := c.Lookup(ctx, "what are our pricing tiers")
	require.NoError(t, err)
	assert.True(t, res.Hit)
	assert.Equal(t, MatchFuzzy, res.Match)
	assert.Equal(t, 1.0, res.Similarity)
}

func TestLookup_EmptyCacheMisses(t *testing.T) {
	c := newTestCache(t, openTestStore(t), Options{})
	res, err := c.Lookup(context.Background(), "anything")
	require.NoError(t, err)
	assert.False(t, res.Hit)
}

func TestStore_UpsertsExactKeyOnly(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	c := newTestCache(t, store, Options{})

	require.NoError(t, c.Store(ctx, "a b c d e f g h i j k l", "old", nil))
	// A near-duplicate question gets its own entry.
	require.NoError(t, c.Store(ctx, "a b c d e f g h i j k l m", "near", nil))
	require.NoError(t, c.Store(ctx, "A B C D E F G H I J K L", "new", nil))

	assert.Equal(t, 2, c.Len())

	e, err := store.GetCacheEntry(ctx, Key("a b c d e f g h i j k l"))
	require.NoError(t, err)
	assert.Equal(t, "new", e.Answer)

	e, err = store.GetCacheEntry(ctx, Key("a b c d e f g h i j k l m"))
	require.NoError(t, err)
	assert.Equal(t, "near", e.Answer)
}

func TestStore_BackendFailureLeavesMemoryUnchanged(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{Backend: openTestStore(t), putErr: errors.New("disk full")}
	c := newTestCache(t, backend, Options{})

	err := c.Store(ctx, "question", "answer", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 0, c.Len())
}

func TestLRU_EvictsLeastRecentlyUsedFromBackend(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	c := newTestCache(t, store, Options{Capacity: 2})

	before := testutil.ToFloat64(metrics.CacheEvictions)

	require.NoError(t, c.Store(ctx, "alpha", "1", nil))
	require.NoError(t, c.Store(ctx, "beta", "2", nil))

	// Touch alpha so beta becomes the least recently used.
	res, err := c.Lookup(ctx, "alpha")
	require.NoError(t, err)
	require.True(t, res.Hit)

	require.NoError(t, c.Store(ctx, "gamma", "3", nil))
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.CacheEvictions))

	res, err = c.Lookup(ctx, "beta")
	require.NoError(t, err)
	assert.False(t, res.Hit)

	_, err = store.GetCacheEntry(ctx, Key("beta"))
	assert.ErrorIs(t, err, storage.ErrNotFound)

	for _, q := range []string{"alpha", "gamma"} {
		_, err := store.GetCacheEntry(ctx, Key(q))
		assert.NoError(t, err, q)
	}
}

func TestNew_WarmsFromBackend(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	for i := 0; i < 3; i++ {
		q := fmt.Sprintf("question number %d", i)
		require.NoError(t, store.PutCacheEntry(ctx, storage.CacheEntry{
			QuestionHash:       Key(q),
			NormalizedQuestion: Normalize(q),
			Question:           q,
			Answer:             fmt.Sprintf("answer %d", i),
		}))
	}

	c := newTestCache(t, store, Options{Capacity: 10})
	assert.Equal(t, 3, c.Len())

	res, err := c.Lookup(ctx, "Question Number 1")
	require.NoError(t, err)
	assert.True(t, res.Hit)
	assert.Equal(t, "answer 1", res.Entry.Answer)
}

func TestLookup_ReadThrough(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	shared := newTestCache(t, store, Options{ReadThrough: true})
	local := newTestCache(t, store, Options{})

	// Written by another process after both caches were warmed.
	require.NoError(t, store.PutCacheEntry(ctx, storage.CacheEntry{
		QuestionHash:       Key("late question"),
		NormalizedQuestion: "late question",
		Answer:             "late answer",
	}))

	res, err := local.Lookup(ctx, "late question")
	require.NoError(t, err)
	assert.False(t, res.Hit)

	res, err = shared.Lookup(ctx, "late question")
	require.NoError(t, err)
	assert.True(t, res.Hit)
	assert.Equal(t, "late answer", res.Entry.Answer)
	assert.Equal(t, 1, shared.Len())
}

func TestLookup_ReadThroughNeverDeletesFromBackend(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	c := newTestCache(t, store, Options{Capacity: 1, ReadThrough: true})

	require.NoError(t, c.Store(ctx, "alpha beta gamma", "first", nil))

	// Another process stores a second answer in the shared backend.
	require.NoError(t, store.PutCacheEntry(ctx, storage.CacheEntry{
		QuestionHash:       Key("zeta eta theta"),
		NormalizedQuestion: "zeta eta theta",
		Answer:             "second",
	}))

	res, err := c.Lookup(ctx, "zeta eta theta")
	require.NoError(t, err)
	require.True(t, res.Hit)
	assert.Equal(t, "second", res.Entry.Answer)
	assert.Equal(t, 1, c.Len())

	for _, q := range []string{"alpha beta gamma", "zeta eta theta"} {
		_, err := store.GetCacheEntry(ctx, Key(q))
		assert.NoError(t, err, q)
	}

	// The entry pushed out of memory is still reachable through the backend.
	res, err = c.Lookup(ctx, "alpha beta gamma")
	require.NoError(t, err)
	assert.True(t, res.Hit)
	assert.Equal(t, "first", res.Entry.Answer)
}

func TestLookup_ReadThroughError(t *testing.T) {
	backend := &fakeBackend{Backend: openTestStore(t), getErr: errors.New("connection refused")}
	c := newTestCache(t, backend, Options{ReadThrough: true})

	res, err := c.Lookup(context.Background(), "anything")
	require.Error(t, err)
	assert.False(t, res.Hit)
}

func TestCache_ConcurrentLookupsAndStores(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, openTestStore(t), Options{Capacity: 50})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				assert.NoError(t, c.Store(ctx, fmt.Sprintf("writer %d question %d", i, j), "answer", nil))
			}
		}(i)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, err := c.Lookup(ctx, fmt.Sprintf("writer %d question %d", i, j))
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, c.Len())
}

func TestNew_RequiresBackend(t *testing.T) {
	_, err := New(context.Background(), nil, Options{})
	assert.Error(t, err)
}
