package snapshot

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memStore struct {
	mu   sync.Mutex
	rows map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string][]byte)}
}

func (m *memStore) Upsert(ctx context.Context, code string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[code] = blob
	return nil
}

func (m *memStore) Load(ctx context.Context, code string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	blob, ok := m.rows[code]
	return blob, ok, nil
}

func (m *memStore) get(code string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	blob, ok := m.rows[code]
	return blob, ok
}

func TestSaveThenLoadIsCacheHit(t *testing.T) {
	ctx := context.Background()
	c := New(10, newMemStore(), zap.NewNop(), nil)

	c.Save(ctx, "AAA111", []byte("state"))

	blob, ok, err := c.Load(ctx, "AAA111")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("state"), blob)
}

func TestLoadMissFallsThroughToStore(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.rows["BBB222"] = []byte("from store")

	c := New(10, store, zap.NewNop(), nil)

	blob, ok, err := c.Load(ctx, "BBB222")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("from store"), blob)
	assert.True(t, c.Has("BBB222"), "a store hit should repopulate the cache")
}

func TestLoadMissWithNoStoreRowReturnsFalse(t *testing.T) {
	ctx := context.Background()
	c := New(10, newMemStore(), zap.NewNop(), nil)

	_, ok, err := c.Load(ctx, "CCC333")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLoadIsNonDestructiveOnHit(t *testing.T) {
	ctx := context.Background()
	c := New(10, newMemStore(), zap.NewNop(), nil)
	c.Save(ctx, "DDD444", []byte("state"))

	_, _, err := c.Load(ctx, "DDD444")
	require.NoError(t, err)

	assert.True(t, c.Has("DDD444"))
}

func TestSaveEvictsOldestEntryWhenOverCapacity(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	c := New(2, store, zap.NewNop(), nil)

	c.Save(ctx, "ONE", []byte("1"))
	time.Sleep(time.Millisecond)
	c.Save(ctx, "TWO", []byte("2"))
	time.Sleep(time.Millisecond)
	c.Save(ctx, "THREE", []byte("3"))

	assert.Eventually(t, func() bool {
		_, ok := store.get("ONE")
		return ok
	}, time.Second, time.Millisecond, "evicted entry should be flushed to the store")

	assert.False(t, c.Has("ONE"))
	assert.True(t, c.Has("TWO"))
	assert.True(t, c.Has("THREE"))
	assert.Equal(t, 2, c.Len())
}

func TestFlushAllCallsBatchUpsertWithAllEntries(t *testing.T) {
	ctx := context.Background()
	c := New(10, newMemStore(), zap.NewNop(), nil)
	c.Save(ctx, "ONE", []byte("1"))
	c.Save(ctx, "TWO", []byte("2"))

	var got map[string][]byte
	err := c.FlushAll(ctx, func(ctx context.Context, pairs map[string][]byte) error {
		got = pairs
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestFlushAllSkipsEmptyCache(t *testing.T) {
	ctx := context.Background()
	c := New(10, newMemStore(), zap.NewNop(), nil)

	called := false
	err := c.FlushAll(ctx, func(ctx context.Context, pairs map[string][]byte) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, called)
}

func TestDeleteRemovesWithoutFlushing(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	c := New(10, store, zap.NewNop(), nil)
	c.Save(ctx, "ONE", []byte("1"))

	c.Delete("ONE")

	assert.False(t, c.Has("ONE"))
	_, ok := store.get("ONE")
	assert.False(t, ok)
}

func TestConcurrentLoadMissesCoalesceOntoOneStoreRead(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.rows["EEE555"] = []byte("state")

	c := New(10, store, zap.NewNop(), nil)

	var wg sync.WaitGroup
	results := make([][]byte, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			blob, ok, err := c.Load(ctx, "EEE555")
			require.NoError(t, err)
			require.True(t, ok)
			results[idx] = blob
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, []byte("state"), r)
	}
}
