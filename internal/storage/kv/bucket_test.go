package kv

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/hubitatd/internal/db"
)

func openDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

// buckets returns one bucket of every implementation.
func buckets(t *testing.T) map[string]Bucket {
	t.Helper()
	return map[string]Bucket{
		"memory": NewMemoryBucket("flow:test"),
		"sqlite": NewSQLiteBucket(openDB(t).DB, "flow:test"),
	}
}

func TestBucket_StoreGet(t *testing.T) {
	for name, b := range buckets(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Store("a", map[string]any{"switch": "on"}, nil))

			v, err := b.Get("a")
			require.NoError(t, err)
			assert.Equal(t, map[string]any{"switch": "on"}, v)

			v, err = b.Get("missing")
			require.NoError(t, err)
			assert.Nil(t, v)

			ok, err := b.Exists("a")
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestBucket_Take(t *testing.T) {
	for name, b := range buckets(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Store("k", "v", nil))

			v, err := b.Take("k")
			require.NoError(t, err)
			assert.Equal(t, "v", v)

			v, err = b.Take("k")
			require.NoError(t, err)
			assert.Nil(t, v, "second take finds nothing")
		})
	}
}

func TestBucket_TakeConcurrent(t *testing.T) {
	for name, b := range buckets(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Store("k", "v", nil))

			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				hits int
			)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					v, err := b.Take("k")
					assert.NoError(t, err)
					if v != nil {
						mu.Lock()
						hits++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, 1, hits)
		})
	}
}

func TestBucket_DeleteIf(t *testing.T) {
	owner := func(id string) func(any) bool {
		return func(v any) bool {
			m, ok := v.(map[string]any)
			return ok && m["owner"] == id
		}
	}

	for name, b := range buckets(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Store("k", map[string]any{"owner": "n1"}, nil))

			deleted, err := b.DeleteIf("k", owner("n2"))
			require.NoError(t, err)
			assert.False(t, deleted)

			deleted, err = b.DeleteIf("k", owner("n1"))
			require.NoError(t, err)
			assert.True(t, deleted)

			deleted, err = b.DeleteIf("k", owner("n1"))
			require.NoError(t, err)
			assert.False(t, deleted)
		})
	}
}

func TestBucket_KeysByPrefix(t *testing.T) {
	for name, b := range buckets(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Store("state_2", 1, nil))
			require.NoError(t, b.Store("state_1", 1, nil))
			require.NoError(t, b.Store("other", 1, nil))

			keys, err := b.Keys("state_")
			require.NoError(t, err)
			assert.Equal(t, []string{"state_1", "state_2"}, keys)

			require.NoError(t, b.Clear())
			keys, err = b.Keys("")
			require.NoError(t, err)
			assert.Empty(t, keys)
		})
	}
}

func TestMemoryBucket_TTL(t *testing.T) {
	b := NewMemoryBucket("ttl")
	require.NoError(t, b.Store("k", "v", &StoreOptions{TTL: time.Millisecond}))
	require.NoError(t, b.Store("keep", "v", nil))

	time.Sleep(5 * time.Millisecond)

	v, err := b.Get("k")
	require.NoError(t, err)
	assert.Nil(t, v)
	assert.Equal(t, 0, b.CleanupExpired())
}

func TestManager_Bucket(t *testing.T) {
	database := openDB(t)
	m := NewManager(database.DB)

	flow := m.FlowBucket("main", true)
	assert.True(t, flow.IsPersistent())
	assert.Equal(t, "flow:main", flow.Name())
	assert.Same(t, flow, m.FlowBucket("main", true))

	require.NoError(t, flow.Store("k", "v", nil))
	n, err := m.Reset("flow:main")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	memOnly := NewManager(nil)
	assert.False(t, memOnly.FlowBucket("main", true).IsPersistent())
}
