package store_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alcovelabs/alcove/pkg/store"
)

func TestMemory_UpsertGet(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Upsert(ctx, "mutable://open/a", store.Record{TS: 1, Data: "one"}))

	rec, err := m.Get(ctx, "mutable://open/a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.TS)
	assert.Equal(t, "one", rec.Data)

	// Upsert supersedes.
	require.NoError(t, m.Upsert(ctx, "mutable://open/a", store.Record{TS: 2, Data: "two"}))
	rec, err = m.Get(ctx, "mutable://open/a")
	require.NoError(t, err)
	assert.Equal(t, "two", rec.Data)
}

func TestMemory_GetMissing(t *testing.T) {
	m := store.NewMemory()
	_, err := m.Get(context.Background(), "mutable://open/none")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMemory_GetMulti(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Upsert(ctx, "mutable://open/a", store.Record{TS: 1, Data: "a"}))
	require.NoError(t, m.Upsert(ctx, "mutable://open/b", store.Record{TS: 2, Data: "b"}))

	out, err := m.GetMulti(ctx, []string{"mutable://open/a", "mutable://open/missing", "mutable://open/b"})
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.Equal(t, "a", out["mutable://open/a"].Data)
	assert.NotContains(t, out, "mutable://open/missing")
}

func TestMemory_Remove(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Upsert(ctx, "mutable://open/a", store.Record{TS: 1, Data: "a"}))

	require.NoError(t, m.Remove(ctx, "mutable://open/a"))
	_, err := m.Get(ctx, "mutable://open/a")
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.ErrorIs(t, m.Remove(ctx, "mutable://open/a"), store.ErrNotFound)
}

func TestMemory_CloseWipes(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Upsert(ctx, "mutable://open/a", store.Record{TS: 1, Data: "a"}))

	require.NoError(t, m.Close(ctx))
	assert.Equal(t, 0, m.Len())
}

// TestMemory_ConcurrentWrites hammers the single-mutex map from many
// goroutines; the race detector validates the locking.
func TestMemory_ConcurrentWrites(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				u := "mutable://open/k" + string(rune('a'+n))
				_ = m.Upsert(ctx, u, store.Record{TS: int64(j), Data: j})
				_, _ = m.Get(ctx, u)
				_, _ = m.Entries(ctx, "mutable://open")
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 8, m.Len())
}
