package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alcovelabs/alcove/pkg/store"
)

// runDriverConformance exercises the shared Driver contract against a live
// driver instance. Entries may over-approximate the prefix; the engine
// re-checks boundaries, so only superset membership is asserted here.
func runDriverConformance(t *testing.T, d store.Driver) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, d.Ping(ctx))

	_, err := d.Get(ctx, "mutable://open/none")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, d.Upsert(ctx, "mutable://open/docs/readme", store.Record{
		TS:   100,
		Data: map[string]any{"title": "readme", "tags": []any{"a", "b"}},
	}))
	require.NoError(t, d.Upsert(ctx, "mutable://open/docs/readme/v2", store.Record{TS: 200, Data: "v2"}))
	require.NoError(t, d.Upsert(ctx, "mutable://open/docsx", store.Record{TS: 300, Data: "sibling"}))

	rec, err := d.Get(ctx, "mutable://open/docs/readme")
	require.NoError(t, err)
	assert.Equal(t, int64(100), rec.TS)
	data, ok := rec.Data.(map[string]any)
	require.True(t, ok, "nested data should survive the round trip, got %T", rec.Data)
	assert.Equal(t, "readme", data["title"])

	// Upsert supersedes in place.
	require.NoError(t, d.Upsert(ctx, "mutable://open/docs/readme", store.Record{TS: 150, Data: "replaced"}))
	rec, err = d.Get(ctx, "mutable://open/docs/readme")
	require.NoError(t, err)
	assert.Equal(t, int64(150), rec.TS)
	assert.Equal(t, "replaced", rec.Data)

	got, err := d.GetMulti(ctx, []string{"mutable://open/docs/readme", "mutable://open/none", "mutable://open/docsx"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.NotContains(t, got, "mutable://open/none")

	entries, err := d.Entries(ctx, "mutable://open/docs")
	require.NoError(t, err)
	uris := make(map[string]int64, len(entries))
	for _, e := range entries {
		uris[e.URI] = e.TS
	}
	assert.Contains(t, uris, "mutable://open/docs/readme")
	assert.Contains(t, uris, "mutable://open/docs/readme/v2")

	// Trailing slash on the prefix must not hide children.
	entries, err = d.Entries(ctx, "mutable://open/docs/")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	require.NoError(t, d.Remove(ctx, "mutable://open/docs/readme"))
	_, err = d.Get(ctx, "mutable://open/docs/readme")
	require.ErrorIs(t, err, store.ErrNotFound)

	err = d.Remove(ctx, "mutable://open/docs/readme")
	require.ErrorIs(t, err, store.ErrNotFound)
}
