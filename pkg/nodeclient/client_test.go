package nodeclient_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alcovelabs/alcove/pkg/api"
	"github.com/alcovelabs/alcove/pkg/httpapi"
	"github.com/alcovelabs/alcove/pkg/node"
	"github.com/alcovelabs/alcove/pkg/nodeclient"
	"github.com/alcovelabs/alcove/pkg/program"
	"github.com/alcovelabs/alcove/pkg/store"
)

func newClientPair(t *testing.T, opts ...nodeclient.Option) (*httptest.Server, *nodeclient.Client) {
	t.Helper()
	backend := node.New(store.NewMemory(), program.New(program.Builtins()))
	ts := httptest.NewServer(httpapi.NewServer(backend).Handler())
	t.Cleanup(ts.Close)
	return ts, nodeclient.NewClient(ts.URL, opts...)
}

func TestRoundTrip(t *testing.T) {
	_, client := newClientPair(t)
	ctx := context.Background()

	rec, err := client.Receive(ctx, store.Transaction{URI: "mutable://open/hello", Value: "world"})
	require.NoError(t, err)
	assert.Greater(t, rec.TS, int64(0))

	got, err := client.Read(ctx, "mutable://open/hello")
	require.NoError(t, err)
	assert.Equal(t, "world", got.Data)
	assert.Equal(t, rec.TS, got.TS)
}

func TestBytesSurviveTheWire(t *testing.T) {
	_, client := newClientPair(t)
	ctx := context.Background()

	payload := map[string]any{"blob": []byte{0x00, 0x01, 0xFF}}
	_, err := client.Receive(ctx, store.Transaction{URI: "mutable://open/bin", Value: payload})
	require.NoError(t, err)

	got, err := client.Read(ctx, "mutable://open/bin")
	require.NoError(t, err)
	m, ok := got.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []byte{0x00, 0x01, 0xFF}, m["blob"])
}

func TestErrorCodesCrossTheWire(t *testing.T) {
	_, client := newClientPair(t)
	ctx := context.Background()

	_, err := client.Read(ctx, "mutable://open/missing")
	require.Error(t, err)
	assert.Equal(t, api.CodeNotFound, api.CodeOf(err))

	_, err = client.Receive(ctx, store.Transaction{URI: "immutable://open/k", Value: 1})
	require.NoError(t, err)
	_, err = client.Receive(ctx, store.Transaction{URI: "immutable://open/k", Value: 2})
	require.Error(t, err)
	assert.Equal(t, api.CodeAlreadyExists, api.CodeOf(err))
	assert.Contains(t, err.Error(), "already exists")
}

func TestEscapedPathSegments(t *testing.T) {
	_, client := newClientPair(t)
	ctx := context.Background()

	uri := "mutable://open/dir/a b%c"
	_, err := client.Receive(ctx, store.Transaction{URI: uri, Value: "spaced"})
	require.NoError(t, err)

	got, err := client.Read(ctx, uri)
	require.NoError(t, err)
	assert.Equal(t, "spaced", got.Data)

	require.NoError(t, client.Delete(ctx, uri))
}

func TestReadMultiThroughClient(t *testing.T) {
	_, client := newClientPair(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		uri := fmt.Sprintf("mutable://open/m/%d", i)
		_, err := client.Receive(ctx, store.Transaction{URI: uri, Value: i})
		require.NoError(t, err)
	}

	res, err := client.ReadMulti(ctx, []string{
		"mutable://open/m/0",
		"mutable://open/m/1",
		"mutable://open/m/9",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 2, res.Found)
	require.Len(t, res.Results, 3)
	require.NotNil(t, res.Results[0].Record)
	assert.Equal(t, float64(0), res.Results[0].Record.Data)
	assert.Nil(t, res.Results[2].Record)
	assert.Contains(t, res.Results[2].Error, "not found")
}

func TestListMatchesLocalSemantics(t *testing.T) {
	_, client := newClientPair(t)
	ctx := context.Background()

	for _, uri := range []string{
		"mutable://open/dir",
		"mutable://open/dir/a",
		"mutable://open/dir/b",
	} {
		_, err := client.Receive(ctx, store.Transaction{URI: uri, Value: "x"})
		require.NoError(t, err)
	}

	page, err := client.List(ctx, "mutable://open/dir", store.ListOptions{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Pagination.Total)
	assert.Equal(t, 2, page.Pagination.TotalPages)
	require.Len(t, page.Data, 2)
	assert.Equal(t, "mutable://open/dir", page.Data[0].URI)
	assert.Equal(t, store.EntryFile, page.Data[0].Type)

	// The zero options value means an explicit zero limit, as it does
	// against a local node.
	empty, err := client.List(ctx, "mutable://open/dir", store.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, empty.Data)
	assert.Equal(t, 3, empty.Pagination.Total)
}

func TestDeleteThroughClient(t *testing.T) {
	_, client := newClientPair(t)
	ctx := context.Background()

	_, err := client.Receive(ctx, store.Transaction{URI: "mutable://open/gone", Value: 1})
	require.NoError(t, err)
	require.NoError(t, client.Delete(ctx, "mutable://open/gone"))

	_, err = client.Read(ctx, "mutable://open/gone")
	assert.Equal(t, api.CodeNotFound, api.CodeOf(err))

	err = client.Delete(ctx, "mutable://open/gone")
	assert.Equal(t, api.CodeNotFound, api.CodeOf(err))
}

func TestHealthAndSchemaThroughClient(t *testing.T) {
	_, client := newClientPair(t)
	ctx := context.Background()

	h := client.Health(ctx)
	assert.Equal(t, store.HealthOK, h.Status)

	keys, err := client.Schema(ctx)
	require.NoError(t, err)
	assert.Contains(t, keys, "mutable://open")
}

func TestUnreachableNodeIsBackendUnavailable(t *testing.T) {
	ts, client := newClientPair(t)
	ts.Close()

	_, err := client.Read(context.Background(), "mutable://open/x")
	require.Error(t, err)
	assert.Equal(t, api.CodeBackendUnavailable, api.CodeOf(err))

	h := client.Health(context.Background())
	assert.Equal(t, store.HealthDegraded, h.Status)
}

func TestSlowNodeIsRequestTimeout(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	t.Cleanup(slow.Close)

	client := nodeclient.NewClient(slow.URL,
		nodeclient.WithHTTPClient(&http.Client{Timeout: 50 * time.Millisecond}))
	_, err := client.Read(context.Background(), "mutable://open/x")
	require.Error(t, err)
	assert.Equal(t, api.CodeRequestTimeout, api.CodeOf(err))
}

func TestInvalidURIRejectedLocally(t *testing.T) {
	_, client := newClientPair(t)

	_, err := client.Read(context.Background(), "no-scheme")
	require.Error(t, err)
	assert.Equal(t, api.CodeInvalidURI, api.CodeOf(err))
}
