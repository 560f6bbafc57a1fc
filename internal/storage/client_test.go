package storage

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartogrid/renderq/internal/storagenode"
)

func newClientAndNode(t *testing.T) *Client {
	t.Helper()
	cache, err := storagenode.NewCache(t.TempDir())
	require.NoError(t, err)
	srv := httptest.NewServer(storagenode.NewNode(cache, nil, nil, "", nil).Router())
	t.Cleanup(srv.Close)

	client, err := NewClient(srv.URL, "v1", srv.Client(), nil)
	require.NoError(t, err)
	return client
}

func TestPutThenGetMeta(t *testing.T) {
	c := newClientAndNode(t)
	ctx := context.Background()

	blob := []byte("METAfakecontainer")
	require.NoError(t, c.PutMeta(ctx, "map", 15, 19288, 24640, blob))

	got, lm, found, err := c.GetMeta(ctx, "map", 15, 19288, 24640)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, blob, got)
	assert.WithinDuration(t, time.Now(), lm, time.Minute)
}

func TestGetMetaMiss(t *testing.T) {
	c := newClientAndNode(t)

	_, _, found, err := c.GetMeta(context.Background(), "map", 15, 19288, 24640)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestExpiredBlobReadsAsMiss(t *testing.T) {
	c := newClientAndNode(t)
	ctx := context.Background()

	require.NoError(t, c.Expire(ctx, "map", 15, 19288, 24640, []byte("stale")))

	_, _, found, err := c.GetMeta(ctx, "map", 15, 19288, 24640)
	require.NoError(t, err)
	assert.False(t, found)

	// a fresh write brings it back
	require.NoError(t, c.PutMeta(ctx, "map", 15, 19288, 24640, []byte("fresh")))
	blob, _, found, err := c.GetMeta(ctx, "map", 15, 19288, 24640)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("fresh"), blob)
}

func TestGetMetaBadCoordsIsError(t *testing.T) {
	c := newClientAndNode(t)
	_, _, _, err := c.GetMeta(context.Background(), "map", 2, 100, 0)
	assert.Error(t, err)
}
