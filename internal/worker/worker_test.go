package worker

import (
	"context"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartogrid/renderq/internal/metatile"
	"github.com/cartogrid/renderq/internal/queue"
	"github.com/cartogrid/renderq/internal/render"
	"github.com/cartogrid/renderq/internal/tile"
	"github.com/cartogrid/renderq/internal/transcode"
)

type countingRenderer struct {
	mu    sync.Mutex
	calls int
}

func (c *countingRenderer) Process(ctx context.Context, t *tile.Tile) (*render.Result, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()

	res := render.NewResult(t.Dim)
	for pos := range res.Data {
		img := image.NewNRGBA(image.Rect(0, 0, tile.TileSize, tile.TileSize))
		for y := 0; y < tile.TileSize; y++ {
			for x := 0; x < tile.TileSize; x++ {
				img.SetNRGBA(x, y, color.NRGBA{R: 12, A: 255})
			}
		}
		res.Data[pos] = img
	}
	return res, nil
}

type fixedResolver struct {
	renderers map[string]render.Renderer
}

func (f *fixedResolver) Renderer(style string) (render.Renderer, error) {
	if r, ok := f.renderers[style]; ok {
		return r, nil
	}
	return nil, assert.AnError
}

type memStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
	puts  int
	gets  int
}

func newMemStore() *memStore { return &memStore{blobs: make(map[string][]byte)} }

func (m *memStore) key(style string, z, x, y int) string {
	return style + "/" + tile.Coords{Z: z, X: x, Y: y}.String()
}

func (m *memStore) GetMeta(ctx context.Context, style string, z, x, y int) ([]byte, time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	b, ok := m.blobs[m.key(style, z, x, y)]
	return b, time.Now(), ok, nil
}

func (m *memStore) PutMeta(ctx context.Context, style string, z, x, y int, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	m.blobs[m.key(style, z, x, y)] = blob
	return nil
}

func newTestWorker(t *testing.T, r render.Renderer, store Store) *Worker {
	t.Helper()
	cfg := Config{
		ID:      "w-test",
		Formats: map[string][]transcode.Options{"map": {{Name: "png", Encoder: "png"}}},
	}
	resolver := &fixedResolver{renderers: map[string]render.Renderer{"map": r}}
	return New(cfg, queue.NewMemBroker(4), resolver, store, nil)
}

func TestInvalidCoordinatesIgnoredWithoutRender(t *testing.T) {
	r := &countingRenderer{}
	w := newTestWorker(t, r, newMemStore())

	// z=0 has a single tile, x=1 is out of range
	job := &queue.Job{GID: 1, Style: "map", Z: 0, X: 1, Y: 0}
	w.Process(context.Background(), job)

	assert.Equal(t, queue.StatusIgnore, job.Status)
	assert.Zero(t, r.calls)
}

func TestUnknownStyleIgnored(t *testing.T) {
	w := newTestWorker(t, &countingRenderer{}, newMemStore())
	job := &queue.Job{GID: 1, Style: "nope", Z: 5, X: 8, Y: 8}
	w.Process(context.Background(), job)
	assert.Equal(t, queue.StatusIgnore, job.Status)
}

func TestRenderPackStore(t *testing.T) {
	r := &countingRenderer{}
	store := newMemStore()
	w := newTestWorker(t, r, store)

	job := &queue.Job{GID: 1, Style: "map", Z: 15, X: 19294, Y: 24642, Status: queue.StatusRender}
	w.Process(context.Background(), job)

	require.Equal(t, queue.StatusDone, job.Status)
	require.NotEmpty(t, job.Data)
	assert.Equal(t, 1, r.calls)
	assert.Equal(t, 1, store.puts)
	assert.NotZero(t, job.LastModified)

	// the blob is a well-formed container anchored at the metatile
	reader := metatile.NewReader(job.Data)
	require.NotEmpty(t, reader.Sets)
	raster := reader.Raster()
	require.NotNil(t, raster)
	assert.Equal(t, 19288, raster.X)
	assert.Equal(t, 24640, raster.Y)
	assert.NotEmpty(t, raster.At(0, 0))
}

func TestSecondIdenticalJobHitsCache(t *testing.T) {
	r := &countingRenderer{}
	store := newMemStore()
	w := newTestWorker(t, r, store)

	first := &queue.Job{GID: 1, Style: "map", Z: 15, X: 19294, Y: 24642, Status: queue.StatusRender}
	w.Process(context.Background(), first)
	require.Equal(t, queue.StatusDone, first.Status)

	second := &queue.Job{GID: 2, Style: "map", Z: 15, X: 19294, Y: 24642, Status: queue.StatusRender}
	w.Process(context.Background(), second)

	assert.Equal(t, queue.StatusIgnore, second.Status)
	assert.NotEmpty(t, second.Data)
	assert.Equal(t, 1, r.calls)
}

func TestDirtyBypassesExistenceCheck(t *testing.T) {
	r := &countingRenderer{}
	store := newMemStore()
	w := newTestWorker(t, r, store)

	first := &queue.Job{GID: 1, Style: "map", Z: 15, X: 19294, Y: 24642, Status: queue.StatusRender}
	w.Process(context.Background(), first)

	dirty := &queue.Job{GID: 2, Style: "map", Z: 15, X: 19294, Y: 24642, Status: queue.StatusDirty}
	w.Process(context.Background(), dirty)

	assert.Equal(t, queue.StatusDone, dirty.Status)
	assert.Equal(t, 2, r.calls)
	// dirty jobs do not carry the blob back inline
	assert.Empty(t, dirty.Data)
	assert.Equal(t, 2, store.puts)
}

func TestRenderBulkStoresWithoutInlineData(t *testing.T) {
	r := &countingRenderer{}
	store := newMemStore()
	w := newTestWorker(t, r, store)

	job := &queue.Job{GID: 1, Style: "map", Z: 15, X: 19294, Y: 24642, Status: queue.StatusRenderBulk}
	w.Process(context.Background(), job)

	assert.Equal(t, queue.StatusDone, job.Status)
	assert.Empty(t, job.Data)
	assert.Equal(t, 1, r.calls)
	assert.Equal(t, 1, store.puts)
	// bulk mode also skips the existence check
	assert.Zero(t, store.gets)
}

type failingRenderer struct{}

func (failingRenderer) Process(ctx context.Context, t *tile.Tile) (*render.Result, error) {
	return nil, assert.AnError
}

func TestRenderFailureDowngradesToIgnore(t *testing.T) {
	store := newMemStore()
	w := newTestWorker(t, failingRenderer{}, store)

	job := &queue.Job{GID: 1, Style: "map", Z: 5, X: 8, Y: 8, Status: queue.StatusRender}
	w.Process(context.Background(), job)

	assert.Equal(t, queue.StatusIgnore, job.Status)
	assert.Zero(t, store.puts)
}

func TestRunLoopAcksAndStopsOnMemoryLimit(t *testing.T) {
	r := &countingRenderer{}
	broker := queue.NewMemBroker(4)

	cfg := Config{
		ID:               "w-1",
		Formats:          map[string][]transcode.Options{"map": {{Name: "png", Encoder: "png"}}},
		MemoryLimitBytes: 1,
	}
	resolver := &fixedResolver{renderers: map[string]render.Renderer{"map": r}}
	w := New(cfg, broker, resolver, newMemStore(), nil)
	w.rss = func() (uint64, error) { return 2, nil }

	ctx := context.Background()
	require.NoError(t, broker.Submit(ctx, &queue.Job{GID: 7, Style: "map", Z: 5, X: 8, Y: 8}))

	err := w.Run(ctx)
	assert.ErrorIs(t, err, ErrMemoryLimit)

	ack, err := broker.Ack(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 7, ack.GID)
	assert.Equal(t, queue.StatusDone, ack.Status)
}

func TestProcessRSSReadsSomething(t *testing.T) {
	rss, err := ProcessRSS()
	require.NoError(t, err)
	assert.Greater(t, rss, uint64(0))
}
