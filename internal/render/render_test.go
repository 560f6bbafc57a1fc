package render

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartogrid/renderq/internal/coverage"
	"github.com/cartogrid/renderq/internal/metatile"
	"github.com/cartogrid/renderq/internal/tile"
	"github.com/cartogrid/renderq/internal/transcode"
)

var testProj = tile.NewMercator(19)

func solid(c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, tile.TileSize, tile.TileSize))
	for y := 0; y < tile.TileSize; y++ {
		for x := 0; x < tile.TileSize; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

// solidRenderer fills every sub-tile with one color and counts calls.
type solidRenderer struct {
	color color.NRGBA
	mu    sync.Mutex
	calls int
}

func (s *solidRenderer) Process(ctx context.Context, t *tile.Tile) (*Result, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	res := NewResult(t.Dim)
	for pos := range res.Data {
		res.Data[pos] = solid(s.color)
	}
	return res, nil
}

func TestCompositeOpaqueOverTranslucent(t *testing.T) {
	red := &solidRenderer{color: color.NRGBA{R: 255, A: 255}}
	blue := &solidRenderer{color: color.NRGBA{B: 255, A: 128}}

	c, err := NewComposite([]Renderer{red, blue}, "")
	require.NoError(t, err)

	tl := tile.NewTile(3, 0, 0, "map", testProj)
	res, err := c.Process(context.Background(), tl)
	require.NoError(t, err)

	px := res.Data[metatile.Pos{}].NRGBAAt(0, 0)
	assert.InDelta(t, 128, int(px.R), 1)
	assert.InDelta(t, 0, int(px.G), 1)
	assert.InDelta(t, 128, int(px.B), 1)
	assert.EqualValues(t, 255, px.A)
}

func TestCompositeTwoOpaqueLayersTopWins(t *testing.T) {
	bottom := &solidRenderer{color: color.NRGBA{R: 255, A: 255}}
	top := &solidRenderer{color: color.NRGBA{G: 200, A: 255}}

	c, err := NewComposite([]Renderer{bottom, top}, "")
	require.NoError(t, err)

	tl := tile.NewTile(5, 8, 8, "map", testProj)
	res, err := c.Process(context.Background(), tl)
	require.NoError(t, err)

	px := res.Data[metatile.Pos{}].NRGBAAt(100, 100)
	assert.Equal(t, color.NRGBA{G: 200, A: 255}, px)
}

func TestCompositeBackground(t *testing.T) {
	clear := &solidRenderer{color: color.NRGBA{}}
	c, err := NewComposite([]Renderer{clear}, "10,20,30,255")
	require.NoError(t, err)

	tl := tile.NewTile(3, 0, 0, "map", testProj)
	res, err := c.Process(context.Background(), tl)
	require.NoError(t, err)
	assert.Equal(t, color.NRGBA{R: 10, G: 20, B: 30, A: 255}, res.Data[metatile.Pos{}].NRGBAAt(0, 0))
}

func TestCompositeSkipsNoTileLayers(t *testing.T) {
	missing := RendererFunc(func(ctx context.Context, tl *tile.Tile) (*Result, error) {
		return nil, ErrNoTile
	})
	green := &solidRenderer{color: color.NRGBA{G: 255, A: 255}}

	c, err := NewComposite([]Renderer{missing, green}, "")
	require.NoError(t, err)

	tl := tile.NewTile(3, 0, 0, "map", testProj)
	res, err := c.Process(context.Background(), tl)
	require.NoError(t, err)
	assert.Equal(t, color.NRGBA{G: 255, A: 255}, res.Data[metatile.Pos{}].NRGBAAt(0, 0))

	allMissing, err := NewComposite([]Renderer{missing}, "")
	require.NoError(t, err)
	_, err = allMissing.Process(context.Background(), tl)
	assert.ErrorIs(t, err, ErrNoTile)
}

func worldDataset(name, label string) *coverage.Dataset {
	poly := orb.Polygon{orb.Ring{{-180, -89}, {180, -89}, {180, 89}, {-180, 89}, {-180, -89}}}
	return &coverage.Dataset{
		Name: name, VendorName: name, CoverageName: label,
		Bound: poly.Bound(), Polygons: []orb.Polygon{poly},
		ScaleRanges: map[string]coverage.ScaleRange{},
	}
}

func halfDataset(name, label string, west bool) *coverage.Dataset {
	lo, hi := 0.0, 180.0
	if west {
		lo, hi = -180.0, 0.0
	}
	poly := orb.Polygon{orb.Ring{{lo, -89}, {hi, -89}, {hi, 89}, {lo, 89}, {lo, -89}}}
	return &coverage.Dataset{
		Name: name, VendorName: name, CoverageName: label,
		Bound: poly.Bound(), Polygons: []orb.Polygon{poly},
		ScaleRanges: map[string]coverage.ScaleRange{},
	}
}

func TestCoverageUnifiedDelegatesOnce(t *testing.T) {
	ix := coverage.NewIndex([]*coverage.Dataset{worldDataset("navteq", "navteq")}, nil)

	nav := &solidRenderer{color: color.NRGBA{R: 1, A: 255}}
	def := &solidRenderer{color: color.NRGBA{B: 1, A: 255}}

	cr, err := NewCoverage(ix, map[string]Renderer{"navteq": nav, "default": def}, nil)
	require.NoError(t, err)

	tl := tile.NewTile(10, 256, 256, "map", testProj)
	_, err = cr.Process(context.Background(), tl)
	require.NoError(t, err)

	assert.Equal(t, 1, nav.calls)
	assert.Equal(t, 0, def.calls)
}

func TestCoverageMixedPicksPerSubTile(t *testing.T) {
	ix := coverage.NewIndex([]*coverage.Dataset{
		halfDataset("west", "west", true),
		halfDataset("east", "east", false),
	}, nil)

	w := &solidRenderer{color: color.NRGBA{R: 255, A: 255}}
	e := &solidRenderer{color: color.NRGBA{B: 255, A: 255}}
	def := &solidRenderer{color: color.NRGBA{G: 255, A: 255}}

	cr, err := NewCoverage(ix, map[string]Renderer{"west": w, "east": e, "default": def}, nil)
	require.NoError(t, err)

	// z=3 metatile spans the whole world
	tl := tile.NewTile(3, 0, 0, "map", testProj)
	res, err := cr.Process(context.Background(), tl)
	require.NoError(t, err)

	assert.Equal(t, 1, w.calls)
	assert.Equal(t, 1, e.calls)

	left := res.Data[metatile.Pos{Row: 4, Col: 0}].NRGBAAt(10, 10)
	right := res.Data[metatile.Pos{Row: 4, Col: 7}].NRGBAAt(10, 10)
	assert.Equal(t, color.NRGBA{R: 255, A: 255}, left)
	assert.Equal(t, color.NRGBA{B: 255, A: 255}, right)
}

func TestCoverageVendorsSharingSubStyleRenderOnce(t *testing.T) {
	ix := coverage.NewIndex([]*coverage.Dataset{
		halfDataset("west", "west", true),
		halfDataset("east", "east", false),
	}, nil)

	// both vendors resolve to the same renderer instance, as the
	// factory produces when two vendors name one sub-style
	shared := &solidRenderer{color: color.NRGBA{R: 7, A: 255}}
	cr, err := NewCoverage(ix, map[string]Renderer{"west": shared, "east": shared, "default": shared}, nil)
	require.NoError(t, err)

	tl := tile.NewTile(3, 0, 0, "map", testProj)
	res, err := cr.Process(context.Background(), tl)
	require.NoError(t, err)

	assert.Equal(t, 1, shared.calls)
	assert.Equal(t, color.NRGBA{R: 7, A: 255}, res.Data[metatile.Pos{Row: 4, Col: 0}].NRGBAAt(10, 10))
	assert.Equal(t, color.NRGBA{R: 7, A: 255}, res.Data[metatile.Pos{Row: 4, Col: 7}].NRGBAAt(10, 10))
}

func TestCoverageEmptyVendorsFallsBackToDefault(t *testing.T) {
	// dataset far away from the rendered tile
	far := halfDataset("far", "far", true)
	far.Polygons = []orb.Polygon{{orb.Ring{{-10, -10}, {-5, -10}, {-5, -5}, {-10, -5}, {-10, -10}}}}
	far.Bound = far.Polygons[0].Bound()
	ix := coverage.NewIndex([]*coverage.Dataset{far}, nil)

	def := &solidRenderer{color: color.NRGBA{G: 9, A: 255}}
	cr, err := NewCoverage(ix, map[string]Renderer{"far": &solidRenderer{}, "default": def}, nil)
	require.NoError(t, err)

	x, y := tile.XYFromLatLng(40.0, 100.0, 10, testProj)
	tl := tile.NewTile(10, x, y, "map", testProj)
	_, err = cr.Process(context.Background(), tl)
	require.NoError(t, err)
	assert.Equal(t, 1, def.calls)
}

// memStore is an in-memory Store for decorator tests.
type memStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
	puts  int
}

func newMemStore() *memStore { return &memStore{blobs: make(map[string][]byte)} }

func (m *memStore) key(style string, z, x, y int) string {
	return style + "/" + tile.Coords{Z: z, X: x, Y: y}.String()
}

func (m *memStore) GetMeta(ctx context.Context, style string, z, x, y int) ([]byte, time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[m.key(style, z, x, y)]
	return b, time.Now(), ok, nil
}

func (m *memStore) PutMeta(ctx context.Context, style string, z, x, y int, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[m.key(style, z, x, y)] = blob
	m.puts++
	return nil
}

var pngFormats = []transcode.Options{{Name: "png", Encoder: "png"}}

func TestStorageFrontMissRendersAndWritesBack(t *testing.T) {
	store := newMemStore()
	inner := &solidRenderer{color: color.NRGBA{R: 50, G: 60, B: 70, A: 255}}
	sf, err := NewStorageFront(store, inner, "map", pngFormats, nil)
	require.NoError(t, err)

	tl := tile.NewTile(5, 8, 8, "map", testProj)
	res, err := sf.Process(context.Background(), tl)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 1, inner.calls)
	assert.Equal(t, 1, store.puts)

	// second call hits the store, the inner renderer stays idle
	res2, err := sf.Process(context.Background(), tl)
	require.NoError(t, err)
	assert.Equal(t, 1, inner.calls)

	px := res2.Data[metatile.Pos{}].NRGBAAt(3, 3)
	assert.Equal(t, color.NRGBA{R: 50, G: 60, B: 70, A: 255}, px)
}

func TestStorageFrontReadOnlyMiss(t *testing.T) {
	sf, err := NewStorageFront(newMemStore(), nil, "map", nil, nil)
	require.NoError(t, err)

	tl := tile.NewTile(5, 8, 8, "map", testProj)
	_, err = sf.Process(context.Background(), tl)
	assert.ErrorIs(t, err, ErrNoTile)
}

// fakeEngine renders a solid color and serves fixed features.
type fakeEngine struct {
	color    color.NRGBA
	features []*geojson.Feature
}

func (f *fakeEngine) Render(ctx context.Context, bbox tile.BBox, w, h int) (*image.NRGBA, error) {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, f.color)
		}
	}
	return img, nil
}

func (f *fakeEngine) Features(ctx context.Context, bbox tile.BBox) (*geojson.FeatureCollection, error) {
	fc := geojson.NewFeatureCollection()
	fc.Features = append(fc.Features, f.features...)
	return fc, nil
}

func TestVectorDefaultOnly(t *testing.T) {
	v, err := NewVector(&fakeEngine{color: color.NRGBA{R: 7, A: 255}}, nil, nil)
	require.NoError(t, err)

	tl := tile.NewTile(5, 8, 8, "map", testProj)
	res, err := v.Process(context.Background(), tl)
	require.NoError(t, err)
	require.Len(t, res.Data, 64)
	assert.Equal(t, color.NRGBA{R: 7, A: 255}, res.Data[metatile.Pos{Row: 7, Col: 7}].NRGBAAt(0, 0))
}

func TestVectorRegionContainsWins(t *testing.T) {
	mask, err := ParseRegionMask("POLYGON((-180 -89,180 -89,180 89,-180 89,-180 -89))")
	require.NoError(t, err)

	def := &fakeEngine{color: color.NRGBA{R: 255, A: 255}}
	region := &fakeEngine{color: color.NRGBA{B: 255, A: 255}}
	v, err := NewVector(def, []Region{{Name: "eu", Mask: mask, Engine: region}}, nil)
	require.NoError(t, err)

	tl := tile.NewTile(10, 512, 384, "map", testProj)
	res, err := v.Process(context.Background(), tl)
	require.NoError(t, err)
	assert.Equal(t, color.NRGBA{B: 255, A: 255}, res.Data[metatile.Pos{}].NRGBAAt(0, 0))
}

func TestVectorFeatureDistribution(t *testing.T) {
	tl := tile.NewTile(6, 16, 24, "map", testProj)
	sub, err := tl.SubTile(2, 3)
	require.NoError(t, err)
	center := orb.Point{sub.Center.Lng, sub.Center.Lat}

	f := geojson.NewFeature(center)
	f.Properties["name"] = "poi"

	v, err := NewVector(&fakeEngine{color: color.NRGBA{A: 255}, features: []*geojson.Feature{f}}, nil, nil)
	require.NoError(t, err)

	res, err := v.Process(context.Background(), tl)
	require.NoError(t, err)

	assert.Len(t, res.Meta[metatile.Pos{Row: 2, Col: 3}].Features, 1)
	assert.Empty(t, res.Meta[metatile.Pos{Row: 5, Col: 6}].Features)
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestTerrainFetchesMetatile(t *testing.T) {
	tl := tile.NewTile(4, 8, 8, "ter", testProj)
	body := encodePNG(t, solidBig(color.NRGBA{R: 44, A: 255}, tl.Size))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	tr, err := NewTerrain(srv.URL+"/{z}/{x}/{y}", srv.Client())
	require.NoError(t, err)

	res, err := tr.Process(context.Background(), tl)
	require.NoError(t, err)
	assert.Equal(t, color.NRGBA{R: 44, A: 255}, res.Data[metatile.Pos{Row: 1, Col: 1}].NRGBAAt(5, 5))
}

func solidBig(c color.NRGBA, size int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func TestTerrainScalesOffSizeSource(t *testing.T) {
	tl := tile.NewTile(4, 8, 8, "ter", testProj)
	body := encodePNG(t, solidBig(color.NRGBA{R: 90, G: 30, A: 255}, tl.Size/2))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	tr, err := NewTerrain(srv.URL+"/{z}/{x}/{y}", srv.Client())
	require.NoError(t, err)

	res, err := tr.Process(context.Background(), tl)
	require.NoError(t, err)
	got := res.Data[metatile.Pos{Row: 0, Col: 1}].NRGBAAt(100, 100)
	assert.Equal(t, color.NRGBA{R: 90, G: 30, A: 255}, got)
}

func TestTerrainNoTile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("No tile found"))
	}))
	defer srv.Close()

	tr, err := NewTerrain(srv.URL+"/{z}/{x}/{y}", srv.Client())
	require.NoError(t, err)

	_, err = tr.Process(context.Background(), tile.NewTile(4, 8, 8, "ter", testProj))
	assert.ErrorIs(t, err, ErrNoTile)

	srv404 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv404.Close()

	tr404, err := NewTerrain(srv404.URL+"/{z}/{x}/{y}", srv404.Client())
	require.NoError(t, err)
	_, err = tr404.Process(context.Background(), tile.NewTile(4, 8, 8, "ter", testProj))
	assert.ErrorIs(t, err, ErrNoTile)
}

func TestAerialAssemblesSubTiles(t *testing.T) {
	body := encodePNG(t, solid(color.NRGBA{G: 77, A: 255}))
	var mu sync.Mutex
	seen := make(map[string]bool)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen[r.URL.Path] = true
		mu.Unlock()
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	a, err := NewAerial(srv.URL+"/{z}/{x}/{y}", srv.Client())
	require.NoError(t, err)

	tl := tile.NewTile(4, 8, 8, "sat", testProj)
	res, err := a.Process(context.Background(), tl)
	require.NoError(t, err)

	assert.Len(t, seen, 64)
	assert.Equal(t, color.NRGBA{G: 77, A: 255}, res.Data[metatile.Pos{Row: 3, Col: 6}].NRGBAAt(128, 128))
}

func TestAerialParallelFetchesFillEverySubTile(t *testing.T) {
	body := encodePNG(t, solid(color.NRGBA{B: 33, A: 255}))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	a, err := NewAerial(srv.URL+"/{z}/{x}/{y}", srv.Client())
	require.NoError(t, err)

	// two metatiles in flight exercise the fan-out under the race
	// detector; every slot must come back populated
	var wg sync.WaitGroup
	results := make([]*Result, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := a.Process(context.Background(), tile.NewTile(4, 8, 8, "sat", testProj))
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	for _, res := range results {
		require.NotNil(t, res)
		for row := 0; row < 8; row++ {
			for col := 0; col < 8; col++ {
				require.NotNil(t, res.Data[metatile.Pos{Row: row, Col: col}])
			}
		}
	}
}

func TestAerialAbortsOnAnyFailure(t *testing.T) {
	body := encodePNG(t, solid(color.NRGBA{A: 255}))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/4/10/9" {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	a, err := NewAerial(srv.URL+"/{z}/{x}/{y}", srv.Client())
	require.NoError(t, err)

	_, err = a.Process(context.Background(), tile.NewTile(4, 8, 8, "sat", testProj))
	assert.Error(t, err)
}

func TestFactoryBuildsAndMemoizes(t *testing.T) {
	cfg := FactoryConfig{
		Styles: map[string]StyleConfig{
			"map":    {System: SystemMapnik, StyleFile: "map.xml"},
			"hyb":    {System: SystemComposite, Layers: []string{"map", "map"}},
			"absent": {System: "wat"},
		},
		SavedStyles: []string{"map"},
		Formats:     map[string][]transcode.Options{"map": pngFormats},
	}

	var engines int
	builder := func(styleFile, dsDir string, buffer int) (VectorEngine, error) {
		engines++
		return &fakeEngine{color: color.NRGBA{A: 255}}, nil
	}

	f := NewFactory(cfg, newMemStore(), nil, builder, nil, nil)

	m1, err := f.Renderer("map")
	require.NoError(t, err)
	_, ok := m1.(*StorageFront)
	assert.True(t, ok)

	m2, err := f.Renderer("map")
	require.NoError(t, err)
	assert.Same(t, m1, m2)
	assert.Equal(t, 1, engines)

	_, err = f.Renderer("hyb")
	require.NoError(t, err)
	assert.Equal(t, 1, engines)

	_, err = f.Renderer("absent")
	assert.Error(t, err)
	_, err = f.Renderer("nope")
	assert.Error(t, err)
}

func TestFactoryReadOnlyStyle(t *testing.T) {
	f := NewFactory(FactoryConfig{ReadOnlyStyles: []string{"ro"}}, newMemStore(), nil,
		func(string, string, int) (VectorEngine, error) { return &fakeEngine{}, nil }, nil, nil)

	r, err := f.Renderer("ro")
	require.NoError(t, err)
	_, err = r.Process(context.Background(), tile.NewTile(5, 8, 8, "ro", testProj))
	assert.ErrorIs(t, err, ErrNoTile)
}

func TestFactoryConcurrentResolution(t *testing.T) {
	cfg := FactoryConfig{Styles: map[string]StyleConfig{
		"map": {System: SystemMapnik, StyleFile: "map.xml"},
		"hyb": {System: SystemComposite, Layers: []string{"map"}},
	}}
	f := NewFactory(cfg, nil, nil, func(string, string, int) (VectorEngine, error) { return &fakeEngine{}, nil }, nil, nil)

	var wg sync.WaitGroup
	got := make([]Renderer, 8)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := "map"
			if i%2 == 1 {
				name = "hyb"
			}
			r, err := f.Renderer(name)
			assert.NoError(t, err)
			got[i] = r
		}(i)
	}
	wg.Wait()

	// every goroutine saw the same memoized instance for its style
	for i := 2; i < len(got); i++ {
		assert.Same(t, got[i%2], got[i])
	}
}

func TestFactoryDetectsCycle(t *testing.T) {
	cfg := FactoryConfig{Styles: map[string]StyleConfig{
		"a": {System: SystemComposite, Layers: []string{"b"}},
		"b": {System: SystemComposite, Layers: []string{"a"}},
	}}
	f := NewFactory(cfg, nil, nil, func(string, string, int) (VectorEngine, error) { return &fakeEngine{}, nil }, nil, nil)
	_, err := f.Renderer("a")
	assert.Error(t, err)
}

func TestPackDecodeRoundTrip(t *testing.T) {
	tl := tile.NewTile(5, 8, 8, "map", testProj)
	inner := &solidRenderer{color: color.NRGBA{R: 9, G: 8, B: 7, A: 255}}
	res, err := inner.Process(context.Background(), tl)
	require.NoError(t, err)

	blob, err := Pack(res, tl, pngFormats)
	require.NoError(t, err)

	back, err := Decode(blob, tl.Dim)
	require.NoError(t, err)
	assert.Equal(t, color.NRGBA{R: 9, G: 8, B: 7, A: 255}, back.Data[metatile.Pos{Row: 4, Col: 4}].NRGBAAt(0, 0))
}
