package config

import (
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartogrid/renderq/internal/render"
	"github.com/cartogrid/renderq/internal/transcode"
)

const sampleConfig = `
worker:
  id: w-01
  memory_limit_bytes: 2147483648
  saved_styles: [map]
  read_only_styles: [aerials]

storage:
  base_url: http://tiles.internal:8080
  version: v2
  timeout_seconds: 10

expiry:
  addr: 127.0.0.1:8881
  dir: /var/lib/renderq/expiry
  initial_zoom: 12

stats:
  udp_addr: 127.0.0.1:8882
  tcp_addr: 127.0.0.1:8883

coverages:
  hyb: /etc/renderq/coverage/hyb

formats:
  map: "png256, jpeg"

format:
  png256:
    encoder: png
    palette: true
  jpeg:
    quality: 85

styles:
  map:
    system: mapnik
    style_file: /etc/renderq/map.xml
    buffer_pixels: 128
    regions:
      - name: uk
        style_file: /etc/renderq/map-uk.xml
        mask: "POLYGON((-11 49,2 49,2 61,-11 61,-11 49))"
  hyb:
    system: coverages
    coverage:
      navteq: map
`

func load(t *testing.T, raw string) *Config {
	t.Helper()
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(raw)))
	cfg, err := Load(v)
	require.NoError(t, err)
	return cfg
}

func TestLoadSample(t *testing.T) {
	cfg := load(t, sampleConfig)

	assert.Equal(t, "w-01", cfg.Worker.ID)
	assert.Equal(t, "http://tiles.internal:8080", cfg.Storage.BaseURL)
	assert.Equal(t, "v2", cfg.Storage.Version)
	assert.Equal(t, 12, cfg.Expiry.InitialZoom)
	assert.Equal(t, "/etc/renderq/coverage/hyb", cfg.Coverages["hyb"])
}

func TestStyleFormatsResolveAndNormalize(t *testing.T) {
	cfg := load(t, sampleConfig)

	formats := cfg.StyleFormats("map")
	require.Len(t, formats, 2)
	assert.Equal(t, transcode.Options{Name: "png256", Encoder: "png", Quality: 75, Palette: true}, formats[0])
	// encoder defaults to the format name
	assert.Equal(t, "jpeg", formats[1].Encoder)
	assert.Equal(t, 85, formats[1].Quality)
}

func TestFactoryConfigCarriesStyleTree(t *testing.T) {
	cfg := load(t, sampleConfig)
	fc := cfg.FactoryConfig()

	require.Contains(t, fc.Styles, "map")
	m := fc.Styles["map"]
	assert.Equal(t, render.SystemMapnik, m.System)
	assert.Equal(t, 128, m.BufferPixels)
	require.Len(t, m.Regions, 1)
	assert.Equal(t, "uk", m.Regions[0].Name)

	assert.Equal(t, map[string]string{"navteq": "map"}, fc.Styles["hyb"].Coverage)
	assert.Equal(t, []string{"map"}, fc.SavedStyles)
	assert.Equal(t, []string{"aerials"}, fc.ReadOnlyStyles)
	require.Len(t, fc.Formats["map"], 2)
}

func TestWorkerConfigMemoryLimit(t *testing.T) {
	cfg := load(t, sampleConfig)
	wc := cfg.WorkerConfig()

	assert.Equal(t, uint64(2147483648), wc.MemoryLimitBytes)
	assert.Equal(t, "w-01", wc.ID)
	require.Len(t, wc.Formats["map"], 2)
}

func TestUndefinedFormatRejected(t *testing.T) {
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(`
formats:
  map: "webp"
`)))
	_, err := Load(v)
	assert.ErrorContains(t, err, "undefined format")
}

func TestSavedStyleNeedsFormats(t *testing.T) {
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(`
worker:
  saved_styles: [map]
styles:
  map:
    system: terrain
    url: http://dem.internal/{z}/{x}/{y}
`)))
	_, err := Load(v)
	assert.ErrorContains(t, err, "no format list")
}

func TestStyleWithoutSystemRejected(t *testing.T) {
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(`
styles:
  map:
    style_file: /tmp/x.xml
`)))
	_, err := Load(v)
	assert.ErrorContains(t, err, "no system")
}
