package render

import (
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"

	"github.com/cartogrid/renderq/internal/coverage"
	"github.com/cartogrid/renderq/internal/transcode"
)

// Renderer system names accepted in style configuration.
const (
	SystemMapnik    = "mapnik"
	SystemTerrain   = "terrain"
	SystemAerial    = "aerial"
	SystemComposite = "composite"
	SystemCoverages = "coverages"
	SystemMapware   = "mapware"
)

// RegionConfig is one masked alternative style of a vector renderer.
type RegionConfig struct {
	Name      string
	StyleFile string
	Mask      string
}

// StyleConfig is the parsed configuration of one style. Which fields
// apply depends on System.
type StyleConfig struct {
	Name   string
	System string

	// mapnik
	StyleFile     string
	DatasourceDir string
	BufferPixels  int
	Regions       []RegionConfig

	// terrain and aerial source template
	URL string

	// composite sub-styles (bottom first) or mapware poi layers
	Layers     []string
	Background string

	// coverages: vendor name to sub-style name
	Coverage map[string]string

	// mapware
	SearchURL string
	RenderURL string
}

// FactoryConfig is everything the factory needs to build every
// configured style tree.
type FactoryConfig struct {
	Styles         map[string]StyleConfig
	SavedStyles    []string
	ReadOnlyStyles []string

	// Formats lists the transcode targets per style, used by storage
	// fronts on write-back.
	Formats map[string][]transcode.Options
}

// EngineBuilder constructs a VectorEngine for a mapnik style file.
// Injected so tests run without a rasterizer.
type EngineBuilder func(styleFile, datasourceDir string, bufferPixels int) (VectorEngine, error)

// Factory builds renderer trees on demand and memoizes them, so two
// styles sharing a sub-style share its renderer instance. Safe for
// concurrent use.
type Factory struct {
	cfg       FactoryConfig
	store     Store
	coverages *coverage.Manager
	engines   EngineBuilder
	client    *http.Client
	logger    *slog.Logger

	mu       sync.Mutex
	built    map[string]Renderer
	building map[string]bool
}

// NewFactory wires the factory. store may be nil when no style is
// saved or read-only; coverages may be nil when no style dispatches.
func NewFactory(cfg FactoryConfig, store Store, coverages *coverage.Manager, engines EngineBuilder, client *http.Client, logger *slog.Logger) *Factory {
	if engines == nil {
		engines = func(styleFile, datasourceDir string, bufferPixels int) (VectorEngine, error) {
			return NewMapnikEngine(styleFile, datasourceDir, bufferPixels)
		}
	}
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		cfg:       cfg,
		store:     store,
		coverages: coverages,
		engines:   engines,
		client:    client,
		logger:    logger,
		built:     make(map[string]Renderer),
		building:  make(map[string]bool),
	}
}

// Renderer resolves the tree for a style name, building it on first
// use.
func (f *Factory) Renderer(name string) (Renderer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.renderer(name)
}

// renderer is the recursive resolution; the caller holds f.mu.
func (f *Factory) renderer(name string) (Renderer, error) {
	if r, ok := f.built[name]; ok {
		return r, nil
	}
	if f.building[name] {
		return nil, fmt.Errorf("style %q references itself", name)
	}
	f.building[name] = true
	defer delete(f.building, name)

	r, err := f.build(name)
	if err != nil {
		return nil, err
	}
	f.built[name] = r
	return r, nil
}

func (f *Factory) build(name string) (Renderer, error) {
	if slices.Contains(f.cfg.ReadOnlyStyles, name) {
		if f.store == nil {
			return nil, fmt.Errorf("read-only style %q without a store", name)
		}
		return NewStorageFront(f.store, nil, name, nil, f.logger.With("style", name))
	}

	sc, ok := f.cfg.Styles[name]
	if !ok {
		return nil, fmt.Errorf("unknown style %q", name)
	}
	sc.Name = name

	base, err := f.buildSystem(sc)
	if err != nil {
		return nil, err
	}

	if slices.Contains(f.cfg.SavedStyles, name) {
		if f.store == nil {
			return nil, fmt.Errorf("saved style %q without a store", name)
		}
		return NewStorageFront(f.store, base, name, f.cfg.Formats[name], f.logger.With("style", name))
	}
	return base, nil
}

func (f *Factory) buildSystem(sc StyleConfig) (Renderer, error) {
	switch sc.System {
	case SystemMapnik:
		def, err := f.engines(sc.StyleFile, sc.DatasourceDir, sc.BufferPixels)
		if err != nil {
			return nil, fmt.Errorf("style %q: %w", sc.Name, err)
		}
		regions := make([]Region, 0, len(sc.Regions))
		for _, rc := range sc.Regions {
			mask, err := ParseRegionMask(rc.Mask)
			if err != nil {
				return nil, fmt.Errorf("style %q region %q: %w", sc.Name, rc.Name, err)
			}
			eng, err := f.engines(rc.StyleFile, sc.DatasourceDir, sc.BufferPixels)
			if err != nil {
				return nil, fmt.Errorf("style %q region %q: %w", sc.Name, rc.Name, err)
			}
			regions = append(regions, Region{Name: rc.Name, Mask: mask, Engine: eng})
		}
		return NewVector(def, regions, f.logger.With("style", sc.Name))

	case SystemTerrain:
		return NewTerrain(sc.URL, f.client)

	case SystemAerial:
		return NewAerial(sc.URL, f.client)

	case SystemComposite:
		layers := make([]Renderer, 0, len(sc.Layers))
		for _, layer := range sc.Layers {
			r, err := f.renderer(layer)
			if err != nil {
				return nil, fmt.Errorf("style %q layer %q: %w", sc.Name, layer, err)
			}
			layers = append(layers, r)
		}
		return NewComposite(layers, sc.Background)

	case SystemCoverages:
		if f.coverages == nil {
			return nil, fmt.Errorf("style %q needs coverages but none are loaded", sc.Name)
		}
		index := f.coverages.Index(sc.Name)
		if index == nil {
			return nil, fmt.Errorf("style %q has no coverage index", sc.Name)
		}
		mapping := make(map[string]Renderer, len(sc.Coverage))
		for vendor, subStyle := range sc.Coverage {
			r, err := f.renderer(subStyle)
			if err != nil {
				return nil, fmt.Errorf("style %q vendor %q: %w", sc.Name, vendor, err)
			}
			mapping[vendor] = r
		}
		return NewCoverage(index, mapping, f.logger.With("style", sc.Name))

	case SystemMapware:
		return NewMapware(sc.Name, sc.SearchURL, sc.RenderURL, sc.Layers, f.client)

	default:
		return nil, fmt.Errorf("style %q: unknown system %q", sc.Name, sc.System)
	}
}
