// Package config maps the configuration file onto the runtime settings
// of the worker, storage node, expiry and stats daemons.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/cartogrid/renderq/internal/render"
	"github.com/cartogrid/renderq/internal/transcode"
	"github.com/cartogrid/renderq/internal/worker"
)

// Worker holds the render-loop settings.
type Worker struct {
	ID               string   `mapstructure:"id"`
	MemoryLimitBytes uint64   `mapstructure:"memory_limit_bytes"`
	SavedStyles      []string `mapstructure:"saved_styles"`
	ReadOnlyStyles   []string `mapstructure:"read_only_styles"`
}

// Storage holds the storage tier endpoints shared by workers and the
// node itself.
type Storage struct {
	BaseURL        string `mapstructure:"base_url"`
	Version        string `mapstructure:"version"`
	Dir            string `mapstructure:"dir"`
	Listen         string `mapstructure:"listen"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// Timeout returns the HTTP client timeout, defaulting to 30s.
func (s Storage) Timeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// Expiry holds the expiry daemon settings.
type Expiry struct {
	Addr        string `mapstructure:"addr"`
	Dir         string `mapstructure:"dir"`
	InitialZoom int    `mapstructure:"initial_zoom"`
}

// Stats holds the stats collector endpoints.
type Stats struct {
	UDPAddr    string  `mapstructure:"udp_addr"`
	TCPAddr    string  `mapstructure:"tcp_addr"`
	FailMeanMS float64 `mapstructure:"fail_mean_ms"`
}

// Format describes one transcode target referenced from a style's
// format list.
type Format struct {
	Encoder string `mapstructure:"encoder"`
	Quality int    `mapstructure:"quality"`
	Palette bool   `mapstructure:"palette"`
}

// Region is one masked alternative style inside a mapnik style.
type Region struct {
	Name      string `mapstructure:"name"`
	StyleFile string `mapstructure:"style_file"`
	Mask      string `mapstructure:"mask"`
}

// Style is the raw configuration of one style section.
type Style struct {
	System        string            `mapstructure:"system"`
	StyleFile     string            `mapstructure:"style_file"`
	DatasourceDir string            `mapstructure:"datasource_dir"`
	BufferPixels  int               `mapstructure:"buffer_pixels"`
	Regions       []Region          `mapstructure:"regions"`
	URL           string            `mapstructure:"url"`
	Layers        []string          `mapstructure:"layers"`
	Background    string            `mapstructure:"background"`
	Coverage      map[string]string `mapstructure:"coverage"`
	SearchURL     string            `mapstructure:"search_url"`
	RenderURL     string            `mapstructure:"render_url"`
}

// Config is the whole parsed file.
type Config struct {
	Worker  Worker  `mapstructure:"worker"`
	Storage Storage `mapstructure:"storage"`
	Expiry  Expiry  `mapstructure:"expiry"`
	Stats   Stats   `mapstructure:"stats"`

	// Coverages maps a style name to its dataset file or directory.
	Coverages map[string]string `mapstructure:"coverages"`

	// Formats maps a style name to a comma separated list of format
	// names; each name resolves through the format section.
	Formats    map[string]string `mapstructure:"formats"`
	FormatDefs map[string]Format `mapstructure:"format"`

	Styles map[string]Style `mapstructure:"styles"`
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	for style, list := range c.Formats {
		for _, name := range splitList(list) {
			if _, ok := c.FormatDefs[name]; !ok {
				return fmt.Errorf("style %q references undefined format %q", style, name)
			}
		}
	}
	for _, style := range append(append([]string{}, c.Worker.SavedStyles...), c.Worker.ReadOnlyStyles...) {
		if _, ok := c.Formats[style]; !ok && !slices.Contains(c.Worker.ReadOnlyStyles, style) {
			return fmt.Errorf("saved style %q has no format list", style)
		}
	}
	for name, s := range c.Styles {
		if s.System == "" {
			return fmt.Errorf("style %q has no system", name)
		}
	}
	return nil
}

// StyleFormats resolves a style's format list into transcode options.
func (c *Config) StyleFormats(style string) []transcode.Options {
	list := splitList(c.Formats[style])
	out := make([]transcode.Options, 0, len(list))
	for _, name := range list {
		def := c.FormatDefs[name]
		out = append(out, transcode.Options{
			Name:    name,
			Encoder: def.Encoder,
			Quality: def.Quality,
			Palette: def.Palette,
		}.Normalize())
	}
	return out
}

// FactoryConfig translates the file into the renderer factory's view.
func (c *Config) FactoryConfig() render.FactoryConfig {
	styles := make(map[string]render.StyleConfig, len(c.Styles))
	for name, s := range c.Styles {
		regions := make([]render.RegionConfig, 0, len(s.Regions))
		for _, r := range s.Regions {
			regions = append(regions, render.RegionConfig(r))
		}
		styles[name] = render.StyleConfig{
			Name:          name,
			System:        s.System,
			StyleFile:     s.StyleFile,
			DatasourceDir: s.DatasourceDir,
			BufferPixels:  s.BufferPixels,
			Regions:       regions,
			URL:           s.URL,
			Layers:        s.Layers,
			Background:    s.Background,
			Coverage:      s.Coverage,
			SearchURL:     s.SearchURL,
			RenderURL:     s.RenderURL,
		}
	}

	formats := make(map[string][]transcode.Options, len(c.Formats))
	for style := range c.Formats {
		formats[style] = c.StyleFormats(style)
	}

	return render.FactoryConfig{
		Styles:         styles,
		SavedStyles:    c.Worker.SavedStyles,
		ReadOnlyStyles: c.Worker.ReadOnlyStyles,
		Formats:        formats,
	}
}

// WorkerConfig translates the file into the worker's view.
func (c *Config) WorkerConfig() worker.Config {
	formats := make(map[string][]transcode.Options, len(c.Formats))
	for style := range c.Formats {
		formats[style] = c.StyleFormats(style)
	}
	return worker.Config{
		ID:               c.Worker.ID,
		Formats:          formats,
		MemoryLimitBytes: c.Worker.MemoryLimitBytes,
	}
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
