package coverage

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Manager resolves the coverage index for a style. Indexes are loaded
// once at construction; queries after that are read-only.
type Manager struct {
	indexes map[string]*Index
	logger  *slog.Logger
}

// NewManager loads one coverage per style from the configured source
// paths. A path may name a shapefile, a GeoJSON file, or a directory
// scanned for either.
func NewManager(sources map[string]string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{indexes: make(map[string]*Index, len(sources)), logger: logger}
	for style, path := range sources {
		datasets, err := LoadDatasets(path)
		if err != nil {
			return nil, fmt.Errorf("coverage for style %q: %w", style, err)
		}
		logger.Info("coverage loaded",
			"style", style, "path", path, "datasets", len(datasets))
		m.indexes[style] = NewIndex(datasets, logger.With("style", style))
	}
	return m, nil
}

// Index returns the coverage index for a style, or nil when the style
// has no coverage configured.
func (m *Manager) Index(style string) *Index {
	return m.indexes[style]
}

// LoadDatasets reads datasets from a shapefile, a GeoJSON file, or
// every such file inside a directory.
func LoadDatasets(path string) ([]*Dataset, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return loadFile(path)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var out []*Dataset
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".shp" && ext != ".geojson" && ext != ".json" {
			continue
		}
		ds, err := loadFile(filepath.Join(path, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, ds...)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no coverage files in %s", path)
	}
	renumber(out)
	return out, nil
}

func loadFile(path string) ([]*Dataset, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".shp":
		return loadShapefile(path)
	case ".geojson", ".json":
		return loadGeoJSON(path)
	default:
		return nil, fmt.Errorf("unsupported coverage file %s", path)
	}
}

// loadShapefile reads one dataset per shapefile record. Attribute
// fields NAME, VENDOR, COVERAGE, COPYRIGHT, SCALE_LO, SCALE_HI and
// PROJ are honored when present.
func loadShapefile(path string) ([]*Dataset, error) {
	reader, err := shp.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open shapefile: %w", err)
	}
	defer func() { _ = reader.Close() }()

	nameIdx := fieldIndex(reader, "NAME")
	vendorIdx := fieldIndex(reader, "VENDOR")
	covIdx := fieldIndex(reader, "COVERAGE")
	crIdx := fieldIndex(reader, "COPYRIGHT")
	loIdx := fieldIndex(reader, "SCALE_LO")
	hiIdx := fieldIndex(reader, "SCALE_HI")
	projIdx := fieldIndex(reader, "PROJ")

	var out []*Dataset
	for reader.Next() {
		n, shape := reader.Shape()
		poly, ok := shape.(*shp.Polygon)
		if !ok {
			continue
		}

		d := &Dataset{
			Name:        attr(reader, nameIdx),
			ScaleRanges: map[string]ScaleRange{},
		}
		if d.Name == "" {
			d.Name = fmt.Sprintf("%s#%d", strings.TrimSuffix(filepath.Base(path), ".shp"), n)
		}
		d.VendorName = attr(reader, vendorIdx)
		if d.VendorName == "" {
			d.VendorName = d.Name
		}
		d.CoverageName = attr(reader, covIdx)
		d.Copyright = attr(reader, crIdx)

		r := DefaultScaleRange
		if v, err := strconv.Atoi(attr(reader, loIdx)); err == nil {
			r.Lo = v
		}
		if v, err := strconv.Atoi(attr(reader, hiIdx)); err == nil {
			r.Hi = v
		}
		proj := strings.ToUpper(attr(reader, projIdx))
		d.ScaleRanges[proj] = r

		d.Polygons = shpPolygons(poly)
		d.Bound = polygonsBound(d.Polygons)
		out = append(out, d)
	}
	renumber(out)
	return out, nil
}

// loadGeoJSON reads one dataset per feature. Properties vendor_name,
// coverage_name, copyright, scale_lo, scale_hi and projection are
// honored when present.
func loadGeoJSON(path string) ([]*Dataset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	fc, err := geojson.UnmarshalFeatureCollection(raw)
	if err != nil {
		return nil, fmt.Errorf("parse geojson: %w", err)
	}

	var out []*Dataset
	for i, f := range fc.Features {
		var polys []orb.Polygon
		switch g := f.Geometry.(type) {
		case orb.Polygon:
			polys = []orb.Polygon{g}
		case orb.MultiPolygon:
			polys = g
		default:
			continue
		}

		d := &Dataset{
			Name:        prop(f, "name"),
			ScaleRanges: map[string]ScaleRange{},
			Polygons:    polys,
			Bound:       polygonsBound(polys),
		}
		if d.Name == "" {
			d.Name = fmt.Sprintf("%s#%d", strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)), i)
		}
		d.VendorName = prop(f, "vendor_name")
		if d.VendorName == "" {
			d.VendorName = d.Name
		}
		d.CoverageName = prop(f, "coverage_name")
		d.Copyright = prop(f, "copyright")

		r := DefaultScaleRange
		if v, ok := numProp(f, "scale_lo"); ok {
			r.Lo = v
		}
		if v, ok := numProp(f, "scale_hi"); ok {
			r.Hi = v
		}
		proj := strings.ToUpper(prop(f, "projection"))
		d.ScaleRanges[proj] = r
		out = append(out, d)
	}
	renumber(out)
	return out, nil
}

func renumber(ds []*Dataset) {
	for i, d := range ds {
		d.ID = i
	}
}

func attr(reader *shp.Reader, idx int) string {
	if idx < 0 {
		return ""
	}
	return strings.TrimSpace(reader.Attribute(idx))
}

func fieldIndex(reader *shp.Reader, name string) int {
	for i, f := range reader.Fields() {
		if strings.EqualFold(strings.TrimRight(f.String(), "\x00"), name) {
			return i
		}
	}
	return -1
}

func prop(f *geojson.Feature, key string) string {
	if v, ok := f.Properties[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func numProp(f *geojson.Feature, key string) (int, bool) {
	switch v := f.Properties[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n, true
		}
	}
	return 0, false
}

func shpPolygons(p *shp.Polygon) []orb.Polygon {
	if p.NumParts == 0 || len(p.Points) == 0 {
		return nil
	}
	var out []orb.Polygon
	for i := int32(0); i < p.NumParts; i++ {
		start := p.Parts[i]
		end := int32(len(p.Points))
		if i+1 < p.NumParts {
			end = p.Parts[i+1]
		}
		ring := make(orb.Ring, 0, end-start)
		for j := start; j < end; j++ {
			ring = append(ring, orb.Point{p.Points[j].X, p.Points[j].Y})
		}
		if len(ring) >= 3 {
			out = append(out, orb.Polygon{ring})
		}
	}
	return out
}

func polygonsBound(polys []orb.Polygon) orb.Bound {
	if len(polys) == 0 {
		return orb.Bound{Min: orb.Point{-180, -90}, Max: orb.Point{180, 90}}
	}
	b := polys[0].Bound()
	for _, p := range polys[1:] {
		b = b.Union(p.Bound())
	}
	return b
}
