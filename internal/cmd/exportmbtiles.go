package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/cartogrid/renderq/internal/mbtiles"
	"github.com/cartogrid/renderq/internal/metatile"
	"github.com/cartogrid/renderq/internal/queue"
	"github.com/cartogrid/renderq/internal/storage"
	"github.com/cartogrid/renderq/internal/tile"
)

var exportMBTilesCmd = &cobra.Command{
	Use:   "export-mbtiles",
	Short: "Export a style's stored tiles into an MBTiles archive",
	Long: `export-mbtiles unpacks stored metatile containers for a style over a
region and writes the selected raster format into a single MBTiles
sqlite archive.`,
	RunE: runExportMBTiles,
}

func init() {
	rootCmd.AddCommand(exportMBTilesCmd)

	exportMBTilesCmd.Flags().String("style", "", "style to export")
	exportMBTilesCmd.Flags().String("out", "", "output .mbtiles path")
	exportMBTilesCmd.Flags().String("format", "png", "raster format to extract")
	exportMBTilesCmd.Flags().String("bbox", "", "region as minLng,minLat,maxLng,maxLat (default world)")
	exportMBTilesCmd.Flags().Int("zoom-min", 0, "first zoom level")
	exportMBTilesCmd.Flags().Int("zoom-max", 0, "last zoom level")
	_ = exportMBTilesCmd.MarkFlagRequired("style")
	_ = exportMBTilesCmd.MarkFlagRequired("out")
}

func runExportMBTiles(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger()

	style, _ := cmd.Flags().GetString("style")
	out, _ := cmd.Flags().GetString("out")
	format, _ := cmd.Flags().GetString("format")
	bbox, _ := cmd.Flags().GetString("bbox")
	zoomMin, _ := cmd.Flags().GetInt("zoom-min")
	zoomMax, _ := cmd.Flags().GetInt("zoom-max")

	reg, err := parseRegion(bbox, zoomMin, zoomMax)
	if err != nil {
		return err
	}
	wireFormat, err := queue.FormatFromName(format)
	if err != nil {
		return err
	}
	if cfg.Storage.BaseURL == "" {
		return fmt.Errorf("storage.base_url is not configured")
	}

	src, err := storage.NewClient(cfg.Storage.BaseURL, cfg.Storage.Version,
		&http.Client{Timeout: cfg.Storage.Timeout()}, logger)
	if err != nil {
		return err
	}

	w, err := mbtiles.NewWriter(out, mbtiles.Metadata{
		Name:    style,
		Format:  wireFormat.Name(),
		MinZoom: reg.zoomMin,
		MaxZoom: reg.zoomMax,
		Bounds:  [4]float64{reg.minLng, reg.minLat, reg.maxLng, reg.maxLat},
	})
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	proj := tile.NewMercator(metatile.MaxZoom + 1)
	var exported, missing int
	err = reg.anchors(proj, func(c tile.Coords) error {
		blob, _, found, err := src.GetMeta(ctx, style, c.Z, c.X, c.Y)
		if err != nil {
			return err
		}
		if !found {
			missing++
			return nil
		}

		set := sectionFor(metatile.NewReader(blob), wireFormat)
		if set == nil {
			missing++
			return nil
		}
		dim := tile.MetaSize(c.Z)
		for row := 0; row < dim; row++ {
			for col := 0; col < dim; col++ {
				data := set.At(row, col)
				if len(data) == 0 {
					continue
				}
				if err := w.WriteTile(c.Z, c.X+col, c.Y+row, data); err != nil {
					return err
				}
				exported++
			}
		}
		return nil
	})
	if err != nil {
		w.Close() //nolint:errcheck
		return err
	}

	if err := w.Close(); err != nil {
		return err
	}
	logger.Info("export finished", "tiles", exported, "missing_metatiles", missing, "archive", out)
	return nil
}

// sectionFor picks the container section carrying the requested wire
// format.
func sectionFor(r *metatile.Reader, f queue.Format) *metatile.TileSet {
	for i := range r.Sets {
		if r.Sets[i].Format == f {
			return &r.Sets[i]
		}
	}
	return nil
}
