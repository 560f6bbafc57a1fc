package cmd

import (
	"net/http"

	"github.com/spf13/cobra"

	"github.com/cartogrid/renderq/internal/metatile"
	"github.com/cartogrid/renderq/internal/storage"
	"github.com/cartogrid/renderq/internal/tile"
)

var copyTilesCmd = &cobra.Command{
	Use:   "copy-tiles",
	Short: "Copy stored metatiles between storage tiers",
	Long: `copy-tiles reads metatile blobs for a style over a region from a
source storage tier and writes them unchanged to a destination tier,
preserving modification times. Missing metatiles are skipped.`,
	RunE: runCopyTiles,
}

func init() {
	rootCmd.AddCommand(copyTilesCmd)

	copyTilesCmd.Flags().String("src", "", "source storage base URL")
	copyTilesCmd.Flags().String("dst", "", "destination storage base URL")
	copyTilesCmd.Flags().String("style", "", "style to copy")
	copyTilesCmd.Flags().String("bbox", "", "region as minLng,minLat,maxLng,maxLat (default world)")
	copyTilesCmd.Flags().Int("zoom-min", 0, "first zoom level")
	copyTilesCmd.Flags().Int("zoom-max", 0, "last zoom level")
	_ = copyTilesCmd.MarkFlagRequired("src")
	_ = copyTilesCmd.MarkFlagRequired("dst")
	_ = copyTilesCmd.MarkFlagRequired("style")
}

func runCopyTiles(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger()

	srcURL, _ := cmd.Flags().GetString("src")
	dstURL, _ := cmd.Flags().GetString("dst")
	style, _ := cmd.Flags().GetString("style")
	bbox, _ := cmd.Flags().GetString("bbox")
	zoomMin, _ := cmd.Flags().GetInt("zoom-min")
	zoomMax, _ := cmd.Flags().GetInt("zoom-max")

	reg, err := parseRegion(bbox, zoomMin, zoomMax)
	if err != nil {
		return err
	}

	httpClient := &http.Client{Timeout: cfg.Storage.Timeout()}
	src, err := storage.NewClient(srcURL, cfg.Storage.Version, httpClient, logger)
	if err != nil {
		return err
	}
	dst, err := storage.NewClient(dstURL, cfg.Storage.Version, httpClient, logger)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	proj := tile.NewMercator(metatile.MaxZoom + 1)
	var copied, missing int
	err = reg.anchors(proj, func(c tile.Coords) error {
		blob, lm, found, err := src.GetMeta(ctx, style, c.Z, c.X, c.Y)
		if err != nil {
			return err
		}
		if !found {
			missing++
			return nil
		}
		if err := dst.PutMetaAt(ctx, style, c.Z, c.X, c.Y, blob, lm); err != nil {
			return err
		}
		copied++
		return nil
	})

	logger.Info("copy finished", "copied", copied, "missing", missing)
	return err
}
