package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fieldvision/plotclip/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "plotclip",
	Short: "Per-plot raster extraction from agricultural orthomosaics",
	Long:  "Clips a georeferenced orthomosaic against a shapefile of plot polygons, one GeoTIFF per plot, with date-stamped output paths and stable pixel grids across flights.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
