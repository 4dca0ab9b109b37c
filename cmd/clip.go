package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fieldvision/plotclip/internal/geotiff"
	"github.com/fieldvision/plotclip/internal/model"
	"github.com/fieldvision/plotclip/internal/naming"
	"github.com/fieldvision/plotclip/internal/pipeline"
	"github.com/fieldvision/plotclip/internal/registry"
	"github.com/fieldvision/plotclip/internal/shape"
)

var (
	clipOutput      string
	clipDate        string
	clipExperiment  string
	clipConcurrency int
	clipOverwrite   bool
	clipStats       bool
)

var clipCmd = &cobra.Command{
	Use:   "clip <raster.tif> <plots.shp>",
	Short: "Clip an orthomosaic into per-plot GeoTIFFs",
	Long:  "Resolves the capture date, derives one output path per plot from the vector attributes, and writes a clipped GeoTIFF for every polygon that overlaps the raster.",
	Args:  cobra.ExactArgs(2),
	RunE:  runClip,
}

func runClip(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	applyClipFlags(cmd)
	if err := cfg.Validate("clip"); err != nil {
		return err
	}

	rasterPath, vectorPath := args[0], args[1]

	st, err := initStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck
	if err := st.Migrate(ctx); err != nil {
		return eris.Wrap(err, "migrate store")
	}

	exp, err := naming.LoadExperimentConfig(cfg.Naming.ExperimentFile)
	if err != nil {
		return err
	}
	if exp != nil {
		zap.L().Info("experiment overrides loaded", zap.String("path", cfg.Naming.ExperimentFile))
	}

	plots, err := shape.ReadPlots(vectorPath, shape.Options{
		SeasonColumn:     cfg.Naming.SeasonColumn,
		ExperimentColumn: cfg.Naming.ExperimentColumn,
		PlotColumn:       cfg.Naming.PlotColumn,
	})
	if err != nil {
		return err
	}

	src, err := geotiff.Open(rasterPath)
	if err != nil {
		return err
	}
	defer src.Close() //nolint:errcheck

	info := src.Info()
	zap.L().Info("source raster opened",
		zap.Int("width", info.Width),
		zap.Int("height", info.Height),
		zap.Int("bands", info.Bands),
		zap.String("dtype", info.DType.String()),
		zap.Int("plots", len(plots.Plots)),
	)

	reg := registry.New(st)
	if err := reg.Load(ctx); err != nil {
		return err
	}

	compression, err := geotiff.ParseCompression(cfg.Output.Compression)
	if err != nil {
		return err
	}

	p := pipeline.New(pipeline.Config{
		RasterPath:   rasterPath,
		VectorPath:   vectorPath,
		OutputRoot:   cfg.Output.Root,
		Concurrency:  cfg.Clip.Concurrency,
		Overwrite:    cfg.Clip.Overwrite,
		Stats:        cfg.Clip.Stats,
		DateOverride: clipDate,
		Experiment:   exp,
		Encoding:     geotiff.Options{Compression: compression, Predictor: cfg.Output.Predictor},
	}, src, plots, reg, st)

	run, err := p.Run(ctx)
	if err != nil {
		return eris.Wrap(err, "clip run")
	}

	// Per-plot detail stays in the store; `runs show` prints it.
	summary := *run
	summary.Results = nil
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&summary); err != nil {
		return eris.Wrap(err, "encode run summary")
	}

	if run.Status == model.RunStatusCanceled {
		return eris.New("clip run canceled")
	}
	return nil
}

// applyClipFlags folds explicit command-line flags over the loaded config.
func applyClipFlags(cmd *cobra.Command) {
	if clipOutput != "" {
		cfg.Output.Root = clipOutput
	}
	if cmd.Flags().Changed("experiment") {
		cfg.Naming.ExperimentFile = clipExperiment
	}
	if cmd.Flags().Changed("concurrency") {
		cfg.Clip.Concurrency = clipConcurrency
	}
	if cmd.Flags().Changed("overwrite") {
		cfg.Clip.Overwrite = clipOverwrite
	}
	if cmd.Flags().Changed("stats") {
		cfg.Clip.Stats = clipStats
	}
}

func init() {
	clipCmd.Flags().StringVarP(&clipOutput, "output", "o", "", "output root directory (default from config)")
	clipCmd.Flags().StringVar(&clipDate, "date", "", "override the capture date (strict YYYY-MM-DD)")
	clipCmd.Flags().StringVar(&clipExperiment, "experiment", "", "experiment override JSON path (default from config)")
	clipCmd.Flags().IntVar(&clipConcurrency, "concurrency", 0, "concurrent plot clips (default from config)")
	clipCmd.Flags().BoolVar(&clipOverwrite, "overwrite", false, "rewrite outputs that already exist")
	clipCmd.Flags().BoolVar(&clipStats, "stats", true, "compute per-band statistics for the report")
	rootCmd.AddCommand(clipCmd)
}
