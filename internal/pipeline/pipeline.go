// Package pipeline coordinates a clip run end to end: run date resolution,
// per-plot clipping, output writing, and persistence.
package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fieldvision/plotclip/internal/geotiff"
	"github.com/fieldvision/plotclip/internal/model"
	"github.com/fieldvision/plotclip/internal/naming"
	"github.com/fieldvision/plotclip/internal/raster"
	"github.com/fieldvision/plotclip/internal/shape"
	"github.com/fieldvision/plotclip/internal/store"
)

// Config carries everything one clip run needs beyond its collaborators.
type Config struct {
	RasterPath   string
	VectorPath   string
	OutputRoot   string
	Concurrency  int
	Overwrite    bool
	Stats        bool
	DateOverride string                   // strict YYYY-MM-DD, wins over every other date source
	Experiment   *naming.ExperimentConfig // optional run-level naming overrides
	Encoding     geotiff.Options
}

// PostClipHook runs after a plot is clipped and before it is written. It is
// the extension seam for derived artifacts such as mask files; an error fails
// that plot only.
type PostClipHook func(ctx context.Context, plot model.Plot, grid *raster.Raster, res *model.ClipResult) error

// Pipeline fans a clip run out over the plots of one vector source.
type Pipeline struct {
	cfg   Config
	src   raster.Source
	plots *shape.PlotSet
	clip  *raster.Clipper
	store store.Store
	hook  PostClipHook
	log   *zap.Logger
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithPostClipHook installs the post-clip extension hook.
func WithPostClipHook(h PostClipHook) Option {
	return func(p *Pipeline) { p.hook = h }
}

// New builds a pipeline clipping src against the plot set. st may be nil,
// which keeps the run and its results in memory only.
func New(cfg Config, src raster.Source, plots *shape.PlotSet, reg raster.Registry, st store.Store, opts ...Option) *Pipeline {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	p := &Pipeline{
		cfg:   cfg,
		src:   src,
		plots: plots,
		clip:  raster.NewClipper(src, reg),
		store: st,
		log:   zap.L().With(zap.String("component", "pipeline")),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes the clip run. Per-plot failures are recorded in the results,
// never propagated; the returned run carries one result per plot unless
// setup failed before any plot was touched.
func (p *Pipeline) Run(ctx context.Context) (*model.Run, error) {
	date, err := p.resolveDate()
	if err != nil {
		return nil, err
	}
	if err := raster.CheckCRS(p.src.Info().CRS, p.plots.CRS); err != nil {
		return nil, err
	}

	run, err := p.createRun(ctx, date)
	if err != nil {
		return nil, err
	}

	p.log.Info("starting clip run",
		zap.String("run_id", run.ID),
		zap.String("date", date.String()),
		zap.Int("plots", len(p.plots.Plots)),
		zap.Int("concurrency", p.cfg.Concurrency))

	results := make([]model.ClipResult, len(p.plots.Plots))
	var cnt counters

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for i, plot := range p.plots.Plots {
		g.Go(func() error {
			results[i] = p.processPlot(gctx, run.ID, date, plot, &cnt)
			return nil
		})
	}
	_ = g.Wait()

	run.Status = model.RunStatusComplete
	if cerr := ctx.Err(); cerr != nil {
		run.Status = model.RunStatusCanceled
		run.Error = cerr.Error()
	}
	run.Summary = cnt.summary(len(results))
	run.Results = results
	run.FinishedAt = time.Now().UTC()

	if p.store != nil {
		// Persistence must survive the cancellation that ended the run.
		pctx := context.WithoutCancel(ctx)
		if err := p.store.SaveResults(pctx, results); err != nil {
			p.log.Warn("failed to persist plot results", zap.Error(err))
		}
		if err := p.store.FinishRun(pctx, run.ID, run.Status, run.Summary, run.Error); err != nil {
			p.log.Warn("failed to finish run record", zap.Error(err))
		}
	}

	p.log.Info("clip run finished",
		zap.String("run_id", run.ID),
		zap.String("status", string(run.Status)),
		zap.Int("written", run.Summary.Written),
		zap.Int("skipped", run.Summary.Skipped),
		zap.Int("failed", run.Summary.Failed))

	return run, nil
}

// resolveDate picks the run date: explicit override, then the experiment
// configuration timestamp, then the raster filename, then today.
func (p *Pipeline) resolveDate() (model.CaptureDate, error) {
	if p.cfg.DateOverride != "" {
		d, err := naming.ParseStrictDate(p.cfg.DateOverride)
		if err != nil {
			return model.CaptureDate{}, eris.Wrap(err, "pipeline: date override")
		}
		return d, nil
	}
	if d, ok, err := p.cfg.Experiment.Date(); err != nil {
		return model.CaptureDate{}, err
	} else if ok {
		return d, nil
	}
	return naming.ResolveDate(p.cfg.RasterPath)
}

func (p *Pipeline) createRun(ctx context.Context, date model.CaptureDate) (*model.Run, error) {
	if p.store == nil {
		return &model.Run{
			ID:         uuid.New().String(),
			RasterPath: p.cfg.RasterPath,
			VectorPath: p.cfg.VectorPath,
			OutputRoot: p.cfg.OutputRoot,
			Date:       date,
			Status:     model.RunStatusRunning,
			StartedAt:  time.Now().UTC(),
		}, nil
	}
	run, err := p.store.CreateRun(ctx, p.cfg.RasterPath, p.cfg.VectorPath, p.cfg.OutputRoot, date)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: create run")
	}
	return run, nil
}

// processPlot walks one plot through pending, clipped, and a terminal state.
func (p *Pipeline) processPlot(ctx context.Context, runID string, date model.CaptureDate, plot model.Plot, cnt *counters) (res model.ClipResult) {
	start := time.Now()
	res = model.ClipResult{
		RunID:    runID,
		Ordinal:  plot.Ordinal,
		Identity: plot.Identity(),
		Status:   model.PlotStatusPending,
	}
	defer func() {
		res.Duration = time.Since(start).Milliseconds()
		cnt.record(res)
	}()

	if err := ctx.Err(); err != nil {
		res.Status = model.PlotStatusFailed
		res.Reason = err.Error()
		return res
	}
	if plot.Geometry == nil {
		res.Status = model.PlotStatusFailed
		res.Reason = "empty geometry"
		return res
	}

	rel := naming.BuildPath(date, p.withOverrides(plot)) + ".tif"
	res.Path = rel
	outPath := filepath.Join(p.cfg.OutputRoot, filepath.FromSlash(rel))

	if !p.cfg.Overwrite {
		if _, err := os.Stat(outPath); err == nil {
			res.Status = model.PlotStatusSkipped
			res.Reason = "output exists"
			return res
		}
	}

	grid, info, err := p.clip.Clip(ctx, plot)
	if err != nil {
		if eris.Is(err, raster.ErrNoOverlap) {
			cnt.noOverlap.Add(1)
		}
		res.Status = model.PlotStatusFailed
		res.Reason = err.Error()
		return res
	}
	res.Status = model.PlotStatusClipped
	res.Width = grid.Width
	res.Height = grid.Height
	res.Resized = info.Resized

	if p.cfg.Stats {
		res.Bands = grid.Stats()
	}

	if p.hook != nil {
		if err := p.hook(ctx, plot, grid, &res); err != nil {
			res.Status = model.PlotStatusFailed
			res.Reason = eris.Wrap(err, "post-clip hook").Error()
			return res
		}
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		res.Status = model.PlotStatusFailed
		res.Reason = eris.Wrap(err, "create output directory").Error()
		return res
	}
	if err := geotiff.WriteFile(outPath, grid, p.cfg.Encoding); err != nil {
		res.Status = model.PlotStatusFailed
		res.Reason = err.Error()
		return res
	}
	if fi, err := os.Stat(outPath); err == nil {
		res.Bytes = fi.Size()
	}

	res.Status = model.PlotStatusWritten
	p.log.Debug("plot written",
		zap.String("plot", res.Identity),
		zap.String("path", rel),
		zap.Int("width", res.Width),
		zap.Int("height", res.Height))
	return res
}

// withOverrides applies run-level season and experiment overrides before
// path building. Plot names are never overridden.
func (p *Pipeline) withOverrides(plot model.Plot) model.Plot {
	exp := p.cfg.Experiment
	if exp == nil {
		return plot
	}
	if exp.Season != "" {
		s := exp.Season
		plot.Attrs.SeasonName = &s
	}
	if exp.StudyName != "" {
		s := exp.StudyName
		plot.Attrs.ExperimentName = &s
	}
	return plot
}

type counters struct {
	written      atomic.Int64
	skipped      atomic.Int64
	failed       atomic.Int64
	noOverlap    atomic.Int64
	filesCreated atomic.Int64
	outputBytes  atomic.Int64
}

func (c *counters) record(res model.ClipResult) {
	switch res.Status {
	case model.PlotStatusWritten:
		c.written.Add(1)
		c.filesCreated.Add(1)
		c.outputBytes.Add(res.Bytes)
	case model.PlotStatusSkipped:
		c.skipped.Add(1)
	case model.PlotStatusFailed:
		c.failed.Add(1)
	}
}

func (c *counters) summary(total int) model.RunSummary {
	return model.RunSummary{
		PlotsTotal:   total,
		Written:      int(c.written.Load()),
		Skipped:      int(c.skipped.Load()),
		Failed:       int(c.failed.Load()),
		NoOverlap:    int(c.noOverlap.Load()),
		FilesCreated: int(c.filesCreated.Load()),
		OutputBytes:  c.outputBytes.Load(),
	}
}
