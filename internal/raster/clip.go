package raster

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fieldvision/plotclip/internal/model"
)

// ErrNoOverlap reports a plot polygon that shares no pixels with the raster.
// It is a per-plot condition, never fatal to a run.
var ErrNoOverlap = eris.New("raster: plot does not overlap raster")

// ErrCRSMismatch reports raster and vector sources pinned to different
// coordinate reference systems.
var ErrCRSMismatch = eris.New("raster: raster and vector coordinate systems differ")

// CheckCRS compares the declared reference systems of the raster and vector
// sources. Only EPSG codes are authoritative; a side that declares none is
// trusted to match.
func CheckCRS(rasterCRS, vectorCRS model.CRS) error {
	if rasterCRS.EPSG == 0 || vectorCRS.EPSG == 0 {
		return nil
	}
	if rasterCRS.EPSG != vectorCRS.EPSG {
		return eris.Wrapf(ErrCRSMismatch, "raster EPSG:%d vector EPSG:%d", rasterCRS.EPSG, vectorCRS.EPSG)
	}
	return nil
}

// Registry is the pixel-grid bookkeeping consulted before a clip is emitted.
// The first clip of an identity establishes its canonical size; every later
// clip is reconciled to it.
type Registry interface {
	ReserveOrGet(ctx context.Context, identity string, proposed model.GridSize) (model.GridSize, bool, error)
}

// ClipInfo describes how an emitted grid was derived.
type ClipInfo struct {
	Window   Window // source window before reconciliation
	Resized  bool   // grid was padded or cropped to the canonical size
	Reserved bool   // this clip established the canonical size
}

// Clipper cuts per-plot grids out of one raster source.
type Clipper struct {
	src Source
	reg Registry
	log *zap.Logger
}

// NewClipper builds a clipper over src that records grid sizes in reg.
func NewClipper(src Source, reg Registry) *Clipper {
	return &Clipper{
		src: src,
		reg: reg,
		log: zap.L().With(zap.String("component", "clipper")),
	}
}

// Clip extracts the plot's pixel window from the source, all bands, and
// reconciles it to the identity's canonical grid size.
func (c *Clipper) Clip(ctx context.Context, plot model.Plot) (*Raster, ClipInfo, error) {
	info := c.src.Info()

	b := plot.Geometry.Bounds()
	win, err := WindowFromBounds(info.Transform, b.Min(0), b.Min(1), b.Max(0), b.Max(1))
	if err != nil {
		return nil, ClipInfo{}, err
	}

	win = win.Intersect(Window{Width: info.Width, Height: info.Height})
	if win.Empty() {
		return nil, ClipInfo{}, eris.Wrapf(ErrNoOverlap, "plot %s", plot.Identity())
	}

	grid, err := c.src.ReadWindow(win)
	if err != nil {
		return nil, ClipInfo{}, eris.Wrapf(err, "raster: read window for plot %s", plot.Identity())
	}

	proposed := model.GridSize{Width: win.Width, Height: win.Height}
	canonical, reserved, err := c.reg.ReserveOrGet(ctx, plot.Identity(), proposed)
	if err != nil {
		return nil, ClipInfo{}, eris.Wrapf(err, "raster: reserve grid size for plot %s", plot.Identity())
	}

	out := ClipInfo{Window: win, Reserved: reserved}
	if canonical != proposed {
		c.log.Warn("reconciling clip to canonical grid size",
			zap.String("plot", plot.Identity()),
			zap.String("clipped", proposed.String()),
			zap.String("canonical", canonical.String()))
		grid = grid.Reconcile(canonical)
		out.Resized = true
	}
	return grid, out, nil
}
