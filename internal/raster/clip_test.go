package raster

import (
	"context"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"

	"github.com/fieldvision/plotclip/internal/model"
)

type fakeRegistry struct {
	sizes map[string]model.GridSize
	err   error
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{sizes: make(map[string]model.GridSize)}
}

func (f *fakeRegistry) ReserveOrGet(_ context.Context, identity string, proposed model.GridSize) (model.GridSize, bool, error) {
	if f.err != nil {
		return model.GridSize{}, false, f.err
	}
	if got, ok := f.sizes[identity]; ok {
		return got, false, nil
	}
	f.sizes[identity] = proposed
	return proposed, true, nil
}

func rectPlot(ordinal int, minX, minY, maxX, maxY float64) model.Plot {
	ring := geom.NewLinearRingFlat(geom.XY, []float64{
		minX, minY, maxX, minY, maxX, maxY, minX, maxY, minX, minY,
	})
	poly := geom.NewPolygon(geom.XY)
	if err := poly.Push(ring); err != nil {
		panic(err)
	}
	mp := geom.NewMultiPolygon(geom.XY)
	if err := mp.Push(poly); err != nil {
		panic(err)
	}
	return model.Plot{Ordinal: ordinal, Geometry: mp}
}

func newTestSource(t *testing.T) Source {
	t.Helper()
	src := New(testInfo(10, 8, 2, Uint16), 10, 8)
	fillGradient(src)
	return NewMemSource(src)
}

func TestClipWindowFromPolygonBounds(t *testing.T) {
	c := NewClipper(newTestSource(t), newFakeRegistry())

	grid, info, err := c.Clip(context.Background(), rectPlot(1, 102.2, 195.5, 104.8, 197.5))
	require.NoError(t, err)

	assert.Equal(t, Window{Col: 2, Row: 2, Width: 3, Height: 3}, info.Window)
	assert.True(t, info.Reserved)
	assert.False(t, info.Resized)

	require.Equal(t, 3, grid.Width)
	require.Equal(t, 3, grid.Height)
	require.Equal(t, 2, grid.Bands)
	assert.Equal(t, 202.0, grid.Sample(0, 0, 0))
	assert.Equal(t, 1202.0, grid.Sample(1, 0, 0))
	assert.Equal(t, Affine{102, 1, 0, 198, 0, -1}, grid.Transform)
}

func TestClipPartialOverlapClampsToRaster(t *testing.T) {
	c := NewClipper(newTestSource(t), newFakeRegistry())

	grid, info, err := c.Clip(context.Background(), rectPlot(2, 95, 195, 102, 198))
	require.NoError(t, err)
	assert.Equal(t, Window{Col: 0, Row: 2, Width: 2, Height: 3}, info.Window)
	assert.Equal(t, 2, grid.Width)
	assert.Equal(t, 3, grid.Height)
}

func TestClipNoOverlap(t *testing.T) {
	c := NewClipper(newTestSource(t), newFakeRegistry())

	_, _, err := c.Clip(context.Background(), rectPlot(3, 500, 500, 510, 510))
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrNoOverlap))
}

func TestClipReconcilesToCanonicalSize(t *testing.T) {
	reg := newFakeRegistry()
	reg.sizes["4"] = model.GridSize{Width: 5, Height: 5}
	c := NewClipper(newTestSource(t), reg)

	grid, info, err := c.Clip(context.Background(), rectPlot(4, 102.2, 195.5, 104.8, 197.5))
	require.NoError(t, err)
	assert.True(t, info.Resized)
	assert.False(t, info.Reserved)
	assert.Equal(t, 5, grid.Width)
	assert.Equal(t, 5, grid.Height)
	// Samples beyond the clipped window are padding.
	assert.Equal(t, 0.0, grid.Sample(0, 4, 4))
	assert.Equal(t, 202.0, grid.Sample(0, 0, 0))
}

func TestClipSameSizeAcrossCallsIsStable(t *testing.T) {
	reg := newFakeRegistry()
	c := NewClipper(newTestSource(t), reg)
	plot := rectPlot(5, 102.2, 195.5, 104.8, 197.5)

	first, info1, err := c.Clip(context.Background(), plot)
	require.NoError(t, err)
	second, info2, err := c.Clip(context.Background(), plot)
	require.NoError(t, err)

	assert.True(t, info1.Reserved)
	assert.False(t, info2.Reserved)
	assert.Equal(t, first.Width, second.Width)
	assert.Equal(t, first.Height, second.Height)
	assert.Equal(t, first.Pixels, second.Pixels)
}

func TestClipRegistryFailureSurfaces(t *testing.T) {
	reg := newFakeRegistry()
	reg.err = eris.New("store down")
	c := NewClipper(newTestSource(t), reg)

	_, _, err := c.Clip(context.Background(), rectPlot(6, 102.2, 195.5, 104.8, 197.5))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store down")
}

func TestCheckCRS(t *testing.T) {
	utm := model.CRS{EPSG: 32612, Projected: true}
	wgs := model.CRS{EPSG: 4326}

	assert.NoError(t, CheckCRS(utm, utm))
	assert.NoError(t, CheckCRS(utm, model.CRS{}))
	assert.NoError(t, CheckCRS(model.CRS{Citation: "WGS 84"}, wgs))

	err := CheckCRS(utm, wgs)
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrCRSMismatch))
}
