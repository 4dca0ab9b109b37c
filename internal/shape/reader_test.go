package shape

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const utmWKT = `PROJCS["WGS 84 / UTM zone 12N",GEOGCS["WGS 84",DATUM["WGS_1984",SPHEROID["WGS 84",6378137,298.257223563,AUTHORITY["EPSG","7030"]],AUTHORITY["EPSG","6326"]],PRIMEM["Greenwich",0,AUTHORITY["EPSG","8901"]],UNIT["degree",0.0174532925199433,AUTHORITY["EPSG","9122"]],AUTHORITY["EPSG","4326"]],PROJECTION["Transverse_Mercator"],PARAMETER["latitude_of_origin",0],PARAMETER["central_meridian",-111],PARAMETER["scale_factor",0.9996],PARAMETER["false_easting",500000],PARAMETER["false_northing",0],UNIT["metre",1,AUTHORITY["EPSG","9001"]],AUTHORITY["EPSG","32612"]]`

func makeSquare(x, y, size float64) *shp.Polygon {
	pts := []shp.Point{
		{X: x, Y: y},
		{X: x, Y: y + size},
		{X: x + size, Y: y + size},
		{X: x + size, Y: y},
		{X: x, Y: y},
	}
	return &shp.Polygon{
		Box:       shp.Box{MinX: x, MinY: y, MaxX: x + size, MaxY: y + size},
		NumParts:  1,
		NumPoints: int32(len(pts)),
		Parts:     []int32{0},
		Points:    pts,
	}
}

// writeShapefile builds a polygon shapefile fixture with one square per
// attribute row.
func writeShapefile(t *testing.T, path string, fieldNames []string, rows [][]string) {
	t.Helper()

	w, err := shp.Create(path, shp.POLYGON)
	require.NoError(t, err)

	fields := make([]shp.Field, len(fieldNames))
	for i, name := range fieldNames {
		fields[i] = shp.StringField(name, 30)
	}
	w.SetFields(fields)

	for n, row := range rows {
		w.Write(makeSquare(float64(n)*10, 0, 5))
		for f, val := range row {
			w.WriteAttribute(n, f, val)
		}
	}
	w.Close()
}

func TestReadPlotsWithAttributes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plots.shp")
	writeShapefile(t, path,
		[]string{"season_nam", "experiment", "plot_name"},
		[][]string{
			{"2020-wheat", "yield trial", "A-01"},
			{"2020-wheat", "yield trial", "A-02"},
		},
	)

	set, err := ReadPlots(path, Options{})
	require.NoError(t, err)
	require.Len(t, set.Plots, 2)
	assert.True(t, set.HasAttributes)

	first := set.Plots[0]
	assert.Equal(t, 1, first.Ordinal)
	require.NotNil(t, first.Attrs.SeasonName)
	assert.Equal(t, "2020-wheat", *first.Attrs.SeasonName)
	require.NotNil(t, first.Attrs.ExperimentName)
	assert.Equal(t, "yield trial", *first.Attrs.ExperimentName)
	require.NotNil(t, first.Attrs.PlotName)
	assert.Equal(t, "A-01", *first.Attrs.PlotName)
	assert.Equal(t, "A-01", first.Identity())

	second := set.Plots[1]
	assert.Equal(t, 2, second.Ordinal)
	require.NotNil(t, second.Attrs.PlotName)
	assert.Equal(t, "A-02", *second.Attrs.PlotName)

	require.NotNil(t, first.Geometry)
	b := first.Geometry.Bounds()
	assert.InDelta(t, 0.0, b.Min(0), 1e-9)
	assert.InDelta(t, 5.0, b.Max(0), 1e-9)
	assert.InDelta(t, 0.0, b.Min(1), 1e-9)
	assert.InDelta(t, 5.0, b.Max(1), 1e-9)
}

func TestReadPlotsWithoutAttributeTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plots.shp")
	writeShapefile(t, path,
		[]string{"plot_name"},
		[][]string{{"A-01"}, {"A-02"}, {"A-03"}},
	)
	require.NoError(t, os.Remove(strings.TrimSuffix(path, ".shp")+".dbf"))

	set, err := ReadPlots(path, Options{})
	require.NoError(t, err)
	assert.False(t, set.HasAttributes)
	require.Len(t, set.Plots, 3)

	for i, plot := range set.Plots {
		assert.Equal(t, i+1, plot.Ordinal)
		assert.Nil(t, plot.Attrs.PlotName)
		assert.Nil(t, plot.Attrs.SeasonName)
		assert.Nil(t, plot.Attrs.ExperimentName)
		assert.NotNil(t, plot.Geometry)
	}
	assert.Equal(t, "2", set.Plots[1].Identity())
}

func TestReadPlotsBlankAndMissingColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plots.shp")
	writeShapefile(t, path,
		[]string{"plot_name"},
		[][]string{{"   "}, {"B-07"}},
	)

	set, err := ReadPlots(path, Options{})
	require.NoError(t, err)
	require.Len(t, set.Plots, 2)

	// Blank cells and absent columns both leave the segment unset.
	assert.Nil(t, set.Plots[0].Attrs.PlotName)
	assert.Nil(t, set.Plots[0].Attrs.SeasonName)
	assert.Equal(t, "1", set.Plots[0].Identity())

	require.NotNil(t, set.Plots[1].Attrs.PlotName)
	assert.Equal(t, "B-07", *set.Plots[1].Attrs.PlotName)
}

func TestReadPlotsAutoDetectsPlotColumn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plots.shp")
	writeShapefile(t, path,
		[]string{"season_nam", "plot_id"},
		[][]string{{"2021", "101"}, {"2021", "102"}},
	)

	set, err := ReadPlots(path, Options{PlotColumn: PlotColumnAuto})
	require.NoError(t, err)
	require.Len(t, set.Plots, 2)
	require.NotNil(t, set.Plots[0].Attrs.PlotName)
	assert.Equal(t, "101", *set.Plots[0].Attrs.PlotName)
	assert.Equal(t, "102", set.Plots[1].Identity())
}

func TestReadPlotsRecordCountMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plots.shp")
	writeShapefile(t, path,
		[]string{"plot_name"},
		[][]string{{"A-01"}, {"A-02"}},
	)

	// Forge the dBASE record count so it disagrees with the geometry count.
	dbfPath := strings.TrimSuffix(path, ".shp") + ".dbf"
	data, err := os.ReadFile(dbfPath)
	require.NoError(t, err)
	binary.LittleEndian.PutUint32(data[4:8], 3)
	require.NoError(t, os.WriteFile(dbfPath, data, 0o644))

	_, err = ReadPlots(path, Options{})
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrAttributeGeometryMismatch))
}

func TestReadPlotsRejectsNonPolygonShapes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "points.shp")
	w, err := shp.Create(path, shp.POINT)
	require.NoError(t, err)
	w.SetFields([]shp.Field{shp.StringField("plot_name", 10)})
	w.Write(&shp.Point{X: 1, Y: 2})
	w.WriteAttribute(0, 0, "A-01")
	w.Close()

	_, err = ReadPlots(path, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "polygons required")
}

func TestReadPlotsMissingFile(t *testing.T) {
	_, err := ReadPlots(filepath.Join(t.TempDir(), "absent.shp"), Options{})
	require.Error(t, err)
}

func TestReadPlotsReadsProjectionSidecar(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plots.shp")
	writeShapefile(t, path,
		[]string{"plot_name"},
		[][]string{{"A-01"}},
	)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plots.prj"), []byte(utmWKT), 0o644))

	set, err := ReadPlots(path, Options{})
	require.NoError(t, err)
	assert.Equal(t, 32612, set.CRS.EPSG)
	assert.True(t, set.CRS.Projected)
	assert.Equal(t, "WGS 84 / UTM zone 12N", set.CRS.Citation)
	require.NotNil(t, set.Plots[0].Geometry)
	assert.Equal(t, 32612, set.Plots[0].Geometry.SRID())
}

func TestPolygonToMultiPolygonEmpty(t *testing.T) {
	assert.Nil(t, polygonToMultiPolygon(nil, 0))
	assert.Nil(t, polygonToMultiPolygon(&shp.Polygon{}, 0))
}

func TestPolygonToMultiPolygonMultiPart(t *testing.T) {
	poly := &shp.Polygon{
		NumParts: 2,
		Parts:    []int32{0, 5},
		Points: []shp.Point{
			{X: 0, Y: 0},
			{X: 0, Y: 1},
			{X: 1, Y: 1},
			{X: 1, Y: 0},
			{X: 0, Y: 0},
			{X: 5, Y: 5},
			{X: 5, Y: 7},
			{X: 7, Y: 7},
			{X: 7, Y: 5},
			{X: 5, Y: 5},
		},
	}

	mp := polygonToMultiPolygon(poly, 0)
	require.NotNil(t, mp)
	assert.Equal(t, 2, mp.NumPolygons())

	b := mp.Bounds()
	assert.InDelta(t, 0.0, b.Min(0), 1e-9)
	assert.InDelta(t, 7.0, b.Max(0), 1e-9)
}
