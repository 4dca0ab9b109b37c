// Package shape loads plot boundary polygons and their naming attributes
// from ESRI shapefiles.
package shape

import (
	"os"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"

	"github.com/fieldvision/plotclip/internal/model"
)

// ErrAttributeGeometryMismatch flags an attribute table whose record count
// differs from the geometry count. The mapping from plot to attributes is
// positional, so a mismatch poisons every plot after the divergence.
var ErrAttributeGeometryMismatch = eris.New("shape: attribute record count does not match geometry count")

// Options select which attribute columns feed the output hierarchy.
// Column matching is case-insensitive. PlotColumn accepts the special
// value "auto" to detect the plot name column from the table header.
type Options struct {
	SeasonColumn     string `json:"season_column"`
	ExperimentColumn string `json:"experiment_column"`
	PlotColumn       string `json:"plot_column"`
}

// PlotColumnAuto asks ReadPlots to detect the plot name column instead of
// matching a fixed name.
const PlotColumnAuto = "auto"

func (o Options) withDefaults() Options {
	if o.SeasonColumn == "" {
		o.SeasonColumn = "season_name"
	}
	if o.ExperimentColumn == "" {
		o.ExperimentColumn = "experiment_name"
	}
	if o.PlotColumn == "" {
		o.PlotColumn = "plot_name"
	}
	return o
}

// PlotSet is everything read from one vector source: the plots in record
// order and the declared coordinate reference system, if any.
type PlotSet struct {
	Plots         []model.Plot
	CRS           model.CRS
	HasAttributes bool
}

// ReadPlots loads every polygon record from the shapefile at path. Plots
// keep their 1-based record order. Attributes come from the .dbf sidecar
// when present; without one every plot falls back to its ordinal name.
func ReadPlots(path string, opts Options) (*PlotSet, error) {
	opts = opts.withDefaults()

	reader, err := shp.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "shape: open %s", path)
	}
	defer func() { _ = reader.Close() }()

	set := &PlotSet{CRS: readProjection(path)}

	// Attribute APIs on the reader require the sidecar; probing it up
	// front keeps a bare .shp usable.
	cols := columnMap{}
	dbfPath, hasDBF := sidecar(path, ".dbf")
	if hasDBF {
		set.HasAttributes = true
		cols = mapColumns(reader.Fields(), opts)
	} else {
		zap.L().Info("shape: no attribute table, plots keep ordinal names",
			zap.String("path", path),
		)
	}

	srid := set.CRS.EPSG
	for reader.Next() {
		n, s := reader.Shape()
		plot := model.Plot{Ordinal: n + 1}

		switch shape := s.(type) {
		case *shp.Polygon:
			plot.Geometry = polygonToMultiPolygon(shape, srid)
		case *shp.Null, nil:
			// Deleted record. Keep the ordinal so positions stay stable.
		default:
			return nil, eris.Errorf("shape: record %d is %T, polygons required", n+1, s)
		}
		if plot.Geometry == nil {
			zap.L().Debug("shape: record has no usable polygon", zap.Int("ordinal", n+1))
		}

		if hasDBF {
			plot.Attrs = model.PlotAttributes{
				SeasonName:     readField(reader, cols.season),
				ExperimentName: readField(reader, cols.experiment),
				PlotName:       readField(reader, cols.plot),
			}
		}

		set.Plots = append(set.Plots, plot)
	}

	if hasDBF {
		records, cntErr := dbfRecordCount(dbfPath)
		if cntErr != nil {
			return nil, cntErr
		}
		if records != len(set.Plots) {
			return nil, eris.Wrapf(ErrAttributeGeometryMismatch,
				"%d attribute records for %d geometries in %s", records, len(set.Plots), path)
		}
	}

	return set, nil
}

// readField returns the trimmed attribute value of the current record, or
// nil when the column is unmapped or the cell is blank.
func readField(reader *shp.Reader, idx int) *string {
	if idx < 0 {
		return nil
	}
	val := strings.TrimRight(reader.Attribute(idx), "\x00")
	val = strings.TrimSpace(val)
	if val == "" {
		return nil
	}
	return &val
}

// sidecar resolves a companion file next to the .shp, trying the given
// extension in lower then upper case.
func sidecar(shpPath, ext string) (string, bool) {
	base := strings.TrimSuffix(shpPath, ".shp")
	base = strings.TrimSuffix(base, ".SHP")
	for _, candidate := range []string{base + ext, base + strings.ToUpper(ext)} {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, true
		}
	}
	return "", false
}

// polygonToMultiPolygon converts a shapefile polygon record to a
// geom.MultiPolygon. Shapefile polygons carry all rings of all parts in
// one flat point array indexed by Parts offsets.
func polygonToMultiPolygon(p *shp.Polygon, srid int) *geom.MultiPolygon {
	if p == nil || p.NumParts == 0 || len(p.Points) == 0 {
		return nil
	}

	mp := geom.NewMultiPolygon(geom.XY)
	if srid > 0 {
		mp.SetSRID(srid)
	}

	for i := int32(0); i < p.NumParts; i++ {
		start := p.Parts[i]
		var end int32
		if i+1 < p.NumParts {
			end = p.Parts[i+1]
		} else {
			end = int32(len(p.Points))
		}

		flat := make([]float64, 0, (end-start)*2)
		for j := start; j < end; j++ {
			flat = append(flat, p.Points[j].X, p.Points[j].Y)
		}

		ring := geom.NewLinearRingFlat(geom.XY, flat)
		poly := geom.NewPolygon(geom.XY)
		if err := poly.Push(ring); err != nil {
			zap.L().Debug("shape: skipping malformed polygon ring", zap.Int32("part", i), zap.Error(err))
			continue
		}
		if err := mp.Push(poly); err != nil {
			zap.L().Debug("shape: skipping malformed polygon part", zap.Int32("part", i), zap.Error(err))
			continue
		}
	}

	if mp.NumPolygons() == 0 {
		return nil
	}
	return mp
}
