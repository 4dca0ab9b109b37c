package raster

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/fieldvision/plotclip/internal/model"
)

// Stats computes per-band min/max/mean/stddev over valid samples. Nodata and
// NaN samples are excluded; a band with no valid samples reports zeros.
func (r *Raster) Stats() []model.BandStats {
	out := make([]model.BandStats, r.Bands)
	vals := make([]float64, 0, r.Width*r.Height)

	for b := 0; b < r.Bands; b++ {
		vals = vals[:0]
		lo, hi := math.Inf(1), math.Inf(-1)
		for row := 0; row < r.Height; row++ {
			for col := 0; col < r.Width; col++ {
				v := r.Sample(b, col, row)
				if math.IsNaN(v) || (r.NoData != nil && v == *r.NoData) {
					continue
				}
				if v < lo {
					lo = v
				}
				if v > hi {
					hi = v
				}
				vals = append(vals, v)
			}
		}

		bs := model.BandStats{Band: b + 1, Valid: len(vals)}
		if len(vals) > 0 {
			bs.Min = lo
			bs.Max = hi
			bs.Mean = stat.Mean(vals, nil)
			if len(vals) > 1 {
				bs.StdDev = stat.StdDev(vals, nil)
			}
		}
		out[b] = bs
	}
	return out
}
