package model

import (
	"strconv"

	"github.com/twpayne/go-geom"
)

// PlotStatus tracks a plot through a clip run.
type PlotStatus string

const (
	PlotStatusPending PlotStatus = "pending"
	PlotStatusClipped PlotStatus = "clipped"
	PlotStatusWritten PlotStatus = "written"
	PlotStatusSkipped PlotStatus = "skipped"
	PlotStatusFailed  PlotStatus = "failed"
)

// PlotAttributes holds the optional naming fields from the attribute table.
// A nil field means the column was absent or the value blank for that row.
type PlotAttributes struct {
	SeasonName     *string `json:"season_name,omitempty"`
	ExperimentName *string `json:"experiment_name,omitempty"`
	PlotName       *string `json:"plot_name,omitempty"`
}

// Plot is one polygon from the vector source.
type Plot struct {
	Ordinal  int // 1-based position in the vector source
	Geometry *geom.MultiPolygon
	Attrs    PlotAttributes
}

// Identity is the stable key for pixel-grid bookkeeping: the plot name when
// present, otherwise the stringified ordinal. Never derived from the date.
func (p Plot) Identity() string {
	if p.Attrs.PlotName != nil && *p.Attrs.PlotName != "" {
		return *p.Attrs.PlotName
	}
	return strconv.Itoa(p.Ordinal)
}

// BandStats summarizes one band of a written clip, nodata excluded.
type BandStats struct {
	Band   int     `json:"band"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Valid  int     `json:"valid_pixels"`
}

// ClipResult records the terminal state of one plot within a run.
type ClipResult struct {
	RunID    string      `json:"run_id,omitempty"`
	Ordinal  int         `json:"ordinal"`
	Identity string      `json:"identity"`
	Path     string      `json:"path,omitempty"`
	Width    int         `json:"width,omitempty"`
	Height   int         `json:"height,omitempty"`
	Status   PlotStatus  `json:"status"`
	Reason   string      `json:"reason,omitempty"`
	Resized  bool        `json:"resized,omitempty"`
	Bytes    int64       `json:"bytes,omitempty"`
	Duration int64       `json:"duration_ms"`
	Bands    []BandStats `json:"bands,omitempty"`
}
