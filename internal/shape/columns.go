package shape

import (
	"encoding/binary"
	"io"
	"os"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// columnMap holds resolved attribute column indexes; -1 means unmapped.
type columnMap struct {
	season     int
	experiment int
	plot       int
}

// mapColumns resolves the configured column names against the attribute
// table header. Missing columns are tolerated: the corresponding path
// segment is simply skipped for every plot.
func mapColumns(fields []shp.Field, opts Options) columnMap {
	names := make([]string, len(fields))
	index := make(map[string]int, len(fields))
	for i, f := range fields {
		name := strings.TrimRight(f.String(), "\x00")
		names[i] = name
		index[strings.ToLower(name)] = i
	}

	lookup := func(name string) int {
		lower := strings.ToLower(name)
		if idx, ok := index[lower]; ok {
			return idx
		}
		// dBASE headers truncate names to ten characters.
		if len(lower) > 10 {
			if idx, ok := index[lower[:10]]; ok {
				return idx
			}
		}
		return -1
	}

	cols := columnMap{
		season:     lookup(opts.SeasonColumn),
		experiment: lookup(opts.ExperimentColumn),
	}
	if strings.EqualFold(opts.PlotColumn, PlotColumnAuto) {
		cols.plot = detectPlotColumn(names)
	} else {
		cols.plot = lookup(opts.PlotColumn)
	}

	if cols.plot < 0 {
		zap.L().Warn("shape: no plot name column, plots keep ordinal names",
			zap.String("wanted", opts.PlotColumn),
			zap.Strings("available", names),
		)
	}
	return cols
}

// detectPlotColumn guesses the plot name column from the table header.
// BrAPI exports call it observationUnitName; other tools use some
// variation of plot_name or plot_id, and a bare id column is the last
// resort. Returns -1 when nothing matches.
func detectPlotColumn(names []string) int {
	const brapiName = "observationunitname"
	for i, name := range names {
		lower := strings.ToLower(name)
		// Accept the truncated form a dBASE header stores.
		if lower == brapiName || (len(lower) >= 10 && strings.HasPrefix(brapiName, lower)) {
			return i
		}
	}
	for i, name := range names {
		lower := strings.ToLower(name)
		if strings.Contains(lower, "plot") &&
			(strings.Contains(lower, "name") || strings.Contains(lower, "id")) {
			return i
		}
	}
	for i, name := range names {
		if strings.EqualFold(name, "id") {
			return i
		}
	}
	return -1
}

// dbfRecordCount reads the record count from the dBASE table header.
// Bytes 4..8 of the header carry the count little-endian.
func dbfRecordCount(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, eris.Wrapf(err, "shape: open attribute table %s", path)
	}
	defer func() { _ = f.Close() }()

	var header [8]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		return 0, eris.Wrapf(err, "shape: read attribute table header %s", path)
	}
	return int(binary.LittleEndian.Uint32(header[4:8])), nil
}
