package shape

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jonas-p/go-shp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fieldList(names ...string) []shp.Field {
	fields := make([]shp.Field, len(names))
	for i, name := range names {
		fields[i] = shp.StringField(name, 30)
	}
	return fields
}

func TestDetectPlotColumn(t *testing.T) {
	tests := []struct {
		name string
		cols []string
		want int
	}{
		{"brapi full name", []string{"season", "observationUnitName"}, 1},
		{"brapi truncated", []string{"observatio", "plot_id"}, 0},
		{"plot name variant", []string{"season", "PlotName"}, 1},
		{"plot id variant", []string{"season", "plot_id"}, 1},
		{"bare id fallback", []string{"season", "ID"}, 1},
		{"plot without name or id ignored", []string{"plot", "row"}, -1},
		{"nothing matches", []string{"season", "yield"}, -1},
		{"brapi wins over plot_id", []string{"plot_id", "observationUnitName"}, 1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, detectPlotColumn(tc.cols))
		})
	}
}

func TestMapColumnsExact(t *testing.T) {
	fields := fieldList("season_nam", "experiment", "plot_name")
	cols := mapColumns(fields, Options{}.withDefaults())

	assert.Equal(t, 0, cols.season)
	assert.Equal(t, 1, cols.experiment)
	assert.Equal(t, 2, cols.plot)
}

func TestMapColumnsTruncatedHeader(t *testing.T) {
	// Configured names longer than ten characters still match the
	// truncated form stored in the table header.
	fields := fieldList("experiment")
	cols := mapColumns(fields, Options{
		SeasonColumn:     "season_name",
		ExperimentColumn: "experiment_name",
		PlotColumn:       "plot_name",
	})

	assert.Equal(t, -1, cols.season)
	assert.Equal(t, 0, cols.experiment)
	assert.Equal(t, -1, cols.plot)
}

func TestMapColumnsCaseInsensitive(t *testing.T) {
	fields := fieldList("Plot_Name")
	cols := mapColumns(fields, Options{}.withDefaults())
	assert.Equal(t, 0, cols.plot)
}

func TestMapColumnsAuto(t *testing.T) {
	fields := fieldList("season_nam", "plot_id")
	opts := Options{PlotColumn: PlotColumnAuto}.withDefaults()
	cols := mapColumns(fields, opts)
	assert.Equal(t, 1, cols.plot)
}

func TestDBFRecordCount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.dbf")
	header := make([]byte, 32)
	header[0] = 0x03
	header[4] = 42 // record count, little-endian
	require.NoError(t, os.WriteFile(path, header, 0o644))

	count, err := dbfRecordCount(path)
	require.NoError(t, err)
	assert.Equal(t, 42, count)
}

func TestDBFRecordCountMissingFile(t *testing.T) {
	_, err := dbfRecordCount(filepath.Join(t.TempDir(), "absent.dbf"))
	require.Error(t, err)
}
