package naming

import (
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveDateFromName(t *testing.T) {
	d, err := ResolveDate("maize - 2020-05-10 - north.tif")
	require.NoError(t, err)
	assert.Equal(t, "2020-05-10", d.String())
}

func TestResolveDateFirstTokenWins(t *testing.T) {
	d, err := ResolveDate("2019-01-03 - reflight of 2020-05-10.tif")
	require.NoError(t, err)
	assert.Equal(t, "2019-01-03", d.String())
}

func TestResolveDateTrailingToken(t *testing.T) {
	d, err := ResolveDate("/data/flights/maricopa south - 2020-05-10.tif")
	require.NoError(t, err)
	assert.Equal(t, "2020-05-10", d.String())
}

func TestResolveDateWithoutExtension(t *testing.T) {
	d, err := ResolveDate("sorghum pilot - 2020-05-10 - RGB GeoTIFFs")
	require.NoError(t, err)
	assert.Equal(t, "2020-05-10", d.String())
}

func TestResolveDateDefaultsToToday(t *testing.T) {
	now := time.Date(2021, time.July, 4, 15, 30, 0, 0, time.Local)
	d, err := resolveDateAt("scan_20200510.tif", now)
	require.NoError(t, err)
	assert.Equal(t, "2021-07-04", d.String())
}

func TestResolveDateIgnoresLooseDateShapes(t *testing.T) {
	// Only whole parts in fixed YYYY-MM-DD form count. Day-first, slashed,
	// timestamped and undelimited variants all fall through to the default.
	now := time.Date(2021, time.July, 4, 9, 0, 0, 0, time.Local)
	names := []string{
		"maize - 10-05-2020 - north.tif",
		"maize - 2020/05/10 - north.tif",
		"maize - 2020-05-10T120102 - north.tif",
		"maize-2020-05-10-north.tif",
		"maize - 2020-5-1 - north.tif",
	}
	for _, name := range names {
		d, err := resolveDateAt(name, now)
		require.NoError(t, err, name)
		assert.Equal(t, "2021-07-04", d.String(), name)
	}
}

func TestResolveDateRejectsImpossibleCalendarDates(t *testing.T) {
	for _, name := range []string{
		"maize - 2020-13-40 - north.tif",
		"maize - 2021-02-30 - north.tif",
		"maize - 2020-00-01 - north.tif",
	} {
		_, err := ResolveDate(name)
		require.Error(t, err, name)
		assert.True(t, eris.Is(err, ErrInvalidDateFormat), name)
	}
}
