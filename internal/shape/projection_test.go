package shape

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseWKTProjected(t *testing.T) {
	crs := parseWKT(utmWKT)

	assert.Equal(t, 32612, crs.EPSG)
	assert.True(t, crs.Projected)
	assert.Equal(t, "WGS 84 / UTM zone 12N", crs.Citation)
	assert.True(t, crs.Declared())
}

func TestParseWKTGeographic(t *testing.T) {
	wkt := `GEOGCS["WGS 84",DATUM["WGS_1984",SPHEROID["WGS 84",6378137,298.257223563,AUTHORITY["EPSG","7030"]],AUTHORITY["EPSG","6326"]],PRIMEM["Greenwich",0,AUTHORITY["EPSG","8901"]],UNIT["degree",0.0174532925199433,AUTHORITY["EPSG","9122"]],AUTHORITY["EPSG","4326"]]`
	crs := parseWKT(wkt)

	assert.Equal(t, 4326, crs.EPSG)
	assert.False(t, crs.Projected)
	assert.Equal(t, "WGS 84", crs.Citation)
}

func TestParseWKTWithoutAuthority(t *testing.T) {
	crs := parseWKT(`PROJCS["Local Grid",GEOGCS["Custom",DATUM["Custom",SPHEROID["s",6378137,298]]]]`)

	assert.Equal(t, 0, crs.EPSG)
	assert.True(t, crs.Projected)
	assert.Equal(t, "Local Grid", crs.Citation)
	assert.True(t, crs.Declared())
}

func TestParseWKTGarbage(t *testing.T) {
	crs := parseWKT("not well-known text at all")
	assert.False(t, crs.Declared())
}

func TestReadProjectionMissingSidecar(t *testing.T) {
	crs := readProjection(filepath.Join(t.TempDir(), "plots.shp"))
	assert.False(t, crs.Declared())
}
