package model

// CRS is a coordinate reference system as declared by a raster or vector
// source. A zero CRS means the source declared nothing.
type CRS struct {
	EPSG      int    `json:"epsg,omitempty"`
	Citation  string `json:"citation,omitempty"`
	Projected bool   `json:"projected,omitempty"`
}

// Declared reports whether the source carried any reference system at all.
func (c CRS) Declared() bool {
	return c.EPSG != 0 || c.Citation != ""
}
