package raster

import (
	"math"

	"github.com/rotisserie/eris"
)

// Window is a pixel-space rectangle: columns [Col, Col+Width), rows
// [Row, Row+Height).
type Window struct {
	Col    int
	Row    int
	Width  int
	Height int
}

// Empty reports a window with no pixels.
func (w Window) Empty() bool {
	return w.Width <= 0 || w.Height <= 0
}

// Intersect clamps w to o. The result may be empty.
func (w Window) Intersect(o Window) Window {
	col := max(w.Col, o.Col)
	row := max(w.Row, o.Row)
	right := min(w.Col+w.Width, o.Col+o.Width)
	bottom := min(w.Row+w.Height, o.Row+o.Height)
	return Window{Col: col, Row: row, Width: right - col, Height: bottom - row}
}

// WindowFromBounds maps a world-space bounding box to the smallest pixel
// window covering it. The transform must be rectilinear; rotated rasters are
// refused rather than approximated.
func WindowFromBounds(t Affine, minX, minY, maxX, maxY float64) (Window, error) {
	if t.Rotated() {
		return Window{}, eris.New("raster: rotated geotransform not supported")
	}
	if t[1] == 0 || t[5] == 0 {
		return Window{}, eris.New("raster: degenerate geotransform")
	}

	c0 := (minX - t[0]) / t[1]
	c1 := (maxX - t[0]) / t[1]
	r0 := (minY - t[3]) / t[5]
	r1 := (maxY - t[3]) / t[5]

	left := int(math.Floor(min(c0, c1)))
	right := int(math.Ceil(max(c0, c1)))
	top := int(math.Floor(min(r0, r1)))
	bottom := int(math.Ceil(max(r0, r1)))

	return Window{Col: left, Row: top, Width: right - left, Height: bottom - top}, nil
}
