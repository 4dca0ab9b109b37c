package raster

import "github.com/rotisserie/eris"

// Source is a raster that can serve pixel windows on demand. File-backed
// sources decode only the strips or tiles a window touches, so a plot clip
// never loads the whole orthomosaic.
type Source interface {
	Info() Info
	ReadWindow(w Window) (*Raster, error)
}

// MemSource serves windows from an in-memory raster.
type MemSource struct {
	r *Raster
}

// NewMemSource wraps an in-memory raster as a Source.
func NewMemSource(r *Raster) *MemSource {
	return &MemSource{r: r}
}

func (m *MemSource) Info() Info {
	return m.r.Info()
}

func (m *MemSource) ReadWindow(w Window) (*Raster, error) {
	bounds := Window{Width: m.r.Width, Height: m.r.Height}
	if w.Intersect(bounds) != w {
		return nil, eris.Errorf("raster: window %+v outside raster %dx%d", w, m.r.Width, m.r.Height)
	}
	return m.r.Crop(w), nil
}
