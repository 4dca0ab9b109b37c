package raster

import (
	"encoding/binary"
	"math"

	"github.com/fieldvision/plotclip/internal/model"
)

// DataType enumerates the pixel sample types carried through the clip path.
type DataType int

const (
	Uint8 DataType = iota
	Int16
	Uint16
	Int32
	Uint32
	Float32
	Float64
)

// Size returns the sample width in bytes.
func (dt DataType) Size() int {
	switch dt {
	case Uint8:
		return 1
	case Int16, Uint16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	default:
		return 8
	}
}

func (dt DataType) String() string {
	switch dt {
	case Uint8:
		return "uint8"
	case Int16:
		return "int16"
	case Uint16:
		return "uint16"
	case Int32:
		return "int32"
	case Uint32:
		return "uint32"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	default:
		return "unknown"
	}
}

// Affine is a GDAL-ordered geotransform. World coordinates of the pixel
// (px, py), measured from the raster's upper-left corner:
//
//	x = a[0] + px*a[1] + py*a[2]
//	y = a[3] + px*a[4] + py*a[5]
type Affine [6]float64

// Apply maps pixel space to world space.
func (a Affine) Apply(px, py float64) (x, y float64) {
	return a[0] + px*a[1] + py*a[2], a[3] + px*a[4] + py*a[5]
}

// Rotated reports a transform with shear terms; window math refuses those.
func (a Affine) Rotated() bool {
	return a[2] != 0 || a[4] != 0
}

// Translate rebases the transform so pixel (0,0) lands on the given source
// pixel. Used when cropping a window out of a larger raster.
func (a Affine) Translate(col, row int) Affine {
	ox, oy := a.Apply(float64(col), float64(row))
	return Affine{ox, a[1], a[2], oy, a[4], a[5]}
}

// Info describes a raster source without its pixels.
type Info struct {
	Width     int
	Height    int
	Bands     int
	DType     DataType
	Transform Affine
	CRS       model.CRS
	NoData    *float64
}

// Size returns the full pixel footprint of the source.
func (i Info) Size() model.GridSize {
	return model.GridSize{Width: i.Width, Height: i.Height}
}

// Raster is an in-memory pixel grid. Samples are pixel-interleaved and
// little-endian: sample (band, col, row) lives at
// ((row*Width+col)*Bands + band) * DType.Size().
type Raster struct {
	Width     int
	Height    int
	Bands     int
	DType     DataType
	Transform Affine
	CRS       model.CRS
	NoData    *float64
	Pixels    []byte
}

// New allocates a zero-filled raster with the given shape.
func New(info Info, width, height int) *Raster {
	r := &Raster{
		Width:     width,
		Height:    height,
		Bands:     info.Bands,
		DType:     info.DType,
		Transform: info.Transform,
		CRS:       info.CRS,
	}
	if info.NoData != nil {
		nd := *info.NoData
		r.NoData = &nd
	}
	r.Pixels = make([]byte, width*height*r.Bands*r.DType.Size())
	return r
}

// Info returns the raster's own description.
func (r *Raster) Info() Info {
	return Info{
		Width:     r.Width,
		Height:    r.Height,
		Bands:     r.Bands,
		DType:     r.DType,
		Transform: r.Transform,
		CRS:       r.CRS,
		NoData:    r.NoData,
	}
}

func (r *Raster) sampleOffset(band, col, row int) int {
	return ((row*r.Width+col)*r.Bands + band) * r.DType.Size()
}

// Sample decodes one sample as float64.
func (r *Raster) Sample(band, col, row int) float64 {
	return decodeSample(r.DType, r.Pixels[r.sampleOffset(band, col, row):])
}

// SetSample encodes v at the given sample position.
func (r *Raster) SetSample(band, col, row int, v float64) {
	encodeSample(r.DType, r.Pixels[r.sampleOffset(band, col, row):], v)
}

// Crop copies the window's samples, all bands, into a standalone raster with
// a rebased geotransform. The window must lie inside the raster.
func (r *Raster) Crop(w Window) *Raster {
	out := New(r.Info(), w.Width, w.Height)
	out.Transform = r.Transform.Translate(w.Col, w.Row)

	pix := r.Bands * r.DType.Size()
	srcStride := r.Width * pix
	dstStride := w.Width * pix
	for y := 0; y < w.Height; y++ {
		src := (w.Row+y)*srcStride + w.Col*pix
		copy(out.Pixels[y*dstStride:(y+1)*dstStride], r.Pixels[src:src+dstStride])
	}
	return out
}

// Reconcile pads or crops the raster to the canonical size, anchored at the
// upper-left pixel. Padding is filled with the nodata value when one exists,
// zero otherwise. The geotransform keeps the same origin either way.
func (r *Raster) Reconcile(size model.GridSize) *Raster {
	if size.Width == r.Width && size.Height == r.Height {
		return r
	}
	out := New(r.Info(), size.Width, size.Height)
	out.Transform = r.Transform

	if r.NoData != nil && *r.NoData != 0 {
		fillSamples(out.Pixels, r.DType, *r.NoData)
	}

	pix := r.Bands * r.DType.Size()
	copyW := min(r.Width, size.Width)
	copyH := min(r.Height, size.Height)
	srcStride := r.Width * pix
	dstStride := size.Width * pix
	for y := 0; y < copyH; y++ {
		copy(out.Pixels[y*dstStride:y*dstStride+copyW*pix], r.Pixels[y*srcStride:y*srcStride+copyW*pix])
	}
	return out
}

func fillSamples(buf []byte, dt DataType, v float64) {
	sz := dt.Size()
	encodeSample(dt, buf[:sz], v)
	for off := sz; off < len(buf); off *= 2 {
		copy(buf[off:], buf[:off])
	}
}

func decodeSample(dt DataType, b []byte) float64 {
	switch dt {
	case Uint8:
		return float64(b[0])
	case Int16:
		return float64(int16(binary.LittleEndian.Uint16(b)))
	case Uint16:
		return float64(binary.LittleEndian.Uint16(b))
	case Int32:
		return float64(int32(binary.LittleEndian.Uint32(b)))
	case Uint32:
		return float64(binary.LittleEndian.Uint32(b))
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	default:
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	}
}

func encodeSample(dt DataType, b []byte, v float64) {
	switch dt {
	case Uint8:
		b[0] = byte(v)
	case Int16:
		binary.LittleEndian.PutUint16(b, uint16(int16(v)))
	case Uint16:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case Int32:
		binary.LittleEndian.PutUint32(b, uint32(int32(v)))
	case Uint32:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case Float32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
	default:
		binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	}
}
