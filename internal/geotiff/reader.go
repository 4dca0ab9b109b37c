package geotiff

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/fieldvision/plotclip/internal/model"
	"github.com/fieldvision/plotclip/internal/raster"
)

// File is an open GeoTIFF. ReadWindow decodes only the strips or tiles the
// window touches, so clipping plots out of a large orthomosaic never pulls
// the whole image into memory. Safe for concurrent window reads.
type File struct {
	r         io.ReaderAt
	closer    io.Closer
	order     binary.ByteOrder
	bigEndian bool

	info raster.Info

	compression  uint16
	predictor    uint16
	tiled        bool
	tileWidth    int
	tileHeight   int
	rowsPerStrip int
	offsets      []int64
	counts       []int64
}

// Open parses the header and first image directory of the GeoTIFF at path.
// Later directories (overviews) are ignored.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "geotiff: open %s", path)
	}
	tf, err := newFile(f)
	if err != nil {
		_ = f.Close()
		return nil, eris.Wrapf(err, "geotiff: parse %s", path)
	}
	tf.closer = f
	return tf, nil
}

// ReadFile decodes the entire raster at path.
func ReadFile(path string) (*raster.Raster, error) {
	f, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return f.ReadWindow(raster.Window{Width: f.info.Width, Height: f.info.Height})
}

// Close releases the underlying file.
func (f *File) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer.Close()
}

// Info describes the raster without decoding pixels.
func (f *File) Info() raster.Info {
	info := f.info
	if f.info.NoData != nil {
		nd := *f.info.NoData
		info.NoData = &nd
	}
	return info
}

func newFile(r io.ReaderAt) (*File, error) {
	hdr := make([]byte, 8)
	if _, err := r.ReadAt(hdr, 0); err != nil {
		return nil, eris.Wrap(err, "read header")
	}

	f := &File{r: r}
	switch string(hdr[:2]) {
	case "II":
		f.order = binary.LittleEndian
	case "MM":
		f.order = binary.BigEndian
		f.bigEndian = true
	default:
		return nil, eris.New("not a TIFF file")
	}

	switch magic := f.order.Uint16(hdr[2:4]); magic {
	case 42:
	case 43:
		return nil, eris.New("BigTIFF is not supported")
	default:
		return nil, eris.Errorf("bad TIFF magic %d", magic)
	}

	dir, err := f.readIFD(int64(f.order.Uint32(hdr[4:8])))
	if err != nil {
		return nil, err
	}
	if err := f.parseImage(dir); err != nil {
		return nil, err
	}
	if err := f.parseLayout(dir); err != nil {
		return nil, err
	}
	if err := f.parseGeo(dir); err != nil {
		return nil, err
	}
	return f, nil
}

type ifdEntry struct {
	typ   uint16
	count uint32
	raw   [4]byte
}

func (f *File) readIFD(off int64) (map[uint16]ifdEntry, error) {
	cnt := make([]byte, 2)
	if _, err := f.r.ReadAt(cnt, off); err != nil {
		return nil, eris.Wrap(err, "read IFD count")
	}
	n := int(f.order.Uint16(cnt))
	buf := make([]byte, n*12)
	if _, err := f.r.ReadAt(buf, off+2); err != nil {
		return nil, eris.Wrap(err, "read IFD entries")
	}

	dir := make(map[uint16]ifdEntry, n)
	for i := 0; i < n; i++ {
		e := buf[i*12 : (i+1)*12]
		ent := ifdEntry{typ: f.order.Uint16(e[2:4]), count: f.order.Uint32(e[4:8])}
		copy(ent.raw[:], e[8:12])
		dir[f.order.Uint16(e[0:2])] = ent
	}
	return dir, nil
}

func (f *File) valueBytes(e ifdEntry) ([]byte, error) {
	sz := typeSize(e.typ)
	if sz == 0 {
		return nil, eris.Errorf("unsupported field type %d", e.typ)
	}
	total := int(e.count) * sz
	if total <= 4 {
		return e.raw[:total], nil
	}
	buf := make([]byte, total)
	if _, err := f.r.ReadAt(buf, int64(f.order.Uint32(e.raw[:4]))); err != nil {
		return nil, eris.Wrap(err, "read field value")
	}
	return buf, nil
}

func (f *File) uintValues(e ifdEntry) ([]uint64, error) {
	buf, err := f.valueBytes(e)
	if err != nil {
		return nil, err
	}
	out := make([]uint64, e.count)
	for i := range out {
		switch e.typ {
		case typeByte:
			out[i] = uint64(buf[i])
		case typeShort:
			out[i] = uint64(f.order.Uint16(buf[i*2:]))
		case typeLong:
			out[i] = uint64(f.order.Uint32(buf[i*4:]))
		default:
			return nil, eris.Errorf("field type %d is not integral", e.typ)
		}
	}
	return out, nil
}

func (f *File) doubleValues(e ifdEntry) ([]float64, error) {
	if e.typ != typeDouble {
		return nil, eris.Errorf("field type %d is not DOUBLE", e.typ)
	}
	buf, err := f.valueBytes(e)
	if err != nil {
		return nil, err
	}
	out := make([]float64, e.count)
	for i := range out {
		out[i] = math.Float64frombits(f.order.Uint64(buf[i*8:]))
	}
	return out, nil
}

func (f *File) asciiValue(e ifdEntry) (string, error) {
	if e.typ != typeASCII && e.typ != typeByte {
		return "", eris.Errorf("field type %d is not ASCII", e.typ)
	}
	buf, err := f.valueBytes(e)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(buf), "\x00"), nil
}

func (f *File) firstUint(dir map[uint16]ifdEntry, tag uint16, def uint64) (uint64, error) {
	e, ok := dir[tag]
	if !ok {
		return def, nil
	}
	vals, err := f.uintValues(e)
	if err != nil || len(vals) == 0 {
		return def, err
	}
	return vals[0], nil
}

func (f *File) parseImage(dir map[uint16]ifdEntry) error {
	width, err := f.firstUint(dir, tagImageWidth, 0)
	if err != nil {
		return err
	}
	height, err := f.firstUint(dir, tagImageLength, 0)
	if err != nil {
		return err
	}
	if width == 0 || height == 0 {
		return eris.New("missing image dimensions")
	}

	spp, err := f.firstUint(dir, tagSamplesPerPixel, 1)
	if err != nil {
		return err
	}

	bitsEntry, ok := dir[tagBitsPerSample]
	if !ok {
		return eris.New("1-bit images are not supported")
	}
	bits, err := f.uintValues(bitsEntry)
	if err != nil {
		return err
	}
	if len(bits) == 0 || !allEqual(bits) {
		return eris.New("mixed per-band bit depths are not supported")
	}

	format := []uint64{sampleFormatUint}
	if e, ok := dir[tagSampleFormat]; ok {
		if format, err = f.uintValues(e); err != nil {
			return err
		}
		if len(format) == 0 || !allEqual(format) {
			return eris.New("mixed per-band sample formats are not supported")
		}
	}

	dtype, err := dataTypeFor(bits[0], format[0])
	if err != nil {
		return err
	}

	comp, err := f.firstUint(dir, tagCompression, compressionNone)
	if err != nil {
		return err
	}
	switch comp {
	case compressionNone, compressionDeflate, compressionDeflateOld:
	default:
		return eris.Errorf("unsupported compression %d (only none and deflate)", comp)
	}

	pred, err := f.firstUint(dir, tagPredictor, 1)
	if err != nil {
		return err
	}
	switch pred {
	case 1:
	case 2:
		if dtype == raster.Float32 || dtype == raster.Float64 {
			return eris.New("horizontal predictor on float samples is not supported")
		}
	default:
		return eris.Errorf("unsupported predictor %d", pred)
	}

	planar, err := f.firstUint(dir, tagPlanarConfig, 1)
	if err != nil {
		return err
	}
	if planar != 1 && spp > 1 {
		return eris.New("planar (band-separate) layout is not supported")
	}

	f.info.Width = int(width)
	f.info.Height = int(height)
	f.info.Bands = int(spp)
	f.info.DType = dtype
	f.compression = uint16(comp)
	f.predictor = uint16(pred)
	return nil
}

func (f *File) parseLayout(dir map[uint16]ifdEntry) error {
	if _, ok := dir[tagTileWidth]; ok {
		tw, err := f.firstUint(dir, tagTileWidth, 0)
		if err != nil {
			return err
		}
		th, err := f.firstUint(dir, tagTileLength, 0)
		if err != nil {
			return err
		}
		if tw == 0 || th == 0 {
			return eris.New("bad tile dimensions")
		}
		offs, cnts, err := f.blockArrays(dir, tagTileOffsets, tagTileByteCounts)
		if err != nil {
			return err
		}
		across := (f.info.Width + int(tw) - 1) / int(tw)
		down := (f.info.Height + int(th) - 1) / int(th)
		if len(offs) < across*down {
			return eris.Errorf("tile table too short: %d offsets for %d tiles", len(offs), across*down)
		}
		f.tiled = true
		f.tileWidth = int(tw)
		f.tileHeight = int(th)
		f.offsets, f.counts = offs, cnts
		return nil
	}

	rps, err := f.firstUint(dir, tagRowsPerStrip, uint64(f.info.Height))
	if err != nil {
		return err
	}
	if rps == 0 || rps > uint64(f.info.Height) {
		rps = uint64(f.info.Height)
	}
	offs, cnts, err := f.blockArrays(dir, tagStripOffsets, tagStripByteCounts)
	if err != nil {
		return err
	}
	strips := (f.info.Height + int(rps) - 1) / int(rps)
	if len(offs) < strips {
		return eris.Errorf("strip table too short: %d offsets for %d strips", len(offs), strips)
	}
	f.rowsPerStrip = int(rps)
	f.offsets, f.counts = offs, cnts
	return nil
}

func (f *File) blockArrays(dir map[uint16]ifdEntry, offTag, cntTag uint16) ([]int64, []int64, error) {
	oe, ok := dir[offTag]
	if !ok {
		return nil, nil, eris.Errorf("missing tag %d", offTag)
	}
	ce, ok := dir[cntTag]
	if !ok {
		return nil, nil, eris.Errorf("missing tag %d", cntTag)
	}
	offs, err := f.uintValues(oe)
	if err != nil {
		return nil, nil, err
	}
	cnts, err := f.uintValues(ce)
	if err != nil {
		return nil, nil, err
	}
	if len(cnts) < len(offs) {
		return nil, nil, eris.New("byte count table shorter than offset table")
	}
	o := make([]int64, len(offs))
	c := make([]int64, len(offs))
	for i := range offs {
		o[i] = int64(offs[i])
		c[i] = int64(cnts[i])
	}
	return o, c, nil
}

func (f *File) parseGeo(dir map[uint16]ifdEntry) error {
	switch {
	case hasTag(dir, tagModelTransform):
		m, err := f.doubleValues(dir[tagModelTransform])
		if err != nil {
			return err
		}
		if len(m) < 8 {
			return eris.New("short ModelTransformation")
		}
		f.info.Transform = raster.Affine{m[3], m[0], m[1], m[7], m[4], m[5]}

	case hasTag(dir, tagModelPixelScale) && hasTag(dir, tagModelTiepoint):
		scale, err := f.doubleValues(dir[tagModelPixelScale])
		if err != nil {
			return err
		}
		tie, err := f.doubleValues(dir[tagModelTiepoint])
		if err != nil {
			return err
		}
		if len(scale) < 2 || len(tie) < 6 {
			return eris.New("short ModelPixelScale or ModelTiepoint")
		}
		// Tiepoint maps raster (i,j) onto world (x,y).
		i, j, x, y := tie[0], tie[1], tie[3], tie[4]
		f.info.Transform = raster.Affine{x - i*scale[0], scale[0], 0, y + j*scale[1], 0, -scale[1]}

	default:
		return eris.New("no georeferencing (ModelTransformation or ModelPixelScale+ModelTiepoint required)")
	}

	crs, err := f.parseCRS(dir)
	if err != nil {
		return err
	}
	f.info.CRS = crs

	if e, ok := dir[tagGDALNoData]; ok {
		s, err := f.asciiValue(e)
		if err == nil {
			if v, perr := strconv.ParseFloat(strings.TrimSpace(s), 64); perr == nil {
				f.info.NoData = &v
			}
		}
	}
	return nil
}

func (f *File) parseCRS(dir map[uint16]ifdEntry) (model.CRS, error) {
	e, ok := dir[tagGeoKeyDirectory]
	if !ok {
		return model.CRS{}, nil
	}
	keys, err := f.uintValues(e)
	if err != nil {
		return model.CRS{}, err
	}
	if len(keys) < 4 {
		return model.CRS{}, eris.New("short GeoKey directory")
	}

	var ascii string
	if ae, ok := dir[tagGeoASCIIParams]; ok {
		if ascii, err = f.asciiValue(ae); err != nil {
			return model.CRS{}, err
		}
	}

	var (
		modelType, geogCode, projCode uint64
		citations                     = map[uint64]string{}
	)
	numKeys := int(keys[3])
	for k := 0; k < numKeys; k++ {
		base := 4 + k*4
		if base+3 >= len(keys) {
			break
		}
		id, loc, count, val := keys[base], keys[base+1], keys[base+2], keys[base+3]
		switch id {
		case geoKeyModelType:
			if loc == 0 {
				modelType = val
			}
		case geoKeyGeographicType:
			if loc == 0 {
				geogCode = val
			}
		case geoKeyProjectedCS:
			if loc == 0 {
				projCode = val
			}
		case geoKeyCitation, geoKeyGeogCitation, geoKeyPCSCitation:
			if loc == tagGeoASCIIParams {
				citations[id] = asciiParam(ascii, int(val), int(count))
			}
		}
	}

	crs := model.CRS{Projected: modelType == modelTypeProjected}
	switch {
	case projCode != 0 && projCode != geoKeyUserDefined:
		crs.EPSG = int(projCode)
	case geogCode != 0 && geogCode != geoKeyUserDefined:
		crs.EPSG = int(geogCode)
	}
	for _, id := range []uint64{geoKeyCitation, geoKeyPCSCitation, geoKeyGeogCitation} {
		if c := citations[id]; c != "" {
			crs.Citation = c
			break
		}
	}
	return crs, nil
}

func asciiParam(params string, off, count int) string {
	if off < 0 || off >= len(params) {
		return ""
	}
	end := min(off+count, len(params))
	return strings.TrimRight(params[off:end], "|\x00")
}

// ReadWindow decodes the given pixel window, all bands, into an in-memory
// raster with a rebased geotransform.
func (f *File) ReadWindow(win raster.Window) (*raster.Raster, error) {
	full := raster.Window{Width: f.info.Width, Height: f.info.Height}
	if win.Empty() || win.Intersect(full) != win {
		return nil, eris.Errorf("geotiff: window %+v outside image %dx%d", win, f.info.Width, f.info.Height)
	}

	out := raster.New(f.Info(), win.Width, win.Height)
	out.Transform = f.info.Transform.Translate(win.Col, win.Row)

	var err error
	if f.tiled {
		err = f.readTiles(out, win)
	} else {
		err = f.readStrips(out, win)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (f *File) readStrips(out *raster.Raster, win raster.Window) error {
	size := f.info.DType.Size()
	pix := f.info.Bands * size
	rowBytes := f.info.Width * pix
	dstStride := win.Width * pix

	first := win.Row / f.rowsPerStrip
	last := (win.Row + win.Height - 1) / f.rowsPerStrip
	for s := first; s <= last; s++ {
		top := s * f.rowsPerStrip
		rows := min(f.rowsPerStrip, f.info.Height-top)
		data, err := f.decodeBlock(s, rows, f.info.Width)
		if err != nil {
			return eris.Wrapf(err, "geotiff: strip %d", s)
		}

		y0 := max(win.Row, top)
		y1 := min(win.Row+win.Height, top+rows)
		for y := y0; y < y1; y++ {
			src := (y-top)*rowBytes + win.Col*pix
			dst := (y - win.Row) * dstStride
			convertSamples(out.Pixels[dst:dst+dstStride], data[src:src+dstStride], win.Width*f.info.Bands, size, f.bigEndian)
		}
	}
	return nil
}

func (f *File) readTiles(out *raster.Raster, win raster.Window) error {
	size := f.info.DType.Size()
	pix := f.info.Bands * size
	tileRowBytes := f.tileWidth * pix
	dstStride := win.Width * pix
	across := (f.info.Width + f.tileWidth - 1) / f.tileWidth

	tx0 := win.Col / f.tileWidth
	tx1 := (win.Col + win.Width - 1) / f.tileWidth
	ty0 := win.Row / f.tileHeight
	ty1 := (win.Row + win.Height - 1) / f.tileHeight

	for ty := ty0; ty <= ty1; ty++ {
		for tx := tx0; tx <= tx1; tx++ {
			// Edge tiles are padded to the full tile size on disk.
			data, err := f.decodeBlock(ty*across+tx, f.tileHeight, f.tileWidth)
			if err != nil {
				return eris.Wrapf(err, "geotiff: tile %d,%d", tx, ty)
			}

			x0 := max(win.Col, tx*f.tileWidth)
			x1 := min(win.Col+win.Width, (tx+1)*f.tileWidth)
			y0 := max(win.Row, ty*f.tileHeight)
			y1 := min(win.Row+win.Height, (ty+1)*f.tileHeight)
			for y := y0; y < y1; y++ {
				src := (y-ty*f.tileHeight)*tileRowBytes + (x0-tx*f.tileWidth)*pix
				dst := (y-win.Row)*dstStride + (x0-win.Col)*pix
				n := (x1 - x0) * pix
				convertSamples(out.Pixels[dst:dst+n], data[src:src+n], (x1-x0)*f.info.Bands, size, f.bigEndian)
			}
		}
	}
	return nil
}

func (f *File) decodeBlock(idx, rows, cols int) ([]byte, error) {
	if idx < 0 || idx >= len(f.offsets) {
		return nil, eris.Errorf("block %d out of range", idx)
	}
	raw := make([]byte, f.counts[idx])
	if _, err := f.r.ReadAt(raw, f.offsets[idx]); err != nil {
		return nil, eris.Wrap(err, "read block")
	}

	data := raw
	if f.compression == compressionDeflate || f.compression == compressionDeflateOld {
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, eris.Wrap(err, "open deflate stream")
		}
		if data, err = io.ReadAll(zr); err != nil {
			return nil, eris.Wrap(err, "inflate")
		}
		if err := zr.Close(); err != nil {
			return nil, eris.Wrap(err, "close deflate stream")
		}
	}

	size := f.info.DType.Size()
	need := rows * cols * f.info.Bands * size
	if len(data) < need {
		return nil, eris.Errorf("truncated block: got %d bytes, want %d", len(data), need)
	}
	data = data[:need]

	if f.predictor == 2 {
		undoPredictor(data, rows, cols, f.info.Bands, size, f.order)
	}
	return data, nil
}

// undoPredictor reverses horizontal differencing in place, row by row, in
// the file's byte order.
func undoPredictor(buf []byte, rows, cols, spp, size int, order binary.ByteOrder) {
	rowBytes := cols * spp * size
	for r := 0; r < rows; r++ {
		row := buf[r*rowBytes : (r+1)*rowBytes]
		switch size {
		case 1:
			for i := spp; i < len(row); i++ {
				row[i] += row[i-spp]
			}
		case 2:
			for i := spp * 2; i < len(row); i += 2 {
				order.PutUint16(row[i:], order.Uint16(row[i:])+order.Uint16(row[i-spp*2:]))
			}
		case 4:
			for i := spp * 4; i < len(row); i += 4 {
				order.PutUint32(row[i:], order.Uint32(row[i:])+order.Uint32(row[i-spp*4:]))
			}
		}
	}
}

// convertSamples copies n samples, swapping to little-endian when the source
// is big-endian.
func convertSamples(dst, src []byte, n, size int, bigEndian bool) {
	if !bigEndian || size == 1 {
		copy(dst, src[:n*size])
		return
	}
	switch size {
	case 2:
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint16(dst[i*2:], binary.BigEndian.Uint16(src[i*2:]))
		}
	case 4:
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint32(dst[i*4:], binary.BigEndian.Uint32(src[i*4:]))
		}
	case 8:
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint64(dst[i*8:], binary.BigEndian.Uint64(src[i*8:]))
		}
	}
}

func dataTypeFor(bits, format uint64) (raster.DataType, error) {
	switch {
	case bits == 8 && format == sampleFormatUint:
		return raster.Uint8, nil
	case bits == 16 && format == sampleFormatUint:
		return raster.Uint16, nil
	case bits == 16 && format == sampleFormatInt:
		return raster.Int16, nil
	case bits == 32 && format == sampleFormatUint:
		return raster.Uint32, nil
	case bits == 32 && format == sampleFormatInt:
		return raster.Int32, nil
	case bits == 32 && format == sampleFormatFloat:
		return raster.Float32, nil
	case bits == 64 && format == sampleFormatFloat:
		return raster.Float64, nil
	}
	return 0, eris.Errorf("unsupported sample type: %d-bit format %d", bits, format)
}

func allEqual(vals []uint64) bool {
	if len(vals) == 0 {
		return false
	}
	for _, v := range vals[1:] {
		if v != vals[0] {
			return false
		}
	}
	return true
}

func hasTag(dir map[uint16]ifdEntry, tag uint16) bool {
	_, ok := dir[tag]
	return ok
}
