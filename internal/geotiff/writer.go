package geotiff

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"math"
	"os"
	"sort"
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/fieldvision/plotclip/internal/raster"
)

// Compression selects the strip encoding for written rasters.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionDeflate
)

// ParseCompression maps a config string onto a Compression.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "none":
		return CompressionNone, nil
	case "deflate", "zlib":
		return CompressionDeflate, nil
	default:
		return CompressionNone, eris.Errorf("geotiff: unknown compression %q", s)
	}
}

// Options control how a raster is encoded.
type Options struct {
	Compression Compression
	// Predictor applies horizontal differencing before deflate. It is
	// ignored without deflate and for float samples.
	Predictor bool
}

// WriteFile encodes r as a little-endian striped GeoTIFF at path.
func WriteFile(path string, r *raster.Raster, opts Options) error {
	data, err := Encode(r, opts)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return eris.Wrapf(err, "geotiff: write %s", path)
	}
	return nil
}

// Encode renders r into TIFF bytes.
func Encode(r *raster.Raster, opts Options) ([]byte, error) {
	if r.Width <= 0 || r.Height <= 0 || r.Bands <= 0 {
		return nil, eris.Errorf("geotiff: bad raster shape %dx%dx%d", r.Width, r.Height, r.Bands)
	}
	size := r.DType.Size()
	if want := r.Width * r.Height * r.Bands * size; len(r.Pixels) != want {
		return nil, eris.Errorf("geotiff: pixel buffer is %d bytes, want %d", len(r.Pixels), want)
	}

	isFloat := r.DType == raster.Float32 || r.DType == raster.Float64
	deflate := opts.Compression == CompressionDeflate
	usePredictor := opts.Predictor && deflate && !isFloat && size < 8

	rowBytes := r.Width * r.Bands * size
	rps := 8192 / rowBytes
	if rps < 1 {
		rps = 1
	}
	if rps > r.Height {
		rps = r.Height
	}
	nStrips := (r.Height + rps - 1) / rps

	payloads := make([][]byte, nStrips)
	for s := 0; s < nStrips; s++ {
		top := s * rps
		rows := min(rps, r.Height-top)
		chunk := r.Pixels[top*rowBytes : (top+rows)*rowBytes]

		if usePredictor {
			diffed := bytes.Clone(chunk)
			applyPredictor(diffed, rows, r.Width, r.Bands, size)
			chunk = diffed
		}
		if deflate {
			var zbuf bytes.Buffer
			zw := zlib.NewWriter(&zbuf)
			if _, err := zw.Write(chunk); err != nil {
				return nil, eris.Wrap(err, "geotiff: deflate strip")
			}
			if err := zw.Close(); err != nil {
				return nil, eris.Wrap(err, "geotiff: deflate strip")
			}
			chunk = zbuf.Bytes()
		}
		payloads[s] = chunk
	}

	// Layout: header, strip data, IFD, value overflow.
	buf := []byte{'I', 'I', 42, 0, 0, 0, 0, 0}
	stripOffsets := make([]uint32, nStrips)
	stripCounts := make([]uint32, nStrips)
	for s, p := range payloads {
		stripOffsets[s] = uint32(len(buf))
		stripCounts[s] = uint32(len(p))
		buf = append(buf, p...)
	}
	if len(buf)%2 == 1 {
		buf = append(buf, 0)
	}
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(buf)))

	entries := buildEntries(r, opts, usePredictor, rps, stripOffsets, stripCounts)
	return appendIFD(buf, entries), nil
}

type tagEntry struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

func shortEntry(tag uint16, vals ...uint16) tagEntry {
	data := make([]byte, 0, len(vals)*2)
	for _, v := range vals {
		data = binary.LittleEndian.AppendUint16(data, v)
	}
	return tagEntry{tag: tag, typ: typeShort, count: uint32(len(vals)), data: data}
}

func longEntry(tag uint16, vals ...uint32) tagEntry {
	data := make([]byte, 0, len(vals)*4)
	for _, v := range vals {
		data = binary.LittleEndian.AppendUint32(data, v)
	}
	return tagEntry{tag: tag, typ: typeLong, count: uint32(len(vals)), data: data}
}

func doubleEntry(tag uint16, vals ...float64) tagEntry {
	data := make([]byte, 0, len(vals)*8)
	for _, v := range vals {
		data = binary.LittleEndian.AppendUint64(data, math.Float64bits(v))
	}
	return tagEntry{tag: tag, typ: typeDouble, count: uint32(len(vals)), data: data}
}

func asciiEntry(tag uint16, s string) tagEntry {
	data := append([]byte(s), 0)
	return tagEntry{tag: tag, typ: typeASCII, count: uint32(len(data)), data: data}
}

func buildEntries(r *raster.Raster, opts Options, usePredictor bool, rps int, offsets, counts []uint32) []tagEntry {
	bands := r.Bands
	bits := make([]uint16, bands)
	formats := make([]uint16, bands)
	for i := range bits {
		bits[i] = uint16(r.DType.Size() * 8)
		formats[i] = sampleFormatOf(r.DType)
	}

	photometric := uint16(photometricBlackIsZero)
	if bands >= 3 {
		photometric = photometricRGB
	}
	compression := uint16(compressionNone)
	if opts.Compression == CompressionDeflate {
		compression = compressionDeflate
	}

	entries := []tagEntry{
		longEntry(tagImageWidth, uint32(r.Width)),
		longEntry(tagImageLength, uint32(r.Height)),
		shortEntry(tagBitsPerSample, bits...),
		shortEntry(tagCompression, compression),
		shortEntry(tagPhotometric, photometric),
		longEntry(tagStripOffsets, offsets...),
		shortEntry(tagSamplesPerPixel, uint16(bands)),
		longEntry(tagRowsPerStrip, uint32(rps)),
		longEntry(tagStripByteCounts, counts...),
		shortEntry(tagPlanarConfig, 1),
		shortEntry(tagSampleFormat, formats...),
	}
	if usePredictor {
		entries = append(entries, shortEntry(tagPredictor, 2))
	}
	if bands > 3 {
		extras := make([]uint16, bands-3)
		entries = append(entries, shortEntry(tagExtraSamples, extras...))
	}

	t := r.Transform
	if t.Rotated() {
		entries = append(entries, doubleEntry(tagModelTransform,
			t[1], t[2], 0, t[0],
			t[4], t[5], 0, t[3],
			0, 0, 0, 0,
			0, 0, 0, 1))
	} else {
		entries = append(entries,
			doubleEntry(tagModelPixelScale, t[1], -t[5], 0),
			doubleEntry(tagModelTiepoint, 0, 0, 0, t[0], t[3], 0))
	}

	entries = append(entries, geoKeyEntries(r)...)

	if r.NoData != nil {
		entries = append(entries, asciiEntry(tagGDALNoData, strconv.FormatFloat(*r.NoData, 'g', -1, 64)))
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })
	return entries
}

func geoKeyEntries(r *raster.Raster) []tagEntry {
	crs := r.CRS
	if !crs.Declared() {
		return nil
	}

	modelType := uint16(modelTypeGeographic)
	epsgKey := uint16(geoKeyGeographicType)
	if crs.Projected {
		modelType = modelTypeProjected
		epsgKey = geoKeyProjectedCS
	}

	keys := [][4]uint16{
		{geoKeyModelType, 0, 1, modelType},
		{geoKeyRasterType, 0, 1, rasterPixelIsArea},
	}
	if crs.EPSG > 0 && crs.EPSG <= math.MaxUint16 {
		keys = append(keys, [4]uint16{epsgKey, 0, 1, uint16(crs.EPSG)})
	}

	var ascii string
	if crs.Citation != "" {
		keys = append(keys, [4]uint16{geoKeyCitation, tagGeoASCIIParams, uint16(len(crs.Citation) + 1), 0})
		ascii = crs.Citation + "|"
	}

	dirVals := []uint16{1, 1, 0, uint16(len(keys))}
	for _, k := range keys {
		dirVals = append(dirVals, k[0], k[1], k[2], k[3])
	}

	entries := []tagEntry{shortEntry(tagGeoKeyDirectory, dirVals...)}
	if ascii != "" {
		entries = append(entries, asciiEntry(tagGeoASCIIParams, ascii))
	}
	return entries
}

func appendIFD(buf []byte, entries []tagEntry) []byte {
	ifdStart := len(buf)
	overflowOff := ifdStart + 2 + len(entries)*12 + 4
	var overflow []byte

	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(entries)))
	for _, e := range entries {
		buf = binary.LittleEndian.AppendUint16(buf, e.tag)
		buf = binary.LittleEndian.AppendUint16(buf, e.typ)
		buf = binary.LittleEndian.AppendUint32(buf, e.count)
		if len(e.data) <= 4 {
			var inline [4]byte
			copy(inline[:], e.data)
			buf = append(buf, inline[:]...)
			continue
		}
		buf = binary.LittleEndian.AppendUint32(buf, uint32(overflowOff+len(overflow)))
		overflow = append(overflow, e.data...)
		if len(overflow)%2 == 1 {
			overflow = append(overflow, 0)
		}
	}
	buf = binary.LittleEndian.AppendUint32(buf, 0)
	return append(buf, overflow...)
}

// applyPredictor differences each row in place, right to left, so the reader
// can re-accumulate left to right.
func applyPredictor(buf []byte, rows, cols, spp, size int) {
	rowBytes := cols * spp * size
	for r := 0; r < rows; r++ {
		row := buf[r*rowBytes : (r+1)*rowBytes]
		switch size {
		case 1:
			for i := len(row) - 1; i >= spp; i-- {
				row[i] -= row[i-spp]
			}
		case 2:
			for i := len(row) - 2; i >= spp*2; i -= 2 {
				binary.LittleEndian.PutUint16(row[i:], binary.LittleEndian.Uint16(row[i:])-binary.LittleEndian.Uint16(row[i-spp*2:]))
			}
		case 4:
			for i := len(row) - 4; i >= spp*4; i -= 4 {
				binary.LittleEndian.PutUint32(row[i:], binary.LittleEndian.Uint32(row[i:])-binary.LittleEndian.Uint32(row[i-spp*4:]))
			}
		}
	}
}

func sampleFormatOf(dt raster.DataType) uint16 {
	switch dt {
	case raster.Int16, raster.Int32:
		return sampleFormatInt
	case raster.Float32, raster.Float64:
		return sampleFormatFloat
	default:
		return sampleFormatUint
	}
}
