// Package geotiff reads and writes GeoTIFF rasters without cgo. The reader
// handles classic TIFF in either byte order, striped or tiled layouts, and
// Deflate compression with horizontal-difference prediction; the writer emits
// little-endian striped files. Georeferencing travels through ModelPixelScale,
// ModelTiepoint and ModelTransformation tags plus the GeoKey directory.
package geotiff

const (
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagPhotometric     = 262
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagPlanarConfig    = 284
	tagPredictor       = 317
	tagTileWidth       = 322
	tagTileLength      = 323
	tagTileOffsets     = 324
	tagTileByteCounts  = 325
	tagExtraSamples    = 338
	tagSampleFormat    = 339
	tagModelPixelScale = 33550
	tagModelTiepoint   = 33922
	tagModelTransform  = 34264
	tagGeoKeyDirectory = 34735
	tagGeoDoubleParams = 34736
	tagGeoASCIIParams  = 34737
	tagGDALNoData      = 42113
)

const (
	typeByte     = 1
	typeASCII    = 2
	typeShort    = 3
	typeLong     = 4
	typeRational = 5
	typeDouble   = 12
)

const (
	compressionNone       = 1
	compressionDeflate    = 8
	compressionDeflateOld = 32946
)

const (
	sampleFormatUint  = 1
	sampleFormatInt   = 2
	sampleFormatFloat = 3
)

const (
	photometricBlackIsZero = 1
	photometricRGB         = 2
)

const (
	geoKeyModelType      = 1024
	geoKeyRasterType     = 1025
	geoKeyCitation       = 1026
	geoKeyGeographicType = 2048
	geoKeyGeogCitation   = 2049
	geoKeyProjectedCS    = 3072
	geoKeyPCSCitation    = 3073

	modelTypeProjected  = 1
	modelTypeGeographic = 2
	rasterPixelIsArea   = 1
	geoKeyUserDefined   = 32767
)

func typeSize(typ uint16) int {
	switch typ {
	case typeByte, typeASCII:
		return 1
	case typeShort:
		return 2
	case typeLong:
		return 4
	case typeRational, typeDouble:
		return 8
	default:
		return 0
	}
}
