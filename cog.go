package rasterstream

import (
	"bytes"
	"compress/zlib"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"golang.org/x/image/tiff/lzw"
	"golang.org/x/sync/errgroup"
)

const (
	subfileReducedImage = 1
	subfileMask         = 4

	photometricWhiteIsZero = 0
	predictorHorizontal    = 2
)

var errSparseBlock = errors.New("block has no data")

// COG is a Cloud Optimized GeoTIFF opened from a local file or an HTTP(S) URL.
// IFD 0 is the full resolution image; reduced-resolution IFDs form the pyramid.
type COG struct {
	locator    string
	reader     io.ReaderAt
	closer     io.Closer
	tiffReader *TIFFReader
	geo        GeoInfo
	levels     []*cogLevel
	pyramid    *Pyramid
	blocks     *tileCache[[]byte]
	log        *slog.Logger
}

// cogLevel describes the block layout of one pyramid level. Strips are treated as
// blocks spanning the full image width.
type cogLevel struct {
	ifd          *IFD
	width        int
	height       int
	bands        int
	compression  int
	predictor    int
	photometric  int
	tiled        bool
	blockW       int
	blockH       int
	blocksPerRow int
	jpegTables   []byte
}

func (l *cogLevel) offsetTags() (uint16, uint16) {
	if l.tiled {
		return TagTileOffsets, TagTileByteCounts
	}
	return TagStripOffsets, TagStripByteCounts
}

// blockRect returns the pixel rectangle of a block, clipped to the image.
func (l *cogLevel) blockRect(bx, by int) PixelRect {
	r := PixelRect{MinX: bx * l.blockW, MinY: by * l.blockH, MaxX: (bx + 1) * l.blockW, MaxY: (by + 1) * l.blockH}
	return r.Intersect(Rect(l.width, l.height))
}

// OpenCOG opens a GeoTIFF from a local path or an http(s) URL.
func OpenCOG(pathOrURL string, opts Options) (*COG, error) {
	opts = opts.normalized()

	var (
		r      io.ReaderAt
		closer io.Closer
	)
	if strings.HasPrefix(pathOrURL, "http://") || strings.HasPrefix(pathOrURL, "https://") {
		rr, err := NewHTTPRangeReader(pathOrURL, opts)
		if err != nil {
			return nil, &OpenError{Locator: pathOrURL, Err: err}
		}
		r, closer = rr, rr
	} else {
		f, err := os.Open(pathOrURL)
		if err != nil {
			return nil, &OpenError{Locator: pathOrURL, Err: err}
		}
		r, closer = f, f
	}

	c, err := ReadCOG(r, pathOrURL, opts)
	if err != nil {
		closer.Close()
		return nil, err
	}
	c.closer = closer
	return c, nil
}

// ReadCOG parses a GeoTIFF from r. locator names it in logs and errors.
func ReadCOG(r io.ReaderAt, locator string, opts Options) (*COG, error) {
	opts = opts.normalized()
	fail := func(err error) (*COG, error) {
		return nil, &OpenError{Locator: locator, Err: err}
	}

	tr, err := NewTIFFReader(r)
	if err != nil {
		return fail(fmt.Errorf("failed to create TIFF reader: %w", err))
	}

	geo, err := readGeoInfo(tr, tr.GetIFD(0))
	if err != nil {
		return fail(fmt.Errorf("failed to read georeferencing: %w", err))
	}

	c := &COG{
		locator:    locator,
		reader:     r,
		tiffReader: tr,
		geo:        geo,
		blocks:     newTileCache[[]byte](opts.TileCacheSize),
		log:        opts.Logger,
	}

	var widths []int
	for i := 0; i < tr.IFDCount(); i++ {
		ifd := tr.GetIFD(i)
		subfile := ifd.Uint(TagNewSubfileType, 0)
		if i > 0 && (subfile&subfileMask != 0 || subfile&subfileReducedImage == 0) {
			continue
		}
		lvl, err := newCOGLevel(tr, ifd)
		if err != nil {
			return fail(fmt.Errorf("IFD %d: %w", i, err))
		}
		if len(c.levels) > 0 && lvl.bands != c.levels[0].bands {
			return fail(fmt.Errorf("IFD %d has %d bands, full resolution has %d", i, lvl.bands, c.levels[0].bands))
		}
		c.levels = append(c.levels, lvl)
		if i > 0 {
			widths = append(widths, lvl.width)
		}
	}

	if c.pyramid, err = NewPyramid(c.levels[0].width, widths...); err != nil {
		return fail(err)
	}
	return c, nil
}

func newCOGLevel(tr *TIFFReader, ifd *IFD) (*cogLevel, error) {
	l := &cogLevel{
		ifd:         ifd,
		width:       ifd.Uint(TagImageWidth, 0),
		height:      ifd.Uint(TagImageLength, 0),
		bands:       ifd.Uint(TagSamplesPerPixel, 1),
		compression: ifd.Uint(TagCompression, CompressionNone),
		predictor:   ifd.Uint(TagPredictor, 1),
		photometric: ifd.Uint(TagPhotometricInterpretation, 1),
		tiled:       ifd.Has(TagTileOffsets),
	}
	if l.width <= 0 || l.height <= 0 {
		return nil, fmt.Errorf("invalid image size %dx%d", l.width, l.height)
	}
	if l.bands < 1 || l.bands > 4 {
		return nil, fmt.Errorf("unsupported band count: %d", l.bands)
	}
	if bits := ifd.Uint(TagBitsPerSample, 1); bits != 8 {
		return nil, fmt.Errorf("unsupported bits per sample: %d", bits)
	}
	if format := ifd.Uint(TagSampleFormat, 1); format != 1 {
		return nil, fmt.Errorf("unsupported sample format: %d", format)
	}
	if planar := ifd.Uint(TagPlanarConfiguration, 1); planar != 1 {
		return nil, fmt.Errorf("unsupported planar configuration: %d", planar)
	}

	switch l.compression {
	case CompressionNone, CompressionLZW, CompressionDeflate, CompressionAdobeDeflate:
	case CompressionJPEG, CompressionOldJPEG:
		if ifd.Has(TagJPEGTables) {
			tables, err := tr.Bytes(ifd, TagJPEGTables)
			if err != nil {
				return nil, fmt.Errorf("failed to read JPEG tables: %w", err)
			}
			l.jpegTables = tables
		}
	default:
		return nil, fmt.Errorf("unsupported compression type: %d", l.compression)
	}

	if l.tiled {
		l.blockW = ifd.Uint(TagTileWidth, 256)
		l.blockH = ifd.Uint(TagTileLength, 256)
	} else {
		if !ifd.Has(TagStripOffsets) {
			return nil, errors.New("image is neither tiled nor stripped")
		}
		l.blockW = l.width
		l.blockH = min(ifd.Uint(TagRowsPerStrip, l.height), l.height)
	}
	if l.blockW <= 0 || l.blockH <= 0 {
		return nil, fmt.Errorf("invalid block size %dx%d", l.blockW, l.blockH)
	}
	l.blocksPerRow = (l.width + l.blockW - 1) / l.blockW
	return l, nil
}

// Locator returns the path or URL the COG was opened from.
func (c *COG) Locator() string { return c.locator }

// Width returns the full-resolution width.
func (c *COG) Width() int { return c.levels[0].width }

// Height returns the full-resolution height.
func (c *COG) Height() int { return c.levels[0].height }

// BandCount returns the number of samples per pixel.
func (c *COG) BandCount() int { return c.levels[0].bands }

// EPSG returns the CRS code from the GeoKeys, 0 when absent.
func (c *COG) EPSG() int { return c.geo.EPSG }

// CRS returns the CRS as "EPSG:n".
func (c *COG) CRS() string { return c.geo.CRS() }

// GeoInfo returns the georeferencing of the full resolution image.
func (c *COG) GeoInfo() GeoInfo { return c.geo }

// Geotransform returns the full-resolution pixel to world transform.
func (c *COG) Geotransform() Geotransform { return c.geo.Geotransform }

// Pyramid returns the level scales.
func (c *COG) Pyramid() *Pyramid { return c.pyramid }

// LevelSize returns the pixel size of a level.
func (c *COG) LevelSize(level int) (int, int) {
	l := c.levels[level]
	return l.width, l.height
}

// Compression returns the compression scheme of a level.
func (c *COG) Compression(level int) int { return c.levels[level].compression }

// Close releases the underlying file or connection.
func (c *COG) Close() error {
	c.blocks.close()
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}

// Read reads region of a level and scales it to dstW x dstH.
func (c *COG) Read(ctx context.Context, level int, region PixelRect, dstW, dstH int, rs Resampling) (*image.RGBA, error) {
	if level < 0 || level >= len(c.levels) {
		return nil, notAvailable(level, region, fmt.Errorf("level out of range [0,%d)", len(c.levels)))
	}
	l := c.levels[level]
	if region.Empty() || region.Intersect(Rect(l.width, l.height)) != region {
		return nil, &ReadFailure{Level: level, Region: region, Err: fmt.Errorf("region outside %dx%d level", l.width, l.height)}
	}

	out := image.NewRGBA(image.Rect(0, 0, region.Dx(), region.Dy()))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for by := region.MinY / l.blockH; by <= (region.MaxY-1)/l.blockH; by++ {
		for bx := region.MinX / l.blockW; bx <= (region.MaxX-1)/l.blockW; bx++ {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				block, err := c.block(level, bx, by)
				if err != nil {
					return err
				}
				copyBlock(out, region, block, l.blockRect(bx, by), l.blockW)
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		if errors.Is(err, errSparseBlock) {
			return nil, notAvailable(level, region, err)
		}
		return nil, &ReadFailure{Level: level, Region: region, Err: err}
	}

	return resample(out, dstW, dstH, rs), nil
}

// copyBlock copies the part of an RGBA block inside region into out.
// Blocks of one read never overlap, so concurrent calls write disjoint pixels.
func copyBlock(out *image.RGBA, region PixelRect, block []byte, br PixelRect, blockW int) {
	isect := br.Intersect(region)
	if isect.Empty() {
		return
	}
	n := isect.Dx() * 4
	for y := isect.MinY; y < isect.MaxY; y++ {
		src := ((y-br.MinY)*blockW + (isect.MinX - br.MinX)) * 4
		dst := out.PixOffset(isect.MinX-region.MinX, y-region.MinY)
		if src+n > len(block) {
			return
		}
		copy(out.Pix[dst:dst+n], block[src:src+n])
	}
}

// block returns the decoded RGBA bytes of one block, blockW pixels per row.
func (c *COG) block(level, bx, by int) ([]byte, error) {
	key := fmt.Sprintf("%d/%d/%d", level, bx, by)
	return c.blocks.get(key, func() ([]byte, error) {
		return c.loadBlock(c.levels[level], bx, by)
	})
}

func (c *COG) loadBlock(l *cogLevel, bx, by int) ([]byte, error) {
	offTag, countTag := l.offsetTags()
	offsets, err := c.tiffReader.Uints(l.ifd, offTag)
	if err != nil {
		return nil, fmt.Errorf("failed to read block offsets: %w", err)
	}
	counts, err := c.tiffReader.Uints(l.ifd, countTag)
	if err != nil {
		return nil, fmt.Errorf("failed to read block byte counts: %w", err)
	}

	idx := by*l.blocksPerRow + bx
	if idx >= len(offsets) || idx >= len(counts) {
		return nil, fmt.Errorf("block %d out of range (%d blocks)", idx, len(offsets))
	}
	if counts[idx] == 0 || offsets[idx] == 0 {
		return nil, fmt.Errorf("block %d,%d: %w", bx, by, errSparseBlock)
	}

	raw := GetBuffer(int(counts[idx]))
	defer PutBuffer(raw)
	if _, err := readAtLeast(c.reader, raw, int64(offsets[idx]), len(raw)); err != nil {
		return nil, fmt.Errorf("failed to read block: %w", err)
	}

	rows := l.blockH
	if !l.tiled {
		rows = min(l.blockH, l.height-by*l.blockH)
	}
	return l.decodeBlock(raw, rows)
}

// decodeBlock decompresses one block into RGBA bytes.
func (l *cogLevel) decodeBlock(raw []byte, rows int) ([]byte, error) {
	if l.compression == CompressionJPEG || l.compression == CompressionOldJPEG {
		return l.decodeJPEGBlock(raw, rows)
	}

	need := l.blockW * rows * l.bands
	var samples []byte
	switch l.compression {
	case CompressionNone:
		samples = raw
	case CompressionLZW:
		rd := lzw.NewReader(bytes.NewReader(raw), lzw.MSB, 8)
		defer rd.Close()
		samples = make([]byte, need)
		if _, err := io.ReadFull(rd, samples); err != nil {
			return nil, fmt.Errorf("failed to decompress LZW block: %w", err)
		}
	case CompressionDeflate, CompressionAdobeDeflate:
		rd, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to decompress Deflate block: %w", err)
		}
		defer rd.Close()
		samples = make([]byte, need)
		if _, err := io.ReadFull(rd, samples); err != nil {
			return nil, fmt.Errorf("failed to decompress Deflate block: %w", err)
		}
	}
	if len(samples) < need {
		return nil, fmt.Errorf("block has %d bytes, expected %d", len(samples), need)
	}
	samples = samples[:need]

	if l.predictor == predictorHorizontal {
		if l.compression == CompressionNone {
			samples = append([]byte(nil), samples...)
		}
		undoHorizontalPredictor(samples, l.blockW, rows, l.bands)
	}
	return samplesToRGBA(samples, l.blockW*rows, l.bands, l.photometric), nil
}

func (l *cogLevel) decodeJPEGBlock(raw []byte, rows int) ([]byte, error) {
	data := raw
	if len(l.jpegTables) > 4 && len(raw) > 2 {
		// tables end with EOI and the block starts with SOI; splice them
		data = make([]byte, 0, len(l.jpegTables)+len(raw))
		data = append(data, l.jpegTables[:len(l.jpegTables)-2]...)
		data = append(data, raw[2:]...)
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode JPEG block: %w", err)
	}
	dst := image.NewRGBA(image.Rect(0, 0, l.blockW, rows))
	draw.Draw(dst, dst.Bounds(), img, img.Bounds().Min, draw.Src)
	return dst.Pix, nil
}

func undoHorizontalPredictor(samples []byte, width, rows, bands int) {
	stride := width * bands
	for y := 0; y < rows; y++ {
		row := samples[y*stride : (y+1)*stride]
		for i := bands; i < len(row); i++ {
			row[i] += row[i-bands]
		}
	}
}

// samplesToRGBA expands pixel-interleaved 8-bit samples to RGBA.
func samplesToRGBA(samples []byte, pixels, bands, photometric int) []byte {
	out := make([]byte, pixels*4)
	for i := 0; i < pixels; i++ {
		s := samples[i*bands : (i+1)*bands]
		o := out[i*4 : i*4+4]
		switch bands {
		case 1, 2:
			v := s[0]
			if photometric == photometricWhiteIsZero {
				v = 255 - v
			}
			o[0], o[1], o[2], o[3] = v, v, v, 255
			if bands == 2 {
				o[3] = s[1]
			}
		case 3:
			o[0], o[1], o[2], o[3] = s[0], s[1], s[2], 255
		default:
			o[0], o[1], o[2], o[3] = s[0], s[1], s[2], s[3]
		}
	}
	return out
}
