package rasterstream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
)

// TIFF constants
const (
	tiffMagicLE  = 0x4949 // "II" little-endian
	tiffMagicBE  = 0x4D4D // "MM" big-endian
	tiffVersion  = 42
	ifdEntrySize = 12

	// ifdPrefetchSize is read in one request per IFD so that most out-of-line
	// tag values are served without another range request.
	ifdPrefetchSize = 16 * 1024
	maxIFDs         = 256
)

// Compression types
const (
	CompressionNone         = 1
	CompressionLZW          = 5
	CompressionOldJPEG      = 6
	CompressionJPEG         = 7
	CompressionDeflate      = 8
	CompressionAdobeDeflate = 32946
)

// DataType is a TIFF field type.
type DataType uint16

const (
	DTByte      DataType = 1  // 8-bit unsigned integer
	DTASCII     DataType = 2  // 8-bit ASCII
	DTShort     DataType = 3  // 16-bit unsigned integer
	DTLong      DataType = 4  // 32-bit unsigned integer
	DTRational  DataType = 5  // Two longs: numerator, denominator
	DTSByte     DataType = 6  // 8-bit signed integer
	DTUndefined DataType = 7  // 8-bit undefined
	DTSShort    DataType = 8  // 16-bit signed integer
	DTSLong     DataType = 9  // 32-bit signed integer
	DTSRational DataType = 10 // Two signed longs
	DTFloat     DataType = 11 // 32-bit IEEE floating point
	DTDouble    DataType = 12 // 64-bit IEEE floating point
)

// Size returns the size in bytes of one value of the type.
func (dt DataType) Size() int {
	switch dt {
	case DTShort, DTSShort:
		return 2
	case DTLong, DTSLong, DTFloat:
		return 4
	case DTRational, DTSRational, DTDouble:
		return 8
	default:
		return 1
	}
}

// TIFF tag IDs
const (
	TagNewSubfileType            = 254
	TagImageWidth                = 256
	TagImageLength               = 257
	TagBitsPerSample             = 258
	TagCompression               = 259
	TagPhotometricInterpretation = 262
	TagStripOffsets              = 273
	TagSamplesPerPixel           = 277
	TagRowsPerStrip              = 278
	TagStripByteCounts           = 279
	TagPlanarConfiguration       = 284
	TagPredictor                 = 317
	TagTileWidth                 = 322
	TagTileLength                = 323
	TagTileOffsets               = 324
	TagTileByteCounts            = 325
	TagSampleFormat              = 339
	TagJPEGTables                = 347
)

// lazyTags hold per-block arrays that can be very large for big rasters;
// they are only loaded when a level is actually read.
var lazyTags = map[uint16]bool{
	TagStripOffsets:    true,
	TagStripByteCounts: true,
	TagTileOffsets:     true,
	TagTileByteCounts:  true,
}

// Tag is one IFD entry. data holds the raw value bytes once loaded.
type Tag struct {
	ID    uint16
	Type  DataType
	Count uint32

	field [4]byte
	data  []byte
}

func (t *Tag) byteLen() int64 { return int64(t.Type.Size()) * int64(t.Count) }

// Loaded reports whether the tag's value bytes are available.
func (t *Tag) Loaded() bool { return t.data != nil }

// IFD is an Image File Directory.
type IFD struct {
	Tags      map[uint16]*Tag
	Offset    uint32
	NextIFD   uint32
	ByteOrder binary.ByteOrder
}

// TIFFReader parses the directory structure of a classic TIFF file.
// It is safe for concurrent use.
type TIFFReader struct {
	r         io.ReaderAt
	byteOrder binary.ByteOrder
	ifds      []*IFD

	mu sync.Mutex // guards lazy tag loads
}

// NewTIFFReader reads the header and every IFD of a TIFF file.
func NewTIFFReader(r io.ReaderAt) (*TIFFReader, error) {
	tr := &TIFFReader{r: r}

	header := make([]byte, 8)
	if _, err := r.ReadAt(header, 0); err != nil {
		return nil, fmt.Errorf("failed to read TIFF header: %w", err)
	}

	switch binary.LittleEndian.Uint16(header[0:2]) {
	case tiffMagicLE:
		tr.byteOrder = binary.LittleEndian
	case tiffMagicBE:
		tr.byteOrder = binary.BigEndian
	default:
		return nil, fmt.Errorf("invalid TIFF magic: 0x%04x", binary.LittleEndian.Uint16(header[0:2]))
	}

	if version := tr.byteOrder.Uint16(header[2:4]); version != tiffVersion {
		return nil, fmt.Errorf("invalid TIFF version: %d", version)
	}

	seen := make(map[uint32]bool)
	for off := tr.byteOrder.Uint32(header[4:8]); off != 0; {
		if seen[off] || len(tr.ifds) >= maxIFDs {
			return nil, fmt.Errorf("IFD chain loops or is too long at offset %d", off)
		}
		seen[off] = true

		ifd, err := tr.readIFD(off)
		if err != nil {
			return nil, fmt.Errorf("failed to read IFD %d: %w", len(tr.ifds), err)
		}
		tr.ifds = append(tr.ifds, ifd)
		off = ifd.NextIFD
	}
	if len(tr.ifds) == 0 {
		return nil, errors.New("TIFF has no image directory")
	}
	return tr, nil
}

// readAtLeast reads up to len(buf) bytes at off and tolerates a short read at EOF.
func readAtLeast(r io.ReaderAt, buf []byte, off int64, need int) (int, error) {
	n, err := r.ReadAt(buf, off)
	if n >= need {
		return n, nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

func (tr *TIFFReader) readIFD(offset uint32) (*IFD, error) {
	window := make([]byte, ifdPrefetchSize)
	n, err := readAtLeast(tr.r, window, int64(offset), 2)
	if err != nil {
		return nil, fmt.Errorf("failed to read tag count: %w", err)
	}
	window = window[:n]

	tagCount := int(tr.byteOrder.Uint16(window[0:2]))
	dirSize := 2 + tagCount*ifdEntrySize + 4
	if dirSize > len(window) {
		window = make([]byte, dirSize)
		if _, err := readAtLeast(tr.r, window, int64(offset), dirSize); err != nil {
			return nil, fmt.Errorf("failed to read IFD structure: %w", err)
		}
	}

	ifd := &IFD{
		Tags:      make(map[uint16]*Tag, tagCount),
		Offset:    offset,
		NextIFD:   tr.byteOrder.Uint32(window[dirSize-4 : dirSize]),
		ByteOrder: tr.byteOrder,
	}

	for i := 0; i < tagCount; i++ {
		entry := window[2+i*ifdEntrySize : 2+(i+1)*ifdEntrySize]
		tag := &Tag{
			ID:    tr.byteOrder.Uint16(entry[0:2]),
			Type:  DataType(tr.byteOrder.Uint16(entry[2:4])),
			Count: tr.byteOrder.Uint32(entry[4:8]),
		}
		copy(tag.field[:], entry[8:12])
		ifd.Tags[tag.ID] = tag

		size := tag.byteLen()
		if size <= 4 {
			tag.data = tag.field[:size]
			continue
		}

		// out-of-line value: serve from the prefetched window when possible
		start := int64(tr.byteOrder.Uint32(tag.field[:])) - int64(offset)
		if start >= 0 && start+size <= int64(len(window)) {
			tag.data = window[start : start+size]
			continue
		}
		if lazyTags[tag.ID] {
			continue
		}
		if err := tr.loadTag(tag); err != nil {
			return nil, fmt.Errorf("failed to read tag %d: %w", tag.ID, err)
		}
	}

	return ifd, nil
}

func (tr *TIFFReader) loadTag(tag *Tag) error {
	size := tag.byteLen()
	if size > math.MaxInt32 {
		return fmt.Errorf("tag %d value too large: %d bytes", tag.ID, size)
	}
	buf := make([]byte, size)
	if _, err := readAtLeast(tr.r, buf, int64(tr.byteOrder.Uint32(tag.field[:])), int(size)); err != nil {
		return err
	}
	tag.data = buf
	return nil
}

// tagData returns the value bytes of a tag, loading deferred arrays on first use.
func (tr *TIFFReader) tagData(ifd *IFD, id uint16) (*Tag, error) {
	tag, ok := ifd.Tags[id]
	if !ok {
		return nil, fmt.Errorf("tag %d not found", id)
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if !tag.Loaded() {
		if err := tr.loadTag(tag); err != nil {
			return nil, fmt.Errorf("failed to load tag %d: %w", id, err)
		}
	}
	return tag, nil
}

// Uints decodes an integer tag.
func (tr *TIFFReader) Uints(ifd *IFD, id uint16) ([]uint64, error) {
	tag, err := tr.tagData(ifd, id)
	if err != nil {
		return nil, err
	}
	return decodeUints(tag, tr.byteOrder), nil
}

// Floats decodes a numeric tag as float64 values.
func (tr *TIFFReader) Floats(ifd *IFD, id uint16) ([]float64, error) {
	tag, err := tr.tagData(ifd, id)
	if err != nil {
		return nil, err
	}
	return decodeFloats(tag, tr.byteOrder), nil
}

// ASCII decodes an ASCII tag without its NUL terminator.
func (tr *TIFFReader) ASCII(ifd *IFD, id uint16) (string, error) {
	tag, err := tr.tagData(ifd, id)
	if err != nil {
		return "", err
	}
	s := tag.data
	for len(s) > 0 && s[len(s)-1] == 0 {
		s = s[:len(s)-1]
	}
	return string(s), nil
}

// Bytes returns the raw value bytes of a tag.
func (tr *TIFFReader) Bytes(ifd *IFD, id uint16) ([]byte, error) {
	tag, err := tr.tagData(ifd, id)
	if err != nil {
		return nil, err
	}
	return tag.data, nil
}

// Uint returns the first value of a small eager tag, or def when absent.
func (ifd *IFD) Uint(id uint16, def int) int {
	tag, ok := ifd.Tags[id]
	if !ok || !tag.Loaded() || tag.Count == 0 {
		return def
	}
	if v := decodeUints(tag, ifd.ByteOrder); len(v) > 0 {
		return int(v[0])
	}
	return def
}

// Has reports whether the IFD carries a tag.
func (ifd *IFD) Has(id uint16) bool {
	_, ok := ifd.Tags[id]
	return ok
}

func decodeUints(tag *Tag, bo binary.ByteOrder) []uint64 {
	n := int(tag.Count)
	out := make([]uint64, 0, n)
	d := tag.data
	for i := 0; i < n; i++ {
		switch tag.Type {
		case DTShort, DTSShort:
			out = append(out, uint64(bo.Uint16(d[i*2:])))
		case DTLong, DTSLong:
			out = append(out, uint64(bo.Uint32(d[i*4:])))
		case DTByte, DTSByte, DTUndefined:
			out = append(out, uint64(d[i]))
		default:
			return out
		}
	}
	return out
}

func decodeFloats(tag *Tag, bo binary.ByteOrder) []float64 {
	n := int(tag.Count)
	out := make([]float64, 0, n)
	d := tag.data
	for i := 0; i < n; i++ {
		switch tag.Type {
		case DTDouble:
			out = append(out, math.Float64frombits(bo.Uint64(d[i*8:])))
		case DTFloat:
			out = append(out, float64(math.Float32frombits(bo.Uint32(d[i*4:]))))
		case DTRational:
			num, den := bo.Uint32(d[i*8:]), bo.Uint32(d[i*8+4:])
			out = append(out, float64(num)/float64(den))
		case DTSRational:
			num, den := int32(bo.Uint32(d[i*8:])), int32(bo.Uint32(d[i*8+4:]))
			out = append(out, float64(num)/float64(den))
		case DTShort:
			out = append(out, float64(bo.Uint16(d[i*2:])))
		case DTSShort:
			out = append(out, float64(int16(bo.Uint16(d[i*2:]))))
		case DTLong:
			out = append(out, float64(bo.Uint32(d[i*4:])))
		case DTSLong:
			out = append(out, float64(int32(bo.Uint32(d[i*4:]))))
		default:
			out = append(out, float64(d[i]))
		}
	}
	return out
}

// GetIFD returns the IFD at the specified index (0 = full resolution image).
func (tr *TIFFReader) GetIFD(index int) *IFD {
	if index < 0 || index >= len(tr.ifds) {
		return nil
	}
	return tr.ifds[index]
}

// IFDCount returns the number of IFDs.
func (tr *TIFFReader) IFDCount() int {
	return len(tr.ifds)
}
