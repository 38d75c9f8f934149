package rasterstream

import (
	"bytes"
	"encoding/binary"
	"math"
	"sort"
)

// testEntry is one tag of a synthetic TIFF.
type testEntry struct {
	id    uint16
	typ   DataType
	count uint32
	data  []byte
}

func shortTag(bo binary.ByteOrder, id uint16, vals ...uint16) testEntry {
	b := make([]byte, 2*len(vals))
	for i, v := range vals {
		bo.PutUint16(b[i*2:], v)
	}
	return testEntry{id: id, typ: DTShort, count: uint32(len(vals)), data: b}
}

func longTag(bo binary.ByteOrder, id uint16, vals ...uint32) testEntry {
	b := make([]byte, 4*len(vals))
	for i, v := range vals {
		bo.PutUint32(b[i*4:], v)
	}
	return testEntry{id: id, typ: DTLong, count: uint32(len(vals)), data: b}
}

func doubleTag(bo binary.ByteOrder, id uint16, vals ...float64) testEntry {
	b := make([]byte, 8*len(vals))
	for i, v := range vals {
		bo.PutUint64(b[i*8:], math.Float64bits(v))
	}
	return testEntry{id: id, typ: DTDouble, count: uint32(len(vals)), data: b}
}

func asciiTag(id uint16, s string) testEntry {
	b := append([]byte(s), 0)
	return testEntry{id: id, typ: DTASCII, count: uint32(len(b)), data: b}
}

// testImage is one IFD. Blocks are written as given; a nil block is sparse.
type testImage struct {
	tags   []testEntry
	blocks [][]byte
	tiled  bool
}

// buildTIFF lays out a classic TIFF: header, block data, then the IFD chain.
func buildTIFF(bo binary.ByteOrder, images ...testImage) []byte {
	var buf bytes.Buffer
	if bo == binary.ByteOrder(binary.BigEndian) {
		buf.WriteString("MM")
	} else {
		buf.WriteString("II")
	}
	binary.Write(&buf, bo, uint16(tiffVersion))
	binary.Write(&buf, bo, uint32(0)) // patched below

	offsets := make([][]uint32, len(images))
	counts := make([][]uint32, len(images))
	for i, img := range images {
		for _, b := range img.blocks {
			if b == nil {
				offsets[i] = append(offsets[i], 0)
				counts[i] = append(counts[i], 0)
				continue
			}
			offsets[i] = append(offsets[i], uint32(buf.Len()))
			counts[i] = append(counts[i], uint32(len(b)))
			buf.Write(b)
		}
	}

	out := buf.Bytes()
	prevNext := 4
	for i, img := range images {
		if len(out)%2 == 1 {
			out = append(out, 0)
		}
		start := len(out)
		bo.PutUint32(out[prevNext:], uint32(start))

		offTag, countTag := uint16(TagStripOffsets), uint16(TagStripByteCounts)
		if img.tiled {
			offTag, countTag = TagTileOffsets, TagTileByteCounts
		}
		entries := append([]testEntry(nil), img.tags...)
		entries = append(entries, longTag(bo, offTag, offsets[i]...), longTag(bo, countTag, counts[i]...))
		sort.Slice(entries, func(a, b int) bool { return entries[a].id < entries[b].id })

		dirSize := 2 + len(entries)*ifdEntrySize + 4
		dir := make([]byte, dirSize)
		bo.PutUint16(dir, uint16(len(entries)))
		var extra []byte
		for j, e := range entries {
			ent := dir[2+j*ifdEntrySize:]
			bo.PutUint16(ent[0:], e.id)
			bo.PutUint16(ent[2:], uint16(e.typ))
			bo.PutUint32(ent[4:], e.count)
			if len(e.data) <= 4 {
				copy(ent[8:12], e.data)
				continue
			}
			bo.PutUint32(ent[8:], uint32(start+dirSize+len(extra)))
			extra = append(extra, e.data...)
			if len(extra)%2 == 1 {
				extra = append(extra, 0)
			}
		}
		out = append(out, dir...)
		out = append(out, extra...)
		prevNext = start + dirSize - 4
	}
	return out
}

// rgbImage describes an uncompressed 8-bit RGB level cut into square tiles,
// or into strips when tile is zero. pixel returns the RGB value at (x, y).
type rgbImage struct {
	width, height int
	tile          int
	rowsPerStrip  int
	subfile       uint32
	pixel         func(x, y int) [3]byte
	sparse        map[int]bool
	extra         []testEntry
}

func (ri rgbImage) build(bo binary.ByteOrder) testImage {
	tags := []testEntry{
		longTag(bo, TagImageWidth, uint32(ri.width)),
		longTag(bo, TagImageLength, uint32(ri.height)),
		shortTag(bo, TagBitsPerSample, 8, 8, 8),
		shortTag(bo, TagCompression, CompressionNone),
		shortTag(bo, TagPhotometricInterpretation, 2),
		shortTag(bo, TagSamplesPerPixel, 3),
		shortTag(bo, TagPlanarConfiguration, 1),
	}
	if ri.subfile != 0 {
		tags = append(tags, longTag(bo, TagNewSubfileType, ri.subfile))
	}
	tags = append(tags, ri.extra...)

	block := func(x0, y0, w, h int) []byte {
		b := make([]byte, 0, w*h*3)
		for y := y0; y < y0+h; y++ {
			for x := x0; x < x0+w; x++ {
				var px [3]byte
				if x < ri.width && y < ri.height {
					px = ri.pixel(x, y)
				}
				b = append(b, px[:]...)
			}
		}
		return b
	}

	img := testImage{tiled: ri.tile > 0}
	if ri.tile > 0 {
		tags = append(tags, shortTag(bo, TagTileWidth, uint16(ri.tile)), shortTag(bo, TagTileLength, uint16(ri.tile)))
		across := (ri.width + ri.tile - 1) / ri.tile
		down := (ri.height + ri.tile - 1) / ri.tile
		for ty := 0; ty < down; ty++ {
			for tx := 0; tx < across; tx++ {
				if ri.sparse[ty*across+tx] {
					img.blocks = append(img.blocks, nil)
					continue
				}
				img.blocks = append(img.blocks, block(tx*ri.tile, ty*ri.tile, ri.tile, ri.tile))
			}
		}
	} else {
		rows := ri.rowsPerStrip
		if rows <= 0 {
			rows = ri.height
		}
		tags = append(tags, longTag(bo, TagRowsPerStrip, uint32(rows)))
		for y := 0; y < ri.height; y += rows {
			img.blocks = append(img.blocks, block(0, y, ri.width, min(rows, ri.height-y)))
		}
	}
	img.tags = tags
	return img
}

// geoTags georeferences a north-up raster in EPSG:3857 with the given origin and pixel size.
func geoTags(bo binary.ByteOrder, originX, originY, pixelSize float64) []testEntry {
	return []testEntry{
		doubleTag(bo, TagModelPixelScale, pixelSize, pixelSize, 0),
		doubleTag(bo, TagModelTiepoint, 0, 0, 0, originX, originY, 0),
		shortTag(bo, TagGeoKeyDirectory,
			1, 1, 0, 2,
			1024, 0, 1, 1, // GTModelTypeGeoKey: projected
			3072, 0, 1, 3857, // ProjectedCSTypeGeoKey
		),
	}
}

// testPixel is the default pixel pattern of synthetic full-resolution images.
func testPixel(x, y int) [3]byte {
	return [3]byte{byte(x), byte(y), 100}
}

// testCOG returns a tiled 3-band GeoTIFF of 32x32 pixels with one 16x16 overview.
// Full resolution pixels are (x, y, 100); overview pixels are (200, 0, 0).
func testCOG(sparseOverview bool) []byte {
	bo := binary.LittleEndian
	full := rgbImage{width: 32, height: 32, tile: 16, pixel: testPixel,
		extra: geoTags(bo, 1000, 2000, 10)}
	ov := rgbImage{width: 16, height: 16, tile: 16, subfile: 1,
		pixel: func(int, int) [3]byte { return [3]byte{200, 0, 0} }}
	if sparseOverview {
		ov.sparse = map[int]bool{0: true}
	}
	return buildTIFF(bo, full.build(bo), ov.build(bo))
}

// geographicCOG returns a 16x16 single-level GeoTIFF in EPSG:4326.
func geographicCOG() []byte {
	bo := binary.LittleEndian
	img := rgbImage{width: 16, height: 16, tile: 16, pixel: testPixel,
		extra: []testEntry{
			doubleTag(bo, TagModelPixelScale, 0.01, 0.01, 0),
			doubleTag(bo, TagModelTiepoint, 0, 0, 0, 4.8, 52.4, 0),
			shortTag(bo, TagGeoKeyDirectory,
				1, 1, 0, 2,
				1024, 0, 1, 2, // GTModelTypeGeoKey: geographic
				2048, 0, 1, 4326, // GeographicTypeGeoKey
			),
		}}
	return buildTIFF(bo, img.build(bo))
}
