package rasterstream

import (
	"fmt"
	"strconv"
	"strings"
)

// GeoTIFF tag IDs
const (
	TagModelPixelScale     = 33550
	TagModelTiepoint       = 33922
	TagModelTransformation = 34264
	TagGeoKeyDirectory     = 34735
	TagGeoDoubleParams     = 34736
	TagGeoAsciiParams      = 34737
)

// GeoKeys
const (
	GTModelTypeGeoKey        = 1024
	GTRasterTypeGeoKey       = 1025
	GTRasterTypePixelIsArea  = 1
	GTRasterTypePixelIsPoint = 2
	GeographicTypeGeoKey     = 2048
	ProjectedCSTypeGeoKey    = 3072

	userDefinedKey = 32767
)

// GeoInfo is the georeferencing of a GeoTIFF image directory.
type GeoInfo struct {
	Geotransform  Geotransform
	Georeferenced bool
	EPSG          int
	PixelIsPoint  bool
	Keys          map[uint16]any
}

// CRS returns the coordinate reference system as "EPSG:n", or "" when unknown.
func (g GeoInfo) CRS() string {
	if g.EPSG == 0 {
		return ""
	}
	return FormatEPSG(g.EPSG)
}

// readGeoInfo extracts the geotransform and CRS of an IFD. Images without
// georeferencing tags get PixelGeotransform.
func readGeoInfo(tr *TIFFReader, ifd *IFD) (GeoInfo, error) {
	info := GeoInfo{Geotransform: PixelGeotransform}

	keys, err := readGeoKeys(tr, ifd)
	if err != nil {
		return info, err
	}
	info.Keys = keys
	if v, ok := keys[GTRasterTypeGeoKey].(uint16); ok && v == GTRasterTypePixelIsPoint {
		info.PixelIsPoint = true
	}
	info.EPSG = epsgFromKeys(keys)

	switch {
	case ifd.Has(TagModelTransformation):
		t, err := tr.Floats(ifd, TagModelTransformation)
		if err != nil {
			return info, fmt.Errorf("failed to read model transformation: %w", err)
		}
		if len(t) < 16 {
			return info, fmt.Errorf("model transformation has %d values, want 16", len(t))
		}
		info.Geotransform = Geotransform{t[3], t[0], t[1], t[7], t[4], t[5]}
		info.Georeferenced = true

	case ifd.Has(TagModelTiepoint) && ifd.Has(TagModelPixelScale):
		tp, err := tr.Floats(ifd, TagModelTiepoint)
		if err != nil {
			return info, fmt.Errorf("failed to read tie points: %w", err)
		}
		scale, err := tr.Floats(ifd, TagModelPixelScale)
		if err != nil {
			return info, fmt.Errorf("failed to read pixel scale: %w", err)
		}
		if len(tp) < 6 || len(scale) < 2 {
			return info, fmt.Errorf("incomplete tie point (%d values) or pixel scale (%d values)", len(tp), len(scale))
		}
		sx, sy := scale[0], scale[1]
		// Y is inverted: rows grow southwards
		info.Geotransform = Geotransform{tp[3] - tp[0]*sx, sx, 0, tp[4] + tp[1]*sy, 0, -sy}
		info.Georeferenced = true
	}

	if info.Georeferenced && info.PixelIsPoint {
		gt := &info.Geotransform
		gt[0] -= 0.5*gt[1] + 0.5*gt[2]
		gt[3] -= 0.5*gt[4] + 0.5*gt[5]
	}
	return info, nil
}

// readGeoKeys decodes the GeoKey directory. Values are uint16, []float64 or string.
func readGeoKeys(tr *TIFFReader, ifd *IFD) (map[uint16]any, error) {
	keys := make(map[uint16]any)
	if !ifd.Has(TagGeoKeyDirectory) {
		return keys, nil
	}

	dir, err := tr.Uints(ifd, TagGeoKeyDirectory)
	if err != nil {
		return nil, fmt.Errorf("failed to read GeoKeyDirectory: %w", err)
	}
	if len(dir) < 4 {
		return nil, fmt.Errorf("GeoKeyDirectory too short")
	}

	var doubles []float64
	if ifd.Has(TagGeoDoubleParams) {
		if doubles, err = tr.Floats(ifd, TagGeoDoubleParams); err != nil {
			return nil, fmt.Errorf("failed to read GeoDoubleParams: %w", err)
		}
	}
	var ascii string
	if ifd.Has(TagGeoAsciiParams) {
		if ascii, err = tr.ASCII(ifd, TagGeoAsciiParams); err != nil {
			return nil, fmt.Errorf("failed to read GeoAsciiParams: %w", err)
		}
	}

	// header: version, revision, minor revision, number of keys; then 4 shorts per key
	numKeys := int(dir[3])
	for i := 0; i < numKeys && 4+i*4+3 < len(dir); i++ {
		e := dir[4+i*4 : 8+i*4]
		id, loc, count, val := uint16(e[0]), e[1], int(e[2]), int(e[3])
		switch loc {
		case 0:
			keys[id] = uint16(val)
		case TagGeoDoubleParams:
			if val+count <= len(doubles) {
				keys[id] = doubles[val : val+count]
			}
		case TagGeoAsciiParams:
			if val < len(ascii) {
				end := min(val+count, len(ascii))
				keys[id] = strings.TrimRight(ascii[val:end], "|\x00")
			}
		}
	}
	return keys, nil
}

func epsgFromKeys(keys map[uint16]any) int {
	for _, id := range []uint16{ProjectedCSTypeGeoKey, GeographicTypeGeoKey} {
		if code, ok := keys[id].(uint16); ok && code != 0 && code != userDefinedKey {
			return int(code)
		}
	}
	return 0
}

// FormatEPSG formats an EPSG code as a CRS string.
func FormatEPSG(code int) string {
	return fmt.Sprintf("EPSG:%d", code)
}

// ParseEPSGCode extracts the EPSG code from a CRS string such as "EPSG:3857".
func ParseEPSGCode(crs string) (int, error) {
	if rest, ok := strings.CutPrefix(strings.ToUpper(strings.TrimSpace(crs)), "EPSG:"); ok {
		return strconv.Atoi(rest)
	}
	return 0, fmt.Errorf("invalid CRS format: %s", crs)
}

// webMercatorAliases lists codes that denote the same spherical mercator CRS.
var webMercatorAliases = map[int]bool{3857: true, 900913: true, 3785: true, 102100: true, 102113: true}

// SameCRS reports whether two EPSG codes denote the same CRS.
func SameCRS(a, b int) bool {
	if a == b {
		return a != 0
	}
	return webMercatorAliases[a] && webMercatorAliases[b]
}
