package rasterstream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ImageSource is a plain PNG or JPEG image held in memory, optionally
// georeferenced by a world file next to it.
type ImageSource struct {
	path    string
	img     *image.RGBA
	gt      Geotransform
	epsg    int
	pyramid *Pyramid
}

// worldFileExts maps image extensions to the world file extensions tried in order.
var worldFileExts = map[string][]string{
	".png":  {".pgw", ".pngw", ".wld"},
	".jpg":  {".jgw", ".jpgw", ".wld"},
	".jpeg": {".jgw", ".jpegw", ".wld"},
}

// OpenImage decodes a PNG or JPEG. Without a world file the image is in pixel
// space and has no CRS; with one its CRS is Options.ImageEPSG.
func OpenImage(path string, opts Options) (*ImageSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	decoded, _, err := image.Decode(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	rgba := image.NewRGBA(image.Rect(0, 0, decoded.Bounds().Dx(), decoded.Bounds().Dy()))
	draw.Draw(rgba, rgba.Bounds(), decoded, decoded.Bounds().Min, draw.Src)

	pyr, _ := NewPyramidFromScales(1)
	src := &ImageSource{path: path, img: rgba, gt: PixelGeotransform, pyramid: pyr}

	ext := strings.ToLower(filepath.Ext(path))
	base := strings.TrimSuffix(path, filepath.Ext(path))
	for _, wext := range worldFileExts[ext] {
		gt, err := ReadWorldFile(base + wext)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		src.gt = gt
		src.epsg = opts.ImageEPSG
		break
	}
	return src, nil
}

// Locator returns the image path.
func (s *ImageSource) Locator() string { return s.path }

// Width returns the image width in pixels.
func (s *ImageSource) Width() int { return s.img.Bounds().Dx() }

// Height returns the image height in pixels.
func (s *ImageSource) Height() int { return s.img.Bounds().Dy() }

// BandCount is 4; images are decoded to RGBA.
func (s *ImageSource) BandCount() int { return 4 }

// EPSG returns Options.ImageEPSG when a world file was found, otherwise 0.
func (s *ImageSource) EPSG() int { return s.epsg }

// Geotransform comes from the world file, PixelGeotransform without one.
func (s *ImageSource) Geotransform() Geotransform { return s.gt }

// Pyramid has the single full-resolution level.
func (s *ImageSource) Pyramid() *Pyramid { return s.pyramid }

// Close is a no-op; the image is held in memory.
func (s *ImageSource) Close() error { return nil }

// LevelSize returns the image size for the only level.
func (s *ImageSource) LevelSize(int) (int, int) {
	return s.Width(), s.Height()
}

// Read crops region and scales it to dstW x dstH.
func (s *ImageSource) Read(ctx context.Context, level int, region PixelRect, dstW, dstH int, rs Resampling) (*image.RGBA, error) {
	if level != 0 {
		return nil, notAvailable(level, region, errors.New("image has a single level"))
	}
	if region.Empty() || region.Intersect(Rect(s.Width(), s.Height())) != region {
		return nil, &ReadFailure{Level: level, Region: region, Err: fmt.Errorf("region outside %dx%d image", s.Width(), s.Height())}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	crop := s.img.SubImage(image.Rect(region.MinX, region.MinY, region.MaxX, region.MaxY)).(*image.RGBA)
	if crop.Bounds().Dx() == dstW && crop.Bounds().Dy() == dstH {
		out := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
		draw.Draw(out, out.Bounds(), crop, crop.Bounds().Min, draw.Src)
		return out, nil
	}
	return resample(crop, dstW, dstH, rs), nil
}

// ReadWorldFile parses an ESRI world file. Its six lines hold the pixel size in x,
// the two rotation terms, the pixel size in y and the center of the top left pixel.
func ReadWorldFile(path string) (Geotransform, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Geotransform{}, err
	}
	fields := strings.Fields(string(data))
	if len(fields) < 6 {
		return Geotransform{}, fmt.Errorf("world file %s has %d values, want 6", path, len(fields))
	}
	var v [6]float64
	for i := range v {
		if v[i], err = strconv.ParseFloat(fields[i], 64); err != nil {
			return Geotransform{}, fmt.Errorf("world file %s line %d: %w", path, i+1, err)
		}
	}
	a, d, b, e, c, f := v[0], v[1], v[2], v[3], v[4], v[5]
	return Geotransform{c - a/2 - b/2, a, b, f - d/2 - e/2, d, e}, nil
}

// WriteWorldFile writes gt as an ESRI world file.
func WriteWorldFile(path string, gt Geotransform) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	cx, cy := gt.PixelToWorld(0.5, 0.5)
	for _, v := range []float64{gt[1], gt[4], gt[2], gt[5], cx, cy} {
		if _, err := fmt.Fprintf(file, "%24.10f\n", v); err != nil {
			file.Close()
			return err
		}
	}
	return file.Close()
}

// WorldFilePath derives the world file name for an image path (".png" becomes ".pgw").
func WorldFilePath(imagePath string) string {
	ext := strings.ToLower(filepath.Ext(imagePath))
	base := strings.TrimSuffix(imagePath, filepath.Ext(imagePath))
	if exts, ok := worldFileExts[ext]; ok {
		return base + exts[0]
	}
	return base + ".wld"
}
