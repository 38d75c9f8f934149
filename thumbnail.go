package rasterstream

import (
	"context"
	"fmt"
	"image"
	"math"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// ThumbnailFetcher renders thumbnails of raster files. It opens the file for
// every request and reads the pyramid level closest to the thumbnail size.
type ThumbnailFetcher struct {
	opts Options
}

// NewThumbnailFetcher creates a fetcher using opts for opening sources.
func NewThumbnailFetcher(opts Options) *ThumbnailFetcher {
	return &ThumbnailFetcher{opts: opts.normalized()}
}

// Fetch implements Fetcher.
func (f *ThumbnailFetcher) Fetch(ctx context.Context, req FetchRequest) (*image.RGBA, error) {
	src, err := Open(ctx, Locator{Path: req.SourcePath}, f.opts)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	region := Rect(src.Width(), src.Height())
	if req.Crop != nil {
		region = req.Crop.Intersect(region)
		if region.Empty() {
			return nil, fmt.Errorf("crop %v outside %dx%d raster", *req.Crop, src.Width(), src.Height())
		}
	}

	width := req.Width
	if width <= 0 {
		width = f.opts.ThumbnailWidth
	}
	height := max(int(math.Round(float64(region.Dy())/float64(region.Dx())*float64(width))), 1)

	viewScale := float64(region.Dx()) / float64(width)
	order := src.Pyramid().FallbackOrder(viewScale)
	res, err := readFallback(ctx, src, order, region,
		func(int, PixelRect) (int, int) { return width, height }, Average, f.opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to read thumbnail of %s: %w", req.SourcePath, err)
	}

	img := res.Image
	req.Enhancement.Apply(img)
	if deg := math.Mod(req.Rotation, 360); deg != 0 {
		img = rotate(img, deg)
	}
	return img, nil
}

// rotate turns img counter-clockwise by deg degrees about its center. The result
// is the bounding box of the rotated image; uncovered pixels are transparent.
func rotate(img *image.RGBA, deg float64) *image.RGBA {
	rad := deg * math.Pi / 180
	sin, cos := math.Sincos(rad)
	w, h := float64(img.Rect.Dx()), float64(img.Rect.Dy())
	dw := math.Ceil(math.Abs(cos)*w + math.Abs(sin)*h - 1e-9)
	dh := math.Ceil(math.Abs(sin)*w + math.Abs(cos)*h - 1e-9)

	// y points down, so a visually counter-clockwise turn is
	// x' = cos*x + sin*y, y' = -sin*x + cos*y about the centers.
	ox := float64(img.Rect.Min.X) + w/2
	oy := float64(img.Rect.Min.Y) + h/2
	m := f64.Aff3{
		cos, sin, dw/2 - (cos*ox + sin*oy),
		-sin, cos, dh/2 - (-sin*ox + cos*oy),
	}

	dst := image.NewRGBA(image.Rect(0, 0, int(dw), int(dh)))
	xdraw.BiLinear.Transform(dst, m, img, img.Rect, xdraw.Src, nil)
	return dst
}
