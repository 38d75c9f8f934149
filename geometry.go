package rasterstream

import (
	"math"

	"github.com/paulmach/orb"
)

// degenerateEpsilon is the smallest determinant magnitude an invertible geotransform may have.
const degenerateEpsilon = 1e-15

// Geotransform is an affine map from pixel space to world space in GDAL order:
//
//	x = gt[0] + px*gt[1] + py*gt[2]
//	y = gt[3] + px*gt[4] + py*gt[5]
type Geotransform [6]float64

// PixelGeotransform maps pixel coordinates onto themselves (y axis pointing down).
var PixelGeotransform = Geotransform{0, 1, 0, 0, 0, 1}

// NorthUp returns the geotransform of a north-up raster whose top left corner is (originX, originY).
func NorthUp(originX, originY, pixelWidth, pixelHeight float64) Geotransform {
	return Geotransform{originX, pixelWidth, 0, originY, 0, -pixelHeight}
}

// PixelToWorld maps a pixel coordinate to world coordinates.
func (gt Geotransform) PixelToWorld(px, py float64) (float64, float64) {
	return gt[0] + px*gt[1] + py*gt[2], gt[3] + px*gt[4] + py*gt[5]
}

// PixelPoint is PixelToWorld returning an orb.Point.
func (gt Geotransform) PixelPoint(px, py float64) orb.Point {
	x, y := gt.PixelToWorld(px, py)
	return orb.Point{x, y}
}

func (gt Geotransform) det() float64 {
	return gt[1]*gt[5] - gt[2]*gt[4]
}

// Invert returns the world to pixel transform.
func (gt Geotransform) Invert() (Geotransform, error) {
	det := gt.det()
	scale := math.Max(math.Abs(gt[1])+math.Abs(gt[2]), math.Abs(gt[4])+math.Abs(gt[5]))
	if det == 0 || math.IsNaN(det) || math.Abs(det) <= degenerateEpsilon*scale*scale {
		return Geotransform{}, ErrDegenerateTransform
	}
	inv := Geotransform{
		0, gt[5] / det, -gt[2] / det,
		0, -gt[4] / det, gt[1] / det,
	}
	inv[0] = -gt[0]*inv[1] - gt[3]*inv[2]
	inv[3] = -gt[0]*inv[4] - gt[3]*inv[5]
	return inv, nil
}

// WorldToPixel maps world coordinates to a fractional pixel coordinate.
func (gt Geotransform) WorldToPixel(x, y float64) (float64, float64, error) {
	inv, err := gt.Invert()
	if err != nil {
		return 0, 0, err
	}
	px, py := inv.PixelToWorld(x, y)
	return px, py, nil
}

// Resolution is the ground sample distance of one full-resolution pixel, sqrt(|det|).
func (gt Geotransform) Resolution() float64 {
	return math.Sqrt(math.Abs(gt.det()))
}

// RegionWorldToPixel returns the smallest integer pixel rectangle covering the world rectangle.
// All four corners are mapped so rotated transforms are covered as well.
func (gt Geotransform) RegionWorldToPixel(b orb.Bound) (PixelRect, error) {
	inv, err := gt.Invert()
	if err != nil {
		return PixelRect{}, err
	}
	return coverRegion(inv, b), nil
}

func coverRegion(inv Geotransform, b orb.Bound) PixelRect {
	corners := [4]orb.Point{
		b.Min,
		{b.Max[0], b.Min[1]},
		b.Max,
		{b.Min[0], b.Max[1]},
	}
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, c := range corners {
		px, py := inv.PixelToWorld(c[0], c[1])
		minX = math.Min(minX, px)
		minY = math.Min(minY, py)
		maxX = math.Max(maxX, px)
		maxY = math.Max(maxY, py)
	}
	return PixelRect{
		MinX: int(math.Floor(minX)),
		MinY: int(math.Floor(minY)),
		MaxX: int(math.Ceil(maxX)),
		MaxY: int(math.Ceil(maxY)),
	}
}

// PixelRectToWorld maps a pixel rectangle of a level with the given scale back to world bounds.
func (gt Geotransform) PixelRectToWorld(r PixelRect, scale float64) orb.Bound {
	return gt.cornerBound(
		float64(r.MinX)*scale, float64(r.MinY)*scale,
		float64(r.MaxX)*scale, float64(r.MaxY)*scale,
	)
}

// Bounds returns the world bounding box of a raster of the given size.
func (gt Geotransform) Bounds(width, height int) orb.Bound {
	return gt.cornerBound(0, 0, float64(width), float64(height))
}

func (gt Geotransform) cornerBound(x0, y0, x1, y1 float64) orb.Bound {
	b := orb.Bound{Min: gt.PixelPoint(x0, y0), Max: gt.PixelPoint(x0, y0)}
	b = b.Extend(gt.PixelPoint(x1, y0))
	b = b.Extend(gt.PixelPoint(x1, y1))
	return b.Extend(gt.PixelPoint(x0, y1))
}

// Corners returns the top-left, top-right, bottom-right and bottom-left world corners of a raster.
func (gt Geotransform) Corners(width, height int) [4]orb.Point {
	w, h := float64(width), float64(height)
	return [4]orb.Point{
		gt.PixelPoint(0, 0),
		gt.PixelPoint(w, 0),
		gt.PixelPoint(w, h),
		gt.PixelPoint(0, h),
	}
}

// Footprint returns the raster outline as a closed polygon.
func (gt Geotransform) Footprint(width, height int) orb.Polygon {
	c := gt.Corners(width, height)
	return orb.Polygon{orb.Ring{c[0], c[1], c[2], c[3], c[0]}}
}

// PixelRect is a half-open integer rectangle in pixel space.
type PixelRect struct {
	MinX, MinY, MaxX, MaxY int
}

// Rect returns the rectangle [0,w)x[0,h).
func Rect(w, h int) PixelRect {
	return PixelRect{MaxX: w, MaxY: h}
}

// Dx returns the width.
func (r PixelRect) Dx() int { return r.MaxX - r.MinX }
// Dy returns the height.
func (r PixelRect) Dy() int { return r.MaxY - r.MinY }

// Empty reports whether the rectangle contains no pixels.
func (r PixelRect) Empty() bool {
	return r.MinX >= r.MaxX || r.MinY >= r.MaxY
}

// Intersect returns the overlap of r and o. The result may be empty.
func (r PixelRect) Intersect(o PixelRect) PixelRect {
	out := PixelRect{
		MinX: max(r.MinX, o.MinX),
		MinY: max(r.MinY, o.MinY),
		MaxX: min(r.MaxX, o.MaxX),
		MaxY: min(r.MaxY, o.MaxY),
	}
	if out.Empty() {
		return PixelRect{}
	}
	return out
}

// ScaleDown converts a full-resolution rectangle into the pixel space of a level
// with the given scale, flooring the min corner and ceiling the max corner.
func (r PixelRect) ScaleDown(scale float64) PixelRect {
	if scale == 1 {
		return r
	}
	return PixelRect{
		MinX: int(math.Floor(float64(r.MinX) / scale)),
		MinY: int(math.Floor(float64(r.MinY) / scale)),
		MaxX: int(math.Ceil(float64(r.MaxX) / scale)),
		MaxY: int(math.Ceil(float64(r.MaxY) / scale)),
	}
}
