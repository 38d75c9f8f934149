package rasterstream

import (
	"fmt"
	"math"
	"sort"
)

// exponentSnap is the distance to a whole exponent below which the view scale is rounded
// instead of truncated.
const exponentSnap = 0.01

// Pyramid holds the downsampling factors of a raster's resolution levels.
// Scale 1 is full resolution; scales are powers of two and strictly increasing.
type Pyramid struct {
	scales []float64
}

// NewPyramid builds a pyramid from the widths of the full-resolution raster and its
// reduced-resolution levels, in order. Measured factors are rounded to whole powers of two.
func NewPyramid(baseWidth int, levelWidths ...int) (*Pyramid, error) {
	if baseWidth <= 0 {
		return nil, fmt.Errorf("invalid base width: %d", baseWidth)
	}
	scales := []float64{1}
	for i, w := range levelWidths {
		if w <= 0 {
			return nil, fmt.Errorf("invalid width %d for level %d", w, i+1)
		}
		scales = append(scales, math.Exp2(math.Round(math.Log2(float64(baseWidth)/float64(w)))))
	}
	return NewPyramidFromScales(scales...)
}

// NewPyramidFromScales validates an explicit list of scales.
func NewPyramidFromScales(scales ...float64) (*Pyramid, error) {
	if len(scales) == 0 || scales[0] != 1 {
		return nil, fmt.Errorf("pyramid must start at scale 1")
	}
	for i := 1; i < len(scales); i++ {
		if !(scales[i] > scales[i-1]) {
			return nil, fmt.Errorf("pyramid scales not strictly increasing at level %d: %g after %g", i, scales[i], scales[i-1])
		}
	}
	return &Pyramid{scales: append([]float64(nil), scales...)}, nil
}

// Len returns the number of levels including full resolution.
func (p *Pyramid) Len() int { return len(p.scales) }

// Scale returns the downsampling factor of a level.
func (p *Pyramid) Scale(level int) float64 { return p.scales[level] }

// Scales returns a copy of all level scales.
func (p *Pyramid) Scales() []float64 {
	return append([]float64(nil), p.scales...)
}

// ViewScale is the number of full-resolution pixels covered by one screen pixel
// for a viewport showing pixelsPerUnit screen pixels per world unit.
func ViewScale(pixelsPerUnit, resolution float64) float64 {
	if pixelsPerUnit <= 0 || resolution <= 0 {
		return 1
	}
	return 1 / (pixelsPerUnit * resolution)
}

// SelectLevel returns the index of the coarsest level whose scale does not exceed the
// best power of two for viewScale.
func (p *Pyramid) SelectLevel(viewScale float64) int {
	if !(viewScale > 0) || math.IsInf(viewScale, 0) {
		if math.IsInf(viewScale, 1) {
			return len(p.scales) - 1
		}
		return 0
	}
	exponent := math.Log2(viewScale)
	if r := math.Round(exponent); math.Abs(exponent-r) < exponentSnap {
		exponent = r
	} else {
		exponent = math.Trunc(exponent)
	}
	best := math.Exp2(exponent)
	// first index whose scale is strictly greater than best
	i := sort.Search(len(p.scales), func(i int) bool { return p.scales[i] > best }) - 1
	return min(max(i, 0), len(p.scales)-1)
}

// FallbackOrder lists the levels to try for viewScale: the selected level first,
// then every coarser level.
func (p *Pyramid) FallbackOrder(viewScale float64) []int {
	first := p.SelectLevel(viewScale)
	order := make([]int, 0, len(p.scales)-first)
	for i := first; i < len(p.scales); i++ {
		order = append(order, i)
	}
	return order
}

// SnapZoom steps a zoom factor (screen pixels per world unit) by whole powers of two and
// clamps it between minPixelsPerUnit and four screen pixels per full-resolution pixel.
func SnapZoom(current float64, steps int, resolution, minPixelsPerUnit float64) float64 {
	if current <= 0 {
		current = 1
	}
	z := math.Exp2(math.Round(math.Log2(current)) + float64(steps))
	if resolution > 0 {
		z = math.Min(z, 4/resolution)
	}
	if minPixelsPerUnit > 0 {
		z = math.Max(z, minPixelsPerUnit)
	}
	return z
}
