package rasterstream

import (
	"fmt"
	"image"
	"math"
	"strings"
)

// Enhancement is a contrast enhancement applied to thumbnails.
type Enhancement int

const (
	// EnhanceNone leaves pixels unchanged.
	EnhanceNone Enhancement = iota
	// EnhanceMinMax stretches the 3rd to 97th percentile of the red channel to full range.
	EnhanceMinMax
	// EnhanceHistogram equalizes the histogram of the red channel.
	EnhanceHistogram
)

const (
	stretchLowPercentile  = 3
	stretchHighPercentile = 97
)

func (e Enhancement) String() string {
	switch e {
	case EnhanceMinMax:
		return "minmax"
	case EnhanceHistogram:
		return "histogram"
	default:
		return "none"
	}
}

// ParseEnhancement parses the names returned by Enhancement.String.
func ParseEnhancement(s string) (Enhancement, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return EnhanceNone, nil
	case "minmax", "min-max":
		return EnhanceMinMax, nil
	case "histogram", "equalize":
		return EnhanceHistogram, nil
	}
	return EnhanceNone, fmt.Errorf("unknown enhancement %q", s)
}

// Apply enhances img in place. Enhanced images are gray: the transformed red
// channel is written to all three color channels; alpha is kept.
func (e Enhancement) Apply(img *image.RGBA) {
	if e == EnhanceNone || img.Rect.Empty() {
		return
	}
	hist := redHistogram(img)
	var transfer [256]uint8
	switch e {
	case EnhanceMinMax:
		transfer = stretchTransfer(hist)
	case EnhanceHistogram:
		transfer = equalizeTransfer(hist)
	default:
		return
	}

	b := img.Rect
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, y):img.PixOffset(b.Max.X, y)]
		for i := 0; i < len(row); i += 4 {
			v := transfer[row[i]]
			row[i], row[i+1], row[i+2] = v, v, v
		}
	}
}

func redHistogram(img *image.RGBA) [256]int {
	var hist [256]int
	b := img.Rect
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, y):img.PixOffset(b.Max.X, y)]
		for i := 0; i < len(row); i += 4 {
			hist[row[i]]++
		}
	}
	return hist
}

// percentile interpolates linearly between the closest ranks.
func percentile(hist [256]int, p float64) float64 {
	total := 0
	for _, c := range hist {
		total += c
	}
	if total == 0 {
		return 0
	}
	rank := p / 100 * float64(total-1)
	lo := valueAtRank(hist, int(math.Floor(rank)))
	hi := valueAtRank(hist, int(math.Ceil(rank)))
	return lo + (hi-lo)*(rank-math.Floor(rank))
}

func valueAtRank(hist [256]int, rank int) float64 {
	seen := 0
	for v, c := range hist {
		seen += c
		if seen > rank {
			return float64(v)
		}
	}
	return 255
}

func stretchTransfer(hist [256]int) [256]uint8 {
	lo := percentile(hist, stretchLowPercentile)
	hi := percentile(hist, stretchHighPercentile)
	var t [256]uint8
	for v := range t {
		if hi <= lo {
			// flat image
			if float64(v) > lo {
				t[v] = 255
			}
			continue
		}
		s := (float64(v) - lo) / (hi - lo) * 255
		t[v] = uint8(math.RoundToEven(math.Min(math.Max(s, 0), 255)))
	}
	return t
}

func equalizeTransfer(hist [256]int) [256]uint8 {
	var t [256]uint8
	total := 0
	for _, c := range hist {
		total += c
	}
	if total == 0 {
		return t
	}
	cum := 0
	for v, c := range hist {
		cum += c
		t[v] = uint8(math.RoundToEven(float64(cum) * 255 / float64(total)))
	}
	return t
}
