package rasterstream

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	xdraw "golang.org/x/image/draw"
)

// Source is a georeferenced raster with a resolution pyramid.
// Implementations are safe for concurrent reads.
type Source interface {
	// Locator identifies the source in logs and errors.
	Locator() string
	// Width and Height are the full-resolution size in pixels.
	Width() int
	Height() int
	BandCount() int
	// EPSG is the code of the source CRS, 0 when unknown.
	EPSG() int
	Geotransform() Geotransform
	Pyramid() *Pyramid
	// LevelSize returns the pixel size of a pyramid level.
	LevelSize(level int) (int, int)
	// Read returns region (in pixels of the given level) resampled to dstW x dstH.
	// Failures are reported as *ReadFailure. Sources never retry.
	Read(ctx context.Context, level int, region PixelRect, dstW, dstH int, rs Resampling) (*image.RGBA, error)
	Close() error
}

// Resampling selects the kernel used when a read is scaled to its destination size.
type Resampling int

const (
	// Nearest picks the nearest source pixel. Used for viewport frames.
	Nearest Resampling = iota
	// Average takes the mean of the source pixels under each destination pixel. Used for thumbnails.
	Average
)

// boxKernel averages the area a destination pixel covers.
var boxKernel = &xdraw.Kernel{Support: 0.5, At: func(float64) float64 { return 1 }}

func (r Resampling) String() string {
	if r == Average {
		return "average"
	}
	return "nearest"
}

func (r Resampling) scaler() xdraw.Scaler {
	if r == Average {
		return boxKernel
	}
	return xdraw.NearestNeighbor
}

// resample scales src to dstW x dstH. src is returned unchanged when sizes match.
func resample(src *image.RGBA, dstW, dstH int, rs Resampling) *image.RGBA {
	b := src.Bounds()
	if b.Dx() == dstW && b.Dy() == dstH && b.Min == (image.Point{}) {
		return src
	}
	dst := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	rs.scaler().Scale(dst, dst.Bounds(), src, b, xdraw.Src, nil)
	return dst
}

// TileService describes an XYZ web map service in the GoogleMapsCompatible tiling.
type TileService struct {
	// URL is a template with {z}, {x}, {y} and optionally {s} and {layer}.
	URL     string
	Layer   string
	MinZoom int
	MaxZoom int
	// TileSize is the edge length of a tile in pixels.
	TileSize int
	// Timeout overrides Options.HTTPTimeout when set. It may not be below one second.
	Timeout time.Duration
}

// Locator names a raster: either a local or remote file path, or a tile service.
type Locator struct {
	Path    string
	Service *TileService
}

func (l Locator) String() string {
	if l.Service != nil {
		if l.Service.Layer != "" {
			return l.Service.URL + "#" + l.Service.Layer
		}
		return l.Service.URL
	}
	return l.Path
}

// ParseLocator interprets s as a tile service template when it contains {z},
// and as a file path or URL otherwise.
func ParseLocator(s string) Locator {
	if strings.Contains(s, "{z}") {
		return Locator{Service: &TileService{URL: s, MaxZoom: 19, TileSize: 256}}
	}
	return Locator{Path: s}
}

// Open opens the raster named by loc. Errors are *OpenError.
func Open(ctx context.Context, loc Locator, opts Options) (Source, error) {
	opts = opts.normalized()
	src, err := openSource(ctx, loc, opts)
	if err != nil {
		var oe *OpenError
		if errors.As(err, &oe) {
			return nil, err
		}
		return nil, &OpenError{Locator: loc.String(), Err: err}
	}
	opts.Logger.Debug("opened raster",
		"locator", src.Locator(),
		"width", src.Width(), "height", src.Height(),
		"bands", src.BandCount(), "epsg", src.EPSG(),
		"levels", src.Pyramid().Len())
	return src, nil
}

func openSource(ctx context.Context, loc Locator, opts Options) (Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if loc.Service != nil {
		return NewTileServiceSource(*loc.Service, opts)
	}
	if loc.Path == "" {
		return nil, errors.New("empty locator")
	}
	switch strings.ToLower(filepath.Ext(loc.Path)) {
	case ".png", ".jpg", ".jpeg":
		return OpenImage(loc.Path, opts)
	default:
		return OpenCOG(loc.Path, opts)
	}
}

// levelRead is the result of reading a region through a fallback order.
type levelRead struct {
	Image  *image.RGBA
	Level  int
	Region PixelRect // in pixels of Level
}

var errEmptyLevelRegion = errors.New("region does not intersect level")

// readFallback reads region (full-resolution pixels) from the first level of order that
// succeeds. size maps a level region to the destination image size.
// When every level fails the error is *ExhaustedLevelsError.
func readFallback(ctx context.Context, src Source, order []int, region PixelRect,
	size func(level int, r PixelRect) (int, int), rs Resampling, log *slog.Logger) (levelRead, error) {

	pyr := src.Pyramid()
	failures := make([]error, 0, len(order))
	for _, level := range order {
		if err := ctx.Err(); err != nil {
			return levelRead{}, err
		}
		w, h := src.LevelSize(level)
		lr := region.ScaleDown(pyr.Scale(level)).Intersect(Rect(w, h))
		if lr.Empty() {
			failures = append(failures, notAvailable(level, lr, errEmptyLevelRegion))
			continue
		}

		dw, dh := size(level, lr)
		start := time.Now()
		img, err := src.Read(ctx, level, lr, max(dw, 1), max(dh, 1), rs)
		if err != nil {
			if ctx.Err() != nil {
				return levelRead{}, ctx.Err()
			}
			rf := asReadFailure(level, lr, err)
			log.Debug("pyramid level failed",
				"source", src.Locator(), "level", level, "region", fmt.Sprint(lr),
				"not_available", rf.NotAvailable, "elapsed", time.Since(start), "error", rf.Err)
			failures = append(failures, rf)
			continue
		}
		log.Debug("pyramid level read",
			"source", src.Locator(), "level", level, "region", fmt.Sprint(lr), "elapsed", time.Since(start))
		return levelRead{Image: img, Level: level, Region: lr}, nil
	}
	return levelRead{}, &ExhaustedLevelsError{Levels: order, Failures: failures}
}

// nativeSize reads a level region at its native pixel size.
func nativeSize(_ int, r PixelRect) (int, int) {
	return r.Dx(), r.Dy()
}
