package rasterstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg" // tile decoders
	_ "image/png"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb/maptile"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"
)

// maxMercator is the half circumference of the spherical mercator world in meters.
const maxMercator = 20037508.342789244

const (
	defaultTileSize      = 256
	maxServiceZoom       = 24
	tileFetchConcurrency = 6
)

// TileServiceSource reads an XYZ tile service in the GoogleMapsCompatible tiling
// (EPSG:3857). The full resolution level is MaxZoom; level i is zoom MaxZoom-i.
type TileServiceSource struct {
	svc       TileService
	client    *fasthttp.Client
	timeout   time.Duration
	userAgent string
	pyramid   *Pyramid
	tiles     *tileCache[*image.RGBA]
	log       *slog.Logger
}

// NewTileServiceSource validates the service description.
func NewTileServiceSource(svc TileService, opts Options) (*TileServiceSource, error) {
	opts = opts.normalized()
	for _, token := range []string{"{z}", "{x}", "{y}"} {
		if !strings.Contains(svc.URL, token) {
			return nil, fmt.Errorf("tile URL template %q lacks %s", svc.URL, token)
		}
	}
	if svc.MaxZoom < 0 || svc.MaxZoom > maxServiceZoom {
		return nil, fmt.Errorf("max zoom %d outside [0,%d]", svc.MaxZoom, maxServiceZoom)
	}
	if svc.MinZoom < 0 || svc.MinZoom > svc.MaxZoom {
		return nil, fmt.Errorf("min zoom %d outside [0,%d]", svc.MinZoom, svc.MaxZoom)
	}
	if svc.TileSize <= 0 {
		svc.TileSize = defaultTileSize
	}

	timeout := opts.HTTPTimeout
	if svc.Timeout != 0 {
		timeout = clampTimeout(opts.Logger, "tile service", svc.Timeout)
	}

	scales := make([]float64, 0, svc.MaxZoom-svc.MinZoom+1)
	for z := svc.MaxZoom; z >= svc.MinZoom; z-- {
		scales = append(scales, float64(uint64(1)<<(svc.MaxZoom-z)))
	}
	pyr, err := NewPyramidFromScales(scales...)
	if err != nil {
		return nil, err
	}

	return &TileServiceSource{
		svc:       svc,
		client:    opts.Client,
		timeout:   timeout,
		userAgent: opts.UserAgent,
		pyramid:   pyr,
		tiles:     newTileCache[*image.RGBA](opts.TileCacheSize),
		log:       opts.Logger,
	}, nil
}

// Locator returns the service URL template and layer.
func (s *TileServiceSource) Locator() string {
	return Locator{Service: &s.svc}.String()
}

// Width is the size of the world in pixels at MaxZoom.
func (s *TileServiceSource) Width() int { return s.svc.TileSize << s.svc.MaxZoom }

// Height equals Width; the tiling is square.
func (s *TileServiceSource) Height() int { return s.Width() }

// BandCount is 4; tiles are decoded to RGBA.
func (s *TileServiceSource) BandCount() int { return 4 }

// EPSG is always 3857, Web Mercator.
func (s *TileServiceSource) EPSG() int { return 3857 }

// Pyramid has one level per zoom, MaxZoom first.
func (s *TileServiceSource) Pyramid() *Pyramid { return s.pyramid }

// Timeout returns the effective request timeout.
func (s *TileServiceSource) Timeout() time.Duration { return s.timeout }

// Geotransform maps MaxZoom pixels to Web Mercator meters.
func (s *TileServiceSource) Geotransform() Geotransform {
	res := 2 * maxMercator / float64(s.Width())
	return NorthUp(-maxMercator, maxMercator, res, res)
}

// LevelSize returns the world size in pixels at zoom MaxZoom-level.
func (s *TileServiceSource) LevelSize(level int) (int, int) {
	n := s.svc.TileSize << (s.svc.MaxZoom - level)
	return n, n
}

// Close drops the cached tiles.
func (s *TileServiceSource) Close() error {
	s.tiles.close()
	return nil
}

// Read fetches the tiles covering region at zoom MaxZoom-level and mosaics them.
func (s *TileServiceSource) Read(ctx context.Context, level int, region PixelRect, dstW, dstH int, rs Resampling) (*image.RGBA, error) {
	if level < 0 || level >= s.pyramid.Len() {
		return nil, notAvailable(level, region, fmt.Errorf("level out of range [0,%d)", s.pyramid.Len()))
	}
	w, h := s.LevelSize(level)
	if region.Empty() || region.Intersect(Rect(w, h)) != region {
		return nil, &ReadFailure{Level: level, Region: region, Err: fmt.Errorf("region outside %dx%d level", w, h)}
	}

	z := maptile.Zoom(s.svc.MaxZoom - level)
	ts := s.svc.TileSize
	out := image.NewRGBA(image.Rect(0, 0, region.Dx(), region.Dy()))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(tileFetchConcurrency)
	for ty := region.MinY / ts; ty <= (region.MaxY-1)/ts; ty++ {
		for tx := region.MinX / ts; tx <= (region.MaxX-1)/ts; tx++ {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				img, err := s.tile(maptile.New(uint32(tx), uint32(ty), z))
				if err != nil {
					return err
				}
				tr := image.Rect(tx*ts, ty*ts, (tx+1)*ts, (ty+1)*ts).
					Intersect(image.Rect(region.MinX, region.MinY, region.MaxX, region.MaxY))
				dst := tr.Sub(image.Pt(region.MinX, region.MinY))
				draw.Draw(out, dst, img, tr.Min.Sub(image.Pt(tx*ts, ty*ts)), draw.Src)
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		var se *HTTPStatusError
		if errors.As(err, &se) && se.Missing() {
			return nil, notAvailable(level, region, err)
		}
		return nil, &ReadFailure{Level: level, Region: region, Err: err}
	}

	return resample(out, dstW, dstH, rs), nil
}

func (s *TileServiceSource) tile(t maptile.Tile) (*image.RGBA, error) {
	url := s.BuildURL(t)
	return s.tiles.get(url, func() (*image.RGBA, error) {
		body, _, err := httpGet(s.client, fasthttp.MethodGet, url, s.timeout, map[string]string{"User-Agent": s.userAgent})
		if err != nil {
			return nil, err
		}
		img, _, err := image.Decode(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to decode tile %d/%d/%d: %w", t.Z, t.X, t.Y, err)
		}
		rgba := image.NewRGBA(image.Rect(0, 0, s.svc.TileSize, s.svc.TileSize))
		draw.Draw(rgba, rgba.Bounds(), img, img.Bounds().Min, draw.Src)
		s.log.Debug("fetched tile", "z", t.Z, "x", t.X, "y", t.Y, "bytes", len(body))
		return rgba, nil
	})
}

// BuildURL replaces the URL template tokens for a tile.
func (s *TileServiceSource) BuildURL(t maptile.Tile) string {
	url := s.svc.URL
	url = strings.ReplaceAll(url, "{z}", strconv.Itoa(int(t.Z)))
	url = strings.ReplaceAll(url, "{x}", strconv.FormatUint(uint64(t.X), 10))
	url = strings.ReplaceAll(url, "{y}", strconv.FormatUint(uint64(t.Y), 10))
	url = strings.ReplaceAll(url, "{layer}", s.svc.Layer)
	if strings.Contains(url, "{s}") {
		url = strings.ReplaceAll(url, "{s}", string(rune('a'+(t.X+t.Y)%3)))
	}
	return url
}
