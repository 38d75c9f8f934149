package rasterstream

import (
	"log/slog"
	"runtime"
	"time"

	"github.com/valyala/fasthttp"
)

// MinHTTPTimeout is the lowest accepted timeout for web requests.
const MinHTTPTimeout = time.Second

// Options configures sources, stream workers and the thumbnail pool.
type Options struct {
	// Client is used for remote COGs and tile services. A client is created when nil.
	Client *fasthttp.Client
	// HTTPTimeout bounds every web request. Values below one second are raised to one second.
	HTTPTimeout time.Duration
	// UserAgent is sent with every web request.
	UserAgent string
	// TileCacheSize is the number of decoded tiles kept per source.
	TileCacheSize int64
	// ReadAhead is the read-ahead buffer size of the HTTP range reader.
	ReadAhead int

	// SceneEPSG is the CRS every loaded raster must share.
	SceneEPSG int
	// ImageEPSG is reported for plain images with a world file.
	ImageEPSG int

	// JoinTimeout bounds how long Stop waits for a stream worker.
	JoinTimeout time.Duration

	// Workers is the number of concurrent thumbnail fetches.
	Workers int
	// ThumbnailWidth is the default thumbnail width in pixels.
	ThumbnailWidth int
	// OnFetchError receives errors of thumbnail fetches that were still current.
	OnFetchError func(objectID string, err error)
	// OnThumbnailReady is called after a session delivered a thumbnail to a scene object.
	OnThumbnailReady func(objectID string)

	Logger *slog.Logger
}

// DefaultOptions returns the default options.
func DefaultOptions() Options {
	return Options{
		HTTPTimeout:    10 * time.Second,
		UserAgent:      "rasterstream/1.0",
		TileCacheSize:  512,
		ReadAhead:      defaultReadAheadSize,
		SceneEPSG:      3857,
		JoinTimeout:    10 * time.Second,
		Workers:        runtime.NumCPU(),
		ThumbnailWidth: 1000,
	}
}

// normalized fills zero fields with defaults and clamps out of range values.
func (o Options) normalized() Options {
	def := DefaultOptions()
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.HTTPTimeout == 0 {
		o.HTTPTimeout = def.HTTPTimeout
	}
	o.HTTPTimeout = clampTimeout(o.Logger, "http", o.HTTPTimeout)
	if o.UserAgent == "" {
		o.UserAgent = def.UserAgent
	}
	if o.TileCacheSize <= 0 {
		o.TileCacheSize = def.TileCacheSize
	}
	if o.SceneEPSG == 0 {
		o.SceneEPSG = def.SceneEPSG
	}
	if o.ReadAhead <= 0 {
		o.ReadAhead = def.ReadAhead
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = def.JoinTimeout
	}
	if o.Workers <= 0 {
		o.Workers = def.Workers
	}
	if o.ThumbnailWidth <= 0 {
		o.ThumbnailWidth = def.ThumbnailWidth
	}
	if o.Client == nil {
		o.Client = &fasthttp.Client{
			Name:                o.UserAgent,
			ReadTimeout:         o.HTTPTimeout,
			WriteTimeout:        o.HTTPTimeout,
			MaxIdleConnDuration: 30 * time.Second,
		}
	}
	return o
}

func clampTimeout(log *slog.Logger, what string, d time.Duration) time.Duration {
	if d < MinHTTPTimeout {
		log.Warn("timeout below minimum, using minimum", "kind", what, "requested", d, "minimum", MinHTTPTimeout)
		return MinHTTPTimeout
	}
	return d
}
