package rasterstream

import (
	"context"
	"image"
	"log/slog"
	"sync"

	"github.com/paulmach/orb"
)

// Session owns everything needed to show one raster with its scene objects:
// the frame sink, the stream worker of the loaded raster, the thumbnail pool and the scene.
type Session struct {
	opts  Options
	log   *slog.Logger
	sink  *FrameSink
	pool  *FetchPool
	scene *Scene

	mu     sync.Mutex
	src    Source
	worker *StreamWorker
	closed bool
}

// NewSession creates a session with no raster loaded.
func NewSession(opts Options, cb SinkCallbacks) *Session {
	return NewSessionWithFetcher(opts, cb, nil)
}

// NewSessionWithFetcher is NewSession with a custom thumbnail fetcher.
// A nil fetcher uses a ThumbnailFetcher.
func NewSessionWithFetcher(opts Options, cb SinkCallbacks, fetcher Fetcher) *Session {
	opts = opts.normalized()
	if fetcher == nil {
		fetcher = NewThumbnailFetcher(opts)
	}
	s := &Session{
		opts: opts,
		log:  opts.Logger,
		sink: NewFrameSink(cb),
	}
	s.pool = NewFetchPool(fetcher, func(tok FetchToken, img *image.RGBA) {
		s.scene.Deliver(tok, img)
	}, opts)
	s.scene = NewScene(s.pool, opts.OnThumbnailReady, opts)
	return s
}

// Sink returns the frame sink of the session.
func (s *Session) Sink() *FrameSink { return s.sink }

// Scene returns the scene of the session.
func (s *Session) Scene() *Scene { return s.scene }

// Pool returns the thumbnail pool of the session.
func (s *Session) Pool() *FetchPool { return s.pool }

// Source returns the loaded raster, nil when none is loaded.
func (s *Session) Source() Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.src
}

// Load opens loc and replaces the current raster. The raster must be in the scene
// CRS; otherwise a *ProjectionMismatchError is returned and the current raster stays.
func (s *Session) Load(ctx context.Context, loc Locator) error {
	src, err := Open(ctx, loc, s.opts)
	if err != nil {
		return err
	}
	if !SameCRS(src.EPSG(), s.opts.SceneEPSG) {
		src.Close()
		return &ProjectionMismatchError{Locator: src.Locator(), DataEPSG: src.EPSG(), SceneEPSG: s.opts.SceneEPSG}
	}
	w, err := NewStreamWorker(src, s.sink, s.opts)
	if err != nil {
		src.Close()
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		src.Close()
		return ErrWorkerStopped
	}
	oldSrc, oldWorker := s.src, s.worker
	s.src, s.worker = src, w
	s.mu.Unlock()

	s.release(oldSrc, oldWorker)
	w.Start()
	s.log.Info("raster loaded",
		"locator", src.Locator(), "width", src.Width(), "height", src.Height(),
		"epsg", src.EPSG(), "resolution", w.Resolution(), "levels", src.Pyramid().Len())
	return nil
}

// RequestViewport forwards a viewport to the stream worker and the scene.
func (s *Session) RequestViewport(bounds orb.Bound, pixelsPerUnit float64) error {
	s.mu.Lock()
	w := s.worker
	s.mu.Unlock()
	if w == nil {
		return ErrNoSource
	}
	if err := w.RequestViewport(bounds, pixelsPerUnit); err != nil {
		return err
	}
	s.scene.SetViewport(bounds)
	return nil
}

// Unload stops the worker and closes the raster. It returns the cause if the worker had died.
func (s *Session) Unload() error {
	s.mu.Lock()
	src, w := s.src, s.worker
	s.src, s.worker = nil, nil
	s.mu.Unlock()
	return s.release(src, w)
}

// Close unloads the raster and shuts down the thumbnail pool without waiting for it.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	err := s.Unload()
	s.pool.Close()
	return err
}

func (s *Session) release(src Source, w *StreamWorker) error {
	if w == nil {
		return nil
	}
	err := w.Stop()
	if err != nil {
		s.log.Warn("previous stream worker had died", "locator", src.Locator(), "error", err)
	}
	if cerr := src.Close(); cerr != nil {
		s.log.Warn("failed to close raster", "locator", src.Locator(), "error", cerr)
	}
	s.sink.Reset()
	return err
}
