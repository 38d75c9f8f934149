package rasterstream

import (
	"image"
	"image/color"
	"sync"
	"time"

	"github.com/paulmach/orb"
)

// PlaceholderColor fills frames for regions no pyramid level could serve.
var PlaceholderColor = color.RGBA{R: 255, G: 0, B: 255, A: 255}

// Frame is one rendered viewport: pixels plus the world rectangle they cover.
type Frame struct {
	Image  *image.RGBA
	Bounds orb.Bound
	// Level is the pyramid level the pixels came from, -1 for placeholders.
	Level       int
	Placeholder bool
}

// SinkCallbacks receive worker output. Every field is optional. Callbacks run on
// the worker goroutine and must not block for long.
type SinkCallbacks struct {
	OnFrame           func(Frame)
	OnResponseTime    func(time.Duration)
	OnBusyChanged     func(busy bool)
	OnResolutionKnown func(unitsPerPixel float64)
	OnError           func(error)
}

// FrameSink holds the latest frame of a viewport and notifies consumers.
// Updates coalesce: a slow consumer wakes once and reads only the newest frame.
type FrameSink struct {
	cb      SinkCallbacks
	updates chan struct{}

	mu      sync.Mutex
	frame   Frame
	hasData bool
	busy    bool
	lastErr error
}

// NewFrameSink creates a sink delivering to cb.
func NewFrameSink(cb SinkCallbacks) *FrameSink {
	return &FrameSink{cb: cb, updates: make(chan struct{}, 1)}
}

// Updates is signalled after every new frame. It never blocks the producer.
func (s *FrameSink) Updates() <-chan struct{} {
	return s.updates
}

// Latest returns the most recent frame.
func (s *FrameSink) Latest() (Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame, s.hasData
}

// Busy reports whether a worker is currently producing a frame.
func (s *FrameSink) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// LastError returns the last error reported to the sink.
func (s *FrameSink) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// PublishFrame replaces the current frame.
func (s *FrameSink) PublishFrame(f Frame) {
	s.mu.Lock()
	s.frame = f
	s.hasData = true
	s.mu.Unlock()

	select {
	case s.updates <- struct{}{}:
	default:
	}
	if s.cb.OnFrame != nil {
		s.cb.OnFrame(f)
	}
}

// SetBusy records the busy state and notifies on transitions only.
func (s *FrameSink) SetBusy(busy bool) {
	s.mu.Lock()
	changed := s.busy != busy
	s.busy = busy
	s.mu.Unlock()

	if changed && s.cb.OnBusyChanged != nil {
		s.cb.OnBusyChanged(busy)
	}
}

// ReportResponseTime forwards the duration of one serviced request.
func (s *FrameSink) ReportResponseTime(d time.Duration) {
	if s.cb.OnResponseTime != nil {
		s.cb.OnResponseTime(d)
	}
}

// ReportResolution forwards the ground sample distance of a loaded raster.
func (s *FrameSink) ReportResolution(unitsPerPixel float64) {
	if s.cb.OnResolutionKnown != nil {
		s.cb.OnResolutionKnown(unitsPerPixel)
	}
}

// ReportError records and forwards an error.
func (s *FrameSink) ReportError(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()

	if s.cb.OnError != nil {
		s.cb.OnError(err)
	}
}

// Reset drops the current frame, e.g. when a raster is unloaded.
func (s *FrameSink) Reset() {
	s.mu.Lock()
	s.frame = Frame{}
	s.hasData = false
	s.lastErr = nil
	s.mu.Unlock()
}

// placeholderImage returns a w x h image filled with PlaceholderColor.
func placeholderImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, max(w, 1), max(h, 1)))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = PlaceholderColor.R
		img.Pix[i+1] = PlaceholderColor.G
		img.Pix[i+2] = PlaceholderColor.B
		img.Pix[i+3] = PlaceholderColor.A
	}
	return img
}
