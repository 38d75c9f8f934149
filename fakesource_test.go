package rasterstream

import (
	"context"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"
)

// fakeSource is an in-memory Source whose reads can fail, block or panic per level.
// Every read returns a solid image whose green channel is the level.
type fakeSource struct {
	width, height int
	gt            Geotransform
	pyr           *Pyramid
	epsg          int

	mu     sync.Mutex
	fail   map[int]error
	reads  []int
	gate   chan struct{} // reads wait for it when set
	panics bool

	started chan int
}

func newFakeSource(t *testing.T, size int, scales ...float64) *fakeSource {
	t.Helper()
	if len(scales) == 0 {
		scales = []float64{1}
	}
	return &fakeSource{
		width:   size,
		height:  size,
		gt:      NorthUp(0, float64(size), 1, 1),
		pyr:     mustPyramid(t, scales...),
		epsg:    3857,
		fail:    make(map[int]error),
		started: make(chan int, 64),
	}
}

func (s *fakeSource) Locator() string            { return "fake" }
func (s *fakeSource) Width() int                 { return s.width }
func (s *fakeSource) Height() int                { return s.height }
func (s *fakeSource) BandCount() int             { return 4 }
func (s *fakeSource) EPSG() int                  { return s.epsg }
func (s *fakeSource) Geotransform() Geotransform { return s.gt }
func (s *fakeSource) Pyramid() *Pyramid          { return s.pyr }
func (s *fakeSource) Close() error               { return nil }

func (s *fakeSource) LevelSize(level int) (int, int) {
	scale := s.pyr.Scale(level)
	return int(float64(s.width)/scale + 0.5), int(float64(s.height)/scale + 0.5)
}

func (s *fakeSource) setFail(level int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, level)
		return
	}
	s.fail[level] = err
}

func (s *fakeSource) setGate(gate chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = gate
}

func (s *fakeSource) readLevels() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.reads...)
}

func (s *fakeSource) Read(ctx context.Context, level int, region PixelRect, dstW, dstH int, rs Resampling) (*image.RGBA, error) {
	s.mu.Lock()
	s.reads = append(s.reads, level)
	err := s.fail[level]
	gate := s.gate
	panics := s.panics
	s.mu.Unlock()

	select {
	case s.started <- level:
	default:
	}
	if panics {
		panic("corrupt block")
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, &ReadFailure{Level: level, Region: region, NotAvailable: true, Err: err}
	}

	img := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	c := color.RGBA{R: 1, G: uint8(level), B: 2, A: 255}
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img, nil
}

// waitFor polls cond until it holds or fails the test after five seconds.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
