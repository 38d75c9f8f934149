package rasterstream

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"
)

func bound(minX, minY, maxX, maxY float64) orb.Bound {
	return orb.Bound{Min: orb.Point{minX, minY}, Max: orb.Point{maxX, maxY}}
}

func TestRenderSelectsLevel(t *testing.T) {
	src := newFakeSource(t, 1024, 1, 2, 4, 8)

	f, err := Render(context.Background(), src, bound(0, 0, 1024, 1024), 1/3.7, nil)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if f.Level != 1 || f.Placeholder {
		t.Errorf("Expected level 1 frame, got level %d placeholder %v", f.Level, f.Placeholder)
	}
	if b := f.Image.Bounds(); b.Dx() != 512 || b.Dy() != 512 {
		t.Errorf("Expected 512x512 image, got %v", b)
	}
	if f.Bounds != bound(0, 0, 1024, 1024) {
		t.Errorf("Expected raster bounds, got %v", f.Bounds)
	}
}

func TestRenderFallsBackToCoarserLevel(t *testing.T) {
	src := newFakeSource(t, 1024, 1, 2, 4, 8)
	src.setFail(1, errors.New("no overview data"))

	f, err := Render(context.Background(), src, bound(10, 10, 100, 100), 1/2.0, nil)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if f.Level != 2 {
		t.Fatalf("Expected level 2, got %d", f.Level)
	}
	if got := src.readLevels(); !slices.Equal(got, []int{1, 2}) {
		t.Errorf("Expected reads of levels [1 2], got %v", got)
	}
	// bounds describe the level 2 pixels actually read, not the request
	if want := bound(8, 8, 100, 100); f.Bounds != want {
		t.Errorf("Expected bounds %v, got %v", want, f.Bounds)
	}
	if b := f.Image.Bounds(); b.Dx() != 23 || b.Dy() != 23 {
		t.Errorf("Expected 23x23 image, got %v", b)
	}
	if got := f.Image.RGBAAt(0, 0).G; got != 2 {
		t.Errorf("Expected pixels of level 2, got level %d", got)
	}
}

func TestRenderExhaustedLevels(t *testing.T) {
	src := newFakeSource(t, 1024, 1, 2, 4, 8)
	for level := 0; level < 4; level++ {
		src.setFail(level, errors.New("gone"))
	}

	req := bound(10, 10, 100, 100)
	f, err := Render(context.Background(), src, req, 1/2.0, nil)
	var exhausted *ExhaustedLevelsError
	if !errors.As(err, &exhausted) {
		t.Fatalf("Expected *ExhaustedLevelsError, got %v", err)
	}
	if !slices.Equal(exhausted.Levels, []int{1, 2, 3}) || len(exhausted.Failures) != 3 {
		t.Errorf("Expected failures of levels [1 2 3], got %v with %d failures", exhausted.Levels, len(exhausted.Failures))
	}
	var rf *ReadFailure
	if !errors.As(err, &rf) || !rf.NotAvailable {
		t.Errorf("Expected per-level failures to be reachable, got %v", err)
	}

	if !f.Placeholder || f.Level != -1 {
		t.Fatalf("Expected placeholder frame, got %+v", f)
	}
	if f.Bounds != req {
		t.Errorf("Expected placeholder at requested bounds, got %v", f.Bounds)
	}
	// sized as the region at the coarsest level
	if b := f.Image.Bounds(); b.Dx() != 12 || b.Dy() != 12 {
		t.Errorf("Expected 12x12 placeholder, got %v", b)
	}
	if f.Image.RGBAAt(5, 5) != PlaceholderColor {
		t.Errorf("Expected placeholder color, got %v", f.Image.RGBAAt(5, 5))
	}
}

func TestRenderErrors(t *testing.T) {
	src := newFakeSource(t, 64)
	ctx := context.Background()

	if _, err := Render(ctx, src, bound(100, 100, 200, 200), 1, nil); !errors.Is(err, ErrOutsideRaster) {
		t.Errorf("Expected ErrOutsideRaster, got %v", err)
	}
	if _, err := Render(ctx, src, bound(0, 0, 10, 10), 0, nil); err == nil {
		t.Error("Expected error for zero zoom")
	}

	src.gt = Geotransform{0, 1, 1, 0, 1, 1}
	if _, err := Render(ctx, src, bound(0, 0, 10, 10), 1, nil); !errors.Is(err, ErrDegenerateTransform) {
		t.Errorf("Expected ErrDegenerateTransform, got %v", err)
	}
	if _, err := NewStreamWorker(src, NewFrameSink(SinkCallbacks{}), Options{}); !errors.Is(err, ErrDegenerateTransform) {
		t.Errorf("Expected worker creation to fail, got %v", err)
	}
}

// recorder collects sink callbacks.
type recorder struct {
	mu     sync.Mutex
	frames []Frame
	errs   []error
	busy   []bool
	res    []float64
	times  int
}

func (r *recorder) callbacks() SinkCallbacks {
	return SinkCallbacks{
		OnFrame: func(f Frame) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.frames = append(r.frames, f)
		},
		OnError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		},
		OnBusyChanged: func(b bool) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.busy = append(r.busy, b)
		},
		OnResolutionKnown: func(v float64) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.res = append(r.res, v)
		},
		OnResponseTime: func(time.Duration) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.times++
		},
	}
}

func (r *recorder) frameCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func (r *recorder) errCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

func (r *recorder) busyChanges() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.busy...)
}

func startWorker(t *testing.T, src Source, rec *recorder) (*StreamWorker, *FrameSink) {
	t.Helper()
	sink := NewFrameSink(rec.callbacks())
	w, err := NewStreamWorker(src, sink, Options{JoinTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("NewStreamWorker failed: %v", err)
	}
	w.Start()
	t.Cleanup(func() { w.Stop() })
	return w, sink
}

func TestStreamWorkerPublishesFrame(t *testing.T) {
	src := newFakeSource(t, 256, 1, 2)
	rec := &recorder{}
	w, sink := startWorker(t, src, rec)

	if w.Resolution() != 1 {
		t.Errorf("Expected resolution 1, got %g", w.Resolution())
	}
	if err := w.RequestViewport(bound(0, 0, 128, 128), 1); err != nil {
		t.Fatal(err)
	}

	select {
	case <-sink.Updates():
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for a frame")
	}
	f, _ := sink.Latest()
	if f.Level != 0 || f.Bounds != bound(0, 0, 128, 128) {
		t.Errorf("Expected level 0 frame of the request, got level %d bounds %v", f.Level, f.Bounds)
	}

	waitFor(t, "idle worker", func() bool { return w.State() == StateIdle })
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.res) != 1 || rec.res[0] != 1 {
		t.Errorf("Expected resolution reported once, got %v", rec.res)
	}
	if rec.times != 1 {
		t.Errorf("Expected one response time, got %d", rec.times)
	}
}

func TestStreamWorkerKeepsOnlyLatestRequest(t *testing.T) {
	src := newFakeSource(t, 256)
	gate := make(chan struct{})
	src.setGate(gate)
	rec := &recorder{}
	w, _ := startWorker(t, src, rec)

	if err := w.RequestViewport(bound(0, 0, 10, 10), 1); err != nil {
		t.Fatal(err)
	}
	select {
	case <-src.started:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for the first read")
	}

	// replaced while the first read is in flight
	for i := 1; i <= 3; i++ {
		if err := w.RequestViewport(bound(0, 0, float64(10+i), float64(10+i)), 1); err != nil {
			t.Fatal(err)
		}
	}
	close(gate)

	waitFor(t, "two frames", func() bool { return rec.frameCount() == 2 })
	waitFor(t, "idle worker", func() bool { return w.State() == StateIdle })

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.frames) != 2 {
		t.Fatalf("Expected 2 frames, got %d", len(rec.frames))
	}
	if got := rec.frames[1].Bounds; got != bound(0, 0, 13, 13) {
		t.Errorf("Expected the newest request to be serviced, got %v", got)
	}
	if n := len(src.readLevels()); n != 2 {
		t.Errorf("Expected 2 reads, got %d", n)
	}
}

func TestStreamWorkerSkipsIdenticalRequest(t *testing.T) {
	src := newFakeSource(t, 256)
	rec := &recorder{}
	w, _ := startWorker(t, src, rec)

	w.RequestViewport(bound(0, 0, 50, 50), 1)
	waitFor(t, "first frame", func() bool { return rec.frameCount() == 1 })
	waitFor(t, "idle worker", func() bool { return w.State() == StateIdle })

	w.RequestViewport(bound(0, 0, 50, 50), 1)
	w.RequestViewport(bound(0, 0, 60, 60), 1)
	waitFor(t, "second frame", func() bool { return rec.frameCount() == 2 })

	if n := len(src.readLevels()); n != 2 {
		t.Errorf("Expected 2 reads, got %d", n)
	}
}

func TestStreamWorkerExhaustedLevels(t *testing.T) {
	src := newFakeSource(t, 256, 1, 2)
	src.setFail(0, errors.New("gone"))
	src.setFail(1, errors.New("gone"))
	rec := &recorder{}
	w, sink := startWorker(t, src, rec)

	w.RequestViewport(bound(0, 0, 64, 64), 1)
	waitFor(t, "placeholder", func() bool { return rec.frameCount() == 1 })
	waitFor(t, "idle worker", func() bool { return w.State() == StateIdle })

	rec.mu.Lock()
	f := rec.frames[0]
	errs := append([]error(nil), rec.errs...)
	rec.mu.Unlock()

	if !f.Placeholder {
		t.Errorf("Expected placeholder frame, got %+v", f)
	}
	if len(errs) != 1 {
		t.Fatalf("Expected exactly one error, got %v", errs)
	}
	var exhausted *ExhaustedLevelsError
	if !errors.As(errs[0], &exhausted) {
		t.Errorf("Expected *ExhaustedLevelsError, got %v", errs[0])
	}
	if !errors.As(sink.LastError(), &exhausted) {
		t.Errorf("Expected sink to record the error, got %v", sink.LastError())
	}

	// the worker survives and serves the next request
	src.setFail(0, nil)
	if err := w.RequestViewport(bound(0, 0, 32, 32), 1); err != nil {
		t.Fatalf("Expected worker to stay alive, got %v", err)
	}
	waitFor(t, "real frame", func() bool { return rec.frameCount() == 2 })
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.frames[1].Placeholder || rec.frames[1].Level != 0 {
		t.Errorf("Expected level 0 frame, got %+v", rec.frames[1])
	}
}

func TestStreamWorkerOutsideRaster(t *testing.T) {
	src := newFakeSource(t, 256)
	rec := &recorder{}
	w, _ := startWorker(t, src, rec)

	w.RequestViewport(bound(1000, 1000, 2000, 2000), 1)
	waitFor(t, "serviced request", func() bool {
		b := rec.busyChanges()
		return len(b) == 2
	})
	if rec.frameCount() != 0 || rec.errCount() != 0 {
		t.Errorf("Expected no frame and no error, got %d frames %d errors", rec.frameCount(), rec.errCount())
	}
	if len(src.readLevels()) != 0 {
		t.Error("Expected no reads")
	}
}

func TestStreamWorkerBusyTransitions(t *testing.T) {
	src := newFakeSource(t, 256)
	rec := &recorder{}
	w, sink := startWorker(t, src, rec)

	w.RequestViewport(bound(0, 0, 64, 64), 1)
	waitFor(t, "busy cycle", func() bool { return len(rec.busyChanges()) == 2 })

	if got := rec.busyChanges(); !slices.Equal(got, []bool{true, false}) {
		t.Errorf("Expected [true false], got %v", got)
	}
	if sink.Busy() {
		t.Error("Expected sink to be idle")
	}
}

func TestStreamWorkerPanicKillsWorker(t *testing.T) {
	src := newFakeSource(t, 256)
	src.panics = true
	rec := &recorder{}
	w, _ := startWorker(t, src, rec)

	w.RequestViewport(bound(0, 0, 64, 64), 1)
	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for the worker to die")
	}

	if w.State() != StateStopped {
		t.Errorf("Expected stopped worker, got %v", w.State())
	}
	rec.mu.Lock()
	errs := append([]error(nil), rec.errs...)
	rec.mu.Unlock()
	var died *WorkerDiedError
	if len(errs) != 1 || !errors.As(errs[0], &died) {
		t.Fatalf("Expected one *WorkerDiedError, got %v", errs)
	}

	err := w.RequestViewport(bound(0, 0, 32, 32), 1)
	if !errors.As(err, &died) || died.Source != "fake" {
		t.Errorf("Expected requests to fail with the original cause, got %v", err)
	}
	if err := w.Stop(); !errors.As(err, &died) {
		t.Errorf("Expected Stop to report the death, got %v", err)
	}
	if rec.frameCount() != 0 {
		t.Error("Expected no frame from a dead worker")
	}
}

func TestStreamWorkerStopCancelsRead(t *testing.T) {
	src := newFakeSource(t, 256)
	src.setGate(make(chan struct{})) // never opened
	rec := &recorder{}
	sink := NewFrameSink(rec.callbacks())
	w, err := NewStreamWorker(src, sink, Options{JoinTimeout: 2 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	w.Start()

	w.RequestViewport(bound(0, 0, 64, 64), 1)
	<-src.started

	start := time.Now()
	if err := w.Stop(); err != nil {
		t.Errorf("Expected clean stop, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Stop took %v", elapsed)
	}
	if w.State() != StateStopped {
		t.Errorf("Expected stopped state, got %v", w.State())
	}
	if rec.frameCount() != 0 || rec.errCount() != 0 {
		t.Errorf("Expected cancelled read to publish nothing, got %d frames %d errors", rec.frameCount(), rec.errCount())
	}
	if err := w.RequestViewport(bound(0, 0, 32, 32), 1); !errors.Is(err, ErrWorkerStopped) {
		t.Errorf("Expected ErrWorkerStopped, got %v", err)
	}
}

func TestStreamWorkerStopBeforeStart(t *testing.T) {
	src := newFakeSource(t, 16)
	w, err := NewStreamWorker(src, NewFrameSink(SinkCallbacks{}), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Stop(); err != nil {
		t.Errorf("Expected clean stop, got %v", err)
	}
	if w.State() != StateStopped {
		t.Errorf("Expected stopped state, got %v", w.State())
	}
	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("Expected Done to be closed")
	}
	if err := w.Stop(); err != nil {
		t.Errorf("Expected a second stop to succeed, got %v", err)
	}
	w.Start() // no effect after stop
	if err := w.RequestViewport(bound(0, 0, 1, 1), 1); !errors.Is(err, ErrWorkerStopped) {
		t.Errorf("Expected ErrWorkerStopped, got %v", err)
	}
	if err := w.RequestViewport(bound(0, 0, 1, 1), -1); err == nil {
		t.Error("Expected error for negative zoom")
	}
}
