package rasterstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/paulmach/orb"
)

// ViewportRequest asks for the pixels of Bounds (world units) at PixelsPerUnit
// screen pixels per world unit.
type ViewportRequest struct {
	Bounds        orb.Bound
	PixelsPerUnit float64
}

// WorkerState is the lifecycle state of a StreamWorker.
type WorkerState int

const (
	// StateIdle waits for a request that differs from the last serviced one.
	StateIdle WorkerState = iota
	// StateBusy services the pending request.
	StateBusy
	// StateStopped is terminal, after Stop or a panic.
	StateStopped
)

func (s WorkerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	default:
		return "stopped"
	}
}

// StreamWorker turns a stream of viewport requests into frames of one source.
// Only the latest request is kept; requests arriving while a read is in flight
// replace each other and the worker services the newest one next.
type StreamWorker struct {
	src         Source
	sink        *FrameSink
	log         *slog.Logger
	joinTimeout time.Duration
	inv         Geotransform
	resolution  float64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	cond       *sync.Cond
	pending    ViewportRequest
	hasPending bool
	last       ViewportRequest
	state      WorkerState
	started    bool
	stopping   bool
	cause      error
}

// NewStreamWorker creates a worker for src. It fails with ErrDegenerateTransform
// when the source geotransform cannot be inverted.
func NewStreamWorker(src Source, sink *FrameSink, opts Options) (*StreamWorker, error) {
	opts = opts.normalized()
	inv, err := src.Geotransform().Invert()
	if err != nil {
		return nil, fmt.Errorf("failed to create stream worker for %s: %w", src.Locator(), err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &StreamWorker{
		src:         src,
		sink:        sink,
		log:         opts.Logger.With("source", src.Locator()),
		joinTimeout: opts.JoinTimeout,
		inv:         inv,
		resolution:  src.Geotransform().Resolution(),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		state:       StateIdle,
	}
	w.cond = sync.NewCond(&w.mu)
	return w, nil
}

// Resolution is the ground sample distance of the source in world units per pixel.
func (w *StreamWorker) Resolution() float64 { return w.resolution }

// State returns the current lifecycle state.
func (w *StreamWorker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Start launches the worker goroutine and reports the source resolution.
func (w *StreamWorker) Start() {
	w.mu.Lock()
	if w.started || w.stopping {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	w.sink.ReportResolution(w.resolution)
	go w.run()
}

// RequestViewport replaces the pending request. It never blocks on I/O.
// After the worker died it returns a *WorkerDiedError carrying the original cause.
func (w *StreamWorker) RequestViewport(bounds orb.Bound, pixelsPerUnit float64) error {
	if !(pixelsPerUnit > 0) {
		return fmt.Errorf("invalid pixels per unit: %g", pixelsPerUnit)
	}
	req := ViewportRequest{Bounds: bounds, PixelsPerUnit: pixelsPerUnit}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cause != nil {
		return &WorkerDiedError{Source: w.src.Locator(), Cause: w.cause}
	}
	if w.stopping {
		return ErrWorkerStopped
	}
	w.pending = req
	// the request being serviced, or just serviced, already covers this one
	w.hasPending = req != w.last
	if w.hasPending {
		w.cond.Signal()
	}
	return nil
}

// Stop cancels outstanding reads and waits up to the join timeout for the worker
// to exit. It returns a *WorkerDiedError when the worker had died.
func (w *StreamWorker) Stop() error {
	w.mu.Lock()
	w.stopping = true
	started := w.started
	w.cond.Broadcast()
	w.mu.Unlock()
	w.cancel()

	if started {
		select {
		case <-w.done:
		case <-time.After(w.joinTimeout):
			w.log.Warn("stream worker did not stop in time", "timeout", w.joinTimeout)
		}
	} else {
		w.mu.Lock()
		if w.state != StateStopped {
			w.state = StateStopped
			close(w.done)
		}
		w.mu.Unlock()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cause != nil {
		return &WorkerDiedError{Source: w.src.Locator(), Cause: w.cause}
	}
	return nil
}

// Done is closed when the worker goroutine has exited, or by Stop if it never started.
func (w *StreamWorker) Done() <-chan struct{} { return w.done }

func (w *StreamWorker) run() {
	defer close(w.done)
	defer func() {
		if r := recover(); r != nil {
			w.die(fmt.Errorf("panic: %v", r), debug.Stack())
		}
		w.mu.Lock()
		w.state = StateStopped
		w.mu.Unlock()
		w.sink.SetBusy(false)
	}()

	for {
		req, ok := w.next()
		if !ok {
			return
		}
		if err := w.service(req); err != nil {
			w.die(err, nil)
			return
		}
	}
}

// next blocks until a new request or a stop arrives.
func (w *StreamWorker) next() (ViewportRequest, bool) {
	w.mu.Lock()
	if !w.hasPending && !w.stopping {
		w.state = StateIdle
		w.mu.Unlock()
		w.sink.SetBusy(false)
		w.mu.Lock()
	}
	for !w.hasPending && !w.stopping {
		w.cond.Wait()
	}
	if w.stopping {
		w.mu.Unlock()
		return ViewportRequest{}, false
	}
	req := w.pending
	w.last = req
	w.hasPending = false
	w.state = StateBusy
	w.mu.Unlock()

	w.sink.SetBusy(true)
	return req, true
}

func (w *StreamWorker) die(err error, stack []byte) {
	w.mu.Lock()
	w.cause = err
	w.mu.Unlock()

	if stack != nil {
		w.log.Error("stream worker died", "error", err, "stack", string(stack))
	} else {
		w.log.Error("stream worker died", "error", err)
	}
	w.sink.ReportError(&WorkerDiedError{Source: w.src.Locator(), Cause: err})
}

// service produces one frame for req. A non-nil error is fatal to the worker.
func (w *StreamWorker) service(req ViewportRequest) error {
	start := time.Now()
	frame, err := renderViewport(w.ctx, w.src, w.inv, req, w.log)

	var exhausted *ExhaustedLevelsError
	switch {
	case w.ctx.Err() != nil:
		return nil
	case errors.Is(err, ErrOutsideRaster):
		w.log.Debug("viewport outside raster", "bounds", req.Bounds)
		return nil
	case err == nil:
		w.sink.PublishFrame(frame)
	case errors.As(err, &exhausted):
		w.sink.PublishFrame(frame)
		w.log.Error("no pyramid level could serve viewport", "levels", exhausted.Levels, "error", err)
		w.sink.ReportError(exhausted)
	default:
		return err
	}

	elapsed := time.Since(start)
	w.log.Debug("viewport serviced", "level", frame.Level, "elapsed", elapsed)
	w.sink.ReportResponseTime(elapsed)
	return nil
}

// Render reads the viewport bounds at pixelsPerUnit from src without a worker.
// When no pyramid level can serve it, Render returns a placeholder frame
// together with the *ExhaustedLevelsError.
func Render(ctx context.Context, src Source, bounds orb.Bound, pixelsPerUnit float64, log *slog.Logger) (Frame, error) {
	if !(pixelsPerUnit > 0) {
		return Frame{}, fmt.Errorf("invalid pixels per unit: %g", pixelsPerUnit)
	}
	inv, err := src.Geotransform().Invert()
	if err != nil {
		return Frame{}, err
	}
	if log == nil {
		log = slog.Default()
	}
	return renderViewport(ctx, src, inv, ViewportRequest{Bounds: bounds, PixelsPerUnit: pixelsPerUnit}, log)
}

func renderViewport(ctx context.Context, src Source, inv Geotransform, req ViewportRequest, log *slog.Logger) (Frame, error) {
	gt := src.Geotransform()
	pyr := src.Pyramid()

	region := coverRegion(inv, req.Bounds).Intersect(Rect(src.Width(), src.Height()))
	if region.Empty() {
		return Frame{}, ErrOutsideRaster
	}

	viewScale := ViewScale(req.PixelsPerUnit, gt.Resolution())
	order := pyr.FallbackOrder(viewScale)
	log.Debug("selected pyramid level", "view_scale", viewScale, "levels", order)
	res, err := readFallback(ctx, src, order, region, nativeSize, Nearest, log)

	var exhausted *ExhaustedLevelsError
	switch {
	case err == nil:
		return Frame{
			Image:  res.Image,
			Bounds: gt.PixelRectToWorld(res.Region, pyr.Scale(res.Level)),
			Level:  res.Level,
		}, nil
	case ctx.Err() == nil && errors.As(err, &exhausted):
		coarsest := region.ScaleDown(pyr.Scale(order[len(order)-1]))
		return Frame{
			Image:       placeholderImage(coarsest.Dx(), coarsest.Dy()),
			Bounds:      req.Bounds,
			Level:       -1,
			Placeholder: true,
		}, err
	default:
		return Frame{}, err
	}
}
