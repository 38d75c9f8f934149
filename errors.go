package rasterstream

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDegenerateTransform is returned when a geotransform's linear part cannot be inverted.
var ErrDegenerateTransform = errors.New("degenerate geotransform")

// ErrWorkerStopped is returned by requests made after a stream worker was stopped.
var ErrWorkerStopped = errors.New("stream worker stopped")

// ErrOutsideRaster is returned when a viewport does not overlap the raster.
var ErrOutsideRaster = errors.New("viewport outside raster")

// ErrNoSource is returned by session operations that need a loaded raster.
var ErrNoSource = errors.New("no raster loaded")

// OpenError reports a raster that could not be opened.
type OpenError struct {
	Locator string
	Err     error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("failed to open raster %q: %v", e.Locator, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// ProjectionMismatchError is returned when a raster's CRS differs from the scene CRS.
type ProjectionMismatchError struct {
	Locator   string
	DataEPSG  int
	SceneEPSG int
}

func (e *ProjectionMismatchError) Error() string {
	return fmt.Sprintf("raster %q is in EPSG:%d but the scene uses EPSG:%d", e.Locator, e.DataEPSG, e.SceneEPSG)
}

// ReadFailure reports a failed read of one pyramid level.
// NotAvailable is set when the source has no data for the region at that level,
// as opposed to a transient or I/O failure.
type ReadFailure struct {
	Level        int
	Region       PixelRect
	NotAvailable bool
	Err          error
}

func (e *ReadFailure) Error() string {
	kind := "read failed"
	if e.NotAvailable {
		kind = "not available"
	}
	return fmt.Sprintf("level %d region %v: %s: %v", e.Level, e.Region, kind, e.Err)
}

func (e *ReadFailure) Unwrap() error { return e.Err }

// ExhaustedLevelsError is reported when every level in a fallback order failed.
type ExhaustedLevelsError struct {
	Levels   []int
	Failures []error
}

func (e *ExhaustedLevelsError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "all %d pyramid levels failed", len(e.Levels))
	if n := len(e.Failures); n > 0 {
		fmt.Fprintf(&sb, ", last: %v", e.Failures[n-1])
	}
	return sb.String()
}

// Unwrap exposes every per-level failure to errors.Is and errors.As.
func (e *ExhaustedLevelsError) Unwrap() []error { return e.Failures }

// WorkerDiedError is returned by a stream worker whose loop terminated abnormally.
type WorkerDiedError struct {
	Source string
	Cause  error
}

func (e *WorkerDiedError) Error() string {
	return fmt.Sprintf("stream worker for %q died: %v", e.Source, e.Cause)
}

func (e *WorkerDiedError) Unwrap() error { return e.Cause }

// notAvailable wraps err as a ReadFailure flagged as missing data.
func notAvailable(level int, region PixelRect, err error) *ReadFailure {
	return &ReadFailure{Level: level, Region: region, NotAvailable: true, Err: err}
}

// asReadFailure converts any read error into a ReadFailure for the given level.
func asReadFailure(level int, region PixelRect, err error) *ReadFailure {
	var rf *ReadFailure
	if errors.As(err, &rf) {
		return rf
	}
	return &ReadFailure{Level: level, Region: region, Err: err}
}
