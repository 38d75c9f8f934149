package rasterstream

import (
	"errors"
	"testing"
	"time"

	"github.com/paulmach/orb"
)

func TestFrameSinkCoalescesUpdates(t *testing.T) {
	var delivered []int
	sink := NewFrameSink(SinkCallbacks{OnFrame: func(f Frame) { delivered = append(delivered, f.Level) }})

	if _, ok := sink.Latest(); ok {
		t.Fatal("Expected no frame before the first publish")
	}
	for level := 0; level < 3; level++ {
		sink.PublishFrame(Frame{Level: level})
	}

	select {
	case <-sink.Updates():
	default:
		t.Fatal("Expected a pending update")
	}
	select {
	case <-sink.Updates():
		t.Fatal("Expected updates to coalesce into one signal")
	default:
	}

	f, ok := sink.Latest()
	if !ok || f.Level != 2 {
		t.Errorf("Expected latest frame of level 2, got %+v", f)
	}
	if len(delivered) != 3 {
		t.Errorf("Expected every frame passed to OnFrame, got %v", delivered)
	}
}

func TestFrameSinkBusyTransitions(t *testing.T) {
	var changes []bool
	sink := NewFrameSink(SinkCallbacks{OnBusyChanged: func(b bool) { changes = append(changes, b) }})

	sink.SetBusy(false)
	sink.SetBusy(true)
	sink.SetBusy(true)
	sink.SetBusy(false)

	if len(changes) != 2 || !changes[0] || changes[1] {
		t.Errorf("Expected [true false], got %v", changes)
	}
	if sink.Busy() {
		t.Error("Expected idle sink")
	}
}

func TestFrameSinkReports(t *testing.T) {
	var (
		gotErr  error
		gotRes  float64
		gotTime time.Duration
	)
	sink := NewFrameSink(SinkCallbacks{
		OnError:           func(err error) { gotErr = err },
		OnResolutionKnown: func(r float64) { gotRes = r },
		OnResponseTime:    func(d time.Duration) { gotTime = d },
	})

	boom := errors.New("boom")
	sink.ReportError(boom)
	sink.ReportResolution(0.5)
	sink.ReportResponseTime(time.Second)

	if gotErr != boom || sink.LastError() != boom {
		t.Errorf("Expected error to be forwarded and recorded, got %v / %v", gotErr, sink.LastError())
	}
	if gotRes != 0.5 || gotTime != time.Second {
		t.Errorf("Unexpected resolution %g or response time %v", gotRes, gotTime)
	}

	sink.PublishFrame(Frame{Bounds: orb.Bound{Max: orb.Point{1, 1}}})
	sink.Reset()
	if _, ok := sink.Latest(); ok {
		t.Error("Expected no frame after reset")
	}
	if sink.LastError() != nil {
		t.Error("Expected reset to clear the last error")
	}
}

func TestFrameSinkNoCallbacks(t *testing.T) {
	sink := NewFrameSink(SinkCallbacks{})
	sink.PublishFrame(Frame{})
	sink.SetBusy(true)
	sink.ReportError(errors.New("x"))
	sink.ReportResolution(1)
	sink.ReportResponseTime(time.Millisecond)
}

func TestPlaceholderImage(t *testing.T) {
	img := placeholderImage(3, 2)
	if b := img.Bounds(); b.Dx() != 3 || b.Dy() != 2 {
		t.Fatalf("Expected 3x2, got %v", b)
	}
	for y := 0; y < 2; y++ {
		for x := 0; x < 3; x++ {
			if got := img.RGBAAt(x, y); got != PlaceholderColor {
				t.Fatalf("Pixel (%d,%d) is %v", x, y, got)
			}
		}
	}
	if b := placeholderImage(0, 0).Bounds(); b.Dx() != 1 || b.Dy() != 1 {
		t.Errorf("Expected 1x1 minimum, got %v", b)
	}
}
