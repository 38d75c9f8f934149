package rasterstream

import (
	"context"
	"errors"
	"image"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// deliveries records what a pool delivered, by object and request width.
type deliveries struct {
	mu   sync.Mutex
	got  []string
	errs map[string]error
}

func (d *deliveries) deliver(tok FetchToken, img *image.RGBA) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.got = append(d.got, tok.ObjectID+"@"+strconv.Itoa(img.Bounds().Dx()))
}

func (d *deliveries) onError(id string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.errs == nil {
		d.errs = make(map[string]error)
	}
	d.errs[id] = err
}

func (d *deliveries) list() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.got...)
}

func (d *deliveries) err(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.errs[id]
}

func newTestPool(t *testing.T, workers int, fetch FetcherFunc) (*FetchPool, *deliveries) {
	t.Helper()
	d := &deliveries{}
	p := NewFetchPool(fetch, d.deliver, Options{Workers: workers, OnFetchError: d.onError})
	t.Cleanup(p.Close)
	return p, d
}

func sized(w int) *image.RGBA {
	return image.NewRGBA(image.Rect(0, 0, w, 1))
}

func TestFetchPoolDiscardsStaleResult(t *testing.T) {
	slow := make(chan struct{})
	slowStarted := make(chan struct{})
	slowDone := make(chan struct{})
	p, d := newTestPool(t, 2, func(ctx context.Context, req FetchRequest) (*image.RGBA, error) {
		if req.Width == 1 {
			// ignores cancellation
			close(slowStarted)
			<-slow
			defer close(slowDone)
			return sized(1), nil
		}
		return sized(req.Width), nil
	})

	a := p.Request(FetchRequest{ObjectID: "obj", Width: 1})
	<-slowStarted
	b := p.Request(FetchRequest{ObjectID: "obj", Width: 2})
	if b.Generation != a.Generation+1 {
		t.Errorf("Expected increasing generations, got %d then %d", a.Generation, b.Generation)
	}

	waitFor(t, "fast delivery", func() bool { return len(d.list()) == 1 })
	close(slow)
	<-slowDone
	time.Sleep(50 * time.Millisecond)

	if got := d.list(); !slices.Equal(got, []string{"obj@2"}) {
		t.Errorf("Expected only the newest thumbnail, got %v", got)
	}
	if tok, ok := p.Latest("obj"); !ok || tok != b {
		t.Errorf("Expected latest token %v, got %v", b, tok)
	}
}

func TestFetchPoolSkipsSupersededQueuedRequest(t *testing.T) {
	gate := make(chan struct{})
	var (
		mu    sync.Mutex
		calls []string
	)
	p, d := newTestPool(t, 1, func(ctx context.Context, req FetchRequest) (*image.RGBA, error) {
		mu.Lock()
		calls = append(calls, req.ObjectID+"@"+strconv.Itoa(req.Width))
		mu.Unlock()
		if req.ObjectID == "blocker" {
			<-gate
		}
		return sized(req.Width), nil
	})

	p.Request(FetchRequest{ObjectID: "blocker", Width: 1})
	waitFor(t, "blocker running", func() bool { return p.Pending() == 0 })
	p.Request(FetchRequest{ObjectID: "a", Width: 1})
	p.Request(FetchRequest{ObjectID: "a", Width: 2})
	if n := p.Pending(); n != 2 {
		t.Errorf("Expected 2 queued requests, got %d", n)
	}
	close(gate)

	waitFor(t, "deliveries", func() bool { return len(d.list()) == 2 })
	mu.Lock()
	defer mu.Unlock()
	if !slices.Equal(calls, []string{"blocker@1", "a@2"}) {
		t.Errorf("Expected superseded request to be skipped, got %v", calls)
	}
}

func TestFetchPoolCancelsPreviousRequest(t *testing.T) {
	cancelled := make(chan struct{})
	started := make(chan struct{}, 1)
	p, d := newTestPool(t, 2, func(ctx context.Context, req FetchRequest) (*image.RGBA, error) {
		if req.Width == 1 {
			started <- struct{}{}
			<-ctx.Done()
			close(cancelled)
			return nil, ctx.Err()
		}
		return sized(req.Width), nil
	})

	p.Request(FetchRequest{ObjectID: "obj", Width: 1})
	<-started
	p.Request(FetchRequest{ObjectID: "obj", Width: 3})

	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("Expected the superseded fetch to be cancelled")
	}
	waitFor(t, "delivery", func() bool { return len(d.list()) == 1 })
	if d.err("obj") != nil {
		t.Errorf("Cancellation must not be reported, got %v", d.err("obj"))
	}
}

func TestFetchPoolReportsErrors(t *testing.T) {
	boom := errors.New("decode failed")
	p, d := newTestPool(t, 2, func(ctx context.Context, req FetchRequest) (*image.RGBA, error) {
		switch req.ObjectID {
		case "bad":
			return nil, boom
		case "panic":
			panic("bad thumbnail")
		}
		return sized(1), nil
	})

	p.Request(FetchRequest{ObjectID: "bad"})
	p.Request(FetchRequest{ObjectID: "panic"})
	waitFor(t, "errors", func() bool { return d.err("bad") != nil && d.err("panic") != nil })

	if !errors.Is(d.err("bad"), boom) {
		t.Errorf("Expected decode error, got %v", d.err("bad"))
	}
	if !strings.Contains(d.err("panic").Error(), "panicked") {
		t.Errorf("Expected panic to be reported as error, got %v", d.err("panic"))
	}

	// workers survive
	p.Request(FetchRequest{ObjectID: "good"})
	waitFor(t, "delivery", func() bool { return len(d.list()) == 1 })
}

func TestFetchPoolForget(t *testing.T) {
	gate := make(chan struct{})
	done := make(chan struct{})
	p, d := newTestPool(t, 1, func(ctx context.Context, req FetchRequest) (*image.RGBA, error) {
		defer close(done)
		<-gate
		return sized(1), nil
	})

	p.Request(FetchRequest{ObjectID: "obj"})
	waitFor(t, "fetch running", func() bool { return p.Pending() == 0 })
	p.Forget("obj")
	close(gate)
	<-done
	time.Sleep(50 * time.Millisecond)

	if got := d.list(); len(got) != 0 {
		t.Errorf("Expected forgotten fetch to be discarded, got %v", got)
	}
}

func TestFetchPoolClose(t *testing.T) {
	ctxDone := make(chan struct{})
	p, d := newTestPool(t, 1, func(ctx context.Context, req FetchRequest) (*image.RGBA, error) {
		<-ctx.Done()
		close(ctxDone)
		return nil, ctx.Err()
	})

	p.Request(FetchRequest{ObjectID: "obj"})
	waitFor(t, "fetch running", func() bool { return p.Pending() == 0 })
	p.Close()

	select {
	case <-ctxDone:
	case <-time.After(5 * time.Second):
		t.Fatal("Expected Close to cancel running fetches")
	}

	tok := p.Request(FetchRequest{ObjectID: "obj"})
	if tok.Generation != 2 {
		t.Errorf("Expected generation 2 after close, got %d", tok.Generation)
	}
	if p.Pending() != 0 {
		t.Error("Expected no queued requests after close")
	}
	p.Close() // idempotent
	if len(d.list()) != 0 || d.err("obj") != nil {
		t.Error("Expected nothing delivered after close")
	}
}
