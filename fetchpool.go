package rasterstream

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
)

// FetchRequest describes one thumbnail of an object.
type FetchRequest struct {
	ObjectID   string
	SourcePath string
	// Crop limits the thumbnail to a full-resolution pixel region. Nil means the whole raster.
	Crop *PixelRect
	// Rotation in degrees, counter-clockwise.
	Rotation    float64
	Enhancement Enhancement
	// Width of the thumbnail in pixels. Zero means Options.ThumbnailWidth.
	Width int
}

// FetchToken identifies one issued request. Generations increase per object.
type FetchToken struct {
	ObjectID   string
	Generation uint64
}

// Fetcher produces the bitmap of a request.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (*image.RGBA, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req FetchRequest) (*image.RGBA, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, req FetchRequest) (*image.RGBA, error) {
	return f(ctx, req)
}

type fetchJob struct {
	token  FetchToken
	req    FetchRequest
	ctx    context.Context
	cancel context.CancelFunc
}

// FetchPool fetches thumbnails on a fixed number of goroutines. A result is
// delivered only if no newer request was issued for its object meanwhile.
type FetchPool struct {
	fetcher Fetcher
	deliver func(token FetchToken, img *image.RGBA)
	onError func(objectID string, err error)
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*fetchJob
	latest map[string]*fetchJob
	gen    map[string]uint64
	closed bool

	// deliverMu serializes the staleness check with delivery.
	deliverMu sync.Mutex
}

// NewFetchPool starts Options.Workers goroutines. deliver is called from those
// goroutines, one call at a time, with the token Request returned for the result.
func NewFetchPool(fetcher Fetcher, deliver func(token FetchToken, img *image.RGBA), opts Options) *FetchPool {
	opts = opts.normalized()
	ctx, cancel := context.WithCancel(context.Background())
	p := &FetchPool{
		fetcher: fetcher,
		deliver: deliver,
		onError: opts.OnFetchError,
		log:     opts.Logger,
		ctx:     ctx,
		cancel:  cancel,
		latest:  make(map[string]*fetchJob),
		gen:     make(map[string]uint64),
	}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < opts.Workers; i++ {
		go p.work()
	}
	return p
}

// Request queues req and returns immediately. The previous request of the same
// object, if still queued or running, is cancelled and its result discarded.
func (p *FetchPool) Request(req FetchRequest) FetchToken {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.gen[req.ObjectID]++
	token := FetchToken{ObjectID: req.ObjectID, Generation: p.gen[req.ObjectID]}
	if prev := p.latest[req.ObjectID]; prev != nil {
		prev.cancel()
	}
	if p.closed {
		delete(p.latest, req.ObjectID)
		return token
	}

	ctx, cancel := context.WithCancel(p.ctx)
	job := &fetchJob{token: token, req: req, ctx: ctx, cancel: cancel}
	p.latest[req.ObjectID] = job
	p.queue = append(p.queue, job)
	p.cond.Signal()
	return token
}

// Latest returns the most recently issued token of an object.
func (p *FetchPool) Latest(objectID string) (FetchToken, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.gen[objectID]
	return FetchToken{ObjectID: objectID, Generation: g}, ok
}

// Forget cancels the outstanding request of an object. A result still in flight is discarded.
func (p *FetchPool) Forget(objectID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if job := p.latest[objectID]; job != nil {
		job.cancel()
		delete(p.latest, objectID)
	}
}

// Pending returns the number of queued requests that have not started.
func (p *FetchPool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Close cancels all outstanding requests and returns without waiting for them.
func (p *FetchPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.queue = nil
	p.latest = make(map[string]*fetchJob)
	p.cond.Broadcast()
	p.mu.Unlock()
	p.cancel()
}

func (p *FetchPool) work() {
	for {
		job, ok := p.next()
		if !ok {
			return
		}
		img, err := p.fetch(job)
		job.cancel()
		p.complete(job, img, err)
	}
}

// next pops the next job that is still current.
func (p *FetchPool) next() (*fetchJob, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.closed {
			return nil, false
		}
		job := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		if p.latest[job.token.ObjectID] == job {
			return job, true
		}
	}
}

func (p *FetchPool) fetch(job *fetchJob) (img *image.RGBA, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("thumbnail fetch panicked: %v", r)
		}
	}()
	return p.fetcher.Fetch(job.ctx, job.req)
}

func (p *FetchPool) complete(job *fetchJob, img *image.RGBA, err error) {
	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()

	p.mu.Lock()
	current := p.latest[job.token.ObjectID] == job
	p.mu.Unlock()
	if !current {
		p.log.Debug("discarding stale thumbnail", "object", job.token.ObjectID, "generation", job.token.Generation)
		return
	}

	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		p.log.Warn("thumbnail fetch failed", "object", job.token.ObjectID, "path", job.req.SourcePath, "error", err)
		if p.onError != nil {
			p.onError(job.token.ObjectID, err)
		}
		return
	}
	if p.deliver != nil {
		p.deliver(job.token, img)
	}
}
