// Package georef matches an image against a georeferenced reference image.
// The matcher is expensive to initialize, so it is loaded in the background
// and awaited by the first Match call.
package georef

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/paulmach/orb"
)

// ErrUnavailable is returned when the matcher failed to load or did not load in time.
var ErrUnavailable = errors.New("automatic georeferencing unavailable")

// Correspondence pairs a pixel of the image with a pixel of the reference.
type Correspondence struct {
	Image      orb.Point
	Reference  orb.Point
	Confidence float64
}

// Matcher finds correspondences between images[0] and images[1].
type Matcher interface {
	Match(ctx context.Context, images []image.Image) ([]Correspondence, error)
}

// Loader initializes a Matcher.
type Loader func(ctx context.Context) (Matcher, error)

// Options configures waiting for a matcher.
type Options struct {
	// PollInterval is how often OnWaiting is called while the matcher loads.
	PollInterval time.Duration
	// MaxWait bounds the time a Match call waits for the matcher.
	MaxWait time.Duration
	// OnWaiting reports progress while waiting.
	OnWaiting func(waited time.Duration)
	Logger    *slog.Logger
}

// DefaultOptions returns the default options.
func DefaultOptions() Options {
	return Options{
		PollInterval: 5 * time.Second,
		MaxWait:      5 * time.Minute,
	}
}

// LazyMatcher is a Matcher whose initialization runs in the background.
type LazyMatcher struct {
	opts   Options
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	matcher Matcher
	err     error
}

// Load starts loader in a new goroutine and returns immediately.
func Load(loader Loader, opts Options) *LazyMatcher {
	def := DefaultOptions()
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = def.MaxWait
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &LazyMatcher{opts: opts, cancel: cancel, done: make(chan struct{})}
	go l.load(ctx, loader)
	return l
}

func (l *LazyMatcher) load(ctx context.Context, loader Loader) {
	var (
		m   Matcher
		err error
	)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("matcher loader panicked: %v", r)
		}
		if err == nil && m == nil {
			err = errors.New("loader returned no matcher")
		}
		l.mu.Lock()
		l.matcher, l.err = m, err
		l.mu.Unlock()
		close(l.done)

		if err != nil {
			l.opts.Logger.Error("failed to load the matcher", "error", err)
		} else {
			l.opts.Logger.Info("matcher ready for automatic georeferencing")
		}
	}()
	m, err = loader(ctx)
}

// Ready reports whether loading finished, successfully or not.
func (l *LazyMatcher) Ready() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// Err returns the load error once loading finished.
func (l *LazyMatcher) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Close abandons a load still in progress.
func (l *LazyMatcher) Close() { l.cancel() }

// Match waits for the matcher and runs it. While waiting, OnWaiting is called
// every PollInterval. It fails with ErrUnavailable if the matcher could not be loaded
// or MaxWait elapsed.
func (l *LazyMatcher) Match(ctx context.Context, images []image.Image) ([]Correspondence, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	l.mu.Lock()
	m, err := l.matcher, l.err
	l.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return m.Match(ctx, images)
}

func (l *LazyMatcher) wait(ctx context.Context) error {
	start := time.Now()
	deadline := time.NewTimer(l.opts.MaxWait)
	defer deadline.Stop()
	tick := time.NewTicker(l.opts.PollInterval)
	defer tick.Stop()

	for {
		select {
		case <-l.done:
			return nil
		default:
		}
		select {
		case <-l.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w: matcher not loaded after %s", ErrUnavailable, l.opts.MaxWait)
		case <-tick.C:
			waited := time.Since(start)
			l.opts.Logger.Info("waiting for the matcher to load", "waited", waited)
			if l.opts.OnWaiting != nil {
				l.opts.OnWaiting(waited)
			}
		}
	}
}
