// Package extract turns media files into catalogue records.
//
// A [Pipeline] owns one worker goroutine fed by an unbounded queue of
// filesystem paths. Each file is run through an [Extractor] and the resulting
// fields are added to a [Sink] (the owning catalogue). While the queue is
// non-empty the worker holds a reference on the sink, so the catalogue
// cannot be torn down with work outstanding.
package extract

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/uber-go/tally/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("extract: pipeline closed")

// Sink receives extracted records.
type Sink interface {
	// Add stores fields as a new record and returns its id.
	Add(ctx context.Context, fields map[string]string) (uint32, error)

	// Ref and Unref bracket a busy period of the worker.
	Ref()
	Unref()
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithLogger sets the logger. Default: no logging.
func WithLogger(log *zap.Logger) Option {
	return func(p *Pipeline) { p.log = log }
}

// WithMetrics sets the metrics scope. Default: [tally.NoopScope].
func WithMetrics(scope tally.Scope) Option {
	return func(p *Pipeline) { p.scope = scope }
}

// WithRateLimit caps how many files per second are extracted.
// A limit of 0 or less disables limiting.
func WithRateLimit(perSecond float64) Option {
	return func(p *Pipeline) {
		if perSecond > 0 {
			p.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// WithSkip sets a predicate for files that should not be extracted, for
// example because the catalogue already has a record for them.
func WithSkip(skip func(path string) bool) Option {
	return func(p *Pipeline) { p.skip = skip }
}

// item is a queued path. A stop item is the shutdown sentinel.
type item struct {
	path string
	stop bool
}

// Pipeline is a single-worker extraction queue.
type Pipeline struct {
	sink    Sink
	ex      Extractor
	log     *zap.Logger
	scope   tally.Scope
	limiter *rate.Limiter
	skip    func(path string) bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wake   chan struct{}

	mu      sync.Mutex
	queue   []item
	closed  bool
	working bool
	idle    chan struct{} // closed while the pipeline is idle

	ok     tally.Counter
	failed tally.Counter
	depth  tally.Gauge
}

// New starts a pipeline feeding sink through ex.
func New(sink Sink, ex Extractor, opts ...Option) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())

	p := &Pipeline{
		sink:   sink,
		ex:     ex,
		log:    zap.NewNop(),
		scope:  tally.NoopScope,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		wake:   make(chan struct{}, 1),
		idle:   make(chan struct{}),
	}

	for _, opt := range opts {
		opt(p)
	}

	close(p.idle)

	p.ok = p.scope.Counter("extract_ok")
	p.failed = p.scope.Counter("extract_failed")
	p.depth = p.scope.Gauge("queue_depth")

	go p.run()

	return p
}

// Submit queues path (a file or a directory) without blocking.
func (p *Pipeline) Submit(path string) error {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}

	if len(p.queue) == 0 && !p.working {
		p.idle = make(chan struct{})
	}

	p.queue = append(p.queue, item{path: path})
	p.depth.Update(float64(len(p.queue)))
	p.mu.Unlock()

	p.signal()

	return nil
}

// Pending returns the number of queued paths, including one in progress.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.queue)
	if p.working {
		n++
	}

	return n
}

// Wait blocks until the queue is empty and the worker is idle.
func (p *Pipeline) Wait(ctx context.Context) error {
	p.mu.Lock()
	idle := p.idle
	p.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close discards queued paths, stops the worker after its current file and
// returns how many paths were discarded. Close is idempotent.
func (p *Pipeline) Close() int {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		<-p.done

		return 0
	}

	p.closed = true
	discarded := len(p.queue)

	for _, it := range p.queue {
		p.log.Debug("discarding queued path", zap.String("path", it.path))
	}

	p.queue = []item{{stop: true}}
	p.mu.Unlock()

	if discarded > 0 {
		p.log.Info("extraction stopped with work queued", zap.Int("discarded", discarded))
	}

	p.cancel()
	p.signal()
	<-p.done

	return discarded
}

func (p *Pipeline) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// pop blocks until an item is queued.
func (p *Pipeline) pop() item {
	for {
		p.mu.Lock()

		if len(p.queue) > 0 {
			it := p.queue[0]
			p.queue = p.queue[1:]

			if !it.stop {
				p.working = true
			}

			p.depth.Update(float64(len(p.queue)))
			p.mu.Unlock()

			return it
		}

		p.mu.Unlock()
		<-p.wake
	}
}

func (p *Pipeline) run() {
	defer close(p.done)

	holding := false

	release := func() {
		if holding {
			holding = false
			p.sink.Unref()
		}
	}

	defer release()

	for {
		it := p.pop()
		if it.stop {
			return
		}

		if !holding {
			holding = true
			p.sink.Ref()
		}

		p.process(it.path)

		p.mu.Lock()
		p.working = false
		drained := len(p.queue) == 0

		if drained {
			close(p.idle)
		}
		p.mu.Unlock()

		if drained {
			release()
		}
	}
}

func (p *Pipeline) process(path string) {
	info, err := os.Stat(path)
	if err != nil {
		p.failed.Inc(1)
		p.log.Warn("cannot import path", zap.String("path", path), zap.Error(err))

		return
	}

	if !info.IsDir() {
		p.extractFile(path)
		return
	}

	err = filepath.WalkDir(path, func(sub string, d fs.DirEntry, err error) error {
		if err != nil {
			p.log.Warn("walk failed", zap.String("path", sub), zap.Error(err))
			return nil
		}

		if ctxErr := p.ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if d.Type().IsRegular() && p.ex.Accept(sub) {
			p.extractFile(sub)
		}

		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		p.log.Warn("walk failed", zap.String("path", path), zap.Error(err))
	}
}

func (p *Pipeline) extractFile(path string) {
	if p.skip != nil && p.skip(path) {
		p.log.Debug("skipping known path", zap.String("path", path))
		return
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(p.ctx); err != nil {
			return
		}
	}

	fields, err := p.ex.Extract(path)
	if err != nil {
		p.failed.Inc(1)
		p.log.Warn("extraction failed", zap.String("path", path), zap.Error(err))

		return
	}

	id, err := p.sink.Add(p.ctx, fields)
	if err != nil {
		p.failed.Inc(1)
		p.log.Warn("adding extracted record failed", zap.String("path", path), zap.Error(fmt.Errorf("sink: %w", err)))

		return
	}

	p.ok.Inc(1)
	p.log.Debug("extracted", zap.String("path", path), zap.Uint32("id", id))
}
