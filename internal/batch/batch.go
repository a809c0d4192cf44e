// Package batch implements a micro-batching scheduler for non-stream
// completions. Requests are grouped into classes by model and quantized
// sampling parameters; each class collects a small batch before dispatching,
// shaping admission without assuming provider-side batched inference.
package batch

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/backends"
)

const (
	// DefaultMaxSize flushes a class once this many requests are pending.
	DefaultMaxSize = 8

	// DefaultWait flushes a class when the oldest pending request has
	// waited this long.
	DefaultWait = 10 * time.Millisecond

	// Class workers are torn down after idling for idleFactor × wait.
	idleFactor = 5

	// maxTokensBucket rounds the completion budget for class grouping.
	maxTokensBucket = 64

	queueCapacity = 1024
)

// Class groups requests that may share a flush cycle. Float parameters are
// quantized to two decimals so near-identical requests land together.
type Class struct {
	Model           string
	MaxTokensBucket int
	TempCentis      int
	TopPCentis      int
}

// ClassOf derives the batch class for a request.
func ClassOf(req *backends.ChatRequest) Class {
	return Class{
		Model:           req.Model,
		MaxTokensBucket: int(math.Round(float64(req.Generation.MaxTokens)/maxTokensBucket)) * maxTokensBucket,
		TempCentis:      int(math.Round(req.Generation.Temperature * 100)),
		TopPCentis:      int(math.Round(req.Generation.TopP * 100)),
	}
}

// Dispatch executes a single request against a backend.
type Dispatch func(ctx context.Context, req *backends.ChatRequest) (*backends.ChatResponse, error)

type result struct {
	resp *backends.ChatResponse
	err  error
}

type pending struct {
	ctx    context.Context
	req    *backends.ChatRequest
	respCh chan result
}

type classQueue struct {
	ch chan *pending
}

// Batcher groups incoming requests per class and dispatches them one backend
// call per request, in enqueue order. Class workers are created lazily and
// torn down when idle.
type Batcher struct {
	maxSize  int
	wait     time.Duration
	dispatch Dispatch
	logger   *slog.Logger
	observe  func(size int)

	mu      sync.Mutex
	classes map[Class]*classQueue

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a Batcher. Zero maxSize and wait select the defaults.
// observe is called with each flushed batch size and may be nil.
func New(maxSize int, wait time.Duration, dispatch Dispatch, logger *slog.Logger, observe func(size int)) *Batcher {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if wait <= 0 {
		wait = DefaultWait
	}
	if observe == nil {
		observe = func(int) {}
	}
	return &Batcher{
		maxSize:  maxSize,
		wait:     wait,
		dispatch: dispatch,
		logger:   logger,
		observe:  observe,
		classes:  make(map[Class]*classQueue),
		done:     make(chan struct{}),
	}
}

// Execute enqueues req into its class and waits for the dispatched result.
// When the class queue is saturated or the batcher is shut down, the request
// is dispatched directly instead of waiting.
func (b *Batcher) Execute(ctx context.Context, req *backends.ChatRequest) (*backends.ChatResponse, error) {
	p := &pending{ctx: ctx, req: req, respCh: make(chan result, 1)}
	class := ClassOf(req)

	b.mu.Lock()
	// Close holds the mutex while closing done, so a request that observes
	// it open here registers its worker before Close reaches wg.Wait.
	select {
	case <-b.done:
		b.mu.Unlock()
		return b.dispatch(ctx, req)
	default:
	}
	q, ok := b.classes[class]
	if !ok {
		q = &classQueue{ch: make(chan *pending, queueCapacity)}
		b.classes[class] = q
		b.wg.Add(1)
		go b.runClass(class, q)
	}
	enqueued := true
	select {
	case q.ch <- p:
	default:
		enqueued = false
	}
	b.mu.Unlock()

	if !enqueued {
		return b.dispatch(ctx, req)
	}

	select {
	case res := <-p.respCh:
		return res.resp, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops all class workers after they flush what is pending.
func (b *Batcher) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		close(b.done)
		b.mu.Unlock()
	})
	b.wg.Wait()
}

// runClass is the single flush loop for one class.
func (b *Batcher) runClass(class Class, q *classQueue) {
	defer b.wg.Done()

	idle := time.NewTimer(idleFactor * b.wait)
	defer idle.Stop()

	for {
		select {
		case p := <-q.ch:
			b.flush(q, p)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(idleFactor * b.wait)

		case <-idle.C:
			// Tear down unless a request slipped in concurrently.
			b.mu.Lock()
			if len(q.ch) == 0 {
				delete(b.classes, class)
				b.mu.Unlock()
				return
			}
			b.mu.Unlock()
			idle.Reset(idleFactor * b.wait)

		case <-b.done:
			b.drain(q)
			b.mu.Lock()
			delete(b.classes, class)
			b.mu.Unlock()
			return
		}
	}
}

// flush collects a batch starting with first, waiting up to the class
// deadline or until the batch is full, then dispatches each request in
// enqueue order.
func (b *Batcher) flush(q *classQueue, first *pending) {
	batch := []*pending{first}
	deadline := time.NewTimer(b.wait)
	defer deadline.Stop()

collect:
	for len(batch) < b.maxSize {
		select {
		case p := <-q.ch:
			batch = append(batch, p)
		case <-deadline.C:
			break collect
		case <-b.done:
			break collect
		}
	}

	b.observe(len(batch))
	for _, p := range batch {
		resp, err := b.dispatch(p.ctx, p.req)
		p.respCh <- result{resp: resp, err: err}
	}
}

// drain flushes everything left in the queue during shutdown.
func (b *Batcher) drain(q *classQueue) {
	for {
		select {
		case p := <-q.ch:
			resp, err := b.dispatch(p.ctx, p.req)
			p.respCh <- result{resp: resp, err: err}
		default:
			return
		}
	}
}
