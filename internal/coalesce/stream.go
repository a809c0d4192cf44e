package coalesce

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/backends"
)

const (
	// DefaultReplayLimit caps the per-stream replay buffer. Once reached the
	// stream keeps fanning out live chunks but refuses new followers.
	DefaultReplayLimit = 1024

	// DefaultSlowConsumerTimeout is how long a subscriber may stall before
	// it is evicted from the fanout.
	DefaultSlowConsumerTimeout = 5 * time.Second
)

// ErrReplayOverflow is returned to a follower that tries to join a stream
// whose replay buffer already overflowed.
var ErrReplayOverflow = errors.New("coalesce: stream replay buffer exceeded")

// ErrSlowConsumer marks a subscription that was evicted because its consumer
// could not keep up with the stream.
var ErrSlowConsumer = errors.New("coalesce: subscriber evicted as slow consumer")

type cell struct {
	mu         sync.Mutex
	buffer     []backends.Chunk
	subs       map[*Subscription]struct{}
	capped     bool
	terminated bool
	cancel     context.CancelFunc
}

// Streams coalesces identical in-flight SSE streams. The first caller per
// fingerprint becomes the leader and produces chunks; followers get an
// atomic replay of everything produced so far, then live fanout.
type Streams struct {
	mu    sync.Mutex
	cells map[string]*cell

	replayLimit int
	slowTimeout time.Duration
	logger      *slog.Logger
	observe     func(outcome string)
}

// NewStreams creates a stream coalescer. Zero replayLimit and slowTimeout
// select the defaults. observe is called with "leader" or "joined" per call
// and may be nil.
func NewStreams(replayLimit int, slowTimeout time.Duration, logger *slog.Logger, observe func(outcome string)) *Streams {
	if replayLimit <= 0 {
		replayLimit = DefaultReplayLimit
	}
	if slowTimeout <= 0 {
		slowTimeout = DefaultSlowConsumerTimeout
	}
	if observe == nil {
		observe = func(string) {}
	}
	return &Streams{
		cells:       make(map[string]*cell),
		replayLimit: replayLimit,
		slowTimeout: slowTimeout,
		logger:      logger,
		observe:     observe,
	}
}

// Leadership is held by the caller that initiated a stream. The leader runs
// the upstream production on Context and feeds every chunk to Publish.
type Leadership struct {
	ctx context.Context
	s   *Streams
	c   *cell
	fp  string
}

// Context is cancelled when every subscriber has gone away; the upstream
// production must stop then.
func (l *Leadership) Context() context.Context { return l.ctx }

// Publish appends a chunk to the replay buffer and fans it out to all
// subscribers. A chunk with Done set or Err non-nil terminates the stream:
// it is delivered to everyone and the stream is removed so late callers
// start fresh. Publish never blocks on a slow subscriber.
func (l *Leadership) Publish(chunk backends.Chunk) {
	c := l.c
	terminal := chunk.Done || chunk.Err != nil

	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return
	}
	if len(c.buffer) < l.s.replayLimit {
		c.buffer = append(c.buffer, chunk)
	} else {
		c.capped = true
	}
	for sub := range c.subs {
		sub.push(chunk)
	}
	if terminal {
		c.terminated = true
	}
	c.mu.Unlock()

	if terminal {
		l.s.removeCell(l.fp, c)
		c.cancel()
	}
}

// JoinOrLead subscribes to the stream identified by fp. The first caller
// receives a non-nil Leadership and must produce the stream; followers
// receive a nil Leadership and only consume.
//
// ErrReplayOverflow is returned when the stream can no longer replay its
// history to a new follower.
func (s *Streams) JoinOrLead(ctx context.Context, fp string) (*Subscription, *Leadership, error) {
	for {
		s.mu.Lock()
		c, ok := s.cells[fp]
		if !ok {
			leadCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
			c = &cell{
				subs:   make(map[*Subscription]struct{}),
				cancel: cancel,
			}
			sub := newSubscription(s, c, fp)
			c.subs[sub] = struct{}{}
			s.cells[fp] = c
			s.mu.Unlock()

			go sub.pump(s.slowTimeout)
			s.observe("leader")
			return sub, &Leadership{ctx: leadCtx, s: s, c: c, fp: fp}, nil
		}
		s.mu.Unlock()

		c.mu.Lock()
		if c.terminated {
			// Racing with removal; retry against a fresh map state.
			c.mu.Unlock()
			s.removeCell(fp, c)
			continue
		}
		if c.capped {
			c.mu.Unlock()
			return nil, nil, ErrReplayOverflow
		}
		sub := newSubscription(s, c, fp)
		// Replay and attach under the cell lock so the subscriber sees every
		// chunk exactly once.
		sub.queue = append(sub.queue, c.buffer...)
		c.subs[sub] = struct{}{}
		c.mu.Unlock()

		go sub.pump(s.slowTimeout)
		s.observe("joined")
		s.logger.Debug("joined inflight stream", slog.String("fingerprint", fp))
		return sub, nil, nil
	}
}

func (s *Streams) removeCell(fp string, c *cell) {
	s.mu.Lock()
	if s.cells[fp] == c {
		delete(s.cells, fp)
	}
	s.mu.Unlock()
}

// detach drops one subscriber. When the last subscriber leaves a live
// stream, the leader's upstream is cancelled and the cell retired.
func (c *cell) detach(s *Streams, fp string, sub *Subscription) {
	c.mu.Lock()
	if _, ok := c.subs[sub]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.subs, sub)
	abandoned := len(c.subs) == 0 && !c.terminated
	if abandoned {
		c.terminated = true
	}
	c.mu.Unlock()

	if abandoned {
		c.cancel()
		s.removeCell(fp, c)
	}
}

// Subscription is one consumer's view of a coalesced stream. Chunks arrive
// on C; the channel is closed after the terminal chunk, on Cancel, or on
// slow-consumer eviction (distinguished by Err).
type Subscription struct {
	c chan backends.Chunk

	mu     sync.Mutex
	queue  []backends.Chunk
	notify chan struct{}

	cancelled chan struct{}
	once      sync.Once

	errMu sync.Mutex
	err   error

	streams *Streams
	cell    *cell
	fp      string
}

func newSubscription(s *Streams, c *cell, fp string) *Subscription {
	return &Subscription{
		c:         make(chan backends.Chunk, 1),
		notify:    make(chan struct{}, 1),
		cancelled: make(chan struct{}),
		streams:   s,
		cell:      c,
		fp:        fp,
	}
}

// C delivers chunks in publish order.
func (sub *Subscription) C() <-chan backends.Chunk { return sub.c }

// Err reports why C was closed early, e.g. ErrSlowConsumer. It returns nil
// after a normal terminal chunk or Cancel.
func (sub *Subscription) Err() error {
	sub.errMu.Lock()
	defer sub.errMu.Unlock()
	return sub.err
}

// Cancel detaches the subscription. Safe to call multiple times.
func (sub *Subscription) Cancel() {
	sub.once.Do(func() { close(sub.cancelled) })
	sub.cell.detach(sub.streams, sub.fp, sub)
}

// push enqueues a chunk without ever blocking the publisher.
func (sub *Subscription) push(chunk backends.Chunk) {
	sub.mu.Lock()
	sub.queue = append(sub.queue, chunk)
	sub.mu.Unlock()

	select {
	case sub.notify <- struct{}{}:
	default:
	}
}

// pump moves chunks from the internal queue to the consumer channel,
// evicting the subscription when the consumer stalls past slowTimeout.
func (sub *Subscription) pump(slowTimeout time.Duration) {
	defer close(sub.c)

	timer := time.NewTimer(slowTimeout)
	defer timer.Stop()

	for {
		sub.mu.Lock()
		if len(sub.queue) == 0 {
			sub.mu.Unlock()
			select {
			case <-sub.notify:
				continue
			case <-sub.cancelled:
				return
			}
		}
		chunk := sub.queue[0]
		sub.queue = sub.queue[1:]
		sub.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(slowTimeout)

		select {
		case sub.c <- chunk:
			if chunk.Done || chunk.Err != nil {
				return
			}
		case <-timer.C:
			sub.errMu.Lock()
			sub.err = ErrSlowConsumer
			sub.errMu.Unlock()
			sub.cell.detach(sub.streams, sub.fp, sub)
			return
		case <-sub.cancelled:
			return
		}
	}
}
