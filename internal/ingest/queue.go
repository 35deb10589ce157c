// Package ingest decouples the upstream event stream from the post store.
//
// A Queue buffers raw, undecoded events in a bounded FIFO and drains them
// with a single worker that decodes each event, keeps the creates relevant
// to the topic, and applies creates and deletes to the store in one call.
// When the buffer is full the incoming event is processed synchronously on
// the caller's goroutine instead, concurrently with the drain. Such overflow
// events may therefore be applied before older events still in the buffer.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Seklfreak/bluesky-topic-feed/internal/metrics"
	"github.com/Seklfreak/bluesky-topic-feed/internal/store"
	"github.com/Seklfreak/bluesky-topic-feed/internal/topic"
)

// DefaultCapacity is the queue bound used when Config.Capacity is zero.
const DefaultCapacity = 500

// Applier persists the outcome of one event.
type Applier interface {
	Apply(ctx context.Context, creates []store.Post, deleteURIs []string) error
}

// State is the drain worker state.
type State int32

const (
	// Idle means no drain worker is running.
	Idle State = iota

	// Draining means exactly one worker is popping events.
	Draining
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Draining:
		return "draining"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Outcome reports what Enqueue did with an event.
type Outcome int

const (
	// Queued means the event was appended to the buffer.
	Queued Outcome = iota

	// Overflowed means the buffer was full and the event was processed
	// synchronously before Enqueue returned.
	Overflowed

	// Skipped means the prefilter found nothing relevant in the event.
	Skipped

	// Rejected means the queue was closed.
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Queued:
		return "queued"
	case Overflowed:
		return "overflowed"
	case Skipped:
		return "skipped"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Config is the set of collaborators a Queue is built from.
type Config[E any] struct {
	// Decode turns a raw event into operations.
	Decode Decoder[E]

	// Filter selects the creates that belong to the feed.
	Filter topic.Filter

	// Store receives the filtered creates and every delete.
	Store Applier

	// Capacity bounds the number of buffered events (defaults to 500).
	Capacity int

	// Prefilter decodes events at enqueue time and drops those with no
	// relevant create and no delete. The decoded operations travel with the
	// event so the drain step does not decode twice.
	Prefilter bool

	// Metrics records queue activity. Optional.
	Metrics *metrics.Metrics

	// Logger is the provided zap logger. Optional.
	Logger *zap.Logger
}

type entry[E any] struct {
	seq   uint64
	event E
	ops   *Ops
}

// Queue is the ingestion queue. Enqueue may be called from any number of
// goroutines.
type Queue[E any] struct {
	decode    Decoder[E]
	filter    topic.Filter
	store     Applier
	prefilter bool
	metrics   *metrics.Metrics
	logger    *zap.Logger

	mu     sync.Mutex
	items  *ring[entry[E]]
	seq    uint64
	closed bool

	// state moves Idle -> Draining only through a successful CompareAndSwap,
	// which is what guarantees a single drain worker.
	state atomic.Int32

	inflight sync.WaitGroup
}

// NewQueue validates c and returns an idle queue.
func NewQueue[E any](c Config[E]) (*Queue[E], error) {
	if c.Decode == nil {
		return nil, fmt.Errorf("ingest: Decode is required")
	}
	if c.Filter == nil {
		return nil, fmt.Errorf("ingest: Filter is required")
	}
	if c.Store == nil {
		return nil, fmt.Errorf("ingest: Store is required")
	}
	if c.Capacity < 0 {
		return nil, fmt.Errorf("ingest: Capacity %d must not be negative", c.Capacity)
	}
	if c.Capacity == 0 {
		c.Capacity = DefaultCapacity
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NewUnregistered()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}

	return &Queue[E]{
		decode:    c.Decode,
		filter:    c.Filter,
		store:     c.Store,
		prefilter: c.Prefilter,
		metrics:   c.Metrics,
		logger:    c.Logger.Named("ingest"),
		items:     newRing[entry[E]](c.Capacity),
	}, nil
}

// Enqueue hands an event to the queue. It never waits for the drain worker:
// the event is either buffered, or, when the buffer is full, processed right
// away on the calling goroutine.
func (q *Queue[E]) Enqueue(ctx context.Context, event E) Outcome {
	var ops *Ops
	if q.prefilter {
		decoded, ok := q.decodeEvent(ctx, event)
		if !ok {
			return Skipped
		}
		if len(q.relevantCreates(decoded)) == 0 && len(decoded.Deletes) == 0 {
			q.metrics.EventsSkipped.Inc()
			return Skipped
		}
		ops = &decoded
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return Rejected
	}

	q.seq++
	e := entry[E]{seq: q.seq, event: event, ops: ops}

	if !q.items.push(e) {
		q.inflight.Add(1)
		q.mu.Unlock()
		defer q.inflight.Done()

		q.metrics.EventsOverflow.Inc()
		q.logger.Debug("queue full, processing event synchronously", zap.Uint64("seq", e.seq))
		q.process(ctx, e)
		return Overflowed
	}

	q.metrics.EventsQueued.Inc()
	q.metrics.QueueDepth.Set(float64(q.items.len()))

	start := q.state.CompareAndSwap(int32(Idle), int32(Draining))
	if start {
		q.inflight.Add(1)
	}
	q.mu.Unlock()

	if start {
		go q.drain()
	}
	return Queued
}

// drain pops and processes events until it observes the buffer empty. The
// empty check and the transition back to Idle happen under the same lock
// that Enqueue appends under, so an event appended afterwards always finds
// the queue Idle and starts a fresh worker.
func (q *Queue[E]) drain() {
	defer q.inflight.Done()

	// drain runs for the life of the process and is not tied to any
	// caller's request.
	ctx := context.Background()

	for {
		q.mu.Lock()
		e, ok := q.items.pop()
		q.metrics.QueueDepth.Set(float64(q.items.len()))
		if !ok {
			q.state.Store(int32(Idle))
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()

		q.process(ctx, e)
	}
}

// Len returns the number of buffered events.
func (q *Queue[E]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.len()
}

// State returns the drain worker state.
func (q *Queue[E]) State() State {
	return State(q.state.Load())
}

// Close stops accepting events and waits until every buffered event and
// every in-flight overflow event has been processed, or ctx is done.
func (q *Queue[E]) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for ingestion queue to drain: %w", ctx.Err())
	}
}
