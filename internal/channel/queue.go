package channel

import (
	"context"
	"errors"
	"sync"

	"bitmexflow/logger"
)

// ErrClosed is returned by Push after Close, and by Pop once a closed queue
// has been drained.
var ErrClosed = errors.New("channel closed")

type QueueStats struct {
	Pushed    int64
	Popped    int64
	Backlog   int
	HighWater int
}

type Option func(*queueOptions)

type queueOptions struct {
	warnAt  int
	observe func(backlog, highWater int)
}

// WithBacklogWarning logs a warning each time the backlog reaches n. The
// warning re-arms once the backlog falls below n/2. Nothing is dropped.
func WithBacklogWarning(n int) Option {
	return func(o *queueOptions) { o.warnAt = n }
}

// WithObserver is called with the backlog after every push and pop. It runs
// with the queue locked, so calls arrive in queue order; f must not call back
// into the queue.
func WithObserver(f func(backlog, highWater int)) Option {
	return func(o *queueOptions) { o.observe = f }
}

// Queue is an unbounded FIFO between one or more producers and a single
// consumer. Push never blocks.
type Queue[T any] struct {
	name string
	opts queueOptions

	mu     sync.Mutex
	items  []T
	closed bool
	warned bool
	stats  QueueStats
	notify chan struct{}

	log *logger.Log
}

func NewQueue[T any](name string, opts ...Option) *Queue[T] {
	q := &Queue[T]{
		name:   name,
		notify: make(chan struct{}, 1),
		log:    logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(&q.opts)
	}

	q.log.WithComponent("queue").WithFields(logger.Fields{
		"queue":        name,
		"warn_backlog": q.opts.warnAt,
	}).Info("queue initialized")

	return q
}

// Push appends v. It fails with ErrClosed once the queue is closed.
func (q *Queue[T]) Push(v T) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items = append(q.items, v)
	q.stats.Pushed++
	backlog := len(q.items)
	if backlog > q.stats.HighWater {
		q.stats.HighWater = backlog
	}
	highWater := q.stats.HighWater
	warn := q.opts.warnAt > 0 && backlog >= q.opts.warnAt && !q.warned
	if warn {
		q.warned = true
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
	q.observe(backlog, highWater)
	q.mu.Unlock()

	if warn {
		q.log.WithComponent("queue").WithFields(logger.Fields{
			"queue":   q.name,
			"backlog": backlog,
		}).Warn("queue backlog above warning threshold")
	}
	return nil
}

// TryPop removes the oldest item without waiting. ok is false when the queue
// is empty; err is ErrClosed when it is also closed.
func (q *Queue[T]) TryPop() (v T, ok bool, err error) {
	q.mu.Lock()
	if len(q.items) == 0 {
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return v, false, ErrClosed
		}
		return v, false, nil
	}
	v = q.items[0]
	var zero T
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	q.stats.Popped++
	backlog := len(q.items)
	highWater := q.stats.HighWater
	if q.warned && backlog < q.opts.warnAt/2 {
		q.warned = false
	}
	q.observe(backlog, highWater)
	q.mu.Unlock()

	return v, true, nil
}

// Pop waits for the oldest item. Items pushed before Close are still
// delivered; after them Pop returns ErrClosed.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	for {
		v, ok, err := q.TryPop()
		if ok || err != nil {
			return v, err
		}
		select {
		case <-q.notify:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// Ready receives a value after a push and is closed by Close. A receive
// does not guarantee an item; follow it with TryPop.
func (q *Queue[T]) Ready() <-chan struct{} {
	return q.notify
}

// Close stops accepting pushes. Calling it more than once is a no-op.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.notify)
	stats := q.stats
	backlog := len(q.items)
	q.mu.Unlock()

	q.log.WithComponent("queue").WithFields(logger.Fields{
		"queue":      q.name,
		"pushed":     stats.Pushed,
		"popped":     stats.Popped,
		"backlog":    backlog,
		"high_water": stats.HighWater,
	}).Info("queue closed")
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue[T]) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Backlog = len(q.items)
	return s
}

func (q *Queue[T]) observe(backlog, highWater int) {
	if q.opts.observe != nil {
		q.opts.observe(backlog, highWater)
	}
}
