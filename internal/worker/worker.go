package worker

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

var ErrClosed = errors.New("worker: queue closed")

// Queue is a bounded FIFO consumed by exactly one goroutine, so items are
// handled one at a time in enqueue order.
type Queue[T any] struct {
	items  chan T
	handle func(T)
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// New starts the consumer goroutine. size must be positive.
func New[T any](size int, handle func(T), logger *zap.Logger) *Queue[T] {
	if size <= 0 {
		size = 1
	}
	q := &Queue[T]{
		items:  make(chan T, size),
		handle: handle,
		logger: logger,
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Queue[T]) run() {
	defer close(q.done)
	for item := range q.items {
		q.process(item)
	}
}

func (q *Queue[T]) process(item T) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("worker: handler panicked", zap.Any("panic", r))
		}
	}()
	q.handle(item)
}

// Enqueue blocks while the queue is full. It fails with ErrClosed once Drain
// has started, or with the context error if ctx ends first.
func (q *Queue[T]) Enqueue(ctx context.Context, item T) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.items <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain stops intake and waits until every accepted item has been handled.
// Calling it again waits on the same barrier.
func (q *Queue[T]) Drain(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.items)
	}
	q.mu.Unlock()

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len reports items accepted but not yet picked up by the consumer.
func (q *Queue[T]) Len() int {
	return len(q.items)
}
