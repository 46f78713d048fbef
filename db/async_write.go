package db

import (
	"context"
	"sync"
)

// DefaultChannelCapacity is the default buffer size for async writes.
const DefaultChannelCapacity = 100

// AsyncWriter hands records to a handler on a background goroutine so the
// generation path never waits on SQLite.
type AsyncWriter[T any] struct {
	ch      chan T
	handler func(T) error
	onError func(T, error)

	mu      sync.Mutex
	started bool
	stopped bool
	done    chan struct{}
}

// NewAsyncWriter returns a stopped writer. onError may be nil.
func NewAsyncWriter[T any](capacity int, handler func(T) error, onError func(T, error)) *AsyncWriter[T] {
	if capacity <= 0 {
		capacity = DefaultChannelCapacity
	}
	return &AsyncWriter[T]{
		ch:      make(chan T, capacity),
		handler: handler,
		onError: onError,
		done:    make(chan struct{}),
	}
}

// Start launches the background goroutine. Calling it again is a no-op.
func (w *AsyncWriter[T]) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started || w.stopped {
		return
	}
	w.started = true
	go w.run()
}

func (w *AsyncWriter[T]) run() {
	defer close(w.done)
	for v := range w.ch {
		if err := w.handler(v); err != nil && w.onError != nil {
			w.onError(v, err)
		}
	}
}

// IsStarted reports whether the writer accepts records.
func (w *AsyncWriter[T]) IsStarted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started && !w.stopped
}

// Write queues v without blocking. It returns false when the buffer is
// full or the writer is not running; the caller then writes synchronously.
func (w *AsyncWriter[T]) Write(v T) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started || w.stopped {
		return false
	}
	select {
	case w.ch <- v:
		return true
	default:
		return false
	}
}

// Pending returns the number of queued records.
func (w *AsyncWriter[T]) Pending() int {
	return len(w.ch)
}

// Stop refuses new records and waits for the queue to drain or ctx to end.
func (w *AsyncWriter[T]) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	started := w.started
	close(w.ch)
	w.mu.Unlock()

	if !started {
		return nil
	}
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
