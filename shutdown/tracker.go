package shutdown

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrTrackerClosed is returned when an operation starts after shutdown began.
var ErrTrackerClosed = errors.New("shutdown in progress: no new operations accepted")

// ErrWaitTimeout is returned when Wait gives up before all operations finish.
var ErrWaitTimeout = errors.New("timed out waiting for in-flight operations")

// Operation describes one tracked in-flight operation.
type Operation struct {
	ID      uint64
	Name    string
	Started time.Time
}

// OperationTracker records in-flight operations by name so shutdown can wait
// for them and report the ones that did not finish.
type OperationTracker struct {
	mu     sync.Mutex
	wg     sync.WaitGroup
	nextID uint64
	active map[uint64]Operation
	closed bool
	now    func() time.Time
}

// NewOperationTracker returns an open tracker.
func NewOperationTracker() *OperationTracker {
	return &OperationTracker{active: make(map[uint64]Operation), now: time.Now}
}

// Begin starts tracking name. It returns ok=false once the tracker is closed.
// When ok is true the caller must call done exactly once; extra calls are
// ignored.
func (t *OperationTracker) Begin(name string) (done func(), ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return func() {}, false
	}
	t.nextID++
	id := t.nextID
	t.active[id] = Operation{ID: id, Name: name, Started: t.now()}
	t.wg.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.active, id)
			t.mu.Unlock()
			t.wg.Done()
		})
	}, true
}

// Wait blocks until every tracked operation finishes or timeout elapses.
func (t *OperationTracker) Wait(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrWaitTimeout
	}
}

// Close rejects new operations. Running ones are unaffected.
func (t *OperationTracker) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

// IsClosed reports whether Close has been called.
func (t *OperationTracker) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// ActiveCount returns the number of running operations.
func (t *OperationTracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// Active lists running operations, oldest first.
func (t *OperationTracker) Active() []Operation {
	t.mu.Lock()
	out := make([]Operation, 0, len(t.active))
	for _, op := range t.active {
		out = append(out, op)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
