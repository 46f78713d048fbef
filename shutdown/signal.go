package shutdown

import (
	"os"
	"sync"
)

// SignalCounter counts shutdown signals. The first one starts a graceful
// shutdown; reaching forceAfter calls onForce with the triggering signal.
type SignalCounter struct {
	mu         sync.Mutex
	count      int
	first      os.Signal
	forceAfter int
	onForce    func(os.Signal)
}

// NewSignalCounter returns a counter that calls onForce once count reaches
// forceAfter. onForce may be nil.
func NewSignalCounter(forceAfter int, onForce func(os.Signal)) *SignalCounter {
	return &SignalCounter{forceAfter: forceAfter, onForce: onForce}
}

// Increment records sig and returns the new count. onForce runs under the
// counter's lock, so it should exit or return quickly.
func (s *SignalCounter) Increment(sig os.Signal) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count++
	if s.count == 1 {
		s.first = sig
	}
	if s.forceAfter > 0 && s.count >= s.forceAfter && s.onForce != nil {
		s.onForce(sig)
	}
	return s.count
}

// Count returns how many signals have been recorded.
func (s *SignalCounter) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// First returns the first recorded signal, or nil.
func (s *SignalCounter) First() os.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.first
}

// Reset clears the count and the first signal.
func (s *SignalCounter) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count = 0
	s.first = nil
}
