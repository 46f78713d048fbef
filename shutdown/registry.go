package shutdown

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"sdstage/core"
)

// Hook priorities used by the sdstage command. Lower values run first.
const (
	PriorityAbort    = 0  // abort generations still inside the engine
	PriorityHistory  = 10 // drain the async history writer
	PrioritySessions = 20 // destroy engine sessions
	PriorityStorage  = 30 // close the history database
	PriorityFiles    = 40 // remove partial output files
	PriorityLogger   = 50 // flush the logger last
)

type hook struct {
	name     string
	fn       core.ShutdownFunc
	priority int
	seq      int
}

// Registry holds shutdown hooks and runs them once, in priority order.
// Hooks with equal priority run in registration order.
type Registry struct {
	mu     sync.Mutex
	hooks  []hook
	closed bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds fn under name. Registration after Run is ignored.
func (r *Registry) Register(name string, priority int, fn core.ShutdownFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || fn == nil {
		return
	}
	r.hooks = append(r.hooks, hook{name: name, fn: fn, priority: priority, seq: len(r.hooks)})
}

func (r *Registry) sorted() []hook {
	out := make([]hook, len(r.hooks))
	copy(out, r.hooks)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].priority != out[j].priority {
			return out[i].priority < out[j].priority
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// Run calls every hook with ctx. A failing hook does not stop the ones after
// it; each failure is returned wrapped with the hook's name. Later calls
// return nil.
func (r *Registry) Run(ctx context.Context) []error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	hooks := r.sorted()
	r.mu.Unlock()

	var errs []error
	for _, h := range hooks {
		if err := h.fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
		}
	}
	return errs
}

// Names lists hook names in the order Run calls them.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	hooks := r.sorted()
	names := make([]string, len(hooks))
	for i, h := range hooks {
		names[i] = h.name
	}
	return names
}

// Count returns the number of registered hooks.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hooks)
}

// IsClosed reports whether Run has been called.
func (r *Registry) IsClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
