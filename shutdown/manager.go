// Package shutdown coordinates graceful exit of the sdstage command: the
// first SIGINT or SIGTERM cancels the managed context, which aborts any
// generation running in the engine; a second signal exits immediately.
// After the context is done, Shutdown waits for tracked generations and
// runs the registered hooks in priority order.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"sdstage/core"

	"go.uber.org/zap"
)

// DefaultTimeout bounds the whole shutdown sequence.
const DefaultTimeout = 30 * time.Second

// Manager composes an OperationTracker, a Registry and a SignalCounter.
//
//	m := shutdown.NewManager(logger, shutdown.WithTimeout(cfg.ShutdownTimeout))
//	m.Register("sessions", shutdown.PrioritySessions, shutdown.CloseSessions(rt))
//	m.Start()
//	defer m.Shutdown()
//
//	err := m.Track(m.Context(), "image", func(ctx context.Context) error {
//	    _, err := rt.Image(ctx, id, req, cond)
//	    return err
//	})
type Manager struct {
	logger  *zap.Logger
	timeout time.Duration
	exit    func(int)

	mu       sync.Mutex
	started  bool
	shutdown bool
	reason   string

	ctx    context.Context
	cancel context.CancelFunc

	tracker  *OperationTracker
	registry *Registry
	signals  *SignalCounter
	sigChan  chan os.Signal
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithTimeout sets the shutdown timeout. Non-positive values are ignored.
func WithTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithExitFunc replaces os.Exit for the forced-exit path.
func WithExitFunc(fn func(code int)) ManagerOption {
	return func(m *Manager) {
		if fn != nil {
			m.exit = fn
		}
	}
}

// WithParent derives the managed context from parent instead of
// context.Background.
func WithParent(parent context.Context) ManagerOption {
	return func(m *Manager) {
		m.cancel()
		m.ctx, m.cancel = context.WithCancel(parent)
	}
}

// NewManager returns a Manager. A nil logger discards output.
func NewManager(logger *zap.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		logger:   logger,
		timeout:  DefaultTimeout,
		exit:     os.Exit,
		ctx:      ctx,
		cancel:   cancel,
		tracker:  NewOperationTracker(),
		registry: NewRegistry(),
		sigChan:  make(chan os.Signal, 2),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.signals = NewSignalCounter(2, func(sig os.Signal) {
		m.logger.Warn("second signal received, exiting without cleanup", zap.Stringer("signal", sig))
		_ = m.logger.Sync()
		m.exit(SignalExitCode(sig))
	})
	return m
}

// SignalExitCode maps a termination signal to the conventional exit status.
func SignalExitCode(sig os.Signal) int {
	switch sig {
	case syscall.SIGTERM:
		return core.ExitCodeSIGTERM
	case os.Interrupt:
		return core.ExitCodeSIGINT
	}
	return core.ExitCodeError
}

// Context is cancelled when shutdown begins.
func (m *Manager) Context() context.Context {
	return m.ctx
}

// Register adds a hook; see the Priority constants.
func (m *Manager) Register(name string, priority int, fn core.ShutdownFunc) {
	m.registry.Register(name, priority, fn)
	m.logger.Debug("shutdown hook registered", zap.String("name", name), zap.Int("priority", priority))
}

// Start listens for SIGINT and SIGTERM. Calling it again is a no-op.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true

	signal.Notify(m.sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		for sig := range m.sigChan {
			m.handleSignal(sig)
		}
	}()
}

func (m *Manager) handleSignal(sig os.Signal) {
	if m.signals.Increment(sig) == 1 {
		m.logger.Info("signal received, cancelling generations",
			zap.Stringer("signal", sig),
			zap.Int("in_flight", m.tracker.ActiveCount()),
		)
		m.Trigger("signal " + sig.String())
	}
}

// Trigger cancels the managed context as if a signal had arrived.
func (m *Manager) Trigger(reason string) {
	m.mu.Lock()
	if m.reason == "" {
		m.reason = reason
	}
	m.mu.Unlock()
	m.cancel()
}

// Signal returns the first signal received, or nil.
func (m *Manager) Signal() os.Signal {
	return m.signals.First()
}

// Track runs fn as a named in-flight operation. The context passed to fn is
// cancelled when either ctx or the managed context is done. Once shutdown
// has begun Track returns ErrTrackerClosed without calling fn.
func (m *Manager) Track(ctx context.Context, name string, fn func(context.Context) error) error {
	done, ok := m.tracker.Begin(name)
	if !ok {
		m.logger.Debug("operation rejected during shutdown", zap.String("operation", name))
		return ErrTrackerClosed
	}
	defer done()

	if err := m.ctx.Err(); err != nil {
		return err
	}
	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(m.ctx, cancel)
	defer stop()

	return fn(opCtx)
}

// Shutdown cancels the managed context, stops accepting operations, waits
// for running ones and runs every hook. The hook context carries whatever is
// left of the timeout, with a floor of one second. Later calls return nil.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil
	}
	m.shutdown = true
	started := m.started
	reason := m.reason
	m.mu.Unlock()

	if reason == "" {
		reason = "requested"
	}
	begin := time.Now()
	m.logger.Info("shutting down",
		zap.String("reason", reason),
		zap.Duration("timeout", m.timeout),
		zap.Int("hooks", m.registry.Count()),
	)

	m.cancel()
	m.tracker.Close()
	if err := m.tracker.Wait(m.timeout); err != nil {
		names := make([]string, 0)
		for _, op := range m.tracker.Active() {
			names = append(names, op.Name)
		}
		m.logger.Warn("operations still running after timeout", zap.Strings("operations", names))
	}

	remaining := m.timeout - time.Since(begin)
	if remaining < time.Second {
		remaining = time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), remaining)
	defer cancel()

	errs := m.registry.Run(ctx)
	for _, err := range errs {
		m.logger.Error("shutdown hook failed", zap.Error(err))
	}

	if started {
		signal.Stop(m.sigChan)
		close(m.sigChan)
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown: %d hook(s) failed: %w", len(errs), errors.Join(errs...))
	}
	m.logger.Info("shutdown complete", zap.Duration("duration", time.Since(begin)))
	return nil
}

// ActiveOperations returns the number of running tracked operations.
func (m *Manager) ActiveOperations() int {
	return m.tracker.ActiveCount()
}

// IsShuttingDown reports whether the managed context is done.
func (m *Manager) IsShuttingDown() bool {
	return m.ctx.Err() != nil
}

// Hooks lists registered hook names in run order.
func (m *Manager) Hooks() []string {
	return m.registry.Names()
}
