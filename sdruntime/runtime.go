// runtime.go implements the host-facing API surface: a registry of sessions
// keyed by opaque IDs, each wrapping one Handle. Calls against one session
// are serialized; Cancel is never blocked by them.
package sdruntime

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CallKind names the operation a CallRecord describes.
type CallKind string

const (
	CallImage      CallKind = "image"
	CallVideo      CallKind = "video"
	CallPrecompute CallKind = "precompute"
)

// CallRecord describes one finished runtime call. Err is nil on success.
type CallRecord struct {
	Session  string
	Kind     CallKind
	Width    int
	Height   int
	Frames   int
	Steps    int
	Seed     int64
	Duration time.Duration
	Err      error
}

// CallObserver receives a record after every image, video and precompute
// call. It runs on the calling goroutine.
type CallObserver func(CallRecord)

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithObserver registers a call observer.
func WithObserver(fn CallObserver) RuntimeOption {
	return func(r *Runtime) { r.observer = fn }
}

// WithRuntimeLogger sets the runtime's logger.
func WithRuntimeLogger(l *zap.Logger) RuntimeOption {
	return func(r *Runtime) {
		if l != nil {
			r.logger = l
		}
	}
}

type session struct {
	id     string
	mu     sync.Mutex // serializes handle calls
	handle *Handle
	opened time.Time
}

// SessionInfo is a snapshot of one open session.
type SessionInfo struct {
	ID     string
	Stage  Stage
	Model  string
	Opened time.Time
}

// Runtime owns every open session of one Loader.
type Runtime struct {
	loader   *Loader
	logger   *zap.Logger
	observer CallObserver

	mu       sync.RWMutex
	sessions map[string]*session
	closed   bool
}

// NewRuntime returns a Runtime that opens handles through loader.
func NewRuntime(loader *Loader, opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		loader:   loader,
		logger:   zap.NewNop(),
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open builds a handle in the requested stage and returns its session ID.
func (r *Runtime) Open(p ContextParams, stage Stage) (string, error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return "", opError("open", ErrRuntimeClosed, "cannot open %s", p.ModelPath)
	}

	h, err := r.loader.Open(p, stage)
	if err != nil {
		return "", err
	}

	s := &session{id: uuid.NewString(), handle: h, opened: time.Now()}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		h.Destroy()
		return "", opError("open", ErrRuntimeClosed, "runtime closed during load")
	}
	r.sessions[s.id] = s
	r.mu.Unlock()

	r.logger.Info("session opened", zap.String("session", s.id), zap.Stringer("stage", h.Stage()))
	return s.id, nil
}

func (r *Runtime) lookup(op, id string) (*session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, opError(op, ErrRuntimeClosed, "session %s", id)
	}
	s, ok := r.sessions[id]
	if !ok {
		return nil, opError(op, ErrUnknownSession, "%s", id)
	}
	return s, nil
}

// Close cancels any call in flight on the session, waits for it to return
// and destroys the handle.
func (r *Runtime) Close(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return opError("close", ErrUnknownSession, "%s", id)
	}
	r.destroy(s)
	return nil
}

func (r *Runtime) destroy(s *session) {
	s.handle.Cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handle.Destroy()
	r.logger.Info("session closed", zap.String("session", s.id), zap.Duration("age", time.Since(s.opened)))
}

// Stage reports the stage of the session's handle.
func (r *Runtime) Stage(id string) (Stage, error) {
	s, err := r.lookup("stage", id)
	if err != nil {
		return StageNone, err
	}
	return s.handle.Stage(), nil
}

// Sessions lists open sessions ordered by open time.
func (r *Runtime) Sessions() []SessionInfo {
	r.mu.RLock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, SessionInfo{
			ID:     s.id,
			Stage:  s.handle.Stage(),
			Model:  s.handle.Params().ModelPath,
			Opened: s.opened,
		})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Opened.Before(out[j].Opened) })
	return out
}

func (r *Runtime) observe(rec CallRecord) {
	if r.observer != nil {
		r.observer(rec)
	}
}

// Precompute encodes req on the session and returns the conditioning.
func (r *Runtime) Precompute(id string, req ConditionRequest) (*Conditioning, error) {
	s, err := r.lookup("precompute", id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	c, err := s.handle.Precompute(req)
	r.observe(CallRecord{
		Session: id, Kind: CallPrecompute,
		Width: req.Width, Height: req.Height,
		Duration: time.Since(start), Err: err,
	})
	return c, err
}

// Image renders one image on the session. cond may be nil.
func (r *Runtime) Image(ctx context.Context, id string, req ImageRequest, cond *Conditioning) (*Result, error) {
	s, err := r.lookup("image", id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	res, err := s.handle.GenerateImage(ctx, req, cond)
	rec := CallRecord{
		Session: id, Kind: CallImage,
		Width: req.Width, Height: req.Height, Frames: 1, Steps: req.Steps,
		Seed: req.Seed, Duration: time.Since(start), Err: err,
	}
	if res != nil {
		rec.Seed = res.Seed
	}
	r.observe(rec)
	return res, err
}

// Video renders a clip on the session. cond may be nil.
func (r *Runtime) Video(ctx context.Context, id string, req VideoRequest, cond *Conditioning) (*Result, error) {
	s, err := r.lookup("video", id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	res, err := s.handle.GenerateVideo(ctx, req, cond)
	rec := CallRecord{
		Session: id, Kind: CallVideo,
		Width: req.Width, Height: req.Height, Frames: req.Frames, Steps: req.Steps,
		Seed: req.Seed, Duration: time.Since(start), Err: err,
	}
	if res != nil {
		rec.Seed = res.Seed
	}
	r.observe(rec)
	return res, err
}

// SetProgressListener replaces the session's progress listener. It waits
// for any call in flight on the session.
func (r *Runtime) SetProgressListener(id string, fn ProgressListener, binder ThreadBinder) error {
	s, err := r.lookup("setProgressListener", id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle.SetProgressListener(fn, binder)
}

// Cancel requests abort of the call in flight on the session. It does not
// wait for the call to return. A cancel issued while the session is idle
// aborts its next generation call at the first step.
func (r *Runtime) Cancel(id string) error {
	s, err := r.lookup("cancel", id)
	if err != nil {
		return err
	}
	s.handle.Cancel()
	return nil
}

// CancelAll requests abort on every session.
func (r *Runtime) CancelAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		s.handle.Cancel()
	}
}

// CloseAll cancels and destroys every session. Later calls return
// ErrRuntimeClosed.
func (r *Runtime) CloseAll() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sessions := r.sessions
	r.sessions = make(map[string]*session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.handle.Cancel()
	}
	for _, s := range sessions {
		r.destroy(s)
	}
	r.logger.Info("runtime closed", zap.Int("sessions", len(sessions)))
	return nil
}
