// handle.go implements the Session Handle: the unit of native state owned by
// one session. A handle holds at most one context (encoder-only or full) plus
// the cross-thread cancellation flag and the frame/step bookkeeping read by
// the progress bridge.
package sdruntime

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Stage identifies which context a handle owns.
type Stage int

const (
	// StageNone is the destroyed or never-loaded state.
	StageNone Stage = iota
	// StageEncoderOnly holds only the text encoder.
	StageEncoderOnly
	// StageFull holds the complete generation pipeline.
	StageFull
	// StageAuto asks Loader.Open to pick a stage from the model paths.
	// No handle is ever in this stage.
	StageAuto
)

// String returns the stage name.
func (s Stage) String() string {
	switch s {
	case StageEncoderOnly:
		return "encoder-only"
	case StageFull:
		return "full"
	case StageAuto:
		return "auto"
	default:
		return "none"
	}
}

// noCopy is embedded in types that must not be copied after first use.
// go vet's copylocks check reports copies.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// encoderContext is the encoder-only pipeline: a prefix-filtered tensor
// store, one backend and the encoder bound to it.
type encoderContext struct {
	store   TensorStore
	backend Backend
	encoder TextEncoder
	variant EncoderVariant
}

func (e *encoderContext) free() {
	if e.encoder != nil {
		e.encoder.Free()
	}
	if e.backend != nil {
		e.backend.Free()
	}
	if e.store != nil {
		e.store.Close()
	}
}

// frameBook translates raw step indices into frame indices for video runs.
// It is written before a generation call and read by the progress bridge on
// the same goroutine.
type frameBook struct {
	currentFrame  int
	totalFrames   int
	stepsPerFrame int
	totalSteps    int
}

// reset clears the bookkeeping.
func (b *frameBook) reset() {
	*b = frameBook{}
}

// begin prepares the bookkeeping for a run of frames x steps.
func (b *frameBook) begin(frames, steps int) {
	if frames < 1 {
		frames = 1
	}
	b.totalFrames = frames
	b.stepsPerFrame = steps
	b.totalSteps = steps * frames
	b.currentFrame = 0
}

// frameFor returns min(step/stepsPerFrame, totalFrames-1).
func (b *frameBook) frameFor(step int) int {
	if b.stepsPerFrame <= 0 || b.totalFrames <= 1 || step < 0 {
		return 0
	}
	f := step / b.stepsPerFrame
	if f > b.totalFrames-1 {
		f = b.totalFrames - 1
	}
	return f
}

// Handle is an opaque, non-copyable session token. It is not safe for
// concurrent generation or precompute calls; Cancel may be called from any
// goroutine at any time.
//
// Destroy consumes the handle. Every later operation returns ErrInvalidState.
type Handle struct {
	noCopy noCopy

	loader *Loader
	logger *zap.Logger

	stage  Stage
	full   NativeContext
	enc    *encoderContext
	params ContextParams

	cancelRequested atomic.Bool
	receiver        atomic.Pointer[progressReceiver]
	book            frameBook

	destroyOnce sync.Once
}

// Stage reports which context the handle owns.
func (h *Handle) Stage() Stage {
	if h == nil {
		return StageNone
	}
	return h.stage
}

// Params returns the construction parameters of the handle.
func (h *Handle) Params() ContextParams {
	return h.params
}

// EncoderVariant returns the encoder architecture of an encoder-only handle.
func (h *Handle) EncoderVariant() (EncoderVariant, bool) {
	if h == nil || h.enc == nil {
		return EncoderT5, false
	}
	return h.enc.variant, true
}

// Cancel requests cooperative abort of the generation call in flight. The
// request is observed at the engine's next progress callback. It never blocks.
func (h *Handle) Cancel() {
	if h == nil {
		return
	}
	h.cancelRequested.Store(true)
}

// CancelRequested reports whether a cancellation is pending.
func (h *Handle) CancelRequested() bool {
	return h != nil && h.cancelRequested.Load()
}

// requireFull returns ErrInvalidState unless the handle owns a full context.
func (h *Handle) requireFull(op string) error {
	if h == nil || h.stage != StageFull || h.full == nil {
		return opError(op, ErrInvalidState, "requires a full context, handle is %s", h.Stage())
	}
	return nil
}

// Destroy releases the owned context and the progress receiver, then resets
// the cancellation flag and bookkeeping. Calling it again, or on a nil
// handle, is a no-op.
func (h *Handle) Destroy() {
	if h == nil {
		return
	}
	h.destroyOnce.Do(func() {
		if h.loader != nil {
			h.loader.slot.release(h)
		}
		h.receiver.Store(nil)

		switch h.stage {
		case StageFull:
			if h.full != nil {
				h.loader.engine.FreeContext(h.full)
			}
		case StageEncoderOnly:
			if h.enc != nil {
				h.enc.free()
			}
		}
		if h.logger != nil {
			h.logger.Debug("handle destroyed", zap.Stringer("stage", h.stage))
		}

		h.full = nil
		h.enc = nil
		h.stage = StageNone
		h.cancelRequested.Store(false)
		h.book.reset()
	})
}

// callbackSlot owns the engine's single global progress registration. At most
// one handle is attached at a time. A handle inside a generation call keeps
// the hook until that call returns; listener registrations from other handles
// made meanwhile take effect afterwards.
type callbackSlot struct {
	mu      sync.Mutex
	engine  Engine
	owner   *Handle
	running *Handle
	pending *Handle
}

// attach points the engine callback at h. Callers hold mu.
func (s *callbackSlot) attach(h *Handle) {
	if s.owner == h {
		return
	}
	s.owner = h
	if h == nil {
		s.engine.SetProgressCallback(nil)
		return
	}
	s.engine.SetProgressCallback(h.onProgress)
}

// claim attaches h for a listener registration. While another handle is
// generating, the claim is deferred until that generation ends.
func (s *callbackSlot) claim(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running != nil && s.running != h {
		s.pending = h
		return
	}
	s.attach(h)
}

// begin attaches h for the duration of one generation call.
func (s *callbackSlot) begin(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = h
	if s.pending == h {
		s.pending = nil
	}
	s.attach(h)
}

// end marks h's generation call finished and hands the hook to a deferred
// claimant, if any.
func (s *callbackSlot) end(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running != h {
		return
	}
	s.running = nil
	if s.pending != nil {
		s.attach(s.pending)
		s.pending = nil
	}
}

// release clears the engine callback if h currently owns it and drops any
// deferred claim by h.
func (s *callbackSlot) release(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == h {
		s.pending = nil
	}
	if s.running == h {
		s.running = nil
	}
	if s.owner == h {
		s.attach(s.pending)
		s.pending = nil
	}
}

// current returns the handle currently attached to the engine callback.
func (s *callbackSlot) current() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}
