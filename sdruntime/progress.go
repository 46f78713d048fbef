// progress.go implements the progress/cancellation bridge between the engine's
// single progress hook and a handle's listener.
package sdruntime

import (
	"time"

	"go.uber.org/zap"
)

// Progress is one progress report. Frame is derived from Step when the
// engine does not report frame identity itself.
type Progress struct {
	Step        int
	TotalSteps  int
	Frame       int
	TotalFrames int
	Elapsed     time.Duration
}

// Fraction returns completion in [0, 1].
func (p Progress) Fraction() float64 {
	if p.TotalSteps <= 0 {
		return 0
	}
	f := float64(p.Step) / float64(p.TotalSteps)
	if f > 1 {
		return 1
	}
	return f
}

// ProgressListener receives progress reports on the generating goroutine.
// It must not call back into the handle except for Cancel.
type ProgressListener func(Progress)

// ThreadBinder registers the calling OS thread with a host runtime for the
// duration of one listener call.
//
// Bind reports whether this call performed the registration. Unbind is only
// invoked when Bind returned true, so a thread the host had already
// registered is never unregistered here.
type ThreadBinder interface {
	Bind() (bound bool, err error)
	Unbind()
}

// hostThread is the default binder: Go listeners need no registration.
type hostThread struct{}

func (hostThread) Bind() (bool, error) { return false, nil }
func (hostThread) Unbind()             {}

// progressReceiver is a registered listener with its thread binder.
type progressReceiver struct {
	listener ProgressListener
	binder   ThreadBinder
}

// bindScope enters the binder and returns the matching exit function.
func bindScope(b ThreadBinder) (func(), error) {
	bound, err := b.Bind()
	if err != nil {
		return nil, err
	}
	if !bound {
		return func() {}, nil
	}
	return b.Unbind, nil
}

// SetProgressListener registers fn as the handle's progress receiver,
// replacing any previous one. A nil fn clears it. A nil binder selects the
// default no-op binder.
//
// The handle also claims the engine's global progress hook, detaching
// whichever handle held it before. If another handle is generating, the
// claim applies once that generation returns.
func (h *Handle) SetProgressListener(fn ProgressListener, binder ThreadBinder) error {
	if h == nil || h.stage == StageNone {
		return opError("setProgressListener", ErrInvalidState, "handle is destroyed")
	}
	if fn == nil {
		h.receiver.Store(nil)
		return nil
	}
	if binder == nil {
		binder = hostThread{}
	}
	h.receiver.Store(&progressReceiver{listener: fn, binder: binder})
	if h.stage == StageFull {
		h.loader.slot.claim(h)
	}
	return nil
}

// onProgress is the engine-facing progress hook. It runs on the generating
// goroutine once per denoising step.
func (h *Handle) onProgress(step, steps int, elapsedSeconds float32) error {
	if h.cancelRequested.Load() {
		return opError("progress", ErrCancelled, "cancelled at step %d/%d", step, steps)
	}

	r := h.receiver.Load()
	if r == nil {
		return nil
	}

	exit, err := bindScope(r.binder)
	if err != nil {
		// Progress is advisory; a thread that cannot be bound just misses a report.
		h.logger.Warn("progress listener thread bind failed", zap.Error(err))
		return nil
	}
	defer exit()

	h.book.currentFrame = h.book.frameFor(step)
	total := h.book.totalSteps
	if total <= 0 {
		total = steps
	}
	frames := h.book.totalFrames
	if frames < 1 {
		frames = 1
	}

	r.listener(Progress{
		Step:        step,
		TotalSteps:  total,
		Frame:       h.book.currentFrame,
		TotalFrames: frames,
		Elapsed:     time.Duration(float64(elapsedSeconds) * float64(time.Second)),
	})
	return nil
}
