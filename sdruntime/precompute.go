// precompute.go implements conditioning precompute: running the text encoder
// once and exporting its output as Tensor Raw payloads that outlive the
// encoder.
package sdruntime

import (
	"errors"
	"time"

	"go.uber.org/zap"
)

// PrecomputeCondition encodes one text into a payload. It is valid on both
// encoder-only and full handles. No engine memory survives the call.
func (h *Handle) PrecomputeCondition(text string, width, height, clipSkip int) (*Payload, error) {
	const op = "precomputeCondition"
	if h == nil || h.stage == StageNone {
		return nil, opError(op, ErrInvalidState, "handle is destroyed")
	}
	if err := validateDims(op, width, height); err != nil {
		return nil, err
	}

	in := EncoderInput{Text: SanitizePrompt(text), ClipSkip: clipSkip, Width: width, Height: height}
	start := time.Now()

	var (
		p   *Payload
		err error
	)
	switch h.stage {
	case StageFull:
		p, err = h.precomputeFull(in)
	case StageEncoderOnly:
		p, err = h.precomputeEncoder(in)
	}
	if err != nil {
		var opErr *Error
		if errors.As(err, &opErr) {
			return nil, err
		}
		return nil, &Error{Op: op, Err: err}
	}

	h.logger.Debug("conditioning precomputed",
		zap.Stringer("stage", h.stage),
		zap.Int("width", width),
		zap.Int("height", height),
		zap.Duration("elapsed", time.Since(start)))
	return p, nil
}

// precomputeFull uses the engine's own conditioning entry point.
func (h *Handle) precomputeFull(in EncoderInput) (*Payload, error) {
	eng := h.loader.engine
	nc, err := eng.PrecomputeCondition(h.full, ConditionParams{
		Text:     in.Text,
		ClipSkip: in.ClipSkip,
		Width:    in.Width,
		Height:   in.Height,
	})
	if err != nil {
		return nil, errors.Join(ErrGenerationFailed, err)
	}
	if nc == nil {
		return nil, opError("precomputeCondition", ErrGenerationFailed, "engine returned no condition")
	}
	defer eng.FreeCondition(nc)
	return payloadFromNative(nc)
}

// precomputeEncoder runs the standalone encoder into a scratch arena and
// copies the outputs out before the arena is freed.
func (h *Handle) precomputeEncoder(in EncoderInput) (*Payload, error) {
	arena, err := h.loader.engine.Encoders().NewArena(h.loader.arenaBytes)
	if err != nil || arena == nil {
		return nil, errors.Join(ErrEncoderAllocFailed, err)
	}
	defer arena.Free()

	nc, err := h.enc.encoder.Forward(arena, in)
	if err != nil {
		return nil, errors.Join(ErrGenerationFailed, err)
	}
	if nc == nil {
		return nil, opError("precomputeCondition", ErrGenerationFailed, "encoder produced no output")
	}
	return payloadFromNative(nc)
}

// Precompute runs PrecomputeCondition for the prompt and, when a negative
// prompt is given, for the unconditional side as well.
func (h *Handle) Precompute(req ConditionRequest) (*Conditioning, error) {
	if err := ValidateConditionRequest(req); err != nil {
		return nil, err
	}
	cond, err := h.PrecomputeCondition(req.Prompt, req.Width, req.Height, req.ClipSkip)
	if err != nil {
		return nil, err
	}
	out := &Conditioning{Cond: cond}
	if req.NegativePrompt != nil {
		out.Uncond, err = h.PrecomputeCondition(*req.NegativePrompt, req.Width, req.Height, req.ClipSkip)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
