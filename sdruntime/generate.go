// generate.go implements the Generation Engine Adapter. It turns requests
// into engine parameter sets, substitutes precomputed conditioning when
// given, and runs the engine under the progress/cancellation bridge.
package sdruntime

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// sampleParams maps the request's sampling block onto the engine's enums.
func sampleParams(steps int, cfg float32, s Sampler, sch Scheduler, hints PerfHints) SampleParams {
	return SampleParams{
		Steps:     steps,
		CFGScale:  cfg,
		Method:    MapSampler(s),
		Scheduler: MapScheduler(sch),
		Cache:     hints,
	}
}

// ImageParamsFor builds the engine parameter set for an image request.
// The seed must already be resolved.
func ImageParamsFor(r ImageRequest) *ImageParams {
	return &ImageParams{
		Prompt:         SanitizePrompt(r.Prompt),
		NegativePrompt: SanitizePrompt(r.NegativePrompt),
		Width:          r.Width,
		Height:         r.Height,
		Seed:           r.Seed,
		ClipSkip:       r.ClipSkip,
		Strength:       r.Strength,
		InitImage:      r.InitImage,
		Sample:         sampleParams(r.Steps, r.CFGScale, r.Sampler, r.Scheduler, r.Hints),
	}
}

// VideoParamsFor builds the engine parameter set for a video request.
func VideoParamsFor(r VideoRequest) *VideoParams {
	return &VideoParams{
		Prompt:         SanitizePrompt(r.Prompt),
		NegativePrompt: SanitizePrompt(r.NegativePrompt),
		Width:          r.Width,
		Height:         r.Height,
		Frames:         r.Frames,
		Seed:           r.Seed,
		ClipSkip:       r.ClipSkip,
		Strength:       r.Strength,
		InitImage:      r.InitImage,
		Sample:         sampleParams(r.Steps, r.CFGScale, r.Sampler, r.Scheduler, r.Hints),
	}
}

// nativeConditioning rebuilds engine tensors from a Conditioning. It reports
// false when no conditional payload is present.
func nativeConditioning(c *Conditioning) (cond, uncond *NativeCondition, ok bool, err error) {
	if c == nil || c.Cond == nil {
		return nil, nil, false, nil
	}
	if cond, err = c.Cond.toNative(); err != nil {
		return nil, nil, false, err
	}
	if uncond, err = c.Uncond.toNative(); err != nil {
		return nil, nil, false, err
	}
	return cond, uncond, true, nil
}

// GenerateImage renders one image. With a non-nil cond the engine's
// precomputed-condition entry point is used and the prompt text is not
// re-encoded.
//
// Cancelling ctx has the same effect as Cancel.
//
// Error cases:
//   - ErrInvalidState: the handle does not own a full context
//   - ErrInvalidArgument: non-positive dimensions or malformed init image
//   - ErrInvalidPayload: cond cannot be rebuilt
//   - ErrCancelled: cancellation was observed during the call
//   - ErrGenerationFailed: the engine failed
//   - ErrAllocationFailed: result frames could not be allocated
func (h *Handle) GenerateImage(ctx context.Context, req ImageRequest, cond *Conditioning) (*Result, error) {
	const op = "generateImage"
	if err := h.requireFull(op); err != nil {
		return nil, err
	}
	if err := ValidateImageRequest(req); err != nil {
		return nil, err
	}

	req.Seed = ResolveSeed(req.Seed)
	img, err := FitInitImage(req.InitImage, req.Width, req.Height)
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	req.InitImage = img
	params := ImageParamsFor(req)

	nc, nu, precomputed, err := nativeConditioning(cond)
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}

	eng := h.loader.engine
	return h.run(ctx, op, 1, req.Steps, req.Seed, precomputed, func() (NativeFrames, error) {
		if precomputed {
			return eng.GenerateImageWithCondition(h.full, params, nc, nu)
		}
		return eng.GenerateImage(h.full, params)
	})
}

// GenerateVideo renders a clip of req.Frames frames. Conditioning and
// cancellation behave as for GenerateImage.
func (h *Handle) GenerateVideo(ctx context.Context, req VideoRequest, cond *Conditioning) (*Result, error) {
	const op = "generateVideo"
	if err := h.requireFull(op); err != nil {
		return nil, err
	}
	if err := ValidateVideoRequest(req); err != nil {
		return nil, err
	}

	req.Seed = ResolveSeed(req.Seed)
	img, err := FitInitImage(req.InitImage, req.Width, req.Height)
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	req.InitImage = img
	params := VideoParamsFor(req)

	nc, nu, precomputed, err := nativeConditioning(cond)
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}

	eng := h.loader.engine
	return h.run(ctx, op, req.Frames, req.Steps, req.Seed, precomputed, func() (NativeFrames, error) {
		if precomputed {
			return eng.GenerateVideoWithCondition(h.full, params, nc, nu)
		}
		return eng.GenerateVideo(h.full, params)
	})
}

// run wraps one engine generation call with bookkeeping, the progress hook
// and result marshalling. The cancellation flag and bookkeeping are cleared
// when it returns so the handle is ready for the next call.
func (h *Handle) run(ctx context.Context, op string, frames, steps int, seed int64, precomputed bool,
	call func() (NativeFrames, error)) (*Result, error) {

	// Step 1: frame/step bookkeeping for the bridge
	h.book.begin(frames, steps)
	defer func() {
		h.cancelRequested.Store(false)
		h.book.reset()
	}()

	// Step 2: hold the engine's progress hook until the call returns
	h.loader.slot.begin(h)
	defer h.loader.slot.end(h)

	// Step 3: bridge ctx cancellation onto the cancel flag
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, &Error{Op: op, Message: "context done before start", Err: errors.Join(ErrCancelled, err)}
	}
	stop := context.AfterFunc(ctx, h.Cancel)
	defer stop()

	log := h.logger.With(zap.String("op", op), zap.Int64("seed", seed))
	log.Debug("generation started",
		zap.Int("frames", h.book.totalFrames),
		zap.Int("steps", steps),
		zap.Bool("precomputed", precomputed))
	start := time.Now()

	// Step 4: engine call
	nf, err := call()
	if err != nil {
		if errors.Is(err, ErrCancelled) {
			log.Info("generation cancelled", zap.Duration("elapsed", time.Since(start)))
			if cause := context.Cause(ctx); cause != nil {
				return nil, &Error{Op: op, Err: errors.Join(err, cause)}
			}
			return nil, &Error{Op: op, Err: err}
		}
		return nil, &Error{Op: op, Err: errors.Join(ErrGenerationFailed, err)}
	}
	if nf == nil {
		return nil, opError(op, ErrGenerationFailed, "engine returned no frames")
	}

	// Step 5: copy frames out and release native buffers
	out, err := marshalFrames(op, nf, h.loader.alloc)
	if err != nil {
		log.Warn("result marshalling failed", zap.Error(err))
		return nil, err
	}

	elapsed := time.Since(start)
	log.Info("generation finished", zap.Int("frames", len(out)), zap.Duration("elapsed", elapsed))
	return &Result{Frames: out, Seed: seed, Duration: elapsed}, nil
}
