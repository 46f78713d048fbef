// Package sdruntime drives a native stable-diffusion.cpp engine through a
// staged pipeline: the text encoder and the denoiser can be loaded one at a
// time, and the conditioning produced by the first stage is carried to the
// second as a portable Tensor Raw payload.
//
// # Public API
//
// A Loader builds Handles against one Engine:
//
//   - (*Loader) CreateFull(p ContextParams) (*Handle, error)
//   - (*Loader) CreateEncoderOnly(modelPath string) (*Handle, error)
//   - (*Loader) Open(p ContextParams, stage Stage) (*Handle, error)
//
// A Handle then serves:
//
//   - (*Handle) Precompute(req ConditionRequest) (*Conditioning, error)
//   - (*Handle) GenerateImage(ctx, req ImageRequest, cond *Conditioning) (*Result, error)
//   - (*Handle) GenerateVideo(ctx, req VideoRequest, cond *Conditioning) (*Result, error)
//   - (*Handle) SetProgressListener(fn ProgressListener, binder ThreadBinder) error
//   - (*Handle) Cancel()
//   - (*Handle) Destroy()
//
// Runtime wraps the same operations behind session IDs for hosts that hand
// out sessions to several callers.
//
// # Quick Start
//
// Staged generation on a device that cannot hold both stages:
//
//	ld := sdruntime.NewLoader(nil, sdruntime.WithLogger(logger))
//
//	enc, err := ld.CreateEncoderOnly("/models/umt5-xxl.gguf")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	cond, err := enc.Precompute(sdruntime.ConditionRequest{
//	    Prompt: "a red cube", Width: 512, Height: 512, ClipSkip: -1,
//	})
//	enc.Destroy()
//
//	full, err := ld.CreateFull(sdruntime.ContextParams{ModelPath: "/models/wan.gguf"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer full.Destroy()
//
//	req := sdruntime.DefaultVideoRequest()
//	res, err := full.GenerateVideo(ctx, req, cond)
//
// # Configuration
//
// LoadSDConfig reads SD_* environment variables:
//
//	SD_MODEL_PATH=/path/to/model.gguf
//	SD_VAE_PATH, SD_T5XXL_PATH, SD_CLIP_L_PATH, SD_CLIP_G_PATH
//	SD_THREADS=0              # <=0 uses physical cores
//	SD_IMAGE_SIZE=512         # 64-2048, multiple of 8
//	SD_INFERENCE_STEPS=20     # 1-150
//	SD_GUIDANCE_SCALE=7.5     # 1.0-30.0
//	SD_SAMPLER, SD_SCHEDULER  # names as in Sampler.String
//	SD_CLIP_SKIP=-1
//	SD_VIDEO_FRAMES=16
//	SD_VERIFY_CHECKSUMS=false
//
// # Build Tags
//
//   - Stub mode (default): go build
//     NewLoader(nil) uses StubEngine, which renders deterministic pixels.
//
//   - Real mode: CGO_ENABLED=1 go build -tags sd
//     Links the sdstage shim over stable-diffusion.cpp.
//
// # Error Handling
//
// Every failure is an *Error carrying the failing operation and one of the
// sentinels in errors.go. Cancellation is reported as ErrCancelled and is
// never confused with ErrGenerationFailed:
//
//	res, err := h.GenerateImage(ctx, req, nil)
//	switch {
//	case sdruntime.IsCancelled(err):
//	    // user abort; the handle is reusable
//	case errors.Is(err, sdruntime.ErrGenerationFailed):
//	    // engine fault
//	}
//
// # Thread Safety
//
// A Handle runs one call at a time. Cancel may be called from any goroutine.
// The engine has a single progress hook; the handle that most recently
// started a generation or registered a listener owns it.
package sdruntime
