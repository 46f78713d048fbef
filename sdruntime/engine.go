package sdruntime

// engine.go declares the boundary to the native generation engine. Everything
// behind these interfaces (sampling, kernels, model parsing) is opaque here.
// Two implementations exist: StubEngine (pure Go, always compiled) and the
// cgo binding to stable-diffusion.cpp (build tag "sd").

// NativeContext is an opaque engine context (sd_ctx_t). Only the engine that
// created it may interpret it.
type NativeContext interface{}

// ContextParams configures a full generation context.
type ContextParams struct {
	ModelPath     string
	VAEPath       string
	T5XXLPath     string
	ClipLPath     string
	ClipGPath     string
	Threads       int // <=0 selects the engine's physical core count
	OffloadToCPU  bool
	KeepClipOnCPU bool
	KeepVAEOnCPU  bool
	FlashAttn     bool
	VAETiling     bool
}

// AuxPaths returns the non-empty auxiliary model paths.
func (p ContextParams) AuxPaths() []string {
	var out []string
	for _, s := range []string{p.VAEPath, p.T5XXLPath, p.ClipLPath, p.ClipGPath} {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// DType identifies the element type of a native tensor.
type DType int

const (
	DTypeF32 DType = iota
	DTypeF16
	DTypeBF16
)

// String returns the ggml-style type name.
func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "f32"
	case DTypeF16:
		return "f16"
	case DTypeBF16:
		return "bf16"
	default:
		return "unknown"
	}
}

// Size returns the byte width of one element.
func (d DType) Size() int {
	if d == DTypeF32 {
		return 4
	}
	return 2
}

// NativeTensor is a tensor living in engine memory. Bytes is a view that is
// only valid until the owning condition or arena is freed.
type NativeTensor interface {
	Shape() []int // 1 to 4 extents, innermost first
	DType() DType
	Bytes() []byte // little-endian elements of DType
}

// NativeCondition is the engine's conditioning output. Any tensor may be nil.
type NativeCondition struct {
	CrossAttn NativeTensor
	Vector    NativeTensor
	Concat    NativeTensor
}

// NativeImage is a view over one native frame.
type NativeImage struct {
	Width    int
	Height   int
	Channels int
	Data     []byte // nil when the engine produced no pixel data for this frame
}

// NativeFrames is the engine's frame array. Each frame buffer and the array
// itself must be released exactly once.
type NativeFrames interface {
	Len() int
	Frame(i int) NativeImage
	FreeData(i int)
	Free()
}

// ProgressCallback is the single engine-wide progress hook. Returning a
// non-nil error aborts the generation call in progress; the engine returns
// that error after releasing whatever it had allocated.
type ProgressCallback func(step, steps int, elapsedSeconds float32) error

// LogLevel mirrors the engine's log severities.
type LogLevel int

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarn
	LogError
)

// LogCallback receives engine log lines.
type LogCallback func(level LogLevel, text string)

// SampleParams is the engine-facing sampling block shared by image and video.
type SampleParams struct {
	Steps     int
	CFGScale  float32
	Method    NativeSampleMethod
	Scheduler NativeScheduler
	Cache     PerfHints
}

// ImageParams is the engine-facing parameter set for one image.
type ImageParams struct {
	Prompt         string
	NegativePrompt string
	Width          int
	Height         int
	Seed           int64
	ClipSkip       int
	Strength       float32
	InitImage      *InitImage
	Sample         SampleParams
}

// VideoParams is the engine-facing parameter set for one clip.
type VideoParams struct {
	Prompt         string
	NegativePrompt string
	Width          int
	Height         int
	Frames         int
	Seed           int64
	ClipSkip       int
	Strength       float32
	InitImage      *InitImage
	Sample         SampleParams
}

// ConditionParams is the input of the engine's conditioning entry point.
type ConditionParams struct {
	Text     string
	ClipSkip int
	Width    int
	Height   int
}

// Engine is the native generation engine.
//
// Generation entry points return (nil, nil) when the engine reports failure
// without detail, a non-nil error when a progress callback aborted the call,
// and frames otherwise.
type Engine interface {
	NewContext(p ContextParams) (NativeContext, error)
	FreeContext(c NativeContext)

	GenerateImage(c NativeContext, p *ImageParams) (NativeFrames, error)
	GenerateVideo(c NativeContext, p *VideoParams) (NativeFrames, error)

	PrecomputeCondition(c NativeContext, p ConditionParams) (*NativeCondition, error)
	GenerateImageWithCondition(c NativeContext, p *ImageParams, cond, uncond *NativeCondition) (NativeFrames, error)
	GenerateVideoWithCondition(c NativeContext, p *VideoParams, cond, uncond *NativeCondition) (NativeFrames, error)
	FreeCondition(cond *NativeCondition)

	SetProgressCallback(cb ProgressCallback)
	SetLogCallback(cb LogCallback)

	// Encoders exposes the lower-level construction path used only for
	// encoder-only contexts.
	Encoders() EncoderRuntime

	SystemInfo() string
}

// BackendKind identifies a compute backend.
type BackendKind int

const (
	BackendCPU BackendKind = iota
	BackendGPU
)

// String returns the backend name.
func (k BackendKind) String() string {
	if k == BackendGPU {
		return "gpu"
	}
	return "cpu"
}

// EncoderVariant selects the text encoder architecture.
type EncoderVariant int

const (
	EncoderT5 EncoderVariant = iota
	EncoderUMT5
)

// String returns the variant name.
func (v EncoderVariant) String() string {
	if v == EncoderUMT5 {
		return "umt5"
	}
	return "t5"
}

// TensorStore is a model loader restricted to one name prefix.
type TensorStore interface {
	Count() int
	Close()
}

// Backend is an initialized compute backend.
type Backend interface {
	Kind() BackendKind
	Free()
}

// Arena is scratch memory for one encoder forward pass.
type Arena interface {
	Free()
}

// EncoderInput is the encoder input descriptor.
type EncoderInput struct {
	Text     string
	ClipSkip int
	Width    int
	Height   int
}

// TextEncoder is a text encoder module bound to a backend.
type TextEncoder interface {
	// AllocParams materializes the parameter buffer and loads weights from the store.
	AllocParams(store TensorStore) error
	// Forward runs the encoder. Output tensors live in arena.
	Forward(arena Arena, in EncoderInput) (*NativeCondition, error)
	Free()
}

// EncoderRuntime is the model-loader/backend API behind encoder-only contexts.
type EncoderRuntime interface {
	LoadTensors(modelPath, prefix string) (TensorStore, error)
	HasBackend(kind BackendKind) bool
	InitBackend(kind BackendKind) (Backend, error)
	NewTextEncoder(b Backend, store TensorStore, variant EncoderVariant) (TextEncoder, error)
	NewArena(sizeBytes int) (Arena, error)
}
