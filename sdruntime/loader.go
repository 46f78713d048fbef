// loader.go implements the Staged Loading Manager. It builds full and
// encoder-only handles so that the encoder and the denoiser never need to be
// resident together.
package sdruntime

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// EncoderTensorPrefix selects the text encoder's tensors inside a combined
// model file.
const EncoderTensorPrefix = "text_encoders.t5xxl.transformer."

// DefaultEncoderArenaBytes is the scratch arena size for one encoder forward pass.
const DefaultEncoderArenaBytes = 256 << 20

// encoderNameHints are file name fragments that mark a standalone text encoder.
var encoderNameHints = []string{"umt5", "t5", "text_encoder"}

// DetectEncoderVariant guesses the encoder architecture from the file name.
// This is a naming convention, not a property of the file: a name containing
// "umt5" selects UMT5 and everything else is treated as T5.
func DetectEncoderVariant(modelPath string) EncoderVariant {
	if strings.Contains(strings.ToLower(filepath.Base(modelPath)), "umt5") {
		return EncoderUMT5
	}
	return EncoderT5
}

// LooksLikeTextEncoder reports whether the file name marks a standalone text
// encoder rather than a full pipeline checkpoint.
func LooksLikeTextEncoder(modelPath string) bool {
	name := strings.ToLower(filepath.Base(modelPath))
	for _, hint := range encoderNameHints {
		if strings.Contains(name, hint) {
			return true
		}
	}
	return false
}

// SelectStage resolves StageAuto. Encoder-only is chosen only for a single
// model file with no auxiliary paths whose name marks it as a text encoder.
func SelectStage(p ContextParams, requested Stage) Stage {
	if requested != StageAuto {
		return requested
	}
	if len(p.AuxPaths()) == 0 && LooksLikeTextEncoder(p.ModelPath) {
		return StageEncoderOnly
	}
	return StageFull
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithLogger sets the logger used for lifecycle events and engine log lines.
func WithLogger(l *zap.Logger) LoaderOption {
	return func(ld *Loader) {
		if l != nil {
			ld.logger = l
		}
	}
}

// WithChecksumVerification enables SHA256 verification of registered model
// files before they are loaded.
func WithChecksumVerification(enabled bool) LoaderOption {
	return func(ld *Loader) { ld.verifyChecksums = enabled }
}

// WithEncoderArenaBytes overrides the encoder scratch arena size.
func WithEncoderArenaBytes(n int) LoaderOption {
	return func(ld *Loader) {
		if n > 0 {
			ld.arenaBytes = n
		}
	}
}

// WithAllocator replaces the result allocator used by the marshaller.
func WithAllocator(a Allocator) LoaderOption {
	return func(ld *Loader) {
		if a != nil {
			ld.alloc = a
		}
	}
}

// Loader builds handles against one engine. All handles from the same Loader
// share the engine's single progress hook.
type Loader struct {
	engine          Engine
	logger          *zap.Logger
	slot            *callbackSlot
	verifyChecksums bool
	arenaBytes      int
	alloc           Allocator
}

// NewLoader returns a Loader for engine and routes the engine's log output
// into the configured logger. A nil engine selects the build's default
// engine (the stub unless built with the "sd" tag).
func NewLoader(engine Engine, opts ...LoaderOption) *Loader {
	if engine == nil {
		engine = defaultEngine()
	}
	ld := &Loader{
		engine:     engine,
		logger:     zap.NewNop(),
		arenaBytes: DefaultEncoderArenaBytes,
		alloc:      LimitAllocator(DefaultMaxFrameBytes),
	}
	for _, opt := range opts {
		opt(ld)
	}
	ld.slot = &callbackSlot{engine: engine}
	engine.SetLogCallback(engineLogBridge(ld.logger.Named("engine")))
	return ld
}

// Engine returns the engine behind the loader.
func (ld *Loader) Engine() Engine {
	return ld.engine
}

// engineLogBridge routes engine log lines into zap at the matching level.
func engineLogBridge(l *zap.Logger) LogCallback {
	return func(level LogLevel, text string) {
		text = strings.TrimRight(text, "\n")
		if text == "" {
			return
		}
		switch level {
		case LogDebug:
			l.Debug(text)
		case LogInfo:
			l.Info(text)
		case LogWarn:
			l.Warn(text)
		default:
			l.Error(text)
		}
	}
}

// checkModelFile verifies the file exists and, if enabled, its checksum.
func (ld *Loader) checkModelFile(op, path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return opError(op, ErrModelNotFound, "%s", path)
		}
		return opError(op, ErrModelLoadFailed, "unable to access %s: %v", path, err)
	}
	if ld.verifyChecksums {
		if err := VerifyModelChecksum(path); err != nil {
			return &Error{Op: op, Message: path, Err: err}
		}
	}
	return nil
}

func (ld *Loader) newHandle(stage Stage, p ContextParams) *Handle {
	return &Handle{
		loader: ld,
		logger: ld.logger.With(zap.String("model", filepath.Base(p.ModelPath))),
		stage:  stage,
		params: p,
	}
}

// Open builds a handle in the requested stage. StageAuto is resolved with
// SelectStage.
func (ld *Loader) Open(p ContextParams, stage Stage) (*Handle, error) {
	switch SelectStage(p, stage) {
	case StageFull:
		return ld.CreateFull(p)
	case StageEncoderOnly:
		if len(p.AuxPaths()) > 0 {
			return nil, opError("open", ErrInvalidArgument, "encoder-only stage takes a single model file")
		}
		return ld.CreateEncoderOnly(p.ModelPath)
	default:
		return nil, opError("open", ErrInvalidArgument, "cannot open stage %s", stage)
	}
}

// CreateFull loads the complete generation pipeline.
//
// Error cases:
//   - ErrInvalidArgument: no model path
//   - ErrModelNotFound: a model file does not exist
//   - ErrModelCorrupted: checksum mismatch (verification enabled)
//   - ErrModelLoadFailed: the engine could not build a context
func (ld *Loader) CreateFull(p ContextParams) (*Handle, error) {
	const op = "createFull"
	if p.ModelPath == "" {
		return nil, opError(op, ErrInvalidArgument, "model path is required")
	}
	for _, path := range append([]string{p.ModelPath}, p.AuxPaths()...) {
		if err := ld.checkModelFile(op, path); err != nil {
			return nil, err
		}
	}

	ctx, err := ld.engine.NewContext(p)
	if err != nil {
		return nil, &Error{Op: op, Message: p.ModelPath, Err: errors.Join(ErrModelLoadFailed, err)}
	}
	if ctx == nil {
		return nil, opError(op, ErrModelLoadFailed, "engine returned no context for %s", p.ModelPath)
	}

	h := ld.newHandle(StageFull, p)
	h.full = ctx
	h.logger.Info("full context created",
		zap.Int("aux_models", len(p.AuxPaths())),
		zap.Int("threads", p.Threads),
		zap.Bool("offload_to_cpu", p.OffloadToCPU))
	return h, nil
}

// CreateEncoderOnly loads only the text encoder from modelPath. It prefers a
// GPU backend and falls back to the CPU. On any failure everything built so
// far is released and a distinct error is returned.
//
// Error cases:
//   - ErrModelNotFound: the file does not exist
//   - ErrModelLoadFailed: the model loader rejected the file
//   - ErrEncoderPrefixNotFound: no tensors under EncoderTensorPrefix
//   - ErrBackendUnavailable: neither backend could be initialized
//   - ErrEncoderAllocFailed: the encoder or its parameter buffer could not be built
func (ld *Loader) CreateEncoderOnly(modelPath string) (*Handle, error) {
	const op = "createEncoderOnly"
	if modelPath == "" {
		return nil, opError(op, ErrInvalidArgument, "model path is required")
	}
	if err := ld.checkModelFile(op, modelPath); err != nil {
		return nil, err
	}
	rt := ld.engine.Encoders()
	if rt == nil {
		return nil, opError(op, ErrBackendUnavailable, "engine has no encoder construction path")
	}

	enc := &encoderContext{variant: DetectEncoderVariant(modelPath)}
	ok := false
	defer func() {
		if !ok {
			enc.free()
		}
	}()

	// Step 1: load only the encoder's tensors
	store, err := rt.LoadTensors(modelPath, EncoderTensorPrefix)
	if err != nil {
		return nil, &Error{Op: op, Message: modelPath, Err: errors.Join(ErrModelLoadFailed, err)}
	}
	enc.store = store
	if store == nil || store.Count() == 0 {
		return nil, opError(op, ErrEncoderPrefixNotFound, "no tensors under %q in %s", EncoderTensorPrefix, modelPath)
	}

	// Step 2: pick a backend, GPU first
	enc.backend, err = ld.initBackend(rt)
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}

	// Step 3: build the encoder and materialize its parameters
	te, err := rt.NewTextEncoder(enc.backend, store, enc.variant)
	if err != nil || te == nil {
		return nil, &Error{Op: op, Message: fmt.Sprintf("building %s encoder", enc.variant), Err: errors.Join(ErrEncoderAllocFailed, err)}
	}
	enc.encoder = te
	if err := te.AllocParams(store); err != nil {
		return nil, &Error{Op: op, Message: "allocating parameters", Err: errors.Join(ErrEncoderAllocFailed, err)}
	}

	ok = true
	h := ld.newHandle(StageEncoderOnly, ContextParams{ModelPath: modelPath})
	h.enc = enc
	h.logger.Info("encoder-only context created",
		zap.Stringer("variant", enc.variant),
		zap.Stringer("backend", enc.backend.Kind()),
		zap.Int("tensors", store.Count()))
	return h, nil
}

// initBackend returns the GPU backend when one initializes, else the CPU.
func (ld *Loader) initBackend(rt EncoderRuntime) (Backend, error) {
	if rt.HasBackend(BackendGPU) {
		b, err := rt.InitBackend(BackendGPU)
		if err == nil && b != nil {
			return b, nil
		}
		ld.logger.Warn("gpu backend init failed, falling back to cpu", zap.Error(err))
	}
	if !rt.HasBackend(BackendCPU) {
		return nil, ErrBackendUnavailable
	}
	b, err := rt.InitBackend(BackendCPU)
	if err != nil || b == nil {
		return nil, errors.Join(ErrBackendUnavailable, err)
	}
	return b, nil
}
