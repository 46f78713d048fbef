// stub_engine.go implements StubEngine, a pure Go engine used when the
// stable-diffusion.cpp library is not linked, and by tests. It produces
// deterministic pixels, honors the progress hook, and counts every release
// so ownership bugs show up as counter mismatches.
package sdruntime

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// errStubInjected is returned by injected faults.
var errStubInjected = errors.New("stub: injected failure")

// Stub tensor geometry. Shapes list the innermost extent first.
var (
	stubCrossAttnShape = []int{16, 8}
	stubVectorShape    = []int{32}
)

// stubChannels is the channel count of stub frames.
const stubChannels = 3

// StubStats is a snapshot of StubEngine counters.
type StubStats struct {
	ContextsCreated int64
	ContextsFreed   int64
	FrameFrees      int64
	ArrayFrees      int64
	DoubleFrees     int64
	ConditionFrees  int64
	EncodeCalls     int64
	ArenaFrees      int64
	BackendFrees    int64
	StoreCloses     int64
	EncoderFrees    int64
	Generations     int64
}

// StubEngine is an in-process Engine. Fault fields must be set before the
// engine is shared between goroutines.
type StubEngine struct {
	// Fault injection
	FailNewContext   bool          // NewContext returns an error
	FailGenerate     bool          // generation returns (nil, nil)
	MissingFrameData int           // frame index returned without pixel data; -1 for none
	StepDelay        time.Duration // sleep per denoising step
	NoGPU            bool          // HasBackend(BackendGPU) is false
	FailGPUInit      bool          // InitBackend(BackendGPU) fails
	FailCPUInit      bool          // InitBackend(BackendCPU) fails
	EmptyPrefix      bool          // LoadTensors finds no tensors
	FailEncoderAlloc bool          // TextEncoder.AllocParams fails
	FailArena        bool          // NewArena fails

	mu       sync.Mutex
	progress ProgressCallback
	logCb    LogCallback

	contextsCreated atomic.Int64
	contextsFreed   atomic.Int64
	frameFrees      atomic.Int64
	arrayFrees      atomic.Int64
	doubleFrees     atomic.Int64
	conditionFrees  atomic.Int64
	encodeCalls     atomic.Int64
	arenaFrees      atomic.Int64
	backendFrees    atomic.Int64
	storeCloses     atomic.Int64
	encoderFrees    atomic.Int64
	generations     atomic.Int64
}

// NewStubEngine returns a stub engine with no faults injected.
func NewStubEngine() *StubEngine {
	return &StubEngine{MissingFrameData: -1}
}

// Stats returns the current counters.
func (e *StubEngine) Stats() StubStats {
	return StubStats{
		ContextsCreated: e.contextsCreated.Load(),
		ContextsFreed:   e.contextsFreed.Load(),
		FrameFrees:      e.frameFrees.Load(),
		ArrayFrees:      e.arrayFrees.Load(),
		DoubleFrees:     e.doubleFrees.Load(),
		ConditionFrees:  e.conditionFrees.Load(),
		EncodeCalls:     e.encodeCalls.Load(),
		ArenaFrees:      e.arenaFrees.Load(),
		BackendFrees:    e.backendFrees.Load(),
		StoreCloses:     e.storeCloses.Load(),
		EncoderFrees:    e.encoderFrees.Load(),
		Generations:     e.generations.Load(),
	}
}

func (e *StubEngine) log(level LogLevel, format string, args ...any) {
	e.mu.Lock()
	cb := e.logCb
	e.mu.Unlock()
	if cb != nil {
		cb(level, fmt.Sprintf(format, args...))
	}
}

// SetProgressCallback installs the single progress hook.
func (e *StubEngine) SetProgressCallback(cb ProgressCallback) {
	e.mu.Lock()
	e.progress = cb
	e.mu.Unlock()
}

// SetLogCallback installs the log sink.
func (e *StubEngine) SetLogCallback(cb LogCallback) {
	e.mu.Lock()
	e.logCb = cb
	e.mu.Unlock()
}

// SystemInfo describes the stub.
func (e *StubEngine) SystemInfo() string {
	return "stub (no stable-diffusion.cpp library linked)"
}

type stubContext struct {
	params ContextParams
	freed  atomic.Bool
}

// NewContext validates nothing beyond the fault flag; the loader has
// already checked that the files exist.
func (e *StubEngine) NewContext(p ContextParams) (NativeContext, error) {
	if e.FailNewContext {
		return nil, errStubInjected
	}
	e.contextsCreated.Add(1)
	e.log(LogInfo, "loading model from '%s'", p.ModelPath)
	return &stubContext{params: p}, nil
}

// FreeContext releases a context from NewContext.
func (e *StubEngine) FreeContext(c NativeContext) {
	sc, ok := c.(*stubContext)
	if !ok || sc == nil {
		return
	}
	if sc.freed.Swap(true) {
		e.doubleFrees.Add(1)
		return
	}
	e.contextsFreed.Add(1)
}

// stubTensor is an engine-owned tensor in F16 or BF16.
type stubTensor struct {
	shape []int
	dtype DType
	data  []byte
}

func (t *stubTensor) Shape() []int  { return t.shape }
func (t *stubTensor) DType() DType  { return t.dtype }
func (t *stubTensor) Bytes() []byte { return t.data }

// stubValues derives n reproducible values in [-1, 1) from seed.
func stubValues(seed uint64, n int) []float32 {
	out := make([]float32, n)
	x := seed | 1
	for i := range out {
		// xorshift64
		x ^= x << 13
		x ^= x >> 7
		x ^= x << 17
		out[i] = float32(x%2000)/1000 - 1
	}
	return out
}

func textHash(text string, clipSkip int) uint64 {
	h := fnv.New64a()
	h.Write([]byte(text))
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(int64(clipSkip)))
	h.Write(b[:])
	return h.Sum64()
}

// encode is the stub text encoder: cross-attention in F16, vector in BF16,
// no concat tensor.
func (e *StubEngine) encode(text string, clipSkip int) *NativeCondition {
	e.encodeCalls.Add(1)
	seed := textHash(text, clipSkip)

	ca := stubValues(seed, stubCrossAttnShape[0]*stubCrossAttnShape[1])
	caBytes := make([]byte, 2*len(ca))
	for i, v := range ca {
		binary.LittleEndian.PutUint16(caBytes[i*2:], float16.Fromfloat32(v).Bits())
	}

	vec := stubValues(seed^0x9e3779b97f4a7c15, stubVectorShape[0])
	return &NativeCondition{
		CrossAttn: &stubTensor{shape: append([]int(nil), stubCrossAttnShape...), dtype: DTypeF16, data: caBytes},
		Vector:    &stubTensor{shape: append([]int(nil), stubVectorShape...), dtype: DTypeBF16, data: bfloat16.EncodeFloat32(vec)},
	}
}

// conditionHash folds the float32 values of every present tensor. Both the
// prompt path and the precomputed path hash the same numbers, so a payload
// precomputed from a prompt yields the same pixels as the prompt itself.
func conditionHash(nc *NativeCondition) (uint64, error) {
	if nc == nil {
		return 0, nil
	}
	p, err := payloadFromNative(nc)
	if err != nil {
		return 0, err
	}
	h := fnv.New64a()
	var b [4]byte
	for i, t := range []*Tensor{p.CrossAttn, p.Vector, p.Concat} {
		b[0] = byte(i)
		h.Write(b[:1])
		if t == nil {
			continue
		}
		for _, v := range t.Data {
			binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
			h.Write(b[:])
		}
	}
	return h.Sum64(), nil
}

// PrecomputeCondition runs the stub encoder on a full context.
func (e *StubEngine) PrecomputeCondition(c NativeContext, p ConditionParams) (*NativeCondition, error) {
	if sc, ok := c.(*stubContext); !ok || sc.freed.Load() {
		return nil, nil
	}
	return e.encode(p.Text, p.ClipSkip), nil
}

// FreeCondition releases a condition from PrecomputeCondition.
func (e *StubEngine) FreeCondition(cond *NativeCondition) {
	if cond != nil {
		e.conditionFrees.Add(1)
	}
}

// stubFrames is the engine's frame array.
type stubFrames struct {
	e      *StubEngine
	frames []NativeImage
	freed  []bool
	array  bool
}

func (f *stubFrames) Len() int { return len(f.frames) }

func (f *stubFrames) Frame(i int) NativeImage { return f.frames[i] }

func (f *stubFrames) FreeData(i int) {
	if f.freed[i] {
		f.e.doubleFrees.Add(1)
		return
	}
	f.freed[i] = true
	f.frames[i].Data = nil
	f.e.frameFrees.Add(1)
}

func (f *stubFrames) Free() {
	if f.array {
		f.e.doubleFrees.Add(1)
		return
	}
	f.array = true
	f.e.arrayFrees.Add(1)
}

// render runs frames x steps denoising steps and returns the frames.
func (e *StubEngine) render(c NativeContext, width, height, frames, steps int, seed int64, condHash uint64) (NativeFrames, error) {
	if sc, ok := c.(*stubContext); !ok || sc.freed.Load() {
		return nil, nil
	}
	if e.FailGenerate || width <= 0 || height <= 0 {
		return nil, nil
	}
	if frames < 1 {
		frames = 1
	}
	if steps < 1 {
		steps = 1
	}
	e.generations.Add(1)

	start := time.Now()
	total := frames * steps
	for k := 0; k < total; k++ {
		if e.StepDelay > 0 {
			time.Sleep(e.StepDelay)
		}
		// The hook is looked up per step, like the native trampoline.
		e.mu.Lock()
		cb := e.progress
		e.mu.Unlock()
		if cb != nil {
			if err := cb(k, total, float32(time.Since(start).Seconds())); err != nil {
				e.log(LogInfo, "generation aborted at step %d/%d", k, total)
				return nil, err
			}
		}
	}

	out := &stubFrames{e: e, frames: make([]NativeImage, frames), freed: make([]bool, frames)}
	size := width * height * stubChannels
	for f := range out.frames {
		out.frames[f] = NativeImage{Width: width, Height: height, Channels: stubChannels}
		if f == e.MissingFrameData {
			continue
		}
		base := uint64(seed) + condHash + uint64(f)*31
		data := make([]byte, size)
		for i := range data {
			data[i] = byte(base + uint64(i%253))
		}
		out.frames[f].Data = data
	}
	e.log(LogDebug, "generated %d frame(s) %dx%d in %.2fs", frames, width, height, time.Since(start).Seconds())
	return out, nil
}

// promptHash encodes prompt and negative prompt the way the engine would.
func (e *StubEngine) promptHash(prompt, negative string, clipSkip int) (uint64, error) {
	h, err := conditionHash(e.encode(prompt, clipSkip))
	if err != nil || negative == "" {
		return h, err
	}
	u, err := conditionHash(e.encode(negative, clipSkip))
	return h ^ (u * 0x100000001b3), err
}

func pairHash(cond, uncond *NativeCondition) (uint64, error) {
	h, err := conditionHash(cond)
	if err != nil || uncond == nil {
		return h, err
	}
	u, err := conditionHash(uncond)
	return h ^ (u * 0x100000001b3), err
}

// GenerateImage encodes the prompt and renders one frame.
func (e *StubEngine) GenerateImage(c NativeContext, p *ImageParams) (NativeFrames, error) {
	h, err := e.promptHash(p.Prompt, p.NegativePrompt, p.ClipSkip)
	if err != nil {
		return nil, nil
	}
	return e.render(c, p.Width, p.Height, 1, p.Sample.Steps, p.Seed, h)
}

// GenerateVideo encodes the prompt and renders p.Frames frames.
func (e *StubEngine) GenerateVideo(c NativeContext, p *VideoParams) (NativeFrames, error) {
	h, err := e.promptHash(p.Prompt, p.NegativePrompt, p.ClipSkip)
	if err != nil {
		return nil, nil
	}
	return e.render(c, p.Width, p.Height, p.Frames, p.Sample.Steps, p.Seed, h)
}

// GenerateImageWithCondition renders one frame from precomputed tensors.
// The prompt text is ignored.
func (e *StubEngine) GenerateImageWithCondition(c NativeContext, p *ImageParams, cond, uncond *NativeCondition) (NativeFrames, error) {
	h, err := pairHash(cond, uncond)
	if err != nil {
		return nil, nil
	}
	return e.render(c, p.Width, p.Height, 1, p.Sample.Steps, p.Seed, h)
}

// GenerateVideoWithCondition renders a clip from precomputed tensors.
func (e *StubEngine) GenerateVideoWithCondition(c NativeContext, p *VideoParams, cond, uncond *NativeCondition) (NativeFrames, error) {
	h, err := pairHash(cond, uncond)
	if err != nil {
		return nil, nil
	}
	return e.render(c, p.Width, p.Height, p.Frames, p.Sample.Steps, p.Seed, h)
}

// Encoders returns the encoder-only construction path.
func (e *StubEngine) Encoders() EncoderRuntime {
	return stubEncoders{e: e}
}

type stubEncoders struct{ e *StubEngine }

type stubStore struct {
	e     *StubEngine
	count int
	once  sync.Once
}

func (s *stubStore) Count() int { return s.count }
func (s *stubStore) Close()     { s.once.Do(func() { s.e.storeCloses.Add(1) }) }

type stubBackend struct {
	e    *StubEngine
	kind BackendKind
	once sync.Once
}

func (b *stubBackend) Kind() BackendKind { return b.kind }
func (b *stubBackend) Free()             { b.once.Do(func() { b.e.backendFrees.Add(1) }) }

type stubArena struct {
	e    *StubEngine
	once sync.Once
}

func (a *stubArena) Free() { a.once.Do(func() { a.e.arenaFrees.Add(1) }) }

type stubEncoder struct {
	e       *StubEngine
	variant EncoderVariant
	ready   bool
	once    sync.Once
}

func (t *stubEncoder) AllocParams(TensorStore) error {
	if t.e.FailEncoderAlloc {
		return errStubInjected
	}
	t.ready = true
	return nil
}

func (t *stubEncoder) Forward(_ Arena, in EncoderInput) (*NativeCondition, error) {
	if !t.ready {
		return nil, errors.New("stub: encoder parameters not allocated")
	}
	return t.e.encode(in.Text, in.ClipSkip), nil
}

func (t *stubEncoder) Free() { t.once.Do(func() { t.e.encoderFrees.Add(1) }) }

func (r stubEncoders) LoadTensors(modelPath, prefix string) (TensorStore, error) {
	n := 24
	if r.e.EmptyPrefix {
		n = 0
	}
	r.e.log(LogDebug, "loaded %d tensors with prefix '%s' from '%s'", n, prefix, modelPath)
	return &stubStore{e: r.e, count: n}, nil
}

func (r stubEncoders) HasBackend(kind BackendKind) bool {
	return kind == BackendCPU || !r.e.NoGPU
}

func (r stubEncoders) InitBackend(kind BackendKind) (Backend, error) {
	if (kind == BackendGPU && (r.e.NoGPU || r.e.FailGPUInit)) || (kind == BackendCPU && r.e.FailCPUInit) {
		return nil, errStubInjected
	}
	return &stubBackend{e: r.e, kind: kind}, nil
}

func (r stubEncoders) NewTextEncoder(_ Backend, _ TensorStore, variant EncoderVariant) (TextEncoder, error) {
	return &stubEncoder{e: r.e, variant: variant}, nil
}

func (r stubEncoders) NewArena(int) (Arena, error) {
	if r.e.FailArena {
		return nil, errStubInjected
	}
	return &stubArena{e: r.e}, nil
}
