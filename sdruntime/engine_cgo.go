//go:build sd && cgo && !stub

// CGo engine bound to stable-diffusion.cpp through the sdstage shim, a thin C
// layer compiled together with the library that flattens its parameter
// structs and adds the precomputed-condition and encoder-only entry points.
// Build with: CGO_ENABLED=1 go build -tags sd
//
// Prerequisites:
//   1. stable-diffusion.cpp and the shim compiled as libstable-diffusion
//   2. CGO_CFLAGS / CGO_LDFLAGS pointing at the build, e.g.
//
//   CGO_CFLAGS="-I${SD_CPP_PATH}" \
//   CGO_LDFLAGS="-L${SD_CPP_PATH}/build -lstable-diffusion -Wl,-rpath,${SD_CPP_PATH}/build" \
//   go build -tags sd

package sdruntime

/*
#cgo CFLAGS: -I${SRCDIR}/../vendor/stable-diffusion.cpp
#cgo LDFLAGS: -L${SRCDIR}/../vendor/stable-diffusion.cpp/build -lstable-diffusion

#include <stdlib.h>
#include <stdint.h>

typedef struct sdstage_ctx sdstage_ctx;

typedef struct {
	const char* model_path;
	const char* vae_path;
	const char* t5xxl_path;
	const char* clip_l_path;
	const char* clip_g_path;
	int n_threads;
	int offload_to_cpu;
	int keep_clip_on_cpu;
	int keep_vae_on_cpu;
	int flash_attn;
	int vae_tiling;
} sdstage_ctx_params;

typedef struct {
	int width;
	int height;
	int channels;
	uint8_t* data;
} sdstage_image;

// type: 0 = f32, 1 = f16, 2 = bf16
typedef struct {
	int dims;
	int64_t ne[4];
	int type;
	void* data;
} sdstage_tensor;

typedef struct {
	sdstage_tensor* crossattn;
	sdstage_tensor* vector;
	sdstage_tensor* concat;
} sdstage_condition;

typedef struct {
	const char* prompt;
	const char* negative_prompt;
	int width;
	int height;
	int frames;        // 0 for still images
	int64_t seed;
	int clip_skip;
	float strength;
	int steps;
	float cfg_scale;
	int sample_method;
	int scheduler;
	float cache_threshold;
	float cache_start;
	float cache_end;
	sdstage_image init_image; // data == NULL when absent
} sdstage_gen_params;

sdstage_ctx* sdstage_new_ctx(const sdstage_ctx_params* params);
void sdstage_free_ctx(sdstage_ctx* ctx);

sdstage_image* sdstage_generate(sdstage_ctx* ctx, const sdstage_gen_params* params,
                                const sdstage_condition* cond, const sdstage_condition* uncond,
                                int* out_count);
void sdstage_free_image_data(uint8_t* data);
void sdstage_free_images(sdstage_image* images);

sdstage_condition* sdstage_precompute(sdstage_ctx* ctx, const char* text, int clip_skip, int width, int height);
void sdstage_free_condition(sdstage_condition* cond);

// A non-zero return asks the library to stop at the next step boundary.
typedef int (*sdstage_progress_fn)(int step, int steps, float time, void* data);
void sdstage_set_progress(sdstage_progress_fn fn, void* data);
typedef void (*sdstage_log_fn)(int level, const char* text, void* data);
void sdstage_set_log(sdstage_log_fn fn, void* data);
const char* sdstage_system_info(void);

void* sdstage_loader_init(const char* path, const char* prefix, int* out_count);
void sdstage_loader_free(void* loader);
int sdstage_backend_available(int kind);
void* sdstage_backend_init(int kind);
void sdstage_backend_free(void* backend);
void* sdstage_t5_new(void* backend, void* loader, int umt5);
int sdstage_t5_alloc_params(void* encoder, void* loader);
sdstage_condition* sdstage_t5_forward(void* encoder, void* arena, const char* text, int clip_skip, int width, int height);
void sdstage_t5_free(void* encoder);
void* sdstage_arena_new(size_t size);
void sdstage_arena_free(void* arena);

extern int sdstageGoProgress(int step, int steps, float time, void* data);
extern void sdstageGoLog(int level, char* text, void* data);
*/
import "C"

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

// activeEngine receives the library's global callbacks.
var activeEngine atomic.Pointer[cgoEngine]

// cgoEngine is the Engine backed by libstable-diffusion.
type cgoEngine struct {
	mu       sync.Mutex
	progress ProgressCallback
	logCb    LogCallback

	// abort holds the first error returned by the progress hook during the
	// current call. The library cannot be unwound, so the call runs to its
	// next step boundary and the result is discarded.
	abort atomic.Pointer[error]
}

// EngineName identifies the engine linked into this build.
const EngineName = "stable-diffusion.cpp"

func defaultEngine() Engine {
	e := &cgoEngine{}
	activeEngine.Store(e)
	C.sdstage_set_progress((*[0]byte)(C.sdstageGoProgress), nil)
	C.sdstage_set_log((*[0]byte)(C.sdstageGoLog), nil)
	return e
}

//export sdstageGoProgress
func sdstageGoProgress(step, steps C.int, t C.float, _ unsafe.Pointer) C.int {
	e := activeEngine.Load()
	if e == nil {
		return 0
	}
	if e.abort.Load() != nil {
		return 1
	}
	e.mu.Lock()
	cb := e.progress
	e.mu.Unlock()
	if cb == nil {
		return 0
	}
	if err := cb(int(step), int(steps), float32(t)); err != nil {
		e.abort.CompareAndSwap(nil, &err)
		return 1
	}
	return 0
}

//export sdstageGoLog
func sdstageGoLog(level C.int, text *C.char, _ unsafe.Pointer) {
	e := activeEngine.Load()
	if e == nil || text == nil {
		return
	}
	e.mu.Lock()
	cb := e.logCb
	e.mu.Unlock()
	if cb != nil {
		cb(LogLevel(level), C.GoString(text))
	}
}

func (e *cgoEngine) SetProgressCallback(cb ProgressCallback) {
	e.mu.Lock()
	e.progress = cb
	e.mu.Unlock()
}

func (e *cgoEngine) SetLogCallback(cb LogCallback) {
	e.mu.Lock()
	e.logCb = cb
	e.mu.Unlock()
}

func (e *cgoEngine) SystemInfo() string {
	return C.GoString(C.sdstage_system_info())
}

// cstrings tracks C strings freed together.
type cstrings []*C.char

func (s *cstrings) add(v string) *C.char {
	if v == "" {
		return nil
	}
	c := C.CString(v)
	*s = append(*s, c)
	return c
}

func (s cstrings) free() {
	for _, c := range s {
		C.free(unsafe.Pointer(c))
	}
}

func cbool(b bool) C.int {
	if b {
		return 1
	}
	return 0
}

func (e *cgoEngine) NewContext(p ContextParams) (NativeContext, error) {
	var strs cstrings
	defer strs.free()
	cp := C.sdstage_ctx_params{
		model_path:       strs.add(p.ModelPath),
		vae_path:         strs.add(p.VAEPath),
		t5xxl_path:       strs.add(p.T5XXLPath),
		clip_l_path:      strs.add(p.ClipLPath),
		clip_g_path:      strs.add(p.ClipGPath),
		n_threads:        C.int(p.Threads),
		offload_to_cpu:   cbool(p.OffloadToCPU),
		keep_clip_on_cpu: cbool(p.KeepClipOnCPU),
		keep_vae_on_cpu:  cbool(p.KeepVAEOnCPU),
		flash_attn:       cbool(p.FlashAttn),
		vae_tiling:       cbool(p.VAETiling),
	}
	ctx := C.sdstage_new_ctx(&cp)
	if ctx == nil {
		return nil, nil
	}
	return ctx, nil
}

func (e *cgoEngine) FreeContext(c NativeContext) {
	if ctx, ok := c.(*C.sdstage_ctx); ok && ctx != nil {
		C.sdstage_free_ctx(ctx)
	}
}

// cFrames is the library's frame array.
type cFrames struct {
	ptr    *C.sdstage_image
	images []C.sdstage_image
}

func (f *cFrames) Len() int { return len(f.images) }

func (f *cFrames) Frame(i int) NativeImage {
	img := f.images[i]
	out := NativeImage{Width: int(img.width), Height: int(img.height), Channels: int(img.channels)}
	if img.data != nil {
		out.Data = unsafe.Slice((*byte)(unsafe.Pointer(img.data)), out.Width*out.Height*out.Channels)
	}
	return out
}

func (f *cFrames) FreeData(i int) {
	if f.images[i].data != nil {
		C.sdstage_free_image_data(f.images[i].data)
		f.images[i].data = nil
	}
}

func (f *cFrames) Free() {
	if f.ptr != nil {
		C.sdstage_free_images(f.ptr)
		f.ptr = nil
		f.images = nil
	}
}

// cTensor is a Go tensor copied into C memory for the duration of a call.
func cTensor(t NativeTensor, allocs *[]unsafe.Pointer) *C.sdstage_tensor {
	if t == nil {
		return nil
	}
	ct := (*C.sdstage_tensor)(C.calloc(1, C.size_t(unsafe.Sizeof(C.sdstage_tensor{}))))
	*allocs = append(*allocs, unsafe.Pointer(ct))
	shape := t.Shape()
	ct.dims = C.int(len(shape))
	for i := range shape {
		ct.ne[i] = C.int64_t(shape[i])
	}
	ct._type = C.int(t.DType())
	if b := t.Bytes(); len(b) > 0 {
		ct.data = C.CBytes(b)
		*allocs = append(*allocs, ct.data)
	}
	return ct
}

func cCondition(nc *NativeCondition, allocs *[]unsafe.Pointer) *C.sdstage_condition {
	if nc == nil {
		return nil
	}
	cc := (*C.sdstage_condition)(C.calloc(1, C.size_t(unsafe.Sizeof(C.sdstage_condition{}))))
	*allocs = append(*allocs, unsafe.Pointer(cc))
	cc.crossattn = cTensor(nc.CrossAttn, allocs)
	cc.vector = cTensor(nc.Vector, allocs)
	cc.concat = cTensor(nc.Concat, allocs)
	return cc
}

// nativeTensorView wraps a C tensor owned by the library.
type nativeTensorView struct{ t *C.sdstage_tensor }

func (v nativeTensorView) Shape() []int {
	out := make([]int, int(v.t.dims))
	for i := range out {
		out[i] = int(v.t.ne[i])
	}
	return out
}

func (v nativeTensorView) DType() DType { return DType(v.t._type) }

func (v nativeTensorView) Bytes() []byte {
	n := 1
	for _, d := range v.Shape() {
		n *= d
	}
	if v.t.data == nil || n == 0 {
		return []byte{}
	}
	return unsafe.Slice((*byte)(v.t.data), n*v.DType().Size())
}

func viewTensor(t *C.sdstage_tensor) NativeTensor {
	if t == nil {
		return nil
	}
	return nativeTensorView{t: t}
}

// conditionPtrs maps wrapped conditions to their C pointers for FreeCondition.
var conditionPtrs sync.Map // *NativeCondition -> *C.sdstage_condition

func wrapCondition(cc *C.sdstage_condition) *NativeCondition {
	if cc == nil {
		return nil
	}
	nc := &NativeCondition{
		CrossAttn: viewTensor(cc.crossattn),
		Vector:    viewTensor(cc.vector),
		Concat:    viewTensor(cc.concat),
	}
	conditionPtrs.Store(nc, cc)
	return nc
}

func (e *cgoEngine) generate(c NativeContext, gp *C.sdstage_gen_params, init *InitImage, cond, uncond *NativeCondition) (NativeFrames, error) {
	ctx, ok := c.(*C.sdstage_ctx)
	if !ok || ctx == nil {
		return nil, nil
	}

	var allocs []unsafe.Pointer
	defer func() {
		for _, p := range allocs {
			C.free(p)
		}
	}()
	if init != nil {
		gp.init_image = C.sdstage_image{
			width:    C.int(init.Width),
			height:   C.int(init.Height),
			channels: C.int(init.Channels),
			data:     (*C.uint8_t)(C.CBytes(init.Pixels)),
		}
		allocs = append(allocs, unsafe.Pointer(gp.init_image.data))
	}
	ccond := cCondition(cond, &allocs)
	cuncond := cCondition(uncond, &allocs)

	e.abort.Store(nil)
	var count C.int
	imgs := C.sdstage_generate(ctx, gp, ccond, cuncond, &count)
	frames := &cFrames{ptr: imgs}
	if imgs != nil {
		frames.images = unsafe.Slice(imgs, int(count))
	}

	if errp := e.abort.Swap(nil); errp != nil {
		sweep(frames, 0, frames.Len())
		frames.Free()
		return nil, *errp
	}
	if imgs == nil {
		return nil, nil
	}
	return frames, nil
}

func genParams(strs *cstrings, prompt, negative string, width, height, frames int, seed int64,
	clipSkip int, strength float32, s SampleParams) C.sdstage_gen_params {
	return C.sdstage_gen_params{
		prompt:          strs.add(prompt),
		negative_prompt: strs.add(negative),
		width:           C.int(width),
		height:          C.int(height),
		frames:          C.int(frames),
		seed:            C.int64_t(seed),
		clip_skip:       C.int(clipSkip),
		strength:        C.float(strength),
		steps:           C.int(s.Steps),
		cfg_scale:       C.float(s.CFGScale),
		sample_method:   C.int(s.Method),
		scheduler:       C.int(s.Scheduler),
		cache_threshold: C.float(s.Cache.CacheThreshold),
		cache_start:     C.float(s.Cache.CacheStartPercent),
		cache_end:       C.float(s.Cache.CacheEndPercent),
	}
}

func (e *cgoEngine) GenerateImage(c NativeContext, p *ImageParams) (NativeFrames, error) {
	return e.GenerateImageWithCondition(c, p, nil, nil)
}

func (e *cgoEngine) GenerateImageWithCondition(c NativeContext, p *ImageParams, cond, uncond *NativeCondition) (NativeFrames, error) {
	var strs cstrings
	defer strs.free()
	gp := genParams(&strs, p.Prompt, p.NegativePrompt, p.Width, p.Height, 0, p.Seed, p.ClipSkip, p.Strength, p.Sample)
	return e.generate(c, &gp, p.InitImage, cond, uncond)
}

func (e *cgoEngine) GenerateVideo(c NativeContext, p *VideoParams) (NativeFrames, error) {
	return e.GenerateVideoWithCondition(c, p, nil, nil)
}

func (e *cgoEngine) GenerateVideoWithCondition(c NativeContext, p *VideoParams, cond, uncond *NativeCondition) (NativeFrames, error) {
	var strs cstrings
	defer strs.free()
	gp := genParams(&strs, p.Prompt, p.NegativePrompt, p.Width, p.Height, p.Frames, p.Seed, p.ClipSkip, p.Strength, p.Sample)
	return e.generate(c, &gp, p.InitImage, cond, uncond)
}

func (e *cgoEngine) PrecomputeCondition(c NativeContext, p ConditionParams) (*NativeCondition, error) {
	ctx, ok := c.(*C.sdstage_ctx)
	if !ok || ctx == nil {
		return nil, nil
	}
	text := C.CString(p.Text)
	defer C.free(unsafe.Pointer(text))
	return wrapCondition(C.sdstage_precompute(ctx, text, C.int(p.ClipSkip), C.int(p.Width), C.int(p.Height))), nil
}

func (e *cgoEngine) FreeCondition(cond *NativeCondition) {
	if cond == nil {
		return
	}
	if v, ok := conditionPtrs.LoadAndDelete(cond); ok {
		C.sdstage_free_condition(v.(*C.sdstage_condition))
	}
}

func (e *cgoEngine) Encoders() EncoderRuntime {
	return cgoEncoders{}
}

type cgoEncoders struct{}

type cgoStore struct {
	ptr   unsafe.Pointer
	count int
}

func (s *cgoStore) Count() int { return s.count }
func (s *cgoStore) Close() {
	if s.ptr != nil {
		C.sdstage_loader_free(s.ptr)
		s.ptr = nil
	}
}

type cgoBackend struct {
	ptr  unsafe.Pointer
	kind BackendKind
}

func (b *cgoBackend) Kind() BackendKind { return b.kind }
func (b *cgoBackend) Free() {
	if b.ptr != nil {
		C.sdstage_backend_free(b.ptr)
		b.ptr = nil
	}
}

type cgoArena struct{ ptr unsafe.Pointer }

func (a *cgoArena) Free() {
	if a.ptr != nil {
		C.sdstage_arena_free(a.ptr)
		a.ptr = nil
	}
}

type cgoEncoder struct{ ptr unsafe.Pointer }

func (t *cgoEncoder) AllocParams(store TensorStore) error {
	s, ok := store.(*cgoStore)
	if !ok || C.sdstage_t5_alloc_params(t.ptr, s.ptr) == 0 {
		return ErrEncoderAllocFailed
	}
	return nil
}

// Forward returns views into the arena; they are valid until the arena is freed.
func (t *cgoEncoder) Forward(arena Arena, in EncoderInput) (*NativeCondition, error) {
	a, ok := arena.(*cgoArena)
	if !ok {
		return nil, ErrInvalidArgument
	}
	text := C.CString(in.Text)
	defer C.free(unsafe.Pointer(text))
	cc := C.sdstage_t5_forward(t.ptr, a.ptr, text, C.int(in.ClipSkip), C.int(in.Width), C.int(in.Height))
	if cc == nil {
		return nil, nil
	}
	return &NativeCondition{
		CrossAttn: viewTensor(cc.crossattn),
		Vector:    viewTensor(cc.vector),
		Concat:    viewTensor(cc.concat),
	}, nil
}

func (t *cgoEncoder) Free() {
	if t.ptr != nil {
		C.sdstage_t5_free(t.ptr)
		t.ptr = nil
	}
}

func (cgoEncoders) LoadTensors(modelPath, prefix string) (TensorStore, error) {
	cpath := C.CString(modelPath)
	defer C.free(unsafe.Pointer(cpath))
	cprefix := C.CString(prefix)
	defer C.free(unsafe.Pointer(cprefix))
	var count C.int
	ptr := C.sdstage_loader_init(cpath, cprefix, &count)
	if ptr == nil {
		return nil, ErrModelLoadFailed
	}
	return &cgoStore{ptr: ptr, count: int(count)}, nil
}

func (cgoEncoders) HasBackend(kind BackendKind) bool {
	return C.sdstage_backend_available(C.int(kind)) != 0
}

func (cgoEncoders) InitBackend(kind BackendKind) (Backend, error) {
	ptr := C.sdstage_backend_init(C.int(kind))
	if ptr == nil {
		return nil, ErrBackendUnavailable
	}
	return &cgoBackend{ptr: ptr, kind: kind}, nil
}

func (cgoEncoders) NewTextEncoder(b Backend, store TensorStore, variant EncoderVariant) (TextEncoder, error) {
	cb, ok1 := b.(*cgoBackend)
	cs, ok2 := store.(*cgoStore)
	if !ok1 || !ok2 {
		return nil, ErrInvalidArgument
	}
	umt5 := C.int(0)
	if variant == EncoderUMT5 {
		umt5 = 1
	}
	ptr := C.sdstage_t5_new(cb.ptr, cs.ptr, umt5)
	if ptr == nil {
		return nil, ErrEncoderAllocFailed
	}
	return &cgoEncoder{ptr: ptr}, nil
}

func (cgoEncoders) NewArena(size int) (Arena, error) {
	ptr := C.sdstage_arena_new(C.size_t(size))
	if ptr == nil {
		return nil, ErrEncoderAllocFailed
	}
	return &cgoArena{ptr: ptr}, nil
}
