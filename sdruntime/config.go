package sdruntime

import (
	"os"
	"strconv"
	"strings"
)

// SDConfig holds configuration for the staged generation pipeline.
type SDConfig struct {
	// Model configuration
	ModelPath     string // Main model, or a standalone text encoder
	VAEPath       string
	T5XXLPath     string
	ClipLPath     string
	ClipGPath     string
	Threads       int // <=0 lets the engine pick
	OffloadToCPU  bool
	KeepClipOnCPU bool
	KeepVAEOnCPU  bool
	FlashAttn     bool
	VAETiling     bool

	// Generation defaults
	ImageSize      int     // Default image size (multiple of 8)
	InferenceSteps int     // Default denoising steps
	GuidanceScale  float64 // Default CFG scale
	NegativePrompt string  // Default negative prompt
	Sampler        Sampler
	Scheduler      Scheduler
	ClipSkip       int
	VideoFrames    int

	VerifyChecksums bool // Run VerifyModelChecksum before loading
}

// Default configuration values
const (
	DefaultImageSize      = 512
	DefaultInferenceSteps = 20
	DefaultGuidanceScale  = 7.5
	DefaultClipSkip       = -1
	DefaultVideoFrames    = 16

	MinSteps    = 1
	MinCFGScale = 1.0
)

// LoadSDConfig loads SD configuration from environment variables.
// This is a pure parsing function that reads from env vars; invalid values
// fall back to defaults.
func LoadSDConfig() *SDConfig {
	return &SDConfig{
		ModelPath:     os.Getenv("SD_MODEL_PATH"),
		VAEPath:       os.Getenv("SD_VAE_PATH"),
		T5XXLPath:     os.Getenv("SD_T5XXL_PATH"),
		ClipLPath:     os.Getenv("SD_CLIP_L_PATH"),
		ClipGPath:     os.Getenv("SD_CLIP_G_PATH"),
		Threads:       parseThreads(os.Getenv("SD_THREADS")),
		OffloadToCPU:  parseBool(os.Getenv("SD_OFFLOAD_TO_CPU"), false),
		KeepClipOnCPU: parseBool(os.Getenv("SD_KEEP_CLIP_ON_CPU"), false),
		KeepVAEOnCPU:  parseBool(os.Getenv("SD_KEEP_VAE_ON_CPU"), false),
		FlashAttn:     parseBool(os.Getenv("SD_FLASH_ATTN"), false),
		VAETiling:     parseBool(os.Getenv("SD_VAE_TILING"), false),

		ImageSize:      parseImageSize(os.Getenv("SD_IMAGE_SIZE")),
		InferenceSteps: parseInferenceSteps(os.Getenv("SD_INFERENCE_STEPS")),
		GuidanceScale:  parseGuidanceScale(os.Getenv("SD_GUIDANCE_SCALE")),
		NegativePrompt: os.Getenv("SD_NEGATIVE_PROMPT"),
		Sampler:        parseSampler(os.Getenv("SD_SAMPLER")),
		Scheduler:      parseScheduler(os.Getenv("SD_SCHEDULER")),
		ClipSkip:       parseClipSkip(os.Getenv("SD_CLIP_SKIP")),
		VideoFrames:    parseVideoFrames(os.Getenv("SD_VIDEO_FRAMES")),

		VerifyChecksums: parseBool(os.Getenv("SD_VERIFY_CHECKSUMS"), false),
	}
}

// ContextParams returns the engine construction parameters.
func (c *SDConfig) ContextParams() ContextParams {
	return ContextParams{
		ModelPath:     c.ModelPath,
		VAEPath:       c.VAEPath,
		T5XXLPath:     c.T5XXLPath,
		ClipLPath:     c.ClipLPath,
		ClipGPath:     c.ClipGPath,
		Threads:       c.Threads,
		OffloadToCPU:  c.OffloadToCPU,
		KeepClipOnCPU: c.KeepClipOnCPU,
		KeepVAEOnCPU:  c.KeepVAEOnCPU,
		FlashAttn:     c.FlashAttn,
		VAETiling:     c.VAETiling,
	}
}

// ImageRequest returns an image request filled with the configured defaults.
func (c *SDConfig) ImageRequest(prompt string) ImageRequest {
	r := DefaultImageRequest()
	r.Prompt = prompt
	r.NegativePrompt = c.NegativePrompt
	r.Width, r.Height = c.ImageSize, c.ImageSize
	r.Steps = c.InferenceSteps
	r.CFGScale = float32(c.GuidanceScale)
	r.Sampler = c.Sampler
	r.Scheduler = c.Scheduler
	r.ClipSkip = c.ClipSkip
	return r
}

// VideoRequest returns a video request filled with the configured defaults.
func (c *SDConfig) VideoRequest(prompt string) VideoRequest {
	r := DefaultVideoRequest()
	r.Prompt = prompt
	r.NegativePrompt = c.NegativePrompt
	r.Width, r.Height = c.ImageSize, c.ImageSize
	r.Frames = c.VideoFrames
	r.Steps = c.InferenceSteps
	r.CFGScale = float32(c.GuidanceScale)
	r.Sampler = c.Sampler
	r.Scheduler = c.Scheduler
	r.ClipSkip = c.ClipSkip
	return r
}

// parseImageSize parses and validates image size from string.
// Returns default if invalid or empty.
func parseImageSize(s string) int {
	if s == "" {
		return DefaultImageSize
	}

	size, err := strconv.Atoi(s)
	if err != nil {
		return DefaultImageSize
	}

	if size >= MinImageSize && size <= MaxImageSize && size%ImageSizeMultple == 0 {
		return size
	}
	return DefaultImageSize
}

// parseInferenceSteps parses and validates inference steps from string.
// Returns default if invalid or out of range.
func parseInferenceSteps(s string) int {
	if s == "" {
		return DefaultInferenceSteps
	}

	steps, err := strconv.Atoi(s)
	if err != nil {
		return DefaultInferenceSteps
	}

	if steps < MinSteps || steps > MaxSteps {
		return DefaultInferenceSteps
	}

	return steps
}

// parseGuidanceScale parses and validates CFG scale from string.
// Returns default if invalid or out of range.
func parseGuidanceScale(s string) float64 {
	if s == "" {
		return DefaultGuidanceScale
	}

	scale, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return DefaultGuidanceScale
	}

	if scale < MinCFGScale || scale > MaxCFGScale {
		return DefaultGuidanceScale
	}

	return scale
}

// parseThreads parses the engine thread count. Zero or negative lets the
// engine use its physical core count.
func parseThreads(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// parseBool accepts the strconv.ParseBool spellings plus yes/no and on/off.
func parseBool(s string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return def
	case "yes", "on":
		return true
	case "no", "off":
		return false
	}
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return b
}

// parseSampler falls back to the engine default for unknown names.
func parseSampler(s string) Sampler {
	v, err := ParseSampler(s)
	if err != nil {
		return SamplerDefault
	}
	return v
}

// parseScheduler falls back to the engine default for unknown names.
func parseScheduler(s string) Scheduler {
	v, err := ParseScheduler(s)
	if err != nil {
		return SchedulerDefault
	}
	return v
}

// parseClipSkip accepts -1 (model default) through MaxClipSkip.
func parseClipSkip(s string) int {
	if s == "" {
		return DefaultClipSkip
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < -1 || n > MaxClipSkip {
		return DefaultClipSkip
	}
	return n
}

// parseVideoFrames parses the default clip length.
func parseVideoFrames(s string) int {
	if s == "" {
		return DefaultVideoFrames
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > MaxFrames {
		return DefaultVideoFrames
	}
	return n
}
