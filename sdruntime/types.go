package sdruntime

import (
	"fmt"
	"time"
)

// PerfHints carries cache-reuse hints for the denoiser. A zero Threshold
// disables step caching.
type PerfHints struct {
	CacheThreshold    float32 // Relative change below which a step's output is reused
	CacheStartPercent float32 // Fraction of steps (0-1) after which reuse may start
	CacheEndPercent   float32 // Fraction of steps (0-1) after which reuse stops
}

// InitImage is a raw pixel buffer used by image-to-image and video-to-video.
type InitImage struct {
	Width    int
	Height   int
	Channels int    // 3 (RGB) or 4 (RGBA)
	Pixels   []byte // Width*Height*Channels bytes, row-major
}

// ImageRequest holds parameters for still image generation.
type ImageRequest struct {
	Prompt         string
	NegativePrompt string
	Width          int
	Height         int
	Steps          int
	CFGScale       float32
	Seed           int64 // Negative selects a random seed
	Sampler        Sampler
	Scheduler      Scheduler
	ClipSkip       int
	Strength       float32    // Denoising strength for InitImage (0-1)
	InitImage      *InitImage // Optional
	Hints          PerfHints
}

// VideoRequest holds parameters for video generation.
type VideoRequest struct {
	Prompt         string
	NegativePrompt string
	Width          int
	Height         int
	Frames         int
	Steps          int
	CFGScale       float32
	Seed           int64
	Sampler        Sampler
	Scheduler      Scheduler
	ClipSkip       int
	Strength       float32
	InitImage      *InitImage
	Hints          PerfHints
}

// ConditionRequest describes a conditioning precompute. NegativePrompt is
// optional; when nil no unconditional payload is produced.
type ConditionRequest struct {
	Prompt         string
	NegativePrompt *string
	Width          int
	Height         int
	ClipSkip       int
}

// Conditioning pairs the conditional payload with an optional unconditional one.
type Conditioning struct {
	Cond   *Payload
	Uncond *Payload
}

// Frame is one decoded image owned by the caller.
type Frame struct {
	Width    int
	Height   int
	Channels int
	Pixels   []byte // Width*Height*Channels bytes
}

// Result is the ordered frame sequence of one generation call.
// It holds one frame for still images.
type Result struct {
	Frames   []Frame
	Seed     int64
	Duration time.Duration
}

// Parameter validation constants
const (
	MinImageSize     = 64
	MaxImageSize     = 2048
	ImageSizeMultple = 8 // Image dimensions must be divisible by this

	MaxSteps    = 150
	MaxFrames   = 1024
	MaxClipSkip = 12
	MaxCFGScale = 30.0
)

// validateDims rejects non-positive sizes. The engine checks everything else.
func validateDims(op string, width, height int) error {
	if width <= 0 || height <= 0 {
		return opError(op, ErrInvalidArgument, "dimensions %dx%d must be positive", width, height)
	}
	return nil
}

func validateInitImage(op string, img *InitImage) error {
	if img == nil {
		return nil
	}
	if img.Width <= 0 || img.Height <= 0 {
		return opError(op, ErrInvalidArgument, "init image dimensions %dx%d must be positive", img.Width, img.Height)
	}
	if img.Channels != 3 && img.Channels != 4 {
		return opError(op, ErrInvalidArgument, "init image has %d channels, want 3 or 4", img.Channels)
	}
	if want := ImageDataSize(img.Width, img.Height, img.Channels); len(img.Pixels) != want {
		return opError(op, ErrInvalidArgument, "init image has %d bytes, want %d", len(img.Pixels), want)
	}
	return nil
}

// ValidateImageRequest checks the request fields this layer is responsible for.
// It is a pure function with no side effects.
func ValidateImageRequest(r ImageRequest) error {
	if err := validateDims("generateImage", r.Width, r.Height); err != nil {
		return err
	}
	return validateInitImage("generateImage", r.InitImage)
}

// ValidateVideoRequest checks dimensions, frame count and the init image.
func ValidateVideoRequest(r VideoRequest) error {
	if err := validateDims("generateVideo", r.Width, r.Height); err != nil {
		return err
	}
	if r.Frames <= 0 {
		return opError("generateVideo", ErrInvalidArgument, "frame count %d must be positive", r.Frames)
	}
	return validateInitImage("generateVideo", r.InitImage)
}

// ValidateConditionRequest checks the precompute dimensions and clip skip.
func ValidateConditionRequest(r ConditionRequest) error {
	if err := validateDims("precomputeCondition", r.Width, r.Height); err != nil {
		return err
	}
	if r.ClipSkip < -1 || r.ClipSkip > MaxClipSkip {
		return opError("precomputeCondition", ErrInvalidArgument, "clip skip %d out of range", r.ClipSkip)
	}
	return nil
}

// DefaultImageRequest returns sensible defaults. The caller should at minimum set Prompt.
func DefaultImageRequest() ImageRequest {
	return ImageRequest{
		Width:    512,
		Height:   512,
		Steps:    20,
		CFGScale: 7.0,
		Seed:     -1,
		ClipSkip: -1,
		Strength: 0.75,
	}
}

// DefaultVideoRequest returns sensible defaults for short clips.
func DefaultVideoRequest() VideoRequest {
	return VideoRequest{
		Width:    512,
		Height:   512,
		Frames:   16,
		Steps:    20,
		CFGScale: 6.0,
		Seed:     -1,
		ClipSkip: -1,
		Strength: 0.75,
	}
}

// String summarizes the request for log lines.
func (r VideoRequest) String() string {
	return fmt.Sprintf("video %dx%d frames=%d steps=%d seed=%d", r.Width, r.Height, r.Frames, r.Steps, r.Seed)
}

// String summarizes the request for log lines.
func (r ImageRequest) String() string {
	return fmt.Sprintf("image %dx%d steps=%d seed=%d", r.Width, r.Height, r.Steps, r.Seed)
}
