package sdruntime

import (
	"testing"
)

var sdEnvVars = []string{
	"SD_MODEL_PATH", "SD_VAE_PATH", "SD_T5XXL_PATH", "SD_CLIP_L_PATH", "SD_CLIP_G_PATH",
	"SD_THREADS", "SD_OFFLOAD_TO_CPU", "SD_KEEP_CLIP_ON_CPU", "SD_KEEP_VAE_ON_CPU",
	"SD_FLASH_ATTN", "SD_VAE_TILING", "SD_IMAGE_SIZE", "SD_INFERENCE_STEPS",
	"SD_GUIDANCE_SCALE", "SD_NEGATIVE_PROMPT", "SD_SAMPLER", "SD_SCHEDULER",
	"SD_CLIP_SKIP", "SD_VIDEO_FRAMES", "SD_VERIFY_CHECKSUMS",
}

func clearSDEnv(t *testing.T) {
	t.Helper()
	for _, k := range sdEnvVars {
		t.Setenv(k, "")
	}
}

func TestLoadSDConfig_Defaults(t *testing.T) {
	clearSDEnv(t)

	cfg := LoadSDConfig()

	if cfg.ImageSize != DefaultImageSize {
		t.Errorf("expected default ImageSize %d, got %d", DefaultImageSize, cfg.ImageSize)
	}
	if cfg.InferenceSteps != DefaultInferenceSteps {
		t.Errorf("expected default InferenceSteps %d, got %d", DefaultInferenceSteps, cfg.InferenceSteps)
	}
	if cfg.GuidanceScale != DefaultGuidanceScale {
		t.Errorf("expected default GuidanceScale %.1f, got %.1f", DefaultGuidanceScale, cfg.GuidanceScale)
	}
	if cfg.ClipSkip != DefaultClipSkip {
		t.Errorf("expected default ClipSkip %d, got %d", DefaultClipSkip, cfg.ClipSkip)
	}
	if cfg.VideoFrames != DefaultVideoFrames {
		t.Errorf("expected default VideoFrames %d, got %d", DefaultVideoFrames, cfg.VideoFrames)
	}
	if cfg.Sampler != SamplerDefault || cfg.Scheduler != SchedulerDefault {
		t.Errorf("expected default sampler/scheduler, got %s/%s", cfg.Sampler, cfg.Scheduler)
	}
	if cfg.Threads != 0 || cfg.OffloadToCPU || cfg.VerifyChecksums {
		t.Errorf("unexpected non-zero runtime flags: %+v", cfg)
	}
}

func TestLoadSDConfig_FromEnv(t *testing.T) {
	clearSDEnv(t)
	t.Setenv("SD_MODEL_PATH", "/models/wan2.1.gguf")
	t.Setenv("SD_VAE_PATH", "/models/vae.safetensors")
	t.Setenv("SD_T5XXL_PATH", "/models/umt5-xxl.gguf")
	t.Setenv("SD_THREADS", "6")
	t.Setenv("SD_OFFLOAD_TO_CPU", "true")
	t.Setenv("SD_KEEP_VAE_ON_CPU", "yes")
	t.Setenv("SD_FLASH_ATTN", "1")
	t.Setenv("SD_IMAGE_SIZE", "768")
	t.Setenv("SD_INFERENCE_STEPS", "50")
	t.Setenv("SD_GUIDANCE_SCALE", "12.5")
	t.Setenv("SD_NEGATIVE_PROMPT", "blurry, low quality")
	t.Setenv("SD_SAMPLER", "euler")
	t.Setenv("SD_SCHEDULER", "karras")
	t.Setenv("SD_CLIP_SKIP", "2")
	t.Setenv("SD_VIDEO_FRAMES", "33")
	t.Setenv("SD_VERIFY_CHECKSUMS", "on")

	cfg := LoadSDConfig()

	p := cfg.ContextParams()
	if p.ModelPath != "/models/wan2.1.gguf" || p.VAEPath != "/models/vae.safetensors" || p.T5XXLPath != "/models/umt5-xxl.gguf" {
		t.Errorf("unexpected model paths: %+v", p)
	}
	if p.Threads != 6 || !p.OffloadToCPU || !p.KeepVAEOnCPU || p.KeepClipOnCPU || !p.FlashAttn || p.VAETiling {
		t.Errorf("unexpected runtime flags: %+v", p)
	}
	if cfg.ImageSize != 768 {
		t.Errorf("expected ImageSize 768, got %d", cfg.ImageSize)
	}
	if cfg.InferenceSteps != 50 {
		t.Errorf("expected InferenceSteps 50, got %d", cfg.InferenceSteps)
	}
	if cfg.GuidanceScale != 12.5 {
		t.Errorf("expected GuidanceScale 12.5, got %.1f", cfg.GuidanceScale)
	}
	if cfg.Sampler != SamplerEuler || cfg.Scheduler != SchedulerKarras {
		t.Errorf("expected euler/karras, got %s/%s", cfg.Sampler, cfg.Scheduler)
	}
	if !cfg.VerifyChecksums {
		t.Error("expected VerifyChecksums true")
	}

	r := cfg.VideoRequest("a red cube")
	if r.Frames != 33 || r.ClipSkip != 2 || r.Width != 768 || r.NegativePrompt != "blurry, low quality" {
		t.Errorf("VideoRequest() = %+v", r)
	}
	img := cfg.ImageRequest("a red cube")
	if img.Steps != 50 || img.CFGScale != 12.5 || img.Sampler != SamplerEuler {
		t.Errorf("ImageRequest() = %+v", img)
	}
}

func TestParseBool(t *testing.T) {
	tests := []struct {
		input    string
		def      bool
		expected bool
	}{
		{"", false, false},
		{"", true, true},
		{"true", false, true},
		{"1", false, true},
		{"yes", false, true},
		{"OFF", true, false},
		{"garbage", true, true},
	}
	for _, tt := range tests {
		if got := parseBool(tt.input, tt.def); got != tt.expected {
			t.Errorf("parseBool(%q, %v) = %v, expected %v", tt.input, tt.def, got, tt.expected)
		}
	}
}

func TestParseClipSkipAndFrames(t *testing.T) {
	tests := []struct {
		name     string
		parse    func(string) int
		input    string
		expected int
	}{
		{"clip skip default", parseClipSkip, "", DefaultClipSkip},
		{"clip skip valid", parseClipSkip, "2", 2},
		{"clip skip too low", parseClipSkip, "-2", DefaultClipSkip},
		{"clip skip too high", parseClipSkip, "13", DefaultClipSkip},
		{"frames valid", parseVideoFrames, "4", 4},
		{"frames zero", parseVideoFrames, "0", DefaultVideoFrames},
		{"frames garbage", parseVideoFrames, "many", DefaultVideoFrames},
		{"threads negative", parseThreads, "-3", 0},
		{"threads valid", parseThreads, "8", 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.parse(tt.input); got != tt.expected {
				t.Errorf("parse(%q) = %d, expected %d", tt.input, got, tt.expected)
			}
		})
	}
}

func TestParseImageSize_ValidValues(t *testing.T) {
	tests := []struct {
		input    string
		expected int
	}{
		{"512", 512},
		{"768", 768},
		{"1024", 1024},
		{"256", 256}, // Custom valid size
		{"64", 64},
		{"", DefaultImageSize},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := parseImageSize(tt.input)
			if result != tt.expected {
				t.Errorf("parseImageSize(%q) = %d, expected %d", tt.input, result, tt.expected)
			}
		})
	}
}

func TestParseImageSize_InvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not a number", "abc"},
		{"too small", "32"},
		{"too large", "4096"},
		{"not divisible by 8", "513"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := parseImageSize(tt.input)
			if result != DefaultImageSize {
				t.Errorf("parseImageSize(%q) = %d, expected default %d", tt.input, result, DefaultImageSize)
			}
		})
	}
}

func TestParseInferenceSteps_ValidValues(t *testing.T) {
	tests := []struct {
		input    string
		expected int
	}{
		{"1", 1},
		{"20", 20},
		{"100", 100},
		{"", DefaultInferenceSteps},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := parseInferenceSteps(tt.input)
			if result != tt.expected {
				t.Errorf("parseInferenceSteps(%q) = %d, expected %d", tt.input, result, tt.expected)
			}
		})
	}
}

func TestParseInferenceSteps_InvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not a number", "abc"},
		{"zero", "0"},
		{"negative", "-5"},
		{"too high", "151"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := parseInferenceSteps(tt.input)
			if result != DefaultInferenceSteps {
				t.Errorf("parseInferenceSteps(%q) = %d, expected default %d", tt.input, result, DefaultInferenceSteps)
			}
		})
	}
}

func TestParseGuidanceScale_ValidValues(t *testing.T) {
	tests := []struct {
		input    string
		expected float64
	}{
		{"1.0", 1.0},
		{"7.5", 7.5},
		{"30.0", 30.0},
		{"", DefaultGuidanceScale},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := parseGuidanceScale(tt.input)
			if result != tt.expected {
				t.Errorf("parseGuidanceScale(%q) = %.1f, expected %.1f", tt.input, result, tt.expected)
			}
		})
	}
}

func TestParseGuidanceScale_InvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not a number", "abc"},
		{"too low", "0.5"},
		{"too high", "35.0"},
		{"negative", "-1.0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := parseGuidanceScale(tt.input)
			if result != DefaultGuidanceScale {
				t.Errorf("parseGuidanceScale(%q) = %.1f, expected default %.1f", tt.input, result, DefaultGuidanceScale)
			}
		})
	}
}
