package main

import (
	"strings"

	"sdstage/sdruntime"

	"github.com/spf13/cobra"
)

// genFlags are shared by image, video and precompute.
type genFlags struct {
	prompt    string
	negative  string
	width     int
	height    int
	size      int
	steps     int
	cfgScale  float32
	seed      int64
	sampler   string
	scheduler string
	clipSkip  int
	strength  float32
	initImage string
	frames    int
	cache     float32

	model     string
	encoder   string
	payloadID string
	recompute bool

	outDir      string
	name        string
	noProgress  bool
	deviceStats bool
}

func (f *genFlags) bindPrompt(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVarP(&f.prompt, "prompt", "p", "", "prompt text; positional arguments are used when unset")
	fs.StringVarP(&f.negative, "negative", "n", "", "negative prompt (default $SD_NEGATIVE_PROMPT)")
	fs.IntVar(&f.width, "width", 0, "output width in pixels (default $SD_IMAGE_SIZE)")
	fs.IntVar(&f.height, "height", 0, "output height in pixels (default $SD_IMAGE_SIZE)")
	fs.IntVar(&f.size, "size", 0, "square output size; shorthand for --width and --height")
	fs.IntVar(&f.clipSkip, "clip-skip", 0, "skip the last N CLIP layers; -1 uses the model default")
}

func (f *genFlags) bindGenerate(cmd *cobra.Command) {
	f.bindPrompt(cmd)
	fs := cmd.Flags()
	fs.IntVar(&f.steps, "steps", 0, "denoising steps (default $SD_INFERENCE_STEPS)")
	fs.Float32Var(&f.cfgScale, "cfg", 0, "classifier-free guidance scale (default $SD_GUIDANCE_SCALE)")
	fs.Int64Var(&f.seed, "seed", -1, "seed; negative picks one at random")
	fs.StringVar(&f.sampler, "sampler", "", "sampler name, e.g. euler_a, dpm++2m (default $SD_SAMPLER)")
	fs.StringVar(&f.scheduler, "scheduler", "", "scheduler name, e.g. karras (default $SD_SCHEDULER)")
	fs.Float32Var(&f.strength, "strength", 0.75, "denoising strength for --init-image (0-1)")
	fs.StringVar(&f.initImage, "init-image", "", "PNG or JPEG to start from")
	fs.Float32Var(&f.cache, "cache-threshold", 0, "reuse denoiser output when it changes less than this; 0 disables")

	fs.StringVarP(&f.model, "model", "m", "", "model file (default $SD_MODEL_PATH)")
	fs.StringVar(&f.encoder, "encoder", "", "precompute conditioning with this text encoder before loading the model")
	fs.StringVar(&f.payloadID, "payload", "", "use a stored conditioning payload by ID")
	fs.BoolVar(&f.recompute, "recompute", false, "ignore a stored payload for the same prompt")

	fs.StringVarP(&f.outDir, "out", "o", "", "output directory (default $SDSTAGE_OUTPUT_DIR)")
	fs.StringVar(&f.name, "name", "", "output file name prefix")
	fs.BoolVar(&f.noProgress, "no-progress", false, "do not print progress")
	fs.BoolVar(&f.deviceStats, "device-stats", false, "sample GPU memory with nvidia-smi while generating")
	cmd.MarkFlagsMutuallyExclusive("encoder", "payload")
}

// promptText returns --prompt or the joined positional arguments.
func (f *genFlags) promptText(args []string) (string, error) {
	p := f.prompt
	if p == "" {
		p = strings.Join(args, " ")
	}
	p = strings.TrimSpace(p)
	if p == "" {
		return "", usagef("a prompt is required")
	}
	if err := sdruntime.ValidatePrompt(p); err != nil {
		return "", usageError{err}
	}
	return p, nil
}

// requestShape holds the fields image and video requests share.
type requestShape struct {
	Width, Height int
	Steps         int
	CFGScale      float32
	Seed          int64
	Sampler       sdruntime.Sampler
	Scheduler     sdruntime.Scheduler
	ClipSkip      int
	Strength      float32
	Negative      string
	Hints         sdruntime.PerfHints
}

// shape overlays the flags the user set on base.
func (f *genFlags) shape(cmd *cobra.Command, base requestShape) (requestShape, error) {
	changed := cmd.Flags().Changed
	s := base
	if changed("size") {
		s.Width, s.Height = f.size, f.size
	}
	if changed("width") {
		s.Width = f.width
	}
	if changed("height") {
		s.Height = f.height
	}
	if s.Width <= 0 || s.Height <= 0 {
		return s, usagef("size %dx%d must be positive", s.Width, s.Height)
	}
	if changed("negative") {
		s.Negative = f.negative
	}
	if changed("clip-skip") {
		if f.clipSkip < -1 || f.clipSkip > sdruntime.MaxClipSkip {
			return s, usagef("--clip-skip %d out of range -1..%d", f.clipSkip, sdruntime.MaxClipSkip)
		}
		s.ClipSkip = f.clipSkip
	}
	if cmd.Flags().Lookup("steps") == nil {
		return s, nil
	}

	if changed("steps") {
		if f.steps < sdruntime.MinSteps || f.steps > sdruntime.MaxSteps {
			return s, usagef("--steps %d out of range %d..%d", f.steps, sdruntime.MinSteps, sdruntime.MaxSteps)
		}
		s.Steps = f.steps
	}
	if changed("cfg") {
		s.CFGScale = f.cfgScale
	}
	if changed("seed") {
		s.Seed = f.seed
	}
	if changed("sampler") {
		v, err := sdruntime.ParseSampler(f.sampler)
		if err != nil {
			return s, usageError{err}
		}
		s.Sampler = v
	}
	if changed("scheduler") {
		v, err := sdruntime.ParseScheduler(f.scheduler)
		if err != nil {
			return s, usageError{err}
		}
		s.Scheduler = v
	}
	if changed("strength") {
		if f.strength < 0 || f.strength > 1 {
			return s, usagef("--strength %g out of range 0..1", f.strength)
		}
		s.Strength = f.strength
	}
	if changed("cache-threshold") {
		s.Hints = sdruntime.PerfHints{CacheThreshold: f.cache, CacheStartPercent: 0.15, CacheEndPercent: 0.95}
	}
	return s, nil
}

func imageShape(r sdruntime.ImageRequest) requestShape {
	return requestShape{
		Width: r.Width, Height: r.Height, Steps: r.Steps, CFGScale: r.CFGScale, Seed: r.Seed,
		Sampler: r.Sampler, Scheduler: r.Scheduler, ClipSkip: r.ClipSkip, Strength: r.Strength,
		Negative: r.NegativePrompt, Hints: r.Hints,
	}
}

func (s requestShape) applyImage(r *sdruntime.ImageRequest) {
	r.Width, r.Height = s.Width, s.Height
	r.Steps, r.CFGScale, r.Seed = s.Steps, s.CFGScale, s.Seed
	r.Sampler, r.Scheduler = s.Sampler, s.Scheduler
	r.ClipSkip, r.Strength = s.ClipSkip, s.Strength
	r.NegativePrompt = s.Negative
	r.Hints = s.Hints
}

func videoShape(r sdruntime.VideoRequest) requestShape {
	return requestShape{
		Width: r.Width, Height: r.Height, Steps: r.Steps, CFGScale: r.CFGScale, Seed: r.Seed,
		Sampler: r.Sampler, Scheduler: r.Scheduler, ClipSkip: r.ClipSkip, Strength: r.Strength,
		Negative: r.NegativePrompt, Hints: r.Hints,
	}
}

func (s requestShape) applyVideo(r *sdruntime.VideoRequest) {
	r.Width, r.Height = s.Width, s.Height
	r.Steps, r.CFGScale, r.Seed = s.Steps, s.CFGScale, s.Seed
	r.Sampler, r.Scheduler = s.Sampler, s.Scheduler
	r.ClipSkip, r.Strength = s.ClipSkip, s.Strength
	r.NegativePrompt = s.Negative
	r.Hints = s.Hints
}
