package logging

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Generation describes one finished generation call for structured logs.
type Generation struct {
	Session   string
	Kind      string // image, video or precompute
	Width     int
	Height    int
	Frames    int
	Steps     int
	Seed      int64
	Staged    bool // conditioning came from a precomputed payload
	Duration  time.Duration
	Cancelled bool
}

// SecondsPerStep returns wall time per denoising step across all frames.
func (g Generation) SecondsPerStep() float64 {
	total := g.Steps * max(g.Frames, 1)
	if total <= 0 {
		return 0
	}
	return g.Duration.Seconds() / float64(total)
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (g Generation) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	if g.Session != "" {
		enc.AddString("session", g.Session)
	}
	enc.AddString("kind", g.Kind)
	enc.AddInt("width", g.Width)
	enc.AddInt("height", g.Height)
	if g.Frames > 0 {
		enc.AddInt("frames", g.Frames)
	}
	if g.Steps > 0 {
		enc.AddInt("steps", g.Steps)
		enc.AddFloat64("seconds_per_step", g.SecondsPerStep())
	}
	enc.AddInt64("seed", g.Seed)
	enc.AddBool("staged", g.Staged)
	enc.AddInt64("duration_ms", g.Duration.Milliseconds())
	if g.Cancelled {
		enc.AddBool("cancelled", true)
	}
	return nil
}

// GenerationFields wraps g as a single "generation" field.
func GenerationFields(g Generation) zap.Field {
	return zap.Object("generation", g)
}
