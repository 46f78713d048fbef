package main

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/cobra"

	"sdstage/core"
	"sdstage/sdruntime"
)

func parsedFlags(t *testing.T, generate bool, args ...string) (*genFlags, *cobra.Command) {
	t.Helper()
	f := &genFlags{}
	cmd := &cobra.Command{Use: "test"}
	if generate {
		f.bindGenerate(cmd)
	} else {
		f.bindPrompt(cmd)
	}
	if err := cmd.ParseFlags(args); err != nil {
		t.Fatalf("ParseFlags(%v) error = %v", args, err)
	}
	return f, cmd
}

func TestPromptText(t *testing.T) {
	tests := []struct {
		name    string
		flag    []string
		args    []string
		want    string
		wantErr bool
	}{
		{"positional", nil, []string{"a", "red", "cube"}, "a red cube", false},
		{"flag wins", []string{"--prompt", " a boat "}, []string{"ignored"}, "a boat", false},
		{"empty", nil, nil, "", true},
		{"blank", []string{"-p", "  "}, nil, "", true},
		{"too long", nil, []string{strings.Repeat("a", sdruntime.MaxPromptLength+1)}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, _ := parsedFlags(t, false, tt.flag...)
			got, err := f.promptText(tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("promptText() error = %v, wantErr %v", err, tt.wantErr)
			}
			var ue usageError
			if err != nil && !errors.As(err, &ue) {
				t.Errorf("promptText() error = %v, want usageError", err)
			}
			if got != tt.want {
				t.Errorf("promptText() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestShape(t *testing.T) {
	base := imageShape(sdruntime.ImageRequest{
		Width: 512, Height: 512, Steps: 20, CFGScale: 7.5, Seed: -1, ClipSkip: -1,
		Strength: 0.75, NegativePrompt: "blurry",
	})

	tests := []struct {
		name     string
		generate bool
		args     []string
		want     func(s *requestShape)
	}{
		{"no flags", true, nil, func(*requestShape) {}},
		{"size", true, []string{"--size", "256"}, func(s *requestShape) { s.Width, s.Height = 256, 256 }},
		{"width overrides size", true, []string{"--size", "256", "--width", "320"}, func(s *requestShape) { s.Width, s.Height = 320, 256 }},
		{"empty negative", true, []string{"--negative", ""}, func(s *requestShape) { s.Negative = "" }},
		{"generation", true, []string{"--steps", "8", "--cfg", "3", "--seed", "9", "--sampler", "euler", "--scheduler", "karras"},
			func(s *requestShape) {
				s.Steps, s.CFGScale, s.Seed = 8, 3, 9
				s.Sampler, s.Scheduler = sdruntime.SamplerEuler, sdruntime.SchedulerKarras
			}},
		{"cache", true, []string{"--cache-threshold", "0.2"}, func(s *requestShape) {
			s.Hints = sdruntime.PerfHints{CacheThreshold: 0.2, CacheStartPercent: 0.15, CacheEndPercent: 0.95}
		}},
		{"precompute ignores generation defaults", false, []string{"--clip-skip", "2"}, func(s *requestShape) { s.ClipSkip = 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, cmd := parsedFlags(t, tt.generate, tt.args...)
			got, err := f.shape(cmd, base)
			if err != nil {
				t.Fatalf("shape() error = %v", err)
			}
			want := base
			tt.want(&want)
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("shape() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestShape_Invalid(t *testing.T) {
	base := imageShape(sdruntime.DefaultImageRequest())
	tests := []struct {
		name string
		args []string
	}{
		{"zero width", []string{"--width", "0"}},
		{"steps too low", []string{"--steps", "0"}},
		{"steps too high", []string{"--steps", "100000"}},
		{"clip skip", []string{"--clip-skip", "-2"}},
		{"strength", []string{"--strength", "1.5"}},
		{"sampler", []string{"--sampler", "nope"}},
		{"scheduler", []string{"--scheduler", "nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, cmd := parsedFlags(t, true, tt.args...)
			_, err := f.shape(cmd, base)
			var ue usageError
			if !errors.As(err, &ue) {
				t.Errorf("shape(%v) error = %v, want usageError", tt.args, err)
			}
		})
	}
}

func TestApplyVideo(t *testing.T) {
	req := sdruntime.DefaultVideoRequest()
	s := videoShape(req)
	s.Width, s.Height, s.Steps, s.Negative = 320, 192, 6, "static"
	s.applyVideo(&req)
	if req.Width != 320 || req.Height != 192 || req.Steps != 6 || req.NegativePrompt != "static" {
		t.Errorf("applyVideo() = %+v", req)
	}
}

func TestGlobalFlagsApply(t *testing.T) {
	tests := []struct {
		name      string
		args      []string
		wantLevel string
		wantErr   bool
	}{
		{"defaults", nil, "info", false},
		{"log level", []string{"--log-level", "debug"}, "debug", false},
		{"quiet wins over log level", []string{"--log-level", "debug", "--quiet"}, "warn", false},
		{"bad log level", []string{"--log-level", "loud"}, "", true},
		{"bad log level with quiet", []string{"--log-level", "loud", "-q"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolateEnv(t)
			var f globalFlags
			cmd := &cobra.Command{Use: "test"}
			f.bind(cmd.Flags())
			if err := cmd.ParseFlags(tt.args); err != nil {
				t.Fatalf("ParseFlags(%v) error = %v", tt.args, err)
			}
			cfg := core.DefaultConfig()
			err := f.apply(cmd, cfg)
			if tt.wantErr {
				var ue usageError
				if !errors.As(err, &ue) {
					t.Fatalf("apply() error = %v, want usageError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("apply() error = %v", err)
			}
			if cfg.LogLevel != tt.wantLevel {
				t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, tt.wantLevel)
			}
		})
	}
}
