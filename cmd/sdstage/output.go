package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"sdstage/core"
	"sdstage/metrics"
	"sdstage/sdruntime"
	"sdstage/shutdown"

	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"
)

// framePaths names the files for n frames. A single frame gets no index.
func framePaths(dir, name string, n int) []string {
	if n == 1 {
		return []string{filepath.Join(dir, name+".png")}
	}
	width := len(fmt.Sprint(n - 1))
	if width < 3 {
		width = 3
	}
	paths := make([]string, n)
	for i := range paths {
		paths[i] = filepath.Join(dir, fmt.Sprintf("%s_%0*d.png", name, width, i))
	}
	return paths
}

// encodeFrame is swapped out in tests.
var encodeFrame = sdruntime.Frame.EncodePNG

// writeFrames encodes frames as PNG in parallel. Each file is written under
// a partial name and renamed once it holds a decodable PNG, so an
// interrupted run leaves no truncated PNG behind.
func writeFrames(ctx context.Context, dir, name string, frames []sdruntime.Frame) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	paths := framePaths(dir, name, len(frames))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range frames {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, err := encodeFrame(frames[i])
			if err != nil {
				return fmt.Errorf("frame %d: %w", i, err)
			}
			if err := sdruntime.ValidateImageData(data); err != nil {
				return fmt.Errorf("frame %d: %w", i, err)
			}
			tmp := paths[i] + shutdown.PartialSuffix
			if err := os.WriteFile(tmp, data, 0o644); err != nil {
				return fmt.Errorf("frame %d: %w", i, err)
			}
			if err := os.Rename(tmp, paths[i]); err != nil {
				os.Remove(tmp)
				return fmt.Errorf("frame %d: %w", i, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}

// defaultName builds an output prefix from the kind, time and seed.
func defaultName(kind string, at time.Time, seed int64) string {
	return fmt.Sprintf("%s_%s_%d", kind, at.Format("20060102_150405"), seed)
}

// progressPrinter renders progress reports on one terminal line.
type progressPrinter struct {
	mu    sync.Mutex
	w     io.Writer
	label string
	last  string
	shown bool
}

func newProgressPrinter(w io.Writer, label string) *progressPrinter {
	return &progressPrinter{w: w, label: label}
}

const barWidth = 24

func formatProgress(label string, p sdruntime.Progress) string {
	filled := int(p.Fraction() * barWidth)
	bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)
	line := fmt.Sprintf("%s %s %3.0f%%  step %d/%d", label, bar, p.Fraction()*100, p.Step, p.TotalSteps)
	if p.TotalFrames > 1 {
		line += fmt.Sprintf("  frame %d/%d", p.Frame+1, p.TotalFrames)
	}
	if p.Step > 0 && p.Elapsed > 0 {
		line += fmt.Sprintf("  %.2fs/step", p.Elapsed.Seconds()/float64(p.Step))
	}
	return line
}

// update is a sdruntime.ProgressListener.
func (pp *progressPrinter) update(p sdruntime.Progress) {
	line := formatProgress(pp.label, p)
	pp.mu.Lock()
	defer pp.mu.Unlock()
	if line == pp.last {
		return
	}
	pp.last = line
	pp.shown = true
	fmt.Fprint(pp.w, "\r")
	color.New(color.FgCyan).Fprint(pp.w, line)
}

// done ends the progress line.
func (pp *progressPrinter) done() {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	if pp.shown {
		fmt.Fprintln(pp.w)
		pp.shown = false
	}
}

func printPaths(w io.Writer, paths []string) {
	dim := color.New(color.FgHiBlack)
	for _, p := range paths {
		dim.Fprintf(w, "    %s\n", p)
	}
}

// printResult summarizes a finished generation.
func printResult(w io.Writer, kind string, req requestShape, res *sdruntime.Result, src condSource, paths []string) {
	color.New(color.FgGreen, color.Bold).Fprintf(w, "✓ %s ", kind)
	fmt.Fprintf(w, "%dx%d", req.Width, req.Height)
	if n := len(res.Frames); n > 1 {
		fmt.Fprintf(w, " × %d frames", n)
	}
	fmt.Fprintf(w, "  seed %d  %s", res.Seed, res.Duration.Round(time.Millisecond))
	if kind == "image" && req.Steps > 0 {
		fmt.Fprintf(w, "  (%.2fs/step)", res.Duration.Seconds()/float64(req.Steps))
	}
	fmt.Fprintln(w)
	if src.payloadID != "" {
		color.New(color.FgHiBlack).Fprintf(w, "    conditioning %s\n", src.payloadID)
	}
	printPaths(w, paths)
}

// printDevice reports the peak device reading of a run.
func printDevice(w io.Writer, peak metrics.DeviceMemory) {
	color.New(color.FgHiBlack).Fprintf(w, "    peak device memory %s of %s (%.0f%% util, %.0f°C)\n",
		core.FormatBytes(peak.Used), core.FormatBytes(peak.Total), peak.Utilization, peak.Temperature)
}

func fileSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}
