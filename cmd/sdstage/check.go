package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"sdstage/core"
	"sdstage/db"
	"sdstage/metrics"
	"sdstage/sdruntime"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// stepStatus is the outcome of one check.
type stepStatus int

const (
	stepPassed stepStatus = iota
	stepWarning
	stepFailed
	stepSkipped
)

// checkStep is one line of `sdstage check`.
type checkStep struct {
	name    string
	status  stepStatus
	message string
	err     error
}

type checkFunc func(ctx context.Context, a *app) checkStep

// errChecksFailed is returned when any check failed.
var errChecksFailed = errors.New("environment checks failed")

func (c *cli) checkCmd() *cobra.Command {
	var device bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify configuration, database, model files and device",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := c.app
			checks := []checkFunc{checkConfig, checkDatabase, checkOutputDir, checkModels, checkStage, checkEngine}
			if device {
				checks = append(checks, checkDevice)
			}
			return runChecks(a.manager.Context(), a, a.stdout, checks)
		},
	}
	cmd.Flags().BoolVar(&device, "device", true, "query the GPU with nvidia-smi")
	return cmd
}

func runChecks(ctx context.Context, a *app, w io.Writer, checks []checkFunc) error {
	start := time.Now()
	fmt.Fprintln(w)
	color.New(color.FgCyan, color.Bold).Fprintln(w, "━━━ sdstage check ━━━")
	fmt.Fprintln(w)

	var passed, failed int
	for _, check := range checks {
		step := check(ctx, a)
		printStep(w, step)
		switch step.status {
		case stepPassed, stepWarning:
			passed++
		case stepFailed:
			failed++
		}
	}

	fmt.Fprintln(w)
	dim := color.New(color.FgHiBlack)
	if failed > 0 {
		bad := color.New(color.FgRed, color.Bold)
		bad.Fprint(w, "━━━ Checks failed ")
		dim.Fprintf(w, "(%d passed, %d failed)", passed, failed)
		bad.Fprintln(w, " ━━━")
		return errChecksFailed
	}
	good := color.New(color.FgGreen, color.Bold)
	good.Fprint(w, "━━━ All checks passed ")
	dim.Fprintf(w, "(%d in %v)", passed, time.Since(start).Round(time.Millisecond))
	good.Fprintln(w, " ━━━")
	return nil
}

func printStep(w io.Writer, s checkStep) {
	var (
		icon string
		clr  *color.Color
	)
	switch s.status {
	case stepPassed:
		icon, clr = "✓", color.New(color.FgGreen)
	case stepWarning:
		icon, clr = "!", color.New(color.FgYellow)
	case stepFailed:
		icon, clr = "✗", color.New(color.FgRed)
	default:
		icon, clr = "○", color.New(color.FgHiBlack)
	}
	clr.Fprintf(w, "  %s %s", icon, s.name)
	if s.message != "" {
		color.New(color.FgHiBlack).Fprintf(w, " - %s", s.message)
	}
	fmt.Fprintln(w)
	if s.err != nil {
		color.New(color.FgRed).Fprintf(w, "    └─ %v\n", s.err)
	}
}

func checkConfig(_ context.Context, a *app) checkStep {
	src := "defaults and environment"
	if a.cfgFile != "" {
		src = a.cfgFile
	}
	return checkStep{name: "Configuration", status: stepPassed, message: src}
}

func checkDatabase(ctx context.Context, a *app) checkStep {
	step := checkStep{name: "Database"}
	if err := a.db.Ping(ctx); err != nil {
		step.status, step.err = stepFailed, err
		return step
	}
	version, dirty, err := db.MigrationVersion(ctx, a.cfg.DBPath)
	switch {
	case err != nil:
		step.status, step.err = stepFailed, err
	case dirty:
		step.status, step.err = stepFailed, fmt.Errorf("schema version %d is dirty", version)
	case version != db.SchemaVersion:
		step.status = stepWarning
		step.message = fmt.Sprintf("schema version %d, expected %d", version, db.SchemaVersion)
	default:
		step.status = stepPassed
		step.message = fmt.Sprintf("%s (schema %d)", a.cfg.DBPath, version)
	}
	return step
}

func checkOutputDir(_ context.Context, a *app) checkStep {
	step := checkStep{name: "Output directory", message: a.cfg.OutputDir}
	if err := os.MkdirAll(a.cfg.OutputDir, 0o755); err != nil {
		step.status, step.err = stepFailed, err
		return step
	}
	f, err := os.CreateTemp(a.cfg.OutputDir, ".sdstage-check-*")
	if err != nil {
		step.status, step.err = stepFailed, fmt.Errorf("not writable: %w", err)
		return step
	}
	f.Close()
	os.Remove(f.Name())
	step.status = stepPassed
	return step
}

func checkModels(_ context.Context, a *app) checkStep {
	sd := a.cfg.SD
	step := checkStep{name: "Model files"}
	if sd.ModelPath == "" {
		step.status, step.message = stepWarning, "SD_MODEL_PATH is not set; pass --model to image and video"
		return step
	}
	files := append([]string{sd.ModelPath}, sd.ContextParams().AuxPaths()...)
	var total int64
	for _, path := range files {
		fi, err := os.Stat(path)
		if err != nil {
			step.status, step.err = stepFailed, err
			return step
		}
		total += fi.Size()
		if sd.VerifyChecksums {
			if err := sdruntime.VerifyModelChecksum(path); err != nil {
				step.status, step.err = stepFailed, err
				return step
			}
		}
	}
	step.status = stepPassed
	step.message = fmt.Sprintf("%d file(s), %s", len(files), core.FormatBytes(total))
	if sd.VerifyChecksums {
		step.message += ", checksums verified"
	}
	return step
}

func checkStage(_ context.Context, a *app) checkStep {
	p := a.cfg.SD.ContextParams()
	if p.ModelPath == "" {
		return checkStep{name: "Stage", status: stepSkipped, message: "no model configured"}
	}
	stage := sdruntime.SelectStage(p, sdruntime.StageAuto)
	msg := fmt.Sprintf("%s loads as %s", filepath.Base(p.ModelPath), stage)
	if stage == sdruntime.StageEncoderOnly {
		msg += fmt.Sprintf(" (%s)", sdruntime.DetectEncoderVariant(p.ModelPath))
	}
	return checkStep{name: "Stage", status: stepPassed, message: msg}
}

func checkEngine(_ context.Context, a *app) checkStep {
	a.runtime()
	return checkStep{name: "Engine", status: stepPassed, message: sdruntime.EngineName + ": " + a.loader.Engine().SystemInfo()}
}

func checkDevice(ctx context.Context, a *app) checkStep {
	d, err := metrics.NvidiaSMI{Timeout: 5 * time.Second}.ReadDevice(ctx)
	if err != nil {
		return checkStep{name: "GPU", status: stepWarning, message: "nvidia-smi unavailable; generation may run on the CPU"}
	}
	a.store.ObserveDevice(d)
	return checkStep{name: "GPU", status: stepPassed,
		message: fmt.Sprintf("%s free of %s", core.FormatBytes(d.Free()), core.FormatBytes(d.Total))}
}
