package main

import (
	"context"
	"time"

	"sdstage/metrics"
	"sdstage/sdruntime"
	"sdstage/shutdown"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// deviceInterval is how often --device-stats polls nvidia-smi.
const deviceInterval = time.Second

// generation is one image or video call prepared by a command.
type generation struct {
	kind   string
	prompt string
	shape  requestShape
	call   func(ctx context.Context, rt *sdruntime.Runtime, session string, cond *sdruntime.Conditioning) (*sdruntime.Result, error)
}

func (c *cli) imageCmd() *cobra.Command {
	var f genFlags
	cmd := &cobra.Command{
		Use:   "image [prompt]",
		Short: "Generate a still image",
		Example: `  sdstage image "a lighthouse at dusk" -m sd-v1-5.gguf --steps 30
  sdstage image "a lighthouse at dusk" -m flux.gguf --encoder t5xxl.gguf
  sdstage image "watercolor" -m sd-v1-5.gguf --init-image photo.png --strength 0.6`,
		Args: usageArgs(cobra.ArbitraryArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := c.app
			prompt, err := f.promptText(args)
			if err != nil {
				return err
			}
			req := a.cfg.SD.ImageRequest(prompt)
			s, err := f.shape(cmd, imageShape(req))
			if err != nil {
				return err
			}
			s.applyImage(&req)
			if f.initImage != "" {
				if req.InitImage, err = loadInitImage(f.initImage); err != nil {
					return err
				}
			}
			return a.generate(cmd, &f, generation{
				kind:   "image",
				prompt: prompt,
				shape:  s,
				call: func(ctx context.Context, rt *sdruntime.Runtime, id string, cond *sdruntime.Conditioning) (*sdruntime.Result, error) {
					return rt.Image(ctx, id, req, cond)
				},
			})
		},
	}
	f.bindGenerate(cmd)
	return cmd
}

func (c *cli) videoCmd() *cobra.Command {
	var f genFlags
	cmd := &cobra.Command{
		Use:   "video [prompt]",
		Short: "Generate a clip as numbered PNG frames",
		Example: `  sdstage video "waves rolling in" -m wan2.1-t2v.gguf --encoder umt5-xxl.gguf --frames 33
  sdstage video "waves rolling in" -m wan2.1-t2v.gguf --payload 6f1c...`,
		Args: usageArgs(cobra.ArbitraryArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := c.app
			prompt, err := f.promptText(args)
			if err != nil {
				return err
			}
			req := a.cfg.SD.VideoRequest(prompt)
			s, err := f.shape(cmd, videoShape(req))
			if err != nil {
				return err
			}
			s.applyVideo(&req)
			if cmd.Flags().Changed("frames") {
				if f.frames < 1 || f.frames > sdruntime.MaxFrames {
					return usagef("--frames %d out of range 1..%d", f.frames, sdruntime.MaxFrames)
				}
				req.Frames = f.frames
			}
			if f.initImage != "" {
				if req.InitImage, err = loadInitImage(f.initImage); err != nil {
					return err
				}
			}
			return a.generate(cmd, &f, generation{
				kind:   "video",
				prompt: prompt,
				shape:  s,
				call: func(ctx context.Context, rt *sdruntime.Runtime, id string, cond *sdruntime.Conditioning) (*sdruntime.Result, error) {
					return rt.Video(ctx, id, req, cond)
				},
			})
		},
	}
	f.bindGenerate(cmd)
	cmd.Flags().IntVar(&f.frames, "frames", 0, "number of frames (default $SD_VIDEO_FRAMES)")
	return cmd
}

// generate resolves conditioning, loads the full model, runs g and writes
// the frames.
func (a *app) generate(cmd *cobra.Command, f *genFlags, g generation) error {
	model := firstNonEmpty(f.model, a.cfg.SD.ModelPath)
	if model == "" {
		return usagef("no model: set --model or SD_MODEL_PATH")
	}

	// The encoder stage runs and is released before the full model loads.
	src, err := a.conditioning(cmd, f, g.prompt, g.shape)
	if err != nil {
		return err
	}

	params := a.cfg.SD.ContextParams()
	params.ModelPath = model
	rt := a.runtime()
	id, err := rt.Open(params, sdruntime.StageFull)
	if err != nil {
		return err
	}
	defer rt.Close(id)
	a.annotate(id, callMeta{model: model, prompt: g.prompt, payloadID: src.payloadID, staged: src.cond != nil})

	outDir := firstNonEmpty(f.outDir, a.cfg.OutputDir)
	a.manager.Register("partial-outputs", shutdown.PriorityFiles, shutdown.RemovePartialOutputs(a.logger.Zap(), outDir))

	var progress *progressPrinter
	if !f.noProgress {
		progress = newProgressPrinter(a.stderr, g.kind)
		if err := rt.SetProgressListener(id, progress.update, nil); err != nil {
			return err
		}
	}
	var sampler *metrics.PeakSampler
	if f.deviceStats {
		sampler = metrics.StartPeakSampler(a.manager.Context(), metrics.NvidiaSMI{}, deviceInterval, a.store.ObserveDevice)
	}

	var res *sdruntime.Result
	err = a.run(g.kind, func(ctx context.Context) error {
		r, err := g.call(ctx, rt, id, src.cond)
		res = r
		return err
	})
	if progress != nil {
		progress.done()
	}
	var (
		peak    metrics.DeviceMemory
		samples int
	)
	if sampler != nil {
		var serr error
		if peak, samples, serr = sampler.Stop(); serr != nil {
			a.logger.Warn("device sampling failed", zap.Error(serr))
		}
	}
	if err != nil {
		return err
	}

	name := f.name
	if name == "" {
		name = defaultName(g.kind, time.Now(), res.Seed)
	}
	paths, err := writeFrames(a.manager.Context(), outDir, name, res.Frames)
	if err != nil {
		return err
	}
	printResult(a.stdout, g.kind, g.shape, res, src, paths)
	if samples > 0 {
		printDevice(a.stdout, peak)
	}
	return nil
}
