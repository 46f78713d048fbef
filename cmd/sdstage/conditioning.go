package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"sdstage/core"
	"sdstage/db"
	"sdstage/sdruntime"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Export file suffixes for Tensor Raw payloads.
const (
	condSuffix   = ".cond.tr"
	uncondSuffix = ".uncond.tr"
)

// condSource is the conditioning chosen for a generation.
type condSource struct {
	cond      *sdruntime.Conditioning
	payloadID string
	reused    bool
}

func conditionRequest(cmd *cobra.Command, prompt string, s requestShape) sdruntime.ConditionRequest {
	req := sdruntime.ConditionRequest{
		Prompt:   prompt,
		Width:    s.Width,
		Height:   s.Height,
		ClipSkip: s.ClipSkip,
	}
	if s.Negative != "" || cmd.Flags().Changed("negative") {
		neg := s.Negative
		req.NegativePrompt = &neg
	}
	return req
}

// conditioning resolves --payload or --encoder. The zero condSource means
// the full model encodes the prompt itself.
func (a *app) conditioning(cmd *cobra.Command, f *genFlags, prompt string, s requestShape) (condSource, error) {
	ctx := a.manager.Context()
	switch {
	case f.payloadID != "":
		sp, err := a.repo.GetPayload(ctx, f.payloadID)
		if errors.Is(err, db.ErrNotFound) {
			return condSource{}, usagef("no stored payload %s", f.payloadID)
		}
		if err != nil {
			return condSource{}, err
		}
		if sp.Key.Width != s.Width || sp.Key.Height != s.Height {
			a.logger.Warn("payload was computed for a different size",
				zap.String("payload", sp.ID),
				zap.Int("payload_width", sp.Key.Width), zap.Int("payload_height", sp.Key.Height),
				zap.Int("width", s.Width), zap.Int("height", s.Height))
		}
		return condSource{cond: sp.Conditioning, payloadID: sp.ID, reused: true}, nil

	case f.encoder != "":
		return a.precompute(f.encoder, conditionRequest(cmd, prompt, s), f.recompute)
	}
	return condSource{}, nil
}

// precompute runs the encoder-only stage for req, or returns the stored
// payload for the same key unless force is set. The encoder session is
// destroyed before returning so the full model can take its memory.
func (a *app) precompute(model string, req sdruntime.ConditionRequest, force bool) (condSource, error) {
	ctx := a.manager.Context()
	key := db.KeyFor(model, req)
	if !force {
		sp, err := a.repo.FindPayload(ctx, key)
		switch {
		case err == nil:
			a.logger.Info("reusing stored conditioning", zap.String("payload", sp.ID))
			return condSource{cond: sp.Conditioning, payloadID: sp.ID, reused: true}, nil
		case !errors.Is(err, db.ErrNotFound):
			return condSource{}, err
		}
	}

	rt := a.runtime()
	id, err := rt.Open(sdruntime.ContextParams{ModelPath: model}, sdruntime.StageEncoderOnly)
	if err != nil {
		return condSource{}, err
	}
	defer rt.Close(id)
	a.annotate(id, callMeta{model: model, prompt: req.Prompt})

	var cond *sdruntime.Conditioning
	err = a.run("precompute", func(context.Context) error {
		c, err := rt.Precompute(id, req)
		cond = c
		return err
	})
	if err != nil {
		return condSource{}, err
	}

	payloadID, err := a.repo.SavePayload(ctx, key, cond)
	if err != nil {
		return condSource{}, fmt.Errorf("store conditioning: %w", err)
	}
	return condSource{cond: cond, payloadID: payloadID}, nil
}

func (c *cli) precomputeCmd() *cobra.Command {
	var (
		f      genFlags
		model  string
		force  bool
		export string
	)
	cmd := &cobra.Command{
		Use:   "precompute [prompt]",
		Short: "Encode a prompt with the text encoder alone and store the result",
		Long: `Loads only the text encoder, encodes the prompt and stores the
conditioning. Pass the printed ID to image or video with --payload, or use
--encoder there to do both steps in one run.`,
		Args: usageArgs(cobra.ArbitraryArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := c.app
			prompt, err := f.promptText(args)
			if err != nil {
				return err
			}
			if model == "" {
				model = firstNonEmpty(a.cfg.SD.T5XXLPath, a.cfg.SD.ModelPath)
			}
			if model == "" {
				return usagef("no encoder model: set --model, SD_T5XXL_PATH or SD_MODEL_PATH")
			}
			base := requestShape{
				Width: a.cfg.SD.ImageSize, Height: a.cfg.SD.ImageSize,
				ClipSkip: a.cfg.SD.ClipSkip, Negative: a.cfg.SD.NegativePrompt,
			}
			s, err := f.shape(cmd, base)
			if err != nil {
				return err
			}

			src, err := a.precompute(model, conditionRequest(cmd, prompt, s), force)
			if err != nil {
				return err
			}
			printConditioning(a.stdout, src)
			if export != "" {
				paths, err := exportConditioning(export, src.cond)
				if err != nil {
					return err
				}
				printPaths(a.stdout, paths)
			}
			return nil
		},
	}
	f.bindPrompt(cmd)
	cmd.Flags().StringVarP(&model, "model", "m", "", "text encoder file (default $SD_T5XXL_PATH, then $SD_MODEL_PATH)")
	cmd.Flags().BoolVar(&force, "force", false, "encode even when a stored payload matches")
	cmd.Flags().StringVar(&export, "export", "", "also write Tensor Raw files with this path prefix")
	return cmd
}

func printConditioning(w io.Writer, src condSource) {
	verb := "stored"
	if src.reused {
		verb = "reused"
	}
	color.New(color.FgGreen).Fprintf(w, "✓ conditioning %s ", verb)
	fmt.Fprintln(w, src.payloadID)
	dim := color.New(color.FgHiBlack)
	dim.Fprintf(w, "    cond   %s\n", payloadSummary(src.cond.Cond))
	if src.cond.Uncond != nil {
		dim.Fprintf(w, "    uncond %s\n", payloadSummary(src.cond.Uncond))
	}
}

func payloadSummary(p *sdruntime.Payload) string {
	if p == nil {
		return "absent"
	}
	b, err := p.MarshalBinary()
	if err != nil {
		return "invalid: " + err.Error()
	}
	return core.FormatBytes(int64(len(b)))
}

// exportConditioning writes the payloads of cond next to prefix.
func exportConditioning(prefix string, cond *sdruntime.Conditioning) ([]string, error) {
	var paths []string
	write := func(p *sdruntime.Payload, suffix string) error {
		if p == nil {
			return nil
		}
		data, err := p.MarshalBinary()
		if err != nil {
			return err
		}
		path := prefix + suffix
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("export payload: %w", err)
		}
		paths = append(paths, path)
		return nil
	}
	if err := write(cond.Cond, condSuffix); err != nil {
		return nil, err
	}
	if err := write(cond.Uncond, uncondSuffix); err != nil {
		return nil, err
	}
	return paths, nil
}

// importConditioning reads files written by exportConditioning. A missing
// uncond file leaves Uncond nil.
func importConditioning(prefix string) (*sdruntime.Conditioning, error) {
	read := func(path string) (*sdruntime.Payload, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		p := &sdruntime.Payload{}
		if err := p.UnmarshalBinary(data); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return p, nil
	}
	cond, err := read(prefix + condSuffix)
	if err != nil {
		return nil, err
	}
	out := &sdruntime.Conditioning{Cond: cond}
	uncond, err := read(prefix + uncondSuffix)
	switch {
	case err == nil:
		out.Uncond = uncond
	case !errors.Is(err, os.ErrNotExist):
		return nil, err
	}
	return out, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
