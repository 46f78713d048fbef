package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"text/tabwriter"
	"time"

	"sdstage/core"
	"sdstage/db"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func (c *cli) payloadsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "payloads",
		Aliases: []string{"payload"},
		Short:   "Manage stored conditioning payloads",
	}
	cmd.AddCommand(c.payloadsListCmd(), c.payloadsDeleteCmd(), c.payloadsExportCmd(), c.payloadsImportCmd())
	return cmd
}

func (c *cli) payloadsListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored payloads, most recently used first",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := c.app
			list, err := a.repo.ListPayloads(a.manager.Context(), limit)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Fprintln(a.stdout, "no stored payloads")
				return nil
			}
			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tMODEL\tSIZE\tCLIP SKIP\tBYTES\tLAST USED\tPROMPT")
			for _, p := range list {
				fmt.Fprintf(tw, "%s\t%s\t%dx%d\t%d\t%s\t%s\t%s\n",
					p.ID, filepath.Base(p.Key.Model), p.Key.Width, p.Key.Height, p.Key.ClipSkip,
					core.FormatBytes(p.SizeBytes), p.LastUsedAt.Local().Format(time.DateTime), truncate(p.Key.Prompt, 48))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func (c *cli) payloadsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID...",
		Short: "Delete stored payloads",
		Args:  usageArgs(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := c.app
			var errs []error
			for _, id := range args {
				err := a.repo.DeletePayload(a.manager.Context(), id)
				switch {
				case err == nil:
					color.New(color.FgGreen).Fprintf(a.stdout, "✓ deleted %s\n", id)
				case errors.Is(err, db.ErrNotFound):
					errs = append(errs, fmt.Errorf("payload %s: %w", id, err))
				default:
					return err
				}
			}
			return errors.Join(errs...)
		},
	}
}

func (c *cli) payloadsExportCmd() *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "export ID",
		Short: "Write a stored payload as Tensor Raw files",
		Long: `Writes PREFIX.cond.tr and, when present, PREFIX.uncond.tr. Each file is
one Tensor Raw payload: three length-prefixed tensor slots, little-endian.`,
		Args: usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := c.app
			sp, err := a.repo.GetPayload(a.manager.Context(), args[0])
			if err != nil {
				return err
			}
			if prefix == "" {
				prefix = sp.ID
			}
			paths, err := exportConditioning(prefix, sp.Conditioning)
			if err != nil {
				return err
			}
			printPaths(a.stdout, paths)
			return nil
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "output path prefix (default the payload ID)")
	return cmd
}

func (c *cli) payloadsImportCmd() *cobra.Command {
	var (
		f     genFlags
		model string
	)
	cmd := &cobra.Command{
		Use:   "import PREFIX [prompt]",
		Short: "Store Tensor Raw files produced elsewhere",
		Long: `Reads PREFIX.cond.tr and the optional PREFIX.uncond.tr and stores them
under the given encoder model, prompt and size so later runs find them.`,
		Args: usageArgs(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := c.app
			prompt, err := f.promptText(args[1:])
			if err != nil {
				return err
			}
			if model == "" {
				return usagef("--model is required")
			}
			cond, err := importConditioning(args[0])
			if err != nil {
				return err
			}
			base := requestShape{
				Width: a.cfg.SD.ImageSize, Height: a.cfg.SD.ImageSize,
				ClipSkip: a.cfg.SD.ClipSkip, Negative: a.cfg.SD.NegativePrompt,
			}
			s, err := f.shape(cmd, base)
			if err != nil {
				return err
			}
			req := conditionRequest(cmd, prompt, s)
			if cond.Uncond == nil {
				req.NegativePrompt = nil
			}
			id, err := a.repo.SavePayload(a.manager.Context(), db.KeyFor(model, req), cond)
			if err != nil {
				return err
			}
			printConditioning(a.stdout, condSource{cond: cond, payloadID: id})
			return nil
		},
	}
	f.bindPrompt(cmd)
	cmd.Flags().StringVarP(&model, "model", "m", "", "text encoder the payload was computed with")
	return cmd
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
