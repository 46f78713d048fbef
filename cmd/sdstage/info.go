package main

import (
	"fmt"
	"io"
	"runtime"
	"text/tabwriter"

	"sdstage/core"
	"sdstage/db"
	"sdstage/sdruntime"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func (c *cli) infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show version, engine, configuration and stored data",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := c.app
			ctx := a.manager.Context()
			a.runtime()

			w := a.stdout
			section(w, "sdstage")
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "  version\t%s\n", core.GetVersionInfo(sdruntime.EngineName))
			fmt.Fprintf(tw, "  go\t%s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
			fmt.Fprintf(tw, "  engine\t%s\n", a.loader.Engine().SystemInfo())
			tw.Flush()

			section(w, "configuration")
			sd := a.cfg.SD
			tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "  config file\t%s\n", orNone(a.cfgFile))
			fmt.Fprintf(tw, "  model\t%s\n", orNone(sd.ModelPath))
			for _, aux := range []struct{ name, path string }{
				{"vae", sd.VAEPath}, {"t5xxl", sd.T5XXLPath}, {"clip_l", sd.ClipLPath}, {"clip_g", sd.ClipGPath},
			} {
				if aux.path != "" {
					fmt.Fprintf(tw, "  %s\t%s\n", aux.name, aux.path)
				}
			}
			fmt.Fprintf(tw, "  defaults\t%dpx, %d steps, cfg %.1f, %s/%s, %d frames\n",
				sd.ImageSize, sd.InferenceSteps, sd.GuidanceScale, sd.Sampler, sd.Scheduler, sd.VideoFrames)
			fmt.Fprintf(tw, "  output dir\t%s\n", a.cfg.OutputDir)
			fmt.Fprintf(tw, "  log file\t%s\n", orNone(a.cfg.LogFile))
			fmt.Fprintf(tw, "  max frame bytes\t%s\n", core.FormatBytes(int64(a.cfg.MaxFrameBytes)))
			tw.Flush()

			section(w, "storage")
			version, _, err := db.MigrationVersion(ctx, a.cfg.DBPath)
			if err != nil {
				return err
			}
			size, _ := fileSize(a.cfg.DBPath)
			payloads, err := a.repo.ListPayloads(ctx, 1000)
			if err != nil {
				return err
			}
			var payloadBytes int64
			for _, p := range payloads {
				payloadBytes += p.SizeBytes
			}
			tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "  database\t%s (%s, schema %d)\n", a.cfg.DBPath, core.FormatBytes(size), version)
			fmt.Fprintf(tw, "  payloads\t%d (%s)\n", len(payloads), core.FormatBytes(payloadBytes))
			tw.Flush()

			rows, err := a.repo.SummarizeGenerations(ctx)
			if err != nil {
				return err
			}
			if len(rows) > 0 {
				section(w, "history")
				return printSummary(a, rows)
			}
			return nil
		},
	}
}

func section(w io.Writer, title string) {
	fmt.Fprintln(w)
	color.New(color.FgCyan, color.Bold).Fprintln(w, title)
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
