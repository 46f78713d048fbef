package main

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"
	"time"

	"sdstage/core"
	"sdstage/db"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func (c *cli) historyCmd() *cobra.Command {
	var (
		limit   int
		session string
		summary bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded generation calls",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := c.app
			ctx := a.manager.Context()
			if summary {
				rows, err := a.repo.SummarizeGenerations(ctx)
				if err != nil {
					return err
				}
				return printSummary(a, rows)
			}

			var (
				recs []db.GenerationRecord
				err  error
			)
			if session != "" {
				recs, err = a.repo.GenerationsBySession(ctx, session)
			} else {
				recs, err = a.repo.RecentGenerations(ctx, limit)
			}
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Fprintln(a.stdout, "no history")
				return nil
			}
			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tKIND\tSTATUS\tMODEL\tSIZE\tFRAMES\tSTEPS\tSEED\tDURATION\tPROMPT")
			for _, r := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%dx%d\t%d\t%d\t%d\t%s\t%s\n",
					r.CreatedAt.Local().Format(time.DateTime), r.Kind, statusText(r.Status),
					filepath.Base(r.Model), r.Width, r.Height, r.Frames, r.Steps, r.Seed,
					r.Duration.Round(time.Millisecond), truncate(r.Prompt, 40))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of recent calls")
	cmd.Flags().StringVar(&session, "session", "", "show every call of one session")
	cmd.Flags().BoolVar(&summary, "summary", false, "aggregate per call kind")
	cmd.MarkFlagsMutuallyExclusive("session", "summary")
	return cmd
}

func statusText(s db.Status) string {
	switch s {
	case db.StatusSuccess:
		return color.GreenString(string(s))
	case db.StatusCancelled:
		return color.YellowString(string(s))
	default:
		return color.RedString(string(s))
	}
}

func printSummary(a *app, rows []db.KindSummary) error {
	if len(rows) == 0 {
		fmt.Fprintln(a.stdout, "no history")
		return nil
	}
	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tCALLS\tFAILED\tCANCELLED\tAVG DURATION")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\n", r.Kind, r.Calls, r.Failures, r.Cancelled, r.AvgDuration.Round(time.Millisecond))
	}
	return tw.Flush()
}

func (c *cli) pruneCmd() *cobra.Command {
	var (
		maxAge      time.Duration
		maxRows     int
		payloadIdle time.Duration
	)
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old history rows and unused payloads",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := c.app
			if !cmd.Flags().Changed("max-rows") {
				maxRows = a.cfg.HistoryLimit
			}
			if maxAge < 0 || maxRows < 0 || payloadIdle < 0 {
				return usagef("retention values must not be negative")
			}
			policy := db.RetentionPolicy{HistoryAge: maxAge, HistoryMax: maxRows, PayloadIdle: payloadIdle}
			res, err := a.repo.Prune(a.manager.Context(), policy)
			if err != nil {
				return err
			}
			color.New(color.FgGreen).Fprint(a.stdout, "✓ pruned ")
			fmt.Fprintf(a.stdout, "%d history rows, %d payloads in %s\n",
				res.GenerationsDeleted, res.PayloadsDeleted, res.Duration.Round(time.Millisecond))
			if fi, err := fileSize(a.cfg.DBPath); err == nil {
				color.New(color.FgHiBlack).Fprintf(a.stdout, "    database %s\n", core.FormatBytes(fi))
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "drop history older than this, e.g. 720h")
	cmd.Flags().IntVar(&maxRows, "max-rows", 0, "keep at most this many history rows (default $SDSTAGE_HISTORY_LIMIT)")
	cmd.Flags().DurationVar(&payloadIdle, "payload-idle", 0, "drop payloads unused for this long, e.g. 168h")
	return cmd
}
