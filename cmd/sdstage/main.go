// Command sdstage runs staged text-to-image and text-to-video generation on
// a local stable-diffusion.cpp engine. The text encoder and the denoiser can
// be loaded one at a time; conditioning from the first stage is kept in a
// local SQLite store and reused by later runs.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"sdstage/core"
	"sdstage/sdruntime"
	"sdstage/shutdown"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// usageError marks bad flags and arguments.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func usagef(format string, args ...any) error {
	return usageError{fmt.Errorf(format, args...)}
}

// usageArgs wraps a cobra argument validator so its failures exit as usage
// errors.
func usageArgs(fn cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := fn(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}

// cli carries state shared by the command tree for one invocation.
type cli struct {
	flags  globalFlags
	stdout io.Writer
	stderr io.Writer
	app    *app
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "sdstage",
		Short: "Staged image and video generation with stable-diffusion.cpp",
		Long: `sdstage drives a local stable-diffusion.cpp engine.

On devices that cannot hold the text encoder and the denoiser at once, run
the encoder alone first (--encoder, or the precompute command). Its
conditioning is stored locally and handed to the full model afterwards.

Engine settings come from SD_* variables (see .env), application settings
from SDSTAGE_* variables or a YAML file given by --config.`,
		Version:       core.GetVersionInfo(sdruntime.EngineName),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if c.flags.noColor {
				color.NoColor = true
			}
			a, err := newApp(cmd, c.flags, c.stdout, c.stderr)
			if err != nil {
				return err
			}
			c.app = a
			return nil
		},
	}
	root.SetVersionTemplate("sdstage {{.Version}}\n")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})
	c.flags.bind(root.PersistentFlags())

	root.AddCommand(
		c.imageCmd(),
		c.videoCmd(),
		c.precomputeCmd(),
		c.payloadsCmd(),
		c.historyCmd(),
		c.pruneCmd(),
		c.infoCmd(),
		c.checkCmd(),
	)
	return root
}

// run executes one invocation and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	c := &cli{stdout: stdout, stderr: stderr}
	root := c.rootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	if c.app != nil {
		if cerr := c.app.close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return c.report(err)
}

// report prints err and maps it to an exit code.
func (c *cli) report(err error) int {
	var sig os.Signal
	if c.app != nil {
		sig = c.app.manager.Signal()
	}

	switch {
	case err == nil && sig == nil:
		return core.ExitCodeSuccess
	case sig != nil:
		color.New(color.FgYellow).Fprintf(c.stderr, "interrupted by %s\n", sig)
		return shutdown.SignalExitCode(sig)
	case sdruntime.IsCancelled(err):
		color.New(color.FgYellow).Fprintln(c.stderr, "cancelled")
		return core.ExitCodeFor(err)
	}

	color.New(color.FgRed, color.Bold).Fprint(c.stderr, "error: ")
	fmt.Fprintln(c.stderr, err)
	var ue usageError
	if errors.As(err, &ue) {
		fmt.Fprintln(c.stderr, "Run 'sdstage --help' for usage.")
		return core.ExitCodeUsage
	}
	return core.ExitCodeFor(err)
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}
