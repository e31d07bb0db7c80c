package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/reprozip/reprozip/core/capture"
	"github.com/reprozip/reprozip/core/projectconfig"
	"github.com/reprozip/reprozip/core/trace"
	"github.com/reprozip/reprozip/internal/cli"
)

// tracer is replaced in tests.
var tracer trace.Tracer

type traceFlags struct {
	dir                 string
	continuing          bool
	overwrite           bool
	dontIdentifyPackage bool
	ignore              []string
}

func (f *traceFlags) bindDir(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.dir, "dir", "d", "", "trace directory (default "+projectconfig.DefaultTraceDir+")")
}

func (f *traceFlags) bindCapture(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.dontIdentifyPackage, "dont-identify-packages", false, "do not group files by distribution package")
	cmd.Flags().StringArrayVar(&f.ignore, "ignore", nil, "absolute path prefix to leave out (repeatable)")
}

// options merges flags with the project settings.
func (f *traceFlags) options(project projectconfig.Config) capture.Options {
	return capture.Options{
		Dir:              project.TraceDir(f.dir),
		Ignore:           append(append([]string(nil), project.Trace.Ignore...), f.ignore...),
		IdentifyPackages: project.IdentifyPackages() && !f.dontIdentifyPackage,
	}
}

func (f *traceFlags) command(app *cli.App, args []string) (trace.Command, error) {
	workingDir, err := os.Getwd()
	if err != nil {
		return trace.Command{}, fmt.Errorf("working directory: %w", err)
	}
	stdout := app.Stdout
	if app.JSON {
		stdout = app.Stderr
	}
	return trace.Command{Argv: args, Dir: workingDir, Env: os.Environ(), Stdin: app.Stdin, Stdout: stdout, Stderr: app.Stderr}, nil
}

func newTraceCommand(app *cli.App) *cobra.Command {
	flags := &traceFlags{}
	cmd := &cobra.Command{
		Use:   "trace [flags] [--] <command> [args...]",
		Short: "Run a command under the tracer and write config.yml",
		Args:  cli.Args(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := app.Project()
			if err != nil {
				return err
			}
			command, err := flags.command(app, args)
			if err != nil {
				return err
			}
			result, err := capture.Trace(app.Context(cmd), capture.TraceOptions{
				Options:     flags.options(project),
				Command:     command,
				Continue:    flags.continuing,
				Overwrite:   flags.overwrite,
				Tracer:      tracer,
				EventBuffer: project.Trace.EventBuffer,
			})
			if err != nil {
				return err
			}
			return app.Emit(result, func(w io.Writer) error {
				if result.Signal != 0 {
					fmt.Fprintf(w, "Program was killed by signal %d\n", result.Signal)
				} else if result.ExitCode != 0 {
					fmt.Fprintf(w, "Program exited with non-zero code %d\n", result.ExitCode)
				}
				_, err := fmt.Fprintf(w, "Configuration file written in %s\nEdit that file then run the packer: reprozip pack\n", result.ConfigPath)
				return err
			})
		},
	}
	cmd.Flags().SetInterspersed(false)
	flags.bindDir(cmd)
	flags.bindCapture(cmd)
	cmd.Flags().BoolVar(&flags.continuing, "continue", false, "add a run to an existing trace")
	cmd.Flags().BoolVar(&flags.overwrite, "overwrite", false, "discard an existing trace")
	cmd.MarkFlagsMutuallyExclusive("continue", "overwrite")
	return cmd
}

func newTestrunCommand(app *cli.App) *cobra.Command {
	flags := &traceFlags{}
	cmd := &cobra.Command{
		Use:   "testrun [--] <command> [args...]",
		Short: "Trace a command and print its process tree without keeping anything",
		Args:  cli.Args(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := app.Project()
			if err != nil {
				return err
			}
			command, err := flags.command(app, args)
			if err != nil {
				return err
			}
			options := flags.options(project)
			tree := app.Stdout
			if app.JSON {
				tree = app.Stderr
			}
			result, err := capture.TestRun(app.Context(cmd), capture.TraceOptions{
				Options:     options,
				Command:     command,
				Tracer:      tracer,
				EventBuffer: project.Trace.EventBuffer,
			}, tree)
			if err != nil {
				return err
			}
			return app.Emit(result, nil)
		},
	}
	cmd.Flags().SetInterspersed(false)
	flags.bindCapture(cmd)
	return cmd
}

func newResetCommand(app *cli.App) *cobra.Command {
	flags := &traceFlags{}
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Regenerate config.yml from the trace, discarding edits",
		Args:  cli.Args(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			project, err := app.Project()
			if err != nil {
				return err
			}
			options := flags.options(project)
			configuration, err := capture.Reset(app.Context(cmd), options)
			if err != nil {
				return err
			}
			output := map[string]any{"config_path": capture.ConfigPath(options.Dir), "files": len(configuration.Files)}
			return app.Emit(output, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Configuration file rewritten in %s\n", capture.ConfigPath(options.Dir))
				return err
			})
		},
	}
	flags.bindDir(cmd)
	flags.bindCapture(cmd)
	return cmd
}
