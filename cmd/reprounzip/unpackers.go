package main

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	coreerrors "github.com/reprozip/reprozip/core/errors"
	"github.com/reprozip/reprozip/core/packinfo"
	"github.com/reprozip/reprozip/core/unpack"
	"github.com/reprozip/reprozip/internal/cli"
)

// newUnpackerCommand builds the command group of one unpacker. Both share
// setup, run, upload, download and destroy; chroot adds mount and unmount.
func newUnpackerCommand(app *cli.App, kind unpack.Kind, short string) *cobra.Command {
	group := &cobra.Command{
		Use:   string(kind),
		Short: short,
		Args:  cli.Args(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	group.AddCommand(
		newSetupCommand(app, kind),
		newRunCommand(app, kind),
		newUploadCommand(app, kind),
		newDownloadCommand(app, kind),
		newDestroyCommand(app, kind),
	)
	if kind == unpack.KindChroot {
		group.AddCommand(newMountCommand(app), newUnmountCommand(app))
	}
	return group
}

func newSetupCommand(app *cli.App, kind unpack.Kind) *cobra.Command {
	var preserveOwner bool
	cmd := &cobra.Command{
		Use:   "setup <bundle> <target>",
		Short: "Unpack a bundle into a new target directory",
		Args:  cli.Args(cobra.ExactArgs(2)),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := setup(app, cmd, kind, args[0], args[1], preserveOwner)
			if err != nil {
				return err
			}
			return app.Emit(result, func(w io.Writer) error {
				return writeSetup(w, result)
			})
		},
	}
	if kind == unpack.KindChroot {
		cmd.Flags().BoolVar(&preserveOwner, "preserve-owner", false, "give files their recorded owner (needs root)")
	}
	return cmd
}

func setup(app *cli.App, cmd *cobra.Command, kind unpack.Kind, bundlePath, target string, preserveOwner bool) (unpack.SetupResult, error) {
	return unpack.Setup(app.Context(cmd), unpack.SetupOptions{
		Bundle:          bundlePath,
		Target:          target,
		Kind:            kind,
		RestoreOwner:    preserveOwner,
		ProducerVersion: version,
	})
}

func writeSetup(w io.Writer, result unpack.SetupResult) error {
	fmt.Fprintf(w, "Experiment set up in %s: %s files, %s\n", result.Target, humanize.Comma(int64(result.Files)), humanize.Bytes(uint64(result.Bytes)))
	if result.HostFiles > 0 {
		fmt.Fprintf(w, "Copied %s files from the host\n", humanize.Comma(int64(result.HostFiles)))
	}
	for _, missing := range result.MissingHostFiles {
		fmt.Fprintf(w, "Missing on this host: %s\n", missing)
	}
	return nil
}

type runFlags struct {
	runs []int
}

func (f *runFlags) bind(cmd *cobra.Command) {
	cmd.Flags().IntSliceVar(&f.runs, "run", nil, "run index to execute (repeatable, default all)")
}

// options splits args at "--": what comes after replaces the recorded
// command line.
func (f *runFlags) options(app *cli.App, cmd *cobra.Command, args []string, positional int) ([]string, unpack.RunOptions, error) {
	var cmdline []string
	if dash := cmd.ArgsLenAtDash(); dash >= 0 {
		args, cmdline = args[:dash], args[dash:]
	}
	if len(args) != positional {
		return nil, unpack.RunOptions{}, coreerrors.New(coreerrors.CategoryInvalidInput, "invalid_arguments", "see "+cmd.CommandPath()+" --help",
			"expected %d argument(s) before --, got %d", positional, len(args))
	}
	stdout := app.Stdout
	if app.JSON {
		stdout = app.Stderr
	}
	return args, unpack.RunOptions{Runs: f.runs, Cmdline: cmdline, Stdin: app.Stdin, Stdout: stdout, Stderr: app.Stderr}, nil
}

func newRunCommand(app *cli.App, kind unpack.Kind) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run <target> [--run N] [-- command args...]",
		Short: "Run the unpacked experiment",
		Args:  cli.Args(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			args, options, err := flags.options(app, cmd, args, 1)
			if err != nil {
				return err
			}
			result, err := unpack.Run(app.Context(cmd), args[0], kind, options)
			if err != nil {
				return err
			}
			return app.Emit(result, nil)
		},
	}
	flags.bind(cmd)
	return cmd
}

func newUnpackCommand(app *cli.App) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "unpack <bundle> <target> [--run N] [-- command args...]",
		Short: "Set up a directory target and run the experiment in it",
		Args:  cli.Args(cobra.MinimumNArgs(2)),
		RunE: func(cmd *cobra.Command, args []string) error {
			args, options, err := flags.options(app, cmd, args, 2)
			if err != nil {
				return err
			}
			setupResult, err := setup(app, cmd, unpack.KindDirectory, args[0], args[1], false)
			if err != nil {
				return err
			}
			if !app.JSON {
				if err := writeSetup(app.Stdout, setupResult); err != nil {
					return err
				}
			}
			runResult, err := unpack.Run(app.Context(cmd), args[1], unpack.KindDirectory, options)
			output := map[string]any{"setup": setupResult, "run": runResult}
			if err != nil {
				return app.Fail(output, err)
			}
			return app.Emit(output, nil)
		},
	}
	flags.bind(cmd)
	return cmd
}

func newUploadCommand(app *cli.App, kind unpack.Kind) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <target> [local_path:name | :name]...",
		Short: "Replace input files, or list them when no file is given",
		Args:  cli.Args(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := app.Context(cmd)
			if len(args) == 1 {
				return listFiles(app, cmd, kind, args[0])
			}
			results, err := unpack.Upload(ctx, args[0], kind, args[1:])
			if err != nil {
				return app.Fail(map[string]any{"uploads": results}, err)
			}
			return app.Emit(map[string]any{"uploads": results}, func(w io.Writer) error {
				for _, result := range results {
					if result.Restored {
						fmt.Fprintf(w, "Restored original %s (%s)\n", result.Name, result.Path)
					} else {
						fmt.Fprintf(w, "Uploaded %s to %s (%s)\n", result.Source, result.Name, result.Path)
					}
				}
				return nil
			})
		},
	}
}

func newDownloadCommand(app *cli.App, kind unpack.Kind) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "download <target> [name[:local_path]]...",
		Short: "Copy output files out of the target, or list them when no file is given",
		Args:  cli.Args(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := app.Context(cmd)
			specs := args[1:]
			if all {
				_, _, configuration, err := unpack.Open(args[0], kind)
				if err != nil {
					return err
				}
				specs = append(specs, unpack.OutputNames(configuration)...)
			}
			if len(specs) == 0 {
				return listFiles(app, cmd, kind, args[0])
			}
			stdout := app.Stdout
			if app.JSON {
				stdout = app.Stderr
			}
			results, err := unpack.Download(ctx, args[0], kind, specs, stdout)
			if err != nil {
				return app.Fail(map[string]any{"downloads": results}, err)
			}
			return app.Emit(map[string]any{"downloads": results}, func(w io.Writer) error {
				for _, result := range results {
					if result.Destination == "-" {
						continue
					}
					fmt.Fprintf(w, "Downloaded %s (%s) to %s\n", result.Name, humanize.Bytes(uint64(result.Bytes)), result.Destination)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "download every output file into the current directory")
	return cmd
}

func listFiles(app *cli.App, cmd *cobra.Command, kind unpack.Kind, target string) error {
	if _, _, _, err := unpack.Open(target, kind); err != nil {
		return err
	}
	files, err := packinfo.ShowFiles(app.Context(cmd), target)
	if err != nil {
		return err
	}
	return app.Emit(files, func(w io.Writer) error {
		return packinfo.WriteShowFiles(w, files)
	})
}

func newDestroyCommand(app *cli.App, kind unpack.Kind) *cobra.Command {
	var unmount bool
	cmd := &cobra.Command{
		Use:   "destroy <target>",
		Short: "Remove an unpacked target",
		Args:  cli.Args(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := unpack.Destroy(app.Context(cmd), args[0], kind, unpack.DestroyOptions{Unmount: unmount}); err != nil {
				return err
			}
			return app.Emit(map[string]string{"target": args[0]}, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Removed %s\n", args[0])
				return err
			})
		},
	}
	if kind == unpack.KindChroot {
		cmd.Flags().BoolVar(&unmount, "unmount", false, "unmount /dev and /proc first instead of refusing")
	}
	return cmd
}

func newMountCommand(app *cli.App) *cobra.Command {
	return &cobra.Command{
		Use:   "mount <target>",
		Short: "Bind-mount the host's /dev and /proc into a chroot target",
		Args:  cli.Args(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			mounted, err := unpack.Mount(app.Context(cmd), args[0])
			if err != nil {
				return app.Fail(map[string]any{"mounted": mounted}, err)
			}
			return app.Emit(map[string]any{"mounted": mounted}, func(w io.Writer) error {
				for _, source := range mounted {
					fmt.Fprintf(w, "Mounted %s\n", source)
				}
				return nil
			})
		},
	}
}

func newUnmountCommand(app *cli.App) *cobra.Command {
	return &cobra.Command{
		Use:   "unmount <target>",
		Short: "Undo chroot mount",
		Args:  cli.Args(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			unmounted, err := unpack.Unmount(app.Context(cmd), args[0])
			if err != nil {
				return app.Fail(map[string]any{"unmounted": unmounted}, err)
			}
			return app.Emit(map[string]any{"unmounted": unmounted}, func(w io.Writer) error {
				for _, source := range unmounted {
					fmt.Fprintf(w, "Unmounted %s\n", source)
				}
				return nil
			})
		},
	}
}
