package main

import (
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/reprozip/reprozip/core/bundle"
	"github.com/reprozip/reprozip/core/capture"
	"github.com/reprozip/reprozip/core/config"
	coreerrors "github.com/reprozip/reprozip/core/errors"
	"github.com/reprozip/reprozip/core/sign"
	"github.com/reprozip/reprozip/internal/cli"
)

func newPackCommand(app *cli.App) *cobra.Command {
	var (
		dir     string
		signKey string
	)
	cmd := &cobra.Command{
		Use:   "pack [output.rpz]",
		Short: "Pack the traced experiment into a bundle",
		Args:  cli.Args(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := app.Project()
			if err != nil {
				return err
			}
			output := "experiment.rpz"
			if len(args) == 1 {
				output = args[0]
			}
			keyPath := signKey
			if keyPath == "" {
				keyPath = project.Pack.SigningKey
			}
			keys, signing, err := sign.LoadSigningKey(keyPath)
			if err != nil {
				return coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, "signing_key_invalid", "pass a base64 ed25519 private key")
			}
			options := bundle.PackOptions{
				TraceDir:         project.TraceDir(dir),
				Output:           output,
				CompressionLevel: project.CompressionLevel(),
				Workers:          project.Pack.Workers,
				ProducerVersion:  version,
			}
			if signing {
				options.SigningKey = keys.Private
			}
			result, err := bundle.Pack(app.Context(cmd), options)
			if err != nil {
				return err
			}
			return app.Emit(result, func(w io.Writer) error {
				fmt.Fprintf(w, "Packed %d paths (%s) into %s\n", result.Files, humanize.Bytes(uint64(result.Bytes)), result.Path)
				if result.Signed {
					fmt.Fprintln(w, "Manifest signed")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&dir, "dir", "d", "", "trace directory")
	cmd.Flags().StringVar(&signKey, "sign-key", "", "base64 ed25519 private key used to sign the manifest")
	return cmd
}

func newGraphCommand(app *cli.App) *cobra.Command {
	var (
		dir      string
		allForks bool
	)
	cmd := &cobra.Command{
		Use:   "graph <out.dot>",
		Short: "Write the provenance graph of the trace in GraphViz format",
		Args:  cli.Args(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := app.Project()
			if err != nil {
				return err
			}
			options := capture.Options{Dir: project.TraceDir(dir), Ignore: project.Trace.Ignore, AllForks: allForks}
			var configuration *config.Configuration
			if _, err := os.Stat(capture.ConfigPath(options.Dir)); err == nil {
				if configuration, err = config.Load(capture.ConfigPath(options.Dir)); err != nil {
					return err
				}
			}
			ctx := app.Context(cmd)
			if err := app.WriteOutput(args[0], func(w io.Writer) error {
				return capture.Render(ctx, w, capture.DatabasePath(options.Dir), configuration, options)
			}); err != nil {
				return err
			}
			return app.Emit(map[string]string{"path": args[0]}, nil)
		},
	}
	cmd.Flags().StringVarP(&dir, "dir", "d", "", "trace directory")
	cmd.Flags().BoolVar(&allForks, "all-forks", false, "show every forked process, not only those that exec")
	return cmd
}
