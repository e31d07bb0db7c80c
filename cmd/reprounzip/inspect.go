package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/reprozip/reprozip/core/bundle"
	"github.com/reprozip/reprozip/core/capture"
	coreerrors "github.com/reprozip/reprozip/core/errors"
	"github.com/reprozip/reprozip/core/packinfo"
	"github.com/reprozip/reprozip/core/sign"
	"github.com/reprozip/reprozip/internal/cli"
)

func newInfoCommand(app *cli.App) *cobra.Command {
	return &cobra.Command{
		Use:   "info <bundle>",
		Short: "Describe a bundle and which unpackers can run it here",
		Args:  cli.Args(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := packinfo.Info(app.Context(cmd), args[0], packinfo.CurrentMachine())
			if err != nil {
				return err
			}
			return app.Emit(report, func(w io.Writer) error {
				return packinfo.WriteInfo(w, report)
			})
		},
	}
}

func newShowFilesCommand(app *cli.App) *cobra.Command {
	return &cobra.Command{
		Use:   "showfiles <bundle|target>",
		Short: "List the named input and output files",
		Args:  cli.Args(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := packinfo.ShowFiles(app.Context(cmd), args[0])
			if err != nil {
				return err
			}
			return app.Emit(files, func(w io.Writer) error {
				return packinfo.WriteShowFiles(w, files)
			})
		},
	}
}

func newVerifyCommand(app *cli.App) *cobra.Command {
	var (
		publicKey        string
		requireSignature bool
	)
	cmd := &cobra.Command{
		Use:   "verify <bundle>",
		Short: "Check every packed file against the bundle manifest",
		Args:  cli.Args(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			options := bundle.VerifyOptions{RequireSignature: requireSignature}
			if publicKey != "" || os.Getenv(sign.EnvPublicKey) != "" {
				key, err := sign.LoadVerifyKey(publicKey)
				if err != nil {
					return coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, "public_key_invalid", "pass a base64 ed25519 public key")
				}
				options.PublicKey = key
			}
			result, err := bundle.Verify(app.Context(cmd), args[0], options)
			if err != nil {
				return err
			}
			if !result.OK() {
				failure := coreerrors.New(coreerrors.CategoryVerification, "bundle_verify_failed", "the bundle may be damaged or tampered with; pack it again",
					"%s failed verification", args[0])
				if app.JSON {
					return app.Fail(result, failure)
				}
				writeVerifyProblems(app.Stdout, result)
				return failure
			}
			return app.Emit(result, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%s: %d files verified, signature %s\n", args[0], result.FilesChecked, result.SignatureStatus)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&publicKey, "public-key", "", "base64 ed25519 public key to check the signature with")
	cmd.Flags().BoolVar(&requireSignature, "require-signature", false, "fail when the manifest is not signed")
	return cmd
}

func writeVerifyProblems(w io.Writer, result bundle.VerifyResult) {
	for _, path := range result.MissingFiles {
		fmt.Fprintf(w, "missing: %s\n", path)
	}
	for _, path := range result.UnexpectedFiles {
		fmt.Fprintf(w, "unexpected: %s\n", path)
	}
	for _, mismatch := range result.HashMismatches {
		fmt.Fprintf(w, "hash mismatch: %s (expected %s, got %s)\n", mismatch.Path, mismatch.Expected, mismatch.Actual)
	}
	for _, problem := range result.SignatureErrors {
		fmt.Fprintf(w, "signature: %s\n", problem)
	}
	if result.SignatureStatus == "failed" && len(result.SignatureErrors) == 0 {
		fmt.Fprintln(w, "signature: failed")
	}
}

func newGraphCommand(app *cli.App) *cobra.Command {
	var allForks bool
	cmd := &cobra.Command{
		Use:   "graph <out.dot> <bundle>",
		Short: "Write the provenance graph stored in a bundle in GraphViz format",
		Args:  cli.Args(cobra.ExactArgs(2)),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := app.Context(cmd)
			scratch, err := os.MkdirTemp("", "reprounzip-graph-")
			if err != nil {
				return coreerrors.Wrap(fmt.Errorf("create temporary directory: %w", err), coreerrors.CategoryIOFailure, "graph_write_failed", "")
			}
			defer func() {
				_ = os.RemoveAll(scratch)
			}()
			dbPath := capture.DatabasePath(scratch)
			metadata, err := bundle.ReadMetadata(ctx, args[1], dbPath)
			if err != nil {
				return err
			}
			// Paths in the trace belong to the packing machine, so nothing
			// is resolved against this one.
			emptyRoot := filepath.Join(scratch, "root")
			if err := os.Mkdir(emptyRoot, 0o750); err != nil {
				return coreerrors.Wrap(err, coreerrors.CategoryIOFailure, "graph_write_failed", "")
			}
			options := capture.Options{Dir: scratch, Root: emptyRoot, AllForks: allForks}
			if err := app.WriteOutput(args[0], func(w io.Writer) error {
				return capture.Render(ctx, w, dbPath, metadata.Config, options)
			}); err != nil {
				return err
			}
			return app.Emit(map[string]string{"path": args[0]}, nil)
		},
	}
	cmd.Flags().BoolVar(&allForks, "all-forks", false, "show every forked process, not only those that exec")
	return cmd
}
