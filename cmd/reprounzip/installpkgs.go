package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/reprozip/reprozip/core/unpack"
	"github.com/reprozip/reprozip/internal/cli"
)

// packageInstaller replaces the installer picked for this machine.
var packageInstaller unpack.PackageInstaller

func newInstallPackagesCommand(app *cli.App) *cobra.Command {
	var options unpack.InstallOptions
	cmd := &cobra.Command{
		Use:   "installpkgs <bundle>",
		Short: "Install the distribution packages the experiment used on this machine",
		Args:  cli.Args(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			options.Bundle = args[0]
			options.Installer = packageInstaller
			options.Stdout = app.Stdout
			if app.JSON {
				options.Stdout = app.Stderr
			}
			options.Stderr = app.Stderr
			result, err := unpack.InstallPackages(app.Context(cmd), options)
			if err != nil {
				return err
			}
			return app.Emit(result, func(w io.Writer) error {
				return writePackageStatus(w, result)
			})
		},
	}
	cmd.Flags().BoolVarP(&options.AssumeYes, "assume-yes", "y", false, "answer yes to the package manager's questions")
	cmd.Flags().BoolVar(&options.Missing, "missing", false, "only packages whose files were not packed")
	cmd.Flags().BoolVar(&options.Summary, "summary", false, "print which packages are installed and install nothing")
	return cmd
}

func writePackageStatus(w io.Writer, result unpack.InstallResult) error {
	switch {
	case result.Installed:
		fmt.Fprintln(w, "Packages after installing:")
	case result.Missing:
		fmt.Fprintln(w, "Packages not present in pack:")
	default:
		fmt.Fprintln(w, "All packages:")
	}
	for _, pkg := range result.Packages {
		if _, err := fmt.Fprintf(w, "    %s (required version: %s, status: %s)\n", pkg.Name, pkg.RequiredVersion, pkg.Status()); err != nil {
			return err
		}
	}
	return nil
}
