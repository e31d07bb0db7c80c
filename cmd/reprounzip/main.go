package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/reprozip/reprozip/core/unpack"
	"github.com/reprozip/reprozip/internal/cli"
)

// version is stamped at release time via ldflags; default stays dev for local builds.
var version = "0.0.0-dev"

func main() {
	os.Exit(run(cli.NewApp("reprounzip", version), os.Args[1:]))
}

func run(app *cli.App, args []string) int {
	return app.Execute(newRootCommand(app), args)
}

func newRootCommand(app *cli.App) *cobra.Command {
	root := &cobra.Command{
		Use:   "reprounzip",
		Short: "Inspect, unpack and re-run bundles made by reprozip",
	}
	app.Bind(root)
	root.AddCommand(
		newInfoCommand(app),
		newShowFilesCommand(app),
		newVerifyCommand(app),
		newGraphCommand(app),
		newInstallPackagesCommand(app),
		newUnpackCommand(app),
		newUnpackerCommand(app, unpack.KindDirectory, "Unpack into a plain directory and run on the host"),
		newUnpackerCommand(app, unpack.KindChroot, "Unpack into a directory and run inside a chroot"),
	)
	return root
}
