package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/reprozip/reprozip/internal/cli"
)

// version is stamped at release time via ldflags; default stays dev for local builds.
var version = "0.0.0-dev"

func main() {
	os.Exit(run(cli.NewApp("reprozip", version), os.Args[1:]))
}

func run(app *cli.App, args []string) int {
	return app.Execute(newRootCommand(app), args)
}

func newRootCommand(app *cli.App) *cobra.Command {
	root := &cobra.Command{
		Use:   "reprozip",
		Short: "Trace an experiment and pack it with everything it needs",
		Long: "reprozip records the files, programs and environment an experiment uses,\n" +
			"then packs them into a bundle that reprounzip can run on another machine.",
	}
	app.Bind(root)
	root.AddCommand(
		newTraceCommand(app),
		newTestrunCommand(app),
		newResetCommand(app),
		newPackCommand(app),
		newGraphCommand(app),
	)
	return root
}
