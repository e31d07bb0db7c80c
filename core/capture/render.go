package capture

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/reprozip/reprozip/core/config"
	coreerrors "github.com/reprozip/reprozip/core/errors"
	"github.com/reprozip/reprozip/core/graph"
)

// Render writes the provenance graph of a trace database in DOT format.
// Files are grouped by the packages recorded in configuration, if any.
func Render(ctx context.Context, w io.Writer, dbPath string, configuration *config.Configuration, options Options) error {
	g, err := LoadGraph(ctx, dbPath, options)
	if err != nil {
		return err
	}
	var owners map[string]graph.PackageRef
	if configuration != nil {
		owners = configuration.Owners()
	}
	if err := graph.WriteDOT(w, g, owners); err != nil {
		return coreerrors.Wrap(fmt.Errorf("write graph: %w", err), coreerrors.CategoryIOFailure, "graph_write_failed", "")
	}
	return nil
}

// TestRun traces the command into a throwaway directory and prints its
// process tree and network connections to w. Nothing is kept.
func TestRun(ctx context.Context, options TraceOptions, w io.Writer) (TraceResult, error) {
	dir, err := os.MkdirTemp("", "reprozip-testrun-")
	if err != nil {
		return TraceResult{}, coreerrors.Wrap(fmt.Errorf("create temporary trace directory: %w", err), coreerrors.CategoryIOFailure, "trace_dir_failed", "")
	}
	defer func() {
		_ = os.RemoveAll(dir)
	}()
	options.Dir = dir
	options.Continue = true
	options.IdentifyPackages = false
	options.Identifier = nil

	result, err := Trace(ctx, options)
	if err != nil {
		return TraceResult{}, err
	}
	g, err := LoadGraph(ctx, DatabasePath(dir), options.Options)
	if err != nil {
		return TraceResult{}, err
	}
	if err := graph.WriteTree(w, g); err != nil {
		return TraceResult{}, coreerrors.Wrap(fmt.Errorf("write process tree: %w", err), coreerrors.CategoryIOFailure, "graph_write_failed", "")
	}
	result.ConfigPath = ""
	return result, nil
}
