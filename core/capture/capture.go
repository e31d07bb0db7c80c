package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/reprozip/reprozip/core/config"
	coreerrors "github.com/reprozip/reprozip/core/errors"
	"github.com/reprozip/reprozip/core/graph"
	"github.com/reprozip/reprozip/core/packages"
	"github.com/reprozip/reprozip/core/trace"
	"github.com/reprozip/reprozip/core/tracedb"
	"github.com/reprozip/reprozip/internal/ctxlog"
)

// Options control how a trace directory is turned into a configuration.
type Options struct {
	Dir              string
	Ignore           []string
	IdentifyPackages bool
	// Identifier overrides package detection under Root.
	Identifier packages.Identifier
	// Root is the filesystem symlinks are resolved against; empty is "/".
	Root     string
	Host     *config.Host
	AllForks bool
}

type TraceOptions struct {
	Options
	Command     trace.Command
	Continue    bool
	Overwrite   bool
	Tracer      trace.Tracer
	EventBuffer int
}

type TraceResult struct {
	RunID      int          `json:"run_id"`
	Result     trace.Result `json:"-"`
	ExitCode   int          `json:"exit_code"`
	Signal     int          `json:"signal,omitempty"`
	Events     int64        `json:"events"`
	ConfigPath string       `json:"config_path"`
	Files      int          `json:"files"`
	Inputs     int          `json:"packed_inputs"`
}

func DatabasePath(dir string) string { return filepath.Join(dir, tracedb.FileName) }
func ConfigPath(dir string) string   { return filepath.Join(dir, config.FileName) }

// Trace runs the command under the tracer, stores its events as a new run
// of the trace directory and regenerates the configuration.
func Trace(ctx context.Context, options TraceOptions) (TraceResult, error) {
	logger := ctxlog.FromContext(ctx)
	if len(options.Command.Argv) == 0 {
		return TraceResult{}, coreerrors.New(coreerrors.CategoryInvalidInput, "command_required", "pass the command after --", "no command to trace")
	}
	if err := prepareDir(options.Dir, options.Continue, options.Overwrite); err != nil {
		return TraceResult{}, err
	}
	tracer := options.Tracer
	if tracer == nil {
		tracer = trace.New()
	}

	db, err := tracedb.Open(ctx, DatabasePath(options.Dir))
	if err != nil {
		return TraceResult{}, coreerrors.Wrap(err, coreerrors.CategoryIOFailure, "trace_db_failed", "")
	}
	defer func() {
		_ = db.Close()
	}()
	runID, err := db.NextRunID(ctx)
	if err != nil {
		return TraceResult{}, coreerrors.Wrap(err, coreerrors.CategoryIOFailure, "trace_db_failed", "")
	}
	workingDir := options.Command.Dir
	if workingDir == "" {
		if workingDir, err = os.Getwd(); err != nil {
			return TraceResult{}, fmt.Errorf("working directory: %w", err)
		}
	}
	if err := db.BeginRun(ctx, tracedb.Run{ID: runID, StartedAt: time.Now(), Argv: options.Command.Argv, WorkingDir: workingDir}); err != nil {
		return TraceResult{}, coreerrors.Wrap(err, coreerrors.CategoryIOFailure, "trace_db_failed", "")
	}

	writer := db.NewWriter(tracedb.DefaultBatchSize)
	result, traceErr := trace.Record(ctx, tracer, options.Command, runID, writer, options.EventBuffer)
	// a failed trace still keeps what was recorded
	if err := writer.Flush(context.WithoutCancel(ctx)); err != nil && traceErr == nil {
		traceErr = coreerrors.Wrap(err, coreerrors.CategoryIOFailure, "trace_db_failed", "")
	}
	if traceErr != nil {
		return TraceResult{}, traceErr
	}
	if err := db.FinishRun(ctx, runID, result); err != nil {
		return TraceResult{}, coreerrors.Wrap(err, coreerrors.CategoryIOFailure, "trace_db_failed", "")
	}
	if err := db.Close(); err != nil {
		return TraceResult{}, coreerrors.Wrap(err, coreerrors.CategoryIOFailure, "trace_db_failed", "")
	}

	configuration, err := Reset(ctx, options.Options)
	if err != nil {
		return TraceResult{}, err
	}
	logger.Info("configuration written", "path", ConfigPath(options.Dir), "files", len(configuration.Files))
	return TraceResult{
		RunID:      runID,
		Result:     result,
		ExitCode:   result.ExitCode,
		Signal:     result.Signal,
		Events:     result.Events,
		ConfigPath: ConfigPath(options.Dir),
		Files:      len(configuration.Files),
		Inputs:     len(configuration.PackedInputs()),
	}, nil
}

func prepareDir(dir string, continuing, overwrite bool) error {
	if dir == "" {
		return coreerrors.New(coreerrors.CategoryInvalidInput, "trace_dir_required", "", "trace directory is required")
	}
	_, err := os.Stat(dir)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return coreerrors.Wrap(fmt.Errorf("stat trace directory: %w", err), coreerrors.CategoryIOFailure, "trace_dir_failed", "")
	case continuing:
	case overwrite:
		if err := os.RemoveAll(dir); err != nil {
			return coreerrors.Wrap(fmt.Errorf("remove trace directory: %w", err), coreerrors.CategoryIOFailure, "trace_dir_failed", "")
		}
	default:
		return coreerrors.New(coreerrors.CategoryInvalidInput, "trace_dir_exists", "use --continue to add a run or --overwrite to start over",
			"trace directory %s already exists", dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return coreerrors.Wrap(fmt.Errorf("create trace directory: %w", err), coreerrors.CategoryIOFailure, "trace_dir_failed", "")
	}
	return nil
}

// LoadGraph rebuilds the dependency graph from a trace database.
func LoadGraph(ctx context.Context, dbPath string, options Options) (*graph.Graph, error) {
	db, err := tracedb.OpenExisting(ctx, dbPath)
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, "trace_missing", "run reprozip trace first")
	}
	events, err := db.Events(ctx)
	closeErr := db.Close()
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CategoryIOFailure, "trace_read_failed", "")
	}
	if closeErr != nil {
		return nil, coreerrors.Wrap(closeErr, coreerrors.CategoryIOFailure, "trace_read_failed", "")
	}

	ignore := append(append([]string(nil), graph.DefaultIgnore...), options.Ignore...)
	if options.Dir != "" {
		if abs, err := filepath.Abs(options.Dir); err == nil {
			ignore = append(ignore, abs)
		}
	}
	g, err := graph.Build(events, graph.Options{
		Ignore:   ignore,
		AllForks: options.AllForks,
		Resolver: graph.HostResolver{Root: options.Root},
	})
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CategoryVerification, "trace_corrupt", "trace again")
	}
	return g, nil
}

// Reset regenerates config.yml from the trace database, discarding edits.
func Reset(ctx context.Context, options Options) (*config.Configuration, error) {
	g, err := LoadGraph(ctx, DatabasePath(options.Dir), options)
	if err != nil {
		return nil, err
	}
	identifier := options.Identifier
	switch {
	case identifier != nil:
	case options.IdentifyPackages:
		identifier = packages.Detect(options.Root)
	default:
		identifier = packages.None()
	}
	paths := make([]string, 0, len(g.Files))
	for _, file := range g.SortedFiles() {
		paths = append(paths, file.Path)
	}
	identification, err := identifier.Identify(ctx, paths)
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CategoryIOFailure, "package_identification_failed", "retry with --dont-identify-packages")
	}
	host := config.CurrentHost()
	if options.Host != nil {
		host = *options.Host
	}
	configuration := config.FromGraph(g, identification, host)
	if err := config.Save(ConfigPath(options.Dir), configuration); err != nil {
		return nil, err
	}
	return configuration, nil
}
