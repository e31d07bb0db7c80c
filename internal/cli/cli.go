// Package cli holds what the reprozip and reprounzip commands share: global
// flags, logging setup, exit codes and the JSON output envelope.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	coreerrors "github.com/reprozip/reprozip/core/errors"
	"github.com/reprozip/reprozip/core/fsx"
	"github.com/reprozip/reprozip/core/projectconfig"
	"github.com/reprozip/reprozip/core/usage"
	"github.com/reprozip/reprozip/internal/ctxlog"
)

const (
	ExitOK                  = 0
	ExitInternalFailure     = 1
	ExitVerifyFailed        = 2
	ExitInvalidInput        = 6
	ExitMissingDependency   = 7
	ExitUnsupportedPlatform = 8
)

// App is one invocation of a command line program.
type App struct {
	Program string
	Version string
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
	// Now is used for usage events; nil means time.Now.
	Now func() time.Time

	JSON              bool
	Verbose           int
	ProjectConfigPath string
}

func NewApp(program, version string) *App {
	return &App{Program: program, Version: version, Stdin: os.Stdin, Stdout: os.Stdout, Stderr: os.Stderr}
}

// Bind registers the global flags on the root command.
func (a *App) Bind(root *cobra.Command) {
	flags := root.PersistentFlags()
	flags.BoolVar(&a.JSON, "json", false, "print machine readable JSON")
	flags.CountVarP(&a.Verbose, "verbose", "v", "increase log verbosity (repeatable)")
	flags.StringVar(&a.ProjectConfigPath, "project-config", projectconfig.DefaultPath, "project settings file")
	root.Version = a.Version
	root.SilenceErrors = true
	root.SilenceUsage = true
	root.CompletionOptions = cobra.CompletionOptions{HiddenDefaultCmd: true}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, "invalid_flag", "see --help")
	})
}

// Context returns the command's context carrying the CLI logger.
func (a *App) Context(cmd *cobra.Command) context.Context {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctxlog.WithLogger(ctx, ctxlog.New(a.Stderr, a.Verbose))
}

// Project loads the project settings. The default file may be absent.
func (a *App) Project() (projectconfig.Config, error) {
	path := a.ProjectConfigPath
	if path == "" {
		path = projectconfig.DefaultPath
	}
	configuration, err := projectconfig.Load(path, path == projectconfig.DefaultPath)
	if err != nil {
		return projectconfig.Config{}, coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, "project_config_invalid", "fix "+path)
	}
	return configuration, nil
}

// Emit prints a successful result: the JSON envelope with --json, text
// otherwise. text may be nil when the command has nothing to say.
func (a *App) Emit(output any, text func(io.Writer) error) error {
	if a.JSON {
		return WriteJSON(a.Stdout, output, nil)
	}
	if text == nil {
		return nil
	}
	return text(a.Stdout)
}

// Fail reports err along with a partial result. With --json both go out in
// one envelope and the error is not printed again.
func (a *App) Fail(output any, err error) error {
	if !a.JSON {
		return err
	}
	if writeErr := WriteJSON(a.Stdout, output, err); writeErr != nil {
		return err
	}
	return reportedError{err}
}

type reportedError struct {
	error
}

func (e reportedError) Unwrap() error { return e.error }

// WriteOutput writes a generated file atomically, or to stdout when path
// is "-".
func (a *App) WriteOutput(path string, write func(io.Writer) error) error {
	if path == "-" {
		return write(a.Stdout)
	}
	file, err := fsx.CreateAtomic(path, 0o644)
	if err != nil {
		return coreerrors.Wrap(err, coreerrors.CategoryIOFailure, "output_write_failed", "")
	}
	if err := write(file); err != nil {
		file.Abort()
		return err
	}
	if err := file.Commit(); err != nil {
		return coreerrors.Wrap(fmt.Errorf("write %s: %w", path, err), coreerrors.CategoryIOFailure, "output_write_failed", "")
	}
	return nil
}

// Execute runs the command tree and returns the process exit code.
func (a *App) Execute(root *cobra.Command, args []string) int {
	started := a.now()
	root.SetArgs(args)
	root.SetIn(a.Stdin)
	root.SetOut(a.Stdout)
	root.SetErr(a.Stderr)

	executed, err := root.ExecuteC()
	code := ExitCodeFor(err)
	if err != nil {
		a.reportError(err, code)
	}
	command := commandName(root, executed)
	event := usage.NewEvent(a.Program, command, code, coreerrors.CodeOf(err), a.now().Sub(started), a.Version, a.now())
	if recordErr := usage.Record(event); recordErr != nil {
		fmt.Fprintf(a.Stderr, "%s warning: usage log write failed: %v\n", a.Program, recordErr)
	}
	return code
}

func (a *App) reportError(err error, code int) {
	if a.JSON {
		var reported reportedError
		if errors.As(err, &reported) {
			return
		}
		if writeErr := WriteJSON(a.Stdout, nil, err); writeErr == nil {
			return
		}
	}
	fmt.Fprintf(a.Stderr, "%s: error: %v\n", a.Program, err)
	hint := coreerrors.HintOf(err)
	if hint == "" && code == ExitInvalidInput {
		hint = defaultHint(code)
	}
	if hint != "" {
		fmt.Fprintf(a.Stderr, "hint: %s\n", hint)
	}
}

func (a *App) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func commandName(root, executed *cobra.Command) string {
	if executed == nil || executed == root {
		return "root"
	}
	return strings.TrimPrefix(executed.CommandPath(), root.Name()+" ")
}

func ExitCodeFor(err error) int {
	if err == nil {
		return ExitOK
	}
	switch coreerrors.CategoryOf(err) {
	case coreerrors.CategoryInvalidInput:
		return ExitInvalidInput
	case coreerrors.CategoryVerification:
		return ExitVerifyFailed
	case coreerrors.CategoryDependencyMissing:
		return ExitMissingDependency
	case coreerrors.CategoryUnsupportedPlatform:
		return ExitUnsupportedPlatform
	case coreerrors.CategoryIOFailure, coreerrors.CategoryStateContention, coreerrors.CategoryInternalFailure:
		return ExitInternalFailure
	}
	if usageError(err) {
		return ExitInvalidInput
	}
	return ExitInternalFailure
}

// usageError recognizes argument errors raised by cobra itself.
func usageError(err error) bool {
	msg := err.Error()
	prefixes := []string{
		"unknown command", "unknown flag", "unknown shorthand flag", "accepts ", "requires at least", "invalid argument",
		"required flag", "if any flags in the group", "at least one of the flags in the group",
	}
	for _, prefix := range prefixes {
		if strings.HasPrefix(msg, prefix) {
			return true
		}
	}
	return false
}

// WriteJSON prints output as a JSON object with "ok" set, plus the error
// fields when err is not nil.
func WriteJSON(w io.Writer, output any, err error) error {
	result := map[string]any{}
	if output != nil {
		encoded, marshalErr := json.Marshal(output)
		if marshalErr != nil {
			return fmt.Errorf("encode output: %w", marshalErr)
		}
		if unmarshalErr := json.Unmarshal(encoded, &result); unmarshalErr != nil {
			result = map[string]any{"result": json.RawMessage(encoded)}
		}
	}
	result["ok"] = err == nil
	if err != nil {
		code := ExitCodeFor(err)
		category := coreerrors.CategoryOf(err)
		if category == "" {
			category = defaultErrorCategory(code)
		}
		errorCode := coreerrors.CodeOf(err)
		if errorCode == "" {
			errorCode = defaultErrorCode(code)
		}
		hint := coreerrors.HintOf(err)
		if hint == "" {
			hint = defaultHint(code)
		}
		result["error"] = err.Error()
		result["error_code"] = errorCode
		result["error_category"] = string(category)
		result["exit_code"] = code
		result["hint"] = hint
		result["retryable"] = category == coreerrors.CategoryStateContention
		if missing := coreerrors.MissingPathsOf(err); len(missing) > 0 {
			result["missing_paths"] = missing
		}
	}
	encoded, marshalErr := json.MarshalIndent(result, "", "  ")
	if marshalErr != nil {
		return fmt.Errorf("encode output: %w", marshalErr)
	}
	_, writeErr := fmt.Fprintln(w, string(encoded))
	return writeErr
}

func defaultErrorCategory(exitCode int) coreerrors.Category {
	switch exitCode {
	case ExitInvalidInput:
		return coreerrors.CategoryInvalidInput
	case ExitVerifyFailed:
		return coreerrors.CategoryVerification
	case ExitMissingDependency:
		return coreerrors.CategoryDependencyMissing
	case ExitUnsupportedPlatform:
		return coreerrors.CategoryUnsupportedPlatform
	default:
		return coreerrors.CategoryInternalFailure
	}
}

func defaultErrorCode(exitCode int) string {
	switch exitCode {
	case ExitInvalidInput:
		return "invalid_input"
	case ExitVerifyFailed:
		return "verification_failed"
	case ExitMissingDependency:
		return "dependency_missing"
	case ExitUnsupportedPlatform:
		return "unsupported_platform"
	default:
		return "internal_failure"
	}
}

func defaultHint(exitCode int) string {
	switch exitCode {
	case ExitInvalidInput:
		return "check command usage with --help"
	case ExitVerifyFailed:
		return "the bundle may be damaged or tampered with; pack it again"
	case ExitMissingDependency:
		return "provide the missing files and retry"
	case ExitUnsupportedPlatform:
		return "run on a Linux machine with the required privileges"
	default:
		return "retry with -v for more detail"
	}
}

// Args wraps a cobra positional argument check so that failures are
// reported as invalid input.
func Args(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, "invalid_arguments", "see "+cmd.CommandPath()+" --help")
		}
		return nil
	}
}
