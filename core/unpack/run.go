package unpack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"

	"github.com/reprozip/reprozip/core/config"
	coreerrors "github.com/reprozip/reprozip/core/errors"
	"github.com/reprozip/reprozip/core/fsx"
	"github.com/reprozip/reprozip/internal/ctxlog"
)

type RunOptions struct {
	// Runs selects runs by index; empty runs all of them in order.
	Runs []int
	// Cmdline replaces the recorded command line of a single run.
	Cmdline []string
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
	// LibraryDirs overrides the host's library search directories.
	LibraryDirs []string
}

type RunStatus struct {
	Run      int `json:"run"`
	ExitCode int `json:"exit_code"`
	Signal   int `json:"signal,omitempty"`
}

type RunResult struct {
	Runs []RunStatus `json:"runs"`
	// ExitCode is the status of the last run that was started.
	ExitCode int `json:"exit_code"`
}

// Run re-executes recorded runs inside an unpacked target, one after the
// other, stopping at the first run that fails.
func Run(ctx context.Context, dir string, kind Kind, options RunOptions) (RunResult, error) {
	logger := ctxlog.FromContext(ctx)
	target, _, configuration, err := Open(dir, kind)
	if err != nil {
		return RunResult{}, err
	}
	selected, err := selectRuns(configuration, options.Runs, options.Cmdline)
	if err != nil {
		return RunResult{}, err
	}
	if kind == KindChroot && os.Geteuid() != 0 {
		return RunResult{}, coreerrors.New(coreerrors.CategoryUnsupportedPlatform, "chroot_requires_root", "run as root",
			"chroot needs root privileges")
	}
	root, err := filepath.Abs(target.Root())
	if err != nil {
		return RunResult{}, fmt.Errorf("resolve root: %w", err)
	}
	if err := CheckInputs(kind, root, configuration); err != nil {
		return RunResult{}, err
	}
	stderr := options.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	var libraryDirs []string
	if kind == KindDirectory {
		libraryDirs = options.LibraryDirs
		if libraryDirs == nil {
			libraryDirs = HostLibraryDirs(ctx)
		}
	}

	result := RunResult{}
	for _, index := range selected {
		run := configuration.Runs[index]
		var command *exec.Cmd
		if kind == KindChroot {
			command, err = chrootCommand(ctx, root, run, options.Cmdline)
		} else {
			command, err = directoryCommand(ctx, root, run, options.Cmdline, libraryDirs)
		}
		if err != nil {
			return result, err
		}
		command.Stdin, command.Stdout, command.Stderr = options.Stdin, options.Stdout, stderr
		logger.Info("running", "run", index, "argv", command.Args, "dir", command.Dir)

		status := RunStatus{Run: index}
		runErr := command.Run()
		var exitErr *exec.ExitError
		switch {
		case runErr == nil:
		case errors.As(runErr, &exitErr):
			status.ExitCode, status.Signal = exitStatus(exitErr.ProcessState)
		default:
			return result, coreerrors.Wrap(fmt.Errorf("run %d: %w", index, runErr), coreerrors.CategoryIOFailure, "run_failed", "")
		}
		_, _ = fmt.Fprintf(stderr, "\n*** Command finished, status: %d\n", status.ExitCode)
		result.Runs = append(result.Runs, status)
		result.ExitCode = status.ExitCode
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if status.ExitCode != 0 {
			break
		}
	}
	return result, nil
}

func selectRuns(configuration *config.Configuration, requested []int, cmdline []string) ([]int, error) {
	selected := requested
	if len(selected) == 0 {
		for index := range configuration.Runs {
			selected = append(selected, index)
		}
	}
	for _, index := range selected {
		if index < 0 || index >= len(configuration.Runs) {
			return nil, coreerrors.New(coreerrors.CategoryInvalidInput, "run_unknown", "",
				"run %d does not exist, the experiment has %d run(s)", index, len(configuration.Runs))
		}
	}
	if len(cmdline) > 0 && len(selected) != 1 {
		return nil, coreerrors.New(coreerrors.CategoryInvalidInput, "cmdline_needs_single_run", "select a run with --run",
			"a command line can only replace a single run")
	}
	return selected, nil
}

// directoryCommand runs on the host with paths pointing into root: PATH and
// LD_LIBRARY_PATH are rebuilt and absolute arguments that name files in the
// root are rewritten.
func directoryCommand(ctx context.Context, root string, run config.Run, cmdline []string, libraryDirs []string) (*exec.Cmd, error) {
	logger := ctxlog.FromContext(ctx)
	environ := map[string]string{}
	for key, value := range run.Environ {
		environ[key] = value
	}
	var searchPath []string
	var original []string
	if value := run.Environ["PATH"]; value != "" {
		original = strings.Split(value, ":")
	}
	for _, dir := range original {
		if path.IsAbs(dir) {
			searchPath = append(searchPath, fsx.JoinRoot(root, dir))
		}
	}
	searchPath = append(searchPath, original...)
	environ["PATH"] = strings.Join(searchPath, ":")
	if len(libraryDirs) > 0 {
		joined := make([]string, 0, len(libraryDirs))
		for _, dir := range libraryDirs {
			joined = append(joined, fsx.JoinRoot(root, dir))
		}
		environ["LD_LIBRARY_PATH"] = strings.Join(joined, ":")
	}

	argv := append([]string(nil), cmdline...)
	if len(argv) == 0 {
		argv = rewriteArguments(root, run.Argv)
		if strings.Join(argv, "\x00") != strings.Join(run.Argv, "\x00") {
			logger.Warn("rewrote command line", "argv", argv)
		}
	}
	if len(argv) == 0 {
		return nil, coreerrors.New(coreerrors.CategoryInvalidInput, "command_required", "", "empty command line")
	}
	program := argv[0]
	if !strings.Contains(program, "/") {
		found, ok := lookPath(program, searchPath, isExecutable)
		if !ok {
			return nil, coreerrors.New(coreerrors.CategoryDependencyMissing, "command_not_found", "",
				"%s not found in the unpacked root or on this host", program)
		}
		program = found
	}

	// #nosec G204 -- the command line comes from the experiment configuration.
	command := exec.CommandContext(ctx, program)
	command.Args = argv
	command.Dir = fsx.JoinRoot(root, run.WorkingDir)
	run.Environ = environ
	command.Env = run.Env()
	return command, nil
}

// rewriteArguments points absolute arguments into root when the file, or
// for a file not created yet its directory, was unpacked.
func rewriteArguments(root string, argv []string) []string {
	rewritten := append([]string(nil), argv...)
	for index, argument := range rewritten {
		if !path.IsAbs(argument) {
			continue
		}
		located := fsx.JoinRoot(root, argument)
		if exists(located) {
			rewritten[index] = located
			continue
		}
		if index == 0 {
			// the program itself may come from the host
			continue
		}
		cleaned := path.Clean(argument)
		if path.Dir(cleaned) != "/" && exists(filepath.Dir(located)) {
			rewritten[index] = located
		}
	}
	return rewritten
}

// chrootCommand runs the recorded binary inside root, as the recorded user.
func chrootCommand(ctx context.Context, root string, run config.Run, cmdline []string) (*exec.Cmd, error) {
	argv := append([]string(nil), run.Argv...)
	program := run.Binary
	if len(cmdline) > 0 {
		argv = append([]string(nil), cmdline...)
		program = argv[0]
		if !strings.Contains(program, "/") {
			var searchPath []string
			if value := run.Environ["PATH"]; value != "" {
				searchPath = strings.Split(value, ":")
			}
			found, ok := lookPath(program, searchPath, func(candidate string) bool {
				located, err := fsx.ResolveInRoot(root, candidate)
				return err == nil && isExecutable(located)
			})
			if !ok {
				return nil, coreerrors.New(coreerrors.CategoryDependencyMissing, "command_not_found", "",
					"%s not found in the unpacked root", program)
			}
			program = found
		}
	}
	if program == "" || len(argv) == 0 {
		return nil, coreerrors.New(coreerrors.CategoryInvalidInput, "command_required", "", "empty command line")
	}
	attr := chrootAttr(root, run.UID, run.GID)
	if attr == nil {
		return nil, coreerrors.New(coreerrors.CategoryUnsupportedPlatform, "chroot_unsupported", "", "chroot is not supported on this platform")
	}
	// #nosec G204 -- the command line comes from the experiment configuration.
	command := exec.CommandContext(ctx, program)
	command.Args = argv
	command.Dir = run.WorkingDir
	command.Env = run.Env()
	command.SysProcAttr = attr
	return command, nil
}

func lookPath(name string, dirs []string, usable func(string) bool) (string, bool) {
	for _, dir := range dirs {
		if dir == "" {
			dir = "."
		}
		candidate := filepath.Join(dir, name)
		if usable(candidate) {
			return candidate, true
		}
	}
	return "", false
}

func isExecutable(candidate string) bool {
	info, err := os.Stat(candidate)
	return err == nil && info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0
}

func exists(candidate string) bool {
	_, err := os.Lstat(candidate)
	return err == nil
}
