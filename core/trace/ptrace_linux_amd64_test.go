//go:build linux && amd64

package trace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	coreerrors "github.com/reprozip/reprozip/core/errors"
)

func traceOrSkip(test *testing.T, command Command) (Result, []Event) {
	test.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		test.Skip("/bin/sh not available")
	}
	sink := &memorySink{}
	result, err := Record(context.Background(), New(), command, 1, sink, 16)
	if coreerrors.CategoryOf(err) == coreerrors.CategoryUnsupportedPlatform {
		test.Skipf("ptrace not permitted: %v", err)
	}
	if err != nil {
		test.Fatalf("trace: %v", err)
	}
	return result, sink.events
}

func TestPtraceFollowsForkAndRecordsFiles(test *testing.T) {
	workDir := test.TempDir()
	input := filepath.Join(workDir, "in.txt")
	if err := os.WriteFile(input, []byte("hello\n"), 0o600); err != nil {
		test.Fatalf("write input: %v", err)
	}
	devNull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err != nil {
		test.Fatalf("open devnull: %v", err)
	}
	defer func() { _ = devNull.Close() }()

	result, events := traceOrSkip(test, Command{
		Argv:   []string{"/bin/sh", "-c", "cat in.txt > out.txt; exit 4"},
		Dir:    workDir,
		Env:    []string{"PATH=/usr/bin:/bin"},
		Stdout: devNull,
		Stderr: devNull,
	})
	if result.ExitCode != 4 {
		test.Fatalf("expected exit code 4, got %d", result.ExitCode)
	}

	var sawRead, sawWrite, sawChildExec bool
	creates := 0
	for _, event := range events {
		switch event.Kind {
		case KindProcessCreate:
			creates++
		case KindOpen:
			if event.Path == input && event.Mode.Has(ModeRead) && event.Succeeded() {
				sawRead = true
			}
			if event.Path == filepath.Join(workDir, "out.txt") && event.Mode.Has(ModeWrite) && event.Succeeded() {
				sawWrite = true
			}
		case KindExec:
			if event.ProcessID != 1 && len(event.Argv) > 0 && filepath.Base(event.Argv[0]) == "cat" {
				sawChildExec = true
			}
		}
	}
	if creates < 1 {
		test.Fatalf("expected process creation events, got %d", creates)
	}
	if !sawRead || !sawWrite {
		test.Fatalf("expected read of input and write of output, read=%v write=%v", sawRead, sawWrite)
	}
	// some shells exec the last command in place instead of forking
	if !sawChildExec && result.Processes > 1 {
		test.Fatalf("expected exec event for cat in a child process")
	}
	for index, event := range events {
		if event.Seq != int64(index+1) {
			test.Fatalf("sequence gap at %d: %d", index, event.Seq)
		}
	}
}

func TestPtraceCrashIsTerminalEvent(test *testing.T) {
	result, events := traceOrSkip(test, Command{
		Argv: []string{"/bin/sh", "-c", "kill -SEGV $$"},
		Env:  []string{"PATH=/usr/bin:/bin"},
	})
	if result.Signal == 0 {
		test.Fatalf("expected signal in result, got %+v", result)
	}
	last := events[len(events)-1]
	if last.Kind != KindProcessExit || last.Signal == 0 {
		test.Fatalf("expected terminal exit event with signal, got %+v", last)
	}
}

func TestPtraceCommandNotFound(test *testing.T) {
	sink := &memorySink{}
	_, err := Record(context.Background(), New(), Command{Argv: []string{"definitely-not-a-command-xyz"}}, 1, sink, 0)
	if coreerrors.CategoryOf(err) != coreerrors.CategoryInvalidInput {
		test.Fatalf("expected invalid input error, got %v", err)
	}
}
