// Package testutil holds fixtures shared by package and command tests.
package testutil

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
)

// RepoRoot is the directory holding go.mod.
func RepoRoot(t *testing.T) string {
	t.Helper()
	_, source, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatalf("cannot locate testutil source")
	}
	return filepath.Clean(filepath.Join(filepath.Dir(source), "..", ".."))
}

// BuildBinary builds ./cmd/<name> into a temporary directory.
func BuildBinary(t *testing.T, root, name string) string {
	t.Helper()
	binPath := filepath.Join(t.TempDir(), name)
	// #nosec G204 -- fixed arguments, test only.
	build := exec.Command("go", "build", "-o", binPath, "./cmd/"+name)
	build.Dir = root
	if out, err := build.CombinedOutput(); err != nil {
		t.Fatalf("build %s: %v\n%s", name, err, out)
	}
	return binPath
}

// CommandExitCode returns the exit status carried by err, which must come
// from a process that ran and failed.
func CommandExitCode(t *testing.T, err error) int {
	t.Helper()
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected an exit error, got %v", err)
	}
	return exitErr.ExitCode()
}

// WriteFile creates parents as needed and sets mode exactly, ignoring the
// umask.
func WriteFile(t *testing.T, path string, content []byte, mode os.FileMode) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, content, mode); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	if err := os.Chmod(path, mode); err != nil {
		t.Fatalf("chmod %s: %v", path, err)
	}
}

func MustReadFile(t *testing.T, path string) []byte {
	t.Helper()
	content, err := os.ReadFile(path) // #nosec G304 -- test fixture path.
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return content
}
