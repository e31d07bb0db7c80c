package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/cobra"

	coreerrors "github.com/reprozip/reprozip/core/errors"
	"github.com/reprozip/reprozip/core/usage"
)

func TestExitCodeFor(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: ExitOK},
		{name: "invalid", err: coreerrors.New(coreerrors.CategoryInvalidInput, "x", "", "bad"), want: ExitInvalidInput},
		{name: "verification", err: coreerrors.New(coreerrors.CategoryVerification, "x", "", "bad"), want: ExitVerifyFailed},
		{name: "missing", err: coreerrors.New(coreerrors.CategoryDependencyMissing, "x", "", "bad"), want: ExitMissingDependency},
		{name: "platform", err: coreerrors.New(coreerrors.CategoryUnsupportedPlatform, "x", "", "bad"), want: ExitUnsupportedPlatform},
		{name: "io", err: coreerrors.New(coreerrors.CategoryIOFailure, "x", "", "bad"), want: ExitInternalFailure},
		{name: "cobra", err: errors.New(`unknown command "nope" for "reprozip"`), want: ExitInvalidInput},
		{name: "plain", err: errors.New("boom"), want: ExitInternalFailure},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if got := ExitCodeFor(testCase.err); got != testCase.want {
				t.Fatalf("exit code: got=%d want=%d", got, testCase.want)
			}
		})
	}
}

func TestWriteJSONEnvelope(t *testing.T) {
	var out bytes.Buffer
	if err := WriteJSON(&out, map[string]any{"files": 3}, nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	var success map[string]any
	if err := json.Unmarshal(out.Bytes(), &success); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(map[string]any{"ok": true, "files": float64(3)}, success); diff != "" {
		t.Fatalf("success envelope mismatch (-want +got):\n%s", diff)
	}

	out.Reset()
	missing := coreerrors.Wrap(coreerrors.NewMissingPaths("input files", []string{"/b", "/a"}), coreerrors.CategoryDependencyMissing, "inputs_missing", "")
	if err := WriteJSON(&out, nil, missing); err != nil {
		t.Fatalf("write: %v", err)
	}
	var failure map[string]any
	if err := json.Unmarshal(out.Bytes(), &failure); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := map[string]any{
		"ok":             false,
		"error":          missing.Error(),
		"error_code":     "inputs_missing",
		"error_category": "dependency_missing",
		"exit_code":      float64(ExitMissingDependency),
		"hint":           "provide the missing files and retry",
		"retryable":      false,
		"missing_paths":  []any{"/a", "/b"},
	}
	if diff := cmp.Diff(want, failure); diff != "" {
		t.Fatalf("failure envelope mismatch (-want +got):\n%s", diff)
	}
}

func testApp(t *testing.T) (*App, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	app := &App{Program: "reprozip", Version: "1.0.0", Stdout: &stdout, Stderr: &stderr, Stdin: strings.NewReader("")}
	return app, &stdout, &stderr
}

func testRoot(app *App, runErr error) *cobra.Command {
	root := &cobra.Command{Use: "reprozip"}
	app.Bind(root)
	root.AddCommand(&cobra.Command{
		Use:  "pack <output>",
		Args: Args(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			if runErr != nil {
				return runErr
			}
			return app.Emit(map[string]string{"path": args[0]}, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "packed %s\n", args[0])
				return err
			})
		},
	})
	return root
}

func TestExecuteMapsErrorsAndRecordsUsage(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "usage.jsonl")
	t.Setenv(usage.EnvPath, logPath)
	app, _, stderr := testApp(t)
	app.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	failure := coreerrors.New(coreerrors.CategoryVerification, "manifest_mismatch", "pack again", "digest differs")
	code := app.Execute(testRoot(app, failure), []string{"pack", "out.rpz"})
	if code != ExitVerifyFailed {
		t.Fatalf("exit code: got=%d want=%d", code, ExitVerifyFailed)
	}
	if got := stderr.String(); got != "reprozip: error: digest differs\nhint: pack again\n" {
		t.Fatalf("unexpected stderr %q", got)
	}

	events, err := usage.Load(logPath)
	if err != nil {
		t.Fatalf("load usage: %v", err)
	}
	if len(events) != 1 || events[0].Command != "pack" || events[0].ErrorCode != "manifest_mismatch" || events[0].ExitCode != ExitVerifyFailed {
		t.Fatalf("unexpected usage events: %+v", events)
	}
}

func TestExecuteArgumentErrorsAreInvalidInput(t *testing.T) {
	t.Setenv(usage.EnvPath, "")
	for _, args := range [][]string{{"pack"}, {"pack", "--nope", "x"}, {"unpack"}} {
		app, _, _ := testApp(t)
		if code := app.Execute(testRoot(app, nil), args); code != ExitInvalidInput {
			t.Fatalf("%v: exit code got=%d want=%d", args, code, ExitInvalidInput)
		}
	}
}

func TestExecuteJSONOutput(t *testing.T) {
	t.Setenv(usage.EnvPath, "")
	app, stdout, _ := testApp(t)
	if code := app.Execute(testRoot(app, nil), []string{"--json", "pack", "out.rpz"}); code != ExitOK {
		t.Fatalf("exit code: got=%d", code)
	}
	var output map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &output); err != nil {
		t.Fatalf("decode %q: %v", stdout.String(), err)
	}
	if output["ok"] != true || output["path"] != "out.rpz" {
		t.Fatalf("unexpected output: %v", output)
	}

	app, stdout, stderr := testApp(t)
	failure := coreerrors.New(coreerrors.CategoryInvalidInput, "bundle_missing", "", "no bundle")
	if code := app.Execute(testRoot(app, failure), []string{"pack", "--json", "out.rpz"}); code != ExitInvalidInput {
		t.Fatalf("exit code: got=%d", code)
	}
	if stderr.Len() != 0 {
		t.Fatalf("json errors belong on stdout, stderr=%q", stderr.String())
	}
	if err := json.Unmarshal(stdout.Bytes(), &output); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if output["ok"] != false || output["error_code"] != "bundle_missing" {
		t.Fatalf("unexpected error output: %v", output)
	}
}

func TestFailReportsResultOnce(t *testing.T) {
	t.Setenv(usage.EnvPath, "")
	failure := coreerrors.New(coreerrors.CategoryVerification, "bundle_verify_failed", "", "bundle failed verification")
	report := map[string]any{"files_checked": 3}

	app, stdout, stderr := testApp(t)
	root := &cobra.Command{Use: "reprounzip"}
	app.Bind(root)
	root.AddCommand(&cobra.Command{
		Use: "verify",
		RunE: func(*cobra.Command, []string) error {
			return app.Fail(report, failure)
		},
	})
	if code := app.Execute(root, []string{"verify", "--json"}); code != ExitVerifyFailed {
		t.Fatalf("exit code: got=%d want=%d", code, ExitVerifyFailed)
	}
	if stderr.Len() != 0 {
		t.Fatalf("unexpected stderr %q", stderr.String())
	}
	var output map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &output); err != nil {
		t.Fatalf("expected exactly one JSON document, got %q: %v", stdout.String(), err)
	}
	if output["ok"] != false || output["files_checked"] != float64(3) || output["error_code"] != "bundle_verify_failed" {
		t.Fatalf("unexpected output: %v", output)
	}

	app, _, _ = testApp(t)
	if err := app.Fail(report, failure); err != failure {
		t.Fatalf("text mode should return the error untouched, got %v", err)
	}
}

func TestProjectLoadsSettings(t *testing.T) {
	app, _, _ := testApp(t)
	app.ProjectConfigPath = filepath.Join(t.TempDir(), "absent.yaml")
	if _, err := app.Project(); coreerrors.CodeOf(err) != "project_config_invalid" {
		t.Fatalf("explicit missing project file should fail, got %v", err)
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("trace:\n  directory: /tmp/exp\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	app.ProjectConfigPath = path
	configuration, err := app.Project()
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	t.Setenv("REPROZIP_TRACE_DIR", "")
	if got := configuration.TraceDir(""); got != "/tmp/exp" {
		t.Fatalf("unexpected trace dir %q", got)
	}
}
