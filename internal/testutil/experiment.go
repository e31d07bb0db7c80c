package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/reprozip/reprozip/core/bundle"
	"github.com/reprozip/reprozip/core/capture"
	"github.com/reprozip/reprozip/core/config"
	"github.com/reprozip/reprozip/core/packages"
	"github.com/reprozip/reprozip/core/trace"
	"github.com/reprozip/reprozip/core/tracedb"
)

// ToolScript copies its first argument to out.txt in the working directory.
const ToolScript = "#!/bin/sh\ncat \"$1\" > out.txt\necho done\n"

// FixedNow is the clock used for every timestamp in fixtures.
func FixedNow() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

// Experiment is a packed bundle built from a fake filesystem under Root.
//
// The recorded run is /bin/tool /data/in.txt in /work. It reads
// /usr/lib/libfoo.so.1 and /data/in.txt through the /data/latest link, and
// writes /work/out.txt.
type Experiment struct {
	Root     string
	TraceDir string
	Bundle   string
	Base     string
}

// NewExperiment records the fixture run, lets edit adjust the generated
// configuration, then packs the bundle.
func NewExperiment(t *testing.T, edit func(*config.Configuration)) Experiment {
	t.Helper()
	for _, tool := range []string{"/bin/sh", "/bin/cat"} {
		if _, err := os.Stat(tool); err != nil {
			t.Skipf("%s not available", tool)
		}
	}
	base := t.TempDir()
	e := Experiment{
		Root:     filepath.Join(base, "fs"),
		TraceDir: filepath.Join(base, "trace"),
		Bundle:   filepath.Join(base, "experiment.rpz"),
		Base:     base,
	}
	WriteFile(t, filepath.Join(e.Root, "bin/tool"), []byte(ToolScript), 0o755)
	WriteFile(t, filepath.Join(e.Root, "data/in.txt"), []byte("hello\n"), 0o644)
	WriteFile(t, filepath.Join(e.Root, "usr/lib/libfoo.so.1"), []byte("ELF libfoo"), 0o644)
	if err := os.MkdirAll(filepath.Join(e.Root, "work"), 0o755); err != nil {
		t.Fatalf("mkdir work: %v", err)
	}
	if err := os.Symlink("/data/in.txt", filepath.Join(e.Root, "data/latest")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	ctx := context.Background()
	db, err := tracedb.Open(ctx, capture.DatabasePath(e.TraceDir))
	if err != nil {
		t.Fatalf("open trace db: %v", err)
	}
	argv := []string{"/bin/tool", "/data/in.txt"}
	if err := db.BeginRun(ctx, tracedb.Run{ID: 1, StartedAt: FixedNow(), Argv: argv, WorkingDir: "/work"}); err != nil {
		t.Fatalf("begin run: %v", err)
	}
	writer := db.NewWriter(0)
	events := []trace.Event{
		{Kind: trace.KindProcessCreate, ProcessID: 1, PID: 10, WorkingDir: "/work"},
		{Kind: trace.KindExec, ProcessID: 1, Path: "/bin/tool", Argv: argv, Envp: []string{"PATH=/usr/bin:/bin", "LANG=C"}, WorkingDir: "/work"},
		{Kind: trace.KindOpen, ProcessID: 1, Path: "/usr/lib/libfoo.so.1", Mode: trace.ModeRead},
		{Kind: trace.KindOpen, ProcessID: 1, Path: "/data/latest", Mode: trace.ModeRead},
		{Kind: trace.KindOpen, ProcessID: 1, Path: "/data/in.txt", Mode: trace.ModeRead},
		{Kind: trace.KindOpen, ProcessID: 1, Path: "/work/out.txt", Mode: trace.ModeWrite},
		{Kind: trace.KindProcessExit, ProcessID: 1},
	}
	for index, event := range events {
		event.RunID, event.Seq, event.Timestamp = 1, int64(index+1), FixedNow()
		if err := writer.Write(ctx, event); err != nil {
			t.Fatalf("write event: %v", err)
		}
	}
	if err := writer.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := db.FinishRun(ctx, 1, trace.Result{Processes: 1, Events: int64(len(events))}); err != nil {
		t.Fatalf("finish run: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close db: %v", err)
	}

	host := config.Host{UID: os.Getuid(), GID: os.Getgid(), Architecture: "x86_64", Distribution: "debian 12", Hostname: "lab"}
	configuration, err := capture.Reset(ctx, capture.Options{Dir: e.TraceDir, Root: e.Root, Identifier: packages.None(), Host: &host})
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if edit != nil {
		edit(configuration)
		if err := config.Save(capture.ConfigPath(e.TraceDir), configuration); err != nil {
			t.Fatalf("save config: %v", err)
		}
	}
	if _, err := bundle.Pack(ctx, bundle.PackOptions{TraceDir: e.TraceDir, Output: e.Bundle, Root: e.Root, Now: FixedNow}); err != nil {
		t.Fatalf("pack: %v", err)
	}
	return e
}
