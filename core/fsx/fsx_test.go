package fsx

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteFileAtomicCreatesAndOverwrites(t *testing.T) {
	target := filepath.Join(t.TempDir(), "state.json")

	if err := WriteFileAtomic(target, []byte("first\n"), 0o600); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := WriteFileAtomic(target, []byte("second\n"), 0o644); err != nil {
		t.Fatalf("second write: %v", err)
	}
	raw, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read target: %v", err)
	}
	if string(raw) != "second\n" {
		t.Fatalf("unexpected content: %q", string(raw))
	}
	info, err := os.Stat(target)
	if err != nil {
		t.Fatalf("stat target: %v", err)
	}
	if info.Mode().Perm() != 0o644 {
		t.Fatalf("expected mode 0644 got %#o", info.Mode().Perm())
	}
}

func TestAtomicFileAbortLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "bundle.rpz")

	file, err := CreateAtomic(target, 0o644)
	if err != nil {
		t.Fatalf("create atomic: %v", err)
	}
	if _, err := file.Write([]byte("partial")); err != nil {
		t.Fatalf("write partial: %v", err)
	}
	file.Abort()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty directory after abort, found %d entries", len(entries))
	}
}

func TestAtomicFileInvisibleUntilCommit(t *testing.T) {
	target := filepath.Join(t.TempDir(), "bundle.rpz")

	file, err := CreateAtomic(target, 0o644)
	if err != nil {
		t.Fatalf("create atomic: %v", err)
	}
	defer file.Abort()
	if _, err := file.Write([]byte("payload")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Fatalf("destination visible before commit: %v", err)
	}
	if err := file.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := file.Commit(); err == nil {
		t.Fatalf("expected second commit to fail")
	}
	raw, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read target: %v", err)
	}
	if string(raw) != "payload" {
		t.Fatalf("unexpected content: %q", string(raw))
	}
}

func TestJoinRoot(t *testing.T) {
	testCases := []struct {
		original string
		want     string
	}{
		{original: "/usr/bin/python", want: "/tmp/root/usr/bin/python"},
		{original: "usr/lib", want: "/tmp/root/usr/lib"},
		{original: "/../../etc/passwd", want: "/tmp/root/etc/passwd"},
		{original: "/", want: "/tmp/root"},
	}
	for _, testCase := range testCases {
		if got := JoinRoot("/tmp/root", testCase.original); got != testCase.want {
			t.Fatalf("JoinRoot(%q)=%q want %q", testCase.original, got, testCase.want)
		}
	}
}

func TestWithinRoot(t *testing.T) {
	if !WithinRoot("/tmp/root", "/tmp/root/a/b") {
		t.Fatalf("expected nested path within root")
	}
	if !WithinRoot("/tmp/root", "/tmp/root") {
		t.Fatalf("expected root within itself")
	}
	if WithinRoot("/tmp/root", "/tmp/rootless/a") {
		t.Fatalf("expected sibling prefix outside root")
	}
	if WithinRoot("/tmp/root", "/tmp/root/../etc") {
		t.Fatalf("expected escaping path outside root")
	}
}

func TestMakeDirWritableRestoresMode(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ro")
	if err := os.Mkdir(dir, 0o555); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chmod(dir, 0o755) })

	err := EnsureParentWritable(filepath.Join(dir, "file"), func() error {
		return os.WriteFile(filepath.Join(dir, "file"), []byte("x"), 0o644)
	})
	if err != nil {
		t.Fatalf("write into read-only dir: %v", err)
	}
	assertOwnerBits(t, dir, 0o5)
}

func TestMakeDirWritableFixesAncestors(t *testing.T) {
	base := t.TempDir()
	some := filepath.Join(base, "some")
	complete := filepath.Join(some, "complete")
	path := filepath.Join(complete, "path")
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.Chmod(path, 0o555); err != nil {
		t.Fatalf("chmod path: %v", err)
	}
	if err := os.Chmod(complete, 0o444); err != nil {
		t.Fatalf("chmod complete: %v", err)
	}
	t.Cleanup(func() {
		_ = os.Chmod(complete, 0o755)
		_ = os.Chmod(path, 0o755)
	})

	restore, err := MakeDirWritable(path)
	if err != nil {
		t.Fatalf("make writable: %v", err)
	}
	assertOwnerBits(t, some, 0o7)
	assertOwnerBits(t, complete, 0o7)
	assertOwnerBits(t, path, 0o7)
	restore()
	assertOwnerBits(t, some, 0o7)
	assertOwnerBits(t, complete, 0o4)
	if err := os.Chmod(complete, 0o755); err != nil {
		t.Fatalf("chmod complete: %v", err)
	}
	assertOwnerBits(t, path, 0o5)
}

func assertOwnerBits(t *testing.T, path string, want os.FileMode) {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat %s: %v", path, err)
	}
	if got := (info.Mode().Perm() & 0o700) >> 6; got != want {
		t.Fatalf("%s: owner bits %o, want %o", path, got, want)
	}
}

func TestResolveInRootFollowsLinksInsideRoot(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "usr/lib64"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.Symlink("/usr/lib64", filepath.Join(root, "lib64")); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	if err := os.Symlink("../../..", filepath.Join(root, "usr/lib64/up")); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	if err := os.Symlink("/etc", filepath.Join(root, "usr/lib64/etc")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	cases := map[string]string{
		"/lib64/ld.so":         "usr/lib64/ld.so",
		"/lib64/up/etc/passwd": "etc/passwd",
		"/usr/lib64/etc/hosts": "etc/hosts",
		"/lib64":               "lib64",
		"/../../tmp/x":         "tmp/x",
	}
	for original, want := range cases {
		got, err := ResolveInRoot(root, original)
		if err != nil {
			t.Fatalf("resolve %s: %v", original, err)
		}
		if got != filepath.Join(root, want) {
			t.Fatalf("resolve %s: got %s want %s", original, got, filepath.Join(root, want))
		}
	}
}

func TestResolveInRootDetectsLoops(t *testing.T) {
	root := t.TempDir()
	if err := os.Symlink("/b", filepath.Join(root, "a")); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	if err := os.Symlink("/a", filepath.Join(root, "b")); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	if _, err := ResolveInRoot(root, "/a/file"); err == nil {
		t.Fatalf("expected loop error")
	}
}
