package packages

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const fixtureRoot = "testdata/root"

func TestDpkgIdentify(t *testing.T) {
	identifier := Detect(fixtureRoot)
	if _, ok := identifier.(Dpkg); !ok {
		t.Fatalf("expected dpkg identifier, got %T", identifier)
	}
	result, err := identifier.Identify(context.Background(), []string{
		"/usr/bin/cat",
		"/usr/bin/ls",
		"/usr/lib/x86_64-linux-gnu/libc.so.6",
		"/home/user/data.csv",
	})
	if err != nil {
		t.Fatalf("identify: %v", err)
	}

	want := []*Package{
		{Name: "coreutils", Version: "9.1-1", Size: 18062 * 1024, Files: []string{"/usr/bin/cat", "/usr/bin/ls"}},
		{Name: "libc6", Version: "2.36-9+deb12u4", Size: 12988 * 1024, Files: []string{"/usr/lib/x86_64-linux-gnu/libc.so.6"}},
	}
	if diff := cmp.Diff(want, result.Packages); diff != "" {
		t.Fatalf("packages mismatch (-want +got):\n%s", diff)
	}
	if _, owned := result.Owner["/home/user/data.csv"]; owned {
		t.Fatalf("user data must not belong to a package")
	}
	if result.Owner["/usr/bin/cat"].Name != "coreutils" {
		t.Fatalf("unexpected owner for merged-usr path: %+v", result.Owner["/usr/bin/cat"])
	}
}

func TestDetectWithoutDpkg(t *testing.T) {
	identifier := Detect(t.TempDir())
	result, err := identifier.Identify(context.Background(), []string{"/usr/bin/ls"})
	if err != nil {
		t.Fatalf("identify: %v", err)
	}
	if len(result.Packages) != 0 || len(result.Owner) != 0 {
		t.Fatalf("expected nothing identified, got %+v", result)
	}
}

func TestParseStatusSkipsNotInstalled(t *testing.T) {
	entries, err := parseStatus(strings.NewReader("Package: a\nStatus: install ok installed\nVersion: 1\n\nPackage: b\nStatus: purge ok not-installed\nVersion: 2\n"))
	if err != nil {
		t.Fatalf("parse status: %v", err)
	}
	if _, ok := entries["b"]; ok {
		t.Fatalf("not-installed package must be skipped")
	}
	if entries["a"].version != "1" {
		t.Fatalf("unexpected entry: %+v", entries["a"])
	}
}

func TestDistribution(t *testing.T) {
	if got := Distribution(fixtureRoot); got != "debian 12" {
		t.Fatalf("unexpected distribution: %q", got)
	}
	if got := Distribution(t.TempDir()); got != "" {
		t.Fatalf("expected empty distribution, got %q", got)
	}
}

func TestIdentifyHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (Dpkg{Root: fixtureRoot}).Identify(ctx, []string{"/usr/bin/ls"}); err == nil {
		t.Fatalf("expected cancellation error")
	}
}
