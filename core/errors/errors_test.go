package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestWrapRoundTrip(t *testing.T) {
	base := stderrors.New("boom")
	err := Wrap(base, CategoryIOFailure, "bundle_write_failed", "check directory permissions")
	if err == nil {
		t.Fatal("expected wrapped error")
	}
	if CategoryOf(err) != CategoryIOFailure {
		t.Fatalf("unexpected category: %s", CategoryOf(err))
	}
	if CodeOf(err) != "bundle_write_failed" {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
	if HintOf(err) != "check directory permissions" {
		t.Fatalf("unexpected hint: %s", HintOf(err))
	}
	if !stderrors.Is(err, base) {
		t.Fatal("expected wrapped error to preserve cause")
	}
}

func TestUnknownErrorDefaults(t *testing.T) {
	err := stderrors.New("plain")
	if CategoryOf(err) != "" {
		t.Fatalf("unexpected category: %s", CategoryOf(err))
	}
	if CodeOf(err) != "" {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
	if HintOf(err) != "" {
		t.Fatalf("unexpected hint: %s", HintOf(err))
	}
}

func TestWrapNilCauseReturnsNil(t *testing.T) {
	if got := Wrap(nil, CategoryInternalFailure, "internal_failure", "retry later"); got != nil {
		t.Fatalf("expected nil wrapped error, got=%v", got)
	}
}

func TestNewFormatsMessage(t *testing.T) {
	err := New(CategoryInvalidInput, "bad_role", "use input, output or transient", "unknown role %q", "cache")
	if err.Error() != `unknown role "cache"` {
		t.Fatalf("unexpected message: %s", err.Error())
	}
	if CategoryOf(err) != CategoryInvalidInput {
		t.Fatalf("unexpected category: %s", CategoryOf(err))
	}
}

func TestMissingPathsSortedAndReachableThroughWrap(t *testing.T) {
	missing := NewMissingPaths("input files", []string{"/usr/lib/b.so", "/etc/a.conf"})
	wrapped := Wrap(fmt.Errorf("unpack: %w", missing), CategoryDependencyMissing, "inputs_missing", "")

	paths := MissingPathsOf(wrapped)
	if len(paths) != 2 || paths[0] != "/etc/a.conf" || paths[1] != "/usr/lib/b.so" {
		t.Fatalf("unexpected paths: %v", paths)
	}
	if !strings.Contains(wrapped.Error(), "/etc/a.conf") || !strings.Contains(wrapped.Error(), "/usr/lib/b.so") {
		t.Fatalf("message must name every path: %s", wrapped.Error())
	}
	if CategoryOf(wrapped) != CategoryDependencyMissing {
		t.Fatalf("unexpected category: %s", CategoryOf(wrapped))
	}
}

func TestMissingPathsSingleMessage(t *testing.T) {
	err := NewMissingPaths("input file", []string{"/data/in.csv"})
	if err.Error() != "input file missing: /data/in.csv" {
		t.Fatalf("unexpected message: %s", err.Error())
	}
	if MissingPathsOf(stderrors.New("x")) != nil {
		t.Fatal("expected nil paths for unrelated error")
	}
}
