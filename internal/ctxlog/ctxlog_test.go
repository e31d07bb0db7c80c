package ctxlog

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestFromContextRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, 1)
	ctx := WithLogger(context.Background(), logger)

	FromContext(ctx).Info("packing", "files", 3)
	FromContext(ctx).Debug("hidden")
	out := buf.String()
	if !strings.Contains(out, "packing") || !strings.Contains(out, "files=3") {
		t.Fatalf("expected info record, got %q", out)
	}
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug record should be filtered at verbosity 1: %q", out)
	}
}

func TestFromContextWithoutLogger(t *testing.T) {
	logger := FromContext(context.Background())
	if logger == nil {
		t.Fatalf("expected discarding logger")
	}
	logger.Error("ignored")
}

func TestVerbosityLevels(t *testing.T) {
	var quiet, loud bytes.Buffer
	New(&quiet, 0).Info("info")
	New(&loud, 3).Debug("debug")
	if quiet.Len() != 0 {
		t.Fatalf("expected info suppressed at verbosity 0: %q", quiet.String())
	}
	if !strings.Contains(loud.String(), "debug") {
		t.Fatalf("expected debug at verbosity 3: %q", loud.String())
	}
}
