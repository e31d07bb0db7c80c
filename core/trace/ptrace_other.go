//go:build !(linux && amd64)

package trace

import (
	"context"
	"runtime"

	coreerrors "github.com/reprozip/reprozip/core/errors"
)

type unsupportedTracer struct{}

func New() Tracer {
	return unsupportedTracer{}
}

func (unsupportedTracer) Trace(context.Context, Command, int, chan<- Event) (Result, error) {
	return Result{}, coreerrors.New(coreerrors.CategoryUnsupportedPlatform, "tracer_unsupported",
		"tracing requires linux/amd64; packing and unpacking work everywhere",
		"tracing is not supported on %s/%s", runtime.GOOS, runtime.GOARCH)
}
