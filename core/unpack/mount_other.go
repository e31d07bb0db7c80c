//go:build !linux

package unpack

import (
	"context"

	coreerrors "github.com/reprozip/reprozip/core/errors"
)

func Mount(context.Context, string) ([]string, error) {
	return nil, coreerrors.New(coreerrors.CategoryUnsupportedPlatform, "mount_unsupported", "", "bind mounts are only supported on Linux")
}

func Unmount(context.Context, string) ([]string, error) {
	return nil, coreerrors.New(coreerrors.CategoryUnsupportedPlatform, "mount_unsupported", "", "bind mounts are only supported on Linux")
}

func mountsUnder(string) ([]string, error) { return nil, nil }
