//go:build linux

package unpack

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"golang.org/x/sys/unix"

	coreerrors "github.com/reprozip/reprozip/core/errors"
	"github.com/reprozip/reprozip/core/fsx"
	"github.com/reprozip/reprozip/internal/ctxlog"
)

// Mount bind-mounts the host's /dev, /dev/pts and /proc into a chroot
// target. Mounts are recorded in the state as they are made.
func Mount(ctx context.Context, dir string) ([]string, error) {
	logger := ctxlog.FromContext(ctx)
	target, state, _, err := Open(dir, KindChroot)
	if err != nil {
		return nil, err
	}
	if len(state.Mounted) > 0 {
		return nil, coreerrors.New(coreerrors.CategoryInvalidInput, "already_mounted", "", "%s is already mounted", dir)
	}
	if os.Geteuid() != 0 {
		return nil, coreerrors.New(coreerrors.CategoryUnsupportedPlatform, "mount_requires_root", "run as root",
			"not running as root, cannot mount /dev and /proc")
	}
	root, err := filepath.Abs(target.Root())
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	for _, source := range magicDirs {
		if err := ctx.Err(); err != nil {
			return state.Mounted, err
		}
		point, err := fsx.ResolveInRoot(root, source)
		if err == nil {
			err = os.MkdirAll(point, 0o755)
		}
		if err == nil {
			logger.Info("mounting", "source", source, "target", point)
			err = unix.Mount(source, point, "", unix.MS_BIND, "")
		}
		if err != nil {
			_ = WriteState(target.StatePath(), state)
			return state.Mounted, coreerrors.Wrap(fmt.Errorf("mount %s: %w", source, err), coreerrors.CategoryIOFailure, "mount_failed", "")
		}
		state.Mounted = append(state.Mounted, source)
		if err := WriteState(target.StatePath(), state); err != nil {
			return state.Mounted, err
		}
	}
	logger.Warn("the host's /dev and /proc are mounted in the chroot; do NOT remove the target with rm -rf, use reprounzip chroot destroy")
	return state.Mounted, nil
}

// Unmount undoes Mount, most recent mount first.
func Unmount(ctx context.Context, dir string) ([]string, error) {
	logger := ctxlog.FromContext(ctx)
	target, state, _, err := Open(dir, KindChroot)
	if err != nil {
		return nil, err
	}
	if len(state.Mounted) == 0 {
		return nil, coreerrors.New(coreerrors.CategoryInvalidInput, "not_mounted", "", "%s has nothing mounted", dir)
	}
	root, err := filepath.Abs(target.Root())
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	var unmounted []string
	for len(state.Mounted) > 0 {
		source := state.Mounted[len(state.Mounted)-1]
		point, err := fsx.ResolveInRoot(root, source)
		if err == nil {
			logger.Info("unmounting", "target", point)
			err = unmount(point)
		}
		if err != nil {
			return unmounted, coreerrors.Wrap(fmt.Errorf("unmount %s: %w", source, err), coreerrors.CategoryStateContention, "unmount_failed",
				"close programs using the chroot and retry")
		}
		state.Mounted = state.Mounted[:len(state.Mounted)-1]
		unmounted = append(unmounted, source)
		if err := WriteState(target.StatePath(), state); err != nil {
			return unmounted, err
		}
	}
	return unmounted, nil
}

func unmount(point string) error {
	err := unix.Unmount(point, 0)
	switch {
	case err == nil, errors.Is(err, unix.EINVAL):
		// EINVAL: not a mount point any more
		return nil
	case errors.Is(err, unix.EBUSY):
		return unix.Unmount(point, unix.MNT_DETACH)
	default:
		return err
	}
}

// mountsUnder lists mount points at or below dir.
func mountsUnder(dir string) ([]string, error) {
	file, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = file.Close()
	}()
	points, err := parseMountInfo(file)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	var under []string
	for _, point := range points {
		if fsx.WithinRoot(abs, point) {
			under = append(under, point)
		}
	}
	slices.Sort(under)
	return under, nil
}
