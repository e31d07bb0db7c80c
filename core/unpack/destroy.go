package unpack

import (
	"context"
	"fmt"
	"strings"

	coreerrors "github.com/reprozip/reprozip/core/errors"
	"github.com/reprozip/reprozip/internal/ctxlog"
)

type DestroyOptions struct {
	// Unmount undoes recorded mounts first instead of refusing.
	Unmount bool
}

// Destroy removes an unpacked target. A target with host directories
// mounted inside is never removed.
func Destroy(ctx context.Context, dir string, kind Kind, options DestroyOptions) error {
	logger := ctxlog.FromContext(ctx)
	_, state, _, err := Open(dir, kind)
	if err != nil {
		return err
	}
	if len(state.Mounted) > 0 {
		if !options.Unmount {
			return coreerrors.New(coreerrors.CategoryStateContention, "target_mounted", "unmount it first",
				"%s still has %s mounted", dir, strings.Join(state.Mounted, ", "))
		}
		if _, err := Unmount(ctx, dir); err != nil {
			return err
		}
	}
	mounted, err := mountsUnder(dir)
	if err != nil {
		return coreerrors.Wrap(fmt.Errorf("list mounts: %w", err), coreerrors.CategoryIOFailure, "destroy_failed", "")
	}
	if len(mounted) > 0 {
		return coreerrors.New(coreerrors.CategoryStateContention, "target_mounted", "unmount them before destroying",
			"file systems are mounted under %s: %s", dir, strings.Join(mounted, ", "))
	}
	logger.Info("removing target", "target", dir)
	if err := removeTree(dir); err != nil {
		return coreerrors.Wrap(fmt.Errorf("remove %s: %w", dir, err), coreerrors.CategoryIOFailure, "destroy_failed", "")
	}
	return nil
}
