package unpack

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/reprozip/reprozip/core/bundle"
	coreerrors "github.com/reprozip/reprozip/core/errors"
	"github.com/reprozip/reprozip/core/fsx"
	schemaunpack "github.com/reprozip/reprozip/core/schema/v1/unpack"
	"github.com/reprozip/reprozip/internal/ctxlog"
)

type SetupOptions struct {
	Bundle string
	Target string
	Kind   Kind
	// RestoreOwner gives unpacked files their recorded owner. Chroot only.
	RestoreOwner    bool
	ProducerVersion string
	Now             func() time.Time
	// HostRoot is where files of packages left out of the bundle are taken
	// from; empty is "/".
	HostRoot string
}

type SetupResult struct {
	Target           string   `json:"target"`
	Unpacker         Kind     `json:"unpacker"`
	Files            int      `json:"files"`
	Bytes            int64    `json:"bytes"`
	HostFiles        int      `json:"host_files,omitempty"`
	MissingHostFiles []string `json:"missing_host_files,omitempty"`
	ManifestDigest   string   `json:"manifest_digest"`
}

// Setup unpacks a bundle into a new target directory: root/ holds the
// packed files, config.yml the configuration, inputs.tar.gz the original
// input files and .reprounzip the unpacker state. A failed setup leaves
// no target behind.
func Setup(ctx context.Context, options SetupOptions) (result SetupResult, err error) {
	logger := ctxlog.FromContext(ctx)
	if options.Kind != KindDirectory && options.Kind != KindChroot {
		return SetupResult{}, coreerrors.New(coreerrors.CategoryInvalidInput, "unpacker_unknown", "", "unknown unpacker %q", options.Kind)
	}
	if options.Target == "" {
		return SetupResult{}, coreerrors.New(coreerrors.CategoryInvalidInput, "target_required", "", "target directory is required")
	}
	if _, statErr := os.Lstat(options.Target); statErr == nil {
		return SetupResult{}, coreerrors.New(coreerrors.CategoryInvalidInput, "target_exists", "destroy it or pick another target",
			"target directory %s already exists", options.Target)
	}
	restoreOwner := options.Kind == KindChroot && options.RestoreOwner
	if restoreOwner && os.Geteuid() != 0 {
		return SetupResult{}, coreerrors.New(coreerrors.CategoryUnsupportedPlatform, "restore_owner_requires_root", "run as root or pass --dont-restore-owner",
			"not running as root, cannot restore the owner of files")
	}
	bundlePath, err := filepath.Abs(options.Bundle)
	if err != nil {
		return SetupResult{}, fmt.Errorf("resolve bundle: %w", err)
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}
	producer := options.ProducerVersion
	if producer == "" {
		producer = "0.0.0-dev"
	}

	target := Target{Dir: options.Target}
	if err := os.MkdirAll(target.Dir, 0o755); err != nil {
		return SetupResult{}, coreerrors.Wrap(fmt.Errorf("create target: %w", err), coreerrors.CategoryIOFailure, "target_create_failed", "")
	}
	defer func() {
		if err != nil {
			_ = removeTree(target.Dir)
		}
	}()

	extracted, err := bundle.Extract(ctx, bundlePath, target.Root(), bundle.ExtractOptions{
		RestoreOwner:      restoreOwner,
		KeepAbsoluteLinks: options.Kind == KindChroot,
	})
	if err != nil {
		return SetupResult{}, err
	}
	configuration := extracted.Metadata.Config
	if err := fsx.WriteFileAtomic(target.ConfigPath(), extracted.Metadata.ConfigBytes, 0o644); err != nil {
		return SetupResult{}, coreerrors.Wrap(err, coreerrors.CategoryIOFailure, "target_create_failed", "")
	}

	result = SetupResult{
		Target:         target.Dir,
		Unpacker:       options.Kind,
		Files:          extracted.Files,
		Bytes:          extracted.Bytes,
		ManifestDigest: extracted.Metadata.Manifest.ManifestDigest,
	}
	hostFiles := configuration.HostInputs()
	missing := missingOnHost(options.HostRoot, hostFiles)
	switch {
	case options.Kind == KindChroot && len(missing) > 0:
		return SetupResult{}, coreerrors.Wrap(coreerrors.NewMissingPaths("files of packages left out of the bundle on this host", missing),
			coreerrors.CategoryDependencyMissing, "host_files_missing", "install the packages listed in config.yml")
	case options.Kind == KindChroot:
		logger.Warn("copying files of packages left out of the bundle from the host", "files", len(hostFiles))
		if err := copyHostFiles(ctx, options.HostRoot, target.Root(), hostFiles, restoreOwner); err != nil {
			return SetupResult{}, err
		}
		result.HostFiles = len(hostFiles)
	case len(missing) > 0:
		for _, path := range missing {
			logger.Error("file of a package left out of the bundle is missing on this host", "path", path)
		}
		logger.Error("some packages are missing on this host, the experiment will probably fail; install them")
		result.MissingHostFiles = missing
	}

	if err := writeInputsArchive(ctx, target, options.Kind, configuration); err != nil {
		return SetupResult{}, err
	}
	state := schemaunpack.State{
		CreatedAt:       now().UTC().Truncate(time.Second),
		ProducerVersion: producer,
		Unpacker:        string(options.Kind),
		Bundle:          bundlePath,
		ManifestDigest:  extracted.Metadata.Manifest.ManifestDigest,
		RestoreOwner:    restoreOwner,
	}
	if err := WriteState(target.StatePath(), state); err != nil {
		return SetupResult{}, err
	}
	logger.Info("experiment unpacked", "target", target.Dir, "unpacker", options.Kind, "files", result.Files)
	return result, nil
}

func missingOnHost(hostRoot string, paths []string) []string {
	var missing []string
	for _, path := range paths {
		if _, err := os.Lstat(fsx.JoinRoot(rootOrSlash(hostRoot), path)); err != nil {
			missing = append(missing, path)
		}
	}
	return missing
}

func copyHostFiles(ctx context.Context, hostRoot, root string, paths []string, restoreOwner bool) error {
	for _, original := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := copyHostFile(hostRoot, root, original, restoreOwner); err != nil {
			return coreerrors.Wrap(fmt.Errorf("copy %s from host: %w", original, err), coreerrors.CategoryIOFailure, "host_copy_failed", "")
		}
	}
	return nil
}

func copyHostFile(hostRoot, root, original string, restoreOwner bool) error {
	source := fsx.JoinRoot(rootOrSlash(hostRoot), original)
	info, err := os.Lstat(source)
	if err != nil {
		return err
	}
	dest, err := fsx.ResolveInRoot(root, original)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(dest); err == nil {
		return nil
	}
	err = fsx.EnsureParentWritable(dest, func() error {
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(source)
			if err != nil {
				return err
			}
			return os.Symlink(link, dest)
		case info.IsDir():
			return os.Mkdir(dest, info.Mode().Perm())
		case info.Mode().IsRegular():
			return copyRegular(source, dest, info.Mode().Perm())
		default:
			return fmt.Errorf("unsupported file type %s", info.Mode().Type())
		}
	})
	if err != nil || !restoreOwner {
		return err
	}
	if uid, gid, ok := fileOwner(info); ok {
		return os.Lchown(dest, uid, gid)
	}
	return nil
}

func copyRegular(source, dest string, mode os.FileMode) error {
	// #nosec G304 -- source is a file recorded in the experiment configuration.
	reader, err := os.Open(source)
	if err != nil {
		return err
	}
	defer func() {
		_ = reader.Close()
	}()
	return writeReplacing(dest, reader, mode)
}

// writeReplacing atomically replaces dest with the content of reader.
func writeReplacing(dest string, reader io.Reader, mode os.FileMode) error {
	file, err := fsx.CreateAtomic(dest, mode)
	if err != nil {
		return err
	}
	defer file.Abort()
	if _, err := io.Copy(file, reader); err != nil {
		return fmt.Errorf("write %s: %w", dest, err)
	}
	return file.Commit()
}

// removeTree deletes dir even when some of its directories were unpacked
// read-only.
func removeTree(dir string) error {
	_ = filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err == nil && entry.IsDir() {
			// #nosec G302 -- the tree is about to be removed.
			_ = os.Chmod(path, 0o700)
		}
		return nil
	})
	return os.RemoveAll(dir)
}

func rootOrSlash(root string) string {
	if root == "" {
		return "/"
	}
	return root
}
