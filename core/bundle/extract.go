package bundle

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	coreerrors "github.com/reprozip/reprozip/core/errors"
	"github.com/reprozip/reprozip/core/fsx"
	schemabundle "github.com/reprozip/reprozip/core/schema/v1/bundle"
	"github.com/reprozip/reprozip/internal/ctxlog"
)

type ExtractOptions struct {
	// RestoreOwner applies the recorded uid and gid to extracted files.
	RestoreOwner bool
	// Select limits extraction to some original paths. Nil extracts all.
	Select func(original string) bool
	// KeepAbsoluteLinks leaves absolute symlink targets as recorded, for a
	// root that is entered with chroot. Paths are then resolved the way the
	// chrooted process will see them.
	KeepAbsoluteLinks bool
}

type ExtractResult struct {
	Metadata *Metadata
	Files    int
	Bytes    int64
}

type pendingMode struct {
	path string
	mode os.FileMode
}

// Extract unpacks the DATA members of a bundle under root. Every member
// name is checked before anything is written, and extraction fails before
// writing when a packed input is absent from the bundle.
func Extract(ctx context.Context, bundlePath, root string, options ExtractOptions) (*ExtractResult, error) {
	logger := ctxlog.FromContext(ctx)
	metadata, err := ReadMetadata(ctx, bundlePath, "")
	if err != nil {
		return nil, err
	}
	members, err := scanMembers(ctx, bundlePath)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, path := range metadata.Config.PackedInputs() {
		if !members[path] {
			missing = append(missing, path)
		}
	}
	if len(missing) > 0 {
		return nil, coreerrors.Wrap(coreerrors.NewMissingPaths("packed input files in the bundle", missing),
			coreerrors.CategoryDependencyMissing, "bundle_inputs_missing", "the bundle is incomplete; pack it again")
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, coreerrors.Wrap(fmt.Errorf("create root: %w", err), coreerrors.CategoryIOFailure, "extract_failed", "")
	}
	realRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}

	expected := map[string]schemabundle.ManifestFile{}
	for _, file := range metadata.Manifest.Files {
		expected[file.Path] = file
	}

	reader, err := openTar(bundlePath)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = reader.Close()
	}()

	result := &ExtractResult{Metadata: metadata}
	var directories []pendingMode
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		header, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, corrupt(err)
		}
		if !strings.HasPrefix(header.Name, DataPrefix) {
			continue
		}
		original, err := OriginalPath(header.Name)
		if err != nil {
			return nil, err
		}
		if original == "/" || (options.Select != nil && !options.Select(original)) {
			continue
		}
		target, err := memberTarget(realRoot, original, options.KeepAbsoluteLinks)
		if err != nil {
			return nil, err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return nil, extractFailed(original, err)
			}
			directories = append(directories, pendingMode{path: target, mode: os.FileMode(header.Mode).Perm()})
		case tar.TypeReg:
			written, err := extractFile(reader, target, header, expected[original])
			if err != nil {
				return nil, err
			}
			result.Bytes += written
		case tar.TypeSymlink:
			linkname := header.Linkname
			if path.IsAbs(linkname) && !options.KeepAbsoluteLinks {
				linkname = fsx.JoinRoot(realRoot, linkname)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return nil, extractFailed(original, err)
			}
			if err := removeExisting(target); err != nil {
				return nil, extractFailed(original, err)
			}
			if err := os.Symlink(linkname, target); err != nil {
				return nil, extractFailed(original, err)
			}
		default:
			logger.Warn("skipping unsupported bundle member", "path", original, "type", string(header.Typeflag))
			continue
		}
		if options.RestoreOwner {
			if err := os.Lchown(target, header.Uid, header.Gid); err != nil {
				return nil, coreerrors.Wrap(fmt.Errorf("restore owner of %s: %w", original, err), coreerrors.CategoryIOFailure,
					"restore_owner_failed", "run as root or disable owner restoration")
			}
		}
		result.Files++
	}
	for index := len(directories) - 1; index >= 0; index-- {
		if err := os.Chmod(directories[index].path, directories[index].mode); err != nil {
			return nil, extractFailed(directories[index].path, err)
		}
	}
	logger.Info("bundle extracted", "root", realRoot, "files", result.Files, "bytes", result.Bytes)
	return result, nil
}

// scanMembers checks every member name and returns the set of original
// paths present under DATA/.
func scanMembers(ctx context.Context, bundlePath string) (map[string]bool, error) {
	reader, err := openTar(bundlePath)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = reader.Close()
	}()
	members := map[string]bool{}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		header, err := reader.Next()
		if err == io.EOF {
			return members, nil
		}
		if err != nil {
			return nil, corrupt(err)
		}
		if err := checkMemberName(header.Name); err != nil {
			return nil, err
		}
		if strings.HasPrefix(header.Name, DataPrefix) {
			original, err := OriginalPath(header.Name)
			if err != nil {
				return nil, err
			}
			members[original] = true
		}
	}
}

func memberTarget(root, original string, chrooted bool) (string, error) {
	if chrooted {
		target, err := fsx.ResolveInRoot(root, original)
		if err != nil {
			return "", coreerrors.Wrap(err, coreerrors.CategoryVerification, "bundle_invalid_member", "the bundle may be malicious")
		}
		return target, nil
	}
	target := fsx.JoinRoot(root, original)
	if err := checkParentWithin(root, target); err != nil {
		return "", err
	}
	return target, nil
}

// checkParentWithin refuses to write through a symlink extracted earlier
// that points outside root.
func checkParentWithin(root, target string) error {
	parent := filepath.Dir(target)
	for {
		resolved, err := filepath.EvalSymlinks(parent)
		if err == nil {
			if !fsx.WithinRoot(root, resolved) {
				return coreerrors.New(coreerrors.CategoryVerification, "bundle_invalid_member", "the bundle may be malicious",
					"bundle member %s would be written outside %s", target, root)
			}
			return nil
		}
		if !os.IsNotExist(err) {
			return fmt.Errorf("resolve %s: %w", parent, err)
		}
		if parent == root || parent == filepath.Dir(parent) {
			return nil
		}
		parent = filepath.Dir(parent)
	}
}

func extractFile(reader io.Reader, target string, header *tar.Header, expected schemabundle.ManifestFile) (int64, error) {
	original := target
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, extractFailed(original, err)
	}
	if err := removeExisting(target); err != nil {
		return 0, extractFailed(original, err)
	}
	// #nosec G304 -- target is confined under the unpack root.
	file, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, extractFailed(original, err)
	}
	hash := sha256.New()
	written, err := io.Copy(io.MultiWriter(file, hash), reader)
	closeErr := file.Close()
	if err != nil {
		return written, corrupt(err)
	}
	if closeErr != nil {
		return written, extractFailed(original, closeErr)
	}
	if expected.SHA256 != "" {
		if actual := hex.EncodeToString(hash.Sum(nil)); !strings.EqualFold(actual, expected.SHA256) {
			return written, coreerrors.New(coreerrors.CategoryVerification, "bundle_hash_mismatch", "the bundle is damaged",
				"%s: sha256 %s does not match manifest %s", expected.Path, actual, expected.SHA256)
		}
	}
	if err := os.Chmod(target, os.FileMode(header.Mode).Perm()|setBits(header.Mode)); err != nil {
		return written, extractFailed(original, err)
	}
	if err := os.Chtimes(target, header.ModTime, header.ModTime); err != nil {
		return written, extractFailed(original, err)
	}
	return written, nil
}

func setBits(mode int64) os.FileMode {
	var bits os.FileMode
	if mode&0o4000 != 0 {
		bits |= os.ModeSetuid
	}
	if mode&0o2000 != 0 {
		bits |= os.ModeSetgid
	}
	if mode&0o1000 != 0 {
		bits |= os.ModeSticky
	}
	return bits
}

func removeExisting(target string) error {
	info, err := os.Lstat(target)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", target)
	}
	return os.Remove(target)
}

func extractFailed(original string, err error) error {
	return coreerrors.Wrap(fmt.Errorf("extract %s: %w", original, err), coreerrors.CategoryIOFailure, "extract_failed", "")
}
