package unpack

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/reprozip/reprozip/core/config"
	coreerrors "github.com/reprozip/reprozip/core/errors"
	"github.com/reprozip/reprozip/core/fsx"
	"github.com/reprozip/reprozip/core/graph"
	"github.com/reprozip/reprozip/internal/ctxlog"
)

// HostPath is where an original path lives inside the unpacked root.
func HostPath(kind Kind, root, original string) (string, error) {
	if kind == KindChroot {
		return fsx.ResolveInRoot(root, original)
	}
	return fsx.JoinRoot(root, original), nil
}

// CheckInputs fails listing every packed input absent from the root.
func CheckInputs(kind Kind, root string, configuration *config.Configuration) error {
	var missing []string
	for _, original := range configuration.PackedInputs() {
		located, err := HostPath(kind, root, original)
		if err == nil {
			_, err = os.Lstat(located)
		}
		if err != nil {
			missing = append(missing, original)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return coreerrors.Wrap(coreerrors.NewMissingPaths("input files in the unpacked root", missing),
		coreerrors.CategoryDependencyMissing, "unpacked_inputs_missing", "upload the missing files or set the target up again")
}

// labelledInputs returns the input-role labels, in name order.
func labelledInputs(configuration *config.Configuration) []config.InputOutput {
	var inputs []config.InputOutput
	for _, entry := range configuration.InputsOutputs {
		if entry.Role == graph.RoleInput {
			inputs = append(inputs, entry)
		}
	}
	return inputs
}

// writeInputsArchive saves the unpacked originals of labelled input files
// so an upload can be undone.
func writeInputsArchive(ctx context.Context, target Target, kind Kind, configuration *config.Configuration) error {
	inputs := labelledInputs(configuration)
	if len(inputs) == 0 {
		return nil
	}
	logger := ctxlog.FromContext(ctx)
	file, err := fsx.CreateAtomic(target.InputsArchive(), 0o644)
	if err != nil {
		return coreerrors.Wrap(err, coreerrors.CategoryIOFailure, "inputs_archive_failed", "")
	}
	defer file.Abort()
	compressed := gzip.NewWriter(file)
	archive := tar.NewWriter(compressed)
	for _, input := range inputs {
		located, err := HostPath(kind, target.Root(), input.Path)
		if err != nil {
			return coreerrors.Wrap(err, coreerrors.CategoryIOFailure, "inputs_archive_failed", "")
		}
		info, err := os.Lstat(located)
		if err != nil || !info.Mode().IsRegular() {
			logger.Warn("input file not archived", "name", input.Name, "path", input.Path)
			continue
		}
		if err := addArchiveFile(archive, located, archiveName(input.Path), info); err != nil {
			return coreerrors.Wrap(err, coreerrors.CategoryIOFailure, "inputs_archive_failed", "")
		}
	}
	if err := archive.Close(); err != nil {
		return coreerrors.Wrap(err, coreerrors.CategoryIOFailure, "inputs_archive_failed", "")
	}
	if err := compressed.Close(); err != nil {
		return coreerrors.Wrap(err, coreerrors.CategoryIOFailure, "inputs_archive_failed", "")
	}
	if err := file.Commit(); err != nil {
		return coreerrors.Wrap(err, coreerrors.CategoryIOFailure, "inputs_archive_failed", "")
	}
	return nil
}

func archiveName(original string) string {
	return strings.TrimPrefix(filepath.ToSlash(filepath.Clean(original)), "/")
}

func addArchiveFile(archive *tar.Writer, source, name string, info os.FileInfo) error {
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("header for %s: %w", name, err)
	}
	header.Name = name
	if err := archive.WriteHeader(header); err != nil {
		return fmt.Errorf("write header %s: %w", name, err)
	}
	// #nosec G304 -- source is inside the unpacked root.
	reader, err := os.Open(source)
	if err != nil {
		return err
	}
	defer func() {
		_ = reader.Close()
	}()
	if _, err := io.Copy(archive, reader); err != nil {
		return fmt.Errorf("archive %s: %w", name, err)
	}
	return nil
}

// openOriginalInput streams the archived original of a labelled input.
func openOriginalInput(target Target, original string) (io.Reader, func(), error) {
	// #nosec G304 -- the archive lives in the target directory.
	file, err := os.Open(target.InputsArchive())
	if err != nil {
		return nil, nil, coreerrors.Wrap(fmt.Errorf("open original inputs: %w", err), coreerrors.CategoryDependencyMissing,
			"original_input_missing", "set the target up again")
	}
	closeAll := func() { _ = file.Close() }
	compressed, err := gzip.NewReader(file)
	if err != nil {
		closeAll()
		return nil, nil, coreerrors.Wrap(fmt.Errorf("read original inputs: %w", err), coreerrors.CategoryVerification, "inputs_archive_corrupt", "")
	}
	archive := tar.NewReader(compressed)
	want := archiveName(original)
	for {
		header, err := archive.Next()
		if err == io.EOF {
			closeAll()
			return nil, nil, coreerrors.New(coreerrors.CategoryDependencyMissing, "original_input_missing", "",
				"no original copy of %s was kept", original)
		}
		if err != nil {
			closeAll()
			return nil, nil, coreerrors.Wrap(fmt.Errorf("read original inputs: %w", err), coreerrors.CategoryVerification, "inputs_archive_corrupt", "")
		}
		if header.Name == want {
			return archive, func() { _ = compressed.Close(); closeAll() }, nil
		}
	}
}
