package unpack

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/reprozip/reprozip/core/config"
	coreerrors "github.com/reprozip/reprozip/core/errors"
	"github.com/reprozip/reprozip/core/fsx"
	"github.com/reprozip/reprozip/core/graph"
	"github.com/reprozip/reprozip/internal/ctxlog"
)

type UploadResult struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Source   string `json:"source,omitempty"`
	Restored bool   `json:"restored,omitempty"`
}

type upload struct {
	local string
	entry config.InputOutput
}

// Upload replaces labelled input files in the unpacked root. A spec is
// "local_path:name", or ":name" to put the original file back.
func Upload(ctx context.Context, dir string, kind Kind, specs []string) (results []UploadResult, err error) {
	logger := ctxlog.FromContext(ctx)
	target, state, configuration, err := Open(dir, kind)
	if err != nil {
		return nil, err
	}
	unpacker := Kind(state.Unpacker)
	var uploads []upload
	for _, spec := range specs {
		index := strings.LastIndex(spec, ":")
		if index < 0 {
			return nil, coreerrors.New(coreerrors.CategoryInvalidInput, "upload_spec_invalid", "use local_path:name, or :name to restore the original",
				"invalid upload %q", spec)
		}
		entry, err := lookupLabel(configuration, spec[index+1:], graph.RoleInput)
		if err != nil {
			return nil, err
		}
		local := spec[:index]
		if local != "" {
			if local, err = filepath.Abs(local); err != nil {
				return nil, fmt.Errorf("resolve %s: %w", spec[:index], err)
			}
			if info, statErr := os.Stat(local); statErr != nil || !info.Mode().IsRegular() {
				return nil, coreerrors.New(coreerrors.CategoryInvalidInput, "upload_source_missing", "", "%s is not a regular file", local)
			}
		}
		uploads = append(uploads, upload{local: local, entry: entry})
	}

	if state.Uploads == nil {
		state.Uploads = map[string]string{}
	}
	defer func() {
		if writeErr := WriteState(target.StatePath(), state); writeErr != nil && err == nil {
			err = writeErr
		}
	}()
	for _, item := range uploads {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		located, err := HostPath(unpacker, target.Root(), item.entry.Path)
		if err != nil {
			return results, coreerrors.Wrap(err, coreerrors.CategoryIOFailure, "upload_failed", "")
		}
		if err := replaceInput(target, item, located, state.RestoreOwner); err != nil {
			return results, err
		}
		result := UploadResult{Name: item.entry.Name, Path: item.entry.Path, Source: item.local, Restored: item.local == ""}
		if result.Restored {
			delete(state.Uploads, item.entry.Name)
			logger.Info("original input restored", "name", item.entry.Name, "path", item.entry.Path)
		} else {
			state.Uploads[item.entry.Name] = item.local
			logger.Info("input replaced", "name", item.entry.Name, "path", item.entry.Path, "source", item.local)
		}
		results = append(results, result)
	}
	return results, nil
}

func replaceInput(target Target, item upload, located string, restoreOwner bool) error {
	mode := os.FileMode(0o644)
	previous, statErr := os.Stat(located)
	if statErr == nil {
		mode = previous.Mode().Perm()
	}
	var reader io.Reader
	if item.local == "" {
		original, closeOriginal, err := openOriginalInput(target, item.entry.Path)
		if err != nil {
			return err
		}
		defer closeOriginal()
		reader = original
	} else {
		// #nosec G304 -- the user names the file to upload.
		file, err := os.Open(item.local)
		if err != nil {
			return coreerrors.Wrap(fmt.Errorf("open %s: %w", item.local, err), coreerrors.CategoryIOFailure, "upload_failed", "")
		}
		defer func() {
			_ = file.Close()
		}()
		reader = file
	}
	err := fsx.EnsureParentWritable(located, func() error {
		return writeReplacing(located, reader, mode)
	})
	if err != nil {
		return coreerrors.Wrap(fmt.Errorf("upload %s: %w", item.entry.Name, err), coreerrors.CategoryIOFailure, "upload_failed", "")
	}
	if restoreOwner && statErr == nil {
		if uid, gid, ok := fileOwner(previous); ok {
			if err := os.Lchown(located, uid, gid); err != nil {
				return coreerrors.Wrap(fmt.Errorf("restore owner of %s: %w", item.entry.Path, err), coreerrors.CategoryIOFailure, "restore_owner_failed", "")
			}
		}
	}
	return nil
}

type DownloadResult struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Destination string `json:"destination"`
	Bytes       int64  `json:"bytes"`
}

// Download copies labelled files out of the unpacked root. A spec is
// "name", "name:local_path", or "name:" to write the file to stdout. A
// bare name is written to the current directory under its base name.
func Download(ctx context.Context, dir string, kind Kind, specs []string, stdout io.Writer) ([]DownloadResult, error) {
	logger := ctxlog.FromContext(ctx)
	target, state, configuration, err := Open(dir, kind)
	if err != nil {
		return nil, err
	}
	type download struct {
		entry config.InputOutput
		local string
		print bool
	}
	var downloads []download
	for _, spec := range specs {
		name, local, hasLocal := strings.Cut(spec, ":")
		entry, err := lookupLabel(configuration, name, "")
		if err != nil {
			return nil, err
		}
		switch {
		case hasLocal && local == "":
			downloads = append(downloads, download{entry: entry, print: true})
		case !hasLocal:
			downloads = append(downloads, download{entry: entry, local: path.Base(entry.Path)})
		default:
			downloads = append(downloads, download{entry: entry, local: local})
		}
	}

	var results []DownloadResult
	for _, item := range downloads {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		located, err := HostPath(Kind(state.Unpacker), target.Root(), item.entry.Path)
		if err != nil {
			return results, coreerrors.Wrap(err, coreerrors.CategoryIOFailure, "download_failed", "")
		}
		info, err := os.Stat(located)
		if err != nil || !info.Mode().IsRegular() {
			return results, coreerrors.New(coreerrors.CategoryDependencyMissing, "output_missing", "run the experiment first",
				"can't get %s (%s): the file does not exist", item.entry.Name, item.entry.Path)
		}
		result := DownloadResult{Name: item.entry.Name, Path: item.entry.Path, Destination: item.local}
		if item.print {
			result.Destination = "-"
			result.Bytes, err = copyTo(stdout, located)
		} else {
			result.Bytes, err = copyFile(located, item.local, info.Mode().Perm())
		}
		if err != nil {
			return results, coreerrors.Wrap(fmt.Errorf("download %s: %w", item.entry.Name, err), coreerrors.CategoryIOFailure, "download_failed", "")
		}
		logger.Info("file downloaded", "name", item.entry.Name, "destination", result.Destination, "bytes", result.Bytes)
		results = append(results, result)
	}
	return results, nil
}

// OutputNames lists the labels of output files.
func OutputNames(configuration *config.Configuration) []string {
	var names []string
	for _, entry := range configuration.InputsOutputs {
		if entry.Role == graph.RoleOutput {
			names = append(names, entry.Name)
		}
	}
	sort.Strings(names)
	return names
}

func lookupLabel(configuration *config.Configuration, name string, role graph.Role) (config.InputOutput, error) {
	entry, ok := configuration.InputOutput(name)
	if ok && (role == "" || entry.Role == role) {
		return entry, nil
	}
	var known []string
	for _, candidate := range configuration.InputsOutputs {
		if role == "" || candidate.Role == role {
			known = append(known, candidate.Name)
		}
	}
	sort.Strings(known)
	what := "file"
	if role != "" {
		what = string(role) + " file"
	}
	return config.InputOutput{}, coreerrors.New(coreerrors.CategoryInvalidInput, "label_unknown", "known names: "+strings.Join(known, ", "),
		"no %s is named %q", what, name)
}

func copyTo(writer io.Writer, source string) (int64, error) {
	// #nosec G304 -- source is inside the unpacked root.
	file, err := os.Open(source)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = file.Close()
	}()
	return io.Copy(writer, file)
}

func copyFile(source, dest string, mode os.FileMode) (int64, error) {
	// #nosec G304 -- source is inside the unpacked root.
	file, err := os.Open(source)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = file.Close()
	}()
	counter := &countingReader{reader: file}
	if err := writeReplacing(dest, counter, mode); err != nil {
		return counter.count, err
	}
	return counter.count, nil
}

type countingReader struct {
	reader io.Reader
	count  int64
}

func (c *countingReader) Read(buffer []byte) (int, error) {
	read, err := c.reader.Read(buffer)
	c.count += int64(read)
	return read, err
}
