package bundle

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/errgroup"

	"github.com/reprozip/reprozip/core/config"
	coreerrors "github.com/reprozip/reprozip/core/errors"
	"github.com/reprozip/reprozip/core/fsx"
	"github.com/reprozip/reprozip/core/graph"
	"github.com/reprozip/reprozip/core/jcs"
	schemabundle "github.com/reprozip/reprozip/core/schema/v1/bundle"
	"github.com/reprozip/reprozip/core/schema/validate"
	"github.com/reprozip/reprozip/core/sign"
	"github.com/reprozip/reprozip/core/trace"
	"github.com/reprozip/reprozip/core/tracedb"
	"github.com/reprozip/reprozip/internal/ctxlog"
)

type PackOptions struct {
	TraceDir         string
	Output           string
	SigningKey       ed25519.PrivateKey
	CompressionLevel int
	Workers          int
	ProducerVersion  string
	// Root is prepended to every packed path when reading it from disk.
	// Tests use it to pack a fake filesystem; empty means "/".
	Root string
	Now  func() time.Time
}

type PackResult struct {
	Path           string `json:"path"`
	Files          int    `json:"files"`
	Bytes          int64  `json:"bytes"`
	ManifestDigest string `json:"manifest_digest"`
	Signed         bool   `json:"signed"`
}

type entry struct {
	original string
	info     fs.FileInfo
	linkname string
	sha256   string
}

// Pack writes the packed inputs of the trace directory's configuration
// into a bundle. The bundle appears under options.Output only when it is
// complete.
func Pack(ctx context.Context, options PackOptions) (PackResult, error) {
	logger := ctxlog.FromContext(ctx)
	applyPackDefaults(&options)

	configPath := filepath.Join(options.TraceDir, config.FileName)
	// #nosec G304 -- trace directory is explicit user input.
	configBytes, err := os.ReadFile(configPath)
	if err != nil {
		return PackResult{}, coreerrors.Wrap(fmt.Errorf("read configuration: %w", err), coreerrors.CategoryInvalidInput,
			"config_missing", "run reprozip trace first")
	}
	configuration, err := config.Parse(configBytes)
	if err != nil {
		return PackResult{}, fmt.Errorf("%s: %w", configPath, err)
	}

	tracePath := filepath.Join(options.TraceDir, tracedb.FileName)
	if err := checkAgainstTrace(ctx, tracePath, configuration, options.Root); err != nil {
		return PackResult{}, err
	}
	traceBytes, err := os.ReadFile(tracePath) // #nosec G304 -- inside the trace directory.
	if err != nil {
		return PackResult{}, coreerrors.Wrap(fmt.Errorf("read trace database: %w", err), coreerrors.CategoryIOFailure, "trace_read_failed", "")
	}

	entries, err := collect(ctx, configuration, options)
	if err != nil {
		return PackResult{}, err
	}

	manifest, err := buildManifest(configuration, entries, configBytes, traceBytes, options)
	if err != nil {
		return PackResult{}, err
	}
	manifestBytes, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return PackResult{}, fmt.Errorf("encode manifest: %w", err)
	}
	if err := validate.ValidateJSON(schemabundle.ManifestSchema, manifestBytes); err != nil {
		return PackResult{}, coreerrors.Wrap(fmt.Errorf("manifest: %w", err), coreerrors.CategoryInternalFailure, "manifest_invalid", "")
	}

	output, err := fsx.CreateAtomic(options.Output, 0o644)
	if err != nil {
		return PackResult{}, coreerrors.Wrap(err, coreerrors.CategoryIOFailure, "bundle_write_failed", "check the output directory")
	}
	defer output.Abort()

	compressor, err := gzip.NewWriterLevel(output, options.CompressionLevel)
	if err != nil {
		return PackResult{}, coreerrors.Wrap(fmt.Errorf("gzip: %w", err), coreerrors.CategoryInvalidInput, "compression_level_invalid", "use -3 to 9")
	}
	archive := tar.NewWriter(compressor)
	created := manifest.CreatedAt
	metadataMembers := []struct {
		name string
		data []byte
	}{
		{VersionName, []byte(VersionLine)},
		{ManifestName, manifestBytes},
		{ConfigName, configBytes},
		{TraceName, traceBytes},
	}
	for _, member := range metadataMembers {
		if err := writeMember(archive, member.name, member.data, created); err != nil {
			return PackResult{}, err
		}
	}

	var total int64
	for _, item := range entries {
		if err := ctx.Err(); err != nil {
			return PackResult{}, err
		}
		written, err := writeEntry(archive, item, options.Root)
		if err != nil {
			return PackResult{}, err
		}
		total += written
	}
	if err := archive.Close(); err != nil {
		return PackResult{}, coreerrors.Wrap(fmt.Errorf("finish tar: %w", err), coreerrors.CategoryIOFailure, "bundle_write_failed", "")
	}
	if err := compressor.Close(); err != nil {
		return PackResult{}, coreerrors.Wrap(fmt.Errorf("finish gzip: %w", err), coreerrors.CategoryIOFailure, "bundle_write_failed", "")
	}
	if err := ctx.Err(); err != nil {
		return PackResult{}, err
	}
	if err := output.Commit(); err != nil {
		return PackResult{}, coreerrors.Wrap(err, coreerrors.CategoryIOFailure, "bundle_write_failed", "")
	}
	logger.Info("bundle written", "path", options.Output, "files", len(entries), "bytes", total)
	return PackResult{
		Path:           options.Output,
		Files:          len(entries),
		Bytes:          total,
		ManifestDigest: manifest.ManifestDigest,
		Signed:         len(manifest.Signatures) > 0,
	}, nil
}

func applyPackDefaults(options *PackOptions) {
	if options.Output == "" {
		options.Output = "experiment.rpz"
	}
	if options.Workers <= 0 {
		options.Workers = runtime.GOMAXPROCS(0)
	}
	if options.ProducerVersion == "" {
		options.ProducerVersion = "0.0.0-dev"
	}
	if options.Now == nil {
		options.Now = time.Now
	}
}

// checkAgainstTrace fails when the configuration names a file that no
// traced event touched.
func checkAgainstTrace(ctx context.Context, tracePath string, configuration *config.Configuration, root string) error {
	db, err := tracedb.OpenExisting(ctx, tracePath)
	if err != nil {
		return coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, "trace_missing", "run reprozip trace first")
	}
	events, err := db.Events(ctx)
	closeErr := db.Close()
	if err != nil {
		return coreerrors.Wrap(err, coreerrors.CategoryIOFailure, "trace_read_failed", "")
	}
	if closeErr != nil {
		return coreerrors.Wrap(closeErr, coreerrors.CategoryIOFailure, "trace_read_failed", "")
	}

	resolver := graph.HostResolver{Root: root}
	known := map[string]bool{}
	expanded := map[string]bool{}
	note := func(path string) {
		if path == "" || expanded[path] {
			return
		}
		expanded[path] = true
		known[path] = true
		for _, resolved := range resolver.Expand(path) {
			known[resolved] = true
		}
	}
	for _, event := range events {
		if !event.Succeeded() {
			continue
		}
		note(event.Path)
		if event.Kind == trace.KindRename || event.Kind == trace.KindSymlink {
			note(event.Target)
		}
		if event.Kind == trace.KindExec {
			note(event.Binary)
		}
	}

	var unknown []string
	for _, file := range configuration.Files {
		if !known[file.Path] {
			unknown = append(unknown, file.Path)
		}
	}
	if len(unknown) > 0 {
		return coreerrors.Wrap(coreerrors.NewMissingPaths("files from the configuration in the trace", unknown),
			coreerrors.CategoryInvalidInput, "config_not_in_trace", "remove them from config.yml or trace again")
	}
	return nil
}

// collect stats and hashes every packed path in parallel. Missing inputs
// are gathered so they are all reported at once.
func collect(ctx context.Context, configuration *config.Configuration, options PackOptions) ([]*entry, error) {
	seen := map[string]bool{}
	var entries []*entry
	add := func(path string) {
		if !seen[path] {
			seen[path] = true
			entries = append(entries, &entry{original: path})
		}
	}
	for _, path := range configuration.PackedInputs() {
		add(path)
	}
	for _, run := range configuration.Runs {
		add(run.WorkingDir)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].original < entries[j].original })

	var (
		mu      sync.Mutex
		missing []string
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(options.Workers)
	for _, item := range entries {
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			err := inspect(item, options.Root)
			if errors.Is(err, fs.ErrNotExist) {
				mu.Lock()
				missing = append(missing, item.original)
				mu.Unlock()
				return nil
			}
			return err
		})
	}
	if err := group.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, coreerrors.Wrap(err, coreerrors.CategoryIOFailure, "input_read_failed", "check file permissions")
	}
	if len(missing) > 0 {
		return nil, coreerrors.Wrap(coreerrors.NewMissingPaths("input files", missing),
			coreerrors.CategoryDependencyMissing, "inputs_missing", "restore them or remove them from config.yml")
	}
	return entries, nil
}

func inspect(item *entry, root string) error {
	hostPath := fsx.JoinRoot(rootOrSlash(root), item.original)
	info, err := os.Lstat(hostPath)
	if err != nil {
		return err
	}
	item.info = info
	switch {
	case info.Mode()&fs.ModeSymlink != 0:
		item.linkname, err = os.Readlink(hostPath)
		if err != nil {
			return fmt.Errorf("read link %s: %w", item.original, err)
		}
	case info.Mode().IsRegular():
		item.sha256, err = hashFile(hostPath)
		if err != nil {
			return fmt.Errorf("hash %s: %w", item.original, err)
		}
	case info.IsDir():
	default:
		return fmt.Errorf("cannot pack %s: unsupported file type %s", item.original, info.Mode().Type())
	}
	return nil
}

func hashFile(path string) (string, error) {
	// #nosec G304 -- packed path comes from the configuration.
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = file.Close()
	}()
	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

func buildManifest(configuration *config.Configuration, entries []*entry, configBytes, traceBytes []byte, options PackOptions) (schemabundle.Manifest, error) {
	host := config.CurrentHost()
	environment := schemabundle.Environment{
		OS:           runtime.GOOS,
		Architecture: host.Architecture,
		Distribution: host.Distribution,
		Hostname:     host.Hostname,
	}
	if first := configuration.Runs[0]; first.Architecture != "" {
		environment.Architecture = first.Architecture
		environment.Distribution = first.Distribution
		environment.Hostname = first.Hostname
	}

	manifest := schemabundle.Manifest{
		SchemaID:        schemabundle.ManifestSchemaID,
		SchemaVersion:   schemabundle.ManifestSchemaVersion,
		CreatedAt:       options.Now().UTC().Truncate(time.Second),
		ProducerVersion: options.ProducerVersion,
		Environment:     environment,
		Files:           make([]schemabundle.ManifestFile, 0, len(entries)),
		ConfigDigest:    jcs.DigestBytes(configBytes),
		TraceDigest:     jcs.DigestBytes(traceBytes),
	}
	for _, item := range entries {
		file := schemabundle.ManifestFile{
			Path: item.original,
			Mode: unixMode(item.info),
		}
		switch {
		case item.linkname != "":
			file.Type = schemabundle.FileTypeSymlink
			file.Linkname = item.linkname
		case item.info.IsDir():
			file.Type = schemabundle.FileTypeDir
		default:
			file.Type = schemabundle.FileTypeRegular
			file.Size = item.info.Size()
			file.SHA256 = item.sha256
		}
		manifest.Files = append(manifest.Files, file)
	}

	digest, err := ComputeManifestDigest(manifest)
	if err != nil {
		return schemabundle.Manifest{}, fmt.Errorf("compute manifest digest: %w", err)
	}
	manifest.ManifestDigest = digest

	if options.SigningKey != nil {
		signable, err := signableManifest(manifest)
		if err != nil {
			return schemabundle.Manifest{}, fmt.Errorf("prepare manifest for signing: %w", err)
		}
		signature, err := sign.SignJSON(options.SigningKey, signable)
		if err != nil {
			return schemabundle.Manifest{}, coreerrors.Wrap(fmt.Errorf("sign manifest: %w", err), coreerrors.CategoryInvalidInput, "signing_failed", "check the signing key")
		}
		manifest.Signatures = append(manifest.Signatures, schemabundle.Signature{
			Alg:          signature.Alg,
			KeyID:        signature.KeyID,
			Sig:          signature.Sig,
			SignedDigest: signature.SignedDigest,
		})
	}
	return manifest, nil
}

func unixMode(info fs.FileInfo) uint32 {
	mode := uint32(info.Mode().Perm())
	if info.Mode()&fs.ModeSetuid != 0 {
		mode |= 0o4000
	}
	if info.Mode()&fs.ModeSetgid != 0 {
		mode |= 0o2000
	}
	if info.Mode()&fs.ModeSticky != 0 {
		mode |= 0o1000
	}
	return mode
}

func writeMember(archive *tar.Writer, name string, data []byte, modTime time.Time) error {
	header := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(data)),
		ModTime:  modTime,
		Format:   tar.FormatPAX,
	}
	if err := archive.WriteHeader(header); err != nil {
		return coreerrors.Wrap(fmt.Errorf("write %s: %w", name, err), coreerrors.CategoryIOFailure, "bundle_write_failed", "")
	}
	if _, err := io.Copy(archive, bytes.NewReader(data)); err != nil {
		return coreerrors.Wrap(fmt.Errorf("write %s: %w", name, err), coreerrors.CategoryIOFailure, "bundle_write_failed", "")
	}
	return nil
}

// writeEntry copies one packed path into the archive, hashing it again on
// the way so a file modified since it was inspected is caught.
func writeEntry(archive *tar.Writer, item *entry, root string) (int64, error) {
	header, err := tar.FileInfoHeader(item.info, item.linkname)
	if err != nil {
		return 0, coreerrors.Wrap(fmt.Errorf("tar header %s: %w", item.original, err), coreerrors.CategoryIOFailure, "bundle_write_failed", "")
	}
	header.Name = DataName(item.original)
	if item.info.IsDir() {
		header.Name += "/"
	}
	header.Format = tar.FormatPAX
	if err := archive.WriteHeader(header); err != nil {
		return 0, coreerrors.Wrap(fmt.Errorf("write %s: %w", header.Name, err), coreerrors.CategoryIOFailure, "bundle_write_failed", "")
	}
	if !item.info.Mode().IsRegular() {
		return 0, nil
	}

	// #nosec G304 -- packed path comes from the configuration.
	file, err := os.Open(fsx.JoinRoot(rootOrSlash(root), item.original))
	if err != nil {
		return 0, coreerrors.Wrap(fmt.Errorf("open %s: %w", item.original, err), coreerrors.CategoryIOFailure, "input_read_failed", "")
	}
	defer func() {
		_ = file.Close()
	}()
	hash := sha256.New()
	written, err := io.Copy(io.MultiWriter(archive, hash), io.LimitReader(file, item.info.Size()))
	if err != nil {
		return written, coreerrors.Wrap(fmt.Errorf("copy %s: %w", item.original, err), coreerrors.CategoryIOFailure, "bundle_write_failed", "")
	}
	if written != item.info.Size() || hex.EncodeToString(hash.Sum(nil)) != item.sha256 {
		return written, coreerrors.New(coreerrors.CategoryStateContention, "input_changed", "pack again once the file is stable",
			"%s changed while packing", item.original)
	}
	return written, nil
}

func rootOrSlash(root string) string {
	if root == "" {
		return "/"
	}
	return root
}
