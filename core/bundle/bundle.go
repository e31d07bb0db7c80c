package bundle

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/reprozip/reprozip/core/config"
	coreerrors "github.com/reprozip/reprozip/core/errors"
	"github.com/reprozip/reprozip/core/jcs"
	schemabundle "github.com/reprozip/reprozip/core/schema/v1/bundle"
	"github.com/reprozip/reprozip/core/schema/validate"
)

// Archive layout. Metadata members come first so readers can stop early.
const (
	VersionName  = "METADATA/version"
	ManifestName = "METADATA/manifest.json"
	ConfigName   = "METADATA/config.yml"
	TraceName    = "METADATA/trace.sqlite3"
	DataPrefix   = "DATA/"

	VersionLine = "REPROZIP VERSION 2\n"
)

const maxMetadataBytes = 64 * 1024 * 1024

// Metadata is everything in a bundle except the packed files.
type Metadata struct {
	Manifest      schemabundle.Manifest
	ManifestBytes []byte
	Config        *config.Configuration
	ConfigBytes   []byte
}

// DataName is the archive member name of a packed absolute path.
func DataName(original string) string {
	return DataPrefix + strings.TrimPrefix(path.Clean("/"+original), "/")
}

// OriginalPath maps a DATA member back to the absolute path it was packed
// from. It rejects absolute names and any ".." component.
func OriginalPath(name string) (string, error) {
	if err := checkMemberName(name); err != nil {
		return "", err
	}
	if !strings.HasPrefix(name, DataPrefix) {
		return "", fmt.Errorf("not a data member: %s", name)
	}
	rel := strings.TrimSuffix(strings.TrimPrefix(name, DataPrefix), "/")
	return "/" + rel, nil
}

func checkMemberName(name string) error {
	if strings.HasPrefix(name, "/") {
		return coreerrors.New(coreerrors.CategoryVerification, "bundle_invalid_member", "the bundle may be malicious",
			"bundle member has an absolute name: %s", name)
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return coreerrors.New(coreerrors.CategoryVerification, "bundle_invalid_member", "the bundle may be malicious",
				"bundle member escapes the archive: %s", name)
		}
	}
	return nil
}

// ComputeManifestDigest hashes the canonical manifest without its digest
// and signatures.
func ComputeManifestDigest(manifest schemabundle.Manifest) (string, error) {
	manifest.ManifestDigest = ""
	manifest.Signatures = nil
	return jcs.DigestValue(manifest)
}

func signableManifest(manifest schemabundle.Manifest) ([]byte, error) {
	manifest.Signatures = nil
	return json.Marshal(manifest)
}

type tarReader struct {
	file *os.File
	gzip *gzip.Reader
	*tar.Reader
}

func openTar(bundlePath string) (*tarReader, error) {
	// #nosec G304 -- bundle path is explicit user input.
	file, err := os.Open(bundlePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, coreerrors.Wrap(fmt.Errorf("open bundle: %w", err), coreerrors.CategoryInvalidInput, "bundle_missing", "check the bundle path")
		}
		return nil, coreerrors.Wrap(fmt.Errorf("open bundle: %w", err), coreerrors.CategoryIOFailure, "bundle_open_failed", "")
	}
	gzipReader, err := gzip.NewReader(file)
	if err != nil {
		_ = file.Close()
		return nil, coreerrors.Wrap(fmt.Errorf("read bundle: %w", err), coreerrors.CategoryInvalidInput, "bundle_not_gzip", "is this a .rpz file?")
	}
	return &tarReader{file: file, gzip: gzipReader, Reader: tar.NewReader(gzipReader)}, nil
}

func (r *tarReader) Close() error {
	_ = r.gzip.Close()
	return r.file.Close()
}

func readCapped(reader io.Reader, name string) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(reader, maxMetadataBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	if len(data) > maxMetadataBytes {
		return nil, fmt.Errorf("%s exceeds %d bytes", name, maxMetadataBytes)
	}
	return data, nil
}

// ReadMetadata reads and checks the version, manifest and configuration of
// a bundle. When traceDest is not empty the trace database is copied there.
func ReadMetadata(ctx context.Context, bundlePath, traceDest string) (*Metadata, error) {
	reader, err := openTar(bundlePath)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = reader.Close()
	}()

	var version []byte
	metadata := &Metadata{}
	traceFound := false
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
		switch header.Name {
		case VersionName:
			if version, err = readCapped(reader, header.Name); err != nil {
				return nil, corrupt(err)
			}
		case ManifestName:
			if metadata.ManifestBytes, err = readCapped(reader, header.Name); err != nil {
				return nil, corrupt(err)
			}
		case ConfigName:
			if metadata.ConfigBytes, err = readCapped(reader, header.Name); err != nil {
				return nil, corrupt(err)
			}
		case TraceName:
			traceFound = true
			if traceDest != "" {
				if err := copyToFile(reader, traceDest, 0o644); err != nil {
					return nil, err
				}
			}
		}
		if !strings.HasPrefix(header.Name, "METADATA/") && version != nil && metadata.ManifestBytes != nil && metadata.ConfigBytes != nil && (traceFound || traceDest == "") {
			break
		}
	}

	switch {
	case version == nil:
		return nil, coreerrors.New(coreerrors.CategoryInvalidInput, "bundle_not_reprozip", "is this a .rpz file?", "bundle has no %s", VersionName)
	case string(version) != VersionLine:
		return nil, coreerrors.New(coreerrors.CategoryInvalidInput, "bundle_version_unsupported", "repack it with this version of reprozip",
			"unsupported bundle version %q", strings.TrimSpace(string(version)))
	case metadata.ManifestBytes == nil:
		return nil, coreerrors.New(coreerrors.CategoryVerification, "bundle_manifest_missing", "", "bundle has no %s", ManifestName)
	case metadata.ConfigBytes == nil:
		return nil, coreerrors.New(coreerrors.CategoryVerification, "bundle_config_missing", "", "bundle has no %s", ConfigName)
	case traceDest != "" && !traceFound:
		return nil, coreerrors.New(coreerrors.CategoryVerification, "bundle_trace_missing", "", "bundle has no %s", TraceName)
	}

	if err := validate.ValidateJSON(schemabundle.ManifestSchema, metadata.ManifestBytes); err != nil {
		return nil, coreerrors.Wrap(fmt.Errorf("manifest: %w", err), coreerrors.CategoryVerification, "bundle_manifest_invalid", "")
	}
	if err := json.Unmarshal(metadata.ManifestBytes, &metadata.Manifest); err != nil {
		return nil, coreerrors.Wrap(fmt.Errorf("parse manifest: %w", err), coreerrors.CategoryVerification, "bundle_manifest_invalid", "")
	}
	if metadata.Config, err = config.Parse(metadata.ConfigBytes); err != nil {
		return nil, fmt.Errorf("bundle %s: %w", ConfigName, err)
	}
	return metadata, nil
}

func corrupt(err error) error {
	return coreerrors.Wrap(fmt.Errorf("read bundle: %w", err), coreerrors.CategoryVerification, "bundle_corrupt", "the bundle is truncated or damaged")
}

func copyToFile(reader io.Reader, dest string, mode os.FileMode) error {
	// #nosec G304 -- destination is chosen by the caller.
	file, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return coreerrors.Wrap(fmt.Errorf("create %s: %w", dest, err), coreerrors.CategoryIOFailure, "bundle_extract_failed", "")
	}
	if _, err := io.Copy(file, reader); err != nil {
		_ = file.Close()
		return corrupt(err)
	}
	if err := file.Close(); err != nil {
		return coreerrors.Wrap(fmt.Errorf("close %s: %w", dest, err), coreerrors.CategoryIOFailure, "bundle_extract_failed", "")
	}
	return nil
}
