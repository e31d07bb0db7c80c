package bundle

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"slices"
	"sort"
	"strings"

	schemabundle "github.com/reprozip/reprozip/core/schema/v1/bundle"
	"github.com/reprozip/reprozip/core/sign"
)

type VerifyOptions struct {
	PublicKey        ed25519.PublicKey
	RequireSignature bool
}

type VerifyResult struct {
	ManifestDigest  string         `json:"manifest_digest"`
	FilesChecked    int            `json:"files_checked"`
	MissingFiles    []string       `json:"missing_files,omitempty"`
	UnexpectedFiles []string       `json:"unexpected_files,omitempty"`
	HashMismatches  []HashMismatch `json:"hash_mismatches,omitempty"`
	SignatureStatus string         `json:"signature_status"`
	SignatureErrors []string       `json:"signature_errors,omitempty"`
	SignaturesTotal int            `json:"signatures_total"`
	SignaturesValid int            `json:"signatures_valid"`
}

type HashMismatch struct {
	Path     string `json:"path"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

func (r VerifyResult) OK() bool {
	return len(r.MissingFiles) == 0 && len(r.UnexpectedFiles) == 0 && len(r.HashMismatches) == 0 &&
		len(r.SignatureErrors) == 0 && r.SignatureStatus != "failed"
}

// Verify checks every member of the bundle against its manifest, and the
// manifest against the configuration's packed inputs.
func Verify(ctx context.Context, bundlePath string, options VerifyOptions) (VerifyResult, error) {
	metadata, err := ReadMetadata(ctx, bundlePath, "")
	if err != nil {
		return VerifyResult{}, err
	}
	manifest := metadata.Manifest
	result := VerifyResult{
		ManifestDigest:  manifest.ManifestDigest,
		FilesChecked:    len(manifest.Files),
		SignatureStatus: "missing",
		SignaturesTotal: len(manifest.Signatures),
	}

	expected := map[string]schemabundle.ManifestFile{}
	for _, file := range manifest.Files {
		expected[file.Path] = file
	}
	for _, path := range metadata.Config.PackedInputs() {
		if _, ok := expected[path]; !ok {
			result.MissingFiles = append(result.MissingFiles, path)
		}
	}

	reader, err := openTar(bundlePath)
	if err != nil {
		return VerifyResult{}, err
	}
	defer func() {
		_ = reader.Close()
	}()
	found := map[string]bool{}
	metadataSeen := map[string]bool{}
	for {
		if err := ctx.Err(); err != nil {
			return VerifyResult{}, err
		}
		header, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return VerifyResult{}, corrupt(err)
		}
		if strings.HasPrefix(header.Name, "METADATA/") {
			// readers take the first or last copy of a member; either way
			// a second copy is not covered by the manifest
			if metadataSeen[header.Name] || !slices.Contains(metadataNames, header.Name) {
				result.UnexpectedFiles = append(result.UnexpectedFiles, header.Name)
				continue
			}
			metadataSeen[header.Name] = true
		}
		switch header.Name {
		case VersionName:
			if err := compareDigest(&result, reader, header.Name, versionDigest); err != nil {
				return VerifyResult{}, err
			}
			continue
		case ConfigName:
			if err := compareDigest(&result, reader, header.Name, manifest.ConfigDigest); err != nil {
				return VerifyResult{}, err
			}
			continue
		case TraceName:
			if err := compareDigest(&result, reader, header.Name, manifest.TraceDigest); err != nil {
				return VerifyResult{}, err
			}
			continue
		}
		if !strings.HasPrefix(header.Name, DataPrefix) {
			continue
		}
		original, err := OriginalPath(header.Name)
		if err != nil {
			return VerifyResult{}, err
		}
		file, ok := expected[original]
		if !ok {
			result.UnexpectedFiles = append(result.UnexpectedFiles, original)
			continue
		}
		found[original] = true
		if file.Type == schemabundle.FileTypeSymlink && header.Linkname != file.Linkname {
			result.HashMismatches = append(result.HashMismatches, HashMismatch{Path: original, Expected: file.Linkname, Actual: header.Linkname})
		}
		if file.Type == schemabundle.FileTypeRegular {
			if err := compareDigest(&result, reader, original, file.SHA256); err != nil {
				return VerifyResult{}, err
			}
		}
	}
	for _, file := range manifest.Files {
		if !found[file.Path] {
			result.MissingFiles = append(result.MissingFiles, file.Path)
		}
	}

	computed, err := ComputeManifestDigest(manifest)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("compute manifest digest: %w", err)
	}
	if !strings.EqualFold(computed, manifest.ManifestDigest) {
		result.HashMismatches = append(result.HashMismatches, HashMismatch{Path: ManifestName, Expected: manifest.ManifestDigest, Actual: computed})
	}
	if err := verifySignatures(&result, manifest, options); err != nil {
		return VerifyResult{}, err
	}

	sort.Strings(result.MissingFiles)
	result.MissingFiles = slices.Compact(result.MissingFiles)
	sort.Strings(result.UnexpectedFiles)
	sort.Slice(result.HashMismatches, func(i, j int) bool { return result.HashMismatches[i].Path < result.HashMismatches[j].Path })
	sort.Strings(result.SignatureErrors)
	return result, nil
}

var (
	metadataNames = []string{VersionName, ManifestName, ConfigName, TraceName}
	versionDigest = func() string {
		sum := sha256.Sum256([]byte(VersionLine))
		return hex.EncodeToString(sum[:])
	}()
)

func compareDigest(result *VerifyResult, reader io.Reader, name, want string) error {
	hash := sha256.New()
	if _, err := io.Copy(hash, reader); err != nil {
		return corrupt(err)
	}
	if actual := hex.EncodeToString(hash.Sum(nil)); !strings.EqualFold(actual, want) {
		result.HashMismatches = append(result.HashMismatches, HashMismatch{Path: name, Expected: want, Actual: actual})
	}
	return nil
}

func verifySignatures(result *VerifyResult, manifest schemabundle.Manifest, options VerifyOptions) error {
	switch {
	case len(manifest.Signatures) == 0:
		if options.RequireSignature {
			result.SignatureErrors = append(result.SignatureErrors, "manifest has no signatures")
		}
		return nil
	case options.PublicKey == nil:
		result.SignatureStatus = "skipped"
		if options.RequireSignature {
			result.SignatureErrors = append(result.SignatureErrors, "public key not configured")
		}
		return nil
	}

	signable, err := signableManifest(manifest)
	if err != nil {
		return fmt.Errorf("prepare manifest for signing: %w", err)
	}
	valid := 0
	for _, signature := range manifest.Signatures {
		converted := sign.Signature{Alg: signature.Alg, KeyID: signature.KeyID, Sig: signature.Sig, SignedDigest: signature.SignedDigest}
		ok, err := sign.VerifyJSON(options.PublicKey, converted, signable)
		switch {
		case err != nil:
			result.SignatureErrors = append(result.SignatureErrors, err.Error())
		case ok:
			valid++
		default:
			result.SignatureErrors = append(result.SignatureErrors, "signature verification failed")
		}
	}
	result.SignaturesValid = valid
	if valid > 0 {
		result.SignatureStatus = "verified"
		result.SignatureErrors = nil
	} else {
		result.SignatureStatus = "failed"
	}
	return nil
}
