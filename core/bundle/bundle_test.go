package bundle

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/gzip"

	"github.com/reprozip/reprozip/core/capture"
	"github.com/reprozip/reprozip/core/config"
	coreerrors "github.com/reprozip/reprozip/core/errors"
	"github.com/reprozip/reprozip/core/packages"
	"github.com/reprozip/reprozip/core/sign"
	"github.com/reprozip/reprozip/core/trace"
	"github.com/reprozip/reprozip/core/tracedb"
)

type fixture struct {
	root     string
	traceDir string
	output   string
}

var fixedNow = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

// newFixture lays out a small fake filesystem, records a trace of a
// command reading and writing in it, and generates config.yml.
func newFixture(test *testing.T) fixture {
	test.Helper()
	base := test.TempDir()
	f := fixture{
		root:     filepath.Join(base, "root"),
		traceDir: filepath.Join(base, "trace"),
		output:   filepath.Join(base, "out", "experiment.rpz"),
	}
	writeFile(test, filepath.Join(f.root, "bin/tool"), "#!/bin/tool\n", 0o755)
	writeFile(test, filepath.Join(f.root, "usr/lib/libfoo.so.1"), "ELF libfoo", 0o644)
	writeFile(test, filepath.Join(f.root, "data/in.txt"), "hello\n", 0o640)
	mustMkdir(test, filepath.Join(f.root, "work"))
	mustMkdir(test, filepath.Join(f.root, "out-unused"))
	mustSymlink(test, "libfoo.so.1", filepath.Join(f.root, "usr/lib/libfoo.so"))
	mustSymlink(test, "/data/in.txt", filepath.Join(f.root, "data/latest"))
	if err := os.MkdirAll(filepath.Dir(f.output), 0o755); err != nil {
		test.Fatalf("mkdir output: %v", err)
	}

	ctx := context.Background()
	db, err := tracedb.Open(ctx, capture.DatabasePath(f.traceDir))
	if err != nil {
		test.Fatalf("open trace db: %v", err)
	}
	if err := db.BeginRun(ctx, tracedb.Run{ID: 1, StartedAt: fixedNow(), Argv: []string{"tool", "/data/in.txt"}, WorkingDir: "/work"}); err != nil {
		test.Fatalf("begin run: %v", err)
	}
	writer := db.NewWriter(0)
	events := []trace.Event{
		{Kind: trace.KindProcessCreate, ProcessID: 1, PID: 10, WorkingDir: "/work"},
		{Kind: trace.KindExec, ProcessID: 1, Path: "/bin/tool", Argv: []string{"tool", "/data/in.txt"}, Envp: []string{"PATH=/bin", "HOME=/work"}, WorkingDir: "/work"},
		{Kind: trace.KindOpen, ProcessID: 1, Path: "/usr/lib/libfoo.so", Mode: trace.ModeRead},
		{Kind: trace.KindOpen, ProcessID: 1, Path: "/data/latest", Mode: trace.ModeRead},
		{Kind: trace.KindOpen, ProcessID: 1, Path: "/data/in.txt", Mode: trace.ModeRead},
		{Kind: trace.KindOpen, ProcessID: 1, Path: "/work/out.txt", Mode: trace.ModeWrite},
		{Kind: trace.KindOpen, ProcessID: 1, Path: "/data/none", Mode: trace.ModeRead, Result: -2},
		{Kind: trace.KindProcessExit, ProcessID: 1},
	}
	for index, event := range events {
		event.RunID, event.Seq, event.Timestamp = 1, int64(index+1), fixedNow()
		if err := writer.Write(ctx, event); err != nil {
			test.Fatalf("write event: %v", err)
		}
	}
	if err := writer.Flush(ctx); err != nil {
		test.Fatalf("flush: %v", err)
	}
	if err := db.FinishRun(ctx, 1, trace.Result{Processes: 1, Events: int64(len(events))}); err != nil {
		test.Fatalf("finish run: %v", err)
	}
	if err := db.Close(); err != nil {
		test.Fatalf("close db: %v", err)
	}

	host := config.Host{UID: 1000, GID: 1000, Architecture: "x86_64", Distribution: "debian 12", Hostname: "lab"}
	if _, err := capture.Reset(ctx, capture.Options{Dir: f.traceDir, Root: f.root, Identifier: packages.None(), Host: &host}); err != nil {
		test.Fatalf("reset: %v", err)
	}
	return f
}

func (f fixture) pack(test *testing.T, options PackOptions) PackResult {
	test.Helper()
	options.TraceDir, options.Output, options.Root, options.Now = f.traceDir, f.output, f.root, fixedNow
	result, err := Pack(context.Background(), options)
	if err != nil {
		test.Fatalf("pack: %v", err)
	}
	return result
}

func TestPackVerifyExtract(test *testing.T) {
	f := newFixture(test)
	result := f.pack(test, PackOptions{})
	// /bin/tool, /data/in.txt, /data/latest, /usr/lib/libfoo.so, /usr/lib/libfoo.so.1 and /work
	if result.Files != 6 || result.Signed {
		test.Fatalf("unexpected pack result: %+v", result)
	}

	verified, err := Verify(context.Background(), f.output, VerifyOptions{})
	if err != nil {
		test.Fatalf("verify: %v", err)
	}
	if !verified.OK() || verified.SignatureStatus != "missing" || verified.FilesChecked != 6 {
		test.Fatalf("unexpected verify result: %+v", verified)
	}

	metadata, err := ReadMetadata(context.Background(), f.output, filepath.Join(test.TempDir(), "trace.sqlite3"))
	if err != nil {
		test.Fatalf("read metadata: %v", err)
	}
	original, err := config.Load(capture.ConfigPath(f.traceDir))
	if err != nil {
		test.Fatalf("load config: %v", err)
	}
	if diff := cmp.Diff(original, metadata.Config); diff != "" {
		test.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
	if metadata.Manifest.Environment.Distribution != "debian 12" || !metadata.Manifest.CreatedAt.Equal(fixedNow()) {
		test.Fatalf("unexpected manifest: %+v", metadata.Manifest)
	}

	unpacked := filepath.Join(test.TempDir(), "root")
	extracted, err := Extract(context.Background(), f.output, unpacked, ExtractOptions{})
	if err != nil {
		test.Fatalf("extract: %v", err)
	}
	if extracted.Files != 6 {
		test.Fatalf("expected 6 extracted members, got %d", extracted.Files)
	}
	if got := readFile(test, filepath.Join(unpacked, "data/in.txt")); got != "hello\n" {
		test.Fatalf("unexpected content %q", got)
	}
	info, err := os.Stat(filepath.Join(unpacked, "data/in.txt"))
	if err != nil || info.Mode().Perm() != 0o640 {
		test.Fatalf("expected mode 0640, got %v (%v)", info, err)
	}
	if link, _ := os.Readlink(filepath.Join(unpacked, "usr/lib/libfoo.so")); link != "libfoo.so.1" {
		test.Fatalf("relative symlink changed: %q", link)
	}
	realUnpacked, _ := filepath.EvalSymlinks(unpacked)
	if link, _ := os.Readlink(filepath.Join(unpacked, "data/latest")); link != filepath.Join(realUnpacked, "data/in.txt") {
		test.Fatalf("absolute symlink not rewritten into root: %q", link)
	}
	if _, err := os.Stat(filepath.Join(unpacked, "work")); err != nil {
		test.Fatalf("working directory not extracted: %v", err)
	}
	if _, err := os.Stat(filepath.Join(unpacked, "work/out.txt")); !os.IsNotExist(err) {
		test.Fatalf("output file must not be packed: %v", err)
	}
}

func TestPackIsDeterministic(test *testing.T) {
	f := newFixture(test)
	first := f.pack(test, PackOptions{})
	second := f.pack(test, PackOptions{})
	if first.ManifestDigest != second.ManifestDigest {
		test.Fatalf("manifest digest changed between packs: %s != %s", first.ManifestDigest, second.ManifestDigest)
	}
}

func TestPackReportsAllMissingInputs(test *testing.T) {
	f := newFixture(test)
	for _, rel := range []string{"data/in.txt", "bin/tool"} {
		if err := os.Remove(filepath.Join(f.root, rel)); err != nil {
			test.Fatalf("remove: %v", err)
		}
	}
	_, err := Pack(context.Background(), PackOptions{TraceDir: f.traceDir, Output: f.output, Root: f.root})
	if coreerrors.CategoryOf(err) != coreerrors.CategoryDependencyMissing {
		test.Fatalf("expected dependency_missing, got %v", err)
	}
	if diff := cmp.Diff([]string{"/bin/tool", "/data/in.txt"}, coreerrors.MissingPathsOf(err)); diff != "" {
		test.Fatalf("missing paths mismatch (-want +got):\n%s", diff)
	}
	assertNoOutput(test, f.output)
}

func TestPackRejectsFilesAbsentFromTrace(test *testing.T) {
	f := newFixture(test)
	configuration, err := config.Load(capture.ConfigPath(f.traceDir))
	if err != nil {
		test.Fatalf("load: %v", err)
	}
	configuration.Files = append(configuration.Files, config.File{Path: "/data/sneaky", Role: "input"})
	if err := config.Save(capture.ConfigPath(f.traceDir), configuration); err != nil {
		test.Fatalf("save: %v", err)
	}
	_, err = Pack(context.Background(), PackOptions{TraceDir: f.traceDir, Output: f.output, Root: f.root})
	if coreerrors.CodeOf(err) != "config_not_in_trace" {
		test.Fatalf("expected config_not_in_trace, got %v", err)
	}
	if diff := cmp.Diff([]string{"/data/sneaky"}, coreerrors.MissingPathsOf(err)); diff != "" {
		test.Fatalf("paths mismatch (-want +got):\n%s", diff)
	}
}

func TestPackHonorsPackFiles(test *testing.T) {
	f := newFixture(test)
	configuration, err := config.Load(capture.ConfigPath(f.traceDir))
	if err != nil {
		test.Fatalf("load: %v", err)
	}
	configuration.Packages = []config.Package{{Name: "libfoo", Version: "1.0", PackFiles: false}}
	for index := range configuration.Files {
		if strings.HasPrefix(configuration.Files[index].Path, "/usr/lib/") {
			configuration.Files[index].Package = "libfoo"
		}
	}
	if err := config.Save(capture.ConfigPath(f.traceDir), configuration); err != nil {
		test.Fatalf("save: %v", err)
	}
	if result := f.pack(test, PackOptions{}); result.Files != 4 {
		test.Fatalf("expected package files to be left out, packed %d", result.Files)
	}
	verified, err := Verify(context.Background(), f.output, VerifyOptions{})
	if err != nil || !verified.OK() {
		test.Fatalf("verify: %+v %v", verified, err)
	}
}

func TestPackCancelledLeavesNothing(test *testing.T) {
	f := newFixture(test)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Pack(ctx, PackOptions{TraceDir: f.traceDir, Output: f.output, Root: f.root}); err == nil {
		test.Fatalf("expected cancelled pack to fail")
	}
	assertNoOutput(test, f.output)
}

func TestSignedBundle(test *testing.T) {
	f := newFixture(test)
	keys, err := sign.GenerateKeyPair()
	if err != nil {
		test.Fatalf("generate keys: %v", err)
	}
	if result := f.pack(test, PackOptions{SigningKey: keys.Private}); !result.Signed {
		test.Fatalf("expected signed bundle")
	}

	verified, err := Verify(context.Background(), f.output, VerifyOptions{PublicKey: keys.Public, RequireSignature: true})
	if err != nil {
		test.Fatalf("verify: %v", err)
	}
	if !verified.OK() || verified.SignatureStatus != "verified" || verified.SignaturesValid != 1 {
		test.Fatalf("unexpected verify result: %+v", verified)
	}

	other, err := sign.GenerateKeyPair()
	if err != nil {
		test.Fatalf("generate keys: %v", err)
	}
	verified, err = Verify(context.Background(), f.output, VerifyOptions{PublicKey: other.Public})
	if err != nil {
		test.Fatalf("verify: %v", err)
	}
	if verified.OK() || verified.SignatureStatus != "failed" {
		test.Fatalf("expected signature failure with another key: %+v", verified)
	}
}

func TestVerifyDetectsTampering(test *testing.T) {
	f := newFixture(test)
	f.pack(test, PackOptions{})
	tampered := filepath.Join(test.TempDir(), "tampered.rpz")
	rewriteBundle(test, f.output, tampered, func(header *tar.Header, data []byte) (*tar.Header, []byte) {
		if header.Name == "DATA/data/in.txt" {
			return header, []byte("HELLO\n")
		}
		if header.Name == "DATA/bin/tool" {
			return nil, nil
		}
		return header, data
	})
	verified, err := Verify(context.Background(), tampered, VerifyOptions{})
	if err != nil {
		test.Fatalf("verify: %v", err)
	}
	if verified.OK() {
		test.Fatalf("expected tampering to be detected")
	}
	if diff := cmp.Diff([]string{"/bin/tool"}, verified.MissingFiles); diff != "" {
		test.Fatalf("missing files mismatch (-want +got):\n%s", diff)
	}
	if len(verified.HashMismatches) != 1 || verified.HashMismatches[0].Path != "/data/in.txt" {
		test.Fatalf("unexpected mismatches: %+v", verified.HashMismatches)
	}

	_, err = Extract(context.Background(), tampered, filepath.Join(test.TempDir(), "root"), ExtractOptions{})
	if coreerrors.CodeOf(err) != "bundle_inputs_missing" {
		test.Fatalf("expected bundle_inputs_missing, got %v", err)
	}
	if diff := cmp.Diff([]string{"/bin/tool"}, coreerrors.MissingPathsOf(err)); diff != "" {
		test.Fatalf("missing paths mismatch (-want +got):\n%s", diff)
	}
}

func TestExtractRejectsEscapingMembers(test *testing.T) {
	f := newFixture(test)
	f.pack(test, PackOptions{})
	for _, name := range []string{"DATA/../../evil", "/etc/evil"} {
		hostile := filepath.Join(test.TempDir(), "hostile.rpz")
		rewriteBundle(test, f.output, hostile, func(header *tar.Header, data []byte) (*tar.Header, []byte) {
			if header.Name == "DATA/data/in.txt" {
				header.Name = name
			}
			return header, data
		})
		target := filepath.Join(test.TempDir(), "root")
		_, err := Extract(context.Background(), hostile, target, ExtractOptions{})
		if coreerrors.CodeOf(err) != "bundle_invalid_member" {
			test.Fatalf("%s: expected bundle_invalid_member, got %v", name, err)
		}
		if _, err := os.Stat(filepath.Join(target, "bin/tool")); !os.IsNotExist(err) {
			test.Fatalf("%s: nothing may be extracted from a hostile bundle", name)
		}
	}
}

func TestExtractRefusesWritingThroughEscapingSymlink(test *testing.T) {
	f := newFixture(test)
	f.pack(test, PackOptions{})
	outside := test.TempDir()
	hostile := filepath.Join(test.TempDir(), "hostile.rpz")
	rewriteBundle(test, f.output, hostile, func(header *tar.Header, data []byte) (*tar.Header, []byte) {
		if header.Name == "DATA/bin/tool" {
			return &tar.Header{Name: "DATA/bin", Typeflag: tar.TypeSymlink, Linkname: "../../../../../../../../" + outside, Mode: 0o777, ModTime: fixedNow()}, nil
		}
		return header, data
	})
	// keep /bin/tool so the packed input check passes
	appendMember(test, hostile, "DATA/bin/tool", "payload")
	_, err := Extract(context.Background(), hostile, filepath.Join(test.TempDir(), "root"), ExtractOptions{})
	if coreerrors.CodeOf(err) != "bundle_invalid_member" {
		test.Fatalf("expected bundle_invalid_member, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(outside, "tool")); !os.IsNotExist(err) {
		test.Fatalf("file written outside root")
	}
}

func TestReadMetadataRejectsOtherVersions(test *testing.T) {
	f := newFixture(test)
	f.pack(test, PackOptions{})
	old := filepath.Join(test.TempDir(), "old.rpz")
	rewriteBundle(test, f.output, old, func(header *tar.Header, data []byte) (*tar.Header, []byte) {
		if header.Name == VersionName {
			return header, []byte("REPROZIP VERSION 1\n")
		}
		return header, data
	})
	_, err := ReadMetadata(context.Background(), old, "")
	if coreerrors.CodeOf(err) != "bundle_version_unsupported" || coreerrors.CategoryOf(err) != coreerrors.CategoryInvalidInput {
		test.Fatalf("expected invalid input bundle_version_unsupported, got %v", err)
	}
}

func TestVerifyFlagsExtraMetadataMembers(test *testing.T) {
	f := newFixture(test)
	f.pack(test, PackOptions{})
	verified, err := Verify(context.Background(), f.output, VerifyOptions{})
	if err != nil || !verified.OK() {
		test.Fatalf("fresh bundle should verify: %+v %v", verified, err)
	}

	appendMember(test, f.output, VersionName, "REPROZIP VERSION 1\n")
	appendMember(test, f.output, "METADATA/extra", "x")
	verified, err = Verify(context.Background(), f.output, VerifyOptions{})
	if err != nil {
		test.Fatalf("verify: %v", err)
	}
	if diff := cmp.Diff([]string{"METADATA/extra", VersionName}, verified.UnexpectedFiles); diff != "" {
		test.Fatalf("unexpected files mismatch (-want +got):\n%s", diff)
	}
	if verified.OK() {
		test.Fatalf("a duplicated version member must fail verification")
	}
}

func TestDataNames(test *testing.T) {
	if got := DataName("/usr/lib/x.so"); got != "DATA/usr/lib/x.so" {
		test.Fatalf("unexpected data name %q", got)
	}
	if got, err := OriginalPath("DATA/work/"); err != nil || got != "/work" {
		test.Fatalf("unexpected original path %q (%v)", got, err)
	}
	if _, err := OriginalPath("DATA/a/../../b"); err == nil {
		test.Fatalf("expected .. to be rejected")
	}
}

// rewriteBundle copies a bundle through edit. A nil header drops the member.
func rewriteBundle(test *testing.T, source, dest string, edit func(*tar.Header, []byte) (*tar.Header, []byte)) {
	test.Helper()
	reader, err := openTar(source)
	if err != nil {
		test.Fatalf("open: %v", err)
	}
	defer func() { _ = reader.Close() }()

	file, err := os.Create(dest)
	if err != nil {
		test.Fatalf("create: %v", err)
	}
	compressor := gzip.NewWriter(file)
	writer := tar.NewWriter(compressor)
	for {
		header, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			test.Fatalf("next: %v", err)
		}
		data, err := io.ReadAll(reader)
		if err != nil {
			test.Fatalf("read member: %v", err)
		}
		header, data = edit(header, data)
		if header == nil {
			continue
		}
		if header.Typeflag == tar.TypeReg {
			header.Size = int64(len(data))
		}
		if err := writer.WriteHeader(header); err != nil {
			test.Fatalf("write header: %v", err)
		}
		if _, err := writer.Write(data); err != nil {
			test.Fatalf("write member: %v", err)
		}
	}
	closeAll(test, writer, compressor, file)
}

// appendMember adds a regular file at the end of a bundle.
func appendMember(test *testing.T, bundlePath, name, content string) {
	test.Helper()
	copied := bundlePath + ".orig"
	if err := os.Rename(bundlePath, copied); err != nil {
		test.Fatalf("rename: %v", err)
	}
	reader, err := openTar(copied)
	if err != nil {
		test.Fatalf("open: %v", err)
	}
	defer func() { _ = reader.Close() }()
	file, err := os.Create(bundlePath)
	if err != nil {
		test.Fatalf("create: %v", err)
	}
	compressor := gzip.NewWriter(file)
	writer := tar.NewWriter(compressor)
	for {
		header, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			test.Fatalf("next: %v", err)
		}
		if err := writer.WriteHeader(header); err != nil {
			test.Fatalf("write header: %v", err)
		}
		if _, err := io.Copy(writer, reader); err != nil {
			test.Fatalf("copy: %v", err)
		}
	}
	header := &tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(content)), ModTime: fixedNow()}
	if err := writer.WriteHeader(header); err != nil {
		test.Fatalf("write header: %v", err)
	}
	if _, err := writer.Write([]byte(content)); err != nil {
		test.Fatalf("write: %v", err)
	}
	closeAll(test, writer, compressor, file)
}

func closeAll(test *testing.T, closers ...io.Closer) {
	test.Helper()
	for _, closer := range closers {
		if err := closer.Close(); err != nil {
			test.Fatalf("close: %v", err)
		}
	}
}

func assertNoOutput(test *testing.T, output string) {
	test.Helper()
	entries, err := os.ReadDir(filepath.Dir(output))
	if err != nil {
		test.Fatalf("read output dir: %v", err)
	}
	if len(entries) != 0 {
		test.Fatalf("expected no bundle or temp file, found %d entries", len(entries))
	}
}

func writeFile(test *testing.T, path, content string, mode os.FileMode) {
	test.Helper()
	mustMkdir(test, filepath.Dir(path))
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		test.Fatalf("write %s: %v", path, err)
	}
	if err := os.Chmod(path, mode); err != nil {
		test.Fatalf("chmod %s: %v", path, err)
	}
}

func readFile(test *testing.T, path string) string {
	test.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		test.Fatalf("read %s: %v", path, err)
	}
	return string(raw)
}

func mustMkdir(test *testing.T, path string) {
	test.Helper()
	if err := os.MkdirAll(path, 0o755); err != nil {
		test.Fatalf("mkdir %s: %v", path, err)
	}
}

func mustSymlink(test *testing.T, target, link string) {
	test.Helper()
	mustMkdir(test, filepath.Dir(link))
	if err := os.Symlink(target, link); err != nil {
		test.Fatalf("symlink %s: %v", link, err)
	}
}

func TestExtractKeepsAbsoluteLinksForChroot(test *testing.T) {
	f := newFixture(test)
	f.pack(test, PackOptions{})
	unpacked := filepath.Join(test.TempDir(), "root")
	if _, err := Extract(context.Background(), f.output, unpacked, ExtractOptions{KeepAbsoluteLinks: true}); err != nil {
		test.Fatalf("extract: %v", err)
	}
	if link, _ := os.Readlink(filepath.Join(unpacked, "data/latest")); link != "/data/in.txt" {
		test.Fatalf("absolute symlink should be kept, got %q", link)
	}
	if got := readFile(test, filepath.Join(unpacked, "data/in.txt")); got != "hello\n" {
		test.Fatalf("unexpected content %q", got)
	}
}
