package graph

import (
	"bytes"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/reprozip/reprozip/core/trace"
)

type script struct {
	events []trace.Event
	seq    int64
}

func (s *script) add(event trace.Event) *script {
	s.seq++
	event.Seq = s.seq
	if event.RunID == 0 {
		event.RunID = 1
	}
	s.events = append(s.events, event)
	return s
}

func (s *script) create(id, parent int) *script {
	return s.add(trace.Event{Kind: trace.KindProcessCreate, ProcessID: id, ParentProcessID: parent, PID: 100 + id, WorkingDir: "/work"})
}

func (s *script) exec(id int, path string, argv ...string) *script {
	return s.add(trace.Event{Kind: trace.KindExec, ProcessID: id, Path: path, Argv: argv, Envp: []string{"HOME=/root"}, WorkingDir: "/work"})
}

func (s *script) open(id int, path string, mode trace.Mode) *script {
	return s.add(trace.Event{Kind: trace.KindOpen, ProcessID: id, Path: path, Mode: mode})
}

func roles(g *Graph) map[string]Role {
	out := map[string]Role{}
	for path, file := range g.Files {
		out[path] = file.Role
	}
	return out
}

func TestClassification(test *testing.T) {
	s := &script{}
	s.create(1, 0).exec(1, "/bin/sh", "sh", "run.sh")
	s.open(1, "/data/in.csv", trace.ModeRead)
	s.open(1, "/data/out.csv", trace.ModeWrite)
	s.open(1, "/data/out.csv", trace.ModeRead)
	s.open(1, "/tmp/inter", trace.ModeWrite)
	s.create(2, 1).exec(2, "/usr/bin/sort", "sort", "/tmp/inter")
	s.open(2, "/tmp/inter", trace.ModeRead)
	s.open(2, "/tmp/scratch", trace.ModeWrite)
	s.add(trace.Event{Kind: trace.KindUnlink, ProcessID: 2, Path: "/tmp/scratch"})
	s.open(2, "/etc/config", trace.ModeRead)
	s.open(2, "/etc/config", trace.ModeWrite)
	s.open(1, "/data/missing", trace.ModeRead)
	s.events[len(s.events)-1].Result = -2
	s.add(trace.Event{Kind: trace.KindStat, ProcessID: 1, Path: "/data", Mode: trace.ModeStat, IsDirectory: true})
	s.open(1, "/proc/self/maps", trace.ModeRead)
	s.open(1, "/trace-dir/trace.sqlite3", trace.ModeWrite)

	g, err := Build(s.events, Options{Ignore: append(DefaultIgnore, "/trace-dir")})
	if err != nil {
		test.Fatalf("build: %v", err)
	}
	want := map[string]Role{
		"/bin/sh":       RoleInput,
		"/usr/bin/sort": RoleInput,
		"/data/in.csv":  RoleInput,
		"/data/out.csv": RoleOutput,
		"/tmp/inter":    RoleTransient,
		"/tmp/scratch":  RoleTransient,
		"/etc/config":   RoleInput,
	}
	if diff := cmp.Diff(want, roles(g)); diff != "" {
		test.Fatalf("roles mismatch (-want +got):\n%s", diff)
	}
	if !g.Directories["/data"] {
		test.Fatalf("expected /data in directory set, got %v", g.Directories)
	}
	if len(g.Runs) != 1 || g.Runs[0].Binary != "/bin/sh" || g.Runs[0].WorkingDir != "/work" {
		test.Fatalf("unexpected run info: %+v", g.Runs)
	}
	if diff := cmp.Diff([]int{1}, g.Files["/data/out.csv"].WrittenBy); diff != "" {
		test.Fatalf("written-by mismatch:\n%s", diff)
	}
}

func TestWrittenInOneRunReadInNext(test *testing.T) {
	s := &script{}
	s.create(1, 0).exec(1, "/bin/gen", "gen")
	s.open(1, "/data/model.bin", trace.ModeWrite)
	s.add(trace.Event{RunID: 2, Kind: trace.KindProcessCreate, ProcessID: 1, PID: 300})
	s.add(trace.Event{RunID: 2, Kind: trace.KindExec, ProcessID: 1, Path: "/bin/use", Argv: []string{"use"}})
	s.add(trace.Event{RunID: 2, Kind: trace.KindOpen, ProcessID: 1, Path: "/data/model.bin", Mode: trace.ModeRead})

	g, err := Build(s.events, Options{})
	if err != nil {
		test.Fatalf("build: %v", err)
	}
	model := g.Files["/data/model.bin"]
	if model.Role != RoleTransient {
		test.Fatalf("expected transient, got %s", model.Role)
	}
	if diff := cmp.Diff([]int{2}, model.ReadBy); diff != "" {
		test.Fatalf("read-by mismatch:\n%s", diff)
	}
	if len(g.Runs) != 2 {
		test.Fatalf("expected two runs, got %d", len(g.Runs))
	}
}

func TestRenameMakesTemporaryTransient(test *testing.T) {
	s := &script{}
	s.create(1, 0).exec(1, "/bin/save", "save")
	s.open(1, "/out/.result.tmp", trace.ModeWrite)
	s.add(trace.Event{Kind: trace.KindRename, ProcessID: 1, Path: "/out/.result.tmp", Target: "/out/result"})

	g, err := Build(s.events, Options{})
	if err != nil {
		test.Fatalf("build: %v", err)
	}
	if got := roles(g); got["/out/.result.tmp"] != RoleTransient || got["/out/result"] != RoleOutput {
		test.Fatalf("unexpected roles: %v", got)
	}
}

type mapResolver map[string][]string

func (m mapResolver) Expand(path string) []string {
	if expanded, ok := m[path]; ok {
		return expanded
	}
	return []string{path}
}

func TestSymlinkExpansion(test *testing.T) {
	s := &script{}
	s.create(1, 0).exec(1, "/usr/bin/python", "python", "exp.py")
	s.open(1, "/home/u/results", trace.ModeWrite)

	resolver := mapResolver{
		"/usr/bin/python": {"/usr/bin/python", "/usr/bin/python3", "/usr/bin/python3.11"},
		"/home/u/results": {"/home/u/results", "/mnt/big/results"},
	}
	g, err := Build(s.events, Options{Resolver: resolver})
	if err != nil {
		test.Fatalf("build: %v", err)
	}
	want := map[string]Role{
		"/usr/bin/python":     RoleInput,
		"/usr/bin/python3":    RoleInput,
		"/usr/bin/python3.11": RoleInput,
		"/home/u/results":     RoleInput,
		"/mnt/big/results":    RoleOutput,
	}
	if diff := cmp.Diff(want, roles(g)); diff != "" {
		test.Fatalf("roles mismatch (-want +got):\n%s", diff)
	}
}

func TestHostResolver(test *testing.T) {
	root := test.TempDir()
	mustMkdir(test, filepath.Join(root, "usr", "lib"))
	mustWrite(test, filepath.Join(root, "usr", "lib", "libz.so.1.3"))
	if err := os.Symlink("usr/lib", filepath.Join(root, "lib")); err != nil {
		test.Fatalf("symlink: %v", err)
	}
	if err := os.Symlink("libz.so.1.3", filepath.Join(root, "usr", "lib", "libz.so.1")); err != nil {
		test.Fatalf("symlink: %v", err)
	}

	got := HostResolver{Root: root}.Expand("/lib/libz.so.1")
	want := []string{"/lib", "/usr/lib/libz.so.1", "/usr/lib/libz.so.1.3"}
	if diff := cmp.Diff(want, got); diff != "" {
		test.Fatalf("expansion mismatch (-want +got):\n%s", diff)
	}
	if got := (HostResolver{Root: root}).Expand("/nowhere/file"); len(got) != 1 || got[0] != "/nowhere/file" {
		test.Fatalf("missing path should be unchanged, got %v", got)
	}
}

func TestProgramsFoldForkExec(test *testing.T) {
	s := &script{}
	s.create(1, 0).exec(1, "/bin/sh", "sh")
	s.open(1, "/etc/profile", trace.ModeRead)
	s.create(2, 1).exec(2, "/bin/ls", "ls")
	s.exec(2, "/bin/true", "true")

	folded, err := Build(s.events, Options{})
	if err != nil {
		test.Fatalf("build: %v", err)
	}
	var created []string
	for _, program := range folded.Processes {
		created = append(created, fmt.Sprintf("%s:%s", program.Binary, program.Created))
	}
	want := []string{"/bin/sh:initial", "/bin/ls:fork+exec", "/bin/true:exec"}
	if diff := cmp.Diff(want, created); diff != "" {
		test.Fatalf("programs mismatch (-want +got):\n%s", diff)
	}

	all, err := Build(s.events, Options{AllForks: true})
	if err != nil {
		test.Fatalf("build all forks: %v", err)
	}
	if len(all.Processes) != 5 {
		test.Fatalf("expected every fork and exec as its own program, got %d", len(all.Processes))
	}
}

func TestBuildRejectsBadStreams(test *testing.T) {
	s := &script{}
	s.create(1, 0)
	s.events = append(s.events, s.events[0])
	if _, err := Build(s.events, Options{}); err == nil {
		test.Fatalf("expected out-of-order error")
	}

	orphan := &script{}
	orphan.open(9, "/etc/hosts", trace.ModeRead)
	if _, err := Build(orphan.events, Options{}); err == nil {
		test.Fatalf("expected unknown process error")
	}
}

// Every file opened for reading and never written is an input, whatever
// else the traced tree does around it.
func TestReadOnlyFilesAreInputs(test *testing.T) {
	random := rand.New(rand.NewSource(42))
	for iteration := 0; iteration < 200; iteration++ {
		s := &script{}
		s.create(1, 0).exec(1, "/bin/tool", "tool")
		s.create(2, 1)
		written := map[string]bool{}
		readOnly := map[string]bool{}
		for step := 0; step < 30; step++ {
			path := fmt.Sprintf("/f/%d", random.Intn(12))
			process := 1 + random.Intn(2)
			switch random.Intn(3) {
			case 0:
				s.open(process, path, trace.ModeWrite)
				written[path] = true
			case 1:
				s.open(process, path, trace.ModeRead)
			default:
				s.add(trace.Event{Kind: trace.KindStat, ProcessID: process, Path: path, Mode: trace.ModeStat})
			}
		}
		for _, event := range s.events {
			if event.Kind == trace.KindOpen || event.Kind == trace.KindStat {
				if !written[event.Path] {
					readOnly[event.Path] = true
				}
			}
		}
		g, err := Build(s.events, Options{})
		if err != nil {
			test.Fatalf("build: %v", err)
		}
		for path := range readOnly {
			if g.Files[path].Role != RoleInput {
				test.Fatalf("iteration %d: read-only %s classified %s", iteration, path, g.Files[path].Role)
			}
		}
	}
}

func TestWriteDOT(test *testing.T) {
	s := &script{}
	s.create(1, 0).exec(1, "/bin/sh", "sh", "-c", "ls \"x\"")
	s.open(1, "/lib/libc.so.6", trace.ModeRead)
	s.open(1, "/out/result", trace.ModeWrite)

	g, err := Build(s.events, Options{})
	if err != nil {
		test.Fatalf("build: %v", err)
	}
	var buf bytes.Buffer
	owners := map[string]PackageRef{"/lib/libc.so.6": {Name: "libc6", Version: "2.36"}}
	if err := WriteDOT(&buf, g, owners); err != nil {
		test.Fatalf("write dot: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"digraph G {",
		`prog0 [label="/bin/sh (101)"];`,
		`label="libc6 2.36";`,
		`"/bin/sh" -> prog0 [color=blue, label="sh -c ls \"x\""];`,
		`"/lib/libc.so.6" -> prog0 [color=green];`,
		`prog0 -> "/out/result" [color=red];`,
	} {
		if !strings.Contains(out, want) {
			test.Fatalf("expected %q in DOT output:\n%s", want, out)
		}
	}
	if !strings.HasSuffix(out, "}\n") {
		test.Fatalf("DOT output not terminated:\n%s", out)
	}
}

func TestWriteTreeListsConnections(test *testing.T) {
	s := &script{}
	s.create(1, 0).exec(1, "/usr/bin/curl", "curl", "example.org")
	s.add(trace.Event{Kind: trace.KindConnect, ProcessID: 1, Address: "93.184.216.34:80"})
	s.add(trace.Event{Kind: trace.KindProcessExit, ProcessID: 1, ExitCode: 0})

	g, err := Build(s.events, Options{})
	if err != nil {
		test.Fatalf("build: %v", err)
	}
	var buf bytes.Buffer
	if err := WriteTree(&buf, g); err != nil {
		test.Fatalf("write tree: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "/usr/bin/curl [initial] pid=101 (exit 0) curl example.org") {
		test.Fatalf("unexpected tree:\n%s", out)
	}
	if !strings.Contains(out, "-> 93.184.216.34:80") {
		test.Fatalf("expected connection in tree:\n%s", out)
	}
}

func mustMkdir(test *testing.T, path string) {
	test.Helper()
	if err := os.MkdirAll(path, 0o755); err != nil {
		test.Fatalf("mkdir %s: %v", path, err)
	}
}

func mustWrite(test *testing.T, path string) {
	test.Helper()
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		test.Fatalf("write %s: %v", path, err)
	}
}
