package graph

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/reprozip/reprozip/core/trace"
)

type Role string

const (
	RoleInput     Role = "input"
	RoleOutput    Role = "output"
	RoleTransient Role = "transient"
)

func (r Role) Valid() bool {
	return r == RoleInput || r == RoleOutput || r == RoleTransient
}

// Created tells how a program came to be.
type Created int

const (
	CreatedInitial Created = iota
	CreatedFork
	CreatedExec
	CreatedForkExec
)

func (c Created) String() string {
	switch c {
	case CreatedFork:
		return "fork"
	case CreatedExec:
		return "exec"
	case CreatedForkExec:
		return "fork+exec"
	default:
		return "initial"
	}
}

// Process is a program in the graph: a (process, binary) pair. Forking
// and exec'ing both start a new program unless folded (see Options.AllForks).
type Process struct {
	Index      int
	ProcessID  int
	PID        int
	RunID      int
	Parent     *Process
	Binary     string
	Argv       []string
	WorkingDir string
	Created    Created
	Accesses   []Access
	ExitCode   int
	Signal     int
	Exited     bool

	acted bool
	seen  map[string]bool
}

// Access is one edge between a program and a file.
type Access struct {
	Path string
	Mode trace.Mode
	Exec bool
	Argv []string
	Seq  int64
}

type FileDependency struct {
	Path      string
	Role      Role
	FirstSeq  int64
	ReadBy    []int
	WrittenBy []int
}

type Connection struct {
	RunID     int
	ProcessID int
	Address   string
	Result    int
}

type Run struct {
	ID         int
	Argv       []string
	Binary     string
	WorkingDir string
	Environ    []string
	ExitCode   int
	Signal     int
	Root       *Process
}

type Graph struct {
	Runs        []*Run
	Processes   []*Process
	Files       map[string]*FileDependency
	Directories map[string]bool
	Connections []Connection
}

// SortedFiles returns the file dependencies ordered by path.
func (g *Graph) SortedFiles() []*FileDependency {
	files := make([]*FileDependency, 0, len(g.Files))
	for _, file := range g.Files {
		files = append(files, file)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files
}

// Resolver expands a path into the symbolic links traversed to reach it.
// The returned slice ends with the fully resolved path; links come first.
type Resolver interface {
	Expand(path string) []string
}

type Options struct {
	Ignore   []string
	AllForks bool
	Resolver Resolver
}

var DefaultIgnore = []string{"/proc", "/dev", "/sys"}

type processKey struct {
	run int
	id  int
}

type fileState struct {
	dep       *FileDependency
	writtenBy map[processKey]bool
	readBy    map[int]bool
	wroteRuns map[int]bool
}

type builder struct {
	options  Options
	graph    *Graph
	programs map[processKey]*Process
	files    map[string]*fileState
	runs     map[int]*Run
}

// Build classifies every file touched by the events. Events must be in
// (run, seq) order.
func Build(events []trace.Event, options Options) (*Graph, error) {
	if options.Resolver == nil {
		options.Resolver = identity{}
	}
	b := &builder{
		options: options,
		graph: &Graph{
			Files:       map[string]*FileDependency{},
			Directories: map[string]bool{},
		},
		programs: map[processKey]*Process{},
		files:    map[string]*fileState{},
		runs:     map[int]*Run{},
	}
	lastRun, lastSeq := 0, int64(0)
	for _, event := range events {
		if event.RunID < lastRun || (event.RunID == lastRun && event.Seq <= lastSeq) {
			return nil, fmt.Errorf("events out of order at run %d seq %d", event.RunID, event.Seq)
		}
		lastRun, lastSeq = event.RunID, event.Seq
		if err := b.apply(event); err != nil {
			return nil, err
		}
	}
	for _, state := range b.files {
		state.dep.ReadBy = sortedRuns(state.readBy)
		state.dep.WrittenBy = sortedRuns(state.wroteRuns)
		b.graph.Files[state.dep.Path] = state.dep
	}
	return b.graph, nil
}

func (b *builder) apply(event trace.Event) error {
	key := processKey{run: event.RunID, id: event.ProcessID}
	switch event.Kind {
	case trace.KindProcessCreate:
		return b.processCreate(key, event)
	case trace.KindProcessExit:
		if program := b.programs[key]; program != nil {
			program.Exited, program.ExitCode, program.Signal = true, event.ExitCode, event.Signal
			if run := b.runs[event.RunID]; run != nil && run.Root != nil && run.Root.ProcessID == event.ProcessID {
				run.ExitCode, run.Signal = event.ExitCode, event.Signal
			}
		}
		return nil
	}

	program := b.programs[key]
	if program == nil {
		return fmt.Errorf("run %d seq %d: event for unknown process %d", event.RunID, event.Seq, event.ProcessID)
	}
	if !event.Succeeded() {
		return nil
	}

	switch event.Kind {
	case trace.KindExec:
		b.exec(key, program, event)
	case trace.KindConnect:
		b.graph.Connections = append(b.graph.Connections, Connection{
			RunID: event.RunID, ProcessID: event.ProcessID, Address: event.Address, Result: event.Result,
		})
	case trace.KindChdir, trace.KindMkdir:
		if !b.ignored(event.Path) {
			b.graph.Directories[event.Path] = true
		}
	case trace.KindOpen, trace.KindStat:
		if event.IsDirectory {
			if !b.ignored(event.Path) {
				b.graph.Directories[event.Path] = true
			}
			return nil
		}
		program.acted = true
		b.access(key, program, event.Path, event.Mode, event.Seq)
	case trace.KindUnlink:
		if !event.IsDirectory {
			b.removed(event.Path)
		}
	case trace.KindRename:
		if event.IsDirectory {
			return nil
		}
		b.removed(event.Path)
		b.access(key, program, event.Target, trace.ModeWrite, event.Seq)
	case trace.KindSymlink:
		b.access(key, program, event.Path, trace.ModeWrite|trace.ModeLink, event.Seq)
	}
	return nil
}

func (b *builder) processCreate(key processKey, event trace.Event) error {
	program := &Process{
		ProcessID:  event.ProcessID,
		PID:        event.PID,
		RunID:      event.RunID,
		WorkingDir: event.WorkingDir,
		Created:    CreatedInitial,
	}
	if event.ParentProcessID != 0 {
		parent := b.programs[processKey{run: event.RunID, id: event.ParentProcessID}]
		if parent == nil {
			return fmt.Errorf("run %d seq %d: unknown parent process %d", event.RunID, event.Seq, event.ParentProcessID)
		}
		program.Parent = parent
		program.Binary = parent.Binary
		program.Argv = parent.Argv
		program.Created = CreatedFork
	} else if b.runs[event.RunID] == nil {
		run := &Run{ID: event.RunID, WorkingDir: event.WorkingDir, Root: program}
		b.runs[event.RunID] = run
		b.graph.Runs = append(b.graph.Runs, run)
	}
	b.addProgram(key, program)
	return nil
}

func (b *builder) addProgram(key processKey, program *Process) {
	program.Index = len(b.graph.Processes)
	b.graph.Processes = append(b.graph.Processes, program)
	b.programs[key] = program
}

func (b *builder) exec(key processKey, program *Process, event trace.Event) {
	if !b.options.AllForks && !program.acted {
		if program.Parent != nil {
			program.Created = CreatedForkExec
		}
	} else {
		program = &Process{
			ProcessID: program.ProcessID,
			PID:       program.PID,
			RunID:     program.RunID,
			Parent:    program,
			Created:   CreatedExec,
		}
		b.addProgram(key, program)
	}
	program.acted = true
	program.Binary = event.Path
	program.Argv = event.Argv
	if event.WorkingDir != "" {
		program.WorkingDir = event.WorkingDir
	}

	run := b.runs[event.RunID]
	if run != nil && run.Root != nil && run.Root.ProcessID == event.ProcessID && run.Binary == "" {
		run.Root = program
		run.Binary = event.Path
		run.Argv = event.Argv
		run.Environ = event.Envp
		if event.WorkingDir != "" {
			run.WorkingDir = event.WorkingDir
		}
	}

	program.addAccess(Access{Path: event.Path, Mode: trace.ModeRead, Exec: true, Argv: event.Argv, Seq: event.Seq})
	b.record(key, program, event.Path, trace.ModeRead, event.Seq, false)
	if event.Binary != "" && event.Binary != event.Path {
		b.record(key, program, event.Binary, trace.ModeRead, event.Seq, false)
	}
}

func (b *builder) access(key processKey, program *Process, path string, mode trace.Mode, seq int64) {
	b.record(key, program, path, mode, seq, true)
}

// record classifies one successful file access, adding a program edge
// unless the access is already drawn as an exec edge.
func (b *builder) record(key processKey, program *Process, path string, mode trace.Mode, seq int64, edge bool) {
	if path == "" || b.ignored(path) {
		return
	}
	expanded := b.options.Resolver.Expand(path)
	if len(expanded) == 0 {
		expanded = []string{path}
	}
	for index, current := range expanded {
		if b.ignored(current) {
			continue
		}
		currentMode := mode
		if index < len(expanded)-1 {
			// symlinks on the way are read to reach the target
			currentMode = trace.ModeRead | trace.ModeLink
		}
		if edge {
			program.addAccess(Access{Path: current, Mode: currentMode, Seq: seq})
		}
		b.classify(key, current, currentMode, seq)
	}
}

func (b *builder) classify(key processKey, path string, mode trace.Mode, seq int64) {
	isWrite := mode.Has(trace.ModeWrite)
	isRead := mode.Has(trace.ModeRead) || mode.Has(trace.ModeStat)

	state := b.files[path]
	if state == nil {
		role := RoleOutput
		if isRead {
			role = RoleInput
		}
		state = &fileState{
			dep:       &FileDependency{Path: path, Role: role, FirstSeq: seq},
			writtenBy: map[processKey]bool{},
			readBy:    map[int]bool{},
			wroteRuns: map[int]bool{},
		}
		b.files[path] = state
	}
	if isWrite {
		state.writtenBy[key] = true
		state.wroteRuns[key.run] = true
	}
	if isRead {
		state.readBy[key.run] = true
		if state.dep.Role == RoleOutput && readByOther(state.writtenBy, key) {
			state.dep.Role = RoleTransient
		}
	}
}

func readByOther(writers map[processKey]bool, reader processKey) bool {
	for writer := range writers {
		if writer != reader {
			return true
		}
	}
	return false
}

// removed marks files created during the trace and later deleted as
// transient. Deleting a pre-existing file does not change its role.
func (b *builder) removed(path string) {
	if state := b.files[path]; state != nil && state.dep.Role == RoleOutput {
		state.dep.Role = RoleTransient
	}
}

func (b *builder) ignored(path string) bool {
	for _, prefix := range b.options.Ignore {
		if HasPathPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (p *Process) addAccess(access Access) {
	key := fmt.Sprintf("%s\x00%d\x00%v\x00%s", access.Path, access.Mode, access.Exec, strings.Join(access.Argv, "\x00"))
	if p.seen == nil {
		p.seen = map[string]bool{}
	}
	if p.seen[key] {
		return
	}
	p.seen[key] = true
	p.Accesses = append(p.Accesses, access)
}

// HasPathPrefix reports whether path is prefix or inside it.
func HasPathPrefix(path, prefix string) bool {
	prefix = filepath.Clean(prefix)
	if prefix == "/" {
		return true
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

func sortedRuns(runs map[int]bool) []int {
	out := make([]int, 0, len(runs))
	for run := range runs {
		out = append(out, run)
	}
	sort.Ints(out)
	return out
}

type identity struct{}

func (identity) Expand(path string) []string { return []string{path} }
