package trace

import (
	"context"
	"io"
	"time"
)

type Kind string

const (
	KindProcessCreate Kind = "process_create"
	KindExec          Kind = "exec"
	KindOpen          Kind = "open"
	KindStat          Kind = "stat"
	KindChdir         Kind = "chdir"
	KindMkdir         Kind = "mkdir"
	KindUnlink        Kind = "unlink"
	KindRename        Kind = "rename"
	KindSymlink       Kind = "symlink"
	KindConnect       Kind = "connect"
	KindProcessExit   Kind = "process_exit"
)

func (k Kind) Valid() bool {
	switch k {
	case KindProcessCreate, KindExec, KindOpen, KindStat, KindChdir, KindMkdir,
		KindUnlink, KindRename, KindSymlink, KindConnect, KindProcessExit:
		return true
	}
	return false
}

// Mode holds the access bits of a file event.
type Mode uint32

const (
	ModeRead Mode = 1 << iota
	ModeWrite
	ModeWorkDir
	ModeStat
	ModeLink
)

func (m Mode) Has(bits Mode) bool { return m&bits == bits }

// Event is one observation from the traced process tree. ProcessID and
// ParentProcessID are tracer-assigned and never reused within a run, unlike
// PID.
type Event struct {
	Seq             int64
	RunID           int
	ProcessID       int
	ParentProcessID int
	PID             int
	Kind            Kind
	Path            string
	Target          string
	Binary          string
	Mode            Mode
	Timestamp       time.Time
	Result          int
	IsDirectory     bool
	Thread          bool
	Argv            []string
	Envp            []string
	WorkingDir      string
	Address         string
	ExitCode        int
	Signal          int
}

// Succeeded reports whether the underlying syscall returned a non-error value.
func (e Event) Succeeded() bool { return e.Result >= 0 }

type Command struct {
	Argv   []string
	Dir    string
	Env    []string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

type Result struct {
	ExitCode  int
	Signal    int
	Processes int
	Events    int64
	Duration  time.Duration
}

// Tracer runs a command and reports every event of its process tree on the
// channel. Sends block when the channel is full. The channel is not closed
// by the tracer.
type Tracer interface {
	Trace(ctx context.Context, command Command, runID int, events chan<- Event) (Result, error)
}

type Sink interface {
	Write(ctx context.Context, event Event) error
}
